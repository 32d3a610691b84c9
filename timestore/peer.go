// Package timestore assembles the timestore peer: dataset database, storage
// targets, the ingestion spool and processor, the query planner and the HTTP
// api.
package timestore

import (
	"context"
	"net"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/private/lifecycle"
	"github.com/benediktbwimmer/apphub-sub012/timestore/api"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/ingest"
	"github.com/benediktbwimmer/apphub-sub012/timestore/planner"
	"github.com/benediktbwimmer/apphub-sub012/timestore/spool"
	"github.com/benediktbwimmer/apphub-sub012/timestore/targets"
)

var (
	// Error is the default timestore peer errs class.
	Error = errs.Class("timestore peer")

	mon = monkit.Package()
)

// Config is the full configuration of the timestore peer.
type Config struct {
	API    api.Config
	Ingest ingest.Config
	Spool  spool.Config
	Events eventbus.Config

	DefaultStorageTarget string `help:"storage target assigned to datasets created on first ingest" default:"primary"`
	BootstrapLocalPath   string `help:"create the default storage target with this local root when missing" default:""`
}

// Peer is the timestore process.
type Peer struct {
	Log *zap.Logger
	DB  datasets.DB

	Servers *lifecycle.Group

	Targets *targets.Registry
	Bus     eventbus.Bus

	Ingest struct {
		Spool     *spool.Spool
		Processor *ingest.Processor
	}

	Query struct {
		Planner  *planner.Planner
		Executor *planner.Executor
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}
}

// New wires the timestore peer together. The context covers the bootstrap
// lookups only; long-running work belongs to Run.
func New(ctx context.Context, log *zap.Logger, db datasets.DB, config Config) (*Peer, error) {
	peer := &Peer{
		Log:     log,
		DB:      db,
		Servers: lifecycle.NewGroup(log.Named("servers")),
	}

	{ // setup event bus
		switch config.Events.Mode {
		case eventbus.ModeRedis:
			bus, err := eventbus.NewRedis(log.Named("eventbus"), config.Events)
			if err != nil {
				return nil, Error.Wrap(err)
			}
			peer.Bus = bus
			peer.Servers.Add(lifecycle.Item{
				Name:  "eventbus",
				Run:   bus.Run,
				Close: bus.Close,
			})
		default:
			peer.Bus = eventbus.NewInline(log.Named("eventbus"))
		}
	}

	{ // setup storage targets
		peer.Targets = targets.NewRegistry(log.Named("targets"), db.StorageTargets())
	}

	defaultTarget, err := resolveDefaultTarget(ctx, db, config)
	if err != nil {
		return nil, err
	}

	{ // setup ingestion
		staging, err := spool.Open(log.Named("spool"), config.Spool)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Ingest.Spool = staging
		peer.Ingest.Processor = ingest.NewProcessor(log.Named("ingest"),
			db, staging, peer.Targets, peer.Bus, defaultTarget.ID, config.Ingest)

		peer.Servers.Add(lifecycle.Item{
			Name: "ingest:recover",
			Run: func(ctx context.Context) error {
				flushed, err := peer.Ingest.Processor.Recover(ctx)
				if err != nil {
					return Error.Wrap(err)
				}
				if flushed > 0 {
					log.Info("staged batches recovered", zap.Int("flushed", flushed))
				}
				return nil
			},
			Close: staging.Close,
		})
	}

	{ // setup query path
		peer.Query.Planner = planner.NewPlanner(log.Named("planner"), db)
		peer.Query.Executor = planner.NewExecutor(log.Named("executor"), peer.Targets)
	}

	{ // setup api
		listener, err := net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.API.Listener = listener
		peer.API.Server = api.NewServer(log.Named("api"), listener, config.API,
			db, peer.Ingest.Processor, peer.Query.Planner, peer.Query.Executor)
		peer.Servers.Add(lifecycle.Item{
			Name:  "api",
			Run:   peer.API.Server.Run,
			Close: peer.API.Server.Close,
		})
	}

	return peer, nil
}

// resolveDefaultTarget finds the configured default storage target, creating
// a local one when bootstrap is enabled.
func resolveDefaultTarget(ctx context.Context, db datasets.DB, config Config) (datasets.StorageTarget, error) {
	target, err := db.StorageTargets().GetByName(ctx, config.DefaultStorageTarget)
	if err == nil {
		return target, nil
	}
	if !datasets.ErrNotFound.Has(err) {
		return datasets.StorageTarget{}, Error.Wrap(err)
	}
	if config.BootstrapLocalPath == "" {
		return datasets.StorageTarget{}, Error.New(
			"storage target %q does not exist; create it or set bootstrap-local-path", config.DefaultStorageTarget)
	}
	target, err = db.StorageTargets().Create(ctx, datasets.StorageTarget{
		Name:     config.DefaultStorageTarget,
		Driver:   backend.DriverLocal,
		RootPath: config.BootstrapLocalPath,
	})
	return target, Error.Wrap(err)
}

// Run starts all peer services and blocks until the context is canceled or a
// service fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Servers.Run(ctx, group)
	return group.Wait()
}

// Close shuts the peer down in reverse startup order.
func (peer *Peer) Close() error {
	return peer.Servers.Close()
}
