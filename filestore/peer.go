// Package filestore assembles the filestore peer: metadata database, backend
// mounts, rollup and reconciliation managers, the event bus and the HTTP api.
package filestore

import (
	"context"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"

	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/api"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mounts"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mutation"
	"github.com/benediktbwimmer/apphub-sub012/filestore/reconcile"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
	"github.com/benediktbwimmer/apphub-sub012/private/lifecycle"
)

var (
	// Error is the default filestore peer errs class.
	Error = errs.Class("filestore peer")

	mon = monkit.Package()
)

// Config is the full configuration of the filestore peer.
type Config struct {
	API       api.Config
	Mutation  mutation.Config
	Rollup    rollup.Config
	Reconcile reconcile.Config
	Events    eventbus.Config

	RollupCacheRedis     string        `help:"redis url mirroring rollup summaries across replicas" default:""`
	JournalSweepInterval time.Duration `help:"how often expired journal entries are removed" default:"1h"`
}

// Peer is the filestore process.
type Peer struct {
	Log *zap.Logger
	DB  meta.DB

	Servers *lifecycle.Group

	Mounts *mounts.Registry
	Bus    eventbus.Bus

	Rollup struct {
		Cache   *rollup.Cache
		Manager *rollup.Manager
	}

	Mutation struct {
		Service *mutation.Service
	}

	Reconcile struct {
		Manager *reconcile.Manager
		Chore   *reconcile.Chore
	}

	Journal struct {
		Loop *sync2.Cycle
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}
}

// New wires the filestore peer together.
func New(log *zap.Logger, db meta.DB, config Config) (*Peer, error) {
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

	{ // setup backend mounts
		peer.Mounts = mounts.NewRegistry(log.Named("mounts"), db.Mounts())
	}

	{ // setup rollups
		var mirror *redis.Client
		if config.RollupCacheRedis != "" {
			opts, err := redis.ParseURL(config.RollupCacheRedis)
			if err != nil {
				return nil, Error.Wrap(err)
			}
			mirror = redis.NewClient(opts)
		}
		peer.Rollup.Cache = rollup.NewCache(log.Named("rollup:cache"), db.Rollups(), config.Rollup, mirror)
		peer.Rollup.Manager = rollup.NewManager(log.Named("rollup"), db, peer.Rollup.Cache, config.Rollup)
		peer.Servers.Add(lifecycle.Item{
			Name:  "rollup:queue",
			Run:   peer.Rollup.Manager.Queue().Run,
			Close: peer.Rollup.Manager.Queue().Close,
		})
	}

	{ // setup mutation pipeline
		peer.Mutation.Service = mutation.NewService(log.Named("mutation"),
			db, peer.Mounts, peer.Rollup.Manager, peer.Bus, config.Mutation)
	}

	{ // setup reconciliation
		peer.Reconcile.Manager = reconcile.NewManager(log.Named("reconcile"),
			db, peer.Mounts, peer.Rollup.Manager, peer.Bus, config.Reconcile)
		peer.Servers.Add(lifecycle.Item{
			Name:  "reconcile:queue",
			Run:   peer.Reconcile.Manager.Queue().Run,
			Close: peer.Reconcile.Manager.Queue().Close,
		})

		unsubscribe := peer.Reconcile.Manager.SubscribeDrift(peer.Bus)
		peer.Servers.Add(lifecycle.Item{
			Name: "reconcile:drift",
			Close: func() error {
				unsubscribe()
				return nil
			},
		})

		peer.Reconcile.Chore = reconcile.NewChore(log.Named("reconcile:audit"),
			db, peer.Reconcile.Manager, config.Reconcile)
		peer.Servers.Add(lifecycle.Item{
			Name:  "reconcile:audit",
			Run:   peer.Reconcile.Chore.Run,
			Close: peer.Reconcile.Chore.Close,
		})
	}

	{ // setup journal sweep
		interval := config.JournalSweepInterval
		if interval <= 0 {
			interval = time.Hour
		}
		peer.Journal.Loop = sync2.NewCycle(interval)
		peer.Servers.Add(lifecycle.Item{
			Name: "journal:sweep",
			Run: func(ctx context.Context) error {
				return peer.Journal.Loop.Run(ctx, func(ctx context.Context) error {
					deleted, err := db.Journal().DeleteExpired(ctx, time.Now().UTC())
					if err != nil {
						log.Warn("journal sweep failed", zap.Error(err))
						return nil
					}
					if deleted > 0 {
						log.Debug("journal entries expired", zap.Int64("count", deleted))
					}
					return nil
				})
			},
			Close: func() error {
				peer.Journal.Loop.Close()
				return nil
			},
		})
	}

	{ // setup api
		listener, err := net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.API.Listener = listener
		peer.API.Server = api.NewServer(log.Named("api"), listener, config.API,
			db, peer.Mutation.Service, peer.Rollup.Manager, peer.Reconcile.Manager, peer.Bus)
		peer.Servers.Add(lifecycle.Item{
			Name:  "api",
			Run:   peer.API.Server.Run,
			Close: peer.API.Server.Close,
		})
	}

	return peer, nil
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
