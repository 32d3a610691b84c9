package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mounts"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
	"github.com/benediktbwimmer/apphub-sub012/jobqueue"
)

var (
	// Error is the default reconcile errs class.
	Error = errs.Class("reconcile")

	mon = monkit.Package()
)

// Config contains configurable values for reconciliation.
type Config struct {
	QueueName        string        `help:"name of the reconciliation queue" default:"reconcile"`
	QueueConcurrency int           `help:"concurrent reconciliation workers" default:"2"`
	QueueInline      bool          `help:"run reconciliations on the caller, for tests" default:"false"`
	AuditInterval    time.Duration `help:"how often the audit chore scans for drifted nodes" default:"5m"`
	AuditBatch       int           `help:"maximum nodes fed to the queue per audit pass" default:"100"`
}

// Request asks for one path to be reconciled.
type Request struct {
	MountID        int64
	Path           string
	Reason         meta.JobReason
	DetectChildren bool
}

// Manager owns the reconciliation queue, the persisted job records and the
// workers that execute probes.
type Manager struct {
	log      *zap.Logger
	db       meta.DB
	backends *mounts.Registry
	rollups  *rollup.Manager
	bus      eventbus.Bus
	queue    *jobqueue.Queue
	config   Config

	nowFn func() time.Time
}

// NewManager creates a reconciliation manager.
func NewManager(log *zap.Logger, db meta.DB, backends *mounts.Registry, rollups *rollup.Manager, bus eventbus.Bus, config Config) *Manager {
	manager := &Manager{
		log:      log,
		db:       db,
		backends: backends,
		rollups:  rollups,
		bus:      bus,
		config:   config,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	manager.queue = jobqueue.New(log.Named("queue"), jobqueue.Config{
		Name:        config.QueueName,
		Concurrency: config.QueueConcurrency,
		Inline:      config.QueueInline,
	}, manager.process)
	return manager
}

// Queue exposes the underlying queue for lifecycle wiring.
func (manager *Manager) Queue() *jobqueue.Queue { return manager.queue }

// TestingSetNow overrides the clock.
func (manager *Manager) TestingSetNow(now func() time.Time) { manager.nowFn = now }

// jobPayload is what travels through the queue; everything else lives in the
// job record.
type jobPayload struct {
	JobID int64 `json:"jobId"`
}

// Enqueue records and queues a reconciliation. Requests for a path that
// already has a queued or running job coalesce onto the existing record.
func (manager *Manager) Enqueue(ctx context.Context, req Request) (job meta.ReconciliationJob, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := meta.NormalizePath(req.Path)
	if err != nil {
		return meta.ReconciliationJob{}, err
	}
	if req.Reason == "" {
		req.Reason = meta.ReasonManual
	}
	jobKey := meta.JobKey(req.MountID, path)

	existing, err := manager.db.Jobs().GetActiveByKey(ctx, jobKey)
	switch {
	case err == nil:
		mon.Counter("reconcile_coalesced").Inc(1)
		return existing, nil
	case !meta.ErrNotFound.Has(err):
		return meta.ReconciliationJob{}, Error.Wrap(err)
	}

	var nodeID *int64
	if node, err := manager.db.Nodes().GetByPath(ctx, req.MountID, path, false); err == nil {
		nodeID = &node.ID
	} else if !meta.ErrNotFound.Has(err) {
		return meta.ReconciliationJob{}, Error.Wrap(err)
	}

	job, err = manager.db.Jobs().Insert(ctx, meta.ReconciliationJob{
		JobKey:         jobKey,
		MountID:        req.MountID,
		NodeID:         nodeID,
		Path:           path,
		Status:         meta.JobQueued,
		Reason:         req.Reason,
		DetectChildren: req.DetectChildren,
		EnqueuedAt:     manager.nowFn(),
	})
	if err != nil {
		return meta.ReconciliationJob{}, Error.Wrap(err)
	}

	payload, err := json.Marshal(jobPayload{JobID: job.ID})
	if err != nil {
		return meta.ReconciliationJob{}, Error.Wrap(err)
	}
	if err := manager.queue.Enqueue(ctx, payload, jobqueue.WithJobID(jobKey)); err != nil {
		return meta.ReconciliationJob{}, Error.Wrap(err)
	}

	manager.publishJobEvent(ctx, eventbus.TypeReconciliationQueued, job)
	return job, nil
}

// SubscribeDrift registers a bus handler that turns drift.detected events
// into reconciliation requests for the drifted node. Requests coalesce onto
// the job that published the event, so the subscriber cannot feed itself.
// The returned cancel removes the subscription.
func (manager *Manager) SubscribeDrift(bus eventbus.Bus) (cancel func()) {
	return bus.Subscribe(func(ctx context.Context, event eventbus.Event) {
		if event.Type != eventbus.TypeDriftDetected {
			return
		}
		var payload struct {
			Node meta.NodeJSON `json:"node"`
		}
		if err := event.DecodeData(&payload); err != nil {
			manager.log.Warn("decode drift event", zap.Error(err))
			return
		}
		_, err := manager.Enqueue(ctx, Request{
			MountID:        payload.Node.BackendMountID,
			Path:           payload.Node.Path,
			Reason:         meta.ReasonDrift,
			DetectChildren: true,
		})
		if err != nil {
			manager.log.Warn("enqueue drift reconciliation",
				zap.Int64("mount", payload.Node.BackendMountID),
				zap.String("path", payload.Node.Path),
				zap.Error(err))
		}
	})
}

// Job returns a job record.
func (manager *Manager) Job(ctx context.Context, id int64) (meta.ReconciliationJob, error) {
	return manager.db.Jobs().Get(ctx, id)
}

// Jobs lists job records.
func (manager *Manager) Jobs(ctx context.Context, opts meta.ListReconciliationJobs) ([]meta.ReconciliationJob, error) {
	return manager.db.Jobs().List(ctx, opts)
}

func (manager *Manager) publishJobEvent(ctx context.Context, eventType eventbus.Type, job meta.ReconciliationJob) {
	event, err := eventbus.New(eventType, meta.JobToJSON(job))
	if err != nil {
		manager.log.Error("encode job event", zap.Int64("job", job.ID), zap.Error(err))
		return
	}
	manager.bus.Publish(ctx, event)
}
