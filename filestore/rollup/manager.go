package rollup

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/jobqueue"
)

var (
	// Error is the default rollup errs class.
	Error = errs.Class("rollup")

	mon = monkit.Package()
)

// Config contains configurable values for the rollup manager.
type Config struct {
	QueueName            string        `help:"name of the recalculation queue" default:"rollup-recalculate"`
	QueueConcurrency     int           `help:"number of concurrent recalculation workers" default:"1"`
	QueueInline          bool          `help:"run recalculations inline instead of on the worker pool" default:"false"`
	CacheTTL             time.Duration `help:"how long cached summaries stay valid" default:"5m"`
	CacheMaxEntries      int           `help:"bound on cached summaries" default:"1024"`
	RecalcDepthThreshold int           `help:"schedule a background recalculation for candidates at or deeper than this depth" default:"4"`
	RecalcChildThreshold int64         `help:"schedule a background recalculation when the child count changes by at least this much" default:"32"`
	MaxCascadeDepth      int           `help:"bound on how far a recalculation cascades towards the root" default:"64"`
}

// Manager applies rollup plans inside mutation transactions and performs the
// post-commit cache and scheduling work.
type Manager struct {
	log    *zap.Logger
	db     meta.DB
	cache  *Cache
	queue  *jobqueue.Queue
	config Config
}

// NewManager creates a Manager. The recalculation queue is created by the
// manager; run Worker to consume it.
func NewManager(log *zap.Logger, db meta.DB, cache *Cache, config Config) *Manager {
	manager := &Manager{
		log:    log,
		db:     db,
		cache:  cache,
		config: config,
	}
	manager.queue = jobqueue.New(log.Named("queue"), jobqueue.Config{
		Name:        config.QueueName,
		Concurrency: config.QueueConcurrency,
		Inline:      config.QueueInline,
	}, manager.handleRecalculation)
	return manager
}

// Queue exposes the recalculation queue for the peer's lifecycle group.
func (manager *Manager) Queue() *jobqueue.Queue { return manager.queue }

// Cache exposes the summary cache.
func (manager *Manager) Cache() *Cache { return manager.cache }

// ApplyPlan executes the ensure, increment and invalidate sequences of a plan
// inside the given transaction. Rows are locked in ascending node-id order to
// keep concurrent transactions deadlock free.
func (manager *Manager) ApplyPlan(ctx context.Context, tx meta.Tx, plan Plan) (updated []meta.Rollup, err error) {
	defer mon.Task()(&ctx)(&err)

	normalized := plan.normalized()
	rollups := tx.Rollups()

	for _, nodeID := range normalized.Ensure {
		if _, err := rollups.Ensure(ctx, nodeID); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	for _, delta := range normalized.Increments {
		record, err := rollups.ApplyDelta(ctx, delta)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		updated = append(updated, record)
	}
	for _, inv := range normalized.Invalidate {
		if err := rollups.SetState(ctx, inv.NodeID, inv.State); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return updated, nil
}

// AfterCommit performs the post-commit side of a plan: refresh the cache for
// updated rollups, invalidate touched-but-not-updated summaries, and enqueue
// recalculation candidates that pass the thresholds.
func (manager *Manager) AfterCommit(ctx context.Context, plan Plan, updated []meta.Rollup) {
	updatedIDs := make(map[int64]struct{}, len(updated))
	for _, record := range updated {
		updatedIDs[record.NodeID] = struct{}{}
		manager.cache.Store(ctx, record)
	}
	for _, nodeID := range plan.normalized().TouchedNodeIDs {
		if _, ok := updatedIDs[nodeID]; ok {
			continue
		}
		manager.cache.Invalidate(ctx, nodeID)
	}

	for _, candidate := range plan.ScheduleCandidates {
		if !manager.shouldSchedule(candidate) {
			continue
		}
		if err := manager.Schedule(ctx, candidate); err != nil {
			manager.log.Warn("scheduling recalculation failed",
				zap.Int64("node_id", candidate.NodeID), zap.Error(err))
		}
	}
}

func (manager *Manager) shouldSchedule(candidate Candidate) bool {
	if candidate.Depth >= manager.config.RecalcDepthThreshold {
		return true
	}
	delta := candidate.ChildCountDelta
	if delta < 0 {
		delta = -delta
	}
	return delta >= manager.config.RecalcChildThreshold
}

type recalculationJob struct {
	NodeID  int64  `json:"nodeId"`
	MountID int64  `json:"mountId"`
	Reason  string `json:"reason"`
}

// Schedule enqueues a recalculation for the candidate node, coalescing
// duplicates already waiting.
func (manager *Manager) Schedule(ctx context.Context, candidate Candidate) error {
	payload, err := json.Marshal(recalculationJob{
		NodeID:  candidate.NodeID,
		MountID: candidate.MountID,
		Reason:  candidate.Reason,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	jobID := "rollup:" + manager.config.QueueName + ":" + strconv.FormatInt(candidate.NodeID, 10)
	return Error.Wrap(manager.queue.Enqueue(ctx, payload, jobqueue.WithJobID(jobID)))
}

func (manager *Manager) handleRecalculation(ctx context.Context, job jobqueue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payload recalculationJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Error.Wrap(err)
	}
	return manager.Recalculate(ctx, payload.NodeID)
}

// Recalculate recomputes the rollup of a node and cascades to its ancestors
// until the root is reached, a node repeats, or the cascade depth bound is
// hit. Every step runs in its own transaction; hitting the bound leaves the
// remaining ancestors pending for a later cascade.
func (manager *Manager) Recalculate(ctx context.Context, nodeID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	visited := map[int64]struct{}{}
	current := nodeID
	for depth := 0; depth <= manager.config.MaxCascadeDepth; depth++ {
		if _, seen := visited[current]; seen {
			return nil
		}
		visited[current] = struct{}{}

		var record meta.Rollup
		var parentID *int64
		err := manager.db.WithTx(ctx, func(ctx context.Context, tx meta.Tx) error {
			var err error
			record, parentID, err = tx.Rollups().Recalculate(ctx, current)
			return err
		})
		if err != nil {
			return Error.Wrap(err)
		}
		manager.cache.Store(ctx, record)

		if parentID == nil {
			return nil
		}
		current = *parentID
	}

	mon.Counter("rollup_cascade_depth_bound").Inc(1)
	manager.log.Debug("cascade depth bound reached", zap.Int64("node_id", nodeID))
	return nil
}
