package meta

import (
	"context"
	"time"
)

// DB is the filestore metadata store. Repository handles obtained outside of
// WithTx autocommit; handles obtained from the Tx share one transaction.
type DB interface {
	Repositories

	// WithTx runs fn inside a single database transaction. fn may be called
	// more than once when the transaction is retried, so side effects outside
	// the database must be idempotent.
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error

	MigrateToLatest(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the transactional view of the repositories.
type Tx interface {
	Repositories
}

// Repositories bundles the typed repository contracts.
type Repositories interface {
	Nodes() NodeDB
	Rollups() RollupDB
	Journal() JournalDB
	Jobs() ReconciliationJobDB
	Mounts() MountDB
	Snapshots() SnapshotDB
}

// ListNodes are the filters for NodeDB.List.
type ListNodes struct {
	MountID    *int64
	PathPrefix string
	Depth      *int
	States     []NodeState
	// DriftOnly selects nodes whose consistency state is not consistent.
	DriftOnly bool
	// Search matches a substring of path or name.
	Search string
	Limit  int
	Offset int
}

// NodeDB stores nodes.
type NodeDB interface {
	// GetByID fetches a node. With forUpdate the row is locked until the
	// surrounding transaction ends.
	GetByID(ctx context.Context, id int64, forUpdate bool) (Node, error)
	// GetByPath fetches the single non-deleted node at (mountID, path).
	GetByPath(ctx context.Context, mountID int64, path string, forUpdate bool) (Node, error)
	// Insert stores a new node and returns it with identifiers and
	// timestamps filled in.
	Insert(ctx context.Context, node Node) (Node, error)
	// Update persists all mutable fields. The version on the passed node
	// must match the stored row; the stored version is bumped.
	Update(ctx context.Context, node Node) (Node, error)
	// ListSubtree returns the non-deleted node at path plus all descendants,
	// ordered by depth then path.
	ListSubtree(ctx context.Context, mountID int64, path string, forUpdate bool) ([]Node, error)
	// ListChildren returns the active immediate children of a node.
	ListChildren(ctx context.Context, parentID int64) ([]Node, error)
	// List applies the API filters.
	List(ctx context.Context, opts ListNodes) ([]Node, error)
	// ListReconciliationCandidates returns up to limit nodes in inconsistent
	// or missing state ordered by updatedAt descending.
	ListReconciliationCandidates(ctx context.Context, limit int) ([]Node, error)
}

// RollupDelta is one increment applied to a rollup row under lock.
type RollupDelta struct {
	NodeID         int64
	SizeBytes      int64
	FileCount      int64
	DirectoryCount int64
	ChildCount     int64
	MarkPending    bool
}

// RollupDB stores per-node aggregates.
type RollupDB interface {
	Get(ctx context.Context, nodeID int64) (Rollup, error)
	GetMany(ctx context.Context, nodeIDs []int64) ([]Rollup, error)
	// Ensure creates a pending zero rollup when none exists.
	Ensure(ctx context.Context, nodeID int64) (Rollup, error)
	// ApplyDelta locks the rollup row and adds the delta counters.
	ApplyDelta(ctx context.Context, delta RollupDelta) (Rollup, error)
	SetState(ctx context.Context, nodeID int64, state RollupState) error
	// Recalculate recomputes the rollup from the node's own contribution and
	// its active children's rollups. Children that are not up to date count
	// as zero and leave the recalculated rollup pending. Returns the parent
	// id for cascading.
	Recalculate(ctx context.Context, nodeID int64) (Rollup, *int64, error)
}

// JournalDB stores the append-only mutation journal.
type JournalDB interface {
	Append(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	// FindByIdempotencyKey returns the stored entry for (mountID, key).
	// ErrNotFound when no live entry exists.
	FindByIdempotencyKey(ctx context.Context, mountID int64, key string) (JournalEntry, error)
	// DeleteExpired removes entries whose idempotency TTL has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// UpdateReconciliationJob is a partial job-record update.
type UpdateReconciliationJob struct {
	ID           int64
	Status       JobStatus
	Attempt      *int
	ErrorMessage *string
	Result       []byte
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ListReconciliationJobs are the filters for ReconciliationJobDB.List.
type ListReconciliationJobs struct {
	MountID  *int64
	Statuses []JobStatus
	Limit    int
}

// ReconciliationJobDB stores reconciliation job records.
type ReconciliationJobDB interface {
	Insert(ctx context.Context, job ReconciliationJob) (ReconciliationJob, error)
	Get(ctx context.Context, id int64) (ReconciliationJob, error)
	// GetActiveByKey finds the queued or running job for a job key.
	GetActiveByKey(ctx context.Context, jobKey string) (ReconciliationJob, error)
	Update(ctx context.Context, update UpdateReconciliationJob) (ReconciliationJob, error)
	List(ctx context.Context, opts ListReconciliationJobs) ([]ReconciliationJob, error)
}

// MountDB stores backend mounts.
type MountDB interface {
	Create(ctx context.Context, mount Mount) (Mount, error)
	Get(ctx context.Context, id int64) (Mount, error)
	GetByName(ctx context.Context, name string) (Mount, error)
	List(ctx context.Context) ([]Mount, error)
}

// SnapshotDB stores point-in-time node snapshots.
type SnapshotDB interface {
	Record(ctx context.Context, snapshot Snapshot) (Snapshot, error)
}
