package meta

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/benediktbwimmer/apphub-sub012/backend"
)

// NodeKind discriminates files from directories.
type NodeKind string

// Node kinds.
const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
)

// NodeState is the lifecycle state of a node.
type NodeState string

// Node states. Deleted is terminal: no further mutation is accepted except
// purge.
const (
	NodeActive       NodeState = "active"
	NodeMissing      NodeState = "missing"
	NodeInconsistent NodeState = "inconsistent"
	NodeDeleted      NodeState = "deleted"
)

// ConsistencyState is the per-node view of whether metadata matches the
// backend ground truth.
type ConsistencyState string

// Consistency states.
const (
	ConsistencyConsistent   ConsistencyState = "consistent"
	ConsistencyInconsistent ConsistencyState = "inconsistent"
	ConsistencyMissing      ConsistencyState = "missing"
)

// Metadata is the free-form key to value map attached to nodes.
type Metadata map[string]interface{}

// Clone returns a copy that can be mutated independently.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Node is a tracked metadata entry for one backend artifact.
type Node struct {
	ID       int64
	MountID  int64
	ParentID *int64

	Path  string
	Name  string
	Depth int

	Kind  NodeKind
	State NodeState

	SizeBytes   int64
	Checksum    string
	ContentHash string
	Metadata    Metadata

	// Version increases monotonically on every mutation.
	Version int64

	CreatedAt            time.Time
	UpdatedAt            time.Time
	LastSeenAt           *time.Time
	LastModifiedAt       *time.Time
	ConsistencyCheckedAt *time.Time
	LastReconciledAt     *time.Time

	ConsistencyState ConsistencyState
}

// IsActive reports whether the node contributes to ancestor rollups.
func (node Node) IsActive() bool { return node.State == NodeActive }

// RollupState describes the freshness of a rollup record.
type RollupState string

// Rollup states.
const (
	RollupUpToDate RollupState = "up_to_date"
	RollupPending  RollupState = "pending"
	RollupInvalid  RollupState = "invalid"
)

// Rollup aggregates the contribution of a node and all of its active
// descendants.
type Rollup struct {
	NodeID           int64
	SizeBytes        int64
	FileCount        int64
	DirectoryCount   int64
	ChildCount       int64
	State            RollupState
	LastCalculatedAt *time.Time
}

// Mount is a registered storage endpoint against which node paths are
// resolved.
type Mount struct {
	ID     int64
	Name   string
	Driver string

	// RootPath applies to the local driver.
	RootPath string

	// The remaining fields apply to the s3 driver.
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool

	CreatedAt time.Time
}

// JournalEntry is an append-only record of a committed mutation.
type JournalEntry struct {
	ID             int64
	MountID        int64
	NodeID         *int64
	Command        string
	IdempotencyKey string
	Payload        json.RawMessage
	Result         json.RawMessage
	// ResultHash fingerprints the request so a replay with a different
	// payload can be rejected.
	ResultHash string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Snapshot captures a node's observable fields at a point in time.
type Snapshot struct {
	ID         int64
	NodeID     int64
	MountID    int64
	Path       string
	Kind       NodeKind
	State      NodeState
	SizeBytes  int64
	Checksum   string
	Version    int64
	CapturedAt time.Time
}

// SnapshotOf captures the given node.
func SnapshotOf(node Node) Snapshot {
	return Snapshot{
		NodeID:    node.ID,
		MountID:   node.MountID,
		Path:      node.Path,
		Kind:      node.Kind,
		State:     node.State,
		SizeBytes: node.SizeBytes,
		Checksum:  node.Checksum,
		Version:   node.Version,
	}
}

// JobStatus is the persisted status of a reconciliation job record.
type JobStatus string

// Reconciliation job statuses.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// JobReason describes why a reconciliation was requested.
type JobReason string

// Reconciliation reasons.
const (
	ReasonDrift  JobReason = "drift"
	ReasonAudit  JobReason = "audit"
	ReasonManual JobReason = "manual"
)

// ReconciliationJob is the persisted audit record of a reconciliation.
type ReconciliationJob struct {
	ID             int64
	JobKey         string
	MountID        int64
	NodeID         *int64
	Path           string
	Status         JobStatus
	Reason         JobReason
	DetectChildren bool
	Attempt        int
	ErrorMessage   string
	Result         json.RawMessage

	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// JobKey derives the coalescing key for a reconciliation target.
func JobKey(mountID int64, path string) string {
	return "reconcile:" + strconv.FormatInt(mountID, 10) + ":" + path
}

// NormalizePath validates and normalizes a node path.
func NormalizePath(p string) (string, error) {
	normalized, err := backend.ResolvePath(p)
	if err != nil {
		return "", ErrInvalidPath.Wrap(err)
	}
	return normalized, nil
}
