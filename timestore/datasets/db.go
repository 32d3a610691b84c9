package datasets

import (
	"context"
	"time"
)

// DB is the timestore metadata store. Repository handles obtained outside of
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
	Datasets() DatasetDB
	Schemas() SchemaDB
	Manifests() ManifestDB
	Partitions() PartitionDB
	StorageTargets() StorageTargetDB
	Access() AccessDB
}

// UpdateDataset is a partial dataset update guarded by the IfMatch token.
type UpdateDataset struct {
	ID int64
	// IfMatch must equal the stored UpdatedAt or the update fails with
	// ErrVersionConflict.
	IfMatch  time.Time
	Name     *string
	Status   *DatasetStatus
	Metadata Metadata
}

// ListDatasets are the filters for DatasetDB.List.
type ListDatasets struct {
	Status *DatasetStatus
	Search string
	Limit  int
	Offset int
}

// DatasetDB stores datasets.
type DatasetDB interface {
	Create(ctx context.Context, dataset Dataset) (Dataset, error)
	Get(ctx context.Context, id int64) (Dataset, error)
	// GetBySlug fetches a dataset by its stable external identifier. With
	// forUpdate the row is locked until the surrounding transaction ends.
	GetBySlug(ctx context.Context, slug string, forUpdate bool) (Dataset, error)
	Update(ctx context.Context, update UpdateDataset) (Dataset, error)
	List(ctx context.Context, opts ListDatasets) ([]Dataset, error)
}

// SchemaDB stores immutable schema versions.
type SchemaDB interface {
	// Create appends a schema version; the version number must be
	// latest + 1.
	Create(ctx context.Context, schema SchemaVersion) (SchemaVersion, error)
	Get(ctx context.Context, id int64) (SchemaVersion, error)
	// GetLatest returns the highest version for the dataset; ErrNotFound when
	// the dataset has no schema yet.
	GetLatest(ctx context.Context, datasetID int64) (SchemaVersion, error)
	List(ctx context.Context, datasetID int64) ([]SchemaVersion, error)
}

// ManifestDB stores per-shard partition indexes.
type ManifestDB interface {
	Create(ctx context.Context, manifest Manifest) (Manifest, error)
	Get(ctx context.Context, id int64) (Manifest, error)
	// GetByShard returns the current (non-superseded) manifest for
	// (datasetID, shardDate). With forUpdate the row is locked.
	GetByShard(ctx context.Context, datasetID int64, shardDate string, forUpdate bool) (Manifest, error)
	// AppendPartitionSummary folds a new partition's counters and time range
	// into the manifest totals, merges metadata keys and advances the
	// manifest's schema version when schemaVersionID is newer.
	AppendPartitionSummary(ctx context.Context, manifestID int64, partition Partition, schemaVersionID int64, metadata Metadata) (Manifest, error)
	// ListShardsIntersecting returns manifests for the dataset whose shard
	// dates fall inside [start, end], ordered by shard date.
	ListShardsIntersecting(ctx context.Context, datasetID int64, start, end time.Time) ([]Manifest, error)
	List(ctx context.Context, datasetID int64) ([]Manifest, error)
}

// PartitionDB stores immutable partition records.
type PartitionDB interface {
	// AllocateID reserves a partition id ahead of Insert so the storage path
	// can embed it.
	AllocateID(ctx context.Context) (int64, error)
	// Insert stores the record; a pre-allocated ID is honored.
	Insert(ctx context.Context, partition Partition) (Partition, error)
	Get(ctx context.Context, id int64) (Partition, error)
	// GetBySignature finds the partition previously written for an ingestion
	// signature; ErrNotFound when the signature is unseen.
	GetBySignature(ctx context.Context, datasetID int64, signature string) (Partition, error)
	// ListByManifest returns a manifest's partitions ordered by start time
	// then id.
	ListByManifest(ctx context.Context, manifestID int64) ([]Partition, error)
}

// StorageTargetDB stores registered artifact stores.
type StorageTargetDB interface {
	Create(ctx context.Context, target StorageTarget) (StorageTarget, error)
	Get(ctx context.Context, id int64) (StorageTarget, error)
	GetByName(ctx context.Context, name string) (StorageTarget, error)
	List(ctx context.Context) ([]StorageTarget, error)
}

// AccessDB stores the dataset access audit trail.
type AccessDB interface {
	Record(ctx context.Context, event AccessEvent) (AccessEvent, error)
	List(ctx context.Context, datasetID int64, limit int) ([]AccessEvent, error)
}
