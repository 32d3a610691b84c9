package datasets

import (
	"encoding/json"
	"time"
)

// DatasetStatus is the lifecycle state of a dataset.
type DatasetStatus string

// Dataset statuses.
const (
	DatasetActive   DatasetStatus = "active"
	DatasetInactive DatasetStatus = "inactive"
)

// Metadata is the free-form key to value map on datasets and manifests.
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

// Dataset is a named time-series collection. The slug is the stable external
// identifier; UpdatedAt doubles as the optimistic-concurrency token for admin
// updates.
type Dataset struct {
	ID                     int64
	Slug                   string
	Name                   string
	DefaultStorageTargetID int64
	Status                 DatasetStatus
	Metadata               Metadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FieldType is the closed set of column types.
type FieldType string

// Field types.
const (
	TypeTimestamp FieldType = "timestamp"
	TypeDouble    FieldType = "double"
	TypeInteger   FieldType = "integer"
	TypeString    FieldType = "string"
	TypeBoolean   FieldType = "boolean"
)

// Field is one column of a schema version.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Nullable    bool      `json:"nullable,omitempty"`
	Description string    `json:"description,omitempty"`
}

// SchemaVersion is an immutable, monotonically versioned field list for a
// dataset. Evolution is additive only: fields are appended, never changed or
// removed.
type SchemaVersion struct {
	ID        int64
	DatasetID int64
	Version   int
	Fields    []Field
	CreatedAt time.Time
}

// FieldNames returns the ordered column names.
func (schema SchemaVersion) FieldNames() []string {
	names := make([]string, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		names = append(names, field.Name)
	}
	return names
}

// FieldByName finds a field.
func (schema SchemaVersion) FieldByName(name string) (Field, bool) {
	for _, field := range schema.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// ManifestStatus is the publication state of a manifest.
type ManifestStatus string

// Manifest statuses.
const (
	ManifestDraft      ManifestStatus = "draft"
	ManifestPublished  ManifestStatus = "published"
	ManifestSuperseded ManifestStatus = "superseded"
)

// Manifest is the partition index for one dataset shard. The shard is the UTC
// date of the partitions' start times; manifests are never rewritten, new
// partitions are appended.
type Manifest struct {
	ID              int64
	DatasetID       int64
	ShardDate       string
	Version         int
	Status          ManifestStatus
	SchemaVersionID int64

	TotalRows  int64
	TotalBytes int64
	StartTime  *time.Time
	EndTime    *time.Time

	Metadata Metadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileFormat is the partition file encoding.
type FileFormat string

// File formats.
const (
	FormatDuckDB     FileFormat = "duckdb"
	FormatParquet    FileFormat = "parquet"
	FormatClickhouse FileFormat = "clickhouse"
)

// ColumnStats summarizes one column of one partition for pruning.
type ColumnStats struct {
	Min       interface{} `json:"min,omitempty"`
	Max       interface{} `json:"max,omitempty"`
	NullCount int64       `json:"nullCount"`
	RowCount  int64       `json:"rowCount"`
}

// BloomFilter is a serialized membership filter over one column's values.
type BloomFilter struct {
	Bits      []byte `json:"bits"`
	HashCount int    `json:"hashCount"`
}

// Histogram is an equi-width bin count over one numeric column.
type Histogram struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Counts []int64 `json:"counts"`
}

// Partition is one immutable file of rows within a manifest.
type Partition struct {
	ID              int64
	ManifestID      int64
	DatasetID       int64
	StorageTargetID int64

	PartitionKey        Metadata
	PartitionAttributes Metadata
	FileFormat          FileFormat
	FilePath            string
	FileSizeBytes       int64
	RowCount            int64
	Checksum            string

	StartTime time.Time
	EndTime   time.Time

	ColumnStats  map[string]ColumnStats
	BloomFilters map[string]BloomFilter
	Histograms   map[string]Histogram

	// IngestionSignature deduplicates replayed batches.
	IngestionSignature string

	CreatedAt time.Time
}

// StorageTarget is a registered artifact store for partition files.
type StorageTarget struct {
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

// AccessEvent is one audit-trail row for a dataset operation.
type AccessEvent struct {
	ID        int64
	DatasetID int64
	Action    string
	Actor     string
	Detail    json.RawMessage
	CreatedAt time.Time
}

// ShardDateOf formats the manifest shard for a partition start time.
func ShardDateOf(start time.Time) string {
	return start.UTC().Format("2006-01-02")
}
