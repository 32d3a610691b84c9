// Package ingest implements the timestore ingestion pipeline: dataset and
// schema resolution, signature-based deduplication, staging through the spool
// and the flush that turns a staged batch into an immutable partition.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/spool"
	"github.com/benediktbwimmer/apphub-sub012/timestore/targets"
)

var (
	// Error is the default ingest errs class.
	Error = errs.Class("ingest")
	// ErrStorageWriteFailed is returned when the partition file could not be
	// stored.
	ErrStorageWriteFailed = errs.Class("storage write failed")

	mon = monkit.Package()
)

// Config holds the ingestion processor configuration.
type Config struct {
	FlushMaxRows  int           `help:"flush a staged batch at this many rows" default:"1"`
	FlushMaxBytes int64         `help:"flush a staged batch at this many staged bytes, 0 disables" default:"0"`
	FlushMaxAge   time.Duration `help:"flush a staged batch at this age, 0 disables" default:"0"`

	FileFormat     string `help:"file format for new partitions (duckdb | parquet | clickhouse)" default:"parquet"`
	IndexedColumns string `help:"comma separated columns given bloom filters and histograms, empty indexes all non-timestamp columns" default:""`

	Stats colstats.Config
}

// TimeRange is the half-open window of a batch.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PartitionInput describes the partition a job's rows belong to.
type PartitionInput struct {
	Key        datasets.Metadata `json:"key"`
	Attributes datasets.Metadata `json:"attributes,omitempty"`
	TimeRange  TimeRange         `json:"timeRange"`
}

// Evolution carries the schema-evolution options of a job.
type Evolution struct {
	Backfill bool `json:"backfill,omitempty"`
}

// Job is one validated ingestion request.
type Job struct {
	DatasetSlug string           `json:"datasetSlug"`
	DatasetName string           `json:"datasetName,omitempty"`
	TableName   string           `json:"tableName"`
	Schema      []datasets.Field `json:"schema"`
	Partition   PartitionInput   `json:"partition"`
	Rows        []colstats.Row   `json:"rows"`
	Evolution   Evolution        `json:"evolution,omitempty"`

	// IdempotencyKey overrides the computed ingestion signature for dedup.
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt,omitempty"`
}

// Result is what Process hands back to the API.
type Result struct {
	Dataset       datasets.Dataset
	Schema        datasets.SchemaVersion
	Manifest      *datasets.Manifest
	Partition     *datasets.Partition
	StorageTarget datasets.StorageTarget
	// FlushPending is true while the batch sits in the spool waiting for the
	// flush policy to trigger.
	FlushPending bool
}

// Processor runs ingestion jobs.
type Processor struct {
	log      *zap.Logger
	db       datasets.DB
	staging  *spool.Spool
	backends *targets.Registry
	bus      eventbus.Bus
	config   Config

	// defaultTargetID seeds datasets created on first ingest.
	defaultTargetID int64

	nowFn func() time.Time
}

// NewProcessor creates an ingestion processor. defaultTargetID is the storage
// target assigned to datasets created on first ingest.
func NewProcessor(log *zap.Logger, db datasets.DB, staging *spool.Spool, backends *targets.Registry, bus eventbus.Bus, defaultTargetID int64, config Config) *Processor {
	if config.FlushMaxRows <= 0 {
		config.FlushMaxRows = 1
	}
	if config.FileFormat == "" {
		config.FileFormat = string(datasets.FormatParquet)
	}
	return &Processor{
		log:             log,
		db:              db,
		staging:         staging,
		backends:        backends,
		bus:             bus,
		config:          config,
		defaultTargetID: defaultTargetID,
		nowFn:           func() time.Time { return time.Now().UTC() },
	}
}

// TestingSetNow overrides the clock.
func (processor *Processor) TestingSetNow(now func() time.Time) { processor.nowFn = now }

// Process runs one ingestion job end to end: resolve the dataset and schema,
// dedup by signature, stage the rows and flush when the policy triggers.
func (processor *Processor) Process(ctx context.Context, job Job) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if job.DatasetSlug == "" {
		return Result{}, Error.New("dataset slug is required")
	}
	if len(job.Rows) == 0 {
		return Result{}, Error.New("no rows to ingest")
	}
	if !job.Partition.TimeRange.Start.Before(job.Partition.TimeRange.End) {
		return Result{}, Error.New("time range start must precede end")
	}
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = processor.nowFn()
	}

	var dataset datasets.Dataset
	var schema datasets.SchemaVersion
	var evolutionMeta datasets.Metadata
	err = processor.db.WithTx(ctx, func(ctx context.Context, tx datasets.Tx) error {
		dataset, err = processor.resolveDataset(ctx, tx, job)
		if err != nil {
			return err
		}
		schema, evolutionMeta, err = processor.reconcileSchema(ctx, tx, dataset, job)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	signature := job.IdempotencyKey
	if signature == "" {
		signature = Signature(schema.ID, job.Partition.Key, job.Partition.TimeRange, job.Rows)
	}

	// A replayed batch returns the committed manifest untouched.
	if existing, err := processor.db.Partitions().GetBySignature(ctx, dataset.ID, signature); err == nil {
		return processor.replayResult(ctx, dataset, schema, existing)
	} else if !datasets.ErrNotFound.Has(err) {
		return Result{}, Error.Wrap(err)
	}

	batch, err := processor.staging.Append(ctx, spool.Batch{
		DatasetID:           dataset.ID,
		Slug:                dataset.Slug,
		TableName:           job.TableName,
		SchemaVersionID:     schema.ID,
		Signature:           signature,
		PartitionKey:        job.Partition.Key,
		PartitionAttributes: job.Partition.Attributes,
		StartTime:           job.Partition.TimeRange.Start.UTC(),
		EndTime:             job.Partition.TimeRange.End.UTC(),
		Rows:                job.Rows,
		ReceivedAt:          job.ReceivedAt,
	})
	if err != nil {
		return Result{}, err
	}

	if !processor.shouldFlush(batch) {
		manifest, target, _ := processor.currentManifest(ctx, dataset, batch)
		return Result{
			Dataset:       dataset,
			Schema:        schema,
			Manifest:      manifest,
			StorageTarget: target,
			FlushPending:  true,
		}, nil
	}

	return processor.flush(ctx, dataset, schema, batch, evolutionMeta)
}

// shouldFlush applies the staging flush policy.
func (processor *Processor) shouldFlush(batch spool.Batch) bool {
	if batch.RowCount >= int64(processor.config.FlushMaxRows) {
		return true
	}
	if processor.config.FlushMaxBytes > 0 && batch.ByteSize >= processor.config.FlushMaxBytes {
		return true
	}
	if processor.config.FlushMaxAge > 0 && processor.nowFn().Sub(batch.ReceivedAt) >= processor.config.FlushMaxAge {
		return true
	}
	return false
}

// replayResult reconstructs the response for an already-committed signature.
func (processor *Processor) replayResult(ctx context.Context, dataset datasets.Dataset, schema datasets.SchemaVersion, partition datasets.Partition) (Result, error) {
	manifest, err := processor.db.Manifests().Get(ctx, partition.ManifestID)
	if err != nil {
		return Result{}, err
	}
	target, err := processor.db.StorageTargets().Get(ctx, partition.StorageTargetID)
	if err != nil {
		return Result{}, err
	}
	mon.Counter("ingest_replayed").Inc(1)
	return Result{
		Dataset:       dataset,
		Schema:        schema,
		Manifest:      &manifest,
		Partition:     &partition,
		StorageTarget: target,
	}, nil
}

// currentManifest best-effort loads the shard manifest for a pending batch.
func (processor *Processor) currentManifest(ctx context.Context, dataset datasets.Dataset, batch spool.Batch) (*datasets.Manifest, datasets.StorageTarget, error) {
	target, err := processor.db.StorageTargets().Get(ctx, dataset.DefaultStorageTargetID)
	if err != nil {
		return nil, datasets.StorageTarget{}, err
	}
	manifest, err := processor.db.Manifests().GetByShard(ctx, dataset.ID, datasets.ShardDateOf(batch.StartTime), false)
	if err != nil {
		return nil, target, nil
	}
	return &manifest, target, nil
}

// resolveDataset finds or creates the dataset for the job's slug.
func (processor *Processor) resolveDataset(ctx context.Context, tx datasets.Tx, job Job) (datasets.Dataset, error) {
	dataset, err := tx.Datasets().GetBySlug(ctx, job.DatasetSlug, true)
	if err == nil {
		return dataset, nil
	}
	if !datasets.ErrNotFound.Has(err) {
		return datasets.Dataset{}, Error.Wrap(err)
	}

	name := job.DatasetName
	if name == "" {
		name = job.DatasetSlug
	}
	dataset, err = tx.Datasets().Create(ctx, datasets.Dataset{
		Slug:                   job.DatasetSlug,
		Name:                   name,
		DefaultStorageTargetID: processor.defaultTargetID,
		Status:                 datasets.DatasetActive,
	})
	if err == nil {
		processor.log.Info("dataset created",
			zap.String("slug", dataset.Slug), zap.Int64("id", dataset.ID))
	}
	return dataset, Error.Wrap(err)
}

// indexedColumns returns the columns given bloom filters and histograms.
// Without explicit configuration every non-timestamp column is indexed.
func (processor *Processor) indexedColumns(schema datasets.SchemaVersion) []string {
	if processor.config.IndexedColumns != "" {
		var out []string
		for _, name := range strings.Split(processor.config.IndexedColumns, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
		return out
	}
	var out []string
	for _, field := range schema.Fields {
		if field.Type != datasets.TypeTimestamp {
			out = append(out, field.Name)
		}
	}
	return out
}

// Signature computes the ingestion signature: a sha256 over the canonical
// JSON of (schemaVersionID, partitionKey, timeRange, rows). Row order is
// significant.
func Signature(schemaVersionID int64, partitionKey datasets.Metadata, window TimeRange, rows []colstats.Row) string {
	payload, _ := json.Marshal(struct {
		SchemaVersionID int64             `json:"schemaVersionId"`
		PartitionKey    datasets.Metadata `json:"partitionKey"`
		Start           string            `json:"start"`
		End             string            `json:"end"`
		Rows            []colstats.Row    `json:"rows"`
	}{
		SchemaVersionID: schemaVersionID,
		PartitionKey:    partitionKey,
		Start:           window.Start.UTC().Format(time.RFC3339Nano),
		End:             window.End.UTC().Format(time.RFC3339Nano),
		Rows:            rows,
	})
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}
