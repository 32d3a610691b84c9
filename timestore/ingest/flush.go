package ingest

import (
	"bytes"
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/partitions"
	"github.com/benediktbwimmer/apphub-sub012/timestore/spool"
)

// flush turns a staged batch into an immutable partition: encode the file,
// store it through the backend, and commit the partition row plus the
// additive manifest update in one transaction.
func (processor *Processor) flush(ctx context.Context, dataset datasets.Dataset, schema datasets.SchemaVersion, batch spool.Batch, evolutionMeta datasets.Metadata) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := processor.staging.MarkFlushing(ctx, batch.DatasetID, batch.Signature); err != nil {
		return Result{}, err
	}

	target, err := processor.db.StorageTargets().Get(ctx, dataset.DefaultStorageTargetID)
	if err != nil {
		return Result{}, err
	}
	adapter, err := processor.backends.Get(ctx, target.ID)
	if err != nil {
		return Result{}, err
	}

	format := datasets.FileFormat(processor.config.FileFormat)
	shardDate := datasets.ShardDateOf(batch.StartTime)

	data, checksum, err := partitions.Encode(schema, batch.Rows)
	if err != nil {
		return Result{}, err
	}
	stats, blooms, histograms := colstats.Collect(
		schema, batch.Rows, processor.indexedColumns(schema), processor.config.Stats)

	var manifest datasets.Manifest
	var partition datasets.Partition
	err = processor.db.WithTx(ctx, func(ctx context.Context, tx datasets.Tx) error {
		manifest, err = tx.Manifests().GetByShard(ctx, dataset.ID, shardDate, true)
		if datasets.ErrNotFound.Has(err) {
			manifest, err = tx.Manifests().Create(ctx, datasets.Manifest{
				DatasetID:       dataset.ID,
				ShardDate:       shardDate,
				SchemaVersionID: schema.ID,
				Status:          datasets.ManifestPublished,
			})
		}
		if err != nil {
			return err
		}

		partitionID, err := tx.Partitions().AllocateID(ctx)
		if err != nil {
			return err
		}
		filePath := partitions.PathFor(dataset.Slug, shardDate, partitionID, format)

		// The backend write sits inside the transaction so a rollback leaves
		// no committed metadata behind; repeating it on retry is safe because
		// the path is derived from the allocated id.
		if _, err := adapter.WriteBlob(ctx, filePath, bytes.NewReader(data)); err != nil {
			return ErrStorageWriteFailed.Wrap(err)
		}

		partition, err = tx.Partitions().Insert(ctx, datasets.Partition{
			ID:                  partitionID,
			ManifestID:          manifest.ID,
			DatasetID:           dataset.ID,
			StorageTargetID:     target.ID,
			PartitionKey:        batch.PartitionKey,
			PartitionAttributes: batch.PartitionAttributes,
			FileFormat:          format,
			FilePath:            filePath,
			FileSizeBytes:       int64(len(data)),
			RowCount:            batch.RowCount,
			Checksum:            checksum,
			StartTime:           batch.StartTime,
			EndTime:             batch.EndTime,
			ColumnStats:         stats,
			BloomFilters:        blooms,
			Histograms:          histograms,
			IngestionSignature:  batch.Signature,
		})
		if err != nil {
			return err
		}

		manifest, err = tx.Manifests().AppendPartitionSummary(ctx, manifest.ID, partition, schema.ID, evolutionMeta)
		return err
	})
	if err != nil {
		// A concurrent flush of the same signature won the race; hand back
		// its result.
		if datasets.ErrDuplicateSignature.Has(err) {
			if existing, getErr := processor.db.Partitions().GetBySignature(ctx, dataset.ID, batch.Signature); getErr == nil {
				_ = processor.staging.Remove(ctx, batch.DatasetID, batch.Signature)
				return processor.replayResult(ctx, dataset, schema, existing)
			}
		}
		return Result{}, err
	}

	if err := processor.staging.Remove(ctx, batch.DatasetID, batch.Signature); err != nil {
		processor.log.Warn("removing flushed batch from spool",
			zap.String("signature", batch.Signature), zap.Error(err))
	}
	processor.publishPartitionCreated(ctx, dataset, manifest, partition)
	processor.recordAccess(ctx, dataset.ID, "ingest", map[string]interface{}{
		"partitionId": partition.ID,
		"manifestId":  manifest.ID,
		"rowCount":    partition.RowCount,
	})
	mon.Counter("ingest_flushed").Inc(1)

	return Result{
		Dataset:       dataset,
		Schema:        schema,
		Manifest:      &manifest,
		Partition:     &partition,
		StorageTarget: target,
	}, nil
}

func (processor *Processor) publishPartitionCreated(ctx context.Context, dataset datasets.Dataset, manifest datasets.Manifest, partition datasets.Partition) {
	event, err := eventbus.New(eventbus.TypePartitionCreated, map[string]interface{}{
		"datasetSlug": dataset.Slug,
		"manifestId":  manifest.ID,
		"shardDate":   manifest.ShardDate,
		"partitionId": partition.ID,
		"filePath":    partition.FilePath,
		"rowCount":    partition.RowCount,
	})
	if err != nil {
		processor.log.Warn("building partition event", zap.Error(err))
		return
	}
	processor.bus.Publish(ctx, event)
}

// recordAccess appends to the dataset audit trail; failures are logged only.
func (processor *Processor) recordAccess(ctx context.Context, datasetID int64, action string, detail map[string]interface{}) {
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = []byte(`{}`)
	}
	if _, err := processor.db.Access().Record(ctx, datasets.AccessEvent{
		DatasetID: datasetID,
		Action:    action,
		Detail:    raw,
	}); err != nil {
		processor.log.Warn("recording access event", zap.String("action", action), zap.Error(err))
	}
}
