package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

// Recover replays staged batches left behind by a previous process. Batches
// whose signature already has a committed partition were flushed right before
// the crash and are dropped; everything else is flushed now.
func (processor *Processor) Recover(ctx context.Context) (flushed int, err error) {
	defer mon.Task()(&ctx)(&err)

	batches, err := processor.staging.List(ctx)
	if err != nil {
		return 0, err
	}

	for _, batch := range batches {
		if ctx.Err() != nil {
			return flushed, ctx.Err()
		}

		if _, err := processor.db.Partitions().GetBySignature(ctx, batch.DatasetID, batch.Signature); err == nil {
			if err := processor.staging.Remove(ctx, batch.DatasetID, batch.Signature); err != nil {
				processor.log.Warn("dropping committed batch from spool",
					zap.String("signature", batch.Signature), zap.Error(err))
			}
			continue
		} else if !datasets.ErrNotFound.Has(err) {
			return flushed, Error.Wrap(err)
		}

		dataset, err := processor.db.Datasets().Get(ctx, batch.DatasetID)
		if err != nil {
			processor.log.Error("recovering batch for unknown dataset",
				zap.Int64("dataset_id", batch.DatasetID), zap.Error(err))
			continue
		}
		schema, err := processor.db.Schemas().Get(ctx, batch.SchemaVersionID)
		if err != nil {
			processor.log.Error("recovering batch with unknown schema",
				zap.Int64("schema_version_id", batch.SchemaVersionID), zap.Error(err))
			continue
		}

		if _, err := processor.flush(ctx, dataset, schema, batch, nil); err != nil {
			processor.log.Error("recovery flush failed",
				zap.String("signature", batch.Signature), zap.Error(err))
			continue
		}
		flushed++
	}

	if flushed > 0 {
		processor.log.Info("spool recovery complete", zap.Int("flushed", flushed))
	}
	return flushed, nil
}
