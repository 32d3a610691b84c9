package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

// reconcileSchema compares the job's field list with the dataset's latest
// schema version. Identical schemas are reused; appended fields create a new
// version; any change to an existing field is incompatible.
func (processor *Processor) reconcileSchema(ctx context.Context, tx datasets.Tx, dataset datasets.Dataset, job Job) (datasets.SchemaVersion, datasets.Metadata, error) {
	if len(job.Schema) == 0 {
		return datasets.SchemaVersion{}, nil, Error.New("schema is required")
	}

	latest, err := tx.Schemas().GetLatest(ctx, dataset.ID)
	if datasets.ErrNotFound.Has(err) {
		created, err := tx.Schemas().Create(ctx, datasets.SchemaVersion{
			DatasetID: dataset.ID,
			Version:   1,
			Fields:    job.Schema,
		})
		return created, nil, err
	}
	if err != nil {
		return datasets.SchemaVersion{}, nil, Error.Wrap(err)
	}

	added, err := diffSchema(latest, job.Schema)
	if err != nil {
		return datasets.SchemaVersion{}, nil, err
	}
	if len(added) == 0 {
		return latest, nil, nil
	}

	created, err := tx.Schemas().Create(ctx, datasets.SchemaVersion{
		DatasetID: dataset.ID,
		Version:   latest.Version + 1,
		Fields:    job.Schema,
	})
	if err != nil {
		return datasets.SchemaVersion{}, nil, err
	}
	processor.log.Info("schema evolved",
		zap.String("slug", dataset.Slug),
		zap.Int("version", created.Version),
		zap.Strings("added", added))

	var meta datasets.Metadata
	if job.Evolution.Backfill {
		meta = datasets.Metadata{
			"schemaEvolution": map[string]interface{}{
				"addedColumns":      added,
				"requestedBackfill": true,
			},
		}
	}
	return created, meta, nil
}

// diffSchema returns the names of fields appended by next. Existing fields
// must keep their position, type and nullability.
func diffSchema(current datasets.SchemaVersion, next []datasets.Field) ([]string, error) {
	if len(next) < len(current.Fields) {
		return nil, datasets.ErrSchemaIncompatible.New(
			"schema drops fields: %d columns, previously %d", len(next), len(current.Fields))
	}
	for i, field := range current.Fields {
		candidate := next[i]
		if candidate.Name != field.Name {
			return nil, datasets.ErrSchemaIncompatible.New(
				"field %q was removed or reordered", field.Name)
		}
		if candidate.Type != field.Type {
			return nil, datasets.ErrSchemaIncompatible.New(
				"field %q changed type %s -> %s", field.Name, field.Type, candidate.Type)
		}
		if candidate.Nullable != field.Nullable {
			return nil, datasets.ErrSchemaIncompatible.New(
				"field %q changed nullability", field.Name)
		}
	}

	var added []string
	for _, field := range next[len(current.Fields):] {
		if _, exists := current.FieldByName(field.Name); exists {
			return nil, datasets.ErrSchemaIncompatible.New(
				"field %q appears twice", field.Name)
		}
		added = append(added, field.Name)
	}
	return added, nil
}
