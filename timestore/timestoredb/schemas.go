package timestoredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

type schemas struct {
	q queryer
}

var _ datasets.SchemaDB = (*schemas)(nil)

const schemaColumns = `id, dataset_id, version, fields, created_at`

func scanSchema(row rowScanner) (datasets.SchemaVersion, error) {
	var schema datasets.SchemaVersion
	var fields []byte
	err := row.Scan(&schema.ID, &schema.DatasetID, &schema.Version, &fields, &schema.CreatedAt)
	if err != nil {
		return datasets.SchemaVersion{}, err
	}
	if err := json.Unmarshal(fields, &schema.Fields); err != nil {
		return datasets.SchemaVersion{}, err
	}
	return schema, nil
}

func (repo *schemas) Create(ctx context.Context, schema datasets.SchemaVersion) (_ datasets.SchemaVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	fields, err := json.Marshal(schema.Fields)
	if err != nil {
		return datasets.SchemaVersion{}, Error.Wrap(err)
	}
	created, err := scanSchema(repo.q.QueryRowContext(ctx, `
		INSERT INTO dataset_schema_versions ( dataset_id, version, fields )
		VALUES ($1, $2, $3)
		RETURNING `+schemaColumns,
		schema.DatasetID, schema.Version, fields,
	))
	if isUniqueViolation(err) {
		return datasets.SchemaVersion{}, datasets.ErrVersionConflict.New(
			"schema version %d for dataset %d already exists", schema.Version, schema.DatasetID)
	}
	return created, Error.Wrap(err)
}

func (repo *schemas) Get(ctx context.Context, id int64) (_ datasets.SchemaVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := scanSchema(repo.q.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM dataset_schema_versions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.SchemaVersion{}, datasets.ErrNotFound.New("schema version %d", id)
	}
	return schema, Error.Wrap(err)
}

func (repo *schemas) GetLatest(ctx context.Context, datasetID int64) (_ datasets.SchemaVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := scanSchema(repo.q.QueryRowContext(ctx, `
		SELECT `+schemaColumns+` FROM dataset_schema_versions
		WHERE dataset_id = $1 ORDER BY version DESC LIMIT 1`, datasetID))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.SchemaVersion{}, datasets.ErrNotFound.New("dataset %d has no schema", datasetID)
	}
	return schema, Error.Wrap(err)
}

func (repo *schemas) List(ctx context.Context, datasetID int64) (_ []datasets.SchemaVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.q.QueryContext(ctx, `
		SELECT `+schemaColumns+` FROM dataset_schema_versions
		WHERE dataset_id = $1 ORDER BY version`, datasetID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	var out []datasets.SchemaVersion
	for rows.Next() {
		schema, err := scanSchema(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, schema)
	}
	return out, Error.Wrap(rows.Err())
}
