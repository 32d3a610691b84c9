package timestoredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

type manifests struct {
	q queryer
}

var _ datasets.ManifestDB = (*manifests)(nil)

const manifestColumns = `id, dataset_id, shard_date, version, status, schema_version_id,
	total_rows, total_bytes, start_time, end_time, metadata, created_at, updated_at`

func scanManifest(row rowScanner) (datasets.Manifest, error) {
	var manifest datasets.Manifest
	var metadata []byte
	var start, end sql.NullTime
	err := row.Scan(
		&manifest.ID, &manifest.DatasetID, &manifest.ShardDate, &manifest.Version,
		&manifest.Status, &manifest.SchemaVersionID, &manifest.TotalRows,
		&manifest.TotalBytes, &start, &end, &metadata,
		&manifest.CreatedAt, &manifest.UpdatedAt,
	)
	if err != nil {
		return datasets.Manifest{}, err
	}
	manifest.StartTime = nullTime(start)
	manifest.EndTime = nullTime(end)
	if err := json.Unmarshal(metadata, &manifest.Metadata); err != nil {
		return datasets.Manifest{}, err
	}
	return manifest, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

func (repo *manifests) Create(ctx context.Context, manifest datasets.Manifest) (_ datasets.Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	metadata, err := jsonb(orEmpty(manifest.Metadata))
	if err != nil {
		return datasets.Manifest{}, err
	}
	status := manifest.Status
	if status == "" {
		status = datasets.ManifestPublished
	}
	version := manifest.Version
	if version <= 0 {
		version = 1
	}
	created, err := scanManifest(repo.q.QueryRowContext(ctx, `
		INSERT INTO dataset_manifests (
			dataset_id, shard_date, version, status, schema_version_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+manifestColumns,
		manifest.DatasetID, manifest.ShardDate, version, status,
		manifest.SchemaVersionID, metadata,
	))
	if isUniqueViolation(err) {
		return datasets.Manifest{}, datasets.ErrVersionConflict.New(
			"manifest for dataset %d shard %s already exists", manifest.DatasetID, manifest.ShardDate)
	}
	return created, Error.Wrap(err)
}

func (repo *manifests) Get(ctx context.Context, id int64) (_ datasets.Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	manifest, err := scanManifest(repo.q.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM dataset_manifests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.Manifest{}, datasets.ErrNotFound.New("manifest %d", id)
	}
	return manifest, Error.Wrap(err)
}

func (repo *manifests) GetByShard(ctx context.Context, datasetID int64, shardDate string, forUpdate bool) (_ datasets.Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT ` + manifestColumns + ` FROM dataset_manifests
		WHERE dataset_id = $1 AND shard_date = $2 AND status != 'superseded'`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	manifest, err := scanManifest(repo.q.QueryRowContext(ctx, query, datasetID, shardDate))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.Manifest{}, datasets.ErrNotFound.New(
			"manifest for dataset %d shard %s", datasetID, shardDate)
	}
	return manifest, Error.Wrap(err)
}

func (repo *manifests) AppendPartitionSummary(ctx context.Context, manifestID int64, partition datasets.Partition, schemaVersionID int64, metadata datasets.Metadata) (_ datasets.Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	current, err := scanManifest(repo.q.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM dataset_manifests WHERE id = $1 FOR UPDATE`, manifestID))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.Manifest{}, datasets.ErrNotFound.New("manifest %d", manifestID)
	}
	if err != nil {
		return datasets.Manifest{}, Error.Wrap(err)
	}

	merged := current.Metadata.Clone()
	if merged == nil {
		merged = datasets.Metadata{}
	}
	for k, v := range metadata {
		merged[k] = v
	}
	mergedJSON, err := jsonb(merged)
	if err != nil {
		return datasets.Manifest{}, err
	}

	start := partition.StartTime
	if current.StartTime != nil && current.StartTime.Before(start) {
		start = *current.StartTime
	}
	end := partition.EndTime
	if current.EndTime != nil && current.EndTime.After(end) {
		end = *current.EndTime
	}

	updated, err := scanManifest(repo.q.QueryRowContext(ctx, `
		UPDATE dataset_manifests SET
			total_rows = total_rows + $2,
			total_bytes = total_bytes + $3,
			start_time = $4,
			end_time = $5,
			metadata = $6,
			schema_version_id = GREATEST(schema_version_id, $7),
			updated_at = now()
		WHERE id = $1
		RETURNING `+manifestColumns,
		manifestID, partition.RowCount, partition.FileSizeBytes, start, end,
		mergedJSON, schemaVersionID,
	))
	return updated, Error.Wrap(err)
}

func (repo *manifests) ListShardsIntersecting(ctx context.Context, datasetID int64, start, end time.Time) (_ []datasets.Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	// Shard dates are UTC days; compare lexically, which matches
	// chronological order for the YYYY-MM-DD format.
	firstShard := datasets.ShardDateOf(start)
	lastShard := datasets.ShardDateOf(end)

	rows, err := repo.q.QueryContext(ctx, `
		SELECT `+manifestColumns+` FROM dataset_manifests
		WHERE dataset_id = $1 AND status != 'superseded'
			AND shard_date >= $2 AND shard_date <= $3
		ORDER BY shard_date`, datasetID, firstShard, lastShard)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	return collectManifests(rows)
}

func (repo *manifests) List(ctx context.Context, datasetID int64) (_ []datasets.Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.q.QueryContext(ctx, `
		SELECT `+manifestColumns+` FROM dataset_manifests
		WHERE dataset_id = $1 AND status != 'superseded'
		ORDER BY shard_date`, datasetID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	return collectManifests(rows)
}

type manifestRows interface {
	Next() bool
	Err() error
	Scan(dest ...interface{}) error
}

func collectManifests(rows manifestRows) ([]datasets.Manifest, error) {
	var out []datasets.Manifest
	for rows.Next() {
		manifest, err := scanManifest(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, manifest)
	}
	return out, Error.Wrap(rows.Err())
}
