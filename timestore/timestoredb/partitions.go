package timestoredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

type partitions struct {
	q queryer
}

var _ datasets.PartitionDB = (*partitions)(nil)

const partitionColumns = `id, manifest_id, dataset_id, storage_target_id,
	partition_key, partition_attributes, file_format, file_path, file_size_bytes,
	row_count, checksum, start_time, end_time, column_stats, bloom_filters,
	histograms, ingestion_signature, created_at`

func scanPartition(row rowScanner) (datasets.Partition, error) {
	var partition datasets.Partition
	var key, attrs, stats, blooms, histograms []byte
	err := row.Scan(
		&partition.ID, &partition.ManifestID, &partition.DatasetID,
		&partition.StorageTargetID, &key, &attrs, &partition.FileFormat,
		&partition.FilePath, &partition.FileSizeBytes, &partition.RowCount,
		&partition.Checksum, &partition.StartTime, &partition.EndTime,
		&stats, &blooms, &histograms, &partition.IngestionSignature,
		&partition.CreatedAt,
	)
	if err != nil {
		return datasets.Partition{}, err
	}
	for _, pair := range []struct {
		raw []byte
		out interface{}
	}{
		{key, &partition.PartitionKey},
		{attrs, &partition.PartitionAttributes},
		{stats, &partition.ColumnStats},
		{blooms, &partition.BloomFilters},
		{histograms, &partition.Histograms},
	} {
		if err := json.Unmarshal(pair.raw, pair.out); err != nil {
			return datasets.Partition{}, err
		}
	}
	return partition, nil
}

func (repo *partitions) AllocateID(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var id int64
	err = repo.q.QueryRowContext(ctx,
		`SELECT nextval('manifest_partitions_id_seq')`).Scan(&id)
	return id, Error.Wrap(err)
}

func (repo *partitions) Insert(ctx context.Context, partition datasets.Partition) (_ datasets.Partition, err error) {
	defer mon.Task()(&ctx)(&err)

	key, err := jsonb(orEmpty(partition.PartitionKey))
	if err != nil {
		return datasets.Partition{}, err
	}
	attrs, err := jsonb(orEmpty(partition.PartitionAttributes))
	if err != nil {
		return datasets.Partition{}, err
	}
	stats, err := jsonb(partition.ColumnStats)
	if err != nil {
		return datasets.Partition{}, err
	}
	blooms, err := jsonb(partition.BloomFilters)
	if err != nil {
		return datasets.Partition{}, err
	}
	histograms, err := jsonb(partition.Histograms)
	if err != nil {
		return datasets.Partition{}, err
	}

	created, err := scanPartition(repo.q.QueryRowContext(ctx, `
		INSERT INTO manifest_partitions (
			id, manifest_id, dataset_id, storage_target_id, partition_key,
			partition_attributes, file_format, file_path, file_size_bytes,
			row_count, checksum, start_time, end_time, column_stats,
			bloom_filters, histograms, ingestion_signature
		) VALUES (
			COALESCE(NULLIF($1, 0::bigint), nextval('manifest_partitions_id_seq')),
			$2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		RETURNING `+partitionColumns,
		partition.ID, partition.ManifestID, partition.DatasetID,
		partition.StorageTargetID, key, attrs, partition.FileFormat,
		partition.FilePath, partition.FileSizeBytes, partition.RowCount,
		partition.Checksum, partition.StartTime, partition.EndTime,
		stats, blooms, histograms, partition.IngestionSignature,
	))
	if isUniqueViolation(err) {
		return datasets.Partition{}, datasets.ErrDuplicateSignature.New(
			"signature %q already ingested for dataset %d",
			partition.IngestionSignature, partition.DatasetID)
	}
	return created, Error.Wrap(err)
}

func (repo *partitions) Get(ctx context.Context, id int64) (_ datasets.Partition, err error) {
	defer mon.Task()(&ctx)(&err)

	partition, err := scanPartition(repo.q.QueryRowContext(ctx,
		`SELECT `+partitionColumns+` FROM manifest_partitions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.Partition{}, datasets.ErrNotFound.New("partition %d", id)
	}
	return partition, Error.Wrap(err)
}

func (repo *partitions) GetBySignature(ctx context.Context, datasetID int64, signature string) (_ datasets.Partition, err error) {
	defer mon.Task()(&ctx)(&err)

	partition, err := scanPartition(repo.q.QueryRowContext(ctx, `
		SELECT `+partitionColumns+` FROM manifest_partitions
		WHERE dataset_id = $1 AND ingestion_signature = $2`, datasetID, signature))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.Partition{}, datasets.ErrNotFound.New(
			"signature %q for dataset %d", signature, datasetID)
	}
	return partition, Error.Wrap(err)
}

func (repo *partitions) ListByManifest(ctx context.Context, manifestID int64) (_ []datasets.Partition, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.q.QueryContext(ctx, `
		SELECT `+partitionColumns+` FROM manifest_partitions
		WHERE manifest_id = $1 ORDER BY start_time, id`, manifestID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	var out []datasets.Partition
	for rows.Next() {
		partition, err := scanPartition(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, partition)
	}
	return out, Error.Wrap(rows.Err())
}
