package timestoredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

type datasetsRepo struct {
	q queryer
}

var _ datasets.DatasetDB = (*datasetsRepo)(nil)

const datasetColumns = `id, slug, name, default_storage_target_id, status, metadata,
	created_at, updated_at`

func scanDataset(row rowScanner) (datasets.Dataset, error) {
	var dataset datasets.Dataset
	var metadata []byte
	err := row.Scan(
		&dataset.ID, &dataset.Slug, &dataset.Name, &dataset.DefaultStorageTargetID,
		&dataset.Status, &metadata, &dataset.CreatedAt, &dataset.UpdatedAt,
	)
	if err != nil {
		return datasets.Dataset{}, err
	}
	if err := json.Unmarshal(metadata, &dataset.Metadata); err != nil {
		return datasets.Dataset{}, err
	}
	return dataset, nil
}

func (repo *datasetsRepo) Create(ctx context.Context, dataset datasets.Dataset) (_ datasets.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	metadata, err := jsonb(orEmpty(dataset.Metadata))
	if err != nil {
		return datasets.Dataset{}, err
	}
	status := dataset.Status
	if status == "" {
		status = datasets.DatasetActive
	}
	created, err := scanDataset(repo.q.QueryRowContext(ctx, `
		INSERT INTO datasets ( slug, name, default_storage_target_id, status, metadata )
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+datasetColumns,
		dataset.Slug, dataset.Name, dataset.DefaultStorageTargetID, status, metadata,
	))
	if isUniqueViolation(err) {
		return datasets.Dataset{}, datasets.ErrVersionConflict.New("dataset %q already exists", dataset.Slug)
	}
	return created, Error.Wrap(err)
}

func (repo *datasetsRepo) Get(ctx context.Context, id int64) (_ datasets.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	dataset, err := scanDataset(repo.q.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.Dataset{}, datasets.ErrNotFound.New("dataset %d", id)
	}
	return dataset, Error.Wrap(err)
}

func (repo *datasetsRepo) GetBySlug(ctx context.Context, slug string, forUpdate bool) (_ datasets.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE slug = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	dataset, err := scanDataset(repo.q.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.Dataset{}, datasets.ErrNotFound.New("dataset %q", slug)
	}
	return dataset, Error.Wrap(err)
}

func (repo *datasetsRepo) Update(ctx context.Context, update datasets.UpdateDataset) (_ datasets.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	var metadata []byte
	if update.Metadata != nil {
		metadata, err = jsonb(update.Metadata)
		if err != nil {
			return datasets.Dataset{}, err
		}
	}

	updated, err := scanDataset(repo.q.QueryRowContext(ctx, `
		UPDATE datasets SET
			name = COALESCE($3, name),
			status = COALESCE($4, status),
			metadata = COALESCE($5, metadata),
			updated_at = now()
		WHERE id = $1 AND updated_at = $2
		RETURNING `+datasetColumns,
		update.ID, update.IfMatch, update.Name, (*string)(update.Status), metadata,
	))
	if errors.Is(err, sql.ErrNoRows) {
		// Either the dataset is gone or the token is stale; distinguish for
		// the caller.
		if _, getErr := repo.Get(ctx, update.ID); getErr != nil {
			return datasets.Dataset{}, getErr
		}
		return datasets.Dataset{}, datasets.ErrVersionConflict.New("dataset %d changed since read", update.ID)
	}
	return updated, Error.Wrap(err)
}

func (repo *datasetsRepo) List(ctx context.Context, opts datasets.ListDatasets) (_ []datasets.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	var conditions []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if opts.Status != nil {
		conditions = append(conditions, `status = `+arg(string(*opts.Status)))
	}
	if opts.Search != "" {
		p := arg("%" + escapeLike(opts.Search) + "%")
		conditions = append(conditions, `(slug LIKE `+p+` OR name LIKE `+p+`)`)
	}

	query := `SELECT ` + datasetColumns + ` FROM datasets`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY slug`
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if opts.Offset > 0 {
		query += ` OFFSET ` + arg(opts.Offset)
	}

	rows, err := repo.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	var out []datasets.Dataset
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, dataset)
	}
	return out, Error.Wrap(rows.Err())
}
