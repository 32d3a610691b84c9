package timestoredb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

type storageTargets struct {
	q queryer
}

var _ datasets.StorageTargetDB = (*storageTargets)(nil)

const targetColumns = `id, name, driver, root_path, bucket, prefix, endpoint, region,
	access_key_id, secret_access_key, force_path_style, created_at`

func scanTarget(row rowScanner) (datasets.StorageTarget, error) {
	var target datasets.StorageTarget
	err := row.Scan(
		&target.ID, &target.Name, &target.Driver, &target.RootPath, &target.Bucket,
		&target.Prefix, &target.Endpoint, &target.Region, &target.AccessKeyID,
		&target.SecretAccessKey, &target.ForcePathStyle, &target.CreatedAt,
	)
	return target, err
}

func (repo *storageTargets) Create(ctx context.Context, target datasets.StorageTarget) (_ datasets.StorageTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	created, err := scanTarget(repo.q.QueryRowContext(ctx, `
		INSERT INTO storage_targets (
			name, driver, root_path, bucket, prefix, endpoint, region,
			access_key_id, secret_access_key, force_path_style
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+targetColumns,
		target.Name, target.Driver, target.RootPath, target.Bucket, target.Prefix,
		target.Endpoint, target.Region, target.AccessKeyID, target.SecretAccessKey,
		target.ForcePathStyle,
	))
	if isUniqueViolation(err) {
		return datasets.StorageTarget{}, datasets.ErrVersionConflict.New(
			"storage target %q already exists", target.Name)
	}
	return created, Error.Wrap(err)
}

func (repo *storageTargets) Get(ctx context.Context, id int64) (_ datasets.StorageTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	target, err := scanTarget(repo.q.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM storage_targets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.StorageTarget{}, datasets.ErrNotFound.New("storage target %d", id)
	}
	return target, Error.Wrap(err)
}

func (repo *storageTargets) GetByName(ctx context.Context, name string) (_ datasets.StorageTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	target, err := scanTarget(repo.q.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM storage_targets WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.StorageTarget{}, datasets.ErrNotFound.New("storage target %q", name)
	}
	return target, Error.Wrap(err)
}

func (repo *storageTargets) List(ctx context.Context) (_ []datasets.StorageTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.q.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM storage_targets ORDER BY id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	var out []datasets.StorageTarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, target)
	}
	return out, Error.Wrap(rows.Err())
}
