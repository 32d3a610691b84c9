package filestoredb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

type mountsRepo struct {
	q queryer
}

var _ meta.MountDB = (*mountsRepo)(nil)

const mountColumns = `id, name, driver, root_path, bucket, prefix, endpoint, region,
	access_key_id, secret_access_key, force_path_style, created_at`

func scanMount(row rowScanner) (meta.Mount, error) {
	var mount meta.Mount
	err := row.Scan(
		&mount.ID, &mount.Name, &mount.Driver, &mount.RootPath, &mount.Bucket,
		&mount.Prefix, &mount.Endpoint, &mount.Region, &mount.AccessKeyID,
		&mount.SecretAccessKey, &mount.ForcePathStyle, &mount.CreatedAt,
	)
	return mount, err
}

func (repo *mountsRepo) Create(ctx context.Context, mount meta.Mount) (_ meta.Mount, err error) {
	defer mon.Task()(&ctx)(&err)

	created, err := scanMount(repo.q.QueryRowContext(ctx, `
		INSERT INTO backend_mounts (
			name, driver, root_path, bucket, prefix, endpoint, region,
			access_key_id, secret_access_key, force_path_style
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+mountColumns,
		mount.Name, mount.Driver, mount.RootPath, mount.Bucket, mount.Prefix,
		mount.Endpoint, mount.Region, mount.AccessKeyID, mount.SecretAccessKey,
		mount.ForcePathStyle,
	))
	if isUniqueViolation(err) {
		return meta.Mount{}, meta.ErrPathInUse.New("mount %q already exists", mount.Name)
	}
	return created, Error.Wrap(err)
}

func (repo *mountsRepo) Get(ctx context.Context, id int64) (_ meta.Mount, err error) {
	defer mon.Task()(&ctx)(&err)

	mount, err := scanMount(repo.q.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM backend_mounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Mount{}, meta.ErrNotFound.New("mount %d", id)
	}
	return mount, Error.Wrap(err)
}

func (repo *mountsRepo) GetByName(ctx context.Context, name string) (_ meta.Mount, err error) {
	defer mon.Task()(&ctx)(&err)

	mount, err := scanMount(repo.q.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM backend_mounts WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Mount{}, meta.ErrNotFound.New("mount %q", name)
	}
	return mount, Error.Wrap(err)
}

func (repo *mountsRepo) List(ctx context.Context) (_ []meta.Mount, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.q.QueryContext(ctx,
		`SELECT `+mountColumns+` FROM backend_mounts ORDER BY id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	var out []meta.Mount
	for rows.Next() {
		mount, err := scanMount(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, mount)
	}
	return out, Error.Wrap(rows.Err())
}
