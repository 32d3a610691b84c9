// Package timestoredb implements the timestore metadata store on postgres.
package timestoredb

import (
	"context"
	"database/sql"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"storj.io/private/tagsql"

	"github.com/benediktbwimmer/apphub-sub012/shared/dbutil/txutil"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

var (
	// Error is the default timestoredb errs class.
	Error = errs.Class("timestoredb")

	mon = monkit.Package()
)

// queryer is the subset of tagsql shared by a database handle and an open
// transaction, so repositories work against either.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (tagsql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is satisfied by *sql.Row and tagsql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// DB is a postgres-backed datasets.DB.
type DB struct {
	log *zap.Logger
	db  tagsql.DB

	repositories
}

var _ datasets.DB = (*DB)(nil)

// Open connects to the database at the given url.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	handle, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	db := &DB{
		log: log,
		db:  tagsql.Wrap(handle),
	}
	db.repositories = newRepositories(db.db)
	if err := db.db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.db.Close()))
	}
	return db, nil
}

// WithTx implements datasets.DB. The callback may run more than once when the
// transaction retries on a serialization failure.
func (db *DB) WithTx(ctx context.Context, fn func(context.Context, datasets.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	return txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		return fn(ctx, &dbTx{repositories: newRepositories(tx)})
	})
}

// MigrateToLatest applies all pending schema migrations.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	migration := db.Migration()
	return Error.Wrap(migration.Run(ctx, db.log.Named("migrate")))
}

// Ping implements datasets.DB.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Close implements datasets.DB.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// dbTx exposes the repositories bound to one open transaction.
type dbTx struct {
	repositories
}

var _ datasets.Tx = (*dbTx)(nil)

// repositories binds the typed repositories to a queryer.
type repositories struct {
	datasets   *datasetsRepo
	schemas    *schemas
	manifests  *manifests
	partitions *partitions
	targets    *storageTargets
	access     *accessEvents
}

func newRepositories(q queryer) repositories {
	return repositories{
		datasets:   &datasetsRepo{q: q},
		schemas:    &schemas{q: q},
		manifests:  &manifests{q: q},
		partitions: &partitions{q: q},
		targets:    &storageTargets{q: q},
		access:     &accessEvents{q: q},
	}
}

// Datasets implements datasets.Repositories.
func (r repositories) Datasets() datasets.DatasetDB { return r.datasets }

// Schemas implements datasets.Repositories.
func (r repositories) Schemas() datasets.SchemaDB { return r.schemas }

// Manifests implements datasets.Repositories.
func (r repositories) Manifests() datasets.ManifestDB { return r.manifests }

// Partitions implements datasets.Repositories.
func (r repositories) Partitions() datasets.PartitionDB { return r.partitions }

// StorageTargets implements datasets.Repositories.
func (r repositories) StorageTargets() datasets.StorageTargetDB { return r.targets }

// Access implements datasets.Repositories.
func (r repositories) Access() datasets.AccessDB { return r.access }
