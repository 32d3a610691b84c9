// Package filestoredb implements the filestore metadata store on postgres.
package filestoredb

import (
	"context"
	"database/sql"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"storj.io/private/tagsql"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/shared/dbutil/txutil"
)

var (
	// Error is the default filestoredb errs class.
	Error = errs.Class("filestoredb")

	mon = monkit.Package()
)

// queryer is the subset of tagsql shared by a database handle and an open
// transaction, so repositories work against either.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (tagsql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB is a postgres-backed meta.DB.
type DB struct {
	log *zap.Logger
	db  tagsql.DB

	repositories
}

var _ meta.DB = (*DB)(nil)

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

// WithTx implements meta.DB. The callback may run more than once when the
// transaction retries on a serialization failure.
func (db *DB) WithTx(ctx context.Context, fn func(context.Context, meta.Tx) error) (err error) {
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

// Ping implements meta.DB.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Close implements meta.DB.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// dbTx exposes the repositories bound to one open transaction.
type dbTx struct {
	repositories
}

var _ meta.Tx = (*dbTx)(nil)

// repositories binds the typed repositories to a queryer.
type repositories struct {
	nodes     *nodes
	rollups   *rollups
	journal   *journal
	jobs      *jobs
	mounts    *mountsRepo
	snapshots *snapshots
}

func newRepositories(q queryer) repositories {
	return repositories{
		nodes:     &nodes{q: q},
		rollups:   &rollups{q: q},
		journal:   &journal{q: q},
		jobs:      &jobs{q: q},
		mounts:    &mountsRepo{q: q},
		snapshots: &snapshots{q: q},
	}
}

// Nodes implements meta.Repositories.
func (r repositories) Nodes() meta.NodeDB { return r.nodes }

// Rollups implements meta.Repositories.
func (r repositories) Rollups() meta.RollupDB { return r.rollups }

// Journal implements meta.Repositories.
func (r repositories) Journal() meta.JournalDB { return r.journal }

// Jobs implements meta.Repositories.
func (r repositories) Jobs() meta.ReconciliationJobDB { return r.jobs }

// Mounts implements meta.Repositories.
func (r repositories) Mounts() meta.MountDB { return r.mounts }

// Snapshots implements meta.Repositories.
func (r repositories) Snapshots() meta.SnapshotDB { return r.snapshots }
