// Package migrate implements versioned schema migrations for sql databases.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/tagsql"

	"github.com/benediktbwimmer/apphub-sub012/shared/dbutil/txutil"
)

// Error is the default migrate errs class.
var Error = errs.Class("migrate")

// Migration describes migration steps for a single database.
type Migration struct {
	// Table is the name of the table keeping track of the applied versions.
	Table string
	Steps []*Step
}

// Step describes a single step in migration.
type Step struct {
	DB          tagsql.DB
	Description string
	// Version numbers must start at 0 and increase.
	Version int
	Action  Action
}

// Action is something that needs to be done inside a migration step.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error
}

// SQL runs a sequence of sql statements as a single migration action.
type SQL []string

// Run executes the sql statements.
func (sqls SQL) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	for _, query := range sqls {
		_, err := tx.Exec(ctx, query)
		if err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

// Func runs an arbitrary callback as a migration action.
type Func func(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error

// Run executes the callback.
func (fn Func) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	return fn(ctx, log, db, tx)
}

// TargetVersion returns a migration with steps up to the specified version.
func (migration *Migration) TargetVersion(version int) *Migration {
	m := *migration
	m.Steps = nil
	for _, step := range migration.Steps {
		if step.Version <= version {
			m.Steps = append(m.Steps, step)
		}
	}
	return &m
}

// ValidTableName checks whether the specified table name is valid.
func (migration *Migration) ValidTableName() error {
	matched, err := regexp.MatchString(`^[a-z_]+$`, migration.Table)
	if !matched || err != nil {
		return Error.New("invalid table name: %v", migration.Table)
	}
	return nil
}

// ValidateSteps checks that the version for each migration step increments in order.
func (migration *Migration) ValidateSteps() error {
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version <= migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// Run applies the missing migration steps.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger) error {
	err := migration.ValidTableName()
	if err != nil {
		return err
	}
	err = migration.ValidateSteps()
	if err != nil {
		return err
	}

	for i, step := range migration.Steps {
		if step.DB == nil {
			return Error.New("step %d database is nil", i)
		}
		err := migration.ensureVersionTable(ctx, step.DB)
		if err != nil {
			return Error.New("creating version table failed: %v", err)
		}

		version, err := migration.getLatestVersion(ctx, step.DB)
		if err != nil {
			return Error.Wrap(err)
		}
		if step.Version <= version {
			continue
		}

		stepLog := log.Named("migrate")
		stepLog.Info(step.Description, zap.Int("version", step.Version))

		err = txutil.WithTx(ctx, step.DB, nil, func(ctx context.Context, tx tagsql.Tx) error {
			err := step.Action.Run(ctx, stepLog, step.DB, tx)
			if err != nil {
				return err
			}
			return migration.addVersion(ctx, tx, step.Version)
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}

	if len(migration.Steps) > 0 {
		last := migration.Steps[len(migration.Steps)-1]
		log.Debug("Database version is up to date", zap.Int("version", last.Version))
	}
	return nil
}

// CurrentVersion returns the latest applied version.
func (migration *Migration) CurrentVersion(ctx context.Context, log *zap.Logger, db tagsql.DB) (int, error) {
	err := migration.ensureVersionTable(ctx, db)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	return migration.getLatestVersion(ctx, db)
}

func (migration *Migration) ensureVersionTable(ctx context.Context, db tagsql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migration.Table+` (
			version int NOT NULL,
			commited_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY ( version )
		)`)
	return errs.Wrap(err)
}

func (migration *Migration) getLatestVersion(ctx context.Context, db tagsql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) || !version.Valid {
		return -1, nil
	}
	return int(version.Int64), errs.Wrap(err)
}

func (migration *Migration) addVersion(ctx context.Context, tx tagsql.Tx, version int) error {
	_, err := tx.Exec(ctx, `INSERT INTO `+migration.Table+` ( version ) VALUES ( $1 )`, version)
	return errs.Wrap(err)
}
