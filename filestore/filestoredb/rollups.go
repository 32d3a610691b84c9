package filestoredb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

type rollups struct {
	q queryer
}

var _ meta.RollupDB = (*rollups)(nil)

const rollupColumns = `node_id, size_bytes, file_count, directory_count, child_count, state, last_calculated_at`

func scanRollup(row rowScanner) (meta.Rollup, error) {
	var rollup meta.Rollup
	var calculated sql.NullTime
	err := row.Scan(
		&rollup.NodeID, &rollup.SizeBytes, &rollup.FileCount,
		&rollup.DirectoryCount, &rollup.ChildCount, &rollup.State, &calculated,
	)
	if err != nil {
		return meta.Rollup{}, err
	}
	rollup.LastCalculatedAt = nullTime(calculated)
	return rollup, nil
}

func (repo *rollups) Get(ctx context.Context, nodeID int64) (_ meta.Rollup, err error) {
	defer mon.Task()(&ctx)(&err)

	rollup, err := scanRollup(repo.q.QueryRowContext(ctx,
		`SELECT `+rollupColumns+` FROM rollups WHERE node_id = $1`, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Rollup{}, meta.ErrNotFound.New("rollup %d", nodeID)
	}
	return rollup, Error.Wrap(err)
}

func (repo *rollups) GetMany(ctx context.Context, nodeIDs []int64) (_ []meta.Rollup, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := repo.q.QueryContext(ctx,
		`SELECT `+rollupColumns+` FROM rollups WHERE node_id = ANY($1)`, nodeIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []meta.Rollup
	for rows.Next() {
		rollup, err := scanRollup(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, rollup)
	}
	return out, Error.Wrap(rows.Err())
}

func (repo *rollups) Ensure(ctx context.Context, nodeID int64) (_ meta.Rollup, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.q.ExecContext(ctx,
		`INSERT INTO rollups ( node_id ) VALUES ( $1 ) ON CONFLICT ( node_id ) DO NOTHING`, nodeID)
	if err != nil {
		return meta.Rollup{}, Error.Wrap(err)
	}
	return repo.Get(ctx, nodeID)
}

func (repo *rollups) ApplyDelta(ctx context.Context, delta meta.RollupDelta) (_ meta.Rollup, err error) {
	defer mon.Task()(&ctx)(&err)

	rollup, err := scanRollup(repo.q.QueryRowContext(ctx, `
		UPDATE rollups SET
			size_bytes = size_bytes + $2,
			file_count = file_count + $3,
			directory_count = directory_count + $4,
			child_count = child_count + $5,
			state = CASE WHEN $6 THEN 'pending' ELSE state END
		WHERE node_id = $1
		RETURNING `+rollupColumns,
		delta.NodeID, delta.SizeBytes, delta.FileCount,
		delta.DirectoryCount, delta.ChildCount, delta.MarkPending,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Rollup{}, meta.ErrNotFound.New("rollup %d", delta.NodeID)
	}
	return rollup, Error.Wrap(err)
}

func (repo *rollups) SetState(ctx context.Context, nodeID int64, state meta.RollupState) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.q.ExecContext(ctx,
		`UPDATE rollups SET state = $2 WHERE node_id = $1`, nodeID, state)
	return Error.Wrap(err)
}

// Recalculate recomputes a rollup from scratch: the node's own file
// contribution plus, for every active child, the child's rollup and, for
// directory children, the child itself. A stale child rollup counts with its
// current numbers but leaves the result pending, so the cascade settles it on
// a later pass.
func (repo *rollups) Recalculate(ctx context.Context, nodeID int64) (_ meta.Rollup, _ *int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var kind, state string
	var ownSize int64
	var parentID sql.NullInt64
	err = repo.q.QueryRowContext(ctx,
		`SELECT kind, state, size_bytes, parent_id FROM nodes WHERE id = $1 FOR UPDATE`,
		nodeID).Scan(&kind, &state, &ownSize, &parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Rollup{}, nil, meta.ErrNotFound.New("node %d", nodeID)
	}
	if err != nil {
		return meta.Rollup{}, nil, Error.Wrap(err)
	}

	var childCount, sizeBytes, fileCount, directoryCount int64
	var childrenFresh bool
	err = repo.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(COALESCE(r.size_bytes, 0)), 0),
			COALESCE(SUM(COALESCE(r.file_count, 0)), 0),
			COALESCE(SUM(COALESCE(r.directory_count, 0) + CASE WHEN c.kind = 'directory' THEN 1 ELSE 0 END), 0),
			COALESCE(BOOL_AND(COALESCE(r.state, 'pending') = 'up_to_date'), true)
		FROM nodes c
		LEFT JOIN rollups r ON r.node_id = c.id
		WHERE c.parent_id = $1 AND c.state = 'active'`,
		nodeID).Scan(&childCount, &sizeBytes, &fileCount, &directoryCount, &childrenFresh)
	if err != nil {
		return meta.Rollup{}, nil, Error.Wrap(err)
	}

	if kind == string(meta.KindFile) && state == string(meta.NodeActive) {
		sizeBytes += ownSize
		fileCount++
	}

	newState := meta.RollupUpToDate
	if !childrenFresh {
		newState = meta.RollupPending
	}

	rollup, err := scanRollup(repo.q.QueryRowContext(ctx, `
		INSERT INTO rollups ( node_id, size_bytes, file_count, directory_count, child_count, state, last_calculated_at )
		VALUES ( $1, $2, $3, $4, $5, $6, now() )
		ON CONFLICT ( node_id ) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			file_count = EXCLUDED.file_count,
			directory_count = EXCLUDED.directory_count,
			child_count = EXCLUDED.child_count,
			state = EXCLUDED.state,
			last_calculated_at = EXCLUDED.last_calculated_at
		RETURNING `+rollupColumns,
		nodeID, sizeBytes, fileCount, directoryCount, childCount, newState,
	))
	if err != nil {
		return meta.Rollup{}, nil, Error.Wrap(err)
	}

	if !parentID.Valid {
		return rollup, nil, nil
	}
	parent := parentID.Int64
	return rollup, &parent, nil
}
