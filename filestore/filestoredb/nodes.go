package filestoredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

type nodes struct {
	q queryer
}

var _ meta.NodeDB = (*nodes)(nil)

const nodeColumns = `id, mount_id, parent_id, path, name, depth, kind, state,
	size_bytes, checksum, content_hash, metadata, version,
	created_at, updated_at, last_seen_at, last_modified_at,
	consistency_checked_at, last_reconciled_at, consistency_state`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (meta.Node, error) {
	var node meta.Node
	var parentID sql.NullInt64
	var metadata []byte
	var lastSeen, lastModified, checked, reconciled sql.NullTime

	err := row.Scan(
		&node.ID, &node.MountID, &parentID, &node.Path, &node.Name, &node.Depth,
		&node.Kind, &node.State, &node.SizeBytes, &node.Checksum, &node.ContentHash,
		&metadata, &node.Version, &node.CreatedAt, &node.UpdatedAt,
		&lastSeen, &lastModified, &checked, &reconciled, &node.ConsistencyState,
	)
	if err != nil {
		return meta.Node{}, err
	}

	if parentID.Valid {
		node.ParentID = &parentID.Int64
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &node.Metadata); err != nil {
			return meta.Node{}, Error.Wrap(err)
		}
	}
	node.LastSeenAt = nullTime(lastSeen)
	node.LastModifiedAt = nullTime(lastModified)
	node.ConsistencyCheckedAt = nullTime(checked)
	node.LastReconciledAt = nullTime(reconciled)
	return node, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func forUpdateSuffix(forUpdate bool) string {
	if forUpdate {
		return ` FOR UPDATE`
	}
	return ``
}

func (repo *nodes) GetByID(ctx context.Context, id int64, forUpdate bool) (_ meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	node, err := scanNode(repo.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`+forUpdateSuffix(forUpdate), id))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Node{}, meta.ErrNotFound.New("node %d", id)
	}
	return node, Error.Wrap(err)
}

func (repo *nodes) GetByPath(ctx context.Context, mountID int64, path string, forUpdate bool) (_ meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	node, err := scanNode(repo.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		WHERE mount_id = $1 AND path = $2 AND state != 'deleted'`+forUpdateSuffix(forUpdate),
		mountID, path))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Node{}, meta.ErrNotFound.New("%q", path)
	}
	return node, Error.Wrap(err)
}

func (repo *nodes) Insert(ctx context.Context, node meta.Node) (_ meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	metadata, err := json.Marshal(orEmpty(node.Metadata))
	if err != nil {
		return meta.Node{}, Error.Wrap(err)
	}

	inserted, err := scanNode(repo.q.QueryRowContext(ctx, `
		INSERT INTO nodes (
			mount_id, parent_id, path, name, depth, kind, state,
			size_bytes, checksum, content_hash, metadata,
			last_seen_at, last_modified_at, consistency_checked_at,
			last_reconciled_at, consistency_state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+nodeColumns,
		node.MountID, node.ParentID, node.Path, node.Name, node.Depth,
		node.Kind, node.State, node.SizeBytes, node.Checksum, node.ContentHash,
		metadata, node.LastSeenAt, node.LastModifiedAt,
		node.ConsistencyCheckedAt, node.LastReconciledAt, node.ConsistencyState,
	))
	if isUniqueViolation(err) {
		return meta.Node{}, meta.ErrPathInUse.New("%q", node.Path)
	}
	return inserted, Error.Wrap(err)
}

func (repo *nodes) Update(ctx context.Context, node meta.Node) (_ meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	metadata, err := json.Marshal(orEmpty(node.Metadata))
	if err != nil {
		return meta.Node{}, Error.Wrap(err)
	}

	updated, err := scanNode(repo.q.QueryRowContext(ctx, `
		UPDATE nodes SET
			parent_id = $3, path = $4, name = $5, depth = $6, state = $7,
			size_bytes = $8, checksum = $9, content_hash = $10, metadata = $11,
			version = version + 1, updated_at = now(),
			last_seen_at = $12, last_modified_at = $13,
			consistency_checked_at = $14, last_reconciled_at = $15,
			consistency_state = $16
		WHERE id = $1 AND version = $2
		RETURNING `+nodeColumns,
		node.ID, node.Version, node.ParentID, node.Path, node.Name, node.Depth,
		node.State, node.SizeBytes, node.Checksum, node.ContentHash, metadata,
		node.LastSeenAt, node.LastModifiedAt, node.ConsistencyCheckedAt,
		node.LastReconciledAt, node.ConsistencyState,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Node{}, meta.ErrVersionConflict.New("node %d version %d", node.ID, node.Version)
	}
	if isUniqueViolation(err) {
		return meta.Node{}, meta.ErrPathInUse.New("%q", node.Path)
	}
	return updated, Error.Wrap(err)
}

func (repo *nodes) ListSubtree(ctx context.Context, mountID int64, path string, forUpdate bool) (_ []meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		WHERE mount_id = $1 AND state != 'deleted'
			AND (path = $2 OR path LIKE $3)
		ORDER BY depth, path`+forUpdateSuffix(forUpdate),
		mountID, path, likePrefix(path))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectNodes(rows)
}

func (repo *nodes) ListChildren(ctx context.Context, parentID int64) (_ []meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		WHERE parent_id = $1 AND state = 'active'
		ORDER BY path`, parentID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectNodes(rows)
}

func (repo *nodes) List(ctx context.Context, opts meta.ListNodes) (_ []meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE true`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if opts.MountID != nil {
		query += ` AND mount_id = ` + arg(*opts.MountID)
	}
	if opts.PathPrefix != "" {
		p := arg(opts.PathPrefix)
		query += ` AND (path = ` + p + ` OR path LIKE ` + arg(likePrefix(opts.PathPrefix)) + `)`
	}
	if opts.Depth != nil {
		query += ` AND depth = ` + arg(*opts.Depth)
	}
	if len(opts.States) > 0 {
		query += ` AND state IN (`
		for i, state := range opts.States {
			if i > 0 {
				query += `, `
			}
			query += arg(string(state))
		}
		query += `)`
	} else {
		query += ` AND state != 'deleted'`
	}
	if opts.DriftOnly {
		query += ` AND consistency_state != 'consistent'`
	}
	if opts.Search != "" {
		pattern := arg(`%` + escapeLike(opts.Search) + `%`)
		query += ` AND (path LIKE ` + pattern + ` OR name LIKE ` + pattern + `)`
	}
	query += ` ORDER BY path`
	if opts.Limit > 0 {
		query += ` LIMIT ` + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ` + arg(opts.Offset)
	}

	rows, err := repo.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectNodes(rows)
}

func (repo *nodes) ListReconciliationCandidates(ctx context.Context, limit int) (_ []meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		WHERE state IN ('missing', 'inconsistent')
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectNodes(rows)
}
