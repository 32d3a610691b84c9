package filestoredb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

type journal struct {
	q queryer
}

var _ meta.JournalDB = (*journal)(nil)

const journalColumns = `id, mount_id, node_id, command, idempotency_key, payload, result, result_hash, created_at, expires_at`

func scanJournalEntry(row rowScanner) (meta.JournalEntry, error) {
	var entry meta.JournalEntry
	var nodeID sql.NullInt64
	var expires sql.NullTime
	err := row.Scan(
		&entry.ID, &entry.MountID, &nodeID, &entry.Command, &entry.IdempotencyKey,
		&entry.Payload, &entry.Result, &entry.ResultHash, &entry.CreatedAt, &expires,
	)
	if err != nil {
		return meta.JournalEntry{}, err
	}
	if nodeID.Valid {
		entry.NodeID = &nodeID.Int64
	}
	entry.ExpiresAt = nullTime(expires)
	return entry, nil
}

func (repo *journal) Append(ctx context.Context, entry meta.JournalEntry) (_ meta.JournalEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	payload := entry.Payload
	if payload == nil {
		payload = []byte(`{}`)
	}
	result := entry.Result
	if result == nil {
		result = []byte(`{}`)
	}

	appended, err := scanJournalEntry(repo.q.QueryRowContext(ctx, `
		INSERT INTO journal_entries (
			mount_id, node_id, command, idempotency_key, payload, result, result_hash, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+journalColumns,
		entry.MountID, entry.NodeID, entry.Command, entry.IdempotencyKey,
		[]byte(payload), []byte(result), entry.ResultHash, entry.ExpiresAt,
	))
	if isUniqueViolation(err) {
		return meta.JournalEntry{}, meta.ErrIdempotencyMismatch.New("key %q raced another request", entry.IdempotencyKey)
	}
	return appended, Error.Wrap(err)
}

func (repo *journal) FindByIdempotencyKey(ctx context.Context, mountID int64, key string) (_ meta.JournalEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := scanJournalEntry(repo.q.QueryRowContext(ctx,
		`SELECT `+journalColumns+` FROM journal_entries
		WHERE mount_id = $1 AND idempotency_key = $2
			AND (expires_at IS NULL OR expires_at > now())`,
		mountID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.JournalEntry{}, meta.ErrNotFound.New("idempotency key %q", key)
	}
	return entry, Error.Wrap(err)
}

func (repo *journal) DeleteExpired(ctx context.Context, now time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := repo.q.ExecContext(ctx,
		`DELETE FROM journal_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	deleted, err := result.RowsAffected()
	return deleted, Error.Wrap(err)
}
