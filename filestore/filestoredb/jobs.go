package filestoredb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

type jobs struct {
	q queryer
}

var _ meta.ReconciliationJobDB = (*jobs)(nil)

const jobColumns = `id, job_key, mount_id, node_id, path, status, reason, detect_children,
	attempt, error_message, result, enqueued_at, started_at, completed_at, updated_at`

func scanJob(row rowScanner) (meta.ReconciliationJob, error) {
	var job meta.ReconciliationJob
	var nodeID sql.NullInt64
	var result []byte
	var started, completed sql.NullTime
	err := row.Scan(
		&job.ID, &job.JobKey, &job.MountID, &nodeID, &job.Path, &job.Status,
		&job.Reason, &job.DetectChildren, &job.Attempt, &job.ErrorMessage,
		&result, &job.EnqueuedAt, &started, &completed, &job.UpdatedAt,
	)
	if err != nil {
		return meta.ReconciliationJob{}, err
	}
	if nodeID.Valid {
		job.NodeID = &nodeID.Int64
	}
	job.Result = result
	job.StartedAt = nullTime(started)
	job.CompletedAt = nullTime(completed)
	return job, nil
}

func (repo *jobs) Insert(ctx context.Context, job meta.ReconciliationJob) (_ meta.ReconciliationJob, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted, err := scanJob(repo.q.QueryRowContext(ctx, `
		INSERT INTO reconciliation_jobs (
			job_key, mount_id, node_id, path, status, reason, detect_children
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+jobColumns,
		job.JobKey, job.MountID, job.NodeID, job.Path, job.Status, job.Reason, job.DetectChildren,
	))
	if isUniqueViolation(err) {
		// Another request queued the same target concurrently.
		return repo.GetActiveByKey(ctx, job.JobKey)
	}
	return inserted, Error.Wrap(err)
}

func (repo *jobs) Get(ctx context.Context, id int64) (_ meta.ReconciliationJob, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := scanJob(repo.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM reconciliation_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.ReconciliationJob{}, meta.ErrNotFound.New("job %d", id)
	}
	return job, Error.Wrap(err)
}

func (repo *jobs) GetActiveByKey(ctx context.Context, jobKey string) (_ meta.ReconciliationJob, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := scanJob(repo.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM reconciliation_jobs
		WHERE job_key = $1 AND status IN ('queued', 'running')`, jobKey))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.ReconciliationJob{}, meta.ErrNotFound.New("active job %q", jobKey)
	}
	return job, Error.Wrap(err)
}

func (repo *jobs) Update(ctx context.Context, update meta.UpdateReconciliationJob) (_ meta.ReconciliationJob, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := scanJob(repo.q.QueryRowContext(ctx, `
		UPDATE reconciliation_jobs SET
			status = $2,
			attempt = COALESCE($3, attempt),
			error_message = COALESCE($4, error_message),
			result = COALESCE($5, result),
			started_at = COALESCE($6, started_at),
			completed_at = COALESCE($7, completed_at),
			updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		update.ID, update.Status, update.Attempt, update.ErrorMessage,
		update.Result, update.StartedAt, update.CompletedAt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.ReconciliationJob{}, meta.ErrNotFound.New("job %d", update.ID)
	}
	return job, Error.Wrap(err)
}

func (repo *jobs) List(ctx context.Context, opts meta.ListReconciliationJobs) (_ []meta.ReconciliationJob, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + jobColumns + ` FROM reconciliation_jobs WHERE true`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if opts.MountID != nil {
		query += ` AND mount_id = ` + arg(*opts.MountID)
	}
	if len(opts.Statuses) > 0 {
		query += ` AND status IN (`
		for i, status := range opts.Statuses {
			if i > 0 {
				query += `, `
			}
			query += arg(string(status))
		}
		query += `)`
	}
	query += ` ORDER BY enqueued_at DESC`
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := repo.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	var out []meta.ReconciliationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, job)
	}
	return out, Error.Wrap(rows.Err())
}
