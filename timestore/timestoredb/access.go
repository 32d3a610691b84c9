package timestoredb

import (
	"context"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

type accessEvents struct {
	q queryer
}

var _ datasets.AccessDB = (*accessEvents)(nil)

const accessColumns = `id, dataset_id, action, actor, detail, created_at`

func scanAccessEvent(row rowScanner) (datasets.AccessEvent, error) {
	var event datasets.AccessEvent
	err := row.Scan(
		&event.ID, &event.DatasetID, &event.Action, &event.Actor,
		&event.Detail, &event.CreatedAt,
	)
	return event, err
}

func (repo *accessEvents) Record(ctx context.Context, event datasets.AccessEvent) (_ datasets.AccessEvent, err error) {
	defer mon.Task()(&ctx)(&err)

	detail := event.Detail
	if len(detail) == 0 {
		detail = []byte(`{}`)
	}
	created, err := scanAccessEvent(repo.q.QueryRowContext(ctx, `
		INSERT INTO dataset_access_events ( dataset_id, action, actor, detail )
		VALUES ($1, $2, $3, $4)
		RETURNING `+accessColumns,
		event.DatasetID, event.Action, event.Actor, detail,
	))
	return created, Error.Wrap(err)
}

func (repo *accessEvents) List(ctx context.Context, datasetID int64, limit int) (_ []datasets.AccessEvent, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := repo.q.QueryContext(ctx, `
		SELECT `+accessColumns+` FROM dataset_access_events
		WHERE dataset_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		datasetID, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = combineClose(err, rows) }()

	var out []datasets.AccessEvent
	for rows.Next() {
		event, err := scanAccessEvent(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, event)
	}
	return out, Error.Wrap(rows.Err())
}
