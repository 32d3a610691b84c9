package filestoredb

import (
	"context"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

type snapshots struct {
	q queryer
}

var _ meta.SnapshotDB = (*snapshots)(nil)

func (repo *snapshots) Record(ctx context.Context, snapshot meta.Snapshot) (_ meta.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	err = repo.q.QueryRowContext(ctx, `
		INSERT INTO snapshots ( node_id, mount_id, path, kind, state, size_bytes, checksum, version )
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, captured_at`,
		snapshot.NodeID, snapshot.MountID, snapshot.Path, snapshot.Kind,
		snapshot.State, snapshot.SizeBytes, snapshot.Checksum, snapshot.Version,
	).Scan(&snapshot.ID, &snapshot.CapturedAt)
	return snapshot, Error.Wrap(err)
}
