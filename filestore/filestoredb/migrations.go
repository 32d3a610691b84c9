package filestoredb

import (
	"github.com/benediktbwimmer/apphub-sub012/private/migrate"
)

// Migration returns the schema migration steps for the filestore database.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "filestore_versions",
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "Initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE backend_mounts (
						id bigserial PRIMARY KEY,
						name text NOT NULL UNIQUE,
						driver text NOT NULL,
						root_path text NOT NULL DEFAULT '',
						bucket text NOT NULL DEFAULT '',
						prefix text NOT NULL DEFAULT '',
						endpoint text NOT NULL DEFAULT '',
						region text NOT NULL DEFAULT '',
						access_key_id text NOT NULL DEFAULT '',
						secret_access_key text NOT NULL DEFAULT '',
						force_path_style boolean NOT NULL DEFAULT false,
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE nodes (
						id bigserial PRIMARY KEY,
						mount_id bigint NOT NULL REFERENCES backend_mounts ( id ),
						parent_id bigint REFERENCES nodes ( id ),
						path text NOT NULL,
						name text NOT NULL,
						depth integer NOT NULL,
						kind text NOT NULL,
						state text NOT NULL,
						size_bytes bigint NOT NULL DEFAULT 0,
						checksum text NOT NULL DEFAULT '',
						content_hash text NOT NULL DEFAULT '',
						metadata jsonb NOT NULL DEFAULT '{}',
						version bigint NOT NULL DEFAULT 1,
						created_at timestamptz NOT NULL DEFAULT now(),
						updated_at timestamptz NOT NULL DEFAULT now(),
						last_seen_at timestamptz,
						last_modified_at timestamptz,
						consistency_checked_at timestamptz,
						last_reconciled_at timestamptz,
						consistency_state text NOT NULL DEFAULT 'consistent'
					)`,
					`CREATE UNIQUE INDEX nodes_live_path ON nodes ( mount_id, path ) WHERE state != 'deleted'`,
					`CREATE INDEX nodes_parent ON nodes ( parent_id )`,
					`CREATE INDEX nodes_mount_depth ON nodes ( mount_id, depth )`,
					`CREATE INDEX nodes_drift ON nodes ( updated_at ) WHERE state IN ('missing', 'inconsistent')`,
					`CREATE TABLE rollups (
						node_id bigint PRIMARY KEY REFERENCES nodes ( id ) ON DELETE CASCADE,
						size_bytes bigint NOT NULL DEFAULT 0,
						file_count bigint NOT NULL DEFAULT 0,
						directory_count bigint NOT NULL DEFAULT 0,
						child_count bigint NOT NULL DEFAULT 0,
						state text NOT NULL DEFAULT 'pending',
						last_calculated_at timestamptz
					)`,
					`CREATE TABLE snapshots (
						id bigserial PRIMARY KEY,
						node_id bigint NOT NULL REFERENCES nodes ( id ) ON DELETE CASCADE,
						mount_id bigint NOT NULL,
						path text NOT NULL,
						kind text NOT NULL,
						state text NOT NULL,
						size_bytes bigint NOT NULL DEFAULT 0,
						checksum text NOT NULL DEFAULT '',
						version bigint NOT NULL,
						captured_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX snapshots_node ON snapshots ( node_id, captured_at )`,
					`CREATE TABLE journal_entries (
						id bigserial PRIMARY KEY,
						mount_id bigint NOT NULL REFERENCES backend_mounts ( id ),
						node_id bigint REFERENCES nodes ( id ) ON DELETE SET NULL,
						command text NOT NULL,
						idempotency_key text NOT NULL DEFAULT '',
						payload jsonb NOT NULL DEFAULT '{}',
						result jsonb NOT NULL DEFAULT '{}',
						result_hash text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL DEFAULT now(),
						expires_at timestamptz
					)`,
					`CREATE UNIQUE INDEX journal_idempotency ON journal_entries ( mount_id, idempotency_key ) WHERE idempotency_key != ''`,
					`CREATE TABLE reconciliation_jobs (
						id bigserial PRIMARY KEY,
						job_key text NOT NULL,
						mount_id bigint NOT NULL REFERENCES backend_mounts ( id ),
						node_id bigint REFERENCES nodes ( id ) ON DELETE SET NULL,
						path text NOT NULL,
						status text NOT NULL DEFAULT 'queued',
						reason text NOT NULL DEFAULT 'manual',
						detect_children boolean NOT NULL DEFAULT false,
						attempt integer NOT NULL DEFAULT 0,
						error_message text NOT NULL DEFAULT '',
						result jsonb,
						enqueued_at timestamptz NOT NULL DEFAULT now(),
						started_at timestamptz,
						completed_at timestamptz,
						updated_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE UNIQUE INDEX reconciliation_jobs_active ON reconciliation_jobs ( job_key ) WHERE status IN ('queued', 'running')`,
					`CREATE INDEX reconciliation_jobs_status ON reconciliation_jobs ( status, enqueued_at )`,
				},
			},
		},
	}
}
