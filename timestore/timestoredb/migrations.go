package timestoredb

import (
	"github.com/benediktbwimmer/apphub-sub012/private/migrate"
)

// Migration returns the schema migration steps for the timestore database.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "timestore_versions",
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "Initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE storage_targets (
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
					`CREATE TABLE datasets (
						id bigserial PRIMARY KEY,
						slug text NOT NULL UNIQUE,
						name text NOT NULL,
						default_storage_target_id bigint NOT NULL REFERENCES storage_targets ( id ),
						status text NOT NULL DEFAULT 'active',
						metadata jsonb NOT NULL DEFAULT '{}',
						created_at timestamptz NOT NULL DEFAULT now(),
						updated_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE dataset_schema_versions (
						id bigserial PRIMARY KEY,
						dataset_id bigint NOT NULL REFERENCES datasets ( id ),
						version integer NOT NULL,
						fields jsonb NOT NULL,
						created_at timestamptz NOT NULL DEFAULT now(),
						UNIQUE ( dataset_id, version )
					)`,
					`CREATE TABLE dataset_manifests (
						id bigserial PRIMARY KEY,
						dataset_id bigint NOT NULL REFERENCES datasets ( id ),
						shard_date text NOT NULL,
						version integer NOT NULL DEFAULT 1,
						status text NOT NULL DEFAULT 'published',
						schema_version_id bigint NOT NULL REFERENCES dataset_schema_versions ( id ),
						total_rows bigint NOT NULL DEFAULT 0,
						total_bytes bigint NOT NULL DEFAULT 0,
						start_time timestamptz,
						end_time timestamptz,
						metadata jsonb NOT NULL DEFAULT '{}',
						created_at timestamptz NOT NULL DEFAULT now(),
						updated_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE UNIQUE INDEX dataset_manifests_live_shard
						ON dataset_manifests ( dataset_id, shard_date ) WHERE status != 'superseded'`,
					`CREATE TABLE manifest_partitions (
						id bigserial PRIMARY KEY,
						manifest_id bigint NOT NULL REFERENCES dataset_manifests ( id ),
						dataset_id bigint NOT NULL REFERENCES datasets ( id ),
						storage_target_id bigint NOT NULL REFERENCES storage_targets ( id ),
						partition_key jsonb NOT NULL DEFAULT '{}',
						partition_attributes jsonb NOT NULL DEFAULT '{}',
						file_format text NOT NULL,
						file_path text NOT NULL,
						file_size_bytes bigint NOT NULL DEFAULT 0,
						row_count bigint NOT NULL DEFAULT 0,
						checksum text NOT NULL DEFAULT '',
						start_time timestamptz NOT NULL,
						end_time timestamptz NOT NULL,
						column_stats jsonb NOT NULL DEFAULT '{}',
						bloom_filters jsonb NOT NULL DEFAULT '{}',
						histograms jsonb NOT NULL DEFAULT '{}',
						ingestion_signature text NOT NULL,
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE UNIQUE INDEX manifest_partitions_signature
						ON manifest_partitions ( dataset_id, ingestion_signature )`,
					`CREATE INDEX manifest_partitions_manifest
						ON manifest_partitions ( manifest_id, start_time, id )`,
					`CREATE TABLE dataset_access_events (
						id bigserial PRIMARY KEY,
						dataset_id bigint NOT NULL REFERENCES datasets ( id ),
						action text NOT NULL,
						actor text NOT NULL DEFAULT '',
						detail jsonb NOT NULL DEFAULT '{}',
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX dataset_access_events_dataset
						ON dataset_access_events ( dataset_id, created_at DESC )`,
				},
			},
		},
	}
}
