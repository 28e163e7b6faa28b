package storage

// postgresSchema is applied by Postgres.Migrate. Statements are idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	uid        TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS canvases (
	canvas_id           TEXT PRIMARY KEY,
	uid                 TEXT NOT NULL,
	title               TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	state_storage_key   TEXT NOT NULL,
	minimap_storage_key TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	deleted_at          TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS canvases_uid_updated_idx ON canvases (uid, updated_at DESC) WHERE deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS canvas_entity_relations (
	id          BIGSERIAL PRIMARY KEY,
	canvas_id   TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at  TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS canvas_entity_relations_live_idx
	ON canvas_entity_relations (canvas_id, entity_id, entity_type) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS canvas_entity_relations_entity_idx ON canvas_entity_relations (entity_id) WHERE deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS duplicate_records (
	id          BIGSERIAL PRIMARY KEY,
	uid         TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (source_id, target_id)
)`,
	`CREATE TABLE IF NOT EXISTS entities (
	entity_id       TEXT PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	uid             TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	content_preview TEXT NOT NULL DEFAULT '',
	storage_key     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	deleted_at      TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS action_results (
	result_id   TEXT PRIMARY KEY,
	uid         TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	target_type TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	query       TEXT NOT NULL DEFAULT '',
	steps       JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL,
	deleted_at  TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS action_results_target_idx ON action_results (target_type, target_id) WHERE deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS static_files (
	id          BIGSERIAL PRIMARY KEY,
	storage_key TEXT NOT NULL,
	uid         TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (storage_key, entity_type, entity_id)
)`,
}
