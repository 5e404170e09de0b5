package sqlite

// schema повторяет миграции Postgres в типах SQLite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS script (
		workspace_id    TEXT    NOT NULL,
		path            TEXT    NOT NULL,
		hash            TEXT    NOT NULL,
		language        TEXT    NOT NULL,
		content         TEXT    NOT NULL,
		tag             TEXT    NOT NULL DEFAULT '',
		concurrency     TEXT,
		debounce        TEXT,
		cache_ttl_s     INTEGER NOT NULL DEFAULT 0,
		timeout_s       INTEGER NOT NULL DEFAULT 0,
		priority        INTEGER NOT NULL DEFAULT 0,
		dependency_lock TEXT    NOT NULL DEFAULT '',
		created_by      TEXT    NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		archived        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (workspace_id, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS script_path_idx ON script (workspace_id, path, created_at)`,

	`CREATE TABLE IF NOT EXISTS flow (
		workspace_id TEXT    NOT NULL,
		path         TEXT    NOT NULL,
		summary      TEXT    NOT NULL DEFAULT '',
		value        TEXT    NOT NULL,
		tag          TEXT    NOT NULL DEFAULT '',
		concurrency  TEXT,
		debounce     TEXT,
		created_by   TEXT    NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (workspace_id, path)
	)`,

	`CREATE TABLE IF NOT EXISTS job_queue (
		id                   TEXT    PRIMARY KEY,
		workspace_id         TEXT    NOT NULL,
		parent_job           TEXT,
		root_job             TEXT,
		kind                 TEXT    NOT NULL,
		runnable_path        TEXT    NOT NULL DEFAULT '',
		runnable_hash        TEXT    NOT NULL DEFAULT '',
		language             TEXT    NOT NULL DEFAULT '',
		raw_code             TEXT    NOT NULL DEFAULT '',
		raw_flow             TEXT,
		flow_step_id         TEXT    NOT NULL DEFAULT '',
		args                 TEXT,
		permissioned_as      TEXT    NOT NULL DEFAULT '',
		created_by           TEXT    NOT NULL DEFAULT '',
		tag                  TEXT    NOT NULL,
		priority             INTEGER NOT NULL DEFAULT 0,
		scheduled_for        INTEGER NOT NULL,
		created_at           INTEGER NOT NULL,
		started_at           INTEGER,
		running              INTEGER NOT NULL DEFAULT 0,
		worker               TEXT    NOT NULL DEFAULT '',
		same_worker_id       TEXT    NOT NULL DEFAULT '',
		suspended            INTEGER NOT NULL DEFAULT 0,
		suspend_until        INTEGER,
		timeout_s            INTEGER NOT NULL DEFAULT 0,
		concurrency_key      TEXT    NOT NULL DEFAULT '',
		concurrent_limit     INTEGER NOT NULL DEFAULT 0,
		concurrency_window_s INTEGER NOT NULL DEFAULT 0,
		cache_key            TEXT    NOT NULL DEFAULT '',
		cache_ttl_s          INTEGER NOT NULL DEFAULT 0,
		flow_status          TEXT,
		canceled             INTEGER NOT NULL DEFAULT 0,
		canceled_by          TEXT    NOT NULL DEFAULT '',
		canceled_reason      TEXT    NOT NULL DEFAULT '',
		last_ping            INTEGER,
		reclaims             INTEGER NOT NULL DEFAULT 0,
		mem_peak             INTEGER NOT NULL DEFAULT 0,
		visible_to_owner     INTEGER NOT NULL DEFAULT 1,
		trigger_kind         TEXT    NOT NULL DEFAULT '',
		trigger_path         TEXT    NOT NULL DEFAULT '',
		debounce_batch       TEXT,
		dependency_lock      TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS job_queue_claim_idx ON job_queue (tag, priority DESC, scheduled_for, created_at)`,
	`CREATE INDEX IF NOT EXISTS job_queue_parent_idx ON job_queue (parent_job)`,
	`CREATE INDEX IF NOT EXISTS job_queue_ping_idx ON job_queue (last_ping)`,

	`CREATE TABLE IF NOT EXISTS job_completed (
		id               TEXT    PRIMARY KEY,
		workspace_id     TEXT    NOT NULL,
		parent_job       TEXT,
		root_job         TEXT,
		kind             TEXT    NOT NULL,
		runnable_path    TEXT    NOT NULL DEFAULT '',
		runnable_hash    TEXT    NOT NULL DEFAULT '',
		language         TEXT    NOT NULL DEFAULT '',
		raw_flow         TEXT,
		flow_step_id     TEXT    NOT NULL DEFAULT '',
		args             TEXT,
		permissioned_as  TEXT    NOT NULL DEFAULT '',
		created_by       TEXT    NOT NULL DEFAULT '',
		tag              TEXT    NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 0,
		scheduled_for    INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		started_at       INTEGER,
		completed_at     INTEGER NOT NULL,
		duration_ms      INTEGER NOT NULL DEFAULT 0,
		success          INTEGER NOT NULL,
		canceled         INTEGER NOT NULL DEFAULT 0,
		canceled_by      TEXT    NOT NULL DEFAULT '',
		canceled_reason  TEXT    NOT NULL DEFAULT '',
		is_skipped       INTEGER NOT NULL DEFAULT 0,
		result           TEXT,
		flow_status      TEXT,
		worker           TEXT    NOT NULL DEFAULT '',
		mem_peak         INTEGER NOT NULL DEFAULT 0,
		visible_to_owner INTEGER NOT NULL DEFAULT 1,
		trigger_kind     TEXT    NOT NULL DEFAULT '',
		trigger_path     TEXT    NOT NULL DEFAULT '',
		debounce_batch   TEXT,
		logs_ref         TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS job_completed_workspace_idx ON job_completed (workspace_id, completed_at)`,
	`CREATE INDEX IF NOT EXISTS job_completed_batch_idx ON job_completed (debounce_batch)`,

	`CREATE TABLE IF NOT EXISTS job_logs (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id     TEXT    NOT NULL,
		line       TEXT    NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS job_logs_job_idx ON job_logs (job_id, seq)`,

	`CREATE TABLE IF NOT EXISTS concurrency_key (key TEXT PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS concurrency_slot (
		job_id     TEXT    PRIMARY KEY,
		key        TEXT    NOT NULL,
		started_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS concurrency_slot_key_idx ON concurrency_slot (key, started_at)`,

	`CREATE TABLE IF NOT EXISTS debounce_key (key TEXT PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS debounce_bucket (
		id                TEXT    PRIMARY KEY,
		workspace_id      TEXT    NOT NULL,
		key               TEXT    NOT NULL,
		created_at        INTEGER NOT NULL,
		seal_at           INTEGER NOT NULL,
		sealed_at         INTEGER,
		seed_args         TEXT,
		accumulate_fields TEXT,
		accumulated       TEXT,
		trigger_ids       TEXT    NOT NULL,
		max_debounces     INTEGER NOT NULL DEFAULT 0,
		job               TEXT    NOT NULL,
		job_id            TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS debounce_bucket_live_idx ON debounce_bucket (key) WHERE sealed_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS debounce_bucket_due_idx ON debounce_bucket (seal_at)`,

	`CREATE TABLE IF NOT EXISTS job_cache (
		key        TEXT    PRIMARY KEY,
		value      TEXT,
		expires_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS resume_job (
		id         TEXT    PRIMARY KEY,
		job_id     TEXT    NOT NULL,
		module_id  TEXT    NOT NULL,
		approver   TEXT    NOT NULL DEFAULT '',
		approved   INTEGER NOT NULL,
		payload    TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS resume_job_job_idx ON resume_job (job_id, module_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS schedule (
		id           TEXT    PRIMARY KEY,
		workspace_id TEXT    NOT NULL,
		path         TEXT    NOT NULL,
		target_path  TEXT    NOT NULL,
		is_flow      INTEGER NOT NULL DEFAULT 0,
		cron_expr    TEXT    NOT NULL DEFAULT '',
		interval_sec INTEGER NOT NULL DEFAULT 0,
		timezone     TEXT    NOT NULL DEFAULT 'UTC',
		enabled      INTEGER NOT NULL DEFAULT 1,
		next_due_at  INTEGER,
		last_run_at  INTEGER,
		last_job_id  TEXT,
		args         TEXT,
		tag          TEXT    NOT NULL DEFAULT '',
		debounce     TEXT,
		created_by   TEXT    NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		UNIQUE (workspace_id, path)
	)`,
}
