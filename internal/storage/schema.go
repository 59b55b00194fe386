package storage

import "context"

// schemaDDL holds the full set of CREATE TABLE/INDEX statements. init_schema
// is idempotent: every statement uses IF NOT EXISTS, so it is safe to call
// on every daemon startup.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS plugins (
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		source_hash TEXT NOT NULL,
		env_hash TEXT NOT NULL,
		signature TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (name, version)
	)`,

	`CREATE TABLE IF NOT EXISTS schema_contracts (
		contract_id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		approved_at TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		schemas_json TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		numeric_overflow_policy TEXT NOT NULL,
		string_truncation_policy TEXT NOT NULL,
		timestamp_policy TEXT NOT NULL,
		predecessor_contract_id TEXT,
		is_latest INTEGER NOT NULL DEFAULT 1,
		UNIQUE (scope_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schema_contracts_scope_latest ON schema_contracts (scope_id, is_latest)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		operation_payload TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		decided_at TEXT,
		decided_by TEXT,
		rejection_reason TEXT,
		job_id INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status_expires ON approvals (status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		job_id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		plugin_name TEXT NOT NULL,
		plugin_version TEXT,
		input_dir TEXT NOT NULL,
		output_sink TEXT,
		approval_id TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT,
		progress_json TEXT,
		result_json TEXT,
		error_message TEXT,
		worker_id TEXT,
		claim_time TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		cancel_asked INTEGER NOT NULL DEFAULT 0,
		next_visible_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_claim ON jobs (status, job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_next_visible ON jobs (status, next_visible_at)`,

	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL,
		event_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		payload_json TEXT,
		UNIQUE (job_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_job_after ON events (job_id, event_id)`,

	`CREATE TABLE IF NOT EXISTS high_failure_records (
		file_id TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		first_failure_at TEXT,
		last_failure_at TEXT,
		last_tested_at TEXT,
		history_json TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (file_id, scope_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_high_failure_scope ON high_failure_records (scope_id, consecutive_failures DESC, last_failure_at DESC)`,

	`CREATE TABLE IF NOT EXISTS scan_files (
		source_id TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		mtime TEXT NOT NULL,
		sentinel_job_id INTEGER,
		error TEXT,
		scan_ok INTEGER NOT NULL DEFAULT 0,
		scan_generation INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (source_id, rel_path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_files_generation ON scan_files (source_id, scan_generation)`,

	`CREATE TABLE IF NOT EXISTS scan_folders (
		source_id TEXT NOT NULL,
		prefix TEXT NOT NULL,
		name TEXT NOT NULL,
		file_count INTEGER NOT NULL DEFAULT 0,
		is_folder INTEGER NOT NULL DEFAULT 1,
		UNIQUE (source_id, prefix, name)
	)`,

	`CREATE TABLE IF NOT EXISTS amendment_proposals (
		proposal_id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		changes_json TEXT NOT NULL,
		reason TEXT NOT NULL,
		proposer TEXT NOT NULL,
		created_at TEXT NOT NULL,
		decided INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_amendment_proposals_contract ON amendment_proposals (contract_id)`,
}

// InitSchema applies every DDL statement; each is individually idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
