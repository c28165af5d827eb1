package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS adpipe_runs (
		run_id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL,
		status TEXT NOT NULL,
		artifact_root_uri TEXT NOT NULL,
		final_artifact_uri TEXT,
		params JSONB NOT NULL DEFAULT '{}'::jsonb,
		artifacts JSONB NOT NULL DEFAULT '{}'::jsonb,
		failed_stage TEXT,
		failure_kind TEXT,
		failure_message TEXT,
		failure_hint TEXT,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS adpipe_runs_status_idx ON adpipe_runs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS adpipe_tasks (
		run_id TEXT NOT NULL REFERENCES adpipe_runs (run_id),
		task_name TEXT NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		assigned_to TEXT,
		approved_by TEXT,
		approved_at TIMESTAMPTZ,
		rejection_reason TEXT,
		inputs JSONB NOT NULL DEFAULT '{}'::jsonb,
		outputs JSONB NOT NULL DEFAULT '{}'::jsonb,
		gate_signal_uri TEXT NOT NULL,
		PRIMARY KEY (run_id, task_name)
	)`,
	`CREATE INDEX IF NOT EXISTS adpipe_tasks_pending_idx ON adpipe_tasks (created_at, position) WHERE status = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS adpipe_audit_events (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		request_id TEXT,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		integrity_sha256 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS adpipe_audit_events_resource_idx ON adpipe_audit_events (resource_type, resource_id)`,
}

// EnsureSchema creates the ledger tables when they are missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
