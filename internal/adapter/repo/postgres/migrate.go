package postgres

import (
	"context"
	"fmt"
)

// schema is applied at startup. Statements are idempotent so every process
// can run them unconditionally.
var schema = []string{
	`DO $$ BEGIN
		CREATE TYPE submission_status AS ENUM ('pending','queued','processing','completed','failed','timeout');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN
		CREATE TYPE submission_language AS ENUM ('javascript','typescript','python','java','cpp','c','go','rust','ruby','php');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		problem_id TEXT NOT NULL,
		language submission_language NOT NULL,
		blob_key TEXT NOT NULL,
		code_size_bytes BIGINT NOT NULL,
		status submission_status NOT NULL DEFAULT 'pending',
		verdict TEXT NOT NULL DEFAULT '',
		score DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		passed_test_cases INT NOT NULL DEFAULT 0,
		total_test_cases INT NOT NULL DEFAULT 0,
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		peak_memory_kb BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ NOT NULL,
		queued_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_user ON submissions (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_problem ON submissions (problem_id)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_submitted_at ON submissions (submitted_at DESC)`,
}

// Migrate applies the schema. It is the startup DB probe: a failure here is
// process-fatal.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.migrate: %w", err)
		}
	}
	return nil
}
