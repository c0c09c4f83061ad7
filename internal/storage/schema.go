package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the voterroll schema and its tables.
// Safe to call multiple times - uses IF NOT EXISTS.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const schema = `
CREATE SCHEMA IF NOT EXISTS voterroll;

-- Import jobs
CREATE TABLE IF NOT EXISTS voterroll.import_jobs (
    id TEXT PRIMARY KEY,
    file_name TEXT NOT NULL,
    file_path TEXT NOT NULL DEFAULT '',
    assembly_id INTEGER NOT NULL DEFAULT 0,
    booth_number INTEGER,
    booth_name TEXT,
    common_address TEXT,
    start_page INTEGER,
    end_page INTEGER,
    status TEXT NOT NULL DEFAULT 'pending',
    progress INTEGER NOT NULL DEFAULT 0,
    total_voters INTEGER,
    error_code TEXT,
    error_message TEXT,
    logs TEXT,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
);

ALTER TABLE voterroll.import_jobs DROP CONSTRAINT IF EXISTS import_jobs_status_check;
ALTER TABLE voterroll.import_jobs ADD CONSTRAINT import_jobs_status_check
    CHECK (status IN ('pending', 'processing', 'retrying', 'completed', 'failed'));

CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON voterroll.import_jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_import_jobs_added_at ON voterroll.import_jobs(added_at DESC);

-- Voters, one row per EPIC
CREATE TABLE IF NOT EXISTS voterroll.voters (
    epic TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    relative_name TEXT NOT NULL DEFAULT '',
    relation_type TEXT NOT NULL DEFAULT 'Father',
    age INTEGER NOT NULL DEFAULT 0,
    gender CHAR(1) NOT NULL DEFAULT 'M',
    house_number TEXT NOT NULL DEFAULT '',
    booth_number INTEGER NOT NULL DEFAULT 0,
    village TEXT NOT NULL DEFAULT '',
    area TEXT NOT NULL DEFAULT '',
    family_size INTEGER NOT NULL DEFAULT 1,
    assembly_id INTEGER NOT NULL,
    import_job_id TEXT REFERENCES voterroll.import_jobs(id) ON DELETE SET NULL,
    original_text TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_voters_household ON voterroll.voters(assembly_id, village, area, house_number);
CREATE INDEX IF NOT EXISTS idx_voters_import_job ON voterroll.voters(import_job_id);
`
