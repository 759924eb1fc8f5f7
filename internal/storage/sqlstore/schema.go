package sqlstore

import (
	"context"
	"fmt"
)

// Times are stored as Unix nanoseconds so the same schema works on
// SQLite and PostgreSQL.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS undertaker_jobs (
		id           TEXT PRIMARY KEY,
		seq          BIGINT NOT NULL,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL,
		type_name    TEXT NOT NULL,
		method_name  TEXT NOT NULL,
		is_static    INTEGER NOT NULL DEFAULT 0,
		parameters   TEXT NOT NULL,
		status       TEXT NOT NULL,
		scheduled_at BIGINT NOT NULL,
		run_at       BIGINT NOT NULL,
		claim        BIGINT NOT NULL DEFAULT 0,
		blocking     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS undertaker_jobs_queue ON undertaker_jobs (status, blocking, run_at, seq)`,
	`CREATE TABLE IF NOT EXISTS undertaker_edges (
		job_id          TEXT NOT NULL,
		prerequisite_id TEXT NOT NULL,
		PRIMARY KEY (job_id, prerequisite_id)
	)`,
	`CREATE INDEX IF NOT EXISTS undertaker_edges_prerequisite ON undertaker_edges (prerequisite_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

type jobRow struct {
	ID          string `db:"id"`
	Seq         int64  `db:"seq"`
	Name        string `db:"name"`
	Description string `db:"description"`
	TypeName    string `db:"type_name"`
	MethodName  string `db:"method_name"`
	Static      int    `db:"is_static"`
	Parameters  string `db:"parameters"`
	Status      string `db:"status"`
	ScheduledAt int64  `db:"scheduled_at"`
	RunAt       int64  `db:"run_at"`
	Claim       int64  `db:"claim"`
	Blocking    int    `db:"blocking"`
}

const jobColumns = `id, seq, name, description, type_name, method_name, is_static, parameters, status, scheduled_at, run_at, claim, blocking`

// queueRank orders rows the way the memory store lists its queues:
// ready, blocked, processing, completed, errored.
const queueRank = `CASE
	WHEN status = 'scheduled' AND blocking = 0 THEN 0
	WHEN status = 'scheduled' THEN 1
	WHEN status = 'processing' THEN 2
	WHEN status = 'completed' THEN 3
	ELSE 4 END`
