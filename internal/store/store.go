// Package store is the durable state of the supervisor: the group
// registry, scheduled tasks and their run logs, sub-agent records,
// per-folder session continuity, and message cursors. Everything lives
// in one embedded sqlite database next to the work directories.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store wraps the sqlite handle.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open creates (if needed) and migrates the database at dataDir/warden.db.
// Pass ":memory:" as dataDir for tests.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "warden.db")
	}

	db, err := sqlx.Connect("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite handles one writer; a second connection would only trade
	// busy errors for lock contention.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	jid             TEXT PRIMARY KEY,
	folder          TEXT NOT NULL,
	display_name    TEXT NOT NULL DEFAULT '',
	execution_class TEXT NOT NULL DEFAULT 'container',
	owner_jid       TEXT NOT NULL DEFAULT '',
	registered_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_groups_folder ON groups(folder);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id             TEXT PRIMARY KEY,
	group_folder   TEXT NOT NULL,
	chat_jid       TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_type  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode   TEXT NOT NULL DEFAULT 'isolated',
	next_run       TIMESTAMP,
	status         TEXT NOT NULL DEFAULT 'active',
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run);

CREATE TABLE IF NOT EXISTS task_run_logs (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL,
	status      TEXT NOT NULL,
	result      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_logs_task ON task_run_logs(task_id);

CREATE TABLE IF NOT EXISTS subagents (
	id             TEXT NOT NULL,
	group_folder   TEXT NOT NULL,
	chat_jid       TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	prompt         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	kind           TEXT NOT NULL DEFAULT 'task',
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at   TIMESTAMP,
	result_summary TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (group_folder, id)
);

CREATE TABLE IF NOT EXISTS sessions (
	group_folder TEXT NOT NULL,
	agent_id     TEXT NOT NULL DEFAULT '',
	session_id   TEXT NOT NULL,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (group_folder, agent_id)
);

CREATE TABLE IF NOT EXISTS cursors (
	scope  TEXT NOT NULL,
	jid    TEXT NOT NULL,
	ts     INTEGER NOT NULL DEFAULT 0,
	msg_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (scope, jid)
);
`
