package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sub-agent statuses and kinds.
const (
	AgentStatusIdle      = "idle"
	AgentStatusRunning   = "running"
	AgentStatusCompleted = "completed"
	AgentStatusError     = "error"

	AgentKindTask         = "task"
	AgentKindConversation = "conversation"
)

// ErrAgentNotFound is returned for unknown sub-agent ids.
var ErrAgentNotFound = errors.New("sub-agent not found")

// SubAgent is a durable record of a spawned child workload.
type SubAgent struct {
	ID            string     `db:"id"`
	GroupFolder   string     `db:"group_folder"`
	ChatJID       string     `db:"chat_jid"`
	Name          string     `db:"name"`
	Prompt        string     `db:"prompt"`
	Status        string     `db:"status"`
	Kind          string     `db:"kind"`
	CreatedAt     time.Time  `db:"created_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	ResultSummary string     `db:"result_summary"`
}

// CreateSubAgent inserts a new record; duplicate ids per folder fail.
func (s *Store) CreateSubAgent(ctx context.Context, a *SubAgent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subagents (id, group_folder, chat_jid, name, prompt, status, kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.GroupFolder, a.ChatJID, a.Name, a.Prompt, a.Status, a.Kind)
	if err != nil {
		return fmt.Errorf("create sub-agent %s: %w", a.ID, err)
	}
	return nil
}

// GetSubAgent fetches a record by folder and id.
func (s *Store) GetSubAgent(ctx context.Context, folder, id string) (*SubAgent, error) {
	var a SubAgent
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM subagents WHERE group_folder = ? AND id = ?
	`, folder, id)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sub-agent %s: %w", id, err)
	}
	return &a, nil
}

// ListSubAgents returns records, optionally filtered by status.
func (s *Store) ListSubAgents(ctx context.Context, status string) ([]*SubAgent, error) {
	var agents []*SubAgent
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &agents, `SELECT * FROM subagents ORDER BY created_at`)
	} else {
		err = s.db.SelectContext(ctx, &agents, `
			SELECT * FROM subagents WHERE status = ? ORDER BY created_at
		`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list sub-agents: %w", err)
	}
	return agents, nil
}

// UpdateSubAgentStatus transitions a record; terminal statuses stamp
// completed_at and the truncated result summary.
func (s *Store) UpdateSubAgentStatus(ctx context.Context, folder, id, status, summary string) error {
	var completedAt *time.Time
	if status == AgentStatusCompleted || status == AgentStatusError {
		now := time.Now()
		completedAt = &now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagents SET status = ?, completed_at = ?, result_summary = ?
		WHERE group_folder = ? AND id = ?
	`, status, completedAt, Truncate(summary, 500), folder, id)
	if err != nil {
		return fmt.Errorf("update sub-agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// DeleteSubAgent removes a record.
func (s *Store) DeleteSubAgent(ctx context.Context, folder, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM subagents WHERE group_folder = ? AND id = ?
	`, folder, id)
	if err != nil {
		return fmt.Errorf("delete sub-agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}
