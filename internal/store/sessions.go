package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wardenhq/warden/internal/cursor"
)

// SessionID returns the stored session for a folder and agent id
// (empty agent id is the group's own session); "" when none exists.
func (s *Store) SessionID(ctx context.Context, folder, agentID string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT session_id FROM sessions WHERE group_folder = ? AND agent_id = ?
	`, folder, agentID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session %s/%s: %w", folder, agentID, err)
	}
	return id, nil
}

// SaveSessionID upserts the session for a folder/agent pair.
func (s *Store) SaveSessionID(ctx context.Context, folder, agentID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, agent_id, session_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(group_folder, agent_id) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = CURRENT_TIMESTAMP
	`, folder, agentID, sessionID)
	if err != nil {
		return fmt.Errorf("save session %s/%s: %w", folder, agentID, err)
	}
	return nil
}

// ClearSession drops the stored session for a folder/agent pair.
func (s *Store) ClearSession(ctx context.Context, folder, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE group_folder = ? AND agent_id = ?
	`, folder, agentID)
	if err != nil {
		return fmt.Errorf("clear session %s/%s: %w", folder, agentID, err)
	}
	return nil
}

// Cursor returns the stored watermark for a scope/jid pair; the zero
// cursor when none is stored.
func (s *Store) Cursor(ctx context.Context, scope, jid string) (cursor.Cursor, error) {
	var row struct {
		TS    int64  `db:"ts"`
		MsgID string `db:"msg_id"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT ts, msg_id FROM cursors WHERE scope = ? AND jid = ?
	`, scope, jid)
	if err == sql.ErrNoRows {
		return cursor.Cursor{}, nil
	}
	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("get cursor %s/%s: %w", scope, jid, err)
	}
	return cursor.Cursor{Timestamp: row.TS, ID: row.MsgID}, nil
}

// AdvanceCursor stores c if it is after the current watermark; stale
// writes are ignored so replayed polls cannot move a watermark back.
func (s *Store) AdvanceCursor(ctx context.Context, scope, jid string, c cursor.Cursor) error {
	current, err := s.Cursor(ctx, scope, jid)
	if err != nil {
		return err
	}
	if !c.After(current) {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cursors (scope, jid, ts, msg_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, jid) DO UPDATE SET ts = excluded.ts, msg_id = excluded.msg_id
	`, scope, jid, c.Timestamp, c.ID)
	if err != nil {
		return fmt.Errorf("advance cursor %s/%s: %w", scope, jid, err)
	}
	return nil
}
