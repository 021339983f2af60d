package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scheduled task statuses and schedule types.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"

	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"

	ContextModeGroup    = "group"
	ContextModeIsolated = "isolated"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("scheduled task not found")

// ScheduledTask is a durable cron/interval/once job.
type ScheduledTask struct {
	ID            string     `db:"id"`
	GroupFolder   string     `db:"group_folder"`
	ChatJID       string     `db:"chat_jid"`
	Prompt        string     `db:"prompt"`
	ScheduleType  string     `db:"schedule_type"`
	ScheduleValue string     `db:"schedule_value"`
	ContextMode   string     `db:"context_mode"`
	NextRun       *time.Time `db:"next_run"`
	Status        string     `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// TaskRunLog records one execution of a scheduled task.
type TaskRunLog struct {
	ID         string    `db:"id"`
	TaskID     string    `db:"task_id"`
	StartedAt  time.Time `db:"started_at"`
	DurationMs int64     `db:"duration_ms"`
	Status     string    `db:"status"`
	Result     string    `db:"result"`
}

// CreateScheduledTask inserts a new task.
func (s *Store) CreateScheduledTask(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, group_folder, chat_jid, prompt, schedule_type,
			schedule_value, context_mode, next_run, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType,
		t.ScheduleValue, t.ContextMode, t.NextRun, t.Status)
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

// GetScheduledTask fetches a task by id.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	var t ScheduledTask
	err := s.db.GetContext(ctx, &t, `SELECT * FROM scheduled_tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled task %s: %w", id, err)
	}
	return &t, nil
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	var tasks []*ScheduledTask
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run
	`, TaskStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return tasks, nil
}

// ListScheduledTasks returns tasks, optionally filtered by folder.
func (s *Store) ListScheduledTasks(ctx context.Context, folder string) ([]*ScheduledTask, error) {
	var tasks []*ScheduledTask
	var err error
	if folder == "" {
		err = s.db.SelectContext(ctx, &tasks, `SELECT * FROM scheduled_tasks ORDER BY created_at`)
	} else {
		err = s.db.SelectContext(ctx, &tasks, `
			SELECT * FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at
		`, folder)
	}
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus transitions a task's status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateTaskNextRun sets the next run time; nil clears it.
func (s *Store) UpdateTaskNextRun(ctx context.Context, id string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET next_run = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, next, id)
	if err != nil {
		return fmt.Errorf("update task next run: %w", err)
	}
	return nil
}

// DeleteScheduledTask removes a task and keeps its run logs.
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RecordTaskRun logs one execution, truncating the result to keep log
// rows bounded.
func (s *Store) RecordTaskRun(ctx context.Context, log *TaskRunLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (id, task_id, started_at, duration_ms, status, result)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.ID, log.TaskID, log.StartedAt, log.DurationMs, log.Status, Truncate(log.Result, 1000))
	if err != nil {
		return fmt.Errorf("record task run: %w", err)
	}
	return nil
}

// TaskRuns returns the run history for a task, newest first.
func (s *Store) TaskRuns(ctx context.Context, taskID string, limit int) ([]*TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []*TaskRunLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM task_run_logs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("task runs: %w", err)
	}
	return logs, nil
}

// Truncate trims s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
