// Package schedules runs durable cron, interval, and one-shot tasks.
// The scheduler owns no execution state: it finds due tasks, hands
// them to the admission controller, and advances their next-run
// bookkeeping after each run.
package schedules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/runner"
	"github.com/wardenhq/warden/internal/store"
)

var (
	// ErrInvalidSchedule rejects malformed schedule values at create time.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// RunFunc executes one scheduled prompt and returns the result text.
// context_mode is honored by the implementation: group mode reuses the
// folder session, isolated mode starts fresh.
type RunFunc func(ctx context.Context, task *store.ScheduledTask) (string, error)

// Enqueuer is the admission surface the scheduler needs.
type Enqueuer interface {
	EnqueueTask(groupKey, taskID string, fn func(ctx context.Context))
}

// Scheduler polls the store for due tasks and routes them through the
// admission controller under the target group's live identity.
type Scheduler struct {
	store    *store.Store
	enqueue  Enqueuer
	run      RunFunc
	interval time.Duration
	loc      *time.Location
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a scheduler. loc is the timezone cron expressions resolve
// in; nil means UTC.
func New(st *store.Store, enqueue Enqueuer, run RunFunc, interval time.Duration, loc *time.Location, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:    st,
		enqueue:  enqueue,
		run:      run,
		interval: interval,
		loc:      loc,
		logger:   logger,
	}
}

// Start launches the poll loop; Stop cancels it and waits.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop cancels the loop and blocks until it drains.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.DispatchDue(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchDue enqueues every active task whose next_run has passed.
// Exported for tests; the loop calls it each tick.
func (s *Scheduler) DispatchDue(ctx context.Context, now time.Time) {
	tasks, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("Failed to fetch due tasks", zap.Error(err))
		return
	}
	for _, t := range tasks {
		key, err := s.store.ResolveLiveJID(ctx, t.GroupFolder, t.ChatJID)
		if err != nil {
			// The folder may have been re-registered under a new JID;
			// fall back to the recorded one.
			key = t.ChatJID
		}
		taskID := t.ID
		s.enqueue.EnqueueTask(key, "sched-"+taskID, func(ctx context.Context) {
			s.execute(ctx, taskID)
		})
	}
}

// execute runs one task. It re-fetches the row first: between enqueue
// and launch the task may have been paused, cancelled, or already run
// by an earlier tick.
func (s *Scheduler) execute(ctx context.Context, taskID string) {
	task, err := s.store.GetScheduledTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrTaskNotFound) {
			s.logger.Error("Failed to re-fetch scheduled task",
				zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}
	now := time.Now()
	if task.Status != store.TaskStatusActive || task.NextRun == nil || task.NextRun.After(now) {
		return
	}

	start := time.Now()
	result, runErr := s.run(ctx, task)
	status := runner.StatusSuccess
	if runErr != nil {
		status = runner.StatusError
		result = runErr.Error()
		s.logger.Warn("Scheduled task run failed",
			zap.String("task_id", task.ID),
			zap.String("folder", task.GroupFolder),
			zap.Error(runErr))
	}
	metrics.ScheduledRuns.WithLabelValues(status).Inc()

	if err := s.advance(ctx, task, time.Now()); err != nil {
		s.logger.Error("Failed to advance schedule",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := s.store.RecordTaskRun(ctx, &store.TaskRunLog{
		TaskID:     task.ID,
		StartedAt:  start,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
		Result:     result,
	}); err != nil {
		s.logger.Error("Failed to record task run",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

// advance moves the task to its next occurrence, or completes it.
func (s *Scheduler) advance(ctx context.Context, task *store.ScheduledTask, now time.Time) error {
	switch task.ScheduleType {
	case store.ScheduleOnce:
		if err := s.store.UpdateTaskNextRun(ctx, task.ID, nil); err != nil {
			return err
		}
		return s.store.UpdateTaskStatus(ctx, task.ID, store.TaskStatusCompleted)
	default:
		next, err := s.nextRun(task.ScheduleType, task.ScheduleValue, now)
		if err != nil {
			return err
		}
		return s.store.UpdateTaskNextRun(ctx, task.ID, next)
	}
}

// nextRun computes the occurrence after now for a schedule.
func (s *Scheduler) nextRun(scheduleType, value string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
		next := sched.Next(now.In(s.loc))
		return &next, nil
	case store.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return nil, err
		}
		next := now.Add(d)
		return &next, nil
	case store.ScheduleOnce:
		if value == "" {
			return &now, nil
		}
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("%w: once %q: %v", ErrInvalidSchedule, value, err)
		}
		return &at, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, scheduleType)
	}
}

// parseInterval accepts a Go duration ("90s", "2h") or plain seconds.
func parseInterval(value string) (time.Duration, error) {
	if d, err := time.ParseDuration(value); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval %q must be positive", ErrInvalidSchedule, value)
		}
		return d, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%w: interval %q must be positive", ErrInvalidSchedule, value)
		}
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("%w: interval %q", ErrInvalidSchedule, value)
}

// Create validates the schedule, stamps the first next_run, and
// persists the task.
func (s *Scheduler) Create(ctx context.Context, task *store.ScheduledTask) error {
	if task.Prompt == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidSchedule)
	}
	if task.ContextMode == "" {
		task.ContextMode = store.ContextModeGroup
	}
	next, err := s.nextRun(task.ScheduleType, task.ScheduleValue, time.Now())
	if err != nil {
		return err
	}
	task.NextRun = next
	if err := s.store.CreateScheduledTask(ctx, task); err != nil {
		return err
	}
	s.logger.Info("Scheduled task created",
		zap.String("task_id", task.ID),
		zap.String("folder", task.GroupFolder),
		zap.String("type", task.ScheduleType),
		zap.Timep("next_run", task.NextRun))
	return nil
}

// Pause freezes a task; its next_run keeps its value but the poll loop
// skips non-active tasks.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.store.UpdateTaskStatus(ctx, id, store.TaskStatusPaused)
}

// Resume reactivates a task and recomputes next_run so a long pause
// does not cause a burst of catch-up runs.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	task, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	if task.ScheduleType != store.ScheduleOnce {
		next, err := s.nextRun(task.ScheduleType, task.ScheduleValue, time.Now())
		if err != nil {
			return err
		}
		if err := s.store.UpdateTaskNextRun(ctx, id, next); err != nil {
			return err
		}
	}
	return s.store.UpdateTaskStatus(ctx, id, store.TaskStatusActive)
}

// Cancel deletes a task. Run logs are kept.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.store.DeleteScheduledTask(ctx, id)
}
