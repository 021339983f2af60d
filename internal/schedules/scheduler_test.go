package schedules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/runner"
	"github.com/wardenhq/warden/internal/store"
)

type queuedEntry struct {
	key string
	id  string
	fn  func(ctx context.Context)
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []queuedEntry
}

func (q *fakeQueue) EnqueueTask(groupKey, taskID string, fn func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, queuedEntry{key: groupKey, id: taskID, fn: fn})
}

func newTestScheduler(t *testing.T, run RunFunc) (*Scheduler, *store.Store, *fakeQueue) {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := &fakeQueue{}
	if run == nil {
		run = func(context.Context, *store.ScheduledTask) (string, error) { return "ok", nil }
	}
	s := New(st, q, run, time.Minute, time.UTC, zap.NewNop())
	return s, st, q
}

func TestCreateStampsNextRun(t *testing.T) {
	s, st, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	task := &store.ScheduledTask{
		GroupFolder:   "family",
		ChatJID:       "1234@g.us",
		Prompt:        "morning brief",
		ScheduleType:  store.ScheduleCron,
		ScheduleValue: "0 9 * * *",
	}
	require.NoError(t, s.Create(ctx, task))
	require.NotEmpty(t, task.ID)
	require.Equal(t, store.ContextModeGroup, task.ContextMode)
	require.NotNil(t, task.NextRun)
	require.True(t, task.NextRun.After(time.Now()))

	got, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusActive, got.Status)
}

func TestCreateRejectsInvalidSchedules(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	cases := []struct {
		typ, value string
	}{
		{store.ScheduleCron, "not a cron"},
		{store.ScheduleInterval, "abc"},
		{store.ScheduleInterval, "-5s"},
		{store.ScheduleInterval, "0"},
		{store.ScheduleOnce, "tomorrow-ish"},
		{"weekly", "1"},
	}
	for _, c := range cases {
		err := s.Create(ctx, &store.ScheduledTask{
			Prompt: "p", ScheduleType: c.typ, ScheduleValue: c.value,
		})
		require.ErrorIs(t, err, ErrInvalidSchedule, "%s %q", c.typ, c.value)
	}

	err := s.Create(ctx, &store.ScheduledTask{ScheduleType: store.ScheduleCron, ScheduleValue: "* * * * *"})
	require.ErrorIs(t, err, ErrInvalidSchedule, "empty prompt")
}

func TestParseInterval(t *testing.T) {
	d, err := parseInterval("90s")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	d, err = parseInterval("90")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	d, err = parseInterval("2h")
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, d)

	_, err = parseInterval("soon")
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestOnceScheduleParsesTimestamp(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	next, err := s.nextRun(store.ScheduleOnce, at.Format(time.RFC3339), time.Now())
	require.NoError(t, err)
	require.True(t, next.Equal(at))

	// Empty value means run on the next tick.
	now := time.Now()
	next, err = s.nextRun(store.ScheduleOnce, "", now)
	require.NoError(t, err)
	require.True(t, next.Equal(now))
}

func seedTask(t *testing.T, st *store.Store, folder string, next time.Time, typ, value, status string) *store.ScheduledTask {
	t.Helper()
	task := &store.ScheduledTask{
		GroupFolder:   folder,
		ChatJID:       folder + "@g.us",
		Prompt:        "do the thing",
		ScheduleType:  typ,
		ScheduleValue: value,
		ContextMode:   store.ContextModeGroup,
		NextRun:       &next,
		Status:        status,
	}
	require.NoError(t, st.CreateScheduledTask(context.Background(), task))
	return task
}

func TestDispatchDueEnqueuesOnlyDueActiveTasks(t *testing.T) {
	s, st, q := newTestScheduler(t, nil)
	now := time.Now()

	due := seedTask(t, st, "family", now.Add(-time.Minute), store.ScheduleInterval, "60s", store.TaskStatusActive)
	seedTask(t, st, "family", now.Add(time.Hour), store.ScheduleInterval, "60s", store.TaskStatusActive)
	seedTask(t, st, "family", now.Add(-time.Minute), store.ScheduleInterval, "60s", store.TaskStatusPaused)

	s.DispatchDue(context.Background(), now)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.entries, 1)
	require.Equal(t, "sched-"+due.ID, q.entries[0].id)
	require.Equal(t, due.ChatJID, q.entries[0].key)
}

func TestDispatchPrefersLiveJID(t *testing.T) {
	s, st, q := newTestScheduler(t, nil)
	ctx := context.Background()

	// The folder re-registered under a web identity after the task was
	// created against the old JID.
	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "999@web", Folder: "family"}))
	seedTask(t, st, "family", time.Now().Add(-time.Minute), store.ScheduleInterval, "60s", store.TaskStatusActive)

	s.DispatchDue(ctx, time.Now())

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.entries, 1)
	require.Equal(t, "999@web", q.entries[0].key)
}

func TestExecuteAdvancesIntervalTask(t *testing.T) {
	var ran int
	s, st, q := newTestScheduler(t, func(context.Context, *store.ScheduledTask) (string, error) {
		ran++
		return "done", nil
	})
	ctx := context.Background()
	task := seedTask(t, st, "family", time.Now().Add(-time.Minute), store.ScheduleInterval, "60s", store.TaskStatusActive)

	s.DispatchDue(ctx, time.Now())
	require.Len(t, q.entries, 1)
	q.entries[0].fn(ctx)

	require.Equal(t, 1, ran)
	got, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusActive, got.Status)
	require.NotNil(t, got.NextRun)
	require.True(t, got.NextRun.After(time.Now().Add(30*time.Second)))

	logs, err := st.TaskRuns(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, runner.StatusSuccess, logs[0].Status)
	require.Equal(t, "done", logs[0].Result)
}

func TestExecuteCompletesOnceTask(t *testing.T) {
	s, st, q := newTestScheduler(t, nil)
	ctx := context.Background()
	task := seedTask(t, st, "family", time.Now().Add(-time.Minute), store.ScheduleOnce, "", store.TaskStatusActive)

	s.DispatchDue(ctx, time.Now())
	require.Len(t, q.entries, 1)
	q.entries[0].fn(ctx)

	got, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusCompleted, got.Status)
	require.Nil(t, got.NextRun)

	// A later tick must not pick it up again.
	q.entries = nil
	s.DispatchDue(ctx, time.Now())
	require.Empty(t, q.entries)
}

func TestExecuteSkipsTaskPausedAfterEnqueue(t *testing.T) {
	var ran int
	s, st, q := newTestScheduler(t, func(context.Context, *store.ScheduledTask) (string, error) {
		ran++
		return "", nil
	})
	ctx := context.Background()
	task := seedTask(t, st, "family", time.Now().Add(-time.Minute), store.ScheduleInterval, "60s", store.TaskStatusActive)

	s.DispatchDue(ctx, time.Now())
	require.Len(t, q.entries, 1)

	// Paused between enqueue and launch.
	require.NoError(t, s.Pause(ctx, task.ID))
	q.entries[0].fn(ctx)

	require.Zero(t, ran)
	logs, err := st.TaskRuns(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestExecuteRecordsFailure(t *testing.T) {
	s, st, q := newTestScheduler(t, func(context.Context, *store.ScheduledTask) (string, error) {
		return "", errors.New("runner exploded")
	})
	ctx := context.Background()
	task := seedTask(t, st, "family", time.Now().Add(-time.Minute), store.ScheduleInterval, "60s", store.TaskStatusActive)

	s.DispatchDue(ctx, time.Now())
	q.entries[0].fn(ctx)

	logs, err := st.TaskRuns(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, runner.StatusError, logs[0].Status)
	require.Contains(t, logs[0].Result, "runner exploded")

	// Failure still advances the schedule; the next tick retries then.
	got, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	require.True(t, got.NextRun.After(time.Now()))
}

func TestResumeRecomputesNextRun(t *testing.T) {
	s, st, _ := newTestScheduler(t, nil)
	ctx := context.Background()
	stale := time.Now().Add(-24 * time.Hour)
	task := seedTask(t, st, "family", stale, store.ScheduleInterval, "3600s", store.TaskStatusPaused)

	require.NoError(t, s.Resume(ctx, task.ID))

	got, err := st.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusActive, got.Status)
	require.True(t, got.NextRun.After(time.Now()), "no catch-up burst after a long pause")
}

func TestCancelDeletesTaskKeepsLogs(t *testing.T) {
	s, st, q := newTestScheduler(t, nil)
	ctx := context.Background()
	task := seedTask(t, st, "family", time.Now().Add(-time.Minute), store.ScheduleInterval, "60s", store.TaskStatusActive)

	s.DispatchDue(ctx, time.Now())
	q.entries[0].fn(ctx)

	require.NoError(t, s.Cancel(ctx, task.ID))
	_, err := st.GetScheduledTask(ctx, task.ID)
	require.ErrorIs(t, err, store.ErrTaskNotFound)

	logs, err := st.TaskRuns(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}
