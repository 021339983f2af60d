package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/store"
)

// recordingHandler captures dispatched envelopes.
type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	envs  []*Envelope
	srcs  []Source
	fail  map[string]bool
}

func (h *recordingHandler) record(call string, src Source, env *Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	h.envs = append(h.envs, env)
	h.srcs = append(h.srcs, src)
	if h.fail[call] {
		return os.ErrInvalid
	}
	return nil
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *recordingHandler) HandleMessage(_ context.Context, src Source, env *Envelope) error {
	return h.record("message", src, env)
}
func (h *recordingHandler) HandleScheduleTask(_ context.Context, src Source, env *Envelope) error {
	return h.record("schedule_task", src, env)
}
func (h *recordingHandler) HandlePauseTask(_ context.Context, src Source, env *Envelope) error {
	return h.record("pause_task", src, env)
}
func (h *recordingHandler) HandleResumeTask(_ context.Context, src Source, env *Envelope) error {
	return h.record("resume_task", src, env)
}
func (h *recordingHandler) HandleCancelTask(_ context.Context, src Source, env *Envelope) error {
	return h.record("cancel_task", src, env)
}
func (h *recordingHandler) HandleRefreshGroups(context.Context) error {
	return h.record("refresh_groups", Source{}, nil)
}
func (h *recordingHandler) HandleRegisterGroup(_ context.Context, env *Envelope) error {
	return h.record("register_group", Source{}, env)
}
func (h *recordingHandler) HandleSpawnAgent(_ context.Context, src Source, env *Envelope) error {
	return h.record("spawn_agent", src, env)
}
func (h *recordingHandler) HandleMessageAgent(_ context.Context, src Source, env *Envelope) error {
	return h.record("message_agent", src, env)
}
func (h *recordingHandler) HandleInstallSkill(_ context.Context, src Source, env *Envelope) SkillResult {
	_ = h.record("install_skill", src, env)
	return SkillResult{Success: true, Message: "installed"}
}
func (h *recordingHandler) HandleUninstallSkill(_ context.Context, src Source, env *Envelope) SkillResult {
	_ = h.record("uninstall_skill", src, env)
	return SkillResult{Success: true}
}

func newTestWatcher(t *testing.T) (*Watcher, Mailbox, *recordingHandler, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mail := Mailbox{Base: t.TempDir()}
	h := &recordingHandler{fail: map[string]bool{}}
	w := NewWatcher(mail, h, st, "main", 50*time.Millisecond, zap.NewNop())
	return w, mail, h, st
}

func drop(t *testing.T, dir, name string, env *Envelope) {
	t.Helper()
	require.NoError(t, WriteAtomic(dir, name, env))
}

func TestScanConsumesAndDeletes(t *testing.T) {
	w, mail, h, st := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "1234@g.us", Folder: "family"}))
	require.NoError(t, mail.EnsureGroup("family"))
	drop(t, mail.MessagesDir("family", ""), "m1.json",
		&Envelope{Type: TypeMessage, ChatJID: "1234@g.us", Text: "hi"})

	w.Scan(ctx)

	require.Equal(t, []string{"message"}, h.calls)
	require.Equal(t, Source{Folder: "family"}, h.srcs[0])
	entries, _ := os.ReadDir(mail.MessagesDir("family", ""))
	require.Empty(t, entries)
}

func TestUnparsableFileQuarantined(t *testing.T) {
	w, mail, h, _ := newTestWatcher(t)
	require.NoError(t, mail.EnsureGroup("family"))
	path := filepath.Join(mail.MessagesDir("family", ""), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	w.Scan(context.Background())

	require.Empty(t, h.calls)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	quarantined, _ := os.ReadDir(mail.ErrorsDir())
	require.Len(t, quarantined, 1)
}

func TestHandlerFailureQuarantines(t *testing.T) {
	w, mail, h, st := newTestWatcher(t)
	ctx := context.Background()
	h.fail["schedule_task"] = true

	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "1234@g.us", Folder: "family"}))
	require.NoError(t, mail.EnsureGroup("family"))
	drop(t, mail.TasksDir("family", ""), "t1.json",
		&Envelope{Type: TypeScheduleTask, Prompt: "p", ScheduleType: "cron", ScheduleValue: "* * * * *"})

	w.Scan(ctx)

	quarantined, _ := os.ReadDir(mail.ErrorsDir())
	require.Len(t, quarantined, 1)
}

func TestAuthorizationRules(t *testing.T) {
	w, mail, h, st := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "a@g.us", Folder: "alpha", OwnerJID: "owner@s.net"}))
	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "b@g.us", Folder: "beta", OwnerJID: "owner@s.net"}))
	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "c@g.us", Folder: "gamma", OwnerJID: "other@s.net"}))
	for _, f := range []string{"alpha", "beta", "gamma", "main"} {
		require.NoError(t, mail.EnsureGroup(f))
	}

	// Same folder: allowed.
	drop(t, mail.MessagesDir("alpha", ""), "m1.json", &Envelope{Type: TypeMessage, ChatJID: "a@g.us"})
	// Shared owner: allowed.
	drop(t, mail.MessagesDir("alpha", ""), "m2.json", &Envelope{Type: TypeMessage, ChatJID: "b@g.us"})
	// Different owner: denied (consumed but not dispatched).
	drop(t, mail.MessagesDir("alpha", ""), "m3.json", &Envelope{Type: TypeMessage, ChatJID: "c@g.us"})
	// Admin home: allowed to target anything.
	drop(t, mail.MessagesDir("main", ""), "m4.json", &Envelope{Type: TypeMessage, ChatJID: "c@g.us"})

	w.Scan(ctx)

	require.Len(t, h.calls, 3)
	targets := []string{h.envs[0].ChatJID, h.envs[1].ChatJID, h.envs[2].ChatJID}
	require.ElementsMatch(t, []string{"a@g.us", "b@g.us", "c@g.us"}, targets)

	// Denied file is removed, not quarantined, and nothing loops on it.
	entries, _ := os.ReadDir(mail.MessagesDir("alpha", ""))
	require.Empty(t, entries)
	quarantined, _ := os.ReadDir(mail.ErrorsDir())
	require.Empty(t, quarantined)
}

func TestAdminOnlyEnvelopes(t *testing.T) {
	w, mail, h, _ := newTestWatcher(t)
	ctx := context.Background()
	require.NoError(t, mail.EnsureGroup("family"))
	require.NoError(t, mail.EnsureGroup("main"))

	drop(t, mail.TasksDir("family", ""), "r1.json", &Envelope{Type: TypeRegisterGroup, GroupJID: "x@g.us"})
	drop(t, mail.TasksDir("main", ""), "r2.json", &Envelope{Type: TypeRegisterGroup, GroupJID: "y@g.us"})
	drop(t, mail.TasksDir("family", ""), "r3.json", &Envelope{Type: TypeRefreshGroups})

	w.Scan(ctx)

	require.Equal(t, []string{"register_group"}, h.calls)
	require.Equal(t, "y@g.us", h.envs[0].GroupJID)
}

func TestNestedSpawnRejected(t *testing.T) {
	w, mail, h, _ := newTestWatcher(t)
	ctx := context.Background()
	require.NoError(t, mail.EnsureGroup("family"))
	require.NoError(t, mail.EnsureAgent("family", "researcher"))

	drop(t, mail.TasksDir("family", "researcher"), "s1.json",
		&Envelope{Type: TypeSpawnAgent, AgentID: "nested"})
	drop(t, mail.TasksDir("family", "researcher"), "s2.json",
		&Envelope{Type: TypeMessageAgent, AgentID: "sibling", Text: "ping"})

	w.Scan(ctx)

	// message_agent passes through, spawn_agent from an agent tree
	// does not.
	require.Equal(t, []string{"message_agent"}, h.calls)
	require.Equal(t, "researcher", h.srcs[0].AgentID)
}

func TestSkillRequestResponse(t *testing.T) {
	w, mail, h, _ := newTestWatcher(t)
	ctx := context.Background()
	require.NoError(t, mail.EnsureGroup("family"))

	drop(t, mail.TasksDir("family", ""), "i1.json",
		&Envelope{Type: TypeInstallSkill, SkillName: "summarize", RequestID: "req-7"})
	// Path-escaping request id is quarantined, never answered.
	drop(t, mail.TasksDir("family", ""), "i2.json",
		&Envelope{Type: TypeInstallSkill, SkillName: "evil", RequestID: "../../etc"})

	w.Scan(ctx)

	require.Equal(t, []string{"install_skill"}, h.calls)

	data, err := os.ReadFile(filepath.Join(mail.GroupDir("family"), "install_skill_result_req-7.json"))
	require.NoError(t, err)
	var res SkillResult
	require.NoError(t, json.Unmarshal(data, &res))
	require.True(t, res.Success)
	require.Equal(t, "req-7", res.RequestID)

	quarantined, _ := os.ReadDir(mail.ErrorsDir())
	require.Len(t, quarantined, 1)
}

func TestStartStopLifecycle(t *testing.T) {
	w, mail, h, st := newTestWatcher(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "1234@g.us", Folder: "family"}))
	require.NoError(t, mail.EnsureGroup("family"))

	w.Start(ctx)
	drop(t, mail.MessagesDir("family", ""), "m1.json",
		&Envelope{Type: TypeMessage, ChatJID: "1234@g.us", Text: "hi"})

	require.Eventually(t, func() bool { return h.callCount() == 1 }, 2*time.Second, 20*time.Millisecond)
	w.Stop()
}
