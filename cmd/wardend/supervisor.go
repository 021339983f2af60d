package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/agents"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/cursor"
	"github.com/wardenhq/warden/internal/identity"
	"github.com/wardenhq/warden/internal/ipc"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/queue"
	"github.com/wardenhq/warden/internal/runner"
	"github.com/wardenhq/warden/internal/schedules"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/streaming"
)

// pendingMsg is one buffered inbound message awaiting a workload pass.
// The mailbox file is deleted once consumed; until the pass succeeds
// the supervisor holds the content here so a failed run can retry it.
type pendingMsg struct {
	id     string
	sender string
	text   string
	images []string
	ts     time.Time
}

// supervisor ties the packages together: it is the queue's
// ProcessMessages hook, the IPC watcher's handler, and the run
// capability behind the scheduler and the sub-agent orchestrator.
type supervisor struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	mail   ipc.Mailbox
	writer ipc.Writer
	stream *streaming.Manager

	queue  *queue.Manager
	sched  *schedules.Scheduler
	agents *agents.Manager

	containerRunner runner.Runner
	hostRunner      runner.Runner

	mu      sync.Mutex
	pending map[string][]pendingMsg
}

func newSupervisor(cfg *config.Config, st *store.Store, mail ipc.Mailbox, stream *streaming.Manager, logger *zap.Logger) *supervisor {
	return &supervisor{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		mail:    mail,
		writer:  ipc.Writer{Mail: mail},
		stream:  stream,
		pending: make(map[string][]pendingMsg),
		containerRunner: runner.NewContainerRunner(
			cfg.Workloads.ContainerBinary, cfg.Workloads.ContainerImage,
			cfg.GroupsDir, cfg.IPCDir, logger),
		hostRunner: runner.NewHostRunner(
			cfg.Workloads.HostBinary, cfg.GroupsDir, cfg.IPCDir, logger),
	}
}

func (s *supervisor) runnerFor(group *store.Group) runner.Runner {
	if group.ExecutionClass == store.ClassHost {
		return s.hostRunner
	}
	return s.containerRunner
}

// runWorkload starts one pass, registers the process handle under
// regKey, and fans partial output into the stream keyed by the
// workload's chat identity.
func (s *supervisor) runWorkload(ctx context.Context, group *store.Group, regKey, agentID string, in runner.Input) (*runner.Output, error) {
	if s.cfg.Workloads.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Workloads.RunTimeout)
		defer cancel()
	}
	onSpawned := func(proc *os.Process, containerName string) {
		s.queue.RegisterProcess(regKey, proc, queue.RegisterProcessOpts{
			ContainerName: containerName,
			Folder:        group.Folder,
			DisplayName:   group.DisplayName,
			AgentID:       agentID,
		})
	}
	onOutput := func(ev runner.StreamEvent) {
		msg := ev.Content
		if ev.Kind == streaming.TypeToolUse {
			msg = ev.ToolName
		}
		s.stream.Publish(streaming.Event{Key: in.ChatJID, Type: ev.Kind, Message: msg})
	}
	return s.runnerFor(group).Run(ctx, group, in, onSpawned, onOutput)
}

// ProcessMessages is the queue hook: one workload pass over the
// group's buffered messages. Messages are only committed (and the
// cursor advanced) after a successful pass, so the retry ladder
// replays them.
func (s *supervisor) ProcessMessages(ctx context.Context, key string) (bool, error) {
	group, err := s.store.GetGroup(ctx, key)
	if err != nil {
		return false, fmt.Errorf("process messages %s: %w", key, err)
	}
	msgs := s.snapshotPending(key)
	if len(msgs) == 0 {
		return true, nil
	}

	sessionID, err := s.store.SessionID(ctx, group.Folder, "")
	if err != nil {
		return false, err
	}
	in := runner.Input{
		Prompt:      formatPrompt(msgs),
		SessionID:   sessionID,
		GroupFolder: group.Folder,
		ChatJID:     key,
		IsMain:      group.Folder == s.cfg.AdminFolder,
		Images:      collectImages(msgs),
	}
	out, err := s.runWorkload(ctx, group, key, "", in)
	if err != nil {
		return false, err
	}
	if out.NewSessionID != "" {
		if err := s.store.SaveSessionID(ctx, group.Folder, "", out.NewSessionID); err != nil {
			s.logger.Warn("Failed to save session", zap.String("group", key), zap.Error(err))
		}
	}
	if out.Status != runner.StatusSuccess {
		s.logger.Warn("Workload pass failed",
			zap.String("group", key), zap.String("error", out.Error))
		return false, nil
	}
	s.commitPending(ctx, key, len(msgs))
	return true, nil
}

func (s *supervisor) snapshotPending(key string) []pendingMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pendingMsg(nil), s.pending[key]...)
}

// commitPending drops the n oldest buffered messages and advances the
// per-chat watermark to the newest committed one.
func (s *supervisor) commitPending(ctx context.Context, key string, n int) {
	s.mu.Lock()
	buf := s.pending[key]
	if n > len(buf) {
		n = len(buf)
	}
	committed := buf[:n]
	s.pending[key] = append([]pendingMsg(nil), buf[n:]...)
	s.mu.Unlock()

	if len(committed) == 0 {
		return
	}
	last := committed[len(committed)-1]
	err := s.store.AdvanceCursor(ctx, "messages", key, cursor.Cursor{
		Timestamp: last.ts.UnixMilli(),
		ID:        last.id,
	})
	if err != nil {
		s.logger.Warn("Failed to advance message cursor",
			zap.String("group", key), zap.Error(err))
	}
}

func formatPrompt(msgs []pendingMsg) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.sender != "" {
			b.WriteString(m.sender)
			b.WriteString(": ")
		}
		b.WriteString(m.text)
		b.WriteString("\n")
	}
	return b.String()
}

func collectImages(msgs []pendingMsg) []string {
	var images []string
	for _, m := range msgs {
		images = append(images, m.images...)
	}
	return images
}

// hostMode resolves the execution class for a queue key: a registered
// JID carries its own class, a sub-agent key inherits its folder's.
func (s *supervisor) hostMode(key string) bool {
	ctx := context.Background()
	if g, err := s.store.GetGroup(ctx, key); err == nil {
		return g.ExecutionClass == store.ClassHost
	}
	if folder, ok := agentKeyFolder(key); ok {
		if gs, err := s.store.GroupsByFolder(ctx, folder); err == nil && len(gs) > 0 {
			return gs[0].ExecutionClass == store.ClassHost
		}
	}
	return false
}

// serializationKey folds every JID registered to one folder onto the
// folder itself, so two chats sharing a work directory never run
// concurrently. Sub-agent keys are already unique per agent.
func (s *supervisor) serializationKey(key string) string {
	if g, err := s.store.GetGroup(context.Background(), key); err == nil {
		return g.Folder
	}
	return key
}

func agentKeyFolder(key string) (string, bool) {
	folder, _, found := strings.Cut(key, "#")
	return folder, found
}

func (s *supervisor) onMaxRetriesExceeded(key string) {
	s.logger.Error("Giving up on group after repeated failures", zap.String("group", key))
	s.stream.Publish(streaming.Event{
		Key:     key,
		Type:    streaming.TypeError,
		Message: "processing failed repeatedly; will try again on the next message",
	})
}

// runScheduled is the scheduler's run capability: one workload pass
// carrying the task prompt under the folder's live identity.
func (s *supervisor) runScheduled(ctx context.Context, task *store.ScheduledTask) (string, error) {
	jid, err := s.store.ResolveLiveJID(ctx, task.GroupFolder, task.ChatJID)
	if err != nil {
		jid = task.ChatJID
	}
	group, err := s.store.GetGroup(ctx, jid)
	if err != nil {
		group = &store.Group{JID: jid, Folder: task.GroupFolder}
	}

	sessionID := ""
	if task.ContextMode == store.ContextModeGroup {
		sessionID, err = s.store.SessionID(ctx, task.GroupFolder, "")
		if err != nil {
			return "", err
		}
	}
	in := runner.Input{
		Prompt:      task.Prompt,
		SessionID:   sessionID,
		GroupFolder: task.GroupFolder,
		ChatJID:     jid,
		IsMain:      task.GroupFolder == s.cfg.AdminFolder,
	}
	out, err := s.runWorkload(ctx, group, jid, "", in)
	if err != nil {
		return "", err
	}
	if out.NewSessionID != "" && task.ContextMode == store.ContextModeGroup {
		if err := s.store.SaveSessionID(ctx, task.GroupFolder, "", out.NewSessionID); err != nil {
			s.logger.Warn("Failed to save session after scheduled run",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	if out.Status != runner.StatusSuccess {
		if out.Error != "" {
			return "", errors.New(out.Error)
		}
		return "", errors.New("workload reported failure")
	}
	return out.Result, nil
}

// runAgent is the sub-agent orchestrator's run capability.
func (s *supervisor) runAgent(ctx context.Context, agent *store.SubAgent, virtualJID, prompt, sessionID string) (*runner.Output, error) {
	parentJID, _, _ := identity.ParseAgentJID(virtualJID)
	group, err := s.store.GetGroup(ctx, parentJID)
	if err != nil {
		group = &store.Group{JID: parentJID, Folder: agent.GroupFolder}
	}
	in := runner.Input{
		Prompt:      prompt,
		SessionID:   sessionID,
		GroupFolder: agent.GroupFolder,
		ChatJID:     virtualJID,
	}
	key := identity.AgentKey(agent.GroupFolder, agent.ID)
	return s.runWorkload(ctx, group, key, agent.ID, in)
}

// --- ipc.Handler ---

// HandleMessage either pipes the message into an already-running
// workload or buffers it and requests an admission.
func (s *supervisor) HandleMessage(_ context.Context, _ ipc.Source, env *ipc.Envelope) error {
	if env.ChatJID == "" {
		return errors.New("message without chat_jid")
	}
	if s.queue.SendMessage(env.ChatJID, env.Text, env.Images) {
		return nil
	}
	s.mu.Lock()
	s.pending[env.ChatJID] = append(s.pending[env.ChatJID], pendingMsg{
		id:     uuid.New().String(),
		sender: env.Sender,
		text:   env.Text,
		images: env.Images,
		ts:     time.Now(),
	})
	s.mu.Unlock()
	s.queue.EnqueueMessageCheck(env.ChatJID)
	return nil
}

func (s *supervisor) HandleScheduleTask(ctx context.Context, src ipc.Source, env *ipc.Envelope) error {
	folder := env.TargetFolder
	if folder == "" {
		folder = src.Folder
	}
	chatJID := env.ChatJID
	if chatJID == "" {
		jid, err := s.store.ResolveLiveJID(ctx, folder, "")
		if err != nil {
			return fmt.Errorf("schedule task: no registration for folder %s: %w", folder, err)
		}
		chatJID = jid
	}
	return s.sched.Create(ctx, &store.ScheduledTask{
		ID:            env.TaskID,
		GroupFolder:   folder,
		ChatJID:       chatJID,
		Prompt:        env.Prompt,
		ScheduleType:  env.ScheduleType,
		ScheduleValue: env.ScheduleValue,
		ContextMode:   env.ContextMode,
	})
}

// taskMutationAllowed re-validates ownership before a pause, resume,
// or cancel touches the store: knowing a task id must not grant
// control over another folder's task.
func (s *supervisor) taskMutationAllowed(ctx context.Context, src ipc.Source, taskID string) (bool, error) {
	if src.Folder == s.cfg.AdminFolder {
		return true, nil
	}
	task, err := s.store.GetScheduledTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.GroupFolder == src.Folder, nil
}

func (s *supervisor) denyTaskMutation(src ipc.Source, env *ipc.Envelope) {
	metrics.AuthorizationDenied.Inc()
	s.logger.Warn("Task mutation denied by ownership rule",
		zap.String("folder", src.Folder),
		zap.String("agent_id", src.AgentID),
		zap.String("type", env.Type),
		zap.String("task_id", env.TaskID))
}

func (s *supervisor) HandlePauseTask(ctx context.Context, src ipc.Source, env *ipc.Envelope) error {
	ok, err := s.taskMutationAllowed(ctx, src, env.TaskID)
	if err != nil {
		return err
	}
	if !ok {
		s.denyTaskMutation(src, env)
		return nil
	}
	return s.sched.Pause(ctx, env.TaskID)
}

func (s *supervisor) HandleResumeTask(ctx context.Context, src ipc.Source, env *ipc.Envelope) error {
	ok, err := s.taskMutationAllowed(ctx, src, env.TaskID)
	if err != nil {
		return err
	}
	if !ok {
		s.denyTaskMutation(src, env)
		return nil
	}
	return s.sched.Resume(ctx, env.TaskID)
}

func (s *supervisor) HandleCancelTask(ctx context.Context, src ipc.Source, env *ipc.Envelope) error {
	ok, err := s.taskMutationAllowed(ctx, src, env.TaskID)
	if err != nil {
		return err
	}
	if !ok {
		s.denyTaskMutation(src, env)
		return nil
	}
	return s.sched.Cancel(ctx, env.TaskID)
}

// HandleRefreshGroups re-ensures the mailbox tree and work directory of
// every registration.
func (s *supervisor) HandleRefreshGroups(ctx context.Context) error {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := s.ensureGroupDirs(g.Folder); err != nil {
			return err
		}
	}
	s.logger.Info("Refreshed group directories", zap.Int("count", len(groups)))
	return nil
}

func (s *supervisor) HandleRegisterGroup(ctx context.Context, env *ipc.Envelope) error {
	if env.GroupJID == "" || env.Folder == "" {
		return errors.New("register_group requires group_jid and folder")
	}
	class := env.ExecutionClass
	if class == "" {
		class = store.ClassContainer
	}
	if class != store.ClassContainer && class != store.ClassHost {
		return fmt.Errorf("unknown execution class %q", class)
	}
	if err := s.store.UpsertGroup(ctx, &store.Group{
		JID:            env.GroupJID,
		Folder:         env.Folder,
		DisplayName:    env.DisplayName,
		ExecutionClass: class,
		OwnerJID:       env.OwnerJID,
	}); err != nil {
		return err
	}
	if err := s.ensureGroupDirs(env.Folder); err != nil {
		return err
	}
	s.logger.Info("Group registered",
		zap.String("jid", env.GroupJID),
		zap.String("folder", env.Folder),
		zap.String("class", class))
	return nil
}

func (s *supervisor) ensureGroupDirs(folder string) error {
	if err := s.mail.EnsureGroup(folder); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.cfg.GroupsDir, folder), 0o755)
}

func (s *supervisor) HandleSpawnAgent(ctx context.Context, src ipc.Source, env *ipc.Envelope) error {
	parentJID, err := s.store.ResolveLiveJID(ctx, src.Folder, "")
	if err != nil {
		return fmt.Errorf("spawn agent: no registration for folder %s: %w", src.Folder, err)
	}
	_, err = s.agents.Spawn(ctx, agents.SpawnRequest{
		Folder:    src.Folder,
		ParentJID: parentJID,
		ID:        env.AgentID,
		Name:      env.AgentName,
		Prompt:    env.Prompt,
		Kind:      env.AgentKind,
	})
	return err
}

func (s *supervisor) HandleMessageAgent(ctx context.Context, src ipc.Source, env *ipc.Envelope) error {
	return s.agents.MessageAgent(ctx, src.Folder, env.AgentID, env.Text)
}

// HandleInstallSkill materializes a skill directory under the group's
// work tree. The name is validated with the same charset as request
// ids; it becomes a path component.
func (s *supervisor) HandleInstallSkill(_ context.Context, src ipc.Source, env *ipc.Envelope) ipc.SkillResult {
	if !ipc.ValidRequestID(env.SkillName) {
		return ipc.SkillResult{Success: false, Message: "invalid skill name"}
	}
	dir := filepath.Join(s.cfg.GroupsDir, src.Folder, "skills", env.SkillName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ipc.SkillResult{Success: false, Message: err.Error()}
	}
	meta := map[string]string{
		"name":         env.SkillName,
		"source_url":   env.SkillURL,
		"installed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := ipc.WriteAtomic(dir, "skill.json", meta); err != nil {
		return ipc.SkillResult{Success: false, Message: err.Error()}
	}
	s.logger.Info("Skill installed",
		zap.String("folder", src.Folder), zap.String("skill", env.SkillName))
	return ipc.SkillResult{Success: true, Message: "installed " + env.SkillName}
}

func (s *supervisor) HandleUninstallSkill(_ context.Context, src ipc.Source, env *ipc.Envelope) ipc.SkillResult {
	if !ipc.ValidRequestID(env.SkillName) {
		return ipc.SkillResult{Success: false, Message: "invalid skill name"}
	}
	dir := filepath.Join(s.cfg.GroupsDir, src.Folder, "skills", env.SkillName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ipc.SkillResult{Success: false, Message: "not installed"}
	}
	if err := os.RemoveAll(dir); err != nil {
		return ipc.SkillResult{Success: false, Message: err.Error()}
	}
	s.logger.Info("Skill uninstalled",
		zap.String("folder", src.Folder), zap.String("skill", env.SkillName))
	return ipc.SkillResult{Success: true, Message: "uninstalled " + env.SkillName}
}

var _ ipc.Handler = (*supervisor)(nil)
