// Package agents orchestrates sub-agent workloads: child runs spawned
// by a group's main workload under a virtual identity, executed through
// the same admission controller, and reclaimed after a grace window.
package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/identity"
	"github.com/wardenhq/warden/internal/ipc"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/runner"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/streaming"
)

var (
	// ErrInvalidAgentID rejects ids that could escape the mailbox tree.
	ErrInvalidAgentID = errors.New("invalid agent id")
	// ErrDuplicateAgent rejects a spawn reusing a live id in the folder.
	ErrDuplicateAgent = errors.New("agent id already in use")
	// ErrAgentBusy rejects messages to an agent that cannot accept them.
	ErrAgentBusy = errors.New("agent not accepting messages")
)

// Agent ids become directory names; the charset is locked down so an
// id can never traverse out of the agents/ subtree.
var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// RunFunc executes one sub-agent pass and blocks until it finishes.
// virtualJID is the agent's identity for streaming and interrupts;
// sessionID resumes the agent's own conversation ("" starts fresh).
type RunFunc func(ctx context.Context, agent *store.SubAgent, virtualJID, prompt, sessionID string) (*runner.Output, error)

// Enqueuer is the admission surface the orchestrator needs.
type Enqueuer interface {
	EnqueueTask(groupKey, taskID string, fn func(ctx context.Context))
}

// SpawnRequest describes one requested sub-agent.
type SpawnRequest struct {
	Folder    string
	ParentJID string
	ID        string // generated when empty
	Name      string
	Prompt    string
	Kind      string // task (default) or conversation
}

// Manager owns sub-agent lifecycle: spawn, run, message, reclaim.
type Manager struct {
	store   *store.Store
	mail    ipc.Mailbox
	writer  ipc.Writer
	enqueue Enqueuer
	run     RunFunc
	stream  *streaming.Manager
	grace   time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewManager builds the orchestrator. grace is the reclaim window for
// finished task-kind agents; zero means five minutes.
func NewManager(st *store.Store, mail ipc.Mailbox, enqueue Enqueuer, run RunFunc, stream *streaming.Manager, grace time.Duration, logger *zap.Logger) *Manager {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Manager{
		store:   st,
		mail:    mail,
		writer:  ipc.Writer{Mail: mail},
		enqueue: enqueue,
		run:     run,
		stream:  stream,
		grace:   grace,
		logger:  logger,
		timers:  make(map[string]*time.Timer),
	}
}

// Close cancels every pending reclaim timer. Records stay in the store
// for the startup sweep of the next process.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
}

// Spawn validates the request, records the agent, builds its mailbox
// tree, and admits its first run under the virtual serialization key.
// Parent and child keys differ, so both run concurrently; two runs of
// the same agent still exclude each other.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*store.SubAgent, error) {
	if req.ID == "" {
		req.ID = "agent-" + uuid.New().String()[:8]
	}
	if !agentIDPattern.MatchString(req.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAgentID, req.ID)
	}
	if req.Kind == "" {
		req.Kind = store.AgentKindTask
	}
	if req.Kind != store.AgentKindTask && req.Kind != store.AgentKindConversation {
		return nil, fmt.Errorf("unknown agent kind %q", req.Kind)
	}
	if req.Prompt == "" {
		return nil, errors.New("spawn: empty prompt")
	}
	if req.Name == "" {
		req.Name = defaultDisplayName(req.Folder, req.ID)
	}
	if _, err := m.store.GetSubAgent(ctx, req.Folder, req.ID); err == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateAgent, req.Folder, req.ID)
	} else if !errors.Is(err, store.ErrAgentNotFound) {
		return nil, err
	}

	agent := &store.SubAgent{
		ID:          req.ID,
		GroupFolder: req.Folder,
		ChatJID:     identity.AgentJID(req.ParentJID, req.ID),
		Name:        req.Name,
		Prompt:      req.Prompt,
		Status:      store.AgentStatusRunning,
		Kind:        req.Kind,
	}
	if err := m.store.CreateSubAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := m.mail.EnsureAgent(req.Folder, req.ID); err != nil {
		// Roll the record back so a half-spawned agent does not sit in
		// running state until the next restart's orphan sweep.
		if derr := m.store.DeleteSubAgent(ctx, req.Folder, req.ID); derr != nil {
			m.logger.Error("Failed to roll back agent record",
				zap.String("folder", req.Folder),
				zap.String("agent_id", req.ID),
				zap.Error(derr))
		}
		return nil, err
	}

	metrics.AgentsSpawned.WithLabelValues(req.Kind).Inc()
	m.publishStatus(req.ParentJID, req.ID, store.AgentStatusRunning)
	m.logger.Info("Sub-agent spawned",
		zap.String("folder", req.Folder),
		zap.String("agent_id", req.ID),
		zap.String("kind", req.Kind))

	m.admitRun(req.Folder, req.ID, req.Prompt)
	return agent, nil
}

// admitRun queues one execution pass for the agent.
func (m *Manager) admitRun(folder, id, prompt string) {
	key := identity.AgentKey(folder, id)
	m.enqueue.EnqueueTask(key, "agent-run-"+id, func(ctx context.Context) {
		m.runAgent(ctx, folder, id, prompt)
	})
}

// runAgent executes one pass and settles the record afterwards: result
// summary persisted, lifecycle event broadcast, agent_result injected
// into the parent's input so the parent workload learns the outcome.
func (m *Manager) runAgent(ctx context.Context, folder, id, prompt string) {
	agent, err := m.store.GetSubAgent(ctx, folder, id)
	if err != nil {
		// Deleted between enqueue and launch.
		return
	}
	parentJID, _, _ := identity.ParseAgentJID(agent.ChatJID)

	sessionID, err := m.store.SessionID(ctx, folder, id)
	if err != nil {
		m.logger.Warn("Failed to load agent session",
			zap.String("agent_id", id), zap.Error(err))
	}

	var out *runner.Output
	var runErr error
	if m.run == nil {
		runErr = errors.New("no runner configured")
	} else {
		out, runErr = m.run(ctx, agent, agent.ChatJID, prompt, sessionID)
	}

	status := store.AgentStatusCompleted
	summary := ""
	switch {
	case runErr != nil:
		status = store.AgentStatusError
		summary = runErr.Error()
	case out == nil || out.Status != runner.StatusSuccess:
		status = store.AgentStatusError
		if out != nil {
			summary = out.Error
		}
	default:
		summary = out.Result
	}
	if out != nil && out.NewSessionID != "" {
		if err := m.store.SaveSessionID(ctx, folder, id, out.NewSessionID); err != nil {
			m.logger.Warn("Failed to save agent session",
				zap.String("agent_id", id), zap.Error(err))
		}
	}

	// Conversation agents settle back to idle on success and stay
	// addressable; task agents reach a terminal status and age out.
	if agent.Kind == store.AgentKindConversation && status == store.AgentStatusCompleted {
		status = store.AgentStatusIdle
	}
	if err := m.store.UpdateSubAgentStatus(ctx, folder, id, status, summary); err != nil {
		m.logger.Error("Failed to persist agent status",
			zap.String("agent_id", id), zap.Error(err))
	}
	m.publishStatus(parentJID, id, status)

	if err := m.writer.WriteAgentResult(folder, id, agent.Name, summary); err != nil {
		m.logger.Warn("Failed to inject agent result",
			zap.String("agent_id", id), zap.Error(err))
	}

	if agent.Kind == store.AgentKindTask {
		m.scheduleReclaim(folder, id)
	}
}

// MessageAgent routes a follow-up message to a sub-agent. A running
// agent gets the message piped into its input directory; an idle
// conversation agent is re-admitted with the message as its prompt.
func (m *Manager) MessageAgent(ctx context.Context, folder, id, text string) error {
	agent, err := m.store.GetSubAgent(ctx, folder, id)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentStatusRunning {
		return m.writer.WriteInput(folder, id, &ipc.Envelope{
			Type:    ipc.TypeMessage,
			ChatJID: agent.ChatJID,
			Text:    text,
		})
	}
	if agent.Kind != store.AgentKindConversation {
		return fmt.Errorf("%w: %s/%s is %s", ErrAgentBusy, folder, id, agent.Status)
	}
	parentJID, _, _ := identity.ParseAgentJID(agent.ChatJID)
	if err := m.store.UpdateSubAgentStatus(ctx, folder, id, store.AgentStatusRunning, ""); err != nil {
		return err
	}
	m.publishStatus(parentJID, id, store.AgentStatusRunning)
	m.admitRun(folder, id, text)
	return nil
}

// scheduleReclaim arms (or re-arms) the grace timer for a finished
// task-kind agent. The timer is cancellable so an explicit Delete or a
// shutdown does not race it.
func (m *Manager) scheduleReclaim(folder, id string) {
	key := identity.AgentKey(folder, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(m.grace, func() {
		if err := m.Reclaim(context.Background(), folder, id); err != nil {
			m.logger.Warn("Deferred reclaim failed",
				zap.String("agent_id", id), zap.Error(err))
		}
	})
}

// Delete reclaims an agent immediately, cancelling any pending timer.
func (m *Manager) Delete(ctx context.Context, folder, id string) error {
	return m.Reclaim(ctx, folder, id)
}

// Reclaim tears down everything an agent owns: the timer, the replay
// ring, the session row, the store record, and the mailbox subtree.
func (m *Manager) Reclaim(ctx context.Context, folder, id string) error {
	key := identity.AgentKey(folder, id)
	m.mu.Lock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	m.mu.Unlock()

	agent, err := m.store.GetSubAgent(ctx, folder, id)
	if err != nil {
		return err
	}
	parentJID, _, _ := identity.ParseAgentJID(agent.ChatJID)

	if m.stream != nil {
		m.stream.Forget(agent.ChatJID)
	}
	if err := m.store.ClearSession(ctx, folder, id); err != nil {
		m.logger.Warn("Failed to clear agent session",
			zap.String("agent_id", id), zap.Error(err))
	}
	if err := m.store.DeleteSubAgent(ctx, folder, id); err != nil {
		return err
	}
	if err := m.mail.RemoveAgent(folder, id); err != nil {
		m.logger.Warn("Failed to remove agent mailbox",
			zap.String("agent_id", id), zap.Error(err))
	}

	metrics.AgentsReclaimed.Inc()
	m.publishStatus(parentJID, id, "__removed__")
	m.logger.Info("Sub-agent reclaimed",
		zap.String("folder", folder), zap.String("agent_id", id))
	return nil
}

// SweepOrphans settles records left behind by a previous process: a
// "running" row cannot be true after a restart. Task-kind orphans are
// reclaimed outright; conversation-kind rows are marked errored but
// kept addressable so a follow-up message can revive them.
func (m *Manager) SweepOrphans(ctx context.Context) error {
	orphans, err := m.store.ListSubAgents(ctx, store.AgentStatusRunning)
	if err != nil {
		return err
	}
	for _, a := range orphans {
		if err := m.store.UpdateSubAgentStatus(ctx, a.GroupFolder, a.ID,
			store.AgentStatusError, "orphaned by supervisor restart"); err != nil {
			m.logger.Error("Failed to mark orphaned agent",
				zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		if a.Kind == store.AgentKindTask {
			if err := m.Reclaim(ctx, a.GroupFolder, a.ID); err != nil {
				m.logger.Warn("Failed to reclaim orphaned agent",
					zap.String("agent_id", a.ID), zap.Error(err))
			}
		}
	}
	if len(orphans) > 0 {
		m.logger.Info("Swept orphaned sub-agents", zap.Int("count", len(orphans)))
	}
	return nil
}

func (m *Manager) publishStatus(parentJID, agentID, status string) {
	if m.stream == nil {
		return
	}
	m.stream.Publish(streaming.Event{
		Key:     parentJID,
		Type:    streaming.TypeAgentStatus,
		AgentID: agentID,
		Message: status,
	})
}
