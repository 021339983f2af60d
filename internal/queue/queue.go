// Package queue is the admission and concurrency controller. It owns
// all per-group execution state, enforces at most one active workload
// per serialization key, caps the container and host capacity pools,
// and drains parked work as slots free up.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/ipc"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/runner"
	"github.com/wardenhq/warden/internal/streaming"
)

var (
	// ErrStillActive is raised when both the graceful and forced stop
	// deadlines pass with the workload still running.
	ErrStillActive = errors.New("workload still active after force-kill")
	// ErrRestartInProgress rejects concurrent restarts of one group.
	ErrRestartInProgress = errors.New("restart already in progress")
)

// Config tunes the controller. Zero values fall back to production
// defaults; tests inject short deadlines.
type Config struct {
	MaxContainers   int
	MaxHosts        int
	StopGrace       time.Duration // graceful stop wait (default 10s)
	ForceGrace      time.Duration // post-kill wait (default 5s)
	RestartGrace    time.Duration // graceful wait during restart (default 20s)
	PollInterval    time.Duration // aliveness poll step (default 150ms)
	RetryBaseDelay  time.Duration // first retry delay (default 5s)
	MaxRetries      int           // give up past this many consecutive failures (default 5)
	ContainerBinary string        // docker-compatible CLI for teardown
}

func (c Config) withDefaults() Config {
	if c.MaxContainers <= 0 {
		c.MaxContainers = 5
	}
	if c.MaxHosts <= 0 {
		c.MaxHosts = 2
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.ForceGrace <= 0 {
		c.ForceGrace = 5 * time.Second
	}
	if c.RestartGrace <= 0 {
		c.RestartGrace = 20 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 150 * time.Millisecond
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.ContainerBinary == "" {
		c.ContainerBinary = "docker"
	}
	return c
}

// Hooks are the single-method capabilities the controller calls out
// through. ProcessMessages is required; the rest default to no-ops or
// identity.
type Hooks struct {
	// ProcessMessages runs one message-processing pass for a group and
	// reports whether it succeeded.
	ProcessMessages func(ctx context.Context, groupKey string) (bool, error)
	// HostMode reports whether the group runs host-class.
	HostMode func(groupKey string) bool
	// SerializationKey maps a group key to its mutual-exclusion key.
	SerializationKey func(groupKey string) string
	// OnMaxRetriesExceeded fires after the retry budget is exhausted.
	OnMaxRetriesExceeded func(groupKey string)
	// OnContainerExit fires after every run ends, before draining.
	OnContainerExit func(groupKey string)
}

// InputWriter pipes supervisor messages into an active workload's
// mailbox input directory.
type InputWriter interface {
	WriteInput(folder, agentID string, env *ipc.Envelope) error
	WriteCloseStdin(folder, agentID string) error
	WriteInterrupt(folder, agentID, chatJID string) error
}

type queuedTask struct {
	id string
	fn func(ctx context.Context)
}

// groupState is the in-memory record per group key. Entries are
// created lazily and never deleted so retry bookkeeping survives
// across runs.
type groupState struct {
	active          bool
	pendingMessages bool
	pendingTasks    []queuedTask

	proc          *os.Process
	containerName string
	folder        string
	displayName   string
	agentID       string

	retryCount  int
	skipBackoff bool
	restarting  bool
}

// Manager is the admission controller. All state behind one mutex:
// the admission check and its counter side effects must be atomic.
type Manager struct {
	mu           sync.Mutex
	groups       map[string]*groupState
	activeCont   int
	activeHost   int
	waiting      []string
	waitingSet   map[string]struct{}
	shuttingDown bool

	cfg    Config
	hooks  Hooks
	input  InputWriter
	stream *streaming.Manager
	logger *zap.Logger
}

// NewManager builds the controller. input and stream may be nil in
// tests that exercise admission only.
func NewManager(cfg Config, hooks Hooks, input InputWriter, stream *streaming.Manager, logger *zap.Logger) *Manager {
	if hooks.SerializationKey == nil {
		hooks.SerializationKey = func(key string) string { return key }
	}
	if hooks.HostMode == nil {
		hooks.HostMode = func(string) bool { return false }
	}
	return &Manager{
		groups:     make(map[string]*groupState),
		waitingSet: make(map[string]struct{}),
		cfg:        cfg.withDefaults(),
		hooks:      hooks,
		input:      input,
		stream:     stream,
		logger:     logger,
	}
}

func (m *Manager) getOrCreateLocked(key string) *groupState {
	st := m.groups[key]
	if st == nil {
		st = &groupState{}
		m.groups[key] = st
	}
	return st
}

// activeSiblingLocked returns the key of the active group sharing
// key's serialization key, or "".
func (m *Manager) activeSiblingLocked(key string) string {
	ser := m.hooks.SerializationKey(key)
	for k, st := range m.groups {
		if st.active && m.hooks.SerializationKey(k) == ser {
			return k
		}
	}
	return ""
}

func (m *Manager) poolFullLocked(key string) bool {
	if m.hooks.HostMode(key) {
		return m.activeHost >= m.cfg.MaxHosts
	}
	return m.activeCont >= m.cfg.MaxContainers
}

// EnqueueMessageCheck admits a message-processing pass for the group,
// parking it when a sibling is active or the class pool is saturated.
func (m *Manager) EnqueueMessageCheck(groupKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreateLocked(groupKey)
	st.pendingMessages = true
	m.tryLaunchLocked(groupKey)
}

// EnqueueTask admits a deferred unit of work. Re-submitting an id the
// group already queues is a no-op.
func (m *Manager) EnqueueTask(groupKey, taskID string, fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreateLocked(groupKey)
	for _, t := range st.pendingTasks {
		if t.id == taskID {
			return
		}
	}
	st.pendingTasks = append(st.pendingTasks, queuedTask{id: taskID, fn: fn})
	m.tryLaunchLocked(groupKey)
}

// tryLaunchLocked starts the group's next work item when admission
// allows, otherwise parks the key in the waiting set.
func (m *Manager) tryLaunchLocked(key string) {
	st := m.groups[key]
	if st.active || (!st.pendingMessages && len(st.pendingTasks) == 0) {
		return
	}
	if m.shuttingDown {
		return
	}
	if m.activeSiblingLocked(key) != "" || m.poolFullLocked(key) {
		m.parkLocked(key)
		metrics.AdmissionsTotal.WithLabelValues("queued").Inc()
		return
	}
	m.launchLocked(key)
}

func (m *Manager) parkLocked(key string) {
	if _, ok := m.waitingSet[key]; ok {
		return
	}
	m.waitingSet[key] = struct{}{}
	m.waiting = append(m.waiting, key)
	metrics.WaitingGroups.Set(float64(len(m.waiting)))
}

func (m *Manager) unparkLocked(key string) {
	if _, ok := m.waitingSet[key]; !ok {
		return
	}
	delete(m.waitingSet, key)
	for i, k := range m.waiting {
		if k == key {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			break
		}
	}
	metrics.WaitingGroups.Set(float64(len(m.waiting)))
}

// launchLocked consumes the group's next work item (tasks drain before
// messages: queued tasks are not re-discoverable from durable storage)
// and starts the run. Counter side effects happen here, under the
// lock, so the admission check stays race-free.
func (m *Manager) launchLocked(key string) {
	st := m.groups[key]

	var task *queuedTask
	if len(st.pendingTasks) > 0 {
		t := st.pendingTasks[0]
		st.pendingTasks = st.pendingTasks[1:]
		task = &t
	} else {
		st.pendingMessages = false
	}

	st.active = true
	class := "container"
	if m.hooks.HostMode(key) {
		class = "host"
		m.activeHost++
		metrics.ActiveWorkloads.WithLabelValues(class).Set(float64(m.activeHost))
	} else {
		m.activeCont++
		metrics.ActiveWorkloads.WithLabelValues(class).Set(float64(m.activeCont))
	}
	m.unparkLocked(key)
	metrics.AdmissionsTotal.WithLabelValues("started").Inc()

	go m.run(key, class, task)
}

func (m *Manager) run(key, class string, task *queuedTask) {
	start := time.Now()
	status := runner.StatusSuccess

	var ok bool
	var err error
	if task != nil {
		ok = m.execTask(key, task)
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("process messages panicked: %v", r)
				}
			}()
			ok, err = m.hooks.ProcessMessages(context.Background(), key)
		}()
	}
	if !ok || err != nil {
		status = runner.StatusError
	}

	metrics.RunDuration.WithLabelValues(class, status).Observe(time.Since(start).Seconds())
	m.finishRun(key, class, task == nil, ok, err)
}

// execTask runs one queued unit. A panic counts as a failed run so the
// duration metric does not label it success; tasks still never enter
// the retry ladder.
func (m *Manager) execTask(key string, task *queuedTask) (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			ok = false
			m.logger.Error("Queued task panicked",
				zap.String("group", key),
				zap.String("task_id", task.id),
				zap.Any("panic", r))
		}
	}()
	task.fn(context.Background())
	return ok
}

// finishRun is the controller's bookkeeping path; it always runs and
// never raises, so one failed hook cannot leak a capacity slot.
func (m *Manager) finishRun(key, class string, wasMessageRun, ok bool, err error) {
	m.mu.Lock()
	st := m.groups[key]
	st.active = false
	st.proc = nil
	st.containerName = ""
	if class == "host" {
		m.activeHost--
		metrics.ActiveWorkloads.WithLabelValues(class).Set(float64(m.activeHost))
	} else {
		m.activeCont--
		metrics.ActiveWorkloads.WithLabelValues(class).Set(float64(m.activeCont))
	}
	if wasMessageRun {
		m.applyRetryPolicyLocked(key, st, ok, err)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Workload run failed", zap.String("group", key), zap.Error(err))
	}
	m.publish(key, streaming.TypeStatus, "run_finished")

	m.safeHook("on_container_exit", key, m.hooks.OnContainerExit)
	m.drainGroup(key)
}

func (m *Manager) safeHook(name, key string, fn func(string)) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Hook panicked",
				zap.String("hook", name),
				zap.String("group", key),
				zap.Any("panic", r))
		}
	}()
	fn(key)
}

func (m *Manager) publish(key, typ, msg string) {
	if m.stream != nil {
		m.stream.Publish(streaming.Event{Key: key, Type: typ, Message: msg})
	}
}

// drainGroup relaunches the finished group's remaining work first,
// then sweeps the waiting set while capacity holds.
func (m *Manager) drainGroup(key string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Drain panicked", zap.String("group", key), zap.Any("panic", r))
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tryLaunchLocked(key)
	m.drainWaitingLocked()
}

// drainWaitingLocked admits parked groups in arrival order, one at a
// time, re-checking capacity after every launch.
func (m *Manager) drainWaitingLocked() {
	if m.shuttingDown {
		return
	}
	queue := append([]string(nil), m.waiting...)
	for _, key := range queue {
		st := m.groups[key]
		if st == nil || st.active {
			continue
		}
		if m.activeSiblingLocked(key) != "" || m.poolFullLocked(key) {
			continue
		}
		if !st.pendingMessages && len(st.pendingTasks) == 0 {
			m.unparkLocked(key)
			continue
		}
		m.launchLocked(key)
	}
}

// applyRetryPolicyLocked implements the backoff ladder: one-shot
// non-retryable bypass, exponential delays capped by the retry budget.
func (m *Manager) applyRetryPolicyLocked(key string, st *groupState, ok bool, err error) {
	if ok && err == nil {
		st.retryCount = 0
		return
	}
	if st.skipBackoff {
		// The caller already notified the user and committed forward
		// progress; do not schedule a retry.
		st.skipBackoff = false
		st.retryCount = 0
		return
	}
	st.retryCount++
	if st.retryCount > m.cfg.MaxRetries {
		st.retryCount = 0
		metrics.MaxRetriesExceeded.Inc()
		go m.safeHook("on_max_retries_exceeded", key, m.hooks.OnMaxRetriesExceeded)
		return
	}
	if m.shuttingDown {
		return
	}
	delay := m.retryDelay(st.retryCount)
	metrics.RetriesScheduled.Inc()
	m.logger.Info("Scheduling retry",
		zap.String("group", key),
		zap.Int("attempt", st.retryCount),
		zap.Duration("delay", delay))
	time.AfterFunc(delay, func() { m.EnqueueMessageCheck(key) })
}

// retryDelay is the backoff ladder: base·2^(attempt−1).
func (m *Manager) retryDelay(attempt int) time.Duration {
	return m.cfg.RetryBaseDelay << (attempt - 1)
}

// MarkNonRetryable arms the one-shot backoff bypass for the group's
// next failure (context-window overflow and friends: forward progress
// has been committed, the user informed).
func (m *Manager) MarkNonRetryable(groupKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreateLocked(groupKey).skipBackoff = true
}

// RegisterProcessOpts carries the optional identity fields of a
// running workload.
type RegisterProcessOpts struct {
	ContainerName string
	Folder        string
	DisplayName   string
	AgentID       string
}

// RegisterProcess records the live handle of a started workload so the
// controller can signal it later.
func (m *Manager) RegisterProcess(groupKey string, proc *os.Process, opts RegisterProcessOpts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreateLocked(groupKey)
	st.proc = proc
	if opts.ContainerName != "" {
		st.containerName = opts.ContainerName
	}
	if opts.Folder != "" {
		st.folder = opts.Folder
	}
	if opts.DisplayName != "" {
		st.displayName = opts.DisplayName
	}
	st.agentID = opts.AgentID
}

// resolveActivePipe finds the active workload serving key's
// serialization group and returns its mailbox coordinates.
func (m *Manager) resolveActivePipe(groupKey string) (folder, agentID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.activeSiblingLocked(groupKey)
	if active == "" {
		return "", "", false
	}
	st := m.groups[active]
	if st.folder == "" {
		return "", "", false
	}
	return st.folder, st.agentID, true
}

// SendMessage best-effort pipes a follow-up message into an already
// active workload. False means no active workload resolves for the key
// and the caller must fall back to EnqueueMessageCheck.
func (m *Manager) SendMessage(groupKey, text string, images []string) bool {
	folder, agentID, ok := m.resolveActivePipe(groupKey)
	if !ok || m.input == nil {
		return false
	}
	err := m.input.WriteInput(folder, agentID, &ipc.Envelope{
		Type:    ipc.TypeMessage,
		ChatJID: groupKey,
		Text:    text,
		Images:  images,
	})
	if err != nil {
		m.logger.Warn("Failed to pipe message to active workload",
			zap.String("group", groupKey), zap.Error(err))
		return false
	}
	return true
}

// CloseStdin tells an idle-but-alive workload to wind down.
func (m *Manager) CloseStdin(groupKey string) {
	folder, agentID, ok := m.resolveActivePipe(groupKey)
	if !ok || m.input == nil {
		return
	}
	if err := m.input.WriteCloseStdin(folder, agentID); err != nil {
		m.logger.Warn("Failed to write close sentinel",
			zap.String("group", groupKey), zap.Error(err))
	}
}

// InterruptQuery cancels the logical query of one requesting identity
// without disturbing siblings sharing the workload; the process stays
// alive.
func (m *Manager) InterruptQuery(groupKey string) {
	folder, agentID, ok := m.resolveActivePipe(groupKey)
	if !ok || m.input == nil {
		return
	}
	if err := m.input.WriteInterrupt(folder, agentID, groupKey); err != nil {
		m.logger.Warn("Failed to write interrupt sentinel",
			zap.String("group", groupKey), zap.Error(err))
	}
}
