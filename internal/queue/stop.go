package queue

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/internal/runner"
)

// workloadHandle is a snapshot of the signalling coordinates of one
// active run, taken under the lock and used outside it.
type workloadHandle struct {
	key           string
	proc          *os.Process
	containerName string
	folder        string
	agentID       string
}

func (m *Manager) snapshotActiveLocked(key string) *workloadHandle {
	st := m.groups[key]
	if st == nil || !st.active {
		return nil
	}
	return &workloadHandle{
		key:           key,
		proc:          st.proc,
		containerName: st.containerName,
		folder:        st.folder,
		agentID:       st.agentID,
	}
}

func (m *Manager) isActive(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.groups[key]
	return st != nil && st.active
}

// waitInactive polls the group's active flag until it clears or the
// deadline passes. Polling bounds worst-case latency and turns an
// ignored signal into a deterministic escalation instead of a hang.
func (m *Manager) waitInactive(ctx context.Context, key string, deadline time.Duration) bool {
	timeout := time.After(deadline)
	for {
		if !m.isActive(key) {
			return true
		}
		select {
		case <-ctx.Done():
			return !m.isActive(key)
		case <-timeout:
			return !m.isActive(key)
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// StopGroup stops the workload serving the key's serialization group
// (which may be registered under a different group key). Graceful
// first unless force; escalates to a kill when the graceful wait times
// out; errors if the workload survives both deadlines.
func (m *Manager) StopGroup(ctx context.Context, groupKey string, force bool) error {
	m.mu.Lock()
	activeKey := m.activeSiblingLocked(groupKey)
	if activeKey == "" {
		m.mu.Unlock()
		return nil
	}
	h := m.snapshotActiveLocked(activeKey)
	m.mu.Unlock()

	if !force {
		m.gracefulStop(ctx, h)
		if m.waitInactive(ctx, activeKey, m.cfg.StopGrace) {
			return nil
		}
		m.logger.Warn("Graceful stop timed out, escalating to kill",
			zap.String("group", activeKey))
	}

	m.forceKill(ctx, h)
	if m.waitInactive(ctx, activeKey, m.cfg.ForceGrace) {
		return nil
	}
	return fmt.Errorf("stop %s: %w", activeKey, ErrStillActive)
}

// gracefulStop writes the close sentinel and delivers the polite
// termination path for the workload's class.
func (m *Manager) gracefulStop(ctx context.Context, h *workloadHandle) {
	if m.input != nil && h.folder != "" {
		if err := m.input.WriteCloseStdin(h.folder, h.agentID); err != nil {
			m.logger.Debug("Close sentinel write failed", zap.String("group", h.key), zap.Error(err))
		}
	}
	if h.containerName != "" {
		// docker stop blocks for its own grace period; run it aside so
		// the controller keeps polling the active flag.
		name := h.containerName
		go func() {
			graceSecs := int(m.cfg.StopGrace / time.Second)
			if graceSecs < 1 {
				graceSecs = 1
			}
			if err := runner.StopContainer(context.Background(), m.cfg.ContainerBinary, name, graceSecs); err != nil {
				m.logger.Warn("Container stop failed", zap.String("container", name), zap.Error(err))
			}
		}()
		return
	}
	if err := runner.SignalProcess(h.proc, syscall.SIGTERM); err != nil {
		m.logger.Warn("SIGTERM failed", zap.String("group", h.key), zap.Error(err))
	}
}

// forceKill delivers the immediate termination path. Killing an
// already-exited workload counts as success; the helpers swallow the
// benign races.
func (m *Manager) forceKill(ctx context.Context, h *workloadHandle) {
	if h.containerName != "" {
		if err := runner.KillContainer(ctx, m.cfg.ContainerBinary, h.containerName); err != nil {
			m.logger.Warn("Container kill failed",
				zap.String("container", h.containerName), zap.Error(err))
		}
		return
	}
	if err := runner.SignalProcess(h.proc, syscall.SIGKILL); err != nil {
		m.logger.Warn("SIGKILL failed", zap.String("group", h.key), zap.Error(err))
	}
}

// RestartGroup stops the group's current workload and re-admits it.
// Idempotent per group: concurrent calls are rejected while one is in
// flight. Used after per-group environment reconfiguration.
func (m *Manager) RestartGroup(ctx context.Context, groupKey string) error {
	m.mu.Lock()
	st := m.getOrCreateLocked(groupKey)
	if st.restarting {
		m.mu.Unlock()
		return fmt.Errorf("restart %s: %w", groupKey, ErrRestartInProgress)
	}
	st.restarting = true
	activeKey := m.activeSiblingLocked(groupKey)
	var h *workloadHandle
	if activeKey != "" {
		h = m.snapshotActiveLocked(activeKey)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		st.restarting = false
		m.mu.Unlock()
	}()

	if h != nil {
		m.gracefulStop(ctx, h)
		if !m.waitInactive(ctx, activeKey, m.cfg.RestartGrace) {
			m.forceKill(ctx, h)
			if !m.waitInactive(ctx, activeKey, m.cfg.ForceGrace) {
				return fmt.Errorf("restart %s: %w", groupKey, ErrStillActive)
			}
		}
	}

	m.EnqueueMessageCheck(groupKey)
	return nil
}

// GroupStatus summarizes one group for the status surface.
type GroupStatus struct {
	Key             string `json:"key"`
	Active          bool   `json:"active"`
	PendingMessages bool   `json:"pending_messages"`
	PendingTasks    int    `json:"pending_tasks"`
	RetryCount      int    `json:"retry_count"`
	ContainerName   string `json:"container_name,omitempty"`
	Folder          string `json:"folder,omitempty"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	ActiveTotal      int           `json:"active_total"`
	ActiveContainers int           `json:"active_containers"`
	ActiveHosts      int           `json:"active_hosts"`
	Waiting          []string      `json:"waiting"`
	Groups           []GroupStatus `json:"groups"`
	ShuttingDown     bool          `json:"shutting_down"`
}

// GetStatus snapshots active counts, the waiting list, and per-group
// summaries for health and admin consumption.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		ActiveTotal:      m.activeCont + m.activeHost,
		ActiveContainers: m.activeCont,
		ActiveHosts:      m.activeHost,
		Waiting:          append([]string(nil), m.waiting...),
		ShuttingDown:     m.shuttingDown,
	}
	for key, st := range m.groups {
		s.Groups = append(s.Groups, GroupStatus{
			Key:             key,
			Active:          st.active,
			PendingMessages: st.pendingMessages,
			PendingTasks:    len(st.pendingTasks),
			RetryCount:      st.retryCount,
			ContainerName:   st.containerName,
			Folder:          st.folder,
		})
	}
	return s
}

// Shutdown stops accepting admissions, waits up to grace for active
// runs to finish, then force-stops the stragglers in parallel. After
// it returns no workload is running.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	deadline := time.After(grace)
	for {
		m.mu.Lock()
		active := m.activeCont + m.activeHost
		m.mu.Unlock()
		if active == 0 {
			return nil
		}
		select {
		case <-deadline:
			goto force
		case <-ctx.Done():
			goto force
		case <-time.After(200 * time.Millisecond):
		}
	}

force:
	m.mu.Lock()
	var handles []*workloadHandle
	for key, st := range m.groups {
		if st.active {
			handles = append(handles, m.snapshotActiveLocked(key))
		}
	}
	m.mu.Unlock()

	m.logger.Warn("Force-stopping active workloads at shutdown", zap.Int("count", len(handles)))

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if h.containerName != "" {
				if err := runner.StopContainer(context.Background(), m.cfg.ContainerBinary, h.containerName, 5); err != nil {
					m.logger.Warn("Shutdown container stop failed",
						zap.String("container", h.containerName), zap.Error(err))
					_ = runner.KillContainer(context.Background(), m.cfg.ContainerBinary, h.containerName)
				}
			} else {
				_ = runner.SignalProcess(h.proc, syscall.SIGTERM)
				if !m.waitInactive(context.Background(), h.key, 3*time.Second) {
					_ = runner.SignalProcess(h.proc, syscall.SIGKILL)
				}
			}
			if !m.waitInactive(context.Background(), h.key, m.cfg.ForceGrace) {
				return fmt.Errorf("shutdown: %s: %w", h.key, ErrStillActive)
			}
			return nil
		})
	}
	return g.Wait()
}
