package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/store"
)

// Handler is the router surface the watcher dispatches into. Handlers
// run on the watcher goroutine; a returned error quarantines the file.
type Handler interface {
	HandleMessage(ctx context.Context, src Source, env *Envelope) error
	HandleScheduleTask(ctx context.Context, src Source, env *Envelope) error
	HandlePauseTask(ctx context.Context, src Source, env *Envelope) error
	HandleResumeTask(ctx context.Context, src Source, env *Envelope) error
	HandleCancelTask(ctx context.Context, src Source, env *Envelope) error
	HandleRefreshGroups(ctx context.Context) error
	HandleRegisterGroup(ctx context.Context, env *Envelope) error
	HandleSpawnAgent(ctx context.Context, src Source, env *Envelope) error
	HandleMessageAgent(ctx context.Context, src Source, env *Envelope) error
	HandleInstallSkill(ctx context.Context, src Source, env *Envelope) SkillResult
	HandleUninstallSkill(ctx context.Context, src Source, env *Envelope) SkillResult
}

// GroupLookup is the narrow registry read surface authorization needs.
type GroupLookup interface {
	GetGroup(ctx context.Context, jid string) (*store.Group, error)
	GroupsByFolder(ctx context.Context, folder string) ([]*store.Group, error)
}

// Watcher polls the mailbox and turns workload-written envelopes into
// handler calls. Polling is the correctness mechanism; fsnotify events
// only wake the loop early.
type Watcher struct {
	mail        Mailbox
	writer      Writer
	handler     Handler
	groups      GroupLookup
	adminFolder string
	interval    time.Duration
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher builds a watcher over the mailbox base directory.
func NewWatcher(mail Mailbox, handler Handler, groups GroupLookup, adminFolder string, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		mail:        mail,
		writer:      Writer{Mail: mail},
		handler:     handler,
		groups:      groups,
		adminFolder: adminFolder,
		interval:    interval,
		logger:      logger,
	}
}

// Start launches the poll loop. It returns immediately; Stop cancels
// the loop and waits for it to drain.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, relying on polling alone", zap.Error(err))
		fsw = nil
	}

	go w.loop(ctx, fsw)
}

// Stop cancels the loop and blocks until the in-flight scan finishes.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	if fsw != nil {
		defer fsw.Close()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var wake <-chan fsnotify.Event
	if fsw != nil {
		wake = fsw.Events
	}

	for {
		w.Scan(ctx)
		if fsw != nil {
			w.refreshWatches(fsw)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
			// An event means at least one new file; fall through to scan.
		}
	}
}

// refreshWatches keeps fsnotify pointed at every live messages/tasks
// directory; duplicate adds are no-ops.
func (w *Watcher) refreshWatches(fsw *fsnotify.Watcher) {
	entries, err := os.ReadDir(w.mail.Base)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsSub {
			continue
		}
		folder := e.Name()
		_ = fsw.Add(w.mail.MessagesDir(folder, ""))
		_ = fsw.Add(w.mail.TasksDir(folder, ""))
		agents, err := os.ReadDir(w.mail.AgentsDir(folder))
		if err != nil {
			continue
		}
		for _, a := range agents {
			if a.IsDir() {
				_ = fsw.Add(w.mail.MessagesDir(folder, a.Name()))
				_ = fsw.Add(w.mail.TasksDir(folder, a.Name()))
			}
		}
	}
}

// Scan performs one pass over every group tree. Exported for tests and
// for a forced drain before shutdown.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.mail.Base)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("Failed to list mailbox base", zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsSub {
			continue
		}
		folder := e.Name()
		w.scanTree(ctx, Source{Folder: folder})

		agents, err := os.ReadDir(w.mail.AgentsDir(folder))
		if err != nil {
			continue
		}
		for _, a := range agents {
			if a.IsDir() {
				w.scanTree(ctx, Source{Folder: folder, AgentID: a.Name()})
			}
		}
	}
}

func (w *Watcher) scanTree(ctx context.Context, src Source) {
	w.scanDir(ctx, src, w.mail.MessagesDir(src.Folder, src.AgentID))
	w.scanDir(ctx, src, w.mail.TasksDir(src.Folder, src.AgentID))
}

func (w *Watcher) scanDir(ctx context.Context, src Source, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		// In-progress writes are only visible under their temp name.
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.consume(ctx, src, filepath.Join(dir, name))
	}
}

// consume processes one file: parse, authorize, dispatch, delete.
// Parse or handler failure quarantines the file so a poison message
// cannot wedge the loop.
func (w *Watcher) consume(ctx context.Context, src Source, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("Failed to read mailbox file", zap.String("path", path), zap.Error(err))
		return
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.logger.Warn("Quarantining unparsable mailbox file",
			zap.String("path", path), zap.Error(err))
		w.quarantine(path)
		return
	}

	if err := w.dispatch(ctx, src, &env); err != nil {
		w.logger.Warn("Quarantining mailbox file after handler failure",
			zap.String("path", path),
			zap.String("type", env.Type),
			zap.Error(err))
		w.quarantine(path)
		return
	}

	metrics.EnvelopesConsumed.WithLabelValues(env.Type).Inc()
	if err := os.Remove(path); err != nil {
		w.logger.Warn("Failed to delete consumed mailbox file",
			zap.String("path", path), zap.Error(err))
	}
}

var errUnknownType = fmt.Errorf("unknown envelope type")

func (w *Watcher) dispatch(ctx context.Context, src Source, env *Envelope) error {
	switch env.Type {
	case TypeMessage:
		if !w.authorized(ctx, src.Folder, env.ChatJID) {
			w.denied(src, env)
			return nil
		}
		return w.handler.HandleMessage(ctx, src, env)

	case TypeScheduleTask:
		if !w.authorizedFolder(ctx, src.Folder, w.targetFolder(src, env)) {
			w.denied(src, env)
			return nil
		}
		return w.handler.HandleScheduleTask(ctx, src, env)
	case TypePauseTask:
		return w.handler.HandlePauseTask(ctx, src, env)
	case TypeResumeTask:
		return w.handler.HandleResumeTask(ctx, src, env)
	case TypeCancelTask:
		return w.handler.HandleCancelTask(ctx, src, env)

	case TypeRefreshGroups:
		if src.Folder != w.adminFolder {
			w.denied(src, env)
			return nil
		}
		return w.handler.HandleRefreshGroups(ctx)
	case TypeRegisterGroup:
		if src.Folder != w.adminFolder {
			w.denied(src, env)
			return nil
		}
		return w.handler.HandleRegisterGroup(ctx, env)

	case TypeSpawnAgent:
		if src.AgentID != "" {
			// A sub-agent may message an agent but never spawn one.
			w.logger.Warn("Rejecting nested spawn_agent from sub-agent tree",
				zap.String("folder", src.Folder),
				zap.String("agent_id", src.AgentID))
			return nil
		}
		return w.handler.HandleSpawnAgent(ctx, src, env)
	case TypeMessageAgent:
		return w.handler.HandleMessageAgent(ctx, src, env)

	case TypeInstallSkill, TypeUninstallSkill:
		if !ValidRequestID(env.RequestID) {
			return fmt.Errorf("invalid skill request id %q", env.RequestID)
		}
		var res SkillResult
		if env.Type == TypeInstallSkill {
			res = w.handler.HandleInstallSkill(ctx, src, env)
		} else {
			res = w.handler.HandleUninstallSkill(ctx, src, env)
		}
		res.RequestID = env.RequestID
		return w.writer.WriteSkillResult(src.Folder, env.Type, env.RequestID, res)

	default:
		return fmt.Errorf("%w: %q", errUnknownType, env.Type)
	}
}

func (w *Watcher) targetFolder(src Source, env *Envelope) string {
	if env.TargetFolder != "" {
		return env.TargetFolder
	}
	return src.Folder
}

// authorized applies the mailbox rule for a target JID: admin home may
// target anything; otherwise the target must live in the source folder
// or share the source folder's owner.
func (w *Watcher) authorized(ctx context.Context, srcFolder, targetJID string) bool {
	if srcFolder == w.adminFolder {
		return true
	}
	target, err := w.groups.GetGroup(ctx, targetJID)
	if err != nil {
		return false
	}
	return w.authorizedFolder(ctx, srcFolder, target.Folder) ||
		(target.OwnerJID != "" && target.OwnerJID == w.folderOwner(ctx, srcFolder))
}

func (w *Watcher) authorizedFolder(ctx context.Context, srcFolder, targetFolder string) bool {
	if srcFolder == w.adminFolder {
		return true
	}
	return srcFolder == targetFolder
}

func (w *Watcher) folderOwner(ctx context.Context, folder string) string {
	groups, err := w.groups.GroupsByFolder(ctx, folder)
	if err != nil {
		return ""
	}
	for _, g := range groups {
		if g.OwnerJID != "" {
			return g.OwnerJID
		}
	}
	return ""
}

func (w *Watcher) denied(src Source, env *Envelope) {
	metrics.AuthorizationDenied.Inc()
	w.logger.Warn("Mailbox envelope denied by authorization rule",
		zap.String("folder", src.Folder),
		zap.String("agent_id", src.AgentID),
		zap.String("type", env.Type),
		zap.String("chat_jid", env.ChatJID),
		zap.String("target_folder", env.TargetFolder))
}

// quarantine moves a poison file to errors/, deleting it if even the
// move fails.
func (w *Watcher) quarantine(path string) {
	metrics.EnvelopesQuarantined.Inc()
	dst := filepath.Join(w.mail.ErrorsDir(),
		fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(path)))
	if err := os.MkdirAll(w.mail.ErrorsDir(), 0o755); err == nil {
		if err := os.Rename(path, dst); err == nil {
			return
		}
	}
	if err := os.Remove(path); err != nil {
		w.logger.Error("Failed to quarantine or delete poison file",
			zap.String("path", path), zap.Error(err))
	}
}
