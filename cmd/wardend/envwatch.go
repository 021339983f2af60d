package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/queue"
	"github.com/wardenhq/warden/internal/store"
)

// groupEnvFile is the per-group environment file inside each work
// directory. Editing it restarts the group's workload so the next run
// picks the new environment up.
const groupEnvFile = ".env"

type restarter interface {
	RestartGroup(ctx context.Context, groupKey string) error
}

// envWatcher restarts a group's workload when its work directory's
// environment file changes.
type envWatcher struct {
	groupsDir string
	store     *store.Store
	queue     restarter
	logger    *zap.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

func newEnvWatcher(groupsDir string, st *store.Store, q restarter, logger *zap.Logger) *envWatcher {
	return &envWatcher{groupsDir: groupsDir, store: st, queue: q, logger: logger}
}

// Start begins watching the groups tree. Directories created later are
// picked up from the create event on the root.
func (w *envWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.groupsDir); err != nil {
		fsw.Close()
		return err
	}
	if entries, err := os.ReadDir(w.groupsDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = fsw.Add(filepath.Join(w.groupsDir, e.Name()))
			}
		}
	}
	w.fsw = fsw
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (w *envWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *envWatcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Env watcher error", zap.Error(err))
		}
	}
}

func (w *envWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	// A new group work directory under the root: start watching it.
	if ev.Op.Has(fsnotify.Create) && filepath.Dir(ev.Name) == filepath.Clean(w.groupsDir) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
			return
		}
	}
	if filepath.Base(ev.Name) != groupEnvFile {
		return
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	folder := filepath.Base(filepath.Dir(ev.Name))
	// RestartGroup blocks for the stop grace; keep the event loop free.
	go w.restart(ctx, folder)
}

func (w *envWatcher) restart(ctx context.Context, folder string) {
	jid, err := w.store.ResolveLiveJID(ctx, folder, "")
	if err != nil {
		w.logger.Debug("Env change in unregistered folder",
			zap.String("folder", folder), zap.Error(err))
		return
	}
	err = w.queue.RestartGroup(ctx, jid)
	switch {
	case errors.Is(err, queue.ErrRestartInProgress):
		// A burst of writes collapses into the restart already running.
	case err != nil:
		w.logger.Warn("Env-triggered restart failed",
			zap.String("folder", folder), zap.Error(err))
	default:
		w.logger.Info("Restarted group after env change",
			zap.String("folder", folder), zap.String("jid", jid))
	}
}
