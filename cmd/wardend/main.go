// Command wardend is the agent workload supervisor: it admits and
// serializes workload runs, watches the file mailbox, executes
// scheduled tasks, and orchestrates sub-agents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/agents"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/httpapi"
	"github.com/wardenhq/warden/internal/ipc"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/queue"
	"github.com/wardenhq/warden/internal/schedules"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/streaming"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wardend:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	for _, dir := range []string{cfg.DataDir, cfg.GroupsDir, cfg.IPCDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	stream := streaming.NewManager(256)
	mail := ipc.Mailbox{Base: cfg.IPCDir}
	sup := newSupervisor(cfg, st, mail, stream, logger)

	qm := queue.NewManager(queue.Config{
		MaxContainers:   cfg.Queue.MaxContainers,
		MaxHosts:        cfg.Queue.MaxHosts,
		StopGrace:       cfg.Queue.StopGrace,
		ForceGrace:      cfg.Queue.ForceGrace,
		RestartGrace:    cfg.Queue.RestartGrace,
		ContainerBinary: cfg.Workloads.ContainerBinary,
	}, queue.Hooks{
		ProcessMessages:      sup.ProcessMessages,
		HostMode:             sup.hostMode,
		SerializationKey:     sup.serializationKey,
		OnMaxRetriesExceeded: sup.onMaxRetriesExceeded,
	}, sup.writer, stream, logger)
	sup.queue = qm

	agentMgr := agents.NewManager(st, mail, qm, sup.runAgent, stream, 5*time.Minute, logger)
	sup.agents = agentMgr
	defer agentMgr.Close()

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", cfg.Scheduler.Timezone, err)
	}
	sched := schedules.New(st, qm, sup.runScheduled, cfg.Scheduler.PollInterval, loc, logger)
	sup.sched = sched

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settle state left behind by the previous process before the
	// watcher starts producing new work.
	if err := sup.HandleRefreshGroups(ctx); err != nil {
		return err
	}
	if err := agentMgr.SweepOrphans(ctx); err != nil {
		logger.Error("Orphan sweep failed", zap.Error(err))
	}

	watcher := ipc.NewWatcher(mail, sup, st, cfg.AdminFolder, cfg.IPC.PollInterval, logger)
	watcher.Start(ctx)
	sched.Start(ctx)

	envw := newEnvWatcher(cfg.GroupsDir, st, qm, logger)
	if err := envw.Start(ctx); err != nil {
		logger.Warn("Per-group env watch unavailable", zap.Error(err))
		envw = nil
	}

	api := httpapi.New(cfg.HTTP.Addr, qm, logger)
	api.Start()

	logger.Info("Supervisor started",
		zap.String("ipc_dir", cfg.IPCDir),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.Int("max_containers", cfg.Queue.MaxContainers),
		zap.Int("max_hosts", cfg.Queue.MaxHosts))

	<-ctx.Done()
	logger.Info("Shutting down")

	// New work stops first, then active runs get the shutdown grace.
	watcher.Stop()
	sched.Stop()
	if envw != nil {
		envw.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := qm.Shutdown(shutdownCtx, cfg.Queue.ShutdownGrace); err != nil {
		logger.Error("Shutdown left stragglers", zap.Error(err))
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	logger.Info("Supervisor stopped")
	return nil
}
