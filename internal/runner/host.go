package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/store"
)

// HostRunner executes workloads as plain child processes of the
// supervisor for groups whose work must touch the host directly.
type HostRunner struct {
	binary    string
	groupsDir string
	ipcDir    string
	logger    *zap.Logger
}

// NewHostRunner builds a runner around the configured agent binary.
func NewHostRunner(binary, groupsDir, ipcDir string, logger *zap.Logger) *HostRunner {
	return &HostRunner{binary: binary, groupsDir: groupsDir, ipcDir: ipcDir, logger: logger}
}

// Run starts the agent process and blocks until it exits or ctx is
// cancelled. The child gets its own process group so termination
// signals reach everything it forked.
func (r *HostRunner) Run(ctx context.Context, group *store.Group, in Input, onSpawned SpawnedFunc, onOutput OutputFunc) (*Output, error) {
	cmd := exec.CommandContext(ctx, r.binary)
	cmd.Dir = filepath.Join(r.groupsDir, group.Folder)
	cmd.Env = append(cmd.Environ(),
		"WARDEN_GROUP_FOLDER="+group.Folder,
		"WARDEN_IPC_DIR="+filepath.Join(r.ipcDir, group.Folder),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("host stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start host workload: %w", err)
	}
	if onSpawned != nil {
		onSpawned(cmd.Process, "")
	}

	go func() {
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(in); err != nil {
			r.logger.Warn("Failed to write workload input",
				zap.String("folder", group.Folder), zap.Error(err))
		}
		stdin.Close()
	}()

	out := decodeStream(stdout, onOutput, r.logger.With(zap.String("folder", group.Folder)))

	if err := cmd.Wait(); err != nil && out.Status == StatusSuccess {
		out = &Output{Status: StatusError, Error: fmt.Sprintf("workload exited: %v", err)}
	}
	return out, nil
}
