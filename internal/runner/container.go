package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/store"
)

// ContainerRunner runs workloads inside containers via a
// docker-compatible CLI. One container per run; --rm keeps exited
// containers from piling up.
type ContainerRunner struct {
	binary    string
	image     string
	groupsDir string
	ipcDir    string
	logger    *zap.Logger
}

// NewContainerRunner builds a runner using the given engine binary and
// image. groupsDir and ipcDir are bind-mounted into the container.
func NewContainerRunner(binary, image, groupsDir, ipcDir string, logger *zap.Logger) *ContainerRunner {
	return &ContainerRunner{
		binary:    binary,
		image:     image,
		groupsDir: groupsDir,
		ipcDir:    ipcDir,
		logger:    logger,
	}
}

// ContainerName builds the container name for a run; the nonce keeps
// a restarted group from colliding with its own stopping container.
func ContainerName(folder string) string {
	return fmt.Sprintf("warden-%s-%s", sanitize(folder), uuid.New().String()[:8])
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// Run starts the container, streams its stdout, and blocks until it
// exits or ctx is cancelled.
func (r *ContainerRunner) Run(ctx context.Context, group *store.Group, in Input, onSpawned SpawnedFunc, onOutput OutputFunc) (*Output, error) {
	name := ContainerName(group.Folder)
	workDir := filepath.Join(r.groupsDir, group.Folder)
	mailDir := filepath.Join(r.ipcDir, group.Folder)

	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"-v", workDir + ":/workspace",
		"-v", mailDir + ":/ipc",
		r.image,
	}
	cmd := exec.CommandContext(ctx, r.binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("container stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("container stdout: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}
	if onSpawned != nil {
		onSpawned(cmd.Process, name)
	}

	go func() {
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(in); err != nil {
			r.logger.Warn("Failed to write workload input",
				zap.String("container", name), zap.Error(err))
		}
		stdin.Close()
	}()

	out := decodeStream(stdout, onOutput, r.logger.With(zap.String("container", name)))

	if err := cmd.Wait(); err != nil && out.Status == StatusSuccess {
		// Exit status trumps a success result written before the crash.
		out = &Output{Status: StatusError, Error: fmt.Sprintf("container exited: %v", err)}
	}
	return out, nil
}
