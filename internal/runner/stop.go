package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Teardown helpers shared by the queue. Stopping something that has
// already exited counts as success: in the graceful-then-force window
// the workload routinely dies between the check and the kill.

// StopContainer asks the engine for a graceful stop with the given
// timeout in seconds.
func StopContainer(ctx context.Context, binary, name string, graceSecs int) error {
	out, err := exec.CommandContext(ctx, binary, "stop", "-t", strconv.Itoa(graceSecs), name).CombinedOutput()
	if err != nil && !alreadyGone(string(out)) {
		return fmt.Errorf("stop container %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// KillContainer force-kills a container by name.
func KillContainer(ctx context.Context, binary, name string) error {
	out, err := exec.CommandContext(ctx, binary, "kill", name).CombinedOutput()
	if err != nil && !alreadyGone(string(out)) {
		return fmt.Errorf("kill container %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func alreadyGone(out string) bool {
	return strings.Contains(out, "No such container") ||
		strings.Contains(out, "is not running") ||
		strings.Contains(out, "already in progress")
}

// SignalProcess delivers sig to the workload's process group, falling
// back to the process itself when it has no group of its own.
func SignalProcess(proc *os.Process, sig syscall.Signal) error {
	if proc == nil {
		return nil
	}
	var err error
	if pgid, pgErr := syscall.Getpgid(proc.Pid); pgErr == nil && pgid == proc.Pid {
		err = syscall.Kill(-pgid, sig)
	} else {
		err = proc.Signal(sig)
	}
	if err == nil || processGone(err) {
		return nil
	}
	return fmt.Errorf("signal pid %d: %w", proc.Pid, err)
}

func processGone(err error) bool {
	if err == syscall.ESRCH || err == os.ErrProcessDone {
		return true
	}
	return strings.Contains(err.Error(), "process already finished") ||
		strings.Contains(err.Error(), "no such process")
}

// ProcessAlive reports whether the process still exists (signal 0).
func ProcessAlive(proc *os.Process) bool {
	if proc == nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
