// Package runner is the execution supervisor contract: a uniform
// start/stop surface over the two workload classes (containerized and
// host process). The workload runtime itself is a black box that reads
// one JSON input document on stdin and emits JSON lines on stdout.
package runner

import (
	"context"
	"os"

	"github.com/wardenhq/warden/internal/store"
)

// Run statuses reported by a workload.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Input is the document handed to a workload run.
type Input struct {
	Prompt      string   `json:"prompt"`
	SessionID   string   `json:"session_id,omitempty"`
	GroupFolder string   `json:"group_folder"`
	ChatJID     string   `json:"chat_jid"`
	IsMain      bool     `json:"is_main"`
	Images      []string `json:"images,omitempty"`
}

// Output is the terminal result of a run.
type Output struct {
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	NewSessionID string `json:"new_session_id,omitempty"`
}

// StreamEvent is one partial result emitted while a run is in flight.
// Kind is one of text, thinking, tool_use, status, error.
type StreamEvent struct {
	Kind     string `json:"type"`
	Content  string `json:"content,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
}

// SpawnedFunc is invoked once the workload process exists so the queue
// can register the handle for later signalling. containerName is empty
// for host-class workloads.
type SpawnedFunc func(proc *os.Process, containerName string)

// OutputFunc receives streamed partial results in emission order.
type OutputFunc func(StreamEvent)

// Runner starts a workload for a group and blocks until it finishes.
// Implementations must return a non-nil Output whenever err is nil.
type Runner interface {
	Run(ctx context.Context, group *store.Group, in Input, onSpawned SpawnedFunc, onOutput OutputFunc) (*Output, error)
}
