// Package ipc implements the file mailbox connecting the supervisor to
// workload runtimes. Each group folder owns a directory tree under the
// base dir; every logical message is one JSON file written with a
// temp-then-rename protocol so readers never observe partial content.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Envelope types written by workloads and consumed by the watcher.
const (
	TypeMessage        = "message"
	TypeScheduleTask   = "schedule_task"
	TypePauseTask      = "pause_task"
	TypeResumeTask     = "resume_task"
	TypeCancelTask     = "cancel_task"
	TypeRefreshGroups  = "refresh_groups"
	TypeRegisterGroup  = "register_group"
	TypeSpawnAgent     = "spawn_agent"
	TypeMessageAgent   = "message_agent"
	TypeInstallSkill   = "install_skill"
	TypeUninstallSkill = "uninstall_skill"

	// Envelope types written by the supervisor into input/.
	TypeAgentResult = "agent_result"
	TypeCloseStdin  = "close_stdin"
	TypeInterrupt   = "interrupt"
)

// Envelope is the wire format of a mailbox file. Fields are a union
// over the message types; Type discriminates.
type Envelope struct {
	Type string `json:"type"`

	// message / agent_result / interrupt
	ChatJID string   `json:"chat_jid,omitempty"`
	Text    string   `json:"text,omitempty"`
	Images  []string `json:"images,omitempty"`
	Sender  string   `json:"sender,omitempty"`

	// schedule_task / pause_task / resume_task / cancel_task
	TaskID        string `json:"task_id,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetFolder  string `json:"target_folder,omitempty"`

	// register_group
	GroupJID       string `json:"group_jid,omitempty"`
	Folder         string `json:"folder,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	ExecutionClass string `json:"execution_class,omitempty"`
	OwnerJID       string `json:"owner_jid,omitempty"`

	// spawn_agent / message_agent
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	AgentKind string `json:"agent_kind,omitempty"`

	// install_skill / uninstall_skill
	SkillName string `json:"skill_name,omitempty"`
	SkillURL  string `json:"skill_url,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Source identifies where an envelope was read from. AgentID is set
// when the file came from a sub-agent's nested tree.
type Source struct {
	Folder  string
	AgentID string
}

// requestIDPattern bounds skill request ids to safe path characters;
// the id becomes part of a result filename.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidRequestID reports whether id may be embedded in a result
// filename.
func ValidRequestID(id string) bool {
	return id != "" && len(id) <= 128 && requestIDPattern.MatchString(id)
}

// Mailbox resolves the directory layout under one base directory.
type Mailbox struct {
	Base string
}

// Subdirectory names within a group (or nested agent) tree.
const (
	inputSub    = "input"
	messagesSub = "messages"
	tasksSub    = "tasks"
	agentsSub   = "agents"
	errorsSub   = "errors"
)

// GroupDir is the root of one group's mailbox.
func (m Mailbox) GroupDir(folder string) string {
	return filepath.Join(m.Base, folder)
}

// ErrorsDir is the shared quarantine for poison files.
func (m Mailbox) ErrorsDir() string {
	return filepath.Join(m.Base, errorsSub)
}

// InputDir is where the supervisor writes messages for the workload to
// read. An empty agentID addresses the group's own workload.
func (m Mailbox) InputDir(folder, agentID string) string {
	return filepath.Join(m.tree(folder, agentID), inputSub)
}

// MessagesDir holds workload-written message envelopes.
func (m Mailbox) MessagesDir(folder, agentID string) string {
	return filepath.Join(m.tree(folder, agentID), messagesSub)
}

// TasksDir holds workload-written task control envelopes.
func (m Mailbox) TasksDir(folder, agentID string) string {
	return filepath.Join(m.tree(folder, agentID), tasksSub)
}

// AgentsDir holds the nested per-agent trees of a group.
func (m Mailbox) AgentsDir(folder string) string {
	return filepath.Join(m.GroupDir(folder), agentsSub)
}

func (m Mailbox) tree(folder, agentID string) string {
	if agentID == "" {
		return m.GroupDir(folder)
	}
	return filepath.Join(m.AgentsDir(folder), agentID)
}

// EnsureGroup creates a group's mailbox tree.
func (m Mailbox) EnsureGroup(folder string) error {
	for _, dir := range []string{
		m.InputDir(folder, ""),
		m.MessagesDir(folder, ""),
		m.TasksDir(folder, ""),
		m.AgentsDir(folder),
		m.ErrorsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mailbox dir %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureAgent creates the nested tree for a sub-agent.
func (m Mailbox) EnsureAgent(folder, agentID string) error {
	for _, dir := range []string{
		m.InputDir(folder, agentID),
		m.MessagesDir(folder, agentID),
		m.TasksDir(folder, agentID),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create agent mailbox dir %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveAgent deletes a sub-agent's nested tree.
func (m Mailbox) RemoveAgent(folder, agentID string) error {
	return os.RemoveAll(m.tree(folder, agentID))
}
