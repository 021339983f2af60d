package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// WriteAtomic marshals v and places it at dir/name via a temp file and
// rename. POSIX rename on one filesystem is atomic, so a concurrent
// reader sees either nothing or the whole file.
func WriteAtomic(dir, name string, v interface{}) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func envelopeName(kind string) string {
	return fmt.Sprintf("%s_%d_%s.json", kind, time.Now().UnixNano(), uuid.New().String()[:8])
}

// Writer produces supervisor-originated mailbox files.
type Writer struct {
	Mail Mailbox
}

// WriteInput delivers a follow-up message into a running workload's
// input directory.
func (w Writer) WriteInput(folder, agentID string, env *Envelope) error {
	return WriteAtomic(w.Mail.InputDir(folder, agentID), envelopeName("msg"), env)
}

// WriteCloseStdin writes the wind-down sentinel for an idle workload.
func (w Writer) WriteCloseStdin(folder, agentID string) error {
	return WriteAtomic(w.Mail.InputDir(folder, agentID), envelopeName("ctl"),
		&Envelope{Type: TypeCloseStdin})
}

// WriteInterrupt writes an interrupt scoped to one requesting identity
// so siblings sharing the workload are not disturbed.
func (w Writer) WriteInterrupt(folder, agentID, chatJID string) error {
	return WriteAtomic(w.Mail.InputDir(folder, agentID), envelopeName("ctl"),
		&Envelope{Type: TypeInterrupt, ChatJID: chatJID})
}

// WriteAgentResult injects a completed sub-agent's result into the
// parent group's input as if another participant had spoken.
func (w Writer) WriteAgentResult(folder, agentID, agentName, result string) error {
	return WriteAtomic(w.Mail.InputDir(folder, ""), envelopeName("agent"),
		&Envelope{
			Type:    TypeAgentResult,
			AgentID: agentID,
			Sender:  agentName,
			Text:    result,
		})
}

// SkillResult is the response body for install/uninstall requests.
type SkillResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

// WriteSkillResult writes the response file the requesting workload
// polls for. The request id has already been validated.
func (w Writer) WriteSkillResult(folder, op, requestID string, res SkillResult) error {
	name := fmt.Sprintf("%s_result_%s.json", op, requestID)
	return WriteAtomic(w.Mail.GroupDir(folder), name, res)
}
