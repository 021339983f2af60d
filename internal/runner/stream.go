package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// wireLine is the superset of every line the workload may emit: stream
// events plus the terminal result line.
type wireLine struct {
	Kind         string `json:"type"`
	Content      string `json:"content,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	Status       string `json:"status,omitempty"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	NewSessionID string `json:"new_session_id,omitempty"`
}

// decodeStream reads JSON lines from r, forwarding stream events to
// onOutput until the terminal "result" line arrives. Unparsable lines
// are logged and skipped; a workload that exits without a result line
// yields an error Output so the caller still gets a terminal status.
func decodeStream(r io.Reader, onOutput OutputFunc, logger *zap.Logger) *Output {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wl wireLine
		if err := json.Unmarshal(line, &wl); err != nil {
			logger.Warn("Skipping unparsable workload output line", zap.Error(err))
			continue
		}
		if wl.Kind == "result" {
			status := wl.Status
			if status == "" {
				status = StatusSuccess
			}
			return &Output{
				Status:       status,
				Result:       wl.Result,
				Error:        wl.Error,
				NewSessionID: wl.NewSessionID,
			}
		}
		if onOutput != nil {
			onOutput(StreamEvent{Kind: wl.Kind, Content: wl.Content, ToolName: wl.ToolName})
		}
	}

	errMsg := "workload exited without a result"
	if err := scanner.Err(); err != nil {
		errMsg = fmt.Sprintf("read workload output: %v", err)
	}
	return &Output{Status: StatusError, Error: errMsg}
}
