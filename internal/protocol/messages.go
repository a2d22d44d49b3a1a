package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Stream event names shared by the SSE and WebSocket surfaces.
const (
	EventOpen         = "open"
	EventPing         = "ping"
	EventMessage      = "message"
	EventSessionID    = "session_id"
	EventStatusChange = "status_change"
	EventStdout       = "stdout"
	EventStderr       = "stderr"
	EventError        = "error"
	EventDone         = "done"
	EventSnapshot     = "snapshot"
	EventQuestion     = "orchestrator_question"
	EventCompletion   = "orchestrator_completion"
)

// JobEvent is one frame on a job's broadcast topic.
type JobEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ReturnCode *int   `json:"return_code,omitempty"`
	Status     string `json:"status,omitempty"`
}

// SessionMessage is one frame on a session's viewer topic.
type SessionMessage struct {
	Type        string `json:"type"`
	Source      string `json:"source,omitempty"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Status      string `json:"status,omitempty"`
	SessionName string `json:"session_name,omitempty"`
}

// MasterMessage is one frame on the master console topic.
type MasterMessage struct {
	Type           string `json:"type"`
	SessionName    string `json:"session_name,omitempty"`
	OrchestratorID string `json:"orchestrator_id,omitempty"`
	Text           string `json:"text,omitempty"`
	Question       string `json:"question,omitempty"`
	Goal           string `json:"goal,omitempty"`
}

// WriteSSE emits one server-sent event. A non-zero id is written first so
// reconnecting clients can resume from it via Last-Event-ID.
func WriteSSE(w io.Writer, id int64, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}
