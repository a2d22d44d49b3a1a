package history

import (
	"context"
	"strings"
)

// Message is one conversational entry. Role is one of user, assistant,
// system or error.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Conversation is the increment appended after one job: the user prompt,
// the assembled assistant reply and any tool outputs produced on the way.
type Conversation struct {
	Messages    []Message `json:"messages"`
	ToolOutputs []string  `json:"tool_outputs"`
}

// Record is the full stored history for one provider session id.
type Record struct {
	SessionID   string    `json:"session_id"`
	SessionName string    `json:"session_name"`
	Messages    []Message `json:"messages"`
	ToolOutputs []string  `json:"tool_outputs"`
}

// Store persists conversation history.
type Store interface {
	Append(ctx context.Context, sessionID, sessionName string, conv Conversation) error
	Read(ctx context.Context, sessionID string) (Record, error)
	// ReadByName returns the history of the id most recently used by the
	// named session, merged across provider ids.
	ReadByName(ctx context.Context, sessionName string) (Record, error)
	// DeleteSession purges every record belonging to the named session.
	DeleteSession(ctx context.Context, sessionName string) error
	Close() error
}

// LatestAssistantMessage finds the newest assistant-or-error message and its
// index. Returns -1 when none exists. Orchestrators key their "anything new
// to react to?" check on the index.
func LatestAssistantMessage(rec Record) (int, string) {
	for i := len(rec.Messages) - 1; i >= 0; i-- {
		role := rec.Messages[i].Role
		if role == "assistant" || role == "error" {
			return i, rec.Messages[i].Text
		}
	}
	return -1, ""
}

// FormatRecent renders the last limit messages with readable role labels so
// a decision prompt can show who said what.
func FormatRecent(rec Record, limit int) string {
	msgs := rec.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	var lines []string
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		var label string
		switch m.Role {
		case "system":
			label = "Orchestrator"
		case "user":
			label = "User"
		case "assistant":
			label = "Assistant"
		case "error":
			label = "Error"
		default:
			label = strings.ToUpper(m.Role[:1]) + m.Role[1:]
		}
		lines = append(lines, "["+label+"] "+text)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
