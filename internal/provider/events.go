package provider

import (
	"encoding/json"
	"strings"
)

// Event is one line of codex --json output. Lines that do not parse as JSON
// are wrapped as {"type":"raw","data":<line>} so nothing is dropped.
type Event map[string]any

// ParseEvents splits raw CLI output into one event per non-empty line.
func ParseEvents(text string) []Event {
	var events []Event
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			events = append(events, Event{"type": "raw", "data": line})
			continue
		}
		events = append(events, evt)
	}
	return events
}

// ExtractAgentText joins the text of every completed agent_message item.
func ExtractAgentText(events []Event) string {
	var parts []string
	for _, evt := range events {
		if evt.kind() != "item.completed" {
			continue
		}
		item, _ := evt["item"].(map[string]any)
		if item == nil || item["type"] != "agent_message" {
			continue
		}
		if text, ok := item["text"].(string); ok && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// ExtractToolOutputs collects the text of completed command_output items so
// tool activity can be shown alongside the assistant reply.
func ExtractToolOutputs(events []Event) []string {
	var outputs []string
	for _, evt := range events {
		if evt.kind() != "item.completed" {
			continue
		}
		item, _ := evt["item"].(map[string]any)
		if item == nil || item["type"] != "command_output" {
			continue
		}
		if text, ok := item["text"].(string); ok && text != "" {
			outputs = append(outputs, text)
		}
	}
	return outputs
}

// ExtractSessionID finds the provider-side conversation id in an event
// stream. CLIs disagree on the field name, so several spellings are tried.
func ExtractSessionID(events []Event) string {
	for _, evt := range events {
		if evt.kind() == "session_id" {
			if id, ok := evt["session_id"].(string); ok && id != "" {
				return id
			}
		}
		for _, key := range []string{"session_id", "sessionId", "session", "thread_id", "threadId"} {
			if id, ok := evt[key].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

func (e Event) kind() string {
	t, _ := e["type"].(string)
	return t
}
