package orchestrator

import (
	"encoding/json"
	"strings"
)

// Kind tags a decoded orchestrator action.
type Kind string

const (
	KindContinue   Kind = "continue"
	KindDone       Kind = "done"
	KindAskHuman   Kind = "ask_human"
	KindParseError Kind = "parse_error"
)

// Action is the decoded decision reply. Raw always carries the full agent
// text for the history record.
type Action struct {
	Kind     Kind
	Message  string
	Question string
	Raw      string
}

type wireAction struct {
	Action   string `json:"action"`
	Message  string `json:"message"`
	Question string `json:"question"`
}

// DecodeAction extracts the JSON action embedded in a free-text agent reply.
// Agents wrap the JSON in prose, so the scan is greedy: start at the first
// "{" and try decreasing end offsets until a chunk parses as an object.
// Extraction failure degrades to a parse_error action, never an error.
func DecodeAction(text string) Action {
	text = strings.TrimSpace(text)
	act := Action{Kind: KindParseError, Raw: text}
	raw, ok := extractObject(text)
	if !ok {
		return act
	}
	var wire wireAction
	if err := json.Unmarshal(raw, &wire); err != nil || wire.Action == "" {
		return act
	}
	switch Kind(wire.Action) {
	case KindContinue:
		act.Kind = KindContinue
		act.Message = wire.Message
	case KindAskHuman:
		act.Kind = KindAskHuman
		act.Question = wire.Question
	case KindDone:
		act.Kind = KindDone
	default:
		// Unknown actions are coerced to done rather than trusted.
		act.Kind = KindDone
	}
	return act
}

func extractObject(text string) ([]byte, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return nil, false
	}
	for end := len(text); end > start; end-- {
		chunk := []byte(text[start:end])
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(chunk, &probe); err == nil {
			return chunk, true
		}
	}
	return nil, false
}
