// Package orchestrator runs automated supervisors over managed sessions:
// each one watches for idle transitions and decides whether to keep the
// conversation moving, declare the goal done, or escalate to a human.
package orchestrator

import (
	"errors"
	"time"

	"github.com/ent0n29/agentdeck/internal/provider"
)

var (
	ErrNotFound          = errors.New("orchestrator not found")
	ErrNoPendingQuestion = errors.New("no pending question")
)

// historyCap bounds per-orchestrator decision history.
const historyCap = 200

// HistoryEntry records one decision or injected prompt.
type HistoryEntry struct {
	At            time.Time `json:"at"`
	Action        string    `json:"action"`
	TargetSession string    `json:"target_session,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	Question      string    `json:"question,omitempty"`
	Raw           string    `json:"raw,omitempty"`
}

// Question is a single pending ask_human escalation. At most one is stored
// per orchestrator; it is cleared when a human responds.
type Question struct {
	Question      string    `json:"question"`
	TargetSession string    `json:"target_session"`
	AskedAt       time.Time `json:"asked_at"`
}

// Orchestrator is the persisted supervisor record.
type Orchestrator struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Provider        provider.Provider `json:"provider"`
	ManagedSessions []string          `json:"managed_sessions"`
	Goal            string            `json:"goal"`
	Enabled         bool              `json:"enabled"`
	CreatedAt       time.Time         `json:"created_at"`
	History         []HistoryEntry    `json:"history"`
	LastAction      string            `json:"last_action,omitempty"`
	LastDecisionAt  *time.Time        `json:"last_decision_at,omitempty"`
	LastQuestion    string            `json:"last_question,omitempty"`
	PendingQuestion *Question         `json:"pending_question,omitempty"`
}

func (o Orchestrator) clone() Orchestrator {
	out := o
	out.ManagedSessions = append([]string(nil), o.ManagedSessions...)
	out.History = append([]HistoryEntry(nil), o.History...)
	if o.LastDecisionAt != nil {
		at := *o.LastDecisionAt
		out.LastDecisionAt = &at
	}
	if o.PendingQuestion != nil {
		q := *o.PendingQuestion
		out.PendingQuestion = &q
	}
	return out
}

func (o Orchestrator) manages(sessionName string) bool {
	for _, name := range o.ManagedSessions {
		if name == sessionName {
			return true
		}
	}
	return false
}

// kickoffRecorded reports whether this orchestrator already injected a
// kickoff into the session, so restarts never re-kick a session.
func (o Orchestrator) kickoffRecorded(sessionName string) bool {
	for _, h := range o.History {
		if h.Action == "kickoff" && h.TargetSession == sessionName {
			return true
		}
	}
	return false
}
