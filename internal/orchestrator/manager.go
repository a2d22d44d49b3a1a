package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/store"
)

const table = "orchestrators"

// Input carries the mutable fields of an orchestrator.
type Input struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	Goal            string   `json:"goal"`
	ManagedSessions []string `json:"managed_sessions"`
	Enabled         bool     `json:"enabled"`
}

// Manager owns the persisted orchestrator table.
type Manager struct {
	st              *store.Store
	defaultProvider provider.Provider

	mu    sync.Mutex
	items map[string]Orchestrator
}

func NewManager(st *store.Store, defaultProvider provider.Provider) (*Manager, error) {
	if defaultProvider == "" {
		defaultProvider = provider.Codex
	}
	m := &Manager{
		st:              st,
		defaultProvider: defaultProvider,
		items:           make(map[string]Orchestrator),
	}
	if err := st.Load(table, &m.items); err != nil {
		return nil, fmt.Errorf("load orchestrators: %w", err)
	}
	return m, nil
}

// List returns orchestrators newest first.
func (m *Manager) List() []Orchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Orchestrator, 0, len(m.items))
	for _, o := range m.items {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Get(id string) (Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[id]
	if !ok {
		return Orchestrator{}, ErrNotFound
	}
	return o.clone(), nil
}

// Enabled returns every enabled orchestrator.
func (m *Manager) Enabled() []Orchestrator {
	all := m.List()
	out := all[:0]
	for _, o := range all {
		if o.Enabled {
			out = append(out, o)
		}
	}
	return out
}

// ManagersOf returns the enabled orchestrators managing a session.
func (m *Manager) ManagersOf(sessionName string) []Orchestrator {
	var out []Orchestrator
	for _, o := range m.Enabled() {
		if o.manages(sessionName) {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) Create(in Input) (Orchestrator, error) {
	p, err := provider.Parse(in.Provider, m.defaultProvider)
	if err != nil {
		return Orchestrator{}, err
	}
	id := uuid.NewString()
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "orch-" + id[:6]
	}
	o := Orchestrator{
		ID:              id,
		Name:            name,
		Provider:        p,
		ManagedSessions: normalizeSessions(in.ManagedSessions),
		Goal:            strings.TrimSpace(in.Goal),
		Enabled:         in.Enabled,
		CreatedAt:       time.Now(),
		History:         []HistoryEntry{},
	}

	m.mu.Lock()
	m.items[o.ID] = o
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return Orchestrator{}, err
	}
	return o.clone(), nil
}

func (m *Manager) Update(id string, in Input) (Orchestrator, error) {
	p, err := provider.Parse(in.Provider, m.defaultProvider)
	if err != nil {
		return Orchestrator{}, err
	}
	m.mu.Lock()
	o, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Orchestrator{}, ErrNotFound
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		o.Name = name
	}
	o.Provider = p
	o.Goal = strings.TrimSpace(in.Goal)
	o.ManagedSessions = normalizeSessions(in.ManagedSessions)
	o.Enabled = in.Enabled
	m.items[id] = o
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return Orchestrator{}, err
	}
	return o.clone(), nil
}

func (m *Manager) SetEnabled(id string, enabled bool) (Orchestrator, error) {
	m.mu.Lock()
	o, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Orchestrator{}, ErrNotFound
	}
	o.Enabled = enabled
	m.items[id] = o
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return Orchestrator{}, err
	}
	return o.clone(), nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return m.saveLocked()
}

// AppendHistory records a decision, capped to the newest entries.
func (m *Manager) AppendHistory(id string, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	o.History = append(o.History, entry)
	if len(o.History) > historyCap {
		o.History = o.History[len(o.History)-historyCap:]
	}
	m.items[id] = o
	return m.saveLocked()
}

// RecordDecision updates the last-action fields after a decision.
func (m *Manager) RecordDecision(id string, action Kind, question string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	o.LastAction = string(action)
	o.LastDecisionAt = &at
	if action == KindAskHuman {
		o.LastQuestion = question
	} else {
		o.LastQuestion = ""
	}
	m.items[id] = o
	return m.saveLocked()
}

// SetPendingQuestion stores the single ask_human escalation.
func (m *Manager) SetPendingQuestion(id string, q Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	o.PendingQuestion = &q
	m.items[id] = o
	return m.saveLocked()
}

// TakePendingQuestion clears and returns the pending question, failing when
// none is stored.
func (m *Manager) TakePendingQuestion(id string) (Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[id]
	if !ok {
		return Question{}, ErrNotFound
	}
	if o.PendingQuestion == nil {
		return Question{}, ErrNoPendingQuestion
	}
	q := *o.PendingQuestion
	o.PendingQuestion = nil
	m.items[id] = o
	if err := m.saveLocked(); err != nil {
		return Question{}, err
	}
	return q, nil
}

func (m *Manager) saveLocked() error {
	return m.st.Save(table, m.items)
}

func normalizeSessions(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
