package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/protocol"
	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/schedule"
	"github.com/ent0n29/agentdeck/internal/store"
)

const table = "tasks"

// Config sizes the task manager.
type Config struct {
	DefaultProvider provider.Provider
	DefaultTimeout  time.Duration
	Tick            time.Duration
}

// Input carries the mutable fields of a task for create and update.
type Input struct {
	Name       string            `json:"name"`
	Prompt     string            `json:"prompt"`
	Provider   string            `json:"provider"`
	Schedule   schedule.Schedule `json:"schedule"`
	Workdir    string            `json:"workdir"`
	Enabled    bool              `json:"enabled"`
	TimeoutSec int               `json:"timeout_sec"`
}

// Manager owns the persisted task table and runs due tasks.
type Manager struct {
	cfg  Config
	st   *store.Store
	exec provider.Executor
	hub  *broadcast.Hub

	mu      sync.Mutex
	tasks   map[string]Task
	running map[string]bool

	// onRun is an optional counter hook fired after every run.
	onRun func(status string)
}

func NewManager(cfg Config, st *store.Store, exec provider.Executor, hub *broadcast.Hub) (*Manager, error) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = provider.Codex
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Minute
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	m := &Manager{
		cfg:     cfg,
		st:      st,
		exec:    exec,
		hub:     hub,
		tasks:   make(map[string]Task),
		running: make(map[string]bool),
	}
	if err := st.Load(table, &m.tasks); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return m, nil
}

func (m *Manager) SetRunCounter(hook func(status string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRun = hook
}

// List returns tasks sorted by creation time.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Get(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.clone(), nil
}

// Create validates the input, assigns an id and an initial next run, and
// persists the task. Names are unique across the table.
func (m *Manager) Create(in Input) (Task, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Name == "" {
		return Task{}, fmt.Errorf("task name is required")
	}
	if in.Prompt == "" {
		return Task{}, fmt.Errorf("task prompt is required")
	}
	p, err := provider.Parse(in.Provider, m.cfg.DefaultProvider)
	if err != nil {
		return Task{}, err
	}
	now := time.Now()
	t := Task{
		ID:         uuid.NewString(),
		Name:       in.Name,
		Prompt:     in.Prompt,
		Provider:   p,
		Schedule:   in.Schedule,
		Workdir:    strings.TrimSpace(in.Workdir),
		Enabled:    in.Enabled,
		TimeoutSec: in.TimeoutSec,
		CreatedAt:  now,
		RunHistory: []RunEntry{},
	}
	if t.Enabled {
		if next, ok := t.Schedule.NextRun(now); ok {
			t.NextRun = &next
		}
	}

	m.mu.Lock()
	for _, existing := range m.tasks {
		if strings.EqualFold(existing.Name, t.Name) {
			m.mu.Unlock()
			return Task{}, ErrConflict
		}
	}
	m.tasks[t.ID] = t
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return Task{}, err
	}
	m.broadcastSnapshot()
	return t.clone(), nil
}

// Update replaces the mutable fields and recomputes the next run.
func (m *Manager) Update(id string, in Input) (Task, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Name == "" {
		return Task{}, fmt.Errorf("task name is required")
	}
	if in.Prompt == "" {
		return Task{}, fmt.Errorf("task prompt is required")
	}
	p, err := provider.Parse(in.Provider, m.cfg.DefaultProvider)
	if err != nil {
		return Task{}, err
	}

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrNotFound
	}
	for otherID, existing := range m.tasks {
		if otherID != id && strings.EqualFold(existing.Name, in.Name) {
			m.mu.Unlock()
			return Task{}, ErrConflict
		}
	}
	t.Name = in.Name
	t.Prompt = in.Prompt
	t.Provider = p
	t.Schedule = in.Schedule
	t.Workdir = strings.TrimSpace(in.Workdir)
	t.Enabled = in.Enabled
	t.TimeoutSec = in.TimeoutSec
	t.NextRun = nil
	if t.Enabled {
		if next, ok := t.Schedule.NextRun(time.Now()); ok {
			t.NextRun = &next
		}
	}
	m.tasks[id] = t
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return Task{}, err
	}
	m.broadcastSnapshot()
	return t.clone(), nil
}

// SetEnabled flips the enabled flag; enabling assigns a next run.
func (m *Manager) SetEnabled(id string, enabled bool) (Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrNotFound
	}
	t.Enabled = enabled
	t.NextRun = nil
	if enabled {
		if next, ok := t.Schedule.NextRun(time.Now()); ok {
			t.NextRun = &next
		}
	}
	m.tasks[id] = t
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return Task{}, err
	}
	m.broadcastSnapshot()
	return t.clone(), nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	if _, ok := m.tasks[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.tasks, id)
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.hub.DropTaskStream(id)
	m.broadcastSnapshot()
	return nil
}

// Run fires the task immediately regardless of its schedule.
func (m *Manager) Run(id string) error {
	m.mu.Lock()
	_, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.fire(id, true)
	return nil
}

// Tick is one scheduler pass: assign missing next runs to enabled tasks and
// fire every enabled task whose next run has arrived.
func (m *Manager) Tick(now time.Time) {
	var due []string
	changed := false

	m.mu.Lock()
	for id, t := range m.tasks {
		if !t.Enabled || m.running[id] {
			continue
		}
		if t.NextRun == nil {
			if next, ok := t.Schedule.NextRun(now); ok {
				t.NextRun = &next
				m.tasks[id] = t
				changed = true
			}
			continue
		}
		if !t.NextRun.After(now) {
			due = append(due, id)
		}
	}
	var err error
	if changed {
		err = m.saveLocked()
	}
	m.mu.Unlock()
	if err != nil {
		log.Printf("[scheduler] persist next runs: %v", err)
	}
	if changed {
		m.broadcastSnapshot()
	}
	for _, id := range due {
		m.fire(id, false)
	}
}

// Loop runs the scheduler tick until the context ends. cleanup, when set,
// runs once per tick after the scheduling pass.
func (m *Manager) Loop(ctx context.Context, cleanup func()) {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(now)
			if cleanup != nil {
				cleanup()
			}
		}
	}
}

// fire runs one task on its own worker.
func (m *Manager) fire(id string, force bool) {
	m.mu.Lock()
	if m.running[id] {
		m.mu.Unlock()
		return
	}
	m.running[id] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[scheduler] task %s panicked: %v", id, r)
			}
			m.mu.Lock()
			delete(m.running, id)
			m.mu.Unlock()
		}()
		m.runTask(id, force)
	}()
}

func (m *Manager) runTask(id string, force bool) {
	startedAt := time.Now()

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.LastStatus = "running"
	m.tasks[id] = t
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		log.Printf("[scheduler] persist running state for %s: %v", t.Name, err)
	}
	m.broadcastSnapshot()

	stream := m.hub.TaskStream(id)
	stream.Publish(protocol.JobEvent{Type: protocol.EventStatusChange, Status: "running"})

	// A task disabled after being queued returns to idle untouched, unless
	// the run was forced by hand.
	if !t.Enabled && !force {
		m.mu.Lock()
		if cur, ok := m.tasks[id]; ok {
			cur.LastStatus = "idle"
			m.tasks[id] = cur
			if err := m.saveLocked(); err != nil {
				log.Printf("[scheduler] persist idle state for %s: %v", t.Name, err)
			}
		}
		m.mu.Unlock()
		m.broadcastSnapshot()
		return
	}

	timeout := m.cfg.DefaultTimeout
	if t.TimeoutSec > 0 {
		timeout = time.Duration(t.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, execErr := m.exec.ExecuteStream(ctx, provider.Request{
		Provider: t.Provider,
		Prompt:   t.Prompt,
		Workdir:  t.Workdir,
	}, provider.Stream{
		OnStdout: func(line string) {
			stream.Publish(protocol.JobEvent{Type: protocol.EventStdout, Text: line})
		},
		OnStderr: func(line string) {
			stream.Publish(protocol.JobEvent{Type: protocol.EventStderr, Text: line})
		},
	})

	runtime := time.Since(startedAt)
	if execErr == nil && res.ReturnCode != 0 {
		execErr = fmt.Errorf("%s exited with code %d", t.Provider, res.ReturnCode)
	}
	if execErr != nil {
		m.markRun(id, RunEntry{
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			RuntimeSec: runtime.Seconds(),
			Status:     "error",
			Error:      runError(execErr, res),
		})
		stream.Publish(protocol.JobEvent{Type: protocol.EventDone, Status: "error", Text: runError(execErr, res)})
		return
	}

	output := strings.TrimSpace(res.Text)
	raw := strings.TrimSpace(res.Stdout)
	if output == "" {
		output = raw
	}
	m.markRun(id, RunEntry{
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		RuntimeSec: runtime.Seconds(),
		Status:     "ok",
		Output:     output,
		RawOutput:  raw,
	})
	stream.Publish(protocol.JobEvent{Type: protocol.EventDone, Status: "ok"})
}

// markRun records one run outcome, caps the history and recomputes the next
// run for tasks still enabled.
func (m *Manager) markRun(id string, entry RunEntry) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := entry.FinishedAt
	t.LastRun = &now
	t.LastStatus = entry.Status
	t.LastOutput = entry.Output
	if entry.Status == "ok" {
		t.LastError = ""
	} else {
		t.LastError = entry.Error
	}
	t.RunHistory = append(t.RunHistory, entry)
	if len(t.RunHistory) > runHistoryCap {
		t.RunHistory = t.RunHistory[len(t.RunHistory)-runHistoryCap:]
	}
	t.NextRun = nil
	if t.Enabled {
		if next, ok := t.Schedule.NextRun(now); ok {
			t.NextRun = &next
		}
	}
	m.tasks[id] = t
	err := m.saveLocked()
	hook := m.onRun
	m.mu.Unlock()
	if err != nil {
		log.Printf("[scheduler] persist run for %s: %v", t.Name, err)
	}
	if hook != nil {
		hook(entry.Status)
	}
	m.broadcastSnapshot()
}

func (m *Manager) saveLocked() error {
	return m.st.Save(table, m.tasks)
}

func (m *Manager) broadcastSnapshot() {
	m.hub.Tasks().Publish(Snapshot{Type: protocol.EventSnapshot, Tasks: m.List()})
}

func runError(execErr error, res provider.Result) string {
	if errors.Is(execErr, context.DeadlineExceeded) {
		return "task timed out"
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	if execErr != nil {
		return execErr.Error()
	}
	return "task failed"
}
