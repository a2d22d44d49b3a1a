package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/store"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrConflict marks a provider switch or delete attempted while the
	// session has an active job.
	ErrConflict = errors.New("session is busy")
)

const sessionsTable = "sessions"

// Record is one persisted named session. ProviderIDs keeps a separate
// conversation id per provider so switching back and forth keeps context.
type Record struct {
	Name        string            `json:"name"`
	Provider    provider.Provider `json:"provider"`
	ProviderIDs map[string]string `json:"provider_ids"`
	Workdir     string            `json:"workdir,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsed    time.Time         `json:"last_used"`
}

// SessionID returns the conversation id for the active provider.
func (r Record) SessionID() string {
	return r.ProviderIDs[string(r.Provider)]
}

// Snapshot is the registry view published to session subscribers.
type Snapshot struct {
	Sessions []Record          `json:"sessions"`
	Status   map[string]Status `json:"status"`
}

// Registry owns the persisted session table and the in-memory status map.
// Every mutation loads, mutates and saves the whole table under the lock,
// then publishes a fresh snapshot.
type Registry struct {
	mu              sync.Mutex
	store           *store.Store
	defaultProvider provider.Provider
	status          map[string]Status

	// hasActiveJob reports whether a live job references the session;
	// wired by the job manager. Used to self-heal stale running status.
	hasActiveJob func(name string) bool
	// onSnapshot receives the post-mutation snapshot; wired to the hub.
	onSnapshot func(Snapshot)
}

func NewRegistry(st *store.Store, defaultProvider provider.Provider) *Registry {
	return &Registry{
		store:           st,
		defaultProvider: defaultProvider,
		status:          make(map[string]Status),
	}
}

func (r *Registry) SetActiveJobProbe(probe func(name string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasActiveJob = probe
}

func (r *Registry) SetSnapshotHook(hook func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSnapshot = hook
}

func (r *Registry) load() map[string]Record {
	data := map[string]Record{}
	_ = r.store.Load(sessionsTable, &data)
	for name, rec := range data {
		if rec.ProviderIDs == nil {
			rec.ProviderIDs = map[string]string{}
		}
		if rec.Provider == "" {
			rec.Provider = r.defaultProvider
		}
		rec.Name = name
		data[name] = rec
	}
	return data
}

func (r *Registry) save(data map[string]Record) error {
	return r.store.Save(sessionsTable, data)
}

// Resolve returns the session record for name, creating it when absent.
// A provider switch is refused while the session is running; the old
// provider's id stays in ProviderIDs so switching back resumes it.
func (r *Registry) Resolve(name, requestedProvider string) (Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Record{}, errors.New("session name must not be empty")
	}
	p, err := provider.Parse(requestedProvider, "")
	if err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	data := r.load()
	rec, ok := data[name]
	now := time.Now().UTC()
	if !ok {
		rec = Record{
			Name:        name,
			Provider:    r.defaultProvider,
			ProviderIDs: map[string]string{},
			CreatedAt:   now,
			LastUsed:    now,
		}
	}
	if p != "" && p != rec.Provider {
		if r.statusLocked(name) == StatusRunning {
			r.mu.Unlock()
			return Record{}, ErrConflict
		}
		rec.Provider = p
	}
	data[name] = rec
	err = r.save(data)
	r.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	r.publishSnapshot()
	return rec, nil
}

// Get returns a session without creating it.
func (r *Registry) Get(name string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.load()[name]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// EnsureProviderID makes sure the session has a conversation id for its
// active provider and returns it. Copilot tracks no id; claude waits for the
// real UUID surfaced by the CLI; other providers get a synthetic local id.
func (r *Registry) EnsureProviderID(name string) (string, error) {
	r.mu.Lock()
	data := r.load()
	rec, ok := data[name]
	if !ok {
		r.mu.Unlock()
		return "", ErrNotFound
	}
	p := rec.Provider
	id := rec.ProviderIDs[string(p)]
	if id == "" {
		switch p {
		case provider.Copilot, provider.Claude:
			// leave empty
		default:
			id = string(p) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
			rec.ProviderIDs[string(p)] = id
		}
		data[name] = rec
		if err := r.save(data); err != nil {
			r.mu.Unlock()
			return "", err
		}
	}
	r.mu.Unlock()
	r.publishSnapshot()
	return id, nil
}

// SetProviderID records the provider-side conversation id (for example the
// UUID codex emits) for the given provider slot, default the active one.
func (r *Registry) SetProviderID(name string, p provider.Provider, id string) error {
	if name == "" || id == "" {
		return nil
	}
	r.mu.Lock()
	data := r.load()
	rec, ok := data[name]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if p == "" {
		p = rec.Provider
	}
	rec.ProviderIDs[string(p)] = id
	rec.LastUsed = time.Now().UTC()
	data[name] = rec
	err := r.save(data)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publishSnapshot()
	return nil
}

// SetWorkdir sets the session's working directory.
func (r *Registry) SetWorkdir(name, workdir string) error {
	r.mu.Lock()
	data := r.load()
	rec, ok := data[name]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	rec.Workdir = strings.TrimSpace(workdir)
	data[name] = rec
	err := r.save(data)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publishSnapshot()
	return nil
}

// SetStatus flips the in-memory run status and publishes a snapshot.
func (r *Registry) SetStatus(name string, status Status) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.status[name] = status
	r.mu.Unlock()
	r.publishSnapshot()
}

// Status reports the session's current status, idle by default.
func (r *Registry) Status(name string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(name)
}

func (r *Registry) statusLocked(name string) Status {
	if s, ok := r.status[name]; ok {
		return s
	}
	return StatusIdle
}

// Touch bumps last-used (and created-at when unset).
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	data := r.load()
	rec, ok := data[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.LastUsed = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	data[name] = rec
	_ = r.save(data)
	r.mu.Unlock()
}

// Delete removes a session. Refused while running. The caller purges the
// history store.
func (r *Registry) Delete(name string) (Record, error) {
	r.mu.Lock()
	if r.statusLocked(name) == StatusRunning {
		r.mu.Unlock()
		return Record{}, ErrConflict
	}
	data := r.load()
	rec, ok := data[name]
	if !ok {
		r.mu.Unlock()
		return Record{}, ErrNotFound
	}
	delete(data, name)
	delete(r.status, name)
	err := r.save(data)
	r.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	r.publishSnapshot()
	return rec, nil
}

// Snapshot returns every session plus reconciled statuses: a session marked
// running with no live job is demoted to idle on the spot, which self-heals
// status left stale by a crashed job.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	data := r.load()
	snap := Snapshot{Status: make(map[string]Status, len(data))}
	for name := range data {
		status := r.statusLocked(name)
		if status == StatusRunning && r.hasActiveJob != nil && !r.hasActiveJob(name) {
			r.status[name] = StatusIdle
			status = StatusIdle
		}
		snap.Status[name] = status
	}
	snap.Sessions = make([]Record, 0, len(data))
	for _, rec := range data {
		snap.Sessions = append(snap.Sessions, rec)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		a, b := snap.Sessions[i], snap.Sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Name < b.Name
	})
	return snap
}

func (r *Registry) publishSnapshot() {
	r.mu.Lock()
	hook := r.onSnapshot
	var snap Snapshot
	if hook != nil {
		snap = r.snapshotLocked()
	}
	r.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
}
