package job

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/history"
	"github.com/ent0n29/agentdeck/internal/protocol"
	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/session"
	"github.com/ent0n29/agentdeck/internal/store"
)

// Outcome of a submission.
type Outcome string

const (
	// OutcomeStarted means a new job was admitted and is running.
	OutcomeStarted Outcome = "started"
	// OutcomeQueued means the session was busy and the prompt joined its
	// pending FIFO.
	OutcomeQueued Outcome = "queued"
	// OutcomeAttached means no prompt was supplied and the caller was
	// attached to the already-running job as a subscriber.
	OutcomeAttached Outcome = "attached"
)

// SubmitRequest describes a prompt aimed at a session (or an anonymous
// one-shot when SessionName is empty).
type SubmitRequest struct {
	SessionName     string
	Provider        string
	Prompt          string
	Workdir         string
	Timeout         time.Duration
	ResumeLast      bool
	ContextBriefing string
	// Source labels who injected the prompt ("user" by default,
	// "orchestrator" for engine-injected ones).
	Source string
}

// SubmitResult reports how the admission rule resolved a request.
type SubmitResult struct {
	Outcome       Outcome
	Job           *Job
	QueuePosition int
}

type pendingPrompt struct {
	req SubmitRequest
}

// Config sizes the manager.
type Config struct {
	DefaultTimeout time.Duration
	Retention      time.Duration
	BufferCap      int
	QueueCap       int
	PublishTimeout time.Duration
}

// Manager owns the active-job table and enforces "at most one active job per
// (provider, session)". Completion feeds the history store, the broadcast
// hub, the orchestrator trigger and the session's pending-prompt FIFO.
type Manager struct {
	cfg      Config
	exec     provider.Executor
	registry *session.Registry
	hist     history.Store
	hub      *broadcast.Hub
	events   *store.Store

	mu      sync.Mutex
	jobs    map[string]*Job
	pending map[string][]pendingPrompt

	// onSessionIdle is invoked after a session's job completes; the
	// orchestrator engine wires its trigger queue here.
	onSessionIdle func(sessionName string)
	// hooks for counters; optional.
	onJobFinished  func(p provider.Provider, status string)
	onJobStarted   func(p provider.Provider)
	onPromptQueued func()
}

func NewManager(cfg Config, exec provider.Executor, registry *session.Registry, hist history.Store, hub *broadcast.Hub, events *store.Store) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = 800
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 128
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 50 * time.Millisecond
	}
	m := &Manager{
		cfg:      cfg,
		exec:     exec,
		registry: registry,
		hist:     hist,
		hub:      hub,
		events:   events,
		jobs:     make(map[string]*Job),
		pending:  make(map[string][]pendingPrompt),
	}
	registry.SetActiveJobProbe(m.HasActiveJob)
	return m
}

func (m *Manager) SetSessionIdleHook(hook func(sessionName string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSessionIdle = hook
}

func (m *Manager) SetCounters(started func(provider.Provider), finished func(provider.Provider, string), queued func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJobStarted = started
	m.onJobFinished = finished
	m.onPromptQueued = queued
}

// Get returns the active or recently finished job for a key.
func (m *Manager) Get(key string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	return j, ok
}

// HasActiveJob reports whether a non-done job references the session.
func (m *Manager) HasActiveJob(sessionName string) bool {
	if sessionName == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.SessionName == sessionName && !j.Done() {
			return true
		}
	}
	return false
}

// PendingCount reports the depth of a session's prompt FIFO.
func (m *Manager) PendingCount(sessionName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[sessionName])
}

// Submit applies the admission rule. A busy session never rejects: a
// prompt-less request attaches to the running job, a prompt is queued in
// FIFO order and auto-starts when the active job completes.
func (m *Manager) Submit(req SubmitRequest) (SubmitResult, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.SessionName = strings.TrimSpace(req.SessionName)
	if req.Timeout <= 0 {
		req.Timeout = m.cfg.DefaultTimeout
	}

	if req.SessionName == "" {
		if req.Prompt == "" {
			return SubmitResult{}, errors.New("prompt is required")
		}
		p, err := provider.Parse(req.Provider, provider.Codex)
		if err != nil {
			return SubmitResult{}, err
		}
		j := m.newJob(uuid.NewString(), req, p, "")
		m.mu.Lock()
		m.jobs[j.Key] = j
		m.mu.Unlock()
		m.start(j)
		return SubmitResult{Outcome: OutcomeStarted, Job: j}, nil
	}

	rec, err := m.resolveSession(req.SessionName, req.Provider)
	if err != nil {
		return SubmitResult{}, err
	}
	key := string(rec.Provider) + ":" + rec.Name

	m.mu.Lock()
	existing, ok := m.jobs[key]
	if ok && !existing.Done() {
		if req.Prompt == "" {
			m.mu.Unlock()
			return SubmitResult{Outcome: OutcomeAttached, Job: existing}, nil
		}
		m.pending[rec.Name] = append(m.pending[rec.Name], pendingPrompt{req: req})
		pos := len(m.pending[rec.Name])
		queued := m.onPromptQueued
		m.mu.Unlock()
		if queued != nil {
			queued()
		}
		return SubmitResult{Outcome: OutcomeQueued, QueuePosition: pos}, nil
	}
	if req.Prompt == "" {
		m.mu.Unlock()
		return SubmitResult{}, errors.New("prompt is required")
	}
	j := m.admitLocked(key, rec, req)
	m.mu.Unlock()

	m.markRunning(j)
	m.start(j)
	return SubmitResult{Outcome: OutcomeStarted, Job: j}, nil
}

// resolveSession resolves the record and provisions a provider id where the
// provider uses synthetic local ids. Registry calls must stay outside the
// manager lock: the registry's snapshot reconcile probes the job table, so
// holding both locks here would invert that ordering.
func (m *Manager) resolveSession(name, requestedProvider string) (session.Record, error) {
	rec, err := m.registry.Resolve(name, requestedProvider)
	if err != nil {
		return session.Record{}, err
	}
	if rec.SessionID() == "" {
		id, err := m.registry.EnsureProviderID(rec.Name)
		if err == nil && id != "" {
			rec.ProviderIDs[string(rec.Provider)] = id
		}
	}
	return rec, nil
}

// admitLocked builds and registers a session job. Caller holds the lock.
func (m *Manager) admitLocked(key string, rec session.Record, req SubmitRequest) *Job {
	resumeID := rec.SessionID()
	workdir := strings.TrimSpace(req.Workdir)
	if workdir == "" {
		workdir = rec.Workdir
	}
	j := m.newJob(key, req, rec.Provider, resumeID)
	j.SessionName = rec.Name
	j.Workdir = workdir
	m.jobs[key] = j
	return j
}

func (m *Manager) newJob(key string, req SubmitRequest, p provider.Provider, resumeID string) *Job {
	return &Job{
		ID:              uuid.NewString(),
		Key:             key,
		Provider:        p,
		Prompt:          req.Prompt,
		Workdir:         req.Workdir,
		Timeout:         req.Timeout,
		ResumeSessionID: resumeID,
		ResumeLast:      req.ResumeLast,
		ContextBriefing: req.ContextBriefing,
		sessionID:       resumeID,
		topic:           broadcast.NewTopic("job:"+key, m.cfg.BufferCap, m.cfg.QueueCap, m.cfg.PublishTimeout),
	}
}

func (m *Manager) markRunning(j *Job) {
	if j.SessionName == "" {
		return
	}
	m.registry.SetStatus(j.SessionName, session.StatusRunning)
	m.registry.Touch(j.SessionName)
	m.hub.SessionViewers(j.SessionName).Publish(protocol.SessionMessage{
		Type:   protocol.EventStatusChange,
		Status: string(session.StatusRunning),
	})
}

// start launches the job worker.
func (m *Manager) start(j *Job) {
	if m.onJobStarted != nil {
		m.onJobStarted(j.Provider)
	}
	m.logEvent(map[string]any{
		"type":         "job.start",
		"provider":     string(j.Provider),
		"session_name": j.SessionName,
		"session_id":   j.SessionID(),
		"prompt":       j.Prompt,
	})
	go m.run(j)
}

func (m *Manager) run(j *Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[job] worker panic for %s: %v", j.Key, r)
			m.complete(j, StatusError, -1, provider.Result{}, errors.New("internal worker failure"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), j.Timeout)
	defer cancel()

	res, err := m.exec.ExecuteStream(ctx, provider.Request{
		Provider:        j.Provider,
		Prompt:          j.Prompt,
		Workdir:         j.Workdir,
		ResumeSessionID: j.ResumeSessionID,
		ResumeLast:      j.ResumeLast,
		ContextBriefing: j.ContextBriefing,
	}, provider.Stream{
		OnStdout: func(line string) {
			j.topic.Publish(protocol.JobEvent{Type: protocol.EventStdout, Text: line})
			m.maybeCaptureSessionID(j, line)
		},
		OnStderr: func(line string) {
			j.topic.Publish(protocol.JobEvent{Type: protocol.EventStderr, Text: line})
		},
	})

	status := StatusOK
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = StatusTimeout
	default:
		status = StatusError
	}
	m.complete(j, status, res.ReturnCode, res, err)
}

// maybeCaptureSessionID watches codex's JSON event stream for the real
// conversation id and stores it as soon as it appears, so a crash mid-job
// still leaves the session resumable.
func (m *Manager) maybeCaptureSessionID(j *Job, line string) {
	if j.Provider != provider.Codex || j.SessionName == "" {
		return
	}
	if !strings.Contains(line, "session") && !strings.Contains(line, "thread") {
		return
	}
	id := provider.ExtractSessionID(provider.ParseEvents(line))
	if id == "" || id == j.SessionID() {
		return
	}
	j.setSessionID(id)
	if err := m.registry.SetProviderID(j.SessionName, j.Provider, id); err != nil {
		log.Printf("[job] store session id for %s: %v", j.SessionName, err)
	}
	j.topic.Publish(protocol.JobEvent{Type: protocol.EventSessionID, SessionID: id})
}

// complete runs the completion pipeline exactly once per job.
func (m *Manager) complete(j *Job, status string, returnCode int, res provider.Result, execErr error) {
	if j.Done() {
		return
	}
	j.finish(status, returnCode)

	if res.SessionID != "" && res.SessionID != j.ResumeSessionID && j.SessionName != "" {
		j.setSessionID(res.SessionID)
		if err := m.registry.SetProviderID(j.SessionName, j.Provider, res.SessionID); err != nil {
			log.Printf("[job] store session id for %s: %v", j.SessionName, err)
		}
	}

	m.persistConversation(j, status, res, execErr)

	if j.SessionName != "" {
		m.registry.SetStatus(j.SessionName, session.StatusIdle)
		m.registry.Touch(j.SessionName)
	}

	rc := returnCode
	if status == StatusOK {
		j.topic.Publish(protocol.JobEvent{Type: protocol.EventDone, ReturnCode: &rc, Status: status})
	} else {
		text := strings.TrimSpace(errText(execErr, res))
		j.topic.Publish(protocol.JobEvent{Type: protocol.EventError, Text: text, ReturnCode: &rc, Status: status})
	}
	m.broadcastCompletion(j, status, res, execErr)

	m.logEvent(map[string]any{
		"type":         "job." + status,
		"provider":     string(j.Provider),
		"session_name": j.SessionName,
		"session_id":   j.SessionID(),
		"return_code":  returnCode,
	})
	if m.onJobFinished != nil {
		m.onJobFinished(j.Provider, status)
	}

	if j.SessionName != "" {
		if m.onSessionIdle != nil {
			m.onSessionIdle(j.SessionName)
		}
		m.startNextPending(j.SessionName)
	}
}

func (m *Manager) persistConversation(j *Job, status string, res provider.Result, execErr error) {
	if j.SessionName == "" {
		return
	}
	sessionID := j.SessionID()
	if sessionID == "" {
		return
	}
	conv := history.Conversation{}
	if j.Prompt != "" {
		conv.Messages = append(conv.Messages, history.Message{Role: "user", Text: j.Prompt})
	}
	if status == StatusOK {
		if text := strings.TrimSpace(res.Text); text != "" {
			conv.Messages = append(conv.Messages, history.Message{Role: "assistant", Text: text})
		}
		conv.ToolOutputs = provider.ExtractToolOutputs(provider.ParseEvents(res.Stdout))
	} else {
		conv.Messages = append(conv.Messages, history.Message{Role: "error", Text: "Error: " + errText(execErr, res)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.hist.Append(ctx, sessionID, j.SessionName, conv); err != nil {
		log.Printf("[job] history append for %s: %v", j.SessionName, err)
	}
}

func (m *Manager) broadcastCompletion(j *Job, status string, res provider.Result, execErr error) {
	if j.SessionName == "" {
		return
	}
	viewers := m.hub.SessionViewers(j.SessionName)
	if status == StatusOK {
		if text := strings.TrimSpace(res.Text); text != "" {
			viewers.Publish(protocol.SessionMessage{
				Type: protocol.EventMessage, Source: "agent", Role: "assistant", Text: text,
			})
			m.hub.Master().Publish(protocol.MasterMessage{
				Type: protocol.EventMessage, SessionName: j.SessionName, Text: text,
			})
		}
	} else {
		viewers.Publish(protocol.SessionMessage{
			Type: protocol.EventMessage, Source: "system", Role: "error", Text: "Error: " + errText(execErr, res),
		})
	}
	viewers.Publish(protocol.SessionMessage{
		Type: protocol.EventStatusChange, Status: string(session.StatusIdle),
	})
}

func errText(execErr error, res provider.Result) string {
	if execErr != nil {
		return execErr.Error()
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	return "job failed"
}

// startNextPending starts the oldest queued prompt for a session, if any.
// The admission re-check makes the drain idempotent: a concurrent start for
// the same key puts the payload back at the head of the queue.
func (m *Manager) startNextPending(sessionName string) {
	m.mu.Lock()
	queue := m.pending[sessionName]
	if len(queue) == 0 {
		m.mu.Unlock()
		return
	}
	next := queue[0]
	m.pending[sessionName] = queue[1:]
	m.mu.Unlock()

	rec, err := m.resolveSession(sessionName, next.req.Provider)
	if err != nil {
		log.Printf("[job] drain pending for %s: %v", sessionName, err)
		return
	}
	key := string(rec.Provider) + ":" + rec.Name

	m.mu.Lock()
	if existing, ok := m.jobs[key]; ok && !existing.Done() {
		// Still busy: put it back and let that job's completion drain it.
		m.pending[sessionName] = append([]pendingPrompt{next}, m.pending[sessionName]...)
		m.mu.Unlock()
		return
	}
	j := m.admitLocked(key, rec, next.req)
	m.mu.Unlock()

	m.markRunning(j)
	m.start(j)
}

// Sweep drops jobs that finished more than the retention window ago.
// Returns the number removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, j := range m.jobs {
		finishedAt, done := j.finishedSince()
		if !done {
			continue
		}
		if now.Sub(finishedAt) > m.cfg.Retention {
			delete(m.jobs, key)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[cleanup] removed %d old job(s)", removed)
	}
	return removed
}

func (m *Manager) logEvent(payload map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.AppendEvent(payload); err != nil {
		log.Printf("[job] event log: %v", err)
	}
}
