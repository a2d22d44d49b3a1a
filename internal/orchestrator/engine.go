package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/history"
	"github.com/ent0n29/agentdeck/internal/job"
	"github.com/ent0n29/agentdeck/internal/protocol"
	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/session"
)

// Submitter admits prompts through the regular job admission rule. Injected
// prompts never bypass exclusivity.
type Submitter interface {
	Submit(req job.SubmitRequest) (job.SubmitResult, error)
}

// EngineConfig sizes the engine loops.
type EngineConfig struct {
	Poll            time.Duration
	DecisionTimeout time.Duration
	HistoryLimit    int
	TriggerCap      int
	DefaultWorkdir  string
}

// sessionState tracks one (orchestrator, session) pair across checks.
type sessionState struct {
	status      session.Status
	statusKnown bool
	handledIdle bool
	kickoffSent bool
	lastOutput  int
}

// Engine feeds idle transitions of managed sessions into decisions. Two
// paths reach the same per-session check: the trigger queue (fed on job
// completion) and a poll sweep that catches anything the queue missed.
type Engine struct {
	cfg      EngineConfig
	mgr      *Manager
	registry *session.Registry
	hist     history.Store
	jobs     Submitter
	hub      *broadcast.Hub
	exec     provider.Executor

	trigger    chan string
	processing lockSet

	mu    sync.Mutex
	state map[string]map[string]*sessionState

	// onDecision is an optional counter hook.
	onDecision func(action string)
}

func NewEngine(cfg EngineConfig, mgr *Manager, registry *session.Registry, hist history.Store, jobs Submitter, hub *broadcast.Hub, exec provider.Executor) *Engine {
	if cfg.Poll <= 0 {
		cfg.Poll = 30 * time.Second
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 5 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.TriggerCap <= 0 {
		cfg.TriggerCap = 128
	}
	return &Engine{
		cfg:        cfg,
		mgr:        mgr,
		registry:   registry,
		hist:       hist,
		jobs:       jobs,
		hub:        hub,
		exec:       exec,
		trigger:    make(chan string, cfg.TriggerCap),
		processing: newLockSet(),
		state:      make(map[string]map[string]*sessionState),
	}
}

func (e *Engine) SetDecisionCounter(hook func(action string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDecision = hook
}

// Trigger enqueues an immediate check for a session. Never blocks: a full
// queue falls back to the poll sweep.
func (e *Engine) Trigger(sessionName string) {
	if sessionName == "" {
		return
	}
	select {
	case e.trigger <- sessionName:
	default:
	}
}

// Run drives both check paths until the context ends.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.eventLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.pollLoop(ctx)
	}()
	wg.Wait()
}

func (e *Engine) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-e.trigger:
			for _, o := range e.mgr.ManagersOf(name) {
				e.checkSession(ctx, o, name)
			}
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, o := range e.mgr.Enabled() {
				for _, name := range o.ManagedSessions {
					e.checkSession(ctx, o, name)
				}
			}
		}
	}
}

// checkSession runs the per-(orchestrator, session) state machine. The
// per-session try-lock deduplicates simultaneous triggers from both loops;
// a held lock means another check is in flight and this one is skipped.
func (e *Engine) checkSession(ctx context.Context, o Orchestrator, sessionName string) {
	if !e.processing.TryAcquire(sessionName) {
		return
	}
	defer e.processing.Release(sessionName)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] check for %s panicked: %v", sessionName, r)
		}
	}()

	status := e.registry.Status(sessionName)
	st := e.stateFor(o.ID, sessionName)

	prev, prevKnown := st.status, st.statusKnown
	st.status = status
	st.statusKnown = true
	if status == session.StatusRunning {
		st.handledIdle = false
		return
	}

	shouldHandle := (prevKnown && prev == session.StatusRunning && status == session.StatusIdle) ||
		(!prevKnown && status == session.StatusIdle && !st.handledIdle)
	if !shouldHandle {
		return
	}

	rec, err := e.hist.ReadByName(ctx, sessionName)
	if err != nil {
		log.Printf("[orchestrator] read history for %s: %v", sessionName, err)
		return
	}

	if len(rec.Messages) == 0 && !st.kickoffSent {
		e.kickoff(o, sessionName, st)
		return
	}

	idx, latest := history.LatestAssistantMessage(rec)
	if idx < 0 || idx == st.lastOutput || latest == "" {
		st.handledIdle = true
		return
	}

	action, err := e.decide(ctx, o, sessionName, rec)
	if err != nil {
		// Left for the next event or poll cycle.
		log.Printf("[orchestrator] decision for %s failed: %v", sessionName, err)
		return
	}
	e.apply(o, sessionName, action)
	st.lastOutput = idx
	st.handledIdle = true
}

func (e *Engine) stateFor(orchID, sessionName string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	bySession, ok := e.state[orchID]
	if !ok {
		bySession = make(map[string]*sessionState)
		e.state[orchID] = bySession
	}
	st, ok := bySession[sessionName]
	if !ok {
		st = &sessionState{lastOutput: -1}
		bySession[sessionName] = st
	}
	return st
}

// kickoff injects the first prompt into a fresh session. The orchestrator's
// own history is the restart-safe record of kickoffs already sent.
func (e *Engine) kickoff(o Orchestrator, sessionName string, st *sessionState) {
	if o.kickoffRecorded(sessionName) {
		st.kickoffSent = true
		st.handledIdle = true
		return
	}
	role := InferRole(o.Goal)
	workdir := e.sessionWorkdir(sessionName)
	prompt := KickoffPrompt(o.Goal, role, workdir)
	e.inject(sessionName, prompt)
	if err := e.mgr.AppendHistory(o.ID, HistoryEntry{
		At:            time.Now(),
		Action:        "kickoff",
		TargetSession: sessionName,
		Prompt:        prompt,
	}); err != nil {
		log.Printf("[orchestrator] record kickoff for %s: %v", sessionName, err)
	}
	st.kickoffSent = true
	st.handledIdle = true
	st.lastOutput = -1
}

// decide asks the orchestrator's provider for the next action.
func (e *Engine) decide(ctx context.Context, o Orchestrator, sessionName string, rec history.Record) (Action, error) {
	var contexts []string
	for _, name := range o.ManagedSessions {
		contexts = append(contexts, fmt.Sprintf("  - %s: %s", name, e.sessionWorkdir(name)))
	}
	prompt := decisionPrompt(o.Goal, strings.Join(contexts, "\n"), history.FormatRecent(rec, e.cfg.HistoryLimit))

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.DecisionTimeout)
	defer cancel()
	res, err := e.exec.Execute(callCtx, provider.Request{
		Provider: o.Provider,
		Prompt:   prompt,
	})
	if err != nil {
		return Action{}, err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = strings.TrimSpace(res.Stdout)
	}
	return DecodeAction(text), nil
}

// apply routes a decoded action and records it on the orchestrator.
func (e *Engine) apply(o Orchestrator, sessionName string, action Action) {
	now := time.Now()
	entry := HistoryEntry{
		At:            now,
		Action:        string(action.Kind),
		TargetSession: sessionName,
		Raw:           action.Raw,
	}

	switch action.Kind {
	case KindAskHuman:
		if action.Question != "" {
			entry.Question = action.Question
			if err := e.mgr.SetPendingQuestion(o.ID, Question{
				Question:      action.Question,
				TargetSession: sessionName,
				AskedAt:       now,
			}); err != nil {
				log.Printf("[orchestrator] store question for %s: %v", o.Name, err)
			}
			e.hub.Master().Publish(protocol.MasterMessage{
				Type:           protocol.EventQuestion,
				SessionName:    sessionName,
				OrchestratorID: o.ID,
				Question:       action.Question,
			})
		}
	case KindContinue:
		entry.Prompt = action.Message
		if o.manages(sessionName) && action.Message != "" {
			e.inject(sessionName, action.Message)
			e.hub.Master().Publish(protocol.MasterMessage{
				Type:        protocol.EventMessage,
				SessionName: sessionName,
				Text:        action.Message,
			})
		}
	case KindDone:
		e.hub.Master().Publish(protocol.MasterMessage{
			Type:           protocol.EventCompletion,
			SessionName:    sessionName,
			OrchestratorID: o.ID,
			Goal:           o.Goal,
		})
	case KindParseError:
		log.Printf("[orchestrator] %s produced no parseable action for %s", o.Name, sessionName)
	}

	if err := e.mgr.AppendHistory(o.ID, entry); err != nil {
		log.Printf("[orchestrator] record decision for %s: %v", o.Name, err)
	}
	if err := e.mgr.RecordDecision(o.ID, action.Kind, action.Question, now); err != nil {
		log.Printf("[orchestrator] update decision fields for %s: %v", o.Name, err)
	}
	e.mu.Lock()
	hook := e.onDecision
	e.mu.Unlock()
	if hook != nil {
		hook(string(action.Kind))
	}
}

// inject submits a prompt into a session through the normal admission rule.
// Running sessions are skipped; their completion re-triggers the engine.
func (e *Engine) inject(sessionName, prompt string) {
	if sessionName == "" || prompt == "" {
		return
	}
	if e.registry.Status(sessionName) == session.StatusRunning {
		return
	}
	e.recordInjected(sessionName, prompt)
	e.hub.SessionViewers(sessionName).Publish(protocol.SessionMessage{
		Type:   protocol.EventMessage,
		Source: "orchestrator",
		Role:   "system",
		Text:   "[Orchestrator] " + prompt,
	})
	if _, err := e.jobs.Submit(job.SubmitRequest{
		SessionName: sessionName,
		Prompt:      prompt,
		Source:      "orchestrator",
	}); err != nil {
		log.Printf("[orchestrator] inject into %s: %v", sessionName, err)
	}
}

// recordInjected writes the injected prompt into the session history as a
// system message so later decisions see what was already asked.
func (e *Engine) recordInjected(sessionName, prompt string) {
	rec, err := e.registry.Get(sessionName)
	if err != nil || rec.SessionID() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = e.hist.Append(ctx, rec.SessionID(), sessionName, history.Conversation{
		Messages: []history.Message{{Role: "system", Text: "[Orchestrator] " + prompt}},
	})
	if err != nil {
		log.Printf("[orchestrator] record injected prompt for %s: %v", sessionName, err)
	}
}

// Respond delivers a human answer to the pending question: the question is
// cleared and the response goes into the target session as a normal prompt.
func (e *Engine) Respond(orchID, response string) error {
	response = strings.TrimSpace(response)
	if response == "" {
		return errors.New("response is required")
	}
	q, err := e.mgr.TakePendingQuestion(orchID)
	if err != nil {
		return err
	}
	if q.TargetSession == "" {
		return errors.New("pending question has no target session")
	}
	if _, err := e.jobs.Submit(job.SubmitRequest{
		SessionName: q.TargetSession,
		Prompt:      response,
		Source:      "user",
	}); err != nil {
		return err
	}
	if err := e.mgr.AppendHistory(orchID, HistoryEntry{
		At:            time.Now(),
		Action:        "human_response",
		TargetSession: q.TargetSession,
		Prompt:        response,
		Question:      q.Question,
	}); err != nil {
		log.Printf("[orchestrator] record response for %s: %v", orchID, err)
	}
	return nil
}

func (e *Engine) sessionWorkdir(sessionName string) string {
	if rec, err := e.registry.Get(sessionName); err == nil && rec.Workdir != "" {
		return rec.Workdir
	}
	return e.cfg.DefaultWorkdir
}

// lockSet is a set of per-key try-locks. Acquire never blocks, so a check
// already in flight causes new triggers to skip instead of queue.
type lockSet struct {
	mu   *sync.Mutex
	held map[string]bool
}

func newLockSet() lockSet {
	return lockSet{mu: &sync.Mutex{}, held: make(map[string]bool)}
}

func (s lockSet) TryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] {
		return false
	}
	s.held[key] = true
	return true
}

func (s lockSet) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, key)
}
