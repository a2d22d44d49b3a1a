package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/history"
	"github.com/ent0n29/agentdeck/internal/protocol"
	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/session"
	"github.com/ent0n29/agentdeck/internal/store"
)

type fixture struct {
	manager  *Manager
	registry *session.Registry
	hist     *history.FileStore
	hub      *broadcast.Hub
}

// gatedExec completes one request each time Release is called, recording
// completion order.
type gatedExec struct {
	mu    sync.Mutex
	gates chan struct{}
	runs  []string
}

func newGatedExec() *gatedExec {
	return &gatedExec{gates: make(chan struct{}, 64)}
}

func (e *gatedExec) Release() { e.gates <- struct{}{} }

func (e *gatedExec) Execute(ctx context.Context, req provider.Request) (provider.Result, error) {
	return e.ExecuteStream(ctx, req, provider.Stream{})
}

func (e *gatedExec) ExecuteStream(ctx context.Context, req provider.Request, stream provider.Stream) (provider.Result, error) {
	select {
	case <-e.gates:
	case <-ctx.Done():
		return provider.Result{}, ctx.Err()
	}
	e.mu.Lock()
	e.runs = append(e.runs, req.Prompt)
	e.mu.Unlock()
	return provider.Result{Text: "reply to " + req.Prompt}, nil
}

func (e *gatedExec) Runs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.runs))
	copy(out, e.runs)
	return out
}

func newFixture(t *testing.T, exec provider.Executor) *fixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	registry := session.NewRegistry(st, provider.Codex)
	hist := history.NewFileStore(st)
	hub := broadcast.NewHub(broadcast.Options{EnqueueTimeout: time.Millisecond})
	mgr := NewManager(Config{
		DefaultTimeout: 5 * time.Second,
		PublishTimeout: time.Millisecond,
	}, exec, registry, hist, hub, st)
	return &fixture{manager: mgr, registry: registry, hist: hist, hub: hub}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitStartsIdleSession(t *testing.T) {
	exec := newGatedExec()
	f := newFixture(t, exec)

	res, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "first"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Outcome != OutcomeStarted {
		t.Fatalf("outcome = %q, want started", res.Outcome)
	}
	if got := f.registry.Status("alpha"); got != session.StatusRunning {
		t.Fatalf("session status = %q, want running", got)
	}

	exec.Release()
	waitFor(t, "job completion", res.Job.Done)
	waitFor(t, "session idle", func() bool { return f.registry.Status("alpha") == session.StatusIdle })
}

func TestBusySessionQueuesSecondPrompt(t *testing.T) {
	exec := newGatedExec()
	f := newFixture(t, exec)

	first, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "first"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "second"})
	if err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	if second.Outcome != OutcomeQueued || second.QueuePosition != 1 {
		t.Fatalf("second = %+v, want queued at position 1", second)
	}
	// Only one non-done job exists for the key.
	if got := f.manager.PendingCount("alpha"); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	exec.Release()
	waitFor(t, "first job done", first.Job.Done)
	// The queued prompt auto-starts; release it too.
	waitFor(t, "second job admitted", func() bool {
		j, ok := f.manager.Get("codex:alpha")
		return ok && !j.Done() && j.Prompt == "second"
	})
	exec.Release()
	waitFor(t, "second job done", func() bool {
		j, ok := f.manager.Get("codex:alpha")
		return ok && j.Done()
	})

	if runs := exec.Runs(); len(runs) != 2 || runs[0] != "first" || runs[1] != "second" {
		t.Fatalf("run order = %v, want [first second]", runs)
	}
}

func TestPendingPromptsDrainInFIFOOrder(t *testing.T) {
	exec := newGatedExec()
	f := newFixture(t, exec)

	if _, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "p1"}); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"p2", "p3", "p4"} {
		res, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: p})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeQueued {
			t.Fatalf("outcome for %s = %q, want queued", p, res.Outcome)
		}
	}

	for i := 0; i < 4; i++ {
		exec.Release()
	}
	waitFor(t, "all prompts to run", func() bool { return len(exec.Runs()) == 4 })
	waitFor(t, "queue drained", func() bool { return f.manager.PendingCount("alpha") == 0 })

	want := []string{"p1", "p2", "p3", "p4"}
	runs := exec.Runs()
	for i := range want {
		if runs[i] != want[i] {
			t.Fatalf("run order = %v, want %v", runs, want)
		}
	}
}

func TestPromptlessSubmitAttachesToRunningJob(t *testing.T) {
	exec := newGatedExec()
	f := newFixture(t, exec)

	first, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "work"})
	if err != nil {
		t.Fatal(err)
	}
	attach, err := f.manager.Submit(SubmitRequest{SessionName: "alpha"})
	if err != nil {
		t.Fatalf("attach error = %v", err)
	}
	if attach.Outcome != OutcomeAttached {
		t.Fatalf("outcome = %q, want attached", attach.Outcome)
	}
	if attach.Job != first.Job {
		t.Fatal("attach should return the running job")
	}
	exec.Release()
	waitFor(t, "job done", first.Job.Done)
}

func TestTimeoutKillsJobAndBroadcastsError(t *testing.T) {
	exec := newGatedExec() // never released: blocks until ctx deadline
	f := newFixture(t, exec)

	res, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "slow", Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	sub, _ := res.Job.Topic().Subscribe(0)
	defer sub.Close()

	waitFor(t, "timeout completion", res.Job.Done)
	if got := res.Job.Status(); got != StatusTimeout {
		t.Fatalf("status = %q, want timeout", got)
	}

	sawError := false
	deadline := time.After(2 * time.Second)
	for !sawError {
		select {
		case e := <-sub.C():
			if evt, ok := e.Payload.(protocol.JobEvent); ok && evt.Type == protocol.EventError {
				sawError = true
			}
		case <-deadline:
			t.Fatal("no error event broadcast after timeout")
		}
	}
	waitFor(t, "session idle", func() bool { return f.registry.Status("alpha") == session.StatusIdle })
}

func TestCompletionAppendsHistory(t *testing.T) {
	exec := newGatedExec()
	f := newFixture(t, exec)

	res, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	exec.Release()
	waitFor(t, "job done", res.Job.Done)

	waitFor(t, "history append", func() bool {
		rec, err := f.hist.ReadByName(context.Background(), "alpha")
		return err == nil && len(rec.Messages) == 2
	})
	rec, _ := f.hist.ReadByName(context.Background(), "alpha")
	if rec.Messages[0].Role != "user" || rec.Messages[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %+v", rec.Messages)
	}
}

func TestSessionIdleHookFiresOnCompletion(t *testing.T) {
	exec := newGatedExec()
	f := newFixture(t, exec)

	var mu sync.Mutex
	var idled []string
	f.manager.SetSessionIdleHook(func(name string) {
		mu.Lock()
		idled = append(idled, name)
		mu.Unlock()
	})

	res, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "go"})
	if err != nil {
		t.Fatal(err)
	}
	exec.Release()
	waitFor(t, "idle hook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(idled) == 1 && idled[0] == "alpha"
	})
	_ = res
}

func TestSweepRemovesOnlyOldFinishedJobs(t *testing.T) {
	exec := newGatedExec()
	f := newFixture(t, exec)

	res, err := f.manager.Submit(SubmitRequest{SessionName: "alpha", Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if n := f.manager.Sweep(time.Now()); n != 0 {
		t.Fatalf("Sweep() on running job = %d, want 0", n)
	}
	exec.Release()
	waitFor(t, "job done", res.Job.Done)

	if n := f.manager.Sweep(time.Now()); n != 0 {
		t.Fatalf("Sweep() within retention = %d, want 0", n)
	}
	if n := f.manager.Sweep(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("Sweep() past retention = %d, want 1", n)
	}
	if _, ok := f.manager.Get("codex:alpha"); ok {
		t.Fatal("job should be gone after sweep")
	}
}

func TestAnonymousJobSkipsSessionBookkeeping(t *testing.T) {
	exec := newGatedExec()
	f := newFixture(t, exec)

	res, err := f.manager.Submit(SubmitRequest{Prompt: "one shot"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.SessionName != "" {
		t.Fatalf("anonymous job has session name %q", res.Job.SessionName)
	}
	exec.Release()
	waitFor(t, "job done", res.Job.Done)

	snap := f.registry.Snapshot()
	if len(snap.Sessions) != 0 {
		t.Fatalf("anonymous job created sessions: %+v", snap.Sessions)
	}
}
