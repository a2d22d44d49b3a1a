package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/config"
	"github.com/ent0n29/agentdeck/internal/history"
	"github.com/ent0n29/agentdeck/internal/job"
	"github.com/ent0n29/agentdeck/internal/orchestrator"
	"github.com/ent0n29/agentdeck/internal/protocol"
	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/session"
	"github.com/ent0n29/agentdeck/internal/store"
	"github.com/ent0n29/agentdeck/internal/task"
)

// gatedExec blocks each request until Release is called.
type gatedExec struct {
	mu    sync.Mutex
	gates chan struct{}
}

func newGatedExec() *gatedExec { return &gatedExec{gates: make(chan struct{}, 64)} }

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
	if stream.OnStdout != nil {
		stream.OnStdout("reply to " + req.Prompt)
	}
	return provider.Result{Text: "reply to " + req.Prompt}, nil
}

type testServer struct {
	ts       *httptest.Server
	exec     *gatedExec
	jobs     *job.Manager
	finished chan struct{}
	taskRuns chan struct{}
}

// waitFinished blocks until n job completion pipelines have fully run,
// including their history and session-table writes.
func (f *testServer) waitFinished(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.finished:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for job completion %d of %d", i+1, n)
		}
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	exec := newGatedExec()
	registry := session.NewRegistry(st, provider.Codex)
	hist := history.NewFileStore(st)
	hub := broadcast.NewHub(broadcast.Options{EnqueueTimeout: time.Millisecond})
	jobs := job.NewManager(job.Config{PublishTimeout: time.Millisecond}, exec, registry, hist, hub, st)
	finished := make(chan struct{}, 16)
	jobs.SetCounters(
		func(provider.Provider) {},
		func(provider.Provider, string) { finished <- struct{}{} },
		func() {},
	)
	tasks, err := task.NewManager(task.Config{}, st, exec, hub)
	if err != nil {
		t.Fatalf("task.NewManager() error = %v", err)
	}
	taskRuns := make(chan struct{}, 16)
	tasks.SetRunCounter(func(string) { taskRuns <- struct{}{} })
	orchs, err := orchestrator.NewManager(st, provider.Codex)
	if err != nil {
		t.Fatalf("orchestrator.NewManager() error = %v", err)
	}
	engine := orchestrator.NewEngine(orchestrator.EngineConfig{}, orchs, registry, hist, jobs, hub, exec)
	srv := New(config.Config{}, registry, jobs, tasks, orchs, engine, hist, hub, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, exec: exec, jobs: jobs, finished: finished, taskRuns: taskRuns}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newTestServer(t)
	res, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	body := decodeBody(t, res)
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newTestServer(t)

	res := postJSON(t, f.ts.URL+"/api/sessions", map[string]string{"name": "alpha", "workdir": "/tmp/proj"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", res.StatusCode)
	}
	created := decodeBody(t, res)
	if created["name"] != "alpha" {
		t.Fatalf("created = %+v", created)
	}

	listRes, err := http.Get(f.ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	list := decodeBody(t, listRes)
	sessions, _ := list["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/sessions/alpha", nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delRes.Body.Close()
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delRes.StatusCode)
	}

	again, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", again.StatusCode)
	}
}

func TestPromptAdmissionStatusCodes(t *testing.T) {
	f := newTestServer(t)

	res := postJSON(t, f.ts.URL+"/api/sessions/alpha/prompt", map[string]string{"prompt": "first"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("first prompt status = %d, want 202", res.StatusCode)
	}
	first := decodeBody(t, res)
	if first["outcome"] != "started" || first["job_id"] == "" {
		t.Fatalf("first = %+v", first)
	}

	res = postJSON(t, f.ts.URL+"/api/sessions/alpha/prompt", map[string]string{"prompt": "second"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queued prompt status = %d, want 200", res.StatusCode)
	}
	queued := decodeBody(t, res)
	if queued["outcome"] != "queued" || queued["queue_position"] != float64(1) {
		t.Fatalf("queued = %+v", queued)
	}

	res = postJSON(t, f.ts.URL+"/api/sessions/alpha/prompt", map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("attach status = %d, want 200", res.StatusCode)
	}
	attach := decodeBody(t, res)
	if attach["outcome"] != "attached" {
		t.Fatalf("attach = %+v", attach)
	}

	f.exec.Release()
	f.exec.Release()
	f.waitFinished(t, 2)
}

func TestJobStreamReplaysFinishedJob(t *testing.T) {
	f := newTestServer(t)

	res := postJSON(t, f.ts.URL+"/api/sessions/alpha/prompt", map[string]string{"prompt": "hello"})
	started := decodeBody(t, res)
	if started["outcome"] != "started" {
		t.Fatalf("submit = %+v", started)
	}
	f.exec.Release()
	f.waitFinished(t, 1)

	if _, ok := f.jobs.Get("codex:alpha"); !ok {
		t.Fatal("job not found")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/api/stream/jobs/codex:alpha", nil)
	streamRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer streamRes.Body.Close()
	if ct := streamRes.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Frames arrive as named events with the JSON body on the data line.
	var sawOpen, sawStdout, sawDone bool
	var event string
	scanner := bufio.NewScanner(streamRes.Body)
	for scanner.Scan() && !sawDone {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			switch event {
			case protocol.EventOpen:
				sawOpen = true
			case protocol.EventStdout:
				if strings.Contains(line, "reply to hello") {
					sawStdout = true
				}
			case protocol.EventDone:
				sawDone = true
			}
		}
	}
	if !sawOpen || !sawStdout || !sawDone {
		t.Fatalf("replay incomplete: open=%v stdout=%v done=%v", sawOpen, sawStdout, sawDone)
	}
}

func TestTaskEndpoints(t *testing.T) {
	f := newTestServer(t)

	res := postJSON(t, f.ts.URL+"/api/tasks", map[string]any{
		"name":     "nightly",
		"prompt":   "run the suite",
		"schedule": map[string]any{"type": "interval", "minutes": 5},
		"enabled":  true,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status = %d", res.StatusCode)
	}
	created := decodeBody(t, res)
	id, _ := created["id"].(string)
	if id == "" || created["next_run"] == nil {
		t.Fatalf("created = %+v", created)
	}

	dup := postJSON(t, f.ts.URL+"/api/tasks", map[string]any{
		"name": "nightly", "prompt": "x",
	})
	dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate task status = %d, want 409", dup.StatusCode)
	}

	runRes := postJSON(t, f.ts.URL+"/api/tasks/"+id+"/run", map[string]any{})
	runRes.Body.Close()
	if runRes.StatusCode != http.StatusAccepted {
		t.Fatalf("run status = %d, want 202", runRes.StatusCode)
	}
	f.exec.Release()
	select {
	case <-f.taskRuns:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the task run to finish")
	}

	offRes := postJSON(t, f.ts.URL+"/api/tasks/"+id+"/enable", map[string]any{"enabled": false})
	if offRes.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d", offRes.StatusCode)
	}
	off := decodeBody(t, offRes)
	if off["enabled"] != false {
		t.Fatalf("task still enabled: %+v", off)
	}
}

func TestOrchestratorEndpoints(t *testing.T) {
	f := newTestServer(t)

	res := postJSON(t, f.ts.URL+"/api/orchestrators", map[string]any{
		"name": "boss", "goal": "ship it", "managed_sessions": []string{"alpha"}, "enabled": true,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", res.StatusCode)
	}
	created := decodeBody(t, res)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created = %+v", created)
	}

	respondRes := postJSON(t, f.ts.URL+"/api/orchestrators/"+id+"/respond", map[string]string{"response": "yes"})
	respondRes.Body.Close()
	if respondRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("respond without question status = %d, want 400", respondRes.StatusCode)
	}

	missing := postJSON(t, f.ts.URL+"/api/orchestrators/nope/respond", map[string]string{"response": "yes"})
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("respond to unknown status = %d, want 404", missing.StatusCode)
	}
}
