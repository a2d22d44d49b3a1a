package task

import (
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/protocol"
	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/schedule"
	"github.com/ent0n29/agentdeck/internal/store"
)

func newTestManager(t *testing.T, exec provider.Executor) (*Manager, *broadcast.Hub) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	hub := broadcast.NewHub(broadcast.Options{EnqueueTimeout: time.Millisecond})
	mgr, err := NewManager(Config{}, st, exec, hub)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr, hub
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

func TestCreateAssignsNextRunForInterval(t *testing.T) {
	mgr, _ := newTestManager(t, &provider.MockExecutor{})

	before := time.Now()
	created, err := mgr.Create(Input{
		Name:     "poller",
		Prompt:   "check the queue",
		Schedule: schedule.Schedule{Kind: schedule.Interval, Minutes: 5},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.NextRun == nil {
		t.Fatal("Create() left next run unset for an enabled interval task")
	}
	want := before.Add(5 * time.Minute)
	if diff := created.NextRun.Sub(want); diff < 0 || diff > time.Second {
		t.Fatalf("next run = %v, want about %v", created.NextRun, want)
	}
	if created.Provider != provider.Codex {
		t.Fatalf("provider defaulted to %q, want codex", created.Provider)
	}
}

func TestCreateRejectsDuplicateNames(t *testing.T) {
	mgr, _ := newTestManager(t, &provider.MockExecutor{})

	if _, err := mgr.Create(Input{Name: "poller", Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	_, err := mgr.Create(Input{Name: "Poller", Prompt: "y"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Create() duplicate error = %v, want ErrConflict", err)
	}
}

func TestRunRecordsHistoryAndReschedules(t *testing.T) {
	exec := &provider.MockExecutor{Reply: func(req provider.Request) (provider.Result, error) {
		return provider.Result{Text: "all clear", Stdout: "{\"x\":1}\nall clear\n"}, nil
	}}
	mgr, _ := newTestManager(t, exec)

	created, err := mgr.Create(Input{
		Name:     "poller",
		Prompt:   "check the queue",
		Schedule: schedule.Schedule{Kind: schedule.Interval, Minutes: 5},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Run(created.ID); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	waitFor(t, "run completion", func() bool {
		got, err := mgr.Get(created.ID)
		return err == nil && len(got.RunHistory) == 1
	})
	got, _ := mgr.Get(created.ID)
	entry := got.RunHistory[0]
	if entry.Status != "ok" || entry.Output != "all clear" {
		t.Fatalf("run entry = %+v, want ok/all clear", entry)
	}
	if got.LastStatus != "ok" || got.LastRun == nil {
		t.Fatalf("task = %+v, want last_status ok and last_run set", got)
	}
	if got.NextRun == nil || !got.NextRun.After(*got.LastRun) {
		t.Fatalf("next run %v not rescheduled after %v", got.NextRun, got.LastRun)
	}
}

func TestRunRecordsErrors(t *testing.T) {
	exec := &provider.MockExecutor{Reply: func(req provider.Request) (provider.Result, error) {
		return provider.Result{Stderr: "no such binary"}, errors.New("exec failed")
	}}
	mgr, _ := newTestManager(t, exec)

	created, err := mgr.Create(Input{Name: "broken", Prompt: "run"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Run(created.ID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "error recorded", func() bool {
		got, err := mgr.Get(created.ID)
		return err == nil && got.LastStatus == "error"
	})
	got, _ := mgr.Get(created.ID)
	if got.LastError != "no such binary" {
		t.Fatalf("last error = %q, want stderr text", got.LastError)
	}
	if len(got.RunHistory) != 1 || got.RunHistory[0].Status != "error" {
		t.Fatalf("run history = %+v, want one error entry", got.RunHistory)
	}
}

func TestTickFiresDueTasks(t *testing.T) {
	exec := &provider.MockExecutor{}
	mgr, _ := newTestManager(t, exec)

	created, err := mgr.Create(Input{
		Name:     "due",
		Prompt:   "go",
		Schedule: schedule.Schedule{Kind: schedule.Interval, Minutes: 1},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A tick before the deadline fires nothing.
	mgr.Tick(time.Now())
	if reqs := exec.Requests(); len(reqs) != 0 {
		t.Fatalf("early tick fired %d run(s)", len(reqs))
	}

	mgr.Tick(time.Now().Add(2 * time.Minute))
	waitFor(t, "due task run", func() bool { return len(exec.Requests()) == 1 })

	waitFor(t, "reschedule", func() bool {
		got, err := mgr.Get(created.ID)
		return err == nil && got.NextRun != nil && len(got.RunHistory) == 1
	})
}

func TestTickAssignsMissingNextRun(t *testing.T) {
	mgr, _ := newTestManager(t, &provider.MockExecutor{})

	created, err := mgr.Create(Input{
		Name:     "later",
		Prompt:   "go",
		Schedule: schedule.Schedule{Kind: schedule.Manual},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Manual schedules never get a next run.
	mgr.Tick(time.Now())
	got, _ := mgr.Get(created.ID)
	if got.NextRun != nil {
		t.Fatalf("manual task scheduled for %v", got.NextRun)
	}

	updated, err := mgr.Update(created.ID, Input{
		Name:     "later",
		Prompt:   "go",
		Schedule: schedule.Schedule{Kind: schedule.Daily, Time: "09:00"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.NextRun == nil {
		t.Fatal("update did not assign a next run")
	}
}

func TestDisableClearsNextRun(t *testing.T) {
	mgr, _ := newTestManager(t, &provider.MockExecutor{})

	created, err := mgr.Create(Input{
		Name:     "toggle",
		Prompt:   "go",
		Schedule: schedule.Schedule{Kind: schedule.Interval, Minutes: 5},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	disabled, err := mgr.SetEnabled(created.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if disabled.NextRun != nil {
		t.Fatalf("disabled task still scheduled for %v", disabled.NextRun)
	}
	enabled, err := mgr.SetEnabled(created.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if enabled.NextRun == nil {
		t.Fatal("re-enabled task has no next run")
	}
}

func TestRunStreamsOutputToTaskTopic(t *testing.T) {
	exec := &provider.MockExecutor{Reply: func(req provider.Request) (provider.Result, error) {
		return provider.Result{Text: "streamed line"}, nil
	}}
	mgr, hub := newTestManager(t, exec)

	created, err := mgr.Create(Input{Name: "streamer", Prompt: "go"})
	if err != nil {
		t.Fatal(err)
	}
	sub, _ := hub.TaskStream(created.ID).Subscribe(0)
	defer sub.Close()

	if err := mgr.Run(created.ID); err != nil {
		t.Fatal(err)
	}

	var sawStdout, sawDone bool
	deadline := time.After(5 * time.Second)
	for !sawStdout || !sawDone {
		select {
		case e := <-sub.C():
			evt, ok := e.Payload.(protocol.JobEvent)
			if !ok {
				continue
			}
			switch evt.Type {
			case protocol.EventStdout:
				if evt.Text == "streamed line" {
					sawStdout = true
				}
			case protocol.EventDone:
				if evt.Status == "ok" {
					sawDone = true
				}
			}
		case <-deadline:
			t.Fatalf("stream incomplete: stdout=%v done=%v", sawStdout, sawDone)
		}
	}
}

func TestDeleteRemovesTask(t *testing.T) {
	mgr, _ := newTestManager(t, &provider.MockExecutor{})

	created, err := mgr.Create(Input{Name: "gone", Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Delete(created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Get(created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete = %v, want ErrNotFound", err)
	}
	if err := mgr.Delete(created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete() = %v, want ErrNotFound", err)
	}
}
