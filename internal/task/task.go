// Package task owns scheduled tasks: CRUD, the scheduler tick and the
// run pipeline that feeds per-task output streams and the tasks snapshot.
package task

import (
	"errors"
	"time"

	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/schedule"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("task name already in use")
)

// runHistoryCap bounds per-task run history.
const runHistoryCap = 200

// RunEntry records one task execution.
type RunEntry struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	RuntimeSec float64   `json:"runtime_sec"`
	Status     string    `json:"status"`
	Output     string    `json:"output"`
	RawOutput  string    `json:"raw_output"`
	Error      string    `json:"error,omitempty"`
}

// Task is a persisted scheduled prompt.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Prompt     string            `json:"prompt"`
	Provider   provider.Provider `json:"provider"`
	Schedule   schedule.Schedule `json:"schedule"`
	Workdir    string            `json:"workdir,omitempty"`
	Enabled    bool              `json:"enabled"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastRun    *time.Time        `json:"last_run,omitempty"`
	NextRun    *time.Time        `json:"next_run,omitempty"`
	LastStatus string            `json:"last_status,omitempty"`
	LastOutput string            `json:"last_output,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	RunHistory []RunEntry        `json:"run_history"`
}

func (t Task) clone() Task {
	out := t
	if t.LastRun != nil {
		lr := *t.LastRun
		out.LastRun = &lr
	}
	if t.NextRun != nil {
		nr := *t.NextRun
		out.NextRun = &nr
	}
	out.Schedule.Days = append([]string(nil), t.Schedule.Days...)
	out.RunHistory = append([]RunEntry(nil), t.RunHistory...)
	return out
}

// Snapshot is the tasks-stream payload pushed on every task mutation.
type Snapshot struct {
	Type  string `json:"type"`
	Tasks []Task `json:"tasks"`
}
