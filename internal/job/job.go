package job

import (
	"sync"
	"time"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/provider"
)

// Status of a finished job.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Job is one in-flight unit of work against an agent CLI for a given
// provider and session. Its topic buffers every output frame so late
// subscribers see the history already produced.
type Job struct {
	ID          string
	Key         string
	SessionName string
	Provider    provider.Provider
	Prompt      string
	Workdir     string
	Timeout     time.Duration

	ResumeSessionID string
	ResumeLast      bool
	ContextBriefing string

	topic *broadcast.Topic

	mu         sync.Mutex
	done       bool
	status     string
	returnCode int
	sessionID  string
	finishedAt time.Time
}

// Topic exposes the job's broadcast topic. Subscribing with id 0 yields a
// snapshot of everything the job has produced so far.
func (j *Job) Topic() *broadcast.Topic { return j.topic }

// Done reports whether the job reached a terminal state.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// Status returns the terminal status, empty while running.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// ReturnCode is valid once Done reports true.
func (j *Job) ReturnCode() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.returnCode
}

// SessionID is the provider conversation id, updated when the CLI surfaces
// one mid-run.
func (j *Job) SessionID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionID
}

func (j *Job) setSessionID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessionID = id
}

func (j *Job) finishedSince() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt, j.done
}

func (j *Job) finish(status string, returnCode int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	j.done = true
	j.status = status
	j.returnCode = returnCode
	j.finishedAt = time.Now()
}
