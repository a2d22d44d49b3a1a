package broadcast

import (
	"sync"
	"time"
)

// Hub owns the long-lived fan-out scopes: the master console, the sessions
// registry feed, the tasks feed, per-session viewer topics and per-task
// output streams. Per-job topics are created by the job manager and swept
// together with their jobs.
type Hub struct {
	opts Options

	master   *Topic
	sessions *Topic
	tasks    *Topic

	mu          sync.Mutex
	viewers     map[string]*Topic
	taskStreams map[string]*Topic
}

// Options sizes every topic the hub creates.
type Options struct {
	RingCap        int
	QueueCap       int
	EnqueueTimeout time.Duration
	// OnDrop is invoked once per evicted subscriber, keyed by topic name.
	OnDrop func(topic string)
}

func NewHub(opts Options) *Hub {
	if opts.RingCap <= 0 {
		opts.RingCap = 1000
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 128
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 50 * time.Millisecond
	}
	h := &Hub{
		opts:        opts,
		viewers:     make(map[string]*Topic),
		taskStreams: make(map[string]*Topic),
	}
	h.master = h.newTopic("master")
	h.sessions = h.newTopic("sessions")
	h.tasks = h.newTopic("tasks")
	return h
}

func (h *Hub) newTopic(name string) *Topic {
	var opts []Option
	if h.opts.OnDrop != nil {
		opts = append(opts, WithDropHook(h.opts.OnDrop))
	}
	return NewTopic(name, h.opts.RingCap, h.opts.QueueCap, h.opts.EnqueueTimeout, opts...)
}

func (h *Hub) Master() *Topic   { return h.master }
func (h *Hub) Sessions() *Topic { return h.sessions }
func (h *Hub) Tasks() *Topic    { return h.tasks }

// SessionViewers returns the viewer topic for one session, creating it on
// first use. Viewer rings are half the master size; they carry chat frames
// for a single conversation.
func (h *Hub) SessionViewers(sessionName string) *Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.viewers[sessionName]
	if !ok {
		t = NewTopic("viewers:"+sessionName, h.opts.RingCap/2, h.opts.QueueCap, h.opts.EnqueueTimeout, h.dropHook()...)
		h.viewers[sessionName] = t
	}
	return t
}

// TaskStream returns the live-output topic for one task, creating it on
// first use.
func (h *Hub) TaskStream(taskID string) *Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.taskStreams[taskID]
	if !ok {
		t = NewTopic("task:"+taskID, h.opts.RingCap/2, h.opts.QueueCap, h.opts.EnqueueTimeout, h.dropHook()...)
		h.taskStreams[taskID] = t
	}
	return t
}

// DropSessionViewers removes a session's viewer topic (used when the session
// is deleted).
func (h *Hub) DropSessionViewers(sessionName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.viewers, sessionName)
}

// DropTaskStream removes a task's output topic.
func (h *Hub) DropTaskStream(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.taskStreams, taskID)
}

// Sweep evicts permanently-full subscribers from every topic and prunes
// viewer topics that have no subscribers and no retained frames. Returns the
// number of subscribers removed.
func (h *Hub) Sweep() int {
	removed := h.master.Sweep() + h.sessions.Sweep() + h.tasks.Sweep()

	h.mu.Lock()
	defer h.mu.Unlock()
	for name, t := range h.viewers {
		removed += t.Sweep()
		if t.subscriberCount() == 0 && t.LastID() == 0 {
			delete(h.viewers, name)
		}
	}
	for id, t := range h.taskStreams {
		removed += t.Sweep()
		if t.subscriberCount() == 0 && t.LastID() == 0 {
			delete(h.taskStreams, id)
		}
	}
	return removed
}

func (h *Hub) dropHook() []Option {
	if h.opts.OnDrop == nil {
		return nil
	}
	return []Option{WithDropHook(h.opts.OnDrop)}
}
