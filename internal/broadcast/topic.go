package broadcast

import (
	"log"
	"sync"
	"time"
)

// Entry is one broadcast frame. IDs increase monotonically per topic so a
// reconnecting client can replay everything it missed.
type Entry struct {
	ID      int64 `json:"id"`
	Payload any   `json:"payload"`
}

// Topic fans entries out to a set of bounded subscriber queues and keeps a
// capped replay ring. Slow subscribers are disconnected: a publish waits at
// most the enqueue timeout per subscriber, then drops it from the set.
type Topic struct {
	name           string
	ringCap        int
	queueCap       int
	enqueueTimeout time.Duration
	onDrop         func(topic string)

	mu     sync.Mutex
	nextID int64
	ring   []Entry
	subs   map[*Subscriber]struct{}
}

// Subscriber receives live entries on C until Close or eviction. The channel
// is closed by whichever side disconnects first.
type Subscriber struct {
	topic *Topic
	ch    chan Entry

	closeOnce sync.Once
}

type Option func(*Topic)

// WithDropHook registers a callback fired once per evicted subscriber.
func WithDropHook(fn func(topic string)) Option {
	return func(t *Topic) { t.onDrop = fn }
}

func NewTopic(name string, ringCap, queueCap int, enqueueTimeout time.Duration, opts ...Option) *Topic {
	if ringCap <= 0 {
		ringCap = 500
	}
	if queueCap <= 0 {
		queueCap = 128
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = 50 * time.Millisecond
	}
	t := &Topic{
		name:           name,
		ringCap:        ringCap,
		queueCap:       queueCap,
		enqueueTimeout: enqueueTimeout,
		subs:           make(map[*Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish appends to the replay ring and offers the entry to every live
// subscriber. Returns the assigned id.
func (t *Topic) Publish(payload any) int64 {
	t.mu.Lock()
	t.nextID++
	entry := Entry{ID: t.nextID, Payload: payload}
	t.ring = append(t.ring, entry)
	if len(t.ring) > t.ringCap {
		t.ring = t.ring[len(t.ring)-t.ringCap:]
	}
	subs := make([]*Subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	var dead []*Subscriber
	for _, s := range subs {
		select {
		case s.ch <- entry:
		default:
			// Full queue: give the client a bounded grace window.
			timer := time.NewTimer(t.enqueueTimeout)
			select {
			case s.ch <- entry:
				timer.Stop()
			case <-timer.C:
				dead = append(dead, s)
			}
		}
	}

	if len(dead) > 0 {
		t.mu.Lock()
		for _, s := range dead {
			if _, ok := t.subs[s]; ok {
				delete(t.subs, s)
				s.closeOnce.Do(func() { close(s.ch) })
				if t.onDrop != nil {
					t.onDrop(t.name)
				}
			}
		}
		t.mu.Unlock()
		log.Printf("[backpressure] dropped %d slow subscriber(s) on %s", len(dead), t.name)
	}
	return entry.ID
}

// Subscribe registers a new subscriber and returns the ring entries with ids
// greater than lastSeenID, oldest first. Pass 0 for a full snapshot of the
// retained ring, or LastID() to receive live entries only.
func (t *Topic) Subscribe(lastSeenID int64) (*Subscriber, []Entry) {
	s := &Subscriber{topic: t, ch: make(chan Entry, t.queueCap)}
	t.mu.Lock()
	defer t.mu.Unlock()
	var replay []Entry
	for _, e := range t.ring {
		if e.ID > lastSeenID {
			replay = append(replay, e)
		}
	}
	t.subs[s] = struct{}{}
	return s, replay
}

// LastID reports the id of the most recently published entry.
func (t *Topic) LastID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextID
}

// Snapshot returns a copy of the retained ring, oldest first.
func (t *Topic) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.ring))
	copy(out, t.ring)
	return out
}

// Sweep evicts subscribers whose queues are completely full, returning the
// number removed. Run periodically so abandoned connections do not linger
// between publishes.
func (t *Topic) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for s := range t.subs {
		if len(s.ch) == cap(s.ch) {
			delete(t.subs, s)
			s.closeOnce.Do(func() { close(s.ch) })
			removed++
			if t.onDrop != nil {
				t.onDrop(t.name)
			}
		}
	}
	return removed
}

func (t *Topic) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// C delivers live entries in publish order.
func (s *Subscriber) C() <-chan Entry { return s.ch }

// Close detaches the subscriber from its topic.
func (s *Subscriber) Close() {
	t := s.topic
	t.mu.Lock()
	_, ok := t.subs[s]
	if ok {
		delete(t.subs, s)
	}
	t.mu.Unlock()
	if ok {
		s.closeOnce.Do(func() { close(s.ch) })
	}
}
