package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Shaydu/mondrian/internal/logging"
)

// DefaultBufferSize is the per-subscription event buffer.
const DefaultBufferSize = 64

// Subscription is one client's view of a job's event stream.
type Subscription struct {
	ID    string
	JobID string
	// C delivers events. Closed when the job reaches a terminal state, the
	// subscriber unsubscribes, or the bus shuts down.
	C chan Event

	bus  *Bus
	once sync.Once
}

// Cancel detaches the subscription and closes its channel. Safe to call more
// than once; the job continues unaffected.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
}

// Bus fans job events out to subscribers. Delivery is best-effort and lossy:
// a full subscriber buffer drops its oldest event so delivery continues.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscription // jobID -> subID -> sub
	bufSize int
	closed  bool
	dropped atomic.Uint64
	onDrop  func()
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscription buffer capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithDropHook installs a callback invoked once per dropped event. The
// metrics layer counts drops through it.
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus builds an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string]map[string]*Subscription),
		bufSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a new subscriber to a job's stream. The caller is
// responsible for sending the synthesized connected/snapshot events; the bus
// only fans out.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		JobID: jobID,
		C:     make(chan Event, b.bufSize),
	}
	sub.bus = b

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[string]*Subscription)
	}
	b.subs[jobID][sub.ID] = sub
	logging.SSEDebug("Subscriber %s attached to job %s (%d total)", sub.ID, jobID, len(b.subs[jobID]))
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	jobSubs := b.subs[sub.JobID]
	if jobSubs == nil {
		return
	}
	if _, ok := jobSubs[sub.ID]; !ok {
		return
	}
	delete(jobSubs, sub.ID)
	if len(jobSubs) == 0 {
		delete(b.subs, sub.JobID)
	}
	sub.once.Do(func() { close(sub.C) })
}

// Publish fans an event out to the job's subscribers, dropping each
// subscriber's oldest buffered event when its buffer is full.
func (b *Bus) Publish(jobID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[jobID] {
		b.send(sub, ev)
	}
}

// Broadcast delivers an event to every subscriber of every job. The
// heartbeat source uses it.
func (b *Bus) Broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for jobID, jobSubs := range b.subs {
		for _, sub := range jobSubs {
			e := ev
			e.JobID = jobID
			b.send(sub, e)
		}
	}
}

// send delivers to one subscriber without blocking. Drop-oldest keeps the
// newest events flowing to slow consumers. It touches only the subscription
// channel and atomic counters, so callers need not hold b.mu.
func (b *Bus) send(sub *Subscription, ev Event) {
	select {
	case sub.C <- ev:
		return
	default:
	}
	select {
	case old := <-sub.C:
		logging.SSEWarn("Subscriber %s buffer full on job %s; dropped %s event", sub.ID, sub.JobID, old.Type)
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
	default:
	}
	select {
	case sub.C <- ev:
	default:
		// Lost the race to a concurrent send; the event is dropped.
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
	}
}

// CloseJob flushes a terminal done event to the job's subscribers and
// detaches them. Called by the engine once the terminal mutation committed.
func (b *Bus) CloseJob(jobID string) {
	b.mu.Lock()
	subs := b.subs[jobID]
	delete(b.subs, jobID)
	b.mu.Unlock()

	done := NewEvent(EventDone, jobID, nil)
	for _, sub := range subs {
		// Same drop-oldest policy as send: the terminal event must land
		// even when the subscriber's buffer is full.
		b.send(sub, done)
		sub.once.Do(func() { close(sub.C) })
	}
	logging.SSEDebug("Closed job %s stream (%d subscribers)", jobID, len(subs))
}

// CancelAll detaches every subscriber. Used at shutdown.
func (b *Bus) CancelAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for jobID, jobSubs := range b.subs {
		for _, sub := range jobSubs {
			sub.once.Do(func() { close(sub.C) })
		}
		delete(b.subs, jobID)
	}
	logging.SSE("Event bus shut down; all subscriptions cancelled")
}

// SubscriberCount returns the number of subscribers attached to a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Dropped returns the total number of dropped events.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
