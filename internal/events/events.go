// Package events is an in-process pub/sub bus for supervisor notifications.
// Every subscriber receives every event in publish order; a slow subscriber
// only grows its own queue.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
)

type Type string

const (
	StatusChanged  Type = "status-changed"
	Output         Type = "output"
	Ready          Type = "ready"
	Error          Type = "error"
	Crashed        Type = "crashed"
	HealthChanged  Type = "health-changed"
	HealthCritical Type = "health-critical"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ProjectID string    `json:"project_id"`
	Time      time.Time `json:"time"`

	State string `json:"state,omitempty"` // status-changed
	Port  int    `json:"port,omitempty"`  // ready, status-changed

	Stream string `json:"stream,omitempty"` // output
	Line   string `json:"line,omitempty"`
	Raw    string `json:"raw,omitempty"`

	Message string `json:"message,omitempty"` // error
	Fatal   bool   `json:"fatal,omitempty"`

	ExitCode   int    `json:"exit_code,omitempty"` // crashed
	Signal     string `json:"signal,omitempty"`
	CrashCount int    `json:"crash_count,omitempty"`

	Health *health.Status `json:"health,omitempty"` // health-changed, health-critical
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish stamps e with an ID and time when missing and enqueues it for
// every current subscriber. It never blocks on a subscriber.
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return e
	}
	for s := range b.subs {
		s.push(e)
	}
	return e
}

// Subscribe registers a new subscriber. Call Close on it when done.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:  b,
		out:  make(chan Event),
		quit: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		s.ended = true
	} else {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Close ends every subscription after its queued events are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for s := range subs {
		s.end()
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one consumer's ordered, unbounded view of the bus.
type Subscription struct {
	bus  *Bus
	out  chan Event
	quit chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	ended     bool // bus closed: drain then close C
	cancelled bool // subscriber closed: drop the rest
	closeOnce sync.Once
}

// C delivers events in publish order. It is closed after Close, or after the
// bus closes and the backlog is drained.
func (s *Subscription) C() <-chan Event { return s.out }

// Close unsubscribes and discards anything not yet received.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.mu.Lock()
		s.cancelled = true
		s.queue = nil
		s.mu.Unlock()
		s.cond.Broadcast()
		close(s.quit)
	})
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if !s.cancelled {
		s.queue = append(s.queue, e)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.ended && !s.cancelled {
			s.cond.Wait()
		}
		if s.cancelled || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.quit:
			return
		}
	}
}
