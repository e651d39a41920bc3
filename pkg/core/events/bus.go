package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corenet-emu/corenet/pkg/util"
)

const (
	// DefaultQueueSize bounds each subscriber's pending-event queue.
	DefaultQueueSize = 1024

	// LossAlertInterval limits how often a lossy-subscriber alert is
	// raised for any one subscriber.
	LossAlertInterval = 10 * time.Second
)

// Filter selects which events a subscriber receives. An empty Topics slice
// matches every topic; SessionID 0 matches every session.
type Filter struct {
	Topics    []Topic
	SessionID int
}

func (f Filter) matches(ev Event) bool {
	if f.SessionID != 0 && f.SessionID != ev.SessionID {
		return false
	}
	if len(f.Topics) == 0 {
		return true
	}
	for _, t := range f.Topics {
		if t == ev.Topic {
			return true
		}
	}
	return false
}

// Bus is the process-wide event bus. Publishes never block: each subscriber
// has a bounded queue and drops oldest-first when full.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscriber)}
}

// Subscriber receives filtered events on C().
type Subscriber struct {
	id       string
	filter   Filter
	capacity int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	// drop accounting, guarded by mu
	droppedSinceAlert int
	lastLossAlert     time.Time

	out  chan Event
	quit chan struct{}
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// C returns the delivery channel. It is closed on unsubscribe.
func (s *Subscriber) C() <-chan Event { return s.out }

// Subscribe registers a subscriber with the given filter and queue capacity.
// capacity <= 0 selects DefaultQueueSize.
func (b *Bus) Subscribe(filter Filter, capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	s := &Subscriber{
		id:       uuid.NewString(),
		filter:   filter,
		capacity: capacity,
		out:      make(chan Event),
		quit:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.deliver(b)
	return s
}

// Unsubscribe removes the subscriber and breaks any delivery in flight.
// It is idempotent.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, present := b.subs[s.id]
	delete(b.subs, s.id)
	b.mu.Unlock()
	if !present {
		return
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
	s.cond.Broadcast()
}

// Publish enqueues ev to every matching subscriber without blocking. Events
// from a single publisher are delivered per topic in publication order.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.matches(ev) {
			continue
		}
		s.enqueue(ev)
	}
}

func (s *Subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		// Oldest-first drop.
		n := len(s.queue) - s.capacity + 1
		s.queue = s.queue[n:]
		s.droppedSinceAlert += n
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

// deliver pops queued events and pushes them to the subscriber's channel.
// Unsubscribe interrupts a blocked send.
func (s *Subscriber) deliver(b *Bus) {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]

		var lossAlert *Event
		if s.droppedSinceAlert > 0 && time.Since(s.lastLossAlert) >= LossAlertInterval {
			dropped := s.droppedSinceAlert
			s.droppedSinceAlert = 0
			s.lastLossAlert = time.Now()
			lossAlert = &Event{
				Topic:     TopicAlert,
				SessionID: ev.SessionID,
				Data: AlertEvent{
					Level:   AlertWarning,
					Kind:    "lossy-subscriber",
					Subject: s.id,
					Text:    "subscriber queue overflow",
				},
			}
			util.Logger.Warnf("events: subscriber %s dropped %d events", s.id, dropped)
		}
		s.mu.Unlock()

		if lossAlert != nil {
			b.Publish(*lossAlert)
		}

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}
