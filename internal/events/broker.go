// Package events implements the in-process publish-subscribe channel for
// job lifecycle events.
package events

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/observability"
)

// Filter narrows the events a subscriber receives. Zero value matches
// everything.
type Filter struct {
	PipelineID string
	Types      []domain.EventType
}

func (f Filter) match(ev domain.Event) bool {
	if f.PipelineID != "" && f.PipelineID != ev.PipelineID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// subscriber owns a bounded FIFO of undelivered events. A dedicated pump
// goroutine moves events from the buffer to the receive channel so a slow
// consumer can never block Publish.
type subscriber struct {
	id     string
	filter Filter

	mu      sync.Mutex
	buf     []domain.Event
	dropped uint64
	closed  bool

	wake chan struct{}
	done chan struct{}
	out  chan domain.Event
	max  int
}

// Broker fans lifecycle events out to subscribers with a per-subscriber
// drop-oldest policy. Events from the same pipeline are delivered to each
// subscriber in publication order.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	buffer int
	closed bool

	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// NewBroker constructs a broker whose subscribers buffer up to buffer
// events (256 when <= 0).
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{
		subs:    make(map[string]*subscriber),
		buffer:  buffer,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // entropy for ids only
	}
}

// Publish delivers ev to every matching subscriber without blocking. When a
// subscriber's buffer is full the oldest buffered event is dropped and the
// subscriber's dropped counter is incremented.
func (b *Broker) Publish(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.filter.match(ev) {
			continue
		}
		s.push(ev)
	}
}

func (s *subscriber) push(ev domain.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.max {
		// drop-oldest
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped++
		observability.EventsDroppedTotal.Inc()
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves buffered events to the receive channel in FIFO order. It exits
// and closes the receive channel when the subscription is torn down, even
// if the consumer stopped reading.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.buf) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. The channel is closed on Unsubscribe or broker Close.
func (b *Broker) Subscribe(f Filter) (string, <-chan domain.Event) {
	b.entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
	b.entropyMu.Unlock()

	// out is unbuffered so the drop-oldest bound is the buffer itself, not
	// buffer plus a second channel's worth of events.
	s := &subscriber{
		id:     id,
		filter: f,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan domain.Event),
		max:    b.buffer,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closed = true
		close(s.done)
		go s.pump()
		return id, s.out
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()
	slog.Debug("event subscriber added", slog.String("subscription_id", id), slog.String("pipeline_id", f.PipelineID))
	return id, s.out
}

// Unsubscribe removes a subscriber and closes its receive channel. Unknown
// ids are ignored.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	s.teardown()
}

func (s *subscriber) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	close(s.done)
}

// Dropped returns the number of events dropped for the given subscription.
func (b *Broker) Dropped(id string) uint64 {
	b.mu.RLock()
	s, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close tears down every subscription. Subsequent publishes are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.teardown()
	}
}
