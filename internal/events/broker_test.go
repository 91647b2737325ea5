package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephauto/alephauto/internal/domain"
)

func recv(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestBrokerDeliversInOrder(t *testing.T) {
	t.Parallel()
	b := NewBroker(16)
	defer b.Close()

	_, ch := b.Subscribe(Filter{PipelineID: "p1"})
	for i := 0; i < 5; i++ {
		b.Publish(domain.Event{Type: domain.EventJobProgress, PipelineID: "p1", JobID: fmt.Sprintf("j%d", i)})
	}
	for i := 0; i < 5; i++ {
		ev := recv(t, ch)
		assert.Equal(t, fmt.Sprintf("j%d", i), ev.JobID)
	}
}

func TestBrokerFilters(t *testing.T) {
	t.Parallel()
	b := NewBroker(16)
	defer b.Close()

	_, byPipeline := b.Subscribe(Filter{PipelineID: "p1"})
	_, byType := b.Subscribe(Filter{Types: []domain.EventType{domain.EventJobFailed}})

	b.Publish(domain.Event{Type: domain.EventJobCreated, PipelineID: "p2", JobID: "other"})
	b.Publish(domain.Event{Type: domain.EventJobFailed, PipelineID: "p2", JobID: "failed"})
	b.Publish(domain.Event{Type: domain.EventJobCreated, PipelineID: "p1", JobID: "mine"})

	assert.Equal(t, "mine", recv(t, byPipeline).JobID)
	assert.Equal(t, "failed", recv(t, byType).JobID)
}

func TestBrokerDropOldest(t *testing.T) {
	t.Parallel()
	b := NewBroker(4)
	defer b.Close()

	id, ch := b.Subscribe(Filter{})
	// Fill far past capacity without draining. The pump may move up to one
	// event into the channel buffer, so publish enough to force drops.
	for i := 0; i < 50; i++ {
		b.Publish(domain.Event{Type: domain.EventJobProgress, PipelineID: "p", JobID: fmt.Sprintf("j%d", i)})
	}

	require.Eventually(t, func() bool { return b.Dropped(id) > 0 }, 2*time.Second, 10*time.Millisecond)

	// The newest event must survive the drops.
	var last domain.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("channel closed")
			}
			last = ev
			if last.JobID == "j49" {
				return
			}
		case <-deadline:
			t.Fatalf("newest event never delivered, last seen %q", last.JobID)
		}
	}
}

func TestBrokerBufferIsTheRealBound(t *testing.T) {
	t.Parallel()
	const buffer = 2
	b := NewBroker(buffer)
	defer b.Close()

	id, ch := b.Subscribe(Filter{})
	const published = 10
	for i := 0; i < published; i++ {
		b.Publish(domain.Event{Type: domain.EventJobProgress, PipelineID: "p", JobID: fmt.Sprintf("j%d", i)})
	}

	// An idle subscriber holds at most the buffer plus the one event the
	// pump has in flight; everything beyond that is dropped, not parked in
	// a second channel-sized buffer.
	require.Eventually(t, func() bool {
		return b.Dropped(id) >= published-(buffer+1)
	}, 2*time.Second, 10*time.Millisecond)

	received := 0
	var last domain.Event
	for {
		select {
		case ev := <-ch:
			received++
			last = ev
		case <-time.After(100 * time.Millisecond):
			assert.LessOrEqual(t, received, buffer+1)
			assert.Equal(t, "j9", last.JobID, "newest event must survive")
			return
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := NewBroker(4)
	defer b.Close()

	id, ch := b.Subscribe(Filter{})
	b.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected closed channel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
	assert.Equal(t, 0, b.Subscribers())

	// Publishing after unsubscribe must not panic or block.
	b.Publish(domain.Event{Type: domain.EventJobCreated, PipelineID: "p", JobID: "j"})
}

func TestBrokerCloseTearsDownAll(t *testing.T) {
	t.Parallel()
	b := NewBroker(4)
	_, ch1 := b.Subscribe(Filter{})
	_, ch2 := b.Subscribe(Filter{PipelineID: "p"})

	b.Close()

	for _, ch := range []<-chan domain.Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after broker close")
		}
	}
	assert.Equal(t, 0, b.Subscribers())

	// Subscribing after close yields an already closed channel.
	_, ch3 := b.Subscribe(Filter{})
	select {
	case _, ok := <-ch3:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("post-close subscription channel not closed")
	}
}

func TestBrokerSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	b := NewBroker(2)
	defer b.Close()

	b.Subscribe(Filter{}) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(domain.Event{Type: domain.EventJobProgress, PipelineID: "p", JobID: "j"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
