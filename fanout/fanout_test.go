package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q (%s)", e.EventType, e.ID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublish_BroadcastsToAllSubscribers(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := b.Subscribe(ctx)
	c := b.Subscribe(ctx)

	b.Publish(Event{EventType: "record-created", Payload: json.RawMessage(`{"id":"t1"}`)})

	ea := recv(t, a)
	ec := recv(t, c)
	assert.Equal(t, "record-created", ea.EventType)
	assert.Equal(t, ea.ID, ec.ID)
	assert.JSONEq(t, `{"id":"t1"}`, string(ea.Payload))
}

func TestPublish_FillsIDAndTimestamp(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	b.Publish(Event{EventType: "record-created"})

	e := recv(t, ch)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestSubscribe_TypeFilter(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created := b.Subscribe(ctx, "record-created")
	all := b.Subscribe(ctx)

	b.Publish(Event{EventType: "record-deleted"})
	b.Publish(Event{EventType: "record-created"})

	// The filtered subscriber sees only its type; the unfiltered one sees both.
	e := recv(t, created)
	assert.Equal(t, "record-created", e.EventType)
	assertNoEvent(t, created)

	assert.Equal(t, "record-deleted", recv(t, all).EventType)
	assert.Equal(t, "record-created", recv(t, all).EventType)
}

func TestSubscribe_CancelRemovesRegistrationAndClosesChannel(t *testing.T) {
	b := NewBroker()
	root := context.Background()
	ctx, cancel := context.WithCancel(root)
	keepCtx, keepCancel := context.WithCancel(root)
	defer keepCancel()

	ch := b.Subscribe(ctx)
	keep := b.Subscribe(keepCtx)
	require.Equal(t, 2, b.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}

	// The surviving subscriber still receives.
	b.Publish(Event{EventType: "record-created"})
	assert.Equal(t, "record-created", recv(t, keep).EventType)
}

func TestPublish_SlowSubscriberShedsOldest(t *testing.T) {
	b := NewBroker(WithBuffer(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(Event{ID: string(rune('a' + i)), EventType: "record-created"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds the newest events; the oldest were shed.
	first := recv(t, ch)
	second := recv(t, ch)
	assert.Equal(t, "d", first.ID)
	assert.Equal(t, "e", second.ID)
	assertNoEvent(t, ch)
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := NewBroker()
	// Must not panic or block.
	b.Publish(Event{EventType: "record-created"})
	assert.Zero(t, b.SubscriberCount())
}
