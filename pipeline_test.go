package xrelay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/memory"
	"github.com/trickstertwo/xrelay/consumer"
	"github.com/trickstertwo/xrelay/fanout"
	"github.com/trickstertwo/xrelay/outbox"
	"github.com/trickstertwo/xrelay/producer"
)

// The full path: a domain write stages an event in the outbox, the relay
// drains it through the broker, the consumer decodes and acks it, and the
// fan-out broker hands it to a live subscriber.
func TestPipeline_OutboxToLiveSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := outbox.NewMemoryStore()
	transport := memory.NewTransport(memory.Defaults())
	live := fanout.NewBroker()

	cn := consumer.New(transport, "todo-workers")
	sub, err := cn.Start(ctx, "todo.events", func(_ context.Context, env xrelay.Envelope) error {
		live.Publish(fanout.Event{
			EventType: env.EventType,
			Payload:   env.Payload,
			CreatedAt: env.Timestamp,
		})
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	events := live.Subscribe(ctx, "todo_created")

	relay := &producer.Relay{
		Store:    store,
		Producer: producer.New(transport, "todo.events", producer.WithService("todo-api")),
	}

	// Domain write: stage the event alongside the state change.
	_, err = store.Add(ctx, "todo_created", "todo",
		json.RawMessage(`{"id":"t1","title":"x"}`),
		map[string]string{xrelay.MetaCorrelationID: "c-1"})
	require.NoError(t, err)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case e := <-events:
		assert.Equal(t, "todo_created", e.EventType)
		assert.JSONEq(t, `{"id":"t1","title":"x"}`, string(e.Payload))
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("live subscriber never received the event")
	}

	// Fully settled: outbox drained, delivery acked, nothing dead-lettered.
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Eventually(t, func() bool {
		return transport.Stats().Acked == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, transport.DeadLetters("todo.events"))
}

// A broker outage leaves the event staged; a later drain pass delivers it.
func TestPipeline_BrokerOutageThenRecovery(t *testing.T) {
	ctx := context.Background()

	store := outbox.NewMemoryStore()
	transport := memory.NewTransport(memory.Defaults())
	relay := &producer.Relay{
		Store:    store,
		Producer: producer.New(transport, "todo.events", producer.WithRetry(3, 0)),
	}

	_, err := store.Add(ctx, "todo_deleted", "todo", json.RawMessage(`{"id":"t2"}`), nil)
	require.NoError(t, err)

	transport.FailPublishes(3)
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
