package producer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/outbox"
)

func TestRelayRunOnce_DrainsStagedMessages(t *testing.T) {
	store := outbox.NewMemoryStore()
	tr := &flakyTransport{}
	relay := &Relay{
		Store:    store,
		Producer: New(tr, "events", WithRetry(3, time.Millisecond)),
	}
	ctx := context.Background()

	for _, et := range []string{"record-created", "record-updated", "record-deleted"} {
		_, err := store.Add(ctx, et, "todo", json.RawMessage(`{"id":"t1"}`), nil)
		require.NoError(t, err)
	}

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, tr.attempts())

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Nothing left to drain.
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayRunOnce_ForwardsCorrelationID(t *testing.T) {
	store := outbox.NewMemoryStore()
	tr := &flakyTransport{}
	relay := &Relay{
		Store:    store,
		Producer: New(tr, "events"),
	}
	ctx := context.Background()

	_, err := store.Add(ctx, "record-created", "todo", json.RawMessage(`{"id":"t1"}`), map[string]string{
		xrelay.MetaCorrelationID: "c-7",
	})
	require.NoError(t, err)

	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)

	msg := tr.last()
	require.NotNil(t, msg)
	assert.Equal(t, "c-7", msg.Metadata[xrelay.MetaCorrelationID])
}

func TestRelayRunOnce_PublishFailureLeavesMessagePending(t *testing.T) {
	store := outbox.NewMemoryStore()
	tr := &flakyTransport{failN: 3}
	relay := &Relay{
		Store:    store,
		Producer: New(tr, "events", WithRetry(3, 0)),
	}
	ctx := context.Background()

	m, err := store.Add(ctx, "record-created", "todo", json.RawMessage(`{"id":"t1"}`), nil)
	require.NoError(t, err)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The claim was released, so the next pass can pick it up and succeed.
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].ID)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayRunOnce_StoreFailureAbortsPass(t *testing.T) {
	store := outbox.NewMemoryStore()
	relay := &Relay{
		Store:    store,
		Producer: New(&flakyTransport{}, "events"),
	}
	ctx := context.Background()

	_, err := store.Add(ctx, "record-created", "todo", json.RawMessage(`{"id":"t1"}`), nil)
	require.NoError(t, err)

	store.SetFailing(true)
	_, err = relay.RunOnce(ctx)
	assert.ErrorIs(t, err, xrelay.ErrPersistence)
}

func TestRelayRun_StopsOnContextCancel(t *testing.T) {
	store := outbox.NewMemoryStore()
	tr := &flakyTransport{}
	relay := &Relay{
		Store:    store,
		Producer: New(tr, "events"),
	}
	ctx, cancel := context.WithCancel(context.Background())

	_, err := store.Add(ctx, "record-created", "todo", json.RawMessage(`{"id":"t1"}`), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		relay.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return tr.attempts() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay loop did not stop after cancellation")
	}
}
