package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xrelay"
)

// flakyTransport fails the first failN publishes, then succeeds. It records
// every message it was handed, including failed attempts.
type flakyTransport struct {
	mu        sync.Mutex
	failN     int
	published []*xrelay.Message
}

func (t *flakyTransport) Publish(_ context.Context, _ string, msgs ...*xrelay.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, msgs...)
	if t.failN > 0 {
		t.failN--
		return errors.New("broker unavailable")
	}
	return nil
}

func (t *flakyTransport) Subscribe(context.Context, string, string, func(xrelay.Delivery)) (xrelay.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (t *flakyTransport) Close(context.Context) error { return nil }

func (t *flakyTransport) attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func (t *flakyTransport) last() *xrelay.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.published) == 0 {
		return nil
	}
	return t.published[len(t.published)-1]
}

type payload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func TestSend_FirstAttemptSucceeds(t *testing.T) {
	tr := &flakyTransport{}
	p := New(tr, "events", WithRetry(3, time.Millisecond))

	res := p.Send(context.Background(), "record-created", payload{ID: "t1", Title: "x"}, "c-1")

	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, tr.attempts())
}

func TestSend_RecoversWithinAttemptCap(t *testing.T) {
	tr := &flakyTransport{failN: 2}
	p := New(tr, "events", WithRetry(3, time.Millisecond))

	res := p.Send(context.Background(), "record-created", payload{ID: "t1"}, "")

	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, tr.attempts())
}

func TestSend_AttemptsExhausted(t *testing.T) {
	tr := &flakyTransport{failN: 100}
	p := New(tr, "events", WithRetry(3, time.Millisecond))

	res := p.Send(context.Background(), "record-created", payload{ID: "t1"}, "")

	assert.False(t, res.OK)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Err, xrelay.ErrDeliveryFailed)
	// Exactly the attempt cap, never a fourth try.
	assert.Equal(t, 3, tr.attempts())
}

func TestSend_EnvelopeContent(t *testing.T) {
	tr := &flakyTransport{}
	p := New(tr, "events", WithService("todo-api"))

	res := p.Send(context.Background(), "record-created", payload{ID: "t1", Title: "walk dog"}, "c-42")
	require.True(t, res.OK)

	msg := tr.last()
	require.NotNil(t, msg)
	assert.Equal(t, "record-created", msg.Name)
	assert.Equal(t, "record-created", msg.Metadata[xrelay.MetaEventType])
	assert.Equal(t, "c-42", msg.Metadata[xrelay.MetaCorrelationID])

	env, err := xrelay.DecodeEnvelope(xrelay.JSONCodec{}, msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "record-created", env.EventType)
	assert.Equal(t, "c-42", env.CorrelationID)
	assert.Equal(t, "todo-api", env.Service)
	assert.False(t, env.Timestamp.IsZero())
	assert.JSONEq(t, `{"id":"t1","title":"walk dog"}`, string(env.Payload))
}

func TestSend_UnencodablePayload(t *testing.T) {
	tr := &flakyTransport{}
	p := New(tr, "events")

	res := p.Send(context.Background(), "record-created", func() {}, "")

	assert.False(t, res.OK)
	assert.Zero(t, res.Attempts)
	assert.Error(t, res.Err)
	assert.Zero(t, tr.attempts())
}

func TestSend_CancelledDuringBackoff(t *testing.T) {
	tr := &flakyTransport{failN: 100}
	p := New(tr, "events", WithRetry(3, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- p.Send(ctx, "record-created", payload{ID: "t1"}, "")
	}()

	// Let the first attempt fail, then cancel mid-backoff.
	require.Eventually(t, func() bool { return tr.attempts() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.False(t, res.OK)
		assert.Equal(t, 1, res.Attempts)
		assert.ErrorIs(t, res.Err, xrelay.ErrDeliveryFailed)
	case <-time.After(time.Second):
		t.Fatal("send did not return after cancellation")
	}
}

func TestSendBatch_FailuresDoNotAbortRemainder(t *testing.T) {
	// Attempt cap 1 so each failing event consumes exactly one failN slot.
	tr := &flakyTransport{failN: 1}
	p := New(tr, "events", WithRetry(1, 0))

	stats := p.SendBatch(context.Background(), []Event{
		{EventType: "record-created", Payload: payload{ID: "t1"}},
		{EventType: "record-updated", Payload: payload{ID: "t1"}},
		{EventType: "record-deleted", Payload: payload{ID: "t1"}},
	})

	assert.Equal(t, 2, stats.Success)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, tr.attempts())
}

type recordingObserver struct {
	mu     sync.Mutex
	events []xrelay.Event
}

func (o *recordingObserver) OnEvent(e xrelay.Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) ofType(et xrelay.EventType) []xrelay.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []xrelay.Event
	for _, e := range o.events {
		if e.Type == et {
			out = append(out, e)
		}
	}
	return out
}

func TestSend_ObserverSeesEveryAttempt(t *testing.T) {
	tr := &flakyTransport{failN: 1}
	obs := &recordingObserver{}
	p := New(tr, "events", WithRetry(3, time.Millisecond), WithObserver(obs))

	res := p.Send(context.Background(), "record-created", payload{ID: "t1"}, "")
	require.True(t, res.OK)

	starts := obs.ofType(xrelay.PublishStart)
	dones := obs.ofType(xrelay.PublishDone)
	require.Len(t, starts, 2)
	require.Len(t, dones, 2)
	assert.Error(t, dones[0].Err)
	assert.NoError(t, dones[1].Err)
	assert.Equal(t, 2, dones[1].Attempt)
}
