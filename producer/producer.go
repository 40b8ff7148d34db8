// Package producer hands events to the broker transport with bounded retry
// and drains the outbox. Failures are reported as structured results, never
// thrown across the producer boundary.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trickstertwo/xrelay"
)

const (
	// DefaultAttempts is the fixed publish attempt cap.
	DefaultAttempts = 3
	// DefaultRetryDelay is the fixed wait between attempts.
	DefaultRetryDelay = time.Second
)

// Result is the structured outcome of a single send: attempt count and final
// error instead of a boolean plus side-channel logging.
type Result struct {
	OK       bool
	Attempts int
	Err      error
}

// BatchResult aggregates per-event outcomes of SendBatch.
type BatchResult struct {
	Success int
	Failed  int
}

// Event is one entry in a batch send.
type Event struct {
	EventType     string
	Payload       any
	CorrelationID string
}

// Producer publishes envelopes to a durable topic with bounded retry.
// A Producer invocation is synchronous: it occupies the caller for the
// full retry window, but every delay waits on the context so a cancelled
// caller is released immediately.
type Producer struct {
	transport xrelay.Transport
	codec     xrelay.Codec
	clock     xclock.Clock
	logger    *xlog.Logger
	tracer    trace.Tracer
	topic     string
	service   string
	attempts  int
	delay     time.Duration

	observersMu sync.RWMutex
	observers   []xrelay.Observer
}

// Option configures a Producer.
type Option func(*Producer)

// WithCodec overrides the default JSON codec.
func WithCodec(c xrelay.Codec) Option {
	return func(p *Producer) {
		if c != nil {
			p.codec = c
		}
	}
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(p *Producer) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(p *Producer) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer injects a custom otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Producer) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithService tags every envelope with an originating service name.
func WithService(name string) Option {
	return func(p *Producer) { p.service = name }
}

// WithRetry overrides the attempt cap and inter-attempt delay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(p *Producer) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if delay >= 0 {
			p.delay = delay
		}
	}
}

// WithObserver attaches observers for publish lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(p *Producer) {
		for _, o := range obs {
			if o != nil {
				p.observers = append(p.observers, o)
			}
		}
	}
}

// New constructs a Producer bound to one transport and topic.
func New(transport xrelay.Transport, topic string, opts ...Option) *Producer {
	p := &Producer{
		transport: transport,
		codec:     xrelay.JSONCodec{},
		clock:     xclock.Default(),
		logger:    xlog.Default(),
		tracer:    otel.Tracer("xrelay/producer"),
		topic:     topic,
		attempts:  DefaultAttempts,
		delay:     DefaultRetryDelay,
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

// Send publishes one event, retrying transient failures up to the attempt
// cap with a fixed delay between attempts. The outcome lands in the Result;
// no error crosses the producer boundary. On failure the caller is expected
// to leave the corresponding outbox message unmarked for a later drain pass.
func (p *Producer) Send(ctx context.Context, eventType string, payload any, correlationID string) Result {
	ctx, span := p.tracer.Start(ctx, "producer.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("correlation_id", correlationID),
	)

	msg, err := p.buildMessage(eventType, payload, correlationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		span.SetAttributes(attribute.Bool("success", false))
		return Result{OK: false, Attempts: 0, Err: err}
	}

	start := p.clock.Now()
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		p.notify(xrelay.Event{Type: xrelay.PublishStart, Topic: p.topic, EventName: eventType, Attempt: attempt})

		lastErr = p.transport.Publish(ctx, p.topic, msg)
		p.notify(xrelay.Event{
			Type:      xrelay.PublishDone,
			Topic:     p.topic,
			EventName: eventType,
			Attempt:   attempt,
			Duration:  p.clock.Since(start),
			Err:       lastErr,
		})
		if lastErr == nil {
			span.SetAttributes(attribute.Int("attempt", attempt), attribute.Bool("success", true))
			p.logger.Debug().
				Str("event_type", eventType).
				Str("topic", p.topic).
				Int("attempt", attempt).
				Msg("event sent")
			return Result{OK: true, Attempts: attempt, Err: nil}
		}

		p.logger.Warn().
			Err(lastErr).
			Str("event_type", eventType).
			Int("attempt", attempt).
			Msg("publish attempt failed")

		if attempt == p.attempts {
			break
		}
		// Cancellable backoff: a stalled broker must not hold a cancelled
		// caller for the rest of the retry window.
		select {
		case <-ctx.Done():
			err := fmt.Errorf("%w: %v", xrelay.ErrDeliveryFailed, ctx.Err())
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			span.SetAttributes(attribute.Int("attempt", attempt), attribute.Bool("success", false))
			return Result{OK: false, Attempts: attempt, Err: err}
		case <-time.After(p.delay):
		}
	}

	err = fmt.Errorf("%w: %v", xrelay.ErrDeliveryFailed, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "attempts exhausted")
	span.SetAttributes(attribute.Int("attempt", p.attempts), attribute.Bool("success", false))
	p.logger.Warn().
		Err(lastErr).
		Str("event_type", eventType).
		Int("attempts", p.attempts).
		Msg("event delivery failed")
	return Result{OK: false, Attempts: p.attempts, Err: err}
}

// SendBatch applies Send to each entry independently. A failure in one event
// does not abort processing of the rest.
func (p *Producer) SendBatch(ctx context.Context, events []Event) BatchResult {
	ctx, span := p.tracer.Start(ctx, "producer.send_batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(events)))

	var stats BatchResult
	for _, evt := range events {
		res := p.Send(ctx, evt.EventType, evt.Payload, evt.CorrelationID)
		if res.OK {
			stats.Success++
		} else {
			stats.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("success_count", stats.Success),
		attribute.Int("failed_count", stats.Failed),
	)
	p.logger.Info().
		Int("success", stats.Success).
		Int("failed", stats.Failed).
		Msg("batch send completed")
	return stats
}

// AddObserver registers an observer for publish lifecycle events.
func (p *Producer) AddObserver(obs xrelay.Observer) {
	if obs == nil {
		return
	}
	p.observersMu.Lock()
	p.observers = append(p.observers, obs)
	p.observersMu.Unlock()
}

func (p *Producer) buildMessage(eventType string, payload any, correlationID string) (*xrelay.Message, error) {
	raw, err := p.codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	env := xrelay.Envelope{
		EventType:     eventType,
		Payload:       json.RawMessage(raw),
		Timestamp:     p.clock.Now().UTC(),
		CorrelationID: correlationID,
		Service:       p.service,
	}
	body, err := env.Encode(p.codec)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	meta := map[string]string{xrelay.MetaEventType: eventType}
	if correlationID != "" {
		meta[xrelay.MetaCorrelationID] = correlationID
	}
	return &xrelay.Message{
		Name:       eventType,
		Payload:    body,
		Metadata:   meta,
		ProducedAt: env.Timestamp,
	}, nil
}

func (p *Producer) notify(e xrelay.Event) {
	p.observersMu.RLock()
	obs := make([]xrelay.Observer, len(p.observers))
	copy(obs, p.observers)
	p.observersMu.RUnlock()
	for _, o := range obs {
		o.OnEvent(e)
	}
}
