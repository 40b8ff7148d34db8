// Package consumer processes deliveries from a broker transport one message
// at a time and records exactly one accept/reject decision per delivery.
//
// There is no retry-in-place here: a delivery the handler rejects is nacked
// without requeue and dead-letter routing is the transport's concern.
package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trickstertwo/xrelay"
)

// Handler applies one decoded envelope to the domain. Returning an error
// rejects the delivery.
type Handler func(ctx context.Context, env xrelay.Envelope) error

// Consumer subscribes to a durable topic within a consumer group and drives
// sequential ack/nack processing. The bound transport must be configured for
// single-inflight delivery (prefetch one); the consumer itself handles one
// delivery at a time and decides before the next is taken.
type Consumer struct {
	transport   xrelay.Transport
	codec       xrelay.Codec
	clock       xclock.Clock
	logger      *xlog.Logger
	tracer      trace.Tracer
	group       string
	middlewares []xrelay.Middleware

	observersMu sync.RWMutex
	observers   []xrelay.Observer
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithCodec overrides the default JSON codec.
func WithCodec(c xrelay.Codec) Option {
	return func(cn *Consumer) {
		if c != nil {
			cn.codec = c
		}
	}
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(cn *Consumer) {
		if c != nil {
			cn.clock = c
		}
	}
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(cn *Consumer) {
		if l != nil {
			cn.logger = l
		}
	}
}

// WithTracer injects a custom otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(cn *Consumer) {
		if t != nil {
			cn.tracer = t
		}
	}
}

// WithMiddleware adds raw-message middlewares around the decode+handle step.
func WithMiddleware(mw ...xrelay.Middleware) Option {
	return func(cn *Consumer) {
		cn.middlewares = append(cn.middlewares, mw...)
	}
}

// WithObserver attaches observers for consume lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(cn *Consumer) {
		for _, o := range obs {
			if o != nil {
				cn.observers = append(cn.observers, o)
			}
		}
	}
}

// New constructs a Consumer bound to one transport and consumer group.
func New(transport xrelay.Transport, group string, opts ...Option) *Consumer {
	cn := &Consumer{
		transport: transport,
		codec:     xrelay.JSONCodec{},
		clock:     xclock.Default(),
		logger:    xlog.Default(),
		tracer:    otel.Tracer("xrelay/consumer"),
		group:     group,
	}
	for _, o := range opts {
		if o != nil {
			o(cn)
		}
	}
	return cn
}

// Start subscribes the handler to a topic. Each delivery is decoded,
// handled, and acknowledged on success or rejected without requeue on any
// failure. Exactly one decision is recorded per delivery.
func (cn *Consumer) Start(ctx context.Context, topic string, handler Handler) (xrelay.Subscription, error) {
	// Panic recovery always wraps the handler innermost.
	base := xrelay.RecoveryMiddleware()(func(hctx context.Context, msg *xrelay.Message) error {
		env, err := xrelay.DecodeEnvelope(cn.codec, msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", xrelay.ErrDecodeFailed, err)
		}
		if err := handler(hctx, env); err != nil {
			return fmt.Errorf("%w: %v", xrelay.ErrHandlerFailed, err)
		}
		return nil
	})
	wh := xrelay.Chain(base, cn.middlewares...)

	return cn.transport.Subscribe(ctx, topic, cn.group, func(d xrelay.Delivery) {
		cn.process(ctx, topic, d, wh)
	})
}

func (cn *Consumer) process(ctx context.Context, topic string, d xrelay.Delivery, wh xrelay.Handler) {
	msg := d.Message()
	cn.notify(xrelay.Event{Type: xrelay.ConsumeStart, Topic: topic, Group: cn.group, MessageID: msg.ID, EventName: msg.Name})

	pctx, span := cn.tracer.Start(ctx, "consumer.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("message_id", msg.ID),
		attribute.String("event_type", msg.Name),
	)

	start := cn.clock.Now()
	err := wh(pctx, msg)
	duration := cn.clock.Since(start)

	if err == nil {
		if ackErr := d.Ack(pctx); ackErr != nil {
			cn.logger.Warn().Err(ackErr).Str("message_id", msg.ID).Msg("ack failed")
			cn.notify(xrelay.Event{Type: xrelay.Error, Topic: topic, Group: cn.group, MessageID: msg.ID, Err: ackErr})
		}
		span.SetAttributes(attribute.Bool("success", true))
		cn.notify(xrelay.Event{Type: xrelay.ConsumeDone, Topic: topic, Group: cn.group, MessageID: msg.ID, EventName: msg.Name, Duration: duration})
		cn.notify(xrelay.Event{Type: xrelay.Ack, Topic: topic, Group: cn.group, MessageID: msg.ID, EventName: msg.Name})
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "processing failed")
	span.SetAttributes(attribute.Bool("success", false))
	cn.logger.Warn().
		Err(err).
		Str("message_id", msg.ID).
		Str("event_type", msg.Name).
		Msg("rejecting delivery")

	if nackErr := d.Nack(pctx, err); nackErr != nil {
		cn.logger.Warn().Err(nackErr).Str("message_id", msg.ID).Msg("nack failed")
		cn.notify(xrelay.Event{Type: xrelay.Error, Topic: topic, Group: cn.group, MessageID: msg.ID, Err: nackErr})
	}
	cn.notify(xrelay.Event{Type: xrelay.ConsumeDone, Topic: topic, Group: cn.group, MessageID: msg.ID, EventName: msg.Name, Duration: duration, Err: err})
	cn.notify(xrelay.Event{Type: xrelay.Nack, Topic: topic, Group: cn.group, MessageID: msg.ID, EventName: msg.Name, Err: err})
}

// AddObserver registers an observer for consume lifecycle events.
func (cn *Consumer) AddObserver(obs xrelay.Observer) {
	if obs == nil {
		return
	}
	cn.observersMu.Lock()
	cn.observers = append(cn.observers, obs)
	cn.observersMu.Unlock()
}

func (cn *Consumer) notify(e xrelay.Event) {
	cn.observersMu.RLock()
	obs := make([]xrelay.Observer, len(cn.observers))
	copy(obs, cn.observers)
	cn.observersMu.RUnlock()
	for _, o := range obs {
		o.OnEvent(e)
	}
}
