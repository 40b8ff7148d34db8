// Package memory provides an in-process broker transport: per-group FIFO
// queues with ack/nack deliveries, dead-letter capture, and scriptable
// publish failures. It backs tests and local development; it is not durable.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xrelay"
)

const TransportName = "memory"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xrelay/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// AssignIDs instructs the transport to assign IDs for messages with
	// empty ID (default: true).
	AssignIDs bool
}

// Defaults returns a Config with safe defaults.
func Defaults() Config {
	return Config{BufferSize: 1024, AssignIDs: true}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	c := Defaults()
	switch v := cfg["buffer_size"].(type) {
	case int:
		if v > 0 {
			c.BufferSize = v
		}
	case int64:
		if v > 0 {
			c.BufferSize = int(v)
		}
	case float64:
		if v > 0 {
			c.BufferSize = int(v)
		}
	}
	if v, ok := cfg["assign_ids"].(bool); ok {
		c.AssignIDs = v
	}
	return c
}

// DeadLetter is one rejected message captured by the transport.
type DeadLetter struct {
	Topic   string
	Message *xrelay.Message
	Reason  string
}

// Transport implements xrelay.Transport using in-memory channels.
// Deliveries within a group are strictly sequential: the single worker takes
// the next message only after the previous delivery's decision.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic
	dead   []DeadLetter

	// failBudget scripts transient publish failures for retry tests.
	failBudget atomic.Int64

	closed  atomic.Bool
	metrics transportMetrics
}

type transportMetrics struct {
	published atomic.Uint64
	consumed  atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64
}

var _ xrelay.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Transport{
		cfg:    cfg,
		topics: make(map[string]*topic),
	}
}

// FailPublishes makes the next n Publish calls fail with a transient error.
func (t *Transport) FailPublishes(n int) {
	t.failBudget.Store(int64(n))
}

// Publish fans out messages to all consumer groups for the topic.
func (t *Transport) Publish(ctx context.Context, topicName string, msgs ...*xrelay.Message) error {
	if t.closed.Load() {
		return xrelay.ErrTransportClosed
	}
	if len(msgs) == 0 {
		return nil
	}
	for {
		n := t.failBudget.Load()
		if n <= 0 {
			break
		}
		if t.failBudget.CompareAndSwap(n, n-1) {
			return fmt.Errorf("memory transport: simulated publish failure")
		}
	}

	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		// No subscriber groups yet: retain nothing. Durable semantics are
		// the redisstream adapter's job; this double delivers to attached
		// groups only.
		t.metrics.published.Add(uint64(len(msgs)))
		return nil
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}

		top.mu.RLock()
		for _, g := range top.groups {
			select {
			case g.queue <- m:
			case <-ctx.Done():
				top.mu.RUnlock()
				return ctx.Err()
			}
		}
		top.mu.RUnlock()
		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe registers a handler for a topic/group. One worker drains the
// group queue, so processing is in-order and non-overlapping.
func (t *Transport) Subscribe(ctx context.Context, topicName, group string, handler func(xrelay.Delivery)) (xrelay.Subscription, error) {
	if t.closed.Load() {
		return nil, xrelay.ErrTransportClosed
	}

	top := t.ensureTopic(topicName)
	g := top.ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-innerCtx.Done():
				return
			case msg := <-g.queue:
				if msg == nil {
					continue
				}
				t.metrics.consumed.Add(1)
				handler(&delivery{
					tr:    t,
					topic: topicName,
					msg:   msg,
					once:  &sync.Once{},
				})
			}
		}
	}()

	return &subscription{close: func() error {
		cancel()
		<-done
		return nil
	}}, nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// DeadLetters returns rejected messages captured for a topic.
func (t *Transport) DeadLetters(topicName string) []DeadLetter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []DeadLetter
	for _, dl := range t.dead {
		if dl.Topic == topicName {
			out = append(out, dl)
		}
	}
	return out
}

// Stats returns transport telemetry.
type Stats struct {
	Published uint64
	Consumed  uint64
	Acked     uint64
	Nacked    uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.metrics.published.Load(),
		Consumed:  t.metrics.consumed.Load(),
		Acked:     t.metrics.acked.Load(),
		Nacked:    t.metrics.nacked.Load(),
	}
}

// Internal types

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *xrelay.Message
}

type delivery struct {
	tr    *Transport
	topic string
	msg   *xrelay.Message
	once  *sync.Once
}

func (d *delivery) Message() *xrelay.Message { return d.msg }

// Ack marks the message as processed; it is removed for good.
func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack rejects without requeue: the message is captured on the dead-letter
// list instead of returning to the queue.
func (d *delivery) Nack(_ context.Context, reason error) error {
	d.once.Do(func() {
		d.tr.metrics.nacked.Add(1)
		d.tr.mu.Lock()
		d.tr.dead = append(d.tr.dead, DeadLetter{
			Topic:   d.topic,
			Message: d.msg,
			Reason:  fmt.Sprintf("%v", reason),
		})
		d.tr.mu.Unlock()
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *xrelay.Message, bufferSize)}
	tp.groups[name] = g
	return g
}

// Simple monotonic ID generator (not distributed; dev/testing only).
var idSeq uint64

func nextID() string {
	n := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("mem-%d", n)
}
