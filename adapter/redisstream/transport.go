package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrelay"
)

const TransportName = "redis-streams"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register transport %q: %w", TransportName, err))
	}
}

type transport struct {
	cfg    Config
	client *redis.Client

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTransport connects to Redis and returns a streams-backed transport.
func NewTransport(cfg Config) (xrelay.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		return nil, err
	}
	return &transport{
		cfg:    cfg,
		client: client,
		closed: make(chan struct{}),
	}, nil
}

// Use constructs the transport from typed config, panicking on failure.
// Fail-fast is deliberate: the broker must be reachable at startup.
func Use(cfg Config) xrelay.Transport {
	t, err := NewTransport(cfg)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return t
}

// Publish appends messages to the stream with a pipelined XADD per message.
// Stream entries are durable: they survive broker restart subject to Redis
// persistence configuration.
func (t *transport) Publish(ctx context.Context, topic string, msgs ...*xrelay.Message) error {
	select {
	case <-t.closed:
		return xrelay.ErrTransportClosed
	default:
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		// Pre-size map: id, name, payload, producedAt + metadata
		vals := make(map[string]any, 4+len(m.Metadata))
		if m.ID != "" {
			vals[fieldID] = m.ID
		}
		vals[fieldName] = m.Name
		vals[fieldPayload] = m.Payload
		vals[fieldProducedAt] = m.ProducedAt.UnixNano()
		for k, v := range m.Metadata {
			vals[fieldMetaPrefix+k] = v
		}

		args := &redis.XAddArgs{
			Stream: topic,
			ID:     "*",
			Values: vals,
		}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Subscribe polls the consumer group and hands deliveries to the handler
// synchronously, one batch of at most Prefetch entries at a time. With the
// default Prefetch of 1 this yields strictly sequential processing: the next
// XREADGROUP happens only after the previous delivery's handler returned.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(xrelay.Delivery)) (xrelay.Subscription, error) {
	if t.cfg.AutoCreate {
		// "$" starts from new messages; BUSYGROUP means it already exists.
		if err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create group %q on %q: %w", group, topic, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()

		xArgs := &redis.XReadGroupArgs{
			Group:    group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{topic, ">"},
			Count:    int64(maxInt(1, t.cfg.Prefetch)),
			Block:    t.cfg.Block,
			NoAck:    false,
		}

		for {
			select {
			case <-innerCtx.Done():
				return
			default:
			}

			res, err := t.client.XReadGroup(innerCtx, xArgs).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || innerCtx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					// transient error: small backoff before the next poll
					select {
					case <-time.After(200 * time.Millisecond):
					case <-innerCtx.Done():
						return
					}
				}
				continue
			}

			for i := range res {
				for j := range res[i].Messages {
					x := res[i].Messages[j]
					handler(&delivery{
						t:     t,
						topic: topic,
						group: group,
						id:    x.ID,
						msg:   decodeMessage(x.ID, x.Values),
						once:  &sync.Once{},
					})
				}
			}
		}
	}()

	// optional recovery of deliveries abandoned by crashed consumers
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, topic, group)
		}()
	}

	return &subscription{close: func() error {
		cancel()
		wg.Wait()
		return nil
	}}, nil
}

// Close releases the Redis client.
func (t *transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.client.Close()
	})
	return err
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// claimLoop periodically re-claims pending entries whose consumer went idle,
// so a crashed instance's in-flight deliveries are not stuck forever.
func (t *transport) claimLoop(ctx context.Context, topic, group string) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(maxInt(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle
	consumer := t.cfg.Consumer

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sum, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(sum) == 0 {
			continue
		}

		ids := make([]string, 0, len(sum))
		for i := range sum {
			ids = append(ids, sum[i].ID)
		}
		_, _ = t.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
