package producer

import (
	"context"
	"time"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/outbox"
)

// DefaultRelayBatchSize bounds how many messages one drain pass claims.
const DefaultRelayBatchSize = 100

// Relay drains the outbox: it claims pending messages, publishes each through
// the producer, marks successes processed and releases the claim on failure
// so a later pass can retry.
type Relay struct {
	Store     outbox.Store
	Producer  *Producer
	BatchSize int
	Logger    *xlog.Logger
}

// RunOnce performs a single drain pass and reports how many messages were
// published. Store errors abort the pass; publish failures do not, they only
// release the message back to pending.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	logger := r.Logger
	if logger == nil {
		logger = xlog.Default()
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = DefaultRelayBatchSize
	}

	claimed, err := r.Store.Claim(ctx, limit)
	if err != nil {
		logger.Error().Err(err).Msg("outbox claim failed")
		return 0, err
	}

	published := 0
	for _, m := range claimed {
		res := r.Producer.Send(ctx, m.EventType, m.Payload, m.Headers[xrelay.MetaCorrelationID])
		if !res.OK {
			logger.Warn().
				Err(res.Err).
				Str("outbox_id", m.ID).
				Str("event_type", m.EventType).
				Int("attempts", res.Attempts).
				Msg("outbox publish failed, releasing claim")
			if rerr := r.Store.Release(ctx, m.ID); rerr != nil {
				logger.Error().Err(rerr).Str("outbox_id", m.ID).Msg("outbox release failed")
				return published, rerr
			}
			continue
		}
		if merr := r.Store.MarkProcessed(ctx, m.ID); merr != nil {
			logger.Error().Err(merr).Str("outbox_id", m.ID).Msg("outbox mark processed failed")
			return published, merr
		}
		published++
	}

	if published > 0 {
		logger.Info().
			Int("published", published).
			Int("claimed", len(claimed)).
			Msg("outbox drain pass completed")
	}
	return published, nil
}

// Run ticks RunOnce at the given interval until ctx is done. Errors are
// logged and the loop continues; the outbox keeps failed messages pending.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	logger := r.Logger
	if logger == nil {
		logger = xlog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Warn().Err(err).Msg("outbox drain pass errored")
			}
		}
	}
}
