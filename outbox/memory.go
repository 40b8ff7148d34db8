package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xrelay"
)

// MemoryStore is a mutex-guarded in-memory Store for tests and the memory
// example. Semantics match the gorm store.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]*Message
	order    []string
	clock    xclock.Clock
	claimTTL time.Duration

	// failure injection for persistence-error paths
	failing bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock injects a custom clock.
func WithMemoryClock(c xclock.Clock) MemoryOption {
	return func(s *MemoryStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMemoryClaimTTL overrides the drain lease TTL.
func WithMemoryClaimTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byID:     make(map[string]*Message),
		clock:    xclock.Default(),
		claimTTL: DefaultClaimTTL,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// SetFailing toggles simulated persistence failure. While failing, every
// operation reports xrelay.ErrPersistence.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *MemoryStore) Add(_ context.Context, eventType, aggregateType string, payload json.RawMessage, headers map[string]string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return Message{}, fmt.Errorf("%w: store unreachable", xrelay.ErrPersistence)
	}

	m := &Message{
		ID:            uuid.New().String(),
		EventType:     eventType,
		AggregateType: aggregateType,
		Payload:       append(json.RawMessage(nil), payload...),
		Headers:       copyHeaders(headers),
		CreatedAt:     s.clock.Now().UTC(),
	}
	s.byID[m.ID] = m
	s.order = append(s.order, m.ID)
	return *m, nil
}

func (s *MemoryStore) Pending(_ context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, fmt.Errorf("%w: store unreachable", xrelay.ErrPersistence)
	}

	var out []Message
	for _, id := range s.order {
		m := s.byID[id]
		if m != nil && !m.Processed {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, fmt.Errorf("%w: store unreachable", xrelay.ErrPersistence)
	}
	if limit <= 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.claimTTL)

	var claimed []Message
	for _, id := range s.order {
		if len(claimed) == limit {
			break
		}
		m := s.byID[id]
		if m == nil || m.Processed {
			continue
		}
		if m.ClaimedAt != nil && m.ClaimedAt.After(cutoff) {
			continue // live lease held elsewhere
		}
		t := now
		m.ClaimedAt = &t
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("%w: store unreachable", xrelay.ErrPersistence)
	}

	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.ClaimedAt = nil
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("%w: store unreachable", xrelay.ErrPersistence)
	}

	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if m.Processed {
		return nil
	}
	t := s.clock.Now().UTC()
	m.Processed = true
	m.ProcessedAt = &t
	return nil
}

func (s *MemoryStore) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("%w: store unreachable", xrelay.ErrPersistence)
	}

	s.byID = make(map[string]*Message)
	s.order = nil
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
