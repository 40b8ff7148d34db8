// Package outbox implements the durable staging area of the pipeline:
// events are recorded next to the domain mutation and drained later by the
// producer relay, so a committed change never loses its event.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a message id is unknown to the store.
	ErrNotFound = errors.New("outbox: message not found")
)

// Message is one unit of durability-pending delivery.
type Message struct {
	ID            string
	EventType     string
	AggregateType string
	Payload       json.RawMessage
	// Headers carry trace/correlation metadata alongside the payload.
	// The pipeline transports them but never interprets them.
	Headers     map[string]string
	CreatedAt   time.Time
	Processed   bool
	ProcessedAt *time.Time
	// ClaimedAt is the drain lease. A live lease means a producer instance
	// owns the in-flight publish; an expired lease can be reclaimed.
	ClaimedAt *time.Time
}

// Store is the durable staging area for pending event records.
//
// The processed flag transitions false->true exactly once; ownership of
// "send in progress" is a separate lease acquired via Claim and released
// only after a definitive publish outcome.
type Store interface {
	// Add stages a new message with Processed=false.
	Add(ctx context.Context, eventType, aggregateType string, payload json.RawMessage, headers map[string]string) (Message, error)
	// Pending returns all unprocessed messages in creation order.
	Pending(ctx context.Context) ([]Message, error)
	// Claim atomically leases up to limit unprocessed, unleased messages in
	// creation order. Two concurrent claimants never receive the same
	// message; a lease older than the store's claim TTL is up for grabs
	// again.
	Claim(ctx context.Context, limit int) ([]Message, error)
	// Release drops the lease after a terminal publish failure, leaving the
	// message pending for a later drain pass.
	Release(ctx context.Context, id string) error
	// MarkProcessed flips processed false->true and stamps ProcessedAt.
	// Marking an already-processed message is a no-op.
	MarkProcessed(ctx context.Context, id string) error
	// Purge deletes all messages. Administrative/test reset path only.
	Purge(ctx context.Context) error
}

// DefaultClaimTTL bounds how long a drain lease shields a message from
// other producer instances before it is considered abandoned.
const DefaultClaimTTL = 30 * time.Second
