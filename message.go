package xrelay

import (
	"time"
)

// Metadata keys carried on published messages per the broker wire contract.
// MetaEventType is always present; MetaCorrelationID only when the caller
// supplied a correlation id.
const (
	MetaEventType     = "event_type"
	MetaCorrelationID = "correlation_id"
)

// Message is the envelope traveling through a Transport. The Payload holds an
// Envelope encoded via Codec.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the logical event name, useful for routing/metrics.
	Name string
	// Payload is the encoded bytes of the envelope.
	Payload []byte
	// Metadata is a bag for headers/tracing/tenancy/etc.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}
