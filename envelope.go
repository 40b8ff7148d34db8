package xrelay

import (
	"encoding/json"
	"time"
)

// Envelope is the wire body published to the broker and decoded by consumers:
// a JSON object {event_type, payload, timestamp, correlation_id?, service?}.
// It exists only in transit; the durable record lives in the outbox.
type Envelope struct {
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Service       string          `json:"service,omitempty"`
}

// Encode serializes the envelope with the given codec.
func (e Envelope) Encode(c Codec) ([]byte, error) {
	return c.Marshal(e)
}

// DecodeEnvelope deserializes a raw message body into an Envelope.
// A failure here is a permanent processing failure for the delivery.
func DecodeEnvelope(c Codec, body []byte) (Envelope, error) {
	var env Envelope
	if err := c.Unmarshal(body, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
