// Package xrelay is an event propagation pipeline: domain changes are staged
// in a durable outbox, drained by a retrying producer onto a broker transport,
// consumed one message at a time with explicit ack/nack decisions, and fanned
// out to live in-process subscribers.
//
// The root package holds the shared abstractions (Envelope, Message,
// Transport, Codec, Middleware, Observer). The pipeline stages live in
// outbox, producer, consumer and fanout; broker backends live under adapter.
package xrelay
