package xrelay

import (
	"errors"
	"fmt"
)

// Closed error taxonomy of the pipeline. A surrounding API layer can map
// these to transport-specific codes without the core knowing about transport.
var (
	// ErrPersistence marks outbox store infrastructure failures.
	ErrPersistence = errors.New("xrelay: persistence failure")
	// ErrDeliveryFailed marks a publish that exhausted its retry budget.
	ErrDeliveryFailed = errors.New("xrelay: delivery failed")
	// ErrDecodeFailed marks an envelope the consumer could not deserialize.
	ErrDecodeFailed = errors.New("xrelay: envelope decode failed")
	// ErrHandlerFailed marks a domain handler rejecting a delivery.
	ErrHandlerFailed = errors.New("xrelay: handler failed")
	// ErrTransportClosed is returned by transports after Close.
	ErrTransportClosed = errors.New("xrelay: transport closed")
)

// ErrUnknownTransport is returned when no adapter is registered under a name.
type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }
