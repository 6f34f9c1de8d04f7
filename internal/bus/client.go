// Package bus defines the event bus contract consumed by the ingestion
// service and provides a websocket-backed implementation.
package bus

import "runtrack/internal/events"

// Handler receives one decoded event at a time. It is invoked synchronously
// from the subscription's receive loop.
type Handler func(events.Event)

// Conn is one live bus connection.
type Conn interface {
	// Subscribe blocks in the receive loop, invoking handler serially per
	// event, until the connection drops (error) or RequestStop is called
	// (nil).
	Subscribe(handler Handler) error
	// RequestStop actively ends the receive loop. Safe to call from the
	// handler or another goroutine; Subscribe then returns nil.
	RequestStop()
	// Close releases the connection.
	Close() error
}

// Client dials the event bus.
type Client interface {
	Connect() (Conn, error)
}
