// Package connmgr owns a single point-to-point serial session over a
// Bluetooth transport: the state machine, the background workers that dial,
// accept and pump bytes, and the event/status contracts at its boundary.
//
// Thread-safety: every Manager method is safe for concurrent use. Workers run
// on their own goroutines; the Manager is the only owner of a worker and of the
// stream reachable through it.
package connmgr

import (
	"context"
	"io"
)

// Stream is one established duplex byte stream.
//
// Close must be safe to call from a goroutine other than the one blocked in
// Read or Write, and must unblock that call. The Manager never closes a stream
// twice, but implementations should tolerate it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Peer identifies the remote end of a session.
type Peer struct {
	Address string // required: opaque device identifier (MAC or BlueZ object path)
	Name    string // optional: human-readable device name
}

// DisplayName returns the peer name, falling back to its address.
func (p Peer) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Address
}

// Transport is the set of primitives the Manager needs from the local radio.
//
// The context passed to Dial and Accept governs establishment only: once a
// Stream is returned, cancelling the context must not close it.
type Transport interface {
	// CancelDiscovery stops any ongoing device discovery on the local adapter.
	// Discovery degrades RFCOMM throughput, so it is requested before every dial.
	// Errors are informational; the dial proceeds regardless.
	CancelDiscovery(ctx context.Context) error

	// Dial performs one outbound connection attempt to address. It blocks until
	// the stream is open, the attempt fails, or ctx is cancelled.
	Dial(ctx context.Context, address string) (Stream, Peer, error)

	// Accept blocks until one inbound connection arrives or ctx is cancelled.
	Accept(ctx context.Context) (Stream, Peer, error)
}

// EventSink consumes session events. Delivery is fire-and-forget and in
// transition order; no events are replayed to a sink installed late.
//
// HandleEvent is never called with the Manager's lock held, so a sink may call
// back into the Manager. A slow sink delays every later event.
type EventSink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// HandleEvent calls f(ev).
func (f SinkFunc) HandleEvent(ev Event) { f(ev) }

// Sinks fans one event out to several sinks in order. Nil entries are skipped.
type Sinks []EventSink

// HandleEvent delivers ev to every sink.
func (s Sinks) HandleEvent(ev Event) {
	for _, sink := range s {
		if sink != nil {
			sink.HandleEvent(ev)
		}
	}
}

// StatusPresenter renders the latest human-readable session status as one
// replacing indicator.
type StatusPresenter interface {
	SetStatus(text string)
}

// PresenterFunc adapts a function to StatusPresenter.
type PresenterFunc func(string)

// SetStatus calls f(text).
func (f PresenterFunc) SetStatus(text string) { f(text) }
