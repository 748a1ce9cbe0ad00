// Package link provides the transports that carry basic frames between two
// stacks. Every transport moves whole frames: a Write hands over exactly
// one frame and a Read returns exactly one.
package link

import (
	"context"
	"errors"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrNotConnected  = errors.New("no connection")
	ErrFrameTooLarge = errors.New("frame exceeds transport limit")
)

// StateListener receives notifications about connection state changes
type StateListener interface {
	// OnConnectionEstablished is called when a new connection is established
	OnConnectionEstablished()

	// OnConnectionLost is called when a connection is lost
	OnConnectionLost()
}

// Transport is a point-to-point frame carrier
type Transport interface {
	// Read blocks until the next frame arrives, ctx is done or the
	// transport is closed
	Read(ctx context.Context) ([]byte, error)

	// Write sends one complete frame. Safe for concurrent use.
	Write(ctx context.Context, frame []byte) error

	// Close releases the transport and unblocks pending calls
	Close() error

	// IsConnected reports whether frames can currently be exchanged
	IsConnected() bool

	Statistics() Stats

	// SetStateListener sets a listener for connection state changes
	SetStateListener(listener StateListener)
}

// Stats provides transport-level statistics
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	WriteErrors    uint64
	ReadErrors     uint64
	Connects       uint64 // Connections made (connection-oriented transports)
	Disconnects    uint64
}
