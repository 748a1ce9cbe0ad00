package link

import (
	"sync"
	"sync/atomic"
)

// counters is embedded by every transport
type counters struct {
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	writeErrors    atomic.Uint64
	readErrors     atomic.Uint64
	connects       atomic.Uint64
	disconnects    atomic.Uint64
}

func (c *counters) sent(n int) {
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *counters) received(n int) {
	c.framesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		WriteErrors:    c.writeErrors.Load(),
		ReadErrors:     c.readErrors.Load(),
		Connects:       c.connects.Load(),
		Disconnects:    c.disconnects.Load(),
	}
}

// notifier holds the state listener of a transport
type notifier struct {
	mu       sync.RWMutex
	listener StateListener
}

// SetStateListener sets a listener for connection state changes
func (n *notifier) SetStateListener(listener StateListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listener = listener
}

func (n *notifier) established() {
	n.mu.RLock()
	listener := n.listener
	n.mu.RUnlock()

	if listener != nil {
		listener.OnConnectionEstablished()
	}
}

func (n *notifier) lost() {
	n.mu.RLock()
	listener := n.listener
	n.mu.RUnlock()

	if listener != nil {
		listener.OnConnectionLost()
	}
}
