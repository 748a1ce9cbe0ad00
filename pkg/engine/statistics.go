package engine

import (
	"sync/atomic"
	"time"
)

// Statistics tracks engine level metrics. Counters may be read from any
// goroutine while the engine runs.
type Statistics struct {
	// Frame counts
	FramesIn      uint64
	FramesOut     uint64
	FramesDropped uint64

	// Signaling
	CommandsIn      uint64
	CommandsOut     uint64
	RejectsSent     uint64
	RejectsReceived uint64

	// Channels
	ChannelsOpened uint64
	ChannelsClosed uint64
	ConfigFailures uint64
	SecurityBlocks uint64

	lastRxTimeNano int64
	lastTxTimeNano int64
}

// IncrementFramesIn counts a frame handed to DeliverFrame
func (s *Statistics) IncrementFramesIn() {
	atomic.AddUint64(&s.FramesIn, 1)
	atomic.StoreInt64(&s.lastRxTimeNano, time.Now().UnixNano())
}

// IncrementFramesOut counts a frame accepted by the lower layer
func (s *Statistics) IncrementFramesOut() {
	atomic.AddUint64(&s.FramesOut, 1)
	atomic.StoreInt64(&s.lastTxTimeNano, time.Now().UnixNano())
}

// IncrementFramesDropped counts a frame discarded without processing
func (s *Statistics) IncrementFramesDropped() {
	atomic.AddUint64(&s.FramesDropped, 1)
}

// IncrementCommandsIn counts a received signaling command
func (s *Statistics) IncrementCommandsIn() {
	atomic.AddUint64(&s.CommandsIn, 1)
}

// IncrementCommandsOut counts a queued signaling command
func (s *Statistics) IncrementCommandsOut() {
	atomic.AddUint64(&s.CommandsOut, 1)
}

// IncrementRejectsSent counts a command reject sent to the peer
func (s *Statistics) IncrementRejectsSent() {
	atomic.AddUint64(&s.RejectsSent, 1)
}

// IncrementRejectsReceived counts a command reject from the peer
func (s *Statistics) IncrementRejectsReceived() {
	atomic.AddUint64(&s.RejectsReceived, 1)
}

// IncrementChannelsOpened counts a channel reaching Open
func (s *Statistics) IncrementChannelsOpened() {
	atomic.AddUint64(&s.ChannelsOpened, 1)
}

// IncrementChannelsClosed counts a channel leaving service
func (s *Statistics) IncrementChannelsClosed() {
	atomic.AddUint64(&s.ChannelsClosed, 1)
}

// IncrementConfigFailures counts a negotiation that gave up
func (s *Statistics) IncrementConfigFailures() {
	atomic.AddUint64(&s.ConfigFailures, 1)
}

// IncrementSecurityBlocks counts a denied access check
func (s *Statistics) IncrementSecurityBlocks() {
	atomic.AddUint64(&s.SecurityBlocks, 1)
}

// StatsSnapshot is a consistent copy of the counters
type StatsSnapshot struct {
	FramesIn        uint64
	FramesOut       uint64
	FramesDropped   uint64
	CommandsIn      uint64
	CommandsOut     uint64
	RejectsSent     uint64
	RejectsReceived uint64
	ChannelsOpened  uint64
	ChannelsClosed  uint64
	ConfigFailures  uint64
	SecurityBlocks  uint64
	LastRx          time.Time
	LastTx          time.Time
}

// Snapshot copies the counters
func (s *Statistics) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		FramesIn:        atomic.LoadUint64(&s.FramesIn),
		FramesOut:       atomic.LoadUint64(&s.FramesOut),
		FramesDropped:   atomic.LoadUint64(&s.FramesDropped),
		CommandsIn:      atomic.LoadUint64(&s.CommandsIn),
		CommandsOut:     atomic.LoadUint64(&s.CommandsOut),
		RejectsSent:     atomic.LoadUint64(&s.RejectsSent),
		RejectsReceived: atomic.LoadUint64(&s.RejectsReceived),
		ChannelsOpened:  atomic.LoadUint64(&s.ChannelsOpened),
		ChannelsClosed:  atomic.LoadUint64(&s.ChannelsClosed),
		ConfigFailures:  atomic.LoadUint64(&s.ConfigFailures),
		SecurityBlocks:  atomic.LoadUint64(&s.SecurityBlocks),
	}
	if n := atomic.LoadInt64(&s.lastRxTimeNano); n != 0 {
		snap.LastRx = time.Unix(0, n)
	}
	if n := atomic.LoadInt64(&s.lastTxTimeNano); n != 0 {
		snap.LastTx = time.Unix(0, n)
	}
	return snap
}

// Reset zeroes every counter
func (s *Statistics) Reset() {
	for _, p := range []*uint64{
		&s.FramesIn, &s.FramesOut, &s.FramesDropped,
		&s.CommandsIn, &s.CommandsOut, &s.RejectsSent, &s.RejectsReceived,
		&s.ChannelsOpened, &s.ChannelsClosed, &s.ConfigFailures, &s.SecurityBlocks,
	} {
		atomic.StoreUint64(p, 0)
	}
	atomic.StoreInt64(&s.lastRxTimeNano, 0)
	atomic.StoreInt64(&s.lastTxTimeNano, 0)
}
