package ertm

import (
	"sync/atomic"
	"time"
)

// Statistics tracks ERTM counters. Counters may be read from any goroutine.
type Statistics struct {
	txIFrames       uint64
	rxIFrames       uint64
	txSFrames       uint64
	rxSFrames       uint64
	retransmissions uint64
	txSDUs          uint64
	rxSDUs          uint64
	fcsErrors       uint64
	rejectsSent     uint64
	srejsSent       uint64
	dropped         uint64
	polls           uint64
	localBusy       uint64

	lastRxTimeNano int64
}

// StatsSnapshot is a point-in-time copy of Statistics
type StatsSnapshot struct {
	TxIFrames       uint64
	RxIFrames       uint64
	TxSFrames       uint64
	RxSFrames       uint64
	Retransmissions uint64
	TxSDUs          uint64
	RxSDUs          uint64
	FCSErrors       uint64
	RejectsSent     uint64
	SrejsSent       uint64
	Dropped         uint64
	Polls           uint64
	LocalBusy       uint64
	LastRx          time.Time
}

func inc(v *uint64) {
	atomic.AddUint64(v, 1)
}

func add(v *uint64, n uint64) {
	atomic.AddUint64(v, n)
}

func (s *Statistics) received() {
	atomic.StoreInt64(&s.lastRxTimeNano, time.Now().UnixNano())
}

// Snapshot returns the current counters
func (s *Statistics) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TxIFrames:       atomic.LoadUint64(&s.txIFrames),
		RxIFrames:       atomic.LoadUint64(&s.rxIFrames),
		TxSFrames:       atomic.LoadUint64(&s.txSFrames),
		RxSFrames:       atomic.LoadUint64(&s.rxSFrames),
		Retransmissions: atomic.LoadUint64(&s.retransmissions),
		TxSDUs:          atomic.LoadUint64(&s.txSDUs),
		RxSDUs:          atomic.LoadUint64(&s.rxSDUs),
		FCSErrors:       atomic.LoadUint64(&s.fcsErrors),
		RejectsSent:     atomic.LoadUint64(&s.rejectsSent),
		SrejsSent:       atomic.LoadUint64(&s.srejsSent),
		Dropped:         atomic.LoadUint64(&s.dropped),
		Polls:           atomic.LoadUint64(&s.polls),
		LocalBusy:       atomic.LoadUint64(&s.localBusy),
	}
	if nano := atomic.LoadInt64(&s.lastRxTimeNano); nano != 0 {
		snap.LastRx = time.Unix(0, nano)
	}
	return snap
}
