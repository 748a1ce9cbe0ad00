// Package ertm implements Enhanced Retransmission Mode and Streaming Mode
// for one channel: segmentation, sequence numbering, acknowledgement,
// retransmission, reject recovery and local/remote busy handling.
//
// A Channel never blocks and owns no goroutine. The engine feeds it frames,
// application data and timer expirations, and the Channel answers through
// its Lower.
package ertm

import (
	"errors"
	"fmt"
	"time"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/internal/logger"
	"avaneesh/l2cap-go/pkg/pool"
	"avaneesh/l2cap-go/pkg/signal"
)

// Errors
var (
	ErrInvalidConfig = errors.New("invalid ERTM configuration")
	ErrClosed        = errors.New("channel closed")
	ErrSDUTooLarge   = errors.New("SDU exceeds MTU")
	ErrSARSequence   = errors.New("segmentation sequence error")
	ErrInvalidReqSeq = errors.New("acknowledgement outside transmit window")
	ErrLinkTimeout   = errors.New("peer stopped responding")

	// ErrBusy is returned by Lower.Deliver when the application cannot take
	// an SDU. The SDU is kept and redelivered when local busy clears.
	// Send returns it when the transmit queue is full.
	ErrBusy = errors.New("receiver busy")
)

// TimerKind names the per-channel timers
type TimerKind int

const (
	TimerRetrans TimerKind = iota
	TimerMonitor
	TimerAck

	numTimers
)

// String returns string representation of TimerKind
func (k TimerKind) String() string {
	switch k {
	case TimerRetrans:
		return "Retrans"
	case TimerMonitor:
		return "Monitor"
	case TimerAck:
		return "Ack"
	default:
		return "Unknown"
	}
}

// Lower is what a Channel needs from the engine
type Lower interface {
	// Transmit queues a complete frame for the link
	Transmit(pdu []byte)
	// StartTimer (re)arms timer kind to fire after d
	StartTimer(kind TimerKind, d time.Duration)
	// StopTimer cancels timer kind
	StopTimer(kind TimerKind)
	// Deliver hands a reassembled SDU to the application
	Deliver(sdu []byte) error
	// Failed reports that the channel can no longer operate
	Failed(err error)
	// Sent reports SDUs whose last segment was acknowledged, or in
	// Streaming mode transmitted
	Sent(sdus int)
}

// TxState is the transmit machine state
type TxState int

const (
	TxXmit TxState = iota
	TxWaitF
)

// String returns string representation of TxState
func (s TxState) String() string {
	if s == TxWaitF {
		return "WaitF"
	}
	return "Xmit"
}

// RxState is the receive machine state
type RxState int

const (
	RxRecv RxState = iota
	RxSrejSent
)

// String returns string representation of RxState
func (s RxState) String() string {
	if s == RxSrejSent {
		return "SrejSent"
	}
	return "Recv"
}

type txFrame struct {
	seq   uint16
	seg   segment
	sends int
}

// Channel is the ERTM/Streaming state of one open channel
type Channel struct {
	cfg   Config
	lower Lower
	res   *pool.Reservation
	log   logger.Logger
	stats Statistics
	space frame.SeqSpace

	closed  bool
	running [numTimers]bool

	// transmit side
	txState        TxState
	nextTxSeq      uint16
	expectedAckSeq uint16
	unacked        []*txFrame
	pending        []segment
	retryCount     int
	remoteBusy     bool
	waitingPool    bool

	// receive side
	rxState       RxState
	expectedTxSeq uint16
	bufferSeq     uint16 // next sequence number to hand to reassembly
	lastAckSeq    uint16 // ReqSeq most recently sent to the peer
	srejSeq       uint16
	held          []*frame.PDU // frames received after the SREJ gap
	rejSent       bool
	localBusy     bool
	stalled       []byte // SDU refused by the application
	sar           *reassembler
}

// New creates a Channel. res may be nil in Streaming mode, where frames are
// never retained.
func New(cfg Config, lower Lower, res *pool.Reservation, log logger.Logger) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == signal.ModeERTM && res == nil {
		return nil, fmt.Errorf("%w: ERTM needs a pool reservation", ErrInvalidConfig)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if cfg.MaxQueued == 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Channel{
		cfg:   cfg,
		lower: lower,
		res:   res,
		log:   log,
		space: cfg.Format.Space(),
		sar:   newReassembler(int(cfg.RxMTU)),
	}, nil
}

// Config returns the channel parameters
func (c *Channel) Config() Config {
	return c.cfg
}

// Stats returns the channel counters
func (c *Channel) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Unacked returns the number of transmitted frames awaiting acknowledgement
func (c *Channel) Unacked() int {
	return len(c.unacked)
}

// Queued returns the number of segments waiting for a sequence number
func (c *Channel) Queued() int {
	return len(c.pending)
}

// Full reports whether Send would refuse new data
func (c *Channel) Full() bool {
	return len(c.pending) >= c.cfg.MaxQueued
}

// TxState returns the transmit machine state
func (c *Channel) TxState() TxState {
	return c.txState
}

// RxState returns the receive machine state
func (c *Channel) RxState() RxState {
	return c.rxState
}

// RemoteBusy reports whether the peer signaled RNR
func (c *Channel) RemoteBusy() bool {
	return c.remoteBusy
}

// LocalBusy reports whether local busy is asserted
func (c *Channel) LocalBusy() bool {
	return c.localBusy
}

// ExpectedTxSeq returns the next sequence number expected from the peer
func (c *Channel) ExpectedTxSeq() uint16 {
	return c.expectedTxSeq
}

// NextTxSeq returns the sequence number of the next new I-frame
func (c *Channel) NextTxSeq() uint16 {
	return c.nextTxSeq
}

// Send segments sdu and transmits as much as the window allows
func (c *Channel) Send(sdu []byte) error {
	if c.closed {
		return ErrClosed
	}
	if len(sdu) > int(c.cfg.TxMTU) {
		return fmt.Errorf("%w: %d bytes, MTU %d", ErrSDUTooLarge, len(sdu), c.cfg.TxMTU)
	}
	data := append([]byte(nil), sdu...)
	segs := segmentSDU(data, int(c.cfg.TxMPS))
	// one SDU is always accepted into an empty queue
	if len(c.pending) > 0 && len(c.pending)+len(segs) > c.cfg.MaxQueued {
		return fmt.Errorf("%w: %d segments queued", ErrBusy, len(c.pending))
	}
	c.pending = append(c.pending, segs...)
	inc(&c.stats.txSDUs)
	c.pump()
	return nil
}

// SetMTU applies MTUs agreed by a reconfiguration. Zero keeps the current value.
// SDUs already segmented are sent unchanged.
func (c *Channel) SetMTU(tx, rx uint16) {
	if tx != 0 {
		c.cfg.TxMTU = tx
	}
	if rx != 0 {
		c.cfg.RxMTU = rx
		c.sar.mtu = int(rx)
	}
}

// SetTxMPS lowers the segment size used for SDUs sent from now on. It cannot
// exceed the MPS agreed at configuration.
func (c *Channel) SetTxMPS(mps, limit uint16) error {
	if mps <= frame.SDULengthSize || mps > limit || int(mps) > c.cfg.Format.MaxMPS() {
		return fmt.Errorf("%w: MPS %d, limit %d", ErrInvalidConfig, mps, limit)
	}
	c.cfg.TxMPS = mps
	return nil
}

// PoolAvailable resumes transmission after the pool signaled a free slot
func (c *Channel) PoolAvailable() {
	if c.closed || !c.waitingPool {
		return
	}
	c.waitingPool = false
	c.pump()
}

// Close stops every timer, drops queued and unacknowledged data and returns
// the pool reservation. It is safe to call more than once.
func (c *Channel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for k := TimerKind(0); k < numTimers; k++ {
		c.stopTimer(k)
	}
	c.unacked = nil
	c.pending = nil
	c.held = nil
	c.stalled = nil
	c.sar.reset()
	if c.res != nil {
		c.res.Free()
	}
}

func (c *Channel) fail(err error) {
	if c.closed {
		return
	}
	c.log.Warn("ERTM: channel 0x%04X failed: %v", c.cfg.CID, err)
	c.Close()
	c.lower.Failed(err)
}

func (c *Channel) startTimer(k TimerKind) {
	var d time.Duration
	switch k {
	case TimerRetrans:
		d = c.cfg.RetransTimeout
	case TimerMonitor:
		d = c.cfg.MonitorTimeout
	default:
		d = c.cfg.AckTimeout
	}
	c.running[k] = true
	c.lower.StartTimer(k, d)
}

func (c *Channel) stopTimer(k TimerKind) {
	if c.running[k] {
		c.running[k] = false
		c.lower.StopTimer(k)
	}
}

// pump numbers and transmits pending segments while the window, the peer
// and the pool allow it
func (c *Channel) pump() {
	if c.closed {
		return
	}
	if c.cfg.Mode == signal.ModeStreaming {
		done := 0
		for len(c.pending) > 0 {
			seg := c.pending[0]
			c.pending = c.pending[1:]
			c.sendIFrame(&txFrame{seq: c.nextTxSeq, seg: seg}, false)
			c.nextTxSeq = c.space.Next(c.nextTxSeq)
			if seg.last() {
				done++
			}
		}
		if done > 0 {
			c.lower.Sent(done)
		}
		return
	}

	for c.txState == TxXmit && !c.remoteBusy && len(c.pending) > 0 && len(c.unacked) < int(c.cfg.TxWindow) {
		if !c.res.Acquire() {
			c.waitingPool = true
			c.res.Wait()
			return
		}
		f := &txFrame{seq: c.nextTxSeq, seg: c.pending[0]}
		c.pending = c.pending[1:]
		c.nextTxSeq = c.space.Next(c.nextTxSeq)
		c.unacked = append(c.unacked, f)
		c.sendIFrame(f, false)
		if !c.running[TimerRetrans] {
			c.startTimer(TimerRetrans)
		}
	}
}

func (c *Channel) marshal(ctrl frame.Control, seg *segment) []byte {
	p := &frame.PDU{Control: ctrl}
	if seg != nil {
		p.SDULength = seg.sduLen
		p.Payload = seg.payload
	}
	raw, err := c.cfg.Format.Marshal(c.cfg.CID, p)
	if err != nil {
		// Validate keeps MPS within the basic frame limit
		panic(fmt.Sprintf("ertm: marshal %s: %v", ctrl, err))
	}
	return raw
}

// sendIFrame transmits f carrying the current acknowledgement
func (c *Channel) sendIFrame(f *txFrame, final bool) {
	reqSeq := c.bufferSeq
	if c.cfg.Mode == signal.ModeStreaming {
		reqSeq = 0
	}
	ctrl := frame.IFrame(f.seq, reqSeq, f.seg.sar, final)
	c.lower.Transmit(c.marshal(ctrl, &f.seg))
	f.sends++
	inc(&c.stats.txIFrames)
	if c.cfg.Mode == signal.ModeERTM {
		c.ackSent()
	}
}

// sendSFrame transmits a supervisory frame
func (c *Channel) sendSFrame(super frame.Super, reqSeq uint16, poll, final bool) {
	c.lower.Transmit(c.marshal(frame.SFrame(super, reqSeq, poll, final), nil))
	inc(&c.stats.txSFrames)
	switch super {
	case frame.SuperRR, frame.SuperRNR:
		c.ackSent()
	case frame.SuperREJ:
		inc(&c.stats.rejectsSent)
	case frame.SuperSREJ:
		inc(&c.stats.srejsSent)
	}
	if poll {
		inc(&c.stats.polls)
	}
}

func (c *Channel) ackSent() {
	c.lastAckSeq = c.bufferSeq
	c.stopTimer(TimerAck)
}

// readySuper is RNR while local busy is asserted, RR otherwise
func (c *Channel) readySuper() frame.Super {
	if c.localBusy {
		return frame.SuperRNR
	}
	return frame.SuperRR
}

// sendPoll asks the peer for its receive state
func (c *Channel) sendPoll() {
	c.sendSFrame(c.readySuper(), c.bufferSeq, true, false)
}

// answerPoll sends the F=1 response to a poll
func (c *Channel) answerPoll() {
	if c.rxState == RxSrejSent {
		c.sendSFrame(frame.SuperSREJ, c.srejSeq, false, true)
		return
	}
	c.sendSFrame(c.readySuper(), c.bufferSeq, false, true)
}

// processAck releases every frame acknowledged by reqSeq
func (c *Channel) processAck(reqSeq uint16) bool {
	if !c.space.Between(reqSeq, c.expectedAckSeq, c.nextTxSeq) {
		c.fail(fmt.Errorf("%w: ReqSeq %d, expected %d..%d", ErrInvalidReqSeq, reqSeq, c.expectedAckSeq, c.nextTxSeq))
		return false
	}
	n := int(c.space.Offset(reqSeq, c.expectedAckSeq))
	if n == 0 {
		return true
	}
	done := 0
	for _, f := range c.unacked[:n] {
		if f.seg.last() {
			done++
		}
	}
	c.unacked = c.unacked[n:]
	c.expectedAckSeq = reqSeq
	for i := 0; i < n; i++ {
		c.res.Release()
	}
	if done > 0 {
		c.lower.Sent(done)
	}

	if len(c.unacked) == 0 {
		c.stopTimer(TimerRetrans)
	} else if c.txState == TxXmit && !c.remoteBusy {
		c.startTimer(TimerRetrans)
	}
	return true
}

// retransmit resends the unacknowledged frame with sequence seq
func (c *Channel) retransmit(seq uint16, final bool) bool {
	off := int(c.space.Offset(seq, c.expectedAckSeq))
	if off >= len(c.unacked) {
		return true
	}
	f := c.unacked[off]
	if c.cfg.MaxTransmit != 0 && f.sends >= int(c.cfg.MaxTransmit) {
		c.fail(fmt.Errorf("%w: frame %d sent %d times", ErrLinkTimeout, f.seq, f.sends))
		return false
	}
	c.sendIFrame(f, final)
	inc(&c.stats.retransmissions)
	return true
}

// retransmitFrom resends every unacknowledged frame starting at seq
func (c *Channel) retransmitFrom(seq uint16) {
	off := int(c.space.Offset(seq, c.expectedAckSeq))
	for i := off; i < len(c.unacked); i++ {
		if !c.retransmit(c.unacked[i].seq, false) {
			return
		}
	}
	if len(c.unacked) > 0 && !c.remoteBusy && c.txState == TxXmit {
		c.startTimer(TimerRetrans)
	}
}

// HandleTimeout processes an expired timer
func (c *Channel) HandleTimeout(kind TimerKind) {
	if c.closed || !c.running[kind] {
		return
	}
	c.running[kind] = false

	switch kind {
	case TimerAck:
		if c.space.Offset(c.bufferSeq, c.lastAckSeq) > 0 {
			c.sendSFrame(c.readySuper(), c.bufferSeq, false, false)
		}

	case TimerRetrans:
		if len(c.unacked) == 0 || c.txState == TxWaitF {
			return
		}
		c.log.Debug("ERTM: 0x%04X retransmit timeout, polling peer", c.cfg.CID)
		c.txState = TxWaitF
		c.retryCount = 1
		c.sendPoll()
		c.startTimer(TimerMonitor)

	case TimerMonitor:
		if c.txState != TxWaitF {
			return
		}
		if c.cfg.MaxTransmit != 0 && c.retryCount >= int(c.cfg.MaxTransmit) {
			c.fail(fmt.Errorf("%w: %d polls unanswered", ErrLinkTimeout, c.retryCount))
			return
		}
		c.retryCount++
		c.sendPoll()
		c.startTimer(TimerMonitor)
	}
}

// exitWaitF leaves WaitF after the peer answered a poll
func (c *Channel) exitWaitF() {
	c.stopTimer(TimerMonitor)
	c.txState = TxXmit
	c.retryCount = 0
}
