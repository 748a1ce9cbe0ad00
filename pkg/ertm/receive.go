package ertm

import (
	"errors"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/signal"
)

// Receive processes one complete frame addressed to the channel
func (c *Channel) Receive(raw []byte) {
	if c.closed {
		return
	}
	p, err := c.cfg.Format.Unmarshal(raw)
	if err != nil {
		if errors.Is(err, frame.ErrInvalidFCS) {
			inc(&c.stats.fcsErrors)
		} else {
			inc(&c.stats.dropped)
		}
		c.log.Debug("ERTM: 0x%04X dropping frame: %v", c.cfg.CID, err)
		return
	}
	c.stats.received()

	if c.cfg.Mode == signal.ModeStreaming {
		c.receiveStreaming(p)
		return
	}
	if p.Type == frame.TypeS {
		c.receiveSFrame(p)
	} else {
		c.receiveIFrame(p)
	}
	c.pump()
}

func (c *Channel) receiveStreaming(p *frame.PDU) {
	if p.Type != frame.TypeI {
		inc(&c.stats.dropped)
		return
	}
	inc(&c.stats.rxIFrames)
	if p.InfoLength() > int(c.cfg.RxMPS) {
		inc(&c.stats.dropped)
		c.sar.reset()
		return
	}
	if p.TxSeq != c.expectedTxSeq {
		// lost frames cannot be recovered; discard the partial SDU
		if c.sar.inProgress() {
			c.log.Debug("ERTM: 0x%04X streaming gap, dropping %d byte partial SDU", c.cfg.CID, c.sar.buffered())
			c.sar.reset()
		}
		inc(&c.stats.dropped)
		c.expectedTxSeq = c.space.Next(p.TxSeq)
		c.bufferSeq = c.expectedTxSeq
		return
	}
	c.expectedTxSeq = c.space.Next(p.TxSeq)
	c.bufferSeq = c.expectedTxSeq

	sdu, err := c.sar.push(p)
	if err != nil {
		c.log.Debug("ERTM: 0x%04X streaming reassembly: %v", c.cfg.CID, err)
		c.sar.reset()
		inc(&c.stats.dropped)
		return
	}
	if sdu != nil {
		inc(&c.stats.rxSDUs)
		if err := c.lower.Deliver(sdu); err != nil {
			inc(&c.stats.dropped)
		}
	}
}

func (c *Channel) receiveSFrame(p *frame.PDU) {
	inc(&c.stats.rxSFrames)

	if p.Super == frame.SuperSREJ {
		c.handleSrej(p)
		return
	}
	if !c.processAck(p.ReqSeq) {
		return
	}

	wasBusy := c.remoteBusy
	fromWaitF := p.Final && c.txState == TxWaitF
	if fromWaitF {
		c.exitWaitF()
	}

	switch p.Super {
	case frame.SuperRR:
		c.remoteBusy = false
		if p.Poll {
			c.answerPoll()
		}
		if fromWaitF || wasBusy {
			c.retransmitFrom(c.expectedAckSeq)
		} else if len(c.unacked) > 0 && !c.running[TimerRetrans] && c.txState == TxXmit {
			c.startTimer(TimerRetrans)
		}

	case frame.SuperRNR:
		c.remoteBusy = true
		if p.Poll {
			c.answerPoll()
		}
		// keep polling a busy peer while frames are outstanding
		if len(c.unacked) > 0 && c.txState == TxXmit && !c.running[TimerRetrans] {
			c.startTimer(TimerRetrans)
		}

	case frame.SuperREJ:
		c.remoteBusy = false
		c.retransmitFrom(p.ReqSeq)
		if p.Poll && !c.closed {
			c.answerPoll()
		}
	}
}

func (c *Channel) handleSrej(p *frame.PDU) {
	if c.space.Offset(p.ReqSeq, c.expectedAckSeq) >= c.space.Offset(c.nextTxSeq, c.expectedAckSeq) {
		c.fail(ErrInvalidReqSeq)
		return
	}
	if p.Final && c.txState == TxWaitF {
		c.exitWaitF()
	}
	c.remoteBusy = false
	if !c.retransmit(p.ReqSeq, false) {
		return
	}
	if p.Poll {
		c.answerPoll()
	}
	if len(c.unacked) > 0 && c.txState == TxXmit && !c.running[TimerRetrans] {
		c.startTimer(TimerRetrans)
	}
}

func (c *Channel) receiveIFrame(p *frame.PDU) {
	inc(&c.stats.rxIFrames)

	if p.InfoLength() > int(c.cfg.RxMPS) {
		c.log.Debug("ERTM: 0x%04X segment of %d bytes exceeds MPS %d", c.cfg.CID, p.InfoLength(), c.cfg.RxMPS)
		inc(&c.stats.dropped)
		c.sendSFrame(frame.SuperREJ, c.expectedTxSeq, false, false)
		c.rejSent = true
		return
	}

	if !c.processAck(p.ReqSeq) {
		return
	}
	if p.Final && c.txState == TxWaitF {
		c.exitWaitF()
		if !c.remoteBusy {
			c.retransmitFrom(c.expectedAckSeq)
		}
		if c.closed {
			return
		}
	}

	if c.localBusy {
		inc(&c.stats.dropped)
		c.sendSFrame(frame.SuperRNR, c.bufferSeq, false, false)
		return
	}

	if c.rxState == RxSrejSent {
		c.receiveSrejSent(p)
	} else {
		c.receiveRecv(p)
	}
}

// inWindow reports whether txSeq may be sent by the peer given our last ack
func (c *Channel) inWindow(txSeq uint16) bool {
	return c.space.InWindow(txSeq, c.lastAckSeq, c.cfg.RxWindow)
}

func (c *Channel) receiveRecv(p *frame.PDU) {
	switch {
	case p.TxSeq == c.expectedTxSeq:
		c.rejSent = false
		c.expectedTxSeq = c.space.Next(p.TxSeq)
		c.bufferSeq = c.expectedTxSeq
		if !c.consume(p) {
			return
		}
		c.scheduleAck()

	case c.space.Offset(p.TxSeq, c.lastAckSeq) < c.space.Offset(c.expectedTxSeq, c.lastAckSeq):
		inc(&c.stats.dropped)

	case !c.inWindow(p.TxSeq):
		inc(&c.stats.dropped)
		c.reject()

	case c.cfg.SelectiveReject && !c.rejSent && c.space.Offset(p.TxSeq, c.expectedTxSeq) == 1:
		c.srejSeq = c.expectedTxSeq
		c.held = append(c.held[:0], p)
		c.expectedTxSeq = c.space.Next(p.TxSeq)
		c.rxState = RxSrejSent
		c.sendSFrame(frame.SuperSREJ, c.srejSeq, false, false)

	default:
		inc(&c.stats.dropped)
		c.reject()
	}
}

func (c *Channel) receiveSrejSent(p *frame.PDU) {
	switch {
	case p.TxSeq == c.srejSeq:
		c.bufferSeq = c.space.Next(p.TxSeq)
		if !c.consume(p) {
			return
		}
		held := c.held
		c.held = nil
		for i, h := range held {
			if c.localBusy {
				// the rest is dropped and resent by the peer once busy clears
				add(&c.stats.dropped, uint64(len(held)-i))
				break
			}
			c.bufferSeq = c.space.Next(h.TxSeq)
			if !c.consume(h) {
				return
			}
		}
		c.expectedTxSeq = c.bufferSeq
		c.rxState = RxRecv
		c.sendSFrame(c.readySuper(), c.bufferSeq, false, false)

	case p.TxSeq == c.expectedTxSeq && c.inWindow(p.TxSeq):
		c.held = append(c.held, p)
		c.expectedTxSeq = c.space.Next(p.TxSeq)

	case c.space.Offset(p.TxSeq, c.srejSeq) < c.space.Offset(c.expectedTxSeq, c.srejSeq):
		inc(&c.stats.dropped)

	default:
		// a second gap: fall back to REJ from the first missing frame
		inc(&c.stats.dropped)
		c.held = nil
		c.expectedTxSeq = c.srejSeq
		c.rxState = RxRecv
		c.reject()
	}
}

func (c *Channel) reject() {
	if c.rejSent {
		return
	}
	c.rejSent = true
	c.sendSFrame(frame.SuperREJ, c.expectedTxSeq, false, false)
}

// consume runs one in-sequence I-frame through reassembly and delivery
func (c *Channel) consume(p *frame.PDU) bool {
	sdu, err := c.sar.push(p)
	if err != nil {
		c.fail(err)
		return false
	}
	if sdu != nil {
		c.deliver(sdu)
	}
	return true
}

func (c *Channel) deliver(sdu []byte) {
	err := c.lower.Deliver(sdu)
	switch {
	case err == nil:
		inc(&c.stats.rxSDUs)
	case errors.Is(err, ErrBusy):
		c.stalled = sdu
		if !c.localBusy {
			c.localBusy = true
			inc(&c.stats.localBusy)
			c.sendSFrame(frame.SuperRNR, c.bufferSeq, false, false)
		}
	default:
		c.log.Warn("ERTM: 0x%04X delivery failed: %v", c.cfg.CID, err)
		inc(&c.stats.dropped)
	}
}

// scheduleAck sends an RR once enough received frames are unacknowledged,
// otherwise arms the ack timer. Queued I-frames carry the ack for free.
func (c *Channel) scheduleAck() {
	if c.closed || c.localBusy {
		return
	}
	c.pump()
	outstanding := c.space.Offset(c.bufferSeq, c.lastAckSeq)
	switch {
	case outstanding == 0:
	case outstanding >= c.cfg.ackThreshold():
		c.sendSFrame(frame.SuperRR, c.bufferSeq, false, false)
	case !c.running[TimerAck]:
		c.startTimer(TimerAck)
	}
}

// SetLocalBusy asserts or clears local busy. Clearing first redelivers an
// SDU the application refused; if it is refused again the channel stays busy.
func (c *Channel) SetLocalBusy(busy bool) {
	if c.closed || c.cfg.Mode != signal.ModeERTM || busy == c.localBusy {
		return
	}
	if busy {
		c.localBusy = true
		inc(&c.stats.localBusy)
		c.sendSFrame(frame.SuperRNR, c.bufferSeq, false, false)
		return
	}

	if c.stalled != nil {
		sdu := c.stalled
		c.stalled = nil
		if err := c.lower.Deliver(sdu); errors.Is(err, ErrBusy) {
			c.stalled = sdu
			return
		} else if err == nil {
			inc(&c.stats.rxSDUs)
		}
	}
	c.localBusy = false
	c.sendSFrame(frame.SuperRR, c.bufferSeq, false, false)
	c.pump()
}
