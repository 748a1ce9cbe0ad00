package engine

import (
	"fmt"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/registry"
	"avaneesh/l2cap-go/pkg/security"
	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/signal"
)

// Send queues one SDU on an open channel
func (e *Engine) Send(h Handle, sdu []byte) error {
	e.enter()
	defer e.exit()

	ch, err := e.lookup(h)
	if err != nil {
		return err
	}
	if ch.state != StateOpen || ch.closing {
		return fmt.Errorf("%w: %s", ErrNotOpen, ch.state)
	}
	if len(sdu) > int(ch.txMTU) {
		return fmt.Errorf("%w: %d bytes, MTU %d", ErrSDUTooLarge, len(sdu), ch.txMTU)
	}

	if ch.ertm == nil {
		bf := frame.BFrame{CID: ch.remote, Payload: sdu}
		raw, err := bf.Marshal()
		if err != nil {
			return err
		}
		ch.data.Push(sched.Frame{PDU: raw, Sent: func() { e.sent(ch, 1) }})
		ch.link.sched.Ready(ch, ch.opts.Priority)
		return nil
	}
	if ch.ertm.Full() {
		return fmt.Errorf("%w: channel 0x%04X transmit queue full", ErrBusy, ch.local)
	}
	if e.delivering {
		data := append([]byte(nil), sdu...)
		e.later(func() {
			if ch.ertm != nil {
				if err := ch.ertm.Send(data); err != nil {
					e.log.Warn("Engine: channel 0x%04X deferred send failed: %v", ch.local, err)
				}
			}
		})
		return nil
	}
	return ch.ertm.Send(sdu)
}

// SetTxMPS lowers the segment size of an ERTM or Streaming channel. It
// applies to SDUs sent afterwards and cannot exceed the MPS agreed with the
// peer.
func (e *Engine) SetTxMPS(h Handle, mps uint16) error {
	e.enter()
	defer e.exit()

	ch, err := e.lookup(h)
	if err != nil {
		return err
	}
	if ch.state != StateOpen || ch.closing {
		return fmt.Errorf("%w: %s", ErrNotOpen, ch.state)
	}
	if ch.ertm == nil {
		return fmt.Errorf("%w: MPS needs ERTM or Streaming, channel is %s", ErrModeNotSupported, ch.mode)
	}
	if err := ch.ertm.SetTxMPS(mps, ch.conf.txMPS); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	e.log.Debug("Engine: channel 0x%04X tx MPS now %d", ch.local, mps)
	e.emit(e.configChanged(ch))
	return nil
}

// SetLocalBusy tells the peer to stop or resume sending on an ERTM channel
func (e *Engine) SetLocalBusy(h Handle, busy bool) error {
	e.enter()
	defer e.exit()

	ch, err := e.lookup(h)
	if err != nil {
		return err
	}
	if ch.state != StateOpen || ch.closing {
		return fmt.Errorf("%w: %s", ErrNotOpen, ch.state)
	}
	if ch.mode != signal.ModeERTM || ch.ertm == nil {
		return fmt.Errorf("%w: local busy needs ERTM, channel is %s", ErrModeNotSupported, ch.mode)
	}
	if e.delivering {
		e.later(func() {
			if ch.ertm != nil {
				ch.ertm.SetLocalBusy(busy)
			}
		})
		return nil
	}
	ch.ertm.SetLocalBusy(busy)
	return nil
}

// ChannelInfo describes a channel
func (e *Engine) ChannelInfo(h Handle) (ChannelInfo, error) {
	ch, err := e.lookup(h)
	if err != nil {
		return ChannelInfo{}, err
	}
	return ch.info(), nil
}

// Channels lists the live channel handles of a link
func (e *Engine) Channels(id LinkID) []Handle {
	var out []Handle
	e.chans.Each(id, func(h Handle, ch *channel) bool {
		if ch != nil {
			out = append(out, h)
		}
		return true
	})
	return out
}

// RegisterFixedChannel routes frames for cid on every link to fn
func (e *Engine) RegisterFixedChannel(cid uint16, fn FixedHandler) error {
	if cid <= frame.CIDConnectionless || cid >= frame.CIDDynamicBase || fn == nil {
		return fmt.Errorf("%w: fixed CID 0x%04X", ErrInvalidOptions, cid)
	}
	if _, ok := e.fixed[cid]; ok {
		return fmt.Errorf("%w: fixed CID 0x%04X", ErrServiceExists, cid)
	}
	for id := range e.links {
		if _, err := e.chans.AddFixed(id, cid, registry.KindFixed, nil); err != nil {
			return err
		}
	}
	e.fixed[cid] = fn
	return nil
}

// SendFixed queues a frame on a fixed channel
func (e *Engine) SendFixed(id LinkID, cid uint16, payload []byte) error {
	e.enter()
	defer e.exit()

	l, ok := e.links[id]
	if !ok {
		return ErrUnknownLink
	}
	if _, ok := e.fixed[cid]; !ok {
		return fmt.Errorf("%w: 0x%04X", ErrFixedChannel, cid)
	}
	bf := frame.BFrame{CID: cid, Payload: payload}
	raw, err := bf.Marshal()
	if err != nil {
		return err
	}
	l.fixed.Push(sched.Frame{PDU: raw})
	l.sched.Ready(&l.fixed, sched.Normal)
	return nil
}

// receiveFixed checks access once per link and channel, then delivers
func (e *Engine) receiveFixed(l *link, cid uint16, payload []byte) {
	fn, ok := e.fixed[cid]
	if !ok {
		e.log.Debug("Engine: link %d frame for unregistered fixed CID 0x%04X", l.id, cid)
		e.stats.IncrementFramesDropped()
		return
	}
	if !l.fixedAllowed[cid] {
		res := e.gate.CheckAccess(security.Request{
			Service:   cid,
			Type:      security.Fixed,
			Direction: security.Incoming,
			Peer:      l.peer,
		})
		if res.Decision != security.Approved {
			e.stats.IncrementSecurityBlocks()
			e.stats.IncrementFramesDropped()
			return
		}
		l.fixedAllowed[cid] = true
	}

	data := append([]byte(nil), payload...)
	e.delivering = true
	defer func() { e.delivering = false }()
	fn(l.id, data)
}
