package engine

import (
	"fmt"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/security"
	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/signal"
)

// ConnectionlessMTU is the largest connectionless payload sent or accepted
const ConnectionlessMTU = int(signal.DefaultMTU)

// RegisterConnectionless routes connectionless data for psm to fn. PSM 0
// registers a handler for every PSM without its own.
func (e *Engine) RegisterConnectionless(psm uint16, fn ConnectionlessHandler) error {
	if fn == nil || (psm != 0 && !signal.ValidPSM(psm)) {
		return fmt.Errorf("%w: connectionless PSM 0x%04X", ErrInvalidOptions, psm)
	}
	if _, ok := e.connless[psm]; ok {
		return fmt.Errorf("%w: connectionless PSM 0x%04X", ErrServiceExists, psm)
	}
	e.connless[psm] = fn
	return nil
}

// UnregisterConnectionless removes the handler for psm
func (e *Engine) UnregisterConnectionless(psm uint16) error {
	if _, ok := e.connless[psm]; !ok {
		return fmt.Errorf("%w: connectionless PSM 0x%04X", ErrUnknownService, psm)
	}
	delete(e.connless, psm)
	return nil
}

// EnableConnectionless turns reception of connectionless data on or off.
// Reception is on by default.
func (e *Engine) EnableConnectionless(enable bool) {
	e.clOff = !enable
}

// SendConnectionless queues data for psm on the connectionless channel of a
// link. EventSent with Channel unset reports when the frame left.
func (e *Engine) SendConnectionless(id LinkID, psm uint16, data []byte) error {
	e.enter()
	defer e.exit()

	l, ok := e.links[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	if !signal.ValidPSM(psm) {
		return fmt.Errorf("%w: connectionless PSM 0x%04X", ErrInvalidOptions, psm)
	}
	if len(data) > ConnectionlessMTU {
		return fmt.Errorf("%w: %d bytes, MTU %d", ErrSDUTooLarge, len(data), ConnectionlessMTU)
	}
	g := frame.GFrame{PSM: psm, Payload: data}
	raw, err := g.Marshal()
	if err != nil {
		return err
	}
	l.fixed.Push(sched.Frame{PDU: raw, Sent: func() {
		e.emit(Event{Type: EventSent, Link: id, PSM: psm, SDUs: 1})
	}})
	l.sched.Ready(&l.fixed, sched.Normal)
	return nil
}

// receiveConnectionless checks access once per link and PSM, then delivers
func (e *Engine) receiveConnectionless(l *link, payload []byte) {
	if e.clOff {
		e.stats.IncrementFramesDropped()
		return
	}
	g, err := frame.ParseGFrame(payload)
	if err != nil || len(g.Payload) > ConnectionlessMTU {
		e.log.Debug("Engine: link %d dropping connectionless frame of %d bytes", l.id, len(payload))
		e.stats.IncrementFramesDropped()
		return
	}
	fn, ok := e.connless[g.PSM]
	if !ok {
		fn, ok = e.connless[0]
	}
	if !ok {
		e.log.Debug("Engine: link %d no connectionless handler for PSM 0x%04X", l.id, g.PSM)
		e.stats.IncrementFramesDropped()
		return
	}
	if !l.clAllowed[g.PSM] {
		res := e.gate.CheckAccess(security.Request{
			Service:   g.PSM,
			Type:      security.Connectionless,
			Direction: security.Incoming,
			Peer:      l.peer,
		})
		if res.Decision != security.Approved {
			e.stats.IncrementSecurityBlocks()
			e.stats.IncrementFramesDropped()
			return
		}
		l.clAllowed[g.PSM] = true
	}

	data := append([]byte(nil), g.Payload...)
	e.delivering = true
	defer func() { e.delivering = false }()
	fn(l.id, g.PSM, data)
}
