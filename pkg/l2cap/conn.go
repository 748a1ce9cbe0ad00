package l2cap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"avaneesh/l2cap-go/pkg/engine"
	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/signal"
)

var (
	ErrConnClosed     = errors.New("channel closed")
	ErrListenerClosed = errors.New("listener closed")
)

// Conn is one open channel
type Conn struct {
	s    *Stack
	h    Handle
	link LinkID
	psm  uint16

	rx     chan []byte
	busy   atomic.Bool
	wake   chan struct{} // signaled when the peer acknowledged SDUs
	opened chan struct{}
	done   chan struct{}
	once   sync.Once
	reason Reason

	// loop-owned
	mode signal.Mode
	open bool
}

func newConn(s *Stack, h Handle, id LinkID, psm uint16) *Conn {
	return &Conn{
		s:      s,
		h:      h,
		link:   id,
		psm:    psm,
		rx:     make(chan []byte, s.cfg.RxBuffer),
		wake:   make(chan struct{}, 1),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Handle returns the engine handle of the channel
func (c *Conn) Handle() Handle {
	return c.h
}

// Link returns the link the channel runs on
func (c *Conn) Link() LinkID {
	return c.link
}

// PSM returns the service the channel connects
func (c *Conn) PSM() uint16 {
	return c.psm
}

// Send queues one SDU. While the channel's transmit queue is full it waits
// for the peer to acknowledge earlier SDUs.
func (c *Conn) Send(ctx context.Context, sdu []byte) error {
	data := append([]byte(nil), sdu...)
	for {
		err := c.s.call(ctx, func() error {
			return c.s.eng.Send(c.h, data)
		})
		if !errors.Is(err, engine.ErrBusy) {
			return err
		}
		select {
		case <-c.wake:
		case <-c.done:
			return c.Err()
		case <-ctx.Done():
			return ctx.Err()
		case <-c.s.loopDone:
			return ErrStackClosed
		}
	}
}

// Recv returns the next SDU. SDUs received before the channel closed are
// returned before the close is reported.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case sdu := <-c.rx:
		c.drained()
		return sdu, nil
	default:
	}

	select {
	case sdu := <-c.rx:
		c.drained()
		return sdu, nil
	case <-c.done:
		select {
		case sdu := <-c.rx:
			return sdu, nil
		default:
			return nil, c.Err()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drained wakes the loop to lift local busy now that the receive buffer
// has room
func (c *Conn) drained() {
	if c.busy.Load() {
		c.s.wakeLoop()
	}
}

// Close disconnects the channel and waits for the peer or the disconnect
// timeout
func (c *Conn) Close() error {
	err := c.s.call(context.Background(), func() error {
		err := c.s.eng.CloseChannel(c.h)
		if errors.Is(err, engine.ErrUnknownChannel) {
			delete(c.s.conns, c.h)
			c.finish(engine.ReasonLocalRequest)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
	case <-c.s.loopDone:
	}
	return nil
}

// Done is closed when the channel has closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Reason returns why the channel closed. Valid once Done is closed.
func (c *Conn) Reason() Reason {
	<-c.done
	return c.reason
}

// Err returns an error describing the close, or nil while open
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrConnClosed, c.reason)
	default:
		return nil
	}
}

// Info returns the negotiated parameters of the channel
func (c *Conn) Info(ctx context.Context) (engine.ChannelInfo, error) {
	var info engine.ChannelInfo
	err := c.s.call(ctx, func() error {
		var err error
		info, err = c.s.eng.ChannelInfo(c.h)
		return err
	})
	return info, err
}

// SetTxMPS lowers the segment size used for SDUs sent from now on
func (c *Conn) SetTxMPS(ctx context.Context, mps uint16) error {
	return c.s.call(ctx, func() error {
		return c.s.eng.SetTxMPS(c.h, mps)
	})
}

// Reconfigure renegotiates MTU and flush timeout of an open channel
func (c *Conn) Reconfigure(ctx context.Context, mtu uint16, flush uint32) error {
	return c.s.call(ctx, func() error {
		return c.s.eng.Reconfigure(c.h, mtu, flush)
	})
}

// finish runs on the loop when the channel is gone
func (c *Conn) finish(reason Reason) {
	c.once.Do(func() {
		c.reason = reason
		c.open = false
		delete(c.s.busy, c.h)
		close(c.done)
	})
}

// Listener hands out channels opened to one PSM
type Listener struct {
	s      *Stack
	psm    uint16
	accept chan *Conn
	done   chan struct{}
	once   sync.Once
}

// PSM returns the service number
func (ln *Listener) PSM() uint16 {
	return ln.psm
}

// Accept waits for the next opened channel
func (ln *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-ln.accept:
		return c, nil
	case <-ln.done:
		return nil, ErrListenerClosed
	case <-ln.s.loopDone:
		return nil, ErrStackClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the service. Channels already open stay open.
func (ln *Listener) Close() error {
	err := ln.s.call(context.Background(), func() error {
		if ln.s.listeners[ln.psm] != ln {
			return nil
		}
		delete(ln.s.listeners, ln.psm)
		return ln.s.eng.UnregisterService(ln.psm)
	})
	ln.once.Do(func() { close(ln.done) })
	return err
}

// lower is the Stack seen by the engine as its link layer
type lower Stack

func (lw *lower) SendFrame(id LinkID, data []byte, _ sched.Priority) error {
	l, ok := lw.links[id]
	if !ok || !l.up {
		return fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	buf := append([]byte(nil), data...)
	select {
	case l.out <- buf:
		return nil
	default:
		return ErrQueueFull
	}
}

func (lw *lower) RequestTxOpportunity(id LinkID) {
	if l, ok := lw.links[id]; ok {
		l.txWanted = true
	}
}

// handler is the Stack seen by the engine as its application
type handler Stack

func (hd *handler) Receive(h Handle, sdu []byte) error {
	c, ok := hd.conns[h]
	if !ok {
		return nil
	}
	buf := append([]byte(nil), sdu...)
	select {
	case c.rx <- buf:
		return nil
	default:
	}
	if c.mode != signal.ModeERTM {
		hd.logger.Warn("Stack: channel %s receive buffer full, dropping SDU", h)
		return engine.ErrBusy
	}
	c.busy.Store(true)
	hd.busy[h] = c
	return engine.ErrBusy
}

func (hd *handler) HandleEvent(ev Event) {
	s := (*Stack)(hd)
	if ev.Type != engine.EventSent || !ev.Channel.Valid() {
		s.publish(ev)
	}

	switch ev.Type {
	case engine.EventOpened:
		c, ok := s.conns[ev.Channel]
		if !ok {
			c = newConn(s, ev.Channel, ev.Link, ev.PSM)
			s.conns[ev.Channel] = c
			s.offer(c)
		}
		c.mode = ev.Mode
		if !c.open {
			c.open = true
			close(c.opened)
		}

	case engine.EventConfigChanged:
		if c, ok := s.conns[ev.Channel]; ok {
			c.mode = ev.Mode
		}

	case engine.EventSent:
		if c, ok := s.conns[ev.Channel]; ok {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}

	case engine.EventClosed:
		if c, ok := s.conns[ev.Channel]; ok {
			delete(s.conns, ev.Channel)
			c.finish(ev.Reason)
		}

	case engine.EventEchoResponse:
		s.pings[ev.Link] = resolve(s.pings[ev.Link], ev)

	case engine.EventInfoResponse:
		s.infos[ev.Link] = resolve(s.infos[ev.Link], ev)
	}
}

// offer hands an incoming channel to its listener
func (s *Stack) offer(c *Conn) {
	ln, ok := s.listeners[c.psm]
	if ok {
		select {
		case ln.accept <- c:
			return
		default:
		}
	}
	s.logger.Warn("Stack: no listener takes channel %s on PSM 0x%04X, closing", c.h, c.psm)
	if err := s.eng.CloseChannel(c.h); err != nil {
		s.logger.Debug("Stack: close %s: %v", c.h, err)
	}
}

// resolve completes the oldest waiter
func resolve(waiters []chan Event, ev Event) []chan Event {
	if len(waiters) == 0 {
		return waiters
	}
	waiters[0] <- ev
	return waiters[1:]
}
