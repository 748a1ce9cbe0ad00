// Package l2cap runs a channel engine on its own goroutine and connects it
// to link transports. All engine work happens on that goroutine; the
// methods of Stack, Conn and Listener hand requests to it and wait for the
// result.
package l2cap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"avaneesh/l2cap-go/pkg/engine"
	"avaneesh/l2cap-go/pkg/internal/logger"
	"avaneesh/l2cap-go/pkg/link"
	"avaneesh/l2cap-go/pkg/pool"
	"avaneesh/l2cap-go/pkg/security"
	"avaneesh/l2cap-go/pkg/signal"
)

// Re-exports for convenience
type (
	LinkID         = engine.LinkID
	Handle         = engine.Handle
	Event          = engine.Event
	ChannelOptions = engine.ChannelOptions
	Service        = engine.Service
	Reason         = engine.Reason
)

var (
	ErrStackClosed = errors.New("stack is closed")
	ErrUnknownLink = engine.ErrUnknownLink
	ErrQueueFull   = errors.New("link transmit queue full")
	ErrListening   = errors.New("PSM already has a listener")
)

// Config configures a Stack
type Config struct {
	Engine engine.Config

	RxBuffer    int // SDUs buffered per channel before the peer is told to stop
	TxQueue     int // frames buffered per link between the engine and the transport
	EventBuffer int // events buffered for Events()
	AcceptQueue int // opened channels buffered per Listener

	Logger Logger
}

// DefaultConfig returns the stack defaults
func DefaultConfig() Config {
	return Config{
		Engine:      engine.DefaultConfig(),
		RxBuffer:    32,
		TxQueue:     64,
		EventBuffer: 64,
		AcceptQueue: 16,
	}
}

// inbound is a frame read by a link's reader goroutine
type inbound struct {
	link LinkID
	data []byte
}

// linkState is owned by the loop goroutine except for out and the
// goroutine bookkeeping
type linkState struct {
	id        LinkID
	transport link.Transport
	peer      security.PeerID
	out       chan []byte
	up        bool
	txWanted  bool
	log       logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stack owns an engine and the links it runs on
type Stack struct {
	cfg    Config
	eng    *engine.Engine
	logger logger.Logger

	reqs    chan func()
	inbound chan inbound
	kick    chan struct{}
	events  chan Event

	// loop-owned
	links     map[LinkID]*linkState
	nextLink  LinkID
	conns     map[Handle]*Conn
	busy      map[Handle]*Conn // channels refusing SDUs until their reader makes room
	listeners map[uint16]*Listener
	pings     map[LinkID][]chan Event
	infos     map[LinkID][]chan Event

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// New creates a stack and starts its loop
func New(cfg Config) (*Stack, error) {
	d := DefaultConfig()
	if cfg.RxBuffer <= 0 {
		cfg.RxBuffer = d.RxBuffer
	}
	if cfg.TxQueue <= 0 {
		cfg.TxQueue = d.TxQueue
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = d.EventBuffer
	}
	if cfg.AcceptQueue <= 0 {
		cfg.AcceptQueue = d.AcceptQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetDefault()
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		cfg:       cfg,
		logger:    cfg.Logger,
		reqs:      make(chan func(), 64),
		inbound:   make(chan inbound, 64),
		kick:      make(chan struct{}, 1),
		events:    make(chan Event, cfg.EventBuffer),
		links:     make(map[LinkID]*linkState),
		nextLink:  1,
		conns:     make(map[Handle]*Conn),
		busy:      make(map[Handle]*Conn),
		listeners: make(map[uint16]*Listener),
		pings:     make(map[LinkID][]chan Event),
		infos:     make(map[LinkID][]chan Event),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}

	eng, err := engine.New(cfg.Engine, (*lower)(s), (*handler)(s))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.eng = eng

	go s.run()
	s.logger.Info("Stack: started")
	return s, nil
}

// run is the only goroutine that touches the engine
func (s *Stack) run() {
	defer close(s.loopDone)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.recheckBusy()
		s.pump()
		s.armTimer(timer)

		select {
		case <-s.ctx.Done():
			s.shutdownLinks()
			close(s.events)
			return
		case fn := <-s.reqs:
			fn()
		case in := <-s.inbound:
			s.receive(in)
		case <-timer.C:
			s.eng.ProcessTimers()
		case <-s.kick:
		}
	}
}

// receive hands a frame to the engine. A frame may overtake the
// transport's connection notification.
func (s *Stack) receive(in inbound) {
	l, ok := s.links[in.link]
	if !ok {
		return
	}
	if !l.up && l.transport.IsConnected() {
		s.linkUp(l)
	}
	if l.up {
		s.eng.DeliverFrame(in.link, in.data)
	}
}

// armTimer points timer at the engine's next deadline
func (s *Stack) armTimer(timer *time.Timer) {
	timer.Stop()
	select {
	case <-timer.C:
	default:
	}
	if at, ok := s.eng.NextDeadline(); ok {
		timer.Reset(time.Until(at))
	}
}

// pump grants transmit opportunities while link queues have room
func (s *Stack) pump() {
	for progress := true; progress; {
		progress = false
		for id, l := range s.links {
			if !l.txWanted || !l.up {
				continue
			}
			free := cap(l.out) - len(l.out)
			if free == 0 {
				continue
			}
			l.txWanted = false
			if s.eng.TxOpportunity(id, free) > 0 {
				progress = true
			}
		}
	}
}

// recheckBusy lifts local busy on channels whose receive buffer has room.
// A reader may drain the buffer before the refusal that set busy, so this
// runs after every loop step.
func (s *Stack) recheckBusy() {
	for h, c := range s.busy {
		if !c.open {
			delete(s.busy, h)
			continue
		}
		if len(c.rx) == cap(c.rx) {
			continue
		}
		delete(s.busy, h)
		c.busy.Store(false)
		if err := s.eng.SetLocalBusy(h, false); err != nil {
			s.logger.Debug("Stack: channel %s clear busy: %v", h, err)
		}
	}
}

// wakeLoop makes the loop run a step without a request
func (s *Stack) wakeLoop() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// post hands fn to the loop
func (s *Stack) post(fn func()) error {
	select {
	case s.reqs <- fn:
		return nil
	case <-s.ctx.Done():
		return ErrStackClosed
	}
}

// call runs fn on the loop and waits for its result
func (s *Stack) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := s.post(func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loopDone:
		return ErrStackClosed
	}
}

// Do runs fn on the loop goroutine with the engine. The engine must not be
// retained after fn returns.
func (s *Stack) Do(ctx context.Context, fn func(e *engine.Engine) error) error {
	return s.call(ctx, func() error { return fn(s.eng) })
}

// Events returns engine events. EventSent is only published for
// connectionless data; Conn.Send consumes the channel ones. Events are
// dropped when the buffer is full. The channel is closed when the stack
// shuts down.
func (s *Stack) Events() <-chan Event {
	return s.events
}

// publish forwards ev to Events without blocking the loop
func (s *Stack) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Stack: event buffer full, dropping %s", ev)
	}
}

// AddLink attaches a transport as a new link. The link comes up as soon as
// the transport reports a connection.
func (s *Stack) AddLink(t link.Transport, peer security.PeerID) (LinkID, error) {
	var id LinkID
	err := s.call(context.Background(), func() error {
		id = s.nextLink
		s.nextLink++

		ctx, cancel := context.WithCancel(s.ctx)
		l := &linkState{
			id:        id,
			transport: t,
			peer:      peer,
			out:       make(chan []byte, s.cfg.TxQueue),
			log:       logger.With(s.logger, "link", fmt.Sprint(id)),
			ctx:       ctx,
			cancel:    cancel,
		}
		s.links[id] = l
		t.SetStateListener(&linkListener{s: s, id: id})

		l.wg.Add(2)
		go s.readLoop(l)
		go s.writeLoop(l)

		if t.IsConnected() {
			s.linkUp(l)
		}
		l.log.Info("Stack: added link %d (peer %q)", id, peer)
		return nil
	})
	return id, err
}

// RemoveLink closes every channel of a link and closes its transport
func (s *Stack) RemoveLink(id LinkID) error {
	var l *linkState
	err := s.call(context.Background(), func() error {
		var ok bool
		l, ok = s.links[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownLink, id)
		}
		s.linkDown(l)
		delete(s.links, id)
		return nil
	})
	if err != nil {
		return err
	}

	l.cancel()
	if err := l.transport.Close(); err != nil {
		s.logger.Error("Stack: error closing link %d: %v", id, err)
	}
	l.wg.Wait()
	s.logger.Info("Stack: removed link %d", id)
	return nil
}

func (s *Stack) linkUp(l *linkState) {
	if l.up {
		return
	}
	if err := s.eng.LinkConnected(l.id, l.peer); err != nil {
		s.logger.Error("Stack: link %d: %v", l.id, err)
		return
	}
	l.up = true
}

func (s *Stack) linkDown(l *linkState) {
	if !l.up {
		return
	}
	l.up = false
	l.txWanted = false
	s.eng.LinkDisconnected(l.id)
	for len(l.out) > 0 {
		<-l.out
	}
}

// shutdownLinks runs on the loop when the stack closes
func (s *Stack) shutdownLinks() {
	for _, l := range s.links {
		s.linkDown(l)
	}
}

// linkListener moves transport notifications onto the loop
type linkListener struct {
	s  *Stack
	id LinkID
}

func (ll *linkListener) OnConnectionEstablished() {
	ll.s.post(func() {
		if l, ok := ll.s.links[ll.id]; ok {
			l.log.Info("Stack: link %d connected", ll.id)
			ll.s.linkUp(l)
		}
	})
}

func (ll *linkListener) OnConnectionLost() {
	ll.s.post(func() {
		if l, ok := ll.s.links[ll.id]; ok {
			l.log.Info("Stack: link %d lost", ll.id)
			ll.s.linkDown(l)
		}
	})
}

// readLoop continuously reads frames from the transport
func (s *Stack) readLoop(l *linkState) {
	defer l.wg.Done()
	l.log.Debug("Stack: link %d read loop started", l.id)
	defer l.log.Debug("Stack: link %d read loop stopped", l.id)

	for {
		data, err := l.transport.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, link.ErrClosed) {
				return
			}
			l.log.Error("Stack: link %d read error: %v", l.id, err)
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		select {
		case s.inbound <- inbound{link: l.id, data: data}:
		case <-l.ctx.Done():
			return
		}
	}
}

// writeLoop drains the link's transmit queue into the transport
func (s *Stack) writeLoop(l *linkState) {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case data := <-l.out:
			if err := l.transport.Write(l.ctx, data); err != nil {
				l.log.Warn("Stack: link %d write error: %v", l.id, err)
			}
			s.wakeLoop()
		}
	}
}

// Listen registers a service and returns a listener for its channels.
// Services with AutoAccept unset report EventConnectRequest on Events and
// wait for AcceptChannel.
func (s *Stack) Listen(svc Service) (*Listener, error) {
	ln := &Listener{
		s:      s,
		psm:    svc.PSM,
		accept: make(chan *Conn, s.cfg.AcceptQueue),
		done:   make(chan struct{}),
	}
	err := s.call(context.Background(), func() error {
		if _, ok := s.listeners[svc.PSM]; ok {
			return fmt.Errorf("%w: 0x%04X", ErrListening, svc.PSM)
		}
		if err := s.eng.RegisterService(svc); err != nil {
			return err
		}
		s.listeners[svc.PSM] = ln
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// AcceptChannel answers an EventConnectRequest
func (s *Stack) AcceptChannel(h Handle, accept bool) error {
	return s.call(context.Background(), func() error {
		return s.eng.AcceptChannel(h, accept, engine.ReasonRefused)
	})
}

// Dial opens a channel to psm on a link and waits until it is open
func (s *Stack) Dial(ctx context.Context, id LinkID, psm uint16, opts ChannelOptions) (*Conn, error) {
	var c *Conn
	err := s.call(ctx, func() error {
		h, err := s.eng.OpenChannel(id, psm, opts)
		if err != nil {
			return err
		}
		c = newConn(s, h, id, psm)
		s.conns[h] = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-c.opened:
		return c, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// ResolveAccess supplies the decision for a pending security check
func (s *Stack) ResolveAccess(token uuid.UUID, res security.Result) error {
	return s.call(context.Background(), func() error {
		return s.eng.AccessResult(token, res)
	})
}

// Ping sends an echo request and waits for the response payload
func (s *Stack) Ping(ctx context.Context, id LinkID, data []byte) ([]byte, error) {
	wait := make(chan Event, 1)
	err := s.call(ctx, func() error {
		if err := s.eng.Ping(id, data); err != nil {
			return err
		}
		s.pings[id] = append(s.pings[id], wait)
		return nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case ev := <-wait:
		return ev.Data, ev.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.loopDone:
		return nil, ErrStackClosed
	}
}

// GetInfo queries the peer and waits for the answer
func (s *Stack) GetInfo(ctx context.Context, id LinkID, t signal.InfoType) (*signal.InfoResponse, error) {
	wait := make(chan Event, 1)
	err := s.call(ctx, func() error {
		if err := s.eng.GetInfo(id, t); err != nil {
			return err
		}
		s.infos[id] = append(s.infos[id], wait)
		return nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case ev := <-wait:
		return ev.Info, ev.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.loopDone:
		return nil, ErrStackClosed
	}
}

// RegisterFixedChannel routes frames for cid to fn. fn runs on the loop
// goroutine and must not call back into the stack synchronously.
func (s *Stack) RegisterFixedChannel(cid uint16, fn engine.FixedHandler) error {
	return s.call(context.Background(), func() error {
		return s.eng.RegisterFixedChannel(cid, fn)
	})
}

// SendFixed sends one payload on a fixed channel
func (s *Stack) SendFixed(id LinkID, cid uint16, payload []byte) error {
	data := append([]byte(nil), payload...)
	return s.call(context.Background(), func() error {
		return s.eng.SendFixed(id, cid, data)
	})
}

// RegisterConnectionless routes connectionless data for psm to fn. PSM 0
// takes every PSM without its own handler. fn runs on the loop goroutine
// and must not call back into the stack synchronously.
func (s *Stack) RegisterConnectionless(psm uint16, fn engine.ConnectionlessHandler) error {
	return s.call(context.Background(), func() error {
		return s.eng.RegisterConnectionless(psm, fn)
	})
}

// UnregisterConnectionless removes the handler for psm
func (s *Stack) UnregisterConnectionless(psm uint16) error {
	return s.call(context.Background(), func() error {
		return s.eng.UnregisterConnectionless(psm)
	})
}

// EnableConnectionless turns reception of connectionless data on or off
func (s *Stack) EnableConnectionless(enable bool) error {
	return s.call(context.Background(), func() error {
		s.eng.EnableConnectionless(enable)
		return nil
	})
}

// SendConnectionless queues data for psm on a link. An EventSent without a
// channel is published once the frame is handed to the link.
func (s *Stack) SendConnectionless(id LinkID, psm uint16, data []byte) error {
	buf := append([]byte(nil), data...)
	return s.call(context.Background(), func() error {
		return s.eng.SendConnectionless(id, psm, buf)
	})
}

// Stats returns engine counters
func (s *Stack) Stats() engine.StatsSnapshot {
	return s.eng.Stats()
}

// PoolStats returns the frame pool occupancy
func (s *Stack) PoolStats() (pool.Stats, error) {
	var st pool.Stats
	err := s.call(context.Background(), func() error {
		st = s.eng.PoolStats()
		return nil
	})
	return st, err
}

// LinkStats returns the transport counters of a link
func (s *Stack) LinkStats(id LinkID) (link.Stats, error) {
	var t link.Transport
	err := s.call(context.Background(), func() error {
		l, ok := s.links[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownLink, id)
		}
		t = l.transport
		return nil
	})
	if err != nil {
		return link.Stats{}, err
	}
	return t.Statistics(), nil
}

// Shutdown closes every channel and link and stops the loop
func (s *Stack) Shutdown() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.logger.Info("Stack: shutting down")
	s.cancel()
	<-s.loopDone

	// The loop is gone; links are only read here
	for id, l := range s.links {
		if err := l.transport.Close(); err != nil {
			s.logger.Error("Stack: error closing link %d: %v", id, err)
		}
		l.wg.Wait()
	}
	s.logger.Info("Stack: shutdown complete")
	return nil
}
