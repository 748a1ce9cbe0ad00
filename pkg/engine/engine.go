// Package engine multiplexes channels over links. It runs the signaling
// protocol that opens, configures and closes channels, moves Basic mode
// data, and drives ERTM and Streaming channels through package ertm.
//
// An Engine is not safe for concurrent use and never blocks. The owner
// feeds it received frames, timer ticks and transmit opportunities from one
// goroutine. Events produced while handling a call are delivered to the
// Handler after the call's own work has finished.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/internal/logger"
	"avaneesh/l2cap-go/pkg/internal/queue"
	"avaneesh/l2cap-go/pkg/pool"
	"avaneesh/l2cap-go/pkg/registry"
	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/security"
	"avaneesh/l2cap-go/pkg/signal"
)

// Config holds engine wide settings
type Config struct {
	SignalingMTU uint16

	// RTX bounds the wait for a signaling response. One retry uses ERTX.
	RTX  time.Duration
	ERTX time.Duration

	// MaxConfigRetries bounds renegotiation after refused configuration
	MaxConfigRetries int

	// Timers proposed to peers for their ERTM transmit side
	RetransTimeout time.Duration
	MonitorTimeout time.Duration
	// AckTimeout delays standalone acknowledgements
	AckTimeout time.Duration
	// MaxQueued bounds the segments an ERTM channel holds before Send
	// returns ErrBusy. 0 uses the ertm default.
	MaxQueued int

	// Features is the extended feature mask advertised to peers
	Features uint32

	Pool   pool.Config
	Gate   security.Gate
	Logger logger.Logger
	Clock  func() time.Time
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		SignalingMTU:     signal.DefaultSignalingMTU,
		RTX:              5 * time.Second,
		ERTX:             60 * time.Second,
		MaxConfigRetries: 2,
		RetransTimeout:   2 * time.Second,
		MonitorTimeout:   12 * time.Second,
		AckTimeout:       200 * time.Millisecond,
		Features: signal.FeatureERTM | signal.FeatureStreaming | signal.FeatureFCS |
			signal.FeatureFixedChannels | signal.FeatureExtWindow,
		Pool: pool.DefaultConfig(),
		Gate: security.AllowAll{},
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.SignalingMTU < signal.MinSignalingMTU {
		return fmt.Errorf("%w: signaling MTU %d", ErrInvalidOptions, c.SignalingMTU)
	}
	if c.RTX <= 0 || c.ERTX < c.RTX {
		return fmt.Errorf("%w: RTX %s, ERTX %s", ErrInvalidOptions, c.RTX, c.ERTX)
	}
	if c.MaxConfigRetries < 0 {
		return fmt.Errorf("%w: config retries %d", ErrInvalidOptions, c.MaxConfigRetries)
	}
	if c.RetransTimeout < signal.MinRetransTimeout || c.MonitorTimeout < signal.MinMonitorTimeout {
		return fmt.Errorf("%w: ERTM timers %s/%s", ErrInvalidOptions, c.RetransTimeout, c.MonitorTimeout)
	}
	if c.MaxQueued < 0 {
		return fmt.Errorf("%w: max queued %d", ErrInvalidOptions, c.MaxQueued)
	}
	return c.Pool.Validate()
}

// Lower is the link layer below the engine
type Lower interface {
	// SendFrame hands one complete frame to the link
	SendFrame(link LinkID, frame []byte, prio sched.Priority) error
	// RequestTxOpportunity asks for a later TxOpportunity call on link
	RequestTxOpportunity(link LinkID)
}

type featureState int

const (
	featuresUnknown featureState = iota
	featuresRequested
	featuresKnown
)

// request is an application request waiting for the peer's answer
type request struct {
	code  signal.Code
	timer *queue.Item
}

// link is the per-link state
type link struct {
	id    LinkID
	peer  security.PeerID
	sched *sched.Scheduler
	sig   sched.Queue
	fixed sched.Queue

	nextIdent   uint8
	txRequested bool

	featState     featureState
	features      uint32
	fixedChannels uint64
	featIdent     uint8
	fixedIdent    uint8
	featTimer     *queue.Item
	waiting       []*channel

	requests     map[uint8]*request
	fixedAllowed map[uint16]bool
	clAllowed    map[uint16]bool // connectionless PSMs that passed the gate
}

// ident returns the next non-zero signaling identifier
func (l *link) ident() uint8 {
	l.nextIdent++
	if l.nextIdent == 0 {
		l.nextIdent = 1
	}
	return l.nextIdent
}

func (l *link) featuresKnown() bool {
	return l.featState == featuresKnown
}

func (l *link) dropWaiter(ch *channel) {
	for i, w := range l.waiting {
		if w == ch {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
			return
		}
	}
}

// Engine is the channel engine
type Engine struct {
	cfg     Config
	lower   Lower
	handler Handler
	log     logger.Logger
	clock   func() time.Time
	gate    security.Gate

	pool     *pool.Pool
	chans    *registry.Registry[*channel]
	links    map[LinkID]*link
	services map[uint16]*Service
	fixed    map[uint16]FixedHandler
	connless map[uint16]ConnectionlessHandler
	clOff    bool
	access   map[uuid.UUID]*channel
	timers   *queue.PriorityQueue

	deferred   []func()
	depth      int
	delivering bool

	stats Statistics
}

// New creates an engine
func New(cfg Config, lower Lower, handler Handler) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := pool.New(cfg.Pool)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Gate == nil {
		cfg.Gate = security.AllowAll{}
	}
	return &Engine{
		cfg:      cfg,
		lower:    lower,
		handler:  handler,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		gate:     cfg.Gate,
		pool:     p,
		chans:    registry.New[*channel](),
		links:    make(map[LinkID]*link),
		services: make(map[uint16]*Service),
		fixed:    make(map[uint16]FixedHandler),
		connless: make(map[uint16]ConnectionlessHandler),
		access:   make(map[uuid.UUID]*channel),
		timers:   queue.NewPriorityQueue(),
	}, nil
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// PoolStats returns the buffer pool occupancy
func (e *Engine) PoolStats() pool.Stats {
	return e.pool.Stats()
}

// enter and exit bracket every entry point. The outermost exit runs
// deferred work and asks the lower layer for transmit opportunities.
func (e *Engine) enter() {
	e.depth++
}

func (e *Engine) exit() {
	e.depth--
	if e.depth > 0 {
		return
	}

	e.depth++
	for len(e.deferred) > 0 {
		fn := e.deferred[0]
		e.deferred = e.deferred[1:]
		fn()
	}
	e.deferred = nil
	e.depth--

	for _, l := range e.links {
		if !l.txRequested && l.sched.Pending() > 0 {
			l.txRequested = true
			e.lower.RequestTxOpportunity(l.id)
		}
	}
}

// later queues fn to run once the current entry point finished its work
func (e *Engine) later(fn func()) {
	e.deferred = append(e.deferred, fn)
}

func (e *Engine) emit(ev Event) {
	e.log.Debug("Engine: event %s", ev)
	e.later(func() {
		if e.handler != nil {
			e.handler.HandleEvent(ev)
		}
	})
}

func (e *Engine) now() time.Time {
	return e.clock()
}

func (e *Engine) startTimer(d time.Duration, fn func()) *queue.Item {
	return e.timers.Push(fn, 0, e.now().Add(d))
}

// restartTimer moves a pending timer to now+d, or schedules fn if none is pending
func (e *Engine) restartTimer(it **queue.Item, d time.Duration, fn func()) {
	if *it != nil {
		e.timers.Reschedule(*it, e.now().Add(d))
		return
	}
	*it = e.startTimer(d, fn)
}

func (e *Engine) stopTimer(it **queue.Item) {
	if *it != nil {
		e.timers.Remove(*it)
		*it = nil
	}
}

// ProcessTimers runs every timer whose deadline has passed
func (e *Engine) ProcessTimers() {
	e.enter()
	defer e.exit()

	now := e.now()
	for {
		it := e.timers.NextReady(now)
		if it == nil {
			return
		}
		it.Value.(func())()
	}
}

// NextDeadline returns when ProcessTimers should next be called
func (e *Engine) NextDeadline() (time.Time, bool) {
	it := e.timers.Peek()
	if it == nil {
		return time.Time{}, false
	}
	return it.NextRun, true
}

// LinkConnected makes a link available for channels
func (e *Engine) LinkConnected(id LinkID, peer security.PeerID) error {
	e.enter()
	defer e.exit()

	if _, ok := e.links[id]; ok {
		return fmt.Errorf("%w: %d", ErrLinkExists, id)
	}
	l := &link{
		id:           id,
		peer:         peer,
		sched:        sched.New(),
		requests:     make(map[uint8]*request),
		fixedAllowed: make(map[uint16]bool),
		clAllowed:    make(map[uint16]bool),
	}
	if _, err := e.chans.AddFixed(id, frame.CIDSignaling, registry.KindSignaling, nil); err != nil {
		return err
	}
	for cid := range e.fixed {
		if _, err := e.chans.AddFixed(id, cid, registry.KindFixed, nil); err != nil {
			return err
		}
	}
	e.links[id] = l
	e.log.Info("Engine: link %d connected, peer %q", id, peer)
	return nil
}

// LinkDisconnected closes every channel of the link without signaling
func (e *Engine) LinkDisconnected(id LinkID) {
	e.enter()
	defer e.exit()

	l, ok := e.links[id]
	if !ok {
		return
	}
	for _, h := range e.chans.Handles(id) {
		ch, _ := e.chans.Get(h)
		if ch == nil {
			// signaling and fixed channel entries
			e.chans.Release(h)
			continue
		}
		e.closeChannel(ch, ReasonLinkDisconnected, false)
		e.release(ch)
	}
	for ident, req := range l.requests {
		e.stopTimer(&req.timer)
		e.emit(requestEvent(l.id, req.code, fmt.Errorf("%w: link %d", ErrUnknownLink, id)))
		delete(l.requests, ident)
	}
	e.stopTimer(&l.featTimer)
	l.waiting = nil
	l.sched.Reset()
	l.sig.Clear()
	l.fixed.Clear()
	e.chans.ForgetLink(id)
	delete(e.links, id)
	e.log.Info("Engine: link %d disconnected", id)
}

// DeliverFrame processes one complete frame received on link
func (e *Engine) DeliverFrame(id LinkID, raw []byte) {
	e.enter()
	defer e.exit()

	l, ok := e.links[id]
	if !ok {
		e.stats.IncrementFramesDropped()
		return
	}
	e.stats.IncrementFramesIn()
	logger.LogFrame(e.log, "RX", uint16(id), raw)

	length, cid, err := frame.ParseBasicHeader(raw)
	if err != nil || int(length) != len(raw)-frame.BasicHeaderSize {
		e.log.Debug("Engine: link %d dropping malformed frame of %d bytes", id, len(raw))
		e.stats.IncrementFramesDropped()
		return
	}
	payload := raw[frame.BasicHeaderSize:]

	switch {
	case cid == frame.CIDSignaling:
		e.handleSignaling(l, payload)
	case cid == frame.CIDConnectionless:
		e.receiveConnectionless(l, payload)
	case cid < frame.CIDDynamicBase:
		e.receiveFixed(l, cid, payload)
	default:
		h, ok := e.chans.ByLocal(id, cid)
		var ch *channel
		if ok {
			ch, _ = e.chans.Get(h)
		}
		if ch == nil || ch.state != StateOpen {
			e.log.Debug("Engine: link %d no open channel for CID 0x%04X", id, cid)
			e.stats.IncrementFramesDropped()
			return
		}
		e.receiveData(ch, raw)
	}
}

// TxOpportunity hands up to budget queued frames of link to the lower
// layer, highest priority first. A budget of zero or less sends everything.
func (e *Engine) TxOpportunity(id LinkID, budget int) int {
	e.enter()
	defer e.exit()

	l, ok := e.links[id]
	if !ok {
		return 0
	}
	l.txRequested = false

	sent := 0
	for budget <= 0 || sent < budget {
		f, prio, ok := l.sched.Next()
		if !ok {
			break
		}
		logger.LogFrame(e.log, "TX", uint16(id), f.PDU)
		if err := e.lower.SendFrame(id, f.PDU, prio); err != nil {
			e.log.Warn("Engine: link %d send failed: %v", id, err)
			e.stats.IncrementFramesDropped()
		} else {
			e.stats.IncrementFramesOut()
		}
		if f.Sent != nil {
			f.Sent()
		}
		sent++
	}
	return sent
}

// send queues a signaling command on the link's control class
func (e *Engine) send(l *link, cmd signal.Command, sent func()) {
	bf := frame.BFrame{CID: frame.CIDSignaling, Payload: cmd.Marshal()}
	raw, err := bf.Marshal()
	if err != nil {
		e.log.Error("Engine: link %d cannot encode %s: %v", l.id, cmd, err)
		return
	}
	e.log.Debug("Engine: link %d TX %s", l.id, cmd)
	l.sig.Push(sched.Frame{PDU: raw, Sent: sent})
	l.sched.Ready(&l.sig, sched.Control)
	e.stats.IncrementCommandsOut()
}

func (e *Engine) reject(l *link, ident uint8, m *signal.CommandReject) {
	e.stats.IncrementRejectsSent()
	e.send(l, signal.Encode(ident, m), nil)
}

func (e *Engine) lookup(h Handle) (*channel, error) {
	ch, ok := e.chans.Get(h)
	if !ok || ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, h)
	}
	return ch, nil
}

func requestEvent(id LinkID, code signal.Code, err error) Event {
	t := EventEchoResponse
	if code == signal.CodeInfoReq {
		t = EventInfoResponse
	}
	return Event{Type: t, Link: id, Err: err}
}
