package engine

import (
	"time"

	"github.com/google/uuid"

	"avaneesh/l2cap-go/pkg/ertm"
	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/internal/queue"
	"avaneesh/l2cap-go/pkg/pool"
	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/signal"
)

// confState is the configuration workspace of a channel
type confState struct {
	out        signal.Options // our current request
	pendingOut signal.Options // reconfiguration waiting for the peer
	localDone  bool
	remoteDone bool
	rounds     int // refused responses to our requests
	peerRounds int // refusals we sent

	reqFrag       signal.Options
	reqFragmented bool
	rspFrag       signal.Options
	rspFragmented bool

	peerReq signal.Options        // last request we accepted
	lastRsp signal.ConfigResponse // our answer to peerReq

	localExt    bool
	remoteExt   bool
	localNoFCS  bool
	remoteNoFCS bool

	txWindow    uint16
	rxWindow    uint16
	maxTransmit uint8
	txMPS       uint16
	rxMPS       uint16
	retrans     time.Duration
	monitor     time.Duration
}

// channel is one connection-oriented channel
type channel struct {
	e      *Engine
	h      Handle
	link   *link
	local  uint16
	remote uint16
	psm    uint16
	opts   ChannelOptions
	state  State

	outgoing  bool
	announced bool // the application knows the handle
	accepted  bool
	closing   bool
	reason    Reason

	// outstanding request
	ident       uint8
	lastReq     signal.Command
	rtx         *queue.Item
	rtxExtended bool

	// peer's connect request
	connIdent uint8
	connRsp   *signal.ConnectResponse

	secToken uuid.UUID

	conf  confState
	mode  signal.Mode
	txMTU uint16
	rxMTU uint16
	flush uint32

	data   sched.Queue
	ertm   *ertm.Channel
	res    *pool.Reservation
	timers [3]*queue.Item
}

// NextFrame implements sched.Source
func (ch *channel) NextFrame() (sched.Frame, bool) {
	return ch.data.NextFrame()
}

func (ch *channel) queueData(pdu []byte) {
	ch.data.Push(sched.Frame{PDU: pdu})
	ch.link.sched.Ready(ch, ch.opts.Priority)
}

// txMPS is the segment size in use, 0 in Basic mode
func (ch *channel) txMPS() uint16 {
	if ch.ertm == nil {
		return 0
	}
	return ch.ertm.Config().TxMPS
}

func (ch *channel) info() ChannelInfo {
	ci := ChannelInfo{
		Link:      ch.link.id,
		LocalCID:  ch.local,
		RemoteCID: ch.remote,
		PSM:       ch.psm,
		State:     ch.state,
		Outgoing:  ch.outgoing,
		Mode:      ch.mode,
		TxMTU:     ch.txMTU,
		RxMTU:     ch.rxMTU,
	}
	if ch.ertm != nil {
		cfg := ch.ertm.Config()
		ci.FCS = cfg.Format.FCS
		ci.Extended = cfg.Format.Extended
		ci.TxWindow = cfg.TxWindow
		ci.RxWindow = cfg.RxWindow
		ci.TxMPS = cfg.TxMPS
		ci.RxMPS = cfg.RxMPS
		snap := ch.ertm.Stats()
		ci.ERTM = &snap
	}
	return ci
}

func (e *Engine) newChannel(l *link, outgoing bool, psm uint16, opts ChannelOptions) (*channel, error) {
	ch := &channel{
		e:        e,
		link:     l,
		psm:      psm,
		opts:     opts,
		outgoing: outgoing,
		txMTU:    signal.DefaultMTU,
		rxMTU:    opts.MTU,
	}
	h, cid, err := e.chans.Allocate(l.id, ch)
	if err != nil {
		return nil, err
	}
	ch.h, ch.local = h, cid
	return ch, nil
}

// request sends a channel request and arms the response timer
func (e *Engine) request(ch *channel, m signal.Message) {
	ident := ch.link.ident()
	ch.ident = ident
	e.chans.SetIdent(ch.h, ident)
	ch.lastReq = signal.Encode(ident, m)
	ch.rtxExtended = false
	e.send(ch.link, ch.lastReq, nil)
	e.armRTX(ch, e.cfg.RTX)
}

func (e *Engine) clearRequest(ch *channel) {
	e.stopTimer(&ch.rtx)
	ch.ident = 0
	e.chans.SetIdent(ch.h, 0)
}

func (e *Engine) armRTX(ch *channel, d time.Duration) {
	e.stopTimer(&ch.rtx)
	ch.rtx = e.startTimer(d, func() {
		ch.rtx = nil
		e.rtxExpired(ch)
	})
}

// rtxExpired retries the outstanding request once with the extended
// timeout, then gives up
func (e *Engine) rtxExpired(ch *channel) {
	if ch.state == StateClosed {
		return
	}
	if !ch.rtxExtended {
		ch.rtxExtended = true
		e.log.Debug("Engine: channel 0x%04X no response to %s, retrying", ch.local, ch.lastReq.Code)
		e.send(ch.link, ch.lastReq, nil)
		e.armRTX(ch, e.cfg.ERTX)
		return
	}

	e.log.Warn("Engine: channel 0x%04X timed out in %s", ch.local, ch.state)
	switch {
	case ch.closing, ch.state == StateWaitConnectConfirm:
		e.closeChannel(ch, ReasonTimeout, false)
		e.release(ch)
	default:
		e.closeChannel(ch, ReasonTimeout, true)
	}
}

// closeChannel takes ch out of service and reports it. With disconnect set
// the peer is told and the identity is kept until it answers.
func (e *Engine) closeChannel(ch *channel, reason Reason, disconnect bool) {
	if !e.retire(ch, reason) {
		return
	}
	switch {
	case disconnect && ch.state == StateWaitConnectConfirm:
		// the peer may still accept; the connect response decides
	case disconnect && ch.remote != 0 && (ch.state == StateConfiguring || ch.state == StateOpen):
		e.sendDisconnect(ch)
	default:
		e.release(ch)
	}
}

// retire stops the channel and reports the closure. It returns false when
// the channel was already closing.
func (e *Engine) retire(ch *channel, reason Reason) bool {
	if ch.closing {
		return false
	}
	ch.closing = true
	ch.reason = reason
	e.teardown(ch)

	e.stats.IncrementChannelsClosed()
	if reason == ReasonConfigFailed {
		e.stats.IncrementConfigFailures()
	}
	e.log.Info("Engine: channel 0x%04X closed in %s: %s", ch.local, ch.state, reason)
	if ch.announced {
		e.emit(Event{Type: EventClosed, Link: ch.link.id, Channel: ch.h, PSM: ch.psm, Reason: reason})
	}
	return true
}

// teardown stops data transfer and frees buffers
func (e *Engine) teardown(ch *channel) {
	if ch.ertm != nil {
		ch.ertm.Close()
		ch.ertm = nil
	}
	if ch.res != nil {
		ch.res.Free()
		ch.res = nil
	}
	for i := range ch.timers {
		e.stopTimer(&ch.timers[i])
	}
	ch.data.Clear()
	ch.link.sched.Remove(ch)
	if ch.secToken != uuid.Nil {
		delete(e.access, ch.secToken)
		ch.secToken = uuid.Nil
	}
	ch.link.dropWaiter(ch)
}

func (e *Engine) sendDisconnect(ch *channel) {
	ch.state = StateWaitDisconnectConfirm
	e.request(ch, &signal.DisconnectRequest{DestCID: ch.remote, SourceCID: ch.local})
}

// release frees the channel identity
func (e *Engine) release(ch *channel) {
	if ch.state == StateClosed {
		return
	}
	e.stopTimer(&ch.rtx)
	ch.state = StateClosed
	e.chans.Release(ch.h)
}

// ertmLower connects an ertm.Channel to the engine
type ertmLower struct {
	ch *channel
}

func (x ertmLower) Transmit(pdu []byte) {
	x.ch.queueData(pdu)
}

func (x ertmLower) StartTimer(kind ertm.TimerKind, d time.Duration) {
	ch := x.ch
	ch.e.restartTimer(&ch.timers[kind], d, func() {
		ch.timers[kind] = nil
		if ch.ertm != nil {
			ch.ertm.HandleTimeout(kind)
		}
	})
}

func (x ertmLower) StopTimer(kind ertm.TimerKind) {
	x.ch.e.stopTimer(&x.ch.timers[kind])
}

func (x ertmLower) Deliver(sdu []byte) error {
	return x.ch.e.deliver(x.ch, sdu)
}

func (x ertmLower) Failed(err error) {
	x.ch.e.closeChannel(x.ch, reasonFor(err), true)
}

func (x ertmLower) Sent(sdus int) {
	x.ch.e.sent(x.ch, sdus)
}

// sent reports completed SDUs of ch
func (e *Engine) sent(ch *channel, sdus int) {
	if ch.closing || ch.state != StateOpen {
		return
	}
	e.emit(Event{Type: EventSent, Link: ch.link.id, Channel: ch.h, PSM: ch.psm, SDUs: sdus})
}

// deliver hands an SDU to the application. Engine calls made by the
// handler meanwhile are deferred.
func (e *Engine) deliver(ch *channel, sdu []byte) error {
	if e.handler == nil {
		return nil
	}
	data := append([]byte(nil), sdu...)
	e.delivering = true
	defer func() { e.delivering = false }()
	return e.handler.Receive(ch.h, data)
}

func (e *Engine) receiveData(ch *channel, raw []byte) {
	if ch.ertm != nil {
		ch.ertm.Receive(raw)
		return
	}
	payload := raw[frame.BasicHeaderSize:]
	if len(payload) > int(ch.rxMTU) {
		e.log.Debug("Engine: channel 0x%04X dropping %d byte SDU over MTU %d", ch.local, len(payload), ch.rxMTU)
		e.stats.IncrementFramesDropped()
		return
	}
	if err := e.deliver(ch, payload); err != nil {
		// Basic mode has no flow control; a refused SDU is lost
		e.stats.IncrementFramesDropped()
	}
}
