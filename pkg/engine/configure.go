package engine

import (
	"fmt"
	"time"

	"avaneesh/l2cap-go/pkg/ertm"
	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/pool"
	"avaneesh/l2cap-go/pkg/signal"
)

// minMPS is the smallest MPS either side may use
const minMPS uint16 = 8

// startConfig picks the channel mode and sends our first configuration request
func (e *Engine) startConfig(ch *channel) {
	mode, reason, ok := e.selectMode(ch)
	if !ok {
		e.log.Info("Engine: channel 0x%04X cannot use mode %s", ch.local, ch.opts.Mode)
		e.closeChannel(ch, reason, true)
		return
	}
	ch.mode = mode
	ch.conf = confState{
		retrans: e.cfg.RetransTimeout,
		monitor: e.cfg.MonitorTimeout,
	}
	ch.conf.out = e.buildRequest(ch)
	e.request(ch, &signal.ConfigRequest{DestCID: ch.remote, Options: ch.conf.out})
}

// selectMode falls back to Basic mode when allowed and the peer, this side
// or the buffer pool cannot carry the requested mode
func (e *Engine) selectMode(ch *channel) (signal.Mode, Reason, bool) {
	want := ch.opts.Mode
	if !want.Reliable() {
		return signal.ModeBasic, 0, true
	}
	reason := ReasonConfigFailed
	usable := e.supports(want) && ch.link.features&featureFor(want) != 0
	if usable && want == signal.ModeERTM && !e.pool.CanReserve() {
		usable = false
		reason = ReasonNoResources
	}
	if usable {
		return want, 0, true
	}
	if ch.opts.ModeOptional {
		return signal.ModeBasic, 0, true
	}
	return 0, reason, false
}

func (e *Engine) extendedWindow(ch *channel) bool {
	return ch.opts.ExtendedWindow &&
		e.cfg.Features&signal.FeatureExtWindow != 0 &&
		ch.link.features&signal.FeatureExtWindow != 0
}

// buildRequest assembles the options for our receive direction
func (e *Engine) buildRequest(ch *channel) signal.Options {
	var o signal.Options
	o.SetMTU(ch.rxMTU)
	if ch.opts.FlushTimeout != signal.FlushInfinite {
		o.SetFlushTimeout(ch.opts.FlushTimeout)
	}
	if !ch.mode.Reliable() {
		return o
	}

	ch.conf.localExt = e.extendedWindow(ch)
	limit := frame.StdMaxWindow
	if ch.conf.localExt {
		limit = frame.ExtMaxWindow
	}
	win := min(ch.opts.Window, limit)
	ch.conf.rxWindow = win
	ch.conf.rxMPS = ch.opts.MPS

	rfc := signal.RFC{
		Mode:        ch.mode,
		TxWindow:    uint8(min(win, frame.StdMaxWindow)),
		MaxTransmit: ch.opts.MaxTransmit,
		MPS:         ch.opts.MPS,
	}
	if ch.mode == signal.ModeStreaming {
		rfc.TxWindow, rfc.MaxTransmit = 0, 0
	}
	o.SetRFC(rfc)
	if ch.conf.localExt {
		o.SetExtWindow(win)
	}
	if ch.opts.NoFCS && ch.link.features&signal.FeatureFCS != 0 {
		o.SetFCS(signal.FCSNone)
		ch.conf.localNoFCS = true
	}
	return o
}

// localRFC is the RFC option describing our side, used in refusals
func (e *Engine) localRFC(ch *channel) signal.RFC {
	if !ch.mode.Reliable() {
		return signal.RFC{Mode: signal.ModeBasic}
	}
	return signal.RFC{
		Mode:        ch.mode,
		TxWindow:    uint8(min(ch.conf.rxWindow, frame.StdMaxWindow)),
		MaxTransmit: ch.opts.MaxTransmit,
		MPS:         ch.opts.MPS,
	}
}

func durationMillis(d time.Duration) uint16 {
	ms := d / time.Millisecond
	if ms > 0xFFFF {
		return 0xFFFF
	}
	return uint16(ms)
}

// peerTimeout converts a timeout from a response, applying the floor
func peerTimeout(ms uint16, floor, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d < floor {
		return floor
	}
	return d
}

func (e *Engine) onConfigRequest(l *link, ident uint8, m *signal.ConfigRequest) {
	var ch *channel
	if h, ok := e.chans.ByLocal(l.id, m.DestCID); ok {
		ch, _ = e.chans.Get(h)
	}
	if ch == nil || ch.closing || (ch.state != StateConfiguring && ch.state != StateOpen) {
		e.reject(l, ident, signal.RejectInvalidCIDMsg(m.DestCID, 0))
		return
	}

	if m.Flags&signal.ConfigFlagContinuation != 0 {
		ch.conf.reqFrag.Merge(m.Options)
		ch.conf.reqFragmented = true
		e.send(l, signal.Encode(ident, &signal.ConfigResponse{
			SourceCID: ch.remote,
			Flags:     signal.ConfigFlagContinuation,
			Result:    signal.ConfigSuccess,
		}), nil)
		return
	}
	opts := m.Options
	if ch.conf.reqFragmented {
		merged := ch.conf.reqFrag
		merged.Merge(opts)
		opts = merged
		ch.conf.reqFrag = signal.Options{}
		ch.conf.reqFragmented = false
	}

	if ch.state == StateOpen {
		e.reconfigureRequest(ch, ident, opts)
		return
	}

	rsp := e.evaluate(ch, opts)
	e.send(l, signal.Encode(ident, &rsp), nil)
	if rsp.Result == signal.ConfigSuccess {
		ch.conf.remoteDone = true
		ch.conf.peerReq = opts
		ch.conf.lastRsp = rsp
		e.openIfReady(ch)
		return
	}

	// the requester bounds its own retries; this bound only stops a peer
	// that ignores our answers
	ch.conf.peerRounds++
	if ch.conf.peerRounds > e.cfg.MaxConfigRetries+1 {
		e.closeChannel(ch, ReasonConfigFailed, true)
	}
}

// evaluate checks the peer's request against our capabilities and records
// what it settles for our transmit direction
func (e *Engine) evaluate(ch *channel, o signal.Options) signal.ConfigResponse {
	rsp := signal.ConfigResponse{SourceCID: ch.remote, Result: signal.ConfigSuccess}
	if len(o.Unknown) > 0 {
		rsp.Result = signal.ConfigUnknownOptions
		rsp.Options = signal.Options{Unknown: o.Unknown}
		return rsp
	}

	var adj signal.Options
	txMTU := signal.DefaultMTU
	if o.Has(signal.OptMTU) {
		if o.MTU < signal.MinMTU {
			adj.SetMTU(signal.MinMTU)
		} else {
			txMTU = o.MTU
		}
	}
	peerMode := signal.ModeBasic
	if o.Has(signal.OptRFC) {
		peerMode = o.RFC.Mode
	}
	if peerMode == signal.ModeBasic && ch.mode.Reliable() {
		// an optional mode gives way to a peer that asks for Basic
		e.fallBackToBasic(ch)
	}
	if peerMode != ch.mode {
		adj.SetRFC(e.localRFC(ch))
	} else if ch.mode.Reliable() && o.RFC.MPS < minMPS {
		rfc := o.RFC
		rfc.MPS = ch.opts.MPS
		adj.SetRFC(rfc)
	}
	if !adj.Empty() {
		rsp.Result = signal.ConfigUnacceptable
		rsp.Options = adj
		return rsp
	}

	ch.txMTU = txMTU
	if o.Has(signal.OptMTU) {
		rsp.Options.SetMTU(txMTU)
	}
	if o.Has(signal.OptFlushTimeout) {
		ch.flush = o.FlushTimeout
	}
	if !ch.mode.Reliable() {
		return rsp
	}

	ch.conf.remoteExt = o.Has(signal.OptExtWindow)
	ch.conf.remoteNoFCS = o.Has(signal.OptFCS) && o.FCS == signal.FCSNone
	win := uint16(o.RFC.TxWindow)
	if ch.conf.remoteExt {
		win = o.ExtWindow
	}
	limit := frame.StdMaxWindow
	if ch.conf.remoteExt || ch.conf.localExt {
		limit = frame.ExtMaxWindow
	}
	ch.conf.txWindow = max(1, min(win, limit))
	ch.conf.maxTransmit = o.RFC.MaxTransmit
	ch.conf.txMPS = min(o.RFC.MPS, ch.opts.MPS, frame.MaxMPS)

	rfc := o.RFC
	rfc.MPS = ch.conf.txMPS
	if ch.mode == signal.ModeERTM {
		rfc.RetransTimeout = durationMillis(e.cfg.RetransTimeout)
		rfc.MonitorTimeout = durationMillis(e.cfg.MonitorTimeout)
	}
	rsp.Options.SetRFC(rfc)
	return rsp
}

func (e *Engine) onConfigResponse(l *link, ident uint8, m *signal.ConfigResponse) {
	var ch *channel
	if h, ok := e.chans.ByLocal(l.id, m.SourceCID); ok {
		ch, _ = e.chans.Get(h)
	}
	if ch == nil || ch.closing {
		e.log.Debug("Engine: link %d ignoring config response for CID 0x%04X", l.id, m.SourceCID)
		return
	}
	if ch.ident != ident || (ch.state != StateConfiguring && ch.state != StateOpen) {
		e.reject(l, ident, signal.RejectNotUnderstoodMsg())
		return
	}

	if m.Flags&signal.ConfigFlagContinuation != 0 {
		ch.conf.rspFrag.Merge(m.Options)
		ch.conf.rspFragmented = true
		// an empty request asks for the rest of the response
		e.request(ch, &signal.ConfigRequest{DestCID: ch.remote})
		return
	}
	opts := m.Options
	if ch.conf.rspFragmented {
		merged := ch.conf.rspFrag
		merged.Merge(opts)
		opts = merged
		ch.conf.rspFrag = signal.Options{}
		ch.conf.rspFragmented = false
	}

	if m.Result == signal.ConfigPending {
		ch.rtxExtended = true
		e.armRTX(ch, e.cfg.ERTX)
		return
	}
	e.clearRequest(ch)

	if ch.state == StateOpen {
		e.reconfigureResponse(ch, m.Result, opts)
		return
	}

	switch m.Result {
	case signal.ConfigSuccess:
		e.adoptResponse(ch, opts)
		ch.conf.localDone = true
		if !e.openIfReady(ch) && ch.state == StateConfiguring {
			// bound the wait for the peer's own request
			ch.rtxExtended = true
			e.armRTX(ch, e.cfg.ERTX)
		}

	case signal.ConfigUnacceptable, signal.ConfigUnknownOptions:
		ch.conf.rounds++
		if ch.conf.rounds > e.cfg.MaxConfigRetries {
			e.log.Info("Engine: channel 0x%04X configuration refused %d times", ch.local, ch.conf.rounds)
			e.closeChannel(ch, ReasonConfigFailed, true)
			return
		}
		if !e.adjustRequest(ch, m.Result, opts) {
			e.closeChannel(ch, ReasonConfigFailed, true)
			return
		}
		e.request(ch, &signal.ConfigRequest{DestCID: ch.remote, Options: ch.conf.out})

	default:
		e.log.Info("Engine: channel 0x%04X configuration %s", ch.local, m.Result)
		e.closeChannel(ch, ReasonConfigFailed, true)
	}
}

// adoptResponse takes the values the peer settled for our receive direction
func (e *Engine) adoptResponse(ch *channel, rsp signal.Options) {
	if !ch.mode.Reliable() || !rsp.Has(signal.OptRFC) || rsp.RFC.Mode != ch.mode {
		return
	}
	r := rsp.RFC
	ch.conf.retrans = peerTimeout(r.RetransTimeout, signal.MinRetransTimeout, e.cfg.RetransTimeout)
	ch.conf.monitor = peerTimeout(r.MonitorTimeout, signal.MinMonitorTimeout, e.cfg.MonitorTimeout)
	if r.MPS >= minMPS && r.MPS < ch.conf.rxMPS {
		ch.conf.rxMPS = r.MPS
	}
}

// adjustRequest applies the peer's counter proposal to our next request.
// It returns false when no acceptable request remains.
func (e *Engine) adjustRequest(ch *channel, result signal.ConfigResult, rsp signal.Options) bool {
	out := &ch.conf.out
	if result == signal.ConfigUnknownOptions {
		removed := false
		for _, t := range rsp.Types() {
			if !out.Has(t) {
				continue
			}
			if t == signal.OptRFC && !e.fallBackToBasic(ch) {
				return false
			}
			out.Clear(t)
			removed = true
			switch t {
			case signal.OptExtWindow:
				ch.conf.localExt = false
				ch.conf.rxWindow = min(ch.conf.rxWindow, frame.StdMaxWindow)
			case signal.OptFCS:
				ch.conf.localNoFCS = false
			}
		}
		return removed
	}

	if rsp.Has(signal.OptMTU) {
		limit := max(ch.opts.MTU, ch.opts.MTULimit)
		if rsp.MTU >= signal.MinMTU && rsp.MTU <= limit {
			ch.rxMTU = rsp.MTU
			out.SetMTU(rsp.MTU)
		}
	}
	if rsp.Has(signal.OptFlushTimeout) {
		out.SetFlushTimeout(rsp.FlushTimeout)
	}
	if rsp.Has(signal.OptRFC) {
		r := rsp.RFC
		switch {
		case r.Mode != ch.mode:
			if r.Mode != signal.ModeBasic || !e.fallBackToBasic(ch) {
				return false
			}
		case ch.mode.Reliable():
			cur := out.RFC
			if r.TxWindow != 0 && r.TxWindow < cur.TxWindow {
				cur.TxWindow = r.TxWindow
				if !ch.conf.localExt {
					ch.conf.rxWindow = uint16(r.TxWindow)
				}
			}
			if r.MPS >= minMPS && r.MPS < cur.MPS {
				cur.MPS = r.MPS
				ch.conf.rxMPS = r.MPS
			}
			out.SetRFC(cur)
		}
	}
	if rsp.Has(signal.OptExtWindow) && ch.conf.localExt && rsp.ExtWindow != 0 && rsp.ExtWindow < out.ExtWindow {
		out.SetExtWindow(rsp.ExtWindow)
		ch.conf.rxWindow = rsp.ExtWindow
	}
	return true
}

// fallBackToBasic switches a channel that allows it to Basic mode
func (e *Engine) fallBackToBasic(ch *channel) bool {
	if !ch.opts.ModeOptional || ch.conf.remoteDone {
		return false
	}
	e.log.Info("Engine: channel 0x%04X falling back to Basic mode", ch.local)
	ch.mode = signal.ModeBasic
	out := &ch.conf.out
	out.Clear(signal.OptRFC)
	out.Clear(signal.OptFCS)
	out.Clear(signal.OptExtWindow)
	ch.conf.localExt = false
	ch.conf.localNoFCS = false
	return true
}

// openIfReady opens the channel once both directions are configured
func (e *Engine) openIfReady(ch *channel) bool {
	if !ch.conf.localDone || !ch.conf.remoteDone || ch.state != StateConfiguring {
		return false
	}
	e.stopTimer(&ch.rtx)
	if ch.mode.Reliable() {
		if reason, err := e.startERTM(ch); err != nil {
			e.log.Warn("Engine: channel 0x%04X cannot start %s: %v", ch.local, ch.mode, err)
			e.closeChannel(ch, reason, true)
			return false
		}
	}
	ch.state = StateOpen
	ch.announced = true
	e.stats.IncrementChannelsOpened()
	e.log.Info("Engine: channel 0x%04X open, mode %s, MTU tx=%d rx=%d", ch.local, ch.mode, ch.txMTU, ch.rxMTU)
	e.emit(Event{
		Type:    EventOpened,
		Link:    ch.link.id,
		Channel: ch.h,
		PSM:     ch.psm,
		TxMTU:   ch.txMTU,
		RxMTU:   ch.rxMTU,
		Mode:    ch.mode,
		MPS:     ch.txMPS(),
	})
	return true
}

// startERTM reserves pool space and creates the ERTM/Streaming state
func (e *Engine) startERTM(ch *channel) (Reason, error) {
	var res *pool.Reservation
	if ch.mode == signal.ModeERTM {
		r, err := e.pool.Reserve()
		if err != nil {
			return ReasonNoResources, err
		}
		res = r
	}

	cfg := ertm.Config{
		Mode: ch.mode,
		Format: frame.Format{
			Extended: ch.conf.localExt || ch.conf.remoteExt,
			FCS:      !(ch.conf.localNoFCS && ch.conf.remoteNoFCS),
		},
		CID:             ch.remote,
		TxWindow:        ch.conf.txWindow,
		RxWindow:        ch.conf.rxWindow,
		MaxTransmit:     ch.conf.maxTransmit,
		RetransTimeout:  ch.conf.retrans,
		MonitorTimeout:  ch.conf.monitor,
		AckTimeout:      e.cfg.AckTimeout,
		TxMPS:           ch.conf.txMPS,
		RxMPS:           ch.conf.rxMPS,
		TxMTU:           ch.txMTU,
		RxMTU:           ch.rxMTU,
		SelectiveReject: ch.opts.SelectiveReject,
		MaxQueued:       e.cfg.MaxQueued,
	}
	c, err := ertm.New(cfg, ertmLower{ch}, res, e.log)
	if err != nil {
		if res != nil {
			res.Free()
		}
		return ReasonConfigFailed, err
	}
	if res != nil {
		res.OnAvailable = func() {
			e.later(func() {
				if ch.ertm != nil {
					ch.ertm.PoolAvailable()
				}
			})
		}
	}
	ch.ertm = c
	ch.res = res
	return 0, nil
}

// Reconfigure renegotiates the MTU and flush timeout of an open channel.
// The mode cannot change. flush of zero keeps the current value.
func (e *Engine) Reconfigure(h Handle, mtu uint16, flush uint32) error {
	e.enter()
	defer e.exit()

	ch, err := e.lookup(h)
	if err != nil {
		return err
	}
	if ch.state != StateOpen || ch.closing {
		return fmt.Errorf("%w: %s", ErrNotOpen, ch.state)
	}
	if ch.ident != 0 {
		return fmt.Errorf("%w: request outstanding", ErrInvalidState)
	}
	if mtu < signal.MinMTU {
		return fmt.Errorf("%w: MTU %d", ErrInvalidOptions, mtu)
	}
	out := ch.conf.out
	out.SetMTU(mtu)
	if flush != 0 && flush != signal.FlushInfinite {
		out.SetFlushTimeout(flush)
	}
	ch.conf.pendingOut = out
	e.request(ch, &signal.ConfigRequest{DestCID: ch.remote, Options: out})
	return nil
}

// reconfigureRequest handles a configuration request on an open channel
func (e *Engine) reconfigureRequest(ch *channel, ident uint8, o signal.Options) {
	if o.Equal(&ch.conf.peerReq) {
		// same request again: same answer, nothing changes
		rsp := ch.conf.lastRsp
		e.send(ch.link, signal.Encode(ident, &rsp), nil)
		return
	}

	rsp := signal.ConfigResponse{SourceCID: ch.remote, Result: signal.ConfigSuccess}
	peerMode := signal.ModeBasic
	if o.Has(signal.OptRFC) {
		peerMode = o.RFC.Mode
	}
	switch {
	case len(o.Unknown) > 0:
		rsp.Result = signal.ConfigUnknownOptions
		rsp.Options = signal.Options{Unknown: o.Unknown}
	case peerMode != ch.mode:
		rsp.Result = signal.ConfigUnacceptable
		rsp.Options.SetRFC(e.localRFC(ch))
	case o.Has(signal.OptMTU) && o.MTU < signal.MinMTU:
		rsp.Result = signal.ConfigUnacceptable
		rsp.Options.SetMTU(signal.MinMTU)
	}
	if rsp.Result != signal.ConfigSuccess {
		e.log.Info("Engine: channel 0x%04X reconfiguration refused: %s", ch.local, rsp.Result)
		e.send(ch.link, signal.Encode(ident, &rsp), nil)
		return
	}

	txMTU := signal.DefaultMTU
	if o.Has(signal.OptMTU) {
		txMTU = o.MTU
		rsp.Options.SetMTU(txMTU)
	}
	changed := txMTU != ch.txMTU
	if o.Has(signal.OptFlushTimeout) && o.FlushTimeout != ch.flush {
		ch.flush = o.FlushTimeout
		changed = true
	}
	if ch.conf.lastRsp.Options.Has(signal.OptRFC) {
		rsp.Options.SetRFC(ch.conf.lastRsp.Options.RFC)
	}
	ch.txMTU = txMTU
	if ch.ertm != nil {
		ch.ertm.SetMTU(txMTU, 0)
	}
	ch.conf.peerReq = o
	ch.conf.lastRsp = rsp
	e.send(ch.link, signal.Encode(ident, &rsp), nil)

	if changed {
		e.emit(e.configChanged(ch))
	}
}

// reconfigureResponse completes a reconfiguration we started
func (e *Engine) reconfigureResponse(ch *channel, result signal.ConfigResult, _ signal.Options) {
	out := ch.conf.pendingOut
	ch.conf.pendingOut = signal.Options{}
	if result != signal.ConfigSuccess {
		e.log.Info("Engine: channel 0x%04X peer refused reconfiguration: %s", ch.local, result)
		return
	}
	ch.conf.out = out
	if out.MTU != ch.rxMTU {
		ch.rxMTU = out.MTU
		if ch.ertm != nil {
			ch.ertm.SetMTU(0, ch.rxMTU)
		}
		e.emit(e.configChanged(ch))
	}
}

func (e *Engine) configChanged(ch *channel) Event {
	return Event{
		Type:    EventConfigChanged,
		Link:    ch.link.id,
		Channel: ch.h,
		PSM:     ch.psm,
		TxMTU:   ch.txMTU,
		RxMTU:   ch.rxMTU,
		Mode:    ch.mode,
		MPS:     ch.txMPS(),
	}
}
