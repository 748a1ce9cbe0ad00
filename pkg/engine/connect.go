package engine

import (
	"fmt"

	"github.com/google/uuid"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/security"
	"avaneesh/l2cap-go/pkg/signal"
)

// RegisterService starts accepting channels for svc.PSM
func (e *Engine) RegisterService(svc Service) error {
	opts, err := svc.Options.normalize()
	if err != nil {
		return err
	}
	if _, ok := e.services[svc.PSM]; ok {
		return fmt.Errorf("%w: PSM 0x%04X", ErrServiceExists, svc.PSM)
	}
	svc.Options = opts
	e.services[svc.PSM] = &svc
	e.log.Info("Engine: service 0x%04X registered, mode %s", svc.PSM, opts.Mode)
	return nil
}

// UnregisterService stops accepting channels for psm. Open channels stay open.
func (e *Engine) UnregisterService(psm uint16) error {
	if _, ok := e.services[psm]; !ok {
		return fmt.Errorf("%w: PSM 0x%04X", ErrUnknownService, psm)
	}
	delete(e.services, psm)
	return nil
}

// OpenChannel starts opening a channel to psm on the peer. The outcome is
// reported with EventOpened or EventClosed.
func (e *Engine) OpenChannel(id LinkID, psm uint16, opts ChannelOptions) (Handle, error) {
	e.enter()
	defer e.exit()

	l, ok := e.links[id]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	opts, err := opts.normalize()
	if err != nil {
		return Handle{}, err
	}
	if opts.Mode.Reliable() && !e.supports(opts.Mode) && !opts.ModeOptional {
		return Handle{}, fmt.Errorf("%w: %s disabled", ErrModeNotSupported, opts.Mode)
	}

	ch, err := e.newChannel(l, true, psm, opts)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrNoResources, err)
	}
	ch.state = StateWaitLinkReady

	res := e.gate.CheckAccess(security.Request{
		Service:   psm,
		Type:      security.Dynamic,
		Direction: security.Outgoing,
		Peer:      l.peer,
	})
	switch res.Decision {
	case security.Denied:
		e.stats.IncrementSecurityBlocks()
		e.release(ch)
		return Handle{}, fmt.Errorf("%w: %s", ErrSecurityBlock, res.Reason)
	case security.Pending:
		ch.announced = true
		e.park(ch, res.Token)
		return ch.h, nil
	}

	ch.announced = true
	e.connectOutgoing(ch)
	return ch.h, nil
}

// AcceptChannel answers an EventConnectRequest
func (e *Engine) AcceptChannel(h Handle, accept bool, reason Reason) error {
	e.enter()
	defer e.exit()

	ch, err := e.lookup(h)
	if err != nil {
		return err
	}
	if ch.outgoing || ch.accepted || ch.closing || ch.state != StateWaitConnectResponse || ch.secToken != uuid.Nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, ch.state)
	}
	if !accept {
		e.respondConnect(ch, connectResultFor(reason), signal.StatusNoInfo)
		e.closeChannel(ch, reason, false)
		return nil
	}
	ch.accepted = true
	e.acceptIncoming(ch)
	return nil
}

// AccessResult delivers a security decision that was left pending
func (e *Engine) AccessResult(token uuid.UUID, res security.Result) error {
	e.enter()
	defer e.exit()

	ch, ok := e.access[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	delete(e.access, token)
	ch.secToken = uuid.Nil
	if ch.closing {
		return nil
	}

	switch res.Decision {
	case security.Approved:
		if ch.outgoing {
			e.connectOutgoing(ch)
		} else {
			e.acceptIncoming(ch)
		}
	case security.Pending:
		e.park(ch, token)
	default:
		e.stats.IncrementSecurityBlocks()
		e.log.Info("Engine: channel 0x%04X access denied: %s", ch.local, res.Reason)
		if !ch.outgoing {
			e.respondConnect(ch, signal.ConnectSecurityBlock, signal.StatusNoInfo)
		}
		e.closeChannel(ch, ReasonSecurityBlock, false)
	}
	return nil
}

func (e *Engine) park(ch *channel, token uuid.UUID) {
	ch.secToken = token
	e.access[token] = ch
}

func featureFor(m signal.Mode) uint32 {
	switch m {
	case signal.ModeERTM:
		return signal.FeatureERTM
	case signal.ModeStreaming:
		return signal.FeatureStreaming
	}
	return 0
}

// supports reports whether this side offers mode m
func (e *Engine) supports(m signal.Mode) bool {
	return !m.Reliable() || e.cfg.Features&featureFor(m) != 0
}

// connectOutgoing sends the connect request once the peer's features are known
func (e *Engine) connectOutgoing(ch *channel) {
	l := ch.link
	if ch.opts.Mode.Reliable() && !l.featuresKnown() {
		ch.state = StateWaitLinkReady
		l.waiting = append(l.waiting, ch)
		e.requestFeatures(l)
		return
	}
	ch.state = StateWaitConnectConfirm
	e.request(ch, &signal.ConnectRequest{PSM: ch.psm, SourceCID: ch.local})
}

// requestFeatures asks the peer for its extended features once per link
func (e *Engine) requestFeatures(l *link) {
	if l.featState != featuresUnknown {
		return
	}
	l.featState = featuresRequested
	l.featIdent = l.ident()
	e.send(l, signal.Encode(l.featIdent, &signal.InfoRequest{InfoType: signal.InfoExtendedFeatures}), nil)
	l.featTimer = e.startTimer(e.cfg.RTX, func() {
		l.featTimer = nil
		e.log.Warn("Engine: link %d no features response, assuming none", l.id)
		e.featuresDone(l, 0)
	})
}

// featuresDone records the peer's features and resumes waiting channels
func (e *Engine) featuresDone(l *link, features uint32) {
	if l.featState == featuresKnown {
		return
	}
	e.stopTimer(&l.featTimer)
	l.featState = featuresKnown
	l.features = features
	l.featIdent = 0
	e.log.Debug("Engine: link %d peer features 0x%08X", l.id, features)

	if features&signal.FeatureFixedChannels != 0 && e.cfg.Features&signal.FeatureFixedChannels != 0 {
		l.fixedIdent = l.ident()
		e.send(l, signal.Encode(l.fixedIdent, &signal.InfoRequest{InfoType: signal.InfoFixedChannels}), nil)
	}

	waiting := l.waiting
	l.waiting = nil
	for _, ch := range waiting {
		if ch.closing || ch.state == StateClosed {
			continue
		}
		if ch.outgoing {
			e.connectOutgoing(ch)
		} else {
			e.acceptIncoming(ch)
		}
	}
}

func (e *Engine) respondConnect(ch *channel, result signal.ConnectResult, status signal.ConnectStatus) {
	rsp := &signal.ConnectResponse{
		DestCID:   ch.local,
		SourceCID: ch.remote,
		Result:    result,
		Status:    status,
	}
	if result != signal.ConnectSuccess && result != signal.ConnectPending {
		rsp.DestCID = 0
	}
	ch.connRsp = rsp
	e.send(ch.link, signal.Encode(ch.connIdent, rsp), nil)
}

func (e *Engine) onConnectRequest(l *link, ident uint8, m *signal.ConnectRequest) {
	refuse := func(result signal.ConnectResult) {
		e.send(l, signal.Encode(ident, &signal.ConnectResponse{SourceCID: m.SourceCID, Result: result}), nil)
	}

	if h, ok := e.chans.ByRemote(l.id, m.SourceCID); ok {
		if ch, _ := e.chans.Get(h); ch != nil && ch.connIdent == ident && ch.connRsp != nil {
			// retransmitted request
			e.send(l, signal.Encode(ident, ch.connRsp), nil)
			return
		}
		refuse(signal.ConnectSourceCIDAllocated)
		return
	}
	if m.SourceCID < frame.CIDDynamicBase {
		refuse(signal.ConnectInvalidSourceCID)
		return
	}
	svc, ok := e.services[m.PSM]
	if !ok {
		e.log.Debug("Engine: link %d connect to unregistered PSM 0x%04X", l.id, m.PSM)
		refuse(signal.ConnectPSMNotSupported)
		return
	}
	ch, err := e.newChannel(l, false, m.PSM, svc.Options)
	if err != nil {
		e.log.Warn("Engine: link %d cannot allocate channel: %v", l.id, err)
		refuse(signal.ConnectNoResources)
		return
	}
	ch.state = StateWaitConnectResponse
	ch.connIdent = ident
	if err := e.chans.SetRemote(ch.h, m.SourceCID); err != nil {
		e.release(ch)
		refuse(signal.ConnectSourceCIDAllocated)
		return
	}
	ch.remote = m.SourceCID

	res := e.gate.CheckAccess(security.Request{
		Service:   m.PSM,
		Type:      security.Dynamic,
		Direction: security.Incoming,
		Peer:      l.peer,
	})
	switch res.Decision {
	case security.Denied:
		e.stats.IncrementSecurityBlocks()
		e.log.Info("Engine: link %d connect to PSM 0x%04X denied: %s", l.id, m.PSM, res.Reason)
		e.respondConnect(ch, signal.ConnectSecurityBlock, signal.StatusNoInfo)
		e.release(ch)
	case security.Pending:
		e.park(ch, res.Token)
		e.respondConnect(ch, signal.ConnectPending, signal.StatusAuthorizationPending)
	default:
		e.acceptIncoming(ch)
	}
}

// acceptIncoming moves an approved incoming channel towards configuration
func (e *Engine) acceptIncoming(ch *channel) {
	if !ch.accepted {
		svc := e.services[ch.psm]
		if svc != nil && !svc.AutoAccept {
			if !ch.announced {
				ch.announced = true
				e.emit(Event{Type: EventConnectRequest, Link: ch.link.id, Channel: ch.h, PSM: ch.psm})
			}
			if ch.connRsp == nil || ch.connRsp.Status != signal.StatusAuthorizationPending {
				e.respondConnect(ch, signal.ConnectPending, signal.StatusAuthorizationPending)
			}
			return
		}
		ch.accepted = true
	}

	if ch.opts.Mode.Reliable() && !ch.link.featuresKnown() {
		if ch.connRsp == nil {
			e.respondConnect(ch, signal.ConnectPending, signal.StatusNoInfo)
		}
		ch.link.waiting = append(ch.link.waiting, ch)
		e.requestFeatures(ch.link)
		return
	}

	ch.announced = true
	e.respondConnect(ch, signal.ConnectSuccess, signal.StatusNoInfo)
	ch.state = StateConfiguring
	e.startConfig(ch)
}

func (e *Engine) onConnectResponse(l *link, ident uint8, m *signal.ConnectResponse) {
	var ch *channel
	if h, ok := e.chans.ByLocal(l.id, m.SourceCID); ok {
		ch, _ = e.chans.Get(h)
	}
	if ch == nil || ch.state != StateWaitConnectConfirm || ch.ident != ident {
		e.reject(l, ident, signal.RejectNotUnderstoodMsg())
		return
	}

	switch m.Result {
	case signal.ConnectPending:
		e.log.Debug("Engine: channel 0x%04X connect pending, status %d", ch.local, m.Status)
		ch.rtxExtended = true
		e.armRTX(ch, e.cfg.ERTX)

	case signal.ConnectSuccess:
		e.clearRequest(ch)
		if m.DestCID < frame.CIDDynamicBase || e.chans.SetRemote(ch.h, m.DestCID) != nil {
			e.log.Warn("Engine: channel 0x%04X peer gave unusable CID 0x%04X", ch.local, m.DestCID)
			e.closeChannel(ch, ReasonProtocolError, false)
			e.release(ch)
			return
		}
		ch.remote = m.DestCID
		if ch.closing {
			e.sendDisconnect(ch)
			return
		}
		ch.state = StateConfiguring
		e.startConfig(ch)

	default:
		e.clearRequest(ch)
		reason := ReasonRefused
		switch m.Result {
		case signal.ConnectSecurityBlock:
			reason = ReasonSecurityBlock
		case signal.ConnectNoResources:
			reason = ReasonNoResources
		}
		e.log.Info("Engine: channel 0x%04X connect refused: %s", ch.local, m.Result)
		e.closeChannel(ch, reason, false)
		e.release(ch)
	}
}

// CloseChannel closes a channel in any state
func (e *Engine) CloseChannel(h Handle) error {
	e.enter()
	defer e.exit()

	ch, err := e.lookup(h)
	if err != nil {
		return err
	}
	if ch.closing {
		return nil
	}
	if e.delivering {
		e.later(func() { e.closeLocal(ch) })
		return nil
	}
	e.closeLocal(ch)
	return nil
}

func (e *Engine) closeLocal(ch *channel) {
	switch ch.state {
	case StateClosed:
	case StateWaitConnectResponse:
		e.respondConnect(ch, signal.ConnectNoResources, signal.StatusNoInfo)
		e.closeChannel(ch, ReasonLocalRequest, false)
	case StateWaitLinkReady:
		e.closeChannel(ch, ReasonLocalRequest, false)
	default:
		e.closeChannel(ch, ReasonLocalRequest, true)
	}
}

func (e *Engine) onDisconnectRequest(l *link, ident uint8, m *signal.DisconnectRequest) {
	var ch *channel
	if h, ok := e.chans.ByLocal(l.id, m.DestCID); ok {
		ch, _ = e.chans.Get(h)
	}
	if ch == nil || ch.remote != m.SourceCID || ch.state == StateClosed {
		e.reject(l, ident, signal.RejectInvalidCIDMsg(m.DestCID, m.SourceCID))
		return
	}

	// the identity stays reserved until the response is on its way
	e.retire(ch, ReasonRemoteRequest)
	e.clearRequest(ch)
	ch.state = StateWaitDisconnectResponse
	e.send(l, signal.Encode(ident, &signal.DisconnectResponse{DestCID: m.DestCID, SourceCID: m.SourceCID}), func() {
		e.release(ch)
	})
}

func (e *Engine) onDisconnectResponse(l *link, ident uint8, m *signal.DisconnectResponse) {
	var ch *channel
	if h, ok := e.chans.ByLocal(l.id, m.SourceCID); ok {
		ch, _ = e.chans.Get(h)
	}
	if ch == nil || ch.state != StateWaitDisconnectConfirm {
		e.log.Debug("Engine: link %d ignoring disconnect response for CID 0x%04X", l.id, m.SourceCID)
		return
	}
	if ch.ident != ident {
		e.reject(l, ident, signal.RejectNotUnderstoodMsg())
		return
	}
	e.release(ch)
}
