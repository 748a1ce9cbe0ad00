package engine

import (
	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/signal"
)

// handleSignaling processes one signaling frame, which may carry several commands
func (e *Engine) handleSignaling(l *link, payload []byte) {
	if len(payload) > int(e.cfg.SignalingMTU) {
		var ident uint8
		if len(payload) >= 2 {
			ident = payload[1]
		}
		e.log.Debug("Engine: link %d signaling frame of %d bytes over MTU", l.id, len(payload))
		e.reject(l, ident, signal.RejectMTUExceededMsg(e.cfg.SignalingMTU))
		return
	}

	cmds, err := signal.ParseCommands(payload)
	for _, c := range cmds {
		e.handleCommand(l, c)
	}
	if err != nil {
		e.log.Warn("Engine: link %d %v", l.id, err)
		e.stats.IncrementFramesDropped()
	}
}

func (e *Engine) handleCommand(l *link, c signal.Command) {
	e.stats.IncrementCommandsIn()
	e.log.Debug("Engine: link %d RX %s", l.id, c)

	if c.Ident == 0 {
		if c.Code != signal.CodeCommandReject {
			e.reject(l, 0, signal.RejectNotUnderstoodMsg())
		}
		return
	}
	msg, err := signal.Decode(c)
	if err != nil {
		e.log.Debug("Engine: link %d cannot decode %s: %v", l.id, c, err)
		if c.Code != signal.CodeCommandReject {
			e.reject(l, c.Ident, signal.RejectNotUnderstoodMsg())
		}
		return
	}

	switch m := msg.(type) {
	case *signal.CommandReject:
		e.onCommandReject(l, c.Ident, m)
	case *signal.ConnectRequest:
		e.onConnectRequest(l, c.Ident, m)
	case *signal.ConnectResponse:
		e.onConnectResponse(l, c.Ident, m)
	case *signal.ConfigRequest:
		e.onConfigRequest(l, c.Ident, m)
	case *signal.ConfigResponse:
		e.onConfigResponse(l, c.Ident, m)
	case *signal.DisconnectRequest:
		e.onDisconnectRequest(l, c.Ident, m)
	case *signal.DisconnectResponse:
		e.onDisconnectResponse(l, c.Ident, m)
	case *signal.EchoRequest:
		e.send(l, signal.Encode(c.Ident, &signal.EchoResponse{Data: append([]byte(nil), m.Data...)}), nil)
	case *signal.EchoResponse:
		e.onEchoResponse(l, c.Ident, m)
	case *signal.InfoRequest:
		e.onInfoRequest(l, c.Ident, m)
	case *signal.InfoResponse:
		e.onInfoResponse(l, c.Ident, m)
	}
}

func (e *Engine) onCommandReject(l *link, ident uint8, m *signal.CommandReject) {
	e.stats.IncrementRejectsReceived()
	e.log.Debug("Engine: link %d peer rejected ident %d: %s", l.id, ident, m.Reason)

	switch {
	case l.featState == featuresRequested && ident == l.featIdent:
		e.featuresDone(l, 0)
		return
	case l.fixedIdent != 0 && ident == l.fixedIdent:
		l.fixedIdent = 0
		return
	}
	if req, ok := l.requests[ident]; ok {
		e.stopTimer(&req.timer)
		delete(l.requests, ident)
		e.emit(requestEvent(l.id, req.code, ErrRejected))
		return
	}

	h, ok := e.chans.ByIdent(l.id, ident)
	if !ok {
		return
	}
	ch, _ := e.chans.Get(h)
	if ch == nil {
		return
	}
	e.clearRequest(ch)
	switch ch.state {
	case StateWaitConnectConfirm:
		e.closeChannel(ch, ReasonRefused, false)
		e.release(ch)
	case StateWaitDisconnectConfirm:
		e.release(ch)
	case StateConfiguring:
		e.closeChannel(ch, ReasonConfigFailed, true)
	case StateOpen:
		// a refused reconfiguration leaves the channel as it was
		ch.conf.pendingOut = signal.Options{}
	}
}

func (e *Engine) onEchoResponse(l *link, ident uint8, m *signal.EchoResponse) {
	req, ok := l.requests[ident]
	if !ok || req.code != signal.CodeEchoReq {
		e.reject(l, ident, signal.RejectNotUnderstoodMsg())
		return
	}
	e.stopTimer(&req.timer)
	delete(l.requests, ident)
	e.emit(Event{Type: EventEchoResponse, Link: l.id, Data: append([]byte(nil), m.Data...)})
}

func (e *Engine) fixedMask() uint64 {
	mask := uint64(1) << frame.CIDSignaling
	if !e.clOff {
		mask |= uint64(1) << frame.CIDConnectionless
	}
	for cid := range e.fixed {
		mask |= uint64(1) << cid
	}
	return mask
}

func (e *Engine) onInfoRequest(l *link, ident uint8, m *signal.InfoRequest) {
	var rsp *signal.InfoResponse
	switch m.InfoType {
	case signal.InfoExtendedFeatures:
		rsp = signal.FeaturesResponse(e.cfg.Features)
	case signal.InfoFixedChannels:
		rsp = signal.FixedChannelsResponse(e.fixedMask())
	case signal.InfoConnectionlessMTU:
		if e.clOff {
			rsp = &signal.InfoResponse{InfoType: m.InfoType, Result: signal.InfoNotSupported}
			break
		}
		rsp = signal.ConnectionlessMTUResponse(uint16(ConnectionlessMTU))
	default:
		rsp = &signal.InfoResponse{InfoType: m.InfoType, Result: signal.InfoNotSupported}
	}
	e.send(l, signal.Encode(ident, rsp), nil)
}

func (e *Engine) onInfoResponse(l *link, ident uint8, m *signal.InfoResponse) {
	switch {
	case l.featState == featuresRequested && ident == l.featIdent:
		features, _ := m.Features()
		e.featuresDone(l, features)
		return
	case l.fixedIdent != 0 && ident == l.fixedIdent:
		l.fixedIdent = 0
		l.fixedChannels, _ = m.FixedChannels()
		return
	}

	req, ok := l.requests[ident]
	if !ok || req.code != signal.CodeInfoReq {
		e.reject(l, ident, signal.RejectNotUnderstoodMsg())
		return
	}
	e.stopTimer(&req.timer)
	delete(l.requests, ident)
	info := *m
	info.Data = append([]byte(nil), m.Data...)
	e.emit(Event{Type: EventInfoResponse, Link: l.id, Info: &info})
}

// startRequest sends an application request and arms its timeout
func (e *Engine) startRequest(l *link, m signal.Message) {
	ident := l.ident()
	req := &request{code: m.Code()}
	req.timer = e.startTimer(e.cfg.RTX, func() {
		req.timer = nil
		delete(l.requests, ident)
		e.emit(requestEvent(l.id, req.code, ErrTimeout))
	})
	l.requests[ident] = req
	e.send(l, signal.Encode(ident, m), nil)
}

// Ping sends an echo request. The answer arrives as EventEchoResponse.
func (e *Engine) Ping(id LinkID, data []byte) error {
	e.enter()
	defer e.exit()

	l, ok := e.links[id]
	if !ok {
		return ErrUnknownLink
	}
	if len(data) > signal.MaxEchoData {
		return signal.ErrEchoTooLong
	}
	e.startRequest(l, &signal.EchoRequest{Data: append([]byte(nil), data...)})
	return nil
}

// GetInfo asks the peer for information. The answer arrives as EventInfoResponse.
func (e *Engine) GetInfo(id LinkID, t signal.InfoType) error {
	e.enter()
	defer e.exit()

	l, ok := e.links[id]
	if !ok {
		return ErrUnknownLink
	}
	e.startRequest(l, &signal.InfoRequest{InfoType: t})
	return nil
}

// PeerFeatures returns the peer's extended features once they are known
func (e *Engine) PeerFeatures(id LinkID) (uint32, bool) {
	l, ok := e.links[id]
	if !ok || !l.featuresKnown() {
		return 0, false
	}
	return l.features, true
}

// PeerFixedChannels returns the fixed channel mask the peer reported
func (e *Engine) PeerFixedChannels(id LinkID) uint64 {
	if l, ok := e.links[id]; ok {
		return l.fixedChannels
	}
	return 0
}
