package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/signal"
)

// captureLower keeps every frame the engine sends
type captureLower struct {
	frames [][]byte
}

func (c *captureLower) SendFrame(_ LinkID, raw []byte, _ sched.Priority) error {
	c.frames = append(c.frames, append([]byte(nil), raw...))
	return nil
}

func (c *captureLower) RequestTxOpportunity(LinkID) {}

type solo struct {
	t     *testing.T
	e     *Engine
	lower *captureLower
	rec   *recorder
	clock *testClock
}

func newSolo(t *testing.T, mutate func(*Config)) *solo {
	t.Helper()
	s := &solo{
		t:     t,
		lower: &captureLower{},
		rec:   newRecorder(),
		clock: &testClock{now: time.Unix(1700000000, 0)},
	}
	cfg := DefaultConfig()
	cfg.Clock = s.clock.Now
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, s.lower, s.rec)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := e.LinkConnected(testLink, "peer"); err != nil {
		t.Fatalf("Failed to connect link: %v", err)
	}
	s.e = e
	return s
}

// deliver sends commands to the engine in one signaling frame
func (s *solo) deliver(cmds ...signal.Command) {
	bf := frame.BFrame{CID: frame.CIDSignaling, Payload: signal.JoinCommands(cmds...)}
	raw, err := bf.Marshal()
	if err != nil {
		s.t.Fatalf("Failed to build frame: %v", err)
	}
	s.e.DeliverFrame(testLink, raw)
}

// replies flushes the engine and returns the signaling commands it sent
func (s *solo) replies() []signal.Command {
	s.t.Helper()
	s.e.TxOpportunity(testLink, 0)
	var out []signal.Command
	for _, raw := range s.lower.frames {
		if cidOf(raw) != frame.CIDSignaling {
			continue
		}
		cmds, err := signal.ParseCommands(raw[frame.BasicHeaderSize:])
		if err != nil {
			s.t.Fatalf("Engine sent a malformed command: %v", err)
		}
		out = append(out, cmds...)
	}
	s.lower.frames = nil
	return out
}

// reply expects exactly one command and decodes it
func (s *solo) reply() (signal.Command, signal.Message) {
	s.t.Helper()
	cmds := s.replies()
	if len(cmds) != 1 {
		s.t.Fatalf("Expected 1 reply, got %v", cmds)
	}
	msg, err := signal.Decode(cmds[0])
	if err != nil {
		s.t.Fatalf("Failed to decode reply: %v", err)
	}
	return cmds[0], msg
}

func TestCommandRejects(t *testing.T) {
	tests := []struct {
		name   string
		cmd    signal.Command
		ident  uint8
		reason signal.RejectReason
		data   []byte
	}{
		{
			name:   "unknown code",
			cmd:    signal.Command{Code: 0x20, Ident: 7},
			ident:  7,
			reason: signal.RejectNotUnderstood,
		},
		{
			name:   "ident zero",
			cmd:    signal.Encode(0, &signal.EchoRequest{Data: []byte("x")}),
			ident:  0,
			reason: signal.RejectNotUnderstood,
		},
		{
			name:   "truncated connect request",
			cmd:    signal.Command{Code: signal.CodeConnectReq, Ident: 3, Data: []byte{0x01}},
			ident:  3,
			reason: signal.RejectNotUnderstood,
		},
		{
			name:   "config request for unknown channel",
			cmd:    signal.Encode(4, &signal.ConfigRequest{DestCID: 0x0055}),
			ident:  4,
			reason: signal.RejectInvalidCID,
			data:   []byte{0x55, 0x00, 0x00, 0x00},
		},
		{
			name:   "disconnect request for unknown channel",
			cmd:    signal.Encode(5, &signal.DisconnectRequest{DestCID: 0x0040, SourceCID: 0x0041}),
			ident:  5,
			reason: signal.RejectInvalidCID,
			data:   []byte{0x40, 0x00, 0x41, 0x00},
		},
		{
			name:   "unexpected echo response",
			cmd:    signal.Encode(6, &signal.EchoResponse{}),
			ident:  6,
			reason: signal.RejectNotUnderstood,
		},
		{
			name:   "unexpected info response",
			cmd:    signal.Encode(8, signal.FeaturesResponse(0)),
			ident:  8,
			reason: signal.RejectNotUnderstood,
		},
		{
			name:   "unexpected connect response",
			cmd:    signal.Encode(9, &signal.ConnectResponse{DestCID: 0x0040, SourceCID: 0x0040}),
			ident:  9,
			reason: signal.RejectNotUnderstood,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSolo(t, nil)
			s.deliver(tt.cmd)
			cmd, msg := s.reply()
			rej, ok := msg.(*signal.CommandReject)
			if !ok {
				t.Fatalf("Expected CommandReject, got %T", msg)
			}
			if cmd.Ident != tt.ident {
				t.Fatalf("Expected ident %d, got %d", tt.ident, cmd.Ident)
			}
			if rej.Reason != tt.reason {
				t.Fatalf("Expected reason %s, got %s", tt.reason, rej.Reason)
			}
			if tt.data != nil && !bytes.Equal(rej.Data, tt.data) {
				t.Fatalf("Expected data %X, got %X", tt.data, rej.Data)
			}
			if n := s.e.Stats().RejectsSent; n != 1 {
				t.Fatalf("Expected 1 reject counted, got %d", n)
			}
		})
	}
}

func TestRejectsAreNotAnswered(t *testing.T) {
	s := newSolo(t, nil)
	s.deliver(
		signal.Encode(0, signal.RejectNotUnderstoodMsg()),
		signal.Encode(4, signal.RejectNotUnderstoodMsg()),
	)
	if cmds := s.replies(); len(cmds) != 0 {
		t.Fatalf("Expected no replies, got %v", cmds)
	}
	if n := s.e.Stats().RejectsReceived; n != 1 {
		t.Fatalf("Expected 1 reject received, got %d", n)
	}
}

func TestSignalingMTUExceeded(t *testing.T) {
	s := newSolo(t, func(c *Config) { c.SignalingMTU = signal.MinSignalingMTU })

	s.deliver(signal.Encode(12, &signal.EchoRequest{Data: make([]byte, 60)}))
	cmd, msg := s.reply()
	rej, ok := msg.(*signal.CommandReject)
	if !ok || rej.Reason != signal.RejectMTUExceeded {
		t.Fatalf("Expected MTUExceeded reject, got %v", msg)
	}
	if cmd.Ident != 12 {
		t.Fatalf("Expected ident 12, got %d", cmd.Ident)
	}
	if mtu := binary.LittleEndian.Uint16(rej.Data); mtu != signal.MinSignalingMTU {
		t.Fatalf("Expected MTU %d in reject, got %d", signal.MinSignalingMTU, mtu)
	}
}

func TestSeveralCommandsInOneFrame(t *testing.T) {
	s := newSolo(t, nil)
	s.deliver(
		signal.Encode(1, &signal.EchoRequest{Data: []byte("a")}),
		signal.Encode(2, &signal.EchoRequest{Data: []byte("b")}),
	)
	cmds := s.replies()
	if len(cmds) != 2 {
		t.Fatalf("Expected 2 replies, got %v", cmds)
	}
	for i, c := range cmds {
		msg, err := signal.Decode(c)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		echo, ok := msg.(*signal.EchoResponse)
		if !ok || c.Ident != uint8(i+1) || string(echo.Data) != "ab"[i:i+1] {
			t.Fatalf("Expected echo %d, got %v", i+1, c)
		}
	}
}

func TestInfoRequests(t *testing.T) {
	s := newSolo(t, nil)
	if err := s.e.RegisterFixedChannel(0x003F, func(LinkID, []byte) {}); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	tests := []struct {
		name  string
		it    signal.InfoType
		check func(t *testing.T, rsp *signal.InfoResponse)
	}{
		{"features", signal.InfoExtendedFeatures, func(t *testing.T, rsp *signal.InfoResponse) {
			f, ok := rsp.Features()
			if !ok || f != DefaultConfig().Features {
				t.Fatalf("Expected features 0x%X, got 0x%X", DefaultConfig().Features, f)
			}
		}},
		{"fixed channels", signal.InfoFixedChannels, func(t *testing.T, rsp *signal.InfoResponse) {
			mask, ok := rsp.FixedChannels()
			if !ok || mask != 1<<1|1<<2|1<<0x3F {
				t.Fatalf("Expected signaling, connectionless and 0x3F in mask, got 0x%X", mask)
			}
		}},
		{"connectionless MTU", signal.InfoConnectionlessMTU, func(t *testing.T, rsp *signal.InfoResponse) {
			if mtu, ok := rsp.ConnectionlessMTU(); !ok || int(mtu) != ConnectionlessMTU {
				t.Fatalf("Expected MTU %d, got %d (result %d)", ConnectionlessMTU, mtu, rsp.Result)
			}
		}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.deliver(signal.Encode(uint8(i+1), &signal.InfoRequest{InfoType: tt.it}))
			_, msg := s.reply()
			rsp, ok := msg.(*signal.InfoResponse)
			if !ok || rsp.InfoType != tt.it {
				t.Fatalf("Expected info response for %s, got %v", tt.it, msg)
			}
			tt.check(t, rsp)
		})
	}
}

func TestIncomingConnectRequests(t *testing.T) {
	s := newSolo(t, nil)
	if err := s.e.RegisterService(Service{PSM: testPSM, AutoAccept: true}); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	tests := []struct {
		name   string
		psm    uint16
		source uint16
		result signal.ConnectResult
	}{
		{"unknown PSM", 0x0F0F, 0x0050, signal.ConnectPSMNotSupported},
		{"fixed source CID", testPSM, 0x0020, signal.ConnectInvalidSourceCID},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.deliver(signal.Encode(uint8(20+i), &signal.ConnectRequest{PSM: tt.psm, SourceCID: tt.source}))
			_, msg := s.reply()
			rsp, ok := msg.(*signal.ConnectResponse)
			if !ok || rsp.Result != tt.result || rsp.SourceCID != tt.source || rsp.DestCID != 0 {
				t.Fatalf("Expected %s for source 0x%04X, got %+v", tt.result, tt.source, msg)
			}
		})
	}
}

func TestDuplicateConnectRequest(t *testing.T) {
	s := newSolo(t, nil)
	if err := s.e.RegisterService(Service{PSM: testPSM, AutoAccept: true}); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	req := signal.Encode(9, &signal.ConnectRequest{PSM: testPSM, SourceCID: 0x0070})
	s.deliver(req)
	cmds := s.replies()
	if len(cmds) != 2 || cmds[0].Code != signal.CodeConnectRsp || cmds[1].Code != signal.CodeConfigReq {
		t.Fatalf("Expected connect response and config request, got %v", cmds)
	}
	first := cmds[0]

	// a retransmitted request gets the same answer and nothing else
	s.deliver(req)
	cmd, _ := s.reply()
	if cmd.Ident != first.Ident || !bytes.Equal(cmd.Data, first.Data) {
		t.Fatalf("Expected the same response, got %v", cmd)
	}

	// a new request reusing the source CID is refused
	s.deliver(signal.Encode(10, &signal.ConnectRequest{PSM: testPSM, SourceCID: 0x0070}))
	_, msg := s.reply()
	if rsp, ok := msg.(*signal.ConnectResponse); !ok || rsp.Result != signal.ConnectSourceCIDAllocated {
		t.Fatalf("Expected SourceCIDAllocated, got %v", msg)
	}
	if chans := s.e.Channels(testLink); len(chans) != 1 {
		t.Fatalf("Expected 1 channel, got %d", len(chans))
	}
}

// acceptOne brings an incoming Basic channel to Configuring and returns its
// handle, local CID and the ident of the engine's own config request
func (s *solo) acceptOne(source uint16) (Handle, uint16, uint8) {
	s.t.Helper()
	if err := s.e.RegisterService(Service{PSM: testPSM, AutoAccept: true}); err != nil {
		s.t.Fatalf("Failed to register: %v", err)
	}
	s.deliver(signal.Encode(1, &signal.ConnectRequest{PSM: testPSM, SourceCID: source}))
	cmds := s.replies()
	if len(cmds) != 2 {
		s.t.Fatalf("Expected connect response and config request, got %v", cmds)
	}
	msg, _ := signal.Decode(cmds[0])
	rsp := msg.(*signal.ConnectResponse)
	if rsp.Result != signal.ConnectSuccess {
		s.t.Fatalf("Expected success, got %s", rsp.Result)
	}
	chans := s.e.Channels(testLink)
	if len(chans) != 1 {
		s.t.Fatalf("Expected 1 channel, got %d", len(chans))
	}
	return chans[0], rsp.DestCID, cmds[1].Ident
}

func TestConfigRequestContinuation(t *testing.T) {
	s := newSolo(t, nil)
	const source = 0x0080
	h, local, cfgIdent := s.acceptOne(source)

	var part signal.Options
	part.SetMTU(100)
	s.deliver(signal.Encode(2, &signal.ConfigRequest{DestCID: local, Flags: signal.ConfigFlagContinuation, Options: part}))
	_, msg := s.reply()
	rsp, ok := msg.(*signal.ConfigResponse)
	if !ok || rsp.Flags&signal.ConfigFlagContinuation == 0 || rsp.Result != signal.ConfigSuccess {
		t.Fatalf("Expected continuation response, got %+v", msg)
	}

	var rest signal.Options
	rest.SetFlushTimeout(500)
	s.deliver(signal.Encode(3, &signal.ConfigRequest{DestCID: local, Options: rest}))
	_, msg = s.reply()
	rsp, ok = msg.(*signal.ConfigResponse)
	if !ok || rsp.Result != signal.ConfigSuccess || rsp.Flags != 0 {
		t.Fatalf("Expected final success, got %+v", msg)
	}
	if !rsp.Options.Has(signal.OptMTU) || rsp.Options.MTU != 100 {
		t.Fatalf("Expected merged MTU 100 in response, got %s", rsp.Options.String())
	}

	s.deliver(signal.Encode(cfgIdent, &signal.ConfigResponse{SourceCID: local, Result: signal.ConfigSuccess}))
	if ev, ok := s.rec.last(EventOpened); !ok || ev.Channel != h || ev.TxMTU != 100 {
		t.Fatalf("Expected channel open with transmit MTU 100, got %v", s.rec.events)
	}
}

func TestConfigRequestRefusals(t *testing.T) {
	tests := []struct {
		name    string
		options func() signal.Options
		result  signal.ConfigResult
		check   func(t *testing.T, o signal.Options)
	}{
		{
			name: "MTU below minimum",
			options: func() signal.Options {
				var o signal.Options
				o.SetMTU(30)
				return o
			},
			result: signal.ConfigUnacceptable,
			check: func(t *testing.T, o signal.Options) {
				if o.MTU != signal.MinMTU {
					t.Fatalf("Expected MTU %d suggested, got %d", signal.MinMTU, o.MTU)
				}
			},
		},
		{
			name: "mode mismatch",
			options: func() signal.Options {
				var o signal.Options
				o.SetRFC(signal.RFC{Mode: signal.ModeERTM, TxWindow: 10, MaxTransmit: 3, MPS: 100})
				return o
			},
			result: signal.ConfigUnacceptable,
			check: func(t *testing.T, o signal.Options) {
				if !o.Has(signal.OptRFC) || o.RFC.Mode != signal.ModeBasic {
					t.Fatalf("Expected Basic mode suggested, got %s", o.String())
				}
			},
		},
		{
			name: "unknown option",
			options: func() signal.Options {
				return signal.Options{Unknown: []signal.RawOption{{Type: 0x20, Value: []byte{1}}}}
			},
			result: signal.ConfigUnknownOptions,
			check: func(t *testing.T, o signal.Options) {
				if len(o.Unknown) != 1 || o.Unknown[0].Type != 0x20 {
					t.Fatalf("Expected the unknown option echoed, got %s", o.String())
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSolo(t, nil)
			_, local, _ := s.acceptOne(0x0090)
			s.deliver(signal.Encode(2, &signal.ConfigRequest{DestCID: local, Options: tt.options()}))
			_, msg := s.reply()
			rsp, ok := msg.(*signal.ConfigResponse)
			if !ok || rsp.Result != tt.result {
				t.Fatalf("Expected %s, got %+v", tt.result, msg)
			}
			tt.check(t, rsp.Options)
		})
	}
}

func TestConfigResponseWithWrongIdent(t *testing.T) {
	s := newSolo(t, nil)
	_, local, cfgIdent := s.acceptOne(0x00A0)

	s.deliver(signal.Encode(cfgIdent+1, &signal.ConfigResponse{SourceCID: local}))
	_, msg := s.reply()
	if rej, ok := msg.(*signal.CommandReject); !ok || rej.Reason != signal.RejectNotUnderstood {
		t.Fatalf("Expected NotUnderstood, got %v", msg)
	}

	// unknown channels are ignored
	s.deliver(signal.Encode(cfgIdent, &signal.ConfigResponse{SourceCID: 0x0F00}))
	if cmds := s.replies(); len(cmds) != 0 {
		t.Fatalf("Expected no reply, got %v", cmds)
	}
}

func TestPendingConfigResponseExtendsTimer(t *testing.T) {
	s := newSolo(t, nil)
	h, local, cfgIdent := s.acceptOne(0x00B0)

	s.deliver(signal.Encode(cfgIdent, &signal.ConfigResponse{SourceCID: local, Result: signal.ConfigPending}))
	s.clock.now = s.clock.now.Add(s.e.Config().RTX + time.Second)
	s.e.ProcessTimers()
	if cmds := s.replies(); len(cmds) != 0 {
		t.Fatalf("Expected no retransmission inside ERTX, got %v", cmds)
	}
	if info, err := s.e.ChannelInfo(h); err != nil || info.State != StateConfiguring {
		t.Fatalf("Expected channel still configuring, got %+v %v", info, err)
	}

	s.clock.now = s.clock.now.Add(s.e.Config().ERTX)
	s.e.ProcessTimers()
	cmds := s.replies()
	if len(cmds) != 1 || cmds[0].Code != signal.CodeDisconnectReq {
		t.Fatalf("Expected a disconnect request after ERTX, got %v", cmds)
	}
	if ev, ok := s.rec.last(EventClosed); !ok || ev.Reason != ReasonTimeout {
		t.Fatalf("Expected Closed(Timeout), got %v", s.rec.events)
	}
}

func TestPeerRejectsConfigRequest(t *testing.T) {
	s := newSolo(t, nil)
	h, _, cfgIdent := s.acceptOne(0x00C0)
	s.rec.events = nil

	s.deliver(signal.Encode(cfgIdent, signal.RejectNotUnderstoodMsg()))
	if ev, ok := s.rec.last(EventClosed); !ok || ev.Channel != h || ev.Reason != ReasonConfigFailed {
		t.Fatalf("Expected Closed(ConfigFailed), got %v", s.rec.events)
	}
	cmds := s.replies()
	if len(cmds) != 1 || cmds[0].Code != signal.CodeDisconnectReq {
		t.Fatalf("Expected a disconnect request, got %v", cmds)
	}
}

func TestDisconnectRequestForOpenChannel(t *testing.T) {
	s := newSolo(t, nil)
	const source = 0x00D0
	h, local, cfgIdent := s.acceptOne(source)

	s.deliver(
		signal.Encode(2, &signal.ConfigRequest{DestCID: local}),
		signal.Encode(cfgIdent, &signal.ConfigResponse{SourceCID: local, Result: signal.ConfigSuccess}),
	)
	s.replies()
	if _, ok := s.rec.last(EventOpened); !ok {
		t.Fatalf("Expected channel open, got %v", s.rec.events)
	}

	// wrong source CID
	s.deliver(signal.Encode(3, &signal.DisconnectRequest{DestCID: local, SourceCID: source + 1}))
	_, msg := s.reply()
	if rej, ok := msg.(*signal.CommandReject); !ok || rej.Reason != signal.RejectInvalidCID {
		t.Fatalf("Expected InvalidCID, got %v", msg)
	}

	s.deliver(signal.Encode(4, &signal.DisconnectRequest{DestCID: local, SourceCID: source}))
	if ev, ok := s.rec.last(EventClosed); !ok || ev.Reason != ReasonRemoteRequest {
		t.Fatalf("Expected Closed(RemoteRequest), got %v", s.rec.events)
	}
	if info, err := s.e.ChannelInfo(h); err != nil || info.State != StateWaitDisconnectResponse {
		t.Fatalf("Expected identity held until the response is sent, got %+v %v", info, err)
	}
	cmd, msg := s.reply()
	rsp, ok := msg.(*signal.DisconnectResponse)
	if !ok || cmd.Ident != 4 || rsp.DestCID != local || rsp.SourceCID != source {
		t.Fatalf("Expected disconnect response, got %v", msg)
	}
	if _, err := s.e.ChannelInfo(h); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Expected channel released once the response left, got %v", err)
	}
}

func TestPingAndInfo(t *testing.T) {
	p := newPair(t, nil, func(c *Config) { c.Features = signal.FeatureERTM | signal.FeatureFCS })

	if err := p.a.e.Ping(testLink, []byte("hello")); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}
	if err := p.a.e.Ping(testLink, make([]byte, signal.MaxEchoData+1)); !errors.Is(err, signal.ErrEchoTooLong) {
		t.Fatalf("Expected ErrEchoTooLong, got %v", err)
	}
	if err := p.a.e.GetInfo(testLink, signal.InfoExtendedFeatures); err != nil {
		t.Fatalf("Failed to request info: %v", err)
	}
	if err := p.a.e.GetInfo(testLink, signal.InfoConnectionlessMTU); err != nil {
		t.Fatalf("Failed to request info: %v", err)
	}
	if err := p.a.e.Ping(99, nil); !errors.Is(err, ErrUnknownLink) {
		t.Fatalf("Expected ErrUnknownLink, got %v", err)
	}
	p.run()

	echo, ok := p.a.rec.last(EventEchoResponse)
	if !ok || echo.Err != nil || string(echo.Data) != "hello" {
		t.Fatalf("Expected echo of hello, got %v", p.a.rec.events)
	}
	var infos []*signal.InfoResponse
	for _, ev := range p.a.rec.events {
		if ev.Type == EventInfoResponse {
			if ev.Err != nil {
				t.Fatalf("Unexpected info error: %v", ev.Err)
			}
			infos = append(infos, ev.Info)
		}
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 info responses, got %d", len(infos))
	}
	if f, ok := infos[0].Features(); !ok || f != signal.FeatureERTM|signal.FeatureFCS {
		t.Fatalf("Expected peer features, got 0x%X", f)
	}
	if mtu, ok := infos[1].ConnectionlessMTU(); !ok || int(mtu) != ConnectionlessMTU {
		t.Fatalf("Expected connectionless MTU %d, got %d", ConnectionlessMTU, mtu)
	}
}

func TestPingTimeout(t *testing.T) {
	p := newPair(t, nil, nil)
	p.drop = func(to *endpoint, raw []byte) bool { return to == p.b }

	if err := p.a.e.Ping(testLink, []byte("x")); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}
	p.run()
	if p.a.rec.count(EventEchoResponse) != 0 {
		t.Fatalf("Expected no answer yet")
	}
	p.advance(p.a.e.Config().RTX)

	ev, ok := p.a.rec.last(EventEchoResponse)
	if !ok || !errors.Is(ev.Err, ErrTimeout) {
		t.Fatalf("Expected echo timeout, got %v", p.a.rec.events)
	}
}

func TestFeaturesRequestTimesOut(t *testing.T) {
	p := newPair(t, nil, nil)
	p.serve(Service{PSM: testPSM, AutoAccept: true, Options: ChannelOptions{Mode: signal.ModeERTM, ModeOptional: true}})

	// the peer never answers information requests
	p.drop = func(to *endpoint, raw []byte) bool {
		if to != p.b || cidOf(raw) != frame.CIDSignaling {
			return false
		}
		cmds, _ := signal.ParseCommands(raw[frame.BasicHeaderSize:])
		return len(cmds) > 0 && cmds[0].Code == signal.CodeInfoReq
	}

	h, err := p.a.e.OpenChannel(testLink, testPSM, ChannelOptions{Mode: signal.ModeERTM, ModeOptional: true})
	if err != nil {
		t.Fatalf("Failed to open channel: %v", err)
	}
	p.run()
	if info, _ := p.a.e.ChannelInfo(h); info.State != StateWaitLinkReady {
		t.Fatalf("Expected WaitLinkReady, got %s", info.State)
	}

	p.advance(p.a.e.Config().RTX)
	if features, ok := p.a.e.PeerFeatures(testLink); !ok || features != 0 {
		t.Fatalf("Expected peer features assumed empty, got 0x%X %v", features, ok)
	}
	if _, ok := p.a.rec.last(EventOpened); !ok {
		t.Fatalf("Expected channel to open in Basic mode, got %v", p.a.rec.events)
	}
	if info, _ := p.a.e.ChannelInfo(h); info.Mode != signal.ModeBasic {
		t.Fatalf("Expected Basic mode, got %s", info.Mode)
	}
}
