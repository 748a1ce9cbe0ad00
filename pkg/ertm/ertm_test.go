package ertm

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/pool"
	"avaneesh/l2cap-go/pkg/signal"
)

type fakeLower struct {
	format    frame.Format
	sent      []*frame.PDU
	timers    map[TimerKind]bool
	delivered [][]byte
	busy      bool
	failed    error
	completed int
}

func newFakeLower(f frame.Format) *fakeLower {
	return &fakeLower{format: f, timers: make(map[TimerKind]bool)}
}

func (l *fakeLower) Transmit(raw []byte) {
	p, err := l.format.Unmarshal(raw)
	if err != nil {
		panic(err)
	}
	l.sent = append(l.sent, p)
}

func (l *fakeLower) StartTimer(kind TimerKind, _ time.Duration) { l.timers[kind] = true }
func (l *fakeLower) StopTimer(kind TimerKind)                   { l.timers[kind] = false }
func (l *fakeLower) Failed(err error)                           { l.failed = err }
func (l *fakeLower) Sent(sdus int)                              { l.completed += sdus }

func (l *fakeLower) Deliver(sdu []byte) error {
	if l.busy {
		return ErrBusy
	}
	l.delivered = append(l.delivered, sdu)
	return nil
}

// fire expires a timer the way the engine does
func (l *fakeLower) fire(ch *Channel, kind TimerKind) {
	l.timers[kind] = false
	ch.HandleTimeout(kind)
}

// take returns and clears the transmitted frames
func (l *fakeLower) take() []*frame.PDU {
	out := l.sent
	l.sent = nil
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CID = 0x0040
	cfg.TxWindow = 4
	cfg.RxWindow = 4
	cfg.TxMPS = 48
	cfg.RxMPS = 48
	cfg.TxMTU = 200
	cfg.RxMTU = 200
	cfg.MaxTransmit = 3
	return cfg
}

func newTestChannel(t *testing.T, mutate func(*Config)) (*Channel, *fakeLower, *pool.Reservation) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := pool.New(pool.Config{Capacity: 32, ReservedPerChannel: 4, MaxBorrow: 8})
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	res, err := p.Reserve()
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	lower := newFakeLower(cfg.Format)
	ch, err := New(cfg, lower, res, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return ch, lower, res
}

func peerI(t *testing.T, ch *Channel, txSeq, reqSeq uint16, sar frame.SAR, sduLen uint16, payload []byte) []byte {
	t.Helper()
	raw, err := ch.cfg.Format.Marshal(0x0040, &frame.PDU{
		Control:   frame.IFrame(txSeq, reqSeq, sar, false),
		SDULength: sduLen,
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return raw
}

func peerS(t *testing.T, ch *Channel, s frame.Super, reqSeq uint16, poll, final bool) []byte {
	t.Helper()
	raw, err := ch.cfg.Format.Marshal(0x0040, &frame.PDU{Control: frame.SFrame(s, reqSeq, poll, final)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return raw
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestChannel_SegmentedSendAndAck(t *testing.T) {
	ch, lower, res := newTestChannel(t, nil)
	sdu := payload(150, 1)

	if err := ch.Send(sdu); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	sent := lower.take()
	expectedSAR := []frame.SAR{frame.SARStart, frame.SARContinue, frame.SARContinue, frame.SAREnd}
	if len(sent) != len(expectedSAR) {
		t.Fatalf("Expected %d I-frames, got %d", len(expectedSAR), len(sent))
	}
	var rebuilt []byte
	for i, p := range sent {
		if p.Type != frame.TypeI || p.TxSeq != uint16(i) || p.SAR != expectedSAR[i] {
			t.Errorf("Frame %d: %s", i, p)
		}
		if p.InfoLength() > 48 {
			t.Errorf("Frame %d carries %d bytes, above MPS", i, p.InfoLength())
		}
		rebuilt = append(rebuilt, p.Payload...)
	}
	if sent[0].SDULength != 150 {
		t.Errorf("Expected SDU length 150, got %d", sent[0].SDULength)
	}
	if !bytes.Equal(rebuilt, sdu) {
		t.Error("Segments do not rebuild the SDU")
	}
	if ch.Unacked() != 4 || !lower.timers[TimerRetrans] {
		t.Fatalf("Expected 4 unacked frames and a running retransmit timer, got %d / %v", ch.Unacked(), lower.timers[TimerRetrans])
	}

	ch.Receive(peerS(t, ch, frame.SuperRR, 4, false, false))
	if ch.Unacked() != 0 {
		t.Errorf("Expected unacked list to empty, got %d", ch.Unacked())
	}
	if lower.timers[TimerRetrans] {
		t.Error("Expected retransmit timer cancelled")
	}
	if res.InUse() != 0 {
		t.Errorf("Expected every pool slot released, got %d", res.InUse())
	}
}

func TestChannel_WindowInvariant(t *testing.T) {
	ch, lower, _ := newTestChannel(t, func(c *Config) { c.TxWindow = 2 })

	for i := 0; i < 5; i++ {
		if err := ch.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
		if ch.Unacked() > 2 {
			t.Fatalf("Window exceeded: %d unacked", ch.Unacked())
		}
	}
	if n := len(lower.take()); n != 2 {
		t.Fatalf("Expected 2 frames in flight, got %d", n)
	}
	if ch.Queued() != 3 {
		t.Errorf("Expected 3 queued segments, got %d", ch.Queued())
	}

	ch.Receive(peerS(t, ch, frame.SuperRR, 1, false, false))
	sent := lower.take()
	if len(sent) != 1 || sent[0].TxSeq != 2 {
		t.Fatalf("Expected frame 2 after one ack, got %v", sent)
	}
	if ch.Unacked() != 2 {
		t.Errorf("Expected 2 unacked, got %d", ch.Unacked())
	}
}

func TestChannel_SendErrors(t *testing.T) {
	ch, _, _ := newTestChannel(t, nil)
	if err := ch.Send(make([]byte, 201)); !errors.Is(err, ErrSDUTooLarge) {
		t.Errorf("Expected ErrSDUTooLarge, got %v", err)
	}
	ch.Close()
	if err := ch.Send([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestChannel_RetransmitTimeoutPolls(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	ch.Send(payload(150, 0))
	lower.take()

	// frame 0 acknowledged, frame 1 never is
	ch.Receive(peerS(t, ch, frame.SuperRR, 1, false, false))
	lower.fire(ch, TimerRetrans)

	sent := lower.take()
	if len(sent) != 1 || sent[0].Type != frame.TypeS || !sent[0].Poll {
		t.Fatalf("Expected a single poll, got %v", sent)
	}
	if ch.TxState() != TxWaitF || !lower.timers[TimerMonitor] {
		t.Fatalf("Expected WaitF with monitor timer, got %s / %v", ch.TxState(), lower.timers[TimerMonitor])
	}

	// new data is held back while waiting for the final bit
	ch.Send([]byte("later"))
	if n := len(lower.take()); n != 0 {
		t.Errorf("Expected no transmission in WaitF, got %d frames", n)
	}

	ch.Receive(peerS(t, ch, frame.SuperRR, 1, false, true))
	sent = lower.take()
	if ch.TxState() != TxXmit || lower.timers[TimerMonitor] {
		t.Errorf("Expected Xmit with monitor stopped")
	}
	var seqs []uint16
	for _, p := range sent {
		if p.Type == frame.TypeI {
			seqs = append(seqs, p.TxSeq)
		}
	}
	// 1..3 resent, 0 is not, then the queued SDU goes out as 4
	expected := []uint16{1, 2, 3}
	if len(seqs) < 3 {
		t.Fatalf("Expected retransmission of 1..3, got %v", seqs)
	}
	for i, s := range expected {
		if seqs[i] != s {
			t.Errorf("Expected retransmitted seq %d at %d, got %d", s, i, seqs[i])
		}
	}
	for _, s := range seqs {
		if s == 0 {
			t.Error("Acknowledged frame 0 was resent")
		}
	}
}

func TestChannel_SelectiveRejectResendsOneFrame(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	ch.Send(payload(150, 0))
	lower.take()

	ch.Receive(peerS(t, ch, frame.SuperRR, 1, false, false))
	ch.Receive(peerS(t, ch, frame.SuperSREJ, 1, false, false))

	sent := lower.take()
	if len(sent) != 1 || sent[0].Type != frame.TypeI || sent[0].TxSeq != 1 {
		t.Fatalf("Expected only frame 1 resent, got %v", sent)
	}
	if ch.Unacked() != 3 {
		t.Errorf("SREJ must not acknowledge; expected 3 unacked, got %d", ch.Unacked())
	}
	if ch.Stats().Retransmissions != 1 {
		t.Errorf("Expected 1 retransmission, got %d", ch.Stats().Retransmissions)
	}
}

func TestChannel_MonitorExhaustionFails(t *testing.T) {
	ch, lower, res := newTestChannel(t, func(c *Config) { c.MaxTransmit = 2 })
	ch.Send([]byte("x"))

	lower.fire(ch, TimerRetrans)
	lower.fire(ch, TimerMonitor)
	if lower.failed != nil {
		t.Fatalf("Failed too early: %v", lower.failed)
	}
	lower.fire(ch, TimerMonitor)
	if !errors.Is(lower.failed, ErrLinkTimeout) {
		t.Fatalf("Expected ErrLinkTimeout, got %v", lower.failed)
	}
	if res.InUse() != 0 {
		t.Errorf("Expected pool slots returned on failure, got %d", res.InUse())
	}
	for k, running := range lower.timers {
		if running {
			t.Errorf("Timer %s still running after failure", k)
		}
	}
}

func TestChannel_RemoteBusyAndResume(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	ch.Send([]byte("a"))
	ch.Send([]byte("b"))
	lower.take()

	ch.Receive(peerS(t, ch, frame.SuperRNR, 1, false, false))
	if !ch.RemoteBusy() {
		t.Fatal("Expected remote busy")
	}
	ch.Send([]byte("c"))
	if n := len(lower.take()); n != 0 {
		t.Fatalf("Expected no new frames while peer busy, got %d", n)
	}
	if !lower.timers[TimerRetrans] {
		t.Error("Expected retransmit timer to keep polling a busy peer")
	}

	ch.Receive(peerS(t, ch, frame.SuperRR, 1, false, false))
	sent := lower.take()
	if len(sent) != 2 {
		t.Fatalf("Expected resend of 1 and new frame 2, got %v", sent)
	}
	if sent[0].TxSeq != 1 || string(sent[0].Payload) != "b" {
		t.Errorf("Expected frame 1 first, got %s", sent[0])
	}
	if sent[1].TxSeq != 2 || string(sent[1].Payload) != "c" {
		t.Errorf("Expected new frame 2, got %s", sent[1])
	}
}

func TestChannel_InvalidReqSeqFails(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	ch.Send([]byte("a"))
	ch.Receive(peerS(t, ch, frame.SuperRR, 5, false, false))
	if !errors.Is(lower.failed, ErrInvalidReqSeq) {
		t.Errorf("Expected ErrInvalidReqSeq, got %v", lower.failed)
	}
}

func TestChannel_AnswersPoll(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	ch.Receive(peerS(t, ch, frame.SuperRR, 0, true, false))
	sent := lower.take()
	if len(sent) != 1 || sent[0].Super != frame.SuperRR || !sent[0].Final || sent[0].Poll {
		t.Fatalf("Expected RR with F=1, got %v", sent)
	}
}

func TestChannel_FCSErrorDroppedSilently(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	raw := peerI(t, ch, 0, 0, frame.SARUnsegmented, 0, []byte("data"))
	raw[len(raw)-3] ^= 0xFF

	ch.Receive(raw)
	if len(lower.take()) != 0 || len(lower.delivered) != 0 {
		t.Error("Expected corrupt frame to be ignored")
	}
	if ch.Stats().FCSErrors != 1 {
		t.Errorf("Expected 1 FCS error, got %d", ch.Stats().FCSErrors)
	}
}

func TestChannel_SentAfterLastSegmentAcked(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)

	if err := ch.Send(payload(150, 1)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := ch.Send([]byte("tail")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	lower.take()

	steps := []struct {
		reqSeq uint16
		want   int
	}{
		{3, 0},
		{4, 1},
		{5, 2},
	}
	for _, st := range steps {
		ch.Receive(peerS(t, ch, frame.SuperRR, st.reqSeq, false, false))
		if lower.completed != st.want {
			t.Fatalf("After ReqSeq %d expected %d SDUs completed, got %d", st.reqSeq, st.want, lower.completed)
		}
	}
}

func TestChannel_StreamingSentOnTransmit(t *testing.T) {
	ch, lower, _ := newTestChannel(t, func(c *Config) { c.Mode = signal.ModeStreaming })

	if err := ch.Send(payload(150, 1)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := len(lower.take()); n != 4 {
		t.Fatalf("Expected 4 segments, got %d", n)
	}
	if lower.completed != 1 {
		t.Fatalf("Expected 1 SDU completed, got %d", lower.completed)
	}
}

func TestChannel_QueueLimit(t *testing.T) {
	ch, lower, _ := newTestChannel(t, func(c *Config) {
		c.TxWindow = 1
		c.MaxQueued = 3
	})

	if err := ch.Send([]byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	// an SDU larger than the limit still fits an empty queue
	if err := ch.Send(payload(150, 1)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !ch.Full() || ch.Queued() != 4 {
		t.Fatalf("Expected a full queue of 4 segments, got %d", ch.Queued())
	}
	if err := ch.Send([]byte{2}); !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy, got %v", err)
	}

	ch.Receive(peerS(t, ch, frame.SuperRR, 1, false, false))
	ch.Receive(peerS(t, ch, frame.SuperRR, 2, false, false))
	if ch.Full() {
		t.Fatalf("Expected room after two acknowledgements, %d queued", ch.Queued())
	}
	if err := ch.Send([]byte{2}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := len(lower.take()); n != 3 {
		t.Fatalf("Expected 3 frames sent one at a time, got %d", n)
	}
}

func TestChannel_LargestMPS(t *testing.T) {
	tests := []struct {
		name   string
		format frame.Format
		mps    int
	}{
		{"standard", frame.Format{FCS: true}, 0xFFFF},
		{"extended", frame.Format{Extended: true, FCS: true}, frame.MaxMPS + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Format = tt.format
			cfg.TxMPS = uint16(tt.mps)
			if _, err := New(cfg, newFakeLower(cfg.Format), nil, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Expected ErrInvalidConfig for MPS %d, got %v", tt.mps, err)
			}
		})
	}

	ch, lower, _ := newTestChannel(t, func(c *Config) {
		c.TxMPS = uint16(c.Format.MaxMPS())
		c.TxMTU = 0xFFFF
		c.RxMTU = 0xFFFF
	})
	sdu := payload(0xFFFF, 3)
	if err := ch.Send(sdu); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sent := lower.take()
	if len(sent) != 2 || sent[0].SAR != frame.SARStart || sent[1].SAR != frame.SAREnd {
		t.Fatalf("Expected Start and End segments, got %v", sent)
	}
	if sent[0].SDULength != 0xFFFF {
		t.Errorf("Expected SDU length 65535, got %d", sent[0].SDULength)
	}
	if !bytes.Equal(append(sent[0].Payload, sent[1].Payload...), sdu) {
		t.Error("Segments do not rebuild the SDU")
	}
}

func TestChannel_SetTxMPS(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)

	if err := ch.SetTxMPS(49, 48); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig above the limit, got %v", err)
	}
	if err := ch.SetTxMPS(20, 48); err != nil {
		t.Fatalf("SetTxMPS() error = %v", err)
	}
	if err := ch.Send(payload(50, 1)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for i, p := range lower.take() {
		if p.InfoLength() > 20 {
			t.Errorf("Frame %d carries %d bytes, above MPS 20", i, p.InfoLength())
		}
	}
	if ch.Config().TxMPS != 20 {
		t.Errorf("Expected TxMPS 20, got %d", ch.Config().TxMPS)
	}
}
