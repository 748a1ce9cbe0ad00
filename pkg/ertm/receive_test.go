package ertm

import (
	"bytes"
	"errors"
	"testing"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/signal"
)

func unseg(t *testing.T, ch *Channel, seq uint16, data string) []byte {
	return peerI(t, ch, seq, 0, frame.SARUnsegmented, 0, []byte(data))
}

func deliveredStrings(l *fakeLower) []string {
	var out []string
	for _, d := range l.delivered {
		out = append(out, string(d))
	}
	return out
}

func expectDelivered(t *testing.T, l *fakeLower, expected ...string) {
	t.Helper()
	got := deliveredStrings(l)
	if len(got) != len(expected) {
		t.Fatalf("Expected delivered %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("Expected delivered %v, got %v", expected, got)
		}
	}
}

func expectSingleS(t *testing.T, l *fakeLower, super frame.Super, reqSeq uint16) *frame.PDU {
	t.Helper()
	sent := l.take()
	if len(sent) != 1 || sent[0].Type != frame.TypeS || sent[0].Super != super || sent[0].ReqSeq != reqSeq {
		t.Fatalf("Expected single %s(%d), got %v", super, reqSeq, sent)
	}
	return sent[0]
}

func TestReceive_AckThreshold(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)

	ch.Receive(unseg(t, ch, 0, "a"))
	if len(lower.take()) != 0 || !lower.timers[TimerAck] {
		t.Fatal("Expected the first frame to arm the ack timer only")
	}
	ch.Receive(unseg(t, ch, 1, "b"))
	ch.Receive(unseg(t, ch, 2, "c"))

	expectSingleS(t, lower, frame.SuperRR, 3)
	if lower.timers[TimerAck] {
		t.Error("Expected ack timer stopped after RR")
	}
	expectDelivered(t, lower, "a", "b", "c")
}

func TestReceive_AckTimerAndPiggyback(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)

	ch.Receive(unseg(t, ch, 0, "a"))
	lower.fire(ch, TimerAck)
	expectSingleS(t, lower, frame.SuperRR, 1)

	ch.Receive(unseg(t, ch, 1, "b"))
	ch.Send([]byte("reply"))
	sent := lower.take()
	if len(sent) != 1 || sent[0].Type != frame.TypeI || sent[0].ReqSeq != 2 {
		t.Fatalf("Expected I-frame carrying ReqSeq 2, got %v", sent)
	}
	if lower.timers[TimerAck] {
		t.Error("Expected piggybacked ack to stop the ack timer")
	}
}

func TestReceive_SelectiveRejectRecovery(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)

	ch.Receive(unseg(t, ch, 0, "0"))
	ch.Receive(unseg(t, ch, 2, "2"))
	expectSingleS(t, lower, frame.SuperSREJ, 1)
	if ch.RxState() != RxSrejSent {
		t.Fatalf("Expected SrejSent, got %s", ch.RxState())
	}

	ch.Receive(unseg(t, ch, 3, "3"))
	if n := len(lower.take()); n != 0 {
		t.Errorf("Expected held frame to be silent, got %d frames", n)
	}
	expectDelivered(t, lower, "0")

	ch.Receive(unseg(t, ch, 1, "1"))
	expectDelivered(t, lower, "0", "1", "2", "3")
	expectSingleS(t, lower, frame.SuperRR, 4)
	if ch.RxState() != RxRecv || ch.ExpectedTxSeq() != 4 {
		t.Errorf("Expected Recv at 4, got %s at %d", ch.RxState(), ch.ExpectedTxSeq())
	}
}

func TestReceive_SecondGapFallsBackToReject(t *testing.T) {
	ch, lower, _ := newTestChannel(t, func(c *Config) { c.RxWindow = 8 })

	ch.Receive(unseg(t, ch, 0, "0"))
	ch.Receive(unseg(t, ch, 2, "2"))
	expectSingleS(t, lower, frame.SuperSREJ, 1)

	ch.Receive(unseg(t, ch, 4, "4"))
	expectSingleS(t, lower, frame.SuperREJ, 1)
	if ch.RxState() != RxRecv || ch.ExpectedTxSeq() != 1 {
		t.Fatalf("Expected Recv expecting 1, got %s expecting %d", ch.RxState(), ch.ExpectedTxSeq())
	}

	ch.Receive(unseg(t, ch, 3, "3"))
	if n := len(lower.take()); n != 0 {
		t.Errorf("Expected a single REJ per gap, got %d more frames", n)
	}

	for i, s := range []string{"1", "2", "3", "4"} {
		ch.Receive(unseg(t, ch, uint16(i+1), s))
	}
	expectDelivered(t, lower, "0", "1", "2", "3", "4")
}

func TestReceive_RejectWithoutSelective(t *testing.T) {
	ch, lower, _ := newTestChannel(t, func(c *Config) { c.SelectiveReject = false })

	ch.Receive(unseg(t, ch, 1, "1"))
	expectSingleS(t, lower, frame.SuperREJ, 0)
	ch.Receive(unseg(t, ch, 2, "2"))
	if n := len(lower.take()); n != 0 {
		t.Errorf("Expected no second REJ, got %d frames", n)
	}

	ch.Receive(unseg(t, ch, 0, "0"))
	ch.Receive(unseg(t, ch, 1, "1"))
	expectDelivered(t, lower, "0", "1")
	if ch.Stats().RejectsSent != 1 {
		t.Errorf("Expected 1 REJ counted, got %d", ch.Stats().RejectsSent)
	}
}

func TestReceive_DuplicateNotDeliveredTwice(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	ch.Receive(unseg(t, ch, 0, "a"))
	ch.Receive(unseg(t, ch, 0, "a"))
	ch.Receive(unseg(t, ch, 1, "b"))
	expectDelivered(t, lower, "a", "b")
}

func TestReceive_OversizeSegmentKeepsReassembly(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	sdu := payload(100, 7)

	ch.Receive(peerI(t, ch, 0, 0, frame.SARStart, 100, sdu[:46]))
	ch.Receive(peerI(t, ch, 1, 0, frame.SARContinue, 0, payload(60, 0)))
	expectSingleS(t, lower, frame.SuperREJ, 1)
	if ch.sar.buffered() != 46 {
		t.Fatalf("Expected reassembly untouched at 46 bytes, got %d", ch.sar.buffered())
	}

	ch.Receive(peerI(t, ch, 1, 0, frame.SARContinue, 0, sdu[46:94]))
	ch.Receive(peerI(t, ch, 2, 0, frame.SAREnd, 0, sdu[94:]))
	if len(lower.delivered) != 1 || !bytes.Equal(lower.delivered[0], sdu) {
		t.Fatalf("Expected the original SDU, got %d deliveries", len(lower.delivered))
	}
	if lower.failed != nil {
		t.Errorf("Unexpected failure %v", lower.failed)
	}
}

func TestReceive_ReassemblyErrorsFail(t *testing.T) {
	tests := []struct {
		name string
		sar  frame.SAR
		len  uint16
		want error
	}{
		{"SDU above MTU", frame.SARStart, 300, ErrSDUTooLarge},
		{"Continue without start", frame.SARContinue, 0, ErrSARSequence},
		{"End without start", frame.SAREnd, 0, ErrSARSequence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, lower, _ := newTestChannel(t, nil)
			ch.Receive(peerI(t, ch, 0, 0, tt.sar, tt.len, payload(10, 0)))
			if !errors.Is(lower.failed, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, lower.failed)
			}
		})
	}
}

func TestReceive_LocalBusyClearSymmetry(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	lower.busy = true

	ch.Receive(unseg(t, ch, 0, "a"))
	expectSingleS(t, lower, frame.SuperRNR, 1)
	if !ch.LocalBusy() || ch.ExpectedTxSeq() != 1 {
		t.Fatalf("Expected local busy at 1, got %v at %d", ch.LocalBusy(), ch.ExpectedTxSeq())
	}

	ch.Receive(unseg(t, ch, 1, "b"))
	expectSingleS(t, lower, frame.SuperRNR, 1)
	if ch.ExpectedTxSeq() != 1 {
		t.Fatalf("Frames received while busy must not be consumed, expected 1 got %d", ch.ExpectedTxSeq())
	}

	lower.busy = false
	ch.SetLocalBusy(false)
	expectDelivered(t, lower, "a")
	expectSingleS(t, lower, frame.SuperRR, 1)

	ch.Receive(unseg(t, ch, 1, "b"))
	expectDelivered(t, lower, "a", "b")
	if ch.ExpectedTxSeq() != 2 {
		t.Errorf("Expected 2, got %d", ch.ExpectedTxSeq())
	}
}

func TestReceive_StillBusyKeepsSDU(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	lower.busy = true
	ch.Receive(unseg(t, ch, 0, "a"))
	lower.take()

	ch.SetLocalBusy(false)
	if !ch.LocalBusy() {
		t.Fatal("Expected busy to stay asserted while the application refuses the SDU")
	}
	if n := len(lower.take()); n != 0 {
		t.Errorf("Expected no RR while still busy, got %d frames", n)
	}

	lower.busy = false
	ch.SetLocalBusy(false)
	expectDelivered(t, lower, "a")
}

func TestReceive_PollWhileBusy(t *testing.T) {
	ch, lower, _ := newTestChannel(t, nil)
	ch.SetLocalBusy(true)
	expectSingleS(t, lower, frame.SuperRNR, 0)

	ch.Receive(peerS(t, ch, frame.SuperRR, 0, true, false))
	p := expectSingleS(t, lower, frame.SuperRNR, 0)
	if !p.Final {
		t.Error("Expected RNR with F=1")
	}
}

func TestStreaming_NoAckAndGapDropsPartial(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = signal.ModeStreaming
	lower := newFakeLower(cfg.Format)
	ch, err := New(cfg, lower, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch.Send(payload(150, 0))
	if n := len(lower.take()); n != 4 {
		t.Fatalf("Expected 4 streamed frames, got %d", n)
	}
	if ch.Unacked() != 0 || lower.timers[TimerRetrans] {
		t.Error("Streaming mode must not retain frames or arm timers")
	}

	ch.Receive(peerI(t, ch, 0, 0, frame.SARStart, 100, payload(46, 0)))
	ch.Receive(peerI(t, ch, 1, 0, frame.SARContinue, 0, payload(48, 0)))
	ch.Receive(peerI(t, ch, 3, 0, frame.SAREnd, 0, payload(6, 0)))
	ch.Receive(unseg(t, ch, 4, "whole"))

	expectDelivered(t, lower, "whole")
	if n := len(lower.take()); n != 0 {
		t.Errorf("Streaming receiver must not acknowledge, sent %d frames", n)
	}
}
