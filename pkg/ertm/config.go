package ertm

import (
	"fmt"
	"time"

	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/signal"
)

// Config holds the negotiated parameters of one channel
type Config struct {
	Mode   signal.Mode // ModeERTM or ModeStreaming
	Format frame.Format
	CID    uint16 // remote CID placed in outgoing frames

	TxWindow    uint16 // frames the peer accepts in flight
	RxWindow    uint16 // frames we accept in flight
	MaxTransmit uint8  // transmissions per frame and polls per recovery, 0 = unlimited

	RetransTimeout time.Duration
	MonitorTimeout time.Duration
	AckTimeout     time.Duration

	TxMPS uint16
	RxMPS uint16
	TxMTU uint16
	RxMTU uint16

	// SelectiveReject lets the receiver ask for a single missing frame
	SelectiveReject bool

	// MaxQueued bounds the segments waiting for a window slot, 0 = DefaultMaxQueued
	MaxQueued int
}

// DefaultMaxQueued is the pending segment limit used when Config.MaxQueued is 0
const DefaultMaxQueued = 1024

// DefaultConfig returns ERTM parameters used when the peer does not override them
func DefaultConfig() Config {
	return Config{
		Mode:            signal.ModeERTM,
		Format:          frame.Format{FCS: true},
		TxWindow:        frame.StdMaxWindow,
		RxWindow:        frame.StdMaxWindow,
		MaxTransmit:     3,
		RetransTimeout:  2 * time.Second,
		MonitorTimeout:  12 * time.Second,
		AckTimeout:      200 * time.Millisecond,
		TxMPS:           signal.DefaultMTU,
		RxMPS:           signal.DefaultMTU,
		TxMTU:           signal.DefaultMTU,
		RxMTU:           signal.DefaultMTU,
		SelectiveReject: true,
		MaxQueued:       DefaultMaxQueued,
	}
}

// MaxWindow returns the largest window the control field layout allows
func (c Config) MaxWindow() uint16 {
	if c.Format.Extended {
		return frame.ExtMaxWindow
	}
	return frame.StdMaxWindow
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Mode.Reliable() {
		return fmt.Errorf("%w: mode %s", ErrInvalidConfig, c.Mode)
	}
	if c.Mode == signal.ModeERTM {
		if c.TxWindow == 0 || c.TxWindow > c.MaxWindow() {
			return fmt.Errorf("%w: tx window %d", ErrInvalidConfig, c.TxWindow)
		}
		if c.RxWindow == 0 || c.RxWindow > c.MaxWindow() {
			return fmt.Errorf("%w: rx window %d", ErrInvalidConfig, c.RxWindow)
		}
		if c.RetransTimeout <= 0 || c.MonitorTimeout <= 0 {
			return fmt.Errorf("%w: timers %s/%s", ErrInvalidConfig, c.RetransTimeout, c.MonitorTimeout)
		}
	}
	if c.TxMPS <= frame.SDULengthSize || int(c.TxMPS) > c.Format.MaxMPS() || c.RxMPS == 0 {
		return fmt.Errorf("%w: MPS tx=%d rx=%d", ErrInvalidConfig, c.TxMPS, c.RxMPS)
	}
	if c.TxMTU == 0 || c.RxMTU == 0 {
		return fmt.Errorf("%w: MTU tx=%d rx=%d", ErrInvalidConfig, c.TxMTU, c.RxMTU)
	}
	if c.MaxQueued < 0 {
		return fmt.Errorf("%w: max queued %d", ErrInvalidConfig, c.MaxQueued)
	}
	return nil
}

// ackThreshold is the number of unacknowledged received frames that forces an RR
func (c Config) ackThreshold() uint16 {
	n := c.RxWindow * 3 / 4
	if n == 0 {
		n = 1
	}
	return n
}
