package engine

import (
	"errors"
	"fmt"

	"avaneesh/l2cap-go/pkg/ertm"
	"avaneesh/l2cap-go/pkg/frame"
	"avaneesh/l2cap-go/pkg/registry"
	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/signal"
)

// LinkID identifies one lower-layer link
type LinkID = registry.LinkID

// Handle addresses a channel. Handles of closed channels never resolve again.
type Handle = registry.Handle

// Errors
var (
	ErrUnknownLink      = errors.New("unknown link")
	ErrLinkExists       = errors.New("link already connected")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrNotOpen          = errors.New("channel not open")
	ErrInvalidState     = errors.New("operation not valid in channel state")
	ErrServiceExists    = errors.New("service already registered")
	ErrUnknownService   = errors.New("service not registered")
	ErrModeNotSupported = errors.New("channel mode not supported")
	ErrSDUTooLarge      = errors.New("SDU exceeds peer MTU")
	ErrSecurityBlock    = errors.New("access denied")
	ErrNoResources      = errors.New("no resources for channel")
	ErrInvalidOptions   = errors.New("invalid channel options")
	ErrFixedChannel     = errors.New("fixed channel not registered")
	ErrUnknownToken     = errors.New("unknown security token")
	ErrTimeout          = errors.New("request timed out")
	ErrRejected         = errors.New("request rejected by peer")

	// ErrBusy may be returned by Handler.Receive to refuse an SDU on an
	// ERTM channel. The SDU is kept and redelivered when SetLocalBusy(false)
	// is called. Send returns it while the channel's transmit queue is full;
	// retry after EventSent.
	ErrBusy = ertm.ErrBusy
)

// State is the channel state
type State int

const (
	StateClosed State = iota
	StateWaitLinkReady
	StateWaitConnectConfirm
	StateWaitConnectResponse
	StateConfiguring
	StateOpen
	StateWaitDisconnectConfirm
	StateWaitDisconnectResponse
)

// String returns string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateWaitLinkReady:
		return "WaitLinkReady"
	case StateWaitConnectConfirm:
		return "WaitConnectConfirm"
	case StateWaitConnectResponse:
		return "WaitConnectResponse"
	case StateConfiguring:
		return "Configuring"
	case StateOpen:
		return "Open"
	case StateWaitDisconnectConfirm:
		return "WaitDisconnectConfirm"
	case StateWaitDisconnectResponse:
		return "WaitDisconnectResponse"
	default:
		return "Unknown"
	}
}

// Reason explains why a channel closed
type Reason int

const (
	ReasonLocalRequest Reason = iota
	ReasonRemoteRequest
	ReasonLinkDisconnected
	ReasonTimeout
	ReasonLinkTimeout
	ReasonConfigFailed
	ReasonRefused
	ReasonSecurityBlock
	ReasonNoResources
	ReasonProtocolError
	ReasonMTUExceeded
)

// String returns string representation of Reason
func (r Reason) String() string {
	switch r {
	case ReasonLocalRequest:
		return "LocalRequest"
	case ReasonRemoteRequest:
		return "RemoteRequest"
	case ReasonLinkDisconnected:
		return "LinkDisconnected"
	case ReasonTimeout:
		return "Timeout"
	case ReasonLinkTimeout:
		return "LinkTimeout"
	case ReasonConfigFailed:
		return "ConfigFailed"
	case ReasonRefused:
		return "Refused"
	case ReasonSecurityBlock:
		return "SecurityBlock"
	case ReasonNoResources:
		return "NoResources"
	case ReasonProtocolError:
		return "ProtocolError"
	case ReasonMTUExceeded:
		return "MTUExceeded"
	default:
		return "Unknown"
	}
}

// reasonFor maps an ERTM failure to a close reason
func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, ertm.ErrLinkTimeout):
		return ReasonLinkTimeout
	case errors.Is(err, ertm.ErrSDUTooLarge):
		return ReasonMTUExceeded
	default:
		return ReasonProtocolError
	}
}

// connectResultFor maps a refusal reason to the connect response result
func connectResultFor(r Reason) signal.ConnectResult {
	switch r {
	case ReasonNoResources:
		return signal.ConnectNoResources
	case ReasonRefused:
		return signal.ConnectPSMNotSupported
	default:
		return signal.ConnectSecurityBlock
	}
}

// EventType identifies an engine event
type EventType int

const (
	// EventConnectRequest announces an incoming channel that waits for AcceptChannel
	EventConnectRequest EventType = iota
	EventOpened
	EventClosed
	EventConfigChanged
	EventEchoResponse
	EventInfoResponse
	// EventSent reports SDUs the peer acknowledged, or for unreliable
	// channels SDUs handed to the link
	EventSent
)

// String returns string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventConnectRequest:
		return "ConnectRequest"
	case EventOpened:
		return "Opened"
	case EventClosed:
		return "Closed"
	case EventConfigChanged:
		return "ConfigChanged"
	case EventEchoResponse:
		return "EchoResponse"
	case EventInfoResponse:
		return "InfoResponse"
	case EventSent:
		return "Sent"
	default:
		return "Unknown"
	}
}

// Event is delivered to the Handler after the engine finished the work that
// produced it
type Event struct {
	Type    EventType
	Link    LinkID
	Channel Handle
	PSM     uint16
	Reason  Reason // EventClosed
	TxMTU   uint16 // EventOpened, EventConfigChanged
	RxMTU   uint16 // EventOpened, EventConfigChanged
	Mode    signal.Mode
	MPS     uint16               // EventOpened, EventConfigChanged; 0 in Basic mode
	SDUs    int                  // EventSent
	Data    []byte               // EventEchoResponse
	Info    *signal.InfoResponse // EventInfoResponse
	Err     error                // EventEchoResponse, EventInfoResponse
}

// String returns string representation of the event
func (ev Event) String() string {
	switch ev.Type {
	case EventClosed:
		return fmt.Sprintf("%s{link=%d ch=%s reason=%s}", ev.Type, ev.Link, ev.Channel, ev.Reason)
	case EventEchoResponse, EventInfoResponse:
		return fmt.Sprintf("%s{link=%d err=%v}", ev.Type, ev.Link, ev.Err)
	case EventSent:
		return fmt.Sprintf("%s{link=%d ch=%s psm=0x%04X sdus=%d}", ev.Type, ev.Link, ev.Channel, ev.PSM, ev.SDUs)
	default:
		return fmt.Sprintf("%s{link=%d ch=%s psm=0x%04X}", ev.Type, ev.Link, ev.Channel, ev.PSM)
	}
}

// Handler receives application data and events
type Handler interface {
	// Receive takes one SDU from an open channel. It is called while the
	// engine processes a frame; engine calls made from it are deferred
	// until that processing completes.
	Receive(ch Handle, sdu []byte) error
	// HandleEvent reports channel and link events
	HandleEvent(ev Event)
}

// FixedHandler receives frames on a fixed channel
type FixedHandler func(link LinkID, payload []byte)

// ConnectionlessHandler receives connectionless data addressed to psm
type ConnectionlessHandler func(link LinkID, psm uint16, data []byte)

// ChannelOptions are the parameters a channel asks for
type ChannelOptions struct {
	MTU      uint16 // largest SDU we receive
	MTULimit uint16 // largest MTU we adopt when the peer suggests a larger one

	// FlushTimeout in milliseconds, FlushInfinite leaves the option out
	FlushTimeout uint32

	Mode signal.Mode
	// ModeOptional allows falling back to Basic mode when the peer or the
	// buffer pool cannot support Mode
	ModeOptional bool

	Window          uint16 // frames we accept in flight
	ExtendedWindow  bool
	MaxTransmit     uint8
	MPS             uint16
	NoFCS           bool
	SelectiveReject bool

	Priority sched.Priority
}

// DefaultChannelOptions returns options for a Basic mode channel
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		MTU:             signal.DefaultMTU,
		FlushTimeout:    signal.FlushInfinite,
		Mode:            signal.ModeBasic,
		Window:          63,
		MaxTransmit:     3,
		MPS:             signal.DefaultMTU,
		SelectiveReject: true,
		Priority:        sched.Normal,
	}
}

// normalize fills zero fields with defaults and checks the rest
func (o ChannelOptions) normalize() (ChannelOptions, error) {
	d := DefaultChannelOptions()
	if o.MTU == 0 {
		o.MTU = d.MTU
	}
	if o.FlushTimeout == 0 {
		o.FlushTimeout = d.FlushTimeout
	}
	if o.Window == 0 {
		o.Window = d.Window
	}
	if o.MaxTransmit == 0 {
		o.MaxTransmit = d.MaxTransmit
	}
	if o.MPS == 0 {
		o.MPS = d.MPS
	}
	if !o.Priority.Valid() {
		o.Priority = d.Priority
	}

	switch o.Mode {
	case signal.ModeBasic, signal.ModeERTM, signal.ModeStreaming:
	default:
		return o, fmt.Errorf("%w: %s", ErrModeNotSupported, o.Mode)
	}
	if o.MPS <= 8 || o.MPS > frame.MaxMPS {
		return o, fmt.Errorf("%w: MPS %d", ErrInvalidOptions, o.MPS)
	}
	return o, nil
}

// Service describes a PSM accepting incoming channels
type Service struct {
	PSM     uint16
	Options ChannelOptions
	// AutoAccept opens incoming channels without waiting for AcceptChannel
	AutoAccept bool
}

// ChannelInfo is a read-only view of a channel
type ChannelInfo struct {
	Link      LinkID
	LocalCID  uint16
	RemoteCID uint16
	PSM       uint16
	State     State
	Outgoing  bool
	Mode      signal.Mode
	TxMTU     uint16
	RxMTU     uint16
	FCS       bool
	Extended  bool
	TxWindow  uint16
	RxWindow  uint16
	TxMPS     uint16
	RxMPS     uint16
	ERTM      *ertm.StatsSnapshot
}
