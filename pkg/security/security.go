// Package security decides whether a channel may be opened.
package security

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ChannelType is the kind of channel being checked
type ChannelType int

const (
	Dynamic ChannelType = iota
	Fixed
	Connectionless
)

// String returns string representation of ChannelType
func (t ChannelType) String() string {
	switch t {
	case Dynamic:
		return "Dynamic"
	case Fixed:
		return "Fixed"
	case Connectionless:
		return "Connectionless"
	default:
		return "Unknown"
	}
}

// Direction tells who initiated the channel
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// String returns string representation of Direction
func (d Direction) String() string {
	if d == Outgoing {
		return "Outgoing"
	}
	return "Incoming"
}

// Decision is the outcome of an access check
type Decision int

const (
	Approved Decision = iota
	Denied
	Pending
)

// String returns string representation of Decision
func (d Decision) String() string {
	switch d {
	case Approved:
		return "Approved"
	case Denied:
		return "Denied"
	case Pending:
		return "Pending"
	default:
		return "Unknown"
	}
}

// PeerID identifies the remote device of a link
type PeerID string

// Request describes one access check
type Request struct {
	Service   uint16 // PSM, or the CID of a fixed channel
	Type      ChannelType
	Direction Direction
	Peer      PeerID
}

// String returns string representation of the request
func (r Request) String() string {
	return fmt.Sprintf("service=0x%04X dir=%s peer=%s", r.Service, r.Direction, r.Peer)
}

// Result is the answer to a Request. Token is set for Pending results and
// is echoed back when the decision is delivered later.
type Result struct {
	Decision Decision
	Reason   string
	Token    uuid.UUID
}

// Approve returns an approved result
func Approve() Result {
	return Result{Decision: Approved}
}

// Deny returns a denied result
func Deny(reason string) Result {
	return Result{Decision: Denied, Reason: reason}
}

// Defer returns a pending result with a fresh token
func Defer() Result {
	return Result{Decision: Pending, Token: uuid.New()}
}

// Gate checks channel access
type Gate interface {
	CheckAccess(req Request) Result
}

// AllowAll approves every request
type AllowAll struct{}

// CheckAccess implements Gate
func (AllowAll) CheckAccess(Request) Result {
	return Approve()
}

// Rule matches requests by service and direction. Zero fields match anything.
type Rule struct {
	Service   uint16
	Direction *Direction
	Peer      PeerID
	Allow     bool
}

func (r Rule) matches(req Request) bool {
	if r.Service != 0 && r.Service != req.Service {
		return false
	}
	if r.Direction != nil && *r.Direction != req.Direction {
		return false
	}
	if r.Peer != "" && r.Peer != req.Peer {
		return false
	}
	return true
}

// Policy applies the first matching rule, falling back to Default
type Policy struct {
	Rules   []Rule
	Default bool
}

// CheckAccess implements Gate
func (p *Policy) CheckAccess(req Request) Result {
	for _, r := range p.Rules {
		if r.matches(req) {
			if r.Allow {
				return Approve()
			}
			return Deny(fmt.Sprintf("policy denies %s", req))
		}
	}
	if p.Default {
		return Approve()
	}
	return Deny(fmt.Sprintf("no rule allows %s", req))
}

// Deferred answers dynamic channel requests with Pending and remembers them
// until the decision is supplied through Resolve. Safe for concurrent use.
type Deferred struct {
	mu      sync.Mutex
	pending map[uuid.UUID]Request

	// Fallback answers fixed and connectionless requests, whose frames
	// cannot wait. Nil approves them.
	Fallback Gate

	// OnPending is called with each new token, outside the lock
	OnPending func(token uuid.UUID, req Request)
}

// NewDeferred creates a deferred gate
func NewDeferred() *Deferred {
	return &Deferred{pending: make(map[uuid.UUID]Request)}
}

// CheckAccess implements Gate
func (d *Deferred) CheckAccess(req Request) Result {
	if req.Type != Dynamic {
		if d.Fallback == nil {
			return Approve()
		}
		return d.Fallback.CheckAccess(req)
	}
	res := Defer()
	d.mu.Lock()
	d.pending[res.Token] = req
	d.mu.Unlock()
	if d.OnPending != nil {
		d.OnPending(res.Token, req)
	}
	return res
}

// Resolve removes token from the pending set and returns its request
func (d *Deferred) Resolve(token uuid.UUID) (Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.pending[token]
	delete(d.pending, token)
	return req, ok
}

// Pending returns the outstanding tokens
func (d *Deferred) Pending() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uuid.UUID, 0, len(d.pending))
	for t := range d.pending {
		out = append(out, t)
	}
	return out
}
