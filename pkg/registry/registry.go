// Package registry stores channel identities in an arena addressed by
// stable handles.
//
// A handle carries a generation so a stale handle never resolves to a
// channel that later reused the slot. Local CIDs are allocated per link
// and stay reserved until the slot is released.
package registry

import (
	"errors"
	"fmt"
)

// LinkID identifies one lower-layer link
type LinkID uint16

// Kind is the channel kind
type Kind int

const (
	KindSignaling Kind = iota
	KindDynamic
	KindFixed
)

// String returns string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindSignaling:
		return "Signaling"
	case KindDynamic:
		return "Dynamic"
	case KindFixed:
		return "Fixed"
	default:
		return "Unknown"
	}
}

// Dynamic CID range
const (
	FirstDynamicCID uint16 = 0x0040
	LastDynamicCID  uint16 = 0xFFFF
)

// Errors
var (
	ErrNoFreeCID   = errors.New("no free channel identifier")
	ErrCIDInUse    = errors.New("channel identifier in use")
	ErrStaleHandle = errors.New("stale channel handle")
	ErrRemoteInUse = errors.New("remote channel identifier in use")
)

// Handle addresses a registry slot. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether the handle was issued by a registry
func (h Handle) Valid() bool {
	return h.gen != 0
}

// String returns string representation of the handle
func (h Handle) String() string {
	return fmt.Sprintf("#%d.%d", h.index, h.gen)
}

// identity is the addressing part of a channel
type identity struct {
	Link      LinkID
	LocalCID  uint16
	RemoteCID uint16
	Kind      Kind
}

type cidKey struct {
	link LinkID
	cid  uint16
}

type slot[T any] struct {
	gen   uint32
	used  bool
	id    identity
	ident uint8 // outstanding signaling identifier, 0 when none
	value T
}

// Registry maps channel identities to values of type T
type Registry[T any] struct {
	slots    []slot[T]
	free     []uint32
	byLocal  map[cidKey]uint32
	byRemote map[cidKey]uint32
	nextCID  map[LinkID]uint16
	first    uint16
	last     uint16
	count    int
}

// New creates a registry allocating dynamic CIDs from the full range
func New[T any]() *Registry[T] {
	return NewWithRange[T](FirstDynamicCID, LastDynamicCID)
}

// NewWithRange creates a registry allocating dynamic CIDs from [first, last]
func NewWithRange[T any](first, last uint16) *Registry[T] {
	return &Registry[T]{
		byLocal:  make(map[cidKey]uint32),
		byRemote: make(map[cidKey]uint32),
		nextCID:  make(map[LinkID]uint16),
		first:    first,
		last:     last,
	}
}

func (r *Registry[T]) newSlot() uint32 {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	r.slots = append(r.slots, slot[T]{})
	return uint32(len(r.slots) - 1)
}

func (r *Registry[T]) insert(id identity, value T) Handle {
	idx := r.newSlot()
	s := &r.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.id = id
	s.ident = 0
	s.value = value
	r.byLocal[cidKey{id.Link, id.LocalCID}] = idx
	r.count++
	return Handle{index: idx, gen: s.gen}
}

// Allocate reserves the next free dynamic CID on link, searching from the
// last allocation so recently released CIDs are not reused immediately.
func (r *Registry[T]) Allocate(link LinkID, value T) (Handle, uint16, error) {
	span := int(r.last) - int(r.first) + 1
	cid, ok := r.nextCID[link]
	if !ok || cid < r.first || cid > r.last {
		cid = r.first
	}
	for i := 0; i < span; i++ {
		if _, used := r.byLocal[cidKey{link, cid}]; !used {
			h := r.insert(identity{Link: link, LocalCID: cid, Kind: KindDynamic}, value)
			if cid == r.last {
				r.nextCID[link] = r.first
			} else {
				r.nextCID[link] = cid + 1
			}
			return h, cid, nil
		}
		if cid == r.last {
			cid = r.first
		} else {
			cid++
		}
	}
	return Handle{}, 0, fmt.Errorf("%w on link %d", ErrNoFreeCID, link)
}

// AddFixed registers a channel on a fixed CID. The remote CID equals the local one.
func (r *Registry[T]) AddFixed(link LinkID, cid uint16, kind Kind, value T) (Handle, error) {
	if _, used := r.byLocal[cidKey{link, cid}]; used {
		return Handle{}, fmt.Errorf("%w: 0x%04X on link %d", ErrCIDInUse, cid, link)
	}
	h := r.insert(identity{Link: link, LocalCID: cid, RemoteCID: cid, Kind: kind}, value)
	r.byRemote[cidKey{link, cid}] = h.index
	return h, nil
}

func (r *Registry[T]) lookup(h Handle) (*slot[T], bool) {
	if int(h.index) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[h.index]
	if !s.used || s.gen != h.gen {
		return nil, false
	}
	return s, true
}

// Get returns the value stored under h
func (r *Registry[T]) Get(h Handle) (T, bool) {
	s, ok := r.lookup(h)
	if !ok {
		var zero T
		return zero, false
	}
	return s.value, true
}

// SetRemote records the peer's CID for h
func (r *Registry[T]) SetRemote(h Handle, cid uint16) error {
	s, ok := r.lookup(h)
	if !ok {
		return ErrStaleHandle
	}
	key := cidKey{s.id.Link, cid}
	if idx, used := r.byRemote[key]; used && idx != h.index {
		return fmt.Errorf("%w: 0x%04X", ErrRemoteInUse, cid)
	}
	if s.id.RemoteCID != 0 {
		delete(r.byRemote, cidKey{s.id.Link, s.id.RemoteCID})
	}
	s.id.RemoteCID = cid
	if cid != 0 {
		r.byRemote[key] = h.index
	}
	return nil
}

// SetIdent records the outstanding signaling identifier of h (0 clears it)
func (r *Registry[T]) SetIdent(h Handle, ident uint8) {
	if s, ok := r.lookup(h); ok {
		s.ident = ident
	}
}

func (r *Registry[T]) handleAt(idx uint32) Handle {
	return Handle{index: idx, gen: r.slots[idx].gen}
}

// ByLocal finds a channel by its local CID
func (r *Registry[T]) ByLocal(link LinkID, cid uint16) (Handle, bool) {
	idx, ok := r.byLocal[cidKey{link, cid}]
	if !ok {
		return Handle{}, false
	}
	return r.handleAt(idx), true
}

// ByRemote finds a channel by the peer's CID
func (r *Registry[T]) ByRemote(link LinkID, cid uint16) (Handle, bool) {
	idx, ok := r.byRemote[cidKey{link, cid}]
	if !ok {
		return Handle{}, false
	}
	return r.handleAt(idx), true
}

// ByIdent finds the channel waiting for a response with identifier ident
func (r *Registry[T]) ByIdent(link LinkID, ident uint8) (Handle, bool) {
	if ident == 0 {
		return Handle{}, false
	}
	for i := range r.slots {
		s := &r.slots[i]
		if s.used && s.id.Link == link && s.ident == ident {
			return r.handleAt(uint32(i)), true
		}
	}
	return Handle{}, false
}

// Release frees the slot and its CIDs. Stale handles are ignored.
func (r *Registry[T]) Release(h Handle) bool {
	s, ok := r.lookup(h)
	if !ok {
		return false
	}
	delete(r.byLocal, cidKey{s.id.Link, s.id.LocalCID})
	if s.id.RemoteCID != 0 {
		if idx, ok := r.byRemote[cidKey{s.id.Link, s.id.RemoteCID}]; ok && idx == h.index {
			delete(r.byRemote, cidKey{s.id.Link, s.id.RemoteCID})
		}
	}
	var zero T
	s.used = false
	s.value = zero
	s.ident = 0
	r.free = append(r.free, h.index)
	r.count--
	return true
}

// Each calls fn for every channel on link in slot order until fn returns false
func (r *Registry[T]) Each(link LinkID, fn func(Handle, T) bool) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.used && s.id.Link == link {
			if !fn(r.handleAt(uint32(i)), s.value) {
				return
			}
		}
	}
}

// Handles returns the handles of every channel on link
func (r *Registry[T]) Handles(link LinkID) []Handle {
	var out []Handle
	r.Each(link, func(h Handle, _ T) bool {
		out = append(out, h)
		return true
	})
	return out
}

// Len returns the number of registered channels
func (r *Registry[T]) Len() int {
	return r.count
}

// ForgetLink drops the CID allocation cursor of link
func (r *Registry[T]) ForgetLink(link LinkID) {
	delete(r.nextCID, link)
}
