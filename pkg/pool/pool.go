// Package pool accounts for transmit buffer slots shared by ERTM channels.
//
// Every channel reserves a guaranteed block when it opens. Frames beyond the
// block are borrowed from an auxiliary pool shared by all channels, up to a
// per-channel borrow limit. Borrowed slots are returned before reserved ones
// so the auxiliary pool refills first.
package pool

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrExhausted     = errors.New("frame pool exhausted")
	ErrInvalidConfig = errors.New("invalid frame pool configuration")
)

// Config holds pool sizing
type Config struct {
	Capacity           int // total slots
	ReservedPerChannel int // slots guaranteed to each open channel
	MaxBorrow          int // auxiliary slots one channel may hold at once
}

// DefaultConfig returns default pool sizing
func DefaultConfig() Config {
	return Config{
		Capacity:           256,
		ReservedPerChannel: 8,
		MaxBorrow:          32,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Capacity <= 0 || c.ReservedPerChannel < 0 || c.MaxBorrow < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidConfig, c)
	}
	if c.ReservedPerChannel == 0 && c.MaxBorrow == 0 {
		return fmt.Errorf("%w: no slot a channel could ever acquire", ErrInvalidConfig)
	}
	if c.ReservedPerChannel > c.Capacity {
		return fmt.Errorf("%w: reserved block %d above capacity %d", ErrInvalidConfig, c.ReservedPerChannel, c.Capacity)
	}
	return nil
}

// Pool is the slot accountant. It is not safe for concurrent use; the
// engine owning it serializes access.
type Pool struct {
	cfg      Config
	reserved int // slots committed to reservation blocks
	borrowed int // auxiliary slots currently lent out
	waiters  []*Reservation
}

// New creates a pool
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{cfg: cfg}, nil
}

// Config returns the pool sizing
func (p *Pool) Config() Config {
	return p.cfg
}

// aux is the number of auxiliary slots not lent out
func (p *Pool) aux() int {
	return p.cfg.Capacity - p.reserved - p.borrowed
}

// CanReserve reports whether a new channel block fits
func (p *Pool) CanReserve() bool {
	return p.aux() >= p.cfg.ReservedPerChannel
}

// Reserve commits a block of ReservedPerChannel slots to a new channel
func (p *Pool) Reserve() (*Reservation, error) {
	if !p.CanReserve() {
		return nil, fmt.Errorf("%w: %d free, %d needed", ErrExhausted, p.aux(), p.cfg.ReservedPerChannel)
	}
	p.reserved += p.cfg.ReservedPerChannel
	return &Reservation{pool: p, block: p.cfg.ReservedPerChannel}, nil
}

// Stats is a snapshot of pool usage
type Stats struct {
	Capacity  int
	Reserved  int
	Borrowed  int
	Available int
	Waiting   int
}

// Stats returns current usage
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:  p.cfg.Capacity,
		Reserved:  p.reserved,
		Borrowed:  p.borrowed,
		Available: p.aux(),
		Waiting:   len(p.waiters),
	}
}

// wake hands freed auxiliary slots to waiters in FIFO order. Waiters at
// their borrow limit keep their place.
func (p *Pool) wake() {
	for i := 0; i < len(p.waiters) && p.aux() > 0; {
		r := p.waiters[i]
		if r.borrowed >= p.cfg.MaxBorrow {
			i++
			continue
		}
		p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
		r.notify()
	}
}

func (p *Pool) dropWaiter(r *Reservation) {
	for i, w := range p.waiters {
		if w == r {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Reservation is one channel's share of the pool
type Reservation struct {
	pool     *Pool
	block    int
	inUse    int // reserved slots in use
	borrowed int
	waiting  bool
	freed    bool

	// OnAvailable runs when a slot may be acquired after Wait
	OnAvailable func()
}

// Acquire takes one slot: reserved first, then borrowed
func (r *Reservation) Acquire() bool {
	if r.freed {
		return false
	}
	if r.inUse < r.block {
		r.inUse++
		return true
	}
	if r.borrowed < r.pool.cfg.MaxBorrow && r.pool.aux() > 0 {
		r.borrowed++
		r.pool.borrowed++
		return true
	}
	return false
}

// Release returns one slot, borrowed slots first
func (r *Reservation) Release() {
	if r.freed {
		return
	}
	switch {
	case r.borrowed > 0:
		r.borrowed--
		r.pool.borrowed--
		r.pool.wake()
	case r.inUse > 0:
		r.inUse--
		if r.waiting {
			r.pool.dropWaiter(r)
			r.notify()
		}
	}
}

func (r *Reservation) notify() {
	r.waiting = false
	if r.OnAvailable != nil {
		r.OnAvailable()
	}
}

// InUse returns the number of slots held
func (r *Reservation) InUse() int {
	return r.inUse + r.borrowed
}

// Borrowed returns the number of auxiliary slots held
func (r *Reservation) Borrowed() int {
	return r.borrowed
}

// Wait queues the reservation for a wakeup when an auxiliary slot frees up.
// A reservation waits at most once at a time.
func (r *Reservation) Wait() {
	if r.freed || r.waiting {
		return
	}
	r.waiting = true
	r.pool.waiters = append(r.pool.waiters, r)
}

// Free returns every slot and the reserved block. Calling it again is a no-op.
func (r *Reservation) Free() {
	if r.freed {
		return
	}
	r.freed = true
	if r.waiting {
		r.pool.dropWaiter(r)
		r.waiting = false
	}
	r.pool.borrowed -= r.borrowed
	r.pool.reserved -= r.block
	r.borrowed, r.inUse = 0, 0
	r.pool.wake()
}
