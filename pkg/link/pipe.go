package link

import (
	"context"
	"sync"
)

const pipeDepth = 256

// PipeEnd is one side of an in-memory transport
type PipeEnd struct {
	peer  *PipeEnd
	inbox chan []byte
	state *pipeState

	filterMu sync.RWMutex
	filter   func(frame []byte) bool

	counters
	notifier
}

// pipeState is shared by both ends
type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// NewPipe returns two connected in-memory transports
func NewPipe() (*PipeEnd, *PipeEnd) {
	state := &pipeState{closed: make(chan struct{})}
	a := &PipeEnd{inbox: make(chan []byte, pipeDepth), state: state}
	b := &PipeEnd{inbox: make(chan []byte, pipeDepth), state: state}
	a.peer, b.peer = b, a
	a.connects.Add(1)
	b.connects.Add(1)
	return a, b
}

// SetFilter installs a function that discards outgoing frames it returns
// true for. Used to emulate a lossy link.
func (p *PipeEnd) SetFilter(drop func(frame []byte) bool) {
	p.filterMu.Lock()
	defer p.filterMu.Unlock()
	p.filter = drop
}

// Read implements Transport.Read
func (p *PipeEnd) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.inbox:
		p.received(len(data))
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.state.closed:
		return nil, ErrClosed
	}
}

// Write implements Transport.Write
func (p *PipeEnd) Write(ctx context.Context, data []byte) error {
	if err := checkFrame(data, DefaultMaxPayload); err != nil {
		p.writeErrors.Add(1)
		return err
	}

	p.filterMu.RLock()
	drop := p.filter
	p.filterMu.RUnlock()
	if drop != nil && drop(data) {
		p.sent(len(data))
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-p.state.closed:
		p.writeErrors.Add(1)
		return ErrClosed
	default:
	}

	select {
	case p.peer.inbox <- buf:
		p.sent(len(data))
		return nil
	case <-ctx.Done():
		p.writeErrors.Add(1)
		return ctx.Err()
	case <-p.state.closed:
		p.writeErrors.Add(1)
		return ErrClosed
	}
}

// Close closes both ends
func (p *PipeEnd) Close() error {
	p.state.once.Do(func() {
		close(p.state.closed)
		for _, end := range []*PipeEnd{p, p.peer} {
			end.disconnects.Add(1)
			end.lost()
		}
	})
	return nil
}

// IsConnected implements Transport.IsConnected
func (p *PipeEnd) IsConnected() bool {
	select {
	case <-p.state.closed:
		return false
	default:
		return true
	}
}

// Statistics implements Transport.Statistics
func (p *PipeEnd) Statistics() Stats {
	return p.snapshot()
}
