package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"avaneesh/l2cap-go/pkg/frame"
)

// UDPConfig configures a UDP transport
type UDPConfig struct {
	Address      string        // "host:port" format
	IsServer     bool          // true = bind and answer the last peer, false = send to Address
	ReadTimeout  time.Duration // Poll interval for cancellation checks
	WriteTimeout time.Duration // Write timeout (0 = no timeout)
	MaxPayload   int           // Largest accepted frame payload (0 = DefaultMaxPayload)
}

// UDP carries one frame per datagram. Losses are left to ERTM.
type UDP struct {
	conn     *net.UDPConn
	connLock sync.RWMutex

	address      string
	isServer     bool
	remoteAddr   *net.UDPAddr // client: where to send
	lastPeerAddr *net.UDPAddr // server: last peer heard from
	peerLock     sync.RWMutex
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxPayload   int

	counters
	notifier

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewUDP creates a UDP transport
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	// Set defaults
	if config.ReadTimeout == 0 {
		config.ReadTimeout = time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxPayload == 0 {
		config.MaxPayload = DefaultMaxPayload
	}

	ctx, cancel := context.WithCancel(context.Background())

	uc := &UDP{
		address:      config.Address,
		isServer:     config.IsServer,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		maxPayload:   config.MaxPayload,
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := uc.initialize(); err != nil {
		cancel()
		return nil, err
	}
	return uc, nil
}

// initialize sets up the UDP socket
func (uc *UDP) initialize() error {
	addr, err := net.ResolveUDPAddr("udp", uc.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", uc.address, err)
	}

	local := addr
	if !uc.isServer {
		uc.remoteAddr = addr
		local = &net.UDPAddr{}
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	uc.conn = conn
	uc.connects.Add(1)
	return nil
}

// Read implements Transport.Read
func (uc *UDP) Read(ctx context.Context) ([]byte, error) {
	buffer := make([]byte, frame.BasicHeaderSize+uc.maxPayload+1)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-uc.ctx.Done():
			return nil, ErrClosed
		default:
		}

		uc.connLock.RLock()
		conn := uc.conn
		uc.connLock.RUnlock()

		if conn == nil {
			return nil, ErrClosed
		}

		if uc.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(uc.readTimeout))
		}

		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if uc.closed.Load() {
				return nil, ErrClosed
			}
			uc.readErrors.Add(1)
			return nil, err
		}

		data := buffer[:n]
		if err := checkFrame(data, uc.maxPayload); err != nil {
			uc.readErrors.Add(1)
			continue
		}

		if uc.isServer && remoteAddr != nil {
			uc.peerLock.Lock()
			first := uc.lastPeerAddr == nil
			uc.lastPeerAddr = remoteAddr
			uc.peerLock.Unlock()
			if first {
				uc.established()
			}
		}

		out := make([]byte, n)
		copy(out, data)
		uc.received(n)
		return out, nil
	}
}

// Write implements Transport.Write
func (uc *UDP) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-uc.ctx.Done():
		return ErrClosed
	default:
	}

	if err := checkFrame(data, uc.maxPayload); err != nil {
		uc.writeErrors.Add(1)
		return err
	}

	uc.connLock.RLock()
	conn := uc.conn
	uc.connLock.RUnlock()

	if conn == nil {
		uc.writeErrors.Add(1)
		return ErrClosed
	}

	dest := uc.remoteAddr
	if uc.isServer {
		uc.peerLock.RLock()
		dest = uc.lastPeerAddr
		uc.peerLock.RUnlock()

		if dest == nil {
			uc.writeErrors.Add(1)
			return fmt.Errorf("%w: no datagram received yet", ErrNotConnected)
		}
	}

	if uc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(uc.writeTimeout))
	}

	if _, err := conn.WriteToUDP(data, dest); err != nil {
		uc.writeErrors.Add(1)
		return err
	}

	uc.sent(len(data))
	return nil
}

// Close implements Transport.Close
func (uc *UDP) Close() error {
	if !uc.closed.CompareAndSwap(false, true) {
		return nil
	}

	uc.cancel()

	uc.connLock.Lock()
	if uc.conn != nil {
		uc.conn.Close()
		uc.disconnects.Add(1)
		uc.conn = nil
	}
	uc.connLock.Unlock()

	uc.lost()
	return nil
}

// Statistics implements Transport.Statistics
func (uc *UDP) Statistics() Stats {
	return uc.snapshot()
}

// IsConnected reports whether a peer address is known. A client always
// knows its peer; a server learns it from the first datagram.
func (uc *UDP) IsConnected() bool {
	if uc.closed.Load() {
		return false
	}
	if !uc.isServer {
		return true
	}
	uc.peerLock.RLock()
	defer uc.peerLock.RUnlock()
	return uc.lastPeerAddr != nil
}

// LocalAddr returns the local address of the socket
func (uc *UDP) LocalAddr() net.Addr {
	uc.connLock.RLock()
	defer uc.connLock.RUnlock()
	if uc.conn != nil {
		return uc.conn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the configured peer of a client or the last peer of
// a server
func (uc *UDP) RemoteAddr() net.Addr {
	if uc.isServer {
		uc.peerLock.RLock()
		defer uc.peerLock.RUnlock()
		if uc.lastPeerAddr == nil {
			return nil
		}
		return uc.lastPeerAddr
	}
	return uc.remoteAddr
}
