package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPConfig configures a TCP transport
type TCPConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Drop a connection silent for this long (0 = never)
	WriteTimeout   time.Duration // Write timeout (0 = no timeout)
	MaxPayload     int           // Largest accepted frame payload (0 = DefaultMaxPayload)
}

// TCP carries frames over one TCP connection. A server keeps the most
// recently accepted connection; a client redials after a loss.
type TCP struct {
	conn     net.Conn
	connLock sync.RWMutex

	address        string
	isServer       bool
	listener       net.Listener
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxPayload     int

	counters
	notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewTCP creates a TCP transport
func NewTCP(config TCPConfig) (*TCP, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	// Set defaults
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxPayload == 0 {
		config.MaxPayload = DefaultMaxPayload
	}

	ctx, cancel := context.WithCancel(context.Background())

	tc := &TCP{
		address:        config.Address,
		isServer:       config.IsServer,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		maxPayload:     config.MaxPayload,
		ctx:            ctx,
		cancel:         cancel,
	}

	var err error
	if config.IsServer {
		err = tc.startServer()
	} else {
		err = tc.connect()
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return tc, nil
}

// startServer starts listening for incoming connections
func (tc *TCP) startServer() error {
	listener, err := net.Listen("tcp", tc.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", tc.address, err)
	}
	tc.listener = listener

	tc.wg.Add(1)
	go tc.acceptLoop()
	return nil
}

// acceptLoop accepts incoming connections
func (tc *TCP) acceptLoop() {
	defer tc.wg.Done()

	for {
		conn, err := tc.listener.Accept()
		if err != nil {
			if tc.closed.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-tc.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		// Replace the existing connection, if any
		tc.connLock.Lock()
		old := tc.conn
		tc.conn = conn
		tc.connects.Add(1)
		tc.connLock.Unlock()

		if old != nil {
			old.Close()
			tc.disconnects.Add(1)
			tc.lost()
		}
		tc.established()
	}
}

// connect establishes a connection to the remote server
func (tc *TCP) connect() error {
	conn, err := net.DialTimeout("tcp", tc.address, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", tc.address, err)
	}

	tc.connLock.Lock()
	tc.conn = conn
	tc.connects.Add(1)
	tc.connLock.Unlock()

	tc.wg.Add(1)
	go tc.reconnectLoop()
	return nil
}

// reconnectLoop redials after the connection is lost
func (tc *TCP) reconnectLoop() {
	defer tc.wg.Done()

	for {
		select {
		case <-tc.ctx.Done():
			return
		case <-time.After(tc.reconnectDelay):
		}

		if tc.IsConnected() {
			continue
		}

		conn, err := net.DialTimeout("tcp", tc.address, 10*time.Second)
		if err != nil {
			continue
		}

		tc.connLock.Lock()
		if tc.closed.Load() {
			tc.connLock.Unlock()
			conn.Close()
			return
		}
		tc.conn = conn
		tc.connects.Add(1)
		tc.connLock.Unlock()

		tc.established()
	}
}

// Read implements Transport.Read
func (tc *TCP) Read(ctx context.Context) ([]byte, error) {
	for {
		conn, err := tc.waitConn(ctx)
		if err != nil {
			return nil, err
		}

		if tc.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(tc.readTimeout))
		}

		data, err := ReadFrame(conn, tc.maxPayload)
		if err != nil {
			if tc.closed.Load() {
				return nil, ErrClosed
			}
			tc.dropConn(conn, &tc.readErrors)
			continue
		}

		tc.received(len(data))
		return data, nil
	}
}

// waitConn returns the current connection, waiting for one if needed
func (tc *TCP) waitConn(ctx context.Context) (net.Conn, error) {
	for {
		tc.connLock.RLock()
		conn := tc.conn
		tc.connLock.RUnlock()

		if conn != nil {
			return conn, nil
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tc.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// Write implements Transport.Write
func (tc *TCP) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tc.ctx.Done():
		return ErrClosed
	default:
	}

	if err := checkFrame(data, tc.maxPayload); err != nil {
		tc.writeErrors.Add(1)
		return err
	}

	// Writes of one frame must not interleave
	tc.connLock.Lock()
	defer tc.connLock.Unlock()

	conn := tc.conn
	if conn == nil {
		tc.writeErrors.Add(1)
		return ErrNotConnected
	}

	if tc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(tc.writeTimeout))
	}

	if _, err := conn.Write(data); err != nil {
		tc.writeErrors.Add(1)
		conn.Close()
		tc.conn = nil
		tc.disconnects.Add(1)
		go tc.lost()
		return err
	}

	tc.sent(len(data))
	return nil
}

// dropConn closes conn after an I/O error if it is still current
func (tc *TCP) dropConn(conn net.Conn, errs *atomic.Uint64) {
	errs.Add(1)

	tc.connLock.Lock()
	current := tc.conn == conn
	if current {
		tc.conn = nil
		tc.disconnects.Add(1)
	}
	tc.connLock.Unlock()

	conn.Close()
	if current {
		tc.lost()
	}
}

// Close implements Transport.Close
func (tc *TCP) Close() error {
	if !tc.closed.CompareAndSwap(false, true) {
		return nil
	}

	tc.cancel()

	if tc.listener != nil {
		tc.listener.Close()
	}

	tc.connLock.Lock()
	if tc.conn != nil {
		tc.conn.Close()
		tc.disconnects.Add(1)
		tc.conn = nil
	}
	tc.connLock.Unlock()

	tc.wg.Wait()
	return nil
}

// Statistics implements Transport.Statistics
func (tc *TCP) Statistics() Stats {
	return tc.snapshot()
}

// IsConnected returns true if there is an active connection
func (tc *TCP) IsConnected() bool {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	return tc.conn != nil
}

// Addr returns the listening address of a server, or nil for a client
func (tc *TCP) Addr() net.Addr {
	if tc.listener == nil {
		return nil
	}
	return tc.listener.Addr()
}

// RemoteAddr returns the remote address of the connection
func (tc *TCP) RemoteAddr() net.Addr {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	if tc.conn != nil {
		return tc.conn.RemoteAddr()
	}
	return nil
}
