package link

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC links
const ALPN = "l2cap-quic"

// QUICConfig configures a QUIC transport
type QUICConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Drop a connection silent for this long (0 = never)
	WriteTimeout   time.Duration // Write timeout (0 = no timeout)
	MaxPayload     int           // Largest accepted frame payload (0 = DefaultMaxPayload)
	TLSConfig      *tls.Config   // Optional TLS config (if nil, a self-signed cert is generated)
}

// QUIC carries frames over one bidirectional stream of a QUIC connection
type QUIC struct {
	connection *quic.Conn
	stream     *quic.Stream
	connLock   sync.RWMutex
	streamLock sync.RWMutex
	writeLock  sync.Mutex

	address        string
	isServer       bool
	listener       *quic.Listener
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxPayload     int
	tlsConfig      *tls.Config

	counters
	notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewQUIC creates a QUIC transport
func NewQUIC(config QUICConfig) (*QUIC, error) {
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

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	qc := &QUIC{
		address:        config.Address,
		isServer:       config.IsServer,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		maxPayload:     config.MaxPayload,
		tlsConfig:      tlsConfig,
		ctx:            ctx,
		cancel:         cancel,
	}

	var err error
	if config.IsServer {
		err = qc.startServer()
	} else {
		err = qc.connect()
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return qc, nil
}

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true, // self-signed
	}, nil
}

// startServer starts listening for incoming QUIC connections
func (qc *QUIC) startServer() error {
	udpAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", qc.address, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", qc.address, err)
	}

	listener, err := quic.Listen(udpConn, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	qc.listener = listener

	qc.wg.Add(1)
	go qc.acceptLoop()
	return nil
}

// acceptLoop accepts incoming QUIC connections
func (qc *QUIC) acceptLoop() {
	defer qc.wg.Done()

	for {
		conn, err := qc.listener.Accept(qc.ctx)
		if err != nil {
			if qc.closed.Load() || qc.ctx.Err() != nil {
				return
			}
			continue
		}

		qc.wg.Add(1)
		go qc.acceptStream(conn)
	}
}

// acceptStream waits for the client's stream. The stream becomes visible
// once the client has written its first frame.
func (qc *QUIC) acceptStream(conn *quic.Conn) {
	defer qc.wg.Done()

	stream, err := conn.AcceptStream(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}

	qc.connLock.Lock()
	old := qc.connection
	qc.connection = conn
	qc.connects.Add(1)
	qc.connLock.Unlock()

	qc.streamLock.Lock()
	qc.stream = stream
	qc.streamLock.Unlock()

	if old != nil {
		old.CloseWithError(0, "new connection")
		qc.disconnects.Add(1)
		qc.lost()
	}
	qc.established()
}

// dial opens a connection and its stream
func (qc *QUIC) dial() (*quic.Conn, *quic.Stream, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		udpConn.Close()
		return nil, nil, fmt.Errorf("failed to resolve remote address %s: %w", qc.address, err)
	}

	conn, err := quic.Dial(qc.ctx, udpConn, remoteAddr, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", qc.address, err)
	}

	stream, err := conn.OpenStreamSync(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return conn, stream, nil
}

// connect establishes a QUIC connection to the remote server
func (qc *QUIC) connect() error {
	conn, stream, err := qc.dial()
	if err != nil {
		return err
	}
	qc.install(conn, stream)

	qc.wg.Add(1)
	go qc.reconnectLoop()
	return nil
}

func (qc *QUIC) install(conn *quic.Conn, stream *quic.Stream) {
	qc.connLock.Lock()
	qc.connection = conn
	qc.connects.Add(1)
	qc.connLock.Unlock()

	qc.streamLock.Lock()
	qc.stream = stream
	qc.streamLock.Unlock()
}

// reconnectLoop redials after the connection is lost
func (qc *QUIC) reconnectLoop() {
	defer qc.wg.Done()

	for {
		select {
		case <-qc.ctx.Done():
			return
		case <-time.After(qc.reconnectDelay):
		}

		if qc.IsConnected() {
			continue
		}

		conn, stream, err := qc.dial()
		if err != nil {
			continue
		}
		if qc.closed.Load() {
			conn.CloseWithError(0, "transport closed")
			return
		}
		qc.install(conn, stream)
		qc.established()
	}
}

// Read implements Transport.Read
func (qc *QUIC) Read(ctx context.Context) ([]byte, error) {
	for {
		stream, err := qc.waitStream(ctx)
		if err != nil {
			return nil, err
		}

		if qc.readTimeout > 0 {
			stream.SetReadDeadline(time.Now().Add(qc.readTimeout))
		}

		data, err := ReadFrame(stream, qc.maxPayload)
		if err != nil {
			if qc.closed.Load() {
				return nil, ErrClosed
			}
			qc.dropStream(stream, &qc.readErrors)
			continue
		}

		qc.received(len(data))
		return data, nil
	}
}

// waitStream returns the current stream, waiting for one if needed
func (qc *QUIC) waitStream(ctx context.Context) (*quic.Stream, error) {
	for {
		qc.streamLock.RLock()
		stream := qc.stream
		qc.streamLock.RUnlock()

		if stream != nil {
			return stream, nil
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-qc.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// Write implements Transport.Write
func (qc *QUIC) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-qc.ctx.Done():
		return ErrClosed
	default:
	}

	if err := checkFrame(data, qc.maxPayload); err != nil {
		qc.writeErrors.Add(1)
		return err
	}

	qc.streamLock.RLock()
	stream := qc.stream
	qc.streamLock.RUnlock()

	if stream == nil {
		qc.writeErrors.Add(1)
		return ErrNotConnected
	}

	// Writes of one frame must not interleave
	qc.writeLock.Lock()
	defer qc.writeLock.Unlock()

	if qc.writeTimeout > 0 {
		stream.SetWriteDeadline(time.Now().Add(qc.writeTimeout))
	}

	if _, err := stream.Write(data); err != nil {
		qc.dropStream(stream, &qc.writeErrors)
		return err
	}

	qc.sent(len(data))
	return nil
}

// dropStream closes the connection owning stream after an I/O error if
// it is still current
func (qc *QUIC) dropStream(stream *quic.Stream, errs *atomic.Uint64) {
	errs.Add(1)

	qc.streamLock.Lock()
	current := qc.stream == stream
	if current {
		qc.stream = nil
	}
	qc.streamLock.Unlock()

	if !current {
		return
	}
	stream.Close()

	qc.connLock.Lock()
	conn := qc.connection
	qc.connection = nil
	if conn != nil {
		qc.disconnects.Add(1)
	}
	qc.connLock.Unlock()

	if conn != nil {
		conn.CloseWithError(0, "stream error")
		qc.lost()
	}
}

// Close implements Transport.Close
func (qc *QUIC) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil
	}

	qc.cancel()

	if qc.listener != nil {
		qc.listener.Close()
	}

	qc.streamLock.Lock()
	if qc.stream != nil {
		qc.stream.Close()
		qc.stream = nil
	}
	qc.streamLock.Unlock()

	qc.connLock.Lock()
	if qc.connection != nil {
		qc.connection.CloseWithError(0, "transport closed")
		qc.disconnects.Add(1)
		qc.connection = nil
	}
	qc.connLock.Unlock()

	qc.wg.Wait()
	return nil
}

// Statistics implements Transport.Statistics
func (qc *QUIC) Statistics() Stats {
	return qc.snapshot()
}

// IsConnected returns true if there is an active connection
func (qc *QUIC) IsConnected() bool {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	return qc.connection != nil && qc.connection.Context().Err() == nil
}

// Addr returns the listening address of a server, or nil for a client
func (qc *QUIC) Addr() net.Addr {
	if qc.listener == nil {
		return nil
	}
	return qc.listener.Addr()
}

// RemoteAddr returns the remote address of the connection
func (qc *QUIC) RemoteAddr() net.Addr {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	if qc.connection != nil {
		return qc.connection.RemoteAddr()
	}
	return nil
}
