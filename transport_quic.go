package emq

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrTLSRequired is returned when a tls or quic endpoint has no TLS configuration.
var ErrTLSRequired = errors.New("TLS configuration is required")

// QUICProtocol is the ALPN protocol identifier.
const QUICProtocol = "emq"

// QUICConn carries one broker connection over a single bidirectional QUIC stream.
type QUICConn struct {
	conn      *quic.Conn
	stream    *quic.Stream
	closeOnce sync.Once
	closeErr  error
}

// Read reads data from the QUIC stream.
func (c *QUICConn) Read(b []byte) (int, error) {
	return c.stream.Read(b)
}

// Write writes data to the QUIC stream.
func (c *QUICConn) Write(b []byte) (int, error) {
	return c.stream.Write(b)
}

// Close closes the stream and the QUIC connection.
func (c *QUICConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		if err := c.stream.Close(); err != nil {
			c.closeErr = err
		}
		if err := c.conn.CloseWithError(0, ""); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *QUICConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *QUICConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *QUICConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *QUICConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

func quicTLSConfig(config *tls.Config) *tls.Config {
	if config == nil {
		return &tls.Config{
			MinVersion: tls.VersionTLS13,
			NextProtos: []string{QUICProtocol},
		}
	}
	if config.MinVersion < tls.VersionTLS13 || len(config.NextProtos) == 0 {
		config = config.Clone()
		if config.MinVersion < tls.VersionTLS13 {
			config.MinVersion = tls.VersionTLS13
		}
		if len(config.NextProtos) == 0 {
			config.NextProtos = []string{QUICProtocol}
		}
	}
	return config
}

// QUICDialer connects to brokers over QUIC.
type QUICDialer struct {
	// TLSConfig is the TLS configuration. QUIC requires TLS 1.3.
	TLSConfig *tls.Config

	// QUICConfig is the QUIC configuration.
	QUICConfig *quic.Config
}

// NewQUICDialer creates a new QUIC dialer.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	return &QUICDialer{TLSConfig: quicTLSConfig(tlsConfig)}
}

// Dial connects to host:port and opens the connection stream.
func (d *QUICDialer) Dial(ctx context.Context, address string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, address, quicTLSConfig(d.TLSConfig), d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, err
	}

	return &QUICConn{
		conn:   conn,
		stream: stream,
	}, nil
}

// QUICListener listens for broker connections over QUIC.
//
// The peer's stream becomes visible only once the peer writes to it, so
// streams are accepted in the background and a silent peer never blocks
// other connections.
type QUICListener struct {
	listener *quic.Listener
	conns    chan *QUICConn
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

// NewQUICListener creates a new QUIC listener.
func NewQUICListener(addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (*QUICListener, error) {
	if tlsConfig == nil {
		return nil, ErrTLSRequired
	}

	listener, err := quic.ListenAddr(addr, quicTLSConfig(tlsConfig), quicConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		listener: listener,
		conns:    make(chan *QUICConn),
		ctx:      ctx,
		cancel:   cancel,
	}
	go l.acceptLoop()

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			return
		}

		go func() {
			stream, err := conn.AcceptStream(l.ctx)
			if err != nil {
				conn.CloseWithError(0, "failed to accept stream")
				return
			}

			qc := &QUICConn{conn: conn, stream: stream}
			select {
			case l.conns <- qc:
			case <-l.ctx.Done():
				qc.Close()
			}
		}()
	}
}

// Accept waits for and returns the next connection.
func (l *QUICListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Close closes the QUIC listener.
func (l *QUICListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.listener.Close()
	})
	return err
}

// Addr returns the listener's network address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}
