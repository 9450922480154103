package emq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedScheme is returned for an endpoint scheme with no dialer.
var ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

// noDeadline clears a connection deadline.
var noDeadline time.Time

// Conn represents a network connection to a broker.
type Conn interface {
	net.Conn
}

// Listener accepts incoming broker connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept() (net.Conn, error)

	// Close closes the listener.
	Close() error

	// Addr returns the listener's network address.
	Addr() net.Addr
}

// Dialer establishes broker connections.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (Conn, error)
}

// contextDialer is satisfied by *net.Dialer and *ProxyDialer.
type contextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Endpoint schemes.
const (
	SchemeTCP  = "tcp"
	SchemeTLS  = "tls"
	SchemeUnix = "unix"
	SchemeWS   = "ws"
	SchemeWSS  = "wss"
	SchemeQUIC = "quic"
)

// Endpoint is a parsed broker address.
type Endpoint struct {
	// Scheme is one of the Scheme constants.
	Scheme string

	// Address is host:port for tcp, tls and quic, the socket path for unix
	// and the full URL for ws and wss.
	Address string
}

// String returns the endpoint in URL form.
func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeWS, SchemeWSS:
		return e.Address
	case SchemeUnix:
		return "unix://" + e.Address
	}
	return e.Scheme + "://" + e.Address
}

// ParseEndpoint parses a broker address.
//
// Accepted forms are tcp://host[:port], tls://host[:port], quic://host[:port],
// unix:///path, ws://host/path, wss://host/path, a bare host[:port] (TCP)
// and a bare path (Unix). A missing port defaults to DefaultPort.
func ParseEndpoint(addr string) (Endpoint, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Endpoint{}, fmt.Errorf("empty address")
	}

	if !strings.Contains(addr, "://") {
		if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "./") || strings.HasPrefix(addr, "@") {
			return Endpoint{Scheme: SchemeUnix, Address: addr}, nil
		}
		return Endpoint{Scheme: SchemeTCP, Address: withDefaultPort(addr)}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	switch scheme := strings.ToLower(u.Scheme); scheme {
	case SchemeTCP, SchemeTLS, SchemeQUIC:
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("address %q has no host", addr)
		}
		return Endpoint{Scheme: scheme, Address: withDefaultPort(u.Host)}, nil
	case SchemeUnix:
		path := u.Path
		if u.Host != "" {
			// unix://relative/path
			path = u.Host + u.Path
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("address %q has no socket path", addr)
		}
		return Endpoint{Scheme: SchemeUnix, Address: path}, nil
	case SchemeWS, SchemeWSS:
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("address %q has no host", addr)
		}
		return Endpoint{Scheme: scheme, Address: addr}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

// Listen opens a broker listener for addr, in any ParseEndpoint form except
// ws and wss, which are served through an HTTP server and WSHandler.
// tlsConfig is required for tls and quic.
func Listen(addr string, tlsConfig *tls.Config) (Listener, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}

	switch ep.Scheme {
	case SchemeTCP:
		return NewTCPListener(ep.Address)
	case SchemeTLS:
		if tlsConfig == nil {
			return nil, fmt.Errorf("%s: %w", addr, ErrTLSRequired)
		}
		return NewTLSListener(ep.Address, tlsConfig)
	case SchemeUnix:
		return NewUnixListener(ep.Address)
	case SchemeQUIC:
		return NewQUICListener(ep.Address, tlsConfig, nil)
	}

	return nil, fmt.Errorf("%w: cannot listen on %s", ErrUnsupportedScheme, ep.Scheme)
}

func withDefaultPort(hostport string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	host := strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(DefaultPort))
}

// TCPListener wraps net.Listener for TCP connections.
type TCPListener struct {
	listener net.Listener
}

// NewTCPListener creates a new TCP listener on the given address.
func NewTCPListener(address string) (*TCPListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: l}, nil
}

// Accept waits for and returns the next connection.
func (l *TCPListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Close closes the listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// TCPDialer connects to brokers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// Proxy, when set, tunnels the connection through an HTTP CONNECT or SOCKS5 proxy.
	Proxy *ProxyDialer
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	return dialWithTimeout(ctx, d.forward(), address, d.Timeout)
}

func (d *TCPDialer) forward() contextDialer {
	if d.Proxy != nil {
		return d.Proxy
	}
	return &net.Dialer{Timeout: d.Timeout}
}

// TLSListener wraps net.Listener for TLS connections.
type TLSListener struct {
	listener net.Listener
}

// NewTLSListener creates a new TLS listener on the given address.
func NewTLSListener(address string, config *tls.Config) (*TLSListener, error) {
	l, err := tls.Listen("tcp", address, config)
	if err != nil {
		return nil, err
	}
	return &TLSListener{listener: l}, nil
}

// Accept waits for and returns the next connection.
func (l *TLSListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Close closes the listener.
func (l *TLSListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *TLSListener) Addr() net.Addr {
	return l.listener.Addr()
}

// TLSDialer connects to brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection and handshake.
	// Zero means no timeout.
	Timeout time.Duration

	// Proxy, when set, tunnels the connection through an HTTP CONNECT or SOCKS5 proxy.
	Proxy *ProxyDialer
}

// Dial connects to the address and completes the TLS handshake.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	if d.Proxy == nil {
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: d.Timeout},
			Config:    d.Config,
		}
		return dialWithTimeout(ctx, dialer, address, d.Timeout)
	}

	raw, err := dialWithTimeout(ctx, d.Proxy, address, d.Timeout)
	if err != nil {
		return nil, err
	}

	config := d.Config
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName, _, _ = net.SplitHostPort(address)
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	conn := tls.Client(raw, config)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

func dialWithTimeout(ctx context.Context, d contextDialer, address string, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.DialContext(ctx, "tcp", address)
}
