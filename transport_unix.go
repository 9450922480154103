package emq

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"time"
)

// UnixDialer connects to brokers over Unix domain sockets.
type UnixDialer struct {
	// Timeout is the maximum time to wait for a connection.
	Timeout time.Duration
}

// Dial connects to the Unix socket at the given path.
// The address should be the socket file path (e.g., "/var/run/emq.sock").
func (d *UnixDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, "unix", address)
}

// NewUnixDialer creates a new Unix socket dialer.
func NewUnixDialer() *UnixDialer {
	return &UnixDialer{}
}

// UnixListener listens for broker connections on a Unix domain socket.
type UnixListener struct {
	listener net.Listener
	path     string
}

// NewUnixListener creates a new Unix socket listener.
// A stale socket file left by a previous process is removed first.
func NewUnixListener(path string) (*UnixListener, error) {
	if info, err := os.Stat(path); err == nil && info.Mode().Type() == fs.ModeSocket {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil, &net.OpError{Op: "listen", Net: "unix", Err: errors.New("socket already in use")}
		}
		os.Remove(path)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &UnixListener{
		listener: listener,
		path:     path,
	}, nil
}

// Accept waits for and returns the next connection.
func (l *UnixListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Close closes the listener. The socket file is removed by the runtime.
func (l *UnixListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *UnixListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Path returns the socket file path.
func (l *UnixListener) Path() string {
	return l.path
}
