package emq

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ServerClient is a connection accepted by the Server.
type ServerClient struct {
	id          string
	conn        Conn
	reader      *bufio.Reader
	connectedAt time.Time

	writeMu      sync.Mutex // protects concurrent writes to conn
	writeTimeout time.Duration

	mu       sync.RWMutex
	username string

	authenticated atomic.Bool
	connected     atomic.Bool
	closeOnce     sync.Once
	done          chan struct{}
}

func newServerClient(conn Conn, writeTimeout time.Duration) *ServerClient {
	c := &ServerClient{
		id:           uuid.NewString(),
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 16*1024),
		connectedAt:  time.Now(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

// ID returns the connection identifier, a random UUID.
func (c *ServerClient) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *ServerClient) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectedAt returns when the connection was accepted.
func (c *ServerClient) ConnectedAt() time.Time {
	return c.connectedAt
}

// Username returns the authenticated account name, or "".
func (c *ServerClient) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Authenticated reports whether the connection has authenticated.
func (c *ServerClient) Authenticated() bool {
	return c.authenticated.Load()
}

// IsConnected reports whether the connection is open.
func (c *ServerClient) IsConnected() bool {
	return c.connected.Load()
}

// Close closes the connection. It is safe to call more than once.
func (c *ServerClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *ServerClient) setUser(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
	c.authenticated.Store(name != "")
}

// send writes a frame under the write lock and returns the bytes written.
func (c *ServerClient) send(f *Frame, maxSize uint32) (int, error) {
	if !c.connected.Load() {
		return 0, net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(noDeadline)
	}
	return WriteFrame(c.conn, f, maxSize)
}
