package emq

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	readErr  error
	writeErr error

	writeDeadlines int
}

func (c *mockConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return 0, c.readErr
	}
	return c.buf.Read(b)
}

func (c *mockConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.buf.Write(b)
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: DefaultPort}
}

func (c *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 12345}
}

func (c *mockConn) SetDeadline(_ time.Time) error {
	return nil
}

func (c *mockConn) SetReadDeadline(_ time.Time) error {
	return nil
}

func (c *mockConn) SetWriteDeadline(_ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadlines++
	return nil
}

func (c *mockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

func TestServerClient(t *testing.T) {
	t.Run("new server client", func(t *testing.T) {
		conn := &mockConn{}
		before := time.Now()
		client := newServerClient(conn, 0)

		assert.Len(t, client.ID(), 36)
		assert.Equal(t, conn.RemoteAddr(), client.RemoteAddr())
		assert.False(t, client.ConnectedAt().Before(before))
		assert.True(t, client.IsConnected())
		assert.False(t, client.Authenticated())
		assert.Empty(t, client.Username())
	})

	t.Run("ids are unique", func(t *testing.T) {
		a := newServerClient(&mockConn{}, 0)
		b := newServerClient(&mockConn{}, 0)
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("set user", func(t *testing.T) {
		client := newServerClient(&mockConn{}, 0)

		client.setUser("eagle")
		assert.True(t, client.Authenticated())
		assert.Equal(t, "eagle", client.Username())

		client.setUser("")
		assert.False(t, client.Authenticated())
		assert.Empty(t, client.Username())
	})

	t.Run("close", func(t *testing.T) {
		conn := &mockConn{}
		client := newServerClient(conn, 0)

		require.NoError(t, client.Close())
		assert.True(t, conn.IsClosed())
		assert.False(t, client.IsConnected())

		select {
		case <-client.done:
		default:
			t.Fatal("done channel not closed")
		}

		// second close is a no-op
		assert.NoError(t, client.Close())
	})
}

func TestServerClientSend(t *testing.T) {
	t.Run("writes a frame", func(t *testing.T) {
		conn := &mockConn{}
		client := newServerClient(conn, 0)

		req := NewRequest(CmdPing, 7, nil)
		n, err := client.send(NewReply(req, StatusOK, nil), 0)
		require.NoError(t, err)
		assert.Equal(t, frameHeaderSize, n)

		f, _, err := ReadFrame(bytes.NewReader(conn.Written()), 0)
		require.NoError(t, err)
		assert.Equal(t, CmdPing, f.Command)
		assert.Equal(t, uint32(7), f.RequestID)
		assert.True(t, f.IsReply())
		assert.Zero(t, conn.writeDeadlines)
	})

	t.Run("write timeout sets and clears the deadline", func(t *testing.T) {
		conn := &mockConn{}
		client := newServerClient(conn, time.Second)

		_, err := client.send(NewPush(EventQueueNotify, []byte{}), 0)
		require.NoError(t, err)
		assert.Equal(t, 2, conn.writeDeadlines)
	})

	t.Run("closed client", func(t *testing.T) {
		conn := &mockConn{}
		client := newServerClient(conn, 0)
		client.Close()

		_, err := client.send(NewPush(EventQueueNotify, nil), 0)
		assert.ErrorIs(t, err, net.ErrClosed)
		assert.Empty(t, conn.Written())
	})

	t.Run("write error", func(t *testing.T) {
		client := newServerClient(&failingConn{writeErr: net.ErrClosed}, 0)

		_, err := client.send(NewPush(EventQueueNotify, nil), 0)
		assert.ErrorIs(t, err, net.ErrClosed)
	})

	t.Run("frame too large", func(t *testing.T) {
		conn := &mockConn{}
		client := newServerClient(conn, 0)

		_, err := client.send(NewPush(EventQueueMessage, make([]byte, 64)), 16)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.Empty(t, conn.Written())
	})
}

type failingConn struct {
	writeErr error
}

func (c *failingConn) Read(_ []byte) (int, error)  { return 0, nil }
func (c *failingConn) Write(_ []byte) (int, error) { return 0, c.writeErr }
func (c *failingConn) Close() error                { return nil }
func (c *failingConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: DefaultPort}
}
func (c *failingConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 12345}
}
func (c *failingConn) SetDeadline(_ time.Time) error      { return nil }
func (c *failingConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *failingConn) SetWriteDeadline(_ time.Time) error { return nil }

// TestServerClientConcurrentWrites checks that concurrent sends never
// interleave frame bytes.
func TestServerClientConcurrentWrites(t *testing.T) {
	t.Run("concurrent sends are serialized", func(t *testing.T) {
		conn := &mockConn{}
		client := newServerClient(conn, 0)

		body := bytes.Repeat([]byte("x"), 512)

		var wg sync.WaitGroup
		for i := range 100 {
			wg.Go(func() {
				_, _ = client.send(&Frame{Command: EventQueueMessage, Flags: FlagPush, RequestID: uint32(i + 1), Body: body}, 0)
			})
		}
		wg.Wait()

		r := bytes.NewReader(conn.Written())
		seen := make(map[uint32]bool)
		for r.Len() > 0 {
			f, _, err := ReadFrame(r, 0)
			require.NoError(t, err)
			assert.Equal(t, body, f.Body)
			seen[f.RequestID] = true
		}
		assert.Len(t, seen, 100)
	})

	t.Run("concurrent close and send", func(t *testing.T) {
		conn := &mockConn{}
		client := newServerClient(conn, 0)

		var wg sync.WaitGroup
		wg.Go(func() {
			time.Sleep(time.Millisecond)
			_ = client.Close()
		})
		for range 10 {
			wg.Go(func() {
				_, _ = client.send(NewPush(EventQueueNotify, nil), 0)
			})
		}
		wg.Wait()

		assert.True(t, conn.IsClosed())
		assert.False(t, client.IsConnected())
	})
}
