package emq

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to an emq broker.
//
// Requests are serialized: one request is in flight at a time and waits for
// its reply. Push events that arrive while a reply is awaited are buffered
// in arrival order and delivered by the next Process call.
//
// A Client may be shared between goroutines, but Process holds the
// connection while it waits for events: requests from other goroutines
// block until an event arrives or the Process deadline passes. Requests
// issued from inside a handler never block on Process.
type Client struct {
	options  *clientOptions
	endpoint Endpoint
	conn     net.Conn
	reader   *bufio.Reader

	// reqMu serializes request/reply exchanges and frame reads.
	reqMu  sync.Mutex
	nextID uint32
	// ids of requests abandoned on timeout whose replies may still arrive
	stale map[uint32]struct{}

	writeMu sync.Mutex

	connected     atomic.Bool
	authenticated atomic.Bool
	noAck         atomic.Bool
	closed        atomic.Bool
	closeOnce     sync.Once

	serverVersion atomic.Uint32

	handlersMu sync.RWMutex
	handlers   map[handlerKey]Handler

	pendingMu sync.Mutex
	pending   []*Event

	lastErrMu sync.Mutex
	lastErr   string

	logger  Logger
	metrics *ClientMetrics
}

// request describes one command exchange.
type request struct {
	cmd    Command
	encode func(*Encoder)

	// wait is the time the broker may legitimately hold the reply,
	// added to the request timeout.
	wait time.Duration

	// result marks commands whose reply carries data or gates local
	// state. They always wait for the reply, even in no-acknowledgment mode.
	result bool
}

// executor is the capability the control facades use to reach the connection.
type executor interface {
	roundTrip(req request) (*Decoder, error)
	produce(name string, p Payload) Payload
	setHandler(key handlerKey, h Handler)
	removeHandler(key handlerKey)
}

// Dial connects to the broker at addr.
// See ParseEndpoint for the accepted address forms.
func Dial(addr string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), addr, opts...)
}

// DialTCP connects to host:port over TCP. A zero port selects DefaultPort.
func DialTCP(host string, port int, opts ...Option) (*Client, error) {
	if port == 0 {
		port = DefaultPort
	}
	return Dial("tcp://"+net.JoinHostPort(host, strconv.Itoa(port)), opts...)
}

// DialUnix connects to the broker's Unix socket at path.
func DialUnix(path string, opts ...Option) (*Client, error) {
	return Dial("unix://"+path, opts...)
}

// DialContext connects to the broker at addr, then to each WithServers
// fallback in order until one succeeds. When WithCredentials is set the
// connection is authenticated before DialContext returns.
//
// On failure no client is returned and the error wraps ErrConnectionFailed,
// or is the authentication error when the broker rejected the credentials.
func DialContext(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	options := applyOptions(opts...)

	addrs := make([]string, 0, 1+len(options.servers))
	if addr != "" {
		addrs = append(addrs, addr)
	}
	addrs = append(addrs, options.servers...)
	if len(addrs) == 0 {
		return nil, NewConnectError("", errors.New("no broker address"))
	}

	var lastErr error
	for _, a := range addrs {
		c, err := dialAddress(ctx, a, options)
		if err == nil {
			return c, nil
		}
		// a broker that answered and rejected us is final
		if !errors.Is(err, ErrConnectionFailed) {
			return nil, err
		}
		options.logger.Warn("connect failed", LogFields{LogFieldRemoteAddr: a, LogFieldError: err})
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

func dialAddress(ctx context.Context, addr string, options *clientOptions) (*Client, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, NewConnectError(addr, err)
	}

	dialer, err := options.dialerFor(ep)
	if err != nil {
		return nil, NewConnectError(addr, err)
	}

	dialCtx := ctx
	if options.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, options.connectTimeout)
		defer cancel()
	}

	conn, err := dialer.Dial(dialCtx, ep.Address)
	if err != nil {
		return nil, NewConnectError(addr, err)
	}

	c := newClient(conn, ep, options)
	c.logger.Debug("connected", nil)

	if options.username != "" {
		if err := c.Auth(options.username, options.password); err != nil {
			c.Close()
			if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTimeout) {
				return nil, NewConnectError(addr, err)
			}
			return nil, err
		}
	}

	return c, nil
}

func newClient(conn net.Conn, ep Endpoint, options *clientOptions) *Client {
	c := &Client{
		options:  options,
		endpoint: ep,
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, 16*1024),
		stale:    make(map[uint32]struct{}),
		handlers: make(map[handlerKey]Handler),
		logger:   options.logger.WithFields(LogFields{LogFieldRemoteAddr: ep.String()}),
		metrics:  NewClientMetrics(options.metrics),
	}
	c.connected.Store(true)
	return c
}

// dialerFor selects the dialer for an endpoint scheme.
func (o *clientOptions) dialerFor(ep Endpoint) (Dialer, error) {
	if o.dialer != nil {
		return o.dialer, nil
	}

	proxyDialer, err := o.resolveProxy(ep)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration error: %w", err)
	}

	switch ep.Scheme {
	case SchemeTCP:
		return &TCPDialer{Timeout: o.connectTimeout, Proxy: proxyDialer}, nil
	case SchemeTLS:
		return &TLSDialer{Config: o.tlsConfig, Timeout: o.connectTimeout, Proxy: proxyDialer}, nil
	case SchemeUnix:
		return &UnixDialer{Timeout: o.connectTimeout}, nil
	case SchemeQUIC:
		// QUIC runs over UDP and cannot be tunnelled through the proxies we support
		return NewQUICDialer(o.tlsConfig), nil
	case SchemeWS, SchemeWSS:
		d := NewWSDialer()
		d.Dialer.TLSClientConfig = o.tlsConfig
		if proxyDialer != nil {
			d.Dialer.NetDialContext = proxyDialer.DialContext
		}
		return d, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, ep.Scheme)
}

// resolveProxy returns the proxy dialer for the endpoint, or nil for a direct connection.
func (o *clientOptions) resolveProxy(ep Endpoint) (*ProxyDialer, error) {
	if ep.Scheme == SchemeUnix || ep.Scheme == SchemeQUIC {
		return nil, nil
	}

	if o.proxyConfig != nil {
		return NewProxyDialer(*o.proxyConfig)
	}

	if o.proxyFromEnv {
		u, err := ProxyFromEnvironment(ep)
		if err != nil || u == nil {
			return nil, err
		}
		return NewProxyDialer(ProxyConfig{URL: u.String()})
	}

	return nil, nil
}

// Auth authenticates the connection. Every other operation fails with
// ErrNotAuthenticated until Auth succeeds. A broker speaking a different
// protocol revision is accepted with a warning; see Compatible.
func (c *Client) Auth(name, password string) error {
	d, err := c.roundTrip(request{
		cmd:    CmdAuth,
		result: true,
		encode: func(e *Encoder) {
			e.Text(name).Text(password).Uint(ProtocolVersion)
		},
	})
	if err != nil {
		if c != nil {
			c.authenticated.Store(false)
		}
		return err
	}

	version, err := d.Uint32()
	if err != nil {
		return fmt.Errorf("%w: auth reply: %w", ErrProtocolError, err)
	}

	c.serverVersion.Store(version)
	c.authenticated.Store(true)

	if version != ProtocolVersion {
		c.logger.Warn("broker protocol version differs", LogFields{
			"server_version": version,
			"client_version": ProtocolVersion,
		})
	}
	c.logger.Debug("authenticated", LogFields{LogFieldName: name})

	return nil
}

// Ping checks that the broker is responsive.
func (c *Client) Ping() error {
	_, err := c.roundTrip(request{cmd: CmdPing})
	return err
}

// Stat returns the broker status snapshot.
func (c *Client) Stat() (Stat, error) {
	d, err := c.roundTrip(request{cmd: CmdStat, result: true})
	if err != nil {
		return Stat{}, err
	}

	s, err := decodeStat(d)
	if err != nil {
		return Stat{}, fmt.Errorf("%w: stat reply: %w", ErrProtocolError, err)
	}
	return s, nil
}

// Save asks the broker to persist its state. With async the broker replies
// before the save completes.
func (c *Client) Save(async bool) error {
	_, err := c.roundTrip(request{
		cmd:    CmdSave,
		encode: func(e *Encoder) { e.Bool(async) },
	})
	return err
}

// Flush removes every broker entity of the kinds selected by flags
// (FlushUser, FlushQueue, FlushRoute, FlushChannel).
func (c *Client) Flush(flags uint32) error {
	_, err := c.roundTrip(request{
		cmd:    CmdFlush,
		encode: func(e *Encoder) { e.Uint(uint64(flags)) },
	})
	return err
}

// NoAck runs fn with no-acknowledgment mode enabled and restores the previous
// mode when fn returns or panics. In this mode commands that return no data
// are sent without waiting for a reply and the broker sends none, so their
// failures are not reported. Subscriptions still wait for the reply.
func (c *Client) NoAck(fn func() error) error {
	if c == nil {
		return ErrNotConnected
	}
	prev := c.noAck.Swap(true)
	defer c.noAck.Store(prev)

	return fn()
}

// Close sends a disconnect notice and closes the connection.
// Close is idempotent; every operation afterwards returns ErrNotConnected.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if c.connected.Load() {
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			f := &Frame{Command: CmdDisconnect, Flags: FlagNoAck}
			WriteFrame(c.conn, f, 0)
			c.writeMu.Unlock()
		}

		c.connected.Store(false)
		c.authenticated.Store(false)
		err = c.conn.Close()

		c.pendingMu.Lock()
		for _, ev := range c.pending {
			ev.Message.Release()
		}
		c.pending = nil
		c.pendingMu.Unlock()

		c.logger.Debug("closed", nil)
	})

	return err
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	return c != nil && c.connected.Load() && !c.closed.Load()
}

// Authenticated reports whether Auth has succeeded on the open connection.
func (c *Client) Authenticated() bool {
	return c.Connected() && c.authenticated.Load()
}

// LastError returns the reason of the most recent failed command, or "".
func (c *Client) LastError() string {
	if c == nil {
		return ErrNotConnected.Error()
	}
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	return c.lastErr
}

// ServerVersion returns the protocol revision reported by the broker at Auth.
func (c *Client) ServerVersion() uint32 {
	if c == nil {
		return 0
	}
	return c.serverVersion.Load()
}

// Compatible reports whether the broker speaks ProtocolVersion.
func (c *Client) Compatible() bool {
	return c.ServerVersion() == ProtocolVersion
}

// Endpoint returns the endpoint the client is connected to.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Users returns the user management facade.
func (c *Client) Users() *UserControl {
	return &UserControl{exec: c}
}

// Queues returns the queue facade.
func (c *Client) Queues() *QueueControl {
	return &QueueControl{exec: c}
}

// Routes returns the route facade.
func (c *Client) Routes() *RouteControl {
	return &RouteControl{exec: c}
}

// Channels returns the channel facade.
func (c *Client) Channels() *ChannelControl {
	return &ChannelControl{exec: c}
}

func (c *Client) setLastError(reason string) {
	c.lastErrMu.Lock()
	c.lastErr = reason
	c.lastErrMu.Unlock()
}

// roundTrip sends a request and waits for its reply. It returns a decoder
// over the reply body, or nil when the request was sent without acknowledgment.
func (c *Client) roundTrip(req request) (*Decoder, error) {
	if c == nil || c.closed.Load() || !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if req.cmd != CmdAuth && !c.authenticated.Load() {
		return nil, ErrNotAuthenticated
	}

	enc := getEncoder()
	defer putEncoder(enc)
	if req.encode != nil {
		req.encode(enc)
	}

	var deadline time.Time
	if c.options.requestTimeout > 0 {
		deadline = time.Now().Add(c.options.requestTimeout + req.wait)
	}

	if err := c.throttle(deadline); err != nil {
		return nil, err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.nextID++
	if c.nextID == 0 {
		// request id 0 is reserved for push frames
		c.nextID = 1
	}

	f := NewRequest(req.cmd, c.nextID, enc.Bytes())
	noAck := !req.result && c.noAck.Load()
	if noAck {
		f.Flags |= FlagNoAck
	}

	start := time.Now()
	if err := c.writeFrame(f); err != nil {
		c.setLastError(err.Error())
		return nil, err
	}
	if noAck {
		return nil, nil
	}

	reply, err := c.awaitReply(f.RequestID, deadline)
	if err != nil {
		c.setLastError(err.Error())
		return nil, err
	}
	c.metrics.ReplyReceived(req.cmd, reply.Status, time.Since(start))

	if !reply.Status.IsOK() {
		var reason string
		if d := reply.Decoder(); d.More() {
			reason, _ = d.Text()
		}
		if reason != "" {
			c.setLastError(reason)
		} else {
			c.setLastError(reply.Status.String())
		}
		c.logger.Debug("command failed", LogFields{
			LogFieldCommand: req.cmd,
			LogFieldStatus:  reply.Status,
			LogFieldError:   reason,
		})
		return nil, NewOperationError(req.cmd, reply.Status, reason)
	}

	return reply.Decoder(), nil
}

func (c *Client) throttle(deadline time.Time) error {
	if c.options.limiter == nil {
		return nil
	}

	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if err := c.options.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %w", ErrTimeout, err)
	}
	return nil
}

func (c *Client) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.options.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		defer c.conn.SetWriteDeadline(noDeadline)
	}

	n, err := WriteFrame(c.conn, f, c.options.maxFrameSize)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		c.connectionLost(err)
		return NewConnectionLostError(err)
	}

	c.metrics.CommandSent(f.Command)
	c.metrics.BytesSent(n)
	c.logger.Debug("sent", LogFields{
		LogFieldCommand:   f.Command,
		LogFieldRequestID: f.RequestID,
		LogFieldBytes:     n,
	})

	return nil
}

// awaitReply reads frames until the reply to id arrives. Push frames read
// on the way are buffered for Process. Called with reqMu held.
func (c *Client) awaitReply(id uint32, deadline time.Time) (*Frame, error) {
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(noDeadline)

	for {
		f, err := c.readFrame()
		if err != nil {
			if isTimeout(err) {
				c.stale[id] = struct{}{}
				return nil, ErrTimeout
			}
			return nil, err
		}

		switch {
		case f.IsPush():
			ev, err := decodeEvent(f)
			if err != nil {
				c.logger.Warn("dropping malformed push", LogFields{LogFieldCommand: f.Command, LogFieldError: err})
				continue
			}
			c.bufferEvent(ev)
		case f.RequestID == id:
			return f, nil
		case c.discardStale(f.RequestID):
		default:
			return nil, fmt.Errorf("%w: reply to request %d while waiting for %d", ErrProtocolError, f.RequestID, id)
		}
	}
}

// readFrame reads one frame. A timeout before any byte arrived leaves the
// stream usable; any other transport or framing failure closes the connection.
func (c *Client) readFrame() (*Frame, error) {
	f, n, err := ReadFrame(c.reader, c.options.maxFrameSize)
	if n > 0 {
		c.metrics.BytesReceived(n)
	}
	if err == nil {
		return f, nil
	}

	switch {
	case n == 0 && isTimeout(err):
		return nil, err
	case errors.Is(err, ErrUnknownReply):
		// the frame was consumed whole, the stream is still in sync
		return nil, fmt.Errorf("%w: %w", ErrProtocolError, err)
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrFrameTooLarge):
		c.connectionLost(err)
		return nil, fmt.Errorf("%w: %w", ErrProtocolError, err)
	}

	c.connectionLost(err)
	return nil, NewConnectionLostError(err)
}

// discardStale reports whether id belongs to an abandoned request.
func (c *Client) discardStale(id uint32) bool {
	if _, ok := c.stale[id]; !ok {
		return false
	}
	delete(c.stale, id)
	c.logger.Debug("discarding late reply", LogFields{LogFieldRequestID: id})
	return true
}

func (c *Client) connectionLost(cause error) {
	if !c.connected.Swap(false) {
		return
	}
	c.authenticated.Store(false)
	c.conn.Close()

	if !c.closed.Load() {
		c.logger.Warn("connection lost", LogFields{LogFieldError: cause})
	}
}

func (c *Client) bufferEvent(ev *Event) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, ev)
	c.pendingMu.Unlock()
}

func (c *Client) nextPending() *Event {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	ev := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return ev
}

func (c *Client) hasPending() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending) > 0
}

func (c *Client) produce(name string, p Payload) Payload {
	if c == nil || len(c.options.producerInterceptors) == 0 {
		return p
	}
	return applyProducerInterceptors(c.logger, c.options.producerInterceptors, name, p)
}

func (c *Client) setHandler(key handlerKey, h Handler) {
	c.handlersMu.Lock()
	c.handlers[key] = h
	c.handlersMu.Unlock()
}

func (c *Client) removeHandler(key handlerKey) {
	if c == nil {
		return
	}
	c.handlersMu.Lock()
	delete(c.handlers, key)
	c.handlersMu.Unlock()
}

func (c *Client) handler(key handlerKey) Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers[key]
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
