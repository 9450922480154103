package emq

import (
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Server errors.
var (
	ErrServerClosed   = errors.New("server closed")
	ErrServerRunning  = errors.New("server already running")
	ErrNoListener     = errors.New("server has no listener")
	ErrMaxConnections = errors.New("maximum connections reached")
)

// Server is an in-process emq broker. It keeps every entity in memory and
// serves any number of listeners plus connections handed to Serve.
type Server struct {
	mu        sync.RWMutex
	config    *serverConfig
	listener  Listener
	listeners []Listener
	clients   map[string]*ServerClient
	state     *brokerState
	logger    Logger
	metrics   *BrokerMetrics
	started   time.Time
	running   atomic.Bool
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewServer creates a server listening on addr. See Listen for the
// accepted address forms.
func NewServer(addr string, opts ...ServerOption) (*Server, error) {
	config := buildServerConfig(opts)

	listener, err := Listen(addr, config.tlsConfig)
	if err != nil {
		return nil, err
	}

	return newServer(listener, config), nil
}

// NewServerWithListener creates a server with a custom listener. The
// listener may be nil when connections only arrive through Serve.
func NewServerWithListener(listener Listener, opts ...ServerOption) *Server {
	return newServer(listener, buildServerConfig(opts))
}

func buildServerConfig(opts []ServerOption) *serverConfig {
	config := defaultServerConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(config)
		}
	}
	return config
}

func newServer(listener Listener, config *serverConfig) *Server {
	s := &Server{
		config:   config,
		listener: listener,
		clients:  make(map[string]*ServerClient),
		state:    newBrokerState(),
		logger:   config.logger,
		metrics:  NewBrokerMetrics(config.metrics),
		started:  time.Now(),
		done:     make(chan struct{}),
	}

	users := config.users
	if len(users) == 0 {
		users = []serverUser{{name: DefaultUser, password: DefaultPassword, perm: PermAll}}
	}
	for _, u := range users {
		err := ValidateName(u.name)
		if err == nil {
			err = s.state.userCreate(u.name, u.password, u.perm)
		}
		if err != nil {
			s.logger.Warn("skipping configured user", LogFields{LogFieldName: u.name, LogFieldError: err})
		}
	}

	for _, q := range config.queues {
		err := ValidateName(q.Name)
		if err == nil {
			err = s.state.queueCreate(q.Name, q.MaxMessages, q.MaxMessageSize, q.Flags)
		}
		if err != nil {
			s.logger.Warn("skipping configured queue", LogFields{LogFieldName: q.Name, LogFieldError: err})
		}
	}

	return s
}

// ListenAndServe accepts connections on the server listener and blocks
// until the server is closed.
func (s *Server) ListenAndServe() error {
	if s.listener == nil {
		return ErrNoListener
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	return s.ServeListener(s.listener)
}

// ServeListener accepts connections on an additional listener and blocks
// until the server is closed or the listener fails. The server closes the
// listener on Close.
func (s *Server) ServeListener(l Listener) error {
	if !s.track(l) {
		l.Close()
		return ErrServerClosed
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept failed", LogFields{LogFieldError: err})
			// back off to avoid spinning on a persistent error
			time.Sleep(100 * time.Millisecond)
			continue
		}

		go s.Serve(conn)
	}
}

func (s *Server) track(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	for _, known := range s.listeners {
		if known == l {
			return true
		}
	}
	s.listeners = append(s.listeners, l)
	return true
}

// Serve runs the protocol on an accepted connection and returns when the
// connection ends. It closes conn.
func (s *Server) Serve(conn Conn) {
	c, err := s.register(conn)
	if err != nil {
		s.logger.Warn("connection rejected", LogFields{
			LogFieldRemoteAddr: remoteAddr(conn),
			LogFieldError:      err,
		})
		conn.Close()
		return
	}
	defer s.wg.Done()
	defer s.unregister(c)

	s.serveClient(c)
}

func (s *Server) register(conn Conn) (*ServerClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServerClosed
	}
	if s.config.maxConnections > 0 && len(s.clients) >= s.config.maxConnections {
		return nil, ErrMaxConnections
	}

	c := newServerClient(conn, s.config.writeTimeout)
	s.clients[c.id] = c
	s.wg.Add(1)
	return c, nil
}

func (s *Server) unregister(c *ServerClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	c.Close()
	s.deliver(s.state.disconnect(c))

	s.metrics.ConnectionClosed()
	s.logger.Info("client disconnected", LogFields{LogFieldClientID: c.id})

	if s.config.onDisconnect != nil {
		s.config.onDisconnect(c)
	}
}

func (s *Server) serveClient(c *ServerClient) {
	logger := s.logger.WithFields(LogFields{
		LogFieldClientID:   c.id,
		LogFieldRemoteAddr: remoteAddr(c.conn),
	})

	s.metrics.ConnectionOpened()
	logger.Info("client connected", nil)

	if s.config.onConnect != nil {
		s.config.onConnect(c)
	}

	if s.config.authTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(s.config.authTimeout))
	}

	for {
		f, n, err := ReadFrame(c.reader, s.config.maxFrameSize)
		if n > 0 {
			s.metrics.BytesReceived(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read failed", LogFields{LogFieldError: err})
			}
			return
		}

		if f.IsReply() || f.IsPush() || f.RequestID == 0 {
			logger.Warn("unexpected frame from client", LogFields{
				LogFieldCommand:   f.Command,
				LogFieldRequestID: f.RequestID,
			})
			return
		}
		if f.Command == CmdDisconnect {
			return
		}

		wasAuthenticated := c.Authenticated()
		s.handle(c, f, logger)
		if !wasAuthenticated && c.Authenticated() && s.config.authTimeout > 0 {
			c.conn.SetReadDeadline(noDeadline)
		}
	}
}

// handle executes one request, delivers the pushes it produced and replies
// unless the request asked for no acknowledgment.
func (s *Server) handle(c *ServerClient, f *Frame, logger Logger) {
	e := getEncoder()
	defer putEncoder(e)

	start := time.Now()
	deliveries, err := s.execute(c, f, e)
	s.deliver(deliveries)

	status, reason := replyStatus(err)
	s.metrics.CommandHandled(f.Command, status)

	if err != nil {
		e.Reset()
		if reason != "" {
			e.Text(reason)
		}
		fields := LogFields{
			LogFieldCommand: f.Command,
			LogFieldStatus:  status,
			LogFieldError:   reason,
		}
		if status == StatusError {
			logger.Error("command failed", fields)
		} else {
			logger.Debug("command failed", fields)
		}
	}

	if f.Flags.Has(FlagNoAck) {
		return
	}

	n, err := c.send(NewReply(f, status, e.Bytes()), 0)
	if err != nil {
		logger.Debug("reply failed", LogFields{LogFieldCommand: f.Command, LogFieldError: err})
		c.Close()
		return
	}
	s.metrics.BytesSent(n)
	logger.Debug("handled", LogFields{
		LogFieldCommand:  f.Command,
		LogFieldStatus:   status,
		LogFieldDuration: time.Since(start),
	})
}

// deliver writes push frames collected by a state change.
func (s *Server) deliver(deliveries []delivery) {
	for _, d := range deliveries {
		n, err := d.to.send(NewPush(d.event, d.body), 0)
		if err != nil {
			s.logger.Debug("push failed", LogFields{
				LogFieldClientID: d.to.id,
				LogFieldCommand:  d.event,
				LogFieldError:    err,
			})
			continue
		}
		s.metrics.MessageDelivered(d.event)
		s.metrics.BytesSent(n)
	}
}

// requiredPerm returns the permission a command needs.
func requiredPerm(cmd Command) Perm {
	switch {
	case cmd == CmdSave, cmd == CmdFlush:
		return PermAdmin
	case cmd >= CmdUserCreate && cmd <= CmdUserDelete:
		return PermAdmin
	case cmd >= CmdQueueCreate && cmd <= CmdQueueDelete:
		return PermQueue
	case cmd >= CmdRouteCreate && cmd <= CmdRouteDelete:
		return PermRoute
	case cmd >= CmdChannelCreate && cmd <= CmdChannelDelete:
		return PermChannel
	}
	return PermNone
}

// execute runs a request, writing the reply body to e.
func (s *Server) execute(c *ServerClient, f *Frame, e *Encoder) ([]delivery, error) {
	a := &args{d: f.Decoder()}

	if f.Command == CmdAuth {
		return nil, s.auth(c, a, e)
	}

	if !c.Authenticated() {
		return nil, statusErrorf(StatusNotAuthenticated, "authentication required")
	}
	perm, ok := s.state.permOf(c.Username())
	if !ok {
		c.setUser("")
		return nil, statusErrorf(StatusNotAuthenticated, "account no longer exists")
	}
	if !f.Command.Valid() || f.Command.IsEvent() {
		return nil, statusErrorf(StatusUnknownCommand, "unknown command %#x", byte(f.Command))
	}
	if need := requiredPerm(f.Command); !perm.Has(need) {
		return nil, statusErrorf(StatusAccessDenied, "%s requires more permissions", f.Command)
	}

	switch f.Command {
	case CmdPing:
		return nil, a.done()
	case CmdStat:
		if err := a.done(); err != nil {
			return nil, err
		}
		encodeStat(e, s.Stat())
		return nil, nil
	case CmdSave:
		async := a.bool()
		if err := a.done(); err != nil {
			return nil, err
		}
		return nil, s.save(async)
	case CmdFlush:
		flags := a.uint32()
		if err := a.done(); err != nil {
			return nil, err
		}
		s.state.flush(flags)
		return nil, nil
	}

	switch {
	case f.Command >= CmdUserCreate && f.Command <= CmdUserDelete:
		return nil, s.executeUser(f.Command, a, e)
	case f.Command >= CmdQueueCreate && f.Command <= CmdQueueDelete:
		return s.executeQueue(c, f.Command, a, e)
	case f.Command >= CmdRouteCreate && f.Command <= CmdRouteDelete:
		return s.executeRoute(f.Command, a, e)
	default:
		return s.executeChannel(c, f.Command, a, e)
	}
}

func (s *Server) auth(c *ServerClient, a *args, e *Encoder) error {
	name, password, version := a.text(), a.text(), a.uint32()
	if err := a.done(); err != nil {
		return err
	}

	if _, ok := s.state.authenticate(name, password); !ok {
		c.setUser("")
		s.logger.Warn("authentication failed", LogFields{
			LogFieldClientID: c.id,
			LogFieldName:     name,
		})
		return statusErrorf(StatusNotAuthenticated, "invalid username or password")
	}

	c.setUser(name)
	if version != ProtocolVersion {
		s.logger.Info("client protocol version differs", LogFields{
			LogFieldClientID: c.id,
			"client_version": version,
		})
	}

	e.Uint(ProtocolVersion)
	return nil
}

func (s *Server) save(async bool) error {
	if s.config.onSave == nil {
		return nil
	}
	if !async {
		return s.config.onSave(false)
	}

	go func() {
		if err := s.config.onSave(true); err != nil {
			s.logger.Error("background save failed", LogFields{LogFieldError: err})
		}
	}()
	return nil
}

func (s *Server) executeUser(cmd Command, a *args, e *Encoder) error {
	switch cmd {
	case CmdUserCreate:
		name, password, perm := a.name(), a.text(), Perm(a.uint32())
		if err := a.done(); err != nil {
			return err
		}
		return s.state.userCreate(name, password, perm)
	case CmdUserList:
		if err := a.done(); err != nil {
			return err
		}
		users := s.state.userList()
		e.List(len(users))
		for _, u := range users {
			encodeUser(e, u)
		}
		return nil
	case CmdUserRename:
		from, to := a.name(), a.name()
		if err := a.done(); err != nil {
			return err
		}
		return s.state.userRename(from, to)
	case CmdUserSetPerm:
		name, perm := a.name(), Perm(a.uint32())
		if err := a.done(); err != nil {
			return err
		}
		return s.state.userSetPerm(name, perm)
	default:
		name := a.name()
		if err := a.done(); err != nil {
			return err
		}
		return s.state.userDelete(name)
	}
}

func (s *Server) executeQueue(c *ServerClient, cmd Command, a *args, e *Encoder) ([]delivery, error) {
	switch cmd {
	case CmdQueueCreate:
		name, maxMessages, maxMessageSize, flags := a.name(), a.uint32(), a.uint32(), a.uint32()
		if err := a.done(); err != nil {
			return nil, err
		}
		return nil, s.state.queueCreate(name, maxMessages, maxMessageSize, flags)
	case CmdQueueList:
		if err := a.done(); err != nil {
			return nil, err
		}
		queues := s.state.queueList()
		e.List(len(queues))
		for _, q := range queues {
			encodeQueue(e, q)
		}
		return nil, nil
	case CmdQueueRename:
		from, to := a.name(), a.name()
		if err := a.done(); err != nil {
			return nil, err
		}
		return nil, s.state.queueRename(from, to)
	case CmdQueuePush:
		name, msg := a.name(), a.message()
		if err := a.done(); err != nil {
			return nil, err
		}
		return s.state.queuePush(c, name, msg.Bytes(), msg.Expire())
	case CmdQueuePop:
		name, timeout := a.name(), a.uint32()
		if err := a.done(); err != nil {
			return nil, err
		}
		m, err := s.pop(c, name, time.Duration(timeout)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		encodeMessage(e, m, m.tag)
		return nil, nil
	case CmdQueueConfirm:
		name, tag := a.name(), Tag(a.uint())
		if err := a.done(); err != nil {
			return nil, err
		}
		return nil, s.state.queueConfirm(c, name, tag)
	case CmdQueueSubscribe:
		name, flags := a.name(), a.uint32()
		if err := a.done(); err != nil {
			return nil, err
		}
		if flags == 0 {
			flags = SubscribeMsg
		}
		return s.state.queueSubscribe(c, name, flags)
	}

	// the remaining queue commands take only a name
	name := a.name()
	if err := a.done(); err != nil {
		return nil, err
	}

	switch cmd {
	case CmdQueueDeclare:
		return nil, s.state.queueDeclare(c, name)
	case CmdQueueExist:
		e.Bool(s.state.queueExist(name))
		return nil, nil
	case CmdQueueSize:
		n, err := s.state.queueSize(name)
		if err != nil {
			return nil, err
		}
		e.Uint(uint64(n))
		return nil, nil
	case CmdQueueGet:
		m, err := s.state.queueGet(c, name)
		if err != nil {
			return nil, err
		}
		encodeMessage(e, m, m.tag)
		return nil, nil
	case CmdQueueUnsubscribe:
		return nil, s.state.queueUnsubscribe(c, name)
	case CmdQueuePurge:
		return nil, s.state.queuePurge(name)
	default:
		return nil, s.state.queueDelete(name)
	}
}

// pop takes a message, waiting up to timeout for one to be pushed.
func (s *Server) pop(c *ServerClient, name string, timeout time.Duration) (*storedMessage, error) {
	var timer *time.Timer
	for {
		m, retry, err := s.state.queuePop(c, name)
		if err == nil || retry == nil || timeout <= 0 {
			return m, err
		}

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-retry:
		case <-timer.C:
			return nil, err
		case <-c.done:
			return nil, err
		case <-s.done:
			return nil, err
		}
	}
}

func (s *Server) executeRoute(cmd Command, a *args, e *Encoder) ([]delivery, error) {
	switch cmd {
	case CmdRouteCreate:
		name, flags := a.name(), a.uint32()
		if err := a.done(); err != nil {
			return nil, err
		}
		return nil, s.state.routeCreate(name, flags)
	case CmdRouteList:
		if err := a.done(); err != nil {
			return nil, err
		}
		routes := s.state.routeList()
		e.List(len(routes))
		for _, r := range routes {
			encodeRoute(e, r)
		}
		return nil, nil
	case CmdRouteRename:
		from, to := a.name(), a.name()
		if err := a.done(); err != nil {
			return nil, err
		}
		return nil, s.state.routeRename(from, to)
	case CmdRouteBind, CmdRouteUnbind:
		name, queue, key := a.name(), a.name(), a.name()
		if err := a.done(); err != nil {
			return nil, err
		}
		if cmd == CmdRouteBind {
			return nil, s.state.routeBind(name, queue, key)
		}
		return nil, s.state.routeUnbind(name, queue, key)
	case CmdRoutePush:
		name, key, msg := a.name(), a.name(), a.message()
		if err := a.done(); err != nil {
			return nil, err
		}
		return s.state.routePush(name, key, msg.Bytes(), msg.Expire())
	}

	name := a.name()
	if err := a.done(); err != nil {
		return nil, err
	}

	switch cmd {
	case CmdRouteExist:
		e.Bool(s.state.routeExist(name))
		return nil, nil
	case CmdRouteKeys:
		keys, err := s.state.routeKeys(name)
		if err != nil {
			return nil, err
		}
		e.List(len(keys))
		for _, k := range keys {
			encodeRouteKey(e, k)
		}
		return nil, nil
	default:
		return nil, s.state.routeDelete(name)
	}
}

func (s *Server) executeChannel(c *ServerClient, cmd Command, a *args, e *Encoder) ([]delivery, error) {
	switch cmd {
	case CmdChannelCreate:
		name, flags := a.name(), a.uint32()
		if err := a.done(); err != nil {
			return nil, err
		}
		return nil, s.state.channelCreate(name, flags)
	case CmdChannelList:
		if err := a.done(); err != nil {
			return nil, err
		}
		channels := s.state.channelList()
		e.List(len(channels))
		for _, ch := range channels {
			encodeChannel(e, ch)
		}
		return nil, nil
	case CmdChannelRename:
		from, to := a.name(), a.name()
		if err := a.done(); err != nil {
			return nil, err
		}
		return nil, s.state.channelRename(from, to)
	case CmdChannelPublish:
		name, topic, msg := a.name(), a.name(), a.message()
		if err := a.done(); err != nil {
			return nil, err
		}
		return s.state.channelPublish(name, topic, msg.Bytes(), msg.Expire())
	case CmdChannelSubscribe, CmdChannelUnsubscribe:
		name, topic := a.name(), a.name()
		if err := a.done(); err != nil {
			return nil, err
		}
		if cmd == CmdChannelSubscribe {
			return nil, s.state.channelSubscribe(c, name, topic, false)
		}
		return nil, s.state.channelUnsubscribe(c, name, topic, false)
	case CmdChannelPsubscribe, CmdChannelPunsubscribe:
		name, pattern := a.name(), a.pattern()
		if err := a.done(); err != nil {
			return nil, err
		}
		if cmd == CmdChannelPsubscribe {
			return nil, s.state.channelSubscribe(c, name, pattern, true)
		}
		return nil, s.state.channelUnsubscribe(c, name, pattern, true)
	}

	name := a.name()
	if err := a.done(); err != nil {
		return nil, err
	}

	switch cmd {
	case CmdChannelExist:
		e.Bool(s.state.channelExist(name))
		return nil, nil
	default:
		return nil, s.state.channelDelete(name)
	}
}

// Stat returns the broker status snapshot.
func (s *Server) Stat() Stat {
	sys, user, rss := processUsage()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if rss == 0 {
		rss = ms.Sys
	}

	var fragmentation float64
	if ms.HeapAlloc > 0 {
		fragmentation = float64(rss) / float64(ms.HeapAlloc)
	}

	counts := s.state.counts()
	return Stat{
		Version:            Version{Major: VersionMajor, Minor: VersionMinor, Patch: VersionPatch},
		Uptime:             time.Since(s.started),
		UsedCPUSys:         sys,
		UsedCPUUser:        user,
		UsedMemory:         ms.HeapAlloc,
		UsedMemoryRSS:      rss,
		FragmentationRatio: fragmentation,
		Clients:            uint32(s.ClientCount()),
		Users:              uint32(counts.users),
		Queues:             uint32(counts.queues),
		Routes:             uint32(counts.routes),
		Channels:           uint32(counts.channels),
	}
}

// Close stops accepting connections, closes every client and waits for
// their handlers to return. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		listeners := s.listeners
		if s.listener != nil && !s.running.Load() {
			listeners = append(listeners, s.listener)
		}
		clients := make([]*ServerClient, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		for _, l := range listeners {
			l.Close()
		}
		for _, c := range clients {
			c.Close()
		}
	})

	s.wg.Wait()
	return nil
}

// Clients returns the ids of the connected clients.
func (s *Server) Clients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Addr returns the address of the server listener.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// args decodes request arguments, keeping the first error.
type args struct {
	d   *Decoder
	err error
}

func (a *args) text() string {
	if a.err != nil {
		return ""
	}
	var s string
	s, a.err = a.d.Text()
	return s
}

func (a *args) name() string {
	s := a.text()
	if a.err == nil {
		a.err = ValidateName(s)
	}
	return s
}

func (a *args) pattern() string {
	s := a.text()
	if a.err == nil {
		a.err = ValidatePattern(s)
	}
	return s
}

func (a *args) uint() uint64 {
	if a.err != nil {
		return 0
	}
	var v uint64
	v, a.err = a.d.Uint()
	return v
}

func (a *args) uint32() uint32 {
	if a.err != nil {
		return 0
	}
	var v uint32
	v, a.err = a.d.Uint32()
	return v
}

func (a *args) bool() bool {
	if a.err != nil {
		return false
	}
	var v bool
	v, a.err = a.d.Bool()
	return v
}

func (a *args) message() *Message {
	if a.err != nil {
		return nil
	}
	var m *Message
	m, a.err = decodeMessage(a.d)
	return m
}

// done reports the first decoding error as an invalid argument.
func (a *args) done() error {
	if a.err == nil && a.d.More() {
		a.err = ErrMalformedFrame
	}
	if a.err != nil {
		return statusErrorf(StatusInvalidArgument, "invalid arguments: %v", a.err)
	}
	return nil
}
