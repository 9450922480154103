package emq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// BridgeIDHeader names the header that carries the bridge id on
// forwarders that support message headers.
const BridgeIDHeader = "x-emq-bridge-id"

// Bridge errors.
var (
	ErrBridgeAlreadyRunning = errors.New("bridge is already running")
	ErrBridgeNotRunning     = errors.New("bridge is not running")
	ErrBridgeNoSources      = errors.New("bridge requires at least one source")
	ErrBridgeNoForwarder    = errors.New("bridge requires a forwarder")
)

// BridgeSourceKind selects what a bridge source subscribes to.
type BridgeSourceKind int

const (
	// BridgeSourceQueue consumes a queue.
	BridgeSourceQueue BridgeSourceKind = iota
	// BridgeSourceTopic subscribes to one channel topic.
	BridgeSourceTopic
	// BridgeSourcePattern subscribes to a channel topic pattern.
	BridgeSourcePattern
)

// BridgeSource is one subscription feeding a bridge.
type BridgeSource struct {
	Kind BridgeSourceKind

	// Name is the queue or channel name.
	Name string

	// Topic is the channel topic or pattern. Unused for queues.
	Topic string

	// Flags are the queue subscribe flags. Zero selects SubscribeMsg.
	Flags uint32
}

// Forwarder delivers bridged events to another system. The event message
// is only valid until Forward returns.
type Forwarder interface {
	Forward(ctx context.Context, bridgeID string, ev *Event) error
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, bridgeID string, ev *Event) error

// Forward implements Forwarder.
func (f ForwarderFunc) Forward(ctx context.Context, bridgeID string, ev *Event) error {
	return f(ctx, bridgeID, ev)
}

// BridgeConfig contains configuration for a bridge.
type BridgeConfig struct {
	// Addr is the broker the bridge consumes from.
	Addr string

	// Options configure the bridge connection. Include WithCredentials.
	Options []Option

	// Sources are the subscriptions made on the bridge connection.
	Sources []BridgeSource

	// Forwarder receives every delivery.
	Forwarder Forwarder

	// Logger defaults to a no-op logger.
	Logger Logger
}

// Bridge consumes queues and channels on one broker connection and hands
// every delivery to a Forwarder.
type Bridge struct {
	config BridgeConfig
	id     string
	logger Logger

	mu      sync.Mutex
	client  *Client
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	lastErr atomic.Pointer[error]

	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// NewBridge creates a bridge. It does not connect until Start.
func NewBridge(config BridgeConfig) (*Bridge, error) {
	if len(config.Sources) == 0 {
		return nil, ErrBridgeNoSources
	}
	if config.Forwarder == nil {
		return nil, ErrBridgeNoForwarder
	}
	for _, src := range config.Sources {
		if err := src.validate(); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	logger := config.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}

	return &Bridge{
		config: config,
		id:     id,
		logger: logger.WithFields(LogFields{"bridge_id": id}),
	}, nil
}

func (s BridgeSource) validate() error {
	switch s.Kind {
	case BridgeSourceQueue:
		return checkNames(s.Name)
	case BridgeSourceTopic:
		return checkNames(s.Name, s.Topic)
	case BridgeSourcePattern:
		if err := checkNames(s.Name); err != nil {
			return err
		}
		return ValidatePattern(s.Topic)
	}
	return fmt.Errorf("unknown bridge source kind %d", s.Kind)
}

// ID returns the bridge identifier.
func (b *Bridge) ID() string {
	return b.id
}

// Start connects, subscribes every source and starts forwarding in the
// background.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		return ErrBridgeAlreadyRunning
	}

	client, err := DialContext(ctx, b.config.Addr, b.config.Options...)
	if err != nil {
		return err
	}

	for _, src := range b.config.Sources {
		if err := b.subscribe(client, src); err != nil {
			client.Close()
			return fmt.Errorf("bridge source %s: %w", src.Name, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.client = client
	b.cancel = cancel
	b.done = make(chan struct{})
	b.lastErr.Store(nil)
	b.running.Store(true)

	go b.run(loopCtx, client, b.done)

	b.logger.Info("bridge started", LogFields{LogFieldRemoteAddr: client.Endpoint().String()})
	return nil
}

func (b *Bridge) subscribe(c *Client, src BridgeSource) error {
	switch src.Kind {
	case BridgeSourceQueue:
		if err := c.Queues().Declare(src.Name); err != nil {
			return err
		}
		return c.Queues().Subscribe(src.Name, src.Flags, b.handle)
	case BridgeSourceTopic:
		return c.Channels().Subscribe(src.Name, src.Topic, b.handle)
	default:
		return c.Channels().Psubscribe(src.Name, src.Topic, b.handle)
	}
}

func (b *Bridge) run(ctx context.Context, c *Client, done chan struct{}) {
	defer close(done)

	for {
		err := c.Process(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		b.lastErr.Store(&err)
		b.logger.Error("bridge stopped forwarding", LogFields{LogFieldError: err})
		return
	}
}

func (b *Bridge) handle(_ *Client, ev *Event) HandlerResult {
	if err := b.config.Forwarder.Forward(context.Background(), b.id, ev); err != nil {
		b.failed.Add(1)
		b.logger.Warn("forward failed", LogFields{
			LogFieldName:  ev.Name,
			LogFieldError: err,
		})
		return Continue
	}
	b.forwarded.Add(1)
	return Continue
}

// Stop closes the bridge connection and waits for forwarding to end.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running.Load() {
		return ErrBridgeNotRunning
	}

	b.cancel()
	<-b.done
	err := b.client.Close()

	b.client = nil
	b.running.Store(false)
	b.logger.Info("bridge stopped", nil)
	return err
}

// IsRunning reports whether the bridge has been started and not stopped.
func (b *Bridge) IsRunning() bool {
	return b.running.Load()
}

// Err returns the error that ended forwarding, or nil while it runs.
func (b *Bridge) Err() error {
	if p := b.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Forwarded returns the number of deliveries forwarded successfully.
func (b *Bridge) Forwarded() uint64 {
	return b.forwarded.Load()
}

// Failed returns the number of deliveries the forwarder rejected.
func (b *Bridge) Failed() uint64 {
	return b.failed.Load()
}

// ClientForwarder forwards bridged messages into a queue or route on an
// emq connection.
type ClientForwarder struct {
	client *Client
	queue  string
	route  string
	key    string
}

// NewQueueForwarder forwards into queue, declaring it on c.
func NewQueueForwarder(c *Client, queue string) (*ClientForwarder, error) {
	if err := c.Queues().Declare(queue); err != nil {
		return nil, err
	}
	return &ClientForwarder{client: c, queue: queue}, nil
}

// NewRouteForwarder forwards through route. An empty key routes each
// message by its channel topic, or by its queue name for queue deliveries.
func NewRouteForwarder(c *Client, route, key string) *ClientForwarder {
	return &ClientForwarder{client: c, route: route, key: key}
}

// Forward implements Forwarder. Queue notifications carry no message and
// are skipped.
func (f *ClientForwarder) Forward(_ context.Context, _ string, ev *Event) error {
	if ev.Message == nil {
		return nil
	}

	if f.queue != "" {
		return f.client.Queues().Push(f.queue, ev.Message)
	}

	key := f.key
	if key == "" {
		key = ev.Topic
	}
	if key == "" {
		key = ev.Name
	}
	return f.client.Routes().Push(f.route, key, ev.Message)
}
