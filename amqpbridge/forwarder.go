// Package amqpbridge forwards emq bridge deliveries to a RabbitMQ exchange.
package amqpbridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vitalvas/emq"
)

// Headers set on every forwarded publishing.
const (
	HeaderBridgeID = emq.BridgeIDHeader
	HeaderSource   = "x-emq-source"
	HeaderTopic    = "x-emq-topic"
	HeaderPattern  = "x-emq-pattern"
	HeaderTag      = "x-emq-tag"
)

// ErrClosed is returned by Forward after Close.
var ErrClosed = errors.New("amqpbridge: forwarder is closed")

// Publisher is the subset of *amqp.Channel used by the forwarder.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RoutingKeyFunc picks the AMQP routing key for an event.
type RoutingKeyFunc func(ev *emq.Event) string

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithRoutingKey sets how routing keys are chosen. By default the channel
// topic is used, or the queue name for queue deliveries.
func WithRoutingKey(fn RoutingKeyFunc) Option {
	return func(f *Forwarder) {
		if fn != nil {
			f.routingKey = fn
		}
	}
}

// WithPersistent marks publishings as persistent.
func WithPersistent(persistent bool) Option {
	return func(f *Forwarder) {
		if persistent {
			f.deliveryMode = amqp.Persistent
		} else {
			f.deliveryMode = amqp.Transient
		}
	}
}

// WithMandatory sets the mandatory publish flag.
func WithMandatory(mandatory bool) Option {
	return func(f *Forwarder) {
		f.mandatory = mandatory
	}
}

// Forwarder publishes bridged emq messages to an AMQP exchange.
// It implements emq.Forwarder.
type Forwarder struct {
	publisher    Publisher
	exchange     string
	routingKey   RoutingKeyFunc
	deliveryMode uint8
	mandatory    bool

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// New creates a forwarder on an existing publisher, usually an *amqp.Channel.
func New(publisher Publisher, exchange string, opts ...Option) *Forwarder {
	f := &Forwarder{
		publisher:    publisher,
		exchange:     exchange,
		routingKey:   defaultRoutingKey,
		deliveryMode: amqp.Transient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dial connects to RabbitMQ, declares exchange as a durable topic exchange
// and returns a forwarder that owns the connection.
func Dial(url, exchange string, opts ...Option) (*Forwarder, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if exchange != "" {
		err = ch.ExchangeDeclare(
			exchange, // name
			"topic",  // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	f := New(ch, exchange, opts...)
	f.conn = conn
	f.channel = ch
	return f, nil
}

func defaultRoutingKey(ev *emq.Event) string {
	if ev.Topic != "" {
		return ev.Topic
	}
	return ev.Name
}

// Forward implements emq.Forwarder. Queue notifications carry no message
// and are skipped.
func (f *Forwarder) Forward(ctx context.Context, bridgeID string, ev *emq.Event) error {
	if ev.Message == nil {
		return nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}

	if err := f.publisher.PublishWithContext(ctx, f.exchange, f.routingKey(ev), f.mandatory, false, f.publishing(bridgeID, ev)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (f *Forwarder) publishing(bridgeID string, ev *emq.Event) amqp.Publishing {
	// the event message is released once the handler returns
	body := make([]byte, ev.Message.Size())
	copy(body, ev.Message.Bytes())

	headers := amqp.Table{
		HeaderBridgeID: bridgeID,
		HeaderSource:   ev.Name,
		HeaderTag:      int64(ev.Message.Tag()),
	}
	if ev.Topic != "" {
		headers[HeaderTopic] = ev.Topic
	}
	if ev.Pattern != "" {
		headers[HeaderPattern] = ev.Pattern
	}

	p := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: f.deliveryMode,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if exp := ev.Message.Expire(); !exp.IsZero() {
		ttl := time.Until(exp).Milliseconds()
		if ttl < 1 {
			ttl = 1
		}
		p.Expiration = strconv.FormatInt(ttl, 10)
	}
	return p
}

// Close closes the channel and connection opened by Dial. Forwarders made
// with New leave the publisher to the caller.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if f.channel != nil {
		errs = append(errs, f.channel.Close())
	}
	if f.conn != nil {
		errs = append(errs, f.conn.Close())
	}
	return errors.Join(errs...)
}
