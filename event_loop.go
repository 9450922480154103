package emq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventKind identifies the kind of a push event.
type EventKind uint8

// Event kinds.
const (
	EventKindQueueMessage EventKind = iota + 1
	EventKindQueueNotify
	EventKindChannelMessage
	EventKindChannelPatternMessage
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventKindQueueMessage:
		return "queue_message"
	case EventKindQueueNotify:
		return "queue_notify"
	case EventKindChannelMessage:
		return "channel_message"
	case EventKindChannelPatternMessage:
		return "channel_pattern_message"
	default:
		return "unknown"
	}
}

func (k EventKind) command() Command {
	switch k {
	case EventKindQueueMessage:
		return EventQueueMessage
	case EventKindQueueNotify:
		return EventQueueNotify
	case EventKindChannelMessage:
		return EventChannelMessage
	default:
		return EventChannelPatternMessage
	}
}

// Event is a server-initiated delivery.
type Event struct {
	Kind EventKind

	// Name is the queue or channel name.
	Name string

	// Topic is the publish topic of a channel message.
	Topic string

	// Pattern is the subscription pattern that matched a channel message.
	Pattern string

	// Message is nil for queue notifications. It is released when the
	// handler returns; call Retain to keep it longer.
	Message *Message
}

// HandlerResult tells Process whether to keep waiting for events.
type HandlerResult int

const (
	// Continue keeps Process running.
	Continue HandlerResult = iota
	// Stop makes Process return nil after the handler.
	Stop
)

// Handler receives push events for a subscription.
type Handler func(c *Client, ev *Event) HandlerResult

type handlerKind uint8

const (
	handlerQueue handlerKind = iota
	handlerTopic
	handlerPattern
)

// handlerKey identifies a subscription: a queue, a (channel, topic) pair
// or a (channel, pattern) pair.
type handlerKey struct {
	kind handlerKind
	name string
	sub  string
}

func queueKey(name string) handlerKey {
	return handlerKey{kind: handlerQueue, name: name}
}

func topicKey(channel, topic string) handlerKey {
	return handlerKey{kind: handlerTopic, name: channel, sub: topic}
}

func patternKey(channel, pattern string) handlerKey {
	return handlerKey{kind: handlerPattern, name: channel, sub: pattern}
}

func (ev *Event) key() handlerKey {
	switch ev.Kind {
	case EventKindChannelMessage:
		return topicKey(ev.Name, ev.Topic)
	case EventKindChannelPatternMessage:
		return patternKey(ev.Name, ev.Pattern)
	default:
		return queueKey(ev.Name)
	}
}

// Process delivers push events to their handlers.
//
// Buffered events are delivered first. Process then waits for new events
// until a handler returns Stop, in which case it returns nil. It returns an
// error wrapping ErrTimeout when ctx reaches its deadline, ctx.Err() when ctx
// is canceled, ErrConnectionLost when the connection closes and
// ErrProtocolError when the broker sends a reply nobody asked for.
// Without a ctx deadline Process waits indefinitely.
//
// Events without a registered handler are dropped.
func (c *Client) Process(ctx context.Context) error {
	if c == nil || c.closed.Load() {
		return ErrNotConnected
	}
	if !c.authenticated.Load() {
		if !c.connected.Load() {
			return ErrNotConnected
		}
		return ErrNotAuthenticated
	}

	for {
		for ev := c.nextPending(); ev != nil; ev = c.nextPending() {
			if c.dispatch(ev) == Stop {
				return nil
			}
		}

		f, err := c.readEvent(ctx)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}

		ev, err := decodeEvent(f)
		if err != nil {
			c.logger.Warn("malformed push", LogFields{LogFieldCommand: f.Command, LogFieldError: err})
			return err
		}

		if c.dispatch(ev) == Stop {
			return nil
		}
	}
}

// readEvent waits for the next push frame. It returns a nil frame when
// events were buffered by a request made while it waited for the connection.
func (c *Client) readEvent(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.hasPending() {
		return nil, nil
	}
	if !c.connected.Load() {
		if c.closed.Load() {
			return nil, ErrNotConnected
		}
		return nil, NewConnectionLostError(nil)
	}

	deadline, _ := ctx.Deadline()
	c.conn.SetReadDeadline(deadline)

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
		c.conn.SetReadDeadline(noDeadline)
	}()

	for {
		f, err := c.readFrame()
		if err != nil {
			if isTimeout(err) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, contextError(ctxErr)
				}
				return nil, ErrTimeout
			}
			return nil, err
		}

		if f.IsPush() {
			return f, nil
		}
		if c.discardStale(f.RequestID) {
			continue
		}
		return nil, fmt.Errorf("%w: reply to request %d with no request outstanding", ErrProtocolError, f.RequestID)
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// dispatch runs the consumer interceptors and the matching handler.
func (c *Client) dispatch(ev *Event) HandlerResult {
	event := ev.Kind.command()
	c.metrics.EventReceived(event)

	msg := ev.Message
	defer msg.Release()

	ev = applyConsumerInterceptors(c.logger, c.options.consumerInterceptors, ev)
	if ev == nil {
		return Continue
	}

	h := c.handler(ev.key())
	if h == nil {
		c.metrics.EventDropped(event)
		c.logger.Debug("no handler for event", LogFields{
			LogFieldCommand: event,
			LogFieldName:    ev.Name,
		})
		return Continue
	}

	return h(c, ev)
}

// decodeEvent decodes a push frame body.
//
//	queue message            [queue, message]
//	queue notify             [queue]
//	channel message          [channel, topic, message]
//	channel pattern message  [channel, topic, pattern, message]
func decodeEvent(f *Frame) (*Event, error) {
	d := f.Decoder()
	ev := &Event{}

	var err error
	if ev.Name, err = d.Text(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocolError, f.Command, err)
	}

	switch f.Command {
	case EventQueueMessage:
		ev.Kind = EventKindQueueMessage
	case EventQueueNotify:
		ev.Kind = EventKindQueueNotify
		return ev, nil
	case EventChannelMessage:
		ev.Kind = EventKindChannelMessage
		ev.Topic, err = d.Text()
	case EventChannelPatternMessage:
		ev.Kind = EventKindChannelPatternMessage
		if ev.Topic, err = d.Text(); err == nil {
			ev.Pattern, err = d.Text()
		}
	default:
		return nil, fmt.Errorf("%w: unexpected push %s", ErrProtocolError, f.Command)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocolError, f.Command, err)
	}

	if ev.Message, err = decodeBrokerMessage(d); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocolError, f.Command, err)
	}
	return ev, nil
}

// encodeEvent writes a push body in the layout read by decodeEvent.
func encodeEvent(e *Encoder, ev *Event) {
	e.Text(ev.Name)
	switch ev.Kind {
	case EventKindQueueNotify:
		return
	case EventKindChannelMessage:
		e.Text(ev.Topic)
	case EventKindChannelPatternMessage:
		e.Text(ev.Topic).Text(ev.Pattern)
	}
	encodeMessage(e, ev.Message, ev.Message.Tag())
}
