package emq

import (
	"errors"
	"fmt"
	"time"
)

// ErrNilHandler is returned when a subscription is made without a handler.
var ErrNilHandler = errors.New("handler cannot be nil")

// ErrNilPayload is returned when a push or publish is made without a payload.
var ErrNilPayload = errors.New("payload cannot be nil")

// QueueControl manages broker queues. Obtain it with Client.Queues.
//
// A connection must Declare a queue before it can push to, read from or
// subscribe to it.
type QueueControl struct {
	exec executor
}

// Create creates a queue. Zero limits select MaxMessages and MaxMessageSize.
func (q *QueueControl) Create(name string, maxMessages, maxMessageSize, flags uint32) error {
	if err := checkNames(name); err != nil {
		return err
	}
	_, err := q.exec.roundTrip(request{
		cmd: CmdQueueCreate,
		encode: func(e *Encoder) {
			e.Text(name).Uint(uint64(maxMessages)).Uint(uint64(maxMessageSize)).Uint(uint64(flags))
		},
	})
	return err
}

// Declare attaches the connection to an existing queue. Repeated declares succeed.
func (q *QueueControl) Declare(name string) error {
	return q.simple(CmdQueueDeclare, name)
}

// Exist reports whether the queue exists. A missing queue is (false, nil).
func (q *QueueControl) Exist(name string) (bool, error) {
	return exist(q.exec, CmdQueueExist, name)
}

// List returns every queue in broker order.
func (q *QueueControl) List() ([]Queue, error) {
	return list(q.exec, CmdQueueList, decodeQueue)
}

// Rename renames a queue.
func (q *QueueControl) Rename(from, to string) error {
	return rename(q.exec, CmdQueueRename, from, to)
}

// Size returns the number of messages held by the queue, including popped
// messages that are not confirmed yet.
func (q *QueueControl) Size(name string) (int, error) {
	if err := checkNames(name); err != nil {
		return 0, err
	}
	d, err := q.exec.roundTrip(request{
		cmd:    CmdQueueSize,
		result: true,
		encode: func(e *Encoder) { e.Text(name) },
	})
	if err != nil {
		return 0, err
	}

	n, err := d.Uint32()
	if err != nil {
		return 0, fmt.Errorf("%w: size reply: %w", ErrProtocolError, err)
	}
	return int(n), nil
}

// Push appends a message to the queue. The payload is only read during the call.
func (q *QueueControl) Push(name string, p Payload) error {
	if err := checkNames(name); err != nil {
		return err
	}
	if isNilPayload(p) {
		return ErrNilPayload
	}

	p = q.exec.produce(name, p)
	if p == nil {
		return nil
	}

	_, err := q.exec.roundTrip(request{
		cmd: CmdQueuePush,
		encode: func(e *Encoder) {
			e.Text(name)
			encodeMessage(e, p, 0)
		},
	})
	return err
}

// Get removes and returns the head message. The message needs no Confirm.
// An empty queue returns an error matching ErrQueueEmpty.
func (q *QueueControl) Get(name string) (*Message, error) {
	if err := checkNames(name); err != nil {
		return nil, err
	}
	d, err := q.exec.roundTrip(request{
		cmd:    CmdQueueGet,
		result: true,
		encode: func(e *Encoder) { e.Text(name) },
	})
	if err != nil {
		return nil, err
	}
	return replyMessage(d)
}

// Pop takes the head message, waiting up to timeout for one to arrive.
// A zero timeout returns at once. The message stays reserved for this
// connection until Confirm; if the connection closes first the broker
// requeues it. An empty queue returns an error matching ErrQueueEmpty.
func (q *QueueControl) Pop(name string, timeout time.Duration) (*Message, error) {
	if err := checkNames(name); err != nil {
		return nil, err
	}
	if timeout < 0 {
		timeout = 0
	}
	d, err := q.exec.roundTrip(request{
		cmd:    CmdQueuePop,
		result: true,
		wait:   timeout,
		encode: func(e *Encoder) {
			e.Text(name).Uint(uint64(timeout / time.Millisecond))
		},
	})
	if err != nil {
		return nil, err
	}
	return replyMessage(d)
}

// Confirm acknowledges a popped message, removing it from the queue.
func (q *QueueControl) Confirm(name string, tag Tag) error {
	if err := checkNames(name); err != nil {
		return err
	}
	_, err := q.exec.roundTrip(request{
		cmd:    CmdQueueConfirm,
		encode: func(e *Encoder) { e.Text(name).Uint(uint64(tag)) },
	})
	return err
}

// Subscribe registers h for the queue's events. With SubscribeMsg each
// message is delivered to one subscriber and removed from the queue; with
// SubscribeNotify every subscriber is told a message arrived. Zero flags
// select SubscribeMsg. The handler is registered once the broker accepts,
// also in no-acknowledgment mode.
func (q *QueueControl) Subscribe(name string, flags uint32, h Handler) error {
	if err := checkNames(name); err != nil {
		return err
	}
	if h == nil {
		return ErrNilHandler
	}
	if flags == 0 {
		flags = SubscribeMsg
	}

	_, err := q.exec.roundTrip(request{
		cmd:    CmdQueueSubscribe,
		result: true,
		encode: func(e *Encoder) { e.Text(name).Uint(uint64(flags)) },
	})
	if err != nil {
		return err
	}

	q.exec.setHandler(queueKey(name), h)
	return nil
}

// Unsubscribe cancels the queue subscription. The local handler is removed
// even when the broker reports an error.
func (q *QueueControl) Unsubscribe(name string) error {
	q.exec.removeHandler(queueKey(name))
	return q.simple(CmdQueueUnsubscribe, name)
}

// Purge removes every message from the queue.
func (q *QueueControl) Purge(name string) error {
	return q.simple(CmdQueuePurge, name)
}

// Delete removes the queue and its messages.
func (q *QueueControl) Delete(name string) error {
	return q.simple(CmdQueueDelete, name)
}

func (q *QueueControl) simple(cmd Command, name string) error {
	return simple(q.exec, cmd, name)
}

// simple runs a command whose only argument is a name.
func simple(exec executor, cmd Command, name string) error {
	if err := checkNames(name); err != nil {
		return err
	}
	_, err := exec.roundTrip(request{
		cmd:    cmd,
		encode: func(e *Encoder) { e.Text(name) },
	})
	return err
}

func exist(exec executor, cmd Command, name string) (bool, error) {
	if err := checkNames(name); err != nil {
		return false, err
	}
	d, err := exec.roundTrip(request{
		cmd:    cmd,
		result: true,
		encode: func(e *Encoder) { e.Text(name) },
	})
	if err != nil {
		return false, err
	}

	ok, err := d.Bool()
	if err != nil {
		return false, fmt.Errorf("%w: %s reply: %w", ErrProtocolError, cmd, err)
	}
	return ok, nil
}

func rename(exec executor, cmd Command, from, to string) error {
	if err := checkNames(from, to); err != nil {
		return err
	}
	_, err := exec.roundTrip(request{
		cmd:    cmd,
		encode: func(e *Encoder) { e.Text(from).Text(to) },
	})
	return err
}

func list[T any](exec executor, cmd Command, decode func(*Decoder) (T, error)) ([]T, error) {
	d, err := exec.roundTrip(request{cmd: cmd, result: true})
	if err != nil {
		return nil, err
	}

	out, err := decodeRecords(d, decode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s reply: %w", ErrProtocolError, cmd, err)
	}
	return out, nil
}

func replyMessage(d *Decoder) (*Message, error) {
	msg, err := decodeBrokerMessage(d)
	if err != nil {
		return nil, fmt.Errorf("%w: message reply: %w", ErrProtocolError, err)
	}
	return msg, nil
}
