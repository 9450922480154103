// Package rpc provides request/response calls over emq queues.
// Every request carries a correlation id and the caller's reply queue in a
// small envelope encoded with the emq value codec; servers push the
// response envelope back to that queue.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitalvas/emq"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("rpc: client closed")

	// ErrMalformedEnvelope is returned for a message that is not an rpc envelope.
	ErrMalformedEnvelope = errors.New("rpc: malformed envelope")
)

// HeaderError carries the handler error text in a response.
const HeaderError = "rpc-error"

// defaultPollInterval bounds each broker-side wait so context
// cancellation is noticed.
const defaultPollInterval = 500 * time.Millisecond

// Headers represents RPC headers as key-value pairs.
type Headers map[string]string

// Request represents an RPC request with optional headers.
type Request struct {
	// Payload is the request body.
	Payload []byte

	// Headers contains optional request headers.
	Headers Headers

	// CorrelationID identifies the call. Set by Call.
	CorrelationID string

	// ReplyTo is the queue the response goes to. Set by Call.
	ReplyTo string
}

// Response represents an RPC response with headers.
type Response struct {
	// Payload is the response body.
	Payload []byte

	// Headers contains response headers.
	Headers Headers

	// CorrelationID is the id of the request this response answers.
	CorrelationID string
}

// Err returns the remote handler error, if any.
func (r *Response) Err() error {
	if msg, ok := r.Headers[HeaderError]; ok {
		return fmt.Errorf("rpc: remote error: %s", msg)
	}
	return nil
}

// Queues is the subset of *emq.QueueControl used by this package.
type Queues interface {
	Create(name string, maxMessages, maxMessageSize, flags uint32) error
	Declare(name string) error
	Push(name string, p emq.Payload) error
	Pop(name string, timeout time.Duration) (*emq.Message, error)
	Confirm(name string, tag emq.Tag) error
}

// envelope layout: [correlation id, reply queue, [key, value, ...], payload]
func encodeEnvelope(id, replyTo string, headers Headers, payload []byte) []byte {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e := emq.NewEncoder(64 + len(payload))
	e.List(4).Text(id).Text(replyTo).List(2 * len(keys))
	for _, k := range keys {
		e.Text(k).Text(headers[k])
	}
	e.Binary(payload)
	return e.Bytes()
}

func decodeEnvelope(data []byte) (id, replyTo string, headers Headers, payload []byte, err error) {
	d := emq.NewDecoder(data)

	n, err := d.List()
	if err != nil || n != 4 {
		return "", "", nil, nil, ErrMalformedEnvelope
	}
	if id, err = d.Text(); err != nil {
		return "", "", nil, nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if replyTo, err = d.Text(); err != nil {
		return "", "", nil, nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	pairs, err := d.List()
	if err != nil || pairs%2 != 0 {
		return "", "", nil, nil, ErrMalformedEnvelope
	}
	if pairs > 0 {
		headers = make(Headers, pairs/2)
	}
	for i := 0; i < pairs; i += 2 {
		k, kerr := d.Text()
		v, verr := d.Text()
		if kerr != nil || verr != nil {
			return "", "", nil, nil, ErrMalformedEnvelope
		}
		headers[k] = v
	}

	if payload, err = d.Binary(); err != nil {
		return "", "", nil, nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return id, replyTo, headers, payload, nil
}

// Handler provides request/response calls from one connection. Calls on a
// Handler are serialized because they share its reply queue.
type Handler struct {
	mu           sync.Mutex
	queues       Queues
	replyQueue   string
	pollInterval time.Duration
	declared     map[string]struct{}
	closed       bool
}

// HandlerOptions configures the RPC handler.
type HandlerOptions struct {
	// ReplyQueue is the queue responses are received on.
	// If empty, defaults to "rpc.reply.{uuid}".
	ReplyQueue string

	// PollInterval bounds each wait for a response. Defaults to 500ms.
	PollInterval time.Duration
}

// NewHandler creates the reply queue as an auto-delete queue, declares it
// and returns a handler calling through queues.
func NewHandler(queues Queues, opts *HandlerOptions) (*Handler, error) {
	if queues == nil {
		return nil, errors.New("rpc: queues are required")
	}
	if opts == nil {
		opts = &HandlerOptions{}
	}

	replyQueue := opts.ReplyQueue
	if replyQueue == "" {
		replyQueue = "rpc.reply." + uuid.NewString()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	if err := queues.Create(replyQueue, 0, 0, emq.QueueAutoDelete); err != nil && !hasStatus(err, emq.StatusAlreadyExists) {
		return nil, fmt.Errorf("rpc: failed to create reply queue: %w", err)
	}
	if err := queues.Declare(replyQueue); err != nil {
		return nil, fmt.Errorf("rpc: failed to declare reply queue: %w", err)
	}

	return &Handler{
		queues:       queues,
		replyQueue:   replyQueue,
		pollInterval: poll,
		declared:     make(map[string]struct{}),
	}, nil
}

// ReplyQueue returns the queue responses are received on.
func (h *Handler) ReplyQueue() string {
	return h.replyQueue
}

// Call declares queue on first use, pushes req to it and waits for the matching response or the end
// of ctx. Responses to earlier abandoned calls are confirmed and dropped.
func (h *Handler) Call(ctx context.Context, queue string, req *Request) (*Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClientClosed
	}
	if req == nil {
		req = &Request{}
	}

	if _, ok := h.declared[queue]; !ok {
		if err := h.queues.Declare(queue); err != nil {
			return nil, fmt.Errorf("rpc: failed to declare %s: %w", queue, err)
		}
		h.declared[queue] = struct{}{}
	}

	id := uuid.NewString()
	body := encodeEnvelope(id, h.replyQueue, req.Headers, req.Payload)
	if err := h.queues.Push(queue, emq.NewMessage(body)); err != nil {
		return nil, fmt.Errorf("rpc: failed to push request: %w", err)
	}

	for {
		wait := h.pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			left := time.Until(deadline)
			if left <= 0 {
				return nil, ErrTimeout
			}
			wait = min(wait, left)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := h.queues.Pop(h.replyQueue, wait)
		if errors.Is(err, emq.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rpc: failed to receive response: %w", err)
		}

		resp, match := h.accept(msg, id)
		if match {
			return resp, nil
		}
	}
}

// accept confirms msg and reports whether it answers id.
func (h *Handler) accept(msg *emq.Message, id string) (*Response, bool) {
	defer msg.Release()
	h.queues.Confirm(h.replyQueue, msg.Tag())

	corrID, _, headers, payload, err := decodeEnvelope(msg.Bytes())
	if err != nil || corrID != id {
		return nil, false
	}
	return &Response{Payload: payload, Headers: headers, CorrelationID: corrID}, true
}

// CallWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) CallWithTimeout(queue string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Call(ctx, queue, req)
}

// Request sends a simple request without headers and waits for a response.
func (h *Handler) Request(ctx context.Context, queue string, payload []byte) (*Response, error) {
	return h.Call(ctx, queue, &Request{Payload: payload})
}

// RequestWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) RequestWithTimeout(queue string, payload []byte, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Request(ctx, queue, payload)
}

// Close stops further calls. The reply queue is removed by the broker once
// every connection that declared it has closed.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// ServeFunc handles one request. A returned error is sent to the caller in
// the HeaderError header.
type ServeFunc func(ctx context.Context, req *Request) (*Response, error)

// Serve declares queue and answers its requests until ctx ends. Each
// request is confirmed after its response is pushed, so a server that dies
// mid-request leaves it for another server. Malformed requests are
// confirmed and dropped, as are responses whose reply queue is gone.
func Serve(ctx context.Context, queues Queues, queue string, fn ServeFunc) error {
	if err := queues.Declare(queue); err != nil {
		return fmt.Errorf("rpc: failed to declare %s: %w", queue, err)
	}

	s := &server{queues: queues, queue: queue, fn: fn, declared: make(map[string]struct{})}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := queues.Pop(queue, defaultPollInterval)
		if errors.Is(err, emq.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			return fmt.Errorf("rpc: failed to receive request: %w", err)
		}

		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

type server struct {
	queues   Queues
	queue    string
	fn       ServeFunc
	declared map[string]struct{}
}

func (s *server) handle(ctx context.Context, msg *emq.Message) error {
	defer msg.Release()

	id, replyTo, headers, payload, err := decodeEnvelope(msg.Bytes())
	if err != nil || replyTo == "" {
		return s.queues.Confirm(s.queue, msg.Tag())
	}

	resp, err := s.fn(ctx, &Request{
		Payload:       payload,
		Headers:       headers,
		CorrelationID: id,
		ReplyTo:       replyTo,
	})
	if resp == nil {
		resp = &Response{}
	}
	respHeaders := resp.Headers
	if err != nil {
		respHeaders = make(Headers, len(resp.Headers)+1)
		for k, v := range resp.Headers {
			respHeaders[k] = v
		}
		respHeaders[HeaderError] = err.Error()
	}

	if err := s.reply(replyTo, encodeEnvelope(id, "", respHeaders, resp.Payload)); err != nil {
		return err
	}
	return s.queues.Confirm(s.queue, msg.Tag())
}

func (s *server) reply(queue string, body []byte) error {
	if _, ok := s.declared[queue]; !ok {
		if err := s.queues.Declare(queue); err != nil {
			if hasStatus(err, emq.StatusNotFound) {
				return nil
			}
			return fmt.Errorf("rpc: failed to declare reply queue: %w", err)
		}
		s.declared[queue] = struct{}{}
	}

	err := s.queues.Push(queue, emq.NewMessage(body))
	switch {
	case err == nil:
		return nil
	case hasStatus(err, emq.StatusNotFound), hasStatus(err, emq.StatusNotDeclared):
		delete(s.declared, queue)
		return nil
	case hasStatus(err, emq.StatusQueueFull):
		return nil
	default:
		return fmt.Errorf("rpc: failed to push response: %w", err)
	}
}

func hasStatus(err error, status emq.Status) bool {
	var opErr *emq.OperationError
	return errors.As(err, &opErr) && opErr.Status == status
}
