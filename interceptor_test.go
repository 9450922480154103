package emq

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProducer struct {
	names []string
	wrap  func(Payload) Payload
}

func (r *recordingProducer) OnSend(name string, p Payload) Payload {
	r.names = append(r.names, name)
	if r.wrap != nil {
		return r.wrap(p)
	}
	return p
}

type panicProducer struct{}

func (panicProducer) OnSend(string, Payload) Payload { panic("producer boom") }

type panicConsumer struct{}

func (panicConsumer) OnConsume(*Event) *Event { panic("consumer boom") }

func TestApplyProducerInterceptors(t *testing.T) {
	logger := NewNoOpLogger()

	t.Run("no interceptors returns original payload", func(t *testing.T) {
		msg := NewTextMessage("data")
		assert.Same(t, msg, applyProducerInterceptors(logger, nil, "q", msg))
	})

	t.Run("chain runs in order with destination name", func(t *testing.T) {
		first := &recordingProducer{wrap: func(p Payload) Payload {
			return NewMessage(append([]byte("a"), p.Bytes()...))
		}}
		second := &recordingProducer{wrap: func(p Payload) Payload {
			return NewMessage(append([]byte("b"), p.Bytes()...))
		}}

		result := applyProducerInterceptors(logger, []ProducerInterceptor{first, second}, "orders", NewTextMessage("x"))
		require.NotNil(t, result)
		assert.Equal(t, "bax", string(result.Bytes()))
		assert.Equal(t, []string{"orders"}, first.names)
		assert.Equal(t, []string{"orders"}, second.names)
	})

	t.Run("nil result drops the payload and stops the chain", func(t *testing.T) {
		drop := ProducerInterceptorFunc(func(string, Payload) Payload { return nil })
		after := &recordingProducer{}

		result := applyProducerInterceptors(logger, []ProducerInterceptor{drop, after}, "q", NewTextMessage("x"))
		assert.Nil(t, result)
		assert.Empty(t, after.names)
	})

	t.Run("typed nil message counts as drop", func(t *testing.T) {
		drop := ProducerInterceptorFunc(func(string, Payload) Payload {
			var m *Message
			return m
		})
		assert.Nil(t, applyProducerInterceptors(logger, []ProducerInterceptor{drop}, "q", NewTextMessage("x")))
	})

	t.Run("panic passes payload through and is logged", func(t *testing.T) {
		buf := &bytes.Buffer{}
		msg := NewTextMessage("keep")

		result := applyProducerInterceptors(NewStdLogger(buf, LogLevelDebug), []ProducerInterceptor{panicProducer{}}, "q", msg)
		assert.Same(t, msg, result)
		assert.Contains(t, buf.String(), "producer interceptor panic")
		assert.Contains(t, buf.String(), "producer boom")
	})

	t.Run("views pass through unchanged", func(t *testing.T) {
		view := NewMessageView([]byte("borrowed"))
		result := applyProducerInterceptors(logger, []ProducerInterceptor{&recordingProducer{}}, "q", view)
		assert.Equal(t, view, result)
	})
}

func TestApplyConsumerInterceptors(t *testing.T) {
	logger := NewNoOpLogger()
	event := func() *Event {
		return &Event{Kind: EventKindQueueMessage, Name: "q", Message: NewTextMessage("m")}
	}

	t.Run("no interceptors returns original event", func(t *testing.T) {
		ev := event()
		assert.Same(t, ev, applyConsumerInterceptors(logger, nil, ev))
	})

	t.Run("interceptor can rewrite the event", func(t *testing.T) {
		upper := ConsumerInterceptorFunc(func(ev *Event) *Event {
			ev.Message = NewMessage(bytes.ToUpper(ev.Message.Bytes()))
			return ev
		})

		result := applyConsumerInterceptors(logger, []ConsumerInterceptor{upper}, event())
		require.NotNil(t, result)
		assert.Equal(t, "M", result.Message.String())
	})

	t.Run("nil result drops the event", func(t *testing.T) {
		drop := ConsumerInterceptorFunc(func(*Event) *Event { return nil })
		called := false
		after := ConsumerInterceptorFunc(func(ev *Event) *Event { called = true; return ev })

		assert.Nil(t, applyConsumerInterceptors(logger, []ConsumerInterceptor{drop, after}, event()))
		assert.False(t, called)
	})

	t.Run("panic passes event through", func(t *testing.T) {
		ev := event()
		assert.Same(t, ev, applyConsumerInterceptors(logger, []ConsumerInterceptor{panicConsumer{}}, ev))
	})
}
