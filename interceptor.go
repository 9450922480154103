package emq

// ProducerInterceptor inspects or replaces payloads before they are pushed
// to a queue or route or published to a channel. Interceptors run in the
// order they are configured, each receiving the result of the previous one.
type ProducerInterceptor interface {
	// OnSend is called with the destination name and the payload about to be
	// sent. Returning nil drops the payload: nothing is sent and the call
	// reports success.
	OnSend(name string, p Payload) Payload
}

// ConsumerInterceptor inspects or replaces events before they reach handlers.
type ConsumerInterceptor interface {
	// OnConsume is called for every push event. Returning nil drops the event.
	OnConsume(ev *Event) *Event
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(name string, p Payload) Payload

// OnSend calls f(name, p).
func (f ProducerInterceptorFunc) OnSend(name string, p Payload) Payload { return f(name, p) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(ev *Event) *Event

// OnConsume calls f(ev).
func (f ConsumerInterceptorFunc) OnConsume(ev *Event) *Event { return f(ev) }

// safelyApplyProducerInterceptor recovers from a panicking interceptor and
// passes the payload through unchanged.
func safelyApplyProducerInterceptor(logger Logger, interceptor ProducerInterceptor, name string, p Payload) (result Payload) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("producer interceptor panic", LogFields{LogFieldName: name, LogFieldError: r})
			result = p
		}
	}()
	return interceptor.OnSend(name, p)
}

// safelyApplyConsumerInterceptor recovers from a panicking interceptor and
// passes the event through unchanged.
func safelyApplyConsumerInterceptor(logger Logger, interceptor ConsumerInterceptor, ev *Event) (result *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("consumer interceptor panic", LogFields{LogFieldName: ev.Name, LogFieldError: r})
			result = ev
		}
	}()
	return interceptor.OnConsume(ev)
}

// applyProducerInterceptors runs the chain. A nil result from any
// interceptor stops the chain and returns nil.
func applyProducerInterceptors(logger Logger, interceptors []ProducerInterceptor, name string, p Payload) Payload {
	current := p
	for _, interceptor := range interceptors {
		if isNilPayload(current) {
			return nil
		}
		current = safelyApplyProducerInterceptor(logger, interceptor, name, current)
	}
	if isNilPayload(current) {
		return nil
	}
	return current
}

// applyConsumerInterceptors runs the chain. A nil result from any
// interceptor stops the chain and returns nil.
func applyConsumerInterceptors(logger Logger, interceptors []ConsumerInterceptor, ev *Event) *Event {
	current := ev
	for _, interceptor := range interceptors {
		if current == nil {
			return nil
		}
		current = safelyApplyConsumerInterceptor(logger, interceptor, current)
	}
	return current
}

func isNilPayload(p Payload) bool {
	if p == nil {
		return true
	}
	m, ok := p.(*Message)
	return ok && m == nil
}
