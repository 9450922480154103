package router

import (
	"regexp"
	"sync"

	"github.com/vitalvas/emq"
)

// Handler processes a routed event. The event message is only valid until
// the handler returns.
type Handler func(ev *emq.Event)

// Condition defines filtering criteria for event routing.
type Condition struct {
	kind           *emq.EventKind
	name           *string
	topicPattern   *string
	pattern        *string
	payloadRegexp  *regexp.Regexp
	minPayloadSize int
	maxPayloadSize int
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithKind filters events by kind.
func WithKind(kind emq.EventKind) ConditionOption {
	return func(c *Condition) {
		c.kind = &kind
	}
}

// WithName filters events by queue or channel name.
func WithName(name string) ConditionOption {
	return func(c *Condition) {
		c.name = &name
	}
}

// WithTopic filters channel events whose topic matches a glob pattern
// (see emq.PatternMatch). Queue events never match.
func WithTopic(pattern string) ConditionOption {
	return func(c *Condition) {
		c.topicPattern = &pattern
	}
}

// WithSubscription filters channel events delivered through the given
// pattern subscription.
func WithSubscription(pattern string) ConditionOption {
	return func(c *Condition) {
		c.pattern = &pattern
	}
}

// WithPayload filters events whose message body matches pattern.
// Notifications carry no body and never match.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.payloadRegexp = pattern
	}
}

// WithPayloadSize filters events by message size in bytes. A zero bound is
// not checked.
func WithPayloadSize(min, max int) ConditionOption {
	return func(c *Condition) {
		c.minPayloadSize = min
		c.maxPayloadSize = max
	}
}

// registration holds a handler with its conditions.
type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches events to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions. A handler without
// conditions receives every event.
//
// Examples:
//
//	r.Handle(handler, WithName("sensors"), WithTopic("room.*.temperature"))
//	r.Handle(handler, WithKind(emq.EventKindQueueNotify))
//	r.Handle(handler, WithPayload(regexp.MustCompile(`^\{`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

// matches checks if a condition matches the event.
func (c *Condition) matches(ev *emq.Event) bool {
	if c.kind != nil && *c.kind != ev.Kind {
		return false
	}
	if c.name != nil && *c.name != ev.Name {
		return false
	}
	if c.topicPattern != nil && (ev.Topic == "" || !emq.PatternMatch(*c.topicPattern, ev.Topic)) {
		return false
	}
	if c.pattern != nil && *c.pattern != ev.Pattern {
		return false
	}

	if c.payloadRegexp == nil && c.minPayloadSize == 0 && c.maxPayloadSize == 0 {
		return true
	}
	if ev.Message == nil {
		return false
	}
	size := ev.Message.Size()
	if c.minPayloadSize > 0 && size < c.minPayloadSize {
		return false
	}
	if c.maxPayloadSize > 0 && size > c.maxPayloadSize {
		return false
	}
	if c.payloadRegexp != nil && !c.payloadRegexp.Match(ev.Message.Bytes()) {
		return false
	}
	return true
}

// Route dispatches an event to all matching handlers in registration order
// and returns how many were called.
func (r *Router) Route(ev *emq.Event) int {
	if ev == nil {
		return 0
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(ev) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(ev)
	}
	return len(matched)
}

// Topics returns the unique registered topic patterns.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	topics := make([]string, 0)
	for _, reg := range r.handlers {
		if reg.condition.topicPattern == nil {
			continue
		}
		if _, ok := seen[*reg.condition.topicPattern]; ok {
			continue
		}
		seen[*reg.condition.topicPattern] = struct{}{}
		topics = append(topics, *reg.condition.topicPattern)
	}
	return topics
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}

// EventHandler returns an emq.Handler that routes every event and keeps
// processing. Pass it to QueueControl.Subscribe, ChannelControl.Subscribe or
// ChannelControl.Psubscribe.
func (r *Router) EventHandler() emq.Handler {
	return func(_ *emq.Client, ev *emq.Event) emq.HandlerResult {
		r.Route(ev)
		return emq.Continue
	}
}
