package emq

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// statusError is a command failure carrying the reply status.
type statusError struct {
	status Status
	reason string
}

func (e *statusError) Error() string {
	if e.reason == "" {
		return e.status.String()
	}
	return e.reason
}

func statusErrorf(status Status, format string, args ...any) error {
	return &statusError{status: status, reason: fmt.Sprintf(format, args...)}
}

// replyStatus maps a command error to its reply status and reason.
func replyStatus(err error) (Status, string) {
	if err == nil {
		return StatusOK, ""
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status, se.reason
	}
	return StatusError, err.Error()
}

func hasStatus(err error, status Status) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == status
}

// delivery is a push frame queued for a connection. Deliveries are
// collected under the state lock and written after it is released.
type delivery struct {
	to    *ServerClient
	event Command
	body  []byte
}

func queueMessageDelivery(to *ServerClient, queue string, m *storedMessage) delivery {
	e := NewEncoder(32 + len(m.data))
	encodeEvent(e, &Event{Kind: EventKindQueueMessage, Name: queue, Message: m.message()})
	return delivery{to: to, event: EventQueueMessage, body: e.Bytes()}
}

func queueNotifyDelivery(to *ServerClient, queue string) delivery {
	e := NewEncoder(8 + len(queue))
	encodeEvent(e, &Event{Kind: EventKindQueueNotify, Name: queue})
	return delivery{to: to, event: EventQueueNotify, body: e.Bytes()}
}

// storedMessage is a message held by a broker queue.
type storedMessage struct {
	data   []byte
	expire time.Time
	tag    Tag
}

func (m *storedMessage) Bytes() []byte     { return m.data }
func (m *storedMessage) Expire() time.Time { return m.expire }

func (m *storedMessage) message() *Message {
	return newOwnedMessage(m.data, m.expire, m.tag)
}

type inflight struct {
	msg   *storedMessage
	owner *ServerClient
}

type queueSubscriber struct {
	client *ServerClient
	flags  uint32
}

type brokerQueue struct {
	name           string
	maxMessages    uint32
	maxMessageSize uint32
	flags          uint32

	ready       []*storedMessage
	unconfirmed map[Tag]inflight
	declared    map[*ServerClient]struct{}
	subscribers []queueSubscriber
	next        int

	// signal is closed and replaced whenever a waiting pop should retry.
	signal chan struct{}
}

func newBrokerQueue(name string, maxMessages, maxMessageSize, flags uint32) *brokerQueue {
	if maxMessages == 0 {
		maxMessages = MaxMessages
	}
	if maxMessageSize == 0 {
		maxMessageSize = MaxMessageSize
	}
	return &brokerQueue{
		name:           name,
		maxMessages:    maxMessages,
		maxMessageSize: maxMessageSize,
		flags:          flags,
		unconfirmed:    make(map[Tag]inflight),
		declared:       make(map[*ServerClient]struct{}),
		signal:         make(chan struct{}),
	}
}

func (q *brokerQueue) size() int {
	return len(q.ready) + len(q.unconfirmed)
}

func (q *brokerQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *brokerQueue) isDeclared(c *ServerClient) bool {
	_, ok := q.declared[c]
	return ok
}

func (q *brokerQueue) pruneExpired(now time.Time) {
	q.ready = slices.DeleteFunc(q.ready, func(m *storedMessage) bool {
		return isExpired(m.expire, now)
	})
}

// take removes the head message, dropping expired ones on the way.
func (q *brokerQueue) take(now time.Time) *storedMessage {
	for len(q.ready) > 0 {
		m := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]
		if !isExpired(m.expire, now) {
			return m
		}
	}
	return nil
}

// consumer picks the SubscribeMsg subscriber for the next message. Without
// QueueRoundRobin the earliest subscriber receives every message.
func (q *brokerQueue) consumer() *ServerClient {
	var consumers []*ServerClient
	for _, s := range q.subscribers {
		if s.flags&SubscribeMsg != 0 {
			consumers = append(consumers, s.client)
		}
	}
	if len(consumers) == 0 {
		return nil
	}
	if q.flags&QueueRoundRobin == 0 {
		return consumers[0]
	}
	c := consumers[q.next%len(consumers)]
	q.next++
	return c
}

// drain hands ready messages to message subscribers until none is left.
func (q *brokerQueue) drain(now time.Time) []delivery {
	var out []delivery
	for len(q.ready) > 0 {
		to := q.consumer()
		if to == nil {
			break
		}
		m := q.take(now)
		if m == nil {
			break
		}
		out = append(out, queueMessageDelivery(to, q.name, m))
	}
	return out
}

func (q *brokerQueue) notifications() []delivery {
	var out []delivery
	for _, s := range q.subscribers {
		if s.flags&SubscribeNotify != 0 {
			out = append(out, queueNotifyDelivery(s.client, q.name))
		}
	}
	return out
}

func (q *brokerQueue) unsubscribe(c *ServerClient) bool {
	n := len(q.subscribers)
	q.subscribers = slices.DeleteFunc(q.subscribers, func(s queueSubscriber) bool {
		return s.client == c
	})
	return len(q.subscribers) != n
}

func (q *brokerQueue) record() Queue {
	return Queue{
		Name:              q.name,
		MaxMessages:       q.maxMessages,
		MaxMessageSize:    q.maxMessageSize,
		Flags:             q.flags,
		Size:              uint32(q.size()),
		DeclaredClients:   uint32(len(q.declared)),
		SubscribedClients: uint32(len(q.subscribers)),
	}
}

type routeBinding struct {
	key   string
	queue string
}

type brokerRoute struct {
	name     string
	flags    uint32
	bindings []routeBinding
	next     map[string]int
}

func (r *brokerRoute) queuesFor(key string) []string {
	var out []string
	for _, b := range r.bindings {
		if b.key == key {
			out = append(out, b.queue)
		}
	}
	return out
}

type channelSubscriber struct {
	client  *ServerClient
	sub     string
	pattern bool
}

type brokerChannel struct {
	name  string
	flags uint32
	subs  []channelSubscriber
	next  int
}

func (ch *brokerChannel) record() Channel {
	topics := make(map[string]struct{})
	patterns := make(map[string]struct{})
	for _, s := range ch.subs {
		if s.pattern {
			patterns[s.sub] = struct{}{}
		} else {
			topics[s.sub] = struct{}{}
		}
	}
	return Channel{
		Name:     ch.name,
		Flags:    ch.flags,
		Topics:   uint32(len(topics)),
		Patterns: uint32(len(patterns)),
	}
}

// removeSubs drops the matching subscriptions and reports whether any matched.
func (ch *brokerChannel) removeSubs(match func(channelSubscriber) bool) bool {
	n := len(ch.subs)
	ch.subs = slices.DeleteFunc(ch.subs, match)
	return len(ch.subs) != n
}

// brokerState is the in-memory broker data set, guarded by a single lock.
type brokerState struct {
	mu       sync.Mutex
	users    *userTable
	queues   map[string]*brokerQueue
	routes   map[string]*brokerRoute
	channels map[string]*brokerChannel
	lastTag  Tag
	now      func() time.Time
}

func newBrokerState() *brokerState {
	return &brokerState{
		users:    newUserTable(),
		queues:   make(map[string]*brokerQueue),
		routes:   make(map[string]*brokerRoute),
		channels: make(map[string]*brokerChannel),
		now:      time.Now,
	}
}

func (st *brokerState) nextTag() Tag {
	st.lastTag++
	return st.lastTag
}

// users

func (st *brokerState) authenticate(name, password string) (Perm, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	c, ok := st.users.authenticate(name, password)
	if !ok {
		return PermNone, false
	}
	return c.perm, true
}

// permOf returns the current permissions of an account.
func (st *brokerState) permOf(name string) (Perm, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	c, ok := st.users.users[name]
	if !ok {
		return PermNone, false
	}
	return c.perm, true
}

func (st *brokerState) userCreate(name, password string, perm Perm) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.users.add(name, password, perm)
}

func (st *brokerState) userList() []User {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.users.list()
}

func (st *brokerState) userRename(from, to string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.users.rename(from, to)
}

func (st *brokerState) userSetPerm(name string, perm Perm) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.users.setPerm(name, perm)
}

func (st *brokerState) userDelete(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.users.remove(name)
}

// queues

func (st *brokerState) queue(name string) (*brokerQueue, error) {
	q, ok := st.queues[name]
	if !ok {
		return nil, statusErrorf(StatusNotFound, "queue %q not found", name)
	}
	return q, nil
}

func (st *brokerState) declaredQueue(c *ServerClient, name string) (*brokerQueue, error) {
	q, err := st.queue(name)
	if err != nil {
		return nil, err
	}
	if !q.isDeclared(c) {
		return nil, statusErrorf(StatusNotDeclared, "queue %q not declared", name)
	}
	return q, nil
}

func (st *brokerState) queueCreate(name string, maxMessages, maxMessageSize, flags uint32) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.queues[name]; ok {
		return statusErrorf(StatusAlreadyExists, "queue %q already exists", name)
	}
	st.queues[name] = newBrokerQueue(name, maxMessages, maxMessageSize, flags)
	return nil
}

func (st *brokerState) queueDeclare(c *ServerClient, name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.queue(name)
	if err != nil {
		return err
	}
	q.declared[c] = struct{}{}
	return nil
}

func (st *brokerState) queueExist(name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.queues[name]
	return ok
}

func (st *brokerState) queueList() []Queue {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	out := make([]Queue, 0, len(st.queues))
	for _, q := range st.queues {
		q.pruneExpired(now)
		out = append(out, q.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *brokerState) queueRename(from, to string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.queue(from)
	if err != nil {
		return err
	}
	if _, ok := st.queues[to]; ok {
		return statusErrorf(StatusAlreadyExists, "queue %q already exists", to)
	}

	delete(st.queues, from)
	q.name = to
	st.queues[to] = q

	for _, r := range st.routes {
		for i := range r.bindings {
			if r.bindings[i].queue == from {
				r.bindings[i].queue = to
			}
		}
	}
	return nil
}

func (st *brokerState) queueSize(name string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.queue(name)
	if err != nil {
		return 0, err
	}
	q.pruneExpired(st.now())
	return q.size(), nil
}

func (st *brokerState) queuePush(c *ServerClient, name string, data []byte, expire time.Time) ([]delivery, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.declaredQueue(c, name)
	if err != nil {
		return nil, err
	}
	return st.enqueue(q, data, expire)
}

// enqueue stores a message, or hands it straight to a message subscriber.
func (st *brokerState) enqueue(q *brokerQueue, data []byte, expire time.Time) ([]delivery, error) {
	if uint64(len(data)) > uint64(q.maxMessageSize) {
		return nil, statusErrorf(StatusMessageTooLarge, "message of %d bytes exceeds %d", len(data), q.maxMessageSize)
	}

	now := st.now()
	if isExpired(expire, now) {
		return nil, nil
	}

	m := &storedMessage{data: data, expire: expire, tag: st.nextTag()}
	out := q.notifications()

	if to := q.consumer(); to != nil && len(q.ready) == 0 {
		return append(out, queueMessageDelivery(to, q.name, m)), nil
	}

	if q.size() >= int(q.maxMessages) {
		q.pruneExpired(now)
	}
	if q.size() >= int(q.maxMessages) {
		if q.flags&QueueForcePush == 0 || len(q.ready) == 0 {
			return nil, statusErrorf(StatusQueueFull, "queue %q is full", q.name)
		}
		q.take(now)
	}

	q.ready = append(q.ready, m)
	q.wake()
	return out, nil
}

func (st *brokerState) queueGet(c *ServerClient, name string) (*storedMessage, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.declaredQueue(c, name)
	if err != nil {
		return nil, err
	}
	m := q.take(st.now())
	if m == nil {
		return nil, statusErrorf(StatusEmpty, "queue %q is empty", name)
	}
	return m, nil
}

// queuePop reserves the head message for c. When the queue is empty it
// returns a channel that is closed when the pop should be retried.
func (st *brokerState) queuePop(c *ServerClient, name string) (*storedMessage, <-chan struct{}, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.declaredQueue(c, name)
	if err != nil {
		return nil, nil, err
	}
	m := q.take(st.now())
	if m == nil {
		return nil, q.signal, statusErrorf(StatusEmpty, "queue %q is empty", name)
	}
	q.unconfirmed[m.tag] = inflight{msg: m, owner: c}
	return m, nil, nil
}

func (st *brokerState) queueConfirm(c *ServerClient, name string, tag Tag) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.queue(name)
	if err != nil {
		return err
	}
	f, ok := q.unconfirmed[tag]
	if !ok || f.owner != c {
		return statusErrorf(StatusNotFound, "no unconfirmed message %d in queue %q", tag, name)
	}
	delete(q.unconfirmed, tag)
	return nil
}

func (st *brokerState) queueSubscribe(c *ServerClient, name string, flags uint32) ([]delivery, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.declaredQueue(c, name)
	if err != nil {
		return nil, err
	}
	if flags&(SubscribeMsg|SubscribeNotify) == 0 {
		return nil, statusErrorf(StatusInvalidArgument, "unknown subscribe flags %#x", flags)
	}

	q.unsubscribe(c)
	q.subscribers = append(q.subscribers, queueSubscriber{client: c, flags: flags})
	return q.drain(st.now()), nil
}

func (st *brokerState) queueUnsubscribe(c *ServerClient, name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.queue(name)
	if err != nil {
		return err
	}
	q.unsubscribe(c)
	return nil
}

func (st *brokerState) queuePurge(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.queue(name)
	if err != nil {
		return err
	}
	q.ready = nil
	clear(q.unconfirmed)
	return nil
}

func (st *brokerState) queueDelete(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	q, err := st.queue(name)
	if err != nil {
		return err
	}
	st.removeQueue(q)
	return nil
}

// removeQueue deletes a queue and its route bindings. Called with mu held.
func (st *brokerState) removeQueue(q *brokerQueue) {
	delete(st.queues, q.name)
	q.wake()

	for _, r := range st.routes {
		st.unbindWhere(r, func(b routeBinding) bool { return b.queue == q.name })
	}
}

// routes

func (st *brokerState) route(name string) (*brokerRoute, error) {
	r, ok := st.routes[name]
	if !ok {
		return nil, statusErrorf(StatusNotFound, "route %q not found", name)
	}
	return r, nil
}

func (st *brokerState) routeCreate(name string, flags uint32) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.routes[name]; ok {
		return statusErrorf(StatusAlreadyExists, "route %q already exists", name)
	}
	st.routes[name] = &brokerRoute{name: name, flags: flags, next: make(map[string]int)}
	return nil
}

func (st *brokerState) routeExist(name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.routes[name]
	return ok
}

func (st *brokerState) routeList() []Route {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]Route, 0, len(st.routes))
	for _, r := range st.routes {
		out = append(out, Route{Name: r.name, Flags: r.flags, Keys: uint32(len(r.bindings))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *brokerState) routeKeys(name string) ([]RouteKey, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, err := st.route(name)
	if err != nil {
		return nil, err
	}
	out := make([]RouteKey, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, RouteKey{Key: b.key, Queue: b.queue})
	}
	return out, nil
}

func (st *brokerState) routeRename(from, to string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, err := st.route(from)
	if err != nil {
		return err
	}
	if _, ok := st.routes[to]; ok {
		return statusErrorf(StatusAlreadyExists, "route %q already exists", to)
	}
	delete(st.routes, from)
	r.name = to
	st.routes[to] = r
	return nil
}

func (st *brokerState) routeBind(name, queue, key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, err := st.route(name)
	if err != nil {
		return err
	}
	if _, err := st.queue(queue); err != nil {
		return err
	}
	b := routeBinding{key: key, queue: queue}
	if slices.Contains(r.bindings, b) {
		return statusErrorf(StatusAlreadyExists, "key %q already bound to queue %q", key, queue)
	}
	r.bindings = append(r.bindings, b)
	return nil
}

func (st *brokerState) routeUnbind(name, queue, key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, err := st.route(name)
	if err != nil {
		return err
	}
	b := routeBinding{key: key, queue: queue}
	if !st.unbindWhere(r, func(x routeBinding) bool { return x == b }) {
		return statusErrorf(StatusNotFound, "key %q is not bound to queue %q", key, queue)
	}
	return nil
}

// unbindWhere removes matching bindings and deletes an auto-delete route
// left without any. Called with mu held.
func (st *brokerState) unbindWhere(r *brokerRoute, match func(routeBinding) bool) bool {
	n := len(r.bindings)
	r.bindings = slices.DeleteFunc(r.bindings, match)
	removed := len(r.bindings) != n

	if removed && len(r.bindings) == 0 && r.flags&RouteAutoDelete != 0 {
		delete(st.routes, r.name)
	}
	return removed
}

func (st *brokerState) routePush(name, key string, data []byte, expire time.Time) ([]delivery, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, err := st.route(name)
	if err != nil {
		return nil, err
	}
	targets := r.queuesFor(key)
	if len(targets) == 0 {
		return nil, statusErrorf(StatusNotFound, "no queue bound to key %q", key)
	}
	if r.flags&RouteRoundRobin != 0 {
		i := r.next[key] % len(targets)
		r.next[key]++
		targets = targets[i : i+1]
	}

	var out []delivery
	var lastErr error
	accepted := 0
	for _, name := range targets {
		q, ok := st.queues[name]
		if !ok {
			continue
		}
		ds, err := st.enqueue(q, data, expire)
		if err != nil {
			lastErr = err
			continue
		}
		accepted++
		out = append(out, ds...)
	}
	if accepted == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (st *brokerState) routeDelete(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := st.route(name); err != nil {
		return err
	}
	delete(st.routes, name)
	return nil
}

// channels

func (st *brokerState) channel(name string) (*brokerChannel, error) {
	ch, ok := st.channels[name]
	if !ok {
		return nil, statusErrorf(StatusNotFound, "channel %q not found", name)
	}
	return ch, nil
}

func (st *brokerState) channelCreate(name string, flags uint32) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.channels[name]; ok {
		return statusErrorf(StatusAlreadyExists, "channel %q already exists", name)
	}
	st.channels[name] = &brokerChannel{name: name, flags: flags}
	return nil
}

func (st *brokerState) channelExist(name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.channels[name]
	return ok
}

func (st *brokerState) channelList() []Channel {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]Channel, 0, len(st.channels))
	for _, ch := range st.channels {
		out = append(out, ch.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *brokerState) channelRename(from, to string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ch, err := st.channel(from)
	if err != nil {
		return err
	}
	if _, ok := st.channels[to]; ok {
		return statusErrorf(StatusAlreadyExists, "channel %q already exists", to)
	}
	delete(st.channels, from)
	ch.name = to
	st.channels[to] = ch
	return nil
}

func (st *brokerState) channelPublish(name, topic string, data []byte, expire time.Time) ([]delivery, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ch, err := st.channel(name)
	if err != nil {
		return nil, err
	}

	var targets []channelSubscriber
	for _, s := range ch.subs {
		if (s.pattern && PatternMatch(s.sub, topic)) || (!s.pattern && s.sub == topic) {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 || isExpired(expire, st.now()) {
		return nil, nil
	}
	if ch.flags&ChannelRoundRobin != 0 {
		i := ch.next % len(targets)
		ch.next++
		targets = targets[i : i+1]
	}

	m := &storedMessage{data: data, expire: expire, tag: st.nextTag()}
	out := make([]delivery, 0, len(targets))
	for _, s := range targets {
		ev := &Event{Kind: EventKindChannelMessage, Name: name, Topic: topic, Message: m.message()}
		if s.pattern {
			ev.Kind = EventKindChannelPatternMessage
			ev.Pattern = s.sub
		}
		e := NewEncoder(48 + len(data))
		encodeEvent(e, ev)
		out = append(out, delivery{to: s.client, event: ev.Kind.command(), body: e.Bytes()})
	}
	return out, nil
}

func (st *brokerState) channelSubscribe(c *ServerClient, name, sub string, pattern bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ch, err := st.channel(name)
	if err != nil {
		return err
	}
	s := channelSubscriber{client: c, sub: sub, pattern: pattern}
	if !slices.Contains(ch.subs, s) {
		ch.subs = append(ch.subs, s)
	}
	return nil
}

func (st *brokerState) channelUnsubscribe(c *ServerClient, name, sub string, pattern bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ch, err := st.channel(name)
	if err != nil {
		return err
	}
	s := channelSubscriber{client: c, sub: sub, pattern: pattern}
	st.unsubscribeWhere(ch, func(x channelSubscriber) bool { return x == s })
	return nil
}

// unsubscribeWhere removes matching subscriptions and deletes an auto-delete
// channel left without subscribers. Called with mu held.
func (st *brokerState) unsubscribeWhere(ch *brokerChannel, match func(channelSubscriber) bool) {
	if ch.removeSubs(match) && len(ch.subs) == 0 && ch.flags&ChannelAutoDelete != 0 {
		delete(st.channels, ch.name)
	}
}

func (st *brokerState) channelDelete(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := st.channel(name); err != nil {
		return err
	}
	delete(st.channels, name)
	return nil
}

// disconnect releases everything held by c: declarations, subscriptions
// and unconfirmed messages, which go back to the head of their queue.
func (st *brokerState) disconnect(c *ServerClient) []delivery {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	var out []delivery

	for _, q := range st.queues {
		q.unsubscribe(c)

		var requeue []*storedMessage
		for tag, f := range q.unconfirmed {
			if f.owner == c {
				requeue = append(requeue, f.msg)
				delete(q.unconfirmed, tag)
			}
		}
		if len(requeue) > 0 {
			sort.Slice(requeue, func(i, j int) bool { return requeue[i].tag < requeue[j].tag })
			q.ready = append(requeue, q.ready...)
			out = append(out, q.drain(now)...)
			q.wake()
		}

		if q.isDeclared(c) {
			delete(q.declared, c)
			if len(q.declared) == 0 && q.flags&QueueAutoDelete != 0 {
				st.removeQueue(q)
			}
		}
	}

	for _, ch := range st.channels {
		st.unsubscribeWhere(ch, func(s channelSubscriber) bool { return s.client == c })
	}

	return out
}

func (st *brokerState) flush(flags uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if flags&FlushUser != 0 {
		st.users.flush()
	}
	if flags&FlushQueue != 0 {
		for _, q := range st.queues {
			q.wake()
		}
		clear(st.queues)
	}
	if flags&FlushRoute != 0 {
		clear(st.routes)
	}
	if flags&FlushChannel != 0 {
		clear(st.channels)
	}
}

type stateCounts struct {
	users, queues, routes, channels int
}

func (st *brokerState) counts() stateCounts {
	st.mu.Lock()
	defer st.mu.Unlock()
	return stateCounts{
		users:    st.users.len(),
		queues:   len(st.queues),
		routes:   len(st.routes),
		channels: len(st.channels),
	}
}
