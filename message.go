package emq

import (
	"errors"
	"sync/atomic"
	"time"
)

// errZeroTag is returned for a broker message without a delivery tag.
var errZeroTag = errors.New("message without delivery tag")

// Tag is the broker-issued delivery identifier used to confirm a popped message.
type Tag uint64

// Payload is a message body that can be pushed or published.
// Both the owned Message and the borrowed MessageView implement it.
type Payload interface {
	// Bytes returns the message data.
	Bytes() []byte

	// Expire returns the absolute expiry time, or the zero time for none.
	Expire() time.Time
}

// Message is an owned, reference-counted message.
//
// Messages created with NewMessage hold a private copy of the data.
// Messages received from the broker always carry a non-zero Tag.
type Message struct {
	data   []byte
	expire time.Time
	tag    Tag
	refs   atomic.Int32
}

// NewMessage creates a message holding a copy of data.
func NewMessage(data []byte) *Message {
	buf := make([]byte, len(data))
	copy(buf, data)
	return newOwnedMessage(buf, time.Time{}, 0)
}

// NewTextMessage creates a message from a string.
func NewTextMessage(s string) *Message {
	return newOwnedMessage([]byte(s), time.Time{}, 0)
}

func newOwnedMessage(data []byte, expire time.Time, tag Tag) *Message {
	m := &Message{data: data, expire: expire, tag: tag}
	m.refs.Store(1)
	return m
}

// Bytes returns the message data, or nil once the last reference is released.
func (m *Message) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// String returns the message data as a string.
func (m *Message) String() string {
	return string(m.Bytes())
}

// Size returns the length of the message data.
func (m *Message) Size() int {
	return len(m.Bytes())
}

// Expire returns the absolute expiry time.
func (m *Message) Expire() time.Time {
	if m == nil {
		return time.Time{}
	}
	return m.expire
}

// SetExpire sets the absolute expiry time. The zero time clears it.
func (m *Message) SetExpire(t time.Time) *Message {
	m.expire = t
	return m
}

// SetTTL sets the expiry relative to now.
func (m *Message) SetTTL(d time.Duration) *Message {
	return m.SetExpire(time.Now().Add(d))
}

// Expired reports whether the message expired before now.
func (m *Message) Expired(now time.Time) bool {
	return isExpired(m.expire, now)
}

// Tag returns the broker delivery tag, or zero for client-created messages.
func (m *Message) Tag() Tag {
	if m == nil {
		return 0
	}
	return m.tag
}

// Retain adds a reference to the message and returns it.
func (m *Message) Retain() *Message {
	m.refs.Add(1)
	return m
}

// Release drops a reference. The data is released with the last reference.
// Release reports whether that was the last reference.
func (m *Message) Release() bool {
	if m == nil {
		return false
	}
	if m.refs.Add(-1) != 0 {
		return false
	}
	m.data = nil
	return true
}

// Refs returns the current reference count.
func (m *Message) Refs() int {
	return int(m.refs.Load())
}

// Clone returns an independent copy of the message with a single reference.
func (m *Message) Clone() *Message {
	c := NewMessage(m.Bytes())
	c.expire = m.expire
	c.tag = m.tag
	return c
}

// WithBytes returns a new message holding data with the expiry and tag of
// m. data is not copied.
func (m *Message) WithBytes(data []byte) *Message {
	return newOwnedMessage(data, m.Expire(), m.Tag())
}

// MessageView is a zero-copy message over a caller-owned buffer.
//
// The view borrows data: the buffer must stay valid and unmodified until
// the push or publish call that receives the view returns. The runtime
// never retains a view beyond that call.
type MessageView struct {
	data   []byte
	expire time.Time
}

// NewMessageView creates a view over data without copying it.
func NewMessageView(data []byte) MessageView {
	return MessageView{data: data}
}

// Bytes returns the borrowed data.
func (v MessageView) Bytes() []byte {
	return v.data
}

// Expire returns the absolute expiry time.
func (v MessageView) Expire() time.Time {
	return v.expire
}

// WithExpire returns a copy of the view with the given expiry.
func (v MessageView) WithExpire(t time.Time) MessageView {
	v.expire = t
	return v
}

// Own copies the borrowed data into an owned Message.
func (v MessageView) Own() *Message {
	m := NewMessage(v.data)
	m.expire = v.expire
	return m
}

func isExpired(expire, now time.Time) bool {
	return !expire.IsZero() && !now.Before(expire)
}

// encodeMessage appends the wire form of a payload: [data, expire, tag].
func encodeMessage(e *Encoder, p Payload, tag Tag) {
	e.List(3)
	e.Binary(p.Bytes())
	e.Time(p.Expire())
	e.Uint(uint64(tag))
}

// decodeMessage reads the wire form written by encodeMessage.
func decodeMessage(d *Decoder) (*Message, error) {
	n, err := d.List()
	if err != nil {
		return nil, err
	}
	if n != 3 {
		return nil, ErrMalformedFrame
	}

	data, err := d.Binary()
	if err != nil {
		return nil, err
	}
	expire, err := d.Time()
	if err != nil {
		return nil, err
	}
	tag, err := d.Uint()
	if err != nil {
		return nil, err
	}

	return newOwnedMessage(data, expire, Tag(tag)), nil
}

// decodeBrokerMessage reads a message issued by the broker, which always
// carries a delivery tag.
func decodeBrokerMessage(d *Decoder) (*Message, error) {
	m, err := decodeMessage(d)
	if err != nil {
		return nil, err
	}
	if m.tag == 0 {
		return nil, errZeroTag
	}
	return m, nil
}
