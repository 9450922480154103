package emq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	t.Run("copies data", func(t *testing.T) {
		data := []byte("hello")
		m := NewMessage(data)
		data[0] = 'j'

		assert.Equal(t, "hello", m.String())
		assert.Equal(t, 5, m.Size())
		assert.Zero(t, m.Tag())
		assert.True(t, m.Expire().IsZero())
		assert.Equal(t, 1, m.Refs())
	})

	t.Run("text message", func(t *testing.T) {
		m := NewTextMessage("queue data")
		assert.Equal(t, []byte("queue data"), m.Bytes())
	})

	t.Run("binary data with zero bytes", func(t *testing.T) {
		m := NewMessage([]byte{0, 1, 0})
		assert.Equal(t, 3, m.Size())
	})
}

func TestMessageNil(t *testing.T) {
	var m *Message

	assert.Nil(t, m.Bytes())
	assert.Empty(t, m.String())
	assert.Zero(t, m.Size())
	assert.Zero(t, m.Tag())
	assert.True(t, m.Expire().IsZero())
	assert.False(t, m.Release())
}

func TestMessageExpire(t *testing.T) {
	now := time.Now()

	m := NewTextMessage("x")
	assert.False(t, m.Expired(now))

	m.SetExpire(now.Add(time.Minute))
	assert.False(t, m.Expired(now))
	assert.True(t, m.Expired(now.Add(time.Minute)))

	m.SetExpire(time.Time{})
	assert.False(t, m.Expired(now.Add(time.Hour)))

	m.SetTTL(-time.Second)
	assert.True(t, m.Expired(time.Now()))
}

func TestMessageRefCount(t *testing.T) {
	m := NewTextMessage("shared")

	assert.Same(t, m, m.Retain())
	assert.Equal(t, 2, m.Refs())

	assert.False(t, m.Release())
	assert.Equal(t, "shared", m.String())

	assert.True(t, m.Release())
	assert.Nil(t, m.Bytes())
}

func TestMessageRefCountConcurrent(t *testing.T) {
	m := NewTextMessage("x")

	var wg sync.WaitGroup
	for range 100 {
		m.Retain()
		wg.Go(func() {
			m.Release()
		})
	}
	wg.Wait()

	assert.Equal(t, 1, m.Refs())
	assert.True(t, m.Release())
}

func TestMessageClone(t *testing.T) {
	expire := time.Now().Add(time.Hour)
	m := newOwnedMessage([]byte("original"), expire, 9)

	c := m.Clone()
	m.Release()

	assert.Equal(t, "original", c.String())
	assert.Equal(t, Tag(9), c.Tag())
	assert.Equal(t, expire, c.Expire())
	assert.Equal(t, 1, c.Refs())
}

func TestMessageWithBytes(t *testing.T) {
	expire := time.Now().Add(time.Hour)
	m := newOwnedMessage([]byte("packed"), expire, 4)

	r := m.WithBytes([]byte("unpacked"))
	m.Release()

	assert.Equal(t, "unpacked", r.String())
	assert.Equal(t, Tag(4), r.Tag())
	assert.Equal(t, expire, r.Expire())
	assert.Equal(t, 1, r.Refs())
}

func TestMessageView(t *testing.T) {
	buf := []byte("borrowed")
	v := NewMessageView(buf)

	assert.Equal(t, buf, v.Bytes())
	assert.True(t, v.Expire().IsZero())

	expire := time.Now().Add(time.Minute)
	v2 := v.WithExpire(expire)
	assert.Equal(t, expire, v2.Expire())
	assert.True(t, v.Expire().IsZero())

	owned := v2.Own()
	buf[0] = 'B'
	assert.Equal(t, "borrowed", owned.String())
	assert.Equal(t, expire, owned.Expire())

	var p Payload = v
	assert.Equal(t, "Borrowed", string(p.Bytes()))
}

func TestEncodeDecodeMessage(t *testing.T) {
	expire := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())

	e := NewEncoder(0)
	encodeMessage(e, NewMessage([]byte{0, 'a', 0}).SetExpire(expire), 42)

	m, err := decodeMessage(NewDecoder(e.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 'a', 0}, m.Bytes())
	assert.True(t, expire.Equal(m.Expire()))
	assert.Equal(t, Tag(42), m.Tag())
	assert.Equal(t, 1, m.Refs())
}

func TestDecodeMessageMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "wrong arity", data: NewEncoder(0).List(2).Binary(nil).Uint(0).Bytes()},
		{name: "text instead of binary", data: NewEncoder(0).List(3).Text("x").Uint(0).Uint(0).Bytes()},
		{name: "missing tag", data: NewEncoder(0).List(3).Binary([]byte("x")).Uint(0).Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMessage(NewDecoder(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestDecodeBrokerMessage(t *testing.T) {
	t.Run("tagged", func(t *testing.T) {
		e := NewEncoder(0)
		encodeMessage(e, NewTextMessage("work"), 3)

		m, err := decodeBrokerMessage(NewDecoder(e.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, Tag(3), m.Tag())
	})

	t.Run("zero tag", func(t *testing.T) {
		e := NewEncoder(0)
		encodeMessage(e, NewTextMessage("work"), 0)

		_, err := decodeBrokerMessage(NewDecoder(e.Bytes()))
		assert.ErrorIs(t, err, errZeroTag)

		_, err = replyMessage(NewDecoder(e.Bytes()))
		assert.ErrorIs(t, err, ErrProtocolError)
	})
}
