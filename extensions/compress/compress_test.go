package compress

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/emq"
)

func repetitive(n int) []byte {
	return bytes.Repeat([]byte("emq queue payload "), n/18+1)[:n]
}

func random(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestAlgorithm(t *testing.T) {
	for _, alg := range []Algorithm{None, LZ4, Zstd} {
		parsed, err := ParseAlgorithm(alg.String())
		require.NoError(t, err)
		assert.Equal(t, alg, parsed)
	}

	assert.Equal(t, "unknown(9)", Algorithm(9).String())

	_, err := ParseAlgorithm("gzip")
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		alg     Algorithm
		wantAlg Algorithm
		shrinks bool
	}{
		{name: "lz4", data: repetitive(4096), alg: LZ4, wantAlg: LZ4, shrinks: true},
		{name: "zstd", data: repetitive(4096), alg: Zstd, wantAlg: Zstd, shrinks: true},
		{name: "none", data: repetitive(4096), alg: None, wantAlg: None},
		{name: "empty", data: []byte{}, alg: Zstd, wantAlg: None},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := Encode(tt.data, tt.alg)
			require.NoError(t, err)

			assert.Equal(t, []byte{magic0, magic1, byte(tt.wantAlg)}, packed[:3])
			assert.Equal(t, uint32(len(tt.data)), binary.BigEndian.Uint32(packed[3:headerSize]))
			if tt.shrinks {
				assert.Less(t, len(packed), len(tt.data))
			}

			out, framed, err := Decode(packed)
			require.NoError(t, err)
			assert.True(t, framed)
			assert.Equal(t, tt.data, out)
		})
	}
}

func TestEncodeIncompressible(t *testing.T) {
	data := random(t, 2048)

	for _, alg := range []Algorithm{LZ4, Zstd} {
		t.Run(alg.String(), func(t *testing.T) {
			packed, err := Encode(data, alg)
			require.NoError(t, err)
			assert.Equal(t, byte(None), packed[2])
			assert.Len(t, packed, headerSize+len(data))

			out, _, err := Decode(packed)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestEncodeUnsupported(t *testing.T) {
	_, err := Encode([]byte("x"), Algorithm(7))
	assert.Error(t, err)
}

func TestDecodePassthrough(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("plain"), {magic0, magic1, 0}} {
		out, framed, err := Decode(data)
		require.NoError(t, err)
		assert.False(t, framed)
		assert.Equal(t, data, out)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	header := func(alg Algorithm, size uint32) []byte {
		h := []byte{magic0, magic1, byte(alg), 0, 0, 0, 0}
		binary.BigEndian.PutUint32(h[3:], size)
		return h
	}

	packed, err := Encode(repetitive(1024), Zstd)
	require.NoError(t, err)
	wrongSize := append([]byte(nil), packed...)
	binary.BigEndian.PutUint32(wrongSize[3:], 10)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "unknown algorithm", data: header(5, 0)},
		{name: "oversized", data: header(None, uint32(maxDecodedSize)+1)},
		{name: "stored size mismatch", data: append(header(None, 10), "short"...)},
		{name: "lz4 garbage", data: append(header(LZ4, 100), 0xff, 0xff, 0xff)},
		{name: "zstd garbage", data: append(header(Zstd, 100), "not zstd"...)},
		{name: "zstd size mismatch", data: wrongSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, framed, err := Decode(tt.data)
			assert.True(t, framed)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestProducer(t *testing.T) {
	expire := time.Now().Add(time.Minute)

	t.Run("compresses and keeps expiry", func(t *testing.T) {
		data := repetitive(2048)
		p := NewProducer(Zstd)

		out := p.OnSend("jobs", emq.NewMessage(data).SetExpire(expire))
		assert.Equal(t, expire, out.Expire())
		assert.Equal(t, byte(Zstd), out.Bytes()[2])

		decoded, framed, err := Decode(out.Bytes())
		require.NoError(t, err)
		assert.True(t, framed)
		assert.Equal(t, data, decoded)
	})

	t.Run("small payload stored", func(t *testing.T) {
		p := NewProducer(LZ4, WithMinSize(1024))

		out := p.OnSend("jobs", emq.NewMessageView([]byte("tiny")))
		assert.Equal(t, byte(None), out.Bytes()[2])
	})

	t.Run("default minimum size", func(t *testing.T) {
		p := NewProducer(LZ4)

		out := p.OnSend("jobs", emq.NewMessageView(repetitive(64)))
		assert.Equal(t, byte(None), out.Bytes()[2])
	})
}

func TestConsumer(t *testing.T) {
	c := NewConsumer(WithLogger(emq.NewNoOpLogger()))
	expire := time.Now().Add(time.Minute)

	t.Run("restores payload", func(t *testing.T) {
		data := repetitive(2048)
		packed, err := Encode(data, LZ4)
		require.NoError(t, err)

		msg := emq.NewMessage(packed).SetExpire(expire)
		ev := &emq.Event{Kind: emq.EventKindQueueMessage, Name: "jobs", Message: msg}

		out := c.OnConsume(ev)
		require.NotNil(t, out)
		assert.NotSame(t, ev, out)
		assert.Equal(t, data, out.Message.Bytes())
		assert.Equal(t, expire, out.Message.Expire())
		assert.Equal(t, "jobs", out.Name)
		assert.Same(t, msg, ev.Message)
	})

	t.Run("plain payload unchanged", func(t *testing.T) {
		ev := &emq.Event{Kind: emq.EventKindQueueMessage, Name: "jobs", Message: emq.NewTextMessage("plain")}
		assert.Same(t, ev, c.OnConsume(ev))
	})

	t.Run("notification unchanged", func(t *testing.T) {
		ev := &emq.Event{Kind: emq.EventKindQueueNotify, Name: "jobs"}
		assert.Same(t, ev, c.OnConsume(ev))
	})

	t.Run("corrupt payload dropped", func(t *testing.T) {
		bad := []byte{magic0, magic1, byte(Zstd), 0, 0, 0, 9, 'x'}
		ev := &emq.Event{Kind: emq.EventKindQueueMessage, Name: "jobs", Message: emq.NewMessage(bad)}
		assert.Nil(t, c.OnConsume(ev))
	})
}

func TestInterceptorsWithServer(t *testing.T) {
	srv, err := emq.NewServer("tcp://127.0.0.1:0")
	require.NoError(t, err)
	go srv.ListenAndServe()
	defer srv.Close()

	url := "tcp://" + srv.Addr().String()
	creds := emq.WithCredentials(emq.DefaultUser, emq.DefaultPassword)

	producer, err := emq.Dial(url, creds, emq.WithProducerInterceptors(NewProducer(Zstd)))
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := emq.Dial(url, creds)
	require.NoError(t, err)
	defer consumer.Close()

	require.NoError(t, producer.Queues().Create("compressed", 0, 0, emq.QueueNone))
	require.NoError(t, producer.Queues().Declare("compressed"))
	require.NoError(t, consumer.Queues().Declare("compressed"))

	data := repetitive(8192)
	require.NoError(t, producer.Queues().Push("compressed", emq.NewMessage(data)))

	msg, err := consumer.Queues().Get("compressed")
	require.NoError(t, err)
	defer msg.Release()
	assert.Less(t, msg.Size(), len(data))

	decoded, framed, err := Decode(msg.Bytes())
	require.NoError(t, err)
	assert.True(t, framed)
	assert.Equal(t, data, decoded)
}
