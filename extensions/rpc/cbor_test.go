package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/emq"
)

type sumArgs struct {
	Values []int  `cbor:"values"`
	Label  string `cbor:"label"`
}

type sumReply struct {
	Total int    `cbor:"total"`
	Label string `cbor:"label"`
}

func TestCBORPayloads(t *testing.T) {
	t.Run("request round trip", func(t *testing.T) {
		req, err := NewCBORRequest(sumArgs{Values: []int{1, 2}, Label: "a"})
		require.NoError(t, err)
		assert.Equal(t, ContentTypeCBOR, req.Headers[HeaderContentType])

		var args sumArgs
		require.NoError(t, req.Decode(&args))
		assert.Equal(t, sumArgs{Values: []int{1, 2}, Label: "a"}, args)
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := NewCBORRequest(map[string]int{"b": 2, "a": 1, "c": 3})
		require.NoError(t, err)
		b, err := NewCBORRequest(map[string]int{"c": 3, "a": 1, "b": 2})
		require.NoError(t, err)
		assert.Equal(t, a.Payload, b.Payload)
	})

	t.Run("generic map", func(t *testing.T) {
		resp, err := NewCBORResponse(map[string]any{"ok": true})
		require.NoError(t, err)

		var v any
		require.NoError(t, resp.Decode(&v))
		assert.Equal(t, map[string]any{"ok": true}, v)
	})

	t.Run("remote error wins", func(t *testing.T) {
		resp := &Response{Payload: []byte("not cbor"), Headers: Headers{HeaderError: "boom"}}

		var reply sumReply
		assert.ErrorContains(t, resp.Decode(&reply), "boom")
	})

	t.Run("malformed payload", func(t *testing.T) {
		var args sumArgs
		assert.Error(t, (&Request{Payload: []byte{0xff}}).Decode(&args))
	})

	t.Run("unencodable", func(t *testing.T) {
		_, err := NewCBORRequest(make(chan int))
		assert.Error(t, err)
	})
}

func TestCallCBOR(t *testing.T) {
	addr := startBroker(t)

	serverConn := dial(t, addr)
	require.NoError(t, serverConn.Queues().Create("rpc.sum", 0, 0, emq.QueueNone))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sum := ServeCBOR(func(_ context.Context, in sumArgs) (sumReply, error) {
		if len(in.Values) == 0 {
			return sumReply{}, errors.New("no values")
		}
		out := sumReply{Label: in.Label}
		for _, v := range in.Values {
			out.Total += v
		}
		return out, nil
	})
	go Serve(ctx, serverConn.Queues(), "rpc.sum", sum)

	h, err := NewHandler(dial(t, addr).Queues(), nil)
	require.NoError(t, err)
	defer h.Close()

	t.Run("typed call", func(t *testing.T) {
		callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
		defer callCancel()

		out, err := CallCBOR[sumArgs, sumReply](callCtx, h, "rpc.sum", sumArgs{Values: []int{1, 2, 3}, Label: "six"})
		require.NoError(t, err)
		assert.Equal(t, sumReply{Total: 6, Label: "six"}, out)
	})

	t.Run("handler error", func(t *testing.T) {
		callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
		defer callCancel()

		_, err := CallCBOR[sumArgs, sumReply](callCtx, h, "rpc.sum", sumArgs{})
		assert.ErrorContains(t, err, "no values")
	})

	t.Run("undecodable request", func(t *testing.T) {
		resp, err := h.RequestWithTimeout("rpc.sum", []byte{0xff}, 5*time.Second)
		require.NoError(t, err)
		assert.ErrorContains(t, resp.Err(), "decode request")
	})
}
