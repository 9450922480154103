package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/emq"
)

func callAdmin(t *testing.T, url, method string, reply any) error {
	t.Helper()

	body, err := json2.EncodeClientRequest(method, &NoArgs{})
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}

	return json2.DecodeClientResponse(resp.Body, reply)
}

func TestAdminService(t *testing.T) {
	metrics := emq.NewMemoryMetrics()
	srv, err := emq.NewServer("tcp://127.0.0.1:0", emq.WithServerMetrics(metrics))
	require.NoError(t, err)
	go srv.ListenAndServe()
	defer srv.Close()

	c, err := emq.Dial("tcp://"+srv.Addr().String(), emq.WithCredentials(emq.DefaultUser, emq.DefaultPassword))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Queues().Create("jobs", 0, 0, emq.QueueNone))

	handler, err := newAdminHandler(srv, metrics)
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()

	t.Run("stat", func(t *testing.T) {
		var reply StatReply
		require.NoError(t, callAdmin(t, server.URL, "broker.Stat", &reply))
		assert.Equal(t, uint32(1), reply.Queues)
		assert.Equal(t, uint32(1), reply.Clients)
		assert.NotEmpty(t, reply.Version)
	})

	t.Run("clients", func(t *testing.T) {
		var reply ClientsReply
		require.NoError(t, callAdmin(t, server.URL, "broker.Clients", &reply))
		assert.Equal(t, 1, reply.Count)
		assert.Equal(t, srv.Clients(), reply.IDs)
	})

	t.Run("metrics", func(t *testing.T) {
		var reply MetricsReply
		require.NoError(t, callAdmin(t, server.URL, "broker.Metrics", &reply))
		assert.Equal(t, float64(1), reply.Connections)
		assert.Equal(t, float64(1), reply.Counters[emq.MetricConnectionsTotal])
		assert.Greater(t, reply.Counters[emq.MetricCommandsHandled], float64(0))
		assert.Contains(t, reply.Counters, emq.MetricBytesSent)
	})

	t.Run("unknown method", func(t *testing.T) {
		var reply StatReply
		assert.Error(t, callAdmin(t, server.URL, "broker.Shutdown", &reply))
	})
}

func TestRunServesAdminRPC(t *testing.T) {
	d := startDaemon(t, "--websocket", "127.0.0.1:0", "--log-level", "none")
	require.Len(t, d.addrs, 1)

	var reply ClientsReply
	require.NoError(t, callAdmin(t, "http://"+d.addrs[0].String()+"/rpc", "broker.Clients", &reply))
	assert.Zero(t, reply.Count)
	assert.Empty(t, reply.IDs)
}
