package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/emq"
)

func startBroker(t *testing.T) string {
	t.Helper()

	srv, err := emq.NewServer("tcp://127.0.0.1:0")
	require.NoError(t, err)
	go srv.ListenAndServe()
	t.Cleanup(func() { srv.Close() })

	return "tcp://" + srv.Addr().String()
}

func runCtl(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	full := append([]string{"--address", addr, "--timeout", "2s"}, args...)
	err := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), err
}

func TestLookup(t *testing.T) {
	t.Run("two words", func(t *testing.T) {
		cmd, rest, err := lookup([]string{"queue", "push", "q", "hello"})
		require.NoError(t, err)
		assert.Equal(t, "queue push", cmd.path)
		assert.Equal(t, []string{"q", "hello"}, rest)
	})

	t.Run("single word", func(t *testing.T) {
		cmd, rest, err := lookup([]string{"ping"})
		require.NoError(t, err)
		assert.Equal(t, "ping", cmd.path)
		assert.Empty(t, rest)
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := lookup([]string{"queue", "explode"})
		assert.ErrorIs(t, err, errUsage)
	})

	t.Run("empty", func(t *testing.T) {
		_, _, err := lookup(nil)
		assert.ErrorIs(t, err, errUsage)
	})
}

func TestParsePerm(t *testing.T) {
	tests := []struct {
		in   string
		want emq.Perm
	}{
		{"", emq.PermNone},
		{"none", emq.PermNone},
		{"queue", emq.PermQueue},
		{"queue, Route", emq.PermQueue | emq.PermRoute},
		{"all", emq.PermAll},
		{"admin,notchange", emq.PermAdmin | emq.PermNotChange},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePerm(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parsePerm("queue,root")
	assert.Error(t, err)
}

func TestFormatPerm(t *testing.T) {
	assert.Equal(t, "none", formatPerm(emq.PermNone))
	assert.Equal(t, "queue,channel", formatPerm(emq.PermQueue|emq.PermChannel))
	assert.Equal(t, "queue,route,channel,admin", formatPerm(emq.PermAll))
}

func TestFormatFlags(t *testing.T) {
	assert.Equal(t, "-", queueFlags(0))
	assert.Equal(t, "auto-delete,force-push", queueFlags(emq.QueueAutoDelete|emq.QueueForcePush))
	assert.Equal(t, "round-robin,0x8", routeFlags(emq.RouteRoundRobin|8))
	assert.Equal(t, "auto-delete", channelFlags(emq.ChannelAutoDelete))
}

func TestParseArgs(t *testing.T) {
	var ttl time.Duration
	pos, err := parseArgs("queue push", []string{"q", "--ttl", "3s", "data"}, 2, func(fs *pflag.FlagSet) {
		fs.DurationVar(&ttl, "ttl", 0, "")
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"q", "data"}, pos)
	assert.Equal(t, 3*time.Second, ttl)

	_, err = parseArgs("queue size", []string{"a", "b"}, 1, nil)
	assert.ErrorIs(t, err, errUsage)
}

func TestRunQueueCommands(t *testing.T) {
	addr := startBroker(t)

	_, err := runCtl(t, addr, "queue", "create", "jobs", "--max-messages", "10", "--force-push")
	require.NoError(t, err)

	_, err = runCtl(t, addr, "queue", "push", "jobs", "first")
	require.NoError(t, err)

	out, err := runCtl(t, addr, "queue", "size", "jobs")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = runCtl(t, addr, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "jobs")
	assert.Contains(t, out, "force-push")

	out, err = runCtl(t, addr, "queue", "pop", "jobs")
	require.NoError(t, err)
	assert.Equal(t, "first\n", out)

	out, err = runCtl(t, addr, "queue", "pop", "jobs")
	require.NoError(t, err)
	assert.Equal(t, "(empty)\n", out)

	_, err = runCtl(t, addr, "queue", "delete", "jobs")
	require.NoError(t, err)
}

func TestRunRouteCommands(t *testing.T) {
	addr := startBroker(t)

	_, err := runCtl(t, addr, "queue", "create", "audit")
	require.NoError(t, err)
	_, err = runCtl(t, addr, "route", "create", "events")
	require.NoError(t, err)
	_, err = runCtl(t, addr, "route", "bind", "events", "audit", "login")
	require.NoError(t, err)

	out, err := runCtl(t, addr, "route", "keys", "events")
	require.NoError(t, err)
	assert.Contains(t, out, "login")
	assert.Contains(t, out, "audit")

	_, err = runCtl(t, addr, "route", "push", "events", "login", "alice")
	require.NoError(t, err)

	out, err = runCtl(t, addr, "queue", "size", "audit")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = runCtl(t, addr, "route", "push", "events", "logout", "alice")
	assert.Error(t, err)
}

func TestRunUserAndStat(t *testing.T) {
	addr := startBroker(t)

	_, err := runCtl(t, addr, "user", "create", "worker", "secret", "--perm", "queue")
	require.NoError(t, err)

	out, err := runCtl(t, addr, "user", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, emq.DefaultUser)

	out, err = runCtl(t, addr, "stat")
	require.NoError(t, err)
	assert.Contains(t, out, "users:")
	assert.Contains(t, out, "version:")

	out, err = runCtl(t, addr, "ping")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "PONG"))
}

func TestRunChannelSubscribeDuration(t *testing.T) {
	addr := startBroker(t)

	_, err := runCtl(t, addr, "channel", "create", "news")
	require.NoError(t, err)

	start := time.Now()
	_, err = runCtl(t, addr, "channel", "subscribe", "news", "sport", "--duration", "100ms")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRunConfigFile(t *testing.T) {
	addr := startBroker(t)

	path := filepath.Join(t.TempDir(), "emqctl.yaml")
	data := "address: " + addr + "\nusername: eagle\npassword: wrong\ntimeout: 2s\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--config", path, "ping"}, &stdout, &stderr)
	assert.Error(t, err)

	err = run(context.Background(), []string{"--config", path, "--password", emq.DefaultPassword, "ping"}, &stdout, &stderr)
	assert.NoError(t, err)
}

func TestRunRejectsUnknownConfigKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emqctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adress: tcp://localhost\n"), 0o600))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--config", path, "ping"}, &stdout, &stderr)
	assert.Error(t, err)
}
