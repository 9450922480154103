package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/vitalvas/emq"
	"github.com/vitalvas/emq/internal/cliconfig"
)

// config is the emqd configuration file.
type config struct {
	LogLevel       string           `yaml:"log_level"`
	Listeners      []listenerConfig `yaml:"listeners"`
	WebSocket      *wsConfig        `yaml:"websocket"`
	MaxConnections int              `yaml:"max_connections"`
	MaxFrameSize   uint32           `yaml:"max_frame_size"`
	AuthTimeout    time.Duration    `yaml:"auth_timeout"`
	WriteTimeout   time.Duration    `yaml:"write_timeout"`
	StatInterval   time.Duration    `yaml:"stat_interval"`
	Users          []userConfig     `yaml:"users"`
	Queues         []queueConfig    `yaml:"queues"`
}

type listenerConfig struct {
	Address string         `yaml:"address"`
	TLS     *cliconfig.TLS `yaml:"tls"`
}

type wsConfig struct {
	Address        string         `yaml:"address"`
	Path           string         `yaml:"path"`
	AllowedOrigins []string       `yaml:"allowed_origins"`
	TLS            *cliconfig.TLS `yaml:"tls"`
}

type userConfig struct {
	Name     string   `yaml:"name"`
	Password string   `yaml:"password"`
	Perm     []string `yaml:"perm"`
}

type queueConfig struct {
	Name           string   `yaml:"name"`
	MaxMessages    uint32   `yaml:"max_messages"`
	MaxMessageSize uint32   `yaml:"max_message_size"`
	Flags          []string `yaml:"flags"`
}

func defaultConfig() config {
	return config{
		LogLevel: "info",
	}
}

// validate checks the parts the server cannot check itself and fills in
// the default listener.
func (c *config) validate() error {
	if len(c.Listeners) == 0 && c.WebSocket == nil {
		c.Listeners = []listenerConfig{{Address: fmt.Sprintf("tcp://0.0.0.0:%d", emq.DefaultPort)}}
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listeners[%d]: address is required", i)
		}
	}
	if c.WebSocket != nil {
		if c.WebSocket.Address == "" {
			return fmt.Errorf("websocket: address is required")
		}
		if c.WebSocket.Path == "" {
			c.WebSocket.Path = "/"
		}
	}

	for i, u := range c.Users {
		if err := emq.ValidateName(u.Name); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
		if _, err := parsePerm(u.Perm); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
	}
	for i, q := range c.Queues {
		if err := emq.ValidateName(q.Name); err != nil {
			return fmt.Errorf("queues[%d]: %w", i, err)
		}
		if _, err := parseQueueFlags(q.Flags); err != nil {
			return fmt.Errorf("queues[%d]: %w", i, err)
		}
	}
	return nil
}

// serverOptions builds the broker options shared by every listener.
func (c *config) serverOptions(logger emq.Logger, metrics emq.Metrics) []emq.ServerOption {
	opts := []emq.ServerOption{
		emq.WithServerLogger(logger),
		emq.WithServerMetrics(metrics),
	}
	if c.MaxConnections > 0 {
		opts = append(opts, emq.WithMaxConnections(c.MaxConnections))
	}
	if c.MaxFrameSize > 0 {
		opts = append(opts, emq.WithServerMaxFrameSize(c.MaxFrameSize))
	}
	if c.AuthTimeout > 0 {
		opts = append(opts, emq.WithAuthTimeout(c.AuthTimeout))
	}
	if c.WriteTimeout > 0 {
		opts = append(opts, emq.WithServerWriteTimeout(c.WriteTimeout))
	}

	for _, u := range c.Users {
		perm, _ := parsePerm(u.Perm)
		opts = append(opts, emq.WithServerUser(u.Name, u.Password, perm))
	}
	for _, q := range c.Queues {
		flags, _ := parseQueueFlags(q.Flags)
		opts = append(opts, emq.WithServerQueue(emq.Queue{
			Name:           q.Name,
			MaxMessages:    q.MaxMessages,
			MaxMessageSize: q.MaxMessageSize,
			Flags:          flags,
		}))
	}
	return opts
}

var permByName = map[string]emq.Perm{
	"queue":     emq.PermQueue,
	"route":     emq.PermRoute,
	"channel":   emq.PermChannel,
	"admin":     emq.PermAdmin,
	"notchange": emq.PermNotChange,
	"all":       emq.PermAll,
}

func parsePerm(names []string) (emq.Perm, error) {
	var perm emq.Perm
	for _, name := range names {
		p, ok := permByName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", name)
		}
		perm |= p
	}
	return perm, nil
}

var queueFlagByName = map[string]uint32{
	"auto-delete": emq.QueueAutoDelete,
	"force-push":  emq.QueueForcePush,
	"round-robin": emq.QueueRoundRobin,
}

func parseQueueFlags(names []string) (uint32, error) {
	var flags uint32
	for _, name := range names {
		f, ok := queueFlagByName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown queue flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}
