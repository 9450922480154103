package emq

import (
	"crypto/tls"
	"time"
)

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	tlsConfig      *tls.Config
	maxFrameSize   uint32
	maxConnections int
	authTimeout    time.Duration
	writeTimeout   time.Duration
	users          []serverUser
	queues         []Queue
	logger         Logger
	metrics        Metrics
	onConnect      func(*ServerClient)
	onDisconnect   func(*ServerClient)
	onSave         func(async bool) error
}

type serverUser struct {
	name     string
	password string
	perm     Perm
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		maxFrameSize:   MaxFrameSizeDefault,
		maxConnections: 0, // unlimited
		authTimeout:    10 * time.Second,
		writeTimeout:   DefaultWriteTimeout,
		logger:         NewNoOpLogger(),
		metrics:        &NoOpMetrics{},
	}
}

// WithServerTLS sets the TLS configuration used by tls:// and quic:// addresses.
func WithServerTLS(config *tls.Config) ServerOption {
	return func(c *serverConfig) {
		c.tlsConfig = config
	}
}

// WithServerMaxFrameSize sets the maximum accepted frame body size.
func WithServerMaxFrameSize(size uint32) ServerOption {
	return func(c *serverConfig) {
		c.maxFrameSize = size
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
// 0 means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxConnections = n
	}
}

// WithAuthTimeout sets how long a new connection may stay unauthenticated
// before the server closes it. 0 disables the limit.
func WithAuthTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.authTimeout = d
	}
}

// WithServerWriteTimeout sets the deadline for writing a reply or push frame.
func WithServerWriteTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.writeTimeout = d
	}
}

// WithServerUser adds an account. When any account is configured the
// default eagle account is not created.
func WithServerUser(name, password string, perm Perm) ServerOption {
	return func(c *serverConfig) {
		c.users = append(c.users, serverUser{name: name, password: password, perm: perm})
	}
}

// WithServerQueue creates a queue at startup. Only the name, limits and
// flags of q are used.
func WithServerQueue(q Queue) ServerOption {
	return func(c *serverConfig) {
		c.queues = append(c.queues, q)
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger Logger) ServerOption {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithServerMetrics sets the server metrics collector.
func WithServerMetrics(metrics Metrics) ServerOption {
	return func(c *serverConfig) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// OnConnect sets the callback for accepted connections.
func OnConnect(fn func(*ServerClient)) ServerOption {
	return func(c *serverConfig) {
		c.onConnect = fn
	}
}

// OnDisconnect sets the callback for closed connections.
func OnDisconnect(fn func(*ServerClient)) ServerOption {
	return func(c *serverConfig) {
		c.onDisconnect = fn
	}
}

// OnSave sets the handler for the save command. Without one, save succeeds
// and does nothing.
func OnSave(fn func(async bool) error) ServerOption {
	return func(c *serverConfig) {
		c.onSave = fn
	}
}
