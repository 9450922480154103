package emq

import (
	"crypto/tls"
	"time"

	"golang.org/x/time/rate"
)

// Default client timeouts.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Credentials used to authenticate during Dial
	username string
	password string

	// TLS configuration for tls://, wss:// and quic:// endpoints
	tlsConfig *tls.Config

	// Timeouts
	connectTimeout time.Duration
	requestTimeout time.Duration
	writeTimeout   time.Duration

	// Proxy settings for tcp://, tls:// and ws(s):// endpoints
	proxyConfig  *ProxyConfig
	proxyFromEnv bool

	// Fallback addresses tried in order after the primary one
	servers []string

	// Custom dialer, overrides scheme selection
	dialer Dialer

	maxFrameSize uint32

	logger  Logger
	metrics Metrics

	limiter *rate.Limiter

	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		writeTimeout:   DefaultWriteTimeout,
		maxFrameSize:   MaxFrameSizeDefault,
		logger:         NewNoOpLogger(),
		metrics:        &NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithCredentials authenticates with the given name and password as part of Dial.
func WithCredentials(name, password string) Option {
	return func(o *clientOptions) {
		o.username = name
		o.password = password
	}
}

// WithTLS sets the TLS configuration for tls://, wss:// and quic:// endpoints.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithConnectTimeout bounds connection establishment, including the TLS handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithRequestTimeout sets how long a request waits for its reply.
// Zero waits indefinitely.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.requestTimeout = d
	}
}

// WithWriteTimeout bounds each frame write. Zero disables the write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithProxy routes tcp://, tls:// and ws(s):// connections through a proxy.
func WithProxy(config ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxyConfig = &config
	}
}

// WithProxyFromEnvironment uses HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
// An explicit WithProxy takes precedence.
func WithProxyFromEnvironment() Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = true
	}
}

// WithServers adds fallback broker addresses. Dial tries the primary address
// first and then each fallback in order until one connects.
func WithServers(addrs ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, addrs...)
	}
}

// WithDialer uses d for every connection regardless of the address scheme.
// The dialer receives the endpoint address without its scheme.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithMaxFrameSize limits the body size of frames sent and received.
// Zero disables the limit.
func WithMaxFrameSize(size uint32) Option {
	return func(o *clientOptions) {
		o.maxFrameSize = size
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(o *clientOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithRateLimit limits outbound commands to limit per second with the given burst.
// Waiting for a token counts against the request timeout.
func WithRateLimit(limit float64, burst int) Option {
	return func(o *clientOptions) {
		if limit <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithProducerInterceptors appends interceptors for outgoing payloads.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors appends interceptors for incoming events.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}
