package emq

import (
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// MetricTypeCounter is a monotonically increasing counter.
	MetricTypeCounter MetricType = 0
	// MetricTypeGauge is a value that can go up and down.
	MetricTypeGauge MetricType = 1
	// MetricTypeHistogram tracks distribution of values.
	MetricTypeHistogram MetricType = 2
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Add adds the given value to the gauge.
	Add(delta float64)

	// Sub subtracts the given value from the gauge.
	Sub(delta float64)

	// Value returns the current value.
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	// Observe records a value.
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	// Count returns the number of observations.
	Count() uint64

	// Sum returns the sum of all observations.
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return &noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return &noOpGauge{}
}

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram {
	return &noOpHistogram{}
}

type noOpCounter struct{}

func (n *noOpCounter) Inc()           {}
func (n *noOpCounter) Add(_ float64)  {}
func (n *noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (n *noOpGauge) Set(_ float64)  {}
func (n *noOpGauge) Inc()           {}
func (n *noOpGauge) Dec()           {}
func (n *noOpGauge) Add(_ float64)  {}
func (n *noOpGauge) Sub(_ float64)  {}
func (n *noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (n *noOpHistogram) Observe(_ float64)               {}
func (n *noOpHistogram) ObserveDuration(_ time.Duration) {}
func (n *noOpHistogram) Count() uint64                   { return 0 }
func (n *noOpHistogram) Sum() float64                    { return 0 }

// Standard metric names.
const (
	// MetricConnections is the current number of broker connections.
	MetricConnections = "emq_connections"

	// MetricConnectionsTotal is the total number of accepted connections.
	MetricConnectionsTotal = "emq_connections_total"

	// MetricCommandsSent is the total number of requests sent by a client.
	MetricCommandsSent = "emq_commands_sent_total"

	// MetricRepliesReceived is the total number of replies, labelled by status.
	MetricRepliesReceived = "emq_replies_received_total"

	// MetricCommandLatency is the request to reply latency.
	MetricCommandLatency = "emq_command_latency_seconds"

	// MetricCommandsHandled is the total number of requests handled by a broker.
	MetricCommandsHandled = "emq_commands_handled_total"

	// MetricEventsReceived is the total number of push events received.
	MetricEventsReceived = "emq_events_received_total"

	// MetricEventsDropped is the total number of push events without a handler.
	MetricEventsDropped = "emq_events_dropped_total"

	// MetricMessagesDelivered is the total number of messages delivered by a broker.
	MetricMessagesDelivered = "emq_messages_delivered_total"

	// MetricBytesReceived is the total bytes received.
	MetricBytesReceived = "emq_bytes_received_total"

	// MetricBytesSent is the total bytes sent.
	MetricBytesSent = "emq_bytes_sent_total"
)

// Standard metric labels.
const (
	LabelCommand = "command"
	LabelStatus  = "status"
)

// ClientMetrics provides convenience methods for client-side metrics.
type ClientMetrics struct {
	metrics Metrics
}

// NewClientMetrics creates a new ClientMetrics instance.
func NewClientMetrics(m Metrics) *ClientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &ClientMetrics{metrics: m}
}

// CommandSent records an outbound request.
func (c *ClientMetrics) CommandSent(cmd Command) {
	c.metrics.Counter(MetricCommandsSent, MetricLabels{LabelCommand: cmd.String()}).Inc()
}

// ReplyReceived records a reply and the time since its request was sent.
func (c *ClientMetrics) ReplyReceived(cmd Command, status Status, d time.Duration) {
	c.metrics.Counter(MetricRepliesReceived, MetricLabels{LabelStatus: status.String()}).Inc()
	c.metrics.Histogram(MetricCommandLatency, MetricLabels{LabelCommand: cmd.String()}).ObserveDuration(d)
}

// EventReceived records a push event.
func (c *ClientMetrics) EventReceived(event Command) {
	c.metrics.Counter(MetricEventsReceived, MetricLabels{LabelCommand: event.String()}).Inc()
}

// EventDropped records a push event that had no handler.
func (c *ClientMetrics) EventDropped(event Command) {
	c.metrics.Counter(MetricEventsDropped, MetricLabels{LabelCommand: event.String()}).Inc()
}

// BytesReceived records received bytes.
func (c *ClientMetrics) BytesReceived(n int) {
	c.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

// BytesSent records sent bytes.
func (c *ClientMetrics) BytesSent(n int) {
	c.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}

// BrokerMetrics provides convenience methods for common broker metrics.
type BrokerMetrics struct {
	metrics Metrics
}

// NewBrokerMetrics creates a new BrokerMetrics instance.
func NewBrokerMetrics(m Metrics) *BrokerMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &BrokerMetrics{metrics: m}
}

// ConnectionOpened records a new connection.
func (b *BrokerMetrics) ConnectionOpened() {
	b.metrics.Gauge(MetricConnections, nil).Inc()
	b.metrics.Counter(MetricConnectionsTotal, nil).Inc()
}

// ConnectionClosed records a closed connection.
func (b *BrokerMetrics) ConnectionClosed() {
	b.metrics.Gauge(MetricConnections, nil).Dec()
}

// CommandHandled records a handled request with its reply status.
func (b *BrokerMetrics) CommandHandled(cmd Command, status Status) {
	labels := MetricLabels{LabelCommand: cmd.String(), LabelStatus: status.String()}
	b.metrics.Counter(MetricCommandsHandled, labels).Inc()
}

// MessageDelivered records a message pushed to a subscriber.
func (b *BrokerMetrics) MessageDelivered(event Command) {
	b.metrics.Counter(MetricMessagesDelivered, MetricLabels{LabelCommand: event.String()}).Inc()
}

// BytesReceived records received bytes.
func (b *BrokerMetrics) BytesReceived(n int) {
	b.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

// BytesSent records sent bytes.
func (b *BrokerMetrics) BytesSent(n int) {
	b.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}
