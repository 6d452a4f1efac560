// Package observability provides unified logging, metrics, tracing and
// telemetry events for the capability server. All components log through
// Logger, count through MetricsClient and report outcomes through the
// event Pipeline; none of them may fail the calling path.
package observability

import (
	"time"
)

// LogLevel defines log message severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// ParseLogLevel maps a config string onto a level, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LogLevelDebug
	case "warn", "WARN", "warning":
		return LogLevelWarn
	case "error", "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the interface for logging.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	// WithPrefix returns a logger scoped to a component name.
	WithPrefix(prefix string) Logger
}

// MetricsClient defines the interface for metrics collection.
type MetricsClient interface {
	IncrementCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordLatency(operation string, duration time.Duration)
	RecordOperation(component, operation string, success bool, duration time.Duration)
}

// EventType enumerates telemetry events emitted by the core.
type EventType string

const (
	EventRequestReceived    EventType = "request_received"
	EventRequestCompleted   EventType = "request_completed"
	EventInvocationBilled   EventType = "invocation_billed"
	EventDiscoveryRefreshed EventType = "discovery_refreshed"
	EventRegistryChanged    EventType = "registry_changed"
	EventEmbeddingIndexed   EventType = "embedding_indexed"
	EventServiceRegistered  EventType = "service_registered"
	EventHealthChanged      EventType = "health_changed"
)

// Event is a flat telemetry record. Correlation IDs are filled from the
// active span and request context where available.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// EventSink consumes telemetry events. Sink failures are swallowed by the
// pipeline; a sink must never block for long.
type EventSink interface {
	Write(event Event) error
	Close() error
}
