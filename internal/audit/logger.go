package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
)

// Logger is the audit logger interface.
type Logger interface {
	// LogEvent durably records an audit event. The admin log append happens
	// before LogEvent returns; a returned error means the entry was not
	// persisted.
	LogEvent(ctx context.Context, event *Event) error

	// Close closes the logger.
	Close() error
}

// Metrics contains audit metrics.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates new audit metrics registered with the provided
// registerer. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avakeyd",
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of admin audit events",
			},
			[]string{"action", "outcome"},
		),
	}

	// Duplicate registration is safe to ignore; descriptors are identical.
	_ = registerer.Register(m.eventsTotal)

	return m
}

// RecordEvent records an audit event metric.
func (m *Metrics) RecordEvent(action Action, outcome Outcome) {
	if m.eventsTotal == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(action), string(outcome)).Inc()
}

// logger implements the Logger interface. It appends one AdminEntry per event
// through the keystore and optionally mirrors the full event as a JSON line
// to a writer for local inspection.
type logger struct {
	store   keystore.Store
	writer  io.Writer
	mu      sync.Mutex
	logger  *zap.Logger
	metrics *Metrics
}

// LoggerOption is a functional option for the logger.
type LoggerOption func(*logger)

// WithWriter mirrors events as JSON lines to the given writer.
func WithWriter(w io.Writer) LoggerOption {
	return func(l *logger) {
		l.writer = w
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) LoggerOption {
	return func(l *logger) {
		l.metrics = m
	}
}

// WithZapLogger sets the diagnostic logger.
func WithZapLogger(zl *zap.Logger) LoggerOption {
	return func(l *logger) {
		l.logger = zl
	}
}

// NewLogger creates an audit logger backed by the given keystore.
func NewLogger(store keystore.Store, opts ...LoggerOption) Logger {
	l := &logger{
		store:  store,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}

	return l
}

// LogEvent implements Logger.
func (l *logger) LogEvent(ctx context.Context, event *Event) error {
	if event.TraceID == "" {
		event.TraceID = extractTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = extractSpanID(ctx)
	}

	entry := &apikey.AdminEntry{
		ID:        event.ID,
		Action:    l.describe(event),
		KeyID:     event.KeyID,
		Timestamp: event.Timestamp,
	}

	if err := l.store.AppendAdminLog(ctx, entry); err != nil {
		l.logger.Error("admin log append failed",
			zap.String("action", string(event.Action)),
			zap.String("key_id", event.KeyID),
			zap.Error(err),
		)
		return fmt.Errorf("admin log append: %w", err)
	}

	l.metrics.RecordEvent(event.Action, event.Outcome)
	l.writeEvent(event)

	return nil
}

// describe renders the free-text action description stored in the admin log.
func (l *logger) describe(event *Event) string {
	desc := string(event.Action)
	if event.Detail != "" {
		desc += ": " + event.Detail
	}
	return desc
}

// writeEvent mirrors the event to the configured writer, if any.
func (l *logger) writeEvent(event *Event) {
	if l.writer == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	output, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("failed to marshal audit event", zap.Error(err))
		return
	}
	output = append(output, '\n')

	if _, err := l.writer.Write(output); err != nil {
		l.logger.Error("failed to write audit event", zap.Error(err))
	}
}

// Close implements Logger.
func (l *logger) Close() error {
	return nil
}

// extractTraceID extracts the trace ID from the OpenTelemetry span context.
// Returns an empty string when no valid trace context is present.
func extractTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// extractSpanID extracts the span ID from the OpenTelemetry span context.
// Returns an empty string when no valid span context is present.
func extractSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// noopLogger is a no-op audit logger.
type noopLogger struct{}

// NewNoopLogger creates a new no-op audit logger.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *noopLogger) LogEvent(_ context.Context, _ *Event) error { return nil }

func (l *noopLogger) Close() error { return nil }

// Ensure implementations satisfy the interface.
var (
	_ Logger = (*logger)(nil)
	_ Logger = (*noopLogger)(nil)
)
