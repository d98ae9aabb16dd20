package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// MetricsRecorder observes the outcome of every ledger operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts a span around a ledger operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// PrometheusMetricsRecorder exports operation latency and outcome counters.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the ledger collectors with reg. A nil
// registerer leaves the collectors unregistered.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	rec := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exportcore",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exportcore",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{"operation", "status"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{rec.durations, rec.results} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return rec, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}

// LogTracer emits one debug entry per finished span.
type LogTracer struct {
	logger logrus.FieldLogger
}

// NewLogTracer constructs a tracer writing to logger.
func NewLogTracer(logger logrus.FieldLogger) *LogTracer {
	return &LogTracer{logger: logger}
}

// Start implements Tracer.
func (t *LogTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &logSpan{logger: t.logger, operation: operation, started: time.Now()}
}

type logSpan struct {
	logger    logrus.FieldLogger
	operation string
	started   time.Time
}

func (s *logSpan) End(err error) {
	entry := s.logger.WithFields(logrus.Fields{
		"span":        s.operation,
		"duration_ms": float64(time.Since(s.started)) / float64(time.Millisecond),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("span finished")
}
