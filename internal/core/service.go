// Package core implements the allocation ledger: lot intake, contract
// commitments, allocations, shipments and stock corrections, each executed as
// one locked transaction against a domain.PersistentStore.
package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"exportcore/pkg/domain"
)

// Clock supplies timestamps for events emitted after commit.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// ServiceOption customises a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	clock    Clock
	logger   logrus.FieldLogger
	metrics  MetricsRecorder
	tracer   Tracer
	notifier Notifier
	archive  TraceabilityArchive
	newID    func() string
}

func defaultServiceOptions() serviceOptions {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return serviceOptions{
		clock:    ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:   logger,
		metrics:  noopMetrics{},
		tracer:   noopTracer{},
		notifier: noopNotifier{},
		archive:  nil,
		newID:    uuid.NewString,
	}
}

// WithClock overrides the clock used for event timestamps.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger logrus.FieldLogger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder sets the recorder that observes every operation.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer sets the tracer wrapped around every operation.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithNotifier sets the collaborator that receives post-commit events.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(o *serviceOptions) {
		if notifier != nil {
			o.notifier = notifier
		}
	}
}

// WithTraceabilityArchive sets where shipment traceability snapshots are copied after commit.
func WithTraceabilityArchive(archive TraceabilityArchive) ServiceOption {
	return func(o *serviceOptions) {
		o.archive = archive
	}
}

// WithIDGenerator overrides entity id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(o *serviceOptions) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// Service exposes the ledger operations over a persistent store.
type Service struct {
	store    domain.PersistentStore
	clock    Clock
	logger   logrus.FieldLogger
	metrics  MetricsRecorder
	tracer   Tracer
	notifier Notifier
	archive  TraceabilityArchive
	newID    func() string
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Service{
		store:    store,
		clock:    cfg.clock,
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		tracer:   cfg.tracer,
		notifier: cfg.notifier,
		archive:  cfg.archive,
		newID:    cfg.newID,
	}
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// run executes fn in one store transaction and reports the outcome to the
// configured tracer, metrics recorder and logger.
func (s *Service) run(ctx context.Context, op string, fields logrus.Fields, fn func(domain.Transaction) error) (domain.Result, error) {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	res, err := s.store.RunInTransaction(ctx, fn)
	s.metrics.Observe(ctx, op, err == nil, time.Since(started))
	span.End(err)

	entry := s.logger.WithFields(fields).WithField("operation", op)
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityWarn {
			entry.WithFields(logrus.Fields{"rule": v.Rule, "entity_id": v.EntityID}).Warn(v.Message)
		}
	}
	switch kind, reason := domain.Classify(err); {
	case err == nil:
		entry.Debug("ledger operation committed")
	case kind != "":
		entry.WithField("reason", reason).Info("ledger operation rejected")
	default:
		entry.WithError(err).Error("ledger operation failed")
	}
	return res, err
}

// view executes a read-only lookup with the same observation as run.
func (s *Service) view(ctx context.Context, op string, fn func(domain.ReadView) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	err := s.store.View(ctx, fn)
	s.metrics.Observe(ctx, op, err == nil, time.Since(started))
	span.End(err)
	return err
}
