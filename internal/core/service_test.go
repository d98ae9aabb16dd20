package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exportcore/internal/infra/persistence/memory"
	"exportcore/pkg/domain"
)

var testNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	n.events = append(n.events, e)
	return n.err
}

func (n *recordingNotifier) ofType(t EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type observation struct {
	op      string
	success bool
}

type recordingMetrics struct {
	mu  sync.Mutex
	obs []observation
}

func (m *recordingMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, observation{op: op, success: success})
}

type recordingTracer struct {
	mu    sync.Mutex
	ended map[string][]error
}

type recordingSpan struct {
	tracer *recordingTracer
	op     string
}

func (t *recordingTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &recordingSpan{tracer: t, op: op}
}

func (s *recordingSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	if s.tracer.ended == nil {
		s.tracer.ended = map[string][]error{}
	}
	s.tracer.ended[s.op] = append(s.tracer.ended[s.op], err)
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...ServiceOption) fixture {
	t.Helper()
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithNowFunc(func() time.Time { return testNow }))
	notifier := &recordingNotifier{}
	all := append([]ServiceOption{
		WithClock(ClockFunc(func() time.Time { return testNow })),
		WithNotifier(notifier),
	}, opts...)
	return fixture{svc: NewService(store, all...), store: store, notifier: notifier}
}

func kg(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func (f fixture) lot(t *testing.T, number, weight string) domain.Lot {
	t.Helper()
	lot, _, err := f.svc.CreateLot(context.Background(), LotIntake{
		LotNumber: number, Source: domain.SourceAuction, Grade: "AB", WarehouseID: "wh-1", TotalWeightKg: kg(weight),
	})
	require.NoError(t, err)
	return lot
}

func (f fixture) contract(t *testing.T, number, qty string) domain.Contract {
	t.Helper()
	c, _, err := f.svc.CreateContract(context.Background(), NewContract{ContractNumber: number, BuyerID: "buyer-1", QuantityKg: kg(qty)})
	require.NoError(t, err)
	return c
}

func (f fixture) allocate(t *testing.T, contractID, lotID, weight string) domain.Allocation {
	t.Helper()
	a, _, err := f.svc.Allocate(context.Background(), contractID, lotID, kg(weight))
	require.NoError(t, err)
	return a
}

func requireKind(t *testing.T, err error, kind domain.Kind, reason string) {
	t.Helper()
	require.Error(t, err)
	gotKind, gotReason := domain.Classify(err)
	assert.Equal(t, kind, gotKind, err.Error())
	if reason != "" {
		assert.Equal(t, reason, gotReason, err.Error())
	}
}

func TestServiceObservesOperations(t *testing.T) {
	metrics := &recordingMetrics{}
	tracer := &recordingTracer{}
	f := newFixture(t, WithMetricsRecorder(metrics), WithTracer(tracer))

	lot := f.lot(t, "L-1", "100")
	_, _, err := f.svc.Allocate(context.Background(), "missing", lot.ID, kg("10"))
	requireKind(t, err, domain.KindNotFound, "contract_not_found")
	_, err = f.svc.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)

	assert.Equal(t, []observation{
		{op: "create_lot", success: true},
		{op: "allocate", success: false},
		{op: "get_lot", success: true},
	}, metrics.obs)
	require.Len(t, tracer.ended["allocate"], 1)
	assert.Error(t, tracer.ended["allocate"][0])
	assert.NoError(t, tracer.ended["create_lot"][0])
}

func TestServiceLogsOutcomes(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := newFixture(t, WithLogger(logger))

	f.lot(t, "L-1", "100")
	_, _, err := f.svc.CreateLot(context.Background(), LotIntake{LotNumber: "L-1", Source: domain.SourceDirect, TotalWeightKg: kg("5")})
	requireKind(t, err, domain.KindConflict, domain.ReasonDuplicateNumber)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.DebugLevel, entries[0].Level)
	assert.Equal(t, "create_lot", entries[0].Data["operation"])
	assert.Equal(t, logrus.InfoLevel, entries[1].Level)
	assert.Equal(t, domain.ReasonDuplicateNumber, entries[1].Data["reason"])
}

func TestServiceLogsUnexpectedErrors(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	f := newFixture(t, WithLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := f.svc.CreateContract(ctx, NewContract{ContractNumber: "C-1", BuyerID: "b", QuantityKg: kg("1")})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestNotifierFailureDoesNotFailMutation(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	f := newFixture(t, WithLogger(logger))
	f.notifier.err = errors.New("broker down")

	lot := f.lot(t, "L-1", "100")
	c := f.contract(t, "C-1", "50")
	a, _, err := f.svc.Allocate(context.Background(), c.ID, lot.ID, kg("50"))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "notification failed", hook.LastEntry().Message)
}

func TestPostCommitSideEffectsIgnoreCancellation(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, "L-1", "100")
	c := f.contract(t, "C-1", "50")

	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := f.svc.Allocate(ctxCancelledAfterCommit{Context: ctx, cancel: cancel}, c.ID, lot.ID, kg("50"))
	require.NoError(t, err)
	assert.Len(t, f.notifier.ofType(EventContractFullyAllocated), 1)
}

// ctxCancelledAfterCommit cancels itself the first time Done is consulted
// outside the store, which happens only once the transaction returned.
type ctxCancelledAfterCommit struct {
	context.Context
	cancel context.CancelFunc
}

func (c ctxCancelledAfterCommit) Err() error {
	err := c.Context.Err()
	c.cancel()
	return err
}

func TestWithIDGenerator(t *testing.T) {
	n := 0
	f := newFixture(t, WithIDGenerator(func() string {
		n++
		return "id-" + string(rune('0'+n))
	}))
	lot := f.lot(t, "L-1", "10")
	assert.Equal(t, "id-1", lot.ID)
}
