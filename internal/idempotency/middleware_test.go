package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exportcore/internal/infra/persistence/memory"
	"exportcore/pkg/domain"
)

type harness struct {
	t       *testing.T
	store   *memory.IdempotencyStore
	handler http.Handler
	calls   atomic.Int64
	now     time.Time
	mu      sync.Mutex
}

func newHarness(t *testing.T, cfg Config, inner http.HandlerFunc, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, store: memory.NewIdempotencyStore(), now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	if inner == nil {
		inner = func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"call": h.calls.Load(), "echo": string(body)})
		}
	}
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.calls.Add(1)
		inner(w, r)
	})
	opts = append([]Option{WithNowFunc(h.clock)}, opts...)
	h.handler = New(h.store, cfg, opts...).Middleware(counted)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) do(method, key, actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/v1/allocations", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	if actor != "" {
		req.Header.Set(HeaderActor, actor)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func errorReason(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	return payload["reason"]
}

func TestReplayReturnsStoredResponse(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	first := h.do(http.MethodPost, "k-1", "u1", `{"lot_id":"L1","weight_kg":"400"}`)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(HeaderReplayed))

	second := h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"400","lot_id":"L1"}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.EqualValues(t, 1, h.calls.Load())

	rec, err := h.store.Get(context.Background(), "k-1", "actor:u1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyCompleted, rec.Status)
	assert.Equal(t, "/api/v1/allocations", rec.Path)
	assert.Equal(t, http.MethodPost, rec.Method)
}

func TestKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"400"}`).Code)
	rec := h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"401"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderReplayed))
	assert.Equal(t, ReasonKeyMismatch, errorReason(t, rec))
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestKeysAreScopedPerActor(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "k-1", "u1", `{}`).Code)
	rec := h.do(http.MethodPost, "k-1", "u2", `{}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderReplayed))
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestAnonymousScopeUsesClientAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "203.0.113.7:51000"
	assert.Equal(t, "anon:203.0.113.7", HeaderScope(req))

	req.Header.Set(HeaderActor, " clerk-9 ")
	assert.Equal(t, "actor:clerk-9", HeaderScope(req))
}

func TestMissingKey(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		rec := h.do(http.MethodPost, "", "u1", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ReasonKeyRequired, errorReason(t, rec))
		assert.Zero(t, h.calls.Load())
	})
	t.Run("passes through when optional", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RequireKey = false
		h := newHarness(t, cfg, nil)
		assert.Equal(t, http.StatusCreated, h.do(http.MethodPost, "", "u1", `{}`).Code)
		assert.Equal(t, http.StatusCreated, h.do(http.MethodPost, "", "u1", `{}`).Code)
		assert.EqualValues(t, 2, h.calls.Load())
	})
}

func TestKeyLengthLimit(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	assert.Equal(t, http.StatusCreated, h.do(http.MethodPost, strings.Repeat("k", MaxKeyLength), "u1", `{}`).Code)

	rec := h.do(http.MethodPost, strings.Repeat("k", MaxKeyLength+1), "u1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ReasonKeyInvalid, errorReason(t, rec))
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestReadsBypassIdempotency(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	assert.Equal(t, http.StatusCreated, h.do(http.MethodGet, "", "", "").Code)
	assert.Equal(t, http.StatusCreated, h.do(http.MethodGet, "k-1", "u1", "").Code)
	assert.Equal(t, http.StatusCreated, h.do(http.MethodGet, "k-1", "u1", "").Code)
	assert.EqualValues(t, 3, h.calls.Load())

	_, err := h.store.Get(context.Background(), "k-1", "actor:u1")
	assert.True(t, domain.IsNotFound(err))
}

func TestInFlightDuplicateConflictsUntilWinnerFinishes(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"a-1"}`)
	})

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"400"}`) }()
	<-started

	loser := h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"400"}`)
	assert.Equal(t, http.StatusConflict, loser.Code)
	assert.Equal(t, ReasonInProgress, errorReason(t, loser))

	close(release)
	winner := <-done
	require.Equal(t, http.StatusCreated, winner.Code)

	replayed := h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"400"}`)
	assert.Equal(t, http.StatusCreated, replayed.Code)
	assert.Equal(t, `{"id":"a-1"}`, replayed.Body.String())
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "ok")
	})

	const n = 16
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"400"}`).Code
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, h.calls.Load())
	for _, code := range codes {
		assert.Contains(t, []int{http.StatusCreated, http.StatusConflict}, code)
	}
}

func TestServerErrorsAreStoredAsFailedAndReplayed(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
	})

	require.Equal(t, http.StatusInternalServerError, h.do(http.MethodPost, "k-1", "u1", `{}`).Code)
	rec, err := h.store.Get(context.Background(), "k-1", "actor:u1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyFailed, rec.Status)

	again := h.do(http.MethodPost, "k-1", "u1", `{}`)
	assert.Equal(t, http.StatusInternalServerError, again.Code)
	assert.Equal(t, "true", again.Header().Get(HeaderReplayed))
	assert.Equal(t, `{"error":"boom"}`, again.Body.String())
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestClientErrorsAreStoredAsCompleted(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	require.Equal(t, http.StatusConflict, h.do(http.MethodPost, "k-1", "u1", `{}`).Code)
	rec, err := h.store.Get(context.Background(), "k-1", "actor:u1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyCompleted, rec.Status)
	assert.Equal(t, http.StatusConflict, rec.ResponseStatus)
}

func TestExpiredKeyMayBeReused(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Hour
	h := newHarness(t, cfg, nil)

	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"400"}`).Code)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"500"}`).Code)

	h.advance(time.Hour)
	rec := h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"500"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderReplayed))
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestSlowWinnerCannotFinalizeReclaimedKey(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	cfg := DefaultConfig()
	cfg.TTL = time.Second
	h := newHarness(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "400") {
			close(started)
			<-release
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"echo":`+string(body)+`}`)
	})

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"400"}`) }()
	<-started

	h.advance(2 * time.Second)
	second := h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"500"}`)
	require.Equal(t, http.StatusCreated, second.Code)

	close(release)
	first := <-done
	require.Equal(t, http.StatusCreated, first.Code)

	stored, err := h.store.Get(context.Background(), "k-1", "actor:u1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyCompleted, stored.Status)
	assert.Equal(t, second.Body.String(), string(stored.ResponseBody))

	retry := h.do(http.MethodPost, "k-1", "u1", `{"weight_kg":"500"}`)
	assert.Equal(t, http.StatusCreated, retry.Code)
	assert.Equal(t, "true", retry.Header().Get(HeaderReplayed))
	assert.Equal(t, second.Body.String(), retry.Body.String())
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestPanicFinalizesAsFailed(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	})

	assert.PanicsWithValue(t, "handler exploded", func() {
		h.do(http.MethodPost, "k-1", "u1", `{}`)
	})

	rec, err := h.store.Get(context.Background(), "k-1", "actor:u1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyFailed, rec.Status)
	assert.Equal(t, http.StatusInternalServerError, rec.ResponseStatus)

	again := h.do(http.MethodPost, "k-1", "u1", `{}`)
	assert.Equal(t, http.StatusInternalServerError, again.Code)
	assert.Equal(t, "true", again.Header().Get(HeaderReplayed))
}

type faultyStore struct {
	domain.IdempotencyStore
	claimErr    error
	finalizeErr error
}

func (s faultyStore) Claim(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	if s.claimErr != nil {
		return false, s.claimErr
	}
	return s.IdempotencyStore.Claim(ctx, rec)
}

func (s faultyStore) Finalize(ctx context.Context, claim domain.IdempotencyRecord, out domain.IdempotencyOutcome) error {
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	return s.IdempotencyStore.Finalize(ctx, claim, out)
}

func TestFinalizeFailureDoesNotFailResponse(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	store := faultyStore{IdempotencyStore: memory.NewIdempotencyStore(), finalizeErr: errors.New("disk full")}
	handler := New(store, DefaultConfig(), WithLogger(logger)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lots", strings.NewReader(`{}`))
	req.Header.Set(HeaderKey, "k-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "idempotency finalisation failed", hook.LastEntry().Message)
	assert.Equal(t, "k-1", hook.LastEntry().Data["idempotency_key"])
}

func TestClaimFailureIsUnavailable(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	store := faultyStore{IdempotencyStore: memory.NewIdempotencyStore(), claimErr: errors.New("connection refused")}
	called := false
	handler := New(store, DefaultConfig(), WithLogger(logger)).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lots", strings.NewReader(`{}`))
	req.Header.Set(HeaderKey, "k-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ReasonStoreFailure, errorReason(t, rec))
	assert.False(t, called)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestMetricsCountOutcomes(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	h := newHarness(t, DefaultConfig(), nil, WithMetrics(m))

	h.do(http.MethodPost, "k-1", "u1", `{}`)
	h.do(http.MethodPost, "k-1", "u1", `{}`)
	h.do(http.MethodPost, "k-1", "u1", `{"x":1}`)
	h.do(http.MethodPost, "", "u1", `{}`)
	h.do(http.MethodGet, "", "", "")

	for outcome, want := range map[string]float64{
		OutcomeExecuted:   1,
		OutcomeReplayed:   1,
		OutcomeMismatch:   1,
		OutcomeMissingKey: 1,
		OutcomeBypass:     1,
	} {
		assert.Equal(t, want, testutil.ToFloat64(m.outcomes.WithLabelValues(outcome)), fmt.Sprintf("outcome %s", outcome))
	}
}

func TestNewMetricsRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}
