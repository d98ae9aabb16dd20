// Package idempotency deduplicates retried mutating HTTP requests. The first
// request for a key claims a processing record, runs the wrapped handler and
// stores the response; later requests with the same key and payload receive
// that response again without re-running the handler.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"exportcore/pkg/domain"
)

// Header names consumed and produced by the middleware.
const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotency-Replayed"
	HeaderActor    = "X-Actor-ID"
)

// Error reasons written in rejection bodies.
const (
	ReasonKeyRequired    = "idempotency_key_required"
	ReasonKeyInvalid     = "idempotency_key_invalid"
	ReasonKeyMismatch    = "idempotency_key_reused"
	ReasonInProgress     = "idempotency_request_in_progress"
	ReasonStoreFailure   = "idempotency_store_unavailable"
	ReasonBodyUnreadable = "request_body_unreadable"
)

// MaxKeyLength bounds the accepted Idempotency-Key header in characters.
const MaxKeyLength = 128

const claimAttempts = 3

// Config tunes the middleware.
type Config struct {
	// TTL is how long a record blocks reuse of its key.
	TTL time.Duration
	// RequireKey rejects mutating requests without a key. When false such
	// requests pass straight through.
	RequireKey bool
	// FinalizeTimeout bounds the write of the captured response.
	FinalizeTimeout time.Duration
	// MaxBodyBytes bounds the request body read for fingerprinting.
	MaxBodyBytes int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		RequireKey:      true,
		FinalizeTimeout: 5 * time.Second,
		MaxBodyBytes:    1 << 20,
	}
}

// ScopeResolver derives the actor scope a key is namespaced under.
type ScopeResolver func(*http.Request) string

// HeaderScope scopes keys by the X-Actor-ID header and falls back to the
// client address for anonymous callers.
func HeaderScope(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(HeaderActor)); actor != "" {
		return "actor:" + actor
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "anon:" + host
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the outcome counters.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNowFunc overrides the clock used for record timestamps.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithScopeResolver overrides how the actor scope is derived.
func WithScopeResolver(fn ScopeResolver) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.scope = fn
		}
	}
}

// Coordinator wraps mutating handlers with idempotent replay.
type Coordinator struct {
	store   domain.IdempotencyStore
	cfg     Config
	logger  logrus.FieldLogger
	metrics *Metrics
	now     func() time.Time
	scope   ScopeResolver
}

// New builds a Coordinator over store. Zero config fields take their defaults.
func New(store domain.IdempotencyStore, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	c := &Coordinator{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		scope:  HeaderScope,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Middleware wraps next. It matches the gorilla/mux MiddlewareFunc signature.
func (c *Coordinator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mutating(r.Method) {
			c.metrics.observe(OutcomeBypass)
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(HeaderKey)
		if key == "" {
			if !c.cfg.RequireKey {
				c.metrics.observe(OutcomeBypass)
				next.ServeHTTP(w, r)
				return
			}
			c.metrics.observe(OutcomeMissingKey)
			writeError(w, http.StatusBadRequest, "Idempotency-Key header is required", ReasonKeyRequired)
			return
		}
		if utf8.RuneCountInString(key) > MaxKeyLength || !utf8.ValidString(key) {
			c.metrics.observe(OutcomeInvalidKey)
			writeError(w, http.StatusBadRequest, "Idempotency-Key must be 1 to 128 characters", ReasonKeyInvalid)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.cfg.MaxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "request body could not be read", ReasonBodyUnreadable)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		scope := c.scope(r)
		fingerprint := Fingerprint(r.Method, r.URL.Path, scope, body)
		log := c.logger.WithFields(logrus.Fields{
			"idempotency_key": key,
			"scope":           scope,
			"method":          r.Method,
			"path":            r.URL.Path,
		})

		for attempt := 0; attempt < claimAttempts; attempt++ {
			now := c.now()
			claim := domain.IdempotencyRecord{
				Key:         key,
				Scope:       scope,
				Method:      r.Method,
				Path:        r.URL.Path,
				Fingerprint: fingerprint,
				Status:      domain.IdempotencyProcessing,
				CreatedAt:   now,
				ExpiresAt:   now.Add(c.cfg.TTL),
			}
			won, err := c.store.Claim(r.Context(), claim)
			if err != nil {
				log.WithError(err).Error("idempotency claim failed")
				c.metrics.observe(OutcomeStoreError)
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable", ReasonStoreFailure)
				return
			}
			if won {
				c.execute(w, r, next, claim, log)
				return
			}

			existing, err := c.store.Get(r.Context(), key, scope)
			if err != nil {
				if domain.IsNotFound(err) {
					// Swept between claim and lookup.
					continue
				}
				log.WithError(err).Error("idempotency lookup failed")
				c.metrics.observe(OutcomeStoreError)
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable", ReasonStoreFailure)
				return
			}
			if existing.Expired(c.now()) {
				continue
			}
			if existing.Fingerprint != fingerprint {
				c.metrics.observe(OutcomeMismatch)
				writeError(w, http.StatusConflict, "Idempotency-Key was already used with a different request", ReasonKeyMismatch)
				return
			}
			if !existing.Finished() {
				c.metrics.observe(OutcomeInFlight)
				writeError(w, http.StatusConflict, "a request with this Idempotency-Key is still in progress", ReasonInProgress)
				return
			}
			c.metrics.observe(OutcomeReplayed)
			log.WithField("status", existing.ResponseStatus).Debug("replaying stored response")
			replay(w, existing)
			return
		}

		c.metrics.observe(OutcomeInFlight)
		writeError(w, http.StatusConflict, "a request with this Idempotency-Key is still in progress", ReasonInProgress)
	})
}

func (c *Coordinator) execute(w http.ResponseWriter, r *http.Request, next http.Handler, claim domain.IdempotencyRecord, log logrus.FieldLogger) {
	rec := newRecorder(w)
	finished := false
	defer func() {
		if finished {
			return
		}
		p := recover()
		c.finalize(r.Context(), claim, domain.IdempotencyOutcome{
			Status:      domain.IdempotencyFailed,
			StatusCode:  http.StatusInternalServerError,
			ContentType: rec.contentType(),
			Body:        rec.body.Bytes(),
		}, log)
		if p != nil {
			panic(p)
		}
	}()

	next.ServeHTTP(rec, r)
	finished = true

	status := domain.IdempotencyCompleted
	if rec.status >= http.StatusInternalServerError {
		status = domain.IdempotencyFailed
	}
	c.metrics.observe(OutcomeExecuted)
	c.finalize(r.Context(), claim, domain.IdempotencyOutcome{
		Status:      status,
		StatusCode:  rec.status,
		ContentType: rec.contentType(),
		Body:        rec.body.Bytes(),
	}, log)
}

// finalize never fails the request: a lost write leaves the record in
// processing until it expires, and a record reclaimed after expiry is left to
// its new owner.
func (c *Coordinator) finalize(ctx context.Context, claim domain.IdempotencyRecord, out domain.IdempotencyOutcome, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FinalizeTimeout)
	defer cancel()
	if err := c.store.Finalize(ctx, claim, out); err != nil {
		c.metrics.observe(OutcomeFinalizeErr)
		log.WithError(errors.Wrap(err, "finalize idempotency record")).Warn("idempotency finalisation failed")
	}
}

func replay(w http.ResponseWriter, rec domain.IdempotencyRecord) {
	if rec.ResponseContentType != "" {
		w.Header().Set("Content-Type", rec.ResponseContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	status := rec.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(rec.ResponseBody)
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "reason": reason})
}
