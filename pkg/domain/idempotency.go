package domain

import (
	"context"
	"time"
)

// IdempotencyStatus tracks the lifecycle of a stored mutation outcome.
type IdempotencyStatus string

// Idempotency record statuses.
const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is the durable outcome of one keyed mutating request.
type IdempotencyRecord struct {
	Key                 string
	Scope               string
	Method              string
	Path                string
	Fingerprint         string
	Status              IdempotencyStatus
	ResponseStatus      int
	ResponseBody        []byte
	ResponseContentType string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Expired reports whether the record may be overwritten at now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// SameClaim reports whether other was produced by the same claim as r.
// Creation instants compare at millisecond precision, the resolution stores
// persist.
func (r IdempotencyRecord) SameClaim(other IdempotencyRecord) bool {
	return r.Key == other.Key && r.Scope == other.Scope &&
		r.Fingerprint == other.Fingerprint &&
		r.CreatedAt.UnixMilli() == other.CreatedAt.UnixMilli()
}

// Finished reports whether the record holds a replayable response.
func (r IdempotencyRecord) Finished() bool {
	return r.Status == IdempotencyCompleted || r.Status == IdempotencyFailed
}

// IdempotencyStore persists idempotency records. Claim is a single atomic
// statement: it inserts rec in processing state, or overwrites an existing
// row for the same key and scope only when that row has expired. It reports
// whether the caller won the claim. Finalize takes the record that won the
// claim and only updates the row while it still belongs to that claim, so a
// winner that outlived its TTL cannot write into a newer claimant's row.
type IdempotencyStore interface {
	Claim(ctx context.Context, rec IdempotencyRecord) (bool, error)
	Get(ctx context.Context, key, scope string) (IdempotencyRecord, error)
	Finalize(ctx context.Context, claim IdempotencyRecord, outcome IdempotencyOutcome) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// IdempotencyOutcome is the captured response stored when a request finishes.
type IdempotencyOutcome struct {
	Status      IdempotencyStatus
	StatusCode  int
	ContentType string
	Body        []byte
}
