package memory

import (
	"context"
	"sync"
	"time"

	"exportcore/pkg/domain"
)

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)

type recordKey struct {
	key   string
	scope string
}

// IdempotencyStore keeps idempotency records in a map guarded by a mutex.
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[recordKey]domain.IdempotencyRecord
}

// NewIdempotencyStore returns an empty store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{records: make(map[recordKey]domain.IdempotencyRecord)}
}

// Claim inserts rec unless an unexpired record already holds its key and scope.
// rec.CreatedAt is the instant expiry is judged against.
func (s *IdempotencyStore) Claim(_ context.Context, rec domain.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{key: rec.Key, scope: rec.Scope}
	if existing, ok := s.records[k]; ok && !existing.Expired(rec.CreatedAt) {
		return false, nil
	}
	rec.Status = domain.IdempotencyProcessing
	rec.ResponseStatus = 0
	rec.ResponseBody = nil
	rec.ResponseContentType = ""
	s.records[k] = rec
	return true, nil
}

// Get returns the record for key and scope.
func (s *IdempotencyStore) Get(_ context.Context, key, scope string) (domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{key: key, scope: scope}]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrNotFound{Entity: domain.EntityIdempotencyRecord, ID: key}
	}
	rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return rec, nil
}

// Finalize stores the captured response of a processing record still held by
// claim.
func (s *IdempotencyStore) Finalize(_ context.Context, claim domain.IdempotencyRecord, out domain.IdempotencyOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{key: claim.Key, scope: claim.Scope}
	rec, ok := s.records[k]
	if !ok || rec.Status != domain.IdempotencyProcessing || !rec.SameClaim(claim) {
		return domain.ErrNotFound{Entity: domain.EntityIdempotencyRecord, ID: claim.Key}
	}
	rec.Status = out.Status
	rec.ResponseStatus = out.StatusCode
	rec.ResponseContentType = out.ContentType
	rec.ResponseBody = append([]byte(nil), out.Body...)
	s.records[k] = rec
	return nil
}

// DeleteExpired removes every record expired at now.
func (s *IdempotencyStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
