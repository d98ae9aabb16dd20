package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"exportcore/pkg/domain"
)

// claimQuery inserts a processing record, or takes over an existing row only
// when it has expired. A row that is still live is left untouched and the
// statement affects zero rows.
const claimQuery = `INSERT INTO idempotency_records (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, 0, NULL, '', ?, ?)
ON CONFLICT (idempotency_key, actor_scope) DO UPDATE SET
    method = excluded.method,
    path = excluded.path,
    fingerprint = excluded.fingerprint,
    status = excluded.status,
    response_status = 0,
    response_body = NULL,
    response_content_type = '',
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
WHERE idempotency_records.expires_at <= excluded.created_at`

// Claim implements domain.IdempotencyStore.
func (s *Store) Claim(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(claimQuery),
		rec.Key, rec.Scope, rec.Method, rec.Path, rec.Fingerprint, string(domain.IdempotencyProcessing),
		rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return false, errors.Wrap(err, "claim idempotency key")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "claim idempotency key")
	}
	return n == 1, nil
}

// Get implements domain.IdempotencyStore.
func (s *Store) Get(ctx context.Context, key, scope string) (domain.IdempotencyRecord, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(
		"SELECT "+recordColumns+" FROM idempotency_records WHERE idempotency_key = ? AND actor_scope = ?"), key, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrNotFound{Entity: domain.EntityIdempotencyRecord, ID: key}
	}
	if err != nil {
		return domain.IdempotencyRecord{}, errors.Wrap(err, "load idempotency record")
	}
	return row.toDomain(), nil
}

// Finalize implements domain.IdempotencyStore. Only a record still in
// processing state under the same fingerprint and creation instant is updated.
func (s *Store) Finalize(ctx context.Context, claim domain.IdempotencyRecord, out domain.IdempotencyOutcome) error {
	body := out.Body
	if body == nil {
		body = []byte{}
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE idempotency_records
SET status = ?, response_status = ?, response_body = ?, response_content_type = ?
WHERE idempotency_key = ? AND actor_scope = ? AND status = ? AND fingerprint = ? AND created_at = ?`),
		string(out.Status), out.StatusCode, body, out.ContentType,
		claim.Key, claim.Scope, string(domain.IdempotencyProcessing), claim.Fingerprint, claim.CreatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "finalize idempotency record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "finalize idempotency record")
	}
	if n == 0 {
		return domain.ErrNotFound{Entity: domain.EntityIdempotencyRecord, ID: claim.Key}
	}
	return nil
}

// DeleteExpired implements domain.IdempotencyStore.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM idempotency_records WHERE expires_at <= ?"), now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "delete expired idempotency records")
	}
	return res.RowsAffected()
}
