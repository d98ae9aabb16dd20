// Package sqlstore implements the ledger and idempotency stores over
// database/sql. Dialect differences between Postgres and SQLite (placeholder
// style, row-lock syntax, unique-violation detection) are supplied by the
// driver packages through Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"exportcore/pkg/domain"
)

var (
	_ domain.PersistentStore  = (*Store)(nil)
	_ domain.IdempotencyStore = (*Store)(nil)
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	// Name is the migration directory and log label ("postgres", "sqlite").
	Name string
	// BindDriver is the driver name sqlx uses to choose the placeholder style.
	BindDriver string
	// LockSuffix is appended to SELECTs that must hold the row until commit.
	LockSuffix string
	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation func(error) bool
	// TxOptions are passed to BeginTx for ledger transactions.
	TxOptions *sql.TxOptions
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Apply sets the non-zero limits on db.
func (p PoolConfig) Apply(db *sql.DB) {
	if p.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.ConnMaxLifetime)
	}
}

// Store persists ledger rows and idempotency records in a relational database.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	engine  *domain.RulesEngine
	nowFn   func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithNowFunc overrides the clock used for row timestamps.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect, engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(error) bool { return false }
	}
	s := &Store{
		db:      sqlx.NewDb(db, dialect.BindDriver),
		dialect: dialect,
		engine:  engine,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), s.dialect.Name+" ping")
}

// Close drains the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTransaction executes fn inside one database transaction. Rules are
// evaluated against the same transaction before commit; any error or blocking
// violation rolls everything back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (res domain.Result, err error) {
	sqlTx, err := s.db.BeginTxx(ctx, s.dialect.TxOptions)
	if err != nil {
		return domain.Result{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &transaction{
		view: view{ctx: ctx, q: sqlTx, store: s, lock: s.dialect.LockSuffix},
		ex:   sqlTx,
		now:  s.nowFn(),
	}
	if err = fn(tx); err != nil {
		return domain.Result{}, err
	}

	if s.engine != nil {
		res, err = s.engine.Evaluate(ctx, &tx.view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		if res.HasBlocking() {
			err = domain.RuleViolationError{Result: res}
			return res, err
		}
	}

	if err = sqlTx.Commit(); err != nil {
		return domain.Result{}, errors.Wrap(err, "commit transaction")
	}
	return res, nil
}

// View runs fn against the pool without a transaction.
func (s *Store) View(ctx context.Context, fn func(domain.ReadView) error) error {
	return fn(&view{ctx: ctx, q: s.db, store: s})
}
