// Package postgres opens the SQL ledger store on PostgreSQL through the pgx
// database/sql driver. Ledger reads that precede a write take row locks with
// SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// migration driver
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/pkg/errors"

	"exportcore/internal/infra/persistence/sqlstore"
	"exportcore/pkg/domain"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/exportcore?sslmode=disable"

	uniqueViolation = "23505"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the function used to open connections and returns a
// restore func. Tests use it to inject a stub driver.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Dialect returns the Postgres dialect.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "postgres",
		BindDriver:        defaultDriver,
		LockSuffix:        " FOR UPDATE",
		IsUniqueViolation: IsUniqueViolation,
		TxOptions:         &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	}
}

// IsUniqueViolation reports whether err carries SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// MigrationURL rewrites a postgres:// DSN into the pgx5:// form expected by
// the migration driver.
func MigrationURL(dsn string) (string, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix), nil
		}
	}
	if strings.HasPrefix(dsn, "pgx5://") {
		return dsn, nil
	}
	return "", errors.Errorf("postgres migrations need a URL DSN, got %q", dsn)
}

// Migrate applies the embedded schema.
func Migrate(dsn string) error {
	u, err := MigrationURL(dsn)
	if err != nil {
		return err
	}
	return sqlstore.Migrate("postgres", u)
}

// Open connects to dsn (falling back to a local default) and returns the store.
func Open(ctx context.Context, dsn string, engine *domain.RulesEngine, pool sqlstore.PoolConfig, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	pool.Apply(db)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return sqlstore.New(db, Dialect(), engine, opts...), nil
}
