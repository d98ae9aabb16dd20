// Package sqlite opens the SQL ledger store on an embedded SQLite file. It is
// the default backend for development and the backend used by SQL tests.
package sqlite

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // sqlite:// migration driver
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"exportcore/internal/infra/persistence/sqlstore"
	"exportcore/pkg/domain"
)

const defaultPath = "exportcore.db"

// Dialect returns the SQLite dialect. SQLite has no row locks; transactions
// begin IMMEDIATE so writers serialise on the database lock instead.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "sqlite",
		BindDriver:        "sqlite3",
		LockSuffix:        "",
		IsUniqueViolation: IsUniqueViolation,
	}
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// connections without extended result codes only report the primary code
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

// DSN builds the driver connection string for path.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

func resolve(path string) (string, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return "", errors.Wrap(err, "create sqlite directory")
	}
	return path, nil
}

// Migrate applies the embedded schema to the database file at path.
func Migrate(path string) error {
	path, err := resolve(path)
	if err != nil {
		return err
	}
	return sqlstore.Migrate("sqlite", "sqlite://"+path)
}

// Open returns a store over the SQLite file at path. The pool holds a single
// connection.
func Open(ctx context.Context, path string, engine *domain.RulesEngine, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	path, err := resolve(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return sqlstore.New(db, Dialect(), engine, opts...), nil
}
