package core

import (
	"context"
	"fmt"
	"time"

	"exportcore/internal/infra/persistence/memory"
	"exportcore/internal/infra/persistence/postgres"
	"exportcore/internal/infra/persistence/sqlite"
	"exportcore/internal/infra/persistence/sqlstore"
	"exportcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and sizes the backing store.
type StorageConfig struct {
	Driver          StorageDriver
	SQLitePath      string
	PostgresDSN     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Storage is the process-wide store handle shared by the ledger and the
// idempotency coordinator. Close drains the pool.
type Storage struct {
	Ledger      domain.PersistentStore
	Idempotency domain.IdempotencyStore
	Driver      StorageDriver
	pinger      interface{ Ping(context.Context) error }
}

// Ping reports whether the backing database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger.Ping(ctx)
}

// Close releases the underlying pool.
func (s *Storage) Close() error {
	return s.Ledger.Close()
}

// OpenStorage opens the configured backend. SQL backends are migrated first
// when cfg.AutoMigrate is set.
func OpenStorage(ctx context.Context, cfg StorageConfig, engine *domain.RulesEngine) (*Storage, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	pool := sqlstore.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	switch cfg.Driver {
	case StorageMemory:
		store := memory.NewStore(engine)
		return &Storage{Ledger: store, Idempotency: memory.NewIdempotencyStore(), Driver: StorageMemory}, nil
	case StorageSQLite, "":
		if cfg.AutoMigrate {
			if err := sqlite.Migrate(cfg.SQLitePath); err != nil {
				return nil, err
			}
		}
		store, err := sqlite.Open(ctx, cfg.SQLitePath, engine)
		if err != nil {
			return nil, err
		}
		return &Storage{Ledger: store, Idempotency: store, Driver: StorageSQLite, pinger: store}, nil
	case StoragePostgres:
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
				return nil, err
			}
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, engine, pool)
		if err != nil {
			return nil, err
		}
		return &Storage{Ledger: store, Idempotency: store, Driver: StoragePostgres, pinger: store}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// MigrateStorage applies pending schema migrations for SQL backends. The
// memory driver has no schema and is a no-op.
func MigrateStorage(cfg StorageConfig) error {
	switch cfg.Driver {
	case StorageMemory:
		return nil
	case StorageSQLite, "":
		return sqlite.Migrate(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.Migrate(cfg.PostgresDSN)
	default:
		return fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
