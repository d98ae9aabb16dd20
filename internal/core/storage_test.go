package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStorageMemory(t *testing.T) {
	st, err := OpenStorage(context.Background(), StorageConfig{Driver: StorageMemory}, nil)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	assert.Equal(t, StorageMemory, st.Driver)
	assert.NotNil(t, st.Idempotency)
	require.NoError(t, st.Ping(context.Background()))
}

func TestOpenStorageSQLiteRunsLedger(t *testing.T) {
	ctx := context.Background()
	st, err := OpenStorage(ctx, StorageConfig{
		Driver:      StorageSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "ledger.db"),
		AutoMigrate: true,
	}, nil)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	require.NoError(t, st.Ping(ctx))

	svc := NewService(st.Ledger)
	lot, _, err := svc.CreateLot(ctx, LotIntake{LotNumber: "L-1", Source: "direct", TotalWeightKg: kg("800")})
	require.NoError(t, err)
	c, _, err := svc.CreateContract(ctx, NewContract{ContractNumber: "C-1", BuyerID: "b", QuantityKg: kg("500")})
	require.NoError(t, err)
	a, _, err := svc.Allocate(ctx, c.ID, lot.ID, kg("500"))
	require.NoError(t, err)
	_, _, err = svc.Allocate(ctx, c.ID, lot.ID, kg("1"))
	requireKind(t, err, "conflict", "contract_quantity_exceeded")

	sh, _, err := svc.CreateShipment(ctx, c.ID, "S-1", []string{a.ID})
	require.NoError(t, err)
	got, err := svc.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "fulfilled", string(got.Status))
	stored, err := svc.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(sh.Traceability), string(stored.Traceability))
}

func TestOpenStorageUnknownDriver(t *testing.T) {
	_, err := OpenStorage(context.Background(), StorageConfig{Driver: "oracle"}, nil)
	require.ErrorContains(t, err, "unknown storage driver")
}

func TestMigrateStorageThenOpenWithoutAutoMigrate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	cfg := StorageConfig{Driver: StorageSQLite, SQLitePath: path}

	require.NoError(t, MigrateStorage(cfg))
	require.NoError(t, MigrateStorage(cfg))

	st, err := OpenStorage(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	svc := NewService(st.Ledger)
	_, _, err = svc.CreateLot(ctx, LotIntake{LotNumber: "L-1", Source: "direct", TotalWeightKg: kg("10")})
	require.NoError(t, err)

	assert.NoError(t, MigrateStorage(StorageConfig{Driver: StorageMemory}))
	assert.Error(t, MigrateStorage(StorageConfig{Driver: "oracle"}))
}
