package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RuleView provides read access to ledger state for rule evaluation.
type RuleView interface {
	FindLot(id string) (Lot, error)
	FindContract(id string) (Contract, error)
	OpenAllocationWeight(lotID string) (decimal.Decimal, error)
	ShippedAllocationWeight(lotID string) (decimal.Decimal, error)
}

// ReadView exposes read-only lookups. Implementations return ErrNotFound for
// absent entities.
type ReadView interface {
	RuleView
	FindShipment(id string) (Shipment, error)
	ListAllocationsByContract(contractID string) ([]Allocation, error)
	ListStockAdjustments(lotID string) ([]StockAdjustment, error)
}

// Transaction exposes the ledger operations a persistence implementation must
// support within an atomic scope. Lock methods hold the row for the rest of
// the transaction; callers acquire locks contract first, then allocations in
// id order, then lots in id order.
type Transaction interface {
	ReadView
	Now() time.Time
	LockContract(id string) (Contract, error)
	LockLot(id string) (Lot, error)
	LockAllocations(ids []string) ([]Allocation, error)
	LockShipment(id string) (Shipment, error)
	CountOpenAllocations(lotID string) (int, error)
	CreateLot(Lot) (Lot, error)
	CreateContract(Contract) (Contract, error)
	CreateAllocation(Allocation) (Allocation, error)
	CreateShipment(Shipment) (Shipment, error)
	CreateStockAdjustment(StockAdjustment) (StockAdjustment, error)
	UpdateLot(id string, mutator func(*Lot) error) (Lot, error)
	UpdateContract(id string, mutator func(*Contract) error) (Contract, error)
	UpdateAllocation(id string, mutator func(*Allocation) error) (Allocation, error)
	UpdateShipment(id string, mutator func(*Shipment) error) (Shipment, error)
}

// PersistentStore is the relational boundary consumed by the ledger engine.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(ReadView) error) error
	Close() error
}
