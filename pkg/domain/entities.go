// Package domain defines the ledger entities, status derivations, typed
// failures, and rule evaluation primitives used by exportcore.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the ledger.
type EntityType string

// Supported entity type identifiers used in Change records and error payloads.
const (
	// EntityLot identifies a physical parcel of stock.
	EntityLot EntityType = "lot"
	// EntityContract identifies a buyer commitment.
	EntityContract EntityType = "contract"
	// EntityAllocation identifies a lot-to-contract reservation.
	EntityAllocation EntityType = "allocation"
	// EntityShipment identifies a logistics unit bundling allocations.
	EntityShipment EntityType = "shipment"
	// EntityStockAdjustment identifies a manual stock correction audit row.
	EntityStockAdjustment EntityType = "stock_adjustment"
	// EntityIdempotencyRecord identifies a stored mutation outcome.
	EntityIdempotencyRecord EntityType = "idempotency_record"
)

// LotStatus is derived from available weight and open allocations.
type LotStatus string

// Lot statuses.
const (
	LotInStock   LotStatus = "in_stock"
	LotAllocated LotStatus = "allocated"
	LotShipped   LotStatus = "shipped"
)

// LotSource records how the stock was procured.
type LotSource string

// Lot sources.
const (
	SourceAuction LotSource = "auction"
	SourceDirect  LotSource = "direct"
)

// Valid reports whether the source is one of the known procurement channels.
func (s LotSource) Valid() bool {
	return s == SourceAuction || s == SourceDirect
}

// ContractStatus tracks fulfilment of a buyer commitment.
type ContractStatus string

// Contract statuses. Closed is absorbing.
const (
	ContractOpen               ContractStatus = "open"
	ContractPartiallyFulfilled ContractStatus = "partially_fulfilled"
	ContractFulfilled          ContractStatus = "fulfilled"
	ContractClosed             ContractStatus = "closed"
)

// AllocationStatus tracks whether reserved weight has left in a shipment.
type AllocationStatus string

// Allocation statuses. Shipped allocations are never re-opened.
const (
	AllocationOpen    AllocationStatus = "allocated"
	AllocationShipped AllocationStatus = "shipped"
)

// Base contains common fields for all ledger records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lot represents a physical parcel of stock tracked by weight.
type Lot struct {
	Base
	LotNumber         string          `json:"lot_number"`
	Source            LotSource       `json:"source"`
	Grade             string          `json:"grade,omitempty"`
	WarehouseID       string          `json:"warehouse_id,omitempty"`
	TotalWeightKg     decimal.Decimal `json:"total_weight_kg"`
	AvailableWeightKg decimal.Decimal `json:"available_weight_kg"`
	Status            LotStatus       `json:"status"`
}

// Contract represents a buyer's purchase commitment.
type Contract struct {
	Base
	ContractNumber string          `json:"contract_number"`
	BuyerID        string          `json:"buyer_id"`
	QuantityKg     decimal.Decimal `json:"quantity_kg"`
	AllocatedKg    decimal.Decimal `json:"allocated_kg"`
	ShippedKg      decimal.Decimal `json:"shipped_kg"`
	Status         ContractStatus  `json:"status"`
}

// RemainingKg returns the committed quantity not yet allocated.
func (c Contract) RemainingKg() decimal.Decimal {
	return c.QuantityKg.Sub(c.AllocatedKg)
}

// Allocation reserves a fixed weight of one lot against one contract.
type Allocation struct {
	Base
	ContractID string           `json:"contract_id"`
	LotID      string           `json:"lot_id"`
	WeightKg   decimal.Decimal  `json:"weight_kg"`
	Status     AllocationStatus `json:"status"`
	ShipmentID *string          `json:"shipment_id,omitempty"`
}

// Shipment bundles allocations of one contract and moves through export stages.
type Shipment struct {
	Base
	ShipmentNumber      string          `json:"shipment_number"`
	ContractID          string          `json:"contract_id"`
	Status              ShipmentStage   `json:"status"`
	ActualDepartureDate *time.Time      `json:"actual_departure_date,omitempty"`
	Traceability        json.RawMessage `json:"traceability"`
}

// StockAdjustment is the audit row for a manual stock correction.
type StockAdjustment struct {
	ID         string          `json:"id"`
	LotID      string          `json:"lot_id"`
	DeltaKg    decimal.Decimal `json:"delta_kg"`
	Reason     string          `json:"reason"`
	ApprovedBy string          `json:"approved_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Traceability is the immutable lineage snapshot captured when a shipment is created.
type Traceability struct {
	Contract    TraceContract     `json:"contract"`
	Shipment    TraceShipment     `json:"shipment"`
	CreatedAt   time.Time         `json:"created_at"`
	Allocations []TraceAllocation `json:"allocations"`
}

// TraceContract identifies the contract a shipment fulfils.
type TraceContract struct {
	ID             string          `json:"id"`
	ContractNumber string          `json:"contract_number"`
	BuyerID        string          `json:"buyer_id"`
	QuantityKg     decimal.Decimal `json:"quantity_kg"`
}

// TraceShipment identifies the shipment.
type TraceShipment struct {
	ID             string `json:"id"`
	ShipmentNumber string `json:"shipment_number"`
}

// TraceAllocation records the lot lineage of one shipped allocation.
type TraceAllocation struct {
	AllocationID string          `json:"allocation_id"`
	LotID        string          `json:"lot_id"`
	LotNumber    string          `json:"lot_number"`
	Source       LotSource       `json:"source"`
	Grade        string          `json:"grade,omitempty"`
	WarehouseID  string          `json:"warehouse_id,omitempty"`
	WeightKg     decimal.Decimal `json:"weight_kg"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions captured for rule evaluation.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}
