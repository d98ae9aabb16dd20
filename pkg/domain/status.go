package domain

import (
	"github.com/shopspring/decimal"
)

// Tolerance absorbs rounding when weights are compared. Weights are exact
// decimals, but callers may submit values computed in floating point.
var Tolerance = decimal.New(1, -6)

// WithinLimit reports whether value ≤ limit, allowing Tolerance of overshoot.
func WithinLimit(value, limit decimal.Decimal) bool {
	return value.LessThanOrEqual(limit.Add(Tolerance))
}

// Exhausted reports whether a weight is zero within Tolerance.
func Exhausted(weight decimal.Decimal) bool {
	return weight.LessThanOrEqual(Tolerance)
}

// ClampNonNegative returns zero for values that are negative but within
// Tolerance. ok is false when the value is negative beyond Tolerance.
func ClampNonNegative(value decimal.Decimal) (clamped decimal.Decimal, ok bool) {
	if !value.IsNegative() {
		return value, true
	}
	if value.Neg().LessThanOrEqual(Tolerance) {
		return decimal.Zero, true
	}
	return value, false
}

// DeriveLotStatus computes a lot's status from its available weight and the
// number of open allocations against it. An exhausted lot is shipped once
// nothing is reserved against it anymore; a lot with weight left and at least
// one open allocation is allocated; everything else is in stock.
func DeriveLotStatus(available decimal.Decimal, openAllocations int) LotStatus {
	if Exhausted(available) {
		if openAllocations == 0 {
			return LotShipped
		}
		return LotAllocated
	}
	if openAllocations > 0 {
		return LotAllocated
	}
	return LotInStock
}

// DeriveContractStatus computes a contract's status from shipped and committed
// quantities. Closed contracts stay closed.
func DeriveContractStatus(shipped, quantity decimal.Decimal, current ContractStatus) ContractStatus {
	if current == ContractClosed {
		return ContractClosed
	}
	if shipped.Add(Tolerance).GreaterThanOrEqual(quantity) {
		return ContractFulfilled
	}
	if shipped.GreaterThan(Tolerance) {
		return ContractPartiallyFulfilled
	}
	return ContractOpen
}

// ShipmentStage is a position in the export pipeline.
type ShipmentStage string

// Shipment stages in pipeline order.
const (
	StagePlanned   ShipmentStage = "planned"
	StageStuffed   ShipmentStage = "stuffed"
	StageCleared   ShipmentStage = "cleared"
	StageOnVessel  ShipmentStage = "on_vessel"
	StageCompleted ShipmentStage = "completed"
)

// ShipmentStages lists the stages in the only order a shipment may traverse.
var ShipmentStages = []ShipmentStage{StagePlanned, StageStuffed, StageCleared, StageOnVessel, StageCompleted}

// Index returns the stage position in ShipmentStages, or -1 if unknown.
func (s ShipmentStage) Index() int {
	for i, stage := range ShipmentStages {
		if stage == s {
			return i
		}
	}
	return -1
}

// Valid reports whether the stage is part of the pipeline.
func (s ShipmentStage) Valid() bool { return s.Index() >= 0 }

// CanAdvanceTo reports whether moving from s to next keeps the pipeline
// monotonic. Re-asserting the current stage is allowed.
func (s ShipmentStage) CanAdvanceTo(next ShipmentStage) bool {
	return next.Valid() && next.Index() >= s.Index()
}
