package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"exportcore/pkg/domain"
)

const (
	lotColumns        = "id, lot_number, source, grade, warehouse_id, total_weight_kg, available_weight_kg, status, created_at, updated_at"
	contractColumns   = "id, contract_number, buyer_id, quantity_kg, allocated_kg, shipped_kg, status, created_at, updated_at"
	allocationColumns = "id, contract_id, lot_id, weight_kg, status, shipment_id, created_at, updated_at"
	shipmentColumns   = "id, shipment_number, contract_id, status, actual_departure_date, traceability, created_at, updated_at"
	adjustmentColumns = "id, lot_id, delta_kg, reason, approved_by, created_at"
	recordColumns     = "idempotency_key, actor_scope, method, path, fingerprint, status, response_status, response_body, response_content_type, created_at, expires_at"
)

type lotRow struct {
	ID                string          `db:"id"`
	LotNumber         string          `db:"lot_number"`
	Source            string          `db:"source"`
	Grade             string          `db:"grade"`
	WarehouseID       string          `db:"warehouse_id"`
	TotalWeightKg     decimal.Decimal `db:"total_weight_kg"`
	AvailableWeightKg decimal.Decimal `db:"available_weight_kg"`
	Status            string          `db:"status"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r lotRow) toDomain() domain.Lot {
	return domain.Lot{
		Base:              domain.Base{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		LotNumber:         r.LotNumber,
		Source:            domain.LotSource(r.Source),
		Grade:             r.Grade,
		WarehouseID:       r.WarehouseID,
		TotalWeightKg:     r.TotalWeightKg,
		AvailableWeightKg: r.AvailableWeightKg,
		Status:            domain.LotStatus(r.Status),
	}
}

type contractRow struct {
	ID             string          `db:"id"`
	ContractNumber string          `db:"contract_number"`
	BuyerID        string          `db:"buyer_id"`
	QuantityKg     decimal.Decimal `db:"quantity_kg"`
	AllocatedKg    decimal.Decimal `db:"allocated_kg"`
	ShippedKg      decimal.Decimal `db:"shipped_kg"`
	Status         string          `db:"status"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r contractRow) toDomain() domain.Contract {
	return domain.Contract{
		Base:           domain.Base{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		ContractNumber: r.ContractNumber,
		BuyerID:        r.BuyerID,
		QuantityKg:     r.QuantityKg,
		AllocatedKg:    r.AllocatedKg,
		ShippedKg:      r.ShippedKg,
		Status:         domain.ContractStatus(r.Status),
	}
}

type allocationRow struct {
	ID         string          `db:"id"`
	ContractID string          `db:"contract_id"`
	LotID      string          `db:"lot_id"`
	WeightKg   decimal.Decimal `db:"weight_kg"`
	Status     string          `db:"status"`
	ShipmentID sql.NullString  `db:"shipment_id"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func (r allocationRow) toDomain() domain.Allocation {
	a := domain.Allocation{
		Base:       domain.Base{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		ContractID: r.ContractID,
		LotID:      r.LotID,
		WeightKg:   r.WeightKg,
		Status:     domain.AllocationStatus(r.Status),
	}
	if r.ShipmentID.Valid {
		id := r.ShipmentID.String
		a.ShipmentID = &id
	}
	return a
}

type shipmentRow struct {
	ID                  string       `db:"id"`
	ShipmentNumber      string       `db:"shipment_number"`
	ContractID          string       `db:"contract_id"`
	Status              string       `db:"status"`
	ActualDepartureDate sql.NullTime `db:"actual_departure_date"`
	Traceability        []byte       `db:"traceability"`
	CreatedAt           time.Time    `db:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
}

func (r shipmentRow) toDomain() domain.Shipment {
	sh := domain.Shipment{
		Base:           domain.Base{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		ShipmentNumber: r.ShipmentNumber,
		ContractID:     r.ContractID,
		Status:         domain.ShipmentStage(r.Status),
		Traceability:   json.RawMessage(r.Traceability),
	}
	if r.ActualDepartureDate.Valid {
		d := r.ActualDepartureDate.Time.UTC()
		sh.ActualDepartureDate = &d
	}
	return sh
}

type adjustmentRow struct {
	ID         string          `db:"id"`
	LotID      string          `db:"lot_id"`
	DeltaKg    decimal.Decimal `db:"delta_kg"`
	Reason     string          `db:"reason"`
	ApprovedBy string          `db:"approved_by"`
	CreatedAt  time.Time       `db:"created_at"`
}

func (r adjustmentRow) toDomain() domain.StockAdjustment {
	return domain.StockAdjustment{
		ID:         r.ID,
		LotID:      r.LotID,
		DeltaKg:    r.DeltaKg,
		Reason:     r.Reason,
		ApprovedBy: r.ApprovedBy,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

// recordRow stores timestamps as unix milliseconds so expiry comparisons are
// plain integer comparisons on every backend.
type recordRow struct {
	Key                 string `db:"idempotency_key"`
	Scope               string `db:"actor_scope"`
	Method              string `db:"method"`
	Path                string `db:"path"`
	Fingerprint         string `db:"fingerprint"`
	Status              string `db:"status"`
	ResponseStatus      int    `db:"response_status"`
	ResponseBody        []byte `db:"response_body"`
	ResponseContentType string `db:"response_content_type"`
	CreatedAt           int64  `db:"created_at"`
	ExpiresAt           int64  `db:"expires_at"`
}

func (r recordRow) toDomain() domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:                 r.Key,
		Scope:               r.Scope,
		Method:              r.Method,
		Path:                r.Path,
		Fingerprint:         r.Fingerprint,
		Status:              domain.IdempotencyStatus(r.Status),
		ResponseStatus:      r.ResponseStatus,
		ResponseBody:        r.ResponseBody,
		ResponseContentType: r.ResponseContentType,
		CreatedAt:           time.UnixMilli(r.CreatedAt).UTC(),
		ExpiresAt:           time.UnixMilli(r.ExpiresAt).UTC(),
	}
}

func nullableString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullableTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}
