package sqlstore

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"exportcore/pkg/domain"
)

// view answers reads through either the pool or an open transaction. lock is
// the dialect's row-lock suffix and is empty outside transactions.
type view struct {
	ctx   context.Context
	q     sqlx.QueryerContext
	store *Store
	lock  string
}

func (v *view) get(dest any, query string, args ...any) error {
	return sqlx.GetContext(v.ctx, v.q, dest, v.store.db.Rebind(query), args...)
}

func (v *view) all(dest any, query string, args ...any) error {
	return sqlx.SelectContext(v.ctx, v.q, dest, v.store.db.Rebind(query), args...)
}

func lookupErr(err error, entity domain.EntityType, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound{Entity: entity, ID: id}
	}
	return errors.Wrapf(err, "load %s %s", entity, id)
}

func (v *view) lot(id string, lock bool) (domain.Lot, error) {
	query := "SELECT " + lotColumns + " FROM lots WHERE id = ?"
	if lock {
		query += v.lock
	}
	var row lotRow
	if err := v.get(&row, query, id); err != nil {
		return domain.Lot{}, lookupErr(err, domain.EntityLot, id)
	}
	return row.toDomain(), nil
}

func (v *view) contract(id string, lock bool) (domain.Contract, error) {
	query := "SELECT " + contractColumns + " FROM contracts WHERE id = ?"
	if lock {
		query += v.lock
	}
	var row contractRow
	if err := v.get(&row, query, id); err != nil {
		return domain.Contract{}, lookupErr(err, domain.EntityContract, id)
	}
	return row.toDomain(), nil
}

func (v *view) shipment(id string, lock bool) (domain.Shipment, error) {
	query := "SELECT " + shipmentColumns + " FROM shipments WHERE id = ?"
	if lock {
		query += v.lock
	}
	var row shipmentRow
	if err := v.get(&row, query, id); err != nil {
		return domain.Shipment{}, lookupErr(err, domain.EntityShipment, id)
	}
	return row.toDomain(), nil
}

func (v *view) allocation(id string, lock bool) (domain.Allocation, error) {
	query := "SELECT " + allocationColumns + " FROM allocations WHERE id = ?"
	if lock {
		query += v.lock
	}
	var row allocationRow
	if err := v.get(&row, query, id); err != nil {
		return domain.Allocation{}, lookupErr(err, domain.EntityAllocation, id)
	}
	return row.toDomain(), nil
}

func (v *view) FindLot(id string) (domain.Lot, error) { return v.lot(id, false) }

func (v *view) FindContract(id string) (domain.Contract, error) { return v.contract(id, false) }

func (v *view) FindShipment(id string) (domain.Shipment, error) { return v.shipment(id, false) }

func (v *view) OpenAllocationWeight(lotID string) (decimal.Decimal, error) {
	return v.allocationWeight(lotID, domain.AllocationOpen)
}

func (v *view) ShippedAllocationWeight(lotID string) (decimal.Decimal, error) {
	return v.allocationWeight(lotID, domain.AllocationShipped)
}

// allocationWeight sums in Go so decimal precision does not depend on the
// backend's numeric type.
func (v *view) allocationWeight(lotID string, status domain.AllocationStatus) (decimal.Decimal, error) {
	var weights []decimal.Decimal
	if err := v.all(&weights, "SELECT weight_kg FROM allocations WHERE lot_id = ? AND status = ?",
		lotID, string(status)); err != nil {
		return decimal.Zero, errors.Wrapf(err, "sum %s allocations of lot %s", status, lotID)
	}
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	return total, nil
}

func (v *view) ListAllocationsByContract(contractID string) ([]domain.Allocation, error) {
	var rows []allocationRow
	if err := v.all(&rows, "SELECT "+allocationColumns+" FROM allocations WHERE contract_id = ? ORDER BY created_at, id",
		contractID); err != nil {
		return nil, errors.Wrapf(err, "list allocations of contract %s", contractID)
	}
	out := make([]domain.Allocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (v *view) ListStockAdjustments(lotID string) ([]domain.StockAdjustment, error) {
	var rows []adjustmentRow
	if err := v.all(&rows, "SELECT "+adjustmentColumns+" FROM stock_adjustments WHERE lot_id = ? ORDER BY created_at, id",
		lotID); err != nil {
		return nil, errors.Wrapf(err, "list stock adjustments of lot %s", lotID)
	}
	out := make([]domain.StockAdjustment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type transaction struct {
	view
	ex      sqlx.ExecerContext
	changes []domain.Change
	now     time.Time
}

func (tx *transaction) exec(query string, args ...any) error {
	_, err := tx.ex.ExecContext(tx.ctx, tx.store.db.Rebind(query), args...)
	return err
}

func (tx *transaction) recordChange(entity domain.EntityType, action domain.Action, before, after any) {
	tx.changes = append(tx.changes, domain.Change{Entity: entity, Action: action, Before: before, After: after})
}

func (tx *transaction) insertErr(err error, entity domain.EntityType, field, value string) error {
	if tx.store.dialect.IsUniqueViolation(err) {
		return domain.Conflictf(domain.ReasonDuplicateNumber, "%s with %s %q already exists", entity, field, value)
	}
	return errors.Wrapf(err, "insert %s", entity)
}

func (tx *transaction) stamp(base *domain.Base) {
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	base.CreatedAt = tx.now
	base.UpdatedAt = tx.now
}

func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) LockContract(id string) (domain.Contract, error) { return tx.contract(id, true) }

func (tx *transaction) LockLot(id string) (domain.Lot, error) { return tx.lot(id, true) }

func (tx *transaction) LockShipment(id string) (domain.Shipment, error) { return tx.shipment(id, true) }

// LockAllocations locks the rows in id order and fails with ErrNotFound on the
// first id without a row.
func (tx *transaction) LockAllocations(ids []string) ([]domain.Allocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	query, args, err := sqlx.In("SELECT "+allocationColumns+" FROM allocations WHERE id IN (?) ORDER BY id"+tx.lock, sorted)
	if err != nil {
		return nil, errors.Wrap(err, "build allocation lock query")
	}
	var rows []allocationRow
	if err := tx.all(&rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "lock allocations")
	}
	found := make(map[string]domain.Allocation, len(rows))
	for _, r := range rows {
		found[r.ID] = r.toDomain()
	}
	out := make([]domain.Allocation, 0, len(sorted))
	for _, id := range sorted {
		a, ok := found[id]
		if !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityAllocation, ID: id}
		}
		out = append(out, a)
	}
	return out, nil
}

func (tx *transaction) CountOpenAllocations(lotID string) (int, error) {
	var n int
	if err := tx.get(&n, "SELECT COUNT(*) FROM allocations WHERE lot_id = ? AND status = ?",
		lotID, string(domain.AllocationOpen)); err != nil {
		return 0, errors.Wrapf(err, "count open allocations of lot %s", lotID)
	}
	return n, nil
}

func (tx *transaction) CreateLot(lot domain.Lot) (domain.Lot, error) {
	tx.stamp(&lot.Base)
	err := tx.exec("INSERT INTO lots ("+lotColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		lot.ID, lot.LotNumber, string(lot.Source), lot.Grade, lot.WarehouseID,
		lot.TotalWeightKg, lot.AvailableWeightKg, string(lot.Status), lot.CreatedAt, lot.UpdatedAt)
	if err != nil {
		return domain.Lot{}, tx.insertErr(err, domain.EntityLot, "lot_number", lot.LotNumber)
	}
	tx.recordChange(domain.EntityLot, domain.ActionCreate, nil, lot)
	return lot, nil
}

func (tx *transaction) CreateContract(c domain.Contract) (domain.Contract, error) {
	tx.stamp(&c.Base)
	err := tx.exec("INSERT INTO contracts ("+contractColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		c.ID, c.ContractNumber, c.BuyerID, c.QuantityKg, c.AllocatedKg, c.ShippedKg,
		string(c.Status), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return domain.Contract{}, tx.insertErr(err, domain.EntityContract, "contract_number", c.ContractNumber)
	}
	tx.recordChange(domain.EntityContract, domain.ActionCreate, nil, c)
	return c, nil
}

func (tx *transaction) CreateAllocation(a domain.Allocation) (domain.Allocation, error) {
	tx.stamp(&a.Base)
	err := tx.exec("INSERT INTO allocations ("+allocationColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.ContractID, a.LotID, a.WeightKg, string(a.Status), nullableString(a.ShipmentID),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return domain.Allocation{}, tx.insertErr(err, domain.EntityAllocation, "id", a.ID)
	}
	tx.recordChange(domain.EntityAllocation, domain.ActionCreate, nil, a)
	return a, nil
}

func (tx *transaction) CreateShipment(sh domain.Shipment) (domain.Shipment, error) {
	tx.stamp(&sh.Base)
	trace := string(sh.Traceability)
	if trace == "" {
		trace = "{}"
	}
	err := tx.exec("INSERT INTO shipments ("+shipmentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		sh.ID, sh.ShipmentNumber, sh.ContractID, string(sh.Status), nullableTime(sh.ActualDepartureDate),
		trace, sh.CreatedAt, sh.UpdatedAt)
	if err != nil {
		return domain.Shipment{}, tx.insertErr(err, domain.EntityShipment, "shipment_number", sh.ShipmentNumber)
	}
	tx.recordChange(domain.EntityShipment, domain.ActionCreate, nil, sh)
	return sh, nil
}

func (tx *transaction) CreateStockAdjustment(adj domain.StockAdjustment) (domain.StockAdjustment, error) {
	if adj.ID == "" {
		adj.ID = uuid.NewString()
	}
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = tx.now
	}
	err := tx.exec("INSERT INTO stock_adjustments ("+adjustmentColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		adj.ID, adj.LotID, adj.DeltaKg, adj.Reason, adj.ApprovedBy, adj.CreatedAt)
	if err != nil {
		return domain.StockAdjustment{}, tx.insertErr(err, domain.EntityStockAdjustment, "id", adj.ID)
	}
	tx.recordChange(domain.EntityStockAdjustment, domain.ActionCreate, nil, adj)
	return adj, nil
}

func (tx *transaction) UpdateLot(id string, mutator func(*domain.Lot) error) (domain.Lot, error) {
	current, err := tx.lot(id, true)
	if err != nil {
		return domain.Lot{}, err
	}
	updated := current
	if err := mutator(&updated); err != nil {
		return domain.Lot{}, err
	}
	updated.Base = domain.Base{ID: id, CreatedAt: current.CreatedAt, UpdatedAt: tx.now}
	if err := tx.exec(`UPDATE lots SET grade = ?, warehouse_id = ?, total_weight_kg = ?,
		available_weight_kg = ?, status = ?, updated_at = ? WHERE id = ?`,
		updated.Grade, updated.WarehouseID, updated.TotalWeightKg, updated.AvailableWeightKg,
		string(updated.Status), updated.UpdatedAt, id); err != nil {
		return domain.Lot{}, errors.Wrapf(err, "update lot %s", id)
	}
	tx.recordChange(domain.EntityLot, domain.ActionUpdate, current, updated)
	return updated, nil
}

func (tx *transaction) UpdateContract(id string, mutator func(*domain.Contract) error) (domain.Contract, error) {
	current, err := tx.contract(id, true)
	if err != nil {
		return domain.Contract{}, err
	}
	updated := current
	if err := mutator(&updated); err != nil {
		return domain.Contract{}, err
	}
	updated.Base = domain.Base{ID: id, CreatedAt: current.CreatedAt, UpdatedAt: tx.now}
	if err := tx.exec(`UPDATE contracts SET allocated_kg = ?, shipped_kg = ?, status = ?, updated_at = ? WHERE id = ?`,
		updated.AllocatedKg, updated.ShippedKg, string(updated.Status), updated.UpdatedAt, id); err != nil {
		return domain.Contract{}, errors.Wrapf(err, "update contract %s", id)
	}
	tx.recordChange(domain.EntityContract, domain.ActionUpdate, current, updated)
	return updated, nil
}

func (tx *transaction) UpdateAllocation(id string, mutator func(*domain.Allocation) error) (domain.Allocation, error) {
	current, err := tx.allocation(id, true)
	if err != nil {
		return domain.Allocation{}, err
	}
	updated := current
	if err := mutator(&updated); err != nil {
		return domain.Allocation{}, err
	}
	updated.Base = domain.Base{ID: id, CreatedAt: current.CreatedAt, UpdatedAt: tx.now}
	if err := tx.exec(`UPDATE allocations SET status = ?, shipment_id = ?, updated_at = ? WHERE id = ?`,
		string(updated.Status), nullableString(updated.ShipmentID), updated.UpdatedAt, id); err != nil {
		return domain.Allocation{}, errors.Wrapf(err, "update allocation %s", id)
	}
	tx.recordChange(domain.EntityAllocation, domain.ActionUpdate, current, updated)
	return updated, nil
}

func (tx *transaction) UpdateShipment(id string, mutator func(*domain.Shipment) error) (domain.Shipment, error) {
	current, err := tx.shipment(id, true)
	if err != nil {
		return domain.Shipment{}, err
	}
	updated := current
	if err := mutator(&updated); err != nil {
		return domain.Shipment{}, err
	}
	updated.Base = domain.Base{ID: id, CreatedAt: current.CreatedAt, UpdatedAt: tx.now}
	if err := tx.exec(`UPDATE shipments SET status = ?, actual_departure_date = ?, updated_at = ? WHERE id = ?`,
		string(updated.Status), nullableTime(updated.ActualDepartureDate), updated.UpdatedAt, id); err != nil {
		return domain.Shipment{}, errors.Wrapf(err, "update shipment %s", id)
	}
	tx.recordChange(domain.EntityShipment, domain.ActionUpdate, current, updated)
	return updated, nil
}
