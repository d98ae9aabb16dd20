package core

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exportcore/pkg/domain"
)

// Allocate reserves weight from a lot against a contract. The contract row is
// locked before the lot row.
func (s *Service) Allocate(ctx context.Context, contractID, lotID string, weight decimal.Decimal) (domain.Allocation, domain.Result, error) {
	switch {
	case strings.TrimSpace(contractID) == "":
		return domain.Allocation{}, domain.Result{}, domain.ErrValidation{Field: "contract_id", Message: "is required"}
	case strings.TrimSpace(lotID) == "":
		return domain.Allocation{}, domain.Result{}, domain.ErrValidation{Field: "lot_id", Message: "is required"}
	case !weight.IsPositive():
		return domain.Allocation{}, domain.Result{}, domain.ErrValidation{Field: "weight_kg", Message: "must be positive"}
	}

	var (
		created  domain.Allocation
		contract domain.Contract
	)
	fields := logrus.Fields{"contract_id": contractID, "lot_id": lotID, "weight_kg": weight.String()}
	res, err := s.run(ctx, "allocate", fields, func(tx domain.Transaction) error {
		current, err := tx.LockContract(contractID)
		if err != nil {
			return err
		}
		lot, err := tx.LockLot(lotID)
		if err != nil {
			return err
		}
		if current.Status == domain.ContractClosed {
			return domain.InvalidStatef(domain.ReasonContractClosed, "contract %s is closed", contractID)
		}
		if !domain.WithinLimit(weight, current.RemainingKg()) {
			return domain.Conflictf(domain.ReasonContractQuantity,
				"allocation of %s kg exceeds remaining contract quantity %s kg", weight, current.RemainingKg())
		}
		if !domain.WithinLimit(weight, lot.AvailableWeightKg) {
			return domain.Conflictf(domain.ReasonLotAvailability,
				"allocation of %s kg exceeds available lot weight %s kg", weight, lot.AvailableWeightKg)
		}

		created, err = tx.CreateAllocation(domain.Allocation{
			Base:       domain.Base{ID: s.newID()},
			ContractID: contractID,
			LotID:      lotID,
			WeightKg:   weight,
			Status:     domain.AllocationOpen,
		})
		if err != nil {
			return err
		}
		contract, err = tx.UpdateContract(contractID, func(c *domain.Contract) error {
			c.AllocatedKg = c.AllocatedKg.Add(weight)
			return nil
		})
		if err != nil {
			return err
		}
		open, err := tx.CountOpenAllocations(lotID)
		if err != nil {
			return err
		}
		_, err = tx.UpdateLot(lotID, func(l *domain.Lot) error {
			available, _ := domain.ClampNonNegative(l.AvailableWeightKg.Sub(weight))
			l.AvailableWeightKg = available
			l.Status = domain.DeriveLotStatus(available, open)
			return nil
		})
		return err
	})
	if err != nil {
		return domain.Allocation{}, res, err
	}

	if !domain.WithinLimit(contract.QuantityKg, contract.AllocatedKg) {
		return created, res, nil
	}
	s.emit(ctx, Event{
		Type:       EventContractFullyAllocated,
		ContractID: contract.ID,
		Payload:    contract,
	})
	return created, res, nil
}

// CreateShipment bundles open allocations of one contract into a planned
// shipment. Locks are taken on the contract, then the allocations in id order,
// then the touched lots in id order.
func (s *Service) CreateShipment(ctx context.Context, contractID, shipmentNumber string, allocationIDs []string) (domain.Shipment, domain.Result, error) {
	ids := dedupeSorted(allocationIDs)
	switch {
	case strings.TrimSpace(contractID) == "":
		return domain.Shipment{}, domain.Result{}, domain.ErrValidation{Field: "contract_id", Message: "is required"}
	case strings.TrimSpace(shipmentNumber) == "":
		return domain.Shipment{}, domain.Result{}, domain.ErrValidation{Field: "shipment_number", Message: "is required"}
	case len(ids) == 0:
		return domain.Shipment{}, domain.Result{}, domain.ErrValidation{Field: "allocation_ids", Message: "must not be empty"}
	}

	var created domain.Shipment
	fields := logrus.Fields{"contract_id": contractID, "shipment_number": shipmentNumber}
	res, err := s.run(ctx, "create_shipment", fields, func(tx domain.Transaction) error {
		contract, err := tx.LockContract(contractID)
		if err != nil {
			return err
		}
		allocations, err := tx.LockAllocations(ids)
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, a := range allocations {
			if a.ContractID != contractID {
				return domain.Conflictf(domain.ReasonAllocationContract,
					"allocation %s belongs to contract %s", a.ID, a.ContractID)
			}
			if a.Status != domain.AllocationOpen {
				return domain.Conflictf(domain.ReasonAllocationNotOpen,
					"allocation %s is %s", a.ID, a.Status)
			}
			total = total.Add(a.WeightKg)
		}
		if !domain.WithinLimit(contract.ShippedKg.Add(total), contract.QuantityKg) {
			return domain.Conflictf(domain.ReasonOverFulfilment,
				"shipping %s kg would exceed contract quantity %s kg (already shipped %s kg)",
				total, contract.QuantityKg, contract.ShippedKg)
		}

		lotIDs := make([]string, 0, len(allocations))
		for _, a := range allocations {
			lotIDs = append(lotIDs, a.LotID)
		}
		lotIDs = dedupeSorted(lotIDs)
		lots := make(map[string]domain.Lot, len(lotIDs))
		for _, id := range lotIDs {
			lot, err := tx.LockLot(id)
			if err != nil {
				return err
			}
			lots[id] = lot
		}

		shipmentID := s.newID()
		snapshot, err := buildTraceability(contract, shipmentID, shipmentNumber, tx.Now(), allocations, lots)
		if err != nil {
			return err
		}
		created, err = tx.CreateShipment(domain.Shipment{
			Base:           domain.Base{ID: shipmentID},
			ShipmentNumber: shipmentNumber,
			ContractID:     contractID,
			Status:         domain.StagePlanned,
			Traceability:   snapshot,
		})
		if err != nil {
			return err
		}
		for _, a := range allocations {
			if _, err := tx.UpdateAllocation(a.ID, func(x *domain.Allocation) error {
				x.Status = domain.AllocationShipped
				x.ShipmentID = &shipmentID
				return nil
			}); err != nil {
				return err
			}
		}
		if _, err := tx.UpdateContract(contractID, func(c *domain.Contract) error {
			c.ShippedKg = c.ShippedKg.Add(total)
			c.Status = domain.DeriveContractStatus(c.ShippedKg, c.QuantityKg, c.Status)
			return nil
		}); err != nil {
			return err
		}
		for _, id := range lotIDs {
			open, err := tx.CountOpenAllocations(id)
			if err != nil {
				return err
			}
			if _, err := tx.UpdateLot(id, func(l *domain.Lot) error {
				l.Status = domain.DeriveLotStatus(l.AvailableWeightKg, open)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Shipment{}, res, err
	}

	if s.archive != nil {
		s.afterCommit(ctx, fields, func(ctx context.Context) error {
			return s.archive.Archive(ctx, created)
		}, "traceability archive")
	}
	s.emit(ctx, Event{
		Type:       EventShipmentCreated,
		ContractID: contractID,
		ShipmentID: created.ID,
		Payload:    created,
	})
	return created, res, nil
}

func buildTraceability(contract domain.Contract, shipmentID, shipmentNumber string, now time.Time, allocations []domain.Allocation, lots map[string]domain.Lot) (json.RawMessage, error) {
	trace := domain.Traceability{
		Contract: domain.TraceContract{
			ID:             contract.ID,
			ContractNumber: contract.ContractNumber,
			BuyerID:        contract.BuyerID,
			QuantityKg:     contract.QuantityKg,
		},
		Shipment:    domain.TraceShipment{ID: shipmentID, ShipmentNumber: shipmentNumber},
		CreatedAt:   now,
		Allocations: make([]domain.TraceAllocation, 0, len(allocations)),
	}
	for _, a := range allocations {
		lot := lots[a.LotID]
		trace.Allocations = append(trace.Allocations, domain.TraceAllocation{
			AllocationID: a.ID,
			LotID:        a.LotID,
			LotNumber:    lot.LotNumber,
			Source:       lot.Source,
			Grade:        lot.Grade,
			WarehouseID:  lot.WarehouseID,
			WeightKg:     a.WeightKg,
		})
	}
	raw, err := json.Marshal(trace)
	if err != nil {
		return nil, errors.Wrap(err, "encode traceability")
	}
	return raw, nil
}

// AdvanceShipmentStatus moves a shipment forward through the export stages.
// Re-asserting the current stage succeeds; moving backward is a conflict. The
// first departure date supplied is kept.
func (s *Service) AdvanceShipmentStatus(ctx context.Context, shipmentID string, next domain.ShipmentStage, departure *time.Time) (domain.Shipment, domain.Result, error) {
	if strings.TrimSpace(shipmentID) == "" {
		return domain.Shipment{}, domain.Result{}, domain.ErrValidation{Field: "shipment_id", Message: "is required"}
	}
	if !next.Valid() {
		return domain.Shipment{}, domain.Result{}, domain.ErrValidation{Field: "status", Message: "unknown shipment stage " + string(next)}
	}
	var updated domain.Shipment
	fields := logrus.Fields{"shipment_id": shipmentID, "status": next}
	res, err := s.run(ctx, "advance_shipment_status", fields, func(tx domain.Transaction) error {
		current, err := tx.LockShipment(shipmentID)
		if err != nil {
			return err
		}
		if !current.Status.CanAdvanceTo(next) {
			return domain.Conflictf(domain.ReasonStageRegression,
				"shipment %s cannot move from %s back to %s", shipmentID, current.Status, next)
		}
		updated, err = tx.UpdateShipment(shipmentID, func(sh *domain.Shipment) error {
			sh.Status = next
			if sh.ActualDepartureDate == nil && departure != nil {
				d := departure.UTC()
				sh.ActualDepartureDate = &d
			}
			return nil
		})
		return err
	})
	return updated, res, err
}

// StockCorrection describes a manual adjustment of a lot's weight.
type StockCorrection struct {
	LotID      string
	DeltaKg    decimal.Decimal
	Reason     string
	ApprovedBy string
}

func (in StockCorrection) validate() error {
	switch {
	case strings.TrimSpace(in.LotID) == "":
		return domain.ErrValidation{Field: "lot_id", Message: "is required"}
	case in.DeltaKg.IsZero():
		return domain.ErrValidation{Field: "delta_kg", Message: "must not be zero"}
	case strings.TrimSpace(in.Reason) == "":
		return domain.ErrValidation{Field: "reason", Message: "is required"}
	case strings.TrimSpace(in.ApprovedBy) == "":
		return domain.ErrValidation{Field: "approved_by", Message: "is required"}
	}
	return nil
}

// StockAdjustmentOutcome is the corrected lot together with its audit row.
type StockAdjustmentOutcome struct {
	Lot        domain.Lot             `json:"lot"`
	Adjustment domain.StockAdjustment `json:"adjustment"`
}

// AdjustStock applies a signed correction to a lot's total and available
// weight. Results negative within tolerance clamp to zero.
func (s *Service) AdjustStock(ctx context.Context, in StockCorrection) (StockAdjustmentOutcome, domain.Result, error) {
	if err := in.validate(); err != nil {
		return StockAdjustmentOutcome{}, domain.Result{}, err
	}
	var out StockAdjustmentOutcome
	fields := logrus.Fields{"lot_id": in.LotID, "delta_kg": in.DeltaKg.String(), "approved_by": in.ApprovedBy}
	res, err := s.run(ctx, "adjust_stock", fields, func(tx domain.Transaction) error {
		lot, err := tx.LockLot(in.LotID)
		if err != nil {
			return err
		}
		total, ok := domain.ClampNonNegative(lot.TotalWeightKg.Add(in.DeltaKg))
		if !ok {
			return domain.Conflictf(domain.ReasonNegativeStock,
				"adjustment of %s kg would leave lot %s with negative total weight", in.DeltaKg, in.LotID)
		}
		available, ok := domain.ClampNonNegative(lot.AvailableWeightKg.Add(in.DeltaKg))
		if !ok {
			return domain.Conflictf(domain.ReasonNegativeStock,
				"adjustment of %s kg would leave lot %s with negative available weight", in.DeltaKg, in.LotID)
		}
		out.Adjustment, err = tx.CreateStockAdjustment(domain.StockAdjustment{
			ID:         s.newID(),
			LotID:      in.LotID,
			DeltaKg:    in.DeltaKg,
			Reason:     in.Reason,
			ApprovedBy: in.ApprovedBy,
			CreatedAt:  tx.Now(),
		})
		if err != nil {
			return err
		}
		open, err := tx.CountOpenAllocations(in.LotID)
		if err != nil {
			return err
		}
		out.Lot, err = tx.UpdateLot(in.LotID, func(l *domain.Lot) error {
			l.TotalWeightKg = total
			l.AvailableWeightKg = available
			l.Status = domain.DeriveLotStatus(available, open)
			return nil
		})
		return err
	})
	if err != nil {
		return StockAdjustmentOutcome{}, res, err
	}
	return out, res, nil
}

func dedupeSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
