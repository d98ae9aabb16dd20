package core

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"exportcore/internal/blob"
	"exportcore/pkg/domain"
)

// GetLot returns a lot by id.
func (s *Service) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	var lot domain.Lot
	err := s.view(ctx, "get_lot", func(v domain.ReadView) error {
		var err error
		lot, err = v.FindLot(id)
		return err
	})
	return lot, err
}

// GetContract returns a contract by id.
func (s *Service) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	var contract domain.Contract
	err := s.view(ctx, "get_contract", func(v domain.ReadView) error {
		var err error
		contract, err = v.FindContract(id)
		return err
	})
	return contract, err
}

// GetShipment returns a shipment by id.
func (s *Service) GetShipment(ctx context.Context, id string) (domain.Shipment, error) {
	var shipment domain.Shipment
	err := s.view(ctx, "get_shipment", func(v domain.ReadView) error {
		var err error
		shipment, err = v.FindShipment(id)
		return err
	})
	return shipment, err
}

// ListAllocations returns every allocation of a contract ordered by creation.
func (s *Service) ListAllocations(ctx context.Context, contractID string) ([]domain.Allocation, error) {
	var out []domain.Allocation
	err := s.view(ctx, "list_allocations", func(v domain.ReadView) error {
		if _, err := v.FindContract(contractID); err != nil {
			return err
		}
		var err error
		out, err = v.ListAllocationsByContract(contractID)
		return err
	})
	return out, err
}

// ListStockAdjustments returns the correction history of a lot ordered by creation.
func (s *Service) ListStockAdjustments(ctx context.Context, lotID string) ([]domain.StockAdjustment, error) {
	var out []domain.StockAdjustment
	err := s.view(ctx, "list_stock_adjustments", func(v domain.ReadView) error {
		if _, err := v.FindLot(lotID); err != nil {
			return err
		}
		var err error
		out, err = v.ListStockAdjustments(lotID)
		return err
	})
	return out, err
}

// ShipmentTraceability is a shipment's lineage snapshot. Archived is set when
// the snapshot was read back from the traceability archive.
type ShipmentTraceability struct {
	ShipmentID string          `json:"shipment_id"`
	ContractID string          `json:"contract_id"`
	Archived   bool            `json:"archived"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

// GetShipmentTraceability returns the archived snapshot of a shipment. The
// copy kept on the shipment row is returned when no archive is configured or
// the archive cannot serve it.
func (s *Service) GetShipmentTraceability(ctx context.Context, shipmentID string) (ShipmentTraceability, error) {
	shipment, err := s.GetShipment(ctx, shipmentID)
	if err != nil {
		return ShipmentTraceability{}, err
	}
	out := ShipmentTraceability{
		ShipmentID: shipment.ID,
		ContractID: shipment.ContractID,
		Snapshot:   shipment.Traceability,
	}
	if s.archive == nil {
		return out, nil
	}
	raw, err := s.archive.Load(ctx, shipment.ContractID, shipment.ID)
	switch {
	case err == nil:
		out.Snapshot = raw
		out.Archived = true
	case errors.Is(err, blob.ErrNotFound):
	default:
		s.logger.WithField("shipment_id", shipment.ID).WithError(err).Warn("traceability archive read failed")
	}
	return out, nil
}
