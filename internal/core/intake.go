package core

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exportcore/pkg/domain"
)

// LotIntake describes stock received from an auction or a direct delivery.
type LotIntake struct {
	LotNumber     string
	Source        domain.LotSource
	Grade         string
	WarehouseID   string
	TotalWeightKg decimal.Decimal
}

func (in LotIntake) validate() error {
	switch {
	case strings.TrimSpace(in.LotNumber) == "":
		return domain.ErrValidation{Field: "lot_number", Message: "is required"}
	case !in.Source.Valid():
		return domain.ErrValidation{Field: "source", Message: "must be auction or direct"}
	case !in.TotalWeightKg.IsPositive():
		return domain.ErrValidation{Field: "total_weight_kg", Message: "must be positive"}
	}
	return nil
}

// NewContract describes a buyer commitment.
type NewContract struct {
	ContractNumber string
	BuyerID        string
	QuantityKg     decimal.Decimal
}

func (in NewContract) validate() error {
	switch {
	case strings.TrimSpace(in.ContractNumber) == "":
		return domain.ErrValidation{Field: "contract_number", Message: "is required"}
	case strings.TrimSpace(in.BuyerID) == "":
		return domain.ErrValidation{Field: "buyer_id", Message: "is required"}
	case !in.QuantityKg.IsPositive():
		return domain.ErrValidation{Field: "quantity_kg", Message: "must be positive"}
	}
	return nil
}

// CreateLot records procured stock. The whole weight starts available.
func (s *Service) CreateLot(ctx context.Context, in LotIntake) (domain.Lot, domain.Result, error) {
	if err := in.validate(); err != nil {
		return domain.Lot{}, domain.Result{}, err
	}
	var created domain.Lot
	res, err := s.run(ctx, "create_lot", logrus.Fields{"lot_number": in.LotNumber}, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateLot(domain.Lot{
			Base:              domain.Base{ID: s.newID()},
			LotNumber:         in.LotNumber,
			Source:            in.Source,
			Grade:             in.Grade,
			WarehouseID:       in.WarehouseID,
			TotalWeightKg:     in.TotalWeightKg,
			AvailableWeightKg: in.TotalWeightKg,
			Status:            domain.DeriveLotStatus(in.TotalWeightKg, 0),
		})
		return err
	})
	return created, res, err
}

// CreateContract records a buyer commitment in open status.
func (s *Service) CreateContract(ctx context.Context, in NewContract) (domain.Contract, domain.Result, error) {
	if err := in.validate(); err != nil {
		return domain.Contract{}, domain.Result{}, err
	}
	var created domain.Contract
	res, err := s.run(ctx, "create_contract", logrus.Fields{"contract_number": in.ContractNumber}, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateContract(domain.Contract{
			Base:           domain.Base{ID: s.newID()},
			ContractNumber: in.ContractNumber,
			BuyerID:        in.BuyerID,
			QuantityKg:     in.QuantityKg,
			AllocatedKg:    decimal.Zero,
			ShippedKg:      decimal.Zero,
			Status:         domain.ContractOpen,
		})
		return err
	})
	return created, res, err
}

// CloseContract marks a contract closed. Closed contracts accept no further
// allocations and never change status again.
func (s *Service) CloseContract(ctx context.Context, contractID string) (domain.Contract, domain.Result, error) {
	var updated domain.Contract
	res, err := s.run(ctx, "close_contract", logrus.Fields{"contract_id": contractID}, func(tx domain.Transaction) error {
		contract, err := tx.LockContract(contractID)
		if err != nil {
			return err
		}
		if contract.Status == domain.ContractClosed {
			return domain.InvalidStatef(domain.ReasonContractAlreadyClosed, "contract %s is already closed", contractID)
		}
		updated, err = tx.UpdateContract(contractID, func(c *domain.Contract) error {
			c.Status = domain.ContractClosed
			return nil
		})
		return err
	})
	return updated, res, err
}
