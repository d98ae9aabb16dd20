package core

import (
	"context"
	"fmt"
	"sort"

	"exportcore/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the ledger invariants.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewLotBalanceRule())
	engine.Register(NewContractQuantitiesRule())
	return engine
}

// NewLotBalanceRule checks every lot touched by a transaction: available
// weight stays within [0, total] and available plus allocated plus shipped
// weight equals total.
func NewLotBalanceRule() domain.Rule {
	return lotBalanceRule{}
}

type lotBalanceRule struct{}

func (lotBalanceRule) Name() string { return "lot_balance" }

func (r lotBalanceRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, id := range touchedLots(changes) {
		lot, err := view.FindLot(id)
		if err != nil {
			return domain.Result{}, err
		}
		open, err := view.OpenAllocationWeight(id)
		if err != nil {
			return domain.Result{}, err
		}
		shipped, err := view.ShippedAllocationWeight(id)
		if err != nil {
			return domain.Result{}, err
		}
		if lot.AvailableWeightKg.IsNegative() || !domain.WithinLimit(lot.AvailableWeightKg, lot.TotalWeightKg) {
			res.Violations = append(res.Violations, r.violation(id,
				fmt.Sprintf("lot %s available weight %s kg outside [0, %s]", id, lot.AvailableWeightKg, lot.TotalWeightKg)))
			continue
		}
		drift := lot.AvailableWeightKg.Add(open).Add(shipped).Sub(lot.TotalWeightKg).Abs()
		if drift.GreaterThan(domain.Tolerance) {
			res.Violations = append(res.Violations, r.violation(id,
				fmt.Sprintf("lot %s available %s kg plus allocated %s kg plus shipped %s kg does not equal total %s kg",
					id, lot.AvailableWeightKg, open, shipped, lot.TotalWeightKg)))
		}
	}
	return res, nil
}

func (r lotBalanceRule) violation(id, msg string) domain.Violation {
	return domain.Violation{
		Rule:     r.Name(),
		Severity: domain.SeverityBlock,
		Message:  msg,
		Entity:   domain.EntityLot,
		EntityID: id,
	}
}

// NewContractQuantitiesRule checks allocated ≤ quantity and shipped ≤
// allocated on touched contracts, and warns when the stored status disagrees
// with the derived one.
func NewContractQuantitiesRule() domain.Rule {
	return contractQuantitiesRule{}
}

type contractQuantitiesRule struct{}

func (contractQuantitiesRule) Name() string { return "contract_quantities" }

func (r contractQuantitiesRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, id := range touchedContracts(changes) {
		c, err := view.FindContract(id)
		if err != nil {
			return domain.Result{}, err
		}
		if !domain.WithinLimit(c.AllocatedKg, c.QuantityKg) {
			res.Violations = append(res.Violations, r.violation(id, domain.SeverityBlock,
				fmt.Sprintf("contract %s allocated %s kg exceeds quantity %s kg", id, c.AllocatedKg, c.QuantityKg)))
		}
		if !domain.WithinLimit(c.ShippedKg, c.AllocatedKg) {
			res.Violations = append(res.Violations, r.violation(id, domain.SeverityBlock,
				fmt.Sprintf("contract %s shipped %s kg exceeds allocated %s kg", id, c.ShippedKg, c.AllocatedKg)))
		}
		if want := domain.DeriveContractStatus(c.ShippedKg, c.QuantityKg, c.Status); want != c.Status {
			res.Violations = append(res.Violations, r.violation(id, domain.SeverityWarn,
				fmt.Sprintf("contract %s status %s, derived %s", id, c.Status, want)))
		}
	}
	return res, nil
}

func (r contractQuantitiesRule) violation(id string, sev domain.Severity, msg string) domain.Violation {
	return domain.Violation{
		Rule:     r.Name(),
		Severity: sev,
		Message:  msg,
		Entity:   domain.EntityContract,
		EntityID: id,
	}
}

func touchedLots(changes []domain.Change) []string {
	set := make(map[string]struct{})
	for _, ch := range changes {
		switch v := ch.After.(type) {
		case domain.Lot:
			set[v.ID] = struct{}{}
		case domain.Allocation:
			set[v.LotID] = struct{}{}
		case domain.StockAdjustment:
			set[v.LotID] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func touchedContracts(changes []domain.Change) []string {
	set := make(map[string]struct{})
	for _, ch := range changes {
		switch v := ch.After.(type) {
		case domain.Contract:
			set[v.ID] = struct{}{}
		case domain.Allocation:
			set[v.ContractID] = struct{}{}
		case domain.Shipment:
			set[v.ContractID] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
