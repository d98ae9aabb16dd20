// Package memory provides an in-memory implementation of the ledger store
// used for tests and ephemeral environments. A single store-wide mutex stands
// in for row locks: transactions run one at a time against a cloned state
// that replaces the committed state only when fn and the rules succeed.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exportcore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type memoryState struct {
	lots        map[string]domain.Lot
	contracts   map[string]domain.Contract
	allocations map[string]domain.Allocation
	shipments   map[string]domain.Shipment
	adjustments map[string]domain.StockAdjustment

	// creation order for list endpoints
	allocationOrder []string
	adjustmentOrder []string
}

func newMemoryState() memoryState {
	return memoryState{
		lots:        make(map[string]domain.Lot),
		contracts:   make(map[string]domain.Contract),
		allocations: make(map[string]domain.Allocation),
		shipments:   make(map[string]domain.Shipment),
		adjustments: make(map[string]domain.StockAdjustment),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.lots {
		cloned.lots[k] = v
	}
	for k, v := range s.contracts {
		cloned.contracts[k] = v
	}
	for k, v := range s.allocations {
		cloned.allocations[k] = cloneAllocation(v)
	}
	for k, v := range s.shipments {
		cloned.shipments[k] = cloneShipment(v)
	}
	for k, v := range s.adjustments {
		cloned.adjustments[k] = v
	}
	cloned.allocationOrder = append([]string(nil), s.allocationOrder...)
	cloned.adjustmentOrder = append([]string(nil), s.adjustmentOrder...)
	return cloned
}

func cloneAllocation(a domain.Allocation) domain.Allocation {
	cp := a
	if a.ShipmentID != nil {
		id := *a.ShipmentID
		cp.ShipmentID = &id
	}
	return cp
}

func cloneShipment(s domain.Shipment) domain.Shipment {
	cp := s
	if s.ActualDepartureDate != nil {
		d := *s.ActualDepartureDate
		cp.ActualDepartureDate = &d
	}
	if s.Traceability != nil {
		cp.Traceability = append(json.RawMessage(nil), s.Traceability...)
	}
	return cp
}

// Store is the in-memory ledger.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithNowFunc overrides the transaction clock.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewStore constructs an in-memory store evaluating engine after every transaction.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	return s.engine
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	tx := &transaction{
		view: view{state: s.state.clone()},
		now:  s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, &tx.view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.ReadView) error) error {
	s.mu.RLock()
	snapshot := view{state: s.state.clone()}
	s.mu.RUnlock()
	return fn(&snapshot)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type view struct {
	state memoryState
}

func (v *view) FindLot(id string) (domain.Lot, error) {
	lot, ok := v.state.lots[id]
	if !ok {
		return domain.Lot{}, domain.ErrNotFound{Entity: domain.EntityLot, ID: id}
	}
	return lot, nil
}

func (v *view) FindContract(id string) (domain.Contract, error) {
	c, ok := v.state.contracts[id]
	if !ok {
		return domain.Contract{}, domain.ErrNotFound{Entity: domain.EntityContract, ID: id}
	}
	return c, nil
}

func (v *view) FindShipment(id string) (domain.Shipment, error) {
	sh, ok := v.state.shipments[id]
	if !ok {
		return domain.Shipment{}, domain.ErrNotFound{Entity: domain.EntityShipment, ID: id}
	}
	return cloneShipment(sh), nil
}

func (v *view) OpenAllocationWeight(lotID string) (decimal.Decimal, error) {
	return v.allocationWeight(lotID, domain.AllocationOpen), nil
}

func (v *view) ShippedAllocationWeight(lotID string) (decimal.Decimal, error) {
	return v.allocationWeight(lotID, domain.AllocationShipped), nil
}

func (v *view) allocationWeight(lotID string, status domain.AllocationStatus) decimal.Decimal {
	total := decimal.Zero
	for _, a := range v.state.allocations {
		if a.LotID == lotID && a.Status == status {
			total = total.Add(a.WeightKg)
		}
	}
	return total
}

func (v *view) ListAllocationsByContract(contractID string) ([]domain.Allocation, error) {
	out := make([]domain.Allocation, 0)
	for _, id := range v.state.allocationOrder {
		a := v.state.allocations[id]
		if a.ContractID == contractID {
			out = append(out, cloneAllocation(a))
		}
	}
	return out, nil
}

func (v *view) ListStockAdjustments(lotID string) ([]domain.StockAdjustment, error) {
	out := make([]domain.StockAdjustment, 0)
	for _, id := range v.state.adjustmentOrder {
		adj := v.state.adjustments[id]
		if adj.LotID == lotID {
			out = append(out, adj)
		}
	}
	return out, nil
}

type transaction struct {
	view
	changes []domain.Change
	now     time.Time
}

func (tx *transaction) recordChange(entity domain.EntityType, action domain.Action, before, after any) {
	tx.changes = append(tx.changes, domain.Change{Entity: entity, Action: action, Before: before, After: after})
}

func (tx *transaction) Now() time.Time { return tx.now }

// The store mutex already serialises transactions, so locks are plain reads.

func (tx *transaction) LockContract(id string) (domain.Contract, error) { return tx.FindContract(id) }

func (tx *transaction) LockLot(id string) (domain.Lot, error) { return tx.FindLot(id) }

func (tx *transaction) LockShipment(id string) (domain.Shipment, error) { return tx.FindShipment(id) }

func (tx *transaction) LockAllocations(ids []string) ([]domain.Allocation, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make([]domain.Allocation, 0, len(sorted))
	for _, id := range sorted {
		a, ok := tx.state.allocations[id]
		if !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityAllocation, ID: id}
		}
		out = append(out, cloneAllocation(a))
	}
	return out, nil
}

func (tx *transaction) CountOpenAllocations(lotID string) (int, error) {
	n := 0
	for _, a := range tx.state.allocations {
		if a.LotID == lotID && a.Status == domain.AllocationOpen {
			n++
		}
	}
	return n, nil
}

func (tx *transaction) stamp(base *domain.Base) {
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	base.CreatedAt = tx.now
	base.UpdatedAt = tx.now
}

func duplicate(entity domain.EntityType, field, value string) error {
	return domain.Conflictf(domain.ReasonDuplicateNumber, "%s with %s %q already exists", entity, field, value)
}

func (tx *transaction) CreateLot(lot domain.Lot) (domain.Lot, error) {
	tx.stamp(&lot.Base)
	if _, exists := tx.state.lots[lot.ID]; exists {
		return domain.Lot{}, fmt.Errorf("lot %q already exists", lot.ID)
	}
	for _, existing := range tx.state.lots {
		if existing.LotNumber == lot.LotNumber {
			return domain.Lot{}, duplicate(domain.EntityLot, "lot_number", lot.LotNumber)
		}
	}
	tx.state.lots[lot.ID] = lot
	tx.recordChange(domain.EntityLot, domain.ActionCreate, nil, lot)
	return lot, nil
}

func (tx *transaction) CreateContract(c domain.Contract) (domain.Contract, error) {
	tx.stamp(&c.Base)
	if _, exists := tx.state.contracts[c.ID]; exists {
		return domain.Contract{}, fmt.Errorf("contract %q already exists", c.ID)
	}
	for _, existing := range tx.state.contracts {
		if existing.ContractNumber == c.ContractNumber {
			return domain.Contract{}, duplicate(domain.EntityContract, "contract_number", c.ContractNumber)
		}
	}
	tx.state.contracts[c.ID] = c
	tx.recordChange(domain.EntityContract, domain.ActionCreate, nil, c)
	return c, nil
}

func (tx *transaction) CreateAllocation(a domain.Allocation) (domain.Allocation, error) {
	tx.stamp(&a.Base)
	if _, exists := tx.state.allocations[a.ID]; exists {
		return domain.Allocation{}, fmt.Errorf("allocation %q already exists", a.ID)
	}
	if _, ok := tx.state.contracts[a.ContractID]; !ok {
		return domain.Allocation{}, domain.ErrNotFound{Entity: domain.EntityContract, ID: a.ContractID}
	}
	if _, ok := tx.state.lots[a.LotID]; !ok {
		return domain.Allocation{}, domain.ErrNotFound{Entity: domain.EntityLot, ID: a.LotID}
	}
	tx.state.allocations[a.ID] = cloneAllocation(a)
	tx.state.allocationOrder = append(tx.state.allocationOrder, a.ID)
	tx.recordChange(domain.EntityAllocation, domain.ActionCreate, nil, cloneAllocation(a))
	return a, nil
}

func (tx *transaction) CreateShipment(sh domain.Shipment) (domain.Shipment, error) {
	tx.stamp(&sh.Base)
	if _, exists := tx.state.shipments[sh.ID]; exists {
		return domain.Shipment{}, fmt.Errorf("shipment %q already exists", sh.ID)
	}
	for _, existing := range tx.state.shipments {
		if existing.ShipmentNumber == sh.ShipmentNumber {
			return domain.Shipment{}, duplicate(domain.EntityShipment, "shipment_number", sh.ShipmentNumber)
		}
	}
	tx.state.shipments[sh.ID] = cloneShipment(sh)
	tx.recordChange(domain.EntityShipment, domain.ActionCreate, nil, cloneShipment(sh))
	return sh, nil
}

func (tx *transaction) CreateStockAdjustment(adj domain.StockAdjustment) (domain.StockAdjustment, error) {
	if adj.ID == "" {
		adj.ID = uuid.NewString()
	}
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = tx.now
	}
	if _, ok := tx.state.lots[adj.LotID]; !ok {
		return domain.StockAdjustment{}, domain.ErrNotFound{Entity: domain.EntityLot, ID: adj.LotID}
	}
	tx.state.adjustments[adj.ID] = adj
	tx.state.adjustmentOrder = append(tx.state.adjustmentOrder, adj.ID)
	tx.recordChange(domain.EntityStockAdjustment, domain.ActionCreate, nil, adj)
	return adj, nil
}

func (tx *transaction) UpdateLot(id string, mutator func(*domain.Lot) error) (domain.Lot, error) {
	current, ok := tx.state.lots[id]
	if !ok {
		return domain.Lot{}, domain.ErrNotFound{Entity: domain.EntityLot, ID: id}
	}
	updated := current
	if err := mutator(&updated); err != nil {
		return domain.Lot{}, err
	}
	updated.Base = domain.Base{ID: id, CreatedAt: current.CreatedAt, UpdatedAt: tx.now}
	tx.state.lots[id] = updated
	tx.recordChange(domain.EntityLot, domain.ActionUpdate, current, updated)
	return updated, nil
}

func (tx *transaction) UpdateContract(id string, mutator func(*domain.Contract) error) (domain.Contract, error) {
	current, ok := tx.state.contracts[id]
	if !ok {
		return domain.Contract{}, domain.ErrNotFound{Entity: domain.EntityContract, ID: id}
	}
	updated := current
	if err := mutator(&updated); err != nil {
		return domain.Contract{}, err
	}
	updated.Base = domain.Base{ID: id, CreatedAt: current.CreatedAt, UpdatedAt: tx.now}
	tx.state.contracts[id] = updated
	tx.recordChange(domain.EntityContract, domain.ActionUpdate, current, updated)
	return updated, nil
}

func (tx *transaction) UpdateAllocation(id string, mutator func(*domain.Allocation) error) (domain.Allocation, error) {
	current, ok := tx.state.allocations[id]
	if !ok {
		return domain.Allocation{}, domain.ErrNotFound{Entity: domain.EntityAllocation, ID: id}
	}
	updated := cloneAllocation(current)
	if err := mutator(&updated); err != nil {
		return domain.Allocation{}, err
	}
	updated.Base = domain.Base{ID: id, CreatedAt: current.CreatedAt, UpdatedAt: tx.now}
	tx.state.allocations[id] = cloneAllocation(updated)
	tx.recordChange(domain.EntityAllocation, domain.ActionUpdate, current, cloneAllocation(updated))
	return updated, nil
}

func (tx *transaction) UpdateShipment(id string, mutator func(*domain.Shipment) error) (domain.Shipment, error) {
	current, ok := tx.state.shipments[id]
	if !ok {
		return domain.Shipment{}, domain.ErrNotFound{Entity: domain.EntityShipment, ID: id}
	}
	updated := cloneShipment(current)
	if err := mutator(&updated); err != nil {
		return domain.Shipment{}, err
	}
	updated.Base = domain.Base{ID: id, CreatedAt: current.CreatedAt, UpdatedAt: tx.now}
	tx.state.shipments[id] = cloneShipment(updated)
	tx.recordChange(domain.EntityShipment, domain.ActionUpdate, current, cloneShipment(updated))
	return updated, nil
}
