package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"exportcore/internal/blob"
	"exportcore/pkg/domain"
)

// EventType names a post-commit ledger event.
type EventType string

// Ledger events.
const (
	EventContractFullyAllocated EventType = "contract.fully_allocated"
	EventShipmentCreated        EventType = "shipment.created"
)

// Event is handed to the Notifier after the owning transaction commits.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	ContractID string    `json:"contract_id"`
	ShipmentID string    `json:"shipment_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// Notifier delivers events. Delivery is fire-and-forget: failures are logged
// and never affect the committed mutation.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Event) error { return nil }

// TraceabilityArchive keeps a copy of shipment traceability snapshots outside
// the relational store. Load reports blob.ErrNotFound for a shipment it never
// received.
type TraceabilityArchive interface {
	Archive(ctx context.Context, shipment domain.Shipment) error
	Load(ctx context.Context, contractID, shipmentID string) ([]byte, error)
}

// TraceabilityKey returns the blob key holding a shipment snapshot.
func TraceabilityKey(contractID, shipmentID string) string {
	return fmt.Sprintf("traceability/%s/%s.json", contractID, shipmentID)
}

// BlobTraceabilityArchive writes snapshots to a blob store.
type BlobTraceabilityArchive struct {
	store blob.Store
}

// NewBlobTraceabilityArchive wraps store.
func NewBlobTraceabilityArchive(store blob.Store) *BlobTraceabilityArchive {
	return &BlobTraceabilityArchive{store: store}
}

// Archive implements TraceabilityArchive.
func (a *BlobTraceabilityArchive) Archive(ctx context.Context, shipment domain.Shipment) error {
	key := TraceabilityKey(shipment.ContractID, shipment.ID)
	_, err := a.store.Put(ctx, key, bytes.NewReader(shipment.Traceability), blob.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"shipment_number": shipment.ShipmentNumber,
			"contract_id":     shipment.ContractID,
		},
	})
	return errors.Wrapf(err, "archive traceability %s", key)
}

// Load implements TraceabilityArchive.
func (a *BlobTraceabilityArchive) Load(ctx context.Context, contractID, shipmentID string) ([]byte, error) {
	key := TraceabilityKey(contractID, shipmentID)
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "load traceability %s", key)
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// afterCommit runs best-effort side effects. ctx cancellation from the caller
// must not drop them once the mutation is durable.
func (s *Service) afterCommit(ctx context.Context, fields logrus.Fields, fn func(context.Context) error, what string) {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn(what + " failed")
	}
}

func (s *Service) emit(ctx context.Context, event Event) {
	event.ID = s.newID()
	event.OccurredAt = s.clock.Now()
	fields := logrus.Fields{"event": event.Type, "contract_id": event.ContractID}
	s.afterCommit(ctx, fields, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, event)
	}, "notification")
}
