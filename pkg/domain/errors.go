package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a ledger failure for callers that map errors to transport codes.
type Kind string

// Failure kinds.
const (
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindRule         Kind = "rule_violation"
)

// Stable reasons reported alongside failures.
const (
	ReasonNotFound              = "not_found"
	ReasonContractClosed        = "contract_closed"
	ReasonContractQuantity      = "contract_quantity_exceeded"
	ReasonLotAvailability       = "lot_weight_insufficient"
	ReasonAllocationContract    = "allocation_contract_mismatch"
	ReasonAllocationNotOpen     = "allocation_not_open"
	ReasonOverFulfilment        = "contract_over_fulfilment"
	ReasonStageRegression       = "shipment_stage_regression"
	ReasonNegativeStock         = "stock_would_go_negative"
	ReasonDuplicateNumber       = "duplicate_number"
	ReasonInvariantViolated     = "ledger_invariant_violated"
	ReasonValidation            = "invalid_input"
	ReasonContractAlreadyClosed = "contract_already_closed"
)

// ErrNotFound is returned when a referenced entity is absent.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrInvalidState is returned when the input is well formed but the target
// entity is in a state that rejects it outright (for example a closed contract).
type ErrInvalidState struct {
	Reason  string
	Message string
}

func (e ErrInvalidState) Error() string { return e.Message }

// ErrConflict is returned when the request collides with current ledger state
// and may succeed once the caller resolves it.
type ErrConflict struct {
	Reason  string
	Message string
}

func (e ErrConflict) Error() string { return e.Message }

// ErrValidation is returned for malformed input before any transaction opens.
type ErrValidation struct {
	Field   string
	Message string
}

func (e ErrValidation) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	if len(e.Result.Violations) == 0 {
		return "transaction blocked by rules"
	}
	return "transaction blocked by rules: " + e.Result.Violations[0].Message
}

// Conflictf builds an ErrConflict with a formatted message.
func Conflictf(reason, format string, args ...any) error {
	return ErrConflict{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// InvalidStatef builds an ErrInvalidState with a formatted message.
func InvalidStatef(reason, format string, args ...any) error {
	return ErrInvalidState{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Classify returns the kind and stable reason of err. Unknown errors report
// an empty kind.
func Classify(err error) (Kind, string) {
	var notFound ErrNotFound
	var invalid ErrInvalidState
	var conflict ErrConflict
	var validation ErrValidation
	var rule RuleViolationError
	switch {
	case err == nil:
		return "", ""
	case errors.As(err, &notFound):
		return KindNotFound, string(notFound.Entity) + "_" + ReasonNotFound
	case errors.As(err, &invalid):
		return KindInvalidState, invalid.Reason
	case errors.As(err, &conflict):
		return KindConflict, conflict.Reason
	case errors.As(err, &validation):
		return KindValidation, ReasonValidation
	case errors.As(err, &rule):
		return KindRule, ReasonInvariantViolated
	default:
		return "", ""
	}
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var notFound ErrNotFound
	return errors.As(err, &notFound)
}
