package domain

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassifyUnwrapsWrappedErrors(t *testing.T) {
	cases := []struct {
		err        error
		wantKind   Kind
		wantReason string
	}{
		{ErrNotFound{Entity: EntityLot, ID: "l1"}, KindNotFound, "lot_not_found"},
		{errors.Wrap(ErrNotFound{Entity: EntityContract, ID: "c1"}, "allocate"), KindNotFound, "contract_not_found"},
		{InvalidStatef(ReasonContractClosed, "contract %s is closed", "c1"), KindInvalidState, ReasonContractClosed},
		{fmt.Errorf("ship: %w", Conflictf(ReasonOverFulfilment, "too much")), KindConflict, ReasonOverFulfilment},
		{ErrValidation{Field: "weight_kg", Message: "must be positive"}, KindValidation, ReasonValidation},
		{RuleViolationError{}, KindRule, ReasonInvariantViolated},
		{errors.New("boom"), "", ""},
	}
	for _, tc := range cases {
		kind, reason := Classify(tc.err)
		assert.Equal(t, tc.wantKind, kind, tc.err.Error())
		assert.Equal(t, tc.wantReason, reason, tc.err.Error())
	}
}

func TestRuleViolationErrorMessage(t *testing.T) {
	err := RuleViolationError{Result: Result{Violations: []Violation{{Rule: "lot_balance", Severity: SeverityBlock, Message: "lot l1 out of balance"}}}}
	assert.Contains(t, err.Error(), "lot l1 out of balance")
	assert.Equal(t, "transaction blocked by rules", RuleViolationError{}.Error())
}

func TestResultMerge(t *testing.T) {
	res := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	res.Merge(Result{})
	assert.Len(t, res.Violations, 1)
	assert.False(t, res.HasBlocking())

	res.Merge(Result{Violations: []Violation{{Rule: "blocking", Severity: SeverityBlock}}})
	assert.Len(t, res.Violations, 2)
	assert.True(t, res.HasBlocking())
}

func TestIsNotFound(t *testing.T) {
	err := errors.Wrap(ErrNotFound{Entity: EntityIdempotencyRecord, ID: "k"}, "lookup")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(Conflictf("x", "y")))
	assert.False(t, IsNotFound(nil))
}
