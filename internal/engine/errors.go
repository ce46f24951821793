package engine

import (
	"fmt"

	"closeline/internal/domain"
)

// ValidationError reports malformed input to any operation.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ConditionArchivedError reports an attempt to mutate a read-only condition.
type ConditionArchivedError struct {
	ConditionID string
}

func (e ConditionArchivedError) Error() string {
	return fmt.Sprintf("condition %s is archived and read-only", e.ConditionID)
}

// StepNotActiveError reports an advance or skip on a transaction whose
// current step is not active, typically because a concurrent caller already
// moved it.
type StepNotActiveError struct {
	TransactionID string
}

func (e StepNotActiveError) Error() string {
	return fmt.Sprintf("transaction %s has no active current step", e.TransactionID)
}

// ConditionRef is the per-condition detail carried by gate failures so the
// caller can render them without a second lookup.
type ConditionRef struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	DueDate *string `json:"due_date,omitempty"`
}

func refs(conditions []domain.Condition) []ConditionRef {
	out := make([]ConditionRef, 0, len(conditions))
	for _, c := range conditions {
		out = append(out, ConditionRef{ID: c.ID, Title: c.Title, DueDate: c.DueDate})
	}
	return out
}

// BlockingConditionsError is the gate failure for pending blocking-level
// conditions. It always wins over RequiredResolutionsError.
type BlockingConditionsError struct {
	Conditions []ConditionRef
}

func (e BlockingConditionsError) Error() string {
	return fmt.Sprintf("%d blocking condition(s) must be resolved before advancing", len(e.Conditions))
}

// RequiredResolutionsError is the gate failure for pending required-level
// conditions, reported only when no blocking condition is pending.
type RequiredResolutionsError struct {
	Conditions []ConditionRef
}

func (e RequiredResolutionsError) Error() string {
	return fmt.Sprintf("%d required condition(s) must be resolved before advancing", len(e.Conditions))
}

// OfferRequiredError reports the offer gate: the current step needs an
// accepted offer on file before the transaction may advance.
type OfferRequiredError struct {
	StepSlug string
}

func (e OfferRequiredError) Error() string {
	return fmt.Sprintf("step %s requires an accepted offer before advancing", e.StepSlug)
}

// ResolutionFailedError reports an evidence policy that was not satisfied.
// It is an expected control-flow outcome, not a defect.
type ResolutionFailedError struct {
	Reason string
}

func (e ResolutionFailedError) Error() string { return e.Reason }

// GoToFailedError reports a go-to-step with no matching step order.
type GoToFailedError struct {
	TargetOrder int
}

func (e GoToFailedError) Error() string {
	return fmt.Sprintf("go-to failed: no step with order %d", e.TargetOrder)
}
