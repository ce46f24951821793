package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"closeline/internal/domain"
	"closeline/internal/events"
	"closeline/internal/repo"
)

// GateReport is the read-only result of a gate evaluation for the active
// step: what blocks advancement and what still needs a resolution.
type GateReport struct {
	CanAdvance bool           `json:"canAdvance"`
	Blocking   []ConditionRef `json:"blocking,omitempty"`
	Required   []ConditionRef `json:"required,omitempty"`
	OfferGate  bool           `json:"offerGate,omitempty"`
}

// pendingByLevel lists unarchived pending conditions of one level attached
// to a step.
func (e Engine) pendingByLevel(ctx context.Context, tx *sql.Tx, transactionID, stepID, level string) ([]domain.Condition, error) {
	conds, err := e.Repo.ListConditions(ctx, tx, repo.ConditionFilters{
		TransactionID: transactionID,
		StepID:        stepID,
		Status:        "pending",
	})
	if err != nil {
		return nil, err
	}
	out := conds[:0]
	for _, c := range conds {
		if c.Level == level {
			out = append(out, c)
		}
	}
	return out, nil
}

// evaluateGates checks the offer gate and both condition gates for a step.
// Blocking conditions are reported before required ones; a step with both
// kinds pending surfaces only the blocking set.
func (e Engine) evaluateGates(ctx context.Context, tx *sql.Tx, txn domain.Transaction, step domain.TransactionStep) (GateReport, error) {
	report := GateReport{CanAdvance: true}

	if e.Config != nil {
		for _, slug := range e.Config.OfferGate.Steps {
			if slug != step.Slug {
				continue
			}
			accepted, err := e.Repo.HasAcceptedOffer(ctx, tx, txn.ID)
			if err != nil {
				return report, err
			}
			if !accepted {
				report.CanAdvance = false
				report.OfferGate = true
				return report, nil
			}
		}
	}

	blocking, err := e.pendingByLevel(ctx, tx, txn.ID, step.ID, domain.LevelBlocking)
	if err != nil {
		return report, err
	}
	if len(blocking) > 0 {
		report.CanAdvance = false
		report.Blocking = refs(blocking)
		return report, nil
	}
	required, err := e.pendingByLevel(ctx, tx, txn.ID, step.ID, domain.LevelRequired)
	if err != nil {
		return report, err
	}
	if len(required) > 0 {
		report.CanAdvance = false
		report.Required = refs(required)
	}
	return report, nil
}

// advance moves the workflow from the active step to the next one. outcome
// is the terminal status recorded on the outgoing step, "completed" or
// "skipped". Both paths evaluate the same gates.
func (e Engine) advance(ctx context.Context, transactionID, actorID, outcome string) (domain.Transaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if txn.Status != "active" {
		return domain.Transaction{}, ValidationError{Msg: fmt.Sprintf("transaction is %s", txn.Status)}
	}
	if txn.CurrentStepID == nil {
		return domain.Transaction{}, StepNotActiveError{TransactionID: txn.ID}
	}
	current, err := e.Repo.GetStep(ctx, tx, *txn.CurrentStepID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if current.Status != "active" {
		return domain.Transaction{}, StepNotActiveError{TransactionID: txn.ID}
	}

	report, err := e.evaluateGates(ctx, tx, txn, current)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !report.CanAdvance {
		switch {
		case report.OfferGate:
			return domain.Transaction{}, OfferRequiredError{StepSlug: current.Slug}
		case len(report.Blocking) > 0:
			return domain.Transaction{}, BlockingConditionsError{Conditions: report.Blocking}
		default:
			return domain.Transaction{}, RequiredResolutionsError{Conditions: report.Required}
		}
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	current.Status = outcome
	current.CompletedAt = &nowStr
	if err := e.Repo.UpdateStepStatus(ctx, tx, current); err != nil {
		return domain.Transaction{}, err
	}

	next, err := e.Repo.GetStepByOrder(ctx, tx, txn.ID, current.StepOrder+1)
	switch {
	case err == nil:
		next.Status = "active"
		next.EnteredAt = &nowStr
		if err := e.Repo.UpdateStepStatus(ctx, tx, next); err != nil {
			return domain.Transaction{}, err
		}
		txn.CurrentStepID = &next.ID
		txn.UpdatedAt = nowStr
		if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
			return domain.Transaction{}, err
		}
		if err := e.Rules.StepEntered(ctx, tx, txn, next, actorID); err != nil {
			return domain.Transaction{}, err
		}
	case errors.Is(err, repo.ErrNotFound):
		// Last step closed out: the transaction is done.
		txn.CurrentStepID = nil
		txn.Status = "completed"
		txn.UpdatedAt = nowStr
		if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
			return domain.Transaction{}, err
		}
	default:
		return domain.Transaction{}, err
	}

	evtType := "step.advanced"
	if outcome == "skipped" {
		evtType = "step.skipped"
	}
	payload := events.EventPayload{
		"from_slug":  current.Slug,
		"from_order": current.StepOrder,
		"outcome":    outcome,
	}
	if txn.CurrentStepID != nil {
		payload["to_slug"] = next.Slug
		payload["to_order"] = next.StepOrder
	} else {
		payload["transaction_status"] = txn.Status
	}
	if err := e.Events.Append(ctx, tx, evtType, txn.ID, "step", current.ID, actorID, payload); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// AdvanceStep completes the active step and activates the next one, subject
// to the offer gate and the condition gates.
func (e Engine) AdvanceStep(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	return e.advance(ctx, transactionID, actorID, "completed")
}

// SkipStep marks the active step skipped and activates the next one. The
// gates apply exactly as for AdvanceStep; skipping changes the recorded
// outcome, not the checks.
func (e Engine) SkipStep(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	return e.advance(ctx, transactionID, actorID, "skipped")
}

// GoToStep jumps the workflow directly to the step at targetOrder. Steps
// below the target are marked completed, the target becomes active, and
// steps above it reset to pending. The jump bypasses the condition gates;
// automation rules still run for the target step.
func (e Engine) GoToStep(ctx context.Context, transactionID string, targetOrder int, actorID string) (domain.Transaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if txn.Status != "active" {
		return domain.Transaction{}, ValidationError{Msg: fmt.Sprintf("transaction is %s", txn.Status)}
	}
	steps, err := e.Repo.ListSteps(ctx, tx, txn.ID)
	if err != nil {
		return domain.Transaction{}, err
	}
	var target *domain.TransactionStep
	for i := range steps {
		if steps[i].StepOrder == targetOrder {
			target = &steps[i]
			break
		}
	}
	if target == nil {
		return domain.Transaction{}, GoToFailedError{TargetOrder: targetOrder}
	}

	now := e.nowStr()
	for i := range steps {
		s := &steps[i]
		switch {
		case s.StepOrder < targetOrder:
			if s.Status != "completed" && s.Status != "skipped" {
				s.Status = "completed"
				s.CompletedAt = &now
			}
		case s.StepOrder == targetOrder:
			s.Status = "active"
			s.EnteredAt = &now
			s.CompletedAt = nil
		default:
			s.Status = "pending"
			s.EnteredAt = nil
			s.CompletedAt = nil
		}
		if err := e.Repo.UpdateStepStatus(ctx, tx, *s); err != nil {
			return domain.Transaction{}, err
		}
	}
	txn.CurrentStepID = &target.ID
	txn.Status = "active"
	txn.UpdatedAt = now
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Rules.StepEntered(ctx, tx, txn, *target, actorID); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Events.Append(ctx, tx, "step.jumped", txn.ID, "step", target.ID, actorID, events.EventPayload{
		"to_slug":  target.Slug,
		"to_order": target.StepOrder,
	}); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// CheckStepAdvancement evaluates the gates for the active step without
// mutating anything.
func (e Engine) CheckStepAdvancement(ctx context.Context, transactionID, actorID string) (GateReport, error) {
	txn, err := e.loadTransaction(ctx, nil, transactionID, actorID)
	if err != nil {
		return GateReport{}, err
	}
	if txn.CurrentStepID == nil {
		return GateReport{}, StepNotActiveError{TransactionID: txn.ID}
	}
	step, err := e.Repo.GetStep(ctx, nil, *txn.CurrentStepID)
	if err != nil {
		return GateReport{}, err
	}
	return e.evaluateGates(ctx, nil, txn, step)
}
