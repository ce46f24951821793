package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"closeline/internal/domain"
	"closeline/internal/events"
	"closeline/internal/repo"
	"closeline/internal/rules"
)

// minEscapeReasonLen is the shortest acceptable justification when closing
// a blocking condition with no evidence on file.
const minEscapeReasonLen = 10

// ResolveOptions tune the resolution of a single condition.
type ResolveOptions struct {
	// Note is attached to the condition as its resolution note.
	Note string
	// EscapedWithoutProof acknowledges closing a blocking condition with
	// no evidence attached. It requires EscapeReason.
	EscapedWithoutProof bool
	// EscapeReason justifies the escape; at least ten characters.
	EscapeReason string
}

func validResolutionType(t string) bool {
	switch t {
	case domain.ResolutionCompleted, domain.ResolutionWaived,
		domain.ResolutionNotApplicable, domain.ResolutionSkippedRisk:
		return true
	}
	return false
}

// resolveInTx applies the resolution protocol to one condition inside an
// open storage transaction.
//
// Blocking conditions enforce the evidence policy: resolving one as
// "completed" with zero evidence fails unless the caller escapes with a
// written reason, in which case the persisted resolution is downgraded to
// skipped_with_risk regardless of what was requested.
func (e Engine) resolveInTx(ctx context.Context, tx *sql.Tx, txn domain.Transaction, cond domain.Condition, resolutionType, actorID string, opts ResolveOptions) (domain.Condition, error) {
	if cond.Archived {
		return cond, ConditionArchivedError{ConditionID: cond.ID}
	}
	if !validResolutionType(resolutionType) {
		return cond, ValidationError{Msg: fmt.Sprintf("resolution type %q is not valid", resolutionType)}
	}
	if cond.Status != "pending" {
		return cond, ResolutionFailedError{Reason: fmt.Sprintf("condition %s is already resolved", cond.ID)}
	}

	escaped := false
	if cond.Level == domain.LevelBlocking &&
		(resolutionType == domain.ResolutionCompleted || resolutionType == domain.ResolutionSkippedRisk) {
		count, err := e.Repo.CountEvidence(ctx, tx, cond.ID)
		if err != nil {
			return cond, err
		}
		if count == 0 {
			if !opts.EscapedWithoutProof {
				return cond, ResolutionFailedError{Reason: "blocking condition has no evidence; attach evidence or escape with a reason"}
			}
			if len(strings.TrimSpace(opts.EscapeReason)) < minEscapeReasonLen {
				return cond, ResolutionFailedError{Reason: fmt.Sprintf("escape reason must be at least %d characters", minEscapeReasonLen)}
			}
			resolutionType = domain.ResolutionSkippedRisk
			escaped = true
		}
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	note := opts.Note
	if escaped {
		if note != "" {
			note += "\n"
		}
		note += "Escaped without proof: " + strings.TrimSpace(opts.EscapeReason)
	}
	cond.Status = "completed"
	cond.ResolutionType = &resolutionType
	cond.ResolvedAt = &nowStr
	cond.ResolvedBy = &actorID
	if note != "" {
		cond.ResolutionNote = &note
	}
	cond.UpdatedAt = nowStr
	if err := e.Repo.UpdateCondition(ctx, tx, cond); err != nil {
		return cond, err
	}

	payload := map[string]any{
		"resolution_type": resolutionType,
	}
	if escaped {
		payload["escaped_without_proof"] = true
		payload["escape_reason"] = strings.TrimSpace(opts.EscapeReason)
	}
	if err := e.Repo.AppendConditionEvent(ctx, tx, cond.ID, "resolved", actorID, payload, now); err != nil {
		return cond, err
	}
	if err := e.Events.Append(ctx, tx, "condition.resolved", txn.ID, "condition", cond.ID, actorID, events.EventPayload{
		"title":           cond.Title,
		"resolution_type": resolutionType,
	}); err != nil {
		return cond, err
	}
	return cond, nil
}

// ResolveCondition resolves one condition under the evidence policy.
func (e Engine) ResolveCondition(ctx context.Context, transactionID, conditionID, resolutionType, actorID string, opts ResolveOptions) (domain.Condition, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Condition{}, err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return domain.Condition{}, err
	}
	cond, err := e.Repo.GetCondition(ctx, tx, conditionID)
	if err != nil {
		return domain.Condition{}, err
	}
	if cond.TransactionID != txn.ID {
		return domain.Condition{}, repo.ErrNotFound
	}
	cond, err = e.resolveInTx(ctx, tx, txn, cond, resolutionType, actorID, opts)
	if err != nil {
		return domain.Condition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Condition{}, err
	}
	return cond, nil
}

// CompleteCondition resolves a condition as completed with no options.
func (e Engine) CompleteCondition(ctx context.Context, transactionID, conditionID, actorID string) (domain.Condition, error) {
	return e.ResolveCondition(ctx, transactionID, conditionID, domain.ResolutionCompleted, actorID, ResolveOptions{})
}

// resolveForParty resolves the automation condition for a party after its
// identity check passed. A policy refusal is swallowed: the condition just
// stays pending for a manual pass later.
func (e Engine) resolveForParty(ctx context.Context, tx *sql.Tx, txn domain.Transaction, partyID, actorID string) error {
	cond, err := e.Repo.FindActiveConditionForParty(ctx, tx, txn.ID, partyID, rules.KeyIdentityVerification)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = e.resolveInTx(ctx, tx, txn, cond, domain.ResolutionCompleted, actorID, ResolveOptions{
		Note: "Resolved automatically after identity verification",
	})
	var failed ResolutionFailedError
	if errors.As(err, &failed) {
		return nil
	}
	return err
}
