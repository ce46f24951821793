package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"closeline/internal/domain"
	"closeline/internal/events"
	"closeline/internal/repo"
)

// ConditionCreateOptions are parameters for a manually-created condition.
type ConditionCreateOptions struct {
	TransactionID string
	StepID        string
	StepSlug      string
	Title         string
	TitleFR       string
	Level         string
	Type          string
	DueDate       *string
	ActorID       string
}

// CreateCondition attaches a manual condition to a step. Either StepID or
// StepSlug selects the step.
func (e Engine) CreateCondition(ctx context.Context, opts ConditionCreateOptions) (domain.Condition, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Condition{}, ValidationError{Msg: "title is required"}
	}
	switch opts.Level {
	case domain.LevelBlocking, domain.LevelRequired, domain.LevelRecommended:
	case "":
		opts.Level = domain.LevelRequired
	default:
		return domain.Condition{}, ValidationError{Msg: fmt.Sprintf("level %q is not a condition level", opts.Level)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Condition{}, err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, opts.TransactionID, opts.ActorID)
	if err != nil {
		return domain.Condition{}, err
	}
	var step domain.TransactionStep
	switch {
	case opts.StepID != "":
		step, err = e.Repo.GetStep(ctx, tx, opts.StepID)
	case opts.StepSlug != "":
		step, err = e.Repo.GetStepBySlug(ctx, tx, txn.ID, opts.StepSlug)
	default:
		if txn.CurrentStepID == nil {
			return domain.Condition{}, StepNotActiveError{TransactionID: txn.ID}
		}
		step, err = e.Repo.GetStep(ctx, tx, *txn.CurrentStepID)
	}
	if err != nil {
		return domain.Condition{}, err
	}
	if step.TransactionID != txn.ID {
		return domain.Condition{}, repo.ErrNotFound
	}

	title := strings.TrimSpace(opts.Title)
	if _, ferr := e.Repo.FindActiveConditionByTitle(ctx, tx, txn.ID, title, step.ID); ferr == nil {
		return domain.Condition{}, ValidationError{Msg: fmt.Sprintf("condition %q already exists on step %s", title, step.Slug)}
	} else if !errors.Is(ferr, repo.ErrNotFound) {
		return domain.Condition{}, ferr
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	cond := domain.Condition{
		ID:            uuid.New().String(),
		TransactionID: txn.ID,
		StepID:        step.ID,
		Title:         title,
		TitleFR:       opts.TitleFR,
		Level:         opts.Level,
		Status:        "pending",
		Type:          opts.Type,
		DueDate:       opts.DueDate,
		CreatedAt:     nowStr,
		UpdatedAt:     nowStr,
	}
	if err := e.Repo.InsertCondition(ctx, tx, cond); err != nil {
		return domain.Condition{}, err
	}
	if err := e.Repo.AppendConditionEvent(ctx, tx, cond.ID, "created", opts.ActorID, map[string]any{
		"title": cond.Title,
		"level": cond.Level,
	}, now); err != nil {
		return domain.Condition{}, err
	}
	if err := e.Events.Append(ctx, tx, "condition.created", txn.ID, "condition", cond.ID, opts.ActorID, events.EventPayload{
		"title": cond.Title,
		"level": cond.Level,
		"step":  step.Slug,
	}); err != nil {
		return domain.Condition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Condition{}, err
	}
	return cond, nil
}

// ConditionUpdateOptions carries the mutable condition fields. Nil pointers
// leave the stored value untouched.
type ConditionUpdateOptions struct {
	Title    *string
	TitleFR  *string
	Level    *string
	DueDate  *string
	ClearDue bool
}

// UpdateCondition edits a pending condition's metadata. Archived conditions
// are read-only.
func (e Engine) UpdateCondition(ctx context.Context, transactionID, conditionID string, opts ConditionUpdateOptions, actorID string) (domain.Condition, error) {
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
	if cond.Archived {
		return domain.Condition{}, ConditionArchivedError{ConditionID: cond.ID}
	}

	changed := map[string]any{}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) != "" {
		cond.Title = strings.TrimSpace(*opts.Title)
		changed["title"] = cond.Title
	}
	if opts.TitleFR != nil {
		cond.TitleFR = *opts.TitleFR
		changed["title_fr"] = cond.TitleFR
	}
	if opts.Level != nil {
		switch *opts.Level {
		case domain.LevelBlocking, domain.LevelRequired, domain.LevelRecommended:
			cond.Level = *opts.Level
			changed["level"] = cond.Level
		default:
			return domain.Condition{}, ValidationError{Msg: fmt.Sprintf("level %q is not a condition level", *opts.Level)}
		}
	}
	if opts.ClearDue {
		cond.DueDate = nil
		changed["due_date"] = nil
	} else if opts.DueDate != nil {
		cond.DueDate = opts.DueDate
		changed["due_date"] = *opts.DueDate
	}
	if len(changed) == 0 {
		return cond, tx.Commit()
	}

	now := e.now()
	cond.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateCondition(ctx, tx, cond); err != nil {
		return domain.Condition{}, err
	}
	if err := e.Repo.AppendConditionEvent(ctx, tx, cond.ID, "updated", actorID, changed, now); err != nil {
		return domain.Condition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Condition{}, err
	}
	return cond, nil
}

// DeleteCondition removes a manual pending condition. Archived conditions
// stay on record and cannot be deleted.
func (e Engine) DeleteCondition(ctx context.Context, transactionID, conditionID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return err
	}
	cond, err := e.Repo.GetCondition(ctx, tx, conditionID)
	if err != nil {
		return err
	}
	if cond.TransactionID != txn.ID {
		return repo.ErrNotFound
	}
	if cond.Archived {
		return ConditionArchivedError{ConditionID: cond.ID}
	}
	if err := e.Repo.DeleteCondition(ctx, tx, cond.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "condition.deleted", txn.ID, "condition", cond.ID, actorID, events.EventPayload{
		"title": cond.Title,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// EvidenceOptions are parameters for attaching evidence to a condition.
type EvidenceOptions struct {
	Kind  string
	Title string
	URL   string
	Note  string
}

// AddEvidence attaches evidence to a non-archived condition and records it
// on the condition's audit trail.
func (e Engine) AddEvidence(ctx context.Context, transactionID, conditionID string, opts EvidenceOptions, actorID string) (domain.ConditionEvidence, error) {
	switch opts.Kind {
	case "file", "link", "note":
	default:
		return domain.ConditionEvidence{}, ValidationError{Msg: fmt.Sprintf("kind %q is not an evidence kind", opts.Kind)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConditionEvidence{}, err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return domain.ConditionEvidence{}, err
	}
	cond, err := e.Repo.GetCondition(ctx, tx, conditionID)
	if err != nil {
		return domain.ConditionEvidence{}, err
	}
	if cond.TransactionID != txn.ID {
		return domain.ConditionEvidence{}, repo.ErrNotFound
	}
	if cond.Archived {
		return domain.ConditionEvidence{}, ConditionArchivedError{ConditionID: cond.ID}
	}

	now := e.now()
	ev := domain.ConditionEvidence{
		ID:          uuid.New().String(),
		ConditionID: cond.ID,
		Kind:        opts.Kind,
		Title:       opts.Title,
		URL:         opts.URL,
		Note:        opts.Note,
		CreatedBy:   actorID,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return domain.ConditionEvidence{}, err
	}
	if err := e.Repo.AppendConditionEvent(ctx, tx, cond.ID, "evidence_added", actorID, map[string]any{
		"evidence_id": ev.ID,
		"kind":        ev.Kind,
		"title":       ev.Title,
	}, now); err != nil {
		return domain.ConditionEvidence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ConditionEvidence{}, err
	}
	return ev, nil
}

// RemoveEvidence detaches evidence from a non-archived condition.
func (e Engine) RemoveEvidence(ctx context.Context, transactionID, conditionID, evidenceID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return err
	}
	cond, err := e.Repo.GetCondition(ctx, tx, conditionID)
	if err != nil {
		return err
	}
	if cond.TransactionID != txn.ID {
		return repo.ErrNotFound
	}
	if cond.Archived {
		return ConditionArchivedError{ConditionID: cond.ID}
	}
	ev, err := e.Repo.GetEvidence(ctx, tx, evidenceID)
	if err != nil {
		return err
	}
	if ev.ConditionID != cond.ID {
		return repo.ErrNotFound
	}
	if err := e.Repo.DeleteEvidence(ctx, tx, ev.ID); err != nil {
		return err
	}
	if err := e.Repo.AppendConditionEvent(ctx, tx, cond.ID, "evidence_removed", actorID, map[string]any{
		"evidence_id": ev.ID,
		"kind":        ev.Kind,
	}, e.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// GetConditionDetail returns a scoped condition with its evidence.
func (e Engine) GetConditionDetail(ctx context.Context, transactionID, conditionID, actorID string) (domain.Condition, []domain.ConditionEvidence, error) {
	txn, err := e.loadTransaction(ctx, nil, transactionID, actorID)
	if err != nil {
		return domain.Condition{}, nil, err
	}
	cond, err := e.Repo.GetCondition(ctx, nil, conditionID)
	if err != nil {
		return domain.Condition{}, nil, err
	}
	if cond.TransactionID != txn.ID {
		return domain.Condition{}, nil, repo.ErrNotFound
	}
	evidence, err := e.Repo.ListEvidence(ctx, nil, cond.ID)
	if err != nil {
		return domain.Condition{}, nil, err
	}
	return cond, evidence, nil
}

// ConditionHistory returns the append-only audit trail of a condition,
// oldest first. Archived conditions keep their history readable.
func (e Engine) ConditionHistory(ctx context.Context, transactionID, conditionID, actorID string) ([]domain.ConditionEvent, error) {
	txn, err := e.loadTransaction(ctx, nil, transactionID, actorID)
	if err != nil {
		return nil, err
	}
	cond, err := e.Repo.GetCondition(ctx, nil, conditionID)
	if err != nil {
		return nil, err
	}
	if cond.TransactionID != txn.ID {
		return nil, repo.ErrNotFound
	}
	return e.Repo.ListConditionEvents(ctx, cond.ID)
}

// ListConditions returns a transaction's conditions, optionally filtered.
func (e Engine) ListConditions(ctx context.Context, transactionID, actorID string, includeArchived bool) ([]domain.Condition, error) {
	if _, err := e.loadTransaction(ctx, nil, transactionID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListConditions(ctx, nil, repo.ConditionFilters{
		TransactionID:   transactionID,
		IncludeArchived: includeArchived,
	})
}

// ConditionsGroupedByStep returns the transaction's conditions keyed by
// step order for board-style rendering.
func (e Engine) ConditionsGroupedByStep(ctx context.Context, transactionID, actorID string) (map[int][]domain.Condition, error) {
	if _, err := e.loadTransaction(ctx, nil, transactionID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.GroupConditionsByStepOrder(ctx, transactionID)
}

// ActiveConditions lists unarchived pending conditions attached to the
// currently active step.
func (e Engine) ActiveConditions(ctx context.Context, transactionID, actorID string) ([]domain.Condition, error) {
	txn, err := e.loadTransaction(ctx, nil, transactionID, actorID)
	if err != nil {
		return nil, err
	}
	if txn.CurrentStepID == nil {
		return nil, nil
	}
	return e.Repo.ListConditions(ctx, nil, repo.ConditionFilters{
		TransactionID: txn.ID,
		StepID:        *txn.CurrentStepID,
		Status:        "pending",
	})
}
