package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"closeline/internal/config"
	"closeline/internal/domain"
	"closeline/internal/events"
	"closeline/internal/repo"
)

// KeyIdentityVerification tags conditions created by the identity rule.
const KeyIdentityVerification = "identity_verification"

// IdentityVerification is the KYC compliance rule: once a transaction
// reaches the activation step, every party in a target role must carry a
// verification condition. The condition is archived, never deleted, when
// the party leaves the roster.
type IdentityVerification struct {
	Cfg config.IdentityRuleConfig
}

func (r IdentityVerification) Key() string { return KeyIdentityVerification }

func (r IdentityVerification) level() string {
	if r.Cfg.Level == "" {
		return domain.LevelBlocking
	}
	return r.Cfg.Level
}

func (r IdentityVerification) targetsRole(role string) bool {
	if len(r.Cfg.Roles) == 0 {
		return role == "buyer" || role == "seller"
	}
	for _, want := range r.Cfg.Roles {
		if role == want {
			return true
		}
	}
	return false
}

// OnStepEnter materializes one condition per eligible party when the
// activation step becomes active. Re-entrant: a second call for the same
// step finds the existing condition and does nothing.
func (r IdentityVerification) OnStepEnter(ctx context.Context, tx *sql.Tx, d Deps, txn domain.Transaction, step domain.TransactionStep, actorID string) error {
	if step.Slug != r.Cfg.ActivationStep {
		return nil
	}
	parties, err := d.Repo.ListParties(ctx, tx, txn.ID)
	if err != nil {
		return err
	}
	for _, party := range parties {
		if !r.targetsRole(party.Role) {
			continue
		}
		if err := r.ensureCondition(ctx, tx, d, txn, step, party, actorID); err != nil {
			return err
		}
	}
	return nil
}

// OnPartyAdded materializes the condition for a late-joining party when the
// transaction already reached the activation step.
func (r IdentityVerification) OnPartyAdded(ctx context.Context, tx *sql.Tx, d Deps, txn domain.Transaction, party domain.Party, actorID string) error {
	if !r.targetsRole(party.Role) {
		return nil
	}
	step, err := d.Repo.GetStepBySlug(ctx, tx, txn.ID, r.Cfg.ActivationStep)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	// pending means the transaction has not reached the gate yet
	if step.Status == "pending" {
		return nil
	}
	return r.ensureCondition(ctx, tx, d, txn, step, party, actorID)
}

// OnPartyRemoved archives the party's condition and deletes the private
// verification record. Archival keeps the audit trail for compliance
// history.
func (r IdentityVerification) OnPartyRemoved(ctx context.Context, tx *sql.Tx, d Deps, txn domain.Transaction, party domain.Party, actorID string) error {
	now := d.Now().UTC().Format(time.RFC3339)
	cond, err := d.Repo.FindActiveConditionForParty(ctx, tx, txn.ID, party.ID, r.Key())
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil {
		atStep := ""
		if txn.CurrentStepID != nil {
			if step, serr := d.Repo.GetStep(ctx, tx, *txn.CurrentStepID); serr == nil {
				atStep = step.Slug
			}
		}
		if err := d.Repo.ArchiveCondition(ctx, tx, cond.ID, atStep, now); err != nil {
			return err
		}
		if err := d.Repo.AppendConditionEvent(ctx, tx, cond.ID, "archived", actorID, map[string]any{
			"reason":   "party_removed",
			"party_id": party.ID,
		}, d.Now()); err != nil {
			return err
		}
		if err := d.Events.Append(ctx, tx, "condition.archived", txn.ID, "condition", cond.ID, actorID, events.EventPayload{
			"rule":     r.Key(),
			"party_id": party.ID,
		}); err != nil {
			return err
		}
	}
	return d.Repo.DeleteIdentityVerification(ctx, tx, txn.ID, party.ID)
}

func (r IdentityVerification) ensureCondition(ctx context.Context, tx *sql.Tx, d Deps, txn domain.Transaction, step domain.TransactionStep, party domain.Party, actorID string) error {
	_, err := d.Repo.FindActiveConditionForParty(ctx, tx, txn.ID, party.ID, r.Key())
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	now := d.Now().UTC()
	var due *string
	if r.Cfg.DueDays > 0 {
		s := now.AddDate(0, 0, r.Cfg.DueDays).Format(time.RFC3339)
		due = &s
	}
	ruleKey := r.Key()
	partyID := party.ID
	cond := domain.Condition{
		ID:            uuid.New().String(),
		TransactionID: txn.ID,
		StepID:        step.ID,
		PartyID:       &partyID,
		RuleKey:       &ruleKey,
		Title:         fmt.Sprintf("Identity verification - %s", party.FullName),
		TitleFR:       fmt.Sprintf("Vérification d'identité - %s", party.FullName),
		Level:         r.level(),
		Status:        "pending",
		Type:          "compliance",
		DueDate:       due,
		CreatedAt:     now.Format(time.RFC3339),
		UpdatedAt:     now.Format(time.RFC3339),
	}
	if err := d.Repo.InsertCondition(ctx, tx, cond); err != nil {
		return err
	}
	if err := d.Repo.UpsertIdentityVerification(ctx, tx, domain.IdentityVerification{
		ID:            uuid.New().String(),
		TransactionID: txn.ID,
		PartyID:       party.ID,
		Status:        "pending",
		CreatedAt:     now.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := d.Repo.AppendConditionEvent(ctx, tx, cond.ID, "created", actorID, map[string]any{
		"rule":     r.Key(),
		"party_id": party.ID,
		"step":     step.Slug,
	}, now); err != nil {
		return err
	}
	return d.Events.Append(ctx, tx, "condition.automated", txn.ID, "condition", cond.ID, actorID, events.EventPayload{
		"rule":     r.Key(),
		"party_id": party.ID,
		"title":    cond.Title,
		"level":    cond.Level,
	})
}
