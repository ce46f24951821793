package rules

import (
	"context"
	"database/sql"
	"time"

	"closeline/internal/config"
	"closeline/internal/domain"
	"closeline/internal/events"
	"closeline/internal/repo"
)

// Deps is the execution context handed to every rule hook. Hooks run inside
// the caller's storage transaction so automated conditions commit together
// with the step or roster change that caused them.
type Deps struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

// Rule reacts to step-enter and party-roster events to materialize or
// archive conditions. Every hook must be idempotent: delivery is
// at-least-once and the same condition can be requested by more than one
// event source.
type Rule interface {
	Key() string
	OnStepEnter(ctx context.Context, tx *sql.Tx, d Deps, txn domain.Transaction, step domain.TransactionStep, actorID string) error
	OnPartyAdded(ctx context.Context, tx *sql.Tx, d Deps, txn domain.Transaction, party domain.Party, actorID string) error
	OnPartyRemoved(ctx context.Context, tx *sql.Tx, d Deps, txn domain.Transaction, party domain.Party, actorID string) error
}

// Registry holds the rules registered at process start. It carries no
// mutable state; all state lives in the store.
type Registry struct {
	Deps  Deps
	Rules []Rule
}

// NewRegistry builds the rule set for an agency config.
func NewRegistry(cfg *config.Config, r repo.Repo, w events.Writer, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	reg := &Registry{Deps: Deps{Repo: r, Events: w, Now: now}}
	if cfg != nil && cfg.Compliance.IdentityVerification.IsEnabled() {
		reg.Rules = append(reg.Rules, IdentityVerification{Cfg: cfg.Compliance.IdentityVerification})
	}
	return reg
}

// StepEntered runs every rule's step-enter hook for the newly active step.
func (g *Registry) StepEntered(ctx context.Context, tx *sql.Tx, txn domain.Transaction, step domain.TransactionStep, actorID string) error {
	for _, rule := range g.Rules {
		if err := rule.OnStepEnter(ctx, tx, g.Deps, txn, step, actorID); err != nil {
			return err
		}
	}
	return nil
}

func (g *Registry) PartyAdded(ctx context.Context, tx *sql.Tx, txn domain.Transaction, party domain.Party, actorID string) error {
	for _, rule := range g.Rules {
		if err := rule.OnPartyAdded(ctx, tx, g.Deps, txn, party, actorID); err != nil {
			return err
		}
	}
	return nil
}

func (g *Registry) PartyRemoved(ctx context.Context, tx *sql.Tx, txn domain.Transaction, party domain.Party, actorID string) error {
	for _, rule := range g.Rules {
		if err := rule.OnPartyRemoved(ctx, tx, g.Deps, txn, party, actorID); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the registered rule keys.
func (g *Registry) Keys() []string {
	keys := make([]string, 0, len(g.Rules))
	for _, rule := range g.Rules {
		keys = append(keys, rule.Key())
	}
	return keys
}

// IsCompliant reports whether zero rule-created, non-archived conditions are
// still pending. A transaction with no such conditions at all is compliant
// by definition.
func (g *Registry) IsCompliant(ctx context.Context, tx *sql.Tx, transactionID string) (bool, error) {
	for _, rule := range g.Rules {
		pending, err := g.Deps.Repo.ListConditions(ctx, tx, repo.ConditionFilters{
			TransactionID: transactionID,
			RuleKey:       rule.Key(),
			Status:        "pending",
		})
		if err != nil {
			return false, err
		}
		if len(pending) > 0 {
			return false, nil
		}
	}
	return true, nil
}
