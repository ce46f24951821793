package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"closeline/internal/config"
	"closeline/internal/domain"
	"closeline/internal/events"
	"closeline/internal/repo"
	"closeline/internal/rules"
)

// Engine is the transaction facade: the single entry point for workflow,
// condition, and party operations. Every public operation runs as one
// storage transaction so step mutations, gate checks, and automated
// condition writes commit or roll back together.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Rules  *rules.Registry
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: w,
		Config: cfg,
		Rules:  rules.NewRegistry(cfg, r, w, time.Now),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// loadTransaction fetches a transaction and applies the tenant-scope check.
// A scope failure is reported as not-found so callers cannot distinguish
// foreign transactions from absent ones.
func (e Engine) loadTransaction(ctx context.Context, tx *sql.Tx, transactionID, actorID string) (domain.Transaction, error) {
	var txn domain.Transaction
	var err error
	if tx != nil {
		txn, err = e.Repo.GetTransactionTx(ctx, tx, transactionID)
	} else {
		txn, err = e.Repo.GetTransaction(ctx, transactionID)
	}
	if err != nil {
		return txn, err
	}
	ok, err := e.Repo.IsAgencyMember(ctx, txn.AgencyID, actorID)
	if err != nil {
		return txn, err
	}
	if !ok {
		return txn, repo.ErrNotFound
	}
	return txn, nil
}

// TxnCreateOptions are parameters for creating a transaction.
type TxnCreateOptions struct {
	ID        string
	AgencyID  string
	Kind      string
	Reference string
	ActorID   string
}

// CreateTransaction instantiates the workflow template for the kind,
// activates the first step, and runs the automation rules for it.
func (e Engine) CreateTransaction(ctx context.Context, opts TxnCreateOptions) (domain.Transaction, error) {
	if e.Config == nil {
		return domain.Transaction{}, errors.New("config not loaded")
	}
	if opts.AgencyID == "" {
		return domain.Transaction{}, ValidationError{Msg: "agency is required"}
	}
	if opts.Kind != domain.TxnKindPurchase && opts.Kind != domain.TxnKindSale {
		return domain.Transaction{}, ValidationError{Msg: fmt.Sprintf("kind %q must be purchase or sale", opts.Kind)}
	}
	wf, err := e.Config.WorkflowFor(opts.Kind)
	if err != nil {
		return domain.Transaction{}, ValidationError{Msg: err.Error()}
	}
	ok, err := e.Repo.IsAgencyMember(ctx, opts.AgencyID, opts.ActorID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok {
		return domain.Transaction{}, repo.ErrNotFound
	}

	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	txn := domain.Transaction{
		ID:        id,
		AgencyID:  opts.AgencyID,
		Kind:      opts.Kind,
		Status:    "active",
		Reference: opts.Reference,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	var first domain.TransactionStep
	for i, tmpl := range wf.Steps {
		step := domain.TransactionStep{
			ID:            uuid.New().String(),
			TransactionID: txn.ID,
			StepOrder:     i + 1,
			Slug:          tmpl.Slug,
			Name:          tmpl.Name,
			Status:        "pending",
		}
		if i == 0 {
			step.Status = "active"
			entered := now
			step.EnteredAt = &entered
			first = step
		}
		if err := e.Repo.InsertStep(ctx, tx, step); err != nil {
			return domain.Transaction{}, fmt.Errorf("insert step %s: %w", tmpl.Slug, err)
		}
	}
	txn.CurrentStepID = &first.ID
	txn.UpdatedAt = now
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Rules.StepEntered(ctx, tx, txn, first, opts.ActorID); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Events.Append(ctx, tx, "transaction.created", txn.ID, "transaction", txn.ID, opts.ActorID, events.EventPayload{
		"kind":   txn.Kind,
		"status": txn.Status,
	}); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// GetTransaction returns a scoped transaction with its steps.
func (e Engine) GetTransaction(ctx context.Context, transactionID, actorID string) (domain.Transaction, []domain.TransactionStep, error) {
	txn, err := e.loadTransaction(ctx, nil, transactionID, actorID)
	if err != nil {
		return domain.Transaction{}, nil, err
	}
	steps, err := e.Repo.ListSteps(ctx, nil, transactionID)
	if err != nil {
		return domain.Transaction{}, nil, err
	}
	return txn, steps, nil
}

// PartyAddOptions are parameters for adding a party to a transaction.
type PartyAddOptions struct {
	TransactionID string
	Role          string
	FullName      string
	Email         string
	ActorID       string
}

func validPartyRole(role string) bool {
	switch role {
	case "buyer", "seller", "lawyer", "notary", "broker", "other":
		return true
	}
	return false
}

// AddParty adds a party and fires the roster automation hooks in the same
// storage transaction.
func (e Engine) AddParty(ctx context.Context, opts PartyAddOptions) (domain.Party, error) {
	if !validPartyRole(opts.Role) {
		return domain.Party{}, ValidationError{Msg: fmt.Sprintf("role %q is not a party role", opts.Role)}
	}
	if strings.TrimSpace(opts.FullName) == "" {
		return domain.Party{}, ValidationError{Msg: "full_name is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Party{}, err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, opts.TransactionID, opts.ActorID)
	if err != nil {
		return domain.Party{}, err
	}
	party := domain.Party{
		ID:            uuid.New().String(),
		TransactionID: txn.ID,
		Role:          opts.Role,
		FullName:      strings.TrimSpace(opts.FullName),
		Email:         opts.Email,
		CreatedAt:     e.nowStr(),
	}
	if err := e.Repo.InsertParty(ctx, tx, party); err != nil {
		return domain.Party{}, err
	}
	if err := e.Rules.PartyAdded(ctx, tx, txn, party, opts.ActorID); err != nil {
		return domain.Party{}, err
	}
	if err := e.Events.Append(ctx, tx, "party.added", txn.ID, "party", party.ID, opts.ActorID, events.EventPayload{
		"role":      party.Role,
		"full_name": party.FullName,
	}); err != nil {
		return domain.Party{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Party{}, err
	}
	return party, nil
}

// RemoveParty removes a party; the automation hooks archive its rule
// conditions before the row is deleted.
func (e Engine) RemoveParty(ctx context.Context, transactionID, partyID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return err
	}
	party, err := e.Repo.GetParty(ctx, tx, partyID)
	if err != nil {
		return err
	}
	if party.TransactionID != txn.ID {
		return repo.ErrNotFound
	}
	if err := e.Rules.PartyRemoved(ctx, tx, txn, party, actorID); err != nil {
		return err
	}
	if err := e.Repo.DeleteParty(ctx, tx, party.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "party.removed", txn.ID, "party", party.ID, actorID, events.EventPayload{
		"role":      party.Role,
		"full_name": party.FullName,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListParties returns the scoped roster.
func (e Engine) ListParties(ctx context.Context, transactionID, actorID string) ([]domain.Party, error) {
	if _, err := e.loadTransaction(ctx, nil, transactionID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListParties(ctx, nil, transactionID)
}

// IsCompliant reports the aggregate compliance of a transaction's
// rule-created conditions.
func (e Engine) IsCompliant(ctx context.Context, transactionID, actorID string) (bool, error) {
	if _, err := e.loadTransaction(ctx, nil, transactionID, actorID); err != nil {
		return false, err
	}
	return e.Rules.IsCompliant(ctx, nil, transactionID)
}

// MarkIdentityVerified records a completed identity check for a party. It
// attaches the verification result as evidence and then attempts the
// automation resolution path, which stays a no-op when the condition is
// already resolved.
func (e Engine) MarkIdentityVerified(ctx context.Context, transactionID, partyID, method, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return err
	}
	party, err := e.Repo.GetParty(ctx, tx, partyID)
	if err != nil {
		return err
	}
	if party.TransactionID != txn.ID {
		return repo.ErrNotFound
	}
	verification, err := e.Repo.GetIdentityVerification(ctx, tx, txn.ID, party.ID)
	if err != nil {
		return err
	}
	now := e.now()
	verifiedAt := now.UTC().Format(time.RFC3339)
	verification.Status = "verified"
	verification.Method = method
	verification.VerifiedAt = &verifiedAt
	if err := e.Repo.UpsertIdentityVerification(ctx, tx, verification); err != nil {
		return err
	}
	cond, err := e.Repo.FindActiveConditionForParty(ctx, tx, txn.ID, party.ID, rules.KeyIdentityVerification)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return tx.Commit()
		}
		return err
	}
	if cond.Status == "pending" {
		ev := domain.ConditionEvidence{
			ID:          uuid.New().String(),
			ConditionID: cond.ID,
			Kind:        "note",
			Title:       "Identity verified",
			Note:        fmt.Sprintf("Identity verified for %s via %s", party.FullName, method),
			CreatedBy:   actorID,
			CreatedAt:   verifiedAt,
		}
		if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
			return err
		}
		if err := e.Repo.AppendConditionEvent(ctx, tx, cond.ID, "evidence_added", actorID, map[string]any{
			"evidence_id": ev.ID,
			"kind":        ev.Kind,
		}, now); err != nil {
			return err
		}
		if err := e.resolveForParty(ctx, tx, txn, party.ID, actorID); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "identity.verified", txn.ID, "party", party.ID, actorID, events.EventPayload{
		"method": method,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
