package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"closeline/internal/domain"
	"closeline/internal/events"
	"closeline/internal/repo"
)

// SubmitOffer records a submitted offer on a transaction.
func (e Engine) SubmitOffer(ctx context.Context, transactionID string, amount *int64, actorID string) (domain.Offer, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return domain.Offer{}, err
	}
	offer := domain.Offer{
		ID:            uuid.New().String(),
		TransactionID: txn.ID,
		Status:        "submitted",
		Amount:        amount,
		CreatedAt:     e.nowStr(),
	}
	if err := e.Repo.InsertOffer(ctx, tx, offer); err != nil {
		return domain.Offer{}, err
	}
	if err := e.Events.Append(ctx, tx, "offer.submitted", txn.ID, "offer", offer.ID, actorID, events.EventPayload{
		"amount": amount,
	}); err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	return offer, nil
}

// SetOfferStatus moves an offer to accepted, rejected, or expired. An
// accepted offer satisfies the offer gate on gated steps.
func (e Engine) SetOfferStatus(ctx context.Context, transactionID, offerID, status, actorID string) error {
	switch status {
	case "accepted", "rejected", "expired":
	default:
		return ValidationError{Msg: fmt.Sprintf("status %q is not an offer decision", status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return err
	}
	offer, err := e.Repo.GetOffer(ctx, tx, offerID)
	if err != nil {
		return err
	}
	if offer.TransactionID != txn.ID {
		return repo.ErrNotFound
	}
	if err := e.Repo.UpdateOfferStatus(ctx, tx, offerID, status); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "offer."+status, txn.ID, "offer", offerID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelTransaction marks an active transaction cancelled. Steps and
// conditions are left as they stand for the record.
func (e Engine) CancelTransaction(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	return e.setTransactionStatus(ctx, transactionID, "cancelled", actorID)
}

// ArchiveTransaction moves a completed or cancelled transaction out of the
// working set.
func (e Engine) ArchiveTransaction(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	return e.setTransactionStatus(ctx, transactionID, "archived", actorID)
}

func transactionStatusTransition(old, new string) error {
	switch {
	case old == new:
		return nil
	case old == "active" && new == "cancelled":
		return nil
	case (old == "completed" || old == "cancelled") && new == "archived":
		return nil
	}
	return ValidationError{Msg: fmt.Sprintf("cannot move transaction from %s to %s", old, new)}
}

func (e Engine) setTransactionStatus(ctx context.Context, transactionID, status, actorID string) (domain.Transaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	txn, err := e.loadTransaction(ctx, tx, transactionID, actorID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := transactionStatusTransition(txn.Status, status); err != nil {
		return domain.Transaction{}, err
	}
	txn.Status = status
	txn.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Events.Append(ctx, tx, "transaction."+status, txn.ID, "transaction", txn.ID, actorID, nil); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// ListTransactions lists an agency's transactions for a member.
func (e Engine) ListTransactions(ctx context.Context, agencyID, actorID string) ([]domain.Transaction, error) {
	ok, err := e.Repo.IsAgencyMember(ctx, agencyID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repo.ErrNotFound
	}
	return e.Repo.ListTransactions(ctx, agencyID)
}

// ActivityFeed returns the most recent events for a scoped transaction.
func (e Engine) ActivityFeed(ctx context.Context, transactionID, actorID string, limit int) ([]domain.Event, error) {
	if _, err := e.loadTransaction(ctx, nil, transactionID, actorID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, transactionID, "", "", "")
}
