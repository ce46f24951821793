package repo

import (
	"context"
	"database/sql"

	"closeline/internal/domain"
)

func (r Repo) InsertParty(ctx context.Context, tx *sql.Tx, p domain.Party) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO parties(id,transaction_id,role,full_name,email,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.TransactionID, p.Role, p.FullName, nullable(p.Email), p.CreatedAt)
	return err
}

func (r Repo) GetParty(ctx context.Context, tx *sql.Tx, id string) (domain.Party, error) {
	var p domain.Party
	var email sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,transaction_id,role,full_name,email,created_at FROM parties WHERE id=?`, id).
		Scan(&p.ID, &p.TransactionID, &p.Role, &p.FullName, &email, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if email.Valid {
		p.Email = email.String
	}
	return p, nil
}

func (r Repo) ListParties(ctx context.Context, tx *sql.Tx, transactionID string) ([]domain.Party, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,transaction_id,role,full_name,email,created_at FROM parties WHERE transaction_id=? ORDER BY created_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Party
	for rows.Next() {
		var p domain.Party
		var email sql.NullString
		if err := rows.Scan(&p.ID, &p.TransactionID, &p.Role, &p.FullName, &email, &p.CreatedAt); err != nil {
			return nil, err
		}
		if email.Valid {
			p.Email = email.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteParty(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM parties WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- identity verifications (compliance rule private records) ---

func (r Repo) UpsertIdentityVerification(ctx context.Context, tx *sql.Tx, v domain.IdentityVerification) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO identity_verifications(id,transaction_id,party_id,status,method,verified_at,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(transaction_id, party_id) DO UPDATE SET status=excluded.status, method=excluded.method, verified_at=excluded.verified_at`,
		v.ID, v.TransactionID, v.PartyID, v.Status, nullable(v.Method), nullableStringPtr(v.VerifiedAt), v.CreatedAt)
	return err
}

func (r Repo) GetIdentityVerification(ctx context.Context, tx *sql.Tx, transactionID, partyID string) (domain.IdentityVerification, error) {
	var v domain.IdentityVerification
	var method, verifiedAt sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,transaction_id,party_id,status,method,verified_at,created_at FROM identity_verifications WHERE transaction_id=? AND party_id=?`,
		transactionID, partyID).
		Scan(&v.ID, &v.TransactionID, &v.PartyID, &v.Status, &method, &verifiedAt, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if method.Valid {
		v.Method = method.String
	}
	v.VerifiedAt = strPtr(verifiedAt)
	return v, nil
}

func (r Repo) DeleteIdentityVerification(ctx context.Context, tx *sql.Tx, transactionID, partyID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM identity_verifications WHERE transaction_id=? AND party_id=?`, transactionID, partyID)
	return err
}

// --- offers ---

func (r Repo) InsertOffer(ctx context.Context, tx *sql.Tx, o domain.Offer) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO offers(id,transaction_id,status,amount,created_at) VALUES (?,?,?,?,?)`,
		o.ID, o.TransactionID, o.Status, nullableInt64Ptr(o.Amount), o.CreatedAt)
	return err
}

func (r Repo) GetOffer(ctx context.Context, tx *sql.Tx, id string) (domain.Offer, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT id,transaction_id,status,amount,created_at FROM offers WHERE id=?`, id)
	var o domain.Offer
	var amount sql.NullInt64
	err := row.Scan(&o.ID, &o.TransactionID, &o.Status, &amount, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Offer{}, ErrNotFound
	}
	if err != nil {
		return domain.Offer{}, err
	}
	if amount.Valid {
		o.Amount = &amount.Int64
	}
	return o, nil
}

func (r Repo) UpdateOfferStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE offers SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasAcceptedOffer backs the facade's offer gate predicate.
func (r Repo) HasAcceptedOffer(ctx context.Context, tx *sql.Tx, transactionID string) (bool, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM offers WHERE transaction_id=? AND status='accepted' LIMIT 1`, transactionID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
