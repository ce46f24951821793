package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"closeline/internal/config"
	"closeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// --- agencies ---

func (r Repo) InsertAgency(ctx context.Context, tx *sql.Tx, a domain.Agency) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agencies(id,name,created_at) VALUES (?,?,?)`,
		a.ID, a.Name, a.CreatedAt)
	return err
}

func (r Repo) GetAgency(ctx context.Context, id string) (domain.Agency, error) {
	var a domain.Agency
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM agencies WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// SingleAgency returns the only agency in the database, or ErrNotFound when
// there are zero or several.
func (r Repo) SingleAgency(ctx context.Context) (domain.Agency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM agencies LIMIT 2`)
	if err != nil {
		return domain.Agency{}, err
	}
	defer rows.Close()
	var found []domain.Agency
	for rows.Next() {
		var a domain.Agency
		if err := rows.Scan(&a.ID, &a.Name, &a.CreatedAt); err != nil {
			return domain.Agency{}, err
		}
		found = append(found, a)
	}
	if err := rows.Err(); err != nil {
		return domain.Agency{}, err
	}
	if len(found) != 1 {
		return domain.Agency{}, ErrNotFound
	}
	return found[0], nil
}

func (r Repo) EnsureAgency(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	if name == "" {
		name = id
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO agencies(id,name,created_at) VALUES (?,?,?)`, id, name, now)
	return err
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AddAgencyMember(ctx context.Context, tx *sql.Tx, agencyID, actorID, role, now string) error {
	if role == "" {
		role = "agent"
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO agency_members(agency_id,actor_id,role,created_at) VALUES (?,?,?,?)`,
		agencyID, actorID, role, now)
	return err
}

// IsAgencyMember is the tenant-scope check: whether the actor may touch
// resources of the agency at all.
func (r Repo) IsAgencyMember(ctx context.Context, agencyID, actorID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM agency_members WHERE agency_id=? AND actor_id=? LIMIT 1`, agencyID, actorID)
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

// --- agency config ---

func (r Repo) UpsertAgencyConfig(ctx context.Context, agencyID string, cfg *config.Config) error {
	return r.upsertAgencyConfig(ctx, nil, agencyID, cfg)
}

func (r Repo) UpsertAgencyConfigTx(ctx context.Context, tx *sql.Tx, agencyID string, cfg *config.Config) error {
	return r.upsertAgencyConfig(ctx, tx, agencyID, cfg)
}

func (r Repo) upsertAgencyConfig(ctx context.Context, tx *sql.Tx, agencyID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Agency.ID = agencyID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agency_configs(agency_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(agency_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, agencyID, string(payload), now, now)
	return err
}

func (r Repo) GetAgencyConfig(ctx context.Context, agencyID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM agency_configs WHERE agency_id=?`, agencyID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Agency.ID == "" {
		cfg.Agency.ID = agencyID
	}
	return &cfg, cfg.Validate()
}

// --- transactions ---

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO transactions(id,agency_id,kind,status,reference,current_step_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.AgencyID, t.Kind, t.Status, nullable(t.Reference), nullableStringPtr(t.CurrentStepID), t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTransaction(row *sql.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var reference, currentStep sql.NullString
	err := row.Scan(&t.ID, &t.AgencyID, &t.Kind, &t.Status, &reference, &currentStep, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if reference.Valid {
		t.Reference = reference.String
	}
	t.CurrentStepID = strPtr(currentStep)
	return t, nil
}

const transactionCols = `id,agency_id,kind,status,reference,current_step_id,created_at,updated_at`

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return scanTransaction(r.DB.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id=?`, id))
}

func (r Repo) GetTransactionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Transaction, error) {
	return scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id=?`, id))
}

func (r Repo) ListTransactions(ctx context.Context, agencyID string) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE agency_id=? ORDER BY created_at DESC, id DESC`, agencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var reference, currentStep sql.NullString
		if err := rows.Scan(&t.ID, &t.AgencyID, &t.Kind, &t.Status, &reference, &currentStep, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if reference.Valid {
			t.Reference = reference.String
		}
		t.CurrentStepID = strPtr(currentStep)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE transactions SET status=?, reference=?, current_step_id=?, updated_at=? WHERE id=?`,
		t.Status, nullable(t.Reference), nullableStringPtr(t.CurrentStepID), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- transaction steps ---

const stepCols = `id,transaction_id,step_order,slug,name,status,entered_at,completed_at`

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.TransactionStep) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO transaction_steps(id,transaction_id,step_order,slug,name,status,entered_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.TransactionID, s.StepOrder, s.Slug, s.Name, s.Status, nullableStringPtr(s.EnteredAt), nullableStringPtr(s.CompletedAt))
	return err
}

func scanStep(row *sql.Row) (domain.TransactionStep, error) {
	var s domain.TransactionStep
	var entered, completed sql.NullString
	err := row.Scan(&s.ID, &s.TransactionID, &s.StepOrder, &s.Slug, &s.Name, &s.Status, &entered, &completed)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.EnteredAt = strPtr(entered)
	s.CompletedAt = strPtr(completed)
	return s, nil
}

func (r Repo) GetStep(ctx context.Context, tx *sql.Tx, id string) (domain.TransactionStep, error) {
	return scanStep(r.q(tx).QueryRowContext(ctx, `SELECT `+stepCols+` FROM transaction_steps WHERE id=?`, id))
}

func (r Repo) GetStepByOrder(ctx context.Context, tx *sql.Tx, transactionID string, order int) (domain.TransactionStep, error) {
	return scanStep(r.q(tx).QueryRowContext(ctx, `SELECT `+stepCols+` FROM transaction_steps WHERE transaction_id=? AND step_order=?`, transactionID, order))
}

func (r Repo) GetStepBySlug(ctx context.Context, tx *sql.Tx, transactionID, slug string) (domain.TransactionStep, error) {
	return scanStep(r.q(tx).QueryRowContext(ctx, `SELECT `+stepCols+` FROM transaction_steps WHERE transaction_id=? AND slug=?`, transactionID, slug))
}

func (r Repo) ListSteps(ctx context.Context, tx *sql.Tx, transactionID string) ([]domain.TransactionStep, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+stepCols+` FROM transaction_steps WHERE transaction_id=? ORDER BY step_order ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransactionStep
	for rows.Next() {
		var s domain.TransactionStep
		var entered, completed sql.NullString
		if err := rows.Scan(&s.ID, &s.TransactionID, &s.StepOrder, &s.Slug, &s.Name, &s.Status, &entered, &completed); err != nil {
			return nil, err
		}
		s.EnteredAt = strPtr(entered)
		s.CompletedAt = strPtr(completed)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStepStatus(ctx context.Context, tx *sql.Tx, s domain.TransactionStep) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE transaction_steps SET status=?, entered_at=?, completed_at=? WHERE id=?`,
		s.Status, nullableStringPtr(s.EnteredAt), nullableStringPtr(s.CompletedAt), s.ID)
	return err
}

// --- activity feed ---

func (r Repo) LatestEvents(ctx context.Context, limit int, transactionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if transactionID != "" {
		clauses = append(clauses, "transaction_id=?")
		args = append(args, transactionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,transaction_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` + joinAnd(clauses) + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, transactionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if transactionID != "" {
		clauses = append(clauses, "transaction_id=?")
		args = append(args, transactionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,transaction_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` + joinAnd(clauses) + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// LatestEventID returns the most recent activity event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) scanEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var txnID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &txnID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if txnID.Valid {
			e.TransactionID = txnID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
