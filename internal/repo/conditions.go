package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"closeline/internal/domain"
)

const conditionCols = `id,transaction_id,step_id,party_id,rule_key,title,title_fr,level,status,type,due_date,archived,archived_step,resolution_type,resolution_note,resolved_at,resolved_by,created_at,updated_at`

func validConditionLevel(level string) bool {
	switch level {
	case domain.LevelBlocking, domain.LevelRequired, domain.LevelRecommended:
		return true
	}
	return false
}

func validConditionStatus(status string) bool {
	return status == "pending" || status == "completed"
}

// InsertCondition validates enumerations and stores the row.
func (r Repo) InsertCondition(ctx context.Context, tx *sql.Tx, c domain.Condition) error {
	if !validConditionLevel(c.Level) {
		return fmt.Errorf("condition level %q is not one of blocking, required, recommended", c.Level)
	}
	if !validConditionStatus(c.Status) {
		return fmt.Errorf("condition status %q is not one of pending, completed", c.Status)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO conditions(`+conditionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TransactionID, c.StepID, nullableStringPtr(c.PartyID), nullableStringPtr(c.RuleKey),
		c.Title, nullable(c.TitleFR), c.Level, c.Status, nullable(c.Type), nullableStringPtr(c.DueDate),
		boolInt(c.Archived), nullableStringPtr(c.ArchivedStep), nullableStringPtr(c.ResolutionType),
		nullableStringPtr(c.ResolutionNote), nullableStringPtr(c.ResolvedAt), nullableStringPtr(c.ResolvedBy),
		c.CreatedAt, c.UpdatedAt)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanConditionRow(scan func(dest ...any) error) (domain.Condition, error) {
	var c domain.Condition
	var partyID, ruleKey, titleFR, condType, dueDate, archivedStep, resType, resNote, resolvedAt, resolvedBy sql.NullString
	var archived int
	err := scan(&c.ID, &c.TransactionID, &c.StepID, &partyID, &ruleKey, &c.Title, &titleFR, &c.Level, &c.Status,
		&condType, &dueDate, &archived, &archivedStep, &resType, &resNote, &resolvedAt, &resolvedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.PartyID = strPtr(partyID)
	c.RuleKey = strPtr(ruleKey)
	if titleFR.Valid {
		c.TitleFR = titleFR.String
	}
	if condType.Valid {
		c.Type = condType.String
	}
	c.DueDate = strPtr(dueDate)
	c.Archived = archived != 0
	c.ArchivedStep = strPtr(archivedStep)
	c.ResolutionType = strPtr(resType)
	c.ResolutionNote = strPtr(resNote)
	c.ResolvedAt = strPtr(resolvedAt)
	c.ResolvedBy = strPtr(resolvedBy)
	return c, nil
}

func (r Repo) GetCondition(ctx context.Context, tx *sql.Tx, id string) (domain.Condition, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+conditionCols+` FROM conditions WHERE id=?`, id)
	c, err := scanConditionRow(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// FindActiveConditionForParty is the automation idempotency probe: the
// non-archived condition a rule already materialized for this
// (transaction, party, rule) triple, or ErrNotFound.
func (r Repo) FindActiveConditionForParty(ctx context.Context, tx *sql.Tx, transactionID, partyID, ruleKey string) (domain.Condition, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+conditionCols+` FROM conditions
WHERE transaction_id=? AND party_id=? AND rule_key=? AND archived=0 LIMIT 1`, transactionID, partyID, ruleKey)
	c, err := scanConditionRow(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// FindActiveConditionByTitle locates a non-archived condition by title on a
// step, for user-created duplicates checks.
func (r Repo) FindActiveConditionByTitle(ctx context.Context, tx *sql.Tx, transactionID, title, stepID string) (domain.Condition, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+conditionCols+` FROM conditions
WHERE transaction_id=? AND title=? AND step_id=? AND archived=0 LIMIT 1`, transactionID, title, stepID)
	c, err := scanConditionRow(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

type ConditionFilters struct {
	TransactionID   string
	StepID          string
	Status          string
	RuleKey         string
	IncludeArchived bool
}

func (r Repo) ListConditions(ctx context.Context, tx *sql.Tx, f ConditionFilters) ([]domain.Condition, error) {
	clauses := []string{"transaction_id=?"}
	args := []any{f.TransactionID}
	if f.StepID != "" {
		clauses = append(clauses, "step_id=?")
		args = append(args, f.StepID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RuleKey != "" {
		clauses = append(clauses, "rule_key=?")
		args = append(args, f.RuleKey)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	query := `SELECT ` + conditionCols + ` FROM conditions WHERE ` + joinAnd(clauses) + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Condition
	for rows.Next() {
		c, err := scanConditionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// GroupConditionsByStepOrder returns non-archived conditions keyed by the
// owning step's order; within a step the insertion order is creation time.
func (r Repo) GroupConditionsByStepOrder(ctx context.Context, transactionID string) (map[int][]domain.Condition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.step_order, `+prefixCols("c", conditionCols)+`
FROM conditions c JOIN transaction_steps s ON s.id = c.step_id
WHERE c.transaction_id=? AND c.archived=0
ORDER BY s.step_order ASC, c.created_at ASC, c.id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int][]domain.Condition{}
	for rows.Next() {
		var order int
		c, err := scanConditionRow(func(dest ...any) error {
			return rows.Scan(append([]any{&order}, dest...)...)
		})
		if err != nil {
			return nil, err
		}
		res[order] = append(res[order], c)
	}
	return res, rows.Err()
}

func prefixCols(alias, cols string) string {
	out := ""
	start := 0
	for i := 0; i <= len(cols); i++ {
		if i == len(cols) || cols[i] == ',' {
			if out != "" {
				out += ","
			}
			out += alias + "." + cols[start:i]
			start = i + 1
		}
	}
	return out
}

func (r Repo) UpdateCondition(ctx context.Context, tx *sql.Tx, c domain.Condition) error {
	if !validConditionLevel(c.Level) {
		return fmt.Errorf("condition level %q is not one of blocking, required, recommended", c.Level)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE conditions SET step_id=?, title=?, title_fr=?, level=?, status=?, type=?, due_date=?,
archived=?, archived_step=?, resolution_type=?, resolution_note=?, resolved_at=?, resolved_by=?, updated_at=? WHERE id=?`,
		c.StepID, c.Title, nullable(c.TitleFR), c.Level, c.Status, nullable(c.Type), nullableStringPtr(c.DueDate),
		boolInt(c.Archived), nullableStringPtr(c.ArchivedStep), nullableStringPtr(c.ResolutionType),
		nullableStringPtr(c.ResolutionNote), nullableStringPtr(c.ResolvedAt), nullableStringPtr(c.ResolvedBy),
		c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveCondition soft-deletes: the row stays queryable for history but is
// excluded from every gating query.
func (r Repo) ArchiveCondition(ctx context.Context, tx *sql.Tx, conditionID, atStep, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE conditions SET archived=1, archived_step=?, updated_at=? WHERE id=?`,
		nullable(atStep), now, conditionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteCondition(ctx context.Context, tx *sql.Tx, conditionID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM conditions WHERE id=?`, conditionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- evidence ---

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.ConditionEvidence) error {
	switch ev.Kind {
	case "file", "link", "note":
	default:
		return fmt.Errorf("evidence kind %q is not one of file, link, note", ev.Kind)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO condition_evidence(id,condition_id,kind,title,url,note,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.ConditionID, ev.Kind, nullable(ev.Title), nullable(ev.URL), nullable(ev.Note), ev.CreatedBy, ev.CreatedAt)
	return err
}

func (r Repo) GetEvidence(ctx context.Context, tx *sql.Tx, id string) (domain.ConditionEvidence, error) {
	var ev domain.ConditionEvidence
	var title, url, note sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,condition_id,kind,title,url,note,created_by,created_at FROM condition_evidence WHERE id=?`, id).
		Scan(&ev.ID, &ev.ConditionID, &ev.Kind, &title, &url, &note, &ev.CreatedBy, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if title.Valid {
		ev.Title = title.String
	}
	if url.Valid {
		ev.URL = url.String
	}
	if note.Valid {
		ev.Note = note.String
	}
	return ev, nil
}

func (r Repo) ListEvidence(ctx context.Context, tx *sql.Tx, conditionID string) ([]domain.ConditionEvidence, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,condition_id,kind,title,url,note,created_by,created_at FROM condition_evidence WHERE condition_id=? ORDER BY created_at ASC, id ASC`, conditionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConditionEvidence
	for rows.Next() {
		var ev domain.ConditionEvidence
		var title, url, note sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ConditionID, &ev.Kind, &title, &url, &note, &ev.CreatedBy, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if title.Valid {
			ev.Title = title.String
		}
		if url.Valid {
			ev.URL = url.String
		}
		if note.Valid {
			ev.Note = note.String
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) CountEvidence(ctx context.Context, tx *sql.Tx, conditionID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM condition_evidence WHERE condition_id=?`, conditionID).Scan(&n)
	return n, err
}

func (r Repo) DeleteEvidence(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM condition_evidence WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- condition events (audit trail) ---

// AppendConditionEvent writes one append-only audit row; rows are never
// updated or deleted.
func (r Repo) AppendConditionEvent(ctx context.Context, tx *sql.Tx, conditionID, evtType, actorID string, payload map[string]any, now time.Time) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal condition event payload: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO condition_events(condition_id,type,actor_id,ts,payload_json) VALUES (?,?,?,?,?)`,
		conditionID, evtType, actorID, now.UTC().Format(time.RFC3339), string(data))
	return err
}

func (r Repo) ListConditionEvents(ctx context.Context, conditionID string) ([]domain.ConditionEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,condition_id,type,actor_id,ts,payload_json FROM condition_events WHERE condition_id=? ORDER BY id ASC`, conditionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConditionEvent
	for rows.Next() {
		var e domain.ConditionEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ConditionID, &e.Type, &e.ActorID, &e.TS, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
