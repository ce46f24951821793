package server

import (
	"encoding/json"

	"closeline/internal/domain"
	"closeline/internal/engine"
)

// Request payloads

type CreateTransactionRequest struct {
	ID        *string `json:"id,omitempty"`
	AgencyID  string  `json:"agency_id"`
	Kind      string  `json:"kind" enum:"purchase,sale"`
	Reference *string `json:"reference,omitempty"`
}

type GoToStepRequest struct {
	StepOrder int `json:"step_order" minimum:"1"`
}

type AddPartyRequest struct {
	Role     string  `json:"role" enum:"buyer,seller,lawyer,notary,broker,other"`
	FullName string  `json:"full_name"`
	Email    *string `json:"email,omitempty"`
}

type CreateConditionRequest struct {
	StepID   *string `json:"step_id,omitempty"`
	StepSlug *string `json:"step_slug,omitempty"`
	Title    string  `json:"title"`
	TitleFR  *string `json:"title_fr,omitempty"`
	Level    string  `json:"level,omitempty" enum:"blocking,required,recommended"`
	Type     *string `json:"type,omitempty"`
	DueDate  *string `json:"due_date,omitempty" format:"date-time"`
}

type UpdateConditionRequest struct {
	Title    *string `json:"title,omitempty"`
	TitleFR  *string `json:"title_fr,omitempty"`
	Level    *string `json:"level,omitempty" enum:"blocking,required,recommended"`
	DueDate  *string `json:"due_date,omitempty" format:"date-time"`
	ClearDue bool    `json:"clear_due_date,omitempty"`
}

type ResolveConditionRequest struct {
	ResolutionType      string  `json:"resolution_type" enum:"completed,waived,not_applicable,skipped_with_risk"`
	Note                *string `json:"note,omitempty"`
	EscapedWithoutProof bool    `json:"escaped_without_proof,omitempty"`
	EscapeReason        *string `json:"escape_reason,omitempty"`
}

type AddEvidenceRequest struct {
	Kind  string  `json:"kind" enum:"file,link,note"`
	Title *string `json:"title,omitempty"`
	URL   *string `json:"url,omitempty"`
	Note  *string `json:"note,omitempty"`
}

type SubmitOfferRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

type OfferDecisionRequest struct {
	Status string `json:"status" enum:"accepted,rejected,expired"`
}

type MarkVerifiedRequest struct {
	Method string `json:"method"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type TransactionResponse struct {
	ID            string  `json:"id"`
	AgencyID      string  `json:"agency_id"`
	Kind          string  `json:"kind" enum:"purchase,sale"`
	Status        string  `json:"status" enum:"active,cancelled,archived,completed"`
	Reference     string  `json:"reference,omitempty"`
	CurrentStepID *string `json:"current_step_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type StepResponse struct {
	ID          string  `json:"id"`
	StepOrder   int     `json:"step_order"`
	Slug        string  `json:"slug"`
	Name        string  `json:"name"`
	Status      string  `json:"status" enum:"pending,active,completed,skipped"`
	EnteredAt   *string `json:"entered_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type TransactionDetailResponse struct {
	Transaction TransactionResponse `json:"transaction"`
	Steps       []StepResponse      `json:"steps"`
}

type PartyResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role" enum:"buyer,seller,lawyer,notary,broker,other"`
	FullName  string `json:"full_name"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ConditionResponse struct {
	ID             string  `json:"id"`
	StepID         string  `json:"step_id"`
	PartyID        *string `json:"party_id,omitempty"`
	RuleKey        *string `json:"rule_key,omitempty"`
	Title          string  `json:"title"`
	TitleFR        string  `json:"title_fr,omitempty"`
	Level          string  `json:"level" enum:"blocking,required,recommended"`
	Status         string  `json:"status" enum:"pending,completed"`
	Type           string  `json:"type,omitempty"`
	DueDate        *string `json:"due_date,omitempty" format:"date-time"`
	Archived       bool    `json:"archived"`
	ArchivedStep   *string `json:"archived_step,omitempty"`
	ResolutionType *string `json:"resolution_type,omitempty" enum:"completed,waived,not_applicable,skipped_with_risk"`
	ResolutionNote *string `json:"resolution_note,omitempty"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy     *string `json:"resolved_by,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type EvidenceResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind" enum:"file,link,note"`
	Title     string `json:"title,omitempty"`
	URL       string `json:"url,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ConditionDetailResponse struct {
	Condition ConditionResponse  `json:"condition"`
	Evidence  []EvidenceResponse `json:"evidence"`
}

type ConditionEventResponse struct {
	ID      int64          `json:"id"`
	Type    string         `json:"type"`
	ActorID string         `json:"actor_id"`
	TS      string         `json:"ts" format:"date-time"`
	Payload map[string]any `json:"payload,omitempty"`
}

type StepConditionsResponse struct {
	StepOrder  int                 `json:"step_order"`
	Conditions []ConditionResponse `json:"conditions"`
}

type GateReportResponse struct {
	CanAdvance bool                  `json:"can_advance"`
	OfferGate  bool                  `json:"offer_gate,omitempty"`
	Blocking   []engine.ConditionRef `json:"blocking"`
	Required   []engine.ConditionRef `json:"required"`
}

type ComplianceResponse struct {
	Compliant bool `json:"compliant"`
}

type OfferResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status" enum:"draft,submitted,accepted,rejected,expired"`
	Amount    *int64 `json:"amount,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func transactionResponse(t domain.Transaction) TransactionResponse {
	return TransactionResponse(t)
}

func stepResponse(s domain.TransactionStep) StepResponse {
	return StepResponse{
		ID:          s.ID,
		StepOrder:   s.StepOrder,
		Slug:        s.Slug,
		Name:        s.Name,
		Status:      s.Status,
		EnteredAt:   s.EnteredAt,
		CompletedAt: s.CompletedAt,
	}
}

func partyResponse(p domain.Party) PartyResponse {
	return PartyResponse{
		ID:        p.ID,
		Role:      p.Role,
		FullName:  p.FullName,
		Email:     p.Email,
		CreatedAt: p.CreatedAt,
	}
}

func conditionResponse(c domain.Condition) ConditionResponse {
	return ConditionResponse{
		ID:             c.ID,
		StepID:         c.StepID,
		PartyID:        c.PartyID,
		RuleKey:        c.RuleKey,
		Title:          c.Title,
		TitleFR:        c.TitleFR,
		Level:          c.Level,
		Status:         c.Status,
		Type:           c.Type,
		DueDate:        c.DueDate,
		Archived:       c.Archived,
		ArchivedStep:   c.ArchivedStep,
		ResolutionType: c.ResolutionType,
		ResolutionNote: c.ResolutionNote,
		ResolvedAt:     c.ResolvedAt,
		ResolvedBy:     c.ResolvedBy,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func evidenceResponse(ev domain.ConditionEvidence) EvidenceResponse {
	return EvidenceResponse{
		ID:        ev.ID,
		Kind:      ev.Kind,
		Title:     ev.Title,
		URL:       ev.URL,
		Note:      ev.Note,
		CreatedBy: ev.CreatedBy,
		CreatedAt: ev.CreatedAt,
	}
}

func conditionEventResponse(evt domain.ConditionEvent) ConditionEventResponse {
	return ConditionEventResponse{
		ID:      evt.ID,
		Type:    evt.Type,
		ActorID: evt.ActorID,
		TS:      evt.TS,
		Payload: decodeJSONMap(evt.Payload),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapConditions(items []domain.Condition) []ConditionResponse {
	res := make([]ConditionResponse, 0, len(items))
	for _, c := range items {
		res = append(res, conditionResponse(c))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
