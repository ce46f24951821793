package domain

// Transaction kinds.
const (
	TxnKindPurchase = "purchase"
	TxnKindSale     = "sale"
)

type Transaction struct {
	ID            string  `json:"id"`
	AgencyID      string  `json:"agency_id"`
	Kind          string  `json:"kind" enum:"purchase,sale"`
	Status        string  `json:"status" enum:"active,cancelled,archived,completed"`
	Reference     string  `json:"reference,omitempty"`
	CurrentStepID *string `json:"current_step_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// TransactionStep instantiates one workflow template step for a transaction.
// Exactly one step is active while the transaction is open.
type TransactionStep struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	StepOrder     int     `json:"step_order"`
	Slug          string  `json:"slug"`
	Name          string  `json:"name"`
	Status        string  `json:"status" enum:"pending,active,completed,skipped"`
	EnteredAt     *string `json:"entered_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// Condition severity levels, ordered blocking > required > recommended.
const (
	LevelBlocking    = "blocking"
	LevelRequired    = "required"
	LevelRecommended = "recommended"
)

// Terminal resolution types.
const (
	ResolutionCompleted     = "completed"
	ResolutionWaived        = "waived"
	ResolutionNotApplicable = "not_applicable"
	ResolutionSkippedRisk   = "skipped_with_risk"
)

type Condition struct {
	ID             string  `json:"id"`
	TransactionID  string  `json:"transaction_id"`
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

type ConditionEvidence struct {
	ID          string `json:"id"`
	ConditionID string `json:"condition_id"`
	Kind        string `json:"kind" enum:"file,link,note"`
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ConditionEvent rows are append-only; they form the audit trail returned
// by history queries and are never mutated or deleted.
type ConditionEvent struct {
	ID          int64  `json:"id"`
	ConditionID string `json:"condition_id"`
	Type        string `json:"type"`
	ActorID     string `json:"actor_id"`
	TS          string `json:"ts" format:"date-time"`
	Payload     string `json:"payload_json,omitempty"`
}

type Party struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Role          string `json:"role" enum:"buyer,seller,lawyer,notary,broker,other"`
	FullName      string `json:"full_name"`
	Email         string `json:"email,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// IdentityVerification is the compliance rule's private record for a party.
// It is deleted outright when the party is removed; the condition it backs
// is only archived.
type IdentityVerification struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	PartyID       string  `json:"party_id"`
	Status        string  `json:"status" enum:"pending,verified,failed"`
	Method        string  `json:"method,omitempty"`
	VerifiedAt    *string `json:"verified_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Offer struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status" enum:"draft,submitted,accepted,rejected,expired"`
	Amount        *int64 `json:"amount,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Agency struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one row of the transaction activity feed.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
