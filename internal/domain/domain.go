package domain

// Agreement status machine states, in order of normal progression.
const (
	StatusDraft                  = "DRAFT"
	StatusPendingSignature       = "PENDING_SIGNATURE"
	StatusPendingPayment         = "PENDING_PAYMENT"
	StatusPendingTodosCompletion = "PENDING_TODOS_COMPLETION"
	StatusPendingStrategy        = "PENDING_STRATEGY"
	StatusPendingStrategyReview  = "PENDING_STRATEGY_REVIEW"
	StatusCompleted              = "COMPLETED"
	StatusCancelled              = "CANCELLED"
)

// Document types.
const (
	DocTypeStrategy = "STRATEGY"
	DocTypeContract = "CONTRACT"
	DocTypeUpload   = "UPLOAD"
)

// Document signature statuses.
const (
	SigNotSent  = "NOT_SENT"
	SigSent     = "SENT"
	SigSigned   = "SIGNED"
	SigDeclined = "DECLINED"
	SigExpired  = "EXPIRED"
)

// Strategy document acceptance statuses.
const (
	AcceptRequestCompliance  = "REQUEST_COMPLIANCE_ACCEPTANCE"
	AcceptByCompliance       = "ACCEPTED_BY_COMPLIANCE"
	AcceptRequestClient      = "REQUEST_CLIENT_ACCEPTANCE"
	AcceptByClient           = "ACCEPTED_BY_CLIENT"
	AcceptRejectedCompliance = "REJECTED_BY_COMPLIANCE"
	AcceptRejectedClient     = "REJECTED_BY_CLIENT"
)

// Charge statuses.
const (
	ChargePending   = "pending"
	ChargePaid      = "paid"
	ChargeFailed    = "failed"
	ChargeCancelled = "cancelled"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

type Agreement struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	StrategistID string `json:"strategist_id"`
	Status       string `json:"status" enum:"DRAFT,PENDING_SIGNATURE,PENDING_PAYMENT,PENDING_TODOS_COMPLETION,PENDING_STRATEGY,PENDING_STRATEGY_REVIEW,COMPLETED,CANCELLED"`
	// Version guards read-modify-write updates; every successful update
	// increments it and writers must supply the version they read.
	Version     int    `json:"version"`
	Description string `json:"description,omitempty"`
	// EnvelopeID is the structured home for the e-signature correlation id.
	// Legacy rows may carry it only inside a metadata block in Description.
	EnvelopeID         *string `json:"envelope_id,omitempty"`
	ReviewJSON         *string `json:"review_json,omitempty"`
	StrategyDocumentID *string `json:"strategy_document_id,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
	CancelledAt        *string `json:"cancelled_at,omitempty" format:"date-time"`
}

type Document struct {
	ID              string `json:"id"`
	AgreementID     string `json:"agreement_id"`
	Type            string `json:"type" enum:"STRATEGY,CONTRACT,UPLOAD"`
	Name            string `json:"name"`
	SignatureStatus string `json:"signature_status" enum:"NOT_SENT,SENT,SIGNED,DECLINED,EXPIRED"`
	// AcceptanceStatus is only meaningful for STRATEGY documents.
	AcceptanceStatus *string `json:"acceptance_status,omitempty"`
	// Accepted records the strategist's explicit review of an UPLOAD.
	Accepted  bool    `json:"accepted"`
	FileID    *string `json:"file_id,omitempty"`
	SignedAt  *string `json:"signed_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type TodoList struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	Title       string `json:"title"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	Todos       []Todo `json:"todos,omitempty"`
}

type Todo struct {
	ID          string  `json:"id"`
	ListID      string  `json:"list_id"`
	Label       string  `json:"label"`
	Status      string  `json:"status" enum:"pending,in_progress,completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Charge is a payment-processor record. It is correlated to an Agreement by
// external id, never by a foreign key the processor knows about.
type Charge struct {
	ID          string  `json:"id"`
	AgreementID *string `json:"agreement_id,omitempty"`
	ExternalID  string  `json:"external_id"`
	AmountCents int64   `json:"amount_cents"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status" enum:"pending,paid,failed,cancelled"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// ExternalRef maps a provider-issued id (envelope, checkout) to an Agreement.
// Populated at issuance time so webhook correlation never needs a table scan.
type ExternalRef struct {
	ExternalID  string `json:"external_id"`
	Kind        string `json:"kind" enum:"envelope,checkout"`
	AgreementID string `json:"agreement_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// WebhookDelivery records every received webhook for manual reconciliation.
type WebhookDelivery struct {
	ID          int64   `json:"id"`
	Provider    string  `json:"provider"`
	EventID     string  `json:"event_id,omitempty"`
	EventType   string  `json:"event_type"`
	ExternalID  string  `json:"external_id,omitempty"`
	AgreementID *string `json:"agreement_id,omitempty"`
	OutcomeJSON string  `json:"outcome_json,omitempty"`
	ReceivedAt  string  `json:"received_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	AgreementID string `json:"agreement_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

var statusRank = map[string]int{
	StatusDraft:                  0,
	StatusPendingSignature:       1,
	StatusPendingPayment:         2,
	StatusPendingTodosCompletion: 3,
	StatusPendingStrategy:        4,
	StatusPendingStrategyReview:  5,
	StatusCompleted:              6,
}

// StatusAtLeast reports whether status has reached target along the normal
// progression. CANCELLED sits outside the order and is never "at least" anything.
func StatusAtLeast(status, target string) bool {
	s, ok := statusRank[status]
	if !ok {
		return false
	}
	t, ok := statusRank[target]
	if !ok {
		return false
	}
	return s >= t
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}
