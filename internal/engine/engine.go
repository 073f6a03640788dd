// Package engine owns the agreement lifecycle: every status transition goes
// through one of its operations, inside a transaction, with an audit event.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taxline/internal/config"
	"taxline/internal/domain"
	"taxline/internal/events"
	"taxline/internal/metadata"
	"taxline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// GuardError reports a refused transition and the precondition that failed.
// The refused operation is a no-op; callers decide whether to retry or
// surface the condition.
type GuardError struct {
	From  string
	To    string
	Guard string
}

func (g GuardError) Error() string {
	if g.Guard != "" {
		return fmt.Sprintf("agreement cannot move from %s to %s: %s", g.From, g.To, g.Guard)
	}
	return fmt.Sprintf("agreement cannot move from %s to %s", g.From, g.To)
}

func ensureAgreementTransition(from, to string) error {
	if to == domain.StatusCancelled {
		if domain.Terminal(from) {
			return GuardError{From: from, To: to, Guard: "agreement is already terminal"}
		}
		return nil
	}
	ok := false
	switch from {
	case domain.StatusDraft:
		ok = to == domain.StatusPendingSignature
	case domain.StatusPendingSignature:
		ok = to == domain.StatusPendingPayment
	case domain.StatusPendingPayment:
		ok = to == domain.StatusPendingTodosCompletion
	case domain.StatusPendingTodosCompletion:
		ok = to == domain.StatusPendingStrategy
	case domain.StatusPendingStrategy:
		ok = to == domain.StatusPendingStrategyReview
	case domain.StatusPendingStrategyReview:
		ok = to == domain.StatusCompleted || to == domain.StatusPendingStrategy
	}
	if !ok {
		return GuardError{From: from, To: to}
	}
	return nil
}

type CreateAgreementInput struct {
	ClientID     string
	StrategistID string
	Description  string
	ContractName string
	TodoLabels   []string
	ActorID      string
}

// CreateAgreement opens a new DRAFT agreement with its engagement contract
// document and the default onboarding todo list.
func (e Engine) CreateAgreement(ctx context.Context, in CreateAgreementInput) (domain.Agreement, error) {
	var a domain.Agreement
	if in.ClientID == "" {
		return a, fmt.Errorf("client id is required")
	}
	if in.StrategistID == "" {
		return a, fmt.Errorf("strategist id is required")
	}
	labels := in.TodoLabels
	if len(labels) == 0 && e.Config != nil {
		labels = e.Config.Todos.Defaults
	}
	contractName := in.ContractName
	if contractName == "" {
		contractName = "engagement agreement"
	}
	now := e.now()
	a = domain.Agreement{
		ID:           uuid.NewString(),
		ClientID:     in.ClientID,
		StrategistID: in.StrategistID,
		Status:       domain.StatusDraft,
		Version:      1,
		Description:  in.Description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	doc := domain.Document{
		ID:              uuid.NewString(),
		AgreementID:     a.ID,
		Type:            domain.DocTypeContract,
		Name:            contractName,
		SignatureStatus: domain.SigNotSent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return a, err
	}
	if len(labels) > 0 {
		list := domain.TodoList{
			ID:          uuid.NewString(),
			AgreementID: a.ID,
			Title:       "onboarding",
			CreatedAt:   now,
		}
		if err := e.Repo.InsertTodoList(ctx, tx, list); err != nil {
			return a, err
		}
		for _, label := range labels {
			todo := domain.Todo{
				ID:     uuid.NewString(),
				ListID: list.ID,
				Label:  label,
				Status: domain.TodoPending,
			}
			if err := e.Repo.InsertTodo(ctx, tx, todo); err != nil {
				return a, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "agreement.created", a.ID, "agreement", a.ID, in.ActorID, events.EventPayload{
		"client_id":     a.ClientID,
		"strategist_id": a.StrategistID,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// SendEnvelope records the e-signature envelope issued for the engagement
// contract and moves the agreement to PENDING_SIGNATURE. The envelope id is
// written three ways: the structured column, the external-id index, and the
// legacy metadata block still read by older tooling.
func (e Engine) SendEnvelope(ctx context.Context, agreementID, envelopeID, actorID string) (domain.Agreement, error) {
	var a domain.Agreement
	if envelopeID == "" {
		return a, fmt.Errorf("envelope id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	a, err = e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return a, err
	}
	if err := ensureAgreementTransition(a.Status, domain.StatusPendingSignature); err != nil {
		return a, err
	}
	now := e.now()
	meta := metadata.DecodeSignature(a.Description)
	if meta == nil {
		meta = &metadata.SignatureMeta{}
	}
	meta.EnvelopeID = envelopeID
	meta.SentAt = now
	desc, err := metadata.Encode(metadata.TagSignature, meta, a.Description)
	if err != nil {
		return a, err
	}
	a.Status = domain.StatusPendingSignature
	a.EnvelopeID = &envelopeID
	a.Description = desc
	a.UpdatedAt = now
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.InsertExternalRef(ctx, tx, domain.ExternalRef{
		ExternalID:  envelopeID,
		Kind:        "envelope",
		AgreementID: a.ID,
		CreatedAt:   now,
	}); err != nil {
		return a, err
	}
	if doc, derr := e.contractDocumentTx(ctx, tx, a.ID); derr == nil {
		doc.SignatureStatus = domain.SigSent
		doc.UpdatedAt = now
		if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, "agreement.envelope_sent", a.ID, "agreement", a.ID, actorID, events.EventPayload{
		"envelope_id": envelopeID,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version++
	return a, nil
}

// CreateCheckout records a payment checkout issued for the agreement. The
// charge stays pending until the payment provider reports an outcome.
func (e Engine) CreateCheckout(ctx context.Context, agreementID, checkoutID string, amountCents int64, currency, actorID string) (domain.Charge, error) {
	var c domain.Charge
	if checkoutID == "" {
		return c, fmt.Errorf("checkout id is required")
	}
	if amountCents <= 0 {
		return c, fmt.Errorf("amount must be positive")
	}
	if currency == "" {
		currency = "usd"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return c, err
	}
	if domain.Terminal(a.Status) {
		return c, GuardError{From: a.Status, To: a.Status, Guard: "agreement is terminal"}
	}
	now := e.now()
	c = domain.Charge{
		ID:          uuid.NewString(),
		AgreementID: &a.ID,
		ExternalID:  checkoutID,
		AmountCents: amountCents,
		Currency:    currency,
		Status:      domain.ChargePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertCharge(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Repo.InsertExternalRef(ctx, tx, domain.ExternalRef{
		ExternalID:  checkoutID,
		Kind:        "checkout",
		AgreementID: a.ID,
		CreatedAt:   now,
	}); err != nil {
		return c, err
	}
	meta := metadata.DecodeSignature(a.Description)
	if meta == nil {
		meta = &metadata.SignatureMeta{}
	}
	meta.CheckoutID = checkoutID
	desc, err := metadata.Encode(metadata.TagSignature, meta, a.Description)
	if err != nil {
		return c, err
	}
	a.Description = desc
	a.UpdatedAt = now
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "charge.created", a.ID, "charge", c.ID, actorID, events.EventPayload{
		"external_id":  checkoutID,
		"amount_cents": amountCents,
		"currency":     currency,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// MarkSigned advances PENDING_SIGNATURE to PENDING_PAYMENT once the sole
// recipient has completed signing.
func (e Engine) MarkSigned(ctx context.Context, agreementID, actorID string) (domain.Agreement, error) {
	return e.transition(ctx, agreementID, domain.StatusPendingPayment, "agreement.signed", actorID, nil)
}

// MarkDocumentSigned flips the engagement contract to SIGNED. Returns false
// without error when the contract was already signed.
func (e Engine) MarkDocumentSigned(ctx context.Context, agreementID, signedAt, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	doc, err := e.contractDocumentTx(ctx, tx, agreementID)
	if err != nil {
		return false, err
	}
	if doc.SignatureStatus == domain.SigSigned {
		return false, nil
	}
	now := e.now()
	if signedAt == "" {
		signedAt = now
	}
	doc.SignatureStatus = domain.SigSigned
	doc.SignedAt = &signedAt
	doc.UpdatedAt = now
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "document.signed", agreementID, "document", doc.ID, actorID, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// SetChargeStatus records a payment outcome by external id. Returns false
// when the charge already carried the status (duplicate delivery). A paid
// charge is terminal: a stale failure or expiry arriving after the success
// must not demote it.
func (e Engine) SetChargeStatus(ctx context.Context, externalID, status, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetChargeByExternalID(ctx, externalID)
	if err != nil {
		return false, err
	}
	if c.Status == domain.ChargePaid && status != domain.ChargePaid {
		return false, nil
	}
	n, err := e.Repo.SetChargeStatus(ctx, tx, externalID, status, e.now())
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	agreementID := ""
	if c.AgreementID != nil {
		agreementID = *c.AgreementID
	}
	if err := e.Events.Append(ctx, tx, "charge."+status, agreementID, "charge", c.ID, actorID, events.EventPayload{
		"external_id": externalID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkPaid advances PENDING_PAYMENT to PENDING_TODOS_COMPLETION. Guarded on
// a paid charge actually existing for the agreement.
func (e Engine) MarkPaid(ctx context.Context, agreementID, actorID string) (domain.Agreement, error) {
	return e.transition(ctx, agreementID, domain.StatusPendingTodosCompletion, "agreement.paid", actorID,
		func(ctx context.Context, a domain.Agreement) error {
			charges, err := e.Repo.ListAgreementCharges(ctx, a.ID)
			if err != nil {
				return err
			}
			for _, c := range charges {
				if c.Status == domain.ChargePaid {
					return nil
				}
			}
			return GuardError{From: a.Status, To: domain.StatusPendingTodosCompletion, Guard: "no paid charge on record"}
		})
}

// CompleteTodo marks a single todo completed by id.
func (e Engine) CompleteTodo(ctx context.Context, todoID, actorID string) (domain.Todo, error) {
	t, err := e.Repo.GetTodo(ctx, todoID)
	if err != nil {
		return t, err
	}
	if t.Status == domain.TodoCompleted {
		return t, nil
	}
	var agreementID string
	if err := e.DB.QueryRowContext(ctx, `SELECT agreement_id FROM todo_lists WHERE id=?`, t.ListID).Scan(&agreementID); err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	now := e.now()
	if err := e.Repo.UpdateTodoStatus(ctx, tx, t.ID, domain.TodoCompleted, &now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "todo.completed", agreementID, "todo", t.ID, actorID, events.EventPayload{
		"label": t.Label,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TodoCompleted
	t.CompletedAt = &now
	return t, nil
}

// CompleteTodoByLabel marks the named todo completed across the agreement's
// lists. Returns false when no todo changed state, so a duplicate payment
// delivery completing "pay" twice is a visible no-op.
func (e Engine) CompleteTodoByLabel(ctx context.Context, agreementID, label, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	n, err := e.Repo.CompleteTodoByLabel(ctx, tx, agreementID, label, e.now())
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := e.Events.Append(ctx, tx, "todo.completed", agreementID, "todo", "", actorID, events.EventPayload{
		"label": label,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// AcceptUpload records the strategist's explicit acceptance of an uploaded
// document.
func (e Engine) AcceptUpload(ctx context.Context, documentID, actorID string) (domain.Document, error) {
	doc, err := e.Repo.GetDocument(ctx, documentID)
	if err != nil {
		return doc, err
	}
	if doc.Type != domain.DocTypeUpload {
		return doc, fmt.Errorf("document %s is not an upload", documentID)
	}
	if doc.Accepted {
		return doc, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return doc, err
	}
	defer tx.Rollback()
	doc.Accepted = true
	doc.UpdatedAt = e.now()
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return doc, err
	}
	if err := e.Events.Append(ctx, tx, "document.accepted", doc.AgreementID, "document", doc.ID, actorID, nil); err != nil {
		return doc, err
	}
	if err := tx.Commit(); err != nil {
		return doc, err
	}
	return doc, nil
}

// AdvanceTodos moves PENDING_TODOS_COMPLETION to PENDING_STRATEGY once every
// todo is completed and every upload was accepted.
func (e Engine) AdvanceTodos(ctx context.Context, agreementID, actorID string) (domain.Agreement, error) {
	return e.transition(ctx, agreementID, domain.StatusPendingStrategy, "agreement.todos_done", actorID,
		func(ctx context.Context, a domain.Agreement) error {
			done, err := e.Repo.AllTodosCompleted(ctx, a.ID)
			if err != nil {
				return err
			}
			if !done {
				return GuardError{From: a.Status, To: domain.StatusPendingStrategy, Guard: "open todos remain"}
			}
			docs, err := e.Repo.ListAgreementDocuments(ctx, a.ID)
			if err != nil {
				return err
			}
			for _, d := range docs {
				if d.Type == domain.DocTypeUpload && !d.Accepted {
					return GuardError{From: a.Status, To: domain.StatusPendingStrategy, Guard: "unaccepted uploads remain"}
				}
			}
			return nil
		})
}

// RecordDocumentFile attaches a stored file version to a document.
func (e Engine) RecordDocumentFile(ctx context.Context, documentID, fileID, actorID string) error {
	doc, err := e.Repo.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.FileID != nil && *doc.FileID == fileID {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	doc.FileID = &fileID
	doc.UpdatedAt = e.now()
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "document.file_attached", doc.AgreementID, "document", doc.ID, actorID, events.EventPayload{
		"file_id": fileID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel moves any non-terminal agreement to CANCELLED. Irreversible.
func (e Engine) Cancel(ctx context.Context, agreementID, actorID string) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return a, err
	}
	if err := ensureAgreementTransition(a.Status, domain.StatusCancelled); err != nil {
		return a, err
	}
	now := e.now()
	a.Status = domain.StatusCancelled
	a.CancelledAt = &now
	a.UpdatedAt = now
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agreement.cancelled", a.ID, "agreement", a.ID, actorID, nil); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version++
	return a, nil
}

// transition is the shared read-guard-write path for pure status moves. The
// extra guard, when present, runs after the structural transition check.
func (e Engine) transition(ctx context.Context, agreementID, to, evtType, actorID string, guard func(context.Context, domain.Agreement) error) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return a, err
	}
	if err := ensureAgreementTransition(a.Status, to); err != nil {
		return a, err
	}
	if guard != nil {
		if err := guard(ctx, a); err != nil {
			return a, err
		}
	}
	from := a.Status
	a.Status = to
	a.UpdatedAt = e.now()
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, evtType, a.ID, "agreement", a.ID, actorID, events.EventPayload{
		"from": from,
		"to":   to,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version++
	return a, nil
}

// ContractDocument returns the agreement's engagement contract.
func (e Engine) ContractDocument(ctx context.Context, agreementID string) (domain.Document, error) {
	docs, err := e.Repo.ListAgreementDocuments(ctx, agreementID)
	if err != nil {
		return domain.Document{}, err
	}
	for _, d := range docs {
		if d.Type == domain.DocTypeContract {
			return d, nil
		}
	}
	return domain.Document{}, repo.ErrNotFound
}

// SetContractSignature records a non-signed terminal signature outcome on
// the engagement contract (declined, expired). Returns false when the
// contract already carried the status.
func (e Engine) SetContractSignature(ctx context.Context, agreementID, status, actorID string) (bool, error) {
	doc, err := e.ContractDocument(ctx, agreementID)
	if err != nil {
		return false, err
	}
	if doc.SignatureStatus == status {
		return false, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	doc.SignatureStatus = status
	doc.UpdatedAt = e.now()
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "document.signature_"+strings.ToLower(status), agreementID, "document", doc.ID, actorID, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) contractDocumentTx(ctx context.Context, tx *sql.Tx, agreementID string) (domain.Document, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM documents WHERE agreement_id=? AND type=? ORDER BY created_at ASC LIMIT 1`,
		agreementID, domain.DocTypeContract)
	if err != nil {
		return domain.Document{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return domain.Document{}, repo.ErrNotFound
	}
	var id string
	if err := rows.Scan(&id); err != nil {
		return domain.Document{}, err
	}
	rows.Close()
	return e.Repo.GetDocumentTx(ctx, tx, id)
}
