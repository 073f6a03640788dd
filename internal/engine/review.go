package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taxline/internal/domain"
	"taxline/internal/events"
	"taxline/internal/metadata"
	"taxline/internal/repo"
)

// Review phases derived from the strategy document's acceptance status.
const (
	PhaseNotCreated         = "not_created"
	PhaseComplianceReview   = "compliance_review"
	PhaseComplianceRejected = "compliance_rejected"
	PhaseClientReview       = "client_review"
	PhaseClientDeclined     = "client_declined"
	PhaseCompleted          = "completed"
)

// Review rejection actors.
const (
	ReviewerCompliance = "compliance"
	ReviewerClient     = "client"
)

// ReviewPhase derives the review phase from an acceptance status. The
// intermediate ACCEPTED_BY_COMPLIANCE state counts as client review; it only
// exists when a crash interrupted the two-step compliance approval.
func ReviewPhase(acceptance string) string {
	switch acceptance {
	case domain.AcceptRequestCompliance:
		return PhaseComplianceReview
	case domain.AcceptRejectedCompliance:
		return PhaseComplianceRejected
	case domain.AcceptByCompliance, domain.AcceptRequestClient:
		return PhaseClientReview
	case domain.AcceptRejectedClient:
		return PhaseClientDeclined
	case domain.AcceptByClient:
		return PhaseCompleted
	}
	return PhaseNotCreated
}

func IsComplete(acceptance string) bool {
	return ReviewPhase(acceptance) == PhaseCompleted
}

func ComplianceApproved(acceptance string) bool {
	switch acceptance {
	case domain.AcceptByCompliance, domain.AcceptRequestClient, domain.AcceptByClient:
		return true
	}
	return false
}

func ClientApproved(acceptance string) bool {
	return acceptance == domain.AcceptByClient
}

// StrategyDocument resolves the agreement's strategy document: the dedicated
// pointer when set, otherwise the most recent document matching by type or by
// the configured name hint. Finding a document stuck in the intermediate
// ACCEPTED_BY_COMPLIANCE state completes the interrupted approval before
// returning.
func (e Engine) StrategyDocument(ctx context.Context, a domain.Agreement) (domain.Document, error) {
	doc, err := e.findStrategyDocument(ctx, a)
	if err != nil {
		return doc, err
	}
	if doc.AcceptanceStatus != nil && *doc.AcceptanceStatus == domain.AcceptByCompliance {
		return e.repairComplianceApproval(ctx, a.ID, doc)
	}
	return doc, nil
}

func (e Engine) findStrategyDocument(ctx context.Context, a domain.Agreement) (domain.Document, error) {
	if a.StrategyDocumentID != nil {
		return e.Repo.GetDocument(ctx, *a.StrategyDocumentID)
	}
	docs, err := e.Repo.ListAgreementDocuments(ctx, a.ID)
	if err != nil {
		return domain.Document{}, err
	}
	hint := "strategy"
	if e.Config != nil && e.Config.Review.StrategyNameHint != "" {
		hint = e.Config.Review.StrategyNameHint
	}
	var best domain.Document
	found := false
	for _, d := range docs {
		if d.Type != domain.DocTypeStrategy && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(hint)) {
			continue
		}
		if !found || d.CreatedAt > best.CreatedAt {
			best = d
			found = true
		}
	}
	if !found {
		return domain.Document{}, repo.ErrNotFound
	}
	return best, nil
}

func (e Engine) repairComplianceApproval(ctx context.Context, agreementID string, doc domain.Document) (domain.Document, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return doc, err
	}
	defer tx.Rollback()
	status := domain.AcceptRequestClient
	doc.AcceptanceStatus = &status
	doc.UpdatedAt = e.now()
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return doc, err
	}
	if err := e.Events.Append(ctx, tx, "strategy.review_repaired", agreementID, "document", doc.ID, "", events.EventPayload{
		"acceptance_status": status,
	}); err != nil {
		return doc, err
	}
	if err := tx.Commit(); err != nil {
		return doc, err
	}
	e.Log.Warn().Str("agreement_id", agreementID).Str("document_id", doc.ID).
		Msg("completed interrupted compliance approval")
	return doc, nil
}

// AttachStrategyDocument creates the strategy document, requests compliance
// acceptance, and moves the agreement to PENDING_STRATEGY_REVIEW. The
// document pointer and the review metadata are written in the same
// transaction as the status change.
func (e Engine) AttachStrategyDocument(ctx context.Context, agreementID, name, actorID string) (domain.Document, error) {
	var doc domain.Document
	if name == "" {
		name = "tax strategy"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return doc, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return doc, err
	}
	if err := ensureAgreementTransition(a.Status, domain.StatusPendingStrategyReview); err != nil {
		return doc, err
	}
	now := e.now()
	acceptance := domain.AcceptRequestCompliance
	doc = domain.Document{
		ID:               uuid.NewString(),
		AgreementID:      a.ID,
		Type:             domain.DocTypeStrategy,
		Name:             name,
		SignatureStatus:  domain.SigNotSent,
		AcceptanceStatus: &acceptance,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return doc, err
	}
	a.Status = domain.StatusPendingStrategyReview
	a.StrategyDocumentID = &doc.ID
	a.UpdatedAt = now
	if err := setReviewMeta(&a, metadata.StrategyMeta{SentAt: now}); err != nil {
		return doc, err
	}
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return doc, err
	}
	if err := e.Events.Append(ctx, tx, "strategy.attached", a.ID, "document", doc.ID, actorID, events.EventPayload{
		"name": name,
	}); err != nil {
		return doc, err
	}
	if err := tx.Commit(); err != nil {
		return doc, err
	}
	return doc, nil
}

// ApproveCompliance records the compliance approval and immediately requests
// client acceptance. Both sub-writes happen in one transaction; an
// interrupted run that persisted only the first write is finished by
// StrategyDocument on the next read.
func (e Engine) ApproveCompliance(ctx context.Context, agreementID, actorID string) (domain.Document, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Document{}, err
	}
	doc, err := e.findStrategyDocument(ctx, a)
	if err != nil {
		return doc, err
	}
	current := acceptanceOf(doc)
	switch current {
	case domain.AcceptRequestClient:
		return doc, nil
	case domain.AcceptRequestCompliance, domain.AcceptByCompliance:
	default:
		return doc, fmt.Errorf("strategy document is not awaiting compliance review (phase %s)", ReviewPhase(current))
	}
	now := e.now()
	if current == domain.AcceptRequestCompliance {
		status := domain.AcceptByCompliance
		doc.AcceptanceStatus = &status
		doc.UpdatedAt = now
		if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
			return doc, err
		}
		if err := e.Events.Append(ctx, tx, "strategy.compliance_approved", a.ID, "document", doc.ID, actorID, nil); err != nil {
			return doc, err
		}
	}
	status := domain.AcceptRequestClient
	doc.AcceptanceStatus = &status
	doc.UpdatedAt = now
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return doc, err
	}
	if err := e.Events.Append(ctx, tx, "strategy.client_requested", a.ID, "document", doc.ID, actorID, nil); err != nil {
		return doc, err
	}
	if err := tx.Commit(); err != nil {
		return doc, err
	}
	return doc, nil
}

// ApproveClient records the client's acceptance and completes the agreement.
func (e Engine) ApproveClient(ctx context.Context, agreementID, actorID string) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return a, err
	}
	if err := ensureAgreementTransition(a.Status, domain.StatusCompleted); err != nil {
		return a, err
	}
	doc, err := e.findStrategyDocument(ctx, a)
	if err != nil {
		return a, err
	}
	current := acceptanceOf(doc)
	switch current {
	case domain.AcceptRequestClient, domain.AcceptByCompliance:
	default:
		return a, fmt.Errorf("strategy document is not awaiting client review (phase %s)", ReviewPhase(current))
	}
	now := e.now()
	status := domain.AcceptByClient
	doc.AcceptanceStatus = &status
	doc.UpdatedAt = now
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return a, err
	}
	a.Status = domain.StatusCompleted
	a.UpdatedAt = now
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "strategy.client_approved", a.ID, "document", doc.ID, actorID, nil); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agreement.completed", a.ID, "agreement", a.ID, actorID, nil); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version++
	return a, nil
}

// RejectStrategy records a rejection by compliance or the client and moves
// the agreement back to PENDING_STRATEGY so a revised strategy can be
// attached. The review metadata keeps the original sentAt and gains the
// rejection fields. Re-applying an identical rejection is a no-op.
func (e Engine) RejectStrategy(ctx context.Context, agreementID, reviewer, reason, actorID string) (domain.Agreement, error) {
	var rejected string
	switch reviewer {
	case ReviewerCompliance:
		rejected = domain.AcceptRejectedCompliance
	case ReviewerClient:
		rejected = domain.AcceptRejectedClient
	default:
		return domain.Agreement{}, fmt.Errorf("unknown reviewer %q", reviewer)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return a, err
	}
	doc, err := e.findStrategyDocument(ctx, a)
	if err != nil {
		return a, err
	}
	current := acceptanceOf(doc)
	meta := e.reviewMeta(a)
	if current == rejected {
		if meta != nil && meta.RejectedBy == reviewer && meta.RejectionReason == reason {
			return a, nil
		}
	}
	switch current {
	case domain.AcceptRequestCompliance, domain.AcceptByCompliance:
		if reviewer != ReviewerCompliance {
			return a, fmt.Errorf("strategy document is in compliance review; only compliance can reject")
		}
	case domain.AcceptRequestClient:
	case rejected:
	default:
		return a, fmt.Errorf("strategy document cannot be rejected (phase %s)", ReviewPhase(current))
	}
	now := e.now()
	doc.AcceptanceStatus = &rejected
	doc.UpdatedAt = now
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return a, err
	}
	next := metadata.StrategyMeta{
		RejectedBy:      reviewer,
		RejectionReason: reason,
		RejectedAt:      now,
	}
	if meta != nil {
		next.SentAt = meta.SentAt
	}
	if err := setReviewMeta(&a, next); err != nil {
		return a, err
	}
	if a.Status == domain.StatusPendingStrategyReview {
		a.Status = domain.StatusPendingStrategy
	}
	a.UpdatedAt = now
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "strategy.rejected", a.ID, "document", doc.ID, actorID, events.EventPayload{
		"rejected_by": reviewer,
		"reason":      reason,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version++
	return a, nil
}

// reviewMeta reads review metadata from the structured column, falling back
// to the legacy description block for rows written before the column existed.
func (e Engine) reviewMeta(a domain.Agreement) *metadata.StrategyMeta {
	if a.ReviewJSON != nil {
		var m metadata.StrategyMeta
		if err := json.Unmarshal([]byte(*a.ReviewJSON), &m); err == nil {
			return &m
		}
		e.Log.Warn().Str("agreement_id", a.ID).Msg("malformed review column, falling back to description block")
	}
	return metadata.DecodeStrategy(a.Description)
}

// setReviewMeta writes review metadata to the structured column and mirrors
// it into the legacy description block during the migration window.
func setReviewMeta(a *domain.Agreement, m metadata.StrategyMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s := string(raw)
	a.ReviewJSON = &s
	desc, err := metadata.Encode(metadata.TagStrategy, m, a.Description)
	if err != nil {
		return err
	}
	a.Description = desc
	return nil
}

func acceptanceOf(doc domain.Document) string {
	if doc.AcceptanceStatus == nil {
		return ""
	}
	return *doc.AcceptanceStatus
}
