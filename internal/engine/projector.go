package engine

import (
	"context"
	"errors"

	"taxline/internal/domain"
	"taxline/internal/repo"
)

// Client-facing status keys. Derived on every read, never stored.
const (
	ClientAwaitingAgreement  = "awaiting_agreement"
	ClientAwaitingPayment    = "awaiting_payment"
	ClientAwaitingDocuments  = "awaiting_documents"
	ClientReadyForStrategy   = "ready_for_strategy"
	ClientAwaitingCompliance = "awaiting_compliance"
	ClientAwaitingApproval   = "awaiting_approval"
	ClientActive             = "active"
)

// ProjectStatus maps an agreement and its strategy document's acceptance
// status to the key shown to clients. Pure function of its inputs.
// A cancelled agreement projects to the empty string and is not shown.
func ProjectStatus(a domain.Agreement, acceptance string) string {
	switch a.Status {
	case domain.StatusDraft, domain.StatusPendingSignature:
		return ClientAwaitingAgreement
	case domain.StatusPendingPayment:
		return ClientAwaitingPayment
	case domain.StatusPendingTodosCompletion:
		return ClientAwaitingDocuments
	case domain.StatusPendingStrategy:
		return ClientReadyForStrategy
	case domain.StatusPendingStrategyReview:
		if acceptance == domain.AcceptRequestClient {
			return ClientAwaitingApproval
		}
		return ClientAwaitingCompliance
	case domain.StatusCompleted:
		return ClientActive
	}
	return ""
}

// ClientStatus projects an agreement's client-facing status, loading the
// strategy document when the agreement is under review.
func (e Engine) ClientStatus(ctx context.Context, a domain.Agreement) (string, error) {
	acceptance := ""
	if a.Status == domain.StatusPendingStrategyReview {
		doc, err := e.StrategyDocument(ctx, a)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if err == nil {
			acceptance = acceptanceOf(doc)
		}
	}
	return ProjectStatus(a, acceptance), nil
}
