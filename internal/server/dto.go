package server

import (
	"context"

	"taxline/internal/domain"
	"taxline/internal/engine"
)

type AgreementResponse struct {
	domain.Agreement
	ClientStatus string `json:"client_status,omitempty"`
	ReviewPhase  string `json:"review_phase,omitempty"`
}

// agreementResponse decorates an agreement with its derived projections.
func agreementResponse(ctx context.Context, e engine.Engine, a domain.Agreement) AgreementResponse {
	resp := AgreementResponse{Agreement: a}
	if status, err := e.ClientStatus(ctx, a); err == nil {
		resp.ClientStatus = status
	}
	if a.Status == domain.StatusPendingStrategyReview || a.Status == domain.StatusPendingStrategy {
		if doc, err := e.StrategyDocument(ctx, a); err == nil {
			acceptance := ""
			if doc.AcceptanceStatus != nil {
				acceptance = *doc.AcceptanceStatus
			}
			resp.ReviewPhase = engine.ReviewPhase(acceptance)
		}
	}
	return resp
}

func mapAgreements(ctx context.Context, e engine.Engine, items []domain.Agreement) []AgreementResponse {
	out := make([]AgreementResponse, 0, len(items))
	for _, a := range items {
		out = append(out, agreementResponse(ctx, e, a))
	}
	return out
}

type CreateAgreementRequest struct {
	ClientID     string   `json:"client_id"`
	StrategistID string   `json:"strategist_id,omitempty"`
	Description  string   `json:"description,omitempty"`
	ContractName string   `json:"contract_name,omitempty"`
	TodoLabels   []string `json:"todo_labels,omitempty"`
}

type StatusResponse struct {
	AgreementID  string `json:"agreement_id"`
	Status       string `json:"status"`
	ClientStatus string `json:"client_status,omitempty"`
	ReviewPhase  string `json:"review_phase,omitempty"`
}
