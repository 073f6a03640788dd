package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taxline/internal/engine"
)

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-strategy",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/strategy",
		Summary:       "Attach strategy document and request compliance review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgreementID string `path:"agreement_id"`
		Body        struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "strategist"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.AttachStrategyDocument(ctx, input.AgreementID, input.Body.Name, actorID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-compliance",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/strategy/approve-compliance",
		Summary:     "Compliance approves the strategy",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "compliance"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.ApproveCompliance(ctx, input.AgreementID, actorID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-client",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/strategy/approve-client",
		Summary:     "Client approves the strategy, completing the agreement",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "client"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ApproveClient(ctx, input.AgreementID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-strategy",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/strategy/reject",
		Summary:     "Reject the strategy back to the strategist",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AgreementID string `path:"agreement_id"`
		Body        struct {
			Reviewer string `json:"reviewer" enum:"compliance,client"`
			Reason   string `json:"reason"`
		} `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		if err := requireRole(ctx, input.Body.Reviewer); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RejectStrategy(ctx, input.AgreementID, input.Body.Reviewer, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})
}
