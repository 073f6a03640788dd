package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taxline/internal/domain"
	"taxline/internal/engine"
	"taxline/internal/repo"
)

type agreementPath struct {
	AgreementID string `path:"agreement_id"`
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agreement",
		Method:        http.MethodPost,
		Path:          "/agreements",
		Summary:       "Create agreement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAgreementRequest `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if input.Body.ClientID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "client_id is required", nil)
		}
		if err := requireRole(ctx, "strategist"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		strategistID := input.Body.StrategistID
		if strategistID == "" {
			strategistID = actorID
		}
		a, err := e.CreateAgreement(ctx, engine.CreateAgreementInput{
			ClientID:     input.Body.ClientID,
			StrategistID: strategistID,
			Description:  input.Body.Description,
			ContractName: input.Body.ContractName,
			TodoLabels:   input.Body.TodoLabels,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agreements",
		Method:      http.MethodGet,
		Path:        "/agreements",
		Summary:     "List agreements",
	}, func(ctx context.Context, input *struct {
		ClientID     string `query:"client_id"`
		StrategistID string `query:"strategist_id"`
		Status       string `query:"status"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body []AgreementResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgreements(ctx, repo.AgreementFilters{
			ClientID:     input.ClientID,
			StrategistID: input.StrategistID,
			Status:       input.Status,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgreementResponse `json:"body"`
		}{Body: mapAgreements(ctx, e, items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}",
		Summary:     "Get agreement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agreement-status",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/status",
		Summary:     "Derived agreement status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := agreementResponse(ctx, e, a)
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			AgreementID:  a.ID,
			Status:       a.Status,
			ClientStatus: resp.ClientStatus,
			ReviewPhase:  resp.ReviewPhase,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-envelope",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/envelope",
		Summary:     "Record issued e-signature envelope",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgreementID string `path:"agreement_id"`
		Body        struct {
			EnvelopeID string `json:"envelope_id"`
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
		a, err := e.SendEnvelope(ctx, input.AgreementID, input.Body.EnvelopeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-checkout",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/checkout",
		Summary:     "Record issued payment checkout",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgreementID string `path:"agreement_id"`
		Body        struct {
			CheckoutID  string `json:"checkout_id"`
			AmountCents int64  `json:"amount_cents"`
			Currency    string `json:"currency,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Charge `json:"body"`
	}, error) {
		if err := requireRole(ctx, "strategist"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCheckout(ctx, input.AgreementID, input.Body.CheckoutID, input.Body.AmountCents, input.Body.Currency, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Charge `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-todos",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/advance",
		Summary:     "Advance past the todos phase",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "strategist"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AdvanceTodos(ctx, input.AgreementID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/cancel",
		Summary:     "Cancel agreement",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "strategist"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Cancel(ctx, input.AgreementID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(ctx, e, a)}, nil
	})
}

func registerTodos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-todos",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/todos",
		Summary:     "List agreement todo lists",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body []domain.TodoList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAgreement(ctx, input.AgreementID); err != nil {
			return nil, handleError(err)
		}
		lists, err := e.Repo.ListAgreementTodoLists(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TodoList `json:"body"`
		}{Body: lists}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-todo",
		Method:      http.MethodPost,
		Path:        "/todos/{todo_id}/complete",
		Summary:     "Complete a todo",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TodoID string `path:"todo_id"`
	}) (*struct {
		Body domain.Todo `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		todo, err := e.CompleteTodo(ctx, input.TodoID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Todo `json:"body"`
		}{Body: todo}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/documents",
		Summary:     "List agreement documents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAgreement(ctx, input.AgreementID); err != nil {
			return nil, handleError(err)
		}
		docs, err := e.Repo.ListAgreementDocuments(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: docs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-upload",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/accept",
		Summary:     "Accept an uploaded document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		if err := requireRole(ctx, "strategist"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.AcceptUpload(ctx, input.DocumentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log",
	}, func(ctx context.Context, input *struct {
		AgreementID string `query:"agreement_id"`
		Type        string `query:"type"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.AgreementID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerDeliveries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-deliveries",
		Method:      http.MethodGet,
		Path:        "/deliveries",
		Summary:     "Received webhook deliveries",
	}, func(ctx context.Context, input *struct {
		Provider     string `query:"provider"`
		Uncorrelated bool   `query:"uncorrelated"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body []domain.WebhookDelivery `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.ListWebhookDeliveries(ctx, repo.DeliveryFilters{
			Provider:     input.Provider,
			Uncorrelated: input.Uncorrelated,
			Limit:        limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WebhookDelivery `json:"body"`
		}{Body: items}, nil
	})
}
