package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"taxline/internal/domain"
	"taxline/internal/effects"
	"taxline/internal/webhooks"
)

// Webhook endpoints sit outside huma: they need the raw body for signature
// verification and they answer 200 once the effect step was attempted,
// whatever its outcome. A non-2xx would only trigger provider redelivery,
// and redelivering a permanently uncorrelatable event helps nobody.

func registerWebhooks(router chi.Router, basePath string, cfg Config) {
	router.Post(path.Join(basePath, "webhooks/esign"), webhookHandler(cfg, "esign", cfg.ESign, effects.NormalizeESign))
	router.Post(path.Join(basePath, "webhooks/payment"), webhookHandler(cfg, "payment", cfg.Payment, effects.NormalizePayment))
}

func webhookHandler(cfg Config, providerName string, verifier webhooks.Verifier, normalize func([]byte) (effects.Event, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if verifier == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "webhooks_disabled",
				providerName+" webhook secret not configured", nil))
			return
		}
		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		receivedAt := cfg.Applier.Engine.Now()
		res, err := verifier.Verify(r.Header, rawBody, receivedAt)
		if err != nil || !res.Valid {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature",
				"webhook signature verification failed", nil))
			return
		}
		evt, err := normalize(rawBody)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		if evt.ProviderEventID == "" {
			evt.ProviderEventID = res.EventID
		}

		report, err := cfg.Applier.Apply(r.Context(), evt)
		if err != nil {
			// storage-level failure; the provider should redeliver this one
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
			return
		}
		recordDelivery(r, cfg, providerName, res, evt, report, receivedAt)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"received": true,
			"type":     res.EventType,
		})
	}
}

func recordDelivery(r *http.Request, cfg Config, providerName string, res webhooks.Result, evt effects.Event, report effects.Report, receivedAt time.Time) {
	outcome, _ := json.Marshal(report)
	d := domain.WebhookDelivery{
		Provider:    providerName,
		EventID:     evt.ProviderEventID,
		EventType:   res.EventType,
		ExternalID:  evt.ExternalID,
		OutcomeJSON: string(outcome),
		ReceivedAt:  receivedAt.UTC().Format(time.RFC3339),
	}
	if report.Correlated {
		d.AgreementID = &report.AgreementID
	}
	if err := cfg.Engine.Repo.InsertWebhookDelivery(r.Context(), d); err != nil {
		cfg.Engine.Log.Error().Err(err).Str("provider", providerName).Msg("failed to record webhook delivery")
	}
}
