package effects

import (
	"encoding/json"
	"fmt"
)

// Normalized event types. Webhook payloads from both providers are mapped
// onto these before any handler runs.
const (
	EventRecipientCompleted = "recipient-completed"
	EventEnvelopeCompleted  = "envelope-completed"
	EventEnvelopeDeclined   = "envelope-declined"
	EventEnvelopeVoided     = "envelope-voided"
	EventDeliverableReady   = "deliverable-ready"
	EventPaymentSucceeded   = "payment-succeeded"
	EventPaymentFailed      = "payment-failed"
	EventCheckoutExpired    = "checkout-expired"
)

// Event is a provider delivery reduced to what the handlers need.
type Event struct {
	Type            string `json:"type"`
	ExternalID      string `json:"external_id"`
	ClientID        string `json:"client_id,omitempty"`
	DeliverableID   string `json:"deliverable_id,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	ProviderEventID string `json:"provider_event_id,omitempty"`
}

var esignEventTypes = map[string]string{
	"recipient.completed": EventRecipientCompleted,
	"envelope.completed":  EventEnvelopeCompleted,
	"envelope.declined":   EventEnvelopeDeclined,
	"envelope.voided":     EventEnvelopeVoided,
	"deliverable.ready":   EventDeliverableReady,
}

var paymentEventTypes = map[string]string{
	"payment_intent.succeeded":      EventPaymentSucceeded,
	"payment_intent.payment_failed": EventPaymentFailed,
	"checkout.session.completed":    EventPaymentSucceeded,
	"checkout.session.expired":      EventCheckoutExpired,
}

// NormalizeESign maps an e-signature provider payload to a normalized Event.
func NormalizeESign(raw []byte) (Event, error) {
	var body struct {
		Event         string `json:"event"`
		EnvelopeID    string `json:"envelopeId"`
		ClientID      string `json:"clientId"`
		DeliverableID string `json:"deliverableId"`
		FileName      string `json:"fileName"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, fmt.Errorf("parse esign payload: %w", err)
	}
	normalized, ok := esignEventTypes[body.Event]
	if !ok {
		return Event{}, fmt.Errorf("unsupported esign event %q", body.Event)
	}
	if body.EnvelopeID == "" {
		return Event{}, fmt.Errorf("esign event %q carries no envelope id", body.Event)
	}
	return Event{
		Type:          normalized,
		ExternalID:    body.EnvelopeID,
		ClientID:      body.ClientID,
		DeliverableID: body.DeliverableID,
		FileName:      body.FileName,
	}, nil
}

// NormalizePayment maps a payment processor payload to a normalized Event.
func NormalizePayment(raw []byte) (Event, error) {
	var body struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string `json:"id"`
				ClientID string `json:"client_id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, fmt.Errorf("parse payment payload: %w", err)
	}
	normalized, ok := paymentEventTypes[body.Type]
	if !ok {
		return Event{}, fmt.Errorf("unsupported payment event %q", body.Type)
	}
	if body.Data.Object.ID == "" {
		return Event{}, fmt.Errorf("payment event %q carries no object id", body.Type)
	}
	return Event{
		Type:            normalized,
		ExternalID:      body.Data.Object.ID,
		ClientID:        body.Data.Object.ClientID,
		ProviderEventID: body.ID,
	}, nil
}
