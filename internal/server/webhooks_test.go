package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"taxline/internal/domain"
	"taxline/internal/webhooks"
)

func postWebhook(t *testing.T, srv *testServer, provider string, body []byte, headers map[string]string, wantStatus int) []byte {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/webhooks/"+provider, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != wantStatus {
		t.Fatalf("webhook status = %d, want %d: %s", res.StatusCode, wantStatus, data)
	}
	return data
}

func postESignWebhook(t *testing.T, srv *testServer, body []byte, wantStatus int) []byte {
	t.Helper()
	return postWebhook(t, srv, "esign", body, map[string]string{
		"X-Esign-Signature": webhooks.SignESign(testESignSecret, body),
	}, wantStatus)
}

func postPaymentWebhook(t *testing.T, srv *testServer, body []byte, wantStatus int) []byte {
	t.Helper()
	return postWebhook(t, srv, "payment", body, map[string]string{
		"Payment-Signature": webhooks.SignPayment(testPaymentSecret, body, testNow),
	}, wantStatus)
}

func agreementStatus(t *testing.T, srv *testServer, id string) string {
	t.Helper()
	a, err := srv.Engine.Repo.GetAgreement(context.Background(), id)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	return a.Status
}

func seedPendingSignatureAPI(t *testing.T, srv *testServer) string {
	t.Helper()
	id := createAgreement(t, srv)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agreements/"+id+"/envelope",
		map[string]any{"envelope_id": "env-wh"}, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send envelope: %d: %s", res.StatusCode, body)
	}
	return id
}

func TestESignWebhookAdvancesAgreement(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	id := seedPendingSignatureAPI(t, srv)

	body := []byte(`{"event":"recipient.completed","envelopeId":"env-wh"}`)
	ack := postESignWebhook(t, srv, body, http.StatusOK)

	var parsed struct {
		Received bool   `json:"received"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(ack, &parsed); err != nil {
		t.Fatal(err)
	}
	if !parsed.Received || parsed.Type != "recipient.completed" {
		t.Fatalf("ack = %s", ack)
	}
	if got := agreementStatus(t, srv, id); got != domain.StatusPendingPayment {
		t.Fatalf("status = %s", got)
	}
}

func TestWebhookRejectsForgedSignature(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	id := seedPendingSignatureAPI(t, srv)

	body := []byte(`{"event":"recipient.completed","envelopeId":"env-wh"}`)
	postWebhook(t, srv, "esign", body, map[string]string{
		"X-Esign-Signature": "deadbeef",
	}, http.StatusUnauthorized)

	if got := agreementStatus(t, srv, id); got != domain.StatusPendingSignature {
		t.Fatalf("forged webhook mutated agreement: status = %s", got)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	postESignWebhook(t, srv, []byte(`{"event":"recipient.completed"}`), http.StatusBadRequest)
}

func TestUncorrelatedWebhookIsAckedAndRecorded(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	seedPendingSignatureAPI(t, srv)

	body := []byte(`{"event":"recipient.completed","envelopeId":"env-unknown"}`)
	postESignWebhook(t, srv, body, http.StatusOK)

	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/deliveries?provider=esign&uncorrelated=true", nil, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list deliveries: %d: %s", res.StatusCode, data)
	}
	var deliveries []domain.WebhookDelivery
	if err := json.Unmarshal(data, &deliveries); err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d", len(deliveries))
	}
	d := deliveries[0]
	if d.ExternalID != "env-unknown" || d.AgreementID != nil {
		t.Fatalf("delivery = %+v", d)
	}
}

func TestPaymentWebhookMarksChargeBeforeSignature(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	id := seedPendingSignatureAPI(t, srv)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agreements/"+id+"/checkout",
		map[string]any{"checkout_id": "cs-wh", "amount_cents": 100000}, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create checkout: %d: %s", res.StatusCode, body)
	}

	payment := []byte(`{"id":"evt-p1","type":"payment_intent.succeeded","data":{"object":{"id":"cs-wh"}}}`)
	postPaymentWebhook(t, srv, payment, http.StatusOK)

	// the payment landed first, so the agreement is still waiting on the
	// signature; the signed event then carries it straight past payment
	if got := agreementStatus(t, srv, id); got != domain.StatusPendingSignature {
		t.Fatalf("status after early payment = %s", got)
	}
	charge, err := srv.Engine.Repo.GetChargeByExternalID(context.Background(), "cs-wh")
	if err != nil {
		t.Fatal(err)
	}
	if charge.Status != domain.ChargePaid {
		t.Fatalf("charge = %s", charge.Status)
	}

	signed := []byte(`{"event":"recipient.completed","envelopeId":"env-wh"}`)
	postESignWebhook(t, srv, signed, http.StatusOK)
	if got := agreementStatus(t, srv, id); got != domain.StatusPendingTodosCompletion {
		t.Fatalf("status after signature = %s", got)
	}
}

func TestEnvelopeDeclinedWebhookCancels(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	id := seedPendingSignatureAPI(t, srv)

	body := []byte(`{"event":"envelope.declined","envelopeId":"env-wh"}`)
	postESignWebhook(t, srv, body, http.StatusOK)

	if got := agreementStatus(t, srv, id); got != domain.StatusCancelled {
		t.Fatalf("status = %s", got)
	}
}
