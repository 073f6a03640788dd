package webhooks

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestESignVerify(t *testing.T) {
	v, err := NewESignVerifier("topsecret")
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"event":"recipient.completed","envelopeId":"env-1"}`)

	h := http.Header{}
	h.Set("X-Esign-Signature", SignESign("topsecret", body))
	h.Set("X-Esign-Event-Id", "evt-1")
	res, err := v.Verify(h, body, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatal("valid signature rejected")
	}
	if res.EventID != "evt-1" || res.EventType != "recipient.completed" {
		t.Fatalf("result = %+v", res)
	}

	h.Set("X-Esign-Signature", SignESign("wrongsecret", body))
	res, _ = v.Verify(h, body, time.Now())
	if res.Valid {
		t.Fatal("forged signature accepted")
	}

	h.Del("X-Esign-Signature")
	res, _ = v.Verify(h, body, time.Now())
	if res.Valid {
		t.Fatal("missing signature accepted")
	}
}

func TestESignVerifierRequiresSecret(t *testing.T) {
	if _, err := NewESignVerifier("  "); err == nil {
		t.Fatal("blank secret accepted")
	}
}

func TestPaymentVerify(t *testing.T) {
	v, err := NewPaymentVerifier("whsec_test", 300)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"id":"evt-9","type":"payment_intent.succeeded"}`)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("Payment-Signature", SignPayment("whsec_test", body, now))
	res, err := v.Verify(h, body, now)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatal("valid signature rejected")
	}
	if res.EventID != "evt-9" || res.EventType != "payment_intent.succeeded" {
		t.Fatalf("result = %+v", res)
	}
}

func TestPaymentVerifyRejectsStaleTimestamp(t *testing.T) {
	v, _ := NewPaymentVerifier("whsec_test", 300)
	body := []byte(`{"id":"evt-9","type":"payment_intent.succeeded"}`)
	signed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("Payment-Signature", SignPayment("whsec_test", body, signed))
	res, _ := v.Verify(h, body, signed.Add(10*time.Minute))
	if res.Valid {
		t.Fatal("stale delivery accepted")
	}
}

func TestPaymentVerifyRotatedSecret(t *testing.T) {
	v, _ := NewPaymentVerifier("whsec_new", 300)
	body := []byte(`{"id":"evt-9","type":"payment_intent.succeeded"}`)
	now := time.Now()

	oldSig := SignPayment("whsec_old", body, now)
	newSig := SignPayment("whsec_new", body, now)
	// both signatures on one header, as providers send during rotation
	ts := strings.SplitN(newSig, ",", 2)[0]
	combined := oldSig + "," + strings.TrimPrefix(newSig, ts+",")

	h := http.Header{}
	h.Set("Payment-Signature", combined)
	res, _ := v.Verify(h, body, now)
	if !res.Valid {
		t.Fatal("rotated secret signature rejected")
	}
}

func TestPaymentVerifyMalformedHeader(t *testing.T) {
	v, _ := NewPaymentVerifier("whsec_test", 300)
	h := http.Header{}
	h.Set("Payment-Signature", "not-a-signature")
	res, _ := v.Verify(h, []byte(`{}`), time.Now())
	if res.Valid {
		t.Fatal("malformed header accepted")
	}
}
