package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// The e-signature provider signs the raw body with HMAC-SHA256 and sends the
// hex digest in a header, with the event id and type alongside.
const (
	esignSignatureHeader = "X-Esign-Signature"
	esignEventIDHeader   = "X-Esign-Event-Id"
	esignEventHeader     = "X-Esign-Event"
	esignScheme          = "esign-hmac-sha256"
)

type esignVerifier struct {
	secret string
}

func NewESignVerifier(secret string) (Verifier, error) {
	s, err := requireSecret(secret)
	if err != nil {
		return nil, err
	}
	return &esignVerifier{secret: s}, nil
}

func (v *esignVerifier) Provider() string { return "esign" }

func (v *esignVerifier) Verify(headers http.Header, rawBody []byte, _ time.Time) (Result, error) {
	res := Result{
		Scheme:    esignScheme,
		EventID:   strings.TrimSpace(headers.Get(esignEventIDHeader)),
		EventType: strings.TrimSpace(headers.Get(esignEventHeader)),
	}
	if res.EventType == "" {
		var body struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(rawBody, &body); err == nil {
			res.EventType = body.Event
		}
	}
	sigHex := strings.TrimSpace(headers.Get(esignSignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(rawBody)
	res.Valid = hmac.Equal(mac.Sum(nil), provided)
	return res, nil
}

// SignESign computes the signature header value for a body. Used by tests
// and by the local delivery simulator.
func SignESign(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
