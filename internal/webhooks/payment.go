package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// The payment processor signs "timestamp.body" and sends
// "t=<unix>,v1=<hex>" in a header. Multiple v1 entries appear during secret
// rotation; any one matching is enough. Deliveries older than the tolerance
// window are refused even with a valid signature.
const (
	paymentSignatureHeader  = "Payment-Signature"
	paymentScheme           = "payment-hmac-v1"
	defaultPaymentTolerance = 300
)

type paymentVerifier struct {
	secret    string
	tolerance int
}

func NewPaymentVerifier(secret string, toleranceSeconds int) (Verifier, error) {
	s, err := requireSecret(secret)
	if err != nil {
		return nil, err
	}
	if toleranceSeconds <= 0 {
		toleranceSeconds = defaultPaymentTolerance
	}
	return &paymentVerifier{secret: s, tolerance: toleranceSeconds}, nil
}

func (v *paymentVerifier) Provider() string { return "payment" }

func (v *paymentVerifier) Verify(headers http.Header, rawBody []byte, receivedAt time.Time) (Result, error) {
	res := Result{Scheme: paymentScheme, EventType: "unknown"}
	timestamp, signatures := parseSignatureHeader(headers.Values(paymentSignatureHeader))
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 || len(signatures) == 0 {
		return res, nil
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	match := false
	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			match = true
			break
		}
	}
	if !match {
		return res, nil
	}
	skew := receivedAt.UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.tolerance) {
		return res, nil
	}

	res.Valid = true
	var evt struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rawBody, &evt); err == nil {
		res.EventID = strings.TrimSpace(evt.ID)
		if t := strings.TrimSpace(evt.Type); t != "" {
			res.EventType = t
		}
	}
	return res, nil
}

func parseSignatureHeader(values []string) (timestamp string, v1 []string) {
	joined := strings.TrimSpace(strings.Join(values, ","))
	if joined == "" {
		return "", nil
	}
	for _, part := range strings.Split(joined, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			if timestamp == "" {
				timestamp = strings.TrimSpace(kv[1])
			}
		case "v1":
			if s := strings.TrimSpace(kv[1]); s != "" {
				v1 = append(v1, s)
			}
		}
	}
	return timestamp, v1
}

// SignPayment builds a valid signature header value for a body at a given
// time. Used by tests and the local delivery simulator.
func SignPayment(secret string, rawBody []byte, at time.Time) string {
	ts := strconv.FormatInt(at.UTC().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
