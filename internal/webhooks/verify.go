// Package webhooks verifies inbound provider deliveries against shared
// secrets before any parsing or state mutation happens.
package webhooks

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Result reports a verification attempt. EventID and EventType are whatever
// the provider exposed alongside the signature; they are informational until
// Valid is true.
type Result struct {
	Valid     bool
	Scheme    string
	EventID   string
	EventType string
}

type Verifier interface {
	Provider() string
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time) (Result, error)
}

func requireSecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("webhook secret is empty")
	}
	return secret, nil
}
