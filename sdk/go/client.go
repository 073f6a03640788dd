package taxlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taxline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agreement represents the API agreement model (partial).
type Agreement struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	StrategistID string `json:"strategist_id"`
	Status       string `json:"status"`
	Version      int64  `json:"version"`
	ClientStatus string `json:"client_status,omitempty"`
	ReviewPhase  string `json:"review_phase,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Status is the client-facing projection of an agreement.
type Status struct {
	AgreementID  string `json:"agreement_id"`
	Status       string `json:"status"`
	ClientStatus string `json:"client_status,omitempty"`
	ReviewPhase  string `json:"review_phase,omitempty"`
}

// Todo is one onboarding checklist item.
type Todo struct {
	ID     string `json:"id"`
	ListID string `json:"list_id"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

// TodoList groups todos under an agreement.
type TodoList struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	Title       string `json:"title"`
	Todos       []Todo `json:"todos,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	AgreementID string `json:"agreement_id"`
	EntityID    string `json:"entity_id"`
	EntityKind  string `json:"entity_kind"`
	Payload     string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAgreement creates a draft agreement for a client.
func (c *Client) CreateAgreement(ctx context.Context, clientID, strategistID, description string) (Agreement, error) {
	body := map[string]any{
		"client_id":     clientID,
		"strategist_id": strategistID,
		"description":   description,
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "v0/agreements", body, &resp)
	return resp, err
}

// GetAgreement fetches an agreement by id.
func (c *Client) GetAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodGet, c.agreementPath(id, ""), nil, &resp)
	return resp, err
}

// GetStatus returns the client-facing status projection.
func (c *Client) GetStatus(ctx context.Context, id string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.agreementPath(id, "status"), nil, &resp)
	return resp, err
}

// SendEnvelope records the e-signature envelope and sends the contract.
func (c *Client) SendEnvelope(ctx context.Context, id, envelopeID string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(id, "envelope"),
		map[string]any{"envelope_id": envelopeID}, &resp)
	return resp, err
}

// CreateCheckout records the payment checkout session.
func (c *Client) CreateCheckout(ctx context.Context, id, checkoutID string, amountCents int64) error {
	return c.do(ctx, http.MethodPost, c.agreementPath(id, "checkout"),
		map[string]any{"checkout_id": checkoutID, "amount_cents": amountCents}, nil)
}

// Advance moves the agreement past the todos phase.
func (c *Client) Advance(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(id, "advance"), nil, &resp)
	return resp, err
}

// Cancel cancels an agreement.
func (c *Client) Cancel(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(id, "cancel"), nil, &resp)
	return resp, err
}

// Todos lists the onboarding checklist.
func (c *Client) Todos(ctx context.Context, id string) ([]TodoList, error) {
	var resp []TodoList
	err := c.do(ctx, http.MethodGet, c.agreementPath(id, "todos"), nil, &resp)
	return resp, err
}

// CompleteTodo marks one todo completed.
func (c *Client) CompleteTodo(ctx context.Context, todoID string) (Todo, error) {
	var resp Todo
	endpoint := fmt.Sprintf("v0/todos/%s/complete", url.PathEscape(todoID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AttachStrategy attaches the strategy document and requests compliance review.
func (c *Client) AttachStrategy(ctx context.Context, id, name string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(id, "strategy"),
		map[string]any{"name": name}, &resp)
	return resp, err
}

// ApproveCompliance records compliance approval of the strategy.
func (c *Client) ApproveCompliance(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(id, "strategy/approve-compliance"), nil, &resp)
	return resp, err
}

// ApproveClient records client approval and completes the agreement.
func (c *Client) ApproveClient(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(id, "strategy/approve-client"), nil, &resp)
	return resp, err
}

// RejectStrategy rejects the strategy on behalf of a reviewer.
func (c *Client) RejectStrategy(ctx context.Context, id, reviewer, reason string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(id, "strategy/reject"),
		map[string]any{"reviewer": reviewer, "reason": reason}, &resp)
	return resp, err
}

// Events returns recent events, optionally scoped to one agreement.
func (c *Client) Events(ctx context.Context, agreementID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if agreementID != "" {
		q.Set("agreement_id", agreementID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) agreementPath(id, p string) string {
	endpoint := fmt.Sprintf("v0/agreements/%s", url.PathEscape(id))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
