package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"taxline/internal/config"
	"taxline/internal/correlate"
	"taxline/internal/db"
	"taxline/internal/effects"
	"taxline/internal/engine"
	"taxline/internal/migrate"
	"taxline/internal/webhooks"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testESignSecret   = "test-esign-secret"
	testPaymentSecret = "test-payment-secret"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), zerolog.Nop())
	e.Now = func() time.Time { return testNow }
	e.Events.Now = e.Now
	applier := effects.Applier{
		Engine:     e,
		Correlator: correlate.Correlator{Repo: e.Repo, Log: zerolog.Nop()},
		Log:        zerolog.Nop(),
		Backoff:    time.Millisecond,
	}
	esign, err := webhooks.NewESignVerifier(testESignSecret)
	if err != nil {
		t.Fatal(err)
	}
	payment, err := webhooks.NewPaymentVerifier(testPaymentSecret, 300)
	if err != nil {
		t.Fatal(err)
	}
	handler, err := New(Config{
		Engine:   e,
		Applier:  applier,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
		ESign:    esign,
		Payment:  payment,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func tokenHeaders(t *testing.T, subject string, roles ...string) map[string]string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "roles": roles}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func TestLegacyHeaderWarningLogged(t *testing.T) {
	var buf bytes.Buffer
	mw := newAuthMiddleware("/v0", AuthConfig{
		AllowLegacyActorHeader: true,
		Logger:                 zerolog.New(&buf),
	})
	var gotActor string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor, _ = actorIDFromContext(r.Context())
	}))
	req, err := http.NewRequest(http.MethodGet, "/v0/agreements", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Actor-Id", "legacy-1")
	handler.ServeHTTP(nopResponseWriter{}, req)
	if gotActor != "legacy-1" {
		t.Fatalf("actor = %q", gotActor)
	}
	if !bytes.Contains(buf.Bytes(), []byte("legacy-1")) || !bytes.Contains(buf.Bytes(), []byte(`"warn"`)) {
		t.Fatalf("warning not logged: %s", buf.String())
	}
}

type nopResponseWriter struct{}

func (nopResponseWriter) Header() http.Header       { return http.Header{} }
func (nopResponseWriter) Write(p []byte) (int, error) { return len(p), nil }
func (nopResponseWriter) WriteHeader(int)           {}

func TestHealthNoAuth(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health = %d: %s", res.StatusCode, body)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/agreements", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("parse error envelope: %v (%s)", err, body)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agreements",
		map[string]any{"client_id": "client-1"}, tokenHeaders(t, "client-1", "client"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client creating agreement: status = %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agreements",
		map[string]any{"client_id": "client-1"}, tokenHeaders(t, "strat-1", "strategist"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("strategist creating agreement: status = %d: %s", res.StatusCode, body)
	}
}

func createAgreement(t *testing.T, srv *testServer) string {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agreements",
		map[string]any{"client_id": "client-1"}, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agreement: %d: %s", res.StatusCode, body)
	}
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatal(err)
	}
	return a.ID
}

func TestGuardViolationEnvelope(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	id := createAgreement(t, srv)
	// advancing a DRAFT past the todos phase must refuse with the guard
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agreements/"+id+"/advance",
		nil, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "guard_violation" {
		t.Fatalf("code = %s: %s", envelope.Error.Code, body)
	}
	if envelope.Error.Details["from"] != "DRAFT" {
		t.Fatalf("details = %v", envelope.Error.Details)
	}
}

func TestAgreementLifecycleOverAPI(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	client := srv.Client()
	id := createAgreement(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+id+"/envelope",
		map[string]any{"envelope_id": "env-api"}, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send envelope: %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+id+"/checkout",
		map[string]any{"checkout_id": "cs-api", "amount_cents": 250000}, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create checkout: %d: %s", res.StatusCode, body)
	}

	postESignWebhook(t, srv, []byte(`{"event":"recipient.completed","envelopeId":"env-api"}`), http.StatusOK)
	postPaymentWebhook(t, srv, []byte(`{"id":"evt-1","type":"payment_intent.succeeded","data":{"object":{"id":"cs-api"}}}`), http.StatusOK)

	// remaining default todo
	completeAllTodos(t, srv, id)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+id+"/advance", nil, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+id+"/strategy",
		map[string]any{"name": "tax strategy 2026"}, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach strategy: %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+id+"/strategy/approve-compliance",
		nil, tokenHeaders(t, "comp-1", "compliance"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve compliance: %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+id+"/strategy/approve-client",
		nil, tokenHeaders(t, "client-1", "client"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve client: %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agreements/"+id+"/status", nil, actorHeaders("strat-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d: %s", res.StatusCode, body)
	}
	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "COMPLETED" || status.ClientStatus != "active" {
		t.Fatalf("final status = %+v", status)
	}
}

func completeAllTodos(t *testing.T, srv *testServer, agreementID string) {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/agreements/"+agreementID+"/todos",
		nil, actorHeaders("client-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list todos: %d: %s", res.StatusCode, body)
	}
	var lists []struct {
		Todos []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"todos"`
	}
	if err := json.Unmarshal(body, &lists); err != nil {
		t.Fatal(err)
	}
	for _, list := range lists {
		for _, todo := range list.Todos {
			if todo.Status == "completed" {
				continue
			}
			res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/todos/"+todo.ID+"/complete",
				nil, actorHeaders("client-1"))
			if res.StatusCode != http.StatusOK {
				t.Fatalf("complete todo: %d: %s", res.StatusCode, body)
			}
		}
	}
}
