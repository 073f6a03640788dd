package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taxline/internal/config"
	"taxline/internal/db"
	"taxline/internal/domain"
	"taxline/internal/migrate"
	"taxline/internal/repo"
)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default(), zerolog.Nop())
	e.Now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	e.Events.Now = e.Now
	return e
}

func mustCreate(t *testing.T, e Engine) domain.Agreement {
	t.Helper()
	a, err := e.CreateAgreement(context.Background(), CreateAgreementInput{
		ClientID:     "client-1",
		StrategistID: "strategist-1",
		Description:  "annual engagement",
		ActorID:      "strategist-1",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return a
}

// advanceToPendingStrategy walks a fresh agreement through signing, payment
// and todos so review tests can start from PENDING_STRATEGY.
func advanceToPendingStrategy(t *testing.T, e Engine) domain.Agreement {
	t.Helper()
	ctx := context.Background()
	a := mustCreate(t, e)
	if _, err := e.SendEnvelope(ctx, a.ID, "env-123", "strategist-1"); err != nil {
		t.Fatalf("send envelope: %v", err)
	}
	if _, err := e.CreateCheckout(ctx, a.ID, "cs-123", 250_000, "usd", "strategist-1"); err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if _, err := e.MarkSigned(ctx, a.ID, ""); err != nil {
		t.Fatalf("mark signed: %v", err)
	}
	if _, err := e.SetChargeStatus(ctx, "cs-123", domain.ChargePaid, ""); err != nil {
		t.Fatalf("set charge paid: %v", err)
	}
	if _, err := e.MarkPaid(ctx, a.ID, ""); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	for _, label := range e.Config.Todos.Defaults {
		if _, err := e.CompleteTodoByLabel(ctx, a.ID, label, "client-1"); err != nil {
			t.Fatalf("complete todo %s: %v", label, err)
		}
	}
	got, err := e.AdvanceTodos(ctx, a.ID, "strategist-1")
	if err != nil {
		t.Fatalf("advance todos: %v", err)
	}
	if got.Status != domain.StatusPendingStrategy {
		t.Fatalf("status = %s, want %s", got.Status, domain.StatusPendingStrategy)
	}
	return got
}

func TestCreateAgreement(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e)
	if a.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want DRAFT", a.Status)
	}
	if a.Version != 1 {
		t.Fatalf("version = %d, want 1", a.Version)
	}
	docs, err := e.Repo.ListAgreementDocuments(ctx, a.ID)
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Type != domain.DocTypeContract {
		t.Fatalf("documents = %+v, want one contract", docs)
	}
	lists, err := e.Repo.ListAgreementTodoLists(ctx, a.ID)
	if err != nil {
		t.Fatalf("list todos: %v", err)
	}
	if len(lists) != 1 || len(lists[0].Todos) != len(e.Config.Todos.Defaults) {
		t.Fatalf("todo lists = %+v, want default labels", lists)
	}
}

func TestSendEnvelopeRecordsCorrelationIDs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e)
	a, err := e.SendEnvelope(ctx, a.ID, "env-42", "strategist-1")
	if err != nil {
		t.Fatalf("send envelope: %v", err)
	}
	if a.Status != domain.StatusPendingSignature {
		t.Fatalf("status = %s, want PENDING_SIGNATURE", a.Status)
	}
	if a.EnvelopeID == nil || *a.EnvelopeID != "env-42" {
		t.Fatalf("envelope column not set: %+v", a.EnvelopeID)
	}
	byRef, err := e.Repo.AgreementByExternalRef(ctx, "env-42")
	if err != nil {
		t.Fatalf("lookup by external ref: %v", err)
	}
	if byRef.ID != a.ID {
		t.Fatalf("external ref resolves %s, want %s", byRef.ID, a.ID)
	}
	docs, _ := e.Repo.ListAgreementDocuments(ctx, a.ID)
	if docs[0].SignatureStatus != domain.SigSent {
		t.Fatalf("contract signature status = %s, want SENT", docs[0].SignatureStatus)
	}
}

func TestTransitionGuards(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e)

	var guard GuardError
	if _, err := e.MarkSigned(ctx, a.ID, ""); !errors.As(err, &guard) {
		t.Fatalf("mark signed on DRAFT: err = %v, want GuardError", err)
	}
	if guard.From != domain.StatusDraft || guard.To != domain.StatusPendingPayment {
		t.Fatalf("guard = %+v", guard)
	}

	if _, err := e.SendEnvelope(ctx, a.ID, "env-1", ""); err != nil {
		t.Fatalf("send envelope: %v", err)
	}
	if _, err := e.MarkSigned(ctx, a.ID, ""); err != nil {
		t.Fatalf("mark signed: %v", err)
	}
	if _, err := e.MarkPaid(ctx, a.ID, ""); !errors.As(err, &guard) {
		t.Fatalf("mark paid without charge: err = %v, want GuardError", err)
	}
	if guard.Guard == "" {
		t.Fatalf("guard reason missing: %+v", guard)
	}

	got, err := e.Repo.GetAgreement(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if got.Status != domain.StatusPendingPayment {
		t.Fatalf("refused transition mutated status to %s", got.Status)
	}
}

func TestAdvanceTodosRequiresAcceptedUploads(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e)
	if _, err := e.SendEnvelope(ctx, a.ID, "env-9", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateCheckout(ctx, a.ID, "cs-9", 100_000, "usd", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.MarkSigned(ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetChargeStatus(ctx, "cs-9", domain.ChargePaid, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.MarkPaid(ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}

	// one client upload awaiting strategist review
	tx, _ := e.DB.BeginTx(ctx, nil)
	upload := domain.Document{
		ID: "doc-upload", AgreementID: a.ID, Type: domain.DocTypeUpload,
		Name: "w2.pdf", SignatureStatus: domain.SigNotSent,
		CreatedAt: e.now(), UpdatedAt: e.now(),
	}
	if err := e.Repo.InsertDocument(ctx, tx, upload); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	for _, label := range e.Config.Todos.Defaults {
		if _, err := e.CompleteTodoByLabel(ctx, a.ID, label, ""); err != nil {
			t.Fatal(err)
		}
	}
	var guard GuardError
	if _, err := e.AdvanceTodos(ctx, a.ID, ""); !errors.As(err, &guard) {
		t.Fatalf("advance with unaccepted upload: err = %v, want GuardError", err)
	}
	if _, err := e.AcceptUpload(ctx, "doc-upload", "strategist-1"); err != nil {
		t.Fatalf("accept upload: %v", err)
	}
	got, err := e.AdvanceTodos(ctx, a.ID, "")
	if err != nil {
		t.Fatalf("advance after acceptance: %v", err)
	}
	if got.Status != domain.StatusPendingStrategy {
		t.Fatalf("status = %s, want PENDING_STRATEGY", got.Status)
	}
}

func TestCompleteTodoByLabelIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e)
	changed, err := e.CompleteTodoByLabel(ctx, a.ID, "pay", "")
	if err != nil || !changed {
		t.Fatalf("first completion: changed=%v err=%v", changed, err)
	}
	changed, err = e.CompleteTodoByLabel(ctx, a.ID, "pay", "")
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if changed {
		t.Fatal("second completion reported a state change")
	}
}

func TestCancel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e)
	a, err := e.Cancel(ctx, a.ID, "strategist-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status != domain.StatusCancelled || a.CancelledAt == nil {
		t.Fatalf("cancelled agreement = %+v", a)
	}
	var guard GuardError
	if _, err := e.Cancel(ctx, a.ID, ""); !errors.As(err, &guard) {
		t.Fatalf("cancel of terminal agreement: err = %v, want GuardError", err)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e)
	a, err := e.SendEnvelope(ctx, a.ID, "env-v", "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Repo.GetAgreement(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e)
	stale := a
	if _, err := e.SendEnvelope(ctx, a.ID, "env-c", ""); err != nil {
		t.Fatal(err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale.Description = "edited from a stale read"
	if err := e.Repo.UpdateAgreement(ctx, tx, stale); !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("stale update: err = %v, want ErrVersionConflict", err)
	}
}
