package engine

import (
	"context"
	"testing"

	"taxline/internal/domain"
)

func TestProjectStatus(t *testing.T) {
	cases := []struct {
		status     string
		acceptance string
		want       string
	}{
		{domain.StatusDraft, "", ClientAwaitingAgreement},
		{domain.StatusPendingSignature, "", ClientAwaitingAgreement},
		{domain.StatusPendingPayment, "", ClientAwaitingPayment},
		{domain.StatusPendingTodosCompletion, "", ClientAwaitingDocuments},
		{domain.StatusPendingStrategy, "", ClientReadyForStrategy},
		{domain.StatusPendingStrategyReview, domain.AcceptRequestCompliance, ClientAwaitingCompliance},
		{domain.StatusPendingStrategyReview, domain.AcceptByCompliance, ClientAwaitingCompliance},
		{domain.StatusPendingStrategyReview, domain.AcceptRequestClient, ClientAwaitingApproval},
		{domain.StatusCompleted, domain.AcceptByClient, ClientActive},
		{domain.StatusCancelled, "", ""},
	}
	for _, tc := range cases {
		a := domain.Agreement{Status: tc.status}
		if got := ProjectStatus(a, tc.acceptance); got != tc.want {
			t.Errorf("project(%s, %s) = %q, want %q", tc.status, tc.acceptance, got, tc.want)
		}
	}
}

func TestClientStatusLoadsReviewState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a, _ := attachStrategy(t, e)
	got, err := e.ClientStatus(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if got != ClientAwaitingCompliance {
		t.Fatalf("status = %s, want %s", got, ClientAwaitingCompliance)
	}
	if _, err := e.ApproveCompliance(ctx, a.ID, "compliance-1"); err != nil {
		t.Fatal(err)
	}
	a, err = e.Repo.GetAgreement(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err = e.ClientStatus(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if got != ClientAwaitingApproval {
		t.Fatalf("status = %s, want %s", got, ClientAwaitingApproval)
	}
}
