// Package effects applies normalized webhook events to agreements. Handlers
// are idempotent and their sub-steps run independently: one failing side
// effect never blocks the others, and every outcome lands in the report so
// operators can see exactly what did and did not apply.
package effects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taxline/internal/correlate"
	"taxline/internal/domain"
	"taxline/internal/engine"
	"taxline/internal/provider"
	"taxline/internal/repo"
)

type Applier struct {
	Engine     engine.Engine
	Correlator correlate.Correlator
	Signatures provider.SignatureProvider
	Files      provider.FileStore
	Mail       provider.Mailer
	Log        zerolog.Logger
	// Backoff between retries of a version-conflicted write.
	Backoff time.Duration
}

// Step is one side effect of a handler.
type Step struct {
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Skipped string `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`

	err error
}

func (s Step) Err() error { return s.err }

// Report is the full outcome of one event application.
type Report struct {
	Event       Event  `json:"event"`
	Correlated  bool   `json:"correlated"`
	AgreementID string `json:"agreement_id,omitempty"`
	Steps       []Step `json:"steps,omitempty"`
}

// Failed reports whether any sub-step errored.
func (r Report) Failed() bool {
	for _, s := range r.Steps {
		if s.err != nil {
			return true
		}
	}
	return false
}

const conflictRetries = 3

// Apply correlates the event and runs its handler. An uncorrelatable event
// is logged and acked; returning an error here would only trigger provider
// redelivery of something that can never resolve.
func (ap Applier) Apply(ctx context.Context, evt Event) (Report, error) {
	report := Report{Event: evt}
	a, err := ap.Correlator.Resolve(ctx, evt.ExternalID, evt.ClientID)
	if err != nil {
		return report, err
	}
	if a == nil {
		ap.Log.Warn().Str("event_type", evt.Type).Str("external_id", evt.ExternalID).
			Msg("event not correlated, acking without effect")
		return report, nil
	}
	report.Correlated = true
	report.AgreementID = a.ID

	switch evt.Type {
	case EventRecipientCompleted, EventEnvelopeCompleted:
		ap.applyEnvelopeSigned(ctx, a.ID, &report)
	case EventEnvelopeDeclined:
		ap.applyEnvelopeClosed(ctx, a.ID, domain.SigDeclined, &report)
		ap.notify(ctx, a.StrategistID, "envelope declined",
			fmt.Sprintf("the client declined the contract for agreement %s", a.ID))
	case EventEnvelopeVoided:
		ap.applyEnvelopeClosed(ctx, a.ID, domain.SigExpired, &report)
		ap.notify(ctx, a.StrategistID, "envelope voided",
			fmt.Sprintf("the contract envelope for agreement %s expired", a.ID))
	case EventDeliverableReady:
		ap.applyDeliverableReady(ctx, a.ID, evt, &report)
	case EventPaymentSucceeded:
		ap.applyPaymentSucceeded(ctx, a.ID, evt, &report)
	case EventPaymentFailed:
		ap.step(ctx, &report, "mark charge failed", func(ctx context.Context) (bool, string, error) {
			return ap.setCharge(ctx, evt.ExternalID, domain.ChargeFailed)
		})
		ap.notify(ctx, a.StrategistID, "payment failed",
			fmt.Sprintf("a payment failed on agreement %s", a.ID))
	case EventCheckoutExpired:
		ap.step(ctx, &report, "mark charge cancelled", func(ctx context.Context) (bool, string, error) {
			return ap.setCharge(ctx, evt.ExternalID, domain.ChargeCancelled)
		})
	default:
		return report, fmt.Errorf("no handler for event type %q", evt.Type)
	}

	for _, s := range report.Steps {
		if s.err != nil {
			ap.Log.Error().Err(s.err).Str("event_type", evt.Type).
				Str("external_id", evt.ExternalID).Str("agreement_id", a.ID).
				Str("step", s.Name).Msg("side effect failed")
		}
	}
	return report, nil
}

func (ap Applier) applyEnvelopeSigned(ctx context.Context, agreementID string, report *Report) {
	ap.step(ctx, report, "mark document signed", func(ctx context.Context) (bool, string, error) {
		changed, err := ap.Engine.MarkDocumentSigned(ctx, agreementID, "", "")
		if err != nil {
			return false, "", err
		}
		if !changed {
			return false, "document already signed", nil
		}
		return true, "", nil
	})
	ap.step(ctx, report, "mark agreement signed", func(ctx context.Context) (bool, string, error) {
		a, err := ap.Engine.Repo.GetAgreement(ctx, agreementID)
		if err != nil {
			return false, "", err
		}
		if domain.StatusAtLeast(a.Status, domain.StatusPendingPayment) {
			return false, "agreement already past signature", nil
		}
		if _, err := ap.Engine.MarkSigned(ctx, agreementID, ""); err != nil {
			return false, "", err
		}
		return true, "", nil
	})
	// a payment that raced ahead of the signature gets caught up here
	ap.step(ctx, report, "apply earlier payment", func(ctx context.Context) (bool, string, error) {
		a, err := ap.Engine.Repo.GetAgreement(ctx, agreementID)
		if err != nil {
			return false, "", err
		}
		if a.Status != domain.StatusPendingPayment {
			return false, "agreement not awaiting payment", nil
		}
		charges, err := ap.Engine.Repo.ListAgreementCharges(ctx, agreementID)
		if err != nil {
			return false, "", err
		}
		paid := false
		for _, c := range charges {
			if c.Status == domain.ChargePaid {
				paid = true
				break
			}
		}
		if !paid {
			return false, "no paid charge on record", nil
		}
		if _, err := ap.Engine.MarkPaid(ctx, agreementID, ""); err != nil {
			return false, "", err
		}
		return true, "", nil
	})
}

// notify is best effort; the agreement already reflects the event by the
// time the mail goes out.
func (ap Applier) notify(ctx context.Context, recipientID, subject, body string) {
	if ap.Mail == nil || recipientID == "" {
		return
	}
	if err := ap.Mail.Send(ctx, recipientID, subject, body); err != nil {
		ap.Log.Error().Err(err).Str("recipient", recipientID).Msg("notification failed")
	}
}

func (ap Applier) applyEnvelopeClosed(ctx context.Context, agreementID, sigStatus string, report *Report) {
	ap.step(ctx, report, "mark document "+sigStatus, func(ctx context.Context) (bool, string, error) {
		changed, err := ap.Engine.SetContractSignature(ctx, agreementID, sigStatus, "")
		if err != nil {
			return false, "", err
		}
		if !changed {
			return false, "document already " + sigStatus, nil
		}
		return true, "", nil
	})
	ap.step(ctx, report, "cancel agreement", func(ctx context.Context) (bool, string, error) {
		a, err := ap.Engine.Repo.GetAgreement(ctx, agreementID)
		if err != nil {
			return false, "", err
		}
		if a.Status == domain.StatusCancelled {
			return false, "agreement already cancelled", nil
		}
		if _, err := ap.Engine.Cancel(ctx, agreementID, ""); err != nil {
			return false, "", err
		}
		return true, "", nil
	})
}

// applyDeliverableReady runs the one multi-step external chain: download the
// signed artifact, stage it in storage, and attach the file version. The
// status transition was already applied by the earlier recipient-completed
// event; a failure here loses only the storage step.
func (ap Applier) applyDeliverableReady(ctx context.Context, agreementID string, evt Event, report *Report) {
	ap.step(ctx, report, "store deliverable", func(ctx context.Context) (bool, string, error) {
		doc, err := ap.Engine.ContractDocument(ctx, agreementID)
		if err != nil {
			return false, "", err
		}
		if doc.FileID != nil {
			return false, "deliverable already stored", nil
		}
		if ap.Signatures == nil || ap.Files == nil {
			return false, "", fmt.Errorf("storage collaborators not configured")
		}
		data, err := ap.Signatures.DownloadDeliverable(ctx, evt.ExternalID, evt.DeliverableID)
		if err != nil {
			return false, "", fmt.Errorf("download deliverable: %w", err)
		}
		name := evt.FileName
		if name == "" {
			name = doc.Name + ".pdf"
		}
		slot, err := ap.Files.RequestUploadSlot(ctx, name, "application/pdf")
		if err != nil {
			return false, "", fmt.Errorf("request upload slot: %w", err)
		}
		if err := ap.Files.Upload(ctx, slot, data); err != nil {
			return false, "", fmt.Errorf("upload: %w", err)
		}
		if err := ap.Files.CreateFileVersion(ctx, doc.ID, slot.FileID); err != nil {
			return false, "", fmt.Errorf("create file version: %w", err)
		}
		if err := ap.Engine.RecordDocumentFile(ctx, doc.ID, slot.FileID, ""); err != nil {
			return false, "", fmt.Errorf("record file reference: %w", err)
		}
		return true, "", nil
	})
}

func (ap Applier) applyPaymentSucceeded(ctx context.Context, agreementID string, evt Event, report *Report) {
	ap.step(ctx, report, "mark charge paid", func(ctx context.Context) (bool, string, error) {
		return ap.setCharge(ctx, evt.ExternalID, domain.ChargePaid)
	})
	ap.step(ctx, report, "complete pay todo", func(ctx context.Context) (bool, string, error) {
		changed, err := ap.Engine.CompleteTodoByLabel(ctx, agreementID, "pay", "")
		if err != nil {
			return false, "", err
		}
		if !changed {
			return false, "pay todo already completed", nil
		}
		return true, "", nil
	})
	ap.step(ctx, report, "mark agreement paid", func(ctx context.Context) (bool, string, error) {
		a, err := ap.Engine.Repo.GetAgreement(ctx, agreementID)
		if err != nil {
			return false, "", err
		}
		if domain.StatusAtLeast(a.Status, domain.StatusPendingTodosCompletion) {
			return false, "agreement already past payment", nil
		}
		if a.Status != domain.StatusPendingPayment {
			// payment arrived before the signature; the envelope handler
			// catches the agreement up when its event lands
			return false, "agreement not yet awaiting payment", nil
		}
		if _, err := ap.Engine.MarkPaid(ctx, agreementID, ""); err != nil {
			return false, "", err
		}
		return true, "", nil
	})
}

func (ap Applier) setCharge(ctx context.Context, externalID, status string) (bool, string, error) {
	changed, err := ap.Engine.SetChargeStatus(ctx, externalID, status, "")
	if err != nil {
		return false, "", err
	}
	if !changed {
		return false, "charge already settled", nil
	}
	return true, "", nil
}

// step runs one side effect with bounded retry on version conflicts and
// records the outcome. fn returns (applied, skip reason, error).
func (ap Applier) step(ctx context.Context, report *Report, name string, fn func(context.Context) (bool, string, error)) {
	backoff := ap.Backoff
	if backoff <= 0 {
		backoff = 25 * time.Millisecond
	}
	var applied bool
	var skipped string
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		applied, skipped, err = fn(ctx)
		if !errors.Is(err, repo.ErrVersionConflict) {
			break
		}
		time.Sleep(backoff * time.Duration(attempt+1))
	}
	s := Step{Name: name, Applied: applied, Skipped: skipped, err: err}
	if err != nil {
		s.Error = err.Error()
	}
	report.Steps = append(report.Steps, s)
}
