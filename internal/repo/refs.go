package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taxline/internal/domain"
)

// External-id index and webhook delivery log. The index is written at
// issuance time (when the envelope or checkout is created) so correlation
// is a single keyed lookup rather than a scan.

func (r Repo) InsertExternalRef(ctx context.Context, tx *sql.Tx, ref domain.ExternalRef) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO external_refs(external_id,kind,agreement_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(external_id) DO UPDATE SET kind=excluded.kind, agreement_id=excluded.agreement_id`,
		ref.ExternalID, ref.Kind, ref.AgreementID, ref.CreatedAt)
	return err
}

func (r Repo) AgreementByExternalRef(ctx context.Context, externalID string) (domain.Agreement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agreementColsPrefixed("a")+` FROM agreements a
JOIN external_refs x ON x.agreement_id = a.id WHERE x.external_id=?`, externalID)
	return scanAgreement(row.Scan)
}

func agreementColsPrefixed(alias string) string {
	cols := []string{"id", "client_id", "strategist_id", "status", "version"}
	out := make([]string, 0, 12)
	for _, c := range cols {
		out = append(out, alias+"."+c)
	}
	out = append(out, fmt.Sprintf("COALESCE(%s.description,'') AS description", alias))
	for _, c := range []string{"envelope_id", "review_json", "strategy_document_id", "created_at", "updated_at", "cancelled_at"} {
		out = append(out, alias+"."+c)
	}
	return strings.Join(out, ",")
}

func (r Repo) InsertWebhookDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_deliveries(provider,event_id,event_type,external_id,agreement_id,outcome_json,received_at)
VALUES (?,?,?,?,?,?,?)`,
		d.Provider, nullable(d.EventID), d.EventType, nullable(d.ExternalID), nullableStringPtr(d.AgreementID),
		nullable(d.OutcomeJSON), d.ReceivedAt)
	return err
}

type DeliveryFilters struct {
	Provider     string
	Uncorrelated bool
	Limit        int
}

// ListWebhookDeliveries backs the manual-reconciliation view.
func (r Repo) ListWebhookDeliveries(ctx context.Context, f DeliveryFilters) ([]domain.WebhookDelivery, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.Uncorrelated {
		clauses = append(clauses, "agreement_id IS NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,provider,event_id,event_type,external_id,agreement_id,outcome_json,received_at FROM webhook_deliveries
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		var eventID, externalID, agreementID, outcome sql.NullString
		if err := rows.Scan(&d.ID, &d.Provider, &eventID, &d.EventType, &externalID, &agreementID, &outcome, &d.ReceivedAt); err != nil {
			return nil, err
		}
		if eventID.Valid {
			d.EventID = eventID.String
		}
		if externalID.Valid {
			d.ExternalID = externalID.String
		}
		if agreementID.Valid {
			d.AgreementID = &agreementID.String
		}
		if outcome.Valid {
			d.OutcomeJSON = outcome.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest audit events, optionally scoped.
func (r Repo) LatestEvents(ctx context.Context, limit int, agreementID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if agreementID != "" {
		clauses = append(clauses, "agreement_id=?")
		args = append(args, agreementID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(agreement_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AgreementID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
