package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taxline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an update supplies a stale version;
// the row was modified by a concurrent writer since it was read.
var ErrVersionConflict = errors.New("version conflict")

const agreementCols = `id,client_id,strategist_id,status,version,COALESCE(description,'') AS description,envelope_id,review_json,strategy_document_id,created_at,updated_at,cancelled_at`

func scanAgreement(scan func(dest ...any) error) (domain.Agreement, error) {
	var a domain.Agreement
	var envelopeID, reviewJSON, strategyDocID, cancelledAt sql.NullString
	err := scan(&a.ID, &a.ClientID, &a.StrategistID, &a.Status, &a.Version, &a.Description,
		&envelopeID, &reviewJSON, &strategyDocID, &a.CreatedAt, &a.UpdatedAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if envelopeID.Valid {
		a.EnvelopeID = &envelopeID.String
	}
	if reviewJSON.Valid {
		a.ReviewJSON = &reviewJSON.String
	}
	if strategyDocID.Valid {
		a.StrategyDocumentID = &strategyDocID.String
	}
	if cancelledAt.Valid {
		a.CancelledAt = &cancelledAt.String
	}
	return a, nil
}

func (r Repo) InsertAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agreements(id,client_id,strategist_id,status,version,description,envelope_id,review_json,strategy_document_id,created_at,updated_at,cancelled_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ClientID, a.StrategistID, a.Status, a.Version, nullable(a.Description),
		nullableStringPtr(a.EnvelopeID), nullableStringPtr(a.ReviewJSON), nullableStringPtr(a.StrategyDocumentID),
		a.CreatedAt, a.UpdatedAt, nullableStringPtr(a.CancelledAt))
	return err
}

func (r Repo) GetAgreement(ctx context.Context, id string) (domain.Agreement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE id=?`, id)
	return scanAgreement(row.Scan)
}

func (r Repo) GetAgreementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agreement, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE id=?`, id)
	return scanAgreement(row.Scan)
}

// AgreementByEnvelope resolves via the structured envelope_id column.
func (r Repo) AgreementByEnvelope(ctx context.Context, envelopeID string) (domain.Agreement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE envelope_id=?`, envelopeID)
	return scanAgreement(row.Scan)
}

type AgreementFilters struct {
	ClientID        string
	StrategistID    string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListAgreements(ctx context.Context, f AgreementFilters) ([]domain.Agreement, error) {
	var clauses []string
	var args []any
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.StrategistID != "" {
		clauses = append(clauses, "strategist_id=?")
		args = append(args, f.StrategistID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + agreementCols + ` FROM agreements ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAgreement writes every mutable field and bumps the version. The row
// must still carry the version the caller read; a concurrent writer having
// advanced it yields ErrVersionConflict and no mutation.
func (r Repo) UpdateAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	res, err := tx.ExecContext(ctx, `UPDATE agreements SET status=?, description=?, envelope_id=?, review_json=?, strategy_document_id=?, updated_at=?, cancelled_at=?, version=version+1
WHERE id=? AND version=?`,
		a.Status, nullable(a.Description), nullableStringPtr(a.EnvelopeID), nullableStringPtr(a.ReviewJSON),
		nullableStringPtr(a.StrategyDocumentID), a.UpdatedAt, nullableStringPtr(a.CancelledAt), a.ID, a.Version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM agreements WHERE id=?`, a.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
