package repo

import (
	"context"
	"database/sql"

	"taxline/internal/domain"
)

const chargeCols = `id,agreement_id,external_id,amount_cents,currency,status,created_at,updated_at`

func scanCharge(scan func(dest ...any) error) (domain.Charge, error) {
	var c domain.Charge
	var agreementID sql.NullString
	err := scan(&c.ID, &agreementID, &c.ExternalID, &c.AmountCents, &c.Currency, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if agreementID.Valid {
		c.AgreementID = &agreementID.String
	}
	return c, err
}

func (r Repo) InsertCharge(ctx context.Context, tx *sql.Tx, c domain.Charge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO charges(id,agreement_id,external_id,amount_cents,currency,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, nullableStringPtr(c.AgreementID), c.ExternalID, c.AmountCents, c.Currency, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetChargeByExternalID(ctx context.Context, externalID string) (domain.Charge, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+chargeCols+` FROM charges WHERE external_id=?`, externalID)
	return scanCharge(row.Scan)
}

func (r Repo) ListAgreementCharges(ctx context.Context, agreementID string) ([]domain.Charge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+chargeCols+` FROM charges WHERE agreement_id=? ORDER BY created_at DESC, id DESC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Charge
	for rows.Next() {
		c, err := scanCharge(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetChargeStatus moves a charge to status unless it is already there.
// Returns the number of rows changed; zero means the transition had already
// been applied (duplicate delivery).
func (r Repo) SetChargeStatus(ctx context.Context, tx *sql.Tx, externalID, status, updatedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE charges SET status=?, updated_at=? WHERE external_id=? AND status != ?`,
		status, updatedAt, externalID, status)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
