package repo

import (
	"context"
	"database/sql"

	"taxline/internal/domain"
)

const documentCols = `id,agreement_id,type,name,signature_status,acceptance_status,accepted,file_id,signed_at,created_at,updated_at`

func scanDocument(scan func(dest ...any) error) (domain.Document, error) {
	var d domain.Document
	var acceptance, fileID, signedAt sql.NullString
	var accepted int
	err := scan(&d.ID, &d.AgreementID, &d.Type, &d.Name, &d.SignatureStatus, &acceptance, &accepted, &fileID, &signedAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Accepted = accepted != 0
	if acceptance.Valid {
		d.AcceptanceStatus = &acceptance.String
	}
	if fileID.Valid {
		d.FileID = &fileID.String
	}
	if signedAt.Valid {
		d.SignedAt = &signedAt.String
	}
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,agreement_id,type,name,signature_status,acceptance_status,accepted,file_id,signed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.AgreementID, d.Type, d.Name, d.SignatureStatus, nullableStringPtr(d.AcceptanceStatus),
		boolToInt(d.Accepted), nullableStringPtr(d.FileID), nullableStringPtr(d.SignedAt), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) UpdateDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET signature_status=?, acceptance_status=?, accepted=?, file_id=?, signed_at=?, updated_at=? WHERE id=?`,
		d.SignatureStatus, nullableStringPtr(d.AcceptanceStatus), boolToInt(d.Accepted),
		nullableStringPtr(d.FileID), nullableStringPtr(d.SignedAt), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

func (r Repo) ListAgreementDocuments(ctx context.Context, agreementID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+documentCols+` FROM documents WHERE agreement_id=? ORDER BY created_at ASC, id ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
