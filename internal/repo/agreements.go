package repo

import (
	"context"
	"database/sql"
	"fmt"

	"joatu/internal/domain"
)

const agreementColumns = `id,offer_id,request_id,COALESCE(terms,''),COALESCE(value,''),status,creator_id,created_at,updated_at`

func (r Repo) InsertAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	_, err := r.exec(ctx, tx, `INSERT INTO agreements(id,offer_id,request_id,terms,value,status,creator_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OfferID, a.RequestID, nullable(a.Terms), nullable(a.Value), a.Status, a.CreatorID, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgreement(ctx context.Context, q Querier, id string) (domain.Agreement, error) {
	var a domain.Agreement
	err := r.queryRow(ctx, q, `SELECT `+agreementColumns+` FROM agreements WHERE id=?`, id).
		Scan(&a.ID, &a.OfferID, &a.RequestID, &a.Terms, &a.Value, &a.Status, &a.CreatorID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// AgreementForPair returns the agreement binding offerID and requestID, whatever its status.
func (r Repo) AgreementForPair(ctx context.Context, q Querier, offerID, requestID string) (domain.Agreement, error) {
	var a domain.Agreement
	err := r.queryRow(ctx, q, `SELECT `+agreementColumns+` FROM agreements WHERE offer_id=? AND request_id=?`, offerID, requestID).
		Scan(&a.ID, &a.OfferID, &a.RequestID, &a.Terms, &a.Value, &a.Status, &a.CreatorID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// TransitionAgreement moves an agreement from one status to another and
// reports how many rows changed. Zero means the agreement was no longer in
// status from. Unique index violations are returned untouched so callers can
// classify them.
func (r Repo) TransitionAgreement(ctx context.Context, tx *sql.Tx, id, from, to, now string) (int64, error) {
	res, err := r.exec(ctx, tx, `UPDATE agreements SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AcceptedSibling returns the id of an accepted agreement, other than
// excludeID, that binds offerID or requestID.
func (r Repo) AcceptedSibling(ctx context.Context, q Querier, offerID, requestID, excludeID string) (string, error) {
	var id string
	err := r.queryRow(ctx, q, `SELECT id FROM agreements WHERE status=? AND id<>? AND (offer_id=? OR request_id=?) LIMIT 1`,
		domain.AgreementAccepted, excludeID, offerID, requestID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// AgreementFilters narrows ListAgreements.
type AgreementFilters struct {
	ExchangeID string
	Status     string
	Limit      int
}

func (r Repo) ListAgreements(ctx context.Context, f AgreementFilters) ([]domain.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM agreements WHERE 1=1`
	var args []any
	if f.ExchangeID != "" {
		query += ` AND (offer_id=? OR request_id=?)`
		args = append(args, f.ExchangeID, f.ExchangeID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()
	var res []domain.Agreement
	for rows.Next() {
		var a domain.Agreement
		if err := rows.Scan(&a.ID, &a.OfferID, &a.RequestID, &a.Terms, &a.Value, &a.Status, &a.CreatorID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
