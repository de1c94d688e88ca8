package repo

import (
	"context"
	"database/sql"

	"joatu/internal/domain"
)

func (r Repo) InsertLink(ctx context.Context, tx *sql.Tx, l domain.ResponseLink) error {
	_, err := r.exec(ctx, tx, `INSERT INTO response_links(id,source_id,response_id,creator_id,created_at) VALUES (?,?,?,?,?)`,
		l.ID, nullableStringPtr(l.SourceID), nullableStringPtr(l.ResponseID), l.CreatorID, l.CreatedAt)
	return err
}

// LinkExists reports whether the ordered pair is already linked.
func (r Repo) LinkExists(ctx context.Context, q Querier, sourceID, responseID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT 1 FROM response_links WHERE source_id=? AND response_id=? LIMIT 1`, sourceID, responseID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) GetLink(ctx context.Context, q Querier, id string) (domain.ResponseLink, error) {
	links, err := r.scanLinks(ctx, q, `SELECT id,source_id,response_id,creator_id,created_at FROM response_links WHERE id=?`, id)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	if len(links) == 0 {
		return domain.ResponseLink{}, ErrNotFound
	}
	return links[0], nil
}

// ListLinks returns links where exchangeID is the source or the response,
// oldest first. An empty id lists every link.
func (r Repo) ListLinks(ctx context.Context, exchangeID string) ([]domain.ResponseLink, error) {
	if exchangeID == "" {
		return r.scanLinks(ctx, nil, `SELECT id,source_id,response_id,creator_id,created_at FROM response_links ORDER BY created_at, id`)
	}
	return r.scanLinks(ctx, nil, `SELECT id,source_id,response_id,creator_id,created_at FROM response_links WHERE source_id=? OR response_id=? ORDER BY created_at, id`,
		exchangeID, exchangeID)
}

func (r Repo) scanLinks(ctx context.Context, q Querier, query string, args ...any) ([]domain.ResponseLink, error) {
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResponseLink
	for rows.Next() {
		var l domain.ResponseLink
		var source, response sql.NullString
		if err := rows.Scan(&l.ID, &source, &response, &l.CreatorID, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.SourceID = optionalString(source)
		l.ResponseID = optionalString(response)
		res = append(res, l)
	}
	return res, rows.Err()
}
