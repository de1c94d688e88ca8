package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"joatu/internal/domain"
)

// UpsertCategory inserts a category or updates its name, position and parent.
func (r Repo) UpsertCategory(ctx context.Context, q Querier, c domain.Category) error {
	_, err := r.exec(ctx, q, `INSERT INTO categories(id,name,position,parent_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, position=excluded.position, parent_id=excluded.parent_id`,
		c.ID, c.Name, c.Position, nullableStringPtr(c.ParentID), c.CreatedAt)
	return err
}

// DeleteCategory removes an unreferenced category. The store refuses to
// delete a category still used by an exchange record.
func (r Repo) DeleteCategory(ctx context.Context, q Querier, id string) error {
	res, err := r.exec(ctx, q, `DELETE FROM categories WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetCategory(ctx context.Context, q Querier, id string) (domain.Category, error) {
	var c domain.Category
	var parent sql.NullString
	err := r.queryRow(ctx, q, `SELECT id,name,position,parent_id,created_at FROM categories WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Position, &parent, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.ParentID = optionalString(parent)
	return c, err
}

func (r Repo) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return r.scanCategories(ctx, nil, `SELECT id,name,position,parent_id,created_at FROM categories ORDER BY COALESCE(parent_id,''), position, name`)
}

// CategoriesByID returns the known categories among ids, in catalog order.
func (r Repo) CategoriesByID(ctx context.Context, q Querier, ids []string) ([]domain.Category, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id,name,position,parent_id,created_at FROM categories WHERE id IN (%s) ORDER BY position, name`, placeholders(len(ids)))
	return r.scanCategories(ctx, q, query, stringArgs(ids)...)
}

func (r Repo) scanCategories(ctx context.Context, q Querier, query string, args ...any) ([]domain.Category, error) {
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Category
	for rows.Next() {
		var c domain.Category
		var parent sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Position, &parent, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ParentID = optionalString(parent)
		res = append(res, c)
	}
	return res, rows.Err()
}

// MissingCategories returns the ids not present in the catalog.
func (r Repo) MissingCategories(ctx context.Context, q Querier, ids []string) ([]string, error) {
	found, err := r.CategoriesByID(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(found))
	for _, c := range found {
		known[c.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !known[strings.TrimSpace(id)] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
