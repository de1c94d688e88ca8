package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"joatu/internal/domain"
	"joatu/internal/match"
)

const exchangeColumns = `id,kind,name_json,description_json,status,urgency,target_type,target_id,creator_id,created_at,updated_at`

// ExchangeFilters narrows ListExchanges.
type ExchangeFilters struct {
	Kind       domain.Kind
	Status     string
	CategoryID string
	CreatorID  string
	Target     *domain.Target
	Limit      int
}

// InsertExchange writes the record with its categorizations and address.
func (r Repo) InsertExchange(ctx context.Context, tx *sql.Tx, ex domain.Exchange) error {
	name, desc, err := marshalText(ex)
	if err != nil {
		return err
	}
	targetType, targetID := targetArgs(ex.Target)
	if _, err := r.exec(ctx, tx, `INSERT INTO exchanges(`+exchangeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ex.ID, string(ex.Kind), name, desc, ex.Status, ex.Urgency, targetType, targetID, ex.CreatorID, ex.CreatedAt, ex.UpdatedAt); err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	if err := r.replaceCategorizations(ctx, tx, ex.ID, ex.CategoryIDs); err != nil {
		return err
	}
	return r.replaceAddress(ctx, tx, ex.ID, ex.Address)
}

// UpdateExchange rewrites the mutable columns, categorizations and address.
func (r Repo) UpdateExchange(ctx context.Context, tx *sql.Tx, ex domain.Exchange) error {
	name, desc, err := marshalText(ex)
	if err != nil {
		return err
	}
	targetType, targetID := targetArgs(ex.Target)
	res, err := r.exec(ctx, tx, `UPDATE exchanges SET name_json=?, description_json=?, status=?, urgency=?, target_type=?, target_id=?, updated_at=? WHERE id=?`,
		name, desc, ex.Status, ex.Urgency, targetType, targetID, ex.UpdatedAt, ex.ID)
	if err != nil {
		return fmt.Errorf("update exchange: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.replaceCategorizations(ctx, tx, ex.ID, ex.CategoryIDs); err != nil {
		return err
	}
	return r.replaceAddress(ctx, tx, ex.ID, ex.Address)
}

// DeleteExchange removes the record. Agreements, categorizations and the
// address cascade; response links referencing it are nulled.
func (r Repo) DeleteExchange(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.exec(ctx, tx, `DELETE FROM exchanges WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) replaceCategorizations(ctx context.Context, tx *sql.Tx, exchangeID string, categoryIDs []string) error {
	if _, err := r.exec(ctx, tx, `DELETE FROM categorizations WHERE exchange_id=?`, exchangeID); err != nil {
		return err
	}
	for _, cid := range categoryIDs {
		if _, err := r.exec(ctx, tx, `INSERT INTO categorizations(category_id,exchange_id) VALUES (?,?) ON CONFLICT DO NOTHING`, cid, exchangeID); err != nil {
			return fmt.Errorf("categorize %s: %w", cid, err)
		}
	}
	return nil
}

func (r Repo) replaceAddress(ctx context.Context, tx *sql.Tx, exchangeID string, a *domain.Address) error {
	if a == nil {
		_, err := r.exec(ctx, tx, `DELETE FROM addresses WHERE exchange_id=?`, exchangeID)
		return err
	}
	_, err := r.exec(ctx, tx, `INSERT INTO addresses(exchange_id,line1,line2,city,region,postal_code,country) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(exchange_id) DO UPDATE SET line1=excluded.line1, line2=excluded.line2, city=excluded.city, region=excluded.region, postal_code=excluded.postal_code, country=excluded.country`,
		exchangeID, nullable(a.Line1), nullable(a.Line2), nullable(a.City), nullable(a.Region), nullable(a.PostalCode), nullable(a.Country))
	return err
}

// GetExchange loads one record with its categories and address.
func (r Repo) GetExchange(ctx context.Context, q Querier, id string) (domain.Exchange, error) {
	items, err := r.GetExchanges(ctx, q, []string{id})
	if err != nil {
		return domain.Exchange{}, err
	}
	if len(items) == 0 {
		return domain.Exchange{}, ErrNotFound
	}
	return items[0], nil
}

// exchangeChunk bounds the ids bound into one IN list; sqlite refuses
// statements with more than 32766 variables.
const exchangeChunk = 500

// GetExchanges batch-loads records in the order of ids; unknown ids are skipped.
// Each query is drained before the next so a single pooled connection suffices.
func (r Repo) GetExchanges(ctx context.Context, q Querier, ids []string) ([]domain.Exchange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]*domain.Exchange, len(ids))
	for start := 0; start < len(ids); start += exchangeChunk {
		end := min(start+exchangeChunk, len(ids))
		if err := r.loadExchanges(ctx, q, ids[start:end], byID); err != nil {
			return nil, err
		}
	}
	out := make([]domain.Exchange, 0, len(byID))
	for _, id := range ids {
		if ex, ok := byID[id]; ok {
			out = append(out, *ex)
			delete(byID, id)
		}
	}
	return out, nil
}

func (r Repo) loadExchanges(ctx context.Context, q Querier, ids []string, byID map[string]*domain.Exchange) error {
	args := stringArgs(ids)
	in := placeholders(len(ids))
	records, err := r.scanExchanges(ctx, q, fmt.Sprintf(`SELECT %s FROM exchanges WHERE id IN (%s)`, exchangeColumns, in), args...)
	if err != nil {
		return err
	}
	chunk := make(map[string]*domain.Exchange, len(records))
	for i := range records {
		chunk[records[i].ID] = &records[i]
	}
	if err := r.loadCategorizations(ctx, q, in, args, chunk); err != nil {
		return err
	}
	if err := r.loadAddresses(ctx, q, in, args, chunk); err != nil {
		return err
	}
	for id, ex := range chunk {
		byID[id] = ex
	}
	return nil
}

func (r Repo) loadCategorizations(ctx context.Context, q Querier, in string, args []any, byID map[string]*domain.Exchange) error {
	rows, err := r.query(ctx, q, fmt.Sprintf(`SELECT exchange_id, category_id FROM categorizations WHERE exchange_id IN (%s) ORDER BY category_id`, in), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var exID, catID string
		if err := rows.Scan(&exID, &catID); err != nil {
			return err
		}
		if ex, ok := byID[exID]; ok {
			ex.CategoryIDs = append(ex.CategoryIDs, catID)
		}
	}
	return rows.Err()
}

func (r Repo) loadAddresses(ctx context.Context, q Querier, in string, args []any, byID map[string]*domain.Exchange) error {
	rows, err := r.query(ctx, q, fmt.Sprintf(`SELECT exchange_id, COALESCE(line1,''), COALESCE(line2,''), COALESCE(city,''), COALESCE(region,''), COALESCE(postal_code,''), COALESCE(country,'') FROM addresses WHERE exchange_id IN (%s)`, in), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var exID string
		var a domain.Address
		if err := rows.Scan(&exID, &a.Line1, &a.Line2, &a.City, &a.Region, &a.PostalCode, &a.Country); err != nil {
			return err
		}
		if ex, ok := byID[exID]; ok {
			addr := a
			ex.Address = &addr
		}
	}
	return rows.Err()
}

// ListExchanges returns records matching filters, newest first.
func (r Repo) ListExchanges(ctx context.Context, f ExchangeFilters) ([]domain.Exchange, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "e.kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		clauses = append(clauses, "e.status=?")
		args = append(args, f.Status)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "e.creator_id=?")
		args = append(args, f.CreatorID)
	}
	if !f.Target.IsZero() {
		clauses = append(clauses, "e.target_type=? AND e.target_id=?")
		args = append(args, f.Target.Type, f.Target.ID)
	}
	if f.CategoryID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM categorizations c WHERE c.exchange_id=e.id AND c.category_id=?)")
		args = append(args, f.CategoryID)
	}
	query := `SELECT e.id FROM exchanges e WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY e.created_at DESC, e.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	ids, err := r.scanIDs(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	return r.GetExchanges(ctx, nil, ids)
}

// MatchCandidates resolves matchmaking criteria through the categorization
// index and returns the candidate ids.
func (r Repo) MatchCandidates(ctx context.Context, q Querier, c match.Criteria) ([]string, error) {
	if len(c.CategoryIDs) == 0 {
		return nil, nil
	}
	clauses := []string{
		fmt.Sprintf("c.category_id IN (%s)", placeholders(len(c.CategoryIDs))),
		"e.kind=?",
	}
	args := stringArgs(c.CategoryIDs)
	args = append(args, string(c.Kind))
	if c.ExcludeCreator != "" {
		clauses = append(clauses, "e.creator_id<>?")
		args = append(args, c.ExcludeCreator)
	}
	if c.ExcludeID != "" {
		clauses = append(clauses, "e.id<>?")
		args = append(args, c.ExcludeID)
	}
	if !c.Target.IsZero() {
		clauses = append(clauses, "(e.target_type IS NULL OR (e.target_type=? AND e.target_id=?))")
		args = append(args, c.Target.Type, c.Target.ID)
	}
	if len(c.Statuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("e.status IN (%s)", placeholders(len(c.Statuses))))
		args = append(args, stringArgs(c.Statuses)...)
	}
	query := `SELECT DISTINCT e.id FROM categorizations c JOIN exchanges e ON e.id=c.exchange_id WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY e.id`
	return r.scanIDs(ctx, q, query, args...)
}

func (r Repo) scanIDs(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) scanExchanges(ctx context.Context, q Querier, query string, args ...any) ([]domain.Exchange, error) {
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Exchange
	for rows.Next() {
		var ex domain.Exchange
		var kind, name, desc string
		var targetType, targetID sql.NullString
		if err := rows.Scan(&ex.ID, &kind, &name, &desc, &ex.Status, &ex.Urgency, &targetType, &targetID, &ex.CreatorID, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
			return nil, err
		}
		ex.Kind = domain.Kind(kind)
		if err := json.Unmarshal([]byte(name), &ex.Name); err != nil {
			return nil, fmt.Errorf("exchange %s name: %w", ex.ID, err)
		}
		if err := json.Unmarshal([]byte(desc), &ex.Description); err != nil {
			return nil, fmt.Errorf("exchange %s description: %w", ex.ID, err)
		}
		if targetType.Valid && targetID.Valid {
			ex.Target = &domain.Target{Type: targetType.String, ID: targetID.String}
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

func marshalText(ex domain.Exchange) (string, string, error) {
	name, err := json.Marshal(ex.Name)
	if err != nil {
		return "", "", fmt.Errorf("marshal name: %w", err)
	}
	desc, err := json.Marshal(ex.Description)
	if err != nil {
		return "", "", fmt.Errorf("marshal description: %w", err)
	}
	return string(name), string(desc), nil
}

func targetArgs(t *domain.Target) (any, any) {
	if t.IsZero() {
		return nil, nil
	}
	return t.Type, t.ID
}
