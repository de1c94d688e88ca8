package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, q Querier, actorID string, now string) error {
	_, err := r.exec(ctx, q, `INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, now)
	return err
}

func (r Repo) ActorExists(ctx context.Context, q Querier, actorID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT 1 FROM actors WHERE id=?`, actorID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) InsertRole(ctx context.Context, q Querier, id, desc string) error {
	_, err := r.exec(ctx, q, `INSERT INTO roles(id, description) VALUES (?,?) ON CONFLICT DO NOTHING`, id, nullable(desc))
	return err
}

func (r Repo) InsertPermission(ctx context.Context, q Querier, id, desc string) error {
	_, err := r.exec(ctx, q, `INSERT INTO permissions(id, description) VALUES (?,?) ON CONFLICT DO NOTHING`, id, nullable(desc))
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, q Querier, roleID, permID string) error {
	_, err := r.exec(ctx, q, `INSERT INTO role_permissions(role_id, permission_id) VALUES (?,?) ON CONFLICT DO NOTHING`, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, q Querier, actorID, roleID string) error {
	_, err := r.exec(ctx, q, `INSERT INTO actor_roles(actor_id, role_id) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, q Querier, actorID, roleID string) error {
	_, err := r.exec(ctx, q, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ActorHasPermission(ctx context.Context, q Querier, actorID, perm string) (bool, error) {
	var n int
	err := r.queryRow(ctx, q, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`, actorID, perm).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ActorRoles(ctx context.Context, q Querier, actorID string) ([]string, error) {
	return r.scanStrings(ctx, q, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
}

func (r Repo) ActorPermissions(ctx context.Context, q Querier, actorID string) ([]string, error) {
	return r.scanStrings(ctx, q, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? ORDER BY rp.permission_id`, actorID)
}

func (r Repo) RolePermissions(ctx context.Context, q Querier, roleID string) ([]string, error) {
	return r.scanStrings(ctx, q, `SELECT permission_id FROM role_permissions WHERE role_id=? ORDER BY permission_id`, roleID)
}

func (r Repo) scanStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
