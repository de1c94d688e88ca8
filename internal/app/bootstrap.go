package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/engine/auth"
	"joatu/internal/migrate"
	"joatu/internal/repo"
)

// Open connects to the store, applies migrations and seeds reference data
// from cfg, returning a ready engine.
func Open(ctx context.Context, dbCfg db.Config, cfg *config.Config) (engine.Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return engine.Engine{}, err
	}
	if err := migrate.MigrateDialect(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, dbCfg.Dialect(), cfg)
	if err := Seed(ctx, e.Repo, cfg); err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	return e, nil
}

// Seed inserts permissions, roles and the category catalog declared in cfg.
// Existing categories are updated in place; nothing is removed.
func Seed(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range auth.Permissions {
		if err := r.InsertPermission(ctx, tx, p, ""); err != nil {
			return fmt.Errorf("seed permission %s: %w", p, err)
		}
	}
	for roleID, role := range cfg.RBAC.Roles {
		if err := r.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", roleID, err)
		}
		for _, p := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, p, ""); err != nil {
				return fmt.Errorf("seed permission %s: %w", p, err)
			}
			if err := r.AddRolePermission(ctx, tx, roleID, p); err != nil {
				return fmt.Errorf("seed role %s: %w", roleID, err)
			}
		}
	}
	for _, c := range orderedCategories(cfg.Categories) {
		cat := domain.Category{ID: c.ID, Name: c.Name, Position: c.Position, CreatedAt: now}
		if c.Parent != "" {
			parent := c.Parent
			cat.ParentID = &parent
		}
		if err := r.UpsertCategory(ctx, tx, cat); err != nil {
			return fmt.Errorf("seed category %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// orderedCategories puts parents before their children.
func orderedCategories(in []config.CategorySeed) []config.CategorySeed {
	placed := map[string]bool{}
	out := make([]config.CategorySeed, 0, len(in))
	for len(out) < len(in) {
		progressed := false
		for _, c := range in {
			if placed[c.ID] || (c.Parent != "" && !placed[c.Parent]) {
				continue
			}
			placed[c.ID] = true
			out = append(out, c)
			progressed = true
		}
		if !progressed {
			// parents missing from the seed; let the store report them
			for _, c := range in {
				if !placed[c.ID] {
					placed[c.ID] = true
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// EnsureActor registers actorID on first sight and gives it the configured
// default role.
func EnsureActor(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	known, err := r.ActorExists(ctx, nil, actorID)
	if err != nil || known {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if cfg != nil && cfg.RBAC.DefaultRole != "" {
		if err := r.AssignRole(ctx, tx, actorID, cfg.RBAC.DefaultRole); err != nil {
			return fmt.Errorf("assign default role: %w", err)
		}
	}
	return tx.Commit()
}
