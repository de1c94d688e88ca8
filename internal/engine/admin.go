package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"joatu/internal/domain"
	"joatu/internal/engine/auth"
	"joatu/internal/events"
	"joatu/internal/repo"
)

// SaveCategory creates or updates a catalog entry.
func (e Engine) SaveCategory(ctx context.Context, c domain.Category, actorID string) (domain.Category, error) {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(norm.NFC.String(c.Name))
	if c.ID == "" {
		return c, invalid("id", "is required")
	}
	if c.Name == "" {
		return c, invalid("name", "is required")
	}
	if c.ParentID != nil && (*c.ParentID == "" || *c.ParentID == c.ID) {
		return c, invalid("parent_id", "must reference another category")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.require(ctx, tx, actorID, auth.CategoryManage, c); err != nil {
		return c, err
	}
	if existing, err := e.Repo.GetCategory(ctx, tx, c.ID); err == nil {
		c.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, repo.ErrNotFound) {
		c.CreatedAt = e.timestamp()
	} else {
		return c, err
	}
	if err := e.Repo.UpsertCategory(ctx, tx, c); err != nil {
		if repo.IsForeignKeyViolation(err) {
			return c, invalid("parent_id", "does not exist")
		}
		return c, err
	}
	if err := e.events().Append(ctx, tx, events.CategoryChanged, "category", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// DeleteCategory removes a category nothing refers to.
func (e Engine) DeleteCategory(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.require(ctx, tx, actorID, auth.CategoryManage, nil); err != nil {
		return err
	}
	if err := e.Repo.DeleteCategory(ctx, tx, id); err != nil {
		if repo.IsForeignKeyViolation(err) {
			return invalid("category", "is still in use")
		}
		return err
	}
	if err := e.events().Append(ctx, tx, events.CategoryDeleted, "category", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return e.Repo.ListCategories(ctx)
}

func (e Engine) GrantRole(ctx context.Context, actorID, targetActor, role string) error {
	return e.changeRole(ctx, actorID, targetActor, role, true)
}

func (e Engine) RevokeRole(ctx context.Context, actorID, targetActor, role string) error {
	return e.changeRole(ctx, actorID, targetActor, role, false)
}

func (e Engine) changeRole(ctx context.Context, actorID, targetActor, role string, grant bool) error {
	if targetActor == "" || role == "" {
		return invalid("role", "actor and role are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.require(ctx, tx, actorID, auth.RBACManage, nil); err != nil {
		return err
	}
	evt := events.RoleRevoked
	if grant {
		evt = events.RoleGranted
		if err := e.Repo.EnsureActor(ctx, tx, targetActor, e.timestamp()); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, targetActor, role); err != nil {
			if repo.IsForeignKeyViolation(err) {
				return invalid("role", "unknown role "+role)
			}
			return err
		}
	} else if err := e.Repo.RevokeRole(ctx, tx, targetActor, role); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, evt, "actor", targetActor, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// WhoAmI returns the caller's roles and permissions.
func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.ActorProfile, error) {
	return auth.Service{Repo: e.Repo}.Profile(ctx, actorID)
}

// CreateAPIKey issues a key for ownerID. The raw key is returned once; only
// its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, ownerID, name string) (domain.APIKey, string, error) {
	if ownerID == "" {
		ownerID = actorID
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "jt_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   ownerID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if ownerID != actorID {
		if err := e.require(ctx, tx, actorID, auth.RBACManage, nil); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, ownerID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// RevokeAPIKey deletes a key. Owners may revoke their own keys; revoking
// someone else's needs rbac.manage.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	key, err := e.Repo.GetAPIKey(ctx, tx, id)
	if err != nil {
		return err
	}
	if key.ActorID != actorID {
		if err := e.require(ctx, tx, actorID, auth.RBACManage, nil); err != nil {
			return err
		}
	}
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// EventLog returns the latest log entries. Reading the log needs events.read.
func (e Engine) EventLog(ctx context.Context, actorID string, limit int, entityID string) ([]domain.Event, error) {
	if err := e.require(ctx, nil, actorID, auth.EventsRead, nil); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, limit, entityID)
}
