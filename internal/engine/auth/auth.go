// Package auth is the authorization boundary consulted before every
// mutating engine operation.
package auth

import (
	"context"
	"errors"

	"joatu/internal/domain"
	"joatu/internal/repo"
)

// Actions checked by the engine. They double as permission ids in the
// role_permissions table.
const (
	ExchangeCreate  = "exchange.create"
	ExchangeUpdate  = "exchange.update"
	ExchangeDestroy = "exchange.destroy"
	ExchangeManage  = "exchange.manage"
	AgreementCreate = "agreement.create"
	AgreementAccept = "agreement.accept"
	AgreementReject = "agreement.reject"
	LinkCreate      = "link.create"
	CategoryManage  = "category.manage"
	RBACManage      = "rbac.manage"
	EventsRead      = "events.read"
)

// Permissions lists every permission id known to the system.
var Permissions = []string{
	ExchangeCreate, ExchangeManage,
	AgreementCreate, LinkCreate,
	CategoryManage, RBACManage, EventsRead,
}

// AuthorizationError is returned when the actor may not perform Action.
// The message never says why.
type AuthorizationError struct {
	Action string
}

func (e AuthorizationError) Error() string {
	return "not permitted"
}

// Parties is the record passed when authorizing an agreement operation.
type Parties struct {
	Offer   domain.Exchange
	Request domain.Exchange
}

func (p Parties) involves(actorID string) bool {
	return actorID != "" && (p.Offer.CreatorID == actorID || p.Request.CreatorID == actorID)
}

// Authorizer decides whether actorID may perform action on record.
type Authorizer interface {
	Can(ctx context.Context, q repo.Querier, actorID, action string, record any) (bool, error)
}

// Func adapts a plain function to Authorizer.
type Func func(ctx context.Context, q repo.Querier, actorID, action string, record any) (bool, error)

func (f Func) Can(ctx context.Context, q repo.Querier, actorID, action string, record any) (bool, error) {
	return f(ctx, q, actorID, action, record)
}

// Require returns AuthorizationError unless a allows the action.
func Require(ctx context.Context, a Authorizer, q repo.Querier, actorID, action string, record any) error {
	if a == nil {
		return errors.New("authorizer not configured")
	}
	ok, err := a.Can(ctx, q, actorID, action, record)
	if err != nil {
		return err
	}
	if !ok {
		return AuthorizationError{Action: action}
	}
	return nil
}

type grantsKey struct{}

// WithGrants attaches permissions already established for the caller, such
// as those carried in a verified token.
func WithGrants(ctx context.Context, perms []string) context.Context {
	if len(perms) == 0 {
		return ctx
	}
	return context.WithValue(ctx, grantsKey{}, perms)
}

func grants(ctx context.Context) []string {
	p, _ := ctx.Value(grantsKey{}).([]string)
	return p
}

// Service authorizes against the RBAC tables.
//
// Creators may always update and destroy their own records. Agreement
// operations require the actor to own one side of the pair. Holders of
// exchange.manage may do anything to exchange records and agreements.
type Service struct {
	Repo repo.Repo
}

func (s Service) Can(ctx context.Context, q repo.Querier, actorID, action string, record any) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	manager, err := s.has(ctx, q, actorID, ExchangeManage)
	if err != nil {
		return false, err
	}
	switch action {
	case ExchangeUpdate, ExchangeDestroy:
		if manager {
			return true, nil
		}
		ex, ok := record.(domain.Exchange)
		return ok && ex.CreatorID == actorID, nil
	case AgreementCreate:
		if manager {
			return true, nil
		}
		p, ok := record.(Parties)
		if !ok || !p.involves(actorID) {
			return false, nil
		}
		return s.has(ctx, q, actorID, AgreementCreate)
	case AgreementAccept, AgreementReject:
		if manager {
			return true, nil
		}
		p, ok := record.(Parties)
		return ok && p.involves(actorID), nil
	case ExchangeCreate, LinkCreate:
		if manager {
			return true, nil
		}
		return s.has(ctx, q, actorID, action)
	default:
		return s.has(ctx, q, actorID, action)
	}
}

func (s Service) has(ctx context.Context, q repo.Querier, actorID, perm string) (bool, error) {
	if domain.Contains(grants(ctx), perm) {
		return true, nil
	}
	return s.Repo.ActorHasPermission(ctx, q, actorID, perm)
}

// Profile returns the roles and effective permissions of an actor.
func (s Service) Profile(ctx context.Context, actorID string) (domain.ActorProfile, error) {
	roles, err := s.Repo.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	perms, err := s.Repo.ActorPermissions(ctx, nil, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	for _, p := range grants(ctx) {
		if !domain.Contains(perms, p) {
			perms = append(perms, p)
		}
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return domain.ActorProfile{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}
