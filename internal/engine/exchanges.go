package engine

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"

	"joatu/internal/domain"
	"joatu/internal/engine/auth"
	"joatu/internal/events"
	"joatu/internal/match"
	"joatu/internal/repo"
)

// ExchangeCreateOptions are parameters for creating an offer or request.
type ExchangeCreateOptions struct {
	ID          string
	Kind        domain.Kind
	Name        domain.LocalizedText
	Description domain.LocalizedText
	Status      string
	Urgency     string
	CategoryIDs []string
	Address     *domain.Address
	Target      *domain.Target
	ActorID     string
}

// ExchangeUpdateOptions carries the fields to change. Nil leaves a field
// untouched; a non-nil empty CategoryIDs is an attempt to clear the set.
type ExchangeUpdateOptions struct {
	ID           string
	Name         domain.LocalizedText
	Description  domain.LocalizedText
	Status       *string
	Urgency      *string
	CategoryIDs  []string
	Address      *domain.Address
	ClearAddress bool
	Target       *domain.Target
	ClearTarget  bool
	ActorID      string
}

func (e Engine) CreateExchange(ctx context.Context, opts ExchangeCreateOptions) (domain.Exchange, error) {
	now := e.timestamp()
	ex := domain.Exchange{
		ID:          strings.TrimSpace(opts.ID),
		Kind:        opts.Kind,
		Name:        opts.Name,
		Description: opts.Description,
		Status:      opts.Status,
		Urgency:     opts.Urgency,
		CategoryIDs: opts.CategoryIDs,
		Address:     opts.Address,
		Target:      opts.Target,
		CreatorID:   strings.TrimSpace(opts.ActorID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ex.CreatorID == "" {
		return domain.Exchange{}, invalid("creator", "is required")
	}
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.Status == "" {
		ex.Status = domain.StatusOpen
	}
	if ex.Urgency == "" {
		ex.Urgency = domain.UrgencyNormal
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exchange{}, err
	}
	defer tx.Rollback()

	if err := e.require(ctx, tx, ex.CreatorID, auth.ExchangeCreate, ex); err != nil {
		return domain.Exchange{}, err
	}
	ex, err = e.validateExchange(ctx, tx, ex)
	if err != nil {
		return domain.Exchange{}, err
	}
	if err := e.Repo.InsertExchange(ctx, tx, ex); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Exchange{}, invalid("id", "already exists")
		}
		return domain.Exchange{}, err
	}
	w := e.events()
	if err := w.Append(ctx, tx, events.ExchangeCreated, string(ex.Kind), ex.ID, ex.CreatorID, events.EventPayload{
		"status":     ex.Status,
		"urgency":    ex.Urgency,
		"categories": ex.CategoryIDs,
	}); err != nil {
		return domain.Exchange{}, err
	}
	if err := e.requestMatching(ctx, tx, ex, "created"); err != nil {
		return domain.Exchange{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exchange{}, err
	}
	return ex, nil
}

// UpdateExchange applies opts to a record. Matching is requested again only
// when the category set or the target changed.
func (e Engine) UpdateExchange(ctx context.Context, opts ExchangeUpdateOptions) (domain.Exchange, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exchange{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetExchange(ctx, tx, opts.ID)
	if err != nil {
		return domain.Exchange{}, err
	}
	if err := e.require(ctx, tx, opts.ActorID, auth.ExchangeUpdate, cur); err != nil {
		return domain.Exchange{}, err
	}

	next := cur
	var changed []string
	if opts.Name != nil {
		next.Name = opts.Name
		changed = append(changed, "name")
	}
	if opts.Description != nil {
		next.Description = opts.Description
		changed = append(changed, "description")
	}
	if opts.Status != nil {
		next.Status = *opts.Status
		changed = append(changed, "status")
	}
	if opts.Urgency != nil {
		next.Urgency = *opts.Urgency
		changed = append(changed, "urgency")
	}
	if opts.CategoryIDs != nil {
		next.CategoryIDs = opts.CategoryIDs
		changed = append(changed, "categories")
	}
	switch {
	case opts.ClearAddress:
		next.Address = nil
		changed = append(changed, "address")
	case opts.Address != nil:
		next.Address = opts.Address
		changed = append(changed, "address")
	}
	switch {
	case opts.ClearTarget:
		next.Target = nil
		changed = append(changed, "target")
	case opts.Target != nil:
		next.Target = opts.Target
		changed = append(changed, "target")
	}
	next.UpdatedAt = e.timestamp()

	next, err = e.validateExchange(ctx, tx, next)
	if err != nil {
		return domain.Exchange{}, err
	}
	if err := e.Repo.UpdateExchange(ctx, tx, next); err != nil {
		return domain.Exchange{}, err
	}
	w := e.events()
	if err := w.Append(ctx, tx, events.ExchangeUpdated, string(next.Kind), next.ID, opts.ActorID, events.EventPayload{
		"fields": changed,
		"status": next.Status,
	}); err != nil {
		return domain.Exchange{}, err
	}
	if !sameIDs(cur.CategoryIDs, next.CategoryIDs) || !domain.SameTarget(cur.Target, next.Target) {
		if err := e.requestMatching(ctx, tx, next, "updated"); err != nil {
			return domain.Exchange{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Exchange{}, err
	}
	return next, nil
}

// DestroyExchange deletes a record. Its agreements, categorizations and
// address go with it; response links keep existing with a nil endpoint.
func (e Engine) DestroyExchange(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetExchange(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.require(ctx, tx, actorID, auth.ExchangeDestroy, cur); err != nil {
		return err
	}
	if err := e.Repo.DeleteExchange(ctx, tx, id); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.ExchangeDestroyed, string(cur.Kind), id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetExchange(ctx context.Context, id string) (domain.Exchange, error) {
	return e.Repo.GetExchange(ctx, nil, id)
}

func (e Engine) ListExchanges(ctx context.Context, f repo.ExchangeFilters) ([]domain.Exchange, error) {
	return e.Repo.ListExchanges(ctx, f)
}

// FindMatches returns the counterparts of a record. Nothing is queried until
// the sequence is ranged over, and every range runs the lookup again.
// Statuses are not filtered unless opts.Statuses says so.
func (e Engine) FindMatches(ctx context.Context, id string, opts match.Options) iter.Seq2[domain.Exchange, error] {
	return func(yield func(domain.Exchange, error) bool) {
		items, err := e.Matches(ctx, id, opts)
		if err != nil {
			yield(domain.Exchange{}, err)
			return
		}
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Matches runs one match lookup and returns the ordered result.
func (e Engine) Matches(ctx context.Context, id string, opts match.Options) ([]domain.Exchange, error) {
	r, err := e.Repo.GetExchange(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	return e.MatchesFor(ctx, r, opts)
}

// MatchesFor resolves candidates through the category index and re-checks
// each with the match predicate.
func (e Engine) MatchesFor(ctx context.Context, r domain.Exchange, opts match.Options) ([]domain.Exchange, error) {
	ids, err := e.Repo.MatchCandidates(ctx, nil, match.CriteriaFor(r, opts))
	if err != nil {
		return nil, fmt.Errorf("match candidates: %w", err)
	}
	candidates, err := e.Repo.GetExchanges(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	return match.Filter(r, candidates, opts), nil
}

func (e Engine) requestMatching(ctx context.Context, q repo.Querier, ex domain.Exchange, reason string) error {
	return e.events().Append(ctx, q, events.ExchangeMatchRequested, string(ex.Kind), ex.ID, ex.CreatorID, events.EventPayload{
		"reason":     reason,
		"categories": ex.CategoryIDs,
	})
}

// validateExchange checks ex and returns it normalized.
func (e Engine) validateExchange(ctx context.Context, q repo.Querier, ex domain.Exchange) (domain.Exchange, error) {
	if !ex.Kind.Valid() {
		return ex, invalid("kind", "must be offer or request")
	}
	if strings.TrimSpace(ex.CreatorID) == "" {
		return ex, invalid("creator", "is required")
	}
	var err error
	if ex.Name, err = e.normalizeText("name", ex.Name); err != nil {
		return ex, err
	}
	if ex.Description, err = e.normalizeText("description", ex.Description); err != nil {
		return ex, err
	}
	if !domain.Contains(domain.ExchangeStatuses, ex.Status) {
		return ex, invalid("status", "must be one of "+strings.Join(domain.ExchangeStatuses, ", "))
	}
	if !domain.Contains(domain.Urgencies, ex.Urgency) {
		return ex, invalid("urgency", "must be one of "+strings.Join(domain.Urgencies, ", "))
	}
	ex.CategoryIDs = normalizeIDs(ex.CategoryIDs)
	if len(ex.CategoryIDs) == 0 {
		return ex, invalid("categories", "must not be empty")
	}
	missing, err := e.Repo.MissingCategories(ctx, q, ex.CategoryIDs)
	if err != nil {
		return ex, err
	}
	if len(missing) > 0 {
		return ex, invalid("categories", "unknown category "+strings.Join(missing, ", "))
	}
	if ex.Target != nil {
		t := domain.Target{Type: strings.TrimSpace(ex.Target.Type), ID: strings.TrimSpace(ex.Target.ID)}
		switch {
		case t.ID != "" && t.Type == "":
			return ex, invalid("target_type", "is required when target_id is set")
		case t.Type != "" && t.ID == "":
			return ex, invalid("target_id", "is required when target_type is set")
		case t.IsZero():
			ex.Target = nil
		default:
			ex.Target = &t
		}
	}
	ex.Address = normalizeAddress(ex.Address)
	return ex, nil
}
