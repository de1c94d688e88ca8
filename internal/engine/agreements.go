package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"joatu/internal/domain"
	"joatu/internal/engine/auth"
	"joatu/internal/events"
	"joatu/internal/repo"
)

type AgreementCreateOptions struct {
	ID        string
	OfferID   string
	RequestID string
	Terms     string
	Value     string
	ActorID   string
}

// CreateAgreement binds an offer to a request in status pending. A pair may
// only ever be bound once, whatever became of the earlier agreement.
func (e Engine) CreateAgreement(ctx context.Context, opts AgreementCreateOptions) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	offer, err := e.agreementSide(ctx, tx, opts.ActorID, "offer_id", opts.OfferID)
	if err != nil {
		return domain.Agreement{}, err
	}
	request, err := e.agreementSide(ctx, tx, opts.ActorID, "request_id", opts.RequestID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if err := e.require(ctx, tx, opts.ActorID, auth.AgreementCreate, auth.Parties{Offer: offer, Request: request}); err != nil {
		return domain.Agreement{}, err
	}
	if offer.Kind != domain.KindOffer {
		return domain.Agreement{}, invalid("offer_id", "must reference an offer")
	}
	if request.Kind != domain.KindRequest {
		return domain.Agreement{}, invalid("request_id", "must reference a request")
	}
	if _, err := e.Repo.AgreementForPair(ctx, tx, offer.ID, request.ID); err == nil {
		return domain.Agreement{}, duplicatePair()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Agreement{}, err
	}

	now := e.timestamp()
	a := domain.Agreement{
		ID:        strings.TrimSpace(opts.ID),
		OfferID:   offer.ID,
		RequestID: request.ID,
		Terms:     strings.TrimSpace(opts.Terms),
		Value:     strings.TrimSpace(opts.Value),
		Status:    domain.AgreementPending,
		CreatorID: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := e.Repo.InsertAgreement(ctx, tx, a); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Agreement{}, duplicatePair()
		}
		return domain.Agreement{}, err
	}
	if err := e.events().Append(ctx, tx, events.AgreementCreated, "agreement", a.ID, opts.ActorID, events.EventPayload{
		"offer_id":   a.OfferID,
		"request_id": a.RequestID,
	}); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Agreement{}, duplicatePair()
		}
		return domain.Agreement{}, err
	}
	return a, nil
}

// agreementSide loads one side of a proposed agreement. Only holders of
// exchange.manage learn that an id does not exist; anyone else is refused as
// if the record belonged to someone else.
func (e Engine) agreementSide(ctx context.Context, tx *sql.Tx, actorID, field, id string) (domain.Exchange, error) {
	ex, err := e.existing(ctx, tx, field, id)
	var ve ValidationError
	if errors.As(err, &ve) && strings.TrimSpace(id) != "" {
		if err := e.require(ctx, tx, actorID, auth.ExchangeManage, nil); err != nil {
			return ex, err
		}
	}
	return ex, err
}

func duplicatePair() error {
	return invalid("request_id", "an agreement already binds this offer and request")
}

// AcceptAgreement moves a pending agreement to accepted. At most one
// agreement per offer and per request may be accepted; the store enforces
// this with partial unique indexes and a lost race surfaces as ConflictError.
func (e Engine) AcceptAgreement(ctx context.Context, id, actorID string) (domain.Agreement, error) {
	return e.decideAgreement(ctx, id, actorID, domain.AgreementAccepted)
}

// RejectAgreement moves a pending agreement to rejected.
func (e Engine) RejectAgreement(ctx context.Context, id, actorID string) (domain.Agreement, error) {
	return e.decideAgreement(ctx, id, actorID, domain.AgreementRejected)
}

func (e Engine) decideAgreement(ctx context.Context, id, actorID, to string) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreement(ctx, tx, id)
	if err != nil {
		return domain.Agreement{}, err
	}
	parties, err := e.parties(ctx, tx, a)
	if err != nil {
		return domain.Agreement{}, err
	}
	action := auth.AgreementAccept
	if to == domain.AgreementRejected {
		action = auth.AgreementReject
	}
	if err := e.require(ctx, tx, actorID, action, parties); err != nil {
		return domain.Agreement{}, err
	}
	if err := ensureAgreementTransition(a, to); err != nil {
		return domain.Agreement{}, err
	}
	if to == domain.AgreementAccepted {
		sibling, err := e.Repo.AcceptedSibling(ctx, tx, a.OfferID, a.RequestID, a.ID)
		if err != nil {
			return domain.Agreement{}, err
		}
		if sibling != "" {
			return domain.Agreement{}, ConflictError{Reason: "agreement " + sibling + " is already accepted for this offer or request"}
		}
	}

	now := e.timestamp()
	n, err := e.Repo.TransitionAgreement(ctx, tx, a.ID, domain.AgreementPending, to, now)
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Agreement{}, ConflictError{Reason: "another agreement was accepted for this offer or request"}
		}
		return domain.Agreement{}, err
	}
	if n == 0 {
		// decided by someone else since we read it
		latest, err := e.Repo.GetAgreement(ctx, tx, a.ID)
		if err != nil {
			return domain.Agreement{}, err
		}
		return domain.Agreement{}, StateError{Entity: "agreement", ID: a.ID, Status: latest.Status}
	}
	evt := events.AgreementAccepted
	if to == domain.AgreementRejected {
		evt = events.AgreementRejected
	}
	if err := e.events().Append(ctx, tx, evt, "agreement", a.ID, actorID, events.EventPayload{
		"offer_id":   a.OfferID,
		"request_id": a.RequestID,
		"from":       a.Status,
	}); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Agreement{}, ConflictError{Reason: "another agreement was accepted for this offer or request"}
		}
		return domain.Agreement{}, err
	}
	a.Status = to
	a.UpdatedAt = now
	return a, nil
}

func ensureAgreementTransition(a domain.Agreement, to string) error {
	switch a.Status {
	case domain.AgreementPending:
		if to == domain.AgreementAccepted || to == domain.AgreementRejected {
			return nil
		}
		return invalid("status", "unknown agreement status "+to)
	}
	return StateError{Entity: "agreement", ID: a.ID, Status: a.Status}
}

func (e Engine) parties(ctx context.Context, tx *sql.Tx, a domain.Agreement) (auth.Parties, error) {
	offer, err := e.Repo.GetExchange(ctx, tx, a.OfferID)
	if err != nil {
		return auth.Parties{}, err
	}
	request, err := e.Repo.GetExchange(ctx, tx, a.RequestID)
	if err != nil {
		return auth.Parties{}, err
	}
	return auth.Parties{Offer: offer, Request: request}, nil
}

func (e Engine) GetAgreement(ctx context.Context, id string) (domain.Agreement, error) {
	return e.Repo.GetAgreement(ctx, nil, id)
}

func (e Engine) ListAgreements(ctx context.Context, f repo.AgreementFilters) ([]domain.Agreement, error) {
	return e.Repo.ListAgreements(ctx, f)
}
