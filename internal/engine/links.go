package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"joatu/internal/domain"
	"joatu/internal/engine/auth"
	"joatu/internal/events"
	"joatu/internal/repo"
)

type LinkOptions struct {
	ID         string
	SourceID   string
	ResponseID string
	ActorID    string
}

// Link threads response to source. The ordered pair is unique; the
// reversed pair is a different link. Self links are not rejected.
func (e Engine) Link(ctx context.Context, opts LinkOptions) (domain.ResponseLink, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	defer tx.Rollback()

	if err := e.require(ctx, tx, opts.ActorID, auth.LinkCreate, nil); err != nil {
		return domain.ResponseLink{}, err
	}
	source, err := e.existing(ctx, tx, "source_id", opts.SourceID)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	response, err := e.existing(ctx, tx, "response_id", opts.ResponseID)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	l := domain.ResponseLink{
		ID:         strings.TrimSpace(opts.ID),
		SourceID:   &source.ID,
		ResponseID: &response.ID,
		CreatorID:  opts.ActorID,
		CreatedAt:  e.timestamp(),
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	exists, err := e.Repo.LinkExists(ctx, tx, source.ID, response.ID)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	if exists {
		return domain.ResponseLink{}, duplicateLink()
	}
	if err := e.Repo.InsertLink(ctx, tx, l); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.ResponseLink{}, duplicateLink()
		}
		return domain.ResponseLink{}, err
	}
	if err := e.events().Append(ctx, tx, events.LinkCreated, "response_link", l.ID, opts.ActorID, events.EventPayload{
		"source_id":   source.ID,
		"response_id": response.ID,
	}); err != nil {
		return domain.ResponseLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResponseLink{}, err
	}
	return l, nil
}

func duplicateLink() error {
	return invalid("response_id", "already linked from this source")
}

// ListLinks returns the links touching exchangeID in either direction.
func (e Engine) ListLinks(ctx context.Context, exchangeID string) ([]domain.ResponseLink, error) {
	return e.Repo.ListLinks(ctx, exchangeID)
}
