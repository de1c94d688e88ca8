package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"joatu/internal/domain"
	"joatu/internal/repo"
)

// Event types written by the engine and the dispatcher.
const (
	ExchangeCreated        = "exchange.created"
	ExchangeUpdated        = "exchange.updated"
	ExchangeDestroyed      = "exchange.destroyed"
	ExchangeMatchRequested = "exchange.match_requested"
	AgreementCreated       = "agreement.created"
	AgreementAccepted      = "agreement.accepted"
	AgreementRejected      = "agreement.rejected"
	LinkCreated            = "link.created"
	MatchNotified          = "match.notified"
	CategoryChanged        = "category.changed"
	CategoryDeleted        = "category.deleted"
	RoleGranted            = "rbac.granted"
	RoleRevoked            = "rbac.revoked"
)

// Writer appends rows to the event log. Append runs inside the caller's
// transaction so an event exists only if the write it describes committed;
// with a nil q it opens and commits a transaction of its own.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, q repo.Querier, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if q == nil {
		tx, err := w.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
			return err
		}
		return tx.Commit()
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if err := w.Repo.LockEventLog(ctx, q); err != nil {
		return fmt.Errorf("lock event log: %w", err)
	}
	if err := w.Repo.InsertEvent(ctx, q, domain.Event{
		TS:         now().UTC().Format(time.RFC3339Nano),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}); err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}
