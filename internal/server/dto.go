package server

import (
	"encoding/json"

	"joatu/internal/domain"
	"joatu/internal/engine"
)

// Request payloads

type CreateExchangeRequest struct {
	ID          string               `json:"id,omitempty"`
	Kind        domain.Kind          `json:"kind" enum:"offer,request"`
	Name        domain.LocalizedText `json:"name,omitempty"`
	Description domain.LocalizedText `json:"description,omitempty"`
	Status      string               `json:"status,omitempty" enum:"open,matched,fulfilled,closed"`
	Urgency     string               `json:"urgency,omitempty" enum:"low,normal,high,critical"`
	CategoryIDs []string             `json:"category_ids,omitempty"`
	Address     *domain.Address      `json:"address,omitempty"`
	Target      *domain.Target       `json:"target,omitempty"`
}

type UpdateExchangeRequest struct {
	Name         domain.LocalizedText `json:"name,omitempty"`
	Description  domain.LocalizedText `json:"description,omitempty"`
	Status       *string              `json:"status,omitempty" enum:"open,matched,fulfilled,closed"`
	Urgency      *string              `json:"urgency,omitempty" enum:"low,normal,high,critical"`
	CategoryIDs  []string             `json:"category_ids,omitempty"`
	Address      *domain.Address      `json:"address,omitempty"`
	ClearAddress bool                 `json:"clear_address,omitempty"`
	Target       *domain.Target       `json:"target,omitempty"`
	ClearTarget  bool                 `json:"clear_target,omitempty"`
}

type CreateAgreementRequest struct {
	ID        string `json:"id,omitempty"`
	OfferID   string `json:"offer_id"`
	RequestID string `json:"request_id"`
	Terms     string `json:"terms,omitempty"`
	Value     string `json:"value,omitempty"`
}

type CreateLinkRequest struct {
	ID         string `json:"id,omitempty"`
	ResponseID string `json:"response_id"`
}

type SaveCategoryRequest struct {
	Name     string  `json:"name"`
	Position int     `json:"position,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type CreateAPIKeyRequest struct {
	Name    string `json:"name,omitempty"`
	ActorID string `json:"actor_id,omitempty" doc:"Owner of the key; defaults to the caller"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type ExchangeResponse struct {
	ID          string               `json:"id"`
	Kind        domain.Kind          `json:"kind"`
	Name        domain.LocalizedText `json:"name"`
	Description domain.LocalizedText `json:"description"`
	Status      string               `json:"status"`
	Urgency     string               `json:"urgency"`
	CategoryIDs []string             `json:"category_ids"`
	Address     *domain.Address      `json:"address,omitempty"`
	Target      *domain.Target       `json:"target,omitempty"`
	CreatorID   string               `json:"creator_id"`
	CreatedAt   string               `json:"created_at" format:"date-time"`
	UpdatedAt   string               `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Only returned when the key is created"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type exchangeList struct {
	Items []ExchangeResponse `json:"items"`
}

type agreementList struct {
	Items []domain.Agreement `json:"items"`
}

type linkList struct {
	Items []domain.ResponseLink `json:"items"`
}

type categoryList struct {
	Items []domain.Category `json:"items"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

type apiKeyList struct {
	Items []APIKeyResponse `json:"items"`
}

// Conversion helpers

func exchangeResponse(ex domain.Exchange) ExchangeResponse {
	return ExchangeResponse{
		ID:          ex.ID,
		Kind:        ex.Kind,
		Name:        ex.Name,
		Description: ex.Description,
		Status:      ex.Status,
		Urgency:     ex.Urgency,
		CategoryIDs: nonNilSlice(ex.CategoryIDs),
		Address:     ex.Address,
		Target:      ex.Target,
		CreatorID:   ex.CreatorID,
		CreatedAt:   ex.CreatedAt,
		UpdatedAt:   ex.UpdatedAt,
	}
}

func mapExchanges(items []domain.Exchange) []ExchangeResponse {
	out := make([]ExchangeResponse, 0, len(items))
	for _, ex := range items {
		out = append(out, exchangeResponse(ex))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey, raw string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Key:       raw,
		CreatedAt: k.CreatedAt,
	}
}

func (r CreateExchangeRequest) options(actorID string) engine.ExchangeCreateOptions {
	return engine.ExchangeCreateOptions{
		ID:          r.ID,
		Kind:        r.Kind,
		Name:        r.Name,
		Description: r.Description,
		Status:      r.Status,
		Urgency:     r.Urgency,
		CategoryIDs: r.CategoryIDs,
		Address:     r.Address,
		Target:      r.Target,
		ActorID:     actorID,
	}
}

func (r UpdateExchangeRequest) options(id, actorID string) engine.ExchangeUpdateOptions {
	return engine.ExchangeUpdateOptions{
		ID:           id,
		Name:         r.Name,
		Description:  r.Description,
		Status:       r.Status,
		Urgency:      r.Urgency,
		CategoryIDs:  r.CategoryIDs,
		Address:      r.Address,
		ClearAddress: r.ClearAddress,
		Target:       r.Target,
		ClearTarget:  r.ClearTarget,
		ActorID:      actorID,
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
