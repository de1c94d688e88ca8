package joatusdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Joatu HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Exchange is an offer or a request.
type Exchange struct {
	ID          string            `json:"id,omitempty"`
	Kind        string            `json:"kind"`
	Name        map[string]string `json:"name"`
	Description map[string]string `json:"description"`
	Status      string            `json:"status,omitempty"`
	Urgency     string            `json:"urgency,omitempty"`
	CategoryIDs []string          `json:"category_ids"`
	Target      *Target           `json:"target,omitempty"`
	CreatorID   string            `json:"creator_id,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty"`
	UpdatedAt   string            `json:"updated_at,omitempty"`
}

type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Agreement struct {
	ID        string `json:"id"`
	OfferID   string `json:"offer_id"`
	RequestID string `json:"request_id"`
	Terms     string `json:"terms,omitempty"`
	Value     string `json:"value,omitempty"`
	Status    string `json:"status"`
	CreatorID string `json:"creator_id"`
}

type ResponseLink struct {
	ID         string  `json:"id"`
	SourceID   *string `json:"source_id"`
	ResponseID *string `json:"response_id"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateExchange creates an offer or request. Kind must be set.
func (c *Client) CreateExchange(ctx context.Context, ex Exchange) (Exchange, error) {
	var resp Exchange
	err := c.do(ctx, http.MethodPost, "exchanges", ex, &resp)
	return resp, err
}

func (c *Client) GetExchange(ctx context.Context, id string) (Exchange, error) {
	var resp Exchange
	err := c.do(ctx, http.MethodGet, "exchanges/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Matches lists counterparts of id, optionally restricted to statuses.
func (c *Client) Matches(ctx context.Context, id string, statuses ...string) ([]Exchange, error) {
	endpoint := "exchanges/" + url.PathEscape(id) + "/matches"
	if len(statuses) > 0 {
		endpoint += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var resp struct {
		Items []Exchange `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) ProposeAgreement(ctx context.Context, offerID, requestID, terms string) (Agreement, error) {
	body := map[string]any{
		"offer_id":   offerID,
		"request_id": requestID,
		"terms":      terms,
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements", body, &resp)
	return resp, err
}

func (c *Client) AcceptAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

func (c *Client) RejectAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements/"+url.PathEscape(id)+"/reject", nil, &resp)
	return resp, err
}

// Respond links responseID as a response to sourceID.
func (c *Client) Respond(ctx context.Context, sourceID, responseID string) (ResponseLink, error) {
	var resp ResponseLink
	endpoint := "exchanges/" + url.PathEscape(sourceID) + "/responses"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"response_id": responseID}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
