package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"joatu/internal/config"
	"joatu/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook POSTs match events as JSON.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	Now    func() time.Time
}

func NewWebhook(hook config.WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &Webhook{
		URL:    hook.URL,
		Secret: hook.Secret,
		Client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	Type         string   `json:"type"`
	OfferID      string   `json:"offer_id"`
	RequestID    string   `json:"request_id"`
	RecipientIDs []string `json:"recipient_ids"`
	TS           string   `json:"ts"`
}

func (w *Webhook) body(evt domain.MatchEvent) ([]byte, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	recipients := evt.RecipientIDs
	if recipients == nil {
		recipients = []string{}
	}
	return json.Marshal(webhookPayload{
		Type:         "match.found",
		OfferID:      evt.OfferID,
		RequestID:    evt.RequestID,
		RecipientIDs: recipients,
		TS:           now().UTC().Format(time.RFC3339),
	})
}

func (w *Webhook) Notify(ctx context.Context, evt domain.MatchEvent) error {
	data, err := w.body(evt)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Joatu-Event", "match.found")
	req.Header.Set("X-Joatu-Delivery", evt.OfferID+":"+evt.RequestID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Joatu-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
