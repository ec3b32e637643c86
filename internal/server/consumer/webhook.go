package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/caltaylor/dirwatch/internal/utils"
	"github.com/caltaylor/dirwatch/internal/version"
	"github.com/imroc/req/v3"
)

const (
	webhookTimeout  = 10 * time.Second
	webhookRetries  = 3
	webhookRetryMin = 250 * time.Millisecond
	webhookRetryMax = 5 * time.Second

	HeaderDelivery = "X-Dirwatch-Delivery"
)

// WebhookPayload is the body posted to the webhook
type WebhookPayload struct {
	Changes []statestore.Change `json:"changes"`
}

// Webhook posts applied changes as JSON to a configured URL
type Webhook struct {
	url    string
	client *req.Client
}

func NewWebhook(url string) (*Webhook, error) {
	if err := utils.ValidateURL(url); err != nil {
		return nil, fmt.Errorf("webhook url: %w", err)
	}

	client := req.C().
		SetTimeout(webhookTimeout).
		SetUserAgent(version.UserAgent("webhook")).
		SetJsonMarshal(transition.Marshal).
		SetCommonRetryCount(webhookRetries).
		SetCommonRetryBackoffInterval(webhookRetryMin, webhookRetryMax).
		AddCommonRetryCondition(func(resp *req.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		}).
		SetCommonRetryHook(func(resp *req.Response, err error) {
			slog.Warn("webhook retry", "url", url, "error", err)
		})

	return &Webhook{url: url, client: client}, nil
}

func (w *Webhook) Name() string {
	return "webhook"
}

func (w *Webhook) Deliver(ctx context.Context, changes []statestore.Change) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader(HeaderDelivery, fmt.Sprintf("%d-%d", changes[0].ID, changes[len(changes)-1].ID)).
		SetBody(&WebhookPayload{Changes: changes}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("post webhook: %s", resp.Status)
	}
	return nil
}
