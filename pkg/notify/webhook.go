package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"cctv-monitor/pkg/models"
)

// Webhook forwards hub notifications to an HTTP endpoint as JSON.
type Webhook struct {
	http   *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhook returns a forwarder posting to url.
func NewWebhook(url string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := resty.New()
	r.SetHeader("Content-Type", "application/json")
	r.SetTimeout(10 * time.Second)
	r.SetRetryCount(2)
	r.SetRetryWaitTime(500 * time.Millisecond)
	return &Webhook{http: r, url: url, logger: logger}
}

// Send posts a single notification.
func (w *Webhook) Send(ctx context.Context, n models.Notification) error {
	resp, err := w.http.R().
		SetContext(ctx).
		SetBody(n).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Run subscribes to hub and forwards notifications until ctx is done.
func (w *Webhook) Run(ctx context.Context, hub *Hub) {
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)

	w.logger.Info("Webhook forwarder started", zap.String("url", w.url))
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := w.Send(ctx, n); err != nil {
				w.logger.Warn("Failed to deliver notification",
					zap.String("type", n.Type),
					zap.Int64("event_id", n.EventID),
					zap.Error(err))
			}
		}
	}
}
