// Package delivery transmits due notifications. The scheduler core treats
// destination and payload as opaque blobs; only the configured driver here
// knows how to interpret them.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	logx "pushsched/pkg/logx"
)

// Deliverer is the delivery collaborator consumed by the scheduler core.
//
// Deliver returns nil on success and an error on failure; the scheduler
// records either outcome as the job's terminal state. Implementations should
// honor ctx cancellation (the core bounds each attempt with a timeout).
//
// Note: the scheduler is at-least-once across crashes. A driver that must not
// deliver twice has to deduplicate on its own side.
type Deliverer interface {
	Deliver(ctx context.Context, destination, payload json.RawMessage) error
}

// Config selects and configures a delivery driver.
type Config struct {
	Driver   string
	Webhook  WebhookConfig
	Telegram TelegramConfig
}

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration // 0 means default
}

type TelegramConfig struct {
	Token     string
	ParseMode string
}

// New initializes the configured deliverer.
func New(cfg Config, log logx.Logger) (Deliverer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "webhook":
		return newWebhook(cfg.Webhook, log)
	case "telegram":
		return newTelegram(cfg.Telegram, log)
	default:
		return nil, errors.New("unknown delivery driver: " + cfg.Driver)
	}
}
