package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field constraints that the strict decoder cannot.
// It is also installed as the manager's validator for hot reloads.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "sqlite3", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required")
		}
	case "", "none":
		return errors.New("storage.driver is required (the scheduler cannot run without a durable store)")
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Delivery.Driver)) {
	case "webhook":
		if c.Delivery.Webhook == nil || strings.TrimSpace(c.Delivery.Webhook.URL) == "" {
			return errors.New("delivery.webhook.url is required for the webhook driver")
		}
		if _, err := ParseDurationField("delivery.webhook.timeout", c.Delivery.Webhook.Timeout); err != nil {
			return err
		}
	case "telegram":
		if c.Delivery.Telegram == nil || strings.TrimSpace(c.Delivery.Telegram.Token) == "" {
			return errors.New("delivery.telegram.token is required for the telegram driver")
		}
	case "":
		return errors.New("delivery.driver is required")
	default:
		return fmt.Errorf("unknown delivery.driver %q", c.Delivery.Driver)
	}

	for _, f := range []struct{ path, raw string }{
		{"scheduler.min_delay", c.Scheduler.MinDelay},
		{"scheduler.deliver_timeout", c.Scheduler.DeliverTimeout},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.HTTP.RatePerSec < 0 {
		return errors.New("http.rate_per_sec must be >= 0")
	}

	return nil
}

// MinDelay returns scheduler.min_delay with its default applied.
func (c *Config) MinDelay() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.min_delay", c.Scheduler.MinDelay, time.Second)
	if err != nil {
		return time.Second
	}
	return d
}

// DeliverTimeout returns scheduler.deliver_timeout with its default applied.
func (c *Config) DeliverTimeout() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.deliver_timeout", c.Scheduler.DeliverTimeout, 30*time.Second)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
