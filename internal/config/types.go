package config

// Config is the root on-disk configuration (JSON or YAML file).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Sweep     *SweepConfig    `json:"sweep,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// HTTPConfig controls the JSON API listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8686").
//   - If you bind to a non-loopback address, set a token.
type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"`  // default: "127.0.0.1:8686"
	Token string `json:"token,omitempty"` // optional bearer token (do not log)

	// RatePerSec limits accepted requests per second (token bucket).
	// 0 disables limiting.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the durable job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pushsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig tunes the core scheduling behavior.
type SchedulerConfig struct {
	// MinDelay is the immediate-delivery floor: jobs due within this window
	// (or in the past) are delivered synchronously instead of arming the alarm.
	MinDelay string `json:"min_delay,omitempty"` // default: "1s"

	// DeliverTimeout bounds a single delivery attempt. A delivery that neither
	// succeeds nor fails within it is recorded as failed.
	DeliverTimeout string `json:"deliver_timeout,omitempty"` // default: "30s"
}

// DeliveryConfig selects how due notifications are transmitted.
type DeliveryConfig struct {
	Driver   string          `json:"driver"` // "webhook" | "telegram"
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"` // sent as Authorization: Bearer <secret>
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// SweepConfig controls the cron-driven catch-up pass that re-runs the wake
// path in case the process slept through an alarm. If omitted, the sweeper
// defaults to enabled with spec "@every 1m".
type SweepConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`     // robfig/cron spec, e.g. "@every 1m"
	Timezone string `json:"timezone,omitempty"` // IANA TZ for cron specs
}
