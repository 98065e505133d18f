// Package app assembles the daemon: config, logging, storage, delivery,
// the scheduler core, the HTTP API, and the sweeper, plus the background
// loops that keep them current (config watch/reload, audit writer).
package app

import (
	"context"
	"fmt"
	"time"

	"pushsched/internal/config"
	"pushsched/internal/delivery"
	"pushsched/internal/eventbus"
	"pushsched/internal/httpapi"
	"pushsched/internal/runtime/supervisor"
	"pushsched/internal/sched"
	"pushsched/internal/storage"
	"pushsched/internal/sweep"
	logx "pushsched/pkg/logx"
	"pushsched/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	core  *sched.Service
	api   *httpapi.Server
	sweep *sweep.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	del, err := delivery.New(mapDeliveryConfig(cfg), log.With(logx.String("component", "delivery")))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init delivery: %w", err)
	}

	core := sched.New(sched.Config{
		MinDelay:       cfg.MinDelay(),
		DeliverTimeout: cfg.DeliverTimeout(),
	}, store, del, bus, log)

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		core:  core,
		api:   httpapi.New(core, log),
		sweep: sweep.New(cfg.Sweep, core, bus, log),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("component", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	// Recover durable state before anything can observe the scheduler:
	// overdue jobs fire now, the alarm lands on the earliest survivor.
	a.core.Start(a.sup.Context())
	a.api.Apply(a.sup.Context(), cfg.HTTP)
	a.sweep.Start(a.sup.Context())

	a.sup.Go("audit.writer", a.auditLoop)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("sd.watchdog", systemd.WatchdogLoop)

	if systemd.NotifyReady() {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("started", logx.String("http", a.api.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	systemd.NotifyStopping()
	a.log.Info("stopping")

	a.sweep.Stop(ctx)
	a.api.Stop(ctx)
	a.core.Stop()

	if err := a.sup.Stop(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("background loops exited with error", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close storage", logx.Err(err))
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// auditLoop turns job lifecycle events into durable audit records. Runs on
// the bus side so a slow audit write never blocks a delivery pass.
func (a *App) auditLoop(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			entry, ok := auditFromEvent(e)
			if !ok {
				continue
			}
			if err := a.store.AppendAudit(ctx, entry); err != nil && ctx.Err() == nil {
				a.log.Warn("append audit", logx.String("action", entry.Action), logx.Err(err))
			}
		}
	}
}

func auditFromEvent(e eventbus.Event) (storage.AuditEntry, bool) {
	switch e.Type {
	case eventbus.EventJobScheduled, eventbus.EventJobSent, eventbus.EventJobFailed:
		je, ok := e.Data.(eventbus.JobEvent)
		if !ok {
			return storage.AuditEntry{}, false
		}
		action := "scheduled"
		switch e.Type {
		case eventbus.EventJobSent:
			action = "sent"
		case eventbus.EventJobFailed:
			action = "failed"
		}
		return storage.AuditEntry{
			At:     e.Time,
			JobID:  je.ID,
			Action: action,
			FireAt: je.FireAt,
			Error:  je.Error,
		}, true
	case eventbus.EventSweepRan:
		took, _ := e.Data.(int64)
		return storage.AuditEntry{At: e.Time, Action: "swept", TookMS: took}, true
	default:
		return storage.AuditEntry{}, false
	}
}

// reloadLoop applies committed config changes to the running components.
// Storage and delivery drivers are bound at startup; changing them needs a
// restart, everything else applies live.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.core.Apply(sched.Config{
		MinDelay:       cfg.MinDelay(),
		DeliverTimeout: cfg.DeliverTimeout(),
	})
	a.api.Apply(ctx, cfg.HTTP)
	a.sweep.Apply(cfg.Sweep)

	if old != nil && old.Storage != cfg.Storage {
		a.log.Warn("storage config changed; restart required for it to take effect")
	}
	if old != nil && !sameDelivery(old.Delivery, cfg.Delivery) {
		a.log.Warn("delivery config changed; restart required for it to take effect")
	}
	a.log.Info("config reloaded")
}

func sameDelivery(a, b config.DeliveryConfig) bool {
	if a.Driver != b.Driver {
		return false
	}
	switch {
	case a.Webhook == nil && b.Webhook != nil, a.Webhook != nil && b.Webhook == nil:
		return false
	case a.Webhook != nil && *a.Webhook != *b.Webhook:
		return false
	}
	switch {
	case a.Telegram == nil && b.Telegram != nil, a.Telegram != nil && b.Telegram == nil:
		return false
	case a.Telegram != nil && *a.Telegram != *b.Telegram:
		return false
	}
	return true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	out := delivery.Config{Driver: cfg.Delivery.Driver}
	if w := cfg.Delivery.Webhook; w != nil {
		timeout, _ := config.ParseDurationField("delivery.webhook.timeout", w.Timeout)
		out.Webhook = delivery.WebhookConfig{URL: w.URL, Secret: w.Secret, Timeout: timeout}
	}
	if t := cfg.Delivery.Telegram; t != nil {
		out.Telegram = delivery.TelegramConfig{Token: t.Token, ParseMode: t.ParseMode}
	}
	return out
}

// StopTimeout bounds a graceful Stop from main.
const StopTimeout = 10 * time.Second
