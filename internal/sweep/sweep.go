// Package sweep runs a periodic catch-up pass over the scheduler. The alarm
// is the primary trigger; the sweeper is the safety net for anything the
// alarm slept through (clock jumps, a wake pass lost to a crash, an arm that
// never landed). Running the wake path again is always safe.
package sweep

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pushsched/internal/config"
	"pushsched/internal/eventbus"
	logx "pushsched/pkg/logx"
)

const defaultSpec = "@every 1m"

// Waker is the wake entry point of the scheduler core.
type Waker interface {
	Wake(ctx context.Context)
}

type Service struct {
	mu     sync.Mutex
	cfg    config.SweepConfig
	core   Waker
	bus    eventbus.Bus
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
}

func New(cfg *config.SweepConfig, core Waker, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	resolved := config.SweepConfig{Enabled: true, Spec: defaultSpec}
	if cfg != nil {
		resolved = *cfg
	}
	return &Service{
		cfg:  resolved,
		core: core,
		bus:  bus,
		log:  log.With(logx.String("component", "sweep")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		spec = defaultSpec
	}
	if _, err := c.AddFunc(spec, s.run); err != nil {
		s.log.Error("invalid sweep spec, falling back",
			logx.String("spec", spec), logx.Err(err))
		if _, err := c.AddFunc(defaultSpec, s.run); err != nil {
			s.log.Error("register default sweep", logx.Err(err))
			return
		}
		spec = defaultSpec
	}
	c.Start()
	s.c = c
	s.log.Info("sweeper started", logx.String("spec", spec), logx.String("tz", loc.String()))
}

func (s *Service) run() {
	start := time.Now()
	s.core.Wake(context.Background())
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventSweepRan, Data: time.Since(start).Milliseconds()})
	}
	s.log.Debug("sweep pass", logx.Duration("took", time.Since(start)))
}

// Apply reconfigures the sweeper on config reload. Any change restarts the
// cron runner; a disable stops it.
func (s *Service) Apply(cfg *config.SweepConfig) {
	resolved := config.SweepConfig{Enabled: true, Spec: defaultSpec}
	if cfg != nil {
		resolved = *cfg
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.c != nil
	if resolved == s.cfg && running == resolved.Enabled {
		return
	}
	s.cfg = resolved
	s.stopLocked(context.Background())
	if s.cfg.Enabled {
		s.startLocked()
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("sweeper stopped")
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
