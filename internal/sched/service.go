package sched

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pushsched/internal/alarm"
	"pushsched/internal/delivery"
	"pushsched/internal/eventbus"
	"pushsched/internal/storage"
	logx "pushsched/pkg/logx"
)

// Service is the scheduler core. It owns the alarm slot and serializes every
// operation behind one mutex: schedule calls, alarm firings, and sweep
// wake-ups never interleave, so there is exactly one delivery pass in flight
// at a time.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	store   storage.Store
	deliver delivery.Deliverer
	clock   alarm.Clock
	bus     eventbus.Bus
	log     logx.Logger

	// now is swapped in tests.
	now func() time.Time
}

// New wires a Service over its collaborators. The returned Service arms
// nothing yet; call Start to load durable state and reconcile the alarm.
func New(cfg Config, store storage.Store, d delivery.Deliverer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		deliver: d,
		bus:     bus,
		log:     log.With(logx.String("component", "sched")),
		now:     time.Now,
	}
	s.clock = alarm.NewTimer(func() { s.Wake(context.Background()) })
	return s
}

// Start replays durable state after a cold start: any jobs that came due
// while the process was down are delivered, and the alarm is re-armed for
// the earliest remaining one.
func (s *Service) Start(ctx context.Context) {
	s.Wake(ctx)
}

// Stop disarms the alarm. Durable state is untouched; a later Start picks
// up where this left off.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock.Disarm()
}

// Apply updates the runtime knobs on config reload.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// NextAlarm reports the currently armed wake-up time, if any.
func (s *Service) NextAlarm() (time.Time, bool) {
	return s.clock.Next()
}

// Schedule registers a delivery at req.FireAt.
//
// The call is idempotent on the job id: scheduling an id that already exists
// returns the existing job's state and changes nothing, whether the job is
// still pending or already finished. Fire times closer than MinDelay are
// delivered synchronously before the call returns.
func (s *Service) Schedule(ctx context.Context, req Request) (Result, error) {
	if len(bytes.TrimSpace(req.Destination)) == 0 || bytes.Equal(bytes.TrimSpace(req.Destination), []byte("null")) {
		return Result{}, fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	}
	if req.FireAt <= 0 {
		return Result{}, fmt.Errorf("%w: fire_at must be a positive unix-ms timestamp", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = DeriveID(req.Destination, req.FireAt)
	}

	existing, err := s.store.GetJob(ctx, id)
	switch {
	case err == nil:
		// Duplicate schedule. Terminal jobs stay terminal; pending jobs
		// keep their original fire time and payload.
		return Result{ID: id, Existing: true, Status: string(existing.Status)}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, fmt.Errorf("lookup job %s: %w", id, err)
	}

	now := s.now()
	j := storage.Job{
		ID:          id,
		Destination: req.Destination,
		Payload:     req.Payload,
		FireAt:      req.FireAt,
		Status:      storage.StatusScheduled,
		CreatedAt:   now.UnixMilli(),
	}
	// Persist before arming. A crash between the write and the arm is
	// recovered by the next Start/Wake, which re-derives the alarm from
	// storage; the other order could arm for a job that never existed.
	if err := s.store.PutJob(ctx, j); err != nil {
		return Result{}, fmt.Errorf("persist job %s: %w", id, err)
	}
	s.publish(eventbus.EventJobScheduled, j)
	s.log.Info("job scheduled",
		logx.String("job", id),
		logx.Int64("fire_at", j.FireAt),
		logx.Duration("in", time.UnixMilli(j.FireAt).Sub(now)))

	if time.UnixMilli(req.FireAt).Sub(now) <= s.cfg.minDelay() {
		// Close enough to now that arming a timer is pointless.
		s.deliverJob(ctx, &j)
		s.reconcile(ctx, nil)
		return Result{ID: id, Status: string(j.Status)}, nil
	}

	s.reconcile(ctx, nil)
	return Result{ID: id, Status: string(j.Status)}, nil
}

// Wake is the alarm callback and the sweeper's entry point. It reloads the
// full job set from storage, delivers everything due, and re-arms for the
// earliest remaining job. Reloading every time keeps the pass correct no
// matter what happened before it: missed alarms, crashes mid-delivery, or a
// competing sweep that already drained the queue all reduce to the same
// list-deliver-rearm pass.
func (s *Service) Wake(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		// Leave the alarm alone; a mis-armed slot just causes a spurious
		// wake, whereas disarming here could strand pending jobs.
		s.log.Error("wake: list jobs", logx.Err(err))
		return
	}

	now := s.now().UnixMilli()
	var delivered int
	for i := range jobs {
		j := &jobs[i]
		if j.Status != storage.StatusScheduled || j.FireAt > now {
			continue
		}
		s.deliverJob(ctx, j)
		delivered++
	}
	if delivered > 0 {
		s.log.Info("wake pass complete", logx.Int("delivered", delivered))
	}
	s.reconcile(ctx, jobs)
}

// deliverJob runs one delivery attempt and records the terminal outcome.
// Mutates j in place so reconcile sees the post-attempt status even when
// the terminal write fails. Caller holds s.mu.
func (s *Service) deliverJob(ctx context.Context, j *storage.Job) {
	start := s.now()
	err := s.attempt(ctx, j)
	took := time.Since(start)

	j.SentAt = s.now().UnixMilli()
	if err != nil {
		j.Status = storage.StatusFailed
		j.ErrorMessage = err.Error()
		s.log.Warn("delivery failed",
			logx.String("job", j.ID), logx.Duration("took", took), logx.Err(err))
	} else {
		j.Status = storage.StatusSent
		s.log.Info("delivered",
			logx.String("job", j.ID), logx.Duration("took", took))
	}

	if perr := s.store.PutJob(ctx, *j); perr != nil {
		// The attempt already happened but the durable record still says
		// "scheduled", so the next wake will deliver the job again.
		s.log.Error("record delivery outcome; job may be redelivered",
			logx.String("job", j.ID), logx.Err(perr))
	}

	if err != nil {
		s.publish(eventbus.EventJobFailed, *j)
	} else {
		s.publish(eventbus.EventJobSent, *j)
	}
}

// attempt invokes the delivery driver with a bounded context and converts
// driver panics into errors so one bad job cannot take down the wake pass.
func (s *Service) attempt(ctx context.Context, j *storage.Job) (err error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.deliverTimeout())
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return s.deliver.Deliver(dctx, j.Destination, j.Payload)
}

// reconcile re-derives the alarm slot from the job set: armed at the
// minimum fire time among scheduled jobs, disarmed when there are none.
// Pass jobs when the caller already holds a fresh set (Wake mutates its
// copy in place); nil forces a reload. Caller holds s.mu.
func (s *Service) reconcile(ctx context.Context, jobs []storage.Job) {
	if jobs == nil {
		var err error
		jobs, err = s.store.ListJobs(ctx)
		if err != nil {
			s.log.Error("reconcile: list jobs", logx.Err(err))
			return
		}
	}
	var min int64
	for i := range jobs {
		if jobs[i].Status != storage.StatusScheduled {
			continue
		}
		if min == 0 || jobs[i].FireAt < min {
			min = jobs[i].FireAt
		}
	}
	if min == 0 {
		s.clock.Disarm()
		return
	}
	s.clock.Arm(time.UnixMilli(min))
}

// Status returns the durable record for one job.
func (s *Service) Status(ctx context.Context, id string) (storage.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns jobs ordered by (fire time, id). Filter is "" for all,
// "scheduled" for pending jobs, "terminal" for finished ones.
func (s *Service) List(ctx context.Context, filter string) ([]storage.Job, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	switch filter {
	case "":
		return jobs, nil
	case "scheduled":
		out := jobs[:0:0]
		for _, j := range jobs {
			if j.Status == storage.StatusScheduled {
				out = append(out, j)
			}
		}
		return out, nil
	case "terminal":
		out := jobs[:0:0]
		for _, j := range jobs {
			if j.Status.Terminal() {
				out = append(out, j)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalidRequest, filter)
	}
}

func (s *Service) publish(typ string, j storage.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.JobEvent{
		ID:     j.ID,
		FireAt: j.FireAt,
		Status: string(j.Status),
		Error:  j.ErrorMessage,
	}})
}
