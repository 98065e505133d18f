package sched

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"pushsched/internal/storage"
	logx "pushsched/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]storage.Job
	putHook func(j storage.Job) error
	listErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]storage.Job{}}
}

func (f *fakeStore) PutJob(_ context.Context, j storage.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putHook != nil {
		if err := f.putHook(j); err != nil {
			return err
		}
	}
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return storage.Job{}, storage.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) ListJobs(_ context.Context) ([]storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]storage.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].FireAt != out[k].FireAt {
			return out[i].FireAt < out[k].FireAt
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (f *fakeStore) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (f *fakeStore) Close() error                                          { return nil }

type fakeClock struct {
	mu      sync.Mutex
	at      time.Time
	armed   bool
	disarms int
}

func (c *fakeClock) Arm(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at, c.armed = at, true
}

func (c *fakeClock) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.disarms++
}

func (c *fakeClock) Next() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at, c.armed
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []string
	// fail maps a destination to the error its delivery returns.
	fail map[string]error
	// panicOn destinations blow up instead of returning.
	panicOn map[string]bool
}

func (d *fakeDeliverer) Deliver(_ context.Context, dest, _ json.RawMessage) error {
	d.mu.Lock()
	d.calls = append(d.calls, string(dest))
	d.mu.Unlock()
	if d.panicOn[string(dest)] {
		panic("driver exploded")
	}
	return d.fail[string(dest)]
}

func (d *fakeDeliverer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newTestService(store *fakeStore, base time.Time) (*Service, *fakeClock, *fakeDeliverer) {
	clk := &fakeClock{}
	del := &fakeDeliverer{}
	s := New(Config{MinDelay: time.Second, DeliverTimeout: time.Second}, store, del, nil, logx.Nop())
	s.clock = clk
	s.now = func() time.Time { return base }
	return s, clk, del
}

func TestScheduleIdempotent(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()
	s, _, _ := newTestService(st, base)

	dest := json.RawMessage(`{"url":"https://example.com/hook"}`)
	at := base.Add(time.Minute).UnixMilli()

	r1, err := s.Schedule(context.Background(), Request{Destination: dest, FireAt: at})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	r2, err := s.Schedule(context.Background(), Request{Destination: dest, FireAt: at})
	if err != nil {
		t.Fatalf("duplicate schedule: %v", err)
	}
	if r1.ID != r2.ID {
		t.Fatalf("ids differ: %q vs %q", r1.ID, r2.ID)
	}
	if r1.Existing || !r2.Existing {
		t.Fatalf("existing flags: first=%v second=%v", r1.Existing, r2.Existing)
	}
	if len(st.jobs) != 1 {
		t.Fatalf("want 1 stored job, got %d", len(st.jobs))
	}
}

func TestScheduleRejectsBadInput(t *testing.T) {
	t.Parallel()
	base := time.Now()
	s, _, _ := newTestService(newFakeStore(), base)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty destination", Request{FireAt: base.Add(time.Minute).UnixMilli()}},
		{"null destination", Request{Destination: json.RawMessage(`null`), FireAt: base.Add(time.Minute).UnixMilli()}},
		{"zero fire_at", Request{Destination: json.RawMessage(`"x"`)}},
		{"negative fire_at", Request{Destination: json.RawMessage(`"x"`), FireAt: -5}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Schedule(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("want ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestScheduleArmsEarliest(t *testing.T) {
	t.Parallel()
	base := time.Now()
	s, clk, _ := newTestService(newFakeStore(), base)

	late := base.Add(time.Hour).UnixMilli()
	early := base.Add(time.Minute).UnixMilli()

	if _, err := s.Schedule(context.Background(), Request{Destination: json.RawMessage(`"a"`), FireAt: late}); err != nil {
		t.Fatalf("schedule late: %v", err)
	}
	if at, ok := clk.Next(); !ok || at.UnixMilli() != late {
		t.Fatalf("after first schedule: armed=%v at=%v want %d", ok, at.UnixMilli(), late)
	}

	if _, err := s.Schedule(context.Background(), Request{Destination: json.RawMessage(`"b"`), FireAt: early}); err != nil {
		t.Fatalf("schedule early: %v", err)
	}
	if at, ok := clk.Next(); !ok || at.UnixMilli() != early {
		t.Fatalf("after earlier schedule: armed=%v at=%v want %d", ok, at.UnixMilli(), early)
	}
}

func TestImmediateFastPath(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()
	s, clk, del := newTestService(st, base)

	r, err := s.Schedule(context.Background(), Request{
		Destination: json.RawMessage(`"now"`),
		FireAt:      base.UnixMilli(),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if r.Status != string(storage.StatusSent) {
		t.Fatalf("want status sent, got %q", r.Status)
	}
	if del.callCount() != 1 {
		t.Fatalf("want 1 delivery, got %d", del.callCount())
	}
	if _, ok := clk.Next(); ok {
		t.Fatal("alarm armed for an already-delivered job")
	}
	j := st.jobs[r.ID]
	if j.Status != storage.StatusSent || j.SentAt == 0 {
		t.Fatalf("stored job not terminal: %+v", j)
	}
}

func TestWakeDeliversDueAndRearms(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()
	s, clk, del := newTestService(st, base)

	due1 := base.Add(2 * time.Second).UnixMilli()
	due2 := base.Add(3 * time.Second).UnixMilli()
	future := base.Add(time.Hour).UnixMilli()
	for i, at := range []int64{due1, due2, future} {
		dest := json.RawMessage(`"d` + string(rune('a'+i)) + `"`)
		if _, err := s.Schedule(context.Background(), Request{Destination: dest, FireAt: at}); err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
	}

	// Advance past the first two jobs and fire the alarm.
	s.now = func() time.Time { return base.Add(5 * time.Second) }
	s.Wake(context.Background())

	if del.callCount() != 2 {
		t.Fatalf("want 2 deliveries, got %d", del.callCount())
	}
	if at, ok := clk.Next(); !ok || at.UnixMilli() != future {
		t.Fatalf("alarm not re-armed for future job: armed=%v at=%v", ok, at.UnixMilli())
	}
	for _, j := range st.jobs {
		if j.FireAt == future {
			if j.Status != storage.StatusScheduled {
				t.Fatalf("future job should stay scheduled, got %s", j.Status)
			}
			continue
		}
		if j.Status != storage.StatusSent {
			t.Fatalf("due job %s not sent: %s", j.ID, j.Status)
		}
	}
}

func TestWakeFiresEachJobOnce(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()
	s, _, del := newTestService(st, base)

	if _, err := s.Schedule(context.Background(), Request{
		Destination: json.RawMessage(`"once"`),
		FireAt:      base.Add(2 * time.Second).UnixMilli(),
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.now = func() time.Time { return base.Add(time.Minute) }
	s.Wake(context.Background())
	s.Wake(context.Background())

	if del.callCount() != 1 {
		t.Fatalf("want exactly 1 delivery across two wakes, got %d", del.callCount())
	}
}

func TestRestartRecovery(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()

	// Durable state left behind by a previous process.
	due := storage.Job{
		ID: "j-due", Destination: json.RawMessage(`"late"`),
		FireAt: base.Add(-time.Minute).UnixMilli(),
		Status: storage.StatusScheduled, CreatedAt: base.Add(-time.Hour).UnixMilli(),
	}
	future := storage.Job{
		ID: "j-future", Destination: json.RawMessage(`"tomorrow"`),
		FireAt: base.Add(24 * time.Hour).UnixMilli(),
		Status: storage.StatusScheduled, CreatedAt: base.Add(-time.Hour).UnixMilli(),
	}
	done := storage.Job{
		ID: "j-done", Destination: json.RawMessage(`"old"`),
		FireAt: base.Add(-2 * time.Hour).UnixMilli(),
		Status: storage.StatusSent, CreatedAt: base.Add(-3 * time.Hour).UnixMilli(),
		SentAt: base.Add(-2 * time.Hour).UnixMilli(),
	}
	for _, j := range []storage.Job{due, future, done} {
		st.jobs[j.ID] = j
	}

	s, clk, del := newTestService(st, base)
	s.Start(context.Background())

	if del.callCount() != 1 {
		t.Fatalf("want 1 catch-up delivery, got %d", del.callCount())
	}
	if got := st.jobs["j-due"].Status; got != storage.StatusSent {
		t.Fatalf("overdue job not delivered on start: %s", got)
	}
	if at, ok := clk.Next(); !ok || at.UnixMilli() != future.FireAt {
		t.Fatalf("alarm not armed for surviving job: armed=%v at=%v", ok, at.UnixMilli())
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()
	s, clk, del := newTestService(st, base)
	del.fail = map[string]error{`"bad"`: errors.New("endpoint down")}
	del.panicOn = map[string]bool{`"boom"`: true}

	at := base.Add(2 * time.Second).UnixMilli()
	ids := map[string]string{}
	for _, dest := range []string{`"bad"`, `"boom"`, `"good"`} {
		r, err := s.Schedule(context.Background(), Request{Destination: json.RawMessage(dest), FireAt: at})
		if err != nil {
			t.Fatalf("schedule %s: %v", dest, err)
		}
		ids[dest] = r.ID
	}

	s.now = func() time.Time { return base.Add(time.Minute) }
	s.Wake(context.Background())

	if got := st.jobs[ids[`"good"`]].Status; got != storage.StatusSent {
		t.Fatalf("good job: want sent, got %s", got)
	}
	for _, dest := range []string{`"bad"`, `"boom"`} {
		j := st.jobs[ids[dest]]
		if j.Status != storage.StatusFailed {
			t.Fatalf("%s: want failed, got %s", dest, j.Status)
		}
		if j.ErrorMessage == "" {
			t.Fatalf("%s: missing error message", dest)
		}
	}
	if _, ok := clk.Next(); ok {
		t.Fatal("nothing left to schedule but alarm still armed")
	}
}

func TestTerminalJobStaysTerminal(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()
	s, _, del := newTestService(st, base)

	dest := json.RawMessage(`"done"`)
	at := base.UnixMilli()
	r1, err := s.Schedule(context.Background(), Request{Destination: dest, FireAt: at})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if r1.Status != string(storage.StatusSent) {
		t.Fatalf("fast path: want sent, got %q", r1.Status)
	}

	r2, err := s.Schedule(context.Background(), Request{Destination: dest, FireAt: at})
	if err != nil {
		t.Fatalf("re-schedule: %v", err)
	}
	if !r2.Existing || r2.Status != string(storage.StatusSent) {
		t.Fatalf("re-schedule of finished job: %+v", r2)
	}
	if del.callCount() != 1 {
		t.Fatalf("finished job redelivered: %d calls", del.callCount())
	}
}

func TestTerminalWriteFailureKeepsJobDurable(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()
	s, clk, del := newTestService(st, base)

	if _, err := s.Schedule(context.Background(), Request{
		Destination: json.RawMessage(`"flaky"`),
		FireAt:      base.Add(2 * time.Second).UnixMilli(),
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Fail exactly the terminal-status write.
	st.mu.Lock()
	st.putHook = func(j storage.Job) error {
		if j.Status.Terminal() {
			return errors.New("disk full")
		}
		return nil
	}
	st.mu.Unlock()

	s.now = func() time.Time { return base.Add(time.Minute) }
	s.Wake(context.Background())

	if del.callCount() != 1 {
		t.Fatalf("want 1 delivery, got %d", del.callCount())
	}
	// Durable record still says scheduled (it will be retried next wake),
	// but the pass itself must not spin: the alarm is not re-armed for an
	// outcome it just attempted.
	var j storage.Job
	for _, v := range st.jobs {
		j = v
	}
	if j.Status != storage.StatusScheduled {
		t.Fatalf("durable status: want scheduled, got %s", j.Status)
	}
	if _, ok := clk.Next(); ok {
		t.Fatal("alarm re-armed immediately after failed terminal write")
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	base := time.Now()
	st := newFakeStore()
	st.jobs["a"] = storage.Job{ID: "a", FireAt: 1, Status: storage.StatusSent}
	st.jobs["b"] = storage.Job{ID: "b", FireAt: 2, Status: storage.StatusScheduled}
	st.jobs["c"] = storage.Job{ID: "c", FireAt: 3, Status: storage.StatusFailed}
	s, _, _ := newTestService(st, base)

	tests := []struct {
		filter string
		want   []string
	}{
		{"", []string{"a", "b", "c"}},
		{"scheduled", []string{"b"}},
		{"terminal", []string{"a", "c"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run("filter="+tt.filter, func(t *testing.T) {
			t.Parallel()
			jobs, err := s.List(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var got []string
			for _, j := range jobs {
				got = append(got, j.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("want %v, got %v", tt.want, got)
				}
			}
		})
	}

	if _, err := s.List(context.Background(), "bogus"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bogus filter: want ErrInvalidRequest, got %v", err)
	}
}

func TestDeriveIDStable(t *testing.T) {
	t.Parallel()
	a := DeriveID(json.RawMessage(`"x"`), 1000)
	b := DeriveID(json.RawMessage(`"x"`), 1000)
	c := DeriveID(json.RawMessage(`"y"`), 1000)
	d := DeriveID(json.RawMessage(`"x"`), 1001)
	if a != b {
		t.Fatalf("same inputs, different ids: %q %q", a, b)
	}
	if a == c || a == d {
		t.Fatalf("distinct inputs collided: %q %q %q", a, c, d)
	}
}
