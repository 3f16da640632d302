package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leadpulse/internal/eventbus"
	"leadpulse/internal/jobs"
	"leadpulse/internal/storage"
	"leadpulse/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type harness struct {
	store storage.Store
	reg   *Registry
	svc   *Service
	clock *fakeClock
	bus   eventbus.Bus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	cfg.Now = clock.Now
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Minute
	}
	st := storage.NewMemory()
	reg := NewRegistry()
	bus := eventbus.New()
	return &harness{store: st, reg: reg, svc: New(cfg, st, reg, logx.Nop(), bus), clock: clock, bus: bus}
}

func (h *harness) enqueue(t *testing.T, name string, n int) []jobs.Job {
	t.Helper()
	var out []jobs.Job
	for i := 0; i < n; i++ {
		j, err := jobs.New(name, h.clock.Now().Add(-time.Second), nil)
		if err != nil {
			t.Fatalf("jobs.New: %v", err)
		}
		got, err := h.store.Enqueue(context.Background(), j, h.clock.Now())
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		out = append(out, got)
	}
	return out
}

func (h *harness) tick(t *testing.T) int {
	t.Helper()
	n, err := h.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return n
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func blocking(release <-chan struct{}, running *atomic.Int32, peak *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, _ jobs.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestPerTypeCeilingHoldsAcrossTicks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	release := make(chan struct{})
	var running, peak atomic.Int32
	if err := h.reg.Register(jobs.NameTaskReminder, blocking(release, &running, &peak), HandlerOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.enqueue(t, jobs.NameTaskReminder, 12)

	if n := h.tick(t); n != 5 {
		t.Fatalf("first tick dispatched %d, want 5", n)
	}
	if n := h.tick(t); n != 0 {
		t.Fatalf("second tick dispatched %d while type is saturated, want 0", n)
	}
	snap := h.svc.Snapshot()
	if snap.InFlight != 5 || snap.PerType[jobs.NameTaskReminder] != 5 {
		t.Fatalf("snapshot in-flight = %d / %v", snap.InFlight, snap.PerType)
	}

	close(release)
	h.wait(t)
	if n := h.tick(t); n != 5 {
		t.Fatalf("third tick dispatched %d, want 5", n)
	}
	h.wait(t)
	if n := h.tick(t); n != 2 {
		t.Fatalf("fourth tick dispatched %d, want 2", n)
	}
	h.wait(t)
	if peak.Load() > 5 {
		t.Fatalf("peak concurrency %d exceeded per-type limit", peak.Load())
	}
	counts, _ := h.store.Counts(context.Background())
	if counts[jobs.StateCompleted] != 12 {
		t.Fatalf("completed = %d, want 12", counts[jobs.StateCompleted])
	}
}

func TestGlobalCeiling(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{GlobalLimit: 20, PerTypeLimit: 5})
	release := make(chan struct{})
	var running, peak atomic.Int32
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("type-%d", i)
		if err := h.reg.Register(name, blocking(release, &running, &peak), HandlerOptions{}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		h.enqueue(t, name, 5)
	}

	if n := h.tick(t); n != 20 {
		t.Fatalf("dispatched %d, want 20", n)
	}
	close(release)
	h.wait(t)
	if peak.Load() > 20 {
		t.Fatalf("peak %d exceeded global limit", peak.Load())
	}
	if n := h.tick(t); n != 5 {
		t.Fatalf("remaining dispatched %d, want 5", n)
	}
	h.wait(t)
}

func TestHandlerConcurrencyOverride(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	release := make(chan struct{})
	var running, peak atomic.Int32
	_ = h.reg.Register(jobs.NameOverdueScan, blocking(release, &running, &peak), HandlerOptions{Concurrency: 1})
	h.enqueue(t, jobs.NameOverdueScan, 3)
	if n := h.tick(t); n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}
	close(release)
	h.wait(t)
}

func TestRetryThenPermanentFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RetryBase: time.Minute, RetryJitter: 0})
	events, unsub := h.bus.Subscribe(16, "job.")
	defer unsub()

	var calls atomic.Int32
	_ = h.reg.Register(jobs.NameTaskReminder, func(context.Context, jobs.Job) error {
		calls.Add(1)
		return errors.New("smtp unavailable")
	}, HandlerOptions{})
	j := h.enqueue(t, jobs.NameTaskReminder, 1)[0]

	h.tick(t)
	h.wait(t)
	got, _ := h.store.Get(context.Background(), j.ID)
	if got.State != jobs.StatePending || got.FailCount != 1 {
		t.Fatalf("after 1st failure: %s fail=%d", got.State, got.FailCount)
	}
	if want := t0.Add(time.Minute); !got.ScheduledAt.Equal(want) {
		t.Fatalf("retry at %s, want %s", got.ScheduledAt, want)
	}

	// Not due yet.
	if n := h.tick(t); n != 0 {
		t.Fatalf("retry dispatched early")
	}
	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Hour)
		h.tick(t)
		h.wait(t)
	}
	got, _ = h.store.Get(context.Background(), j.ID)
	if got.State != jobs.StateFailed || got.FailCount != 3 {
		t.Fatalf("final: %s fail=%d, want failed/3", got.State, got.FailCount)
	}
	h.clock.Advance(time.Hour)
	if n := h.tick(t); n != 0 || calls.Load() != 3 {
		t.Fatalf("failed job ran again: dispatched=%d calls=%d", n, calls.Load())
	}

	var dead *eventbus.JobEvent
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.JobDead {
			d := ev.Data.(eventbus.JobEvent)
			dead = &d
		}
	}
	if dead == nil || dead.JobID != j.ID || dead.FailCount != 3 {
		t.Fatalf("dead event = %+v", dead)
	}
	if c := h.svc.Snapshot().Counters; c.Retried != 2 || c.Dead != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	_ = h.reg.Register(jobs.NameTaskReminder, func(context.Context, jobs.Job) error {
		return NoRetry(errors.New("malformed payload"))
	}, HandlerOptions{})
	j := h.enqueue(t, jobs.NameTaskReminder, 1)[0]
	h.tick(t)
	h.wait(t)
	got, _ := h.store.Get(context.Background(), j.ID)
	if got.State != jobs.StateFailed || got.FailCount != 1 {
		t.Fatalf("got %s fail=%d", got.State, got.FailCount)
	}
}

func TestTimeoutReleasesSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{HandlerTimeout: 20 * time.Millisecond})
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	_ = h.reg.Register(jobs.NameDailySummary, func(context.Context, jobs.Job) error {
		<-stuck // ignores its context
		return nil
	}, HandlerOptions{Concurrency: 1})
	j := h.enqueue(t, jobs.NameDailySummary, 1)[0]

	h.tick(t)
	h.wait(t)
	if in := h.svc.Snapshot().InFlight; in != 0 {
		t.Fatalf("slot not released after timeout: in-flight=%d", in)
	}
	got, _ := h.store.Get(context.Background(), j.ID)
	if got.State != jobs.StatePending || got.FailCount != 1 {
		t.Fatalf("timed out job = %s fail=%d", got.State, got.FailCount)
	}
	if h.svc.Snapshot().Counters.Timeouts != 1 {
		t.Fatal("timeout not counted")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	_ = h.reg.Register(jobs.NameWeeklyReport, func(context.Context, jobs.Job) error {
		panic("nil map")
	}, HandlerOptions{})
	j := h.enqueue(t, jobs.NameWeeklyReport, 1)[0]
	h.tick(t)
	h.wait(t)
	got, _ := h.store.Get(context.Background(), j.ID)
	if got.FailCount != 1 || got.LastError != "panic: nil map" {
		t.Fatalf("got fail=%d err=%q", got.FailCount, got.LastError)
	}
}

func TestRecurringJobRearmsAfterRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	var calls atomic.Int32
	_ = h.reg.Register(jobs.NameOverdueScan, func(context.Context, jobs.Job) error {
		calls.Add(1)
		return nil
	}, HandlerOptions{})
	rec, _ := jobs.NewRecurrence("0 9 * * *", "UTC")
	j, err := h.store.UpsertRecurring(context.Background(), jobs.Job{
		Name: jobs.NameOverdueScan, UniqueKey: jobs.RecurringKey(jobs.NameOverdueScan), ScheduledAt: t0, Recurrence: rec,
	}, t0)
	if err != nil {
		t.Fatalf("UpsertRecurring: %v", err)
	}
	h.tick(t)
	h.wait(t)
	got, _ := h.store.Get(context.Background(), j.ID)
	if got.State != jobs.StatePending || !got.ScheduledAt.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("rearmed = %s at %s", got.State, got.ScheduledAt)
	}
	h.clock.Advance(24 * time.Hour)
	h.tick(t)
	h.wait(t)
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestStaleRunResultDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Lease: time.Minute, HandlerTimeout: 30 * time.Second})
	release := make(chan struct{})
	var calls atomic.Int32
	_ = h.reg.Register(jobs.NameTaskReminder, func(ctx context.Context, _ jobs.Job) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	}, HandlerOptions{})
	j := h.enqueue(t, jobs.NameTaskReminder, 1)[0]

	h.tick(t) // first run blocks
	h.clock.Advance(2 * time.Minute)
	if n := h.tick(t); n != 1 {
		t.Fatalf("expired lease not reclaimed: dispatched %d", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := h.store.Get(context.Background(), j.ID)
		if got.State == jobs.StateCompleted || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	h.wait(t)

	c := h.svc.Snapshot().Counters
	if c.Reclaimed != 1 || c.Completed != 1 || c.Lost != 1 {
		t.Fatalf("counters = %+v", c)
	}
	got, _ := h.store.Get(context.Background(), j.ID)
	if got.State != jobs.StateCompleted || got.Reclaims != 1 || got.FailCount != 0 {
		t.Fatalf("job = %+v", got)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PollInterval: time.Hour})
	done := make(chan struct{}, 1)
	_ = h.reg.Register(jobs.NameTaskReminder, func(context.Context, jobs.Job) error {
		done <- struct{}{}
		return nil
	}, HandlerOptions{})
	h.enqueue(t, jobs.NameTaskReminder, 1)

	h.svc.Start(context.Background())
	h.svc.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not tick on start")
	}
	if !h.svc.Snapshot().Running {
		t.Fatal("snapshot should report running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.svc.Snapshot().Running {
		t.Fatal("snapshot should report stopped")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	fn := func(context.Context, jobs.Job) error { return nil }
	if err := r.Register("a", fn, HandlerOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", fn, HandlerOptions{}); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := r.Register("", fn, HandlerOptions{}); err == nil {
		t.Fatal("empty name accepted")
	}
	_ = r.Register("b", fn, HandlerOptions{})
	if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names = %v", got)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}.withDefaults()
	cfg.RetryJitter = 0
	tests := []struct {
		retry int
		err   error
		want  time.Duration
	}{
		{1, errors.New("x"), time.Second},
		{2, errors.New("x"), 2 * time.Second},
		{3, errors.New("x"), 4 * time.Second},
		{10, errors.New("x"), 10 * time.Second},
		{1, RetryAfter(errors.New("429"), 7*time.Second), 7 * time.Second},
		{1, RetryAfter(errors.New("429"), time.Hour), 10 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(cfg, tt.retry, tt.err); got != tt.want {
			t.Fatalf("retryDelay(%d, %v) = %s, want %s", tt.retry, tt.err, got, tt.want)
		}
	}
	cfg.RetryJitter = 0.2
	for i := 0; i < 50; i++ {
		d := retryDelay(cfg, 2, errors.New("x"))
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("jittered delay %s out of bounds", d)
		}
	}
}

func TestRescheduledRunIsNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	_ = h.reg.Register(jobs.NameTaskReminder, func(ctx context.Context, _ jobs.Job) error {
		close(entered)
		<-release
		return errors.New("smtp down")
	}, HandlerOptions{})

	j, _ := jobs.New(jobs.NameTaskReminder, t0.Add(-time.Second), jobs.ReminderPayload{TaskID: "t1"})
	j.UniqueKey = jobs.ReminderKey("t1")
	first, err := h.store.Enqueue(context.Background(), j, t0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.tick(t)
	<-entered

	moved, _ := jobs.New(jobs.NameTaskReminder, t0.Add(3*time.Hour), jobs.ReminderPayload{TaskID: "t1"})
	moved.UniqueKey = jobs.ReminderKey("t1")
	if _, err := h.store.Enqueue(context.Background(), moved, t0); err != nil {
		t.Fatalf("Enqueue moved: %v", err)
	}
	close(release)
	h.wait(t)

	got, _ := h.store.Get(context.Background(), first.ID)
	if got.State != jobs.StateCancelled {
		t.Fatalf("original run state = %s, want cancelled", got.State)
	}
	pending, _ := h.store.List(context.Background(), storage.ListFilter{State: jobs.StatePending, UniqueKey: jobs.ReminderKey("t1")})
	if len(pending) != 1 || pending[0].ID != moved.ID {
		t.Fatalf("pending = %+v, want only the moved reminder", pending)
	}
	if c := h.svc.Snapshot().Counters; c.Superseded != 1 || c.Retried != 0 || c.Dead != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestRecurringJobParksAfterDeadRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RecurringMaxDeadRuns: 2})
	_ = h.reg.Register(jobs.NameRecoveryScan, func(context.Context, jobs.Job) error {
		return NoRetry(errors.New("records unavailable"))
	}, HandlerOptions{})
	rec, _ := jobs.NewRecurrence("@hourly", "UTC")
	j, err := h.store.UpsertRecurring(context.Background(), jobs.Job{
		Name: jobs.NameRecoveryScan, UniqueKey: jobs.RecurringKey(jobs.NameRecoveryScan), ScheduledAt: t0, Recurrence: rec,
	}, t0)
	if err != nil {
		t.Fatalf("UpsertRecurring: %v", err)
	}
	h.tick(t)
	h.wait(t)
	got, _ := h.store.Get(context.Background(), j.ID)
	if got.State != jobs.StatePending || got.DeadRuns != 1 {
		t.Fatalf("after first dead run: %s dead_runs=%d", got.State, got.DeadRuns)
	}
	h.clock.Advance(time.Hour)
	h.tick(t)
	h.wait(t)
	got, _ = h.store.Get(context.Background(), j.ID)
	if got.State != jobs.StateFailed || got.DeadRuns != 2 {
		t.Fatalf("after second dead run: %s dead_runs=%d", got.State, got.DeadRuns)
	}
	h.clock.Advance(24 * time.Hour)
	if n := h.tick(t); n != 0 {
		t.Fatalf("parked job dispatched %d times", n)
	}
}

func TestLeaseOutlivesHandlerTimeout(t *testing.T) {
	t.Parallel()
	cfg := Config{Lease: time.Minute, HandlerTimeout: 2 * time.Minute}.withDefaults()
	if cfg.Lease <= 2*time.Minute+finalizeTimeout {
		t.Fatalf("lease = %s, want more than timeout plus finalize", cfg.Lease)
	}

	h := newHarness(t, Config{Lease: time.Minute, HandlerTimeout: 30 * time.Second})
	if got := h.svc.leaseFor(Handler{Name: "fast"}); got != time.Minute {
		t.Fatalf("default lease = %s", got)
	}
	release := make(chan struct{})
	var calls atomic.Int32
	_ = h.reg.Register(jobs.NameWeeklyReport, func(ctx context.Context, _ jobs.Job) error {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, HandlerOptions{Timeout: 5 * time.Minute})
	h.enqueue(t, jobs.NameWeeklyReport, 1)

	h.tick(t)
	h.clock.Advance(2 * time.Minute)
	if n := h.tick(t); n != 0 {
		t.Fatalf("live run reclaimed after %s: dispatched %d", 2*time.Minute, n)
	}
	close(release)
	h.wait(t)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

type explodingStore struct{ storage.Store }

func (explodingStore) ClaimDue(context.Context, storage.ClaimRequest) ([]jobs.Job, error) {
	panic("claim exploded")
}

func TestCrashingLoopGivesUp(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	_ = reg.Register(jobs.NameTaskReminder, func(context.Context, jobs.Job) error { return nil }, HandlerOptions{})
	svc := New(Config{PollInterval: time.Hour, MaxLoopRestarts: 2, RestartBackoff: time.Millisecond},
		explodingStore{storage.NewMemory()}, reg, logx.Nop(), nil)

	svc.Start(context.Background())
	deadline := time.Now().Add(3 * time.Second)
	for svc.Healthy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.Healthy() {
		t.Fatal("dispatcher still healthy after repeated loop panics")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
