package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"leadpulse/internal/eventbus"
	"leadpulse/internal/records"
	logx "leadpulse/pkg/logx"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []Envelope
	calls int
	fail  func(call int) error
	block chan struct{}
	got   chan Envelope
}

func newFake() *fakeTransport { return &fakeTransport{got: make(chan Envelope, 64)} }

func (*fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Deliver(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.fail
	block := f.block
	f.mu.Unlock()
	f.got <- env
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Hour,
	}
}

func startService(t *testing.T, cfg Config, tr Transport, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, tr, NewMemoryDedup(0), logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestDeliverRejectsWhenNotRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig()
	cfg.Enabled = false
	off := New(cfg, newFake(), nil, logx.Nop(), nil)
	if err := off.Deliver(ctx, Envelope{Kind: KindAlert, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err=%v", err)
	}

	idle := New(testConfig(), newFake(), nil, logx.Nop(), nil)
	if err := idle.Deliver(ctx, Envelope{Kind: KindAlert, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err=%v", err)
	}
}

func TestSendReminderDedupsSameTask(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "delivery.")
	defer unsub()
	tr := newFake()
	s := startService(t, testConfig(), tr, bus)

	u := records.User{ID: "u1", Name: "Ana", Email: "ana@example.com"}
	task := records.Task{ID: "t1", Title: "Call Bob", DueDate: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()
	if err := s.SendReminder(ctx, u, task); err != nil {
		t.Fatalf("SendReminder: %v", err)
	}
	waitEvent(t, events, eventbus.DeliverySent)
	if err := s.SendReminder(ctx, u, task); err != nil {
		t.Fatalf("second SendReminder: %v", err)
	}
	ev := waitEvent(t, events, eventbus.DeliveryDeduped)
	if got := ev.Data.(eventbus.DeliveryEvent).DedupID; got != "reminder:t1" {
		t.Fatalf("deduped id = %q", got)
	}
	if n := tr.sentCount(); n != 1 {
		t.Fatalf("sent %d envelopes, want 1", n)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].To != "u1" {
		t.Fatalf("history = %+v", h)
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "delivery.")
	defer unsub()
	tr := newFake()
	tr.fail = func(call int) error {
		if call < 3 {
			return errors.New("temporary")
		}
		return nil
	}
	s := startService(t, testConfig(), tr, bus)
	if err := s.Deliver(context.Background(), Envelope{Kind: KindAlert, Text: "hi"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	ev := waitEvent(t, events, eventbus.DeliverySent)
	if a := ev.Data.(eventbus.DeliveryEvent).Attempt; a != 3 {
		t.Fatalf("sent on attempt %d, want 3", a)
	}
}

func TestPermanentFailureReleasesDedup(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "delivery.")
	defer unsub()
	tr := newFake()
	tr.fail = func(call int) error {
		if call == 1 {
			return Permanent(errors.New("bad address"))
		}
		return nil
	}
	s := startService(t, testConfig(), tr, bus)
	env := Envelope{Kind: KindMessage, Text: "hi", DedupID: "message:m1:0"}
	if err := s.Deliver(context.Background(), env); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitEvent(t, events, eventbus.DeliveryFailed)
	tr.mu.Lock()
	calls := tr.calls
	tr.mu.Unlock()
	if calls != 1 {
		t.Fatalf("permanent error retried: %d calls", calls)
	}
	if err := s.Deliver(context.Background(), env); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	waitEvent(t, events, eventbus.DeliverySent)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	tr := newFake()
	tr.block = make(chan struct{})
	cfg := testConfig()
	cfg.QueueSize = 1
	s := startService(t, cfg, tr, nil)
	defer close(tr.block)

	ctx := context.Background()
	if err := s.Deliver(ctx, Envelope{Kind: KindAlert, Text: "1"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	select {
	case <-tr.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never picked up the first envelope")
	}
	if err := s.Deliver(ctx, Envelope{Kind: KindAlert, Text: "2"}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := s.Deliver(ctx, Envelope{Kind: KindAlert, Text: "3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third: err=%v, want ErrQueueFull", err)
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), newFake(), nil, logx.Nop(), nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Deliver(context.Background(), Envelope{Kind: KindAlert}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: err=%v", err)
	}
}

func TestMemoryDedupExpiryAndCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDedup(2)
	d.now = func() time.Time { return now }

	if ok, _ := d.Reserve(ctx, "a", time.Minute); !ok {
		t.Fatalf("first reserve refused")
	}
	if ok, _ := d.Reserve(ctx, "a", time.Minute); ok {
		t.Fatalf("duplicate reserve allowed")
	}
	now = now.Add(time.Minute)
	if ok, _ := d.Reserve(ctx, "a", time.Minute); !ok {
		t.Fatalf("expired key still held")
	}
	_, _ = d.Reserve(ctx, "b", 2*time.Minute)
	_, _ = d.Reserve(ctx, "c", 3*time.Minute)
	if len(d.until) != 2 {
		t.Fatalf("cap not enforced: %d entries", len(d.until))
	}
	if _, ok := d.until["a"]; ok {
		t.Fatalf("entry closest to expiry should be evicted first")
	}
	_ = d.Release(ctx, "b")
	if ok, _ := d.Reserve(ctx, "b", time.Minute); !ok {
		t.Fatalf("released key still held")
	}
}

func TestWebhookTransport(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		status = http.StatusOK
		got    Envelope
		auth   string
		idem   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s3cret", time.Second)
	env := Envelope{Kind: KindReminder, To: Recipient{UserID: "u1"}, Text: "hello", DedupID: "reminder:t1"}
	if err := wh.Deliver(context.Background(), env); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	mu.Lock()
	if got.Text != "hello" || got.To.UserID != "u1" || auth != "Bearer s3cret" || idem != "reminder:t1" {
		t.Fatalf("request = %+v auth=%q idem=%q", got, auth, idem)
	}
	status = http.StatusBadRequest
	mu.Unlock()

	err := wh.Deliver(context.Background(), env)
	if err == nil || !isPermanent(err) {
		t.Fatalf("4xx err=%v, want permanent", err)
	}

	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	err = wh.Deliver(context.Background(), env)
	if err == nil || isPermanent(err) {
		t.Fatalf("5xx err=%v, want retryable", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter band", d)
	}
}
