package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"plugins":{}}`)); err == nil {
		t.Fatalf("unknown top-level field accepted")
	}
	if _, err := Decode("c.json", []byte(`{"logging":{}} {"logging":{}}`)); err == nil {
		t.Fatalf("trailing document accepted")
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	src := `
logging:
  level: debug
scheduler:
  timezone: Asia/Jakarta
  periodic:
    overdue-scan: "0 7 * * *"
delivery:
  transport: webhook
  webhook:
    url: https://crm.example.com/hooks/notify
`
	cfg, err := Decode("leadpulse.yaml", []byte(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Scheduler.Timezone != "Asia/Jakarta" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Scheduler.Periodic["overdue-scan"] != "0 7 * * *" || cfg.Delivery.Webhook.URL == "" {
		t.Fatalf("nested values lost: %+v", cfg)
	}
	if _, err := Decode("leadpulse.yml", []byte("logging:\n  colour: true\n")); err == nil {
		t.Fatalf("unknown yaml field accepted")
	}
	if _, err := Decode("empty.yaml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"LEADPULSE_TELEGRAM_TOKEN":       "123:abc",
		"LEADPULSE_TELEGRAM_ALERT_CHAT":  "-100200",
		"LEADPULSE_JWT_SECRET":           "s3cret",
		"LEADPULSE_RECORDS_DSN":          "postgres://crm",
		"LEADPULSE_CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example ,",
		"LEADPULSE_STORAGE_PATH":         "   ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := &Config{Storage: StorageConfig{Path: "./jobs.db"}}
	ApplyEnv(cfg, lookup)

	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.AlertChatID != -100200 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.HTTP.JWTSecret != "s3cret" || cfg.Records.DSN != "postgres://crm" {
		t.Fatalf("secrets not applied: %+v", cfg)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.Storage.Path != "./jobs.db" {
		t.Fatalf("blank env value overrode path: %q", cfg.Storage.Path)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"zero config", Config{}, ""},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"bad schedule", Config{Scheduler: SchedulerConfig{Periodic: map[string]string{"overdue-scan": "every tuesday"}}}, "scheduler.periodic.overdue-scan"},
		{"disabled schedule", Config{Scheduler: SchedulerConfig{Periodic: map[string]string{"weekly-report": "off"}}}, ""},
		{"bad duration", Config{Dispatcher: DispatcherConfig{Lease: "ten minutes"}}, "dispatcher.lease"},
		{"sqlite without path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"unknown records driver", Config{Records: RecordsConfig{Driver: "mongo"}}, "records.driver"},
		{"webhook without url", Config{Delivery: DeliveryConfig{Transport: "webhook"}}, "delivery.webhook.url"},
		{"redis without addr", Config{Delivery: DeliveryConfig{Dedup: DedupConfig{Driver: "redis"}}}, "redis_addr"},
		{"bad lead status", Config{Handlers: HandlersConfig{StuckStatuses: []string{"stalled"}}}, "stalled"},
		{"http without secret", Config{HTTP: HTTPConfig{Enabled: true}}, "jwt_secret"},
		{"alerts without chat", Config{Alerts: AlertsConfig{Enabled: true}, Telegram: TelegramConfig{Token: "t"}}, "alert_chat_id"},
		{"lease shorter than timeout", Config{Dispatcher: DispatcherConfig{Lease: "1m", HandlerTimeout: "2m"}}, "dispatcher.lease"},
		{"lease equal to default timeout", Config{Dispatcher: DispatcherConfig{Lease: "2m"}}, "handler_timeout"},
		{"timeout above default lease", Config{Dispatcher: DispatcherConfig{HandlerTimeout: "15m"}}, "dispatcher.lease"},
		{"lease above timeout", Config{Dispatcher: DispatcherConfig{Lease: "5m", HandlerTimeout: "1m"}}, ""},
		{"negative dead runs", Config{Dispatcher: DispatcherConfig{RecurringMaxDeadRuns: -1}}, "recurring_max_dead_runs"},
		{"jitter out of range", Config{Dispatcher: DispatcherConfig{RetryJitter: 1.5}}, "retry_jitter"},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		err := Validate(&cfg)
		if tc.want == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()
	var d Durations
	if got := d.Get("a", "", time.Minute); got != time.Minute {
		t.Fatalf("empty = %v", got)
	}
	if got := d.Get("b", "90s", time.Minute); got != 90*time.Second {
		t.Fatalf("90s = %v", got)
	}
	if got := d.Get("c", "soon", time.Minute); got != time.Minute || d.Err() == nil {
		t.Fatalf("bad value = %v err=%v", got, d.Err())
	}
	_ = d.Get("d", "-1s", 0)
	if !strings.Contains(d.Err().Error(), "c:") {
		t.Fatalf("first error not kept: %v", d.Err())
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	old := &Config{Logging: LoggingConfig{Level: "info"}, Telegram: TelegramConfig{Token: "a"}}
	next := &Config{Logging: LoggingConfig{Level: "debug"}, Telegram: TelegramConfig{Token: "b"}, Delivery: DeliveryConfig{RatePerSec: 5}}

	changed, attrs, restart := SummarizeChange(old, next)
	if strings.Join(changed, ",") != "delivery,logging,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "telegram" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if c, _, _ := SummarizeChange(old, old); len(c) != 0 {
		t.Fatalf("identical configs reported %v", c)
	}
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "leadpulse.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("unchanged reload ok=%v err=%v", ok, err)
	}

	write(`{"logging":{"level":"debug"}}`)
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("changed reload ok=%v err=%v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level %q", cfg.Logging.Level)
		}
	default:
		t.Fatalf("nothing published")
	}

	write(`{"dispatcher":{"lease":"forever"}}`)
	if ok, err := m.Reload(ctx); err == nil || ok {
		t.Fatalf("invalid reload ok=%v err=%v", ok, err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("invalid config was committed")
	}
	m.Unsubscribe(sub)
	if _, open := <-sub; open {
		t.Fatalf("subscription not closed")
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	b := newDebouncer(30*time.Millisecond, func() { runs.Add(1) })
	for i := 0; i < 5; i++ {
		b.trigger()
	}
	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	b.stop()
	b.trigger()
	time.Sleep(60 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("trigger after stop ran fn (runs = %d)", got)
	}
}
