package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"leadpulse/internal/jobs"
	"leadpulse/internal/records"
)

// Validate checks everything that can be checked without opening
// connections: durations, timezone, schedules, enum values and the secrets
// each enabled feature needs. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn (or LEADPULSE_STORAGE_DSN) is required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", d))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Records.Driver)); d {
	case "", "memory":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Records.DSN) == "" {
			add(errors.New("records.dsn (or LEADPULSE_RECORDS_DSN) is required when records.driver=postgres"))
		}
	default:
		add(fmt.Errorf("unknown records.driver: %s", d))
	}

	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if _, err := jobs.LoadLocation(tz); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}
	for name, spec := range cfg.Scheduler.Periodic {
		s := strings.ToLower(strings.TrimSpace(spec))
		if s == "" || s == "off" || s == "disabled" || s == "-" {
			continue
		}
		if _, err := jobs.NewRecurrence(spec, tz); err != nil {
			add(fmt.Errorf("scheduler.periodic.%s: %w", name, err))
		}
	}

	d := cfg.Dispatcher
	dur("dispatcher.poll_interval", d.PollInterval)
	dur("dispatcher.lease", d.Lease)
	dur("dispatcher.handler_timeout", d.HandlerTimeout)
	dur("dispatcher.retry_base", d.RetryBase)
	dur("dispatcher.retry_max_delay", d.RetryMaxDelay)
	nonNeg("dispatcher.global_limit", d.GlobalLimit)
	nonNeg("dispatcher.per_type_limit", d.PerTypeLimit)
	nonNeg("dispatcher.max_failures", d.MaxFailures)
	nonNeg("dispatcher.recurring_max_dead_runs", d.RecurringMaxDeadRuns)
	checkLease(d, add)
	nonNeg("dispatcher.history_size", d.HistorySize)
	if d.RetryJitter < 0 || d.RetryJitter > 1 {
		add(errors.New("dispatcher.retry_jitter must be within [0, 1]"))
	}

	h := cfg.Handlers
	dur("handlers.notification_ttl", h.NotificationTTL)
	dur("handlers.cold_after", h.ColdAfter)
	dur("handlers.stuck_after", h.StuckAfter)
	dur("handlers.weekly_window", h.WeeklyWindow)
	dur("handlers.job_retention", h.JobRetention)
	nonNeg("handlers.message_batch", h.MessageBatch)
	nonNeg("handlers.reminder_concurrency", h.ReminderConcurrency)
	for _, s := range append(append([]string(nil), h.ColdExclude...), h.StuckStatuses...) {
		if !records.LeadStatus(s).Valid() {
			add(fmt.Errorf("handlers: unknown lead status %q", s))
		}
	}

	dl := cfg.Delivery
	dur("delivery.retry_base", dl.RetryBase)
	dur("delivery.retry_max_delay", dl.RetryMaxDelay)
	dur("delivery.send_timeout", dl.SendTimeout)
	dur("delivery.dedup_window", dl.DedupWindow)
	dur("delivery.webhook.timeout", dl.Webhook.Timeout)
	nonNeg("delivery.workers", dl.Workers)
	nonNeg("delivery.queue_size", dl.QueueSize)
	nonNeg("delivery.rate_per_sec", dl.RatePerSec)
	nonNeg("delivery.retry_max", dl.RetryMax)
	switch t := strings.ToLower(strings.TrimSpace(dl.Transport)); t {
	case "", "log":
	case "webhook":
		if strings.TrimSpace(dl.Webhook.URL) == "" {
			add(errors.New("delivery.webhook.url is required when delivery.transport=webhook"))
		}
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token (or LEADPULSE_TELEGRAM_TOKEN) is required when delivery.transport=telegram"))
		}
	default:
		add(fmt.Errorf("unknown delivery.transport: %s", t))
	}
	switch dd := strings.ToLower(strings.TrimSpace(dl.Dedup.Driver)); dd {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(dl.Dedup.RedisAddr) == "" {
			add(errors.New("delivery.dedup.redis_addr is required when delivery.dedup.driver=redis"))
		}
	default:
		add(fmt.Errorf("unknown delivery.dedup.driver: %s", dd))
	}

	if (cfg.Alerts.Enabled || cfg.Logging.Alerts.Enabled) && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.AlertChatID == 0) {
		add(errors.New("alerts need telegram.token and telegram.alert_chat_id"))
	}
	nonNeg("alerts.per_minute", cfg.Alerts.PerMinute)
	nonNeg("alerts.burst", cfg.Alerts.Burst)

	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
		add(errors.New("http.jwt_secret (or LEADPULSE_JWT_SECRET) is required when http.enabled"))
	}
	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)

	return errors.Join(errs...)
}

// Dispatcher defaults, applied when the fields are empty.
const (
	defaultLease          = 10 * time.Minute
	defaultHandlerTimeout = 2 * time.Minute
)

// checkLease rejects a lease that a live run could outlast: it would be
// reclaimed and run a second time while the first is still going.
func checkLease(d DispatcherConfig, add func(error)) {
	lease, lerr := ParseDurationField("dispatcher.lease", d.Lease)
	timeout, terr := ParseDurationField("dispatcher.handler_timeout", d.HandlerTimeout)
	if lerr != nil || terr != nil {
		return
	}
	if lease == 0 {
		lease = defaultLease
	}
	if timeout == 0 {
		timeout = defaultHandlerTimeout
	}
	if lease <= timeout {
		add(fmt.Errorf("dispatcher.lease (%s) must be greater than dispatcher.handler_timeout (%s)", lease, timeout))
	}
}
