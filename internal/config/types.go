package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "10s", "720h"). Empty values fall back to the
// component defaults.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Records    RecordsConfig    `json:"records"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Handlers   HandlersConfig   `json:"handlers"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Telegram   TelegramConfig   `json:"telegram"`
	Alerts     AlertsConfig     `json:"alerts"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ log lines to the Telegram alert chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./leadpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; prefer LEADPULSE_STORAGE_DSN
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// RecordsConfig selects the CRM record store: "memory" or "postgres".
type RecordsConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// Periodic overrides the built-in schedules by job name. "off" disables.
	Periodic map[string]string `json:"periodic,omitempty"`
}

type DispatcherConfig struct {
	PollInterval   string  `json:"poll_interval,omitempty"`
	GlobalLimit    int     `json:"global_limit,omitempty"`
	PerTypeLimit   int     `json:"per_type_limit,omitempty"`
	Lease          string  `json:"lease,omitempty"`
	HandlerTimeout string  `json:"handler_timeout,omitempty"`
	MaxFailures    int     `json:"max_failures,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
	// RecurringMaxDeadRuns parks a periodic job after this many consecutive
	// occurrences exhausted their retries. 0 uses the dispatcher default.
	RecurringMaxDeadRuns int `json:"recurring_max_dead_runs,omitempty"`
}

type HandlersConfig struct {
	NotificationTTL     string   `json:"notification_ttl,omitempty"`
	ColdAfter           string   `json:"cold_after,omitempty"`
	StuckAfter          string   `json:"stuck_after,omitempty"`
	ColdExclude         []string `json:"cold_exclude,omitempty"`
	StuckStatuses       []string `json:"stuck_statuses,omitempty"`
	WeeklyWindow        string   `json:"weekly_window,omitempty"`
	MessageBatch        int      `json:"message_batch,omitempty"`
	JobRetention        string   `json:"job_retention,omitempty"`
	ReminderConcurrency int      `json:"reminder_concurrency,omitempty"`
}

// DeliveryConfig controls the outbound delivery pipeline.
//
// Enabled is a pointer so an omitted section keeps delivery on.
type DeliveryConfig struct {
	Enabled       *bool         `json:"enabled,omitempty"`
	Transport     string        `json:"transport,omitempty"` // log | webhook | telegram
	Workers       int           `json:"workers,omitempty"`
	QueueSize     int           `json:"queue_size,omitempty"`
	RatePerSec    int           `json:"rate_per_sec,omitempty"`
	RetryMax      int           `json:"retry_max,omitempty"`
	RetryBase     string        `json:"retry_base,omitempty"`
	RetryMaxDelay string        `json:"retry_max_delay,omitempty"`
	SendTimeout   string        `json:"send_timeout,omitempty"`
	DedupWindow   string        `json:"dedup_window,omitempty"`
	HistorySize   int           `json:"history_size,omitempty"`
	Webhook       WebhookConfig `json:"webhook"`
	Dedup         DedupConfig   `json:"dedup"`
}

type WebhookConfig struct {
	URL     string `json:"url,omitempty"`
	Secret  string `json:"secret,omitempty"` // prefer LEADPULSE_WEBHOOK_SECRET
	Timeout string `json:"timeout,omitempty"`
}

// DedupConfig selects where delivery dedup keys live: "memory" or "redis".
type DedupConfig struct {
	Driver     string `json:"driver,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	RedisAddr  string `json:"redis_addr,omitempty"`
	RedisPass  string `json:"redis_password,omitempty"`
	RedisDB    int    `json:"redis_db,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty"` // prefer LEADPULSE_TELEGRAM_TOKEN
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
}

type AlertsConfig struct {
	Enabled   bool `json:"enabled"`
	PerMinute int  `json:"per_minute,omitempty"`
	Burst     int  `json:"burst,omitempty"`
}

// HTTPConfig controls the admin API.
//
// Security note: the API is only served with a JWT secret set. Keep Pprof
// off on public addresses.
type HTTPConfig struct {
	Enabled         bool     `json:"enabled"`
	Addr            string   `json:"addr,omitempty"` // default ":8080"
	JWTSecret       string   `json:"jwt_secret,omitempty"`
	CORSOrigins     []string `json:"cors_origins,omitempty"`
	CORSCredentials bool     `json:"cors_credentials,omitempty"`
	Pprof           bool     `json:"pprof,omitempty"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
}
