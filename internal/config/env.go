package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEADPULSE_"

// LoadDotEnv loads a .env file from the working directory and from the
// config file's directory. Variables already set in the environment win.
// Missing files are ignored.
func LoadDotEnv(configPath string) {
	_ = godotenv.Load()
	if dir := filepath.Dir(configPath); dir != "." && dir != "" {
		p := filepath.Join(dir, ".env")
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// ApplyEnv overrides secrets and deployment-specific settings from the
// environment. lookup is usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	strs := map[string]*string{
		"LOG_LEVEL":      &cfg.Logging.Level,
		"TIMEZONE":       &cfg.Scheduler.Timezone,
		"STORAGE_DRIVER": &cfg.Storage.Driver,
		"STORAGE_PATH":   &cfg.Storage.Path,
		"STORAGE_DSN":    &cfg.Storage.DSN,
		"RECORDS_DRIVER": &cfg.Records.Driver,
		"RECORDS_DSN":    &cfg.Records.DSN,
		"TELEGRAM_TOKEN": &cfg.Telegram.Token,
		"WEBHOOK_URL":    &cfg.Delivery.Webhook.URL,
		"WEBHOOK_SECRET": &cfg.Delivery.Webhook.Secret,
		"REDIS_ADDR":     &cfg.Delivery.Dedup.RedisAddr,
		"REDIS_PASSWORD": &cfg.Delivery.Dedup.RedisPass,
		"JWT_SECRET":     &cfg.HTTP.JWTSecret,
		"HTTP_ADDR":      &cfg.HTTP.Addr,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	if v, ok := get("TELEGRAM_ALERT_CHAT"); ok {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.AlertChatID = id
		}
	}
	if v, ok := get("CORS_ALLOWED_ORIGINS"); ok {
		cfg.HTTP.CORSOrigins = cfg.HTTP.CORSOrigins[:0]
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, o)
			}
		}
	}
}
