package config

import (
	"reflect"
	"sort"
	"strings"

	logx "leadpulse/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"storage":    true,
	"records":    true,
	"dispatcher": true,
	"telegram":   true,
	"http":       true,
}

// SummarizeChange returns the changed top-level sections, safe structured
// attrs for logging (never secrets), and the subset of changed sections
// that need a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(name string, differ bool, fields ...logx.Field) {
		if !differ {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
		if restartSections[name] {
			restart = append(restart, name)
		}
	}

	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled))

	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
		logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""))

	mark("records", !reflect.DeepEqual(oldCfg.Records, newCfg.Records),
		logx.String("records.driver", strings.TrimSpace(newCfg.Records.Driver)))

	mark("scheduler", !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
		logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		logx.Int("scheduler.periodic_overrides", len(newCfg.Scheduler.Periodic)))

	mark("dispatcher", !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher),
		logx.String("dispatcher.poll_interval", newCfg.Dispatcher.PollInterval),
		logx.Int("dispatcher.global_limit", newCfg.Dispatcher.GlobalLimit))

	mark("handlers", !reflect.DeepEqual(oldCfg.Handlers, newCfg.Handlers),
		logx.String("handlers.cold_after", newCfg.Handlers.ColdAfter),
		logx.String("handlers.stuck_after", newCfg.Handlers.StuckAfter))

	od, nd := oldCfg.Delivery, newCfg.Delivery
	mark("delivery", !reflect.DeepEqual(od, nd),
		logx.String("delivery.transport", nd.Transport),
		logx.Int("delivery.rate_per_sec", nd.RatePerSec),
		logx.String("delivery.dedup", nd.Dedup.Driver))
	// Transport and dedup backends are wired at startup.
	if od.Transport != nd.Transport || !reflect.DeepEqual(od.Webhook, nd.Webhook) || !reflect.DeepEqual(od.Dedup, nd.Dedup) {
		restart = append(restart, "delivery")
	}

	mark("telegram", oldCfg.Telegram != newCfg.Telegram,
		logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		logx.Bool("telegram.alert_chat_set", newCfg.Telegram.AlertChatID != 0))

	mark("alerts", oldCfg.Alerts != newCfg.Alerts,
		logx.Bool("alerts.enabled", newCfg.Alerts.Enabled))

	mark("http", !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP),
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.pprof", newCfg.HTTP.Pprof))

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
