package app

import (
	"strings"
	"time"

	"leadpulse/internal/alerts"
	"leadpulse/internal/config"
	"leadpulse/internal/delivery"
	"leadpulse/internal/dispatcher"
	"leadpulse/internal/handlers"
	"leadpulse/internal/httpapi"
	"leadpulse/internal/records"
	"leadpulse/internal/scheduler"
	"leadpulse/internal/storage"
	logx "leadpulse/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	var d config.Durations
	sc := cfg.Storage
	out := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: d.Get("storage.busy_timeout", sc.BusyTimeout, 5*time.Second),
		MaxConns:    sc.MaxConns,
	}
	return out, d.Err()
}

func mapDispatcher(cfg *config.Config) (dispatcher.Config, error) {
	var d config.Durations
	dc := cfg.Dispatcher
	out := dispatcher.Config{
		PollInterval:   d.Get("dispatcher.poll_interval", dc.PollInterval, 0),
		GlobalLimit:    dc.GlobalLimit,
		PerTypeLimit:   dc.PerTypeLimit,
		Lease:          d.Get("dispatcher.lease", dc.Lease, 0),
		HandlerTimeout: d.Get("dispatcher.handler_timeout", dc.HandlerTimeout, 0),
		MaxFailures:    dc.MaxFailures,
		RetryBase:      d.Get("dispatcher.retry_base", dc.RetryBase, 0),
		RetryMaxDelay:  d.Get("dispatcher.retry_max_delay", dc.RetryMaxDelay, 0),
		RetryJitter:    dc.RetryJitter,
		HistorySize:    dc.HistorySize,

		RecurringMaxDeadRuns: dc.RecurringMaxDeadRuns,
	}
	return out, d.Err()
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	dc, err := mapDispatcher(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:   strings.TrimSpace(cfg.Scheduler.Timezone),
		Periodic:   cfg.Scheduler.Periodic,
		Dispatcher: dc,
	}, nil
}

func mapHandlers(cfg *config.Config) (handlers.Config, error) {
	var d config.Durations
	h := cfg.Handlers
	out := handlers.Config{
		Timezone:            strings.TrimSpace(cfg.Scheduler.Timezone),
		NotificationTTL:     d.Get("handlers.notification_ttl", h.NotificationTTL, 0),
		ColdAfter:           d.Get("handlers.cold_after", h.ColdAfter, 0),
		StuckAfter:          d.Get("handlers.stuck_after", h.StuckAfter, 0),
		ColdExclude:         leadStatuses(h.ColdExclude),
		StuckStatuses:       leadStatuses(h.StuckStatuses),
		WeeklyWindow:        d.Get("handlers.weekly_window", h.WeeklyWindow, 0),
		MessageBatch:        h.MessageBatch,
		JobRetention:        d.Get("handlers.job_retention", h.JobRetention, 0),
		ReminderConcurrency: h.ReminderConcurrency,
	}
	return out, d.Err()
}

func leadStatuses(in []string) []records.LeadStatus {
	if len(in) == 0 {
		return nil
	}
	out := make([]records.LeadStatus, 0, len(in))
	for _, s := range in {
		out = append(out, records.LeadStatus(strings.TrimSpace(s)))
	}
	return out
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	var d config.Durations
	dc := cfg.Delivery
	enabled := true
	if dc.Enabled != nil {
		enabled = *dc.Enabled
	}
	out := delivery.Config{
		Enabled:       enabled,
		Workers:       dc.Workers,
		QueueSize:     dc.QueueSize,
		RatePerSec:    dc.RatePerSec,
		RetryMax:      dc.RetryMax,
		RetryBase:     d.Get("delivery.retry_base", dc.RetryBase, 0),
		RetryMaxDelay: d.Get("delivery.retry_max_delay", dc.RetryMaxDelay, 0),
		SendTimeout:   d.Get("delivery.send_timeout", dc.SendTimeout, 0),
		DedupWindow:   d.Get("delivery.dedup_window", dc.DedupWindow, 0),
		HistorySize:   dc.HistorySize,
	}
	return out, d.Err()
}

func mapAlerts(cfg *config.Config) alerts.Config {
	return alerts.Config{
		Enabled:   cfg.Alerts.Enabled,
		PerMinute: cfg.Alerts.PerMinute,
		Burst:     cfg.Alerts.Burst,
	}
}

func mapServer(cfg *config.Config) (httpapi.ServerConfig, httpapi.RouterOptions, error) {
	var d config.Durations
	h := cfg.HTTP
	sc := httpapi.ServerConfig{
		Addr:            strings.TrimSpace(h.Addr),
		ReadTimeout:     d.Get("http.read_timeout", h.ReadTimeout, 15*time.Second),
		WriteTimeout:    d.Get("http.write_timeout", h.WriteTimeout, 30*time.Second),
		ShutdownTimeout: d.Get("http.shutdown_timeout", h.ShutdownTimeout, 10*time.Second),
	}
	opts := httpapi.RouterOptions{
		CORSOrigins:     h.CORSOrigins,
		CORSCredentials: h.CORSCredentials,
		Pprof:           h.Pprof,
	}
	return sc, opts, d.Err()
}

// checkMappings runs every mapper so a hot reload is rejected before commit
// when any component would refuse the new values.
func checkMappings(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapHandlers(cfg); err != nil {
		return err
	}
	if _, err := mapDelivery(cfg); err != nil {
		return err
	}
	_, _, err := mapServer(cfg)
	return err
}
