// Package handlers implements the job handlers run by the dispatcher.
//
// Every handler is safe to run twice for the same job. Each one checks a
// guard in domain state (a task flag, a derived notification id, a delivery
// dedup id) before producing a side effect.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leadpulse/internal/delivery"
	"leadpulse/internal/dispatcher"
	"leadpulse/internal/jobs"
	"leadpulse/internal/records"
	"leadpulse/internal/storage"
	logx "leadpulse/pkg/logx"
)

type Config struct {
	// Timezone defines "today" for overdue and summary scans.
	Timezone string

	NotificationTTL time.Duration

	ColdAfter  time.Duration
	StuckAfter time.Duration
	// ColdExclude are terminal statuses never counted as cold.
	ColdExclude []records.LeadStatus
	// StuckStatuses are the intermediate statuses a lead can get stuck in.
	StuckStatuses []records.LeadStatus

	WeeklyWindow time.Duration
	MessageBatch int
	JobRetention time.Duration

	ReminderConcurrency int
}

func (c Config) withDefaults() Config {
	if c.NotificationTTL <= 0 {
		c.NotificationTTL = 30 * 24 * time.Hour
	}
	if c.ColdAfter <= 0 {
		c.ColdAfter = 7 * 24 * time.Hour
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 14 * 24 * time.Hour
	}
	if len(c.ColdExclude) == 0 {
		c.ColdExclude = []records.LeadStatus{records.LeadWon, records.LeadLost}
	}
	if len(c.StuckStatuses) == 0 {
		c.StuckStatuses = []records.LeadStatus{
			records.LeadContacted, records.LeadQualified, records.LeadProposal, records.LeadNegotiation,
		}
	}
	if c.WeeklyWindow <= 0 {
		c.WeeklyWindow = 7 * 24 * time.Hour
	}
	if c.MessageBatch <= 0 {
		c.MessageBatch = 100
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 30 * 24 * time.Hour
	}
	return c
}

type Deps struct {
	Records records.Store
	Sender  delivery.Sender
	Jobs    storage.Store
	Log     logx.Logger
	Now     func() time.Time
}

// Set holds the handlers and their shared, hot-swappable configuration.
type Set struct {
	deps Deps

	mu  sync.RWMutex
	cfg Config
	loc *time.Location
}

func New(cfg Config, deps Deps) (*Set, error) {
	if deps.Records == nil {
		return nil, errors.New("handlers: record store required")
	}
	if deps.Sender == nil {
		return nil, errors.New("handlers: sender required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Set{deps: deps}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply replaces thresholds and the reporting timezone.
func (s *Set) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	loc, err := jobs.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("handlers timezone: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
	return nil
}

func (s *Set) config() (Config, *time.Location) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.loc
}

// Register adds every handler to reg.
func (s *Set) Register(reg *dispatcher.Registry) error {
	cfg, _ := s.config()
	scan := dispatcher.HandlerOptions{Concurrency: 1}
	entries := []struct {
		name string
		fn   dispatcher.HandlerFunc
		opts dispatcher.HandlerOptions
	}{
		{jobs.NameTaskReminder, s.Reminder, dispatcher.HandlerOptions{Concurrency: cfg.ReminderConcurrency}},
		{jobs.NameOverdueScan, s.OverdueScan, scan},
		{jobs.NameDailySummary, s.DailySummary, scan},
		{jobs.NameRecoveryScan, s.RecoveryScan, scan},
		{jobs.NameWeeklyReport, s.WeeklyReport, scan},
		{jobs.NameMessageDispatch, s.MessageDispatch, scan},
		{jobs.NameNotificationCleanup, s.NotificationCleanup, scan},
	}
	if s.deps.Jobs != nil {
		entries = append(entries, struct {
			name string
			fn   dispatcher.HandlerFunc
			opts dispatcher.HandlerOptions
		}{jobs.NameJobRetention, s.JobRetention, scan})
	}
	for _, e := range entries {
		if err := reg.Register(e.name, e.fn, e.opts); err != nil {
			return err
		}
	}
	return nil
}

// notify inserts n unless a notification with the same id exists already.
func (s *Set) notify(ctx context.Context, n records.Notification, key string) (created bool, err error) {
	cfg, _ := s.config()
	now := s.deps.Now()
	if n.ID == "" && key != "" {
		n.ID = records.DerivedID(key)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now.UTC()
	}
	if n.ExpiresAt == nil {
		exp := now.Add(cfg.NotificationTTL).UTC()
		n.ExpiresAt = &exp
	}
	if _, err := s.deps.Records.InsertNotification(ctx, n); err != nil {
		if errors.Is(err, records.ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// dayBounds returns the start of the local day containing now and of the
// next one.
func dayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
