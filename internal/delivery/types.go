// Package delivery sends reminders, summaries, reports and scheduled messages
// to users through an outbound transport.
//
// Sends are queued and processed by a small worker pool with a token-bucket
// rate limit, bounded retries and a dedup window. Enqueue failures are
// returned to the caller so a job that could not hand off its delivery fails
// and is retried by the dispatcher.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadpulse/internal/records"
)

var (
	ErrDisabled  = errors.New("delivery disabled")
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
	ErrNoRoute   = errors.New("delivery: no route to recipient")
)

type Kind string

const (
	KindReminder     Kind = "reminder"
	KindDailySummary Kind = "daily_summary"
	KindWeeklyReport Kind = "weekly_report"
	KindMessage      Kind = "message"
	KindAlert        Kind = "alert"
)

// Recipient carries every address a transport may need.
type Recipient struct {
	UserID  string `json:"userId,omitempty"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	ChatID  int64  `json:"chatId,omitempty"`
	Address string `json:"address,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Envelope is one outbound message.
type Envelope struct {
	Kind    Kind           `json:"kind"`
	To      Recipient      `json:"to"`
	Subject string         `json:"subject,omitempty"`
	Text    string         `json:"text"`
	Data    map[string]any `json:"data,omitempty"`
	// DedupID suppresses repeated sends of the same logical message within
	// the dedup window. Empty disables dedup.
	DedupID string `json:"dedupId,omitempty"`
}

// Transport performs the actual send.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// Permanent marks a transport error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) || errors.Is(err, ErrNoRoute)
}

type DailyStats struct {
	Date     string `json:"date"`
	DueToday int    `json:"dueToday"`
	Overdue  int    `json:"overdue"`
}

func (s DailyStats) Total() int { return s.DueToday + s.Overdue }

type WeeklyStats struct {
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	LeadsAdded     int       `json:"leadsAdded"`
	TasksCompleted int       `json:"tasksCompleted"`
	DealsWon       int       `json:"dealsWon"`
}

// Sender is what the scheduler handlers use.
type Sender interface {
	SendReminder(ctx context.Context, u records.User, t records.Task) error
	SendDailySummary(ctx context.Context, u records.User, s DailyStats) error
	SendWeeklyReport(ctx context.Context, u records.User, s WeeklyStats) error
	SendMessage(ctx context.Context, m records.ScheduledMessage) error
}

type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	DedupWindow   time.Duration
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Kind    Kind      `json:"kind"`
	To      string    `json:"to"`
	DedupID string    `json:"dedupId,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func recipientLabel(r Recipient) string {
	switch {
	case r.UserID != "":
		return r.UserID
	case r.Email != "":
		return r.Email
	case r.Address != "":
		return r.Address
	case r.ChatID != 0:
		return fmt.Sprintf("chat:%d", r.ChatID)
	}
	return ""
}
