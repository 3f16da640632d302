// Package records holds the CRM entities the scheduler reads and mutates
// (tasks, leads, users, notifications, scheduled messages) and the narrow
// store contract handlers use to reach them.
package records

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("records: not found")
	ErrDuplicate = errors.New("records: duplicate")
	ErrImmutable = errors.New("records: immutable")
	ErrInvalid   = errors.New("records: invalid")
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// TaskRecurrence is the template rule that spawns a child task each time the
// parent is completed.
type TaskRecurrence struct {
	Frequency   Frequency  `json:"frequency"`
	Interval    int        `json:"interval"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	LastCreated *time.Time `json:"lastCreated,omitempty"`
	Active      bool       `json:"active"`
}

// Advance moves t forward by n periods. Monthly steps keep the day of month
// when possible and clamp to the last day otherwise.
func (r TaskRecurrence) Advance(t time.Time, n int) time.Time {
	step := r.Interval
	if step <= 0 {
		step = 1
	}
	step *= n
	switch r.Frequency {
	case Weekly:
		return t.AddDate(0, 0, 7*step)
	case Monthly:
		y, m, d := t.Date()
		first := time.Date(y, m+time.Month(step), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
		last := first.AddDate(0, 1, -1).Day()
		if d > last {
			d = last
		}
		return first.AddDate(0, 0, d-1)
	default:
		return t.AddDate(0, 0, step)
	}
}

type Task struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	LeadID      string     `json:"leadId,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Type        string     `json:"type,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	DueDate     time.Time  `json:"dueDate"`
	Status      TaskStatus `json:"status"`

	ReminderAt      *time.Time `json:"reminderAt,omitempty"`
	ReminderSent    bool       `json:"reminderSent"`
	OverdueNotified bool       `json:"overdueNotified"`

	Recurrence    *TaskRecurrence `json:"recurrence,omitempty"`
	ParentTaskID  string          `json:"parentTaskId,omitempty"`
	RecurrenceKey string          `json:"recurrenceKey,omitempty"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (t Task) Clone() Task {
	cp := t
	cp.ReminderAt = cloneTime(t.ReminderAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	if t.Recurrence != nil {
		r := *t.Recurrence
		r.EndDate = cloneTime(t.Recurrence.EndDate)
		r.LastCreated = cloneTime(t.Recurrence.LastCreated)
		cp.Recurrence = &r
	}
	return cp
}

type LeadStatus string

const (
	LeadNew         LeadStatus = "new"
	LeadContacted   LeadStatus = "contacted"
	LeadQualified   LeadStatus = "qualified"
	LeadProposal    LeadStatus = "proposal"
	LeadNegotiation LeadStatus = "negotiation"
	LeadWon         LeadStatus = "won"
	LeadLost        LeadStatus = "lost"
)

func (s LeadStatus) Valid() bool {
	switch s {
	case LeadNew, LeadContacted, LeadQualified, LeadProposal, LeadNegotiation, LeadWon, LeadLost:
		return true
	}
	return false
}

type Lead struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"ownerId"`
	Name            string     `json:"name"`
	Email           string     `json:"email,omitempty"`
	Company         string     `json:"company,omitempty"`
	Status          LeadStatus `json:"status"`
	Value           float64    `json:"value,omitempty"`
	LastContactedAt *time.Time `json:"lastContactedAt,omitempty"`
	WonAt           *time.Time `json:"wonAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (l Lead) Clone() Lead {
	cp := l
	cp.LastContactedAt = cloneTime(l.LastContactedAt)
	cp.WonAt = cloneTime(l.WonAt)
	return cp
}

// Preferences are user notification settings. A nil flag means the user never
// chose and is treated as disabled.
type Preferences struct {
	DailySummary   *bool `json:"dailySummary,omitempty"`
	WeeklyReport   *bool `json:"weeklyReport,omitempty"`
	EmailReminders *bool `json:"emailReminders,omitempty"`
}

func (p Preferences) WantsDailySummary() bool   { return enabled(p.DailySummary) }
func (p Preferences) WantsWeeklyReport() bool   { return enabled(p.WeeklyReport) }
func (p Preferences) WantsEmailReminders() bool { return enabled(p.EmailReminders) }

func enabled(b *bool) bool { return b != nil && *b }

// Bool returns a pointer to v, for building Preferences literals.
func Bool(v bool) *bool { return &v }

type User struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Email          string      `json:"email,omitempty"`
	TelegramChatID int64       `json:"telegramChatId,omitempty"`
	Timezone       string      `json:"timezone,omitempty"`
	Active         bool        `json:"active"`
	Preferences    Preferences `json:"preferences"`
	CreatedAt      time.Time   `json:"createdAt"`
}

type NotificationType string

const (
	NotifyTaskReminder NotificationType = "task_reminder"
	NotifyTaskOverdue  NotificationType = "task_overdue"
	NotifyDailySummary NotificationType = "daily_summary"
	NotifyLeadRecovery NotificationType = "lead_recovery"
	NotifyWeeklyReport NotificationType = "weekly_report"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification content is fixed at creation. Only Read and ReadAt change
// afterwards.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Link      string           `json:"link,omitempty"`
	Priority  Priority         `json:"priority"`
	Data      map[string]any   `json:"data,omitempty"`
	Read      bool             `json:"read"`
	ReadAt    *time.Time       `json:"readAt,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
}

func (n Notification) Clone() Notification {
	cp := n
	cp.ReadAt = cloneTime(n.ReadAt)
	cp.ExpiresAt = cloneTime(n.ExpiresAt)
	if n.Data != nil {
		cp.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			cp.Data[k] = v
		}
	}
	return cp
}

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelCall     Channel = "call"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageCancelled MessageStatus = "cancelled"
)

const DefaultMessageRetries = 3

// ScheduledMessage is an outbound communication queued for a lead.
//
//	pending --> sent | failed | cancelled
//	failed  --> sent | failed   (while RetryCount < MaxRetries)
type ScheduledMessage struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	LeadID        string        `json:"leadId,omitempty"`
	TaskID        string        `json:"taskId,omitempty"`
	Channel       Channel       `json:"channel"`
	Recipient     string        `json:"recipient"`
	Subject       string        `json:"subject,omitempty"`
	Content       string        `json:"content"`
	ScheduledTime time.Time     `json:"scheduledTime"`
	Status        MessageStatus `json:"status"`
	RetryCount    int           `json:"retryCount"`
	MaxRetries    int           `json:"maxRetries"`
	FailureReason string        `json:"failureReason,omitempty"`
	SentAt        *time.Time    `json:"sentAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Retryable reports whether a failed message may still be attempted.
func (m ScheduledMessage) Retryable() bool {
	return m.Status == MessageFailed && m.RetryCount < m.maxRetries()
}

func (m ScheduledMessage) maxRetries() int {
	if m.MaxRetries <= 0 {
		return DefaultMessageRetries
	}
	return m.MaxRetries
}

func (m ScheduledMessage) Clone() ScheduledMessage {
	cp := m
	cp.SentAt = cloneTime(m.SentAt)
	return cp
}

func NewID() string { return uuid.NewString() }

// DerivedID returns a stable id for key. Handlers use it for records that
// must be created once per logical event.
func DerivedID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("leadpulse:"+key)).String()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
