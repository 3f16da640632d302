package records

import (
	"context"
	"time"
)

// TaskFilter selects tasks. Zero fields do not constrain.
type TaskFilter struct {
	IDs      []string
	OwnerID  string
	Statuses []TaskStatus

	DueFrom   *time.Time // inclusive
	DueBefore *time.Time // exclusive

	CompletedFrom *time.Time

	ReminderSent    *bool
	OverdueNotified *bool

	ParentTaskID  string
	RecurrenceKey string

	Limit int
}

// TaskPatch describes an update. The notification flags can only be raised.
type TaskPatch struct {
	MarkReminderSent    bool
	MarkOverdueNotified bool

	Status      *TaskStatus
	CompletedAt *time.Time
	ReminderAt  *time.Time
	DueDate     *time.Time

	RecurrenceLastCreated *time.Time
}

func (p TaskPatch) empty() bool {
	return !p.MarkReminderSent && !p.MarkOverdueNotified && p.Status == nil &&
		p.CompletedAt == nil && p.ReminderAt == nil && p.DueDate == nil &&
		p.RecurrenceLastCreated == nil
}

// LeadFilter selects leads. NotContactedSince matches leads whose last
// contact (or creation, when never contacted) is before the given time.
type LeadFilter struct {
	OwnerID         string
	Statuses        []LeadStatus
	ExcludeStatuses []LeadStatus

	NotContactedSince *time.Time
	UpdatedBefore     *time.Time
	CreatedFrom       *time.Time
	WonFrom           *time.Time
}

type UserFilter struct {
	ActiveOnly bool
}

type NotificationFilter struct {
	UserID string
	Type   NotificationType
	Unread bool
	Limit  int
}

type MessageFilter struct {
	Statuses  []MessageStatus
	DueBefore *time.Time // inclusive
	// Sendable keeps only pending messages and failed ones with retries
	// left, so exhausted failures never fill a limited batch.
	Sendable bool
	Limit    int
}

// MessageOutcome is a compare-and-set transition applied to a scheduled
// message. The transition only happens while the message is in one of From.
type MessageOutcome struct {
	From   []MessageStatus
	To     MessageStatus
	Reason string
	At     time.Time
}

// Store is the record-store contract used by the scheduler handlers.
type Store interface {
	Task(ctx context.Context, id string) (Task, error)
	FindTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	CountTasks(ctx context.Context, f TaskFilter) (int, error)
	// InsertTask rejects a second task with the same non-empty RecurrenceKey
	// with ErrDuplicate.
	InsertTask(ctx context.Context, t Task) (Task, error)
	UpdateTask(ctx context.Context, id string, p TaskPatch) (bool, error)
	UpdateTasks(ctx context.Context, f TaskFilter, p TaskPatch) (int, error)

	Lead(ctx context.Context, id string) (Lead, error)
	InsertLead(ctx context.Context, l Lead) (Lead, error)
	CountLeads(ctx context.Context, f LeadFilter) (int, error)

	User(ctx context.Context, id string) (User, error)
	InsertUser(ctx context.Context, u User) (User, error)
	FindUsers(ctx context.Context, f UserFilter) ([]User, error)

	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	FindNotifications(ctx context.Context, f NotificationFilter) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error)

	ScheduledMessage(ctx context.Context, id string) (ScheduledMessage, error)
	InsertScheduledMessage(ctx context.Context, m ScheduledMessage) (ScheduledMessage, error)
	FindScheduledMessages(ctx context.Context, f MessageFilter) ([]ScheduledMessage, error)
	TransitionMessage(ctx context.Context, id string, o MessageOutcome) (bool, error)
	// RescheduleMessage fails with ErrImmutable once the message left pending.
	RescheduleMessage(ctx context.Context, id string, at time.Time) error

	Close() error
}

// allowedTransition applies the message state machine. A failed message can
// only move again while it has retries left.
func allowedTransition(m ScheduledMessage, o MessageOutcome) bool {
	ok := false
	for _, s := range o.From {
		if m.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	switch m.Status {
	case MessagePending:
		return o.To == MessageSent || o.To == MessageFailed || o.To == MessageCancelled
	case MessageFailed:
		return (o.To == MessageSent || o.To == MessageFailed) && m.Retryable()
	}
	return false
}

func applyOutcome(m *ScheduledMessage, o MessageOutcome) {
	at := o.At.UTC()
	m.Status = o.To
	m.UpdatedAt = at
	switch o.To {
	case MessageSent:
		m.SentAt = &at
		m.FailureReason = ""
	case MessageFailed:
		m.RetryCount++
		m.FailureReason = o.Reason
	}
}

func applyTaskPatch(t *Task, p TaskPatch, now time.Time) {
	if p.MarkReminderSent {
		t.ReminderSent = true
	}
	if p.MarkOverdueNotified {
		t.OverdueNotified = true
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.CompletedAt != nil {
		t.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.ReminderAt != nil {
		t.ReminderAt = cloneTime(p.ReminderAt)
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.RecurrenceLastCreated != nil && t.Recurrence != nil {
		t.Recurrence.LastCreated = cloneTime(p.RecurrenceLastCreated)
	}
	t.UpdatedAt = now.UTC()
}
