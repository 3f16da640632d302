package records

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and the demo configuration.
type Memory struct {
	mu sync.Mutex

	now func() time.Time

	tasks         map[string]Task
	recurrenceKey map[string]string
	leads         map[string]Lead
	users         map[string]User
	notifications map[string]Notification
	messages      map[string]ScheduledMessage
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:           time.Now,
		tasks:         map[string]Task{},
		recurrenceKey: map[string]string{},
		leads:         map[string]Lead{},
		users:         map[string]User{},
		notifications: map[string]Notification{},
		messages:      map[string]ScheduledMessage{},
	}
}

// SetClock overrides the clock used for bookkeeping timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Task(_ context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *Memory) FindTasks(_ context.Context, f TaskFilter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0)
	for _, t := range m.tasks {
		if f.match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountTasks(_ context.Context, f TaskFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if f.match(t) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertTask(_ context.Context, t Task) (Task, error) {
	if strings.TrimSpace(t.OwnerID) == "" {
		return Task{}, fmt.Errorf("%w: task owner required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = NewID()
	}
	if _, ok := m.tasks[t.ID]; ok {
		return Task{}, fmt.Errorf("task %s: %w", t.ID, ErrDuplicate)
	}
	if t.RecurrenceKey != "" {
		if _, ok := m.recurrenceKey[t.RecurrenceKey]; ok {
			return Task{}, fmt.Errorf("recurrence key %s: %w", t.RecurrenceKey, ErrDuplicate)
		}
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := m.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = t.Clone()
	if t.RecurrenceKey != "" {
		m.recurrenceKey[t.RecurrenceKey] = t.ID
	}
	return t.Clone(), nil
}

func (m *Memory) UpdateTask(_ context.Context, id string, p TaskPatch) (bool, error) {
	if p.empty() {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	applyTaskPatch(&t, p, m.now())
	m.tasks[id] = t
	return true, nil
}

func (m *Memory) UpdateTasks(_ context.Context, f TaskFilter, p TaskPatch) (int, error) {
	if p.empty() {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, t := range m.tasks {
		if !f.match(t) {
			continue
		}
		applyTaskPatch(&t, p, now)
		m.tasks[id] = t
		n++
	}
	return n, nil
}

func (m *Memory) Lead(_ context.Context, id string) (Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return l.Clone(), nil
}

func (m *Memory) InsertLead(_ context.Context, l Lead) (Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = NewID()
	}
	if _, ok := m.leads[l.ID]; ok {
		return Lead{}, fmt.Errorf("lead %s: %w", l.ID, ErrDuplicate)
	}
	if l.Status == "" {
		l.Status = LeadNew
	}
	now := m.now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	m.leads[l.ID] = l.Clone()
	return l.Clone(), nil
}

func (m *Memory) CountLeads(_ context.Context, f LeadFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leads {
		if f.match(l) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) User(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *Memory) InsertUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = NewID()
	}
	if _, ok := m.users[u.ID]; ok {
		return User{}, fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now().UTC()
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) FindUsers(_ context.Context, f UserFilter) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if f.ActiveOnly && !u.Active {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertNotification(_ context.Context, n Notification) (Notification, error) {
	if n.UserID == "" || n.Type == "" {
		return Notification{}, fmt.Errorf("%w: notification user and type required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = NewID()
	}
	if _, ok := m.notifications[n.ID]; ok {
		return Notification{}, fmt.Errorf("notification %s: %w", n.ID, ErrDuplicate)
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now().UTC()
	}
	m.notifications[n.ID] = n.Clone()
	return n.Clone(), nil
}

func (m *Memory) FindNotifications(_ context.Context, f NotificationFilter) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, 0)
	for _, n := range m.notifications {
		if f.match(n) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) MarkNotificationRead(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return false, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if n.Read {
		return false, nil
	}
	at = at.UTC()
	n.Read = true
	n.ReadAt = &at
	m.notifications[id] = n
	return true, nil
}

func (m *Memory) DeleteExpiredNotifications(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, nt := range m.notifications {
		if nt.ExpiresAt != nil && !nt.ExpiresAt.After(now) {
			delete(m.notifications, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ScheduledMessage(_ context.Context, id string) (ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ScheduledMessage{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg.Clone(), nil
}

func (m *Memory) InsertScheduledMessage(_ context.Context, msg ScheduledMessage) (ScheduledMessage, error) {
	if msg.ScheduledTime.IsZero() {
		return ScheduledMessage{}, fmt.Errorf("%w: message scheduled time required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if _, ok := m.messages[msg.ID]; ok {
		return ScheduledMessage{}, fmt.Errorf("message %s: %w", msg.ID, ErrDuplicate)
	}
	msg.Status = MessagePending
	msg.RetryCount = 0
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = DefaultMessageRetries
	}
	now := m.now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	m.messages[msg.ID] = msg.Clone()
	return msg.Clone(), nil
}

func (m *Memory) FindScheduledMessages(_ context.Context, f MessageFilter) ([]ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduledMessage, 0)
	for _, msg := range m.messages {
		if f.match(msg) {
			out = append(out, msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) TransitionMessage(_ context.Context, id string, o MessageOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return false, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if !allowedTransition(msg, o) {
		return false, nil
	}
	applyOutcome(&msg, o)
	m.messages[id] = msg
	return true, nil
}

func (m *Memory) RescheduleMessage(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if msg.Status != MessagePending {
		return fmt.Errorf("message %s is %s: %w", id, msg.Status, ErrImmutable)
	}
	msg.ScheduledTime = at.UTC()
	msg.UpdatedAt = m.now().UTC()
	m.messages[id] = msg
	return nil
}
