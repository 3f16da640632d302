package records

import "time"

func (f TaskFilter) match(t Task) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, t.ID) {
		return false
	}
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, t.Status) {
		return false
	}
	if f.DueFrom != nil && t.DueDate.Before(*f.DueFrom) {
		return false
	}
	if f.DueBefore != nil && !t.DueDate.Before(*f.DueBefore) {
		return false
	}
	if f.CompletedFrom != nil && (t.CompletedAt == nil || t.CompletedAt.Before(*f.CompletedFrom)) {
		return false
	}
	if f.ReminderSent != nil && t.ReminderSent != *f.ReminderSent {
		return false
	}
	if f.OverdueNotified != nil && t.OverdueNotified != *f.OverdueNotified {
		return false
	}
	if f.ParentTaskID != "" && t.ParentTaskID != f.ParentTaskID {
		return false
	}
	if f.RecurrenceKey != "" && t.RecurrenceKey != f.RecurrenceKey {
		return false
	}
	return true
}

func (f LeadFilter) match(l Lead) bool {
	if f.OwnerID != "" && l.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, l.Status) {
		return false
	}
	if len(f.ExcludeStatuses) > 0 && contains(f.ExcludeStatuses, l.Status) {
		return false
	}
	if f.NotContactedSince != nil && !lastTouch(l).Before(*f.NotContactedSince) {
		return false
	}
	if f.UpdatedBefore != nil && !l.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	if f.CreatedFrom != nil && l.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.WonFrom != nil && (l.WonAt == nil || l.WonAt.Before(*f.WonFrom)) {
		return false
	}
	return true
}

func lastTouch(l Lead) time.Time {
	if l.LastContactedAt != nil {
		return *l.LastContactedAt
	}
	return l.CreatedAt
}

func (f NotificationFilter) match(n Notification) bool {
	if f.UserID != "" && n.UserID != f.UserID {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Unread && n.Read {
		return false
	}
	return true
}

func (f MessageFilter) match(m ScheduledMessage) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, m.Status) {
		return false
	}
	if f.DueBefore != nil && m.ScheduledTime.After(*f.DueBefore) {
		return false
	}
	if f.Sendable && m.Status != MessagePending && !m.Retryable() {
		return false
	}
	return true
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
