// Package recurring spawns the next occurrence of a recurring task when the
// current one is completed.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadpulse/internal/records"
	logx "leadpulse/pkg/logx"
)

type Engine struct {
	store records.Store
	log   logx.Logger
	now   func() time.Time
}

func New(store records.Store, log logx.Logger, now func() time.Time) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, log: log, now: now}
}

// ChildKey identifies the child spawned from parent for the period that
// starts at due. It doubles as the store's uniqueness key.
func ChildKey(parentID string, due time.Time) string {
	return parentID + "@" + due.UTC().Format("2006-01-02T15:04:05Z")
}

// OnTaskCompleted creates the next task of t's recurrence, if one is due.
// It returns the created child, or nil when nothing was created. Calling it
// again for the same completion is a no-op.
func (e *Engine) OnTaskCompleted(ctx context.Context, t records.Task) (*records.Task, error) {
	rule := t.Recurrence
	if rule == nil || !rule.Active || !rule.Frequency.Valid() {
		return nil, nil
	}
	now := e.now()
	if rule.EndDate != nil && now.After(*rule.EndDate) {
		return nil, nil
	}
	if rule.LastCreated != nil && now.Before(rule.Advance(*rule.LastCreated, 1)) {
		return nil, nil
	}

	due := rule.Advance(t.DueDate, 1)
	if rule.EndDate != nil && due.After(*rule.EndDate) {
		return nil, nil
	}
	key := ChildKey(t.ID, due)
	log := e.log.With(logx.String("task_id", t.ID), logx.String("child_key", key))

	n, err := e.store.CountTasks(ctx, records.TaskFilter{RecurrenceKey: key})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Debug("recurring child exists")
		return nil, nil
	}

	child := records.Task{
		OwnerID:       t.OwnerID,
		LeadID:        t.LeadID,
		Title:         t.Title,
		Description:   t.Description,
		Type:          t.Type,
		Priority:      t.Priority,
		DueDate:       due,
		Status:        records.TaskPending,
		ParentTaskID:  t.ID,
		RecurrenceKey: key,
	}
	if t.ReminderAt != nil {
		// Keep the same lead time before the due date.
		at := due.Add(t.ReminderAt.Sub(t.DueDate))
		child.ReminderAt = &at
	}
	// The child carries the rule forward so completing it spawns the next one.
	next := *rule
	next.LastCreated = nil
	child.Recurrence = &next

	created, err := e.store.InsertTask(ctx, child)
	if errors.Is(err, records.ErrDuplicate) {
		// Lost a race with a concurrent completion.
		log.Debug("recurring child inserted concurrently")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert recurring child: %w", err)
	}

	stamp := now.UTC()
	if _, err := e.store.UpdateTask(ctx, t.ID, records.TaskPatch{RecurrenceLastCreated: &stamp}); err != nil {
		return &created, fmt.Errorf("stamp recurrence: %w", err)
	}
	log.Info("recurring task created", logx.String("child_id", created.ID), logx.Time("due", due))
	return &created, nil
}
