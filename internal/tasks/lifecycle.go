// Package tasks connects task changes made by the CRM to the scheduler:
// reminders follow the task's reminder time, and completing a recurring
// task spawns its next occurrence.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadpulse/internal/records"
	"leadpulse/internal/recurring"
	logx "leadpulse/pkg/logx"
)

// Reminders is the part of the scheduler the lifecycle needs.
type Reminders interface {
	ScheduleReminder(ctx context.Context, taskID, userID, leadID string, at time.Time) (string, error)
	CancelTaskReminder(ctx context.Context, taskID string) (bool, error)
}

type Lifecycle struct {
	store     records.Store
	reminders Reminders
	engine    *recurring.Engine
	log       logx.Logger
	now       func() time.Time
}

func New(store records.Store, reminders Reminders, engine *recurring.Engine, log logx.Logger, now func() time.Time) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	if engine == nil {
		engine = recurring.New(store, log, now)
	}
	return &Lifecycle{store: store, reminders: reminders, engine: engine, log: log.With(logx.String("comp", "tasks")), now: now}
}

// Completion is the result of completing a task.
type Completion struct {
	Task records.Task
	// Child is the next occurrence of a recurring task, if one was created.
	Child *records.Task
	// AlreadyDone is set when the task was completed before this call.
	AlreadyDone bool
}

// Created schedules the reminder of a newly created task. It returns the
// reminder job id, or "" when the task has no reminder.
func (l *Lifecycle) Created(ctx context.Context, t records.Task) (string, error) {
	if t.Status != records.TaskPending || t.ReminderAt == nil || t.ReminderSent {
		return "", nil
	}
	return l.reminders.ScheduleReminder(ctx, t.ID, t.OwnerID, t.LeadID, *t.ReminderAt)
}

// Rescheduled moves a task's due date and reminder. A nil reminder cancels
// the pending reminder job. Rescheduling does not clear a reminder that was
// already sent.
func (l *Lifecycle) Rescheduled(ctx context.Context, taskID string, due time.Time, reminderAt *time.Time) (string, error) {
	t, err := l.store.Task(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.Status != records.TaskPending {
		return "", fmt.Errorf("%w: task %s is %s", records.ErrInvalid, taskID, t.Status)
	}
	patch := records.TaskPatch{ReminderAt: reminderAt}
	if !due.IsZero() {
		patch.DueDate = &due
	}
	if _, err := l.store.UpdateTask(ctx, taskID, patch); err != nil {
		return "", err
	}
	if reminderAt == nil {
		_, err := l.reminders.CancelTaskReminder(ctx, taskID)
		return "", err
	}
	return l.reminders.ScheduleReminder(ctx, t.ID, t.OwnerID, t.LeadID, *reminderAt)
}

// Completed marks a task completed, drops its pending reminder and spawns
// the next occurrence when the task recurs. Repeating the call for a task
// that is already completed only retries the recurrence step.
func (l *Lifecycle) Completed(ctx context.Context, taskID string) (Completion, error) {
	now := l.now().UTC()
	done := records.TaskCompleted
	n, err := l.store.UpdateTasks(ctx, records.TaskFilter{
		IDs:      []string{taskID},
		Statuses: []records.TaskStatus{records.TaskPending},
	}, records.TaskPatch{Status: &done, CompletedAt: &now})
	if err != nil {
		return Completion{}, err
	}
	t, err := l.store.Task(ctx, taskID)
	if err != nil {
		return Completion{}, err
	}
	if t.Status != records.TaskCompleted {
		return Completion{}, fmt.Errorf("%w: task %s is %s", records.ErrInvalid, taskID, t.Status)
	}
	out := Completion{Task: t, AlreadyDone: n == 0}

	var errs []error
	if _, err := l.reminders.CancelTaskReminder(ctx, taskID); err != nil {
		errs = append(errs, fmt.Errorf("cancel reminder: %w", err))
	}
	child, err := l.engine.OnTaskCompleted(ctx, t)
	if err != nil {
		errs = append(errs, err)
	}
	if child != nil {
		out.Child = child
		if _, err := l.Created(ctx, *child); err != nil {
			errs = append(errs, fmt.Errorf("schedule child reminder: %w", err))
		}
	}
	if !out.AlreadyDone {
		l.log.Info("task completed", logx.String("task_id", taskID), logx.Bool("spawned", child != nil))
	}
	return out, errors.Join(errs...)
}

// Cancelled marks a pending task cancelled and drops its reminder. It
// reports false when the task was not pending.
func (l *Lifecycle) Cancelled(ctx context.Context, taskID string) (bool, error) {
	cancelled := records.TaskCancelled
	n, err := l.store.UpdateTasks(ctx, records.TaskFilter{
		IDs:      []string{taskID},
		Statuses: []records.TaskStatus{records.TaskPending},
	}, records.TaskPatch{Status: &cancelled})
	if err != nil {
		return false, err
	}
	if _, err := l.reminders.CancelTaskReminder(ctx, taskID); err != nil {
		return n > 0, err
	}
	return n > 0, nil
}
