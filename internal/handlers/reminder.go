package handlers

import (
	"context"
	"errors"
	"fmt"

	"leadpulse/internal/dispatcher"
	"leadpulse/internal/jobs"
	"leadpulse/internal/records"
	logx "leadpulse/pkg/logx"
)

// Reminder fires the reminder of one task.
//
// A task that vanished, left pending, or already had its reminder sent is a
// no-op. Otherwise a notification is created, an external reminder is queued
// when the owner opted into email reminders, and reminderSent is raised last.
// A crash between the side effects and the flag may repeat the external send;
// the notification is keyed on the task and is not duplicated.
func (s *Set) Reminder(ctx context.Context, job jobs.Job) error {
	var p jobs.ReminderPayload
	if err := job.Decode(&p); err != nil {
		return dispatcher.NoRetry(err)
	}
	if p.TaskID == "" {
		return dispatcher.NoRetry(errors.New("reminder payload without task id"))
	}
	log := s.deps.Log.With(logx.String("task_id", p.TaskID), logx.String("job_id", job.ID))

	task, err := s.deps.Records.Task(ctx, p.TaskID)
	if errors.Is(err, records.ErrNotFound) {
		log.Debug("reminder skipped: task gone")
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != records.TaskPending || task.ReminderSent {
		log.Debug("reminder skipped", logx.String("status", string(task.Status)), logx.Bool("reminder_sent", task.ReminderSent))
		return nil
	}

	userID := p.UserID
	if userID == "" {
		userID = task.OwnerID
	}
	user, err := s.deps.Records.User(ctx, userID)
	if errors.Is(err, records.ErrNotFound) {
		log.Debug("reminder skipped: user gone", logx.String("user_id", userID))
		return nil
	}
	if err != nil {
		return err
	}

	n := records.Notification{
		UserID:   user.ID,
		Type:     records.NotifyTaskReminder,
		Title:    "Task reminder",
		Message:  fmt.Sprintf("%s is due %s", task.Title, task.DueDate.UTC().Format("2006-01-02 15:04 MST")),
		Link:     "/tasks/" + task.ID,
		Priority: records.PriorityHigh,
		Data:     map[string]any{"taskId": task.ID, "leadId": task.LeadID},
	}
	if _, err := s.notify(ctx, n, "reminder:"+task.ID); err != nil {
		return err
	}

	if user.Preferences.WantsEmailReminders() {
		if err := s.deps.Sender.SendReminder(ctx, user, task); err != nil {
			return fmt.Errorf("send reminder: %w", err)
		}
	}

	if _, err := s.deps.Records.UpdateTask(ctx, task.ID, records.TaskPatch{MarkReminderSent: true}); err != nil {
		return err
	}
	log.Info("reminder fired", logx.String("user_id", user.ID))
	return nil
}
