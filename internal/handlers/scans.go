package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"leadpulse/internal/delivery"
	"leadpulse/internal/jobs"
	"leadpulse/internal/records"
	logx "leadpulse/pkg/logx"
)

// OverdueScan notifies each owner once about pending tasks that were due
// before today and flags exactly those tasks as notified.
func (s *Set) OverdueScan(ctx context.Context, _ jobs.Job) error {
	_, loc := s.config()
	now := s.deps.Now()
	todayStart, _ := dayBounds(now, loc)

	notNotified := false
	tasks, err := s.deps.Records.FindTasks(ctx, records.TaskFilter{
		Statuses:        []records.TaskStatus{records.TaskPending},
		DueBefore:       &todayStart,
		OverdueNotified: &notNotified,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	byOwner := map[string][]string{}
	for _, t := range tasks {
		byOwner[t.OwnerID] = append(byOwner[t.OwnerID], t.ID)
	}
	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	sort.Strings(owners)

	date := todayStart.Format("2006-01-02")
	var errs []error
	notified := 0
	for _, owner := range owners {
		ids := byOwner[owner]
		sort.Strings(ids)
		count := len(ids)
		n := records.Notification{
			UserID:   owner,
			Type:     records.NotifyTaskOverdue,
			Title:    "Overdue tasks",
			Message:  fmt.Sprintf("You have %d overdue %s.", count, plural(count, "task", "tasks")),
			Link:     "/tasks?filter=overdue",
			Priority: records.PriorityHigh,
			Data:     map[string]any{"count": count, "taskIds": ids},
		}
		// Keyed by the exact task set: a rerun over the same tasks dedups,
		// tasks that became overdue later in the day get their own notice.
		key := "overdue:" + owner + ":" + date + ":" + strings.Join(ids, ",")
		if _, err := s.notify(ctx, n, key); err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			continue
		}
		if _, err := s.deps.Records.UpdateTasks(ctx, records.TaskFilter{
			IDs:             ids,
			OverdueNotified: &notNotified,
		}, records.TaskPatch{MarkOverdueNotified: true}); err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			continue
		}
		notified++
	}
	s.deps.Log.Info("overdue scan done", logx.Int("tasks", len(tasks)), logx.Int("owners", notified))
	return errors.Join(errs...)
}

// DailySummary sends each opted-in user the count of tasks due today and
// overdue. Users with nothing pending get nothing.
func (s *Set) DailySummary(ctx context.Context, _ jobs.Job) error {
	_, loc := s.config()
	now := s.deps.Now()
	todayStart, tomorrow := dayBounds(now, loc)
	date := todayStart.Format("2006-01-02")

	users, err := s.deps.Records.FindUsers(ctx, records.UserFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	pending := []records.TaskStatus{records.TaskPending}
	var errs []error
	sent := 0
	for _, u := range users {
		if !u.Preferences.WantsDailySummary() {
			continue
		}
		due, err := s.deps.Records.CountTasks(ctx, records.TaskFilter{OwnerID: u.ID, Statuses: pending, DueFrom: &todayStart, DueBefore: &tomorrow})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		overdue, err := s.deps.Records.CountTasks(ctx, records.TaskFilter{OwnerID: u.ID, Statuses: pending, DueBefore: &todayStart})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stats := delivery.DailyStats{Date: date, DueToday: due, Overdue: overdue}
		if stats.Total() == 0 {
			continue
		}
		n := records.Notification{
			UserID:   u.ID,
			Type:     records.NotifyDailySummary,
			Title:    "Daily summary",
			Message:  fmt.Sprintf("%d %s due today, %d overdue.", due, plural(due, "task", "tasks"), overdue),
			Link:     "/tasks",
			Priority: records.PriorityNormal,
			Data:     map[string]any{"dueToday": due, "overdue": overdue},
		}
		if _, err := s.notify(ctx, n, "daily:"+u.ID+":"+date); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u.ID, err))
			continue
		}
		if err := s.deps.Sender.SendDailySummary(ctx, u, stats); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u.ID, err))
			continue
		}
		sent++
	}
	s.deps.Log.Info("daily summary done", logx.Int("users", len(users)), logx.Int("sent", sent))
	return errors.Join(errs...)
}

// RecoveryScan counts cold and stuck leads per active user and emits one
// aggregate notification when there is anything to recover.
func (s *Set) RecoveryScan(ctx context.Context, _ jobs.Job) error {
	cfg, loc := s.config()
	now := s.deps.Now()
	coldCutoff := now.Add(-cfg.ColdAfter)
	stuckCutoff := now.Add(-cfg.StuckAfter)
	todayStart, _ := dayBounds(now, loc)
	date := todayStart.Format("2006-01-02")

	users, err := s.deps.Records.FindUsers(ctx, records.UserFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	var errs []error
	for _, u := range users {
		cold, err := s.deps.Records.CountLeads(ctx, records.LeadFilter{
			OwnerID:           u.ID,
			ExcludeStatuses:   cfg.ColdExclude,
			NotContactedSince: &coldCutoff,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stuck, err := s.deps.Records.CountLeads(ctx, records.LeadFilter{
			OwnerID:       u.ID,
			Statuses:      cfg.StuckStatuses,
			UpdatedBefore: &stuckCutoff,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total := cold + stuck
		if total == 0 {
			continue
		}
		n := records.Notification{
			UserID:   u.ID,
			Type:     records.NotifyLeadRecovery,
			Title:    "Leads need attention",
			Message:  fmt.Sprintf("%d %s need follow-up (%d cold, %d stuck).", total, plural(total, "lead", "leads"), cold, stuck),
			Link:     "/leads?filter=recovery",
			Priority: records.PriorityNormal,
			Data:     map[string]any{"count": total, "cold": cold, "stuck": stuck},
		}
		if _, err := s.notify(ctx, n, "recovery:"+u.ID+":"+date); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u.ID, err))
		}
	}
	return errors.Join(errs...)
}

// WeeklyReport sends every opted-in user their rolling weekly counts, even
// when all of them are zero.
func (s *Set) WeeklyReport(ctx context.Context, _ jobs.Job) error {
	cfg, _ := s.config()
	now := s.deps.Now()
	from := now.Add(-cfg.WeeklyWindow)

	users, err := s.deps.Records.FindUsers(ctx, records.UserFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	var errs []error
	for _, u := range users {
		if !u.Preferences.WantsWeeklyReport() {
			continue
		}
		added, err := s.deps.Records.CountLeads(ctx, records.LeadFilter{OwnerID: u.ID, CreatedFrom: &from})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		completed, err := s.deps.Records.CountTasks(ctx, records.TaskFilter{
			OwnerID:       u.ID,
			Statuses:      []records.TaskStatus{records.TaskCompleted},
			CompletedFrom: &from,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		won, err := s.deps.Records.CountLeads(ctx, records.LeadFilter{
			OwnerID:  u.ID,
			Statuses: []records.LeadStatus{records.LeadWon},
			WonFrom:  &from,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stats := delivery.WeeklyStats{From: from, To: now, LeadsAdded: added, TasksCompleted: completed, DealsWon: won}
		if err := s.deps.Sender.SendWeeklyReport(ctx, u, stats); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u.ID, err))
		}
	}
	return errors.Join(errs...)
}
