package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadpulse/internal/dispatcher"
	"leadpulse/internal/eventbus"
	"leadpulse/internal/jobs"
	"leadpulse/internal/records"
	"leadpulse/internal/scheduler"
	"leadpulse/internal/storage"
	"leadpulse/pkg/logx"
)

var now0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	lc    *Lifecycle
	rec   *records.Memory
	jobs  storage.Store
	sched *scheduler.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now0 }
	rec := records.NewMemory()
	rec.SetClock(clock)
	st := storage.NewMemory()
	sched, err := scheduler.New(scheduler.Config{Dispatcher: dispatcher.Config{Now: clock}}, st, dispatcher.NewRegistry(), logx.Nop(), eventbus.Nop())
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	return &fixture{lc: New(rec, sched, nil, logx.Nop(), clock), rec: rec, jobs: st, sched: sched}
}

func (f *fixture) insert(t *testing.T, tk records.Task) records.Task {
	t.Helper()
	out, err := f.rec.InsertTask(context.Background(), tk)
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return out
}

func (f *fixture) pendingReminders(t *testing.T, taskID string) []jobs.Job {
	t.Helper()
	out, err := f.jobs.List(context.Background(), storage.ListFilter{State: jobs.StatePending, UniqueKey: jobs.ReminderKey(taskID)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return out
}

func TestCreatedSchedulesReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	at := now0.Add(time.Hour)
	withReminder := f.insert(t, records.Task{ID: "t1", OwnerID: "u1", DueDate: now0.Add(2 * time.Hour), ReminderAt: &at})
	without := f.insert(t, records.Task{ID: "t2", OwnerID: "u1", DueDate: now0})

	id, err := f.lc.Created(ctx, withReminder)
	if err != nil || id == "" {
		t.Fatalf("Created id=%q err=%v", id, err)
	}
	if got := f.pendingReminders(t, "t1"); len(got) != 1 || !got[0].ScheduledAt.Equal(at) {
		t.Fatalf("reminders = %+v", got)
	}
	if id, err := f.lc.Created(ctx, without); err != nil || id != "" {
		t.Fatalf("task without reminder scheduled %q err=%v", id, err)
	}
}

func TestRescheduledReplacesReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	at := now0.Add(time.Hour)
	tk := f.insert(t, records.Task{ID: "t1", OwnerID: "u1", DueDate: now0.Add(2 * time.Hour), ReminderAt: &at})
	first, _ := f.lc.Created(ctx, tk)

	later := now0.Add(5 * time.Hour)
	second, err := f.lc.Rescheduled(ctx, "t1", now0.Add(6*time.Hour), &later)
	if err != nil {
		t.Fatalf("Rescheduled: %v", err)
	}
	got := f.pendingReminders(t, "t1")
	if len(got) != 1 || got[0].ID != second || second == first {
		t.Fatalf("reminders after reschedule = %+v", got)
	}
	stored, _ := f.rec.Task(ctx, "t1")
	if !stored.DueDate.Equal(now0.Add(6*time.Hour)) || !stored.ReminderAt.Equal(later) {
		t.Fatalf("task not updated: %+v", stored)
	}

	if _, err := f.lc.Rescheduled(ctx, "t1", time.Time{}, nil); err != nil {
		t.Fatalf("Rescheduled without reminder: %v", err)
	}
	if got := f.pendingReminders(t, "t1"); len(got) != 0 {
		t.Fatalf("reminder survived removal: %+v", got)
	}

	if _, err := f.lc.Rescheduled(ctx, "missing", now0, nil); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("missing task err = %v", err)
	}
}

func TestCompletedSpawnsRecurringChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	at := now0.Add(-30 * time.Minute)
	tk := f.insert(t, records.Task{
		ID: "t1", OwnerID: "u1", DueDate: now0, ReminderAt: &at,
		Recurrence: &records.TaskRecurrence{Frequency: records.Daily, Interval: 1, Active: true},
	})
	if _, err := f.lc.Created(ctx, tk); err != nil {
		t.Fatalf("Created: %v", err)
	}

	c, err := f.lc.Completed(ctx, "t1")
	if err != nil {
		t.Fatalf("Completed: %v", err)
	}
	if c.AlreadyDone || c.Task.Status != records.TaskCompleted || c.Task.CompletedAt == nil {
		t.Fatalf("completion = %+v", c)
	}
	if c.Child == nil || !c.Child.DueDate.Equal(now0.AddDate(0, 0, 1)) {
		t.Fatalf("child = %+v", c.Child)
	}
	if got := f.pendingReminders(t, "t1"); len(got) != 0 {
		t.Fatalf("completed task kept its reminder")
	}
	if got := f.pendingReminders(t, c.Child.ID); len(got) != 1 {
		t.Fatalf("child reminders = %d, want 1", len(got))
	}

	again, err := f.lc.Completed(ctx, "t1")
	if err != nil {
		t.Fatalf("Completed again: %v", err)
	}
	if !again.AlreadyDone || again.Child != nil {
		t.Fatalf("second completion = %+v", again)
	}
	kids, _ := f.rec.FindTasks(ctx, records.TaskFilter{ParentTaskID: "t1"})
	if len(kids) != 1 {
		t.Fatalf("children = %d, want 1", len(kids))
	}
}

func TestCancelled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	at := now0.Add(time.Hour)
	tk := f.insert(t, records.Task{ID: "t1", OwnerID: "u1", DueDate: now0.Add(2 * time.Hour), ReminderAt: &at})
	_, _ = f.lc.Created(ctx, tk)

	ok, err := f.lc.Cancelled(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("Cancelled ok=%v err=%v", ok, err)
	}
	if got := f.pendingReminders(t, "t1"); len(got) != 0 {
		t.Fatalf("reminder survived cancel")
	}
	if ok, _ := f.lc.Cancelled(ctx, "t1"); ok {
		t.Fatalf("second cancel reported true")
	}
	if _, err := f.lc.Completed(ctx, "t1"); !errors.Is(err, records.ErrInvalid) {
		t.Fatalf("completing a cancelled task err = %v", err)
	}
}
