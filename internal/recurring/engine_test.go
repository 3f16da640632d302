package recurring

import (
	"context"
	"testing"
	"time"

	"leadpulse/internal/records"
	logx "leadpulse/pkg/logx"
)

var now0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Engine, *records.Memory) {
	t.Helper()
	store := records.NewMemory()
	store.SetClock(func() time.Time { return now0 })
	return New(store, logx.Nop(), func() time.Time { return now0 }), store
}

func insert(t *testing.T, store *records.Memory, tk records.Task) records.Task {
	t.Helper()
	out, err := store.InsertTask(context.Background(), tk)
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return out
}

func children(t *testing.T, store *records.Memory, parent string) []records.Task {
	t.Helper()
	out, err := store.FindTasks(context.Background(), records.TaskFilter{ParentTaskID: parent})
	if err != nil {
		t.Fatalf("FindTasks: %v", err)
	}
	return out
}

func TestWeeklyCompletionSpawnsOneChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, store := setup(t)
	reminder := now0.Add(-time.Hour)
	parent := insert(t, store, records.Task{
		ID: "p1", OwnerID: "u1", LeadID: "l1", Title: "Weekly check-in", Priority: "high",
		DueDate:    now0,
		ReminderAt: &reminder,
		Status:     records.TaskCompleted,
		Recurrence: &records.TaskRecurrence{Frequency: records.Weekly, Interval: 1, Active: true},
	})

	child, err := e.OnTaskCompleted(ctx, parent)
	if err != nil || child == nil {
		t.Fatalf("OnTaskCompleted child=%v err=%v", child, err)
	}
	if want := now0.AddDate(0, 0, 7); !child.DueDate.Equal(want) {
		t.Fatalf("child due %v, want %v", child.DueDate, want)
	}
	if child.ParentTaskID != "p1" || child.Title != "Weekly check-in" || child.LeadID != "l1" || child.Status != records.TaskPending {
		t.Fatalf("child = %+v", child)
	}
	if child.ReminderAt == nil || !child.ReminderAt.Equal(child.DueDate.Add(-time.Hour)) {
		t.Fatalf("child reminder = %v", child.ReminderAt)
	}

	// The completion hook fires again with the stale parent snapshot.
	again, err := e.OnTaskCompleted(ctx, parent)
	if err != nil || again != nil {
		t.Fatalf("second call child=%v err=%v", again, err)
	}
	// And once more with the refreshed parent.
	fresh, _ := store.Task(ctx, "p1")
	if fresh.Recurrence.LastCreated == nil {
		t.Fatalf("lastCreated not stamped")
	}
	if again, _ := e.OnTaskCompleted(ctx, fresh); again != nil {
		t.Fatalf("refreshed parent spawned another child")
	}
	if got := children(t, store, "p1"); len(got) != 1 {
		t.Fatalf("children = %d, want 1", len(got))
	}
}

func TestNoChildCases(t *testing.T) {
	t.Parallel()
	ended := now0.Add(-time.Hour)
	soon := now0.AddDate(0, 0, 3)
	recent := now0.Add(-time.Hour)
	cases := []struct {
		name string
		rec  *records.TaskRecurrence
	}{
		{"no rule", nil},
		{"inactive", &records.TaskRecurrence{Frequency: records.Daily, Interval: 1}},
		{"unknown frequency", &records.TaskRecurrence{Frequency: "yearly", Active: true}},
		{"end date passed", &records.TaskRecurrence{Frequency: records.Daily, Interval: 1, Active: true, EndDate: &ended}},
		{"next due after end", &records.TaskRecurrence{Frequency: records.Weekly, Interval: 1, Active: true, EndDate: &soon}},
		{"created too recently", &records.TaskRecurrence{Frequency: records.Daily, Interval: 1, Active: true, LastCreated: &recent}},
	}
	for _, tc := range cases {
		e, store := setup(t)
		parent := insert(t, store, records.Task{ID: "p", OwnerID: "u1", DueDate: now0, Recurrence: tc.rec})
		child, err := e.OnTaskCompleted(context.Background(), parent)
		if err != nil || child != nil {
			t.Fatalf("%s: child=%v err=%v", tc.name, child, err)
		}
	}
}

func TestMonthlyChildClampsToMonthEnd(t *testing.T) {
	t.Parallel()
	e, store := setup(t)
	jan31 := time.Date(2026, 1, 31, 15, 0, 0, 0, time.UTC)
	parent := insert(t, store, records.Task{
		ID: "m", OwnerID: "u1", DueDate: jan31,
		Recurrence: &records.TaskRecurrence{Frequency: records.Monthly, Interval: 1, Active: true},
	})
	child, err := e.OnTaskCompleted(context.Background(), parent)
	if err != nil || child == nil {
		t.Fatalf("child=%v err=%v", child, err)
	}
	if want := time.Date(2026, 2, 28, 15, 0, 0, 0, time.UTC); !child.DueDate.Equal(want) {
		t.Fatalf("due %v, want %v", child.DueDate, want)
	}
	if child.RecurrenceKey != ChildKey("m", child.DueDate) {
		t.Fatalf("recurrence key %q", child.RecurrenceKey)
	}
}
