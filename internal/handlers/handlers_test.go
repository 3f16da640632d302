package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"leadpulse/internal/delivery"
	"leadpulse/internal/dispatcher"
	"leadpulse/internal/jobs"
	"leadpulse/internal/records"
	"leadpulse/internal/storage"
	logx "leadpulse/pkg/logx"
)

var now0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu        sync.Mutex
	err       error
	reminders []string
	daily     []delivery.DailyStats
	weekly    map[string]delivery.WeeklyStats
	messages  []string
}

func (f *fakeSender) SendReminder(_ context.Context, u records.User, t records.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reminders = append(f.reminders, t.ID)
	return nil
}

func (f *fakeSender) SendDailySummary(_ context.Context, u records.User, s delivery.DailyStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.daily = append(f.daily, s)
	return nil
}

func (f *fakeSender) SendWeeklyReport(_ context.Context, u records.User, s delivery.WeeklyStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.weekly == nil {
		f.weekly = map[string]delivery.WeeklyStats{}
	}
	f.weekly[u.ID] = s
	return nil
}

func (f *fakeSender) SendMessage(_ context.Context, m records.ScheduledMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, m.ID)
	return nil
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fixture struct {
	set    *Set
	store  *records.Memory
	sender *fakeSender
	jobs   storage.Store
	now    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: records.NewMemory(), sender: &fakeSender{}, jobs: storage.NewMemory(), now: now0}
	f.store.SetClock(func() time.Time { return f.now })
	set, err := New(cfg, Deps{
		Records: f.store,
		Sender:  f.sender,
		Jobs:    f.jobs,
		Log:     logx.Nop(),
		Now:     func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.set = set
	return f
}

func (f *fixture) user(t *testing.T, u records.User) {
	t.Helper()
	u.Active = true
	if _, err := f.store.InsertUser(context.Background(), u); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
}

func (f *fixture) task(t *testing.T, tk records.Task) records.Task {
	t.Helper()
	out, err := f.store.InsertTask(context.Background(), tk)
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return out
}

func (f *fixture) notifications(t *testing.T, user string, typ records.NotificationType) []records.Notification {
	t.Helper()
	out, err := f.store.FindNotifications(context.Background(), records.NotificationFilter{UserID: user, Type: typ})
	if err != nil {
		t.Fatalf("FindNotifications: %v", err)
	}
	return out
}

func reminderJob(t *testing.T, taskID, userID string) jobs.Job {
	t.Helper()
	j, err := jobs.New(jobs.NameTaskReminder, now0, jobs.ReminderPayload{TaskID: taskID, UserID: userID})
	if err != nil {
		t.Fatalf("jobs.New: %v", err)
	}
	return j
}

func TestReminderFiresOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.user(t, records.User{ID: "u1"})
	tk := f.task(t, records.Task{ID: "t1", OwnerID: "u1", Title: "Call Bob", DueDate: now0.Add(time.Hour)})

	job := reminderJob(t, tk.ID, "u1")
	for i := 0; i < 2; i++ {
		if err := f.set.Reminder(ctx, job); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := f.notifications(t, "u1", records.NotifyTaskReminder); len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	got, _ := f.store.Task(ctx, tk.ID)
	if !got.ReminderSent {
		t.Fatalf("reminderSent not raised")
	}
	// Email preference missing: no external reminder.
	if len(f.sender.reminders) != 0 {
		t.Fatalf("external reminder sent without opt-in: %v", f.sender.reminders)
	}
}

func TestReminderSendsEmailWhenOptedIn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.user(t, records.User{ID: "u1", Preferences: records.Preferences{EmailReminders: records.Bool(true)}})
	tk := f.task(t, records.Task{ID: "t1", OwnerID: "u1", Title: "Demo"})

	if err := f.set.Reminder(ctx, reminderJob(t, tk.ID, "u1")); err != nil {
		t.Fatalf("Reminder: %v", err)
	}
	if len(f.sender.reminders) != 1 || f.sender.reminders[0] != "t1" {
		t.Fatalf("reminders = %v", f.sender.reminders)
	}
}

func TestReminderStaleReferencesAreNoops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.user(t, records.User{ID: "u1"})
	done := f.task(t, records.Task{ID: "done", OwnerID: "u1", Status: records.TaskCompleted})
	cancelled := f.task(t, records.Task{ID: "cancelled", OwnerID: "u1", Status: records.TaskCancelled})

	for _, id := range []string{done.ID, cancelled.ID, "missing"} {
		if err := f.set.Reminder(ctx, reminderJob(t, id, "u1")); err != nil {
			t.Fatalf("task %s: %v", id, err)
		}
	}
	if got := f.notifications(t, "u1", ""); len(got) != 0 {
		t.Fatalf("stale reminders produced %d notifications", len(got))
	}

	bad := jobs.Job{ID: "j", Name: jobs.NameTaskReminder, Data: []byte(`{`)}
	if err := f.set.Reminder(ctx, bad); !dispatcher.IsNoRetry(err) {
		t.Fatalf("bad payload err=%v, want no-retry", err)
	}
}

func TestReminderRetryAfterDeliveryFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.user(t, records.User{ID: "u1", Preferences: records.Preferences{EmailReminders: records.Bool(true)}})
	tk := f.task(t, records.Task{ID: "t1", OwnerID: "u1"})
	job := reminderJob(t, tk.ID, "u1")

	f.sender.setErr(delivery.ErrQueueFull)
	if err := f.set.Reminder(ctx, job); !errors.Is(err, delivery.ErrQueueFull) {
		t.Fatalf("err=%v, want delivery failure", err)
	}
	got, _ := f.store.Task(ctx, tk.ID)
	if got.ReminderSent {
		t.Fatalf("flag raised although delivery failed")
	}

	f.sender.setErr(nil)
	if err := f.set.Reminder(ctx, job); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := f.notifications(t, "u1", records.NotifyTaskReminder); len(got) != 1 {
		t.Fatalf("retry duplicated the notification: %d", len(got))
	}
}

func TestOverdueScanSingleTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.user(t, records.User{ID: "u1"})
	f.task(t, records.Task{ID: "t1", OwnerID: "u1", DueDate: now0.AddDate(0, 0, -1)})

	if err := f.set.OverdueScan(ctx, jobs.Job{}); err != nil {
		t.Fatalf("OverdueScan: %v", err)
	}
	got, _ := f.store.Task(ctx, "t1")
	if !got.OverdueNotified {
		t.Fatalf("overdueNotified not raised")
	}
	ns := f.notifications(t, "u1", records.NotifyTaskOverdue)
	if len(ns) != 1 {
		t.Fatalf("notifications = %d, want 1", len(ns))
	}
	if ns[0].Data["count"] != 1 || !strings.Contains(ns[0].Message, "1 overdue task") {
		t.Fatalf("notification = %+v", ns[0])
	}

	// Second run the same day adds nothing.
	if err := f.set.OverdueScan(ctx, jobs.Job{}); err != nil {
		t.Fatalf("second OverdueScan: %v", err)
	}
	if got := f.notifications(t, "u1", records.NotifyTaskOverdue); len(got) != 1 {
		t.Fatalf("second run added notifications: %d", len(got))
	}
}

func TestOverdueScanNotifiesLaterOverdueTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.task(t, records.Task{ID: "a", OwnerID: "u1", DueDate: now0.AddDate(0, 0, -2)})
	if err := f.set.OverdueScan(ctx, jobs.Job{}); err != nil {
		t.Fatalf("OverdueScan: %v", err)
	}

	// A task created later the same day with a due date already in the past.
	f.now = now0.Add(3 * time.Hour)
	f.task(t, records.Task{ID: "b", OwnerID: "u1", DueDate: now0.AddDate(0, 0, -1)})
	if err := f.set.OverdueScan(ctx, jobs.Job{}); err != nil {
		t.Fatalf("second OverdueScan: %v", err)
	}
	got, _ := f.store.Task(ctx, "b")
	if !got.OverdueNotified {
		t.Fatalf("late overdue task not flagged")
	}
	ns := f.notifications(t, "u1", records.NotifyTaskOverdue)
	if len(ns) != 2 {
		t.Fatalf("notifications = %d, want 2", len(ns))
	}
	found := false
	for _, n := range ns {
		if n.Data["count"] == 1 && strings.Contains(n.Message, "1 overdue task") {
			found = true
		}
	}
	if !found {
		t.Fatalf("notifications = %+v", ns)
	}
}

func TestOverdueScanAggregatesPerOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	yesterday := now0.AddDate(0, 0, -1)
	f.task(t, records.Task{ID: "a", OwnerID: "u1", DueDate: yesterday})
	f.task(t, records.Task{ID: "b", OwnerID: "u1", DueDate: yesterday.Add(-time.Hour)})
	f.task(t, records.Task{ID: "c", OwnerID: "u2", DueDate: yesterday})
	f.task(t, records.Task{ID: "today", OwnerID: "u1", DueDate: now0.Add(-time.Hour)})
	f.task(t, records.Task{ID: "closed", OwnerID: "u1", DueDate: yesterday, Status: records.TaskCompleted})

	if err := f.set.OverdueScan(ctx, jobs.Job{}); err != nil {
		t.Fatalf("OverdueScan: %v", err)
	}
	ns := f.notifications(t, "u1", records.NotifyTaskOverdue)
	if len(ns) != 1 || ns[0].Data["count"] != 2 || !strings.Contains(ns[0].Message, "2 overdue tasks") {
		t.Fatalf("u1 notifications = %+v", ns)
	}
	if got := f.notifications(t, "u2", records.NotifyTaskOverdue); len(got) != 1 {
		t.Fatalf("u2 notifications = %d", len(got))
	}
	for id, want := range map[string]bool{"a": true, "b": true, "c": true, "today": false, "closed": false} {
		got, _ := f.store.Task(ctx, id)
		if got.OverdueNotified != want {
			t.Fatalf("task %s overdueNotified=%v, want %v", id, got.OverdueNotified, want)
		}
	}
}

func TestOverdueScanUsesConfiguredTimezone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{Timezone: "Etc/GMT-3"})
	// 01:00 UTC is 04:00 local; the local day started at 21:00 UTC.
	f.now = time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	f.task(t, records.Task{ID: "local-today", OwnerID: "u1", DueDate: time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC)})
	f.task(t, records.Task{ID: "local-yesterday", OwnerID: "u1", DueDate: time.Date(2026, 3, 9, 20, 0, 0, 0, time.UTC)})

	if err := f.set.OverdueScan(ctx, jobs.Job{}); err != nil {
		t.Fatalf("OverdueScan: %v", err)
	}
	a, _ := f.store.Task(ctx, "local-today")
	b, _ := f.store.Task(ctx, "local-yesterday")
	if a.OverdueNotified || !b.OverdueNotified {
		t.Fatalf("today=%v yesterday=%v", a.OverdueNotified, b.OverdueNotified)
	}
}

func TestDailySummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.user(t, records.User{ID: "busy", Preferences: records.Preferences{DailySummary: records.Bool(true)}})
	f.user(t, records.User{ID: "idle", Preferences: records.Preferences{DailySummary: records.Bool(true)}})
	f.user(t, records.User{ID: "optout"})
	f.task(t, records.Task{OwnerID: "busy", DueDate: now0.Add(3 * time.Hour)})
	f.task(t, records.Task{OwnerID: "busy", DueDate: now0.AddDate(0, 0, -2)})
	f.task(t, records.Task{OwnerID: "optout", DueDate: now0.Add(time.Hour)})

	for i := 0; i < 2; i++ {
		if err := f.set.DailySummary(ctx, jobs.Job{}); err != nil {
			t.Fatalf("DailySummary: %v", err)
		}
	}
	if got := f.notifications(t, "busy", records.NotifyDailySummary); len(got) != 1 {
		t.Fatalf("busy notifications = %d, want 1", len(got))
	}
	if len(f.notifications(t, "idle", "")) != 0 || len(f.notifications(t, "optout", "")) != 0 {
		t.Fatalf("idle or opted-out user notified")
	}
	if len(f.sender.daily) == 0 {
		t.Fatalf("no summary delivered")
	}
	st := f.sender.daily[0]
	if st.DueToday != 1 || st.Overdue != 1 || st.Date != "2026-03-10" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRecoveryScan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{ColdAfter: 7 * 24 * time.Hour, StuckAfter: 14 * 24 * time.Hour})
	f.user(t, records.User{ID: "u1"})
	f.user(t, records.User{ID: "u2"})
	old := now0.AddDate(0, 0, -30)
	recent := now0.AddDate(0, 0, -1)
	for _, l := range []records.Lead{
		// cold only: recently updated, never contacted
		{ID: "cold", OwnerID: "u1", Status: records.LeadNew, CreatedAt: old, UpdatedAt: recent},
		// stuck only: contacted recently but no update for weeks
		{ID: "stuck", OwnerID: "u1", Status: records.LeadProposal, CreatedAt: old, UpdatedAt: old, LastContactedAt: &recent},
		{ID: "won", OwnerID: "u1", Status: records.LeadWon, CreatedAt: old, UpdatedAt: old},
		{ID: "fresh", OwnerID: "u2", Status: records.LeadNew, CreatedAt: recent, UpdatedAt: recent},
	} {
		if _, err := f.store.InsertLead(ctx, l); err != nil {
			t.Fatalf("InsertLead: %v", err)
		}
	}
	if err := f.set.RecoveryScan(ctx, jobs.Job{}); err != nil {
		t.Fatalf("RecoveryScan: %v", err)
	}
	ns := f.notifications(t, "u1", records.NotifyLeadRecovery)
	if len(ns) != 1 || ns[0].Data["count"] != 2 || ns[0].Data["cold"] != 1 || ns[0].Data["stuck"] != 1 {
		t.Fatalf("u1 notifications = %+v", ns)
	}
	if got := f.notifications(t, "u2", ""); len(got) != 0 {
		t.Fatalf("u2 has nothing to recover but got %d notifications", len(got))
	}
}

func TestWeeklyReportAlwaysSentWhenOptedIn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.user(t, records.User{ID: "active", Preferences: records.Preferences{WeeklyReport: records.Bool(true)}})
	f.user(t, records.User{ID: "quiet", Preferences: records.Preferences{WeeklyReport: records.Bool(true)}})
	f.user(t, records.User{ID: "optout"})

	wonAt := now0.AddDate(0, 0, -2)
	doneAt := now0.AddDate(0, 0, -3)
	if _, err := f.store.InsertLead(ctx, records.Lead{OwnerID: "active", CreatedAt: now0.AddDate(0, 0, -1)}); err != nil {
		t.Fatalf("InsertLead: %v", err)
	}
	if _, err := f.store.InsertLead(ctx, records.Lead{OwnerID: "active", Status: records.LeadWon, CreatedAt: now0.AddDate(0, 0, -40), WonAt: &wonAt}); err != nil {
		t.Fatalf("InsertLead: %v", err)
	}
	f.task(t, records.Task{OwnerID: "active", Status: records.TaskCompleted, CompletedAt: &doneAt})

	if err := f.set.WeeklyReport(ctx, jobs.Job{}); err != nil {
		t.Fatalf("WeeklyReport: %v", err)
	}
	if len(f.sender.weekly) != 2 {
		t.Fatalf("reports = %v, want active and quiet", f.sender.weekly)
	}
	a := f.sender.weekly["active"]
	if a.LeadsAdded != 1 || a.TasksCompleted != 1 || a.DealsWon != 1 {
		t.Fatalf("active stats = %+v", a)
	}
	q := f.sender.weekly["quiet"]
	if q.LeadsAdded != 0 || q.TasksCompleted != 0 || q.DealsWon != 0 {
		t.Fatalf("quiet stats = %+v", q)
	}
}

func TestMessageDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	due, _ := f.store.InsertScheduledMessage(ctx, records.ScheduledMessage{UserID: "u1", Content: "hi", ScheduledTime: now0.Add(-time.Minute)})
	later, _ := f.store.InsertScheduledMessage(ctx, records.ScheduledMessage{UserID: "u1", Content: "later", ScheduledTime: now0.Add(time.Hour)})

	f.sender.setErr(errors.New("gateway down"))
	if err := f.set.MessageDispatch(ctx, jobs.Job{}); err != nil {
		t.Fatalf("MessageDispatch: %v", err)
	}
	m, _ := f.store.ScheduledMessage(ctx, due.ID)
	if m.Status != records.MessageFailed || m.RetryCount != 1 || m.FailureReason != "gateway down" {
		t.Fatalf("after failure: %+v", m)
	}

	f.sender.setErr(nil)
	if err := f.set.MessageDispatch(ctx, jobs.Job{}); err != nil {
		t.Fatalf("MessageDispatch: %v", err)
	}
	if err := f.set.MessageDispatch(ctx, jobs.Job{}); err != nil {
		t.Fatalf("MessageDispatch: %v", err)
	}
	m, _ = f.store.ScheduledMessage(ctx, due.ID)
	if m.Status != records.MessageSent || len(f.sender.messages) != 1 {
		t.Fatalf("after retry: %+v sends=%v", m, f.sender.messages)
	}
	l, _ := f.store.ScheduledMessage(ctx, later.ID)
	if l.Status != records.MessagePending {
		t.Fatalf("future message touched: %+v", l)
	}
}

func TestMessageDispatchSkipsExhaustedBacklog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{MessageBatch: 2})
	var dead []string
	for i := 0; i < 2; i++ {
		m, _ := f.store.InsertScheduledMessage(ctx, records.ScheduledMessage{
			UserID: "u1", Content: "stale", ScheduledTime: now0.Add(-time.Hour), MaxRetries: 1,
		})
		dead = append(dead, m.ID)
	}
	f.sender.setErr(errors.New("gateway down"))
	if err := f.set.MessageDispatch(ctx, jobs.Job{}); err != nil {
		t.Fatalf("MessageDispatch: %v", err)
	}
	for _, id := range dead {
		m, _ := f.store.ScheduledMessage(ctx, id)
		if m.Status != records.MessageFailed || m.Retryable() {
			t.Fatalf("message %s not exhausted: %+v", id, m)
		}
	}

	fresh, _ := f.store.InsertScheduledMessage(ctx, records.ScheduledMessage{UserID: "u1", Content: "new", ScheduledTime: now0.Add(-time.Minute)})
	f.sender.setErr(nil)
	if err := f.set.MessageDispatch(ctx, jobs.Job{}); err != nil {
		t.Fatalf("MessageDispatch: %v", err)
	}
	m, _ := f.store.ScheduledMessage(ctx, fresh.ID)
	if m.Status != records.MessageSent {
		t.Fatalf("fresh message starved behind exhausted ones: %+v", m)
	}
	if len(f.sender.messages) != 1 || f.sender.messages[0] != fresh.ID {
		t.Fatalf("sends = %v", f.sender.messages)
	}
}

func TestCleanupHandlers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{NotificationTTL: time.Hour, JobRetention: 24 * time.Hour})

	f.user(t, records.User{ID: "u1"})
	f.task(t, records.Task{ID: "t1", OwnerID: "u1"})
	if err := f.set.Reminder(ctx, reminderJob(t, "t1", "u1")); err != nil {
		t.Fatalf("Reminder: %v", err)
	}
	f.now = now0.Add(2 * time.Hour)
	if err := f.set.NotificationCleanup(ctx, jobs.Job{}); err != nil {
		t.Fatalf("NotificationCleanup: %v", err)
	}
	if got := f.notifications(t, "u1", ""); len(got) != 0 {
		t.Fatalf("expired notifications kept: %d", len(got))
	}

	j, _ := jobs.New("noop", now0, nil)
	j, err := f.jobs.Enqueue(ctx, j, now0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, _ := f.jobs.Cancel(ctx, j.ID, now0); !ok {
		t.Fatalf("Cancel failed")
	}
	f.now = now0.Add(48 * time.Hour)
	if err := f.set.JobRetention(ctx, jobs.Job{}); err != nil {
		t.Fatalf("JobRetention: %v", err)
	}
	if _, err := f.jobs.Get(ctx, j.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old job not purged: %v", err)
	}
}

func TestRegisterAllHandlers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	reg := dispatcher.NewRegistry()
	if err := f.set.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	want := []string{
		jobs.NameDailySummary, jobs.NameJobRetention, jobs.NameMessageDispatch,
		jobs.NameNotificationCleanup, jobs.NameOverdueScan, jobs.NameRecoveryScan,
		jobs.NameTaskReminder, jobs.NameWeeklyReport,
	}
	got := reg.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", got, want)
	}
	if err := f.set.Register(reg); !errors.Is(err, dispatcher.ErrDuplicateHandler) {
		t.Fatalf("double register err=%v", err)
	}
}
