package delivery

import (
	"context"
	"fmt"
	"strings"

	"leadpulse/internal/records"
)

func userRecipient(u records.User) Recipient {
	return Recipient{UserID: u.ID, Name: u.Name, Email: u.Email, ChatID: u.TelegramChatID}
}

func (s *Service) SendReminder(ctx context.Context, u records.User, t records.Task) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Reminder: %s\n", t.Title)
	fmt.Fprintf(&b, "Due: %s", t.DueDate.UTC().Format("2006-01-02 15:04 MST"))
	if t.Description != "" {
		fmt.Fprintf(&b, "\n\n%s", t.Description)
	}
	return s.Deliver(ctx, Envelope{
		Kind:    KindReminder,
		To:      userRecipient(u),
		Subject: "Task reminder: " + t.Title,
		Text:    b.String(),
		Data:    map[string]any{"taskId": t.ID, "leadId": t.LeadID},
		DedupID: "reminder:" + t.ID,
	})
}

func (s *Service) SendDailySummary(ctx context.Context, u records.User, st DailyStats) error {
	text := fmt.Sprintf("Good morning %s. Today: %d task(s) due, %d overdue.", displayName(u), st.DueToday, st.Overdue)
	return s.Deliver(ctx, Envelope{
		Kind:    KindDailySummary,
		To:      userRecipient(u),
		Subject: "Your daily summary for " + st.Date,
		Text:    text,
		Data:    map[string]any{"dueToday": st.DueToday, "overdue": st.Overdue, "date": st.Date},
		DedupID: "daily:" + u.ID + ":" + st.Date,
	})
}

func (s *Service) SendWeeklyReport(ctx context.Context, u records.User, st WeeklyStats) error {
	from := st.From.Format("2006-01-02")
	to := st.To.Format("2006-01-02")
	text := fmt.Sprintf("Weekly report %s to %s\nLeads added: %d\nTasks completed: %d\nDeals won: %d",
		from, to, st.LeadsAdded, st.TasksCompleted, st.DealsWon)
	return s.Deliver(ctx, Envelope{
		Kind:    KindWeeklyReport,
		To:      userRecipient(u),
		Subject: "Your weekly report",
		Text:    text,
		Data: map[string]any{
			"leadsAdded": st.LeadsAdded, "tasksCompleted": st.TasksCompleted, "dealsWon": st.DealsWon,
		},
		DedupID: "weekly:" + u.ID + ":" + to,
	})
}

func (s *Service) SendMessage(ctx context.Context, m records.ScheduledMessage) error {
	return s.Deliver(ctx, Envelope{
		Kind:    KindMessage,
		To:      Recipient{UserID: m.UserID, Address: m.Recipient, Channel: string(m.Channel)},
		Subject: m.Subject,
		Text:    m.Content,
		Data:    map[string]any{"messageId": m.ID, "leadId": m.LeadID},
		DedupID: fmt.Sprintf("message:%s:%d", m.ID, m.RetryCount),
	})
}

func displayName(u records.User) string {
	if u.Name != "" {
		return u.Name
	}
	return "there"
}
