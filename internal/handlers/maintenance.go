package handlers

import (
	"context"

	"leadpulse/internal/jobs"
	"leadpulse/internal/records"
	logx "leadpulse/pkg/logx"
)

// MessageDispatch hands due scheduled messages to delivery. Each message
// moves by compare-and-set, so a message already sent by an earlier run is
// skipped. A delivery error marks the message failed; it is picked up again
// on a later run until its retries are exhausted.
func (s *Set) MessageDispatch(ctx context.Context, _ jobs.Job) error {
	cfg, _ := s.config()
	now := s.deps.Now()
	retryable := []records.MessageStatus{records.MessagePending, records.MessageFailed}

	due, err := s.deps.Records.FindScheduledMessages(ctx, records.MessageFilter{
		DueBefore: &now,
		Sendable:  true,
		Limit:     cfg.MessageBatch,
	})
	if err != nil {
		return err
	}
	sent, failed := 0, 0
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome := records.MessageOutcome{From: retryable, To: records.MessageSent, At: now}
		if derr := s.deps.Sender.SendMessage(ctx, m); derr != nil {
			outcome.To = records.MessageFailed
			outcome.Reason = derr.Error()
		}
		ok, err := s.deps.Records.TransitionMessage(ctx, m.ID, outcome)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if outcome.To == records.MessageSent {
			sent++
		} else {
			failed++
			s.deps.Log.Warn("scheduled message failed", logx.String("message_id", m.ID), logx.String("reason", outcome.Reason), logx.Int("retry", m.RetryCount+1))
		}
	}
	if sent > 0 || failed > 0 {
		s.deps.Log.Info("scheduled messages dispatched", logx.Int("sent", sent), logx.Int("failed", failed))
	}
	return nil
}

// NotificationCleanup deletes notifications past their expiry.
func (s *Set) NotificationCleanup(ctx context.Context, _ jobs.Job) error {
	n, err := s.deps.Records.DeleteExpiredNotifications(ctx, s.deps.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.deps.Log.Info("expired notifications removed", logx.Int("count", n))
	}
	return nil
}

// JobRetention purges finished jobs older than the retention window.
func (s *Set) JobRetention(ctx context.Context, _ jobs.Job) error {
	cfg, _ := s.config()
	n, err := s.deps.Jobs.Purge(ctx, s.deps.Now().Add(-cfg.JobRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.deps.Log.Info("old jobs purged", logx.Int("count", n))
	}
	return nil
}
