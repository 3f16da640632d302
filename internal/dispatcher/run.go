package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"leadpulse/internal/eventbus"
	"leadpulse/internal/jobs"
	"leadpulse/internal/storage"
	"leadpulse/pkg/logx"
)

const finalizeTimeout = 15 * time.Second

// run executes one claimed job and records the outcome. The concurrency
// permits are released as soon as the handler returns or times out, even
// if a misbehaving handler keeps its goroutine alive.
func (s *Service) run(base context.Context, h Handler, j jobs.Job) {
	defer s.inflight.Done()

	timeout := s.timeoutFor(h)
	log := s.log.With(logx.String("job_id", j.ID), logx.String("job", j.Name))
	start := s.cfg.Now()

	runCtx, cancel := context.WithTimeout(base, timeout)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h.Fn(runCtx, j)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			s.timeouts.Add(1)
			err = fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
			s.bus.Publish(eventbus.Event{Type: eventbus.JobTimeout, Data: jobEvent(j)})
		} else {
			err = runCtx.Err()
		}
	}
	cancel()
	s.gates.release(j.Name, 1)

	dur := s.cfg.Now().Sub(start)
	item := HistoryItem{JobID: j.ID, Name: j.Name, Started: start, Duration: dur}

	// Shutdown cancelled the run: leave it locked so the lease expires and
	// another poll picks it up, without charging a failure.
	if err != nil && base.Err() != nil {
		item.Outcome, item.Error = "abandoned", err.Error()
		log.Warn("run abandoned at shutdown", logx.Err(err))
		s.record(item)
		return
	}

	fctx, fcancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer fcancel()

	if err == nil {
		s.finishOK(fctx, log, j, &item)
	} else {
		s.finishErr(fctx, log, j, err, &item)
	}
	s.record(item)
}

func (s *Service) finishOK(ctx context.Context, log logx.Logger, j jobs.Job, item *HistoryItem) {
	now := s.cfg.Now()
	out, err := s.store.Complete(ctx, j.ID, j.ClaimToken, now)
	if err != nil {
		s.onFinalizeError(log, err, item)
		return
	}
	s.completed.Add(1)
	item.Outcome = "completed"
	ev := jobEvent(out)
	ev.Duration = item.Duration
	s.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Time: now, Data: ev})
	if out.Recurring() {
		log.Debug("job completed", logx.Duration("dur", item.Duration), logx.Time("next_run", out.ScheduledAt))
	} else {
		log.Debug("job completed", logx.Duration("dur", item.Duration))
	}
}

func (s *Service) finishErr(ctx context.Context, log logx.Logger, j jobs.Job, runErr error, item *HistoryItem) {
	now := s.cfg.Now()
	item.Error = runErr.Error()
	f := storage.Failure{
		Reason:      runErr.Error(),
		Now:         now,
		RetryAt:     now.Add(retryDelay(s.cfg, j.FailCount+1, runErr)),
		MaxFailures: s.cfg.MaxFailures,
		MaxDeadRuns: s.cfg.RecurringMaxDeadRuns,
		Final:       IsNoRetry(runErr),
	}
	res, err := s.store.Fail(ctx, j.ID, j.ClaimToken, f)
	if err != nil {
		s.onFinalizeError(log, err, item)
		return
	}
	ev := jobEvent(res.Job)
	ev.Duration = item.Duration
	ev.Error = runErr.Error()

	if res.Superseded {
		s.superseded.Add(1)
		item.Outcome = "superseded"
		log.Info("job failed after it was rescheduled; newer job kept", logx.Err(runErr), logx.String("unique_key", j.UniqueKey))
		return
	}
	if !res.Exhausted {
		s.retried.Add(1)
		item.Outcome = "retry"
		ev.RetryAt = res.Job.ScheduledAt
		s.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Time: now, Data: ev})
		log.Warn("job failed; retry scheduled", logx.Err(runErr), logx.Int("fail_count", res.Job.FailCount), logx.Time("retry_at", res.Job.ScheduledAt))
		return
	}

	s.dead.Add(1)
	item.Outcome = "dead"
	ev.FailCount = j.FailCount + 1
	s.bus.Publish(eventbus.Event{Type: eventbus.JobDead, Time: now, Data: ev})
	fields := []logx.Field{logx.Err(runErr), logx.Int("attempts", ev.FailCount), logx.String("unique_key", j.UniqueKey)}
	switch {
	case res.Job.Recurring() && res.Job.State == jobs.StatePending:
		fields = append(fields, logx.Time("next_run", res.Job.ScheduledAt), logx.Int("dead_runs", res.Job.DeadRuns))
	case res.Job.Recurring():
		fields = append(fields, logx.Int("dead_runs", res.Job.DeadRuns))
		log.Error("periodic job parked after repeated failures; re-register or restart to resume", fields...)
		return
	}
	log.Error("job failed permanently", fields...)
}

func (s *Service) onFinalizeError(log logx.Logger, err error, item *HistoryItem) {
	if errors.Is(err, storage.ErrClaimLost) {
		s.lost.Add(1)
		item.Outcome = "lost"
		log.Warn("run finished after its claim was lost; result discarded", logx.Duration("dur", item.Duration))
		return
	}
	item.Outcome = "lost"
	item.Error = err.Error()
	log.Error("failed to record job outcome; lease expiry will retry it", logx.Err(err))
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func jobEvent(j jobs.Job) eventbus.JobEvent {
	return eventbus.JobEvent{
		JobID:     j.ID,
		Name:      j.Name,
		UniqueKey: j.UniqueKey,
		FailCount: j.FailCount,
		Reclaims:  j.Reclaims,
		Error:     j.LastError,
	}
}

// Snapshot returns a point-in-time view for the status endpoint.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.sup != nil
	lastTick, lastErr := s.lastTick, s.lastErr
	s.mu.Unlock()

	inFlight, per := s.gates.inUse()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:      running,
		PollInterval: s.cfg.PollInterval,
		GlobalLimit:  s.cfg.GlobalLimit,
		PerTypeLimit: s.cfg.PerTypeLimit,
		InFlight:     inFlight,
		PerType:      per,
		Counters: Counters{
			Claimed:    s.claimed.Load(),
			Reclaimed:  s.reclaimed.Load(),
			Completed:  s.completed.Load(),
			Retried:    s.retried.Load(),
			Superseded: s.superseded.Load(),
			Dead:       s.dead.Load(),
			Timeouts:   s.timeouts.Load(),
			Lost:       s.lost.Load(),
		},
		LastTick:    lastTick,
		LastTickErr: lastErr,
		History:     h,
	}
}

// Wait blocks until every dispatched run has finished or ctx ends. Tests
// use it after Tick.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
