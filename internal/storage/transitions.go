package storage

import (
	"fmt"
	"strings"
	"time"

	"leadpulse/internal/jobs"
)

// Timestamps are persisted with millisecond precision by every driver.
func norm(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

func normPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := norm(*t)
	return &v
}

// prepareInsert validates a new job and fills bookkeeping fields.
func prepareInsert(j jobs.Job, now time.Time) (jobs.Job, error) {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return jobs.Job{}, fmt.Errorf("%w: name required", ErrInvalid)
	}
	if j.ScheduledAt.IsZero() {
		return jobs.Job{}, fmt.Errorf("%w: scheduled time required", ErrInvalid)
	}
	if j.ID == "" {
		j.ID = jobs.NewID()
	}
	now = norm(now)
	j.State = jobs.StatePending
	j.ScheduledAt = norm(j.ScheduledAt)
	j.LockedAt = nil
	j.ClaimToken = ""
	j.LastRunAt = nil
	j.FinishedAt = nil
	j.FailCount = 0
	j.Reclaims = 0
	j.LastError = ""
	j.NextRunAt = normPtr(j.NextRunAt)
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.CreatedAt = norm(j.CreatedAt)
	j.UpdatedAt = now
	return j, nil
}

// claimable reports whether j may be claimed at now.
func claimable(j jobs.Job, now time.Time, lease time.Duration) bool {
	switch j.State {
	case jobs.StatePending:
		return !j.ScheduledAt.After(now)
	case jobs.StateRunning:
		return j.LockedAt == nil || !j.LockedAt.After(now.Add(-lease))
	}
	return false
}

func applyClaim(j *jobs.Job, now time.Time, token string) (reclaimed bool) {
	now = norm(now)
	reclaimed = j.State == jobs.StateRunning
	if reclaimed {
		j.Reclaims++
	}
	j.State = jobs.StateRunning
	j.LockedAt = &now
	j.LastRunAt = jobs.TimePtr(now)
	j.ClaimToken = token
	j.UpdatedAt = now
	return reclaimed
}

func checkClaim(j jobs.Job, token string) error {
	if j.State != jobs.StateRunning || token == "" || j.ClaimToken != token {
		return ErrClaimLost
	}
	return nil
}

func release(j *jobs.Job, now time.Time) {
	j.LockedAt = nil
	j.ClaimToken = ""
	j.UpdatedAt = norm(now)
}

// rearm moves a recurring job to its next occurrence after now.
func rearm(j *jobs.Job, now time.Time) error {
	next, err := j.Recurrence.Next(now)
	if err != nil {
		return err
	}
	next = norm(next)
	j.State = jobs.StatePending
	j.ScheduledAt = next
	j.NextRunAt = &next
	j.FailCount = 0
	return nil
}

func finish(j *jobs.Job, state jobs.State, now time.Time) {
	now = norm(now)
	j.State = state
	j.FinishedAt = &now
}

// applyComplete closes a run. superseded means another pending job holds
// j's UniqueKey, so a recurring job is not re-armed.
func applyComplete(j *jobs.Job, token string, now time.Time, superseded bool) error {
	if err := checkClaim(*j, token); err != nil {
		return err
	}
	release(j, now)
	if j.Recurring() {
		j.DeadRuns = 0
		if superseded {
			finish(j, jobs.StateCompleted, now)
			return nil
		}
		err := rearm(j, now)
		if err == nil {
			j.LastError = ""
			return nil
		}
		j.LastError = err.Error()
	}
	finish(j, jobs.StateCompleted, now)
	return nil
}

// applyFail records a failed run. A retry that would collide with a newer
// pending job for the same key ends the run as cancelled instead.
func applyFail(j *jobs.Job, token string, f Failure, superseded bool) (FailResult, error) {
	if err := checkClaim(*j, token); err != nil {
		return FailResult{}, err
	}
	release(j, f.Now)
	j.FailCount++
	j.LastError = f.Reason
	limit := f.MaxFailures
	if limit <= 0 {
		limit = 3
	}
	if !f.Final && j.FailCount < limit {
		if superseded {
			finish(j, jobs.StateCancelled, f.Now)
			return FailResult{Superseded: true}, nil
		}
		retryAt := f.RetryAt
		if retryAt.IsZero() {
			retryAt = f.Now
		}
		j.State = jobs.StatePending
		j.ScheduledAt = norm(retryAt)
		return FailResult{}, nil
	}
	if j.Recurring() && !superseded {
		j.DeadRuns++
		parked := f.MaxDeadRuns > 0 && j.DeadRuns >= f.MaxDeadRuns
		// rearm keeps LastError for the next occurrence.
		if !parked && rearm(j, f.Now) == nil {
			return FailResult{Exhausted: true}, nil
		}
	}
	finish(j, jobs.StateFailed, f.Now)
	return FailResult{Exhausted: true}, nil
}

func applyCancel(j *jobs.Job, now time.Time) bool {
	if j.State != jobs.StatePending {
		return false
	}
	j.UpdatedAt = norm(now)
	finish(j, jobs.StateCancelled, now)
	return true
}

// applyRecurringUpdate refreshes the rule of a live recurring job. A pending
// job whose spec changed is rescheduled to the new rule's next occurrence.
func applyRecurringUpdate(existing *jobs.Job, incoming jobs.Job, now time.Time) error {
	changed := existing.Recurrence == nil || incoming.Recurrence == nil ||
		*existing.Recurrence != *incoming.Recurrence
	existing.Recurrence = incoming.Recurrence
	if len(incoming.Data) > 0 {
		existing.Data = incoming.Data
	}
	existing.UpdatedAt = norm(now)
	if changed && existing.State == jobs.StatePending && existing.Recurring() {
		next, err := existing.Recurrence.Next(now)
		if err != nil {
			return err
		}
		next = norm(next)
		existing.ScheduledAt = next
		existing.NextRunAt = &next
	}
	return nil
}

func matches(j jobs.Job, f ListFilter) bool {
	if f.State != "" && j.State != f.State {
		return false
	}
	if f.Name != "" && j.Name != f.Name {
		return false
	}
	if f.UniqueKey != "" && j.UniqueKey != f.UniqueKey {
		return false
	}
	return true
}
