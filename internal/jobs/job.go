// Package jobs defines the persisted unit of scheduled work and the
// recurrence rules attached to periodic jobs.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Job.
//
//	pending --claim--> running --complete--> completed | pending (recurring)
//	                           --fail------> pending (retry) | failed
//	                           --fail------> cancelled (a newer job took the key)
//	pending --cancel--> cancelled
//	running --lease expiry--> claimable again
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job names known to the scheduler.
const (
	NameTaskReminder        = "task-reminder"
	NameOverdueScan         = "overdue-scan"
	NameDailySummary        = "daily-summary"
	NameRecoveryScan        = "recovery-scan"
	NameWeeklyReport        = "weekly-report"
	NameMessageDispatch     = "message-dispatch"
	NameNotificationCleanup = "notification-cleanup"
	NameJobRetention        = "job-retention"
)

// Job is one scheduled execution request.
type Job struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`

	// UniqueKey groups jobs that replace each other on enqueue. At most one
	// pending job exists per key.
	UniqueKey string `json:"unique_key,omitempty"`

	ScheduledAt time.Time `json:"scheduled_at"`
	State       State     `json:"state"`

	// LockedAt and ClaimToken are set while running. The token guards
	// Complete/Fail against a run whose lease was already reclaimed.
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	ClaimToken string     `json:"claim_token,omitempty"`

	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	FailCount  int        `json:"fail_count"`
	Reclaims   int        `json:"reclaims"`
	LastError  string     `json:"last_error,omitempty"`
	// DeadRuns counts consecutive occurrences of a recurring job that
	// exhausted their retries. A successful run resets it.
	DeadRuns int `json:"dead_runs,omitempty"`

	Recurrence *Recurrence `json:"recurrence,omitempty"`
	NextRunAt  *time.Time  `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Reclaimed is set on the copy returned by a claim when the job was
	// taken over from an expired lease. It is not persisted.
	Reclaimed bool `json:"-"`
}

// Recurring reports whether the job re-arms itself after each run.
func (j Job) Recurring() bool { return j.Recurrence != nil && j.Recurrence.Spec != "" }

// Clone returns a deep copy safe to hand out of a store.
func (j Job) Clone() Job {
	cp := j
	if j.Data != nil {
		cp.Data = append(json.RawMessage(nil), j.Data...)
	}
	cp.LockedAt = cloneTime(j.LockedAt)
	cp.LastRunAt = cloneTime(j.LastRunAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	cp.NextRunAt = cloneTime(j.NextRunAt)
	if j.Recurrence != nil {
		r := *j.Recurrence
		cp.Recurrence = &r
	}
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }

// NewID returns a fresh job identifier.
func NewID() string { return uuid.NewString() }

// NewToken returns a fresh claim token.
func NewToken() string { return uuid.NewString() }

// New builds a pending one-shot job.
func New(name string, at time.Time, payload any) (Job, error) {
	if name == "" {
		return Job{}, fmt.Errorf("job name required")
	}
	j := Job{ID: NewID(), Name: name, ScheduledAt: at, State: StatePending}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("encode %s payload: %w", name, err)
		}
		j.Data = b
	}
	return j, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

// ReminderPayload identifies the task a reminder job fires for.
type ReminderPayload struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
	LeadID string `json:"leadId,omitempty"`
}

// ReminderKey is the unique key shared by all reminder jobs of a task.
func ReminderKey(taskID string) string { return "reminder:" + taskID }

// RecurringKey is the unique key of a periodic job.
func RecurringKey(name string) string { return "recurring:" + name }
