package storage

import (
	"context"
	"errors"
	"time"

	"leadpulse/internal/jobs"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrClaimLost means the caller no longer owns the run: the lease was
	// reclaimed or the job was finished by someone else.
	ErrClaimLost = errors.New("job claim lost")
	ErrInvalid   = errors.New("invalid job")
)

// Config configures the job store.
type Config struct {
	Driver      string        // memory | file | sqlite | postgres
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int32         // postgres pool size; 0 means pgx default
}

// ClaimRequest selects due work for one poll.
type ClaimRequest struct {
	Now   time.Time
	Limit int
	// Lease is how long a running job may stay locked before it is
	// considered abandoned and becomes claimable again.
	Lease time.Duration
	// Name restricts the claim to one job type. Empty means any.
	Name string
}

// Failure describes a failed run.
type Failure struct {
	Reason      string
	Now         time.Time
	RetryAt     time.Time
	MaxFailures int
	// MaxDeadRuns parks a recurring job as failed after this many
	// consecutive exhausted occurrences. 0 keeps rolling over forever.
	MaxDeadRuns int
	// Final skips remaining retries.
	Final bool
}

// FailResult reports where a failed job ended up.
type FailResult struct {
	Job jobs.Job
	// Exhausted is true when the failure was permanent: the job is now
	// failed, or for recurring jobs, rolled over to its next occurrence.
	Exhausted bool
	// Superseded is true when a retry was due but another pending job
	// already held the same UniqueKey; the failed run ended as cancelled.
	Superseded bool
}

type ListFilter struct {
	State     jobs.State
	Name      string
	UniqueKey string
	Limit     int
}

// Store is the persistence API used by the dispatcher and scheduler.
type Store interface {
	// Enqueue inserts a pending job. When the job has a UniqueKey, any
	// pending job with the same key is cancelled in the same write.
	// now stamps CreatedAt and the replaced job's FinishedAt.
	Enqueue(ctx context.Context, j jobs.Job, now time.Time) (jobs.Job, error)
	// UpsertRecurring registers a periodic job keyed by its UniqueKey,
	// updating the rule of an existing live job instead of duplicating it.
	UpsertRecurring(ctx context.Context, j jobs.Job, now time.Time) (jobs.Job, error)
	ClaimDue(ctx context.Context, req ClaimRequest) ([]jobs.Job, error)
	// Complete and Fail never leave two pending jobs with one UniqueKey:
	// a run whose key was re-enqueued meanwhile does not go back to pending.
	Complete(ctx context.Context, id, token string, now time.Time) (jobs.Job, error)
	Fail(ctx context.Context, id, token string, f Failure) (FailResult, error)
	// Cancel moves a pending job to cancelled. It reports false for
	// unknown or non-pending jobs.
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	CancelByKey(ctx context.Context, key string, now time.Time) (bool, error)
	Get(ctx context.Context, id string) (jobs.Job, error)
	List(ctx context.Context, f ListFilter) ([]jobs.Job, error)
	Counts(ctx context.Context) (map[jobs.State]int, error)
	// Purge deletes terminal jobs finished before the cutoff.
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

var (
	ErrClosed      = errors.New("store closed")
	ErrDuplicateID = errors.New("job id already exists")
)
