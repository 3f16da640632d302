package eventbus

import "time"

// Job lifecycle event types published by the dispatcher.
const (
	JobClaimed   = "job.claimed"
	JobReclaimed = "job.reclaimed"
	JobCompleted = "job.completed"
	JobRetry     = "job.retry"
	JobDead      = "job.dead"
	JobTimeout   = "job.timeout"

	DeliveryQueued  = "delivery.queued"
	DeliverySent    = "delivery.sent"
	DeliveryFailed  = "delivery.failed"
	DeliveryDeduped = "delivery.deduped"

	ConfigReloaded = "config.reloaded"
)

// JobEvent is the Data payload of job.* events.
type JobEvent struct {
	JobID     string
	Name      string
	UniqueKey string
	FailCount int
	Reclaims  int
	Duration  time.Duration
	Error     string
	RetryAt   time.Time
}

// DeliveryEvent is the Data payload of delivery.* events.
type DeliveryEvent struct {
	Kind    string
	To      string
	DedupID string
	Attempt int
	Error   string
}
