package scheduler

import (
	"time"

	"leadpulse/internal/dispatcher"
	"leadpulse/internal/jobs"
)

// Config controls the scheduler facade.
type Config struct {
	// Timezone is the IANA zone periodic schedules are evaluated in.
	Timezone string
	// Periodic maps a job name to its schedule string. An empty or "off"
	// schedule disables the job.
	Periodic   map[string]string
	Dispatcher dispatcher.Config
}

// DefaultPeriodic returns the built-in schedules for the periodic jobs.
func DefaultPeriodic() map[string]string {
	return map[string]string{
		jobs.NameOverdueScan:         "0 9 * * *",
		jobs.NameDailySummary:        "0 8 * * *",
		jobs.NameRecoveryScan:        "0 10 * * *",
		jobs.NameWeeklyReport:        "0 9 * * 1",
		jobs.NameMessageDispatch:     "@every 1m",
		jobs.NameNotificationCleanup: "0 3 * * *",
		jobs.NameJobRetention:        "0 4 * * *",
	}
}

type PeriodicInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	JobID    string    `json:"job_id,omitempty"`
	State    string    `json:"state,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Disabled bool      `json:"disabled,omitempty"`
}

type Snapshot struct {
	Timezone   string              `json:"timezone"`
	Counts     map[jobs.State]int  `json:"counts"`
	Periodic   []PeriodicInfo      `json:"periodic"`
	Dispatcher dispatcher.Snapshot `json:"dispatcher"`
}

func disabled(spec string) bool {
	switch spec {
	case "", "off", "disabled", "-":
		return true
	}
	return false
}
