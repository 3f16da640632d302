// Package scheduler is the entry point other components use to put work on
// the job store: one-shot task reminders and named periodic jobs.
//
// It owns the dispatcher that executes the jobs. Scheduling itself is only
// a store write, so it works whether or not the dispatcher is running; the
// next poll after Start picks everything up.
package scheduler
