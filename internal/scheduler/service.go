package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"leadpulse/internal/dispatcher"
	"leadpulse/internal/eventbus"
	"leadpulse/internal/jobs"
	"leadpulse/internal/storage"
	logx "leadpulse/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	store storage.Store
	reg   *dispatcher.Registry
	disp  *dispatcher.Service
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, store storage.Store, reg *dispatcher.Registry, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if store == nil {
		return nil, errors.New("scheduler: store required")
	}
	if reg == nil {
		reg = dispatcher.NewRegistry()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if _, err := jobs.LoadLocation(cfg.Timezone); err != nil {
		return nil, err
	}
	now := cfg.Dispatcher.Now
	if now == nil {
		now = time.Now
	}
	cfg.Dispatcher.Now = now
	return &Service{
		cfg:   cfg,
		store: store,
		reg:   reg,
		disp:  dispatcher.New(cfg.Dispatcher, store, reg, log, bus),
		log:   log.With(logx.String("comp", "scheduler")),
		now:   now,
	}, nil
}

// Healthy reports whether the poll loop is alive.
func (s *Service) Healthy() bool { return s.disp.Healthy() }

// Dispatcher exposes the underlying poll loop.
func (s *Service) Dispatcher() *dispatcher.Service { return s.disp }

func (s *Service) timezone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.cfg.Timezone)
}

// periodic merges configured schedules over the defaults.
func (s *Service) periodic() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := DefaultPeriodic()
	for name, spec := range s.cfg.Periodic {
		out[name] = strings.TrimSpace(spec)
	}
	return out
}

// Apply swaps the timezone and periodic schedules and re-registers the
// periodic jobs. Dispatcher settings only take effect on restart.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if _, err := jobs.LoadLocation(cfg.Timezone); err != nil {
		return err
	}
	s.mu.Lock()
	cfg.Dispatcher = s.cfg.Dispatcher
	s.cfg = cfg
	s.mu.Unlock()
	return s.EnsureAll(ctx)
}

// Start registers the periodic jobs and starts the dispatcher.
func (s *Service) Start(ctx context.Context) error {
	if err := s.EnsureAll(ctx); err != nil {
		return err
	}
	s.disp.Start(ctx)
	return nil
}

// Stop stops the dispatcher, waiting for in-flight runs until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	return s.disp.Stop(ctx)
}

// ScheduleReminder schedules the reminder for a task at the given time. Any
// pending reminder for the same task is cancelled in the same write, so a
// task has at most one live reminder. A time in the past fires on the next
// poll.
func (s *Service) ScheduleReminder(ctx context.Context, taskID, userID, leadID string, at time.Time) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", fmt.Errorf("%w: task id required", storage.ErrInvalid)
	}
	if at.IsZero() {
		return "", fmt.Errorf("%w: reminder time required", storage.ErrInvalid)
	}
	j, err := jobs.New(jobs.NameTaskReminder, at, jobs.ReminderPayload{TaskID: taskID, UserID: userID, LeadID: leadID})
	if err != nil {
		return "", err
	}
	j.UniqueKey = jobs.ReminderKey(taskID)
	out, err := s.store.Enqueue(ctx, j, s.now())
	if err != nil {
		return "", fmt.Errorf("schedule reminder for task %s: %w", taskID, err)
	}
	s.log.Debug("reminder scheduled", logx.String("task_id", taskID), logx.String("job_id", out.ID), logx.Time("at", out.ScheduledAt))
	if !out.ScheduledAt.After(s.now()) {
		s.disp.Wake()
	}
	return out.ID, nil
}

// CancelReminder cancels a pending reminder job. It reports false when the
// job is unknown, already running or finished.
func (s *Service) CancelReminder(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.store.Cancel(ctx, jobID, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Debug("reminder cancelled", logx.String("job_id", jobID))
	}
	return ok, nil
}

// CancelTaskReminder cancels whatever reminder is pending for a task.
func (s *Service) CancelTaskReminder(ctx context.Context, taskID string) (bool, error) {
	return s.store.CancelByKey(ctx, jobs.ReminderKey(taskID), s.now())
}

// EnsurePeriodic registers name to run on schedule. Calling it again with
// the same schedule changes nothing; a different schedule replaces the rule
// of the existing job and moves its next run.
func (s *Service) EnsurePeriodic(ctx context.Context, name, schedule string) (jobs.Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return jobs.Job{}, fmt.Errorf("%w: name required", storage.ErrInvalid)
	}
	rec, err := jobs.NewRecurrence(schedule, s.timezone())
	if err != nil {
		return jobs.Job{}, fmt.Errorf("periodic %s: %w", name, err)
	}
	next, err := rec.Next(s.now())
	if err != nil {
		return jobs.Job{}, fmt.Errorf("periodic %s: %w", name, err)
	}
	j := jobs.Job{
		ID:          jobs.NewID(),
		Name:        name,
		UniqueKey:   jobs.RecurringKey(name),
		ScheduledAt: next,
		NextRunAt:   jobs.TimePtr(next),
		State:       jobs.StatePending,
		Recurrence:  rec,
	}
	out, err := s.store.UpsertRecurring(ctx, j, s.now())
	if err != nil {
		return jobs.Job{}, fmt.Errorf("periodic %s: %w", name, err)
	}
	return out, nil
}

// DisablePeriodic cancels the pending run of a periodic job.
func (s *Service) DisablePeriodic(ctx context.Context, name string) (bool, error) {
	return s.store.CancelByKey(ctx, jobs.RecurringKey(name), s.now())
}

// EnsureAll registers every configured periodic job that has a handler.
func (s *Service) EnsureAll(ctx context.Context) error {
	sched := s.periodic()
	names := make([]string, 0, len(sched))
	for name := range sched {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		spec := sched[name]
		if _, ok := s.reg.Lookup(name); !ok {
			s.log.Debug("periodic job has no handler; skipped", logx.String("job", name))
			continue
		}
		if disabled(strings.ToLower(spec)) {
			if ok, err := s.DisablePeriodic(ctx, name); err != nil {
				errs = append(errs, err)
			} else if ok {
				s.log.Info("periodic job disabled", logx.String("job", name))
			}
			continue
		}
		j, err := s.EnsurePeriodic(ctx, name, spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Debug("periodic job registered", logx.String("job", name), logx.String("spec", j.Recurrence.Spec), logx.Time("next", j.ScheduledAt))
	}
	return errors.Join(errs...)
}

// Job returns one job by id.
func (s *Service) Job(ctx context.Context, id string) (jobs.Job, error) {
	return s.store.Get(ctx, id)
}

// Jobs lists jobs matching f.
func (s *Service) Jobs(ctx context.Context, f storage.ListFilter) ([]jobs.Job, error) {
	return s.store.List(ctx, f)
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	tz := s.timezone()
	if tz == "" {
		tz = "UTC"
	}
	snap := Snapshot{Timezone: tz, Counts: counts, Dispatcher: s.disp.Snapshot()}

	sched := s.periodic()
	names := make([]string, 0, len(sched))
	for name := range sched {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := PeriodicInfo{Name: name, Spec: sched[name], Disabled: disabled(strings.ToLower(sched[name]))}
		live, err := s.store.List(ctx, storage.ListFilter{UniqueKey: jobs.RecurringKey(name)})
		if err != nil {
			return Snapshot{}, err
		}
		for _, j := range live {
			if j.State.Terminal() {
				continue
			}
			info.JobID, info.State, info.Next = j.ID, string(j.State), j.ScheduledAt
			if j.LastRunAt != nil {
				info.LastRun = *j.LastRunAt
			}
			break
		}
		snap.Periodic = append(snap.Periodic, info)
	}
	return snap, nil
}
