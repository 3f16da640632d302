// Package dispatcher polls the job store for due work and runs it through
// registered handlers under global and per-type concurrency ceilings.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"leadpulse/internal/eventbus"
	rtsup "leadpulse/internal/runtime/supervisor"
	"leadpulse/internal/storage"
	"leadpulse/pkg/logx"
)

type Config struct {
	PollInterval   time.Duration
	GlobalLimit    int
	PerTypeLimit   int
	Lease          time.Duration
	HandlerTimeout time.Duration
	MaxFailures    int

	// RecurringMaxDeadRuns parks a periodic job as failed after this many
	// consecutive occurrences exhausted their retries.
	RecurringMaxDeadRuns int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int

	// MaxLoopRestarts bounds how often a crashing poll loop is restarted
	// before the dispatcher reports itself unhealthy. RestartBackoff is the
	// first delay between restarts.
	MaxLoopRestarts int
	RestartBackoff  time.Duration

	// Now is the dispatcher clock; nil means time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 20
	}
	if c.PerTypeLimit <= 0 {
		c.PerTypeLimit = 5
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.RecurringMaxDeadRuns <= 0 {
		c.RecurringMaxDeadRuns = 5
	}
	c.Lease = max(c.Lease, minLease(c.HandlerTimeout))
	if c.MaxLoopRestarts <= 0 {
		c.MaxLoopRestarts = 10
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// minLease is the shortest lease that outlives a run bounded by timeout,
// including the write that records its outcome.
func minLease(timeout time.Duration) time.Duration {
	return timeout + finalizeTimeout + time.Second
}

type HistoryItem struct {
	JobID    string        `json:"job_id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"` // completed | retry | superseded | dead | abandoned | lost
	Error    string        `json:"error,omitempty"`
}

type Counters struct {
	Claimed    uint64 `json:"claimed"`
	Reclaimed  uint64 `json:"reclaimed"`
	Completed  uint64 `json:"completed"`
	Retried    uint64 `json:"retried"`
	Superseded uint64 `json:"superseded"`
	Dead       uint64 `json:"dead"`
	Timeouts   uint64 `json:"timeouts"`
	Lost       uint64 `json:"lost"`
}

type Snapshot struct {
	Running      bool           `json:"running"`
	PollInterval time.Duration  `json:"poll_interval"`
	GlobalLimit  int            `json:"global_limit"`
	PerTypeLimit int            `json:"per_type_limit"`
	InFlight     int            `json:"in_flight"`
	PerType      map[string]int `json:"per_type"`
	Counters     Counters       `json:"counters"`
	LastTick     time.Time      `json:"last_tick"`
	LastTickErr  string         `json:"last_tick_err,omitempty"`
	History      []HistoryItem  `json:"history"`
}

// Service is the poll loop.
type Service struct {
	cfg   Config
	store storage.Store
	reg   *Registry
	log   logx.Logger
	bus   eventbus.Bus
	gates *gates

	// Handlers run under baseCtx so a tick's context ending does not
	// cancel work it dispatched.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	wake     chan struct{}
	rr       int
	lastTick time.Time
	lastErr  string

	claimed, reclaimed, completed, retried, superseded, dead, timeouts, lost atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, store storage.Store, reg *Registry, log logx.Logger, bus eventbus.Bus) *Service {
	asked := cfg.Lease
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if asked > 0 && asked < cfg.Lease {
		log.Warn("dispatcher lease raised above handler timeout", logx.Duration("configured", asked), logx.Duration("lease", cfg.Lease))
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		store:      store,
		reg:        reg,
		log:        log.With(logx.String("comp", "dispatcher")),
		bus:        bus,
		gates:      newGates(cfg.GlobalLimit),
		baseCtx:    base,
		baseCancel: cancel,
		wake:       make(chan struct{}, 1),
	}
}

func (s *Service) Config() Config { return s.cfg }

// Start runs the poll loop under a supervisor until Stop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if s.baseCtx.Err() != nil {
		s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(true))
	s.sup.GoRestart("poll", s.loop,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(s.cfg.RestartBackoff, time.Minute),
		rtsup.WithMaxRestarts(s.cfg.MaxLoopRestarts))
	s.log.Info("dispatcher started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Int("global_limit", s.cfg.GlobalLimit),
		logx.Int("per_type_limit", s.cfg.PerTypeLimit),
		logx.Any("handlers", s.reg.Names()))
}

// Stop halts polling and waits for in-flight runs until ctx ends. Runs
// still going after that are cancelled and left to lease reclaim.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}

	if err := s.Wait(ctx); err != nil {
		s.mu.Lock()
		s.baseCancel()
		s.mu.Unlock()
		in, _ := s.gates.inUse()
		s.log.Warn("dispatcher stop timed out; abandoning runs to lease reclaim", logx.Int("in_flight", in))
		return err
	}
	s.log.Info("dispatcher stopped")
	return nil
}

// Healthy reports whether the poll loop is running. It turns false once a
// crashing loop used up its restarts.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup != nil && sup.Context().Err() == nil
}

// Wake requests an immediate tick.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("tick failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-s.wake:
		}
	}
}

// Tick claims due jobs for each registered type, up to the free capacity,
// and starts them without waiting. It returns the number dispatched.
func (s *Service) Tick(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	names := s.reg.Names()

	s.mu.Lock()
	offset := 0
	if len(names) > 0 {
		offset = s.rr % len(names)
		s.rr++
	}
	s.mu.Unlock()

	var errs []error
	dispatched := 0
	for i := range names {
		if s.gates.globalFree() <= 0 {
			break
		}
		name := names[(offset+i)%len(names)]
		h, ok := s.reg.Lookup(name)
		if !ok {
			continue
		}
		n, err := s.dispatchType(ctx, h, now)
		dispatched += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	err := errors.Join(errs...)
	s.mu.Lock()
	s.lastTick = now
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	if dispatched > 0 {
		s.log.Debug("tick dispatched", logx.Int("jobs", dispatched))
	}
	return dispatched, err
}

func (s *Service) timeoutFor(h Handler) time.Duration {
	if h.Options.Timeout > 0 {
		return h.Options.Timeout
	}
	return s.cfg.HandlerTimeout
}

// leaseFor stretches the configured lease for handlers whose own timeout
// would outlast it.
func (s *Service) leaseFor(h Handler) time.Duration {
	return max(s.cfg.Lease, minLease(s.timeoutFor(h)))
}

func (s *Service) dispatchType(ctx context.Context, h Handler, now time.Time) (int, error) {
	limit := h.Options.Concurrency
	if limit <= 0 {
		limit = s.cfg.PerTypeLimit
	}
	held := s.gates.reserve(h.Name, limit, limit)
	if held == 0 {
		return 0, nil
	}
	claimed, err := s.store.ClaimDue(ctx, storage.ClaimRequest{Now: now, Limit: held, Lease: s.leaseFor(h), Name: h.Name})
	s.gates.release(h.Name, held-len(claimed))
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	for _, j := range claimed {
		s.claimed.Add(1)
		ev := eventbus.Event{Type: eventbus.JobClaimed, Time: now, Data: jobEvent(j)}
		if j.Reclaimed {
			s.reclaimed.Add(1)
			ev.Type = eventbus.JobReclaimed
			s.log.Warn("reclaimed job with expired lease", logx.String("job_id", j.ID), logx.String("job", j.Name), logx.Int("reclaims", j.Reclaims))
		}
		s.bus.Publish(ev)
		s.inflight.Add(1)
		go s.run(base, h, j)
	}
	return len(claimed), nil
}
