package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"leadpulse/internal/eventbus"
	rtsup "leadpulse/internal/runtime/supervisor"
	logx "leadpulse/pkg/logx"
)

type item struct {
	env Envelope
	// dedupKey is set when the envelope reserved a dedup slot.
	dedupKey string
}

// Service is an async delivery pipeline: queue, worker pool, rate limit,
// retry and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	transport Transport
	dedup     DedupStore
	bus       eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan item
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

var _ Sender = (*Service)(nil)

func New(cfg Config, transport Transport, dedup DedupStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if dedup == nil {
		dedup = NewMemoryDedup(0)
	}
	s := &Service{transport: transport, dedup: dedup, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps tunables. Worker count and queue size take effect on the next
// Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan item, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery is best-effort from the process point of view.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("delivery.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("delivery worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop closes intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes so workers can drain.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Deliver queues env. A duplicate within the dedup window is dropped and
// reported as success.
func (s *Service) Deliver(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	it := item{env: env}
	if window > 0 && env.DedupID != "" {
		ok, err := s.dedup.Reserve(ctx, env.DedupID, window)
		switch {
		case err != nil:
			s.log.Warn("dedup check failed; sending anyway", logx.String("dedup_id", env.DedupID), logx.Err(err))
		case !ok:
			s.publish(eventbus.DeliveryDeduped, env, 0, nil)
			return nil
		default:
			it.dedupKey = env.DedupID
		}
	}

	select {
	case q <- it:
		s.publish(eventbus.DeliveryQueued, env, 0, nil)
		return nil
	default:
		s.releaseDedup(it)
		s.publish(eventbus.DeliveryFailed, env, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem, limit int) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, it)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, it item) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	tr := s.transport
	s.mu.Unlock()

	if tr == nil {
		return
	}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := tr.Deliver(callCtx, it.env)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), Kind: it.env.Kind, To: recipientLabel(it.env.To), DedupID: it.env.DedupID}, cfg.HistorySize)
			s.publish(eventbus.DeliverySent, it.env, attempt, nil)
			return
		}
		lastErr = err
		s.log.Debug("delivery attempt failed", logx.String("kind", string(it.env.Kind)), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if isPermanent(err) || attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
			continue
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
		}
		break
	}

	// A later attempt of the same logical message must not be suppressed.
	s.releaseDedup(it)
	s.appendHistory(HistoryItem{At: time.Now(), Kind: it.env.Kind, To: recipientLabel(it.env.To), DedupID: it.env.DedupID, Error: lastErr.Error()}, cfg.HistorySize)
	s.log.Warn("delivery failed", logx.String("kind", string(it.env.Kind)), logx.String("to", recipientLabel(it.env.To)), logx.String("transport", tr.Name()), logx.Err(lastErr))
	s.publish(eventbus.DeliveryFailed, it.env, maxAttempts, lastErr)
}

func (s *Service) releaseDedup(it item) {
	if it.dedupKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.dedup.Release(ctx, it.dedupKey); err != nil {
		s.log.Warn("dedup release failed", logx.String("dedup_id", it.dedupKey), logx.Err(err))
	}
}

func (s *Service) publish(typ string, env Envelope, attempt int, err error) {
	ev := eventbus.DeliveryEvent{Kind: string(env.Kind), To: recipientLabel(env.To), DedupID: env.DedupID, Attempt: attempt}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), jittered
// to 0.7..1.3 and capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
