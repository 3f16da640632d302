// Package alerts forwards permanent job failures to an operator channel.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"leadpulse/internal/eventbus"
	rtsup "leadpulse/internal/runtime/supervisor"
	logx "leadpulse/pkg/logx"
)

type Config struct {
	Enabled bool
	// PerMinute and Burst bound how many alerts reach the sink.
	PerMinute int
	Burst     int
	// Events are bus event type prefixes to forward; empty means job.dead.
	Events []string
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = 6
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if len(c.Events) == 0 {
		c.Events = []string{eventbus.JobDead}
	}
	return c
}

type Forwarder struct {
	cfg  Config
	sink logx.AlertSink
	bus  eventbus.Bus
	log  logx.Logger
	lim  *rate.Limiter

	mu         sync.Mutex
	sup        *rtsup.Supervisor
	suppressed int
}

// New builds a forwarder. sink may be nil, in which case events are only
// logged.
func New(cfg Config, sink logx.AlertSink, bus eventbus.Bus, log logx.Logger) *Forwarder {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Forwarder{
		cfg:  cfg,
		sink: sink,
		bus:  bus,
		log:  log.With(logx.String("comp", "alerts")),
		lim:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.Burst),
	}
}

func (f *Forwarder) Start(ctx context.Context) {
	if !f.cfg.Enabled {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sup != nil {
		return
	}
	ch, unsub := f.bus.Subscribe(64, f.cfg.Events...)
	f.sup = rtsup.New(ctx, rtsup.WithLogger(f.log))
	f.sup.Go("alerts.forward", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				f.handle(ctx, ev)
			}
		}
	})
}

func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	sup := f.sup
	f.sup = nil
	f.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (f *Forwarder) handle(ctx context.Context, ev eventbus.Event) {
	if f.sink == nil {
		return
	}
	if !f.lim.Allow() {
		f.mu.Lock()
		f.suppressed++
		f.mu.Unlock()
		return
	}
	f.mu.Lock()
	skipped := f.suppressed
	f.suppressed = 0
	f.mu.Unlock()

	text := Format(ev)
	if skipped > 0 {
		text += fmt.Sprintf("\n(%d earlier alerts suppressed)", skipped)
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := f.sink.Alert(sendCtx, text); err != nil {
		f.log.Error("alert not delivered", logx.String("event", ev.Type), logx.Err(err))
	}
}

// Format renders a bus event as alert text.
func Format(ev eventbus.Event) string {
	var b strings.Builder
	je, ok := ev.Data.(eventbus.JobEvent)
	if !ok {
		fmt.Fprintf(&b, "[ALERT] %s", ev.Type)
		if ev.Data != nil {
			fmt.Fprintf(&b, "\n- data=%v", ev.Data)
		}
		return b.String()
	}
	switch ev.Type {
	case eventbus.JobDead:
		fmt.Fprintf(&b, "[ALERT] job %s failed permanently", je.Name)
	default:
		fmt.Fprintf(&b, "[ALERT] %s: %s", ev.Type, je.Name)
	}
	fmt.Fprintf(&b, "\n- job_id=%s", je.JobID)
	if je.UniqueKey != "" {
		fmt.Fprintf(&b, "\n- key=%s", je.UniqueKey)
	}
	fmt.Fprintf(&b, "\n- attempts=%d", je.FailCount)
	if je.Reclaims > 0 {
		fmt.Fprintf(&b, "\n- reclaims=%d", je.Reclaims)
	}
	if je.Error != "" {
		fmt.Fprintf(&b, "\n- error=%s", truncate(je.Error, 600))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
