package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"leadpulse/internal/alerts"
	"leadpulse/internal/config"
	"leadpulse/internal/delivery"
	"leadpulse/internal/dispatcher"
	"leadpulse/internal/eventbus"
	"leadpulse/internal/handlers"
	"leadpulse/internal/httpapi"
	"leadpulse/internal/records"
	rtsup "leadpulse/internal/runtime/supervisor"
	"leadpulse/internal/scheduler"
	"leadpulse/internal/storage"
	"leadpulse/internal/tasks"
	logx "leadpulse/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	records records.Store
	redis   *redis.Client
	tg      *delivery.Telegram

	delivery  *delivery.Service
	handlers  *handlers.Set
	sched     *scheduler.Service
	lifecycle *tasks.Lifecycle
	http      *httpapi.Server

	amu    sync.Mutex
	alerts *alerts.Forwarder
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfgm, cfg)
}

// NewWithConfig wires the app from an already loaded config. On error every
// resource opened so far is closed.
func NewWithConfig(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	if err := checkMappings(cfg); err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	// The telegram client is offline (no polling), so building it is cheap
	// and needs no network.
	var sink logx.AlertSink
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		tg, err := delivery.NewTelegram(tok, cfg.Telegram.AlertChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		if cfg.Telegram.AlertChatID != 0 {
			sink = tg
		}
	}

	logSvc, log := logx.New(mapLogging(cfg), sink)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	sc, _ := mapStorage(cfg)
	a.store, err = storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	a.log.Info("job store ready", logx.String("driver", firstNonEmpty(sc.Driver, "memory")))

	switch d := strings.ToLower(strings.TrimSpace(cfg.Records.Driver)); d {
	case "", "memory":
		a.records = records.NewMemory()
		a.log.Warn("record store is in-memory; CRM data is not persisted")
	default:
		pg, err := records.OpenPostgres(ctx, cfg.Records.DSN, log.With(logx.String("comp", "records")))
		if err != nil {
			return nil, fmt.Errorf("open record store: %w", err)
		}
		a.records = pg
	}

	transport, err := a.buildTransport(cfg, log)
	if err != nil {
		return nil, err
	}
	dedup, err := a.buildDedup(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dc, _ := mapDelivery(cfg)
	a.delivery = delivery.New(dc, transport, dedup, log.With(logx.String("comp", "delivery")), a.bus)

	hc, _ := mapHandlers(cfg)
	a.handlers, err = handlers.New(hc, handlers.Deps{
		Records: a.records,
		Sender:  a.delivery,
		Jobs:    a.store,
		Log:     log.With(logx.String("comp", "handlers")),
	})
	if err != nil {
		return nil, err
	}
	reg := dispatcher.NewRegistry()
	if err := a.handlers.Register(reg); err != nil {
		return nil, err
	}

	schc, _ := mapScheduler(cfg)
	a.sched, err = scheduler.New(schc, a.store, reg, log.With(logx.String("comp", "scheduler")), a.bus)
	if err != nil {
		return nil, err
	}
	a.lifecycle = tasks.New(a.records, a.sched, nil, log, nil)

	var alertSink logx.AlertSink
	if a.tg != nil && cfg.Telegram.AlertChatID != 0 {
		alertSink = a.tg
	}
	a.alerts = alerts.New(mapAlerts(cfg), alertSink, a.bus, log)

	if cfg.HTTP.Enabled {
		srvCfg, opts, _ := mapServer(cfg)
		router := httpapi.NewRouter(a.sched, a.lifecycle, httpapi.NewJWT(cfg.HTTP.JWTSecret), log.With(logx.String("comp", "http")), opts)
		a.http = httpapi.NewServer(srvCfg, router, log)
	}
	return a, nil
}

func (a *App) buildTransport(cfg *config.Config, log logx.Logger) (delivery.Transport, error) {
	switch t := strings.ToLower(strings.TrimSpace(cfg.Delivery.Transport)); t {
	case "", "log":
		return delivery.LogTransport{Log: log.With(logx.String("comp", "delivery.log"))}, nil
	case "webhook":
		var d config.Durations
		timeout := d.Get("delivery.webhook.timeout", cfg.Delivery.Webhook.Timeout, 10*time.Second)
		if err := d.Err(); err != nil {
			return nil, err
		}
		return delivery.NewWebhook(cfg.Delivery.Webhook.URL, cfg.Delivery.Webhook.Secret, timeout), nil
	case "telegram":
		if a.tg == nil {
			return nil, fmt.Errorf("delivery.transport=telegram needs telegram.token")
		}
		return a.tg, nil
	default:
		return nil, fmt.Errorf("unknown delivery.transport: %s", t)
	}
}

func (a *App) buildDedup(ctx context.Context, cfg *config.Config) (delivery.DedupStore, error) {
	dd := cfg.Delivery.Dedup
	if !strings.EqualFold(strings.TrimSpace(dd.Driver), "redis") {
		return delivery.NewMemoryDedup(dd.MaxEntries), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rdb, err := delivery.DialRedis(dialCtx, dd.RedisAddr, dd.RedisPass, dd.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("redis dedup: %w", err)
	}
	a.redis = rdb
	return delivery.NewRedisDedup(rdb, dd.Prefix), nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Healthy reports whether the app is running without a fatal error.
func (a *App) Healthy() bool {
	return a.sup != nil && a.sup.Context().Err() == nil && a.sched.Healthy()
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Tasks() *tasks.Lifecycle       { return a.lifecycle }
func (a *App) Records() records.Store        { return a.records }
func (a *App) HTTP() *httpapi.Server         { return a.http }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return checkMappings(cfg)
		})
	}

	a.delivery.Start(run)
	a.alerts.Start(run)
	if err := a.sched.Start(run); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.http != nil {
		a.http.Start(run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil && a.cfgm.Path() != "" {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a committed config into the running components.
// Sections wired at startup only produce a warning.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))

	if hc, err := mapHandlers(newCfg); err != nil {
		a.log.Warn("invalid handlers config; keeping previous", logx.Err(err))
	} else if err := a.handlers.Apply(hc); err != nil {
		a.log.Warn("handlers config rejected", logx.Err(err))
	}

	if dc, err := mapDelivery(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.delivery.Enabled()
		a.delivery.Apply(dc)
		switch {
		case wasEnabled && !dc.Enabled:
			a.log.Info("delivery disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.delivery.Stop(stopCtx)
			cancel()
		case !wasEnabled && dc.Enabled:
			a.log.Info("delivery enabled via config")
			a.delivery.Start(ctx)
		}
	}

	if sc, err := mapScheduler(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(ctx, sc); err != nil {
		a.log.Warn("scheduler config rejected", logx.Err(err))
	}

	if oldCfg == nil || oldCfg.Alerts != newCfg.Alerts {
		a.restartAlerts(ctx, newCfg)
	}

	a.log.Info("config reloaded", fields...)
}

// restartAlerts swaps the forwarder for one built from cfg. The telegram
// client itself is fixed at startup.
func (a *App) restartAlerts(ctx context.Context, cfg *config.Config) {
	var sink logx.AlertSink
	if a.tg != nil && cfg.Telegram.AlertChatID != 0 {
		sink = a.tg
	}
	next := alerts.New(mapAlerts(cfg), sink, a.bus, a.log)

	a.amu.Lock()
	defer a.amu.Unlock()
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = a.alerts.Stop(stopCtx)
	cancel()
	a.alerts = next
	if ctx.Err() == nil {
		a.alerts.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first, then the dispatcher so in-flight jobs can still hand
	// their sends to delivery, then delivery drains.
	step("http", 5*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	step("scheduler", 10*time.Second, a.sched.Stop)
	step("alerts", 1*time.Second, func(c context.Context) error {
		a.amu.Lock()
		defer a.amu.Unlock()
		return a.alerts.Stop(c)
	})
	step("delivery", 5*time.Second, func(c context.Context) error { a.delivery.Stop(c); return nil })
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("job store close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			a.log.Warn("record store close failed", logx.Err(err))
		}
		a.records = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
