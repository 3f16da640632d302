package app

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"leadpulse/internal/config"
	"leadpulse/internal/jobs"
)

func TestMappersApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Dispatcher: config.DispatcherConfig{Lease: "5m", GlobalLimit: 4},
		Handlers:   config.HandlersConfig{ColdAfter: "72h", StuckStatuses: []string{" proposal "}},
		HTTP:       config.HTTPConfig{Addr: " :9090 "},
	}
	sc, err := mapScheduler(cfg)
	if err != nil {
		t.Fatalf("mapScheduler: %v", err)
	}
	if sc.Dispatcher.Lease != 5*time.Minute || sc.Dispatcher.GlobalLimit != 4 || sc.Dispatcher.PollInterval != 0 {
		t.Fatalf("dispatcher = %+v", sc.Dispatcher)
	}
	hc, err := mapHandlers(cfg)
	if err != nil {
		t.Fatalf("mapHandlers: %v", err)
	}
	if hc.ColdAfter != 72*time.Hour || len(hc.StuckStatuses) != 1 || hc.StuckStatuses[0] != "proposal" {
		t.Fatalf("handlers = %+v", hc)
	}
	dc, err := mapDelivery(cfg)
	if err != nil || !dc.Enabled {
		t.Fatalf("delivery enabled by default: %+v %v", dc, err)
	}
	off := false
	cfg.Delivery.Enabled = &off
	if dc, _ := mapDelivery(cfg); dc.Enabled {
		t.Fatalf("explicit disable ignored")
	}
	srv, _, err := mapServer(cfg)
	if err != nil || srv.Addr != ":9090" || srv.ShutdownTimeout != 10*time.Second {
		t.Fatalf("server = %+v %v", srv, err)
	}
}

func TestCheckMappingsRejectsBadDuration(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Handlers: config.HandlersConfig{WeeklyWindow: "a week"}}
	if err := checkMappings(cfg); err == nil || !strings.Contains(err.Error(), "handlers.weekly_window") {
		t.Fatalf("err = %v", err)
	}
}

func TestAppStartStop(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: "error"},
		Scheduler: config.SchedulerConfig{
			Timezone: "UTC",
			Periodic: map[string]string{jobs.NameWeeklyReport: "off"},
		},
		HTTP: config.HTTPConfig{Enabled: true, Addr: "127.0.0.1:0", JWTSecret: "test"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewWithConfig(ctx, nil, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Healthy() {
		t.Fatalf("not healthy after start")
	}

	snap, err := a.Scheduler().Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	registered := map[string]bool{}
	for _, p := range snap.Periodic {
		if p.JobID != "" {
			registered[p.Name] = true
		}
	}
	if !registered[jobs.NameOverdueScan] || !registered[jobs.NameMessageDispatch] {
		t.Fatalf("periodic jobs not registered: %+v", snap.Periodic)
	}
	if registered[jobs.NameWeeklyReport] {
		t.Fatalf("disabled job registered")
	}

	select {
	case <-a.HTTP().Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("http never listened")
	}
	resp, err := http.Get("http://" + a.HTTP().Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}
