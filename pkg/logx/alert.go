package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize = 128
	alertMaxLen    = 3500
	alertTimeout   = 10 * time.Second
)

// alertPump is a zerolog.LevelWriter that hands lines at or above minLevel
// to an AlertSink from a single goroutine. Lines that arrive while the
// queue is full are counted and reported with the next delivered alert.
type alertPump struct {
	sink  AlertSink
	queue chan string
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	minLevel atomic.Int32
	dropped  atomic.Int64

	mu      sync.Mutex
	limiter *rate.Limiter
}

func startAlertPump(sink AlertSink) *alertPump {
	p := &alertPump{
		sink:    sink,
		queue:   make(chan string, alertQueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	p.minLevel.Store(int32(zerolog.WarnLevel))
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *alertPump) configure(cfg AlertConfig) {
	p.minLevel.Store(int32(parseLevel(cfg.MinLevel, zerolog.WarnLevel)))
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	p.mu.Lock()
	p.limiter.SetLimit(rate.Limit(perSec))
	p.limiter.SetBurst(perSec)
	p.mu.Unlock()
}

func (p *alertPump) Write(b []byte) (int, error) { return len(b), nil }

func (p *alertPump) WriteLevel(level zerolog.Level, b []byte) (int, error) {
	if int32(level) < p.minLevel.Load() || level == zerolog.NoLevel {
		return len(b), nil
	}
	text := FormatAlert(b)
	select {
	case p.queue <- text:
	case <-p.done:
	default:
		p.dropped.Add(1)
	}
	return len(b), nil
}

func (p *alertPump) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case text := <-p.queue:
			p.deliver(text)
		}
	}
}

func (p *alertPump) deliver(text string) {
	p.mu.Lock()
	lim := p.limiter
	p.mu.Unlock()
	if !lim.Allow() {
		p.dropped.Add(1)
		return
	}
	if n := p.dropped.Swap(0); n > 0 {
		text += fmt.Sprintf("\n(%d earlier alerts dropped)", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	// The sink may log; that goes through the root logger but never blocks here.
	_ = p.sink.Alert(ctx, truncate(text, alertMaxLen))
}

func (p *alertPump) stop() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

// FormatAlert renders one JSON log line as a short human message:
// "[LEVEL] message" followed by one "- key=value" line per remaining field,
// sorted by key. Input that is not a JSON object is returned trimmed.
func FormatAlert(line []byte) string {
	raw := strings.TrimSpace(string(line))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return raw
	}

	level := strings.ToUpper(fmt.Sprint(m[zerolog.LevelFieldName]))
	msg, _ := m[zerolog.MessageFieldName].(string)
	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.CallerFieldName} {
		delete(m, k)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%v", k, m[k])
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
