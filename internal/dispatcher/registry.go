package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"leadpulse/internal/jobs"
)

// HandlerFunc executes one claimed job. Handlers must be idempotent: a job
// can run again after a crash or lease expiry.
type HandlerFunc func(ctx context.Context, job jobs.Job) error

// HandlerOptions override dispatcher defaults for one job type.
type HandlerOptions struct {
	// Concurrency is the per-type ceiling; 0 uses Config.PerTypeLimit.
	Concurrency int
	// Timeout bounds one run; 0 uses Config.HandlerTimeout.
	Timeout time.Duration
}

type Handler struct {
	Name    string
	Fn      HandlerFunc
	Options HandlerOptions
}

// Registry maps job names to handlers.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Handler{}}
}

func (r *Registry) Register(name string, fn HandlerFunc, opts HandlerOptions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("handler name required")
	}
	if fn == nil {
		return fmt.Errorf("handler %s: nil func", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	r.m[name] = Handler{Name: name, Fn: fn, Options: opts}
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[name]
	return h, ok
}

// Names returns registered job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
