package dispatcher

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// gates enforces the global and per-type concurrency ceilings. Permits are
// taken before claiming and held until the run is finished, so limits hold
// across ticks.
type gates struct {
	global      *semaphore.Weighted
	globalLimit int
	globalUsed  atomic.Int64

	mu    sync.Mutex
	types map[string]*typeGate
}

type typeGate struct {
	sem   *semaphore.Weighted
	limit int
	used  atomic.Int64
}

func newGates(globalLimit int) *gates {
	return &gates{
		global:      semaphore.NewWeighted(int64(globalLimit)),
		globalLimit: globalLimit,
		types:       map[string]*typeGate{},
	}
}

// typeGate returns the gate for name. The limit of the first call wins;
// resizing a live semaphore is not supported.
func (g *gates) typeGate(name string, limit int) *typeGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	tg := g.types[name]
	if tg == nil {
		if limit <= 0 {
			limit = 1
		}
		tg = &typeGate{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
		g.types[name] = tg
	}
	return tg
}

// reserve takes up to want permits from both the type gate and the global
// gate and reports how many it got.
func (g *gates) reserve(name string, limit, want int) int {
	tg := g.typeGate(name, limit)
	got := 0
	for got < want {
		if !tg.sem.TryAcquire(1) {
			break
		}
		if !g.global.TryAcquire(1) {
			tg.sem.Release(1)
			break
		}
		got++
	}
	tg.used.Add(int64(got))
	g.globalUsed.Add(int64(got))
	return got
}

func (g *gates) release(name string, n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	tg := g.types[name]
	g.mu.Unlock()
	if tg != nil {
		tg.used.Add(-int64(n))
		tg.sem.Release(int64(n))
	}
	g.globalUsed.Add(-int64(n))
	g.global.Release(int64(n))
}

func (g *gates) globalFree() int {
	return g.globalLimit - int(g.globalUsed.Load())
}

func (g *gates) inUse() (int, map[string]int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	per := make(map[string]int, len(g.types))
	for name, tg := range g.types {
		if n := int(tg.used.Load()); n > 0 {
			per[name] = n
		}
	}
	return int(g.globalUsed.Load()), per
}
