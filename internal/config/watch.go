package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "leadpulse/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherBroken = errors.New("config watcher broken")

// Watch reloads the config when its file changes, until ctx ends. The
// directory is watched rather than the file so atomic renames by editors
// are seen. A broken watcher is recreated after a jittered delay.
func (m *Manager) Watch(ctx context.Context) error {
	reload := newDebouncer(m.debounce, func() {
		if _, err := m.Reload(ctx); err != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		}
	})
	defer reload.stop()

	dir := filepath.Dir(m.path)
	delay := watchRetryMin
	for ctx.Err() == nil {
		err := m.watchDir(ctx, dir, reload.trigger)
		if err == nil {
			return nil
		}
		m.log.Warn("config watcher down; retrying", logx.String("dir", dir), logx.Err(err), logx.Duration("delay", delay))

		t := time.NewTimer(delay + rand.N(delay/2+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, watchRetryMax)
	}
	return nil
}

// watchDir runs one fsnotify watcher. It returns nil when ctx ends and an
// error when the watcher could not start or stopped delivering events.
func (m *Manager) watchDir(ctx context.Context, dir string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	name := filepath.Base(m.path)
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherBroken
			}
			if ev.Op&reloadOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				onChange()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return errWatcherBroken
			}
			if werr == nil {
				continue
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(werr))
				onChange()
				continue
			}
			if errors.Is(werr, fsnotify.ErrClosed) {
				return werr
			}
			m.log.Warn("config watch error", logx.Err(werr), logx.String("dir", dir))
		}
	}
}

// debouncer runs fn once, d after the most recent trigger.
type debouncer struct {
	d  time.Duration
	fn func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(d time.Duration, fn func()) *debouncer {
	return &debouncer{d: d, fn: fn}
}

func (b *debouncer) trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if b.timer != nil {
		b.timer.Reset(b.d)
		return
	}
	b.timer = time.AfterFunc(b.d, b.fn)
}

func (b *debouncer) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
}
