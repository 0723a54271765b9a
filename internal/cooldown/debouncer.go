package cooldown

import (
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// Debouncer coalesces bursts of events per path into one trailing call.
type Debouncer struct {
	window time.Duration
	timers domain.TimerService

	mu      sync.Mutex
	pending map[string]*pendingCall
	seq     uint64 // never reused, so a late timer cannot match a newer call
	stopped bool
}

type pendingCall struct {
	timer domain.Timer
	gen   uint64
}

// NewDebouncer creates a trailing debouncer.
func NewDebouncer(window time.Duration, timers domain.TimerService) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{window: window, timers: timers, pending: make(map[string]*pendingCall)}
}

// Trigger schedules fn for path after the window, replacing any pending call.
func (d *Debouncer) Trigger(path string, fn func()) {
	k := key(path)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if prev, ok := d.pending[k]; ok {
		prev.timer.Stop()
	}
	d.seq++
	gen := d.seq
	call := &pendingCall{gen: gen}
	call.timer = d.timers.AfterFunc(d.window, func() {
		d.mu.Lock()
		cur, ok := d.pending[k]
		if !ok || cur.gen != gen {
			d.mu.Unlock()
			return
		}
		delete(d.pending, k)
		d.mu.Unlock()
		fn()
	})
	d.pending[k] = call
}

// Cancel drops the pending call for path, if any.
func (d *Debouncer) Cancel(path string) bool {
	k := key(path)
	d.mu.Lock()
	defer d.mu.Unlock()
	call, ok := d.pending[k]
	if !ok {
		return false
	}
	call.timer.Stop()
	delete(d.pending, k)
	return true
}

// Pending returns the number of scheduled calls.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, call := range d.pending {
		call.timer.Stop()
		delete(d.pending, k)
	}
}
