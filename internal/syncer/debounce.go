package syncer

import (
	"sync"
	"time"
)

// Debounced is a cancelable, reschedule-on-call task. Trigger schedules the
// function after the delay; triggering again within the window cancels the
// pending run and starts the window over, so only the last schedule fires.
// It backs both the session-state push and the provider auto-save.
type Debounced struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

// NewDebounced creates a debounced task around fn.
func NewDebounced(delay time.Duration, fn func()) *Debounced {
	return &Debounced{delay: delay, fn: fn}
}

// Trigger schedules (or reschedules) the task.
func (d *Debounced) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

// Stop cancels any pending run. Safe to call multiple times; a later Trigger
// schedules again.
func (d *Debounced) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
