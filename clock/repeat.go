package clock

import (
	"sync"
	"time"
)

// Repeater calls a function on a fixed interval until stopped.
type Repeater struct {
	clock    Clock
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	timer   *Timer
	stopped bool
}

// Every starts calling fn every interval. When immediate is true fn also runs
// once before Every returns.
//
// fn runs with the repeater's lock held, so Stop waits for an in-flight call
// and fn must not call Stop itself.
func Every(c Clock, interval time.Duration, immediate bool, fn func()) *Repeater {
	r := &Repeater{
		clock:    OrReal(c),
		interval: interval,
		fn:       fn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if immediate {
		r.fn()
	}
	r.schedule()
	return r
}

// Stop cancels the repeater. No call to fn starts after Stop returns.
func (r *Repeater) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.timer.Stop()
}

func (r *Repeater) schedule() {
	r.timer = r.clock.AfterFunc(r.interval, r.tick)
}

func (r *Repeater) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.fn()
	r.schedule()
}
