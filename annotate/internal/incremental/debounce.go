package incremental

import "time"

// debouncer decides when the next flush may run: DebounceWindow after the
// last notification, but no later than MaxWait after the first pending one,
// and never sooner than ThrottleInterval after the previous flush. A full
// batch skips the debounce window.
type debouncer struct {
	window   time.Duration
	maxWait  time.Duration
	throttle time.Duration

	firstEvent time.Time // first notification since the last flush
	lastEvent  time.Time
	lastFlush  time.Time
	deferred   bool // a due flush is being held back by the throttle

	timer   *time.Timer
	timerCh <-chan time.Time
}

func newDebouncer(window, maxWait, throttle time.Duration) *debouncer {
	if maxWait < window {
		maxWait = window
	}
	return &debouncer{window: window, maxWait: maxWait, throttle: throttle}
}

// touch records a notification at now.
func (d *debouncer) touch(now time.Time) {
	if d.firstEvent.IsZero() {
		d.firstEvent = now
	}
	d.lastEvent = now
}

// next returns how long to wait before flushing, and whether the throttle
// alone is what holds the flush back. full reports a queue holding at least
// one batch.
func (d *debouncer) next(now time.Time, full bool) (wait time.Duration, throttled bool) {
	at := d.lastEvent.Add(d.window)
	if limit := d.firstEvent.Add(d.maxWait); !d.firstEvent.IsZero() && limit.Before(at) {
		at = limit
	}
	if full && at.After(now) {
		at = now
	}
	if !d.lastFlush.IsZero() {
		if t := d.lastFlush.Add(d.throttle); t.After(at) {
			throttled = t.After(now) && !at.After(now)
			at = t
		}
	}
	if wait = at.Sub(now); wait < 0 {
		wait = 0
	}
	return wait, throttled
}

// flushed records a flush at now. Nodes left in the queue start a new
// max-wait period.
func (d *debouncer) flushed(now time.Time, pending int) {
	d.lastFlush = now
	d.deferred = false
	d.firstEvent = time.Time{}
	if pending > 0 {
		d.firstEvent = now
	}
}

// arm (re)starts the timer for wait.
func (d *debouncer) arm(wait time.Duration) {
	d.stop()
	d.timer = time.NewTimer(wait)
	d.timerCh = d.timer.C
}

// timerC returns the channel that fires when the wait expires; nil when
// nothing is scheduled.
func (d *debouncer) timerC() <-chan time.Time {
	return d.timerCh
}

func (d *debouncer) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
}
