// Package debounce provides a small completion-timing state machine used by
// result producers to decide when a contiguous span of activity (an
// utterance, a topic segment) is finished.
//
// The machine has three states: Idle, Armed, and Ready. The first Signal
// moves Idle to Armed and records the trigger time. While Armed, the machine
// fires (Armed to Ready) when either the force timeout has elapsed since the
// trigger, or the pause timeout has elapsed since the most recent Signal.
// Firing invokes the producer's callback, then returns the machine to Idle,
// or directly to Armed when new input arrived while the callback ran.
//
// Each producer owns its own Debouncer with its own timeout pair; there is
// no shared global state.
package debounce

import (
	"sync"
	"time"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
)

// State represents the debouncer's position in its Idle/Armed/Ready cycle.
type State int

const (
	// StateIdle means no activity span is in progress.
	StateIdle State = iota
	// StateArmed means a span is in progress and the timers are running.
	StateArmed
	// StateReady is the transient state while the callback runs.
	StateReady
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Config holds the timeout pair for a Debouncer.
type Config struct {
	// PauseTimeout is how long the input must stay silent before the span
	// is considered complete.
	PauseTimeout time.Duration
	// ForceTimeout is the maximum span length; the machine fires this long
	// after the triggering signal even if input keeps arriving.
	ForceTimeout time.Duration
}

// Validate checks the configuration for usable timeout values.
func (c Config) Validate() error {
	if c.PauseTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Debouncer", "Validate",
			"pause timeout must be positive")
	}
	if c.ForceTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Debouncer", "Validate",
			"force timeout must be positive")
	}
	if c.ForceTimeout < c.PauseTimeout {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Debouncer", "Validate",
			"force timeout must be >= pause timeout")
	}
	return nil
}

// Debouncer is the reusable completion-timing state machine. It is safe for
// concurrent use.
type Debouncer struct {
	mu         sync.Mutex
	state      State
	armedAt    time.Time
	lastSignal time.Time
	cfg        Config
	fire       func()
	pauseTimer *time.Timer
	forceTimer *time.Timer
	stopped    bool
}

// New creates a Debouncer that invokes fire each time a span completes.
// The callback runs on a timer goroutine without the internal lock held, so
// it may call Signal to begin a new span.
func New(cfg Config, fire func()) (*Debouncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fire == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Debouncer", "New",
			"fire callback is required")
	}
	return &Debouncer{cfg: cfg, fire: fire}, nil
}

// Signal reports new input activity. The first Signal of a span arms the
// machine; subsequent Signals push the pause timeout forward.
func (d *Debouncer) Signal() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	d.lastSignal = now

	switch d.state {
	case StateIdle:
		d.state = StateArmed
		d.armedAt = now
		d.forceTimer = time.AfterFunc(d.cfg.ForceTimeout, d.onTimeout)
		d.pauseTimer = time.AfterFunc(d.cfg.PauseTimeout, d.onTimeout)
	case StateArmed:
		d.pauseTimer.Reset(d.cfg.PauseTimeout)
	case StateReady:
		// Callback in flight; onTimeout sees the updated lastSignal when it
		// finishes and arms the next span.
	}
}

// onTimeout handles expiry of either timer. Both the pause and force paths
// converge here: whichever fires first completes the span.
func (d *Debouncer) onTimeout() {
	d.mu.Lock()
	if d.stopped || d.state != StateArmed {
		d.mu.Unlock()
		return
	}
	d.state = StateReady
	d.stopTimersLocked()
	firedAt := time.Now()
	fire := d.fire
	d.mu.Unlock()

	fire()

	d.mu.Lock()
	if d.state == StateReady {
		// Input that arrived while the callback ran must open the next
		// span; returning to Idle would strand it with no timer armed.
		if !d.stopped && d.lastSignal.After(firedAt) {
			d.state = StateArmed
			d.armedAt = d.lastSignal
			d.forceTimer = time.AfterFunc(d.cfg.ForceTimeout, d.onTimeout)
			d.pauseTimer = time.AfterFunc(d.cfg.PauseTimeout, d.onTimeout)
		} else {
			d.state = StateIdle
		}
	}
	d.mu.Unlock()
}

// State returns the current state.
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ArmedAt returns the trigger time of the current span, or the zero time
// when the machine is idle.
func (d *Debouncer) ArmedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateArmed {
		return time.Time{}
	}
	return d.armedAt
}

// Flush completes an in-progress span immediately, invoking the callback as
// if a timeout had fired. It is a no-op when idle.
func (d *Debouncer) Flush() {
	d.onTimeout()
}

// Stop cancels any in-progress span without firing and prevents further
// arming. Safe to call more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.state = StateIdle
	d.stopTimersLocked()
}

func (d *Debouncer) stopTimersLocked() {
	if d.pauseTimer != nil {
		d.pauseTimer.Stop()
		d.pauseTimer = nil
	}
	if d.forceTimer != nil {
		d.forceTimer.Stop()
		d.forceTimer = nil
	}
}
