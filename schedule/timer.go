package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgeimpulse/drowsy-go/internal/timeutil"
)

// SessionTimer counts elapsed wall-clock time, refreshed once per second. It
// runs independently of detection.
type SessionTimer struct {
	clock timeutil.Clock

	// OnTick, if set, is called with the new elapsed time after every tick,
	// on the timer's goroutine.
	OnTick func(elapsed time.Duration)

	mu      sync.Mutex
	started time.Time
	elapsed time.Duration
	task    *Task
}

// NewSessionTimer returns a stopped timer. A nil clock uses the real clock.
func NewSessionTimer(clock timeutil.Clock) *SessionTimer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SessionTimer{clock: clock}
}

// Start starts ticking from zero. Start on a running timer is a no-op.
func (t *SessionTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.task != nil {
		return
	}
	t.started = t.clock.Now()
	t.elapsed = 0
	t.task = Every(t.clock, time.Second, t.tick)
}

func (t *SessionTimer) tick() bool {
	t.mu.Lock()
	// Elapsed is derived from the start time rather than by counting ticks,
	// so dropped ticks do not slow the clock down.
	d := t.clock.Since(t.started).Truncate(time.Second)
	if d > t.elapsed {
		t.elapsed = d
	}
	d = t.elapsed
	fn := t.OnTick
	t.mu.Unlock()

	if fn != nil {
		fn(d)
	}
	return true
}

// Stop stops ticking. The elapsed time is kept. Stop on a stopped timer is
// a no-op.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	task := t.task
	t.task = nil
	t.mu.Unlock()
	if task != nil {
		task.Stop()
	}
}

// Elapsed returns the elapsed time as of the last tick, in whole seconds.
func (t *SessionTimer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// String returns the elapsed time as hh:mm:ss.
func (t *SessionTimer) String() string {
	return FormatElapsed(t.Elapsed())
}

// FormatElapsed formats d as hh:mm:ss, wrapping at 24 hours.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d/time.Second) % (24 * 60 * 60)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}
