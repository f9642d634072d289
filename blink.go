package drowsy

import (
	"math"
	"time"
)

// Event is the classification of a frame.
type Event int

const (
	// EventNone means no closed run ended in this frame.
	EventNone Event = iota
	// EventBlink means a short closed run just ended.
	EventBlink
	// EventMicrosleep means a closed run of at least the microsleep
	// threshold just ended.
	EventMicrosleep
)

func (e Event) String() string {
	switch e {
	case EventBlink:
		return "blink"
	case EventMicrosleep:
		return "microsleep"
	}
	return "none"
}

// Default classifier parameters.
const (
	DefaultThreshold          = 0.2
	DefaultMicrosleepDuration = time.Second
)

// ClassifierOpts are options for a BlinkClassifier.
type ClassifierOpts struct {
	// An eye with openness below Threshold is closed. Zero means
	// DefaultThreshold.
	Threshold float64

	// A closed run of at least MicrosleepFrames frames is a microsleep,
	// shorter runs are blinks. Must be at least 1.
	MicrosleepFrames int
}

// MicrosleepFrames converts a duration into a frame count at the given frame
// interval, rounding up. The result is at least 1.
func MicrosleepFrames(d, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(d) / float64(interval)))
	if n < 1 {
		n = 1
	}
	return n
}

// BlinkClassifier counts blinks and microsleeps in a stream of openness
// samples. Events are counted when a closed run ends, so one physiological
// blink counts once no matter how many frames it spans. A run still going
// when the stream ends is never counted.
//
// BlinkClassifier is not safe for concurrent use.
type BlinkClassifier struct {
	opts         ClassifierOpts
	closedFrames int
	blinks       int
	microsleeps  int
}

// NewBlinkClassifier returns a classifier with zero counters.
func NewBlinkClassifier(opts ClassifierOpts) *BlinkClassifier {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MicrosleepFrames < 1 {
		opts.MicrosleepFrames = 1
	}
	return &BlinkClassifier{opts: opts}
}

// Opts returns the effective options.
func (c *BlinkClassifier) Opts() ClassifierOpts {
	return c.opts
}

// Closed reports whether s counts as a closed eye pair: both eyes measured
// and both below the threshold.
func (c *BlinkClassifier) Closed(s Sample) bool {
	return s.LeftOK && s.RightOK && s.Left < c.opts.Threshold && s.Right < c.opts.Threshold
}

// Update feeds the sample of one frame and returns the event that ended in
// this frame, if any.
func (c *BlinkClassifier) Update(s Sample) Event {
	if c.Closed(s) {
		c.closedFrames++
		return EventNone
	}
	n := c.closedFrames
	c.closedFrames = 0
	switch {
	case n == 0:
		return EventNone
	case n < c.opts.MicrosleepFrames:
		c.blinks++
		return EventBlink
	default:
		c.microsleeps++
		return EventMicrosleep
	}
}

// Counts returns the number of blinks and microsleeps seen.
func (c *BlinkClassifier) Counts() (blinks, microsleeps int) {
	return c.blinks, c.microsleeps
}

// ClosedFrames returns the length of the current closed run.
func (c *BlinkClassifier) ClosedFrames() int {
	return c.closedFrames
}

// ResetRun discards the current closed run without counting it.
func (c *BlinkClassifier) ResetRun() {
	c.closedFrames = 0
}

// Reset clears the counters and the current run.
func (c *BlinkClassifier) Reset() {
	c.closedFrames = 0
	c.blinks = 0
	c.microsleeps = 0
}
