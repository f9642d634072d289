package drowsy

import "time"

// SessionState is a snapshot of a detection session. Cumulative counters
// survive stopping a session and are reset when the next one starts.
type SessionState struct {
	BlinkCount      int
	MicrosleepCount int
	Elapsed         time.Duration
	Recording       bool
	ClosedFrames    int

	// Artifact is the path of the video being written, or last written.
	Artifact string
}
