package drowsy

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable indicates the camera or video file could not be
	// opened. A session that fails with it never becomes active.
	ErrSourceUnavailable = errors.New("video source unavailable")

	// ErrEncode indicates writing to a video artifact failed. It ends the
	// current session.
	ErrEncode = errors.New("encoding video")

	// ErrAlreadyActive is returned when starting a detection session while one
	// is still running.
	ErrAlreadyActive = errors.New("detection session already active")

	// ErrCorruptArtifact indicates a recorded artifact could not be decoded.
	ErrCorruptArtifact = errors.New("corrupt artifact")
)

// GeometryError is returned when openness cannot be computed for one eye in
// one frame. It is never fatal: the eye is treated as having no sample.
type GeometryError struct {
	Eye    Eye
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("%s eye geometry: %s", e.Eye, e.Reason)
}
