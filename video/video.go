// Package video defines the frame sources and encoders used for capturing,
// recording and playing back detection sessions.
package video

import (
	"errors"
	"image"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoFrame is returned by Source.Next when no new frame is available yet.
// It is not fatal, the caller should try again on its next tick.
var ErrNoFrame = errors.New("no frame available")

// Frame is a single decoded video frame. The image must not be modified once
// the frame has been handed out, consumers only read it.
type Frame struct {
	// Seq is the monotonic sequence number within the source, starting at 1.
	Seq uint64

	// Time is when the frame was read from the source.
	Time time.Time

	Image image.Image
}

// Source is a pull-based source of frames, for example a camera or a video
// file.
type Source interface {
	// Next returns the next frame. It returns ErrNoFrame if no frame is ready
	// and io.EOF if the source is exhausted or disconnected.
	Next() (Frame, error)

	// Close releases the source. Next must not be called after Close.
	Close() error
}

// OpenFunc opens a source by device ID or file path.
type OpenFunc func(deviceOrPath string) (Source, error)

// EncoderOpts describe the video artifact an encoder writes.
type EncoderOpts struct {
	// FourCC codec name, e.g. "XVID", "MJPG", "mp4v" or "avc1".
	Codec string

	FPS float64

	// Size of the encoded video. Frames of another size are resized.
	Width  int
	Height int
}

// Encoder appends frames to a video file.
type Encoder interface {
	// Append encodes one frame. The frame is only read.
	Append(img image.Image) error

	// Close flushes all buffered frames and finalizes the file. The file is
	// complete once Close returns without error.
	Close() error
}

// CreateFunc creates an encoder writing to path.
type CreateFunc func(path string, opts EncoderOpts) (Encoder, error)

// Extensions are the recognized video file extensions, used both for
// recording and for listing recorded artifacts.
var Extensions = []string{".avi", ".mp4"}

// IsVideo reports whether name has one of the recognized extensions.
func IsVideo(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
