//go:build gocv

package opencv

import (
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/video"
)

// SourceOpts has options for a new OpenCV source.
type SourceOpts struct {
	Logger *zap.Logger

	// Requested capture size for cameras. Zero keeps the device default.
	Width  int
	Height int
}

// Source reads frames with a gocv.VideoCapture.
type Source struct {
	log *zap.Logger
	cap *gocv.VideoCapture
	mat gocv.Mat
	seq uint64
}

// Check that Source implements interface video.Source.
var _ video.Source = (*Source)(nil)

// Open opens a camera or a video file. Numeric IDs and paths under /dev are
// opened as cameras, an empty ID opens camera 0.
func Open(deviceOrPath string, opts SourceOpts) (*Source, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var id interface{} = deviceOrPath
	if deviceOrPath == "" {
		id = 0
	} else if n, err := strconv.Atoi(strings.TrimPrefix(deviceOrPath, "/dev/video")); err == nil {
		id = n
	}
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("opening %v: %w", id, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("opening %v: not opened", id)
	}
	if _, camera := id.(int); camera && opts.Width > 0 && opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}
	log.Debug("opened video capture", zap.Any("id", id),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)),
		zap.Float64("fps", vc.Get(gocv.VideoCaptureFPS)))
	return &Source{log: log, cap: vc, mat: gocv.NewMat()}, nil
}

// Next reads the next frame, blocking until the device delivers one. It
// returns io.EOF at the end of a file or when a camera stops delivering.
func (s *Source) Next() (video.Frame, error) {
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return video.Frame{}, io.EOF
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return video.Frame{}, fmt.Errorf("converting frame: %w", err)
	}
	s.seq++
	return video.Frame{Seq: s.seq, Time: time.Now(), Image: img}, nil
}

// Close releases the capture device.
func (s *Source) Close() error {
	s.mat.Close()
	return s.cap.Close()
}

// OpenFunc returns a video.OpenFunc opening sources with Open.
func OpenFunc(opts SourceOpts) video.OpenFunc {
	return func(deviceOrPath string) (video.Source, error) {
		s, err := Open(deviceOrPath, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", drowsy.ErrSourceUnavailable, err)
		}
		return s, nil
	}
}

// Encoder writes frames with a gocv.VideoWriter.
type Encoder struct {
	w      *gocv.VideoWriter
	width  int
	height int
	buf    []byte
}

// Check that Encoder implements interface video.Encoder.
var _ video.Encoder = (*Encoder)(nil)

// Create opens a video writer for path.
func Create(path string, opts video.EncoderOpts) (*Encoder, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %dx%d", drowsy.ErrEncode, opts.Width, opts.Height)
	}
	codec := opts.Codec
	if codec == "" {
		codec = "XVID"
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 20
	}
	w, err := gocv.VideoWriterFile(path, codec, fps, opts.Width, opts.Height, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", drowsy.ErrEncode, err)
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("%w: video writer for %s not opened", drowsy.ErrEncode, path)
	}
	return &Encoder{w: w, width: opts.Width, height: opts.Height}, nil
}

// CreateFunc returns a video.CreateFunc creating OpenCV encoders.
func CreateFunc() video.CreateFunc {
	return func(path string, opts video.EncoderOpts) (video.Encoder, error) {
		e, err := Create(path, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Append writes img, resized to the encoder size if needed.
func (e *Encoder) Append(img image.Image) error {
	e.buf = video.PackRGB24(img, e.width, e.height, e.buf)
	rgb, err := gocv.NewMatFromBytes(e.height, e.width, gocv.MatTypeCV8UC3, e.buf)
	if err != nil {
		return fmt.Errorf("%w: %v", drowsy.ErrEncode, err)
	}
	defer rgb.Close()
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)
	if err := e.w.Write(bgr); err != nil {
		return fmt.Errorf("%w: %v", drowsy.ErrEncode, err)
	}
	return nil
}

// Close finalizes the file.
func (e *Encoder) Close() error {
	if err := e.w.Close(); err != nil {
		return fmt.Errorf("%w: %v", drowsy.ErrEncode, err)
	}
	return nil
}
