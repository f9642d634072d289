// Package ffmpeg implements video sources and encoders by running ffmpeg
// and exchanging raw RGB frames over pipes.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/video"
)

var errInstallHint = errors.New("executable not found, install with: sudo apt install -y ffmpeg v4l-utils")

func installHint(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return errInstallHint
	}
	return err
}

// ListDevices returns a list of devices that can be used for capturing.
// ListDevices returns an error if no devices are available.
func ListDevices() ([]video.Device, error) {
	cmd := exec.Command("v4l2-ctl", "--list-devices")
	buf, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("listing devices using v4l2-ctl: %w", installHint(err))
	}
	return parseDevices(string(buf))
}

func parseDevices(s string) ([]video.Device, error) {
	var curDevice string
	devices := []video.Device{}
	for _, line := range strings.Split(s, "\n") {
		if !strings.HasPrefix(line, "\t") {
			curDevice = strings.TrimSuffix(strings.TrimSpace(line), ":")
			continue
		}
		line = strings.TrimSpace(line)
		// Raspberry Pi codec/isp nodes are not cameras, and only /dev/video*
		// nodes can be opened for capture.
		if curDevice == "" || strings.HasPrefix(curDevice, "bcm2835-") || !strings.HasPrefix(line, "/dev/video") {
			continue
		}
		devices = append(devices, video.Device{
			Name: fmt.Sprintf("%s (%s)", curDevice, line),
			ID:   line,
		})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices available")
	}
	return devices, nil
}

// SourceOpts has options for a new ffmpeg source.
type SourceOpts struct {
	Logger *zap.Logger

	// Size of the frames returned. Camera frames are scaled to it. For files,
	// zero means the size of the video.
	Width  int
	Height int

	// Frame rate requested from a camera. Ignored for files.
	FPS float64
}

// Source reads raw frames from an ffmpeg process.
type Source struct {
	log    *zap.Logger
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	width  int
	height int
	buf    []byte
	seq    uint64
	eof    bool

	// First frame, read while starting to detect sources that fail to open.
	pending *video.Frame

	closeOnce sync.Once
}

// Check that Source implements interface video.Source.
var _ video.Source = (*Source)(nil)

// OpenCamera starts capturing from a v4l2 device, e.g. /dev/video0. If
// device is empty, the first device returned by ListDevices is used.
func OpenCamera(device string, opts SourceOpts) (*Source, error) {
	if device == "" {
		devs, err := ListDevices()
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		device = devs[0].ID
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1280, 720
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	args := []string{
		"-loglevel", "error",
		"-f", "v4l2",
		"-framerate", fmt.Sprintf("%g", opts.FPS),
		"-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-i", device,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}
	return start(args, opts)
}

// OpenFile starts decoding a video file. Without a size in opts, the size of
// the video is read from its headers.
func OpenFile(path string, opts SourceOpts) (*Source, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		info, err := Probe(context.Background(), path)
		if err != nil {
			return nil, err
		}
		opts.Width, opts.Height = info.Width, info.Height
	}
	args := []string{
		"-loglevel", "error",
		"-i", path,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}
	return start(args, opts)
}

func start(args []string, opts SourceOpts) (source *Source, rerr error) {
	s := &Source{
		log:    opts.Logger,
		width:  opts.Width,
		height: opts.Height,
		stderr: &tailBuffer{max: 4096},
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			s.Close()
		}
	}()

	s.log.Debug("starting ffmpeg", zap.Strings("args", args))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	s.cmd.Stderr = s.stderr
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	s.stdout = stdout
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command ffmpeg: %w", installHint(err))
	}
	s.buf = make([]byte, s.width*s.height*3)

	f, err := s.read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("ffmpeg produced no frames: %s", s.stderr.String())
		}
		return nil, err
	}
	s.pending = &f
	return s, nil
}

// Size returns the size of the frames returned by Next.
func (s *Source) Size() (width, height int) {
	return s.width, s.height
}

// Next blocks until ffmpeg has produced the next frame. It returns io.EOF
// once ffmpeg stops producing frames, e.g. at the end of a file or when a
// camera is disconnected.
func (s *Source) Next() (video.Frame, error) {
	if f := s.pending; f != nil {
		s.pending = nil
		return *f, nil
	}
	return s.read()
}

func (s *Source) read() (video.Frame, error) {
	if s.eof {
		return video.Frame{}, io.EOF
	}
	if _, err := io.ReadFull(s.stdout, s.buf); err != nil {
		s.eof = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if msg := s.stderr.String(); msg != "" {
				s.log.Debug("ffmpeg ended", zap.String("stderr", msg))
			}
			return video.Frame{}, io.EOF
		}
		return video.Frame{}, fmt.Errorf("reading frame from ffmpeg: %w", err)
	}
	img, err := video.UnpackRGB24(s.buf, s.width, s.height)
	if err != nil {
		return video.Frame{}, err
	}
	s.seq++
	return video.Frame{Seq: s.seq, Time: time.Now(), Image: img}, nil
}

// Close stops ffmpeg.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Wait()
		}
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it, for error messages.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

// OpenFunc returns a video.OpenFunc that opens devices (paths under /dev)
// as cameras and everything else as files.
func OpenFunc(opts SourceOpts) video.OpenFunc {
	return func(deviceOrPath string) (video.Source, error) {
		var s *Source
		var err error
		if deviceOrPath == "" || strings.HasPrefix(deviceOrPath, "/dev/") {
			s, err = OpenCamera(deviceOrPath, opts)
		} else {
			fopts := opts
			fopts.Width, fopts.Height = 0, 0
			s, err = OpenFile(deviceOrPath, fopts)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", drowsy.ErrSourceUnavailable, err)
		}
		return s, nil
	}
}
