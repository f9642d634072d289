package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/video"
)

// EncoderOpts has options for a new ffmpeg encoder.
type EncoderOpts struct {
	video.EncoderOpts
	Logger *zap.Logger
}

// Encoder writes frames to a video file through an ffmpeg process.
type Encoder struct {
	log    *zap.Logger
	path   string
	width  int
	height int
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr *tailBuffer
	buf    []byte
	frames int

	closeOnce sync.Once
	closeErr  error
}

// Check that Encoder implements interface video.Encoder.
var _ video.Encoder = (*Encoder)(nil)

// codecArgs maps a fourcc code to ffmpeg output arguments.
func codecArgs(codec string) ([]string, error) {
	switch strings.ToUpper(codec) {
	case "", "XVID":
		return []string{"-c:v", "mpeg4", "-vtag", "xvid", "-q:v", "5"}, nil
	case "MJPG":
		return []string{"-c:v", "mjpeg", "-q:v", "5"}, nil
	case "MP4V":
		return []string{"-c:v", "mpeg4", "-q:v", "5"}, nil
	case "AVC1", "H264":
		return []string{"-c:v", "libx264", "-pix_fmt", "yuv420p"}, nil
	}
	return nil, fmt.Errorf("unsupported codec %q", codec)
}

// Create starts an ffmpeg process writing a video to path. An existing file
// at path is overwritten.
func Create(path string, opts EncoderOpts) (enc *Encoder, rerr error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %dx%d", drowsy.ErrEncode, opts.Width, opts.Height)
	}
	if opts.FPS <= 0 {
		opts.FPS = 20
	}
	cargs, err := codecArgs(opts.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", drowsy.ErrEncode, err)
	}

	e := &Encoder{
		log:    opts.Logger,
		path:   path,
		width:  opts.Width,
		height: opts.Height,
		stderr: &tailBuffer{max: 4096},
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			e.kill()
		}
	}()

	args := []string{
		"-y",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-framerate", fmt.Sprintf("%g", opts.FPS),
		"-i", "-",
	}
	args = append(args, cargs...)
	args = append(args, path)
	e.log.Debug("starting ffmpeg encoder", zap.Strings("args", args))

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	e.cmd.Stderr = e.stderr
	e.stdin, err = e.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg stdin: %v", drowsy.ErrEncode, err)
	}
	if err := e.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting command ffmpeg: %v", drowsy.ErrEncode, installHint(err))
	}
	return e, nil
}

// CreateFunc returns a video.CreateFunc creating ffmpeg encoders.
func CreateFunc(log *zap.Logger) video.CreateFunc {
	return func(path string, opts video.EncoderOpts) (video.Encoder, error) {
		e, err := Create(path, EncoderOpts{EncoderOpts: opts, Logger: log})
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Append writes img as the next frame. Images of another size are resized.
func (e *Encoder) Append(img image.Image) error {
	e.buf = video.PackRGB24(img, e.width, e.height, e.buf)
	if _, err := e.stdin.Write(e.buf); err != nil {
		return fmt.Errorf("%w: writing frame %d: %v: %s", drowsy.ErrEncode, e.frames+1, err, e.stderr.String())
	}
	e.frames++
	return nil
}

// Frames returns the number of frames appended.
func (e *Encoder) Frames() int {
	return e.frames
}

// Close finishes the file and waits for ffmpeg to exit.
func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		cerr := e.stdin.Close()
		if err := e.cmd.Wait(); err != nil {
			e.closeErr = fmt.Errorf("%w: ffmpeg %s: %v: %s", drowsy.ErrEncode, e.path, err, e.stderr.String())
		} else if cerr != nil {
			e.closeErr = fmt.Errorf("%w: closing ffmpeg input for %s: %v", drowsy.ErrEncode, e.path, cerr)
		}
		e.cancel()
		e.log.Debug("closed ffmpeg encoder", zap.String("path", e.path), zap.Int("frames", e.frames))
	})
	return e.closeErr
}

func (e *Encoder) kill() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.cmd != nil && e.cmd.Process != nil {
		err := e.cmd.Wait()
		var xerr *exec.ExitError
		if err != nil && !errors.As(err, &xerr) {
			e.log.Debug("waiting for ffmpeg", zap.Error(err))
		}
	}
}
