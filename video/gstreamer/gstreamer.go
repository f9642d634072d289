// Package gstreamer implements a camera source with the gstreamer tools.
package gstreamer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/video"
)

var errInstallHint = errors.New("executable not found, install with: sudo apt install -y gstreamer1.0-tools gstreamer1.0-plugins-good gstreamer1.0-plugins-base gstreamer1.0-plugins-base-apps")

// SourceOpts has options for a new gstreamer source.
type SourceOpts struct {
	Logger   *zap.Logger
	DeviceID string // As retrieved from ListDevices. If empty, NewSource will use the first device returned by ListDevices.

	// Preferred capture size. The device capability closest to it is used.
	Width  int
	Height int
}

// Source is a camera source using gstreamer. Frames are written as JPEG
// files to a temporary directory by gst-launch-1.0 and picked up with a file
// watcher. Only the most recent frame is kept, Next never blocks.
type Source struct {
	log     *zap.Logger
	tempDir string
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	exited  chan struct{}

	mu     sync.Mutex
	latest *video.Frame
	err    error
	seq    uint64

	closeOnce sync.Once
}

// Check that Source implements interface video.Source.
var _ video.Source = (*Source)(nil)

type device struct {
	ID          string
	Name        string
	DeviceClass string
	RawCaps     []string
	Caps        []video.DeviceCap
	inCapMode   bool
}

var widthRegexp = regexp.MustCompile("width=([0-9]+)[^0-9]")
var heightRegexp = regexp.MustCompile("height=([0-9]+)[^0-9]")
var framerateRegexp = regexp.MustCompile("framerate=([0-9]+)[^0-9]")

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

// ListDevices returns a list of devices that can be used for capturing.
// ListDevices returns an error if no devices are available. Capabilities
// are sorted by distance to 1280x720.
func ListDevices() ([]video.Device, error) {
	cmd := exec.Command("gst-device-monitor-1.0")
	buf, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return nil, fmt.Errorf("listing devices using gst-device-monitor-1.0: %w", err)
	}
	return parseDevices(string(buf), 1280, 720)
}

func parseDevices(s string, prefWidth, prefHeight int) ([]video.Device, error) {
	var r []device
	var d *device
	b := bufio.NewScanner(strings.NewReader(s))
	for b.Scan() {
		s := strings.TrimSpace(b.Text())
		if s == "" {
			continue
		}
		if s == "Device found:" {
			if d != nil {
				r = append(r, *d)
			}
			d = &device{RawCaps: []string{}, Caps: []video.DeviceCap{}}
			continue
		}

		if d == nil {
			continue
		}

		if strings.HasPrefix(s, "name  :") {
			d.Name = strings.TrimSpace(strings.SplitN(s, ":", 2)[1])
			continue
		}
		if strings.HasPrefix(s, "class :") {
			d.DeviceClass = strings.TrimSpace(strings.SplitN(s, ":", 2)[1])
			continue
		}
		if strings.HasPrefix(s, "caps  :") {
			cap := strings.TrimSpace(strings.SplitN(s, ":", 2)[1])
			d.RawCaps = append(d.RawCaps, cap)
			d.inCapMode = true
			continue
		}
		if strings.HasPrefix(s, "properties:") {
			d.inCapMode = false
			continue
		}
		if d.inCapMode {
			d.RawCaps = append(d.RawCaps, s)
		}
		if strings.HasPrefix(s, "device.path =") {
			d.ID = strings.TrimSpace(strings.SplitN(s, "=", 2)[1])
		}
	}
	if err := b.Err(); err != nil {
		return nil, err
	}

	if d != nil && d.ID != "" {
		r = append(r, *d)
	}

	var devs []video.Device
	for _, d := range r {
		if d.DeviceClass != "Video/Source" {
			continue
		}
		for _, rc := range d.RawCaps {
			if !strings.HasPrefix(rc, "video/x-raw") {
				continue
			}
			mw := widthRegexp.FindStringSubmatch(rc)
			mh := heightRegexp.FindStringSubmatch(rc)
			mf := framerateRegexp.FindStringSubmatch(rc)
			if mw == nil || mh == nil || mf == nil {
				continue
			}
			width, werr := strconv.ParseInt(mw[1], 10, 32)
			height, herr := strconv.ParseInt(mh[1], 10, 32)
			framerate, ferr := strconv.ParseInt(mf[1], 10, 32)
			if werr != nil || herr != nil || ferr != nil {
				continue
			}
			if width != 0 && height != 0 && framerate != 0 {
				d.Caps = append(d.Caps, video.DeviceCap{
					Type:      "video/x-raw",
					Width:     int(width),
					Height:    int(height),
					Framerate: int(framerate),
				})
			}
		}
		if len(d.Caps) == 0 {
			continue
		}

		distance := func(a video.DeviceCap) int {
			return abs(a.Width-prefWidth)*abs(a.Height-prefHeight) + abs(a.Width-prefWidth) + abs(a.Height-prefHeight)
		}

		sort.SliceStable(d.Caps, func(i, j int) bool {
			return distance(d.Caps[i]) < distance(d.Caps[j])
		})

		devs = append(devs, video.Device{
			ID:   d.ID,
			Name: d.Name,
			Caps: d.Caps,
		})
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("no devices found")
	}

	return devs, nil
}

// NewSource starts capturing with gstreamer. Callers must call Close to
// clean up.
func NewSource(opts SourceOpts) (source *Source, rerr error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1280, 720
	}
	out, err := exec.Command("gst-device-monitor-1.0").Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	devices, err := parseDevices(string(out), opts.Width, opts.Height)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	var dev video.Device
	if opts.DeviceID == "" {
		dev = devices[0]
	} else {
		for _, d := range devices {
			if d.ID == opts.DeviceID {
				dev = d
				break
			}
		}
		if dev.ID == "" {
			return nil, fmt.Errorf("device %q not found", opts.DeviceID)
		}
	}
	return start(opts.Logger, pipeline(dev))
}

// pipeline returns the gst-launch-1.0 arguments for capturing JPEGs from
// dev. The location argument is appended by start.
func pipeline(dev video.Device) []string {
	return []string{
		"v4l2src",
		"device=" + dev.ID,
		"!",
		fmt.Sprintf("video/x-raw,width=%d,height=%d", dev.Caps[0].Width, dev.Caps[0].Height),
		"!",
		"videoconvert",
		"!",
		"jpegenc",
		"!",
		"multifilesink",
	}
}

func start(log *zap.Logger, args []string) (source *Source, rerr error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Source{log: log, exited: make(chan struct{})}

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			s.Close()
		}
	}()

	tempDir, err := drowsy.TempDir()
	if err != nil {
		return nil, fmt.Errorf("making temp dir: %w", err)
	}
	s.tempDir = tempDir
	s.log.Debug("gstreamer source, writing images to tempdir", zap.String("dir", s.tempDir))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new file change watcher: %w", err)
	}
	s.watcher = watcher
	if err := watcher.Add(s.tempDir); err != nil {
		return nil, fmt.Errorf("registering file change watcher for temp dir: %w", err)
	}
	go s.watch()

	args = append(args, "location="+s.tempDir+"/frame%05d.jpg")
	s.log.Debug("starting gstreamer", zap.String("cmd", "gst-launch-1.0 "+strings.Join(args, " ")))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	cmd := exec.CommandContext(ctx, "gst-launch-1.0", args...)
	cmd.Dir = s.tempDir
	if err := cmd.Start(); err != nil {
		close(s.exited)
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return nil, fmt.Errorf("starting gstreamer with gst-launch-1.0: %w", err)
	}
	go func() {
		err := cmd.Wait()
		s.log.Debug("gstreamer exited", zap.Error(err))
		close(s.exited)
	}()
	return s, nil
}

func (s *Source) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !strings.HasSuffix(ev.Name, ".jpg") {
				continue
			}
			f, err := os.Open(ev.Name)
			if err != nil {
				s.log.Debug("open written file", zap.String("path", ev.Name), zap.Error(err))
				continue
			}
			img, err := jpeg.Decode(f)
			f.Close()
			if err != nil {
				// Likely still being written, a later event will follow.
				s.log.Debug("decoding jpeg", zap.String("path", ev.Name), zap.Error(err))
				continue
			}
			if err := os.Remove(ev.Name); err != nil {
				s.log.Debug("removing image", zap.String("path", ev.Name), zap.Error(err))
			}
			s.mu.Lock()
			if s.latest != nil {
				s.log.Debug("dropping frame, consumer still busy", zap.Uint64("seq", s.latest.Seq))
			}
			s.seq++
			s.latest = &video.Frame{Seq: s.seq, Time: time.Now(), Image: img}
			s.mu.Unlock()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.mu.Lock()
			s.err = fmt.Errorf("watching for changes: %w", err)
			s.mu.Unlock()
		}
	}
}

// Next returns the most recent frame not returned before. It returns
// video.ErrNoFrame if no new frame has arrived and io.EOF once gstreamer
// has exited and all frames have been consumed.
func (s *Source) Next() (video.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil {
		f := *s.latest
		s.latest = nil
		return f, nil
	}
	if s.err != nil {
		err := s.err
		s.err = nil
		return video.Frame{}, err
	}
	select {
	case <-s.exited:
		return video.Frame{}, io.EOF
	default:
		return video.Frame{}, video.ErrNoFrame
	}
}

// Close shuts down the source, stopping gstreamer and removing the temporary
// directory.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.exited
		}
		if s.watcher != nil {
			s.watcher.Close()
		}
		if s.tempDir != "" {
			os.RemoveAll(s.tempDir)
		}
	})
	return nil
}

// OpenFunc returns a video.OpenFunc that opens cameras with gstreamer. The
// argument passed to the returned function selects the device.
func OpenFunc(opts SourceOpts) video.OpenFunc {
	return func(device string) (video.Source, error) {
		o := opts
		o.DeviceID = device
		s, err := NewSource(o)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", drowsy.ErrSourceUnavailable, err)
		}
		return s, nil
	}
}
