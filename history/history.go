// Package history lists recorded session artifacts, renders thumbnails of
// them and plays them back.
package history

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/internal/timeutil"
	"github.com/edgeimpulse/drowsy-go/schedule"
	"github.com/edgeimpulse/drowsy-go/video"
)

// Thumbnail size.
const (
	ThumbWidth  = 160
	ThumbHeight = 90
)

// DefaultPlaybackInterval is the time between two frames during playback.
const DefaultPlaybackInterval = 30 * time.Millisecond

var placeholderColor = color.NRGBA{0x40, 0x40, 0x40, 0xff}

// Placeholder returns the thumbnail used for artifacts that cannot be
// decoded.
func Placeholder() *image.NRGBA {
	return imaging.New(ThumbWidth, ThumbHeight, placeholderColor)
}

// Store gives read-only access to the artifacts in a directory.
type Store struct {
	Dir string

	// Recognized extensions, video.Extensions if nil.
	Extensions []string

	// Open opens an artifact for decoding, given its path.
	Open video.OpenFunc

	Logger *zap.Logger
}

func (s *Store) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Store) recognized(name string) bool {
	if s.Extensions == nil {
		return video.IsVideo(name)
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range s.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// List returns the names of the artifacts in the directory, in directory
// order. A missing directory has no artifacts.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading video dir: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !s.recognized(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// path returns the path of artifact name, which must be a plain file name.
func (s *Store) path(name string) (string, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	if !s.recognized(name) {
		return "", fmt.Errorf("%q is not a video artifact", name)
	}
	return filepath.Join(s.Dir, name), nil
}

// Thumbnail returns the first frame of artifact name, scaled and cropped to
// ThumbWidth x ThumbHeight. Artifacts that cannot be decoded get the
// placeholder, Thumbnail never fails.
func (s *Store) Thumbnail(name string) image.Image {
	img, err := s.firstFrame(name)
	if err != nil {
		s.log().Debug("thumbnail placeholder", zap.String("artifact", name), zap.Error(err))
		return Placeholder()
	}
	return imaging.Fill(img, ThumbWidth, ThumbHeight, imaging.Center, imaging.Linear)
}

func (s *Store) firstFrame(name string) (image.Image, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%w: empty file", drowsy.ErrCorruptArtifact)
	}
	if s.Open == nil {
		return nil, fmt.Errorf("no video open function")
	}
	src, err := s.Open(p)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	f, err := src.Next()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, video.ErrNoFrame) {
			err = fmt.Errorf("%w: no frames", drowsy.ErrCorruptArtifact)
		}
		return nil, err
	}
	return f.Image, nil
}

// Player plays back one artifact. It is independent of other players and of
// running detection sessions.
type Player struct {
	name   string
	src    video.Source
	closed bool
}

// Play opens artifact name for playback.
func (s *Store) Play(name string) (*Player, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	if s.Open == nil {
		return nil, fmt.Errorf("no video open function")
	}
	src, err := s.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	return &Player{name: name, src: src}, nil
}

// Next returns the next frame. At the end of the artifact the player closes
// itself and Next returns io.EOF.
func (p *Player) Next() (video.Frame, error) {
	if p.closed {
		return video.Frame{}, io.EOF
	}
	f, err := p.src.Next()
	if err != nil && !errors.Is(err, video.ErrNoFrame) {
		p.Close()
		if !errors.Is(err, io.EOF) {
			return video.Frame{}, fmt.Errorf("playing %s: %w", p.name, err)
		}
		return video.Frame{}, io.EOF
	}
	return f, err
}

// Close stops playback. Close is idempotent.
func (p *Player) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.src.Close()
}

// Run calls fn with every frame, one per interval, until the artifact ends or
// the returned task is stopped. The player is closed when the task ends by
// itself. After stopping the task, the caller closes the player.
func (p *Player) Run(clock timeutil.Clock, interval time.Duration, fn func(video.Frame)) *schedule.Task {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultPlaybackInterval
	}
	return schedule.Every(clock, interval, func() bool {
		f, err := p.Next()
		if errors.Is(err, video.ErrNoFrame) {
			return true
		}
		if err != nil {
			return false
		}
		fn(f)
		return true
	})
}

// Watch sends the artifact listing whenever the directory changes, until ctx
// is done. The directory is created if missing. If listings arrive faster
// than they are received, only the most recent one is kept.
func (s *Store) Watch(ctx context.Context) (<-chan []string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("making video dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new file change watcher: %w", err)
	}
	if err := watcher.Add(s.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("registering file change watcher for video dir: %w", err)
	}

	c := make(chan []string, 1)
	go func() {
		defer close(c)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op == fsnotify.Chmod {
					continue
				}
				names, err := s.List()
				if err != nil {
					s.log().Warn("listing artifacts", zap.Error(err))
					continue
				}
				select {
				case <-c:
				default:
				}
				c <- names
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log().Warn("watching video dir", zap.Error(err))
			}
		}
	}()
	return c, nil
}
