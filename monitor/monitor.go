// Package monitor implements the capture loop of a detection session: it
// pulls frames from a video source at a fixed interval, measures eye openness
// on each, classifies blinks and microsleeps, and records annotated frames to
// a video artifact.
package monitor

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/internal/timeutil"
	"github.com/edgeimpulse/drowsy-go/metrics"
	"github.com/edgeimpulse/drowsy-go/schedule"
	"github.com/edgeimpulse/drowsy-go/video"
)

// Default options.
const (
	DefaultInterval = 33 * time.Millisecond
	DefaultDir      = "videos"
	DefaultExt      = ".avi"
	DefaultCodec    = "XVID"
	DefaultWidth    = 1280
	DefaultHeight   = 720
)

// Opts are options for a Monitor.
type Opts struct {
	Logger *zap.Logger
	Clock  timeutil.Clock // Nil means the real clock.

	// Interval between two ticks of the capture loop.
	Interval time.Duration

	Device string         // Device or file passed to Open.
	Open   video.OpenFunc // Required.

	// If Record is set, every annotated frame is appended to a new artifact
	// in Dir, created with Create.
	Record bool
	Create video.CreateFunc
	Dir    string
	Ext    string // One of video.Extensions.
	Codec  string
	Width  int
	Height int

	// Classifier options. If MicrosleepFrames is zero, it is derived from
	// drowsy.DefaultMicrosleepDuration and Interval.
	Classifier drowsy.ClassifierOpts

	// Eye contour indices of the landmark provider. Empty means
	// drowsy.DefaultEyeMapping.
	Mapping drowsy.EyeMapping

	// Moving average window for openness samples, zero disables smoothing.
	Smoothing int

	// Timer, if set, provides the elapsed time in State.
	Timer *schedule.SessionTimer

	// Finalized, if set, is called with the path of each artifact after it
	// has been completely written.
	Finalized func(path string)
}

// Event is emitted for every processed frame.
type Event struct {
	// Frame is the annotated frame. It must not be modified.
	Frame image.Image

	Sample      drowsy.Sample
	Faces       int
	Kind        drowsy.Event
	Blinks      int
	Microsleeps int
}

// Monitor runs detection sessions, one at a time.
type Monitor struct {
	// Events receives an Event for every processed frame. Events are
	// dropped when the channel is full.
	Events chan Event

	opts     Opts
	log      *zap.Logger
	clock    timeutil.Clock
	provider drowsy.LandmarkProvider

	mu         sync.Mutex
	cur        *run
	classifier *drowsy.BlinkClassifier
	maf        *drowsy.MAF
	latest     image.Image
	artifact   string
	done       chan struct{}
	err        error
}

// run holds the resources of one session.
type run struct {
	id       string
	log      *zap.Logger
	source   video.Source
	encoder  video.Encoder
	artifact string
	task     *schedule.Task
	done     chan struct{}
	frames   int
}

// New returns a monitor using provider for landmark detection. The provider
// is not closed by the monitor.
func New(provider drowsy.LandmarkProvider, opts Opts) (*Monitor, error) {
	if provider == nil {
		return nil, fmt.Errorf("missing landmark provider")
	}
	if opts.Open == nil {
		return nil, fmt.Errorf("missing video open function")
	}
	if opts.Record && opts.Create == nil {
		return nil, fmt.Errorf("recording needs a video create function")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.Ext == "" {
		opts.Ext = DefaultExt
	}
	if !video.IsVideo(artifactName(time.Time{}, "", opts.Ext)) {
		return nil, fmt.Errorf("video extension %q not one of %v", opts.Ext, video.Extensions)
	}
	if opts.Codec == "" {
		opts.Codec = DefaultCodec
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = DefaultWidth, DefaultHeight
	}
	if opts.Classifier.MicrosleepFrames == 0 {
		opts.Classifier.MicrosleepFrames = drowsy.MicrosleepFrames(drowsy.DefaultMicrosleepDuration, opts.Interval)
	}
	if len(opts.Mapping.Left) == 0 && len(opts.Mapping.Right) == 0 {
		opts.Mapping = drowsy.DefaultEyeMapping
	}
	if err := opts.Mapping.Validate(0); err != nil {
		return nil, fmt.Errorf("eye mapping: %w", err)
	}
	if opts.Smoothing < 0 {
		return nil, fmt.Errorf("negative smoothing window %d", opts.Smoothing)
	}

	done := make(chan struct{})
	close(done)
	return &Monitor{
		Events:     make(chan Event, 8),
		opts:       opts,
		log:        opts.Logger,
		clock:      opts.Clock,
		provider:   provider,
		classifier: drowsy.NewBlinkClassifier(opts.Classifier),
		done:       done,
	}, nil
}

// Opts returns the effective options.
func (m *Monitor) Opts() Opts {
	return m.opts
}

func artifactName(t time.Time, id, ext string) string {
	return fmt.Sprintf("session-%s-%s%s", t.Format("20060102-150405"), id, ext)
}

// Start opens the video source, creates the artifact if recording, and starts
// the capture loop. Start fails with drowsy.ErrAlreadyActive if a session is
// running, with drowsy.ErrSourceUnavailable if the source cannot be opened
// and with drowsy.ErrEncode if the artifact cannot be created. If Start
// fails, the state of the previous session is left untouched.
func (m *Monitor) Start() (rerr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return drowsy.ErrAlreadyActive
	}

	id := uuid.New()
	r := &run{
		id:   id.String()[:8],
		done: make(chan struct{}),
	}
	r.log = m.log.With(zap.String("session", r.id))

	src, err := m.opts.Open(m.opts.Device)
	if err != nil {
		if !errors.Is(err, drowsy.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", drowsy.ErrSourceUnavailable, err)
		}
		return err
	}
	r.source = src

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			if err := r.source.Close(); err != nil {
				r.log.Debug("closing source", zap.Error(err))
			}
		}
	}()

	var maf *drowsy.MAF
	if m.opts.Smoothing > 0 {
		maf, err = drowsy.NewMAF(m.opts.Smoothing)
		if err != nil {
			return err
		}
	}

	if m.opts.Record {
		if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
			return fmt.Errorf("%w: making video dir: %v", drowsy.ErrEncode, err)
		}
		r.artifact = filepath.Join(m.opts.Dir, artifactName(m.clock.Now(), r.id, m.opts.Ext))
		eopts := video.EncoderOpts{
			Codec:  m.opts.Codec,
			FPS:    float64(time.Second) / float64(m.opts.Interval),
			Width:  m.opts.Width,
			Height: m.opts.Height,
		}
		enc, err := m.opts.Create(r.artifact, eopts)
		if err != nil {
			if !errors.Is(err, drowsy.ErrEncode) {
				err = fmt.Errorf("%w: %v", drowsy.ErrEncode, err)
			}
			return err
		}
		r.encoder = enc
	}

	m.classifier.Reset()
	m.maf = maf
	m.latest = nil
	m.artifact = r.artifact
	m.err = nil
	m.done = r.done
	m.cur = r
	r.task = schedule.Every(m.clock, m.opts.Interval, func() bool {
		return m.tick(r)
	})

	metrics.SessionActive.Set(1)
	r.log.Info("detection started", zap.String("device", m.opts.Device), zap.String("artifact", r.artifact), zap.Duration("interval", m.opts.Interval))
	return nil
}

// tick processes one frame. It returns false when the session has ended.
func (m *Monitor) tick(r *run) bool {
	t0 := m.clock.Now()
	f, err := r.source.Next()
	if errors.Is(err, video.ErrNoFrame) {
		metrics.FramesTotal.WithLabelValues("none").Inc()
		return true
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			m.finish(r, nil, "exhausted")
		} else {
			m.finish(r, fmt.Errorf("reading frame: %w", err), "source_error")
		}
		return false
	}

	ti := m.clock.Now()
	sets, err := m.provider.Infer(f.Image)
	metrics.InferenceDuration.Observe(m.clock.Since(ti).Seconds())
	if err != nil {
		r.log.Debug("inference failed", zap.Uint64("seq", f.Seq), zap.Error(err))
		metrics.FramesTotal.WithLabelValues("infer_error").Inc()
		sets = nil
	} else {
		metrics.FramesTotal.WithLabelValues("ok").Inc()
	}

	sample := drowsy.NoSample
	if len(sets) > 0 {
		var errs []error
		sample, errs = drowsy.MeasureOpenness(sets[0], m.opts.Mapping)
		for _, err := range errs {
			var gerr *drowsy.GeometryError
			if errors.As(err, &gerr) {
				metrics.GeometryErrorsTotal.WithLabelValues(gerr.Eye.String()).Inc()
			}
			r.log.Debug("no openness sample", zap.Uint64("seq", f.Seq), zap.Error(err))
		}
	}

	m.mu.Lock()
	if m.maf != nil {
		sample, err = m.maf.Update(sample)
		if err != nil {
			r.log.Debug("smoothing", zap.Error(err))
		}
	}
	kind := m.classifier.Update(sample)
	closed := m.classifier.Closed(sample)
	blinks, microsleeps := m.classifier.Counts()
	m.mu.Unlock()

	if sample.LeftOK {
		metrics.Openness.WithLabelValues(drowsy.LeftEye.String()).Set(sample.Left)
	}
	if sample.RightOK {
		metrics.Openness.WithLabelValues(drowsy.RightEye.String()).Set(sample.Right)
	}
	if kind != drowsy.EventNone {
		metrics.EventsTotal.WithLabelValues(kind.String()).Inc()
		r.log.Info("eye closure", zap.Stringer("kind", kind), zap.Uint64("seq", f.Seq), zap.Int("blinks", blinks), zap.Int("microsleeps", microsleeps))
	}

	img := annotate(f.Image, sets, m.opts.Mapping, overlay{
		closed:      closed,
		blinks:      blinks,
		microsleeps: microsleeps,
		recording:   r.encoder != nil,
	})

	if r.encoder != nil {
		if err := r.encoder.Append(img); err != nil {
			if !errors.Is(err, drowsy.ErrEncode) {
				err = fmt.Errorf("%w: %v", drowsy.ErrEncode, err)
			}
			m.finish(r, err, "encode_error")
			return false
		}
		r.frames++
	}

	m.mu.Lock()
	m.latest = img
	m.mu.Unlock()

	select {
	case m.Events <- Event{Frame: img, Sample: sample, Faces: len(sets), Kind: kind, Blinks: blinks, Microsleeps: microsleeps}:
	default:
		r.log.Debug("dropping frame event, consumer busy", zap.Uint64("seq", f.Seq))
	}
	metrics.TickDuration.Observe(m.clock.Since(t0).Seconds())
	return true
}

// finish releases the resources of r and ends the session. It returns the
// terminal error of the session, and nil if r had already finished.
func (m *Monitor) finish(r *run, err error, reason string) error {
	m.mu.Lock()
	if m.cur != r {
		m.mu.Unlock()
		return nil
	}

	// An unfinished closed run is never counted.
	m.classifier.ResetRun()

	if cerr := r.source.Close(); cerr != nil {
		r.log.Debug("closing source", zap.Error(cerr))
	}
	finalized := false
	if r.encoder != nil {
		if cerr := r.encoder.Close(); cerr != nil {
			r.log.Error("finalizing artifact", zap.String("artifact", r.artifact), zap.Error(cerr))
			metrics.ArtifactsTotal.WithLabelValues("error").Inc()
			if err == nil {
				err = cerr
				if !errors.Is(err, drowsy.ErrEncode) {
					err = fmt.Errorf("%w: %v", drowsy.ErrEncode, cerr)
				}
				reason = "encode_error"
			}
		} else {
			finalized = true
			metrics.ArtifactsTotal.WithLabelValues("ok").Inc()
		}
	}
	m.err = err
	m.cur = nil
	blinks, microsleeps := m.classifier.Counts()
	m.mu.Unlock()

	metrics.SessionActive.Set(0)
	metrics.SessionsTotal.WithLabelValues(reason).Inc()
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Int("blinks", blinks),
		zap.Int("microsleeps", microsleeps),
		zap.Int("frames", r.frames),
		zap.String("artifact", r.artifact),
	}
	if err != nil {
		r.log.Error("detection ended", append(fields, zap.Error(err))...)
	} else {
		r.log.Info("detection ended", fields...)
	}

	if finalized && m.opts.Finalized != nil {
		m.opts.Finalized(r.artifact)
	}
	close(r.done)
	return err
}

// Stop ends the running session after the current tick, closes the source
// and finalizes the artifact. Counters are kept until the next Start. Stop
// without a running session is a no-op. The returned error is non-nil only
// if the artifact could not be finalized.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	r.task.Stop()
	return m.finish(r, nil, "stopped")
}

// IsActive reports whether a session is running.
func (m *Monitor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil
}

// Done returns a channel that is closed when the current or last session has
// ended, whether by Stop, source exhaustion or an error. Before the first
// session, the channel is closed.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err returns the error that ended the last session, or nil if it was
// stopped or its source was exhausted.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Counters returns the blink and microsleep counts of the current or last
// session.
func (m *Monitor) Counters() (blinks, microsleeps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classifier.Counts()
}

// LatestFrame returns the last annotated frame, or nil if none was processed
// in the current or last session.
func (m *Monitor) LatestFrame() image.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Elapsed returns the time of the session timer, zero without one.
func (m *Monitor) Elapsed() time.Duration {
	if m.opts.Timer == nil {
		return 0
	}
	return m.opts.Timer.Elapsed()
}

// State returns a snapshot of the session state.
func (m *Monitor) State() drowsy.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	blinks, microsleeps := m.classifier.Counts()
	return drowsy.SessionState{
		BlinkCount:      blinks,
		MicrosleepCount: microsleeps,
		Elapsed:         m.Elapsed(),
		Recording:       m.cur != nil && m.cur.encoder != nil,
		ClosedFrames:    m.classifier.ClosedFrames(),
		Artifact:        m.artifact,
	}
}
