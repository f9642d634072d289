package monitor

import (
	"errors"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/internal/timeutil"
	"github.com/edgeimpulse/drowsy-go/schedule"
	"github.com/edgeimpulse/drowsy-go/video"
)

const waitFor = 5 * time.Second

var testMapping = drowsy.EyeMapping{
	Left:  []int{0, 1, 2, 3, 4, 5},
	Right: []int{6, 7, 8, 9, 10, 11},
}

func eye(x, open float64) []drowsy.Point {
	return []drowsy.Point{
		{X: x, Y: 0.5},
		{X: x + 0.05, Y: 0.5 - open/2},
		{X: x + 0.15, Y: 0.5 - open/2},
		{X: x + 0.2, Y: 0.5},
		{X: x + 0.15, Y: 0.5 + open/2},
		{X: x + 0.05, Y: 0.5 + open/2},
	}
}

func face(open float64) drowsy.LandmarkSet {
	return append(drowsy.LandmarkSet(eye(0.6, open)), eye(0.2, open)...)
}

// fakeProvider finds one face in every frame, with closed eyes if the frame
// is dark. Frames that are pure red have no face.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *fakeProvider) Infer(img image.Image) ([]drowsy.LandmarkSet, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	r, g, _, _ := img.At(0, 0).RGBA()
	switch {
	case r > 0x8000 && g < 0x8000:
		return nil, nil
	case r < 0x8000:
		return []drowsy.LandmarkSet{face(0.01)}, nil
	}
	return []drowsy.LandmarkSet{face(0.1)}, nil
}

func (p *fakeProvider) Close() error { return nil }

func frame(c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

var (
	openFrame   = frame(color.White)
	closedFrame = frame(color.Black)
	noFaceFrame = frame(color.NRGBA{0xff, 0, 0, 0xff})
)

// frames returns n open frames, with frames first to last (1-based) closed.
func frames(n, first, last int) []image.Image {
	l := make([]image.Image, n)
	for i := range l {
		l[i] = openFrame
		if i+1 >= first && i+1 <= last {
			l[i] = closedFrame
		}
	}
	return l
}

// fakeSource returns its frames, then io.EOF. If endless is set, it keeps
// returning open frames instead.
type fakeSource struct {
	mu      sync.Mutex
	frames  []image.Image
	endless bool
	pulled  int
	closed  bool
}

func (s *fakeSource) Next() (video.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return video.Frame{}, errors.New("next on closed source")
	}
	if s.pulled >= len(s.frames) {
		if !s.endless {
			return video.Frame{}, io.EOF
		}
		s.pulled++
		return video.Frame{Seq: uint64(s.pulled), Time: time.Now(), Image: openFrame}, nil
	}
	img := s.frames[s.pulled]
	s.pulled++
	return video.Frame{Seq: uint64(s.pulled), Time: time.Now(), Image: img}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) state() (pulled int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulled, s.closed
}

type fakeEncoder struct {
	mu       sync.Mutex
	path     string
	opts     video.EncoderOpts
	appended []image.Image
	failAt   int
	closed   bool
}

func (e *fakeEncoder) Append(img image.Image) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("append on closed encoder")
	}
	if e.failAt > 0 && len(e.appended)+1 == e.failAt {
		return errors.New("disk full")
	}
	e.appended = append(e.appended, img)
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type harness struct {
	source    *fakeSource
	encoders  []*fakeEncoder
	finalized []string
	openErr   error
	createErr error
	failAt    int
	mu        sync.Mutex
}

func (h *harness) open(string) (video.Source, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	return h.source, nil
}

func (h *harness) create(path string, opts video.EncoderOpts) (video.Encoder, error) {
	if h.createErr != nil {
		return nil, h.createErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e := &fakeEncoder{path: path, opts: opts, failAt: h.failAt}
	h.encoders = append(h.encoders, e)
	return e, nil
}

func (h *harness) monitor(t *testing.T, opts Opts) *Monitor {
	t.Helper()
	opts.Open = h.open
	opts.Create = h.create
	opts.Finalized = func(path string) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.finalized = append(h.finalized, path)
	}
	opts.Mapping = testMapping
	if opts.Interval == 0 {
		opts.Interval = time.Millisecond
	}
	if opts.Classifier.MicrosleepFrames == 0 {
		opts.Classifier.MicrosleepFrames = 4
	}
	if opts.Dir == "" {
		opts.Dir = filepath.Join(t.TempDir(), "videos")
	}
	m, err := New(&fakeProvider{}, opts)
	require.NoError(t, err)
	return m
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
}

func TestScenarios(t *testing.T) {
	tcs := []struct {
		name                string
		first, last         int
		blinks, microsleeps int
	}{
		{"short closure is a blink", 3, 5, 1, 0},
		{"long closure is a microsleep", 3, 7, 0, 1},
		{"closure at threshold is a microsleep", 3, 6, 0, 1},
		{"unfinished closure is not counted", 7, 10, 0, 0},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			h := &harness{source: &fakeSource{frames: frames(10, tc.first, tc.last)}}
			m := h.monitor(t, Opts{})
			require.NoError(t, m.Start())
			waitDone(t, m)

			blinks, microsleeps := m.Counters()
			assert.Equal(t, tc.blinks, blinks, "blinks")
			assert.Equal(t, tc.microsleeps, microsleeps, "microsleeps")
			assert.False(t, m.IsActive())
			assert.NoError(t, m.Err())
			assert.Zero(t, m.State().ClosedFrames)

			pulled, closed := h.source.state()
			assert.Equal(t, 10, pulled)
			assert.True(t, closed, "source not closed on exhaustion")
		})
	}
}

func TestRecording(t *testing.T) {
	h := &harness{source: &fakeSource{frames: frames(10, 3, 5)}}
	dir := filepath.Join(t.TempDir(), "videos")
	m := h.monitor(t, Opts{Record: true, Dir: dir, Interval: 50 * time.Millisecond})
	require.NoError(t, m.Start())
	require.True(t, m.State().Recording)
	waitDone(t, m)

	require.Len(t, h.encoders, 1)
	enc := h.encoders[0]
	assert.True(t, enc.closed, "artifact not finalized")
	assert.Len(t, enc.appended, 10)
	assert.Equal(t, video.EncoderOpts{Codec: "XVID", FPS: 20, Width: 1280, Height: 720}, enc.opts)
	assert.Equal(t, dir, filepath.Dir(enc.path))
	assert.Regexp(t, regexp.MustCompile(`^session-\d{8}-\d{6}-[0-9a-f]{8}\.avi$`), filepath.Base(enc.path))
	assert.Equal(t, []string{enc.path}, h.finalized)

	st := m.State()
	assert.False(t, st.Recording)
	assert.Equal(t, enc.path, st.Artifact)
	assert.Equal(t, 1, st.BlinkCount)

	// Recorded frames are the annotated copies, not the source frames.
	assert.NotSame(t, closedFrame, enc.appended[2])
	assert.Equal(t, closedFrame.Bounds(), enc.appended[2].Bounds())
}

func TestStopIdempotent(t *testing.T) {
	h := &harness{source: &fakeSource{frames: frames(6, 2, 3), endless: true}}
	m := h.monitor(t, Opts{Record: true})
	require.NoError(t, m.Start())
	require.Eventually(t, func() bool {
		pulled, _ := h.source.state()
		return pulled > 8
	}, waitFor, time.Millisecond)

	require.NoError(t, m.Stop())
	blinks, microsleeps := m.Counters()
	require.Equal(t, 1, blinks)
	require.Equal(t, 0, microsleeps)

	require.NoError(t, m.Stop())
	b2, m2 := m.Counters()
	require.Equal(t, blinks, b2)
	require.Equal(t, microsleeps, m2)
	require.False(t, m.IsActive())
	_, closed := h.source.state()
	require.True(t, closed)
	require.True(t, h.encoders[0].closed)
	require.Len(t, h.finalized, 1)
	waitDone(t, m)

	// Counters survive until the next start.
	h.source = &fakeSource{frames: frames(3, 0, 0)}
	require.NoError(t, m.Start())
	b3, _ := m.Counters()
	require.Zero(t, b3)
	waitDone(t, m)
}

func TestStopWithoutSession(t *testing.T) {
	h := &harness{}
	m := h.monitor(t, Opts{})
	require.NoError(t, m.Stop())
	require.False(t, m.IsActive())
	waitDone(t, m)
	require.Nil(t, m.LatestFrame())
}

func TestStartWhileActive(t *testing.T) {
	h := &harness{source: &fakeSource{frames: frames(4, 2, 2), endless: true}}
	m := h.monitor(t, Opts{Record: true})
	require.NoError(t, m.Start())
	defer m.Stop()
	require.Eventually(t, func() bool {
		b, _ := m.Counters()
		return b == 1
	}, waitFor, time.Millisecond)

	err := m.Start()
	require.ErrorIs(t, err, drowsy.ErrAlreadyActive)
	require.True(t, m.IsActive())
	require.Len(t, h.encoders, 1, "second start created an artifact")
	b, _ := m.Counters()
	require.Equal(t, 1, b)
}

func TestStartSourceUnavailable(t *testing.T) {
	h := &harness{source: &fakeSource{frames: frames(5, 2, 3)}}
	m := h.monitor(t, Opts{Record: true})
	require.NoError(t, m.Start())
	waitDone(t, m)
	before := m.State()
	require.Equal(t, 1, before.BlinkCount)

	h.openErr = errors.New("no such device")
	err := m.Start()
	require.ErrorIs(t, err, drowsy.ErrSourceUnavailable)
	require.False(t, m.IsActive())
	require.Equal(t, before, m.State())
	require.Len(t, h.encoders, 1)
}

func TestStartCreateFails(t *testing.T) {
	h := &harness{source: &fakeSource{frames: frames(5, 0, 0)}, createErr: errors.New("read-only file system")}
	m := h.monitor(t, Opts{Record: true})
	err := m.Start()
	require.ErrorIs(t, err, drowsy.ErrEncode)
	require.False(t, m.IsActive())
	_, closed := h.source.state()
	require.True(t, closed, "source left open after failed start")
}

func TestEncodeError(t *testing.T) {
	h := &harness{source: &fakeSource{frames: frames(10, 0, 0)}, failAt: 3}
	m := h.monitor(t, Opts{Record: true})
	require.NoError(t, m.Start())
	waitDone(t, m)

	require.ErrorIs(t, m.Err(), drowsy.ErrEncode)
	require.False(t, m.IsActive())
	enc := h.encoders[0]
	require.True(t, enc.closed, "artifact not finalized after encode error")
	require.Len(t, enc.appended, 2)
	_, closed := h.source.state()
	require.True(t, closed)

	// A failed session does not prevent the next one.
	h.source = &fakeSource{frames: frames(2, 0, 0)}
	h.failAt = 0
	require.NoError(t, m.Start())
	waitDone(t, m)
	require.NoError(t, m.Err())
}

func TestEvents(t *testing.T) {
	h := &harness{source: &fakeSource{frames: []image.Image{openFrame, noFaceFrame, closedFrame, openFrame}}}
	m := h.monitor(t, Opts{Interval: 20 * time.Millisecond})

	var events []Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev := <-m.Events:
				events = append(events, ev)
			case <-time.After(time.Second):
				return
			}
		}
	}()
	require.NoError(t, m.Start())
	waitDone(t, m)
	wg.Wait()

	require.Len(t, events, 4)
	assert.Equal(t, 1, events[0].Faces)
	assert.Equal(t, 0, events[1].Faces)
	assert.Equal(t, drowsy.NoSample, events[1].Sample)
	assert.Equal(t, drowsy.EventNone, events[2].Kind)
	assert.Equal(t, drowsy.EventBlink, events[3].Kind)
	assert.Equal(t, 1, events[3].Blinks)
	assert.Same(t, events[3].Frame, m.LatestFrame())
}

func TestMockClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	timer := schedule.NewSessionTimer(clock)
	timer.Start()
	defer timer.Stop()

	h := &harness{source: &fakeSource{frames: frames(3, 1, 1)}}
	m := h.monitor(t, Opts{Clock: clock, Interval: time.Second, Timer: timer, Record: true})
	require.NoError(t, m.Start())
	require.Regexp(t, `session-20260301-080000-[0-9a-f]{8}\.avi$`, m.State().Artifact)

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		require.Eventually(t, func() bool {
			pulled, _ := h.source.state()
			return pulled == i
		}, waitFor, time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return timer.Elapsed() == 3*time.Second
	}, waitFor, time.Millisecond)
	require.True(t, m.IsActive())

	// The session ends on the next tick, the timer keeps running.
	clock.Advance(time.Second)
	waitDone(t, m)
	require.Eventually(t, func() bool {
		return timer.Elapsed() == 4*time.Second
	}, waitFor, time.Millisecond)
	st := m.State()
	require.Equal(t, 1, st.BlinkCount)
	require.Equal(t, 4*time.Second, st.Elapsed)
	require.False(t, st.Recording)
}

func TestNewInvalid(t *testing.T) {
	open := func(string) (video.Source, error) { return nil, nil }
	_, err := New(&fakeProvider{}, Opts{})
	require.Error(t, err, "missing open")
	_, err = New(nil, Opts{Open: open})
	require.Error(t, err, "missing provider")
	_, err = New(&fakeProvider{}, Opts{Open: open, Record: true})
	require.Error(t, err, "missing create")
	_, err = New(&fakeProvider{}, Opts{Open: open, Mapping: drowsy.EyeMapping{Left: []int{1}}})
	require.Error(t, err, "short mapping")
	_, err = New(&fakeProvider{}, Opts{Open: open, Ext: ".mkv"})
	require.Error(t, err, "unlisted extension")
	_, err = New(&fakeProvider{}, Opts{Open: open, Ext: "avi"})
	require.Error(t, err, "extension without dot")

	m, err := New(&fakeProvider{}, Opts{Open: open, Interval: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 20, m.Opts().Classifier.MicrosleepFrames)
	require.Equal(t, drowsy.DefaultEyeMapping, m.Opts().Mapping)
}

func TestArtifactName(t *testing.T) {
	got := artifactName(time.Date(2026, 10, 19, 7, 5, 9, 0, time.UTC), "0a1b2c3d", ".mp4")
	require.Equal(t, "session-20261019-070509-0a1b2c3d.mp4", got)
}
