package ffmpeg

import (
	"context"
	"errors"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/video"
)

func TestParseDevices(t *testing.T) {
	const v4l2ctl = `bcm2835-codec-decode (platform:bcm2835-codec):
	/dev/video10
	/dev/video11
	/dev/media2

HD Pro Webcam C920 (usb-0000:01:00.0-1.2):
	/dev/video0
	/dev/video1
	/dev/media3

`
	devs, err := parseDevices(v4l2ctl)
	if err != nil {
		t.Fatalf("parsing v4l2-ctl output: %v", err)
	}
	exp := []video.Device{
		{ID: "/dev/video0", Name: "HD Pro Webcam C920 (usb-0000:01:00.0-1.2) (/dev/video0)"},
		{ID: "/dev/video1", Name: "HD Pro Webcam C920 (usb-0000:01:00.0-1.2) (/dev/video1)"},
	}
	if diff := cmp.Diff(exp, devs); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}

	if _, err := parseDevices("bcm2835-isp (platform:bcm2835-isp):\n\t/dev/video13\n"); err == nil {
		t.Fatalf("missing error without capture devices")
	}
}

func TestCodecArgs(t *testing.T) {
	for _, codec := range []string{"", "XVID", "xvid", "MJPG", "mp4v", "avc1", "H264"} {
		if _, err := codecArgs(codec); err != nil {
			t.Errorf("codec %q: %v", codec, err)
		}
	}
	if _, err := codecArgs("DIVX3"); err == nil {
		t.Errorf("missing error for unknown codec")
	}
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{"programs": [], "streams": [{"width": 1280, "height": 720, "r_frame_rate": "20/1", "nb_read_frames": "57"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if diff := cmp.Diff(Info{Width: 1280, Height: 720, Frames: 57, FPS: 20}, info); diff != "" {
		t.Fatalf("info mismatch (-want +got):\n%s", diff)
	}

	_, err = parseProbe([]byte(`{"streams": []}`))
	if !errors.Is(err, drowsy.ErrCorruptArtifact) {
		t.Fatalf("no streams: got %v, expected ErrCorruptArtifact", err)
	}
}

func TestProbeArgs(t *testing.T) {
	for _, a := range probeArgs("x.avi", false) {
		if a == "-count_frames" || strings.Contains(a, "nb_read_frames") {
			t.Fatalf("header probe decodes frames: %v", probeArgs("x.avi", false))
		}
	}
	args := probeArgs("x.avi", true)
	if !slices.Contains(args, "-count_frames") || args[len(args)-1] != "x.avi" {
		t.Fatalf("frame count probe args %v", args)
	}
}

type failCloser struct{ io.Writer }

func (failCloser) Close() error { return errors.New("broken pipe") }

func TestEncoderCloseInputError(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not installed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Encoder{
		log:    zap.NewNop(),
		path:   "x.avi",
		cmd:    exec.CommandContext(ctx, "true"),
		cancel: cancel,
		stdin:  failCloser{io.Discard},
		stderr: &tailBuffer{max: 64},
	}
	if err := e.cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := e.Close()
	if !errors.Is(err, drowsy.ErrEncode) {
		t.Fatalf("close got %v, expected ErrEncode", err)
	}
	if err2 := e.Close(); err2 != err {
		t.Fatalf("second close got %v, expected %v", err2, err)
	}
}

func TestCreateInvalid(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x.avi"), EncoderOpts{EncoderOpts: video.EncoderOpts{Codec: "nope", Width: 4, Height: 4}})
	if !errors.Is(err, drowsy.ErrEncode) {
		t.Fatalf("got %v, expected ErrEncode", err)
	}
}

func needFFmpeg(t *testing.T) {
	for _, name := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not installed", name)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	needFFmpeg(t)

	const w, h, n = 64, 48, 12
	path := filepath.Join(t.TempDir(), "session.avi")
	enc, err := Create(path, EncoderOpts{EncoderOpts: video.EncoderOpts{Codec: "XVID", FPS: 20, Width: w, Height: h}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, w*2, h*2))
		for j := range img.Pix {
			img.Pix[j] = uint8(i * 20)
		}
		if err := enc.Append(img); err != nil {
			t.Fatalf("append frame %d: %v", i, err)
		}
	}
	if enc.Frames() != n {
		t.Fatalf("encoder reports %d frames, expected %d", enc.Frames(), n)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := Probe(context.Background(), path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if info.Width != w || info.Height != h || info.Frames != 0 {
		t.Fatalf("probe got %+v, expected %dx%d without frame count", info, w, h)
	}
	info, err = CountFrames(context.Background(), path)
	if err != nil {
		t.Fatalf("count frames: %v", err)
	}
	if info.Width != w || info.Height != h || info.Frames != n {
		t.Fatalf("count frames got %+v, expected %dx%d with %d frames", info, w, h, n)
	}

	src, err := OpenFile(path, SourceOpts{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	var frames int
	for {
		f, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		frames++
		if f.Seq != uint64(frames) {
			t.Fatalf("frame seq %d, expected %d", f.Seq, frames)
		}
		if b := f.Image.Bounds(); b.Dx() != w || b.Dy() != h {
			t.Fatalf("frame size %v, expected %dx%d", b, w, h)
		}
	}
	if frames != n {
		t.Fatalf("decoded %d frames, expected %d", frames, n)
	}
}

func TestOpenCorrupt(t *testing.T) {
	needFFmpeg(t)

	path := filepath.Join(t.TempDir(), "empty.avi")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path, SourceOpts{}); !errors.Is(err, drowsy.ErrCorruptArtifact) {
		t.Fatalf("got %v, expected ErrCorruptArtifact", err)
	}

	open := OpenFunc(SourceOpts{})
	if _, err := open(path); !errors.Is(err, drowsy.ErrSourceUnavailable) {
		t.Fatalf("open func: got %v, expected ErrSourceUnavailable", err)
	}
}
