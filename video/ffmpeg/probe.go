package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	drowsy "github.com/edgeimpulse/drowsy-go"
)

// Info describes the first video stream of a file.
type Info struct {
	Width  int
	Height int
	Frames int // Only set by CountFrames.
	FPS    float64
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		NbReadFrames string `json:"nb_read_frames"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe reads the size and frame rate of the first video stream of path from
// its headers, without decoding frames. Files without a video stream return
// an error wrapping drowsy.ErrCorruptArtifact.
func Probe(ctx context.Context, path string) (Info, error) {
	return probe(ctx, probeArgs(path, false))
}

// CountFrames is like Probe, but also decodes the whole stream to count its
// frames into Info.Frames.
func CountFrames(ctx context.Context, path string) (Info, error) {
	return probe(ctx, probeArgs(path, true))
}

func probeArgs(path string, count bool) []string {
	args := []string{"-v", "error", "-select_streams", "v:0"}
	entries := "stream=width,height,r_frame_rate"
	if count {
		args = append(args, "-count_frames")
		entries += ",nb_read_frames"
	}
	return append(args, "-show_entries", entries, "-of", "json", path)
}

func probe(ctx context.Context, args []string) (Info, error) {
	path := args[len(args)-1]
	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	stderr := &tailBuffer{max: 1024}
	cmd.Stderr = stderr
	buf, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return Info{}, fmt.Errorf("%w: ffprobe %s: %s", drowsy.ErrCorruptArtifact, path, stderr.String())
		}
		return Info{}, fmt.Errorf("running ffprobe: %w", installHint(err))
	}
	return parseProbe(buf)
}

func parseProbe(buf []byte) (Info, error) {
	var out probeOutput
	if err := json.Unmarshal(buf, &out); err != nil {
		return Info{}, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return Info{}, fmt.Errorf("%w: no video stream", drowsy.ErrCorruptArtifact)
	}
	st := out.Streams[0]
	if st.Width <= 0 || st.Height <= 0 {
		return Info{}, fmt.Errorf("%w: invalid video size %dx%d", drowsy.ErrCorruptArtifact, st.Width, st.Height)
	}
	info := Info{Width: st.Width, Height: st.Height}
	if n, err := strconv.Atoi(st.NbReadFrames); err == nil {
		info.Frames = n
	}
	if num, den, ok := strings.Cut(st.RFrameRate, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 == nil && err2 == nil && d != 0 {
			info.FPS = n / d
		}
	}
	return info, nil
}
