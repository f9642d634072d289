// Package drowsy detects driver drowsiness by measuring eye closure in video
// frames. It runs a facial landmark model process, computes the openness of
// each eye from the landmarks, and classifies closed-eye runs into blinks and
// microsleeps.
package drowsy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// RunnerResponse represents the basic status of a response from the model.
type RunnerResponse struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (r RunnerResponse) runnerResponse() RunnerResponse {
	return r
}

type runnerResponser interface {
	runnerResponse() RunnerResponse
}

// runnerHelloRequest is a request to the model for its parameters.
type runnerHelloRequest struct {
	ID    int64 `json:"id"`
	Hello int   `json:"hello"` // 1
}

// ModelTypeFaceLandmarks is the model type of a landmark model.
const ModelTypeFaceLandmarks = "face_landmarks"

// ModelParameters holds the parameters a landmark model reports about itself.
type ModelParameters struct {
	ModelType string `json:"model_type"`

	ImageInputWidth   int `json:"image_input_width"`
	ImageInputHeight  int `json:"image_input_height"`
	ImageChannelCount int `json:"image_channel_count"`

	// Number of landmarks per face.
	LandmarkCount int `json:"landmark_count"`

	// Eye contour indices. If empty, DefaultEyeMapping applies.
	LeftEye  []int `json:"left_eye,omitempty"`
	RightEye []int `json:"right_eye,omitempty"`
}

// EyeMapping returns the eye contour indices advertised by the model, or
// DefaultEyeMapping.
func (p ModelParameters) EyeMapping() EyeMapping {
	if len(p.LeftEye) == 0 && len(p.RightEye) == 0 {
		return DefaultEyeMapping
	}
	return EyeMapping{Left: p.LeftEye, Right: p.RightEye}
}

// String returns a human-readable summary of the model parameters.
func (p ModelParameters) String() string {
	return fmt.Sprintf("%s, %dx%d (%d channels), %d landmarks", p.ModelType, p.ImageInputWidth, p.ImageInputHeight, p.ImageChannelCount, p.LandmarkCount)
}

// Project holds the project information stored in the model.
type Project struct {
	DeployVersion int64  `json:"deploy_version"`
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Owner         string `json:"owner"`
}

// String returns human-readable project info.
func (p Project) String() string {
	return fmt.Sprintf("%s/%s (v%v)", p.Owner, p.Name, p.DeployVersion)
}

// runnerHelloResponse is the response from the model to a runnerHelloRequest.
type runnerHelloResponse struct {
	RunnerResponse
	ModelParameters ModelParameters `json:"model_parameters"`
	Project         Project         `json:"project"`
}

// RunnerInferRequest is a request to the model to find face landmarks in an
// image. Each feature is one pixel, packed as r<<16 | g<<8 | b.
type RunnerInferRequest struct {
	ID    int64     `json:"id"`
	Infer []float64 `json:"infer"`
}

// RunnerFace is one face found by the model.
type RunnerFace struct {
	Landmarks []Point `json:"landmarks"`
	Score     float64 `json:"score"`
}

// RunnerInferResponse is the response from the model to a RunnerInferRequest.
type RunnerInferResponse struct {
	RunnerResponse

	Result struct {
		Faces []RunnerFace `json:"faces"`
	} `json:"result"`

	Timing struct {
		Inference float64 `json:"inference"`
	} `json:"timing"`
}

// RunnerOpts contains options for starting a runner.
type RunnerOpts struct {
	// Explicitly set a working directory. This directory is not
	// automatically removed on Close. If empty, a temporary directory is
	// created.
	WorkDir string

	// If not empty, the JSON-encoded requests and responses are written to
	// this directory.
	TraceDir string

	// Maximum time to wait for a response from the model. Zero means
	// DefaultRunnerTimeout.
	Timeout time.Duration

	Logger *zap.Logger
}

// DefaultRunnerTimeout is the default time to wait for a model response.
const DefaultRunnerTimeout = 5 * time.Second

// LandmarkRunner is a running landmark model process.
type LandmarkRunner struct {
	modelParams ModelParameters
	project     Project
	opts        RunnerOpts
	log         *zap.Logger
	tempDir     string             // Temp dir created for this runner if any. Removed on close.
	cancel      context.CancelFunc // For stopping model process.
	conn        net.Conn           // Unix domain socket to model process.
	reader      *bufio.Reader
	partial     []byte     // Start of a message cut off by a read timeout.
	mutex       sync.Mutex // Serializing requests to model process.
	lastID      int64
}

// Ensure that LandmarkRunner implements interface LandmarkProvider.
var _ LandmarkProvider = (*LandmarkRunner)(nil)

// ModelParameters returns the parameters for this runner.
func (r *LandmarkRunner) ModelParameters() ModelParameters {
	return r.modelParams
}

// Project returns the project for this runner.
func (r *LandmarkRunner) Project() Project {
	return r.project
}

// NewLandmarkRunner starts the model executable at modelPath and asks it for
// its parameters. Always call Close on a runner, to clean up any temporary
// directories.
func NewLandmarkRunner(modelPath string, opts *RunnerOpts) (runner *LandmarkRunner, rerr error) {
	var err error
	modelPath, err = filepath.Abs(modelPath)
	if err != nil {
		return nil, fmt.Errorf("absolute path for modelPath %q: %w", modelPath, err)
	}

	r := &LandmarkRunner{}
	if opts != nil {
		r.opts = *opts
	}
	r.log = r.opts.Logger
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.opts.Timeout <= 0 {
		r.opts.Timeout = DefaultRunnerTimeout
	}

	// Make sure we cleanup on failure.
	defer func() {
		if rerr != nil {
			r.Close()
		}
	}()

	if r.opts.WorkDir == "" {
		dir, err := TempDir()
		if err != nil {
			return nil, fmt.Errorf("making temp dir: %w", err)
		}
		r.opts.WorkDir = dir
		r.tempDir = dir
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	cmd := exec.CommandContext(ctx, modelPath, "runner.sock")
	cmd.Dir = r.opts.WorkDir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting model process: %w", err)
	}
	go cmd.Wait()

	sockPath := filepath.Join(r.opts.WorkDir, "runner.sock")
	for i := 0; ; i++ {
		conn, err := net.Dial("unix", sockPath)
		if err == nil {
			r.conn = conn
			r.reader = bufio.NewReader(conn)
			break
		}
		if !errors.Is(err, syscall.ENOENT) && !errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("opening runner socket: %w", err)
		}
		if i == 5000 {
			return nil, fmt.Errorf("no socket from runner")
		}
		time.Sleep(1 * time.Millisecond)
	}

	helloReq := runnerHelloRequest{ID: r.nextID(), Hello: 1}
	var helloResp runnerHelloResponse
	if err := r.transact(helloReq.ID, helloReq, &helloResp); err != nil {
		return nil, fmt.Errorf("hello to model: %w", err)
	}
	mp := helloResp.ModelParameters
	if mp.ModelType == "" {
		mp.ModelType = ModelTypeFaceLandmarks
	}
	if mp.ModelType != ModelTypeFaceLandmarks {
		return nil, fmt.Errorf("model type is %q, expected %q", mp.ModelType, ModelTypeFaceLandmarks)
	}
	if mp.ImageInputWidth <= 0 || mp.ImageInputHeight <= 0 {
		return nil, fmt.Errorf("model reports invalid input size %dx%d", mp.ImageInputWidth, mp.ImageInputHeight)
	}
	if err := mp.EyeMapping().Validate(mp.LandmarkCount); err != nil {
		return nil, fmt.Errorf("model eye mapping: %w", err)
	}
	r.modelParams = mp
	r.project = helloResp.Project

	return r, nil
}

// Do a single request/response transaction. Messages in both directions
// are JSON followed by a zero byte.
func (r *LandmarkRunner) transact(id int64, req interface{}, resp runnerResponser) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	buf = append(buf, 0)
	if _, err := r.conn.Write(buf); err != nil {
		return fmt.Errorf("writing json to model: %w", err)
	}

	r.writeTrace(filepath.Join(r.opts.TraceDir, fmt.Sprintf("runner-%d-request.json", id)), req)

	r.conn.SetReadDeadline(time.Now().Add(r.opts.Timeout))

	// Responses to earlier requests that timed out may still arrive, they
	// are skipped.
	for {
		msg, err := r.reader.ReadBytes(0)
		if err != nil {
			r.partial = append(r.partial, msg...)
			return fmt.Errorf("reading from model: %w", err)
		}
		if len(r.partial) > 0 {
			msg = append(r.partial, msg...)
			r.partial = nil
		}
		msg = msg[:len(msg)-1]

		var rr RunnerResponse
		if err := json.Unmarshal(msg, &rr); err != nil {
			return fmt.Errorf("parsing json from model: %w", err)
		}
		if rr.ID < id {
			r.log.Debug("skipping stale model response", zap.Int64("id", rr.ID), zap.Int64("want", id))
			continue
		}
		if rr.ID != id {
			return fmt.Errorf("model responded with id %d, expected %d", rr.ID, id)
		}
		if err := json.Unmarshal(msg, resp); err != nil {
			return fmt.Errorf("parsing json from model: %w", err)
		}
		break
	}

	r.writeTrace(filepath.Join(r.opts.TraceDir, fmt.Sprintf("runner-%d-response.json", id)), resp)

	if rr := resp.runnerResponse(); !rr.Success {
		return fmt.Errorf("model error: %s", rr.Error)
	}
	return nil
}

func (r *LandmarkRunner) writeTrace(filename string, data interface{}) {
	if r.opts.TraceDir == "" {
		return
	}

	f, err := os.Create(filename)
	if err != nil {
		r.log.Warn("trace, creating file", zap.String("file", filename), zap.Error(err))
		return
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(data); err != nil {
		r.log.Warn("trace, writing data", zap.String("file", filename), zap.Error(err))
	}
	r.log.Debug("trace", zap.String("file", filename))
}

func (r *LandmarkRunner) nextID() int64 {
	r.lastID++
	return r.lastID
}

// Features resizes img to width x height and packs each pixel into one
// value, r<<16 | g<<8 | b, row by row. The image is stretched, not cropped,
// so normalized coordinates from the model map back onto img.
func Features(img image.Image, width, height int) []float64 {
	if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
		img = imaging.Resize(img, width, height, imaging.Linear)
	}
	bounds := img.Bounds()
	data := make([]float64, 0, width*height)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			v := (r>>8)<<16 | (g>>8)<<8 | b>>8
			data = append(data, float64(v))
		}
	}
	return data
}

// Infer runs the model on img and returns the landmarks of each face found.
func (r *LandmarkRunner) Infer(img image.Image) ([]LandmarkSet, error) {
	data := Features(img, r.modelParams.ImageInputWidth, r.modelParams.ImageInputHeight)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.conn == nil {
		return nil, fmt.Errorf("runner closed")
	}
	req := RunnerInferRequest{
		ID:    r.nextID(),
		Infer: data,
	}
	var resp RunnerInferResponse
	if err := r.transact(req.ID, req, &resp); err != nil {
		return nil, err
	}
	sets := make([]LandmarkSet, 0, len(resp.Result.Faces))
	for _, f := range resp.Result.Faces {
		sets = append(sets, LandmarkSet(f.Landmarks))
	}
	return sets, nil
}

// Close shuts down the runner, stopping the model process.
func (r *LandmarkRunner) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	if r.tempDir != "" {
		os.RemoveAll(r.tempDir)
		r.tempDir = ""
	}
	return nil
}
