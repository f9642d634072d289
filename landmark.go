package drowsy

import (
	"fmt"
	"image"
)

// Point is a landmark position. X and Y are normalized to the frame, in the
// range [0, 1]. Z is a relative depth and may be zero if the model does not
// provide it.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

// LandmarkSet holds the landmarks of one detected face. Sets have no identity
// across frames: the first set in one frame is not necessarily the same face
// as the first set in the next frame.
type LandmarkSet []Point

// Bounds returns the normalized bounding box around all points.
func (s LandmarkSet) Bounds() (min, max Point) {
	if len(s) == 0 {
		return
	}
	min, max = s[0], s[0]
	for _, p := range s[1:] {
		if p.X < min.X {
			min.X = p.X
		}
		if p.Y < min.Y {
			min.Y = p.Y
		}
		if p.X > max.X {
			max.X = p.X
		}
		if p.Y > max.Y {
			max.Y = p.Y
		}
	}
	return
}

// LandmarkProvider finds faces in an image and returns their landmarks.
type LandmarkProvider interface {
	// Infer returns zero or more landmark sets, one per detected face. The
	// image is only read.
	Infer(img image.Image) ([]LandmarkSet, error)

	// Close releases the model.
	Close() error
}

// Eye selects the left or right eye, from the perspective of the person in
// the frame.
type Eye int

const (
	LeftEye Eye = iota
	RightEye
)

func (e Eye) String() string {
	switch e {
	case LeftEye:
		return "left"
	case RightEye:
		return "right"
	}
	return fmt.Sprintf("eye(%d)", int(e))
}

// EyeMapping holds, per eye, the six landmark indices that make up the eye
// contour. The order is: eye corner (p0), two upper lid points (p1, p2), the
// opposite corner (p3) and two lower lid points (p4, p5). The mapping is a
// contract with the landmark model; it is not validated per frame beyond
// range checks.
type EyeMapping struct {
	Left  []int `json:"left_eye"`
	Right []int `json:"right_eye"`
}

// DefaultEyeMapping is the point numbering of the MediaPipe Face Mesh model
// (468/478 landmarks).
var DefaultEyeMapping = EyeMapping{
	Left:  []int{362, 385, 387, 263, 373, 380},
	Right: []int{33, 160, 158, 133, 153, 144},
}

// Indices returns the contour indices for eye.
func (m EyeMapping) Indices(eye Eye) []int {
	if eye == LeftEye {
		return m.Left
	}
	return m.Right
}

// Validate checks that both eyes have six indices below landmarkCount. A
// landmarkCount of zero skips the range check.
func (m EyeMapping) Validate(landmarkCount int) error {
	for _, eye := range []Eye{LeftEye, RightEye} {
		idx := m.Indices(eye)
		if len(idx) != ContourPoints {
			return fmt.Errorf("%s eye mapping has %d indices, need %d", eye, len(idx), ContourPoints)
		}
		for _, i := range idx {
			if i < 0 || (landmarkCount > 0 && i >= landmarkCount) {
				return fmt.Errorf("%s eye index %d out of range for %d landmarks", eye, i, landmarkCount)
			}
		}
	}
	return nil
}
