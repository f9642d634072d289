package drowsy

import (
	"fmt"
	"math"
)

// ContourPoints is the number of landmarks in one eye contour.
const ContourPoints = 6

// ExtractEye selects the contour points of eye from set.
func ExtractEye(set LandmarkSet, eye Eye, mapping EyeMapping) ([]Point, error) {
	idx := mapping.Indices(eye)
	if len(idx) != ContourPoints {
		return nil, &GeometryError{eye, fmt.Sprintf("mapping has %d points, need %d", len(idx), ContourPoints)}
	}
	contour := make([]Point, len(idx))
	for i, j := range idx {
		if j < 0 || j >= len(set) {
			return nil, &GeometryError{eye, fmt.Sprintf("landmark %d missing, face has %d landmarks", j, len(set))}
		}
		contour[i] = set[j]
	}
	return contour, nil
}

// AspectRatio returns the openness of an eye contour: the vertical distance
// between p1 and p5 divided by the horizontal distance between p0 and p3.
// Only the magnitude is returned, models disagree on the direction of the y
// axis.
func AspectRatio(contour []Point) (float64, error) {
	if len(contour) != ContourPoints {
		return 0, &GeometryError{Reason: fmt.Sprintf("contour has %d points, need %d", len(contour), ContourPoints)}
	}
	width := contour[3].X - contour[0].X
	if width == 0 || math.IsNaN(width) || math.IsInf(width, 0) {
		return 0, &GeometryError{Reason: "zero horizontal eye width"}
	}
	return math.Abs((contour[1].Y - contour[5].Y) / width), nil
}

// EyeAspectRatio extracts the contour for eye and returns its openness.
func EyeAspectRatio(set LandmarkSet, eye Eye, mapping EyeMapping) (float64, error) {
	contour, err := ExtractEye(set, eye, mapping)
	if err != nil {
		return 0, err
	}
	r, err := AspectRatio(contour)
	if err != nil {
		if gerr, ok := err.(*GeometryError); ok {
			gerr.Eye = eye
		}
		return 0, err
	}
	return r, nil
}

// Sample is the openness of both eyes in one frame. An eye without a valid
// measurement has its OK field false.
type Sample struct {
	Left, Right     float64
	LeftOK, RightOK bool
}

// NoSample is the sample for a frame without a detected face.
var NoSample = Sample{}

// MeasureOpenness computes the sample for one face. Geometry errors are
// returned for logging, the corresponding eye is marked as not OK.
func MeasureOpenness(set LandmarkSet, mapping EyeMapping) (Sample, []error) {
	var s Sample
	var errs []error
	var err error
	s.Left, err = EyeAspectRatio(set, LeftEye, mapping)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.LeftOK = true
	}
	s.Right, err = EyeAspectRatio(set, RightEye, mapping)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.RightOK = true
	}
	return s, errs
}
