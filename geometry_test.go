package drowsy_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	drowsy "github.com/edgeimpulse/drowsy-go"
)

var testMapping = drowsy.EyeMapping{
	Left:  []int{0, 1, 2, 3, 4, 5},
	Right: []int{6, 7, 8, 9, 10, 11},
}

// eye returns a contour 0.2 wide with the given lid separation.
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

func face(left, right float64) drowsy.LandmarkSet {
	return append(drowsy.LandmarkSet(eye(0.6, left)), eye(0.2, right)...)
}

func TestAspectRatio(t *testing.T) {
	tcs := []struct {
		name    string
		contour []drowsy.Point
		want    float64
	}{
		{"open", eye(0, 0.1), 0.5},
		{"closed", eye(0, 0.02), 0.1},
		{"shut", eye(0, 0), 0},
	}
	for _, tc := range tcs {
		got, err := drowsy.AspectRatio(tc.contour)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !near(got, tc.want) {
			t.Fatalf("%s: got %v, expected %v", tc.name, got, tc.want)
		}
	}
}

func TestAspectRatioYUp(t *testing.T) {
	c := eye(0, 0.1)
	c[1].Y, c[5].Y = c[5].Y, c[1].Y
	got, err := drowsy.AspectRatio(c)
	if err != nil {
		t.Fatalf("aspect ratio: %v", err)
	}
	if !near(got, 0.5) {
		t.Fatalf("got %v for inverted y axis, expected 0.5", got)
	}
}

func TestAspectRatioDeterministic(t *testing.T) {
	c := eye(0.31, 0.073)
	first, err := drowsy.AspectRatio(c)
	if err != nil {
		t.Fatalf("aspect ratio: %v", err)
	}
	for i := 0; i < 100; i++ {
		r, err := drowsy.AspectRatio(c)
		if err != nil || r != first {
			t.Fatalf("call %d: got %v, %v, expected %v", i, r, err, first)
		}
	}
}

func TestAspectRatioErrors(t *testing.T) {
	var gerr *drowsy.GeometryError

	flat := eye(0, 0.1)
	flat[3].X = flat[0].X
	if _, err := drowsy.AspectRatio(flat); !errors.As(err, &gerr) {
		t.Fatalf("zero width: got %v, expected GeometryError", err)
	}

	if _, err := drowsy.AspectRatio(eye(0, 0.1)[:5]); !errors.As(err, &gerr) {
		t.Fatalf("five points: got %v, expected GeometryError", err)
	}
}

func TestExtractEye(t *testing.T) {
	set := face(0.1, 0.02)
	got, err := drowsy.ExtractEye(set, drowsy.RightEye, testMapping)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if diff := cmp.Diff(eye(0.2, 0.02), got); diff != "" {
		t.Fatalf("right eye contour mismatch (-want +got):\n%s", diff)
	}

	_, err = drowsy.ExtractEye(set[:8], drowsy.RightEye, testMapping)
	var gerr *drowsy.GeometryError
	if !errors.As(err, &gerr) || gerr.Eye != drowsy.RightEye {
		t.Fatalf("short set: got %v, expected right eye GeometryError", err)
	}

	bad := drowsy.EyeMapping{Left: []int{0, 1, 2}, Right: testMapping.Right}
	if _, err := drowsy.ExtractEye(set, drowsy.LeftEye, bad); !errors.As(err, &gerr) {
		t.Fatalf("short mapping: got %v, expected GeometryError", err)
	}
}

func TestMeasureOpenness(t *testing.T) {
	s, errs := drowsy.MeasureOpenness(face(0.1, 0.02), testMapping)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	want := drowsy.Sample{Left: 0.5, Right: 0.1, LeftOK: true, RightOK: true}
	if diff := cmp.Diff(want, s, cmp.Comparer(near)); diff != "" {
		t.Fatalf("sample mismatch (-want +got):\n%s", diff)
	}

	// Degenerate right eye degrades to no sample for that eye only.
	set := face(0.1, 0.02)
	set[9].X = set[6].X
	s, errs = drowsy.MeasureOpenness(set, testMapping)
	if len(errs) != 1 || !s.LeftOK || s.RightOK {
		t.Fatalf("got %+v, errors %v; expected only right eye missing", s, errs)
	}
	var gerr *drowsy.GeometryError
	if !errors.As(errs[0], &gerr) || gerr.Eye != drowsy.RightEye {
		t.Fatalf("error %v not attributed to right eye", errs[0])
	}
}

func TestEyeMappingValidate(t *testing.T) {
	if err := drowsy.DefaultEyeMapping.Validate(468); err != nil {
		t.Fatalf("default mapping: %v", err)
	}
	if err := drowsy.DefaultEyeMapping.Validate(100); err == nil {
		t.Fatalf("missing error for mapping beyond landmark count")
	}
	if err := testMapping.Validate(0); err != nil {
		t.Fatalf("test mapping without count: %v", err)
	}
}
