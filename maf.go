package drowsy

import (
	"fmt"
)

type eyeWindow struct {
	index  int
	filled int
	sum    float64
	values []float64
}

func (w *eyeWindow) add(v float64) float64 {
	w.sum -= w.values[w.index]
	w.sum += v
	w.values[w.index] = v
	w.index++
	if w.index >= len(w.values) {
		w.index = 0
	}
	if w.filled < len(w.values) {
		w.filled++
	}
	return w.sum / float64(w.filled)
}

// MAF is a moving average filter over the openness of each eye, for
// smoothing out landmark jitter.
type MAF struct {
	left, right *eyeWindow
}

// NewMAF returns a new moving average filter with a history of given size.
// Until the history is full, the average is over the values seen so far.
func NewMAF(size int) (*MAF, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be > 0")
	}
	return &MAF{
		left:  &eyeWindow{values: make([]float64, size)},
		right: &eyeWindow{values: make([]float64, size)},
	}, nil
}

// Update adds one sample to the filter and returns the smoothed sample.
// Eyes without a measurement are passed through and do not enter the history.
func (m *MAF) Update(s Sample) (Sample, error) {
	if m.left == nil || m.right == nil {
		return s, fmt.Errorf("invalid MAF, use NewMAF")
	}
	if s.LeftOK {
		s.Left = m.left.add(s.Left)
	}
	if s.RightOK {
		s.Right = m.right.add(s.Right)
	}
	return s, nil
}
