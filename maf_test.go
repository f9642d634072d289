package drowsy_test

import (
	"testing"

	drowsy "github.com/edgeimpulse/drowsy-go"
)

func near(a, b float64) bool {
	return a-b < 1e-9 && b-a < 1e-9
}

func TestMAF(t *testing.T) {
	m0 := &drowsy.MAF{}
	_, err := m0.Update(drowsy.Sample{Left: 0.3, LeftOK: true})
	if err == nil {
		t.Errorf("missing error for MAF created without NewMAF")
	}

	m0, err = drowsy.NewMAF(3)
	if err != nil {
		t.Fatalf("making new MAF: %v", err)
	}

	r, err := m0.Update(drowsy.Sample{Left: 0.3, Right: 0.6, LeftOK: true, RightOK: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !near(r.Left, 0.3) || !near(r.Right, 0.6) {
		t.Fatalf("unexpected result after first Update: %+v", r)
	}
	r, _ = m0.Update(drowsy.Sample{Left: 0.1, Right: 0.2, LeftOK: true, RightOK: true})
	if !near(r.Left, 0.2) || !near(r.Right, 0.4) {
		t.Fatalf("unexpected result after second Update: %+v", r)
	}

	// Missing eyes pass through and do not enter the history.
	r, _ = m0.Update(drowsy.Sample{Left: 0.9, LeftOK: false, Right: 0.2, RightOK: true})
	if r.LeftOK || r.Left != 0.9 {
		t.Fatalf("missing left eye was smoothed: %+v", r)
	}
	if !near(r.Right, (0.6+0.2+0.2)/3) {
		t.Fatalf("unexpected right value %v", r.Right)
	}

	// Oldest value drops out once the window is full.
	r, _ = m0.Update(drowsy.Sample{Left: 0.5, LeftOK: true})
	if !near(r.Left, (0.3+0.1+0.5)/3) {
		t.Fatalf("unexpected left value %v", r.Left)
	}
	r, _ = m0.Update(drowsy.Sample{Left: 0.5, LeftOK: true})
	if !near(r.Left, (0.1+0.5+0.5)/3) {
		t.Fatalf("unexpected left value after wrap %v", r.Left)
	}

	_, err = drowsy.NewMAF(0)
	if err == nil {
		t.Fatalf("missing error for new MAF with size 0")
	}
}
