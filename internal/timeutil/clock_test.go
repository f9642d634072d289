package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case now := <-ticker.C():
		if !now.Equal(start.Add(time.Second)) {
			t.Errorf("tick at %v, expected %v", now, start.Add(time.Second))
		}
	default:
		t.Fatal("ticker did not fire")
	}

	if got := clock.Since(start); got != time.Second {
		t.Errorf("Since() = %v, expected 1s", got)
	}
}

func TestMockClock_Stop(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Second)
	if n := clock.ActiveTickers(); n != 1 {
		t.Fatalf("%d active tickers, expected 1", n)
	}
	ticker.Stop()
	if n := clock.ActiveTickers(); n != 0 {
		t.Fatalf("%d active tickers after stop, expected 0", n)
	}
	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
