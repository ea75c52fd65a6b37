package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(100 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Hour)

	if got := clock.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Hour))
	}
	if got := clock.Since(start); got != time.Hour {
		t.Errorf("Since() = %v, want 1h", got)
	}
}

func TestMockClock_SleepRecordsAndAdvances(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(time.Millisecond)
	clock.Sleep(5 * time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Millisecond || sleeps[1] != 5*time.Millisecond {
		t.Errorf("Sleeps() = %v, want [1ms 5ms]", sleeps)
	}
	if got := clock.Since(start); got != 6*time.Millisecond {
		t.Errorf("clock advanced %v, want 6ms", got)
	}
}

func TestMockClock_Ticker(t *testing.T) {
	clock := NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(30 * time.Second)

	clock.Advance(10 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(20 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire at interval")
	}
}

func TestMockClock_TickerStop(t *testing.T) {
	clock := NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(time.Second)
	ticker.Stop()

	clock.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Error("stopped ticker fired")
	default:
	}
}
