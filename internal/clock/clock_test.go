package clock

import (
	"testing"
	"time"
)

func TestTickIsCachedUntilNextTick(t *testing.T) {
	c := New()
	first := c.Tick()
	time.Sleep(2 * time.Millisecond)
	if got := c.Now(); !got.Equal(first) {
		t.Fatalf("Now() drifted before next Tick: got %v, want %v", got, first)
	}
	time.Sleep(2 * time.Millisecond)
	second := c.Tick()
	if !second.After(first) {
		t.Fatalf("second tick %v should be after first %v", second, first)
	}
}

func TestStopwatchElapsedUsesCachedTick(t *testing.T) {
	c := New()
	c.Tick()
	sw := c.Start()
	if sw.Elapsed() != 0 {
		t.Fatalf("expected zero elapsed immediately after Start, got %v", sw.Elapsed())
	}
	c.Tick()
	if sw.Elapsed() < 0 {
		t.Fatalf("elapsed should not go negative: %v", sw.Elapsed())
	}
}
