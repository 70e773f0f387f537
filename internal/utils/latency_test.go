package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for _, d := range []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
	} {
		tracker.Observe(d)
	}

	if tracker.Count() != 5 {
		t.Fatalf("expected count 5, got %d", tracker.Count())
	}
	if p := tracker.Percentile(50); p != 30*time.Millisecond {
		t.Fatalf("expected median 30ms, got %v", p)
	}
	if p := tracker.Percentile(95); p != 50*time.Millisecond {
		t.Fatalf("expected p95 50ms, got %v", p)
	}
	if p := tracker.Percentile(0); p != 10*time.Millisecond {
		t.Fatalf("expected minimum 10ms, got %v", p)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(4)
	if p := tracker.Percentile(95); p != 0 {
		t.Fatalf("expected zero with no samples, got %v", p)
	}
}

func TestLatencyTrackerWindowOverwritesOldest(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if tracker.Count() != 3 {
		t.Fatalf("expected window of 3, got %d", tracker.Count())
	}
	// Only the three most recent observations survive.
	if p := tracker.Percentile(0); p != 8*time.Millisecond {
		t.Fatalf("expected oldest surviving sample 8ms, got %v", p)
	}
	if p := tracker.Percentile(100); p != 10*time.Millisecond {
		t.Fatalf("expected newest sample 10ms, got %v", p)
	}
}
