package rotation

import (
	"testing"
	"time"
)

func TestManagerRotatesAtInterval(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(Config{Interval: time.Hour}, start, 1)

	if m.ShouldRotate(start.Add(59 * time.Minute)) {
		t.Fatalf("should not rotate before interval elapses")
	}
	if !m.ShouldRotate(start.Add(time.Hour)) {
		t.Fatalf("expected rotation exactly at interval boundary")
	}
}

func TestManagerDefaultsInterval(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(Config{}, start, 1)
	if m.cfg.Interval != DefaultInterval {
		t.Fatalf("expected default interval %v, got %v", DefaultInterval, m.cfg.Interval)
	}
	if m.cfg.Grace != DefaultGrace {
		t.Fatalf("expected default grace %v, got %v", DefaultGrace, m.cfg.Grace)
	}
}

func TestManagerRecordCountsPackets(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(Config{Interval: time.Hour, MaxPackets: 3}, start, 1)

	if m.Record(start) {
		t.Fatalf("should not rotate after 1 packet")
	}
	if m.Record(start) {
		t.Fatalf("should not rotate after 2 packets")
	}
	if !m.Record(start) {
		t.Fatalf("expected rotation once MaxPackets reached")
	}
}

func TestManagerResetAdvancesEpochAndAnchor(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(Config{Interval: time.Hour}, start, 1)

	next := start.Add(time.Hour)
	if !m.ShouldRotate(next) {
		t.Fatalf("expected rotation due before reset")
	}
	m.Reset(next)
	if m.Epoch() != 2 {
		t.Fatalf("expected epoch 2 after reset, got %d", m.Epoch())
	}
	if m.ShouldRotate(next) {
		t.Fatalf("should not rotate immediately after reset")
	}
	if m.ShouldRotate(next.Add(59 * time.Minute)) {
		t.Fatalf("should not rotate before the new interval elapses")
	}
	if !m.ShouldRotate(next.Add(time.Hour)) {
		t.Fatalf("expected rotation one interval after reset")
	}
}

func TestManagerGraceAccessor(t *testing.T) {
	m := New(Config{Grace: 45 * time.Second}, time.Unix(0, 0), 1)
	if m.Grace() != 45*time.Second {
		t.Fatalf("expected configured grace, got %v", m.Grace())
	}
}
