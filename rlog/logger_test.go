package rlog

import "testing"

func TestNewReturnsUsableLogger(t *testing.T) {
	l := New(LevelWarn)
	if l == nil {
		t.Fatal("New returned nil")
	}
	// These must not panic regardless of whether the level filter
	// passes them through to the underlying writer.
	l.Debugf("debug %d", 1)
	l.Warnf("warn %s", "x")
	l.Errorf("error")
}

func TestLevelConstantsAreDistinct(t *testing.T) {
	levels := map[Level]bool{LevelDebug: true, LevelWarn: true, LevelError: true}
	if len(levels) != 3 {
		t.Fatalf("expected 3 distinct levels, got %d", len(levels))
	}
}
