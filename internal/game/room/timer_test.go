package room

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestGraceTimer_Fires(t *testing.T) {
	var called atomic.Int32
	gt := NewGraceTimer(20*time.Millisecond, func() {
		called.Add(1)
	})
	_ = gt
	time.Sleep(50 * time.Millisecond)
	if called.Load() != 1 {
		t.Fatalf("expected callback called once, got %d", called.Load())
	}
}

func TestGraceTimer_Stop_PreventsCallback(t *testing.T) {
	var called atomic.Int32
	gt := NewGraceTimer(50*time.Millisecond, func() {
		called.Add(1)
	})
	gt.Stop()
	time.Sleep(80 * time.Millisecond)
	if called.Load() != 0 {
		t.Fatalf("expected callback not called, got %d", called.Load())
	}
}

func TestGraceTimer_StopIdempotent(t *testing.T) {
	gt := NewGraceTimer(50*time.Millisecond, func() {})
	// Multiple Stop() calls must not panic
	gt.Stop()
	gt.Stop()
	gt.Stop()
}
