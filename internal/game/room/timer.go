package room

import (
	"sync"
	"time"
)

// GraceTimer fires a callback after a configurable duration unless stopped.
// It backs the reconnect window for a disconnected seat and is safe for
// concurrent use.
type GraceTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewGraceTimer creates and starts a timer that calls onFire after duration.
// onFire is called in a separate goroutine.
//
// Precondition: duration > 0; onFire must not be nil.
// Postcondition: Returns a running GraceTimer; onFire will be called unless
// Stop is called first.
func NewGraceTimer(duration time.Duration, onFire func()) *GraceTimer {
	gt := &GraceTimer{}
	gt.timer = time.AfterFunc(duration, func() {
		gt.mu.Lock()
		stopped := gt.stopped
		gt.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return gt
}

// Stop prevents the callback from firing. Safe to call multiple times.
//
// Postcondition: onFire will not be called after Stop returns.
func (gt *GraceTimer) Stop() {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	gt.stopped = true
	gt.timer.Stop()
}
