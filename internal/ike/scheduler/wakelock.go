package scheduler

import (
	"sync/atomic"
)

// WakeLock keeps the host awake while a request waits for dispatch.
type WakeLock interface {
	Acquire()
	Release()
}

type WakeLockFactory interface {
	NewWakeLock(tag string) WakeLock
}

// CountingWakeLocks tracks held locks. Linux has no suspend blocker to
// take, so the count is all that's left of it.
type CountingWakeLocks struct {
	held atomic.Int64
}

func NewCountingWakeLocks() *CountingWakeLocks {
	return new(CountingWakeLocks)
}

func (c *CountingWakeLocks) NewWakeLock(tag string) WakeLock {
	return &countingWakeLock{owner: c}
}

func (c *CountingWakeLocks) Held() int {
	return int(c.held.Load())
}

type countingWakeLock struct {
	owner    *CountingWakeLocks
	acquired bool
}

func (w *countingWakeLock) Acquire() {
	if !w.acquired {
		w.acquired = true
		w.owner.held.Add(1)
	}
}

func (w *countingWakeLock) Release() {
	if w.acquired {
		w.acquired = false
		w.owner.held.Add(-1)
	}
}
