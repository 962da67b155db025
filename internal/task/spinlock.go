package task

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a mutual-exclusion lock that busy-waits instead of parking the
// goroutine. It is used for the very short critical sections around fiber
// handoffs and per-core scheduler state, where the holder is guaranteed to
// release it within a handful of instructions.
//
// The zero value is an unlocked lock.
type SpinLock struct {
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it becomes available.
func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		spinLoopWait()
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking a lock that is not held is fatal.
func (l *SpinLock) Unlock() {
	if l.state.Swap(0) != 1 {
		panic("task: unlock of unlocked SpinLock")
	}
}

// IsLocked reports whether the lock is currently held by anyone.
func (l *SpinLock) IsLocked() bool {
	return l.state.Load() != 0
}

// Yield the host thread while waiting for another core to make progress.
func spinLoopWait() {
	runtime.Gosched()
}
