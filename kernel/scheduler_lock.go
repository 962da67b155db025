package kernel

import (
	"sync/atomic"
	"time"

	"github.com/hzcore/hzsched/internal/task"
)

// SchedulerLock is the global scheduler lock. It is reentrant for its owning
// thread. Taking it disables dispatch on the caller; releasing the outermost
// level recomputes the highest priority thread of every core and reschedules
// the cores whose choice changed.
type SchedulerLock struct {
	k     *Kernel
	spin  task.SpinLock
	owner atomic.Pointer[Thread]
	count int32
}

// Lock acquires the lock on behalf of cur.
func (l *SchedulerLock) Lock(cur *Thread) {
	if l.IsLockedByCurrentThread(cur) {
		l.count++
		return
	}
	l.k.disableScheduling(cur)
	l.spin.Lock()
	l.owner.Store(cur)
	l.count = 1
}

// Unlock releases one level of the lock.
func (l *SchedulerLock) Unlock(cur *Thread) {
	if !l.IsLockedByCurrentThread(cur) {
		panic("kernel: scheduler lock released by a thread that does not hold it")
	}
	l.count--
	if l.count > 0 {
		return
	}
	cores := l.k.updateHighestPriorityThreads()
	l.owner.Store(nil)
	l.spin.Unlock()
	l.k.enableScheduling(cur, cores)
}

// IsLocked reports whether any thread holds the lock.
func (l *SchedulerLock) IsLocked() bool {
	return l.owner.Load() != nil
}

// IsLockedByCurrentThread reports whether cur holds the lock.
func (l *SchedulerLock) IsLockedByCurrentThread(cur *Thread) bool {
	return cur != nil && l.owner.Load() == cur
}

// ScopedSchedulerLockAndSleep holds the scheduler lock while a thread
// prepares to wait, and arms its timeout when released.
//
//	sl := k.LockAndSleep(cur, t, timeout)
//	... t.BeginWait(queue) ...
//	sl.Unlock()
type ScopedSchedulerLockAndSleep struct {
	k        *Kernel
	cur      *Thread
	thread   *Thread
	timeout  time.Duration
	released bool
}

// LockAndSleep locks the scheduler on behalf of cur and prepares a timeout
// for thread, measured on the emulated clock. A timeout of zero or less
// arms no timer.
func (k *Kernel) LockAndSleep(cur, thread *Thread, timeout time.Duration) *ScopedSchedulerLockAndSleep {
	k.LockScheduler(cur)
	return &ScopedSchedulerLockAndSleep{k: k, cur: cur, thread: thread, timeout: timeout}
}

// CancelSleep drops the timeout. It must be called when the thread ends up
// not waiting.
func (s *ScopedSchedulerLockAndSleep) CancelSleep() {
	s.timeout = 0
}

// Unlock arms the timeout, if any, and releases the lock.
func (s *ScopedSchedulerLockAndSleep) Unlock() {
	if s.released {
		return
	}
	s.released = true
	if s.timeout > 0 {
		s.k.timer.RegisterTask(s.thread, s.timeout)
	}
	s.k.UnlockScheduler(s.cur)
}
