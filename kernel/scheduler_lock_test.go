package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerLockReentrant(t *testing.T) {
	k, cur := newTestKernel(t)
	l := k.GlobalSchedulerContext().Lock()

	k.LockScheduler(cur)
	k.LockScheduler(cur)
	require.True(t, l.IsLockedByCurrentThread(cur))
	require.Equal(t, int32(1), cur.DisableDispatchCount())

	k.UnlockScheduler(cur)
	require.True(t, l.IsLocked())
	k.UnlockScheduler(cur)
	require.False(t, l.IsLocked())
	require.Equal(t, int32(0), cur.DisableDispatchCount())
}

func TestSchedulerLockWrongOwner(t *testing.T) {
	k, cur := newTestKernel(t)
	other := k.NewDummyThread("other")

	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)
	require.False(t, k.GlobalSchedulerContext().Lock().IsLockedByCurrentThread(other))
	require.Panics(t, func() { k.UnlockScheduler(other) })
}

func TestSchedulerLockPhantomMode(t *testing.T) {
	k, cur := newTestKernel(t)
	d := k.NewDummyThread("phantom")

	// With phantom mode on, a dummy that starts waiting does not block.
	k.SetIsPhantomModeForSingleCore(true)
	k.LockScheduler(d)
	d.BeginWait(&threadQueue{k: k})
	k.UnlockScheduler(d)
	k.SetIsPhantomModeForSingleCore(false)

	require.Equal(t, ThreadStateWaiting, d.State())
	d.EndWait(cur, nil)
	require.Equal(t, ThreadStateRunnable, d.State())
	require.NoError(t, d.WaitResult())
}

func TestPhantomModeCancelledTimer(t *testing.T) {
	k, cur := newTestKernel(t)
	d := k.NewDummyThread("phantom")

	k.SetIsPhantomModeForSingleCore(true)
	defer k.SetIsPhantomModeForSingleCore(false)

	sl := k.LockAndSleep(d, d, time.Hour)
	d.BeginWait(&threadQueueWithoutEndWait{threadQueue{k: k}})
	sl.Unlock()
	require.Equal(t, ThreadStateWaiting, d.State())
	require.Equal(t, 1, k.HardwareTimer().Pending(cur))

	d.CancelWait(cur, ErrCancelled, true)
	require.Equal(t, 0, k.HardwareTimer().Pending(cur))
	require.Equal(t, ThreadStateRunnable, d.State())

	// The cancelled timeout must not fire and overwrite the result.
	k.Timing().AddTicks(uint64(timingCycles(2 * time.Hour)))
	k.Timing().Advance()
	require.Equal(t, ThreadStateRunnable, d.State())
	require.ErrorIs(t, d.WaitResult(), ErrCancelled)
}

func TestLockAndSleepTimeout(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "sleeper", 44, 0, 0)

	sl := k.LockAndSleep(cur, th, time.Millisecond)
	th.BeginWait(&threadQueueWithoutEndWait{threadQueue{k: k}})
	sl.Unlock()
	sl.Unlock()
	require.Equal(t, 1, k.HardwareTimer().Pending(cur))
	checkQueueMembership(t, k)

	k.Timing().AddTicks(uint64(timingCycles(500 * time.Microsecond)))
	k.Timing().Advance()
	require.Equal(t, ThreadStateWaiting, th.State())

	k.Timing().AddTicks(uint64(timingCycles(time.Millisecond)))
	k.Timing().Advance()
	require.Equal(t, ThreadStateRunnable, th.State())
	require.ErrorIs(t, th.WaitResult(), ErrTimedOut)
	require.Zero(t, k.HardwareTimer().Pending(cur))
	checkQueueMembership(t, k)
}

func TestLockAndSleepCancel(t *testing.T) {
	k, cur := newTestKernel(t)

	sl := k.LockAndSleep(cur, cur, time.Second)
	sl.CancelSleep()
	sl.Unlock()
	require.Zero(t, k.HardwareTimer().Pending(cur))

	// A negative timeout waits forever.
	sl = k.LockAndSleep(cur, cur, -1)
	sl.Unlock()
	require.Zero(t, k.HardwareTimer().Pending(cur))
}
