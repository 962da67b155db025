package kernel

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hzcore/hzsched/timing"
)

func timingCycles(d time.Duration) int64 { return timing.NsToCycles(d) }

func TestDummySleepWokenByClock(t *testing.T) {
	k, cur := newTestKernel(t)
	d := k.NewDummyThread("sleeper")

	done := make(chan error, 1)
	go func() { done <- d.Sleep(2 * time.Millisecond) }()

	require.Eventually(t, func() bool {
		return k.HardwareTimer().Pending(cur) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, ThreadStateWaiting, d.State())

	k.Timing().AddTicks(uint64(timingCycles(3 * time.Millisecond)))
	k.Timing().Advance()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sleeping dummy thread was not woken")
	}
	require.Equal(t, ThreadStateRunnable, d.State())
	require.ErrorIs(t, d.WaitResult(), ErrTimedOut)
}

func TestCancelledSleepDisarmsTimer(t *testing.T) {
	k, cur := newTestKernel(t)
	d := k.NewDummyThread("sleeper")

	done := make(chan error, 1)
	go func() { done <- d.Sleep(time.Hour) }()

	require.Eventually(t, func() bool {
		return k.HardwareTimer().Pending(cur) == 1
	}, time.Second, time.Millisecond)

	d.CancelWait(cur, ErrCancelled, true)
	require.NoError(t, <-done)
	require.ErrorIs(t, d.WaitResult(), ErrCancelled)
	require.Zero(t, k.HardwareTimer().Pending(cur))
}

func TestLongestSleepOutlastsClock(t *testing.T) {
	k, cur := newTestKernel(t)
	d := k.NewDummyThread("sleeper")

	done := make(chan error, 1)
	go func() { done <- d.Sleep(time.Duration(math.MaxInt64)) }()

	require.Eventually(t, func() bool {
		return k.HardwareTimer().Pending(cur) == 1
	}, time.Second, time.Millisecond)

	for _, step := range []time.Duration{time.Millisecond, time.Hour, 1000 * time.Hour} {
		k.Timing().AddTicks(uint64(timingCycles(step)))
		k.Timing().Advance()
		require.Equal(t, ThreadStateWaiting, d.State(), "woken after a %v step", step)
		require.Equal(t, 1, k.HardwareTimer().Pending(cur))
	}

	d.CancelWait(cur, ErrCancelled, true)
	require.NoError(t, <-done)
	require.ErrorIs(t, d.WaitResult(), ErrCancelled)
}

func TestRegisterTaskReplacesPrevious(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 0, 0)

	k.LockScheduler(cur)
	k.HardwareTimer().RegisterTask(th, time.Millisecond)
	k.HardwareTimer().RegisterTask(th, time.Hour)
	k.UnlockScheduler(cur)
	require.Equal(t, 1, k.HardwareTimer().Pending(cur))

	// The first timeout is gone, so nothing fires after a millisecond.
	k.Timing().AddTicks(uint64(timingCycles(2 * time.Millisecond)))
	k.Timing().Advance()
	require.Equal(t, 1, k.HardwareTimer().Pending(cur))

	k.LockScheduler(cur)
	k.HardwareTimer().CancelTask(th)
	k.UnlockScheduler(cur)
	require.Zero(t, k.HardwareTimer().Pending(cur))
}
