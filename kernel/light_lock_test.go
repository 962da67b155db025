package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLightLockHandoff(t *testing.T) {
	k, _ := newTestKernel(t)
	l := k.NewLightLock()
	a := k.NewDummyThread("a")
	b := k.NewDummyThread("b")

	l.Lock(a)
	require.True(t, l.IsLockedByCurrentThread(a))

	acquired := make(chan struct{})
	go func() {
		l.Lock(b)
		close(acquired)
	}()

	require.Eventually(t, func() bool {
		return b.State() == ThreadStateWaiting
	}, time.Second, time.Millisecond)
	require.Equal(t, a, b.LockOwner())
	require.Equal(t, int32(1), a.NumKernelWaiters())

	l.Unlock(a)
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not get the lock")
	}
	require.True(t, l.IsLockedByCurrentThread(b))
	require.Nil(t, b.LockOwner())
	require.Zero(t, a.NumKernelWaiters())

	l.Unlock(b)
	require.False(t, l.IsLocked(a))
}

func TestLightLockMisuse(t *testing.T) {
	k, cur := newTestKernel(t)
	l := k.NewLightLock()
	other := k.NewDummyThread("other")

	l.Lock(cur)
	require.Panics(t, func() { l.Lock(cur) })
	require.Panics(t, func() { l.Unlock(other) })
	require.False(t, k.GlobalSchedulerContext().IsLocked())
	l.Unlock(cur)
}

func TestLightLockKeysAreUnique(t *testing.T) {
	k, _ := newTestKernel(t)
	if a, b := k.NewLightLock(), k.NewLightLock(); a.key == b.key {
		t.Errorf("two light locks share key %d", a.key)
	}
}
