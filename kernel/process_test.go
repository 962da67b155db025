package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessDefaults(t *testing.T) {
	k, _ := newTestKernel(t)
	p := newTestProcess(t, k)

	assert.Equal(t, uint64(1<<NumCPUCores-1), p.CoreMask())
	assert.True(t, p.CheckThreadPriority(0))
	assert.True(t, p.CheckThreadPriority(LowestThreadPriority))
	assert.False(t, p.CheckThreadPriority(IdleThreadPriority))
	assert.True(t, p.Is64Bit())
	assert.NotNil(t, p.Memory())
	assert.Equal(t, ProcessStateRunning, p.State())
	assert.Contains(t, k.Processes(), p)

	_, err := k.NewProcess(ProcessParams{Name: "bad", CoreMask: 0b0011, IdealCore: 2})
	assert.ErrorIs(t, err, ErrInvalidCoreID)
}

func TestProcessHandles(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newRunnableThread(t, k, cur, p, "a", 44, 0, 0)
	b := newRunnableThread(t, k, cur, p, "b", 44, 1, 0)

	require.NotEqual(t, a.Handle(), b.Handle())
	require.Zero(t, a.Handle()&HandleWaitMask)
	assert.Equal(t, a, p.GetThreadByHandle(cur, a.Handle()))
	assert.Equal(t, b, p.GetThreadByHandle(cur, b.Handle()))
	assert.Equal(t, cur, p.GetThreadByHandle(cur, PseudoHandleCurrentThread))
	assert.Nil(t, p.GetThreadByHandle(cur, 0))
	assert.ElementsMatch(t, []*Thread{a, b}, p.GetThreadList())
	assert.NotEqual(t, a.TLSAddress(), b.TLSAddress())
}

func TestProcessHandleAfterUnregister(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newRunnableThread(t, k, cur, p, "a", 44, 0, 0)
	b := newRunnableThread(t, k, cur, p, "b", 44, 1, 0)

	stale := a.Handle()
	p.UnregisterThread(a)
	assert.Nil(t, p.GetThreadByHandle(cur, stale))

	c := newRunnableThread(t, k, cur, p, "c", 44, 2, 0)
	assert.NotEqual(t, stale, c.Handle())
	assert.NotEqual(t, b.Handle(), c.Handle())
	assert.Nil(t, p.GetThreadByHandle(cur, stale))
	assert.Equal(t, b, p.GetThreadByHandle(cur, b.Handle()))
	assert.Equal(t, c, p.GetThreadByHandle(cur, c.Handle()))
}

func TestHandleTableChurn(t *testing.T) {
	var h handleTable
	h.init()

	live := make(map[uint32]*Thread)
	var closed []uint32
	for i := 0; i < 4; i++ {
		th := &Thread{}
		live[h.add(th)] = th
	}
	for i := 0; i < 2000; i++ {
		// Close an open handle every other round so freed slots are reused
		// while others stay open.
		if i%2 == 0 {
			for handle := range live {
				h.remove(handle)
				delete(live, handle)
				closed = append(closed, handle)
				break
			}
		}
		th := &Thread{}
		handle := h.add(th)
		_, dup := live[handle]
		require.False(t, dup, "handle %#x handed out twice", handle)
		require.Zero(t, handle&HandleWaitMask)
		live[handle] = th
	}

	for handle, th := range live {
		require.Same(t, th, h.getThread(handle))
	}
	for _, handle := range closed {
		if _, reopened := live[handle]; !reopened {
			require.Nil(t, h.getThread(handle), "closed handle %#x", handle)
		}
	}
	require.Equal(t, len(live), h.len())
}

func TestRunningThreadCount(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	newRunnableThread(t, k, cur, p, "a", 44, 0, 0)
	newRunnableThread(t, k, cur, p, "b", 44, 1, 0)

	require.Equal(t, int32(2), p.RunningThreadCount())
	p.DecrementRunningThreadCount()
	require.Equal(t, ProcessStateRunning, p.State())
	p.DecrementRunningThreadCount()
	require.Equal(t, ProcessStateTerminated, p.State())
}

func TestFinishTermination(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 0, 0)
	inUse := k.FiberMemoryInUse()

	require.Equal(t, ThreadStateRunnable, th.RequestTerminate(cur))
	require.Equal(t, int32(TerminatingThreadPriority), th.Priority())

	k.LockScheduler(cur)
	th.StartTermination()
	k.workers.AddTask(th)
	k.UnlockScheduler(cur)
	require.Equal(t, ThreadStateTerminated, th.State())
	require.True(t, th.IsSignaled())
	checkQueueMembership(t, k)

	require.Eventually(t, func() bool {
		return len(p.GetThreadList()) == 0
	}, time.Second, time.Millisecond)
	assert.Nil(t, p.GetThreadByHandle(cur, th.Handle()))
	assert.NotContains(t, k.GlobalSchedulerContext().GetThreadList(), th)
	assert.Equal(t, inUse-k.opts.FiberStackSize, k.FiberMemoryInUse())

	// Terminating an already terminated thread returns at once.
	require.NoError(t, th.Terminate(cur))
}

func TestUnpinThreadOnTerminate(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 1, 0b0011)
	th.SetCurrentCore(1)

	k.LockScheduler(cur)
	p.PinCurrentThread(th)
	k.UnlockScheduler(cur)
	require.True(t, th.IsPinned())

	th.RequestTerminate(cur)
	require.False(t, th.IsPinned())
	require.Nil(t, p.GetPinnedThread(1))
	// Terminating threads stay unsuspendable.
	require.Zero(t, th.suspendAllowedFlags&SuspendTypeThread.flag())
	checkQueueMembership(t, k)
}
