package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserThreadValidation(t *testing.T) {
	k, cur := newTestKernel(t)

	p, err := k.NewProcess(ProcessParams{Name: "narrow", CoreMask: 0b1, PriorityMask: 1 << 44, ThreadLimit: 1})
	require.NoError(t, err)

	_, err = k.NewUserThread(cur, p, ThreadParams{Name: "prio", Priority: 30})
	require.ErrorIs(t, err, ErrInvalidPriority)
	_, err = k.NewUserThread(cur, p, ThreadParams{Name: "prio", Priority: 70})
	require.ErrorIs(t, err, ErrInvalidPriority)
	_, err = k.NewUserThread(cur, p, ThreadParams{Name: "core", Priority: 44, Core: 2})
	require.ErrorIs(t, err, ErrInvalidCoreID)

	th, err := k.NewUserThread(cur, p, ThreadParams{Name: "ok", Priority: 44, Core: IdealCoreUseProcessValue})
	require.NoError(t, err)
	assert.Equal(t, ThreadStateInitialized, th.State())
	assert.Equal(t, int32(0), th.IdealCore())
	assert.Equal(t, ErrNoSynchronizationObject, th.WaitResult())
	assert.NotZero(t, th.Handle())
	assert.NotZero(t, th.TLSAddress())
	assert.Equal(t, uint64(1), th.Context64().CPURegisters[18]&1, "x18 must be odd")

	_, err = k.NewUserThread(cur, p, ThreadParams{Name: "limit", Priority: 44})
	require.ErrorIs(t, err, ErrLimitReached)
}

func TestRunTwice(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 0, 0)

	err := th.Run(cur)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Run returned %v, want %v", err, ErrInvalidState)
	}
	if got := p.RunningThreadCount(); got != 1 {
		t.Errorf("RunningThreadCount returned %d, want 1", got)
	}
}

func TestDummyThread(t *testing.T) {
	k, _ := newTestKernel(t)
	d := k.NewDummyThread("host")

	assert.True(t, d.IsDummyThread())
	assert.Equal(t, ThreadStateRunnable, d.State())
	assert.Equal(t, int32(DummyThreadPriority), d.Priority())
	assert.Equal(t, int32(0), d.DisableDispatchCount())
	assert.Nil(t, d.Fiber())
}

func TestRestorePriorityIdempotent(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	owner := newRunnableThread(t, k, cur, p, "owner", 40, 0, 0)
	w1 := newRunnableThread(t, k, cur, p, "w1", 20, 1, 0)
	w2 := newRunnableThread(t, k, cur, p, "w2", 30, 2, 0)

	k.LockScheduler(cur)
	w1.setAddressKey(0x1000, 1)
	w2.setAddressKey(0x1000, 2)
	owner.AddWaiter(w2)
	owner.AddWaiter(w1)
	require.Equal(t, int32(20), owner.Priority())
	require.Equal(t, []*Thread{w1, w2}, owner.Waiters())

	for i := 0; i < 3; i++ {
		restorePriority(k, owner)
		require.Equal(t, int32(20), owner.Priority())
		require.Equal(t, int32(40), owner.BasePriority())
		require.Equal(t, []*Thread{w1, w2}, owner.Waiters())
	}
	k.UnlockScheduler(cur)
	checkQueueMembership(t, k)

	k.LockScheduler(cur)
	owner.RemoveWaiter(w1)
	require.Equal(t, int32(30), owner.Priority())
	owner.RemoveWaiter(w2)
	require.Equal(t, int32(40), owner.Priority())
	require.False(t, owner.HasWaiters())
	require.Nil(t, w1.LockOwner())
	k.UnlockScheduler(cur)
	checkQueueMembership(t, k)
}

func TestPriorityInheritanceChain(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)

	bases := []int32{40, 38, 36, 34, 10}
	chain := make([]*Thread, len(bases))
	for i, prio := range bases {
		chain[i] = newRunnableThread(t, k, cur, p, "chain", prio, int32(i%NumCPUCores), 0)
	}

	k.LockScheduler(cur)
	for i := 1; i < len(chain); i++ {
		chain[i].setAddressKey(uint64(0x2000+i*4), uint32(i))
		chain[i-1].AddWaiter(chain[i])
	}
	for _, th := range chain {
		assert.Equal(t, int32(10), th.Priority(), "%s", th)
	}

	require.Equal(t, len(chain)-1, walkLockOwners(t, chain[len(chain)-1], len(chain)))

	chain[3].RemoveWaiter(chain[4])
	for i, th := range chain[:4] {
		assert.Equal(t, int32(34), th.Priority(), "chain[%d]", i)
	}
	k.UnlockScheduler(cur)
	checkQueueMembership(t, k)
}

// walkLockOwners follows th's lock owners and returns how many it passed,
// failing the test if the chain is longer than limit.
func walkLockOwners(t *testing.T, th *Thread, limit int) int {
	t.Helper()
	steps := 0
	for ; th.LockOwner() != nil; th = th.LockOwner() {
		steps++
		if steps > limit {
			t.Fatalf("lock owner chain longer than %d threads", limit)
		}
	}
	return steps
}

func TestPriorityInheritanceCyclePanics(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newRunnableThread(t, k, cur, p, "a", 40, 0, 0)
	b := newRunnableThread(t, k, cur, p, "b", 30, 1, 0)

	k.LockScheduler(cur)
	b.setAddressKey(0x3000, 1)
	a.AddWaiter(b)
	a.setAddressKey(0x3004, 2)
	b.AddWaiter(a)
	require.Equal(t, int32(30), a.Priority())
	require.Equal(t, int32(30), b.Priority())

	a.basePriority = 20
	require.PanicsWithValue(t, "kernel: lock owner cycle through "+a.String(), func() {
		restorePriority(k, a)
	})

	b.removeWaiterImpl(a)
	a.removeWaiterImpl(b)
	require.Nil(t, a.LockOwner())
	require.Nil(t, b.LockOwner())
	k.UnlockScheduler(cur)
}

func TestRemoveWaiterByKey(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	owner := newRunnableThread(t, k, cur, p, "owner", 44, 0, 0)
	w1 := newRunnableThread(t, k, cur, p, "w1", 20, 1, 0)
	w2 := newRunnableThread(t, k, cur, p, "w2", 30, 2, 0)
	w3 := newRunnableThread(t, k, cur, p, "w3", 25, 3, 0)
	w4 := newRunnableThread(t, k, cur, p, "w4", 35, 3, 0)

	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)
	w1.setAddressKey(0xA0, 1)
	w2.setAddressKey(0xA0, 2)
	w3.setAddressKey(0xB0, 3)
	w4.setKernelAddressKey(0xA0)
	for _, w := range []*Thread{w1, w2, w3, w4} {
		owner.AddWaiter(w)
	}
	require.Equal(t, int32(1), owner.NumKernelWaiters())

	next, n := owner.RemoveWaiterByKey(0xA0, false)
	require.Equal(t, w1, next)
	require.Equal(t, int32(2), n)
	assert.Nil(t, w1.LockOwner())
	assert.Equal(t, w1, w2.LockOwner())
	assert.Equal(t, []*Thread{w2}, w1.Waiters())
	assert.Equal(t, []*Thread{w3, w4}, owner.Waiters())
	assert.Equal(t, int32(25), owner.Priority())

	next, n = owner.RemoveWaiterByKey(0xA0, true)
	require.Equal(t, w4, next)
	require.Equal(t, int32(1), n)
	assert.Equal(t, int32(0), owner.NumKernelWaiters())
	assert.Equal(t, []*Thread{w3}, owner.Waiters())

	next, n = owner.RemoveWaiterByKey(0xC0, false)
	assert.Nil(t, next)
	assert.Zero(t, n)
}

func TestPinUnpinRestoresAffinity(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 1, 0b0110)

	k.LockScheduler(cur)
	th.Pin(3)
	require.True(t, th.IsPinned())
	require.Equal(t, int32(3), th.ActiveCore())
	require.Equal(t, int32(3), th.IdealCore())
	require.Equal(t, AffinityMask(1<<3), th.AffinityMask())
	require.Zero(t, th.suspendAllowedFlags&SuspendTypeThread.flag())
	k.UnlockScheduler(cur)
	checkQueueMembership(t, k)
	require.Equal(t, th, k.Scheduler(3).HighestPriorityThread())

	core, mask := th.GetPhysicalCoreMask(cur)
	require.Equal(t, int32(1), core)
	require.Equal(t, AffinityMask(0b0110), mask)

	k.LockScheduler(cur)
	th.Unpin()
	require.False(t, th.IsPinned())
	require.Equal(t, int32(1), th.IdealCore())
	require.Equal(t, AffinityMask(0b0110), th.AffinityMask())
	require.Equal(t, uint32(ThreadStateSuspendFlagMask), th.suspendAllowedFlags)
	k.UnlockScheduler(cur)
	checkQueueMembership(t, k)
	require.True(t, th.AffinityMask().GetAffinity(th.ActiveCore()))
}

func TestPinCurrentThread(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 2, 0b1111)
	th.SetCurrentCore(2)

	k.LockScheduler(cur)
	p.PinCurrentThread(th)
	require.Equal(t, th, p.GetPinnedThread(2))
	require.Equal(t, AffinityMask(1<<2), th.AffinityMask())
	p.UnpinCurrentThread(th)
	require.Nil(t, p.GetPinnedThread(2))
	require.Equal(t, AffinityMask(0b1111), th.AffinityMask())
	k.UnlockScheduler(cur)
	checkQueueMembership(t, k)
}

func TestRequestTerminateWaitingThread(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 0, 0)

	k.LockScheduler(cur)
	th.BeginWait(&threadQueue{k: k})
	k.UnlockScheduler(cur)
	require.Equal(t, ThreadStateWaiting, th.State())

	state := th.RequestTerminate(cur)
	require.Equal(t, ThreadStateRunnable, state)
	require.ErrorIs(t, th.WaitResult(), ErrTerminationRequested)
	require.True(t, th.IsTerminationRequested())
	require.True(t, th.hasDpc(dpcTerminating))
	checkQueueMembership(t, k)

	// Only the first request has an effect.
	k.LockScheduler(cur)
	th.waitResult = nil
	k.UnlockScheduler(cur)
	state = th.RequestTerminate(cur)
	require.Equal(t, ThreadStateRunnable, state)
	require.NoError(t, th.WaitResult())
	checkQueueMembership(t, k)
}

func TestRequestTerminateInitializedThread(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th, err := k.NewUserThread(cur, p, ThreadParams{Name: "t", Priority: 44})
	require.NoError(t, err)

	require.Equal(t, ThreadStateTerminated, th.RequestTerminate(cur))
	require.ErrorIs(t, th.Run(cur), ErrTerminationRequested)
}

func TestSetCoreMaskValidation(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 1, 0)

	require.ErrorIs(t, th.SetCoreMask(cur, 1, 0), ErrInvalidCombination)
	require.ErrorIs(t, th.SetCoreMask(cur, IdealCoreNoUpdate, 0b0100), ErrInvalidCombination)

	require.NoError(t, th.SetCoreMask(cur, IdealCoreNoUpdate, 0b0110))
	core, mask := th.GetCoreMask(cur)
	require.Equal(t, int32(1), core)
	require.Equal(t, uint64(0b0110), mask)

	require.NoError(t, th.SetCoreMask(cur, IdealCoreDontCare, 0b1000))
	require.Equal(t, int32(3), th.ActiveCore())
	checkQueueMembership(t, k)
}

func TestSuspendAndResume(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 0, 0)
	require.Equal(t, th, k.Scheduler(0).HighestPriorityThread())

	th.RequestSuspend(cur, SuspendTypeDebug)
	require.True(t, th.IsSuspended())
	require.Equal(t, ThreadStateRunnable, th.State())
	require.NotEqual(t, ThreadStateRunnable, th.RawState())
	require.Nil(t, k.Scheduler(0).HighestPriorityThread())

	th.Resume(cur, SuspendTypeDebug)
	require.False(t, th.IsSuspended())
	require.Equal(t, th, k.Scheduler(0).HighestPriorityThread())
	checkQueueMembership(t, k)
}

func TestProcessSuspend(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	a := newRunnableThread(t, k, cur, p, "a", 44, 0, 0)
	b := newRunnableThread(t, k, cur, p, "b", 44, 1, 0)

	require.NoError(t, p.SetSuspended(cur, true))
	require.ErrorIs(t, p.SetSuspended(cur, true), ErrInvalidState)
	assert.True(t, a.IsSuspendRequestedType(SuspendTypeProcess))
	assert.True(t, b.IsSuspended())

	// Threads created in a suspended process start suspended.
	c, err := k.NewUserThread(cur, p, ThreadParams{Name: "c", Priority: 44})
	require.NoError(t, err)
	require.NoError(t, c.Run(cur))
	assert.True(t, c.IsSuspended())
	checkQueueMembership(t, k)

	require.NoError(t, p.SetSuspended(cur, false))
	assert.False(t, a.IsSuspended())
	assert.False(t, c.IsSuspended())
	checkQueueMembership(t, k)
}

func TestSetActivity(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th, err := k.NewUserThread(cur, p, ThreadParams{Name: "t", Priority: 44, Entry: 0x8000, StackTop: 0x9000})
	require.NoError(t, err)

	require.ErrorIs(t, th.SetActivity(cur, ThreadActivityPaused), ErrInvalidState, "initialized thread")
	require.NoError(t, th.Run(cur))
	require.ErrorIs(t, th.SetActivity(cur, ThreadActivity(7)), ErrInvalidEnumValue)

	_, _, err = th.GetThreadContext(cur)
	require.ErrorIs(t, err, ErrInvalidState, "running thread")

	require.NoError(t, th.SetActivity(cur, ThreadActivityPaused))
	require.True(t, th.IsSuspended())
	require.ErrorIs(t, th.SetActivity(cur, ThreadActivityPaused), ErrInvalidState)

	ctx, _, err := th.GetThreadContext(cur)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x8000), ctx.PC)
	assert.Equal(t, uint64(0x9000), ctx.SP)

	require.NoError(t, th.SetActivity(cur, ThreadActivityRunnable))
	require.False(t, th.IsSuspended())
	require.ErrorIs(t, th.SetActivity(cur, ThreadActivityRunnable), ErrInvalidState)
	checkQueueMembership(t, k)
}

func TestWaitCancel(t *testing.T) {
	k, cur := newTestKernel(t)
	p := newTestProcess(t, k)
	th := newRunnableThread(t, k, cur, p, "t", 44, 0, 0)

	k.LockScheduler(cur)
	th.BeginWait(&threadQueue{k: k})
	require.True(t, th.SetCancellable())
	k.UnlockScheduler(cur)

	th.WaitCancel(cur)
	require.Equal(t, ThreadStateRunnable, th.State())
	require.ErrorIs(t, th.WaitResult(), ErrCancelled)

	// A cancel that finds no wait is remembered for the next one.
	th.WaitCancel(cur)
	k.LockScheduler(cur)
	require.False(t, th.SetCancellable())
	require.True(t, th.SetCancellable())
	th.ClearCancellable()
	k.UnlockScheduler(cur)
}

func TestDispatchCountPanics(t *testing.T) {
	k, _ := newTestKernel(t)
	d := k.NewDummyThread("d")
	d.DisableDispatch()
	require.Equal(t, int32(1), d.DisableDispatchCount())
	d.EnableDispatch()
	require.Equal(t, int32(0), d.DisableDispatchCount())
	require.Panics(t, d.EnableDispatch)
}
