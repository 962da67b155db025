package kernel

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hzcore/hzsched/arm"
	"github.com/hzcore/hzsched/internal/task"
)

// Thread is a schedulable entity: a guest thread, a core's idle thread, or
// a dummy thread standing in for a host goroutine.
//
// Fields below mu-style comments are guarded by the scheduler lock unless
// they are atomic.
type Thread struct {
	k      *Kernel
	id     uint64
	name   string
	typ    ThreadType
	parent *Process
	handle uint32

	// Scheduling state.
	priority                     int32
	basePriority                 int32
	virtualIdealCore             int32
	physicalIdealCore            int32
	originalPhysicalIdealCore    int32
	virtualAffinityMask          uint64
	physicalAffinityMask         AffinityMask
	originalPhysicalAffinityMask AffinityMask
	numCoreMigrationDisables     int32
	pinned                       bool
	activeCore                   atomic.Int32
	currentCore                  atomic.Int32
	state                        atomic.Uint32
	suspendRequestFlags          uint32
	suspendAllowedFlags          uint32
	terminationRequested         atomic.Bool
	signaled                     bool
	dpcFlags                     atomic.Uint32
	disableCount                 atomic.Int32
	lastScheduledTick            atomic.Uint64
	yieldScheduleCount           atomic.Int64
	cpuTime                      atomic.Int64
	queueEntries                 [NumCPUCores]queueEntry

	// Waiting.
	waitQueue          ThreadQueue
	waitResult         error
	waitCancelled      bool
	cancellable        bool
	timerTask          uint64
	pinnedWaiters      []*Thread
	terminationWaiters []*Thread

	// Priority inheritance. waiters is sorted by priority, and by arrival
	// within a priority.
	lockOwner          *Thread
	waiters            []*Thread
	numKernelWaiters   int32
	addressKey         uint64
	addressKeyValue    uint32
	isKernelAddressKey bool
	cvTree             *ConditionVariable
	cvKey              uint64

	activityPauseLock LightLock

	// Emulation state.
	fiber        *task.Fiber
	contextGuard task.SpinLock
	context32    arm.ThreadContext32
	context64    arm.ThreadContext64
	tpidrEL0     uint64
	tlsAddress   uint64
	entryPoint   uint64
	argument     uint64
	stackTop     uint64
	stackCharge  int64

	dummyRunnable atomic.Bool
	dummyWake     chan struct{}

	// Next thread in the worker task queue.
	workerNext *Thread
	finalized  atomic.Bool
}

// ThreadParams describe a new guest thread.
type ThreadParams struct {
	Name     string
	Entry    uint64
	Argument uint64
	StackTop uint64
	Priority int32
	// Virtual core the thread starts on. IdealCoreUseProcessValue picks the
	// process' ideal core.
	Core int32
}

func (k *Kernel) initializeThread(t *Thread, typ ThreadType, owner *Process, name string, priority, virtCore int32) error {
	if typ != ThreadTypeMain && typ != ThreadTypeDummy && !isValidPriority(priority) {
		return ErrInvalidPriority
	}
	if owner == nil && typ == ThreadTypeUser {
		return fmt.Errorf("kernel: user thread %q without a process: %w", name, ErrInvalidState)
	}
	if !isValidVirtualCore(virtCore) {
		return ErrInvalidCoreID
	}
	physCore := virtualToPhysicalCoreMap[virtCore]

	t.k = k
	t.typ = typ
	t.name = name
	t.virtualIdealCore = virtCore
	t.physicalIdealCore = physCore
	t.virtualAffinityMask = 1 << virtCore
	t.physicalAffinityMask.SetAffinity(physCore, true)
	if typ == ThreadTypeMain || typ == ThreadTypeDummy {
		t.state.Store(uint32(ThreadStateRunnable))
	} else {
		t.state.Store(uint32(ThreadStateInitialized))
	}
	t.activeCore.Store(physCore)
	t.currentCore.Store(physCore)
	t.waitResult = ErrNoSynchronizationObject
	t.priority = priority
	t.basePriority = priority
	t.suspendAllowedFlags = uint32(ThreadStateSuspendFlagMask)
	t.yieldScheduleCount.Store(-1)
	t.activityPauseLock.init(k)

	t.resetContext()
	t.disableCount.Store(1)
	t.id = k.nextThreadID.Add(1)

	if owner != nil {
		if typ == ThreadTypeUser {
			t.tlsAddress = owner.createThreadLocalRegion()
		}
		t.parent = owner
	}
	return nil
}

func (t *Thread) resetContext() {
	t.context64 = arm.ThreadContext64{}
	t.context64.CPURegisters[0] = t.argument
	t.context64.CPURegisters[18] = rand.Uint64() | 1
	t.context64.PC = t.entryPoint
	t.context64.SP = t.stackTop

	t.context32 = arm.ThreadContext32{}
	t.context32.CPURegisters[0] = uint32(t.argument)
	t.context32.CPURegisters[15] = uint32(t.entryPoint)
	t.context32.CPURegisters[13] = uint32(t.stackTop)
}

// Give t a fiber that starts in entry.
func (k *Kernel) attachFiber(t *Thread, entry func(*Thread)) error {
	charge, err := k.chargeFiberStack()
	if err != nil {
		return err
	}
	t.stackCharge = charge
	t.fiber = k.newFiber(t, entry)
	return nil
}

// NewUserThread creates a guest thread in process p, in the Initialized
// state. cur is the creating thread. The thread starts running after Run.
func (k *Kernel) NewUserThread(cur *Thread, p *Process, params ThreadParams) (*Thread, error) {
	if k.entries.GuestThread == nil {
		return nil, fmt.Errorf("kernel: creating thread %q before Initialize: %w", params.Name, ErrInvalidState)
	}
	core := params.Core
	if core == IdealCoreUseProcessValue {
		core = p.IdealCore()
	}
	if !isValidVirtualCore(core) || p.coreMask&(1<<core) == 0 {
		return nil, ErrInvalidCoreID
	}
	if !isValidPriority(params.Priority) {
		return nil, ErrInvalidPriority
	}
	if !p.CheckThreadPriority(params.Priority) {
		return nil, ErrInvalidPriority
	}
	if err := p.reserveThread(); err != nil {
		return nil, err
	}

	t := &Thread{
		entryPoint: params.Entry,
		argument:   params.Argument,
		stackTop:   params.StackTop,
	}
	if err := k.initializeThread(t, ThreadTypeUser, p, params.Name, params.Priority, core); err != nil {
		p.releaseThread()
		return nil, err
	}
	if err := k.attachFiber(t, k.entries.GuestThread); err != nil {
		p.releaseThread()
		return nil, err
	}

	k.gsc.AddThread(t)
	p.RegisterThread(t)
	if p.IsSuspended() {
		k.LockScheduler(cur)
		t.RequestSuspend(cur, SuspendTypeProcess)
		k.UnlockScheduler(cur)
	}
	k.log.Debug("thread created", "thread", t.id, "name", t.name, "priority", t.priority, "core", t.physicalIdealCore)
	return t, nil
}

// NewDummyThread creates a thread for a host goroutine that needs to take
// kernel locks or wait on kernel objects. Every goroutine must use its own.
func (k *Kernel) NewDummyThread(name string) *Thread {
	t := &Thread{dummyWake: make(chan struct{}, 1)}
	if err := k.initializeThread(t, ThreadTypeDummy, nil, name, DummyThreadPriority, NumCPUCores-1); err != nil {
		panic(err)
	}
	t.disableCount.Store(0)
	t.dummyRunnable.Store(true)
	k.gsc.AddThread(t)
	return t
}

func (k *Kernel) newIdleThread(core int32) (*Thread, error) {
	t := &Thread{}
	if err := k.initializeThread(t, ThreadTypeMain, nil, fmt.Sprintf("IdleThread:%d", core), IdleThreadPriority, core); err != nil {
		return nil, err
	}
	if err := k.attachFiber(t, k.entries.IdleThread); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Thread) String() string {
	if t == nil {
		return "<nil thread>"
	}
	return fmt.Sprintf("thread %d (%s)", t.id, t.name)
}

func (t *Thread) ID() uint64 { return t.id }

func (t *Thread) Name() string { return t.name }

func (t *Thread) Type() ThreadType { return t.typ }

// Owner returns the process of a user thread.
func (t *Thread) Owner() *Process { return t.parent }

// Handle returns the thread's handle in its process, or zero.
func (t *Thread) Handle() uint32 { return t.handle }

func (t *Thread) Fiber() *task.Fiber { return t.fiber }

func (t *Thread) IsDummyThread() bool { return t.typ == ThreadTypeDummy }

func (t *Thread) IsUserThread() bool { return t.parent != nil }

func (t *Thread) Priority() int32 { return t.priority }

func (t *Thread) BasePriority() int32 { return t.basePriority }

// State returns the thread state without suspend flags.
func (t *Thread) State() ThreadState { return t.RawState() & ThreadStateMask }

// RawState returns the thread state including suspend flags.
func (t *Thread) RawState() ThreadState { return ThreadState(t.state.Load()) }

// ActiveCore is the core whose scheduled queue holds the thread, or -1.
func (t *Thread) ActiveCore() int32 { return t.activeCore.Load() }

func (t *Thread) SetActiveCore(core int32) { t.activeCore.Store(core) }

// CurrentCore is the core the thread last ran on.
func (t *Thread) CurrentCore() int32 { return t.currentCore.Load() }

func (t *Thread) SetCurrentCore(core int32) { t.currentCore.Store(core) }

func (t *Thread) IdealCore() int32 { return t.physicalIdealCore }

func (t *Thread) AffinityMask() AffinityMask { return t.physicalAffinityMask }

func (t *Thread) IsTerminationRequested() bool {
	return t.terminationRequested.Load() || t.State() == ThreadStateTerminated
}

func (t *Thread) IsPinned() bool { return t.pinned }

func (t *Thread) LockOwner() *Thread { return t.lockOwner }

func (t *Thread) HasWaiters() bool { return len(t.waiters) != 0 }

// Waiters returns the threads waiting on locks t holds, in priority order.
func (t *Thread) Waiters() []*Thread { return slices.Clone(t.waiters) }

func (t *Thread) NumKernelWaiters() int32 { return t.numKernelWaiters }

// WaitResult is the result of the thread's last wait.
func (t *Thread) WaitResult() error { return t.waitResult }

func (t *Thread) IsSignaled() bool { return t.signaled }

func (t *Thread) TLSAddress() uint64 { return t.tlsAddress }

func (t *Thread) LastScheduledTick() uint64 { return t.lastScheduledTick.Load() }

func (t *Thread) YieldScheduleCount() int64 { return t.yieldScheduleCount.Load() }

// CPUTime returns the ticks the thread spent on a core.
func (t *Thread) CPUTime() int64 { return t.cpuTime.Load() }

func (t *Thread) AddCPUTime(core int32, ticks int64) { t.cpuTime.Add(ticks) }

func (t *Thread) GetSuspendFlags() uint32 { return t.suspendAllowedFlags & t.suspendRequestFlags }

func (t *Thread) IsSuspended() bool { return t.GetSuspendFlags() != 0 }

func (t *Thread) IsSuspendRequested() bool { return t.suspendRequestFlags != 0 }

func (t *Thread) IsSuspendRequestedType(typ SuspendType) bool {
	return t.suspendRequestFlags&typ.flag() != 0
}

func (t *Thread) DisableDispatchCount() int32 { return t.disableCount.Load() }

func (t *Thread) DisableDispatch() {
	if t.disableCount.Add(1) < 1 {
		panic("kernel: dispatch disable count underflow on " + t.String())
	}
}

func (t *Thread) EnableDispatch() {
	if t.disableCount.Add(-1) < 0 {
		panic("kernel: EnableDispatch without DisableDispatch on " + t.String())
	}
}

func (t *Thread) registerDpc(f dpcFlag) { t.dpcFlags.Or(uint32(f)) }

func (t *Thread) clearDpc(f dpcFlag) { t.dpcFlags.And(^uint32(f)) }

func (t *Thread) hasDpc(f dpcFlag) bool { return t.dpcFlags.Load()&uint32(f) != 0 }

// Context64 returns a copy of the saved 64-bit register state.
func (t *Thread) Context64() arm.ThreadContext64 { return t.context64 }

// Context32 returns a copy of the saved 32-bit register state.
func (t *Thread) Context32() arm.ThreadContext32 { return t.context32 }

// SetContext64 replaces the saved 64-bit register state. The thread must
// not be running.
func (t *Thread) SetContext64(ctx arm.ThreadContext64) { t.context64 = ctx }

func (t *Thread) setState(state ThreadState) {
	k := t.k
	k.gsc.assertLocked()
	old := t.RawState()
	t.state.Store(uint32(old&^ThreadStateMask | state&ThreadStateMask))
	if t.RawState() != old {
		k.onThreadStateChanged(t, old)
	}
}

// Run makes a newly created thread runnable.
func (t *Thread) Run(cur *Thread) error {
	k := t.k
	for {
		k.LockScheduler(cur)

		if t.IsTerminationRequested() || cur.IsTerminationRequested() {
			k.UnlockScheduler(cur)
			return ErrTerminationRequested
		}
		if t.State() != ThreadStateInitialized {
			k.UnlockScheduler(cur)
			return ErrInvalidState
		}
		if cur.IsSuspended() {
			cur.UpdateState()
			k.UnlockScheduler(cur)
			continue
		}

		if owner := t.parent; owner != nil {
			if t.IsUserThread() && t.IsSuspended() {
				t.UpdateState()
			}
			owner.IncrementRunningThreadCount()
		}
		t.setState(ThreadStateRunnable)
		k.UnlockScheduler(cur)
		return nil
	}
}

// Exit terminates the calling thread. It only returns while the kernel is
// shutting down.
func (t *Thread) Exit() {
	k := t.k
	if p := t.parent; p != nil {
		p.DecrementRunningThreadCount()
	}

	k.LockScheduler(t)
	t.suspendAllowedFlags = 0
	t.UpdateState()
	t.StartTermination()
	k.workers.AddTask(t)
	k.UnlockScheduler(t)

	if !k.IsShuttingDown() {
		panic("kernel: Exit would return on " + t.String())
	}
}

// Terminate requests termination of t and waits until it terminated.
func (t *Thread) Terminate(cur *Thread) error {
	if t == cur {
		panic("kernel: thread terminates itself, use Exit")
	}
	if t.RequestTerminate(cur) == ThreadStateTerminated {
		return nil
	}

	k := t.k
	q := &terminationQueue{threadQueue: threadQueue{k: k}, target: t}
	k.LockScheduler(cur)
	if t.signaled {
		k.UnlockScheduler(cur)
		return nil
	}
	if cur.IsTerminationRequested() {
		k.UnlockScheduler(cur)
		return ErrTerminationRequested
	}
	t.terminationWaiters = append(t.terminationWaiters, cur)
	cur.BeginWait(q)
	k.UnlockScheduler(cur)
	return cur.waitResult
}

// RequestTerminate asks t to terminate and returns its state afterwards. A
// waiting thread is woken with ErrTerminationRequested. Only the first call
// has an effect.
func (t *Thread) RequestTerminate(cur *Thread) ThreadState {
	if t == cur {
		panic("kernel: thread requests its own termination")
	}
	k := t.k
	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	if !t.terminationRequested.CompareAndSwap(false, true) {
		return t.State()
	}

	if t.State() == ThreadStateInitialized {
		t.state.Store(uint32(ThreadStateTerminated))
		return ThreadStateTerminated
	}

	t.registerDpc(dpcTerminating)

	if t.pinned {
		t.parent.UnpinThread(t)
	}

	if t.IsSuspended() {
		t.suspendAllowedFlags = 0
		t.UpdateState()
	}

	if t.basePriority >= SystemThreadPriorityHighest {
		t.SetBasePriority(cur, TerminatingThreadPriority)
	}

	if t.State() == ThreadStateRunnable {
		mask := uint64(t.physicalAffinityMask)
		if s := k.CurrentScheduler(cur); s != nil {
			mask &^= 1 << s.coreID
		}
		if mask != 0 {
			k.rescheduleCores(mask)
		}
	}

	if t.State() == ThreadStateWaiting {
		t.waitQueue.CancelWait(t, ErrTerminationRequested, true)
	}

	return t.State()
}

// HandleDpc runs deferred work pending for the calling thread. A thread
// whose termination was requested exits here.
func (t *Thread) HandleDpc() {
	if t.hasDpc(dpcTerminating) && !t.hasDpc(dpcTerminated) {
		t.Exit()
	}
}

// StartTermination marks the thread terminated and wakes everything
// waiting for that. The scheduler lock must be held.
func (t *Thread) StartTermination() {
	k := t.k
	k.gsc.assertLocked()

	if p := t.parent; p != nil {
		if p.GetPinnedThread(t.CurrentCore()) == t {
			p.UnpinCurrentThread(t)
		}
	}

	t.setState(ThreadStateTerminated)

	if p := t.parent; p != nil {
		p.ClearRunningThread(t)
	}

	t.signaled = true
	for _, w := range slices.Clone(t.terminationWaiters) {
		if w.State() == ThreadStateWaiting {
			w.waitQueue.NotifyAvailable(w, t, nil)
		}
	}

	k.ClearPreviousThread(t)
	t.registerDpc(dpcTerminated)
}

// FinishTermination waits until no core runs t any more, then finalizes
// it. cur must not hold the scheduler lock.
func (t *Thread) FinishTermination(cur *Thread) {
	k := t.k
	if t.parent != nil {
		for _, s := range k.schedulers {
			for s.GetSchedulerCurrentThread() == t && !k.IsShuttingDown() {
				runtime.Gosched()
			}
		}
	}
	t.finalize(cur)
}

func (t *Thread) finalize(cur *Thread) {
	if t.finalized.Swap(true) {
		return
	}
	k := t.k
	if p := t.parent; p != nil {
		p.UnregisterThread(t)
		p.releaseThread()
	}

	k.LockScheduler(cur)
	if t.lockOwner != nil {
		panic("kernel: finalizing " + t.String() + " while it waits on a lock")
	}
	for _, w := range t.waiters {
		w.lockOwner = nil
		if w.isKernelAddressKey {
			t.numKernelWaiters--
		}
		w.CancelWait(cur, ErrInvalidState, true)
	}
	t.waiters = nil
	k.UnlockScheduler(cur)

	t.releaseFiber()
	k.gsc.RemoveThread(t)
	k.log.Debug("thread finalized", "thread", t.id, "name", t.name)
}

func (t *Thread) releaseFiber() {
	if t.fiber != nil && !t.fiber.IsThreadFiber() {
		t.fiber.Release()
	}
	if t.stackCharge != 0 {
		t.k.releaseFiberStack(t.stackCharge)
		t.stackCharge = 0
	}
}

// Pin binds the thread to core and forbids suspending it. The scheduler
// lock must be held.
func (t *Thread) Pin(core int32) {
	k := t.k
	k.gsc.assertLocked()

	t.pinned = true
	if t.numCoreMigrationDisables != 0 {
		panic("kernel: pinning " + t.String() + " twice")
	}
	t.numCoreMigrationDisables++

	t.originalPhysicalIdealCore = t.physicalIdealCore
	t.originalPhysicalAffinityMask = t.physicalAffinityMask

	activeCore := t.ActiveCore()
	t.SetActiveCore(core)
	t.physicalIdealCore = core
	t.physicalAffinityMask = 1 << core
	if activeCore != core || t.physicalAffinityMask != t.originalPhysicalAffinityMask {
		k.onThreadAffinityMaskChanged(t, t.originalPhysicalAffinityMask, activeCore)
	}

	t.suspendAllowedFlags &^= SuspendTypeThread.flag()
	t.UpdateState()
}

// Unpin restores the affinity saved by Pin and wakes threads that waited
// for it. The scheduler lock must be held.
func (t *Thread) Unpin() {
	k := t.k
	k.gsc.assertLocked()

	t.pinned = false
	if t.numCoreMigrationDisables != 1 {
		panic("kernel: unpinning " + t.String() + " which is not pinned")
	}
	t.numCoreMigrationDisables--

	oldMask := t.physicalAffinityMask
	t.physicalIdealCore = t.originalPhysicalIdealCore
	t.physicalAffinityMask = t.originalPhysicalAffinityMask
	if t.physicalAffinityMask != oldMask {
		activeCore := t.ActiveCore()
		if !t.physicalAffinityMask.GetAffinity(activeCore) {
			if t.physicalIdealCore >= 0 {
				t.SetActiveCore(t.physicalIdealCore)
			} else {
				t.SetActiveCore(t.physicalAffinityMask.Highest())
			}
		}
		k.onThreadAffinityMaskChanged(t, oldMask, activeCore)
	}

	if !t.IsTerminationRequested() {
		t.suspendAllowedFlags |= SuspendTypeThread.flag()
		t.UpdateState()
	}

	waiters := t.pinnedWaiters
	t.pinnedWaiters = nil
	for _, w := range waiters {
		if w.State() == ThreadStateWaiting && w.waitQueue != nil {
			w.waitQueue.EndWait(w, nil)
		}
	}
}

// GetCoreMask returns the virtual ideal core and affinity mask.
func (t *Thread) GetCoreMask(cur *Thread) (int32, uint64) {
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	return t.virtualIdealCore, t.virtualAffinityMask
}

// GetPhysicalCoreMask returns the physical ideal core and affinity mask,
// ignoring a temporary pin.
func (t *Thread) GetPhysicalCoreMask(cur *Thread) (int32, AffinityMask) {
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	if t.numCoreMigrationDisables == 0 {
		return t.physicalIdealCore, t.physicalAffinityMask
	}
	return t.originalPhysicalIdealCore, t.originalPhysicalAffinityMask
}

// SetCoreMask changes the thread's virtual ideal core and affinity. If the
// thread is running on a core it is no longer allowed on, SetCoreMask
// returns once it moved off that core.
func (t *Thread) SetCoreMask(cur *Thread, core int32, virtualMask uint64) error {
	if virtualMask == 0 {
		return ErrInvalidCombination
	}
	k := t.k
	t.activityPauseLock.Lock(cur)
	defer t.activityPauseLock.Unlock(cur)

	var physMask AffinityMask
	err := func() error {
		k.LockScheduler(cur)
		defer k.UnlockScheduler(cur)

		if core != IdealCoreNoUpdate {
			t.virtualIdealCore = core
		} else {
			core = t.virtualIdealCore
			if core >= 0 && virtualMask&(1<<core) == 0 {
				return ErrInvalidCombination
			}
		}
		t.virtualAffinityMask = virtualMask

		if core >= 0 {
			core = virtualToPhysicalCoreMap[core]
		}
		physMask = physicalMask(virtualMask)

		if t.numCoreMigrationDisables == 0 {
			oldMask := t.physicalAffinityMask
			t.physicalIdealCore = core
			t.physicalAffinityMask = physMask
			if t.physicalAffinityMask != oldMask {
				activeCore := t.ActiveCore()
				if activeCore >= 0 && !t.physicalAffinityMask.GetAffinity(activeCore) {
					if t.physicalIdealCore >= 0 {
						t.SetActiveCore(t.physicalIdealCore)
					} else {
						t.SetActiveCore(t.physicalAffinityMask.Highest())
					}
				}
				k.onThreadAffinityMaskChanged(t, oldMask, activeCore)
			}
		} else {
			t.originalPhysicalIdealCore = core
			t.originalPhysicalAffinityMask = physMask
		}
		return nil
	}()
	if err != nil {
		return err
	}

	q := &setPropertyQueue{threadQueue: threadQueue{k: k}, list: &t.pinnedWaiters}
	for {
		k.LockScheduler(cur)
		if t.IsTerminationRequested() {
			k.UnlockScheduler(cur)
			return nil
		}

		retry := false
		if threadCore, ok := k.runningCore(t); ok && !physMask.GetAffinity(threadCore) {
			if t.pinned {
				if cur.IsTerminationRequested() {
					k.UnlockScheduler(cur)
					return ErrTerminationRequested
				}
				t.pinnedWaiters = append(t.pinnedWaiters, cur)
				cur.BeginWait(q)
			} else {
				retry = true
			}
		}
		k.UnlockScheduler(cur)
		if !retry {
			return nil
		}
		runtime.Gosched()
	}
}

// runningCore returns the core t is currently switched in on.
func (k *Kernel) runningCore(t *Thread) (int32, bool) {
	for core, s := range k.schedulers {
		if s.GetSchedulerCurrentThread() == t {
			return int32(core), true
		}
	}
	return -1, false
}

// SetBasePriority changes the thread's own priority. Its effective
// priority stays raised while it holds a lock a more important thread
// waits on.
func (t *Thread) SetBasePriority(cur *Thread, priority int32) {
	if !isValidPriority(priority) {
		panic(fmt.Sprintf("kernel: invalid base priority %d", priority))
	}
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	t.basePriority = priority
	restorePriority(t.k, t)
}

// RequestSuspend asks the thread to suspend for typ.
func (t *Thread) RequestSuspend(cur *Thread, typ SuspendType) {
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	t.suspendRequestFlags |= typ.flag()
	t.TrySuspend()
}

// Resume withdraws a suspend request for typ.
func (t *Thread) Resume(cur *Thread, typ SuspendType) {
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	t.suspendRequestFlags &^= typ.flag()
	t.UpdateState()
}

// WaitCancel cancels a cancellable wait, or records the cancellation for
// the thread's next wait.
func (t *Thread) WaitCancel(cur *Thread) {
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	if t.State() == ThreadStateWaiting && t.cancellable {
		t.waitCancelled = false
		t.waitQueue.CancelWait(t, ErrCancelled, true)
	} else {
		t.waitCancelled = true
	}
}

// SetCancellable marks the thread's current wait as cancellable by
// WaitCancel. It returns false if a cancellation was already pending.
func (t *Thread) SetCancellable() bool {
	t.k.gsc.assertLocked()
	if t.waitCancelled {
		t.waitCancelled = false
		return false
	}
	t.cancellable = true
	return true
}

func (t *Thread) ClearCancellable() {
	t.k.gsc.assertLocked()
	t.cancellable = false
}

// TrySuspend applies pending suspend requests unless a kernel lock waiter
// depends on the thread. The scheduler lock must be held.
func (t *Thread) TrySuspend() {
	t.k.gsc.assertLocked()
	if !t.IsSuspendRequested() {
		panic("kernel: TrySuspend without a request on " + t.String())
	}
	if t.numKernelWaiters > 0 {
		return
	}
	t.UpdateState()
}

// UpdateState copies the effective suspend flags into the state. The
// scheduler lock must be held.
func (t *Thread) UpdateState() {
	k := t.k
	k.gsc.assertLocked()
	old := t.RawState()
	next := ThreadState(t.GetSuspendFlags()) | old&ThreadStateMask
	t.state.Store(uint32(next))
	if next != old {
		k.onThreadStateChanged(t, old)
	}
}

// Continue clears the suspend flags from the state without withdrawing the
// requests. The scheduler lock must be held.
func (t *Thread) Continue() {
	k := t.k
	k.gsc.assertLocked()
	old := t.RawState()
	t.state.Store(uint32(old & ThreadStateMask))
	k.onThreadStateChanged(t, old)
}

// ContinueIfHasKernelWaiters lets a suspended thread run while a kernel
// lock waiter depends on it.
func (t *Thread) ContinueIfHasKernelWaiters() {
	if t.numKernelWaiters > 0 {
		t.Continue()
	}
}

// WaitUntilSuspended spins until no core runs the thread.
func (t *Thread) WaitUntilSuspended() {
	if !t.IsSuspendRequested() {
		panic("kernel: WaitUntilSuspended without a request on " + t.String())
	}
	for _, s := range t.k.schedulers {
		for s.GetSchedulerCurrentThread() == t && !t.k.IsShuttingDown() {
			runtime.Gosched()
		}
	}
}

// SetActivity pauses or resumes the thread. Pausing returns once the
// thread no longer runs on any core.
func (t *Thread) SetActivity(cur *Thread, activity ThreadActivity) error {
	if activity != ThreadActivityRunnable && activity != ThreadActivityPaused {
		return ErrInvalidEnumValue
	}
	k := t.k
	t.activityPauseLock.Lock(cur)
	defer t.activityPauseLock.Unlock(cur)

	err := func() error {
		k.LockScheduler(cur)
		defer k.UnlockScheduler(cur)

		state := t.State()
		if state != ThreadStateWaiting && state != ThreadStateRunnable {
			return ErrInvalidState
		}
		if activity == ThreadActivityPaused {
			if t.IsSuspendRequestedType(SuspendTypeThread) {
				return ErrInvalidState
			}
			t.RequestSuspend(cur, SuspendTypeThread)
		} else {
			if !t.IsSuspendRequestedType(SuspendTypeThread) {
				return ErrInvalidState
			}
			t.Resume(cur, SuspendTypeThread)
		}
		return nil
	}()
	if err != nil || activity != ThreadActivityPaused {
		return err
	}

	q := &setPropertyQueue{threadQueue: threadQueue{k: k}, list: &t.pinnedWaiters}
	for {
		k.LockScheduler(cur)
		if t.IsTerminationRequested() {
			k.UnlockScheduler(cur)
			return nil
		}
		current := false
		if t.pinned {
			if cur.IsTerminationRequested() {
				k.UnlockScheduler(cur)
				return ErrTerminationRequested
			}
			t.pinnedWaiters = append(t.pinnedWaiters, cur)
			cur.BeginWait(q)
		} else {
			_, current = k.runningCore(t)
		}
		k.UnlockScheduler(cur)
		if !current {
			return nil
		}
		runtime.Gosched()
	}
}

// Mask away mode, interrupt, IL and reserved bits of a saved PSTATE/CPSR.
const contextStateMask = 0xFF0FFE20

// GetThreadContext returns the register state of a paused thread. The
// state is zero if the thread is terminating.
func (t *Thread) GetThreadContext(cur *Thread) (arm.ThreadContext64, arm.ThreadContext32, error) {
	k := t.k
	t.activityPauseLock.Lock(cur)
	defer t.activityPauseLock.Unlock(cur)
	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	if !t.IsSuspendRequestedType(SuspendTypeThread) {
		return arm.ThreadContext64{}, arm.ThreadContext32{}, ErrInvalidState
	}
	if t.IsTerminationRequested() {
		return arm.ThreadContext64{}, arm.ThreadContext32{}, nil
	}
	if t.parent != nil && !t.parent.Is64Bit() {
		ctx := t.context32
		ctx.CPSR &= contextStateMask
		return arm.ThreadContext64{}, ctx, nil
	}
	ctx := t.context64
	ctx.PState &= contextStateMask
	return ctx, arm.ThreadContext32{}, nil
}

// maxLockOwnerChain bounds the owners restorePriority follows.
const maxLockOwnerChain = 1024

// Insert waiter into t's waiter list. The scheduler lock must be held.
func (t *Thread) addWaiterImpl(waiter *Thread) {
	k := t.k
	k.gsc.assertLocked()

	i := 0
	for i < len(t.waiters) && t.waiters[i].priority <= waiter.priority {
		i++
	}
	if waiter.isKernelAddressKey {
		t.numKernelWaiters++
		k.gsc.setSchedulerUpdateNeeded()
	}
	t.waiters = slices.Insert(t.waiters, i, waiter)
	waiter.lockOwner = t
}

func (t *Thread) removeWaiterImpl(waiter *Thread) {
	k := t.k
	k.gsc.assertLocked()

	if waiter.isKernelAddressKey {
		if t.numKernelWaiters <= 0 {
			panic("kernel: kernel waiter count underflow on " + t.String())
		}
		t.numKernelWaiters--
		k.gsc.setSchedulerUpdateNeeded()
	}
	removeThread(&t.waiters, waiter)
	waiter.lockOwner = nil
}

// restorePriority recomputes t's effective priority from its base priority
// and its most important waiter, then propagates the change along the chain
// of lock owners. A chain that leads back to where it started, or runs
// longer than maxLockOwnerChain, panics.
func restorePriority(k *Kernel, t *Thread) {
	k.gsc.assertLocked()
	start := t
	for depth := 0; ; depth++ {
		if depth > maxLockOwnerChain {
			panic(fmt.Sprintf("kernel: lock owner chain from %s exceeds %d threads", start, maxLockOwnerChain))
		}
		// Dummy threads are never queued, so they take no part in
		// inheritance.
		if t.IsDummyThread() {
			return
		}
		priority := t.basePriority
		if len(t.waiters) != 0 {
			priority = min(priority, t.waiters[0].priority)
		}
		if priority == t.priority {
			return
		}

		if t.cvTree != nil {
			t.cvTree.beforeUpdatePriority(t)
		}
		old := t.priority
		t.priority = priority
		if t.cvTree != nil {
			t.cvTree.afterUpdatePriority(t)
		}
		k.onThreadPriorityChanged(t, old)

		owner := t.lockOwner
		if owner == nil {
			return
		}
		if owner == start {
			panic(fmt.Sprintf("kernel: lock owner cycle through %s", start))
		}
		owner.removeWaiterImpl(t)
		owner.addWaiterImpl(t)
		t = owner
	}
}

// AddWaiter records that waiter waits on a lock held by t. The scheduler
// lock must be held.
func (t *Thread) AddWaiter(waiter *Thread) {
	t.addWaiterImpl(waiter)
	restorePriority(t.k, t)
}

// RemoveWaiter undoes AddWaiter. The scheduler lock must be held.
func (t *Thread) RemoveWaiter(waiter *Thread) {
	t.removeWaiterImpl(waiter)
	restorePriority(t.k, t)
}

// RemoveWaiterByKey removes every waiter on the lock identified by key. The
// most important one becomes the new owner and inherits the others as its
// waiters. It returns the new owner and the number of waiters removed. The
// scheduler lock must be held.
func (t *Thread) RemoveWaiterByKey(key uint64, kernelKey bool) (*Thread, int32) {
	k := t.k
	k.gsc.assertLocked()

	var (
		numWaiters int32
		next       *Thread
		rest       = t.waiters[:0]
	)
	for _, w := range t.waiters {
		if w.addressKey != key || w.isKernelAddressKey != kernelKey {
			rest = append(rest, w)
			continue
		}
		if w.isKernelAddressKey {
			if t.numKernelWaiters <= 0 {
				panic("kernel: kernel waiter count underflow on " + t.String())
			}
			t.numKernelWaiters--
			k.gsc.setSchedulerUpdateNeeded()
		}
		if next == nil {
			next = w
			next.lockOwner = nil
		} else {
			next.addWaiterImpl(w)
		}
		numWaiters++
	}
	clear(t.waiters[len(rest):])
	t.waiters = rest

	if next != nil {
		restorePriority(k, t)
		restorePriority(k, next)
	}
	return next, numWaiters
}

func (t *Thread) setAddressKey(key uint64, value uint32) {
	t.addressKey = key
	t.addressKeyValue = value
	t.isKernelAddressKey = false
}

func (t *Thread) setKernelAddressKey(key uint64) {
	t.addressKey = key
	t.addressKeyValue = 0
	t.isKernelAddressKey = true
}

// Sleep blocks the calling thread for timeout of emulated time.
func (t *Thread) Sleep(timeout time.Duration) error {
	k := t.k
	if k.gsc.lock.IsLockedByCurrentThread(t) {
		panic("kernel: Sleep with the scheduler lock held")
	}
	if timeout <= 0 {
		panic("kernel: Sleep with a non-positive timeout")
	}

	q := &threadQueueWithoutEndWait{threadQueue{k: k}}
	sl := k.LockAndSleep(t, t, timeout)
	if t.IsTerminationRequested() {
		sl.CancelSleep()
		sl.Unlock()
		return ErrTerminationRequested
	}
	t.BeginWait(q)
	sl.Unlock()
	return nil
}

// BeginWait puts the thread to sleep on q. The scheduler lock must be held;
// the thread blocks when it is released.
func (t *Thread) BeginWait(q ThreadQueue) {
	t.setState(ThreadStateWaiting)
	t.waitQueue = q
}

// NotifyAvailable passes a signal from obj to the thread's wait queue.
func (t *Thread) NotifyAvailable(cur *Thread, obj any, err error) {
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	if t.State() == ThreadStateWaiting {
		t.waitQueue.NotifyAvailable(t, obj, err)
	}
}

// EndWait completes the thread's wait with err.
func (t *Thread) EndWait(cur *Thread, err error) {
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	if t.State() == ThreadStateWaiting && t.waitQueue != nil {
		t.waitQueue.EndWait(t, err)
	}
}

// CancelWait aborts the thread's wait with err.
func (t *Thread) CancelWait(cur *Thread, err error, cancelTimer bool) {
	t.k.LockScheduler(cur)
	defer t.k.UnlockScheduler(cur)
	if t.State() == ThreadStateWaiting && t.waitQueue != nil {
		t.waitQueue.CancelWait(t, err, cancelTimer)
	}
}

// OnTimer is called when the thread's timeout expires. The scheduler lock
// must be held.
func (t *Thread) OnTimer() {
	t.k.gsc.assertLocked()
	if t.State() == ThreadStateWaiting {
		t.waitQueue.CancelWait(t, ErrTimedOut, false)
	}
}

func (t *Thread) requestDummyThreadWait() {
	t.dummyRunnable.Store(false)
}

func (t *Thread) dummyThreadBeginWait() {
	if !t.IsDummyThread() || t.k.IsPhantomModeForSingleCore() {
		return
	}
	for !t.dummyRunnable.Load() {
		<-t.dummyWake
	}
}

func (t *Thread) dummyThreadEndWait() {
	if !t.IsDummyThread() {
		return
	}
	t.dummyRunnable.Store(true)
	select {
	case t.dummyWake <- struct{}{}:
	default:
	}
}
