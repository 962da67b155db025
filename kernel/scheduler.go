package kernel

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/hzcore/hzsched/internal/task"
)

// Scheduler decides what runs on one core. It caches the highest priority
// thread chosen for the core under the global lock and performs the context
// switch when its core next reaches a scheduling point.
type Scheduler struct {
	k      *Kernel
	coreID int32

	// Guards highest and the switch sequence.
	guard           task.SpinLock
	needsScheduling atomic.Bool
	highest         *Thread

	currentThread atomic.Pointer[Thread]
	prevThread    atomic.Pointer[Thread]
	idleThread    *Thread
	switchFiber   *task.Fiber

	shouldCountIdle       bool
	idleCount             uint64
	lastContextSwitchTime uint64
	switches              atomic.Uint64
}

func newScheduler(k *Kernel, core int32) *Scheduler {
	s := &Scheduler{k: k, coreID: core}
	s.needsScheduling.Store(true)
	s.switchFiber = task.NewFiber(func(any) { s.switchToCurrent() }, nil)
	return s
}

func (s *Scheduler) initialize() error {
	t, err := s.k.newIdleThread(s.coreID)
	if err != nil {
		return fmt.Errorf("kernel: creating idle thread for core %d: %w", s.coreID, err)
	}
	s.idleThread = t
	return nil
}

func (s *Scheduler) finalize() {
	s.switchFiber.Release()
	if s.idleThread != nil {
		s.idleThread.releaseFiber()
	}
}

// Activate prepares the first switch from the core's host thread and
// returns the thread to yield to.
func (s *Scheduler) Activate() *Thread {
	s.currentThread.CompareAndSwap(nil, s.idleThread)
	t := s.currentThread.Load()
	t.contextGuard.Lock()
	t.SetCurrentCore(s.coreID)
	return t
}

// CoreID returns the core this scheduler drives.
func (s *Scheduler) CoreID() int32 { return s.coreID }

// GetCurrentThread returns the thread running on the core, or its idle
// thread if none was chosen yet.
func (s *Scheduler) GetCurrentThread() *Thread {
	if t := s.currentThread.Load(); t != nil {
		return t
	}
	return s.idleThread
}

// GetSchedulerCurrentThread returns the raw current thread, which is nil
// until the first switch.
func (s *Scheduler) GetSchedulerCurrentThread() *Thread { return s.currentThread.Load() }

// GetPreviousThread returns the last thread switched out of this core that
// may resume there.
func (s *Scheduler) GetPreviousThread() *Thread { return s.prevThread.Load() }

func (s *Scheduler) GetIdleThread() *Thread { return s.idleThread }

// IsIdle reports whether the idle thread is running.
func (s *Scheduler) IsIdle() bool { return s.GetCurrentThread() == s.idleThread }

// ContextSwitchPending reports whether the core must reschedule at its next
// scheduling point.
func (s *Scheduler) ContextSwitchPending() bool { return s.needsScheduling.Load() }

// ControlContext returns the fiber that performs context switches on this
// core.
func (s *Scheduler) ControlContext() *task.Fiber { return s.switchFiber }

// GetLastContextSwitchTicks returns the clock value at the last switch.
func (s *Scheduler) GetLastContextSwitchTicks() uint64 { return s.lastContextSwitchTime }

// HighestPriorityThread returns the thread last chosen for this core.
func (s *Scheduler) HighestPriorityThread() *Thread {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.highest
}

// ContextSwitches returns the number of threads switched in on this core.
func (s *Scheduler) ContextSwitches() uint64 { return s.switches.Load() }

// SetShouldCountIdle enables recording idle passes on the owning processes.
func (s *Scheduler) SetShouldCountIdle(v bool) { s.shouldCountIdle = v }

func incrementScheduledCount(t *Thread) {
	if p := t.parent; p != nil {
		p.IncrementScheduledCount()
	}
}

func (s *Scheduler) updateHighestPriorityThread(highest *Thread) uint64 {
	s.guard.Lock()
	defer s.guard.Unlock()
	prev := s.highest
	if prev == highest {
		return 0
	}
	if prev != nil {
		incrementScheduledCount(prev)
		prev.lastScheduledTick.Store(s.k.timing.GetCPUTicks())
	}
	if s.shouldCountIdle {
		if highest != nil {
			if p := highest.parent; p != nil {
				p.SetRunningThread(s.coreID, highest, s.idleCount)
			}
		} else {
			s.idleCount++
		}
	}
	s.highest = highest
	s.needsScheduling.Store(true)
	return 1 << s.coreID
}

func (k *Kernel) updateHighestPriorityThreads() uint64 {
	if k.gsc.updateNeeded.Load() {
		return k.updateHighestPriorityThreadsImpl()
	}
	return 0
}

// Choose the highest priority thread of every core, then try to give idle
// cores a thread migrated from another core. Returns the cores whose choice
// changed.
func (k *Kernel) updateHighestPriorityThreadsImpl() uint64 {
	k.gsc.assertLocked()
	k.gsc.updateNeeded.Store(false)

	var (
		needsScheduling, idleCores uint64
		top                        [NumCPUCores]*Thread
		pq                         = &k.gsc.queue
	)

	for core := int32(0); core < NumCPUCores; core++ {
		t := pq.GetScheduledFront(core)
		if t != nil {
			// Prefer the process' pinned thread unless the top thread holds
			// a kernel lock someone waits on.
			if t.numKernelWaiters == 0 {
				if parent := t.parent; parent != nil {
					if pinned := parent.GetPinnedThread(core); pinned != nil && pinned != t {
						if pinned.RawState() == ThreadStateRunnable {
							t = pinned
						} else {
							t = nil
						}
					}
				}
			}
		} else {
			idleCores |= 1 << core
		}
		top[core] = t
		needsScheduling |= k.schedulers[core].updateHighestPriorityThread(t)
	}

	for idleCores != 0 {
		core := int32(bits.TrailingZeros64(idleCores))

		if suggested := pq.GetSuggestedFront(core); suggested != nil {
			var candidates [NumCPUCores]int32
			numCandidates := 0

			for suggested != nil {
				suggestedCore := suggested.ActiveCore()
				var topThread *Thread
				if suggestedCore >= 0 {
					topThread = top[suggestedCore]
				}
				if topThread != suggested {
					if topThread != nil && topThread.priority < HighestCoreMigrationAllowedPriority {
						break
					}
					suggested.SetActiveCore(core)
					pq.ChangeCore(suggestedCore, suggested, false)
					top[core] = suggested
					needsScheduling |= k.schedulers[core].updateHighestPriorityThread(suggested)
					break
				}
				candidates[numCandidates] = suggestedCore
				numCandidates++
				suggested = pq.GetSuggestedNext(core, suggested)
			}

			// No single thread could move. Take the top thread of a
			// candidate core that has something else to run.
			if suggested == nil {
				for _, candidate := range candidates[:numCandidates] {
					suggested = top[candidate]
					next := pq.GetScheduledNext(candidate, suggested)
					if next == nil {
						continue
					}
					top[candidate] = next
					needsScheduling |= k.schedulers[candidate].updateHighestPriorityThread(next)

					suggested.SetActiveCore(core)
					pq.ChangeCore(candidate, suggested, false)
					top[core] = suggested
					needsScheduling |= k.schedulers[core].updateHighestPriorityThread(suggested)
					break
				}
			}
		}

		idleCores &^= 1 << core
	}

	k.gsc.wakeupWaitingDummyThreads()
	if cur := k.gsc.lock.owner.Load(); cur != nil && cur.IsDummyThread() && cur.RawState() != ThreadStateRunnable {
		cur.requestDummyThreadWait()
	}

	return needsScheduling
}

// ClearPreviousThread forgets t as the previous thread of every core.
func (k *Kernel) ClearPreviousThread(t *Thread) {
	k.gsc.assertLocked()
	for _, s := range k.schedulers {
		s.prevThread.CompareAndSwap(t, nil)
	}
}

func (k *Kernel) onThreadStateChanged(t *Thread, oldState ThreadState) {
	k.gsc.assertLocked()
	state := t.RawState()
	if state == oldState {
		return
	}
	if oldState == ThreadStateRunnable {
		k.gsc.queue.Remove(t)
		incrementScheduledCount(t)
		k.gsc.setSchedulerUpdateNeeded()
		if t.IsDummyThread() {
			k.gsc.unregisterDummyThreadForWakeup(t)
		}
	} else if state == ThreadStateRunnable {
		k.gsc.queue.PushBack(t)
		incrementScheduledCount(t)
		k.gsc.setSchedulerUpdateNeeded()
		if t.IsDummyThread() {
			k.gsc.registerDummyThreadForWakeup(t)
		}
	}
}

func (k *Kernel) onThreadPriorityChanged(t *Thread, oldPriority int32) {
	k.gsc.assertLocked()
	if t.RawState() == ThreadStateRunnable {
		k.gsc.queue.ChangePriority(oldPriority, k.isRunningOnCore(t), t)
		incrementScheduledCount(t)
		k.gsc.setSchedulerUpdateNeeded()
	}
}

func (k *Kernel) onThreadAffinityMaskChanged(t *Thread, oldAffinity AffinityMask, oldCore int32) {
	k.gsc.assertLocked()
	if t.RawState() == ThreadStateRunnable {
		k.gsc.queue.ChangeAffinityMask(oldCore, oldAffinity, t)
		incrementScheduledCount(t)
		k.gsc.setSchedulerUpdateNeeded()
	}
}

// isRunningOnCore reports whether t is the thread currently switched in on
// its active core.
func (k *Kernel) isRunningOnCore(t *Thread) bool {
	core := t.ActiveCore()
	return core >= 0 && core < NumCPUCores && k.schedulers[core].currentThread.Load() == t
}

// rotateScheduledQueue moves the front thread at priority on core to the
// back, then tries to pull in a thread of the same or higher priority from
// another core.
func (k *Kernel) rotateScheduledQueue(core, priority int32) {
	k.gsc.assertLocked()
	pq := &k.gsc.queue

	topThread := pq.GetScheduledFrontAt(core, priority)
	var nextThread *Thread
	if topThread != nil {
		nextThread = pq.MoveToScheduledBack(topThread)
		if nextThread != topThread {
			incrementScheduledCount(topThread)
			incrementScheduledCount(nextThread)
		}
	}

	suggested := pq.GetSuggestedFrontAt(core, priority)
	for suggested != nil {
		suggestedCore := suggested.ActiveCore()
		var topOnSuggested *Thread
		if suggestedCore >= 0 {
			topOnSuggested = pq.GetScheduledFront(suggestedCore)
		}
		if topOnSuggested != suggested {
			// A thread that has waited longer than the suggestion wins.
			if topThread != nextThread && nextThread != nil &&
				nextThread.lastScheduledTick.Load() < suggested.lastScheduledTick.Load() {
				break
			}
			if topOnSuggested == nil || topOnSuggested.priority >= HighestCoreMigrationAllowedPriority {
				suggested.SetActiveCore(core)
				pq.ChangeCore(suggestedCore, suggested, true)
				incrementScheduledCount(suggested)
				break
			}
		}
		suggested = pq.GetSamePriorityNext(core, suggested)
	}

	best := pq.GetScheduledFront(core)
	if best == k.schedulers[core].GetCurrentThread() {
		best = pq.GetScheduledNext(core, best)
	}
	if best != nil && best.priority >= priority {
		for suggested := pq.GetSuggestedFront(core); suggested != nil; suggested = pq.GetSuggestedNext(core, suggested) {
			if suggested.priority >= best.priority {
				break
			}
			suggestedCore := suggested.ActiveCore()
			var topOnSuggested *Thread
			if suggestedCore >= 0 {
				topOnSuggested = pq.GetScheduledFront(suggestedCore)
			}
			if topOnSuggested != suggested {
				if topOnSuggested == nil || topOnSuggested.priority >= HighestCoreMigrationAllowedPriority {
					suggested.SetActiveCore(core)
					pq.ChangeCore(suggestedCore, suggested, true)
					incrementScheduledCount(suggested)
					break
				}
			}
		}
	}

	k.gsc.setSchedulerUpdateNeeded()
}

func (k *Kernel) yieldPreamble(cur *Thread) (*Process, bool) {
	process := cur.parent
	if process == nil {
		panic("kernel: yield from a thread without a process")
	}
	return process, cur.yieldScheduleCount.Load() != process.GetScheduledCount()
}

// YieldWithoutCoreMigration moves cur to the back of its priority level on
// its core.
func (k *Kernel) YieldWithoutCoreMigration(cur *Thread) {
	process, needed := k.yieldPreamble(cur)
	if !needed {
		return
	}

	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	if cur.RawState() != ThreadStateRunnable {
		return
	}
	next := k.gsc.queue.MoveToScheduledBack(cur)
	incrementScheduledCount(cur)
	if next != cur {
		k.gsc.setSchedulerUpdateNeeded()
	} else {
		// Nothing else to run until the process is scheduled again.
		cur.yieldScheduleCount.Store(process.GetScheduledCount())
	}
}

// YieldWithCoreMigration moves cur to the back of its priority level and
// lets an equally important thread from another core take its place.
func (k *Kernel) YieldWithCoreMigration(cur *Thread) {
	process, needed := k.yieldPreamble(cur)
	if !needed {
		return
	}

	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	if cur.RawState() != ThreadStateRunnable {
		return
	}
	pq := &k.gsc.queue
	core := cur.ActiveCore()
	next := pq.MoveToScheduledBack(cur)
	incrementScheduledCount(cur)

	recheck := false
	suggested := pq.GetSuggestedFront(core)
	for suggested != nil {
		suggestedCore := suggested.ActiveCore()
		var running *Thread
		if suggestedCore >= 0 {
			running = k.schedulers[suggestedCore].HighestPriorityThread()
		}
		if running != suggested {
			if suggested.priority > cur.priority ||
				(suggested.priority == cur.priority && next != cur &&
					next.lastScheduledTick.Load() < suggested.lastScheduledTick.Load()) {
				suggested = nil
				break
			}
			if running == nil || running.priority >= HighestCoreMigrationAllowedPriority {
				suggested.SetActiveCore(core)
				pq.ChangeCore(suggestedCore, suggested, true)
				incrementScheduledCount(suggested)
				break
			}
			recheck = true
		}
		suggested = pq.GetSuggestedNext(core, suggested)
	}

	if suggested != nil || next != cur {
		k.gsc.setSchedulerUpdateNeeded()
	} else if !recheck {
		cur.yieldScheduleCount.Store(process.GetScheduledCount())
	}
}

// YieldToAnyThread takes cur off its core and lets any thread, including
// one from another core, run there.
func (k *Kernel) YieldToAnyThread(cur *Thread) {
	process, needed := k.yieldPreamble(cur)
	if !needed {
		return
	}

	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	if cur.RawState() != ThreadStateRunnable {
		return
	}
	pq := &k.gsc.queue
	core := cur.ActiveCore()
	cur.SetActiveCore(-1)
	pq.ChangeCore(core, cur, false)
	incrementScheduledCount(cur)

	if pq.GetScheduledFront(core) != nil {
		k.gsc.setSchedulerUpdateNeeded()
		return
	}

	suggested := pq.GetSuggestedFront(core)
	for suggested != nil {
		suggestedCore := suggested.ActiveCore()
		var topOnSuggested *Thread
		if suggestedCore >= 0 {
			topOnSuggested = pq.GetScheduledFront(suggestedCore)
		}
		if topOnSuggested != suggested {
			if topOnSuggested == nil || topOnSuggested.priority >= HighestCoreMigrationAllowedPriority {
				suggested.SetActiveCore(core)
				pq.ChangeCore(suggestedCore, suggested, false)
				incrementScheduledCount(suggested)
			}
			// Any candidate ends the search, migrated or not.
			break
		}
		suggested = pq.GetSuggestedNext(core, suggested)
	}

	if suggested != cur {
		k.gsc.setSchedulerUpdateNeeded()
	} else {
		cur.yieldScheduleCount.Store(process.GetScheduledCount())
	}
}

func (k *Kernel) disableScheduling(cur *Thread) {
	if k.shuttingDown.Load() {
		return
	}
	if cur.DisableDispatchCount() < 0 {
		panic("kernel: negative dispatch disable count")
	}
	cur.DisableDispatch()
}

func (k *Kernel) enableScheduling(cur *Thread, cores uint64) {
	if k.shuttingDown.Load() {
		return
	}
	if cur.DisableDispatchCount() < 1 {
		panic(fmt.Sprintf("kernel: enabling scheduling on %s with dispatch enabled", cur))
	}
	if cur.DisableDispatchCount() > 1 {
		cur.EnableDispatch()
		return
	}
	s := k.CurrentScheduler(cur)
	if s == nil || k.phantomMode.Load() {
		k.rescheduleCores(cores)
		k.rescheduleCurrentHLEThread(cur)
		return
	}
	k.rescheduleCores(cores &^ (1 << s.coreID))
	s.RescheduleCurrentCore(cur)
}

// rescheduleCores interrupts every core in the mask.
func (k *Kernel) rescheduleCores(cores uint64) {
	for rest := cores & uint64(AllCores); rest != 0; rest &= rest - 1 {
		k.cores[bits.TrailingZeros64(rest)].Interrupt()
	}
}

// A thread that is not running on a core cannot switch context. Dummy
// threads that started waiting block here until woken.
func (k *Kernel) rescheduleCurrentHLEThread(cur *Thread) {
	if cur.DisableDispatchCount() != 1 {
		panic(fmt.Sprintf("kernel: %s leaves the scheduler lock with dispatch count %d", cur, cur.DisableDispatchCount()))
	}
	cur.dummyThreadBeginWait()
	cur.EnableDispatch()
}

// RescheduleCurrentCore switches to the core's chosen thread if it changed.
// cur must be the thread running on this core with dispatch disabled once.
func (s *Scheduler) RescheduleCurrentCore(cur *Thread) {
	if n := cur.DisableDispatchCount(); n != 1 {
		panic(fmt.Sprintf("kernel: core %d reschedules %s with dispatch count %d", s.coreID, cur, n))
	}
	if core := s.k.cores[s.coreID]; core.IsInterrupted() {
		core.ClearInterrupt()
	}

	s.guard.Lock()
	if s.needsScheduling.Load() {
		s.scheduleImpl(cur)
		return
	}
	cur.EnableDispatch()
	s.guard.Unlock()
}

// OnThreadStart runs on a new thread's fiber before anything else.
func (s *Scheduler) OnThreadStart(cur *Thread) {
	s.SwitchContextStep2(cur)
}

// SwitchContextStep2 finishes a switch on the core the thread resumed on.
func (s *Scheduler) SwitchContextStep2(cur *Thread) {
	s.Reload(s.currentThread.Load())
	s.RescheduleCurrentCore(cur)
}

// Unload saves t's register state from the core and releases its context.
func (s *Scheduler) Unload(t *Thread) {
	if cpu := s.k.cores[s.coreID].ARM(); cpu != nil {
		cpu.SaveContext32(&t.context32)
		cpu.SaveContext64(&t.context64)
		t.tpidrEL0 = cpu.GetTPIDREL0()
		cpu.ClearExclusiveState()
	}

	if !t.IsTerminationRequested() && t.ActiveCore() == s.coreID {
		s.prevThread.Store(t)
	} else {
		s.prevThread.Store(nil)
	}

	t.contextGuard.Unlock()
}

// Reload loads t's register state into the core. t may be nil.
func (s *Scheduler) Reload(t *Thread) {
	if t == nil {
		return
	}
	if t.State() != ThreadStateRunnable {
		panic(fmt.Sprintf("kernel: reloading %s in state %s", t, t.State()))
	}
	if cpu := s.k.cores[s.coreID].ARM(); cpu != nil {
		cpu.LoadContext32(&t.context32)
		cpu.LoadContext64(&t.context64)
		cpu.SetTPIDREL0(t.tpidrEL0)
		cpu.ClearExclusiveState()
	}
}

// scheduleImpl runs with the guard held and releases it.
func (s *Scheduler) scheduleImpl(cur *Thread) {
	prev := s.GetCurrentThread()
	next := s.highest
	s.needsScheduling.Store(false)

	if next == nil {
		next = s.idleThread
	}
	if next == s.currentThread.Load() {
		prev.EnableDispatch()
		s.guard.Unlock()
		return
	}

	if next.CurrentCore() != s.coreID {
		next.SetCurrentCore(s.coreID)
	}
	s.currentThread.Store(next)

	s.updateLastContextSwitchTime(prev, prev.parent)
	s.Unload(prev)
	s.guard.Unlock()

	task.YieldTo(prev.fiber, s.switchFiber)

	// The thread may resume on another core.
	s.k.Scheduler(cur.CurrentCore()).SwitchContextStep2(cur)
}

// The switch fiber's body. It hands the core to the chosen thread, and
// picks again whenever the choice changes before the thread got to run.
func (s *Scheduler) switchToCurrent() {
	for {
		s.guard.Lock()
		s.currentThread.Store(s.highest)
		s.needsScheduling.Store(false)
		s.guard.Unlock()

		for {
			next := s.currentThread.Load()
			if next != nil {
				next.contextGuard.Lock()
				if next.RawState() != ThreadStateRunnable || next.ActiveCore() != s.coreID {
					next.contextGuard.Unlock()
					break
				}
			} else {
				s.idleThread.contextGuard.Lock()
			}
			t := next
			if t == nil {
				t = s.idleThread
			}
			t.SetCurrentCore(s.coreID)
			s.switches.Add(1)
			task.YieldTo(s.switchFiber, t.fiber)

			if s.isSwitchPending() {
				break
			}
		}
	}
}

func (s *Scheduler) isSwitchPending() bool {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.needsScheduling.Load()
}

func (s *Scheduler) updateLastContextSwitchTime(t *Thread, p *Process) {
	prev := s.lastContextSwitchTime
	now := s.k.timing.GetCPUTicks()
	delta := now - prev
	if t != nil {
		t.AddCPUTime(s.coreID, int64(delta))
	}
	if p != nil {
		p.UpdateCPUTimeTicks(int64(delta))
	}
	s.lastContextSwitchTime = now
}
