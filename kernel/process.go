package kernel

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hzcore/hzsched/arm"
)

// PseudoHandleCurrentThread refers to the calling thread in thread SVCs.
const PseudoHandleCurrentThread = 0xFFFF8000

// Layout of thread local regions.
const (
	tlsRegionBase = 0x1F0000000
	tlsRegionSize = 0x200
)

// ProcessParams describe a new process.
type ProcessParams struct {
	Name string
	// Memory is the guest address space. A fresh SparseMemory is used when
	// nil.
	Memory arm.Memory
	// Virtual cores and priorities the process' threads may use. Zero
	// allows everything.
	CoreMask     uint64
	PriorityMask uint64
	IdealCore    int32
	// ThreadLimit caps live threads. Zero means no limit.
	ThreadLimit int32
	Is32Bit     bool
}

// ProcessState is the lifecycle state of a process.
type ProcessState uint32

const (
	ProcessStateRunning ProcessState = iota
	ProcessStateTerminating
	ProcessStateTerminated
)

// Process owns guest threads. The scheduler consults it for pinned
// threads and records scheduling statistics in it.
type Process struct {
	k    *Kernel
	id   uint64
	name string

	memory       arm.Memory
	cv           *ConditionVariable
	handles      handleTable
	coreMask     uint64
	priorityMask uint64
	idealCore    int32
	is64Bit      bool

	threadLimit  int32
	threadCount  atomic.Int32
	tlsRegions   atomic.Uint64
	runningCount atomic.Int32
	state        atomic.Uint32

	scheduledCount atomic.Int64
	cpuTime        atomic.Int64

	// Guarded by the scheduler lock.
	suspended               bool
	pinnedThreads           [NumCPUCores]*Thread
	runningThreads          [NumCPUCores]*Thread
	runningThreadIdleCounts [NumCPUCores]uint64

	mu      sync.Mutex
	threads []*Thread
}

// NewProcess creates an empty process.
func (k *Kernel) NewProcess(params ProcessParams) (*Process, error) {
	p := &Process{
		k:            k,
		id:           k.nextProcessID.Add(1),
		name:         params.Name,
		memory:       params.Memory,
		coreMask:     params.CoreMask,
		priorityMask: params.PriorityMask,
		idealCore:    params.IdealCore,
		is64Bit:      !params.Is32Bit,
		threadLimit:  params.ThreadLimit,
	}
	if p.memory == nil {
		p.memory = arm.NewSparseMemory()
	}
	if p.coreMask == 0 {
		p.coreMask = 1<<NumCPUCores - 1
	}
	if p.priorityMask == 0 {
		p.priorityMask = ^uint64(0)
	}
	if !isValidVirtualCore(p.idealCore) || p.coreMask&(1<<p.idealCore) == 0 {
		return nil, fmt.Errorf("kernel: process %q: ideal core %d outside core mask %#x: %w", p.name, p.idealCore, p.coreMask, ErrInvalidCoreID)
	}
	p.cv = newConditionVariable(k, p)
	p.handles.init()

	k.processMu.Lock()
	k.processes = append(k.processes, p)
	k.processMu.Unlock()
	k.log.Debug("process created", "process", p.id, "name", p.name)
	return p, nil
}

func (p *Process) ID() uint64 { return p.id }

func (p *Process) Name() string { return p.name }

func (p *Process) Is64Bit() bool { return p.is64Bit }

func (p *Process) IdealCore() int32 { return p.idealCore }

func (p *Process) CoreMask() uint64 { return p.coreMask }

func (p *Process) Memory() arm.Memory { return p.memory }

// ConditionVariable returns the process-wide guest mutex and condition
// variable arbiter.
func (p *Process) ConditionVariable() *ConditionVariable { return p.cv }

func (p *Process) State() ProcessState { return ProcessState(p.state.Load()) }

// CheckThreadPriority reports whether the process may use priority.
func (p *Process) CheckThreadPriority(priority int32) bool {
	return isValidPriority(priority) && p.priorityMask&(1<<priority) != 0
}

func (p *Process) reserveThread() error {
	n := p.threadCount.Add(1)
	if p.threadLimit != 0 && n > p.threadLimit {
		p.threadCount.Add(-1)
		return ErrLimitReached
	}
	return nil
}

func (p *Process) releaseThread() { p.threadCount.Add(-1) }

func (p *Process) createThreadLocalRegion() uint64 {
	return tlsRegionBase + (p.tlsRegions.Add(1)-1)*tlsRegionSize
}

// RegisterThread adds t to the process and gives it a handle.
func (p *Process) RegisterThread(t *Thread) {
	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()
	t.handle = p.handles.add(t)
}

// UnregisterThread removes t and closes its handle.
func (p *Process) UnregisterThread(t *Thread) {
	p.mu.Lock()
	if i := slices.Index(p.threads, t); i >= 0 {
		p.threads = slices.Delete(p.threads, i, i+1)
	}
	p.mu.Unlock()
	p.handles.remove(t.handle)
}

// GetThreadList returns a copy of the process' live threads.
func (p *Process) GetThreadList() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.threads)
}

// GetThreadByHandle resolves a thread handle of this process. cur resolves
// PseudoHandleCurrentThread.
func (p *Process) GetThreadByHandle(cur *Thread, handle uint32) *Thread {
	if handle == PseudoHandleCurrentThread {
		return cur
	}
	return p.handles.getThread(handle)
}

func (p *Process) IncrementRunningThreadCount() { p.runningCount.Add(1) }

// DecrementRunningThreadCount marks the process terminated when its last
// thread stops.
func (p *Process) DecrementRunningThreadCount() {
	if p.runningCount.Add(-1) == 0 {
		p.state.Store(uint32(ProcessStateTerminated))
		p.k.log.Debug("process exited", "process", p.id, "name", p.name)
	}
}

func (p *Process) RunningThreadCount() int32 { return p.runningCount.Load() }

func (p *Process) GetScheduledCount() int64 { return p.scheduledCount.Load() }

func (p *Process) IncrementScheduledCount() { p.scheduledCount.Add(1) }

// CPUTime returns the ticks spent running the process' threads.
func (p *Process) CPUTime() int64 { return p.cpuTime.Load() }

func (p *Process) UpdateCPUTimeTicks(ticks int64) { p.cpuTime.Add(ticks) }

// GetPinnedThread returns the thread pinned to core. The scheduler lock
// must be held.
func (p *Process) GetPinnedThread(core int32) *Thread {
	if core < 0 || core >= NumCPUCores {
		return nil
	}
	return p.pinnedThreads[core]
}

// PinCurrentThread pins cur to the core it runs on. The scheduler lock
// must be held.
func (p *Process) PinCurrentThread(cur *Thread) {
	p.k.gsc.assertLocked()
	if cur.IsTerminationRequested() {
		return
	}
	core := cur.CurrentCore()
	if p.pinnedThreads[core] != nil {
		panic(fmt.Sprintf("kernel: core %d already has a pinned thread", core))
	}
	p.pinnedThreads[core] = cur
	cur.Pin(core)
	p.k.gsc.setSchedulerUpdateNeeded()
}

// UnpinCurrentThread undoes PinCurrentThread. The scheduler lock must be
// held.
func (p *Process) UnpinCurrentThread(cur *Thread) {
	p.k.gsc.assertLocked()
	core := cur.CurrentCore()
	if p.pinnedThreads[core] != cur {
		panic(fmt.Sprintf("kernel: %s is not pinned to core %d", cur, core))
	}
	cur.Unpin()
	p.pinnedThreads[core] = nil
	p.k.gsc.setSchedulerUpdateNeeded()
}

// UnpinThread unpins t from its active core. The scheduler lock must be
// held.
func (p *Process) UnpinThread(t *Thread) {
	p.k.gsc.assertLocked()
	core := t.ActiveCore()
	if core >= 0 && p.pinnedThreads[core] == t {
		p.pinnedThreads[core] = nil
	}
	t.Unpin()
	p.k.gsc.setSchedulerUpdateNeeded()
}

// SetRunningThread records that t was chosen for core after idleCount idle
// passes of that core.
func (p *Process) SetRunningThread(core int32, t *Thread, idleCount uint64) {
	p.runningThreads[core] = t
	p.runningThreadIdleCounts[core] = idleCount
}

// GetRunningThread returns the thread last chosen for core and the core's
// idle count at the time.
func (p *Process) GetRunningThread(core int32) (*Thread, uint64) {
	return p.runningThreads[core], p.runningThreadIdleCounts[core]
}

// ClearRunningThread forgets t as the running thread of every core.
func (p *Process) ClearRunningThread(t *Thread) {
	for core := range p.runningThreads {
		if p.runningThreads[core] == t {
			p.runningThreads[core] = nil
		}
	}
}

func (p *Process) IsSuspended() bool { return p.suspended }

// SetSuspended suspends or resumes every thread of the process.
func (p *Process) SetSuspended(cur *Thread, suspend bool) error {
	k := p.k
	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	if p.suspended == suspend {
		return ErrInvalidState
	}
	p.suspended = suspend
	for _, t := range p.GetThreadList() {
		if suspend {
			t.RequestSuspend(cur, SuspendTypeProcess)
		} else {
			t.Resume(cur, SuspendTypeProcess)
		}
	}
	return nil
}

// Exit terminates every other thread of the process, then cur. It only
// returns while the kernel shuts down.
func (p *Process) Exit(cur *Thread) {
	if !p.state.CompareAndSwap(uint32(ProcessStateRunning), uint32(ProcessStateTerminating)) {
		cur.Exit()
		return
	}
	p.k.log.Debug("process exiting", "process", p.id, "name", p.name)
	for _, t := range p.GetThreadList() {
		if t != cur {
			t.RequestTerminate(cur)
		}
	}
	cur.Exit()
}

// handleTable maps guest handles to threads. A handle is a serial in bits
// 15 and up, below the wait mask, over a slot index in the low bits. Slots
// are only reused once their handle is closed, and each reuse takes a new
// serial, so a stale handle does not resolve to the slot's next thread.
type handleTable struct {
	mu     sync.Mutex
	serial uint32
	slots  []handleSlot
	free   []uint32
}

type handleSlot struct {
	serial uint32
	t      *Thread
}

const (
	handleIndexBits = 15
	handleIndexMask = 1<<handleIndexBits - 1
	maxHandleSerial = HandleWaitMask >> handleIndexBits
)

func (h *handleTable) init() {
	h.serial = 0
	h.slots = nil
	h.free = nil
}

func (h *handleTable) add(t *Thread) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var index uint32
	if n := len(h.free); n > 0 {
		index = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		if len(h.slots) > handleIndexMask {
			panic(fmt.Sprintf("kernel: handle table full adding %s", t))
		}
		index = uint32(len(h.slots))
		h.slots = append(h.slots, handleSlot{})
	}
	// Serials run 1 through maxHandleSerial-1 so no handle is zero.
	h.serial = h.serial%(maxHandleSerial-1) + 1
	h.slots[index] = handleSlot{serial: h.serial, t: t}
	return h.serial<<handleIndexBits | index
}

// lookup returns the slot index of a live handle.
func (h *handleTable) lookup(handle uint32) (uint32, bool) {
	index := handle & handleIndexMask
	if index >= uint32(len(h.slots)) {
		return 0, false
	}
	slot := h.slots[index]
	return index, slot.t != nil && slot.serial == handle>>handleIndexBits
}

func (h *handleTable) remove(handle uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	index, ok := h.lookup(handle)
	if !ok {
		return
	}
	h.slots[index] = handleSlot{}
	h.free = append(h.free, index)
}

func (h *handleTable) getThread(handle uint32) *Thread {
	h.mu.Lock()
	defer h.mu.Unlock()
	index, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return h.slots[index].t
}

// len returns the number of open handles.
func (h *handleTable) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots) - len(h.free)
}
