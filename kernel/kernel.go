// Package kernel implements the thread scheduler of the emulated operating
// system: threads and their state machine, the global priority queue, the
// per-core schedulers and the primitives built on them.
//
// A Kernel value holds the whole scheduling state of one emulated session.
// Nothing is kept in package-level variables, so independent sessions can
// coexist in one host process.
//
// Operations that act on behalf of the calling guest or host thread take
// that thread explicitly, usually as a parameter named cur. Host goroutines
// that are not emulated threads (tests, timer callbacks, service code) use a
// dummy thread from NewDummyThread.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hzcore/hzsched/arm"
	"github.com/hzcore/hzsched/internal/logging"
	"github.com/hzcore/hzsched/internal/task"
	"github.com/hzcore/hzsched/timing"
)

// Defaults used for zero Options fields.
const (
	DefaultPreemptionInterval = 10 * time.Millisecond
	DefaultFiberStackSize     = 256 << 10
)

// Options configure a Kernel.
type Options struct {
	Logger *slog.Logger

	// MultiCore selects one host thread per emulated core. Otherwise all
	// cores are time-sliced on one host thread.
	MultiCore bool

	// PreemptionInterval is the period of the preemption tick.
	PreemptionInterval time.Duration

	// FiberStackSize is the stack charged for every thread's fiber, and
	// FiberMemoryLimit the total that may be charged. Zero means no limit.
	FiberStackSize   uint64
	FiberMemoryLimit uint64

	// Timing is the shared clock. A new one is created when nil.
	Timing *timing.CoreTiming

	// NewCPU creates the interpreter of one core. Cores without an
	// interpreter never execute guest code.
	NewCPU func(core int32) arm.Interface
}

// EntryPoints are run on the fibers of newly started threads. They are
// supplied by the core driver and must never return.
type EntryPoints struct {
	GuestThread func(t *Thread)
	IdleThread  func(t *Thread)
}

// Kernel is one emulated session's scheduler state.
type Kernel struct {
	id   uuid.UUID
	log  *slog.Logger
	opts Options

	timing     *timing.CoreTiming
	gsc        *GlobalSchedulerContext
	schedulers [NumCPUCores]*Scheduler
	cores      [NumCPUCores]*PhysicalCore
	timer      *HardwareTimer
	workers    *WorkerTaskManager
	entries    EntryPoints

	phantomMode  atomic.Bool
	shuttingDown atomic.Bool
	initialized  atomic.Bool

	nextThreadID  atomic.Uint64
	nextProcessID atomic.Uint64
	nextLockKey   atomic.Uint64
	svcCount      atomic.Uint64

	// Identity used by timer callbacks when they take the scheduler lock.
	timerThread *Thread
	preempt     *timing.EventType

	fiberMemory atomic.Int64

	processMu sync.Mutex
	processes []*Process
}

// New creates a kernel. Threads can be created and scheduling decisions
// made right away; running them requires Initialize.
func New(opts Options) (*Kernel, error) {
	if opts.PreemptionInterval <= 0 {
		opts.PreemptionInterval = DefaultPreemptionInterval
	}
	if opts.FiberStackSize == 0 {
		opts.FiberStackSize = DefaultFiberStackSize
	}
	if opts.FiberMemoryLimit != 0 && opts.FiberMemoryLimit < opts.FiberStackSize {
		return nil, fmt.Errorf("kernel: fiber memory limit %d is smaller than one stack (%d)", opts.FiberMemoryLimit, opts.FiberStackSize)
	}

	k := &Kernel{
		id:   uuid.New(),
		opts: opts,
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	k.log = log.With("session", k.id.String())
	k.timing = opts.Timing
	if k.timing == nil {
		k.timing = timing.New(k.log)
	}

	k.gsc = newGlobalSchedulerContext(k)
	for core := int32(0); core < NumCPUCores; core++ {
		k.schedulers[core] = newScheduler(k, core)
		var cpu arm.Interface
		if opts.NewCPU != nil {
			cpu = opts.NewCPU(core)
		}
		k.cores[core] = newPhysicalCore(k, core, cpu)
	}

	var err error
	if k.timer, err = newHardwareTimer(k); err != nil {
		return nil, err
	}
	k.timerThread = k.NewDummyThread("timer")
	k.workers = newWorkerTaskManager(k)

	k.preempt, err = k.timing.RegisterEvent("kernel.preemption", k.onPreemption)
	if err != nil {
		return nil, fmt.Errorf("kernel: registering preemption event: %w", err)
	}
	return k, nil
}

// Initialize creates the idle thread of every core, starts the worker task
// manager and arms the preemption tick.
func (k *Kernel) Initialize(entries EntryPoints) error {
	if entries.GuestThread == nil || entries.IdleThread == nil {
		return errors.New("kernel: missing thread entry points")
	}
	if k.initialized.Swap(true) {
		return errors.New("kernel: already initialized")
	}
	k.entries = entries
	for _, s := range k.schedulers {
		if err := s.initialize(); err != nil {
			return err
		}
	}
	k.workers.start()
	k.timing.ScheduleEvent(timing.NsToCycles(k.opts.PreemptionInterval), k.preempt, 0)
	k.log.Info("kernel initialized", "multicore", k.opts.MultiCore, "preemption", k.opts.PreemptionInterval)
	return nil
}

// Preemption tick: rotate the run queues and reschedule every core.
func (k *Kernel) onPreemption(_ uint64, late int64) {
	if k.shuttingDown.Load() {
		return
	}
	k.LockScheduler(k.timerThread)
	k.gsc.PreemptThreads()
	k.UnlockScheduler(k.timerThread)

	next := timing.NsToCycles(k.opts.PreemptionInterval) - late
	k.timing.ScheduleEvent(max(next, 0), k.preempt, 0)
}

// Shutdown stops the worker task manager and releases every fiber. The core
// driver must have stopped all cores before calling it.
func (k *Kernel) Shutdown() {
	k.shuttingDown.Store(true)
	k.workers.stop()
	k.wakeDummyThreads()
	for _, t := range k.gsc.GetThreadList() {
		t.releaseFiber()
	}
	for _, s := range k.schedulers {
		s.finalize()
	}
	k.timing.RemoveEvent(k.preempt)
	k.timer.finalize()
	k.log.Info("kernel shut down")
}

// BeginShutdown marks the kernel as shutting down. From here on scheduling
// requests are ignored, so that cores can unwind to their host threads.
func (k *Kernel) BeginShutdown() {
	k.shuttingDown.Store(true)
	k.wakeDummyThreads()
}

func (k *Kernel) wakeDummyThreads() {
	for _, t := range k.gsc.GetThreadList() {
		if t.IsDummyThread() {
			t.dummyThreadEndWait()
		}
	}
}

// IsShuttingDown reports whether BeginShutdown or Shutdown was called.
func (k *Kernel) IsShuttingDown() bool { return k.shuttingDown.Load() }

// SessionID identifies this kernel in logs.
func (k *Kernel) SessionID() uuid.UUID { return k.id }

func (k *Kernel) Logger() *slog.Logger { return k.log }

func (k *Kernel) IsMulticore() bool { return k.opts.MultiCore }

func (k *Kernel) Timing() *timing.CoreTiming { return k.timing }

func (k *Kernel) GlobalSchedulerContext() *GlobalSchedulerContext { return k.gsc }

func (k *Kernel) HardwareTimer() *HardwareTimer { return k.timer }

func (k *Kernel) Scheduler(core int32) *Scheduler { return k.schedulers[core] }

func (k *Kernel) PhysicalCore(core int32) *PhysicalCore { return k.cores[core] }

// CurrentScheduler returns the scheduler of the core cur is running on, or
// nil if cur is not a core thread.
func (k *Kernel) CurrentScheduler(cur *Thread) *Scheduler {
	if cur == nil || cur.IsDummyThread() {
		return nil
	}
	core := cur.CurrentCore()
	if core < 0 || core >= NumCPUCores {
		return nil
	}
	return k.schedulers[core]
}

// IsPhantomModeForSingleCore reports whether the single-core driver is
// advancing time between two threads. While set, no thread is considered
// running and scheduling requests do not switch context.
func (k *Kernel) IsPhantomModeForSingleCore() bool { return k.phantomMode.Load() }

func (k *Kernel) SetIsPhantomModeForSingleCore(value bool) { k.phantomMode.Store(value) }

// LockScheduler takes the global scheduler lock on behalf of cur. The lock
// is reentrant.
func (k *Kernel) LockScheduler(cur *Thread) { k.gsc.lock.Lock(cur) }

// UnlockScheduler releases one level of the scheduler lock. Releasing the
// outermost level applies scheduling decisions, which may switch cur out.
func (k *Kernel) UnlockScheduler(cur *Thread) { k.gsc.lock.Unlock(cur) }

// Processes returns every process created on this kernel.
func (k *Kernel) Processes() []*Process {
	k.processMu.Lock()
	defer k.processMu.Unlock()
	return append([]*Process(nil), k.processes...)
}

func (k *Kernel) chargeFiberStack() (int64, error) {
	size := int64(k.opts.FiberStackSize)
	if limit := int64(k.opts.FiberMemoryLimit); limit != 0 {
		if k.fiberMemory.Add(size) > limit {
			k.fiberMemory.Add(-size)
			return 0, ErrOutOfMemory
		}
		return size, nil
	}
	k.fiberMemory.Add(size)
	return size, nil
}

func (k *Kernel) releaseFiberStack(size int64) {
	k.fiberMemory.Add(-size)
}

// FiberMemoryInUse returns the stack memory charged to live fibers.
func (k *Kernel) FiberMemoryInUse() uint64 {
	return uint64(k.fiberMemory.Load())
}

func (k *Kernel) newFiber(t *Thread, entry func(*Thread)) *task.Fiber {
	return task.NewFiber(func(param any) {
		entry(param.(*Thread))
	}, t)
}
