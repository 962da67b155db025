// Package cpu drives the emulated cores. In multicore mode every core runs
// on its own host goroutine locked to an OS thread; in single-core mode one
// host goroutine time-slices all cores.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hzcore/hzsched/internal/task"
	"github.com/hzcore/hzsched/kernel"
)

// Idle passes after which the single-core driver advances the clock even
// though no guest code ran.
const maxIdlePasses = 4

// Ticks charged for one idle pass in single-core mode.
const idlePassTicks = 1000

// Clock is the part of the emulated clock the core driver uses. It is
// implemented by timing.CoreTiming.
type Clock interface {
	AddTicks(ticks uint64)
	Idle()
	ResetTicks()
	Advance()
	Run(ctx context.Context, interval time.Duration)
}

// Options configure a Manager.
type Options struct {
	// Clock overrides the kernel's clock.
	Clock Clock
	// TimingInterval is the wall-clock period of the multicore timing host.
	TimingInterval time.Duration
	// PinHostThreads binds the OS threads that run a core's guest code to a
	// host CPU chosen for that core. Multicore mode only.
	PinHostThreads bool
}

// Manager owns the host threads of the emulated cores.
type Manager struct {
	k     *kernel.Kernel
	log   *slog.Logger
	clock Clock
	opts  Options

	multicore bool

	hostFibers [kernel.NumCPUCores]*task.Fiber
	wg         sync.WaitGroup
	stopping   atomic.Bool
	running    bool
	cancel     context.CancelFunc
	timingDone chan struct{}

	// Single-core state, only touched by the one host goroutine.
	currentCore atomic.Int32
	idleCount   int

	pinMu  sync.Mutex
	pinned map[int]int32

	idlePasses     atomic.Uint64
	forcedAdvances atomic.Uint64
	guestSlices    atomic.Uint64
}

// NewManager creates the core driver of k and installs its thread entry
// points.
func NewManager(k *kernel.Kernel, opts Options) (*Manager, error) {
	m := &Manager{
		k:         k,
		log:       k.Logger().With("component", "cpu"),
		clock:     opts.Clock,
		opts:      opts,
		multicore: k.IsMulticore(),
		pinned:    make(map[int]int32),
	}
	if m.clock == nil {
		m.clock = k.Timing()
	}
	if m.opts.TimingInterval <= 0 {
		m.opts.TimingInterval = time.Millisecond
	}
	err := k.Initialize(kernel.EntryPoints{
		GuestThread: m.guestThreadFunction,
		IdleThread:  m.idleThreadFunction,
	})
	if err != nil {
		return nil, fmt.Errorf("cpu: initializing kernel: %w", err)
	}
	for core := int32(0); core < kernel.NumCPUCores; core++ {
		k.Scheduler(core).SetShouldCountIdle(true)
	}
	return m, nil
}

// Start launches the host threads.
func (m *Manager) Start() error {
	if m.running {
		return errors.New("cpu: already started")
	}
	m.running = true

	if m.multicore {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.timingDone = make(chan struct{})
		go func() {
			defer close(m.timingDone)
			m.clock.Run(ctx, m.opts.TimingInterval)
		}()
		for core := int32(0); core < kernel.NumCPUCores; core++ {
			m.wg.Add(1)
			go m.runThread(core)
		}
	} else {
		m.clock.ResetTicks()
		m.wg.Add(1)
		go m.runThread(0)
	}
	m.log.Info("cores started", "multicore", m.multicore)
	return nil
}

// Shutdown makes every core return to its host thread and waits for them,
// then shuts the kernel down.
func (m *Manager) Shutdown() {
	if !m.running {
		m.k.Shutdown()
		return
	}
	m.stopping.Store(true)
	m.k.BeginShutdown()
	for core := int32(0); core < kernel.NumCPUCores; core++ {
		m.k.PhysicalCore(core).Interrupt()
	}
	m.wg.Wait()
	if m.cancel != nil {
		m.cancel()
		<-m.timingDone
	}
	m.k.Shutdown()
	m.running = false
	m.log.Info("cores stopped")
}

// IsMulticore reports the driver's mode.
func (m *Manager) IsMulticore() bool { return m.multicore }

// IdlePasses returns the number of single-core idle passes.
func (m *Manager) IdlePasses() uint64 { return m.idlePasses.Load() }

// ForcedAdvances returns how often the single-core driver advanced the
// clock because every core was idle.
func (m *Manager) ForcedAdvances() uint64 { return m.forcedAdvances.Load() }

// GuestSlices returns the number of interpreter runs.
func (m *Manager) GuestSlices() uint64 { return m.guestSlices.Load() }

// Body of a core's host goroutine.
func (m *Manager) runThread(core int32) {
	defer m.wg.Done()
	log := m.log.With("core", core)

	if m.multicore {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if m.opts.PinHostThreads {
			pin := hostPin{core: -1, locked: true}
			m.pinTo(&pin, core)
		}
	}

	host := task.ThreadToFiber()
	m.hostFibers[core] = host
	t := m.k.Scheduler(core).Activate()
	log.Debug("core running", "thread", t.ID())

	task.YieldTo(host, t.Fiber())
	host.Exit()
	log.Debug("core returned to host")
}

// hostPin is the pinning state of one goroutine's OS thread.
type hostPin struct {
	locked bool
	core   int32
}

// pinTo binds the calling goroutine to its OS thread and that thread to the
// host CPU of core. Guest fibers run on goroutines of their own, so each
// pins itself whenever it is about to run on a different core.
func (m *Manager) pinTo(pin *hostPin, core int32) {
	if !m.opts.PinHostThreads || pin.core == core {
		return
	}
	if !pin.locked {
		runtime.LockOSThread()
		pin.locked = true
	}
	pin.core = core
	tid, err := pinHostThread(core)
	if err != nil {
		m.log.Warn("could not pin host thread", "core", core, "err", err)
		return
	}
	m.pinMu.Lock()
	m.pinned[tid] = core
	m.pinMu.Unlock()
	m.log.Debug("host thread pinned", "core", core, "tid", tid)
}

// PinnedThreads returns the OS thread ids pinned so far and the core each
// was last pinned for.
func (m *Manager) PinnedThreads() map[int]int32 {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	return maps.Clone(m.pinned)
}

// Hand the host thread back to the goroutine that started the core. It
// never returns.
func (m *Manager) exitToHost(t *kernel.Thread) {
	core := int32(0)
	if m.multicore {
		core = t.CurrentCore()
	}
	task.YieldTo(t.Fiber(), m.hostFibers[core])
	panic("cpu: stopped thread resumed")
}

func (m *Manager) guestThreadFunction(t *kernel.Thread) {
	m.k.Scheduler(t.CurrentCore()).OnThreadStart(t)
	if m.multicore {
		m.multiCoreRunGuestLoop(t)
	} else {
		m.singleCoreRunGuestLoop(t)
	}
}

func (m *Manager) idleThreadFunction(t *kernel.Thread) {
	m.k.Scheduler(t.CurrentCore()).OnThreadStart(t)
	if m.multicore {
		m.multiCoreRunIdleLoop(t)
	} else {
		m.singleCoreRunIdleLoop(t)
	}
}

func clearExclusive(c *kernel.PhysicalCore) {
	if cpu := c.ARM(); cpu != nil {
		cpu.ClearExclusiveState()
	}
}

func (m *Manager) multiCoreRunGuestLoop(t *kernel.Thread) {
	k := m.k
	pin := hostPin{core: -1}
	for {
		core := k.PhysicalCore(t.CurrentCore())
		for !core.IsInterrupted() && !m.stopping.Load() {
			m.pinTo(&pin, core.CoreID())
			m.guestSlices.Add(1)
			core.Run(t)
			// A supervisor call may have moved the thread.
			core = k.PhysicalCore(t.CurrentCore())
		}
		if m.stopping.Load() {
			m.exitToHost(t)
		}
		clearExclusive(core)
		t.DisableDispatch()
		k.Scheduler(t.CurrentCore()).RescheduleCurrentCore(t)
	}
}

func (m *Manager) multiCoreRunIdleLoop(t *kernel.Thread) {
	k := m.k
	for {
		k.PhysicalCore(t.CurrentCore()).Idle()
		if m.stopping.Load() {
			m.exitToHost(t)
		}
		t.DisableDispatch()
		k.Scheduler(t.CurrentCore()).RescheduleCurrentCore(t)
	}
}

// Advance the clock with no thread considered running.
func (m *Manager) phantomAdvance() {
	m.k.SetIsPhantomModeForSingleCore(true)
	m.clock.Advance()
	m.k.SetIsPhantomModeForSingleCore(false)
}

func (m *Manager) singleCoreRunGuestLoop(t *kernel.Thread) {
	k := m.k
	for {
		core := k.PhysicalCore(t.CurrentCore())
		if !core.IsInterrupted() {
			m.guestSlices.Add(1)
			core.Run(t)
			core = k.PhysicalCore(t.CurrentCore())
		}
		if m.stopping.Load() {
			m.exitToHost(t)
		}
		m.phantomAdvance()
		clearExclusive(core)
		m.preemptSingleCore(true)
		if m.stopping.Load() {
			m.exitToHost(t)
		}
		t.DisableDispatch()
		k.Scheduler(m.currentCore.Load()).RescheduleCurrentCore(t)
	}
}

func (m *Manager) singleCoreRunIdleLoop(t *kernel.Thread) {
	k := m.k
	for {
		m.preemptSingleCore(false)
		if m.stopping.Load() {
			m.exitToHost(t)
		}
		m.clock.AddTicks(idlePassTicks)
		m.idleCount++
		m.idlePasses.Add(1)
		t.DisableDispatch()
		k.Scheduler(m.currentCore.Load()).RescheduleCurrentCore(t)
	}
}

// preemptSingleCore hands the host thread to the next core. After
// maxIdlePasses idle passes, or after a guest slice, the clock is advanced
// first.
func (m *Manager) preemptSingleCore(fromRunning bool) {
	k := m.k
	s := k.Scheduler(m.currentCore.Load())
	cur := s.GetCurrentThread()
	if m.idleCount >= maxIdlePasses || fromRunning {
		if !fromRunning {
			m.clock.Idle()
			m.idleCount = 0
			m.forcedAdvances.Add(1)
		}
		m.phantomAdvance()
	}

	m.currentCore.Store((m.currentCore.Load() + 1) % kernel.NumCPUCores)
	m.clock.ResetTicks()
	s.Unload(cur)

	next := k.Scheduler(m.currentCore.Load())
	task.YieldTo(cur.Fiber(), next.ControlContext())

	// The thread may resume on any core.
	s = k.Scheduler(m.currentCore.Load())
	s.Reload(s.GetCurrentThread())
	if !s.IsIdle() {
		m.idleCount = 0
	}
}
