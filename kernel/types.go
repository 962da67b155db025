package kernel

import "math/bits"

// NumCPUCores is the number of emulated CPU cores.
const NumCPUCores = 4

// Thread priorities. Lower numbers are more important.
const (
	HighestThreadPriority = 0
	LowestThreadPriority  = 63

	SystemThreadPriorityHighest = 16

	// Priority given to a thread once its termination was requested, so it
	// runs ahead of every system thread while tearing down.
	TerminatingThreadPriority = SystemThreadPriorityHighest - 1

	// Threads with a priority numerically below this are never migrated
	// away from their core.
	HighestCoreMigrationAllowedPriority = 2

	IdleThreadPriority    = LowestThreadPriority + 1
	DummyThreadPriority   = LowestThreadPriority + 2
	DefaultThreadPriority = 44
)

// Special ideal core values accepted by SetCoreMask.
const (
	IdealCoreDontCare        = -1
	IdealCoreUseProcessValue = -2
	IdealCoreNoUpdate        = -3
)

// Preemption priority per core, rotated every preemption tick.
var preemptionPriorities = [NumCPUCores]int32{59, 59, 59, 63}

// virtualToPhysicalCoreMap translates guest-visible core numbers to physical
// cores. Every virtual core above the last physical one maps to it.
var virtualToPhysicalCoreMap = func() [64]int32 {
	var m [64]int32
	for i := range m {
		m[i] = int32(min(i, NumCPUCores-1))
	}
	return m
}()

// ThreadState is the raw state of a thread in its low nibble, with suspend
// flags above it.
type ThreadState uint32

const (
	ThreadStateInitialized ThreadState = 0
	ThreadStateWaiting     ThreadState = 1
	ThreadStateRunnable    ThreadState = 2
	ThreadStateTerminated  ThreadState = 3

	ThreadStateSuspendShift = 4
	ThreadStateMask         ThreadState = (1 << ThreadStateSuspendShift) - 1

	ThreadStateProcessSuspended   ThreadState = 1 << (ThreadStateSuspendShift + SuspendTypeProcess)
	ThreadStateThreadSuspended    ThreadState = 1 << (ThreadStateSuspendShift + SuspendTypeThread)
	ThreadStateDebugSuspended     ThreadState = 1 << (ThreadStateSuspendShift + SuspendTypeDebug)
	ThreadStateBacktraceSuspended ThreadState = 1 << (ThreadStateSuspendShift + SuspendTypeBacktrace)
	ThreadStateInitSuspended      ThreadState = 1 << (ThreadStateSuspendShift + SuspendTypeInit)

	ThreadStateSuspendFlagMask = ThreadStateProcessSuspended | ThreadStateThreadSuspended |
		ThreadStateDebugSuspended | ThreadStateBacktraceSuspended | ThreadStateInitSuspended
)

func (s ThreadState) String() string {
	var name string
	switch s & ThreadStateMask {
	case ThreadStateInitialized:
		name = "initialized"
	case ThreadStateWaiting:
		name = "waiting"
	case ThreadStateRunnable:
		name = "runnable"
	case ThreadStateTerminated:
		name = "terminated"
	default:
		name = "invalid"
	}
	if s&ThreadStateSuspendFlagMask != 0 {
		name += "+suspended"
	}
	return name
}

// SuspendType names one reason a thread may be suspended.
type SuspendType uint32

const (
	SuspendTypeProcess SuspendType = iota
	SuspendTypeThread
	SuspendTypeDebug
	SuspendTypeBacktrace
	SuspendTypeInit

	suspendTypeCount
)

func (t SuspendType) flag() uint32 {
	return 1 << (ThreadStateSuspendShift + uint32(t))
}

// ThreadType distinguishes guest threads from the kernel's own.
type ThreadType uint8

const (
	ThreadTypeMain ThreadType = iota
	ThreadTypeKernel
	ThreadTypeHighPriority
	ThreadTypeUser
	// A host goroutine taking part in kernel locking. It is never scheduled
	// on a core.
	ThreadTypeDummy
)

// ThreadActivity is the argument of SetActivity.
type ThreadActivity uint32

const (
	ThreadActivityRunnable ThreadActivity = 0
	ThreadActivityPaused   ThreadActivity = 1
)

// Deferred procedure call flags, observed by a thread at its next safe
// point.
type dpcFlag uint32

const (
	dpcTerminating dpcFlag = 1 << 0
	dpcTerminated  dpcFlag = 1 << 1
)

// AffinityMask is a set of physical cores.
type AffinityMask uint64

func (m AffinityMask) GetAffinity(core int32) bool {
	return core >= 0 && core < 64 && m&(1<<core) != 0
}

func (m *AffinityMask) SetAffinity(core int32, allowed bool) {
	if allowed {
		*m |= 1 << core
	} else {
		*m &^= 1 << core
	}
}

// Highest returns the highest core in the mask, or -1 if it is empty.
func (m AffinityMask) Highest() int32 {
	return int32(63 - bits.LeadingZeros64(uint64(m)))
}

// Each calls fn for every core in the mask, lowest first.
func (m AffinityMask) Each(fn func(core int32)) {
	for rest := uint64(m); rest != 0; rest &= rest - 1 {
		fn(int32(bits.TrailingZeros64(rest)))
	}
}

// AllCores is the mask of every physical core.
const AllCores AffinityMask = 1<<NumCPUCores - 1

func isValidPriority(priority int32) bool {
	return priority >= HighestThreadPriority && priority <= LowestThreadPriority
}

func isValidVirtualCore(core int32) bool {
	return core >= 0 && core < int32(len(virtualToPhysicalCoreMap))
}

// Translate a virtual affinity mask to physical cores.
func physicalMask(virtual uint64) AffinityMask {
	var m AffinityMask
	for rest := virtual; rest != 0; rest &= rest - 1 {
		m.SetAffinity(virtualToPhysicalCoreMap[bits.TrailingZeros64(rest)], true)
	}
	return m
}
