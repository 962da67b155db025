// Package arm describes the instruction interpreter a physical core drives.
// The scheduler only touches it while unloading and reloading threads and
// when running the current thread; everything else about guest execution
// lives behind this interface.
package arm

// HaltReason is a bitmask describing why Run or Step returned.
type HaltReason uint64

const (
	StepThread HaltReason = 1 << iota
	DataAbort
	BreakLoop
	SupervisorCall
	InstructionBreakpoint
	PrefetchAbort
)

func (r HaltReason) Has(flag HaltReason) bool {
	return r&flag != 0
}

// ThreadContext32 is the register state of an AArch32 thread.
type ThreadContext32 struct {
	CPURegisters  [16]uint32
	ExtensionRegs [32]uint32
	CPSR          uint32
	FPSCR         uint32
	FPExc         uint32
	TPIDR         uint32
}

// ThreadContext64 is the register state of an AArch64 thread.
type ThreadContext64 struct {
	CPURegisters    [29]uint64
	FP              uint64
	LR              uint64
	SP              uint64
	PC              uint64
	PState          uint32
	VectorRegisters [32][2]uint64
	FPCR            uint32
	FPSR            uint32
	TPIDR           uint64
}

// Interface is implemented by every interpreter backend. One instance exists
// per emulated core.
type Interface interface {
	// Run executes guest code until something makes it halt.
	Run() HaltReason
	// Step executes a single instruction.
	Step() HaltReason

	SaveContext32(ctx *ThreadContext32)
	SaveContext64(ctx *ThreadContext64)
	LoadContext32(ctx *ThreadContext32)
	LoadContext64(ctx *ThreadContext64)

	// ClearExclusiveState drops any exclusive monitor reservation.
	ClearExclusiveState()

	GetTPIDREL0() uint64
	SetTPIDREL0(value uint64)

	// SignalInterrupt makes a concurrent Run return BreakLoop as soon as
	// possible. ClearInterrupt withdraws the request.
	SignalInterrupt()
	ClearInterrupt()

	GetPC() uint64
	SetPC(pc uint64)
	GetReg(index int) uint64
	SetReg(index int, value uint64)

	// GetSVCNumber returns the immediate of the supervisor call that made
	// the last Run return SupervisorCall.
	GetSVCNumber() uint32
}
