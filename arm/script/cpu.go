// Package script is a tiny interpreter for scripted guest threads. It
// implements arm.Interface well enough to drive the scheduler: threads spin
// for a number of cycles, issue supervisor calls and loop, while the register
// file, exclusive monitor and interrupt line behave like a real backend's.
package script

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hzcore/hzsched/arm"
)

// Each program occupies its own aligned window of guest address space.
const (
	programShift = 20
	programSpan  = 1 << programShift
	instSize     = 4
)

// Image maps guest entry points to programs. It is shared by every core.
type Image struct {
	mu       sync.RWMutex
	programs map[uint64]*Program
	next     uint64
}

// NewImage returns an empty image. Programs are placed from base upwards.
func NewImage(base uint64) *Image {
	return &Image{
		programs: make(map[uint64]*Program),
		next:     base &^ (programSpan - 1),
	}
}

// Load places prog in the image and returns its entry point.
func (im *Image) Load(prog *Program) (uint64, error) {
	if len(prog.Code) == 0 {
		return 0, fmt.Errorf("script: program %q is empty", prog.Name)
	}
	if len(prog.Code)*instSize > programSpan {
		return 0, fmt.Errorf("script: program %q is too large", prog.Name)
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	entry := im.next
	im.programs[entry] = prog
	im.next += programSpan
	return entry, nil
}

func (im *Image) fetch(pc uint64) (*Program, int) {
	im.mu.RLock()
	prog := im.programs[pc&^(programSpan-1)]
	im.mu.RUnlock()
	if prog == nil {
		return nil, 0
	}
	return prog, int(pc&(programSpan-1)) / instSize
}

// TickSink receives consumed cycles. It is implemented by timing.CoreTiming.
type TickSink interface {
	AddTicks(ticks uint64)
}

// CPU is one core's interpreter.
type CPU struct {
	image *Image
	ticks TickSink
	slice uint64

	regs   [31]uint64
	sp, pc uint64
	pstate uint32
	tpidr  uint64
	svc    uint32

	exclusive bool
	interrupt atomic.Bool

	// Total cycles executed by this core.
	cycles atomic.Uint64
}

// NewCPU returns an interpreter for image. If ticks is not nil, every
// executed instruction is charged to it. Run returns after sliceCycles
// cycles even if nothing else stopped it.
func NewCPU(image *Image, ticks TickSink, sliceCycles uint64) *CPU {
	if sliceCycles == 0 {
		sliceCycles = 10000
	}
	return &CPU{image: image, ticks: ticks, slice: sliceCycles}
}

// Cycles returns the number of cycles executed so far.
func (c *CPU) Cycles() uint64 {
	return c.cycles.Load()
}

func (c *CPU) Run() arm.HaltReason {
	var used uint64
	for used < c.slice {
		if c.interrupt.Load() {
			return arm.BreakLoop
		}
		cost, halt := c.execute()
		used += cost
		if halt != 0 {
			return halt
		}
	}
	return 0
}

func (c *CPU) Step() arm.HaltReason {
	if _, halt := c.execute(); halt != 0 {
		return halt
	}
	return arm.StepThread
}

// Execute the instruction at pc. Returns the cycles consumed.
func (c *CPU) execute() (uint64, arm.HaltReason) {
	prog, index := c.image.fetch(c.pc)
	if prog == nil {
		return 1, arm.PrefetchAbort
	}
	if index >= len(prog.Code) {
		// Running off the end exits the thread.
		c.svc = ExitThreadSVC
		return c.charge(1), arm.SupervisorCall
	}
	inst := prog.Code[index]
	base := c.pc &^ (programSpan - 1)
	switch inst.Op {
	case OpNop:
		c.pc += instSize
		return c.charge(1), 0
	case OpSpin:
		c.pc += instSize
		return c.charge(max(inst.Imm, 1)), 0
	case OpSet:
		c.regs[inst.Imm] = inst.Args[0]
		c.pc += instSize
		return c.charge(1), 0
	case OpSVC:
		for i, v := range inst.Args {
			c.regs[i] = v
		}
		c.svc = uint32(inst.Imm)
		c.pc += instSize
		return c.charge(1), arm.SupervisorCall
	case OpJump:
		c.pc = base + inst.Imm*instSize
		return c.charge(1), 0
	case OpLoadExclusive:
		c.exclusive = true
		c.pc += instSize
		return c.charge(1), 0
	case OpStoreExclusive:
		if c.exclusive {
			c.regs[0] = 0
		} else {
			c.regs[0] = 1
		}
		c.exclusive = false
		c.pc += instSize
		return c.charge(1), 0
	case OpBreak:
		return c.charge(1), arm.InstructionBreakpoint
	}
	panic("script: unknown opcode")
}

func (c *CPU) charge(n uint64) uint64 {
	c.cycles.Add(n)
	if c.ticks != nil {
		c.ticks.AddTicks(n)
	}
	return n
}

func (c *CPU) SaveContext32(ctx *arm.ThreadContext32) {
	for i := 0; i < 15; i++ {
		ctx.CPURegisters[i] = uint32(c.regs[i])
	}
	ctx.CPURegisters[13] = uint32(c.sp)
	ctx.CPURegisters[15] = uint32(c.pc)
	ctx.CPSR = c.pstate
	ctx.TPIDR = uint32(c.tpidr)
}

func (c *CPU) LoadContext32(ctx *arm.ThreadContext32) {
	for i := 0; i < 15; i++ {
		c.regs[i] = uint64(ctx.CPURegisters[i])
	}
	c.sp = uint64(ctx.CPURegisters[13])
	c.pc = uint64(ctx.CPURegisters[15])
	c.pstate = ctx.CPSR
	c.tpidr = uint64(ctx.TPIDR)
}

func (c *CPU) SaveContext64(ctx *arm.ThreadContext64) {
	copy(ctx.CPURegisters[:], c.regs[:29])
	ctx.FP = c.regs[29]
	ctx.LR = c.regs[30]
	ctx.SP = c.sp
	ctx.PC = c.pc
	ctx.PState = c.pstate
	ctx.TPIDR = c.tpidr
}

func (c *CPU) LoadContext64(ctx *arm.ThreadContext64) {
	copy(c.regs[:29], ctx.CPURegisters[:])
	c.regs[29] = ctx.FP
	c.regs[30] = ctx.LR
	c.sp = ctx.SP
	c.pc = ctx.PC
	c.pstate = ctx.PState
	c.tpidr = ctx.TPIDR
}

func (c *CPU) ClearExclusiveState() { c.exclusive = false }

func (c *CPU) GetTPIDREL0() uint64      { return c.tpidr }
func (c *CPU) SetTPIDREL0(value uint64) { c.tpidr = value }

func (c *CPU) SignalInterrupt() { c.interrupt.Store(true) }
func (c *CPU) ClearInterrupt()  { c.interrupt.Store(false) }

func (c *CPU) GetPC() uint64   { return c.pc }
func (c *CPU) SetPC(pc uint64) { c.pc = pc }

func (c *CPU) GetReg(index int) uint64 {
	if index == 31 {
		return c.sp
	}
	return c.regs[index]
}

func (c *CPU) SetReg(index int, value uint64) {
	if index == 31 {
		c.sp = value
		return
	}
	c.regs[index] = value
}

func (c *CPU) GetSVCNumber() uint32 { return c.svc }

var _ arm.Interface = (*CPU)(nil)
