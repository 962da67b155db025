package kernel

import (
	"sync"

	"github.com/hzcore/hzsched/arm"
)

// PhysicalCore is one emulated CPU core: its interpreter and its interrupt
// line.
type PhysicalCore struct {
	k      *Kernel
	coreID int32
	arm    arm.Interface

	mu          sync.Mutex
	cond        sync.Cond
	interrupted bool
}

func newPhysicalCore(k *Kernel, core int32, cpu arm.Interface) *PhysicalCore {
	c := &PhysicalCore{k: k, coreID: core, arm: cpu}
	c.cond.L = &c.mu
	return c
}

func (c *PhysicalCore) CoreID() int32 { return c.coreID }

// ARM returns the core's interpreter, or nil.
func (c *PhysicalCore) ARM() arm.Interface { return c.arm }

// Run executes cur on this core until the interpreter halts, then services
// the halt. A thread asked to terminate exits before and after running. A
// core without an interpreter idles instead; in single-core mode it returns
// at once, so that the driver moves on.
func (c *PhysicalCore) Run(cur *Thread) {
	cur.HandleDpc()
	if c.arm == nil {
		if c.k.IsMulticore() {
			c.Idle()
		}
		return
	}
	hr := c.arm.Run()

	switch {
	case hr.Has(arm.SupervisorCall):
		c.k.CallSVC(cur, c.arm.GetSVCNumber())
	case hr.Has(arm.PrefetchAbort), hr.Has(arm.DataAbort), hr.Has(arm.InstructionBreakpoint):
		c.k.log.Error("guest thread faulted", "thread", cur.id, "name", cur.name, "core", c.coreID, "pc", c.arm.GetPC(), "halt", uint64(hr))
		if p := cur.parent; p != nil {
			p.Exit(cur)
		} else {
			cur.Exit()
		}
	}
	cur.HandleDpc()
}

// Idle blocks until the core is interrupted or the kernel shuts down.
func (c *PhysicalCore) Idle() {
	c.mu.Lock()
	for !c.interrupted && !c.k.IsShuttingDown() {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Interrupt makes the core reschedule at its next scheduling point, and
// stops a running interpreter.
func (c *PhysicalCore) Interrupt() {
	c.mu.Lock()
	c.interrupted = true
	if c.arm != nil {
		c.arm.SignalInterrupt()
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *PhysicalCore) ClearInterrupt() {
	c.mu.Lock()
	c.interrupted = false
	if c.arm != nil {
		c.arm.ClearInterrupt()
	}
	c.mu.Unlock()
}

func (c *PhysicalCore) IsInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}
