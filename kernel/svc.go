package kernel

import (
	"time"

	"github.com/hzcore/hzsched/arm"
)

// Supervisor call numbers.
const (
	SvcExitProcess               = 0x07
	SvcExitThread                = 0x0A
	SvcSleepThread               = 0x0B
	SvcGetThreadPriority         = 0x0C
	SvcSetThreadPriority         = 0x0D
	SvcGetThreadCoreMask         = 0x0E
	SvcSetThreadCoreMask         = 0x0F
	SvcGetCurrentProcessorNumber = 0x10
	SvcArbitrateLock             = 0x1A
	SvcArbitrateUnlock           = 0x1B
	SvcWaitProcessWideKeyAtomic  = 0x1C
	SvcSignalProcessWideKey      = 0x1D
	SvcSetThreadActivity         = 0x32
)

// Special SleepThread arguments that yield instead of sleeping.
const (
	YieldTypeWithoutCoreMigration = 0
	YieldTypeWithCoreMigration    = -1
	YieldTypeToAnyThread          = -2
)

type svcFunc func(k *Kernel, cur *Thread, cpu arm.Interface)

var svcTable = map[uint32]svcFunc{
	SvcExitProcess:               svcExitProcess,
	SvcExitThread:                svcExitThread,
	SvcSleepThread:               svcSleepThread,
	SvcGetThreadPriority:         svcGetThreadPriority,
	SvcSetThreadPriority:         svcSetThreadPriority,
	SvcGetThreadCoreMask:         svcGetThreadCoreMask,
	SvcSetThreadCoreMask:         svcSetThreadCoreMask,
	SvcGetCurrentProcessorNumber: svcGetCurrentProcessorNumber,
	SvcArbitrateLock:             svcArbitrateLock,
	SvcArbitrateUnlock:           svcArbitrateUnlock,
	SvcWaitProcessWideKeyAtomic:  svcWaitProcessWideKeyAtomic,
	SvcSignalProcessWideKey:      svcSignalProcessWideKey,
	SvcSetThreadActivity:         svcSetThreadActivity,
}

// CallSVC services supervisor call num issued by cur. Arguments and results
// are passed in the registers of the core cur runs on.
func (k *Kernel) CallSVC(cur *Thread, num uint32) {
	k.svcCount.Add(1)
	cpu := k.cores[cur.CurrentCore()].ARM()
	fn, ok := svcTable[num]
	if !ok {
		k.log.Warn("unimplemented supervisor call", "svc", num, "thread", cur.id)
		if cpu != nil {
			cpu.SetReg(0, uint64(ErrNotFound))
		}
		return
	}
	fn(k, cur, cpu)
}

// SVCCount returns the number of supervisor calls serviced.
func (k *Kernel) SVCCount() uint64 { return k.svcCount.Load() }

// The core cur resumed on after a blocking call.
func (k *Kernel) resumedCPU(cur *Thread) arm.Interface {
	return k.cores[cur.CurrentCore()].ARM()
}

func setResult(cpu arm.Interface, err error) {
	if cpu != nil {
		cpu.SetReg(0, resultCode(err))
	}
}

func svcExitProcess(k *Kernel, cur *Thread, _ arm.Interface) {
	if p := cur.parent; p != nil {
		p.Exit(cur)
		return
	}
	cur.Exit()
}

func svcExitThread(k *Kernel, cur *Thread, _ arm.Interface) {
	cur.Exit()
}

func svcSleepThread(k *Kernel, cur *Thread, cpu arm.Interface) {
	ns := int64(cpu.GetReg(0))
	switch {
	case ns > 0:
		err := cur.Sleep(time.Duration(ns))
		setResult(k.resumedCPU(cur), err)
	case ns == YieldTypeWithoutCoreMigration:
		k.YieldWithoutCoreMigration(cur)
	case ns == YieldTypeWithCoreMigration:
		k.YieldWithCoreMigration(cur)
	case ns == YieldTypeToAnyThread:
		k.YieldToAnyThread(cur)
	default:
		k.log.Warn("invalid sleep duration", "ns", ns, "thread", cur.id)
	}
}

func lookupThread(cur *Thread, handle uint32) *Thread {
	if cur.parent == nil {
		if handle == PseudoHandleCurrentThread {
			return cur
		}
		return nil
	}
	return cur.parent.GetThreadByHandle(cur, handle)
}

func svcGetThreadPriority(k *Kernel, cur *Thread, cpu arm.Interface) {
	t := lookupThread(cur, uint32(cpu.GetReg(1)))
	if t == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	cpu.SetReg(1, uint64(t.Priority()))
	setResult(cpu, nil)
}

func svcSetThreadPriority(k *Kernel, cur *Thread, cpu arm.Interface) {
	handle := uint32(cpu.GetReg(0))
	priority := int32(cpu.GetReg(1))

	if !isValidPriority(priority) || (cur.parent != nil && !cur.parent.CheckThreadPriority(priority)) {
		setResult(cpu, ErrInvalidPriority)
		return
	}
	t := lookupThread(cur, handle)
	if t == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	t.SetBasePriority(cur, priority)
	setResult(k.resumedCPU(cur), nil)
}

func svcGetThreadCoreMask(k *Kernel, cur *Thread, cpu arm.Interface) {
	t := lookupThread(cur, uint32(cpu.GetReg(2)))
	if t == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	core, mask := t.GetCoreMask(cur)
	cpu = k.resumedCPU(cur)
	cpu.SetReg(1, uint64(int64(core)))
	cpu.SetReg(2, mask)
	setResult(cpu, nil)
}

func svcSetThreadCoreMask(k *Kernel, cur *Thread, cpu arm.Interface) {
	handle := uint32(cpu.GetReg(0))
	core := int32(cpu.GetReg(1))
	mask := cpu.GetReg(2)

	p := cur.parent
	if p == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	if core == IdealCoreUseProcessValue {
		core = p.IdealCore()
		mask = 1 << core
	} else {
		if mask|p.CoreMask() != p.CoreMask() {
			setResult(cpu, ErrInvalidCoreID)
			return
		}
		if mask == 0 {
			setResult(cpu, ErrInvalidCombination)
			return
		}
		if core >= 0 && core < NumCPUCores {
			if mask&(1<<core) == 0 {
				setResult(cpu, ErrInvalidCombination)
				return
			}
		} else if core != IdealCoreNoUpdate && core != IdealCoreDontCare {
			setResult(cpu, ErrInvalidCoreID)
			return
		}
	}

	t := lookupThread(cur, handle)
	if t == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	err := t.SetCoreMask(cur, core, mask)
	setResult(k.resumedCPU(cur), err)
}

func svcGetCurrentProcessorNumber(k *Kernel, cur *Thread, cpu arm.Interface) {
	cpu.SetReg(0, uint64(cur.CurrentCore()))
}

func checkMutexAddress(addr uint64) error {
	if addr%4 != 0 {
		return ErrInvalidAddress
	}
	return nil
}

func svcArbitrateLock(k *Kernel, cur *Thread, cpu arm.Interface) {
	handle := uint32(cpu.GetReg(0))
	addr := cpu.GetReg(1)
	tag := uint32(cpu.GetReg(2))

	if err := checkMutexAddress(addr); err != nil {
		setResult(cpu, err)
		return
	}
	if cur.parent == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	err := cur.parent.cv.WaitForAddress(cur, handle, addr, tag)
	setResult(k.resumedCPU(cur), err)
}

func svcArbitrateUnlock(k *Kernel, cur *Thread, cpu arm.Interface) {
	addr := cpu.GetReg(0)
	if err := checkMutexAddress(addr); err != nil {
		setResult(cpu, err)
		return
	}
	if cur.parent == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	err := cur.parent.cv.SignalToAddress(cur, addr)
	setResult(k.resumedCPU(cur), err)
}

func svcWaitProcessWideKeyAtomic(k *Kernel, cur *Thread, cpu arm.Interface) {
	addr := cpu.GetReg(0)
	key := cpu.GetReg(1)
	tag := uint32(cpu.GetReg(2))
	timeout := int64(cpu.GetReg(3))

	if err := checkMutexAddress(addr); err != nil {
		setResult(cpu, err)
		return
	}
	if cur.parent == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	if timeout < 0 {
		timeout = -1
	}
	err := cur.parent.cv.Wait(cur, addr, key, tag, time.Duration(timeout))
	setResult(k.resumedCPU(cur), err)
}

func svcSignalProcessWideKey(k *Kernel, cur *Thread, cpu arm.Interface) {
	key := cpu.GetReg(0)
	count := int32(cpu.GetReg(1))
	if cur.parent == nil {
		return
	}
	cur.parent.cv.Signal(cur, key, count)
}

func svcSetThreadActivity(k *Kernel, cur *Thread, cpu arm.Interface) {
	handle := uint32(cpu.GetReg(0))
	activity := ThreadActivity(cpu.GetReg(1))

	t := lookupThread(cur, handle)
	if t == nil {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	if t == cur {
		setResult(cpu, ErrInvalidState)
		return
	}
	if t.parent != cur.parent {
		setResult(cpu, ErrInvalidHandle)
		return
	}
	err := t.SetActivity(cur, activity)
	setResult(k.resumedCPU(cur), err)
}
