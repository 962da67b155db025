package kernel

import (
	"slices"
	"time"
)

// Handle tag bits used in guest mutex words.
const (
	HandleWaitMask = 0x40000000
	InvalidHandle  = 0
)

// ConditionVariable implements the process-wide guest mutexes and
// condition variables. A guest mutex is a word holding the owner's handle,
// with HandleWaitMask set while others wait for it.
type ConditionVariable struct {
	k *Kernel
	p *Process
	// Waiters sorted by condition variable key, then priority, then
	// arrival.
	tree []*Thread
}

func newConditionVariable(k *Kernel, p *Process) *ConditionVariable {
	return &ConditionVariable{k: k, p: p}
}

func cvLess(a, b *Thread) bool {
	if a.cvKey != b.cvKey {
		return a.cvKey < b.cvKey
	}
	return a.priority < b.priority
}

func (cv *ConditionVariable) insert(t *Thread) {
	i := 0
	for i < len(cv.tree) && !cvLess(t, cv.tree[i]) {
		i++
	}
	cv.tree = slices.Insert(cv.tree, i, t)
}

func (cv *ConditionVariable) erase(t *Thread) {
	removeThread(&cv.tree, t)
}

func (cv *ConditionVariable) beforeUpdatePriority(t *Thread) { cv.erase(t) }

func (cv *ConditionVariable) afterUpdatePriority(t *Thread) { cv.insert(t) }

// Waiting returns the number of threads waiting on key.
func (cv *ConditionVariable) Waiting(cur *Thread, key uint64) int {
	cv.k.LockScheduler(cur)
	defer cv.k.UnlockScheduler(cur)
	n := 0
	for _, t := range cv.tree {
		if t.cvKey == key {
			n++
		}
	}
	return n
}

// Waits for a guest mutex.
type addressWaitQueue struct {
	threadQueue
}

func (q *addressWaitQueue) CancelWait(waiting *Thread, err error, cancelTimer bool) {
	if owner := waiting.lockOwner; owner != nil {
		owner.RemoveWaiter(waiting)
	}
	q.threadQueue.CancelWait(waiting, err, cancelTimer)
}

// Waits on a condition variable, and then possibly on its mutex.
type conditionVariableWaitQueue struct {
	threadQueue
	cv *ConditionVariable
}

func (q *conditionVariableWaitQueue) CancelWait(waiting *Thread, err error, cancelTimer bool) {
	if owner := waiting.lockOwner; owner != nil {
		owner.RemoveWaiter(waiting)
	}
	if waiting.cvTree != nil {
		q.cv.erase(waiting)
		waiting.cvTree = nil
	}
	q.threadQueue.CancelWait(waiting, err, cancelTimer)
}

// SignalToAddress releases the guest mutex at addr held by cur and hands it
// to the most important waiter.
func (cv *ConditionVariable) SignalToAddress(cur *Thread, addr uint64) error {
	k := cv.k
	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	next, n := cur.RemoveWaiterByKey(addr, false)
	var value uint32
	if next != nil {
		value = next.addressKeyValue
		if n > 1 {
			value |= HandleWaitMask
		}
	}

	var err error
	if !cv.p.memory.Write32(addr, value) {
		err = ErrInvalidCurrentMemory
	}
	if next != nil && next.State() == ThreadStateWaiting {
		next.waitQueue.EndWait(next, err)
	}
	return err
}

// WaitForAddress blocks cur until the guest mutex at addr, tagged as owned
// by handle, is handed to it. value is written to the word once it is.
func (cv *ConditionVariable) WaitForAddress(cur *Thread, handle uint32, addr uint64, value uint32) error {
	k := cv.k
	q := &addressWaitQueue{threadQueue{k: k}}

	k.LockScheduler(cur)
	if cur.IsTerminationRequested() {
		k.UnlockScheduler(cur)
		return ErrTerminationRequested
	}
	tag, ok := cv.p.memory.Read32(addr)
	if !ok {
		k.UnlockScheduler(cur)
		return ErrInvalidCurrentMemory
	}
	if tag != handle|HandleWaitMask {
		k.UnlockScheduler(cur)
		return nil
	}
	owner := cv.p.handles.getThread(handle)
	if owner == nil {
		k.UnlockScheduler(cur)
		return ErrInvalidHandle
	}

	cur.setAddressKey(addr, value)
	owner.AddWaiter(cur)
	cur.BeginWait(q)
	k.UnlockScheduler(cur)

	return cur.waitResult
}

// Hand the mutex of a signalled thread to it, or queue it on the mutex
// owner. The scheduler lock must be held.
func (cv *ConditionVariable) signalImpl(t *Thread) {
	addr := t.addressKey
	ownTag := t.addressKeyValue

	prevTag, ok := cv.p.memory.Update32(addr, func(old uint32) uint32 {
		if old == InvalidHandle {
			return ownTag
		}
		return old | HandleWaitMask
	})
	if !ok {
		t.waitQueue.EndWait(t, ErrInvalidCurrentMemory)
		return
	}
	if prevTag == InvalidHandle {
		t.waitQueue.EndWait(t, nil)
		return
	}
	owner := cv.p.handles.getThread(prevTag &^ HandleWaitMask)
	if owner == nil {
		t.waitQueue.EndWait(t, ErrInvalidState)
		return
	}
	owner.AddWaiter(t)
}

// Signal wakes up to count threads waiting on cvKey, or all of them if count
// is not positive.
func (cv *ConditionVariable) Signal(cur *Thread, cvKey uint64, count int32) {
	k := cv.k
	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	i := 0
	for i < len(cv.tree) && cv.tree[i].cvKey < cvKey {
		i++
	}
	var n int32
	for i < len(cv.tree) && (count <= 0 || n < count) && cv.tree[i].cvKey == cvKey {
		t := cv.tree[i]
		cv.tree = slices.Delete(cv.tree, i, i+1)
		t.cvTree = nil
		cv.signalImpl(t)
		n++
	}
	if i == len(cv.tree) || cv.tree[i].cvKey != cvKey {
		cv.p.memory.Write32(cvKey, 0)
	}
}

// Wait releases the guest mutex at addr held by cur and waits on key until
// signalled, then reacquires the mutex. A negative timeout waits forever;
// zero only releases the mutex.
func (cv *ConditionVariable) Wait(cur *Thread, addr, key uint64, value uint32, timeout time.Duration) error {
	k := cv.k
	q := &conditionVariableWaitQueue{threadQueue: threadQueue{k: k}, cv: cv}

	sl := k.LockAndSleep(cur, cur, timeout)
	if cur.IsTerminationRequested() {
		sl.CancelSleep()
		sl.Unlock()
		return ErrTerminationRequested
	}

	next, n := cur.RemoveWaiterByKey(addr, false)
	var nextValue uint32
	if next != nil {
		nextValue = next.addressKeyValue
		if n > 1 {
			nextValue |= HandleWaitMask
		}
		if next.State() == ThreadStateWaiting {
			next.waitQueue.EndWait(next, nil)
		}
	}
	cv.p.memory.Write32(key, 1)
	if !cv.p.memory.Write32(addr, nextValue) {
		sl.CancelSleep()
		sl.Unlock()
		return ErrInvalidCurrentMemory
	}

	if timeout == 0 {
		sl.Unlock()
		return ErrTimedOut
	}

	cur.cvTree = cv
	cur.cvKey = key
	cur.setAddressKey(addr, value)
	cv.insert(cur)
	cur.BeginWait(q)
	sl.Unlock()

	return cur.waitResult
}
