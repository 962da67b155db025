package kernel

import "math/bits"

const numPriorities = LowestThreadPriority + 1

// Links of a thread in one core's list. A thread is in at most one list per
// core (scheduled or suggested), so one entry per core is enough.
type queueEntry struct {
	prev, next *Thread
}

type threadList struct {
	head, tail *Thread
}

func (l *threadList) pushBack(core int32, t *Thread) {
	e := &t.queueEntries[core]
	e.prev, e.next = l.tail, nil
	if l.tail != nil {
		l.tail.queueEntries[core].next = t
	} else {
		l.head = t
	}
	l.tail = t
}

func (l *threadList) pushFront(core int32, t *Thread) {
	e := &t.queueEntries[core]
	e.prev, e.next = nil, l.head
	if l.head != nil {
		l.head.queueEntries[core].prev = t
	} else {
		l.tail = t
	}
	l.head = t
}

func (l *threadList) remove(core int32, t *Thread) {
	e := &t.queueEntries[core]
	if e.prev != nil {
		e.prev.queueEntries[core].next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.queueEntries[core].prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// perCoreQueue holds one list per core and priority, with a bitmap of the
// priorities that have anything queued.
type perCoreQueue struct {
	lists     [NumCPUCores][numPriorities]threadList
	available [NumCPUCores]uint64
}

func (q *perCoreQueue) pushBack(priority, core int32, t *Thread) {
	q.lists[core][priority].pushBack(core, t)
	q.available[core] |= 1 << priority
}

func (q *perCoreQueue) pushFront(priority, core int32, t *Thread) {
	q.lists[core][priority].pushFront(core, t)
	q.available[core] |= 1 << priority
}

func (q *perCoreQueue) remove(priority, core int32, t *Thread) {
	l := &q.lists[core][priority]
	l.remove(core, t)
	if l.head == nil {
		q.available[core] &^= 1 << priority
	}
}

func (q *perCoreQueue) front(core int32) *Thread {
	if q.available[core] == 0 {
		return nil
	}
	return q.lists[core][bits.TrailingZeros64(q.available[core])].head
}

func (q *perCoreQueue) frontAt(priority, core int32) *Thread {
	return q.lists[core][priority].head
}

// next returns the thread after t, moving on to the next non-empty priority
// when t is the last of its own.
func (q *perCoreQueue) next(core int32, t *Thread) *Thread {
	if n := t.queueEntries[core].next; n != nil {
		return n
	}
	rest := q.available[core] &^ (uint64(2)<<t.priority - 1)
	if rest == 0 {
		return nil
	}
	return q.lists[core][bits.TrailingZeros64(rest)].head
}

func (q *perCoreQueue) moveToFront(priority, core int32, t *Thread) {
	l := &q.lists[core][priority]
	l.remove(core, t)
	l.pushFront(core, t)
}

// moveToBack returns the new front of the priority's list.
func (q *perCoreQueue) moveToBack(priority, core int32, t *Thread) *Thread {
	l := &q.lists[core][priority]
	l.remove(core, t)
	l.pushBack(core, t)
	return l.head
}

// PriorityQueue holds every Runnable thread with a valid priority. A thread
// is in the scheduled list of its active core, and in the suggested list of
// every other core in its affinity mask. All methods require the scheduler
// lock.
type PriorityQueue struct {
	scheduled perCoreQueue
	suggested perCoreQueue
}

func (pq *PriorityQueue) pushBack(t *Thread) {
	priority := t.priority
	if !isValidPriority(priority) {
		return
	}
	affinity := t.physicalAffinityMask
	if core := t.ActiveCore(); core >= 0 {
		pq.scheduled.pushBack(priority, core, t)
		affinity.SetAffinity(core, false)
	}
	affinity.Each(func(core int32) {
		pq.suggested.pushBack(priority, core, t)
	})
}

func (pq *PriorityQueue) pushFront(t *Thread) {
	priority := t.priority
	if !isValidPriority(priority) {
		return
	}
	affinity := t.physicalAffinityMask
	if core := t.ActiveCore(); core >= 0 {
		pq.scheduled.pushFront(priority, core, t)
		affinity.SetAffinity(core, false)
	}
	// Suggestions always go to the back.
	affinity.Each(func(core int32) {
		pq.suggested.pushBack(priority, core, t)
	})
}

func (pq *PriorityQueue) removeAt(priority int32, t *Thread) {
	if !isValidPriority(priority) {
		return
	}
	affinity := t.physicalAffinityMask
	if core := t.ActiveCore(); core >= 0 {
		pq.scheduled.remove(priority, core, t)
		affinity.SetAffinity(core, false)
	}
	affinity.Each(func(core int32) {
		pq.suggested.remove(priority, core, t)
	})
}

// PushBack inserts t behind every thread of the same priority.
func (pq *PriorityQueue) PushBack(t *Thread) { pq.pushBack(t) }

// Remove takes t out of every list it is in.
func (pq *PriorityQueue) Remove(t *Thread) { pq.removeAt(t.priority, t) }

func (pq *PriorityQueue) GetScheduledFront(core int32) *Thread {
	return pq.scheduled.front(core)
}

func (pq *PriorityQueue) GetScheduledFrontAt(core, priority int32) *Thread {
	return pq.scheduled.frontAt(priority, core)
}

func (pq *PriorityQueue) GetScheduledNext(core int32, t *Thread) *Thread {
	return pq.scheduled.next(core, t)
}

func (pq *PriorityQueue) GetSuggestedFront(core int32) *Thread {
	return pq.suggested.front(core)
}

func (pq *PriorityQueue) GetSuggestedFrontAt(core, priority int32) *Thread {
	return pq.suggested.frontAt(priority, core)
}

func (pq *PriorityQueue) GetSuggestedNext(core int32, t *Thread) *Thread {
	return pq.suggested.next(core, t)
}

// GetSamePriorityNext returns the thread after t in the same list, without
// moving on to other priorities.
func (pq *PriorityQueue) GetSamePriorityNext(core int32, t *Thread) *Thread {
	return t.queueEntries[core].next
}

func (pq *PriorityQueue) MoveToScheduledFront(t *Thread) {
	pq.scheduled.moveToFront(t.priority, t.ActiveCore(), t)
}

// MoveToScheduledBack rotates t to the back of its scheduled list and
// returns the thread now at the front.
func (pq *PriorityQueue) MoveToScheduledBack(t *Thread) *Thread {
	return pq.scheduled.moveToBack(t.priority, t.ActiveCore(), t)
}

// ChangePriority requeues t after its priority changed from prevPriority. A
// running thread keeps its place at the front.
func (pq *PriorityQueue) ChangePriority(prevPriority int32, isRunning bool, t *Thread) {
	pq.removeAt(prevPriority, t)
	if isRunning {
		pq.pushFront(t)
	} else {
		pq.pushBack(t)
	}
}

// ChangeAffinityMask requeues t after its affinity or active core changed.
func (pq *PriorityQueue) ChangeAffinityMask(prevCore int32, prevAffinity AffinityMask, t *Thread) {
	priority := t.priority
	if !isValidPriority(priority) {
		return
	}
	prevAffinity.Each(func(core int32) {
		if core == prevCore {
			pq.scheduled.remove(priority, core, t)
		} else {
			pq.suggested.remove(priority, core, t)
		}
	})
	// A thread whose active core is outside its old mask (pinning) is still
	// on that core's scheduled list.
	if prevCore >= 0 && !prevAffinity.GetAffinity(prevCore) {
		pq.scheduled.remove(priority, prevCore, t)
	}
	newCore := t.ActiveCore()
	t.physicalAffinityMask.Each(func(core int32) {
		if core == newCore {
			pq.scheduled.pushBack(priority, core, t)
		} else {
			pq.suggested.pushBack(priority, core, t)
		}
	})
	if newCore >= 0 && !t.physicalAffinityMask.GetAffinity(newCore) {
		pq.scheduled.pushBack(priority, newCore, t)
	}
}

// ChangeCore moves t from prevCore's scheduled list to its new active core.
func (pq *PriorityQueue) ChangeCore(prevCore int32, t *Thread, toFront bool) {
	newCore := t.ActiveCore()
	priority := t.priority
	if !isValidPriority(priority) || prevCore == newCore {
		return
	}
	if prevCore >= 0 {
		pq.scheduled.remove(priority, prevCore, t)
	}
	if newCore >= 0 {
		pq.suggested.remove(priority, newCore, t)
		if toFront {
			pq.scheduled.pushFront(priority, newCore, t)
		} else {
			pq.scheduled.pushBack(priority, newCore, t)
		}
	}
	if prevCore >= 0 {
		pq.suggested.pushBack(priority, prevCore, t)
	}
}
