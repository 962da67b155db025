package kernel

import (
	"slices"
	"sync"
	"sync/atomic"
)

// GlobalSchedulerContext is the state shared by all cores: the priority
// queue, the scheduler lock and the registry of live threads.
type GlobalSchedulerContext struct {
	k *Kernel

	lock         SchedulerLock
	queue        PriorityQueue
	updateNeeded atomic.Bool

	// Dummy threads made runnable under the lock, woken at the next update.
	wokenDummies []*Thread

	mu      sync.Mutex
	threads []*Thread
}

func newGlobalSchedulerContext(k *Kernel) *GlobalSchedulerContext {
	g := &GlobalSchedulerContext{k: k}
	g.lock.k = k
	return g
}

// AddThread registers t in the list of live threads.
func (g *GlobalSchedulerContext) AddThread(t *Thread) {
	g.mu.Lock()
	g.threads = append(g.threads, t)
	g.mu.Unlock()
}

// RemoveThread drops t from the list of live threads.
func (g *GlobalSchedulerContext) RemoveThread(t *Thread) {
	g.mu.Lock()
	if i := slices.Index(g.threads, t); i >= 0 {
		g.threads = slices.Delete(g.threads, i, i+1)
	}
	g.mu.Unlock()
}

// GetThreadList returns a copy of the list of live threads.
func (g *GlobalSchedulerContext) GetThreadList() []*Thread {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.threads)
}

// PriorityQueue returns the queue of runnable threads. It must only be used
// with the scheduler lock held.
func (g *GlobalSchedulerContext) PriorityQueue() *PriorityQueue { return &g.queue }

func (g *GlobalSchedulerContext) Lock() *SchedulerLock { return &g.lock }

// IsLocked reports whether the scheduler lock is held by anyone.
func (g *GlobalSchedulerContext) IsLocked() bool { return g.lock.IsLocked() }

// setSchedulerUpdateNeeded asks the next outermost unlock to recompute the
// highest priority threads.
func (g *GlobalSchedulerContext) setSchedulerUpdateNeeded() {
	g.updateNeeded.Store(true)
}

// PreemptThreads rotates the run queue of every core at its preemption
// priority and interrupts every core. The scheduler lock must be held.
func (g *GlobalSchedulerContext) PreemptThreads() {
	g.assertLocked()
	for core := int32(0); core < NumCPUCores; core++ {
		g.k.rotateScheduledQueue(core, preemptionPriorities[core])
	}
	g.k.rescheduleCores(uint64(AllCores))
}

func (g *GlobalSchedulerContext) registerDummyThreadForWakeup(t *Thread) {
	if !slices.Contains(g.wokenDummies, t) {
		g.wokenDummies = append(g.wokenDummies, t)
	}
}

func (g *GlobalSchedulerContext) unregisterDummyThreadForWakeup(t *Thread) {
	if i := slices.Index(g.wokenDummies, t); i >= 0 {
		g.wokenDummies = slices.Delete(g.wokenDummies, i, i+1)
	}
}

func (g *GlobalSchedulerContext) wakeupWaitingDummyThreads() {
	for _, t := range g.wokenDummies {
		t.dummyThreadEndWait()
	}
	clear(g.wokenDummies)
	g.wokenDummies = g.wokenDummies[:0]
}

func (g *GlobalSchedulerContext) assertLocked() {
	if !g.lock.IsLocked() {
		panic("kernel: scheduler lock not held")
	}
}
