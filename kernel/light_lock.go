package kernel

// LightLock is a kernel mutex with priority inheritance. A thread blocked
// on it lends its priority to the owner.
type LightLock struct {
	k     *Kernel
	owner *Thread
	// Unique key identifying this lock in its owner's waiter list.
	key uint64
}

func (k *Kernel) NewLightLock() *LightLock {
	l := &LightLock{}
	l.init(k)
	return l
}

func (l *LightLock) init(k *Kernel) {
	l.k = k
	l.key = k.nextLockKey.Add(1)
}

type lightLockQueue struct {
	threadQueue
}

func (q *lightLockQueue) CancelWait(waiting *Thread, err error, cancelTimer bool) {
	if owner := waiting.lockOwner; owner != nil {
		owner.RemoveWaiter(waiting)
	}
	q.threadQueue.CancelWait(waiting, err, cancelTimer)
}

// Lock acquires the lock for cur, blocking while another thread holds it.
func (l *LightLock) Lock(cur *Thread) {
	k := l.k
	q := &lightLockQueue{threadQueue{k: k}}
	for {
		k.LockScheduler(cur)
		owner := l.owner
		if owner == nil {
			l.owner = cur
			k.UnlockScheduler(cur)
			return
		}
		if owner == cur {
			k.UnlockScheduler(cur)
			panic("kernel: light lock taken twice by " + cur.String())
		}

		cur.setKernelAddressKey(l.key)
		owner.AddWaiter(cur)
		cur.BeginWait(q)
		if owner.IsSuspended() {
			owner.ContinueIfHasKernelWaiters()
		}
		k.UnlockScheduler(cur)

		// Unlock hands the lock over directly. A cancelled wait retries.
		k.LockScheduler(cur)
		got := l.owner == cur
		k.UnlockScheduler(cur)
		if got || k.IsShuttingDown() {
			return
		}
	}
}

// Unlock releases the lock and hands it to the most important waiter.
func (l *LightLock) Unlock(cur *Thread) {
	k := l.k
	k.LockScheduler(cur)
	defer k.UnlockScheduler(cur)

	if l.owner != cur {
		panic("kernel: light lock released by " + cur.String() + ", held by " + l.owner.String())
	}
	next, _ := cur.RemoveWaiterByKey(l.key, true)
	l.owner = next
	if next != nil {
		if next.State() == ThreadStateWaiting && next.waitQueue != nil {
			next.waitQueue.EndWait(next, nil)
		}
		if next.IsSuspended() {
			next.ContinueIfHasKernelWaiters()
		}
	}
	if cur.IsSuspended() && cur.numKernelWaiters == 0 {
		cur.UpdateState()
	}
}

// IsLocked reports whether any thread holds the lock.
func (l *LightLock) IsLocked(cur *Thread) bool {
	l.k.LockScheduler(cur)
	defer l.k.UnlockScheduler(cur)
	return l.owner != nil
}

// IsLockedByCurrentThread reports whether cur holds the lock.
func (l *LightLock) IsLockedByCurrentThread(cur *Thread) bool {
	l.k.LockScheduler(cur)
	defer l.k.UnlockScheduler(cur)
	return l.owner == cur
}
