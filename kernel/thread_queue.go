package kernel

import "slices"

// ThreadQueue is what a waiting thread waits on. The queue decides how the
// wait ends. All methods are called with the scheduler lock held.
type ThreadQueue interface {
	// NotifyAvailable is called when the object the thread waits for was
	// signalled.
	NotifyAvailable(waiting *Thread, signaled any, err error)
	// EndWait completes the wait with err as its result.
	EndWait(waiting *Thread, err error)
	// CancelWait aborts the wait with err. cancelTimer also disarms the
	// thread's timeout.
	CancelWait(waiting *Thread, err error, cancelTimer bool)
}

// threadQueue is the default queue: ending or cancelling a wait makes the
// thread runnable with the given result.
type threadQueue struct {
	k *Kernel
}

func (q *threadQueue) NotifyAvailable(waiting *Thread, signaled any, err error) {
	panic("kernel: unexpected NotifyAvailable on " + waiting.String())
}

func (q *threadQueue) EndWait(waiting *Thread, err error) {
	waiting.waitResult = err
	waiting.setState(ThreadStateRunnable)
	waiting.waitQueue = nil
	q.k.timer.CancelTask(waiting)
}

func (q *threadQueue) CancelWait(waiting *Thread, err error, cancelTimer bool) {
	waiting.waitResult = err
	waiting.setState(ThreadStateRunnable)
	waiting.waitQueue = nil
	if cancelTimer {
		q.k.timer.CancelTask(waiting)
	}
}

// threadQueueWithoutEndWait is for waits that only end by cancellation,
// such as a sleep ended by its timeout.
type threadQueueWithoutEndWait struct {
	threadQueue
}

func (q *threadQueueWithoutEndWait) EndWait(waiting *Thread, err error) {
	panic("kernel: unexpected EndWait on " + waiting.String())
}

// Waits of a thread blocked until another thread is unpinned.
type setPropertyQueue struct {
	threadQueue
	list *[]*Thread
}

func (q *setPropertyQueue) CancelWait(waiting *Thread, err error, cancelTimer bool) {
	removeThread(q.list, waiting)
	q.threadQueue.CancelWait(waiting, err, cancelTimer)
}

// Waits for a thread to terminate.
type terminationQueue struct {
	threadQueue
	target *Thread
}

func (q *terminationQueue) NotifyAvailable(waiting *Thread, signaled any, err error) {
	removeThread(&q.target.terminationWaiters, waiting)
	q.threadQueue.EndWait(waiting, err)
}

func (q *terminationQueue) CancelWait(waiting *Thread, err error, cancelTimer bool) {
	removeThread(&q.target.terminationWaiters, waiting)
	q.threadQueue.CancelWait(waiting, err, cancelTimer)
}

func removeThread(list *[]*Thread, t *Thread) {
	if i := slices.Index(*list, t); i >= 0 {
		*list = slices.Delete(*list, i, i+1)
	}
}
