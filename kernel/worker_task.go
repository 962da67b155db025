package kernel

import "sync"

// threadFIFO is a FIFO of threads linked through Thread.workerNext. The
// zero value is an empty queue.
type threadFIFO struct {
	head, tail *Thread
}

func (q *threadFIFO) push(t *Thread) {
	if t.workerNext != nil {
		panic("kernel: pushing " + t.String() + " to a worker queue twice")
	}
	if q.tail != nil {
		q.tail.workerNext = t
	}
	q.tail = t
	if q.head == nil {
		q.head = t
	}
}

func (q *threadFIFO) pop() *Thread {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.workerNext
	if q.tail == t {
		q.tail = nil
	}
	t.workerNext = nil
	return t
}

func (q *threadFIFO) empty() bool { return q.head == nil }

// WorkerTaskManager finishes the termination of exited threads on a host
// goroutine, outside the exiting thread's own fiber.
type WorkerTaskManager struct {
	k      *Kernel
	worker *Thread

	mu       sync.Mutex
	cond     sync.Cond
	queue    threadFIFO
	running  bool
	stopping bool
	done     chan struct{}
}

func newWorkerTaskManager(k *Kernel) *WorkerTaskManager {
	w := &WorkerTaskManager{k: k}
	w.cond.L = &w.mu
	return w
}

func (w *WorkerTaskManager) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.worker = w.k.NewDummyThread("worker")
	w.running = true
	w.done = make(chan struct{})
	go w.loop()
}

// AddTask queues the termination of t. It may be called with the scheduler
// lock held.
func (w *WorkerTaskManager) AddTask(t *Thread) {
	w.mu.Lock()
	w.queue.push(t)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *WorkerTaskManager) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for w.queue.empty() && !w.stopping {
			w.cond.Wait()
		}
		if w.stopping {
			w.mu.Unlock()
			return
		}
		t := w.queue.pop()
		w.mu.Unlock()

		t.FinishTermination(w.worker)
	}
}

// stop ends the worker goroutine. Queued tasks are dropped.
func (w *WorkerTaskManager) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.stopping = true
	w.mu.Unlock()
	w.cond.Broadcast()
	// The worker may be blocked on a dummy wait.
	w.worker.dummyThreadEndWait()
	<-w.done
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}
