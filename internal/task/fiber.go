package task

import (
	"runtime"
	"sync/atomic"
)

// If true, print verbose debug logs.
const verbose = false

// Fiber identifiers. The number is not significant, it is only useful while
// debugging.
var fiberID atomic.Uint64

// A Fiber is a stackful, symmetric coroutine. Every fiber runs on its own
// goroutine, but at most one fiber per host thread is ever running: control is
// handed from one fiber to another with YieldTo and the giving fiber stays
// parked until some later YieldTo targets it again.
//
// The guard is held for exactly as long as some core is executing inside the
// fiber. A fiber that is handed control stores the fiber it supersedes in
// previous, and releases that fiber's guard once it is actually running.
type Fiber struct {
	id uint64

	entry func(param any)
	param any

	guard    SpinLock
	previous *Fiber

	// Set for fibers created by ThreadToFiber: the host goroutine that existed
	// before any fiber did.
	isThreadFiber bool

	started  bool
	released atomic.Bool

	// Signalled once for every YieldTo targeting this fiber.
	resume chan struct{}
	// Closed by Release. A parked goroutine exits when it sees this.
	done chan struct{}
}

// NewFiber creates a fiber that will call entry(param) the first time it is
// yielded to. The fiber is not started. The entry function must never return:
// the fiber is torn down from the outside with Release.
func NewFiber(entry func(param any), param any) *Fiber {
	if entry == nil {
		panic("task: nil fiber entry")
	}
	return &Fiber{
		id:     fiberID.Add(1),
		entry:  entry,
		param:  param,
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ThreadToFiber converts the calling host goroutine into a fiber, so that it
// can take part in YieldTo. The returned fiber is considered running.
func ThreadToFiber() *Fiber {
	f := &Fiber{
		id:            fiberID.Add(1),
		isThreadFiber: true,
		started:       true,
		resume:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	f.guard.Lock()
	return f
}

// ID returns a small number identifying this fiber in log output.
func (f *Fiber) ID() uint64 {
	return f.id
}

// IsThreadFiber reports whether f was created by ThreadToFiber and has not
// exited yet.
func (f *Fiber) IsThreadFiber() bool {
	return f.isThreadFiber
}

// YieldTo transfers control from the running fiber from to the fiber to. It
// only returns once another YieldTo targets from.
func YieldTo(from, to *Fiber) {
	if from == nil || to == nil {
		panic("task: yield with a nil fiber")
	}
	if from == to {
		panic("task: fiber yields to itself")
	}
	if to.released.Load() {
		panic("task: yield to a released fiber")
	}
	if verbose {
		println("*** yield:", from.id, "->", to.id)
	}

	to.guard.Lock()
	to.previous = from
	if !to.started {
		to.started = true
		go to.run()
	} else {
		select {
		case to.resume <- struct{}{}:
		default:
			panic("task: fiber resumed twice")
		}
	}

	from.park()
}

// Entry point of the goroutine backing a fiber.
func (f *Fiber) run() {
	f.releasePrevious()
	f.entry(f.param)
	panic("task: fiber entry returned")
}

// Block until resumed, then take over from the fiber that resumed us.
func (f *Fiber) park() {
	select {
	case <-f.resume:
	case <-f.done:
		runtime.Goexit()
	}
	f.releasePrevious()
}

func (f *Fiber) releasePrevious() {
	prev := f.previous
	if prev == nil {
		panic("task: fiber resumed without a previous fiber")
	}
	f.previous = nil
	prev.guard.Unlock()
}

// Exit turns a fiber created by ThreadToFiber back into a plain host
// goroutine and releases its guard.
func (f *Fiber) Exit() {
	if !f.isThreadFiber {
		panic("task: Exit called on a fiber not created by ThreadToFiber")
	}
	f.isThreadFiber = false
	f.released.Store(true)
	f.guard.Unlock()
}

// Release tears down a parked fiber. It waits until no core is executing
// inside the fiber, after which the backing goroutine (if any) exits. A
// released fiber can never be yielded to again.
func (f *Fiber) Release() {
	if f.isThreadFiber {
		panic("task: Release called on a thread fiber")
	}
	if f.released.Swap(true) {
		return
	}
	f.guard.Lock()
	close(f.done)
}
