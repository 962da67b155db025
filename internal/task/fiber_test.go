package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiberRoundTrip(t *testing.T) {
	host := ThreadToFiber()
	defer host.Exit()

	var a *Fiber
	var trace []string
	a = NewFiber(func(param any) {
		trace = append(trace, param.(string))
		for {
			YieldTo(a, host)
			trace = append(trace, "again")
		}
	}, "first")

	local := 42
	YieldTo(host, a)

	// Control came back to the host fiber with its state untouched.
	assert.Equal(t, 42, local)
	assert.Equal(t, []string{"first"}, trace)
	assert.True(t, host.IsThreadFiber())
	assert.True(t, host.guard.IsLocked(), "running fiber must hold its guard")
	assert.Nil(t, host.previous)

	// The fiber that yielded back is parked with its guard released.
	waitUnlocked(t, &a.guard)
	assert.Nil(t, a.previous)

	YieldTo(host, a)
	assert.Equal(t, []string{"first", "again"}, trace)
	assert.Equal(t, 42, local)

	a.Release()
}

func TestFiberChain(t *testing.T) {
	host := ThreadToFiber()
	defer host.Exit()

	var order []int
	var f1, f2 *Fiber
	f2 = NewFiber(func(any) {
		order = append(order, 2)
		YieldTo(f2, host)
		panic("unreachable")
	}, nil)
	f1 = NewFiber(func(any) {
		order = append(order, 1)
		YieldTo(f1, f2)
		panic("unreachable")
	}, nil)

	YieldTo(host, f1)
	require.Equal(t, []int{1, 2}, order)

	f1.Release()
	f2.Release()
}

func TestFiberExitRequiresThreadFiber(t *testing.T) {
	f := NewFiber(func(any) {}, nil)
	assert.Panics(t, func() { f.Exit() })
}

func TestFiberYieldToReleased(t *testing.T) {
	host := ThreadToFiber()
	defer host.Exit()

	f := NewFiber(func(any) {}, nil)
	f.Release()
	assert.Panics(t, func() { YieldTo(host, f) })
}

func TestFiberReleaseStopsGoroutine(t *testing.T) {
	host := ThreadToFiber()
	defer host.Exit()

	exited := make(chan struct{})
	var f *Fiber
	f = NewFiber(func(any) {
		defer close(exited)
		YieldTo(f, host)
	}, nil)
	YieldTo(host, f)

	f.Release()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("fiber goroutine did not exit after Release")
	}
}

func waitUnlocked(t *testing.T, l *SpinLock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for l.IsLocked() {
		if time.Now().After(deadline) {
			t.Fatal("guard was never released")
		}
		spinLoopWait()
	}
}
