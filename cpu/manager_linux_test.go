//go:build linux

package cpu

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hzcore/hzsched/arm"
	"github.com/hzcore/hzsched/arm/script"
	"github.com/hzcore/hzsched/kernel"
	"github.com/hzcore/hzsched/timing"
)

// tidRecorder notes the OS thread every Run of its core executes on.
type tidRecorder struct {
	*script.CPU
	core int32

	mu   *sync.Mutex
	seen map[int]int32
}

func (r *tidRecorder) Run() arm.HaltReason {
	r.mu.Lock()
	r.seen[unix.Gettid()] = r.core
	r.mu.Unlock()
	return r.CPU.Run()
}

func TestGuestCodeRunsOnPinnedThreads(t *testing.T) {
	tm := timing.New(nil)
	image := script.NewImage(0x80000000)
	var mu sync.Mutex
	seen := make(map[int]int32)
	k, err := kernel.New(kernel.Options{
		Timing:             tm,
		MultiCore:          true,
		PreemptionInterval: time.Millisecond,
		NewCPU: func(core int32) arm.Interface {
			return &tidRecorder{CPU: script.NewCPU(image, tm, 2000), core: core, mu: &mu, seen: seen}
		},
	})
	require.NoError(t, err)
	m, err := NewManager(k, Options{PinHostThreads: true})
	require.NoError(t, err)
	p, err := k.NewProcess(kernel.ProcessParams{Name: "guest"})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(m.Shutdown)

	r := &scriptRig{k: k, m: m, image: image, p: p, cur: k.NewDummyThread("loader")}
	for core := int32(0); core < kernel.NumCPUCores; core++ {
		r.spawn(t, "worker", sleepAndExit, 44, core)
	}
	require.Eventually(t, func() bool {
		return len(p.GetThreadList()) == 0
	}, 10*time.Second, time.Millisecond)

	pinned := m.PinnedThreads()
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for tid, core := range seen {
		pinnedCore, ok := pinned[tid]
		if assert.True(t, ok, "guest code of core %d ran on unpinned thread %d", core, tid) {
			assert.Equal(t, core, pinnedCore, "thread %d", tid)
		}
	}
}

func TestPinningDisabledByDefault(t *testing.T) {
	r := newScriptRig(t, true)
	r.spawn(t, "worker", sleepAndExit, 44, 0)
	require.Eventually(t, func() bool {
		return len(r.p.GetThreadList()) == 0
	}, 10*time.Second, time.Millisecond)
	assert.Empty(t, r.m.PinnedThreads())
}
