package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hzcore/hzsched/kernel"
	"github.com/hzcore/hzsched/timing"
)

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(kernel.Options{})
	require.NoError(t, err)
	require.NoError(t, k.Initialize(kernel.EntryPoints{
		GuestThread: func(*kernel.Thread) { panic("guest thread started") },
		IdleThread:  func(*kernel.Thread) { panic("idle thread started") },
	}))
	t.Cleanup(k.Shutdown)
	return k
}

func TestAllSortedAndNamed(t *testing.T) {
	all := All()
	require.NotEmpty(t, all)
	for i, d := range all {
		assert.Contains(t, d.Name, ":", "metric %q has no unit", d.Name)
		assert.NotEqual(t, KindBad, d.Kind, d.Name)
		assert.NotEmpty(t, d.Description, d.Name)
		if i > 0 {
			assert.Less(t, all[i-1].Name, d.Name)
		}
	}
}

func TestRead(t *testing.T) {
	k := newKernel(t)
	before := []Sample{{Name: "/kernel/fibers/memory:bytes"}}
	Read(Source{Kernel: k}, before)

	p, err := k.NewProcess(kernel.ProcessParams{Name: "guest"})
	require.NoError(t, err)
	cur := k.NewDummyThread("loader")
	a, err := k.NewUserThread(cur, p, kernel.ThreadParams{Name: "a", Priority: 44})
	require.NoError(t, err)
	_, err = k.NewUserThread(cur, p, kernel.ThreadParams{Name: "b", Priority: 44})
	require.NoError(t, err)
	a.AddCPUTime(0, timing.NsToCycles(5*time.Millisecond))

	samples := []Sample{
		{Name: "/kernel/threads/live:threads"},
		{Name: "/kernel/fibers/memory:bytes"},
		{Name: "/kernel/threads/cpu-time:seconds"},
		{Name: "/sched/core0/context-switches:switches"},
		{Name: "/cpu/idle-passes:passes"},
		{Name: "/no/such/metric:things"},
	}
	Read(Source{Kernel: k}, samples)

	assert.Equal(t, uint64(2), samples[0].Value.Uint64())
	assert.Equal(t, uint64(2*kernel.DefaultFiberStackSize), samples[1].Value.Uint64()-before[0].Value.Uint64())

	h := samples[2].Value.Float64Histogram()
	require.Len(t, h.Buckets, len(h.Counts)+1)
	assert.Equal(t, uint64(1), h.Counts[0], "unscheduled thread in the first bucket")
	assert.Equal(t, uint64(1), h.Counts[4], "5ms thread in [1ms, 10ms)")

	assert.Equal(t, KindUint64, samples[3].Value.Kind())
	assert.Equal(t, KindBad, samples[4].Value.Kind(), "no manager")
	assert.Equal(t, KindBad, samples[5].Value.Kind())
	assert.Panics(t, func() { samples[5].Value.Uint64() })
}

func TestEmulatedTime(t *testing.T) {
	k, err := kernel.New(kernel.Options{})
	require.NoError(t, err)
	k.Timing().AddTicks(uint64(timing.NsToCycles(time.Second)))
	k.Timing().Advance()
	s := []Sample{{Name: "/timing/emulated:seconds"}}
	Read(Source{Kernel: k}, s)
	if got := s[0].Value.Float64(); got < 0.99 || got > 1.01 {
		t.Errorf("emulated time = %v, want about 1s", got)
	}
}

func TestHistogramEdges(t *testing.T) {
	h := &Float64Histogram{Counts: make([]uint64, len(cpuTimeBuckets)-1), Buckets: cpuTimeBuckets}
	for _, v := range []float64{0, 1e-6, 5, 1e300} {
		h.add(v)
	}
	want := []uint64{1, 1, 0, 0, 0, 0, 0, 2}
	for i := range want {
		if h.Counts[i] != want[i] {
			t.Fatalf("counts = %v, want %v", h.Counts, want)
		}
	}
	for _, d := range All() {
		if strings.HasSuffix(d.Name, ":seconds") && d.Kind == KindFloat64Histogram {
			return
		}
	}
	t.Error("no histogram metric listed")
}
