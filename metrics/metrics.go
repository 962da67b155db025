// Package metrics reads scheduler statistics of a running kernel.
//
// Metrics are named and read the way runtime/metrics does it: callers list
// the Descriptions returned by All, allocate Samples for the ones they want
// and fill them with Read.
package metrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/hzcore/hzsched/cpu"
	"github.com/hzcore/hzsched/kernel"
	"github.com/hzcore/hzsched/timing"
)

// Description describes a metric.
type Description struct {
	// Name is the full name of the metric, including the unit after a colon.
	Name string

	Description string

	// Kind is the kind of value for this metric.
	Kind ValueKind

	// Cumulative is whether or not the metric only ever increases.
	Cumulative bool
}

// ValueKind is a tag for a metric Value.
type ValueKind int

const (
	// KindBad is the kind of a metric that is not supported, or whose
	// source is missing.
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
	KindFloat64Histogram
)

// Value is the result of reading one metric.
type Value struct {
	kind    ValueKind
	scalar  uint64
	pointer *Float64Histogram
}

// Kind returns the tag of the value.
func (v Value) Kind() ValueKind { return v.kind }

// Uint64 returns the value as an unsigned integer. It panics if the kind is
// not KindUint64.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

// Float64 returns the value as a float. It panics if the kind is not
// KindFloat64.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

// Float64Histogram returns the value as a histogram. It panics if the kind
// is not KindFloat64Histogram.
func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic("called Float64Histogram on non-histogram metric value")
	}
	return v.pointer
}

func uint64Value(n uint64) Value   { return Value{kind: KindUint64, scalar: n} }
func float64Value(f float64) Value { return Value{kind: KindFloat64, scalar: math.Float64bits(f)} }

// Float64Histogram is a distribution of float64 values. Bucket i covers
// [Buckets[i], Buckets[i+1]) and holds Counts[i] values.
type Float64Histogram struct {
	Counts  []uint64
	Buckets []float64
}

// Sample captures a single metric.
type Sample struct {
	Name  string
	Value Value
}

// Source is what metrics are read from. Manager may be nil when the kernel
// is driven without host threads.
type Source struct {
	Kernel  *kernel.Kernel
	Manager *cpu.Manager
}

type metric struct {
	Description
	read func(Source) (Value, bool)
}

// Upper bounds, in seconds, of the thread CPU time histogram.
var cpuTimeBuckets = []float64{0, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1, math.Inf(1)}

var metrics = buildMetrics()

func buildMetrics() map[string]metric {
	m := map[string]metric{
		"/kernel/svc-calls:calls": {
			Description: Description{Description: "Supervisor calls handled.", Kind: KindUint64, Cumulative: true},
			read: func(s Source) (Value, bool) {
				return uint64Value(s.Kernel.SVCCount()), true
			},
		},
		"/kernel/threads/live:threads": {
			Description: Description{Description: "Guest threads that have not finished terminating.", Kind: KindUint64},
			read: func(s Source) (Value, bool) {
				var n uint64
				for _, p := range s.Kernel.Processes() {
					n += uint64(len(p.GetThreadList()))
				}
				return uint64Value(n), true
			},
		},
		"/kernel/threads/cpu-time:seconds": {
			Description: Description{Description: "Distribution of emulated CPU time used by live guest threads.", Kind: KindFloat64Histogram},
			read: func(s Source) (Value, bool) {
				h := &Float64Histogram{
					Counts:  make([]uint64, len(cpuTimeBuckets)-1),
					Buckets: cpuTimeBuckets,
				}
				for _, p := range s.Kernel.Processes() {
					for _, t := range p.GetThreadList() {
						h.add(timing.CyclesToNs(t.CPUTime()).Seconds())
					}
				}
				return Value{kind: KindFloat64Histogram, pointer: h}, true
			},
		},
		"/kernel/fibers/memory:bytes": {
			Description: Description{Description: "Stack memory charged to live fibers.", Kind: KindUint64},
			read: func(s Source) (Value, bool) {
				return uint64Value(s.Kernel.FiberMemoryInUse()), true
			},
		},
		"/timing/emulated:seconds": {
			Description: Description{Description: "Emulated time since the clock started.", Kind: KindFloat64, Cumulative: true},
			read: func(s Source) (Value, bool) {
				return float64Value(s.Kernel.Timing().GetGlobalTimeNs().Seconds()), true
			},
		},
		"/cpu/guest-slices:slices": {
			Description: Description{Description: "Times a host thread entered guest code.", Kind: KindUint64, Cumulative: true},
			read: func(s Source) (Value, bool) {
				if s.Manager == nil {
					return Value{}, false
				}
				return uint64Value(s.Manager.GuestSlices()), true
			},
		},
		"/cpu/idle-passes:passes": {
			Description: Description{Description: "Idle loop passes that found nothing to run.", Kind: KindUint64, Cumulative: true},
			read: func(s Source) (Value, bool) {
				if s.Manager == nil {
					return Value{}, false
				}
				return uint64Value(s.Manager.IdlePasses()), true
			},
		},
		"/cpu/forced-advances:advances": {
			Description: Description{Description: "Clock advances forced by an idle single-core loop.", Kind: KindUint64, Cumulative: true},
			read: func(s Source) (Value, bool) {
				if s.Manager == nil {
					return Value{}, false
				}
				return uint64Value(s.Manager.ForcedAdvances()), true
			},
		},
	}
	for core := int32(0); core < kernel.NumCPUCores; core++ {
		name := fmt.Sprintf("/sched/core%d/context-switches:switches", core)
		m[name] = metric{
			Description: Description{
				Description: fmt.Sprintf("Context switches performed by the scheduler of core %d.", core),
				Kind:        KindUint64,
				Cumulative:  true,
			},
			read: func(s Source) (Value, bool) {
				return uint64Value(s.Kernel.Scheduler(core).ContextSwitches()), true
			},
		}
	}
	for name, mt := range m {
		mt.Name = name
		m[name] = mt
	}
	return m
}

func (h *Float64Histogram) add(v float64) {
	i := sort.SearchFloat64s(h.Buckets, v)
	if i == len(h.Buckets) || h.Buckets[i] > v {
		i--
	}
	if i >= len(h.Counts) {
		i = len(h.Counts) - 1
	}
	if i >= 0 {
		h.Counts[i]++
	}
}

// All returns a slice containing metric descriptions for all supported
// metrics, sorted by name.
func All() []Description {
	all := make([]Description, 0, len(metrics))
	for _, m := range metrics {
		all = append(all, m.Description)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Read populates each Value field in the given slice of metric samples.
// Samples with an unknown name, or whose source is missing, get a value of
// KindBad.
func Read(src Source, m []Sample) {
	for i := range m {
		m[i].Value = Value{}
		desc, ok := metrics[m[i].Name]
		if !ok || src.Kernel == nil {
			continue
		}
		if v, ok := desc.read(src); ok {
			m[i].Value = v
		}
	}
}
