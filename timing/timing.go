// Package timing keeps the emulated clock shared by all cores and runs
// callbacks scheduled against it.
//
// Guest execution reports consumed cycles with AddTicks. Advance folds them
// into the global timer and runs every event whose deadline has passed. In
// single-core mode the core driver calls Advance itself between slices; in
// multicore mode a host goroutine started with Run advances the clock in step
// with wall time.
package timing

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hzcore/hzsched/internal/logging"
)

const (
	// MaxSliceLength is the longest run of cycles between two calls to
	// Advance.
	MaxSliceLength = 10000

	// BaseClockRate is the frequency of the emulated CPU clock, in Hz.
	BaseClockRate = 1019215872
)

// ErrEventRegistered is returned when an event type name is registered twice.
var ErrEventRegistered = errors.New("timing: event type already registered")

// A TimedCallback runs when a scheduled event fires. cyclesLate is how many
// cycles past its deadline the event was dispatched.
type TimedCallback func(userData uint64, cyclesLate int64)

// EventType is a named, registered callback.
type EventType struct {
	Name     string
	callback TimedCallback
}

type event struct {
	time     int64
	fifo     uint64
	userData uint64
	typ      *EventType
}

// Sorted by time, ties broken by insertion order.
type eventQueue []event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].time != q[j].time {
		return q[i].time < q[j].time
	}
	return q[i].fifo < q[j].fifo
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(event)) }
func (q *eventQueue) Pop() any {
	old := *q
	e := old[len(old)-1]
	*q = old[:len(old)-1]
	return e
}

// CoreTiming is the emulated clock.
type CoreTiming struct {
	log *slog.Logger

	// Serializes Advance, so that callbacks never run concurrently.
	advancing sync.Mutex

	mu          sync.Mutex
	eventTypes  map[string]*EventType
	events      eventQueue
	fifo        uint64
	globalTimer int64
	timerSane   bool
	sliceLength int64

	accumulated atomic.Int64
	downcount   atomic.Int64
	idled       atomic.Int64
}

// New returns a clock at tick zero with no registered events.
func New(log *slog.Logger) *CoreTiming {
	if log == nil {
		log = logging.Discard()
	}
	c := &CoreTiming{
		log:         log,
		eventTypes:  make(map[string]*EventType),
		timerSane:   true,
		sliceLength: MaxSliceLength,
	}
	c.downcount.Store(MaxSliceLength)
	return c
}

// RegisterEvent creates an event type. Names must be unique.
func (c *CoreTiming) RegisterEvent(name string, callback TimedCallback) (*EventType, error) {
	if callback == nil {
		return nil, fmt.Errorf("timing: nil callback for event %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.eventTypes[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrEventRegistered, name)
	}
	typ := &EventType{Name: name, callback: callback}
	c.eventTypes[name] = typ
	return typ, nil
}

// ScheduleEvent schedules typ to fire cyclesIntoFuture cycles from now.
func (c *CoreTiming) ScheduleEvent(cyclesIntoFuture int64, typ *EventType, userData uint64) {
	if typ == nil {
		panic("timing: schedule of a nil event type")
	}
	c.mu.Lock()
	now := int64(c.getTicksLocked())
	timeout := now + cyclesIntoFuture
	if cyclesIntoFuture > math.MaxInt64-now {
		timeout = math.MaxInt64
	}
	if !c.timerSane {
		c.forceExceptionCheck(cyclesIntoFuture)
	}
	heap.Push(&c.events, event{time: timeout, fifo: c.fifo, userData: userData, typ: typ})
	c.fifo++
	c.mu.Unlock()
}

// UnscheduleEvent removes every pending event of type typ carrying userData.
// It reports whether anything was removed.
func (c *CoreTiming) UnscheduleEvent(typ *EventType, userData uint64) bool {
	return c.removeIf(func(e *event) bool {
		return e.typ == typ && e.userData == userData
	})
}

// RemoveEvent removes every pending event of type typ.
func (c *CoreTiming) RemoveEvent(typ *EventType) {
	c.removeIf(func(e *event) bool {
		return e.typ == typ
	})
}

func (c *CoreTiming) removeIf(match func(*event) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.events[:0]
	for i := range c.events {
		if !match(&c.events[i]) {
			kept = append(kept, c.events[i])
		}
	}
	removed := len(kept) != len(c.events)
	c.events = kept
	if removed {
		heap.Init(&c.events)
	}
	return removed
}

// HasPendingEvents reports whether any event is still queued.
func (c *CoreTiming) HasPendingEvents() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events) != 0
}

// GetCPUTicks returns the current emulated time in cycles. Between two calls
// to Advance it includes the cycles accumulated so far.
func (c *CoreTiming) GetCPUTicks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getTicksLocked()
}

func (c *CoreTiming) getTicksLocked() uint64 {
	ticks := uint64(c.globalTimer)
	if !c.timerSane {
		ticks += uint64(c.accumulated.Load())
	}
	return ticks
}

// GetIdleTicks returns the total number of cycles skipped by Idle.
func (c *CoreTiming) GetIdleTicks() uint64 {
	return uint64(c.idled.Load())
}

// GetDowncount returns the number of cycles left in the current slice.
func (c *CoreTiming) GetDowncount() int64 {
	return c.downcount.Load()
}

// AddTicks records that the running core consumed ticks cycles.
func (c *CoreTiming) AddTicks(ticks uint64) {
	c.accumulated.Add(int64(ticks))
	c.downcount.Add(-int64(ticks))
}

// Idle skips the rest of the current slice.
func (c *CoreTiming) Idle() {
	left := c.downcount.Swap(0)
	if left < 0 {
		left = 0
	}
	c.accumulated.Add(left)
	c.idled.Add(left)
}

// ResetTicks starts a fresh slice for the next core.
func (c *CoreTiming) ResetTicks() {
	c.downcount.Store(MaxSliceLength)
}

// Advance moves the global timer forward by the accumulated cycles and runs
// every event that is now due. Callbacks run without the clock's lock held,
// so they may schedule or unschedule events.
func (c *CoreTiming) Advance() {
	c.advancing.Lock()
	defer c.advancing.Unlock()
	c.mu.Lock()
	executed := c.accumulated.Swap(0)
	c.globalTimer += executed
	c.timerSane = true

	for len(c.events) != 0 && c.events[0].time <= c.globalTimer {
		evt := heap.Pop(&c.events).(event)
		late := c.globalTimer - evt.time
		c.mu.Unlock()
		evt.typ.callback(evt.userData, late)
		c.mu.Lock()
	}

	c.timerSane = false

	next := c.sliceLength
	if len(c.events) != 0 {
		next = min(c.events[0].time-c.globalTimer, c.sliceLength)
	}
	c.downcount.Store(next)
	c.mu.Unlock()
}

// Shorten the current slice so that an event scheduled mid-slice is not
// dispatched late.
func (c *CoreTiming) forceExceptionCheck(cycles int64) {
	cycles = max(cycles, 0)
	if c.downcount.Load() > cycles {
		c.downcount.Store(cycles)
	}
}

// Shutdown drops all pending events and registered event types.
func (c *CoreTiming) Shutdown() {
	c.mu.Lock()
	c.events = nil
	clear(c.eventTypes)
	c.mu.Unlock()
}

// GetGlobalTimeNs returns the emulated time in nanoseconds.
func (c *CoreTiming) GetGlobalTimeNs() time.Duration {
	return CyclesToNs(int64(c.GetCPUTicks()))
}

// Run advances the clock in step with wall time until ctx is done. It is used
// in multicore mode, where no core driver calls Advance.
func (c *CoreTiming) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	c.log.Debug("timing host started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.log.Debug("timing host stopped")
			return
		case now := <-ticker.C:
			c.AddTicks(uint64(NsToCycles(now.Sub(last))))
			last = now
			c.Advance()
		}
	}
}

// NsToCycles converts a duration to emulated CPU cycles. Durations too long
// to represent saturate to math.MaxInt64.
func NsToCycles(d time.Duration) int64 {
	hi, lo := int64(d)/int64(time.Second), int64(d)%int64(time.Second)
	if hi >= math.MaxInt64/BaseClockRate {
		return math.MaxInt64
	}
	return hi*BaseClockRate + lo*BaseClockRate/int64(time.Second)
}

// CyclesToNs converts emulated CPU cycles to a duration, saturating like
// NsToCycles.
func CyclesToNs(cycles int64) time.Duration {
	hi, lo := cycles/BaseClockRate, cycles%BaseClockRate
	if hi >= math.MaxInt64/int64(time.Second) {
		return math.MaxInt64
	}
	return time.Duration(hi*int64(time.Second) + lo*int64(time.Second)/BaseClockRate)
}
