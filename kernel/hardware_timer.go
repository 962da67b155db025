package kernel

import (
	"fmt"
	"time"

	"github.com/hzcore/hzsched/timing"
)

// HardwareTimer wakes threads whose wait timed out. Every armed timeout is
// an event on the shared clock; its user data is a task id that maps back
// to the thread.
//
// The task table is guarded by the scheduler lock.
type HardwareTimer struct {
	k      *Kernel
	event  *timing.EventType
	nextID uint64
	tasks  map[uint64]*Thread
}

func newHardwareTimer(k *Kernel) (*HardwareTimer, error) {
	h := &HardwareTimer{k: k, tasks: make(map[uint64]*Thread)}
	var err error
	h.event, err = k.timing.RegisterEvent("kernel.hardware_timer", h.onTimeout)
	if err != nil {
		return nil, fmt.Errorf("kernel: registering hardware timer: %w", err)
	}
	return h, nil
}

// RegisterTask arms a timeout for t, replacing any armed before. The
// scheduler lock must be held.
func (h *HardwareTimer) RegisterTask(t *Thread, timeout time.Duration) {
	h.k.gsc.assertLocked()
	h.cancelLocked(t)

	h.nextID++
	id := h.nextID
	h.tasks[id] = t
	t.timerTask = id
	h.k.timing.ScheduleEvent(timing.NsToCycles(timeout), h.event, id)
}

// CancelTask disarms t's timeout, if any. The scheduler lock must be held.
func (h *HardwareTimer) CancelTask(t *Thread) {
	h.k.gsc.assertLocked()
	h.cancelLocked(t)
}

func (h *HardwareTimer) cancelLocked(t *Thread) {
	if t.timerTask == 0 {
		return
	}
	id := t.timerTask
	t.timerTask = 0
	delete(h.tasks, id)
	h.k.timing.UnscheduleEvent(h.event, id)
}

// Pending returns the number of armed timeouts.
func (h *HardwareTimer) Pending(cur *Thread) int {
	h.k.LockScheduler(cur)
	defer h.k.UnlockScheduler(cur)
	return len(h.tasks)
}

func (h *HardwareTimer) onTimeout(id uint64, _ int64) {
	k := h.k
	if k.IsShuttingDown() {
		return
	}
	k.LockScheduler(k.timerThread)
	defer k.UnlockScheduler(k.timerThread)

	t, ok := h.tasks[id]
	if !ok {
		// Cancelled after the event was already dispatched.
		return
	}
	delete(h.tasks, id)
	t.timerTask = 0
	t.OnTimer()
}

// Remove the timer event from the clock.
func (h *HardwareTimer) finalize() {
	h.k.timing.RemoveEvent(h.event)
}
