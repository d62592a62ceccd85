package timeutil

import (
	"container/heap"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

// Timer is a single-shot timer registered in a [Scheduler].
type Timer struct {
	deadline time.Time
	fn       func()
	index    int
	stopped  bool
}

// Deadline returns the instant when the timer expires.
func (t *Timer) Deadline() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.deadline
}

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool { return t != nil && !t.stopped && t.index >= 0 }

// Scheduler keeps loop timers ordered by deadline.
// It is not safe for concurrent use; it belongs to the loop goroutine.
type Scheduler struct {
	timers timerHeap
}

// Schedule registers fn to run at the first [Scheduler.Fire] call with now >= at.
func (s *Scheduler) Schedule(at time.Time, fn func()) *Timer {
	t := &Timer{deadline: at, fn: fn}
	heap.Push(&s.timers, t)
	return t
}

// Stop cancels the timer. It returns false if the timer already fired or was stopped.
func (s *Scheduler) Stop(t *Timer) bool {
	if !t.Active() {
		return false
	}
	heap.Remove(&s.timers, t.index)
	t.stopped = true
	return true
}

// Fire runs all timers whose deadline is not after now, in deadline order.
// Timers scheduled by callbacks with a deadline <= now run in the same call.
// It returns the number of fired timers.
func (s *Scheduler) Fire(now time.Time) int {
	n := 0
	for len(s.timers) > 0 {
		t := s.timers[0]
		if t.deadline.After(now) {
			break
		}
		heap.Pop(&s.timers)
		n++
		if !t.stopped && t.fn != nil {
			t.fn()
		}
	}
	return n
}

// Next returns the earliest pending deadline.
func (s *Scheduler) Next() (time.Time, bool) {
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].deadline, true
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int { return len(s.timers) }

// Reset drops all pending timers without running them.
func (s *Scheduler) Reset() {
	for _, t := range s.timers {
		t.stopped = true
		t.index = -1
	}
	s.timers = nil
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer) //nolint:forcetypeassert
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
