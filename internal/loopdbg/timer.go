package loopdbg

import (
	"container/heap"
	"time"
)

// Timer is a one-shot or repeating timer scheduled on the loop. Repeating
// timers that fall behind are coalesced: a single invocation is delivered to
// catch up and the next deadline is computed from the current time.
type Timer struct {
	period  time.Duration
	repeat  bool
	fn      func(*Timer)
	when    time.Time
	index   int // heap position, -1 when not queued
	removed bool
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
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

// AddTimer schedules fn to run after d, and every d thereafter if repeat is
// set. The callback receives the timer so it can remove itself.
func (l *Loop) AddTimer(d time.Duration, repeat bool, fn func(*Timer)) *Timer {
	t := &Timer{
		period: d,
		repeat: repeat,
		fn:     fn,
		when:   time.Now().Add(d),
		index:  -1,
	}

	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.wake()
	return t
}

// RemoveTimer cancels a timer. Removing from inside the timer's own callback
// is allowed.
func (l *Loop) RemoveTimer(t *Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.removed {
		return
	}
	t.removed = true
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
}

// nextTimeout returns the epoll timeout in milliseconds until the earliest
// timer deadline, or -1 when no timer is queued.
func (l *Loop) nextTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

// fireTimers delivers every due timer once, rescheduling repeating ones.
func (l *Loop) fireTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*Timer)
		if t.repeat && !t.removed {
			t.when = now.Add(t.period)
			heap.Push(&l.timers, t)
		}
		l.mu.Unlock()

		if !t.removed {
			t.fn(t)
		}
	}
}
