package evengine

import (
	"container/heap"
	"sync"
	"time"
)

type queuedTimer struct {
	due   time.Time
	timer *Timer
}

type timerHeap []queuedTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if c := h[i].due.Compare(h[j].due); c != 0 {
		return c < 0
	}
	return h[i].timer.id < h[j].timer.id
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].timer.index = i
	h[j].timer.index = j
}

func (h *timerHeap) Push(x any) {
	v := x.(queuedTimer)
	v.timer.index = len(*h)
	*h = append(*h, v)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = queuedTimer{}
	*h = old[:n-1]
	x.timer.index = -1
	return x
}

// timerQueue computes expiry for backends without native timers. It is safe
// for concurrent use: arm and disarm may be called from any goroutine, and
// Timer.index is guarded by mu.
type timerQueue struct {
	mu sync.Mutex
	h  timerHeap
}

// arm queues t at its current deadline, or moves it if already queued. The
// caller holds the timing lock, so t.deadline and t.id are stable.
func (q *timerQueue) arm(t *Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index >= 0 {
		q.h[t.index].due = t.deadline
		heap.Fix(&q.h, t.index)
		return
	}
	heap.Push(&q.h, queuedTimer{due: t.deadline, timer: t})
}

// disarm drops t, tolerating timers that are not queued.
func (q *timerQueue) disarm(t *Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&q.h, t.index)
	}
}

// expire moves every timer due at now into ready.
func (q *timerQueue) expire(now time.Time, ready *readySet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h) != 0 && !q.h[0].due.After(now) {
		ready.addTimer(heap.Pop(&q.h).(queuedTimer).timer)
	}
}

// next returns the delay until the earliest deadline, and false if nothing
// is queued.
func (q *timerQueue) next(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return 0, false
	}
	return max(q.h[0].due.Sub(now), 0), true
}

func (q *timerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// waitTimeout bounds a caller supplied timeout (negative means block) by the
// earliest queued deadline.
func (q *timerQueue) waitTimeout(now time.Time, timeout time.Duration) time.Duration {
	d, ok := q.next(now)
	if !ok {
		return timeout
	}
	if timeout < 0 || d < timeout {
		return d
	}
	return timeout
}

// pollTimeoutMillis converts a timeout to poll(2) milliseconds: negative
// blocks, and sub-millisecond delays round up so a due timer is not missed
// by a zero timeout spin.
func pollTimeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	if d == 0 {
		return 0
	}
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}
