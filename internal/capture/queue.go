package capture

import (
	"sync"

	"github.com/banshee-data/scg.report/internal/monitoring"
)

// Queue is a bounded buffer between the sampler and the transmitter. When
// full, new samples are dropped and counted.
type Queue struct {
	mu       sync.Mutex
	buf      []RawSample
	capacity int
	dropped  uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity, buf: make([]RawSample, 0, capacity)}
}

// Push appends s unless the queue is full.
func (q *Queue) Push(s RawSample) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.capacity {
		q.dropped++
		if q.dropped == 1 || q.dropped%1000 == 0 {
			monitoring.Logf("sample queue full (capacity %d): %d samples dropped", q.capacity, q.dropped)
		}
		return false
	}
	q.buf = append(q.buf, s)
	return true
}

// Drain returns everything queued and leaves the queue empty. The swap
// happens under the lock, so a concurrent Push lands either in the returned
// batch or in the next one.
func (q *Queue) Drain() []RawSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = make([]RawSample, 0, q.capacity)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
