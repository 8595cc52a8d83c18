// Package preview draws the capture-side live trace: a rolling window of the
// most recent raw vertical readings, independent of reconstruction.
package preview

import "sync"

// Ring keeps the last Cap values pushed into it.
type Ring struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 200
	}
	return &Ring{buf: make([]float64, capacity)}
}

func (r *Ring) Push(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *Ring) Cap() int { return len(r.buf) }

// Values copies the contents oldest first.
func (r *Ring) Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]float64(nil), r.buf[:r.next]...)
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
