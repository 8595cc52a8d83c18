package waveform

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotMonotonic is returned when an increment would break the strictly
// increasing time axis of the store.
var ErrNotMonotonic = errors.New("waveform: increment is not strictly increasing")

// Store is the append-only waveform shared between the reassembler (single
// writer) and any number of readers.
type Store struct {
	mu      sync.RWMutex
	t       []float64
	az      []float64
	version uint64
}

func NewStore() *Store {
	return &Store{}
}

// Append adds an increment. The increment must be strictly increasing and
// start after the current tail; otherwise nothing is appended.
func (s *Store) Append(inc Series) error {
	if len(inc.T) != len(inc.Az) {
		return fmt.Errorf("waveform: mismatched increment lengths %d/%d", len(inc.T), len(inc.Az))
	}
	if len(inc.T) == 0 {
		return nil
	}
	if !inc.Increasing() {
		return ErrNotMonotonic
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.t); n > 0 && inc.T[0] <= s.t[n-1] {
		return fmt.Errorf("%w: %.3f after tail %.3f", ErrNotMonotonic, inc.T[0], s.t[n-1])
	}
	s.t = append(s.t, inc.T...)
	s.az = append(s.az, inc.Az...)
	s.version++
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.t)
}

// Version increases on every successful non-empty Append.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Last returns the newest point, or ok=false when empty.
func (s *Store) Last() (t, az float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.t)
	if n == 0 {
		return 0, 0, false
	}
	return s.t[n-1], s.az[n-1], true
}

// Slice copies size points starting at start, clamped to the stored range.
func (s *Store) Slice(start, size int) Series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.t)
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := start + size
	if size < 0 || end > n {
		end = n
	}
	out := Series{
		T:  make([]float64, end-start),
		Az: make([]float64, end-start),
	}
	copy(out.T, s.t[start:end])
	copy(out.Az, s.az[start:end])
	return out
}

// Snapshot copies the whole series.
func (s *Store) Snapshot() Series {
	return s.Slice(0, -1)
}
