// Package waveform holds the uniform-rate az series produced by
// reconstruction and shared by the live chart, the navigator and exports.
package waveform

// Series is a pair of parallel slices. T is in milliseconds and strictly
// increasing; Az is in m/s².
type Series struct {
	T  []float64 `json:"t"`
	Az []float64 `json:"az"`
}

// Point is one entry of a Series, in wire form.
type Point struct {
	T  float64 `json:"t"`
	Az float64 `json:"az"`
}

func (s Series) Len() int { return len(s.T) }

// Add appends one point.
func (s *Series) Add(t, az float64) {
	s.T = append(s.T, t)
	s.Az = append(s.Az, az)
}

// Points converts s to its wire form.
func (s Series) Points() []Point {
	out := make([]Point, len(s.T))
	for i := range s.T {
		out[i] = Point{T: s.T[i], Az: s.Az[i]}
	}
	return out
}

// FromPoints builds a Series from wire points, preserving order.
func FromPoints(pts []Point) Series {
	s := Series{T: make([]float64, 0, len(pts)), Az: make([]float64, 0, len(pts))}
	for _, p := range pts {
		s.Add(p.T, p.Az)
	}
	return s
}

// After returns the points of s with t strictly greater than t0 that keep
// the result strictly increasing. Server-computed increments pass through
// this before being appended so that overlap with already stored data is
// discarded.
func (s Series) After(t0 float64) Series {
	var out Series
	last := t0
	for i := range s.T {
		if s.T[i] > last {
			out.Add(s.T[i], s.Az[i])
			last = s.T[i]
		}
	}
	return out
}

// Increasing reports whether T is strictly increasing.
func (s Series) Increasing() bool {
	for i := 1; i < len(s.T); i++ {
		if s.T[i] <= s.T[i-1] {
			return false
		}
	}
	return true
}

// Downsample returns every stride-th point of s, stride = floor(N/target).
// The result is an exact subselection; when N <= target s is returned
// unchanged.
func Downsample(s Series, target int) Series {
	n := s.Len()
	if target <= 0 || n <= target {
		return s
	}
	stride := n / target
	out := Series{
		T:  make([]float64, 0, n/stride+1),
		Az: make([]float64, 0, n/stride+1),
	}
	for i := 0; i < n; i += stride {
		out.Add(s.T[i], s.Az[i])
	}
	return out
}
