package reconstruct

import (
	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// SeamPolicy controls grid points that a sliding fit evaluates a second
// time after the buffer is truncated to its last two samples.
type SeamPolicy string

const (
	// SeamDedup drops grid points at or before the last emitted t.
	SeamDedup SeamPolicy = "dedup"
	// SeamReproduce emits them again; consumers must filter.
	SeamReproduce SeamPolicy = "reproduce"
)

// SlidingSpline fits a natural cubic spline over a small sliding buffer of
// raw samples and evaluates it on the grid between the buffer's first and
// last timestamps. After each fit the buffer keeps only its last two
// samples so the next fit overlaps the previous one.
type SlidingSpline struct {
	interval    float64
	seam        SeamPolicy
	buf         []Sample
	lastEmitted float64
	emitted     bool
}

func NewSlidingSpline(intervalMs float64, seam SeamPolicy) *SlidingSpline {
	if seam == "" {
		seam = SeamDedup
	}
	return &SlidingSpline{interval: intervalMs, seam: seam}
}

func (s *SlidingSpline) Push(batch []Sample) waveform.Series {
	s.buf = sortedDistinct(append(s.buf, batch...))
	if len(s.buf) <= 2 {
		return waveform.Series{}
	}

	xs := make([]float64, len(s.buf))
	ys := make([]float64, len(s.buf))
	for i, p := range s.buf {
		xs[i], ys[i] = p.T, p.Az
	}
	var spline interp.NaturalCubic
	if err := spline.Fit(xs, ys); err != nil {
		monitoring.Logf("spline fit over %d samples failed: %v", len(xs), err)
		return waveform.Series{}
	}

	var out waveform.Series
	last := xs[len(xs)-1]
	for k := firstGridIndex(xs[0], s.interval); ; k++ {
		t := float64(k) * s.interval
		if t > last {
			break
		}
		if s.seam == SeamDedup && s.emitted && t <= s.lastEmitted {
			continue
		}
		out.Add(t, spline.Predict(t))
	}
	if n := out.Len(); n > 0 && (!s.emitted || out.T[n-1] > s.lastEmitted) {
		s.lastEmitted, s.emitted = out.T[n-1], true
	}

	s.buf = append([]Sample(nil), s.buf[len(s.buf)-2:]...)
	return out
}

// Reset clears the buffer and seam tracking.
func (s *SlidingSpline) Reset() {
	s.buf = nil
	s.lastEmitted, s.emitted = 0, false
}
