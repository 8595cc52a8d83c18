package reconstruct

import "github.com/banshee-data/scg.report/internal/waveform"

// Linear interpolates piecewise between consecutive accepted samples. The
// last accepted sample carries over into the next batch so the seam between
// batches is interpolated too.
type Linear struct {
	interval float64
	last     Sample
	hasLast  bool
}

func NewLinear(intervalMs float64) *Linear {
	return &Linear{interval: intervalMs}
}

// Push emits grid points t in [prev.t, curr.t) for every pair of
// consecutive accepted samples. A sample that does not advance time is
// skipped and contributes nothing.
func (l *Linear) Push(batch []Sample) waveform.Series {
	var out waveform.Series
	for _, curr := range batch {
		if !l.hasLast {
			l.last, l.hasLast = curr, true
			continue
		}
		prev := l.last
		if curr.T <= prev.T {
			continue
		}
		span := curr.T - prev.T
		for k := firstGridIndex(prev.T, l.interval); ; k++ {
			t := float64(k) * l.interval
			if t >= curr.T {
				break
			}
			out.Add(t, prev.Az+(t-prev.T)/span*(curr.Az-prev.Az))
		}
		l.last = curr
	}
	return out
}

// Reset forgets the carried sample.
func (l *Linear) Reset() {
	l.last, l.hasLast = Sample{}, false
}
