package reconstruct

import (
	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// Replay reconstructs a complete recorded history in one pass: a single
// natural cubic spline over every distinct sample, evaluated on the grid
// from the first to the last timestamp inclusive. Fewer than two distinct
// timestamps yield an empty series.
func Replay(samples []Sample, intervalMs float64) waveform.Series {
	pts := sortedDistinct(samples)
	if len(pts) < 2 {
		return waveform.Series{}
	}

	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.T, p.Az
	}

	predict := func(t float64) float64 {
		// a natural cubic through two points is the chord
		return ys[0] + (t-xs[0])/(xs[1]-xs[0])*(ys[1]-ys[0])
	}
	if len(pts) > 2 {
		var spline interp.NaturalCubic
		if err := spline.Fit(xs, ys); err != nil {
			monitoring.Logf("replay fit over %d samples failed: %v", len(xs), err)
			return waveform.Series{}
		}
		predict = spline.Predict
	}

	var out waveform.Series
	last := xs[len(xs)-1]
	for k := firstGridIndex(xs[0], intervalMs); ; k++ {
		t := float64(k) * intervalMs
		if t > last {
			break
		}
		out.Add(t, predict(t))
	}
	return out
}
