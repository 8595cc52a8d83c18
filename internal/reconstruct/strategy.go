// Package reconstruct turns irregularly spaced az samples into a waveform on
// a uniform time grid. Grid points are absolute multiples of the interval
// (t = k*interval), so increments from successive batches line up.
package reconstruct

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/scg.report/internal/config"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// Sample is one capture-time reading of the vertical axis.
type Sample struct {
	T  float64 `json:"t"`
	Az float64 `json:"az"`
}

// Strategy consumes batches in arrival order and returns the newly
// reconstructed part of the waveform. Successive increments returned by a
// Strategy, concatenated, have strictly increasing t (except for
// SlidingSpline with SeamReproduce).
type Strategy interface {
	Push(batch []Sample) waveform.Series
	Reset()
}

// New builds the strategy named by cfg.
func New(cfg *config.Config) (Strategy, error) {
	interval := cfg.GetInterpolationIntervalMs()
	switch cfg.GetReconstruction() {
	case config.ReconstructionLinear:
		return NewLinear(interval), nil
	case config.ReconstructionSpline:
		return NewSlidingSpline(interval, SeamPolicy(cfg.GetSeamPolicy())), nil
	default:
		return nil, fmt.Errorf("unknown reconstruction strategy %q", cfg.GetReconstruction())
	}
}

// firstGridIndex returns the smallest k with k*interval >= t.
func firstGridIndex(t, interval float64) int64 {
	return int64(math.Ceil(t / interval))
}

// sortedDistinct returns samples ordered by t with equal timestamps
// collapsed to the first occurrence in arrival order.
func sortedDistinct(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].T < out[j].T })
	n := 0
	for i, s := range out {
		if i > 0 && s.T <= out[n-1].T {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}
