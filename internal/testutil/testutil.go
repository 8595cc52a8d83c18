// Package testutil holds fixtures shared by the package tests: synthetic
// waveforms, capture batches and HTTP assertions.
package testutil

import (
	"math"
	"testing"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// SineSeries returns n grid points spaced intervalMs apart, starting at
// t=0, tracing a 1 Hz sine of amplitude 5.
func SineSeries(n int, intervalMs float64) waveform.Series {
	var s waveform.Series
	for i := 0; i < n; i++ {
		t := float64(i) * intervalMs
		s.Add(t, 5*math.Sin(2*math.Pi*t/1000))
	}
	return s
}

// RawSamples returns n device samples spaced intervalMs apart with gravity
// on az plus the same sine as SineSeries.
func RawSamples(n int, intervalMs float64) []capture.RawSample {
	out := make([]capture.RawSample, n)
	for i := range out {
		t := float64(i) * intervalMs
		out[i] = capture.RawSample{T: t, Ax: 0.1, Ay: -0.2, Az: 9.81 + 5*math.Sin(2*math.Pi*t/1000)}
	}
	return out
}

// Batches splits samples into consecutive batches of at most size samples.
func Batches(samples []capture.RawSample, size int) [][]capture.RawSample {
	if size <= 0 {
		size = len(samples)
	}
	var out [][]capture.RawSample
	for len(samples) > 0 {
		n := min(size, len(samples))
		out = append(out, samples[:n])
		samples = samples[n:]
	}
	return out
}
