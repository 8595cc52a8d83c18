// Package capture turns device motion events into timestamped samples and
// ships them to the stream channel in periodic batches.
package capture

import (
	"sync"

	"github.com/banshee-data/scg.report/internal/reconstruct"
)

// RawSample is one accelerometer reading as sent on the wire. T is in
// milliseconds on the device clock, accelerations in m/s².
type RawSample struct {
	T  float64 `json:"t"`
	Ax float64 `json:"ax"`
	Ay float64 `json:"ay"`
	Az float64 `json:"az"`
}

// Vertical drops the x/y axes.
func (s RawSample) Vertical() reconstruct.Sample {
	return reconstruct.Sample{T: s.T, Az: s.Az}
}

// Vertical converts a batch for reconstruction.
func Vertical(samples []RawSample) []reconstruct.Sample {
	out := make([]reconstruct.Sample, len(samples))
	for i, s := range samples {
		out[i] = s.Vertical()
	}
	return out
}

// MotionEvent is what a capture source reports. Axes the device did not
// report are left at zero.
type MotionEvent struct {
	T          float64
	Ax, Ay, Az float64
}

// Gate reports whether samples should currently be collected. The stream
// channel is the gate: nothing is recorded unless it is open.
type Gate interface {
	IsOpen() bool
}

// Sampler records motion events as samples. Devices with a coarse clock
// report runs of identical timestamps; the sampler spreads each run over
// the nominal sample interval so that repeated readings are not collapsed
// downstream.
type Sampler struct {
	mu       sync.Mutex
	gate     Gate
	queue    *Queue
	interval float64

	lastRaw  float64
	hasLast  bool
	dupCount int
	latestAz float64
	recorded uint64
}

// NewSampler creates a sampler feeding queue. intervalMs is the assumed
// nominal spacing between device readings.
func NewSampler(gate Gate, queue *Queue, intervalMs float64) *Sampler {
	return &Sampler{gate: gate, queue: queue, interval: intervalMs}
}

// Record converts ev to a sample and queues it. It returns false when the
// gate is closed or the queue is full.
func (s *Sampler) Record(ev MotionEvent) (RawSample, bool) {
	if s.gate != nil && !s.gate.IsOpen() {
		return RawSample{}, false
	}

	s.mu.Lock()
	ts := ev.T
	if s.hasLast && ts == s.lastRaw {
		s.dupCount++
		ts += s.interval / float64(s.dupCount+1)
	} else {
		s.lastRaw, s.hasLast = ts, true
		s.dupCount = 0
	}
	s.latestAz = ev.Az
	s.recorded++
	s.mu.Unlock()

	sample := RawSample{T: ts, Ax: ev.Ax, Ay: ev.Ay, Az: ev.Az}
	if !s.queue.Push(sample) {
		return sample, false
	}
	return sample, true
}

// LatestAz is the most recent vertical reading, for the live preview.
func (s *Sampler) LatestAz() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestAz
}

// Recorded counts events accepted through the gate.
func (s *Sampler) Recorded() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorded
}
