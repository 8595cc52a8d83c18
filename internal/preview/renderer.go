package preview

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/scg.report/internal/timeutil"
)

// minPeak keeps a near-flat trace from being stretched to full height.
const minPeak = 10.0

// Source supplies the latest raw reading; capture.Sampler implements it.
type Source interface {
	LatestAz() float64
}

// Sink receives every redrawn frame.
type Sink interface {
	Draw(Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame)

func (f SinkFunc) Draw(fr Frame) { f(fr) }

// Pixel is a point in canvas coordinates, y growing downwards.
type Pixel struct {
	X, Y float64
}

// Frame is one redraw of the preview.
type Frame struct {
	Values []float64
	// Peak is the largest magnitude, floored at 10
	Peak  float64
	Scale float64
	// Points is empty until at least two values are buffered.
	Points []Pixel
}

// Scale maps amplitudes onto a half-height canvas leaving 20% headroom.
func Scale(values []float64, halfHeight float64) float64 {
	return halfHeight / (Peak(values) * 1.2)
}

// Peak is max(|v|) over values, never less than 10.
func Peak(values []float64) float64 {
	if len(values) == 0 {
		return minPeak
	}
	return math.Max(minPeak, math.Max(floats.Max(values), -floats.Min(values)))
}

// Layout converts values to canvas points across width, centred on the
// horizontal midline.
func Layout(values []float64, width, height float64) Frame {
	half := height / 2
	fr := Frame{Values: values, Peak: Peak(values), Scale: Scale(values, half)}
	if len(values) < 2 {
		return fr
	}
	fr.Points = make([]Pixel, len(values))
	last := float64(len(values) - 1)
	for i, v := range values {
		fr.Points[i] = Pixel{X: float64(i) / last * width, Y: half - v*fr.Scale}
	}
	return fr
}

// Config configures a Renderer.
type Config struct {
	Source Source
	Sink   Sink
	// Interval between redraws (50ms in production)
	Interval time.Duration
	Points   int
	Width    float64
	Height   float64
	Clock    timeutil.Clock
}

// Renderer samples the source on every tick and redraws.
type Renderer struct {
	cfg  Config
	ring *Ring
}

func NewRenderer(cfg Config) *Renderer {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.Width <= 0 {
		cfg.Width = 200
	}
	if cfg.Height <= 0 {
		cfg.Height = 200
	}
	return &Renderer{cfg: cfg, ring: NewRing(cfg.Points)}
}

// Ring exposes the buffered values.
func (r *Renderer) Ring() *Ring { return r.ring }

// Tick pushes the latest reading and draws one frame.
func (r *Renderer) Tick() Frame {
	r.ring.Push(r.cfg.Source.LatestAz())
	fr := Layout(r.ring.Values(), r.cfg.Width, r.cfg.Height)
	if r.cfg.Sink != nil {
		r.cfg.Sink.Draw(fr)
	}
	return fr
}

// Run redraws until ctx is cancelled.
func (r *Renderer) Run(ctx context.Context) error {
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			r.Tick()
		}
	}
}
