package capture

import (
	"context"
	"math"
	"time"

	"github.com/banshee-data/scg.report/internal/timeutil"
)

// Source produces motion events until ctx is cancelled or the device goes
// away.
type Source interface {
	Run(ctx context.Context, emit func(MotionEvent)) error
}

// SyntheticConfig configures a SyntheticSource.
type SyntheticConfig struct {
	RateHz       float64 // nominal event rate, 100 if zero
	HeartRateBPM float64 // 72 if zero
	// ClockResolutionMs quantises reported timestamps the way coarse
	// device clocks do. Values above 1000/RateHz produce duplicate
	// timestamps.
	ClockResolutionMs float64
	Noise             float64
	Clock             timeutil.Clock
}

// SyntheticSource emits a seismocardiogram-like vertical acceleration on top
// of gravity. Used for development and tests without a device.
type SyntheticSource struct {
	cfg   SyntheticConfig
	phase float64
	n     int
}

func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.RateHz <= 0 {
		cfg.RateHz = 100
	}
	if cfg.HeartRateBPM <= 0 {
		cfg.HeartRateBPM = 72
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &SyntheticSource{cfg: cfg}
}

// Next advances one sample period and returns the event for it. t0 is the
// unquantised time in milliseconds.
func (s *SyntheticSource) Next(t0 float64) MotionEvent {
	s.phase += s.cfg.HeartRateBPM / 60.0 / s.cfg.RateHz
	if s.phase >= 1 {
		s.phase--
	}
	s.n++

	ts := t0
	if r := s.cfg.ClockResolutionMs; r > 0 {
		ts = math.Floor(t0/r) * r
	}
	noise := s.cfg.Noise * (2*fract(math.Sin(12.9898*float64(s.n))*43758.5453) - 1)
	return MotionEvent{
		T:  ts,
		Ax: 0.02 * math.Sin(2*math.Pi*s.phase),
		Ay: 0.02 * math.Cos(2*math.Pi*s.phase),
		Az: 9.81 + scgShape(s.phase) + noise,
	}
}

// Run emits events at the configured rate until ctx is done.
func (s *SyntheticSource) Run(ctx context.Context, emit func(MotionEvent)) error {
	period := time.Duration(float64(time.Second) / s.cfg.RateHz)
	start := s.cfg.Clock.Now()
	ticker := s.cfg.Clock.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			emit(s.Next(float64(now.Sub(start)) / float64(time.Millisecond)))
		}
	}
}

// scgShape is one cardiac cycle of vertical chest vibration: the
// atrial kick, the aortic opening/closing complex and the closure of the
// aortic valve.
func scgShape(phase float64) float64 {
	return 0.05*gauss(phase, 0.10, 0.02) +
		-0.15*gauss(phase, 0.28, 0.010) +
		0.40*gauss(phase, 0.31, 0.008) +
		-0.20*gauss(phase, 0.34, 0.010) +
		0.12*gauss(phase, 0.62, 0.015)
}

func gauss(x, mu, sigma float64) float64 {
	z := (x - mu) / sigma
	return math.Exp(-0.5 * z * z)
}

func fract(x float64) float64 { return x - math.Floor(x) }
