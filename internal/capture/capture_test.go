package capture

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
	monitoring.SetNoticer(nil)
}

type fakeGate struct{ open atomic.Bool }

func (g *fakeGate) IsOpen() bool { return g.open.Load() }

func openGate() *fakeGate {
	g := &fakeGate{}
	g.open.Store(true)
	return g
}

type recordingSender struct {
	mu      sync.Mutex
	batches [][]RawSample
	err     error
}

func (s *recordingSender) SendBatch(samples []RawSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, samples)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestSamplerSpreadsDuplicateTimestamps(t *testing.T) {
	q := NewQueue(16)
	s := NewSampler(openGate(), q, 10)

	const T = 1000.0
	for i := 0; i < 3; i++ {
		_, ok := s.Record(MotionEvent{T: T, Az: float64(i)})
		require.True(t, ok)
	}
	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, T, got[0].T)
	assert.Equal(t, T+10.0/2, got[1].T)
	assert.InDelta(t, T+10.0/3, got[2].T, 1e-12)
	for _, smp := range got {
		assert.GreaterOrEqual(t, smp.T, T)
		assert.Less(t, smp.T, T+10)
	}

	// a new timestamp resets the run
	smp, _ := s.Record(MotionEvent{T: 1016})
	assert.Equal(t, 1016.0, smp.T)
	smp, _ = s.Record(MotionEvent{T: 1016})
	assert.Equal(t, 1021.0, smp.T)
}

func TestSamplerGatedOnChannel(t *testing.T) {
	g := &fakeGate{}
	q := NewQueue(16)
	s := NewSampler(g, q, 10)

	_, ok := s.Record(MotionEvent{T: 1, Az: 9.8})
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(0), s.Recorded())

	g.open.Store(true)
	_, ok = s.Record(MotionEvent{T: 2, Az: 9.7})
	assert.True(t, ok)
	assert.Equal(t, 9.7, s.LatestAz())
	assert.Equal(t, uint64(1), s.Recorded())
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(2)
	assert.True(t, q.Push(RawSample{T: 1}))
	assert.True(t, q.Push(RawSample{T: 2}))
	assert.False(t, q.Push(RawSample{T: 3}))
	assert.Equal(t, uint64(1), q.Dropped())

	got := q.Drain()
	assert.Equal(t, []RawSample{{T: 1}, {T: 2}}, got)
	assert.Nil(t, q.Drain())
	assert.True(t, q.Push(RawSample{T: 4}))
}

func TestQueueDrainLosesNothingUnderConcurrency(t *testing.T) {
	q := NewQueue(1 << 20)
	const total = 20000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.Push(RawSample{T: float64(i)})
		}
	}()

	seen := make(map[float64]bool, total)
	drain := func() {
		for _, s := range q.Drain() {
			require.False(t, seen[s.T], "sample %v drained twice", s.T)
			seen[s.T] = true
		}
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		select {
		case <-done:
			drain()
			assert.Len(t, seen, total)
			return
		default:
			drain()
		}
	}
}

func TestTransmitterFlushesOnTick(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	q := NewQueue(64)
	sender := &recordingSender{}
	tx := NewTransmitter(TransmitterConfig{Queue: q, Sender: sender, Interval: time.Second, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tx.Run(ctx) }()
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	q.Push(RawSample{T: 1, Az: 9.8})
	q.Push(RawSample{T: 2, Az: 9.9})
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, sender.batches[0], 2)
	assert.Equal(t, 0, q.Len())

	// an empty tick sends nothing
	clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, sender.count())

	// cancellation performs a final flush
	q.Push(RawSample{T: 3})
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, TransmitStats{Batches: 2, Samples: 3}, tx.Stats())
}

func TestTransmitterDropsBatchOnSendFailure(t *testing.T) {
	q := NewQueue(8)
	sender := &recordingSender{err: errors.New("channel closed")}
	tx := NewTransmitter(TransmitterConfig{Queue: q, Sender: sender, Interval: time.Second})

	q.Push(RawSample{T: 1})
	n, err := tx.Flush()
	assert.Equal(t, 1, n)
	assert.Error(t, err)
	assert.Equal(t, 0, q.Len(), "failed batches are not retained")
	assert.Equal(t, TransmitStats{Failures: 1, LostToErrors: 1}, tx.Stats())
}

func TestTransmitterStop(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	q := NewQueue(8)
	sender := &recordingSender{}
	tx := NewTransmitter(TransmitterConfig{Queue: q, Sender: sender, Interval: time.Second, Clock: clock})

	go tx.Run(context.Background())
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)
	q.Push(RawSample{T: 1})
	tx.Stop()
	tx.Stop()
	assert.Equal(t, 1, sender.count())
}

func TestTransmitterZeroIntervalDoesNotStart(t *testing.T) {
	tx := NewTransmitter(TransmitterConfig{Queue: NewQueue(1), Sender: &recordingSender{}})
	assert.NoError(t, tx.Run(context.Background()))
}

func TestCountdown(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	var mu sync.Mutex
	var ticks []int
	done := make(chan error, 1)
	go func() {
		done <- Countdown(context.Background(), clock, 3, func(n int) {
			mu.Lock()
			ticks = append(ticks, n)
			mu.Unlock()
		})
	}()

	tickCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks)
	}
	for want := 1; want <= 3; want++ {
		require.Eventually(t, func() bool { return tickCount() == want && clock.TickerCount() == 1 }, time.Second, time.Millisecond)
		clock.Advance(time.Second)
	}
	require.NoError(t, <-done)
	assert.Equal(t, []int{3, 2, 1}, ticks)
}

func TestCountdownCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Countdown(ctx, timeutil.NewMockClock(time.Unix(0, 0)), 3, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, Countdown(ctx, nil, 0, nil))
}

func TestSyntheticSourceProducesDuplicates(t *testing.T) {
	src := NewSyntheticSource(SyntheticConfig{RateHz: 100, ClockResolutionMs: 16})
	seen := map[float64]int{}
	for i := 0; i < 200; i++ {
		ev := src.Next(float64(i) * 10)
		seen[ev.T]++
		assert.InDelta(t, 9.81, ev.Az, 1.0)
	}
	dups := 0
	for _, n := range seen {
		if n > 1 {
			dups++
		}
	}
	assert.Greater(t, dups, 0, "coarse clock should repeat timestamps")
}

func TestSyntheticSourceRun(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := NewSyntheticSource(SyntheticConfig{RateHz: 100, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan MotionEvent, 8)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, func(ev MotionEvent) { events <- ev }) }()
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	clock.Advance(10 * time.Millisecond)
	ev := <-events
	assert.Equal(t, 10.0, ev.T)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want MotionEvent
		err  bool
	}{
		{"1000,0.1,0.2,9.8", MotionEvent{T: 1000, Ax: 0.1, Ay: 0.2, Az: 9.8}, false},
		{" 1000 , 0.1 ", MotionEvent{T: 1000, Ax: 0.1}, false},
		{`{"t":12.5,"ax":1,"ay":2,"az":3}`, MotionEvent{T: 12.5, Ax: 1, Ay: 2, Az: 3}, false},
		{"", MotionEvent{}, true},
		{"1000", MotionEvent{}, true},
		{"1,2,3,4,5", MotionEvent{}, true},
		{"1,x,3", MotionEvent{}, true},
		{`{"t":`, MotionEvent{}, true},
	}
	for _, tt := range tests {
		got, err := ParseLine(tt.line)
		if tt.err {
			assert.Error(t, err, "line %q", tt.line)
			continue
		}
		require.NoError(t, err, "line %q", tt.line)
		assert.Equal(t, tt.want, got)
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, mode)

	mode, err = PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
		_, err := bad.SerialMode()
		assert.Error(t, err, "%+v", bad)
	}
}

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestSerialSourceReadsLines(t *testing.T) {
	src := NewSerialSource("/dev/ttyACM0", PortOptions{})
	src.Open = func(path string, mode *serial.Mode) (io.ReadCloser, error) {
		return nopCloser{strings.NewReader("10,0,0,9.8\ngarbage\n20,0,0,9.9\n")}, nil
	}

	var got []MotionEvent
	err := src.Run(context.Background(), func(ev MotionEvent) { got = append(got, ev) })
	require.NoError(t, err)
	assert.Equal(t, []MotionEvent{{T: 10, Az: 9.8}, {T: 20, Az: 9.9}}, got)
}

func TestSerialSourcePermissionDenied(t *testing.T) {
	src := NewSerialSource("/dev/ttyACM0", PortOptions{})
	src.Open = func(string, *serial.Mode) (io.ReadCloser, error) {
		return nil, errors.New("no such device")
	}
	err := src.Run(context.Background(), func(MotionEvent) {})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrPermissionDenied))

	src.Open = func(path string, _ *serial.Mode) (io.ReadCloser, error) {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
	}
	err = src.Run(context.Background(), func(MotionEvent) {})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
