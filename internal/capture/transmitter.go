package capture

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/timeutil"
)

// Sender delivers one batch to the viewers.
type Sender interface {
	SendBatch(samples []RawSample) error
}

// TransmitterConfig configures a Transmitter.
type TransmitterConfig struct {
	Queue  *Queue
	Sender Sender
	// Interval between flushes (1s in production)
	Interval time.Duration
	// Clock is optional; defaults to the real clock
	Clock timeutil.Clock
}

// Transmitter periodically drains the queue and sends what it finds as one
// batch. A failed send is logged and the batch is dropped; there is no
// retry.
type Transmitter struct {
	queue    *Queue
	sender   Sender
	interval time.Duration
	clock    timeutil.Clock

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	statsMu sync.Mutex
	stats   TransmitStats
}

// TransmitStats counts flush outcomes.
type TransmitStats struct {
	Batches      int
	Samples      int
	Failures     int
	LostToErrors int
}

func NewTransmitter(cfg TransmitterConfig) *Transmitter {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Transmitter{
		queue:    cfg.Queue,
		sender:   cfg.Sender,
		interval: cfg.Interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run flushes on every tick until ctx is cancelled or Stop is called, then
// performs one final flush.
func (t *Transmitter) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	stopCh, doneCh := t.stopCh, t.doneCh
	t.mu.Unlock()

	defer func() {
		close(doneCh)
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	if t.interval <= 0 {
		monitoring.Logf("transmitter: interval is zero or negative, not starting")
		return nil
	}

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Flush()
			return nil
		case <-stopCh:
			t.Flush()
			return nil
		case <-ticker.C():
			t.Flush()
		}
	}
}

// Stop ends Run and waits for the final flush. Safe to call more than once.
func (t *Transmitter) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stopCh, doneCh := t.stopCh, t.doneCh
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	t.mu.Unlock()
	<-doneCh
}

// Flush drains the queue and sends the contents, if any. It returns the
// number of samples drained and the send error.
func (t *Transmitter) Flush() (int, error) {
	batch := t.queue.Drain()
	if len(batch) == 0 {
		return 0, nil
	}
	err := t.sender.SendBatch(batch)

	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	if err != nil {
		t.stats.Failures++
		t.stats.LostToErrors += len(batch)
		monitoring.Logf("transmitter: failed to send batch of %d samples: %v", len(batch), err)
		return len(batch), err
	}
	t.stats.Batches++
	t.stats.Samples += len(batch)
	return len(batch), nil
}

func (t *Transmitter) Stats() TransmitStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}
