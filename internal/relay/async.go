package relay

import (
	"errors"
	"sync"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// ErrBacklogFull is returned when an Async publisher cannot queue a message.
var ErrBacklogFull = errors.New("relay: backlog full")

// Async hands messages to a background goroutine so callers never wait on
// the broker. Messages are published in the order they were queued; when
// the backlog is full new messages are refused.
type Async struct {
	next Publisher
	jobs chan func() error
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewAsync wraps next with a queue of backlog messages.
func NewAsync(next Publisher, backlog int) *Async {
	if backlog <= 0 {
		backlog = 1024
	}
	a := &Async{
		next: next,
		jobs: make(chan func() error, backlog),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for job := range a.jobs {
		if err := job(); err != nil {
			monitoring.Logf("relay: %v", err)
		}
	}
}

func (a *Async) enqueue(job func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("relay: publisher closed")
	}
	select {
	case a.jobs <- job:
		return nil
	default:
		return ErrBacklogFull
	}
}

func (a *Async) PublishRaw(sessionID string, samples []capture.RawSample) error {
	return a.enqueue(func() error { return a.next.PublishRaw(sessionID, samples) })
}

func (a *Async) PublishWaveform(sessionID string, inc waveform.Series) error {
	return a.enqueue(func() error { return a.next.PublishWaveform(sessionID, inc) })
}

func (a *Async) PublishEnded(sessionID string) error {
	return a.enqueue(func() error { return a.next.PublishEnded(sessionID) })
}

// Close publishes what is queued, then closes the wrapped publisher.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.jobs)
	}
	a.mu.Unlock()
	<-a.done
	a.next.Close()
}
