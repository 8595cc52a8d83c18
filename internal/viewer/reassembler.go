// Package viewer is the receiving end of a session stream: it turns relayed
// batches into the shared waveform and tracks what the viewer should show as
// the connection status.
package viewer

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/stream"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// ViewStatus is the connection status shown to the viewer.
type ViewStatus string

const (
	StatusConnecting   ViewStatus = "Connecting..."
	StatusLive         ViewStatus = "Live"
	StatusDisconnected ViewStatus = "Disconnected"
	StatusError        ViewStatus = "Error"
	StatusEnded        ViewStatus = "Ended"
)

// Closer closes the channel the reassembler is reading from.
type Closer interface {
	Close() error
}

// HistoryFetcher returns the complete ordered sample list of a session.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, sessionID string) ([]reconstruct.Sample, error)
}

// Config configures a Reassembler.
type Config struct {
	Store    *waveform.Store
	Strategy reconstruct.Strategy
	// IntervalMs is the grid spacing used for replay.
	IntervalMs float64
	// OnStatus, if set, observes every status change.
	OnStatus func(ViewStatus)
}

// Stats counts what the reassembler has seen.
type Stats struct {
	Batches      int
	Interpolated int
	Malformed    int
	Appended     int
}

// Reassembler feeds channel messages through the reconstruction strategy
// into the store. Messages must be handed to it by a single reader; the
// store may be read concurrently.
type Reassembler struct {
	store    *waveform.Store
	strategy reconstruct.Strategy
	interval float64
	onStatus func(ViewStatus)

	mu     sync.Mutex
	status ViewStatus
	closer Closer
	stats  Stats
}

func New(cfg Config) *Reassembler {
	return &Reassembler{
		store:    cfg.Store,
		strategy: cfg.Strategy,
		interval: cfg.IntervalMs,
		onStatus: cfg.OnStatus,
		status:   StatusConnecting,
	}
}

// SetCloser registers the channel to close when the session ends.
func (r *Reassembler) SetCloser(c Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closer = c
}

func (r *Reassembler) Status() ViewStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// setStatus changes the status unless the session already ended.
func (r *Reassembler) setStatus(s ViewStatus) {
	r.mu.Lock()
	if r.status == s || r.status == StatusEnded {
		r.mu.Unlock()
		return
	}
	r.status = s
	cb := r.onStatus
	r.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// HandleState follows the channel state.
func (r *Reassembler) HandleState(s stream.State) {
	switch s {
	case stream.Connecting:
		r.setStatus(StatusConnecting)
	case stream.Open:
		r.setStatus(StatusLive)
	case stream.Closed:
		r.setStatus(StatusDisconnected)
	case stream.Errored:
		r.setStatus(StatusError)
	}
}

// HandleMessage processes one message from the channel. Malformed and
// unknown messages are logged and dropped; they never close the channel.
func (r *Reassembler) HandleMessage(data []byte) {
	env, err := stream.Decode(data)
	if err != nil {
		r.malformed(err)
		return
	}

	switch env.Type {
	case stream.TypeSamplesBatch:
		samples, err := stream.ParseVertical(env.Payload)
		if err != nil {
			r.malformed(err)
			return
		}
		r.count(func(s *Stats) { s.Batches++ })
		r.append(r.strategy.Push(samples))

	case stream.TypeInterpolatedBatch:
		series, err := stream.ParseInterpolated(env.Payload)
		if err != nil {
			r.malformed(err)
			return
		}
		r.count(func(s *Stats) { s.Interpolated++ })
		r.append(series)

	case stream.TypeSessionEnded:
		r.end()

	default:
		r.malformed(fmt.Errorf("%w: unknown type %q", stream.ErrInvalidMessage, env.Type))
	}
}

// Replay rebuilds the waveform of an ended session from its full history.
func (r *Reassembler) Replay(ctx context.Context, fetcher HistoryFetcher, sessionID string) error {
	samples, err := fetcher.FetchHistory(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch history of %s: %w", sessionID, err)
	}
	r.append(reconstruct.Replay(samples, r.interval))
	r.setStatus(StatusEnded)
	return nil
}

// append adds the part of inc that lies after the store tail.
func (r *Reassembler) append(inc waveform.Series) {
	tail := math.Inf(-1)
	if t, _, ok := r.store.Last(); ok {
		tail = t
	}
	inc = inc.After(tail)
	if inc.Len() == 0 {
		return
	}
	if err := r.store.Append(inc); err != nil {
		monitoring.Logf("viewer: dropping increment of %d points: %v", inc.Len(), err)
		return
	}
	r.count(func(s *Stats) { s.Appended += inc.Len() })
}

func (r *Reassembler) end() {
	r.setStatus(StatusEnded)
	r.mu.Lock()
	c := r.closer
	r.mu.Unlock()
	if c != nil {
		if err := c.Close(); err != nil {
			monitoring.Logf("viewer: closing channel after session end: %v", err)
		}
	}
}

func (r *Reassembler) malformed(err error) {
	r.count(func(s *Stats) { s.Malformed++ })
	monitoring.Logf("viewer: dropping message: %v", err)
}

func (r *Reassembler) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

// Follow dials a session stream and feeds it into r until the channel
// closes, fails or ctx is cancelled. A session that ended before anything
// was relayed, as seen by a viewer joining after the end, is rebuilt from
// history when history is non-nil.
func (r *Reassembler) Follow(ctx context.Context, url string, history HistoryFetcher, sessionID string) error {
	conn, err := stream.Dial(ctx, url, r.HandleState)
	if err != nil {
		return err
	}
	r.SetCloser(asyncCloser{conn})
	if err := conn.ReadLoop(ctx, r.HandleMessage); err != nil {
		return err
	}
	st := r.Stats()
	if r.Status() == StatusEnded && history != nil && st.Batches+st.Interpolated == 0 {
		return r.Replay(ctx, history, sessionID)
	}
	return nil
}

// asyncCloser closes a channel off the read loop that delivered
// session_ended.
type asyncCloser struct{ conn *stream.Conn }

func (a asyncCloser) Close() error {
	go a.conn.Close()
	return nil
}
