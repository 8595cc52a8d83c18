// Package session owns the server side of a measurement: its lifecycle,
// the in-memory buffer of samples received while it is live, and the
// fan-out of batches to every connected viewer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/db"
	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/relay"
	"github.com/banshee-data/scg.report/internal/stream"
	"github.com/banshee-data/scg.report/internal/timeutil"
)

var (
	ErrNotFound     = db.ErrNotFound
	ErrAlreadyEnded = db.ErrAlreadyEnded
)

// Session is the public description of a measurement session.
type Session struct {
	ID           string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	Status       string    `json:"status"`
	ViewerURL    string    `json:"viewerUrl"`
	WebsocketURL string    `json:"websocketUrl"`
}

func fromRow(s db.Session) Session {
	return Session{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		Status:       s.Status,
		ViewerURL:    "/view/" + s.ID,
		WebsocketURL: "/ws/" + s.ID,
	}
}

// Store is the persistence the manager needs; *db.DB implements it.
type Store interface {
	CreateSession(ctx context.Context, id string, createdAt time.Time) (db.Session, error)
	GetSession(ctx context.Context, id string) (db.Session, error)
	MarkActive(ctx context.Context, id string) error
	EndSession(ctx context.Context, id string, endedAt time.Time, samples []capture.RawSample) (int, error)
	SessionSamples(ctx context.Context, id string) ([]capture.RawSample, error)
}

// Config configures a Manager.
type Config struct {
	Store Store
	// Publisher is optional. It is called with the session locked, so it
	// must not block; wrap broker clients in relay.Async.
	Publisher relay.Publisher
	// NewStrategy enables server-side interpolation: viewers receive
	// interpolated_batch messages instead of relayed samples.
	NewStrategy func() (reconstruct.Strategy, error)
	// IntervalMs is the grid used to replay a backlog for late joiners when
	// server-side interpolation is on.
	IntervalMs float64
	Clock      timeutil.Clock
}

// Manager tracks every session with connected peers or buffered samples.
type Manager struct {
	store     Store
	publisher relay.Publisher
	newStrat  func() (reconstruct.Strategy, error)
	interval  float64
	clock     timeutil.Clock

	mu   sync.Mutex
	live map[string]*hub
}

func NewManager(cfg Config) *Manager {
	if cfg.Publisher == nil {
		cfg.Publisher = relay.NopPublisher{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Manager{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		newStrat:  cfg.NewStrategy,
		interval:  cfg.IntervalMs,
		clock:     cfg.Clock,
		live:      make(map[string]*hub),
	}
}

// Create starts a new session.
func (m *Manager) Create(ctx context.Context) (Session, error) {
	row, err := m.store.CreateSession(ctx, uuid.NewString(), m.clock.Now().UTC())
	if err != nil {
		return Session{}, err
	}
	return fromRow(row), nil
}

func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	row, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return fromRow(row), nil
}

// History returns the persisted samples of a session ordered by t.
func (m *Manager) History(ctx context.Context, id string) ([]capture.RawSample, error) {
	return m.store.SessionSamples(ctx, id)
}

// hubFor returns the hub of a live session, creating it if the session
// exists and has not ended.
func (m *Manager) hubFor(ctx context.Context, id string) (*hub, error) {
	m.mu.Lock()
	h, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		return h, nil
	}

	row, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Status == db.StatusEnded {
		return nil, ErrAlreadyEnded
	}

	var strat reconstruct.Strategy
	if m.newStrat != nil {
		if strat, err = m.newStrat(); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if h, ok := m.live[id]; ok {
		m.mu.Unlock()
		return h, nil
	}
	// held until the session is known to be live, so nobody uses a hub
	// for a session that End finished and dropped after the read above
	h = newHub(id, strat, row.Status == db.StatusActive)
	h.mu.Lock()
	m.live[id] = h
	m.mu.Unlock()

	row, err = m.store.GetSession(ctx, id)
	if err == nil && row.Status != db.StatusEnded {
		h.mu.Unlock()
		return h, nil
	}
	h.retireLocked()
	h.mu.Unlock()
	m.forget(id, h)
	if err != nil {
		return nil, err
	}
	return nil, ErrAlreadyEnded
}

// Join registers a peer on a session. A peer joining a session that already
// has buffered samples receives them first, as one batch. Joining an ended
// session returns ErrAlreadyEnded.
func (m *Manager) Join(ctx context.Context, id string, p Peer) (string, error) {
	h, err := m.hubFor(ctx, id)
	if err != nil {
		return "", err
	}
	return h.join(p, m.interval)
}

// Leave removes a peer. Unknown ids are ignored.
func (m *Manager) Leave(id, peerID string) {
	m.mu.Lock()
	h, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		h.leave(peerID)
	}
}

// Ingest accepts a batch uploaded by the peer senderID: it is buffered, the
// session becomes active, and every other peer receives it.
func (m *Manager) Ingest(ctx context.Context, id, senderID string, samples []capture.RawSample) error {
	h, err := m.hubFor(ctx, id)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return ErrAlreadyEnded
	}
	h.buf = append(h.buf, samples...)
	if !h.active {
		if err := m.store.MarkActive(ctx, id); err != nil {
			monitoring.Logf("session %s: mark active: %v", id, err)
		} else {
			h.active = true
		}
	}

	if err := m.publisher.PublishRaw(id, samples); err != nil {
		monitoring.Logf("session %s: relay raw: %v", id, err)
	}

	if h.strategy == nil {
		h.broadcastLocked(stream.TypeSamplesBatch, stream.VerticalBatch{Samples: capture.Vertical(samples)}, senderID)
		return nil
	}
	inc := h.strategy.Push(capture.Vertical(samples))
	if inc.Len() == 0 {
		return nil
	}
	if err := m.publisher.PublishWaveform(id, inc); err != nil {
		monitoring.Logf("session %s: relay waveform: %v", id, err)
	}
	h.broadcastLocked(stream.TypeInterpolatedBatch, stream.InterpolatedBatch{InterpolatedSamples: inc.Points()}, senderID)
	return nil
}

// End persists the buffered samples, marks the session ended and tells
// every peer. It returns the number of samples saved.
func (m *Manager) End(ctx context.Context, id string) (int, error) {
	// a placeholder hub makes concurrent uploads observe the end
	m.mu.Lock()
	h, ok := m.live[id]
	if !ok {
		h = newHub(id, nil, false)
		m.live[id] = h
	}
	m.mu.Unlock()

	h.mu.Lock()
	n, err := m.endLocked(ctx, h)
	ended := h.ended
	h.mu.Unlock()
	if ended {
		// ended hubs are not kept; the store answers for them from now on
		m.forget(id, h)
	}
	return n, err
}

func (m *Manager) endLocked(ctx context.Context, h *hub) (int, error) {
	id := h.id
	if h.ended {
		return 0, ErrAlreadyEnded
	}
	n, err := m.store.EndSession(ctx, id, m.clock.Now().UTC(), h.buf)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyEnded) {
		h.retireLocked()
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("end session %s: %w", id, err)
	}
	h.broadcastLocked(stream.TypeSessionEnded, nil, "")
	h.retireLocked()
	if err := m.publisher.PublishEnded(id); err != nil {
		monitoring.Logf("session %s: relay end: %v", id, err)
	}
	return n, nil
}

func (m *Manager) forget(id string, h *hub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[id] == h {
		delete(m.live, id)
	}
}

// LiveSessions counts sessions that have not ended.
func (m *Manager) LiveSessions() int {
	m.mu.Lock()
	hubs := make([]*hub, 0, len(m.live))
	for _, h := range m.live {
		hubs = append(hubs, h)
	}
	m.mu.Unlock()

	n := 0
	for _, h := range hubs {
		h.mu.Lock()
		if !h.ended {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

// Buffered returns how many samples a live session holds in memory.
func (m *Manager) Buffered(id string) int {
	m.mu.Lock()
	h, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

// Samples returns what is known of a session: the in-memory buffer while it
// is live, the persisted history once it has ended.
func (m *Manager) Samples(ctx context.Context, id string) ([]capture.RawSample, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == db.StatusEnded {
		return m.History(ctx, id)
	}
	m.mu.Lock()
	h, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return []capture.RawSample{}, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return m.History(ctx, id)
	}
	return append([]capture.RawSample{}, h.buf...), nil
}
