package session

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/stream"
)

// Peer is one websocket connected to a session; *stream.Conn implements it.
type Peer interface {
	SendRaw(data []byte) error
}

// hub is the in-memory state of one live session. Its mutex serialises
// uploads, joins and the end of the session so that the buffer handed to
// the store at the end holds exactly what was relayed.
type hub struct {
	id string

	mu       sync.Mutex
	peers    map[string]Peer
	buf      []capture.RawSample
	strategy reconstruct.Strategy
	active   bool
	ended    bool
}

func newHub(id string, strategy reconstruct.Strategy, active bool) *hub {
	return &hub{id: id, peers: make(map[string]Peer), strategy: strategy, active: active}
}

// randomID generates a random peer ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (h *hub) join(p Peer, intervalMs float64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return "", ErrAlreadyEnded
	}
	id := randomID()
	h.peers[id] = p

	if len(h.buf) == 0 {
		return id, nil
	}
	var (
		data []byte
		err  error
	)
	if h.strategy == nil {
		data, err = stream.Encode(stream.TypeSamplesBatch, stream.VerticalBatch{Samples: capture.Vertical(h.buf)})
	} else {
		backlog := reconstruct.Replay(capture.Vertical(h.buf), intervalMs)
		data, err = stream.Encode(stream.TypeInterpolatedBatch, stream.InterpolatedBatch{InterpolatedSamples: backlog.Points()})
	}
	if err != nil {
		return id, err
	}
	if err := p.SendRaw(data); err != nil {
		monitoring.Logf("session %s: backlog to %s: %v", h.id, id, err)
	}
	return id, nil
}

// retireLocked marks the hub ended and releases its buffer and peers.
// Callers already holding the hub see ended and refuse uploads; the manager
// drops it from its map afterwards.
func (h *hub) retireLocked() {
	h.ended = true
	h.buf = nil
	h.peers = map[string]Peer{}
	h.strategy = nil
}

func (h *hub) leave(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, peerID)
}

// broadcastLocked sends one message to every peer except skip. A peer that
// cannot take the message is dropped from the hub.
func (h *hub) broadcastLocked(typ string, payload interface{}, skip string) {
	if len(h.peers) == 0 {
		return
	}
	data, err := stream.Encode(typ, payload)
	if err != nil {
		monitoring.Logf("session %s: encode %s: %v", h.id, typ, err)
		return
	}
	for id, p := range h.peers {
		if id == skip {
			continue
		}
		if err := p.SendRaw(data); err != nil {
			monitoring.Logf("session %s: dropping peer %s: %v", h.id, id, err)
			delete(h.peers, id)
		}
	}
}
