package viewer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/stream"
	"github.com/banshee-data/scg.report/internal/waveform"
)

func init() {
	monitoring.SetLogger(nil)
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func newLinear(t *testing.T) (*Reassembler, *waveform.Store) {
	t.Helper()
	store := waveform.NewStore()
	return New(Config{Store: store, Strategy: reconstruct.NewLinear(10), IntervalMs: 10}), store
}

func TestSamplesBatchIsReconstructed(t *testing.T) {
	r, store := newLinear(t)
	r.HandleMessage([]byte(`{"type":"samples_batch","payload":{"samples":[{"t":0,"az":0},{"t":100,"az":10}]}}`))

	got := store.Snapshot()
	require.Equal(t, 10, got.Len())
	assert.Equal(t, 50.0, got.T[5])
	assert.Equal(t, 5.0, got.Az[5])

	r.HandleMessage([]byte(`{"type":"samples_batch","payload":{"samples":[{"t":130,"az":13}]}}`))
	got = store.Snapshot()
	assert.Equal(t, 13, got.Len())
	assert.True(t, got.Increasing())
	assert.Equal(t, Stats{Batches: 2, Appended: 13}, r.Stats())
}

func TestInterpolatedBatchSkipsOverlap(t *testing.T) {
	r, store := newLinear(t)
	r.HandleMessage([]byte(`{"type":"interpolated_batch","payload":{"interpolatedSamples":[{"t":0,"az":1},{"t":10,"az":2},{"t":20,"az":3}]}}`))
	r.HandleMessage([]byte(`{"type":"interpolated_batch","payload":{"interpolatedSamples":[{"t":20,"az":3},{"t":30,"az":4}]}}`))

	want := waveform.Series{T: []float64{0, 10, 20, 30}, Az: []float64{1, 2, 3, 4}}
	if diff := cmp.Diff(want, store.Snapshot()); diff != "" {
		t.Errorf("store mismatch (-want +got):\n%s", diff)
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	r, store := newLinear(t)
	closer := &closeCounter{}
	r.SetCloser(closer)
	r.HandleState(stream.Open)

	for _, msg := range []string{
		`garbage`,
		`{"payload":{}}`,
		`{"type":"samples_batch","payload":{"samples":"x"}}`,
		`{"type":"interpolated_batch","payload":[]}`,
		`{"type":"mystery","payload":{}}`,
	} {
		r.HandleMessage([]byte(msg))
	}
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 5, r.Stats().Malformed)
	assert.Equal(t, StatusLive, r.Status())
	assert.Equal(t, 0, closer.n, "malformed input must not close the channel")
}

func TestSessionEndedClosesChannel(t *testing.T) {
	var seen []ViewStatus
	store := waveform.NewStore()
	r := New(Config{Store: store, Strategy: reconstruct.NewLinear(10), OnStatus: func(s ViewStatus) { seen = append(seen, s) }})
	closer := &closeCounter{}
	r.SetCloser(closer)

	r.HandleState(stream.Open)
	r.HandleMessage([]byte(`{"type":"session_ended","payload":{}}`))
	r.HandleState(stream.Closed)

	assert.Equal(t, StatusEnded, r.Status())
	assert.Equal(t, 1, closer.n)
	assert.Equal(t, []ViewStatus{StatusLive, StatusEnded}, seen)
}

func TestChannelStatesMapToViewStatus(t *testing.T) {
	cases := map[stream.State]ViewStatus{
		stream.Connecting: StatusConnecting,
		stream.Open:       StatusLive,
		stream.Closed:     StatusDisconnected,
		stream.Errored:    StatusError,
	}
	for state, want := range cases {
		r, _ := newLinear(t)
		r.HandleState(stream.Open)
		r.HandleState(state)
		assert.Equal(t, want, r.Status(), "state %s", state)
	}
}

type fakeHistory struct {
	samples []reconstruct.Sample
	err     error
	asked   string
}

func (f *fakeHistory) FetchHistory(_ context.Context, id string) ([]reconstruct.Sample, error) {
	f.asked = id
	return f.samples, f.err
}

func TestReplayOfEndedSession(t *testing.T) {
	r, store := newLinear(t)
	h := &fakeHistory{samples: []reconstruct.Sample{{T: 3, Az: 0}, {T: 48, Az: 4.5}, {T: 95, Az: 9.5}}}

	require.NoError(t, r.Replay(context.Background(), h, "abc"))
	assert.Equal(t, "abc", h.asked)
	assert.Equal(t, StatusEnded, r.Status())

	got := store.Snapshot()
	// grid from ceil(3/10)*10 to 95 inclusive
	assert.Equal(t, []float64{10, 20, 30, 40, 50, 60, 70, 80, 90}, got.T)
}

func TestReplayFetchError(t *testing.T) {
	r, store := newLinear(t)
	err := r.Replay(context.Background(), &fakeHistory{err: errors.New("boom")}, "abc")
	assert.Error(t, err)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, StatusConnecting, r.Status())
}

func TestFollowStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := stream.Upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conn := stream.Accept(ws, nil)
		conn.SendRaw([]byte(`{"type":"samples_batch","payload":{"samples":[{"t":0,"az":0},{"t":100,"az":10}]}}`))
		conn.SendRaw([]byte(`{"type":"session_ended","payload":{}}`))
		conn.ReadLoop(context.Background(), func([]byte) {})
	}))
	defer srv.Close()

	r, store := newLinear(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := &fakeHistory{}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, r.Follow(ctx, url, h, "abc"))
	assert.Equal(t, StatusEnded, r.Status())
	assert.Equal(t, 10, store.Len())
	assert.Empty(t, h.asked, "relayed data needs no replay")
}

func TestFollowSessionEndedBeforeJoinReplaysHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := stream.Upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conn := stream.Accept(ws, nil)
		conn.Send(stream.TypeSessionEnded, nil)
		conn.Close()
	}))
	defer srv.Close()

	r, store := newLinear(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := &fakeHistory{samples: []reconstruct.Sample{{T: 0, Az: 0}, {T: 50, Az: 5}, {T: 100, Az: 10}}}
	require.NoError(t, r.Follow(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), h, "abc"))
	assert.Equal(t, "abc", h.asked)
	assert.Equal(t, StatusEnded, r.Status())
	got := store.Snapshot()
	require.Equal(t, 11, got.Len())
	assert.InDelta(t, 5.0, got.Az[5], 1e-9)
}

func TestFollowDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r, _ := newLinear(t)
	err := r.Follow(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, "abc")
	assert.Error(t, err)
	assert.Equal(t, StatusError, r.Status())
}
