package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/db"
	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/session"
	"github.com/banshee-data/scg.report/internal/stream"
	"github.com/banshee-data/scg.report/internal/testutil"
	"github.com/banshee-data/scg.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type testEnv struct {
	srv     *httptest.Server
	manager *session.Manager
	db      *db.DB
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "scg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := session.NewManager(session.Config{Store: store, IntervalMs: 10})
	cfg.Manager = m
	if cfg.DB == nil {
		cfg.DB = store
	}
	mux := NewServer(cfg).ServeMux()
	srv := httptest.NewServer(LoggingMiddleware(CORSMiddleware([]string{"http://localhost:3000"}, mux)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, manager: m, db: store}
}

func (e *testEnv) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) createSession(t *testing.T) session.Session {
	t.Helper()
	resp := e.post(t, "/api/v1/sessions")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusCreated)
	var s session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateAndGetSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createSession(t)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "created", s.Status)
	assert.Equal(t, "/ws/"+s.ID, s.WebsocketURL)
	assert.Equal(t, "/view/"+s.ID, s.ViewerURL)

	resp := env.get(t, "/api/v1/sessions/"+s.ID)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	body := decode(t, resp)
	assert.Equal(t, s.ID, body["sessionId"])

	resp = env.get(t, "/api/v1/sessions/not-a-uuid")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusBadRequest)

	resp = env.get(t, "/api/v1/sessions/6f1c2a57-3f0e-4d55-8a8e-0c0f7e3f2b11")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)
	assert.Equal(t, "Session not found", decode(t, resp)["error"])
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createSession(t)
	ctx := context.Background()
	require.NoError(t, env.manager.Ingest(ctx, s.ID, "", []capture.RawSample{
		{T: 20, Ax: 1, Ay: 2, Az: 3},
		{T: 10, Ax: 4, Ay: 5, Az: 6},
	}))

	resp := env.post(t, "/api/v1/sessions/"+s.ID+"/end")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	body := decode(t, resp)
	assert.Equal(t, "Session ended successfully. 2 samples saved.", body["message"])
	assert.Equal(t, 2.0, body["saved"])

	resp = env.post(t, "/api/v1/sessions/"+s.ID+"/end")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusConflict)

	resp = env.post(t, "/api/v1/sessions/6f1c2a57-3f0e-4d55-8a8e-0c0f7e3f2b11/end")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)

	resp = env.get(t, "/api/v1/sessions/"+s.ID+"/data")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var data struct {
		Samples []capture.RawSample `json:"samples"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, []capture.RawSample{
		{T: 10, Ax: 4, Ay: 5, Az: 6},
		{T: 20, Ax: 1, Ay: 2, Az: 3},
	}, data.Samples)

	resp = env.get(t, "/api/v1/sessions/"+s.ID)
	assert.Equal(t, "ended", decode(t, resp)["status"])
}

func TestSessionDataEmptyAndUnknown(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createSession(t)

	resp := env.get(t, "/api/v1/sessions/"+s.ID+"/data")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, []interface{}{}, decode(t, resp)["samples"])

	resp = env.get(t, "/api/v1/sessions/6f1c2a57-3f0e-4d55-8a8e-0c0f7e3f2b11/data")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("disk on fire") }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp := env.get(t, "/health")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.Contains(t, body, "version")

	bad := newTestEnv(t, Config{DB: failingPinger{}})
	resp = bad.get(t, "/health")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusServiceUnavailable)
	assert.Equal(t, "error", decode(t, resp)["database"])
}

func TestCreateIsRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{CreatePerMinute: 2})
	env.createSession(t)
	env.createSession(t)

	resp := env.post(t, "/api/v1/sessions")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusTooManyRequests)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	// other endpoints have their own budget
	resp = env.get(t, "/health")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Config{})

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNoContent)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	handler := CORSMiddleware([]string{"*", "http://localhost:3000"}, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://anywhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func TestClientLimiterDropsIdleClients(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := newClientLimiter(2)
	l.clock = clock
	l.lastSweep = clock.Now()

	request := func(addr string) bool {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		return l.allow(req)
	}

	for i := 0; i < 50; i++ {
		assert.True(t, request(fmt.Sprintf("10.0.0.%d:5000", i)))
	}
	assert.Equal(t, 50, l.size())

	clock.Advance(limiterIdle - time.Minute)
	assert.True(t, request("10.0.1.1:5000"))
	assert.True(t, request("10.0.1.1:5000"))
	assert.False(t, request("10.0.1.1:5000"))
	assert.Equal(t, 51, l.size())

	clock.Advance(time.Minute)
	assert.False(t, request("10.0.1.1:5000"), "bucket is kept while the client is active")
	assert.Equal(t, 1, l.size(), "only the recently seen client survives the sweep")

	clock.Advance(limiterIdle)
	assert.True(t, request("10.0.2.2:5000"))
	assert.Equal(t, 1, l.size())
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Contains(t, statusCodeColor(101), colorCyan)
}

func TestCharts(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createSession(t)

	resp := env.get(t, "/debug/sessions/"+s.ID+"/chart")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)

	var batch []capture.RawSample
	for i := 0; i < 400; i++ {
		batch = append(batch, capture.RawSample{T: float64(i * 10), Az: float64(i % 13)})
	}
	require.NoError(t, env.manager.Ingest(context.Background(), s.ID, "", batch))

	// live sessions chart their buffer
	resp = env.get(t, "/debug/sessions/"+s.ID+"/chart?start=50&size=250")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))

	env.post(t, "/api/v1/sessions/"+s.ID+"/end")

	resp = env.get(t, "/view/"+s.ID)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	resp = env.get(t, "/debug/sessions/"+s.ID+"/plot.png")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp = env.get(t, fmt.Sprintf("/debug/sessions/%s/plot.png", "6f1c2a57-3f0e-4d55-8a8e-0c0f7e3f2b11"))
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)
}

// peer is a websocket client collecting every message it receives.
type peer struct {
	conn *stream.Conn
	msgs chan []byte
	done chan error
}

func dialPeer(t *testing.T, env *testEnv, id string) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/" + id
	conn, err := stream.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	p := &peer{conn: conn, msgs: make(chan []byte, 16), done: make(chan error, 1)}
	go func() {
		p.done <- conn.ReadLoop(context.Background(), func(data []byte) { p.msgs <- data })
	}()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *peer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-p.msgs:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func (p *peer) nextEnvelope(t *testing.T) stream.Envelope {
	t.Helper()
	env, err := stream.Decode(p.next(t))
	require.NoError(t, err)
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketRelayAndEnd(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createSession(t)

	device := dialPeer(t, env, s.ID)
	viewer := dialPeer(t, env, s.ID)

	require.NoError(t, device.conn.SendBatch([]capture.RawSample{{T: 1, Ax: 0.5, Ay: 0.25, Az: 9.8}}))
	env1 := viewer.nextEnvelope(t)
	assert.Equal(t, stream.TypeSamplesBatch, env1.Type)
	assert.JSONEq(t, `{"samples":[{"t":1,"az":9.8}]}`, string(env1.Payload))
	waitFor(t, func() bool { return env.manager.Buffered(s.ID) == 1 })

	// malformed upload gets an error reply and the channel stays usable
	require.NoError(t, device.conn.SendRaw([]byte(`{"type":"samples_batch","payload":{"samples":[{"t":2}]}}`)))
	var reply stream.ErrorReply
	require.NoError(t, json.Unmarshal(device.next(t), &reply))
	assert.Equal(t, "Invalid message format", reply.Error)
	assert.NotEmpty(t, reply.Details)

	require.NoError(t, device.conn.SendRaw([]byte(`garbage`)))
	require.NoError(t, json.Unmarshal(device.next(t), &reply))
	assert.Equal(t, "Invalid message format", reply.Error)

	require.NoError(t, device.conn.SendBatch([]capture.RawSample{{T: 2, Az: 9.7}}))
	assert.Equal(t, stream.TypeSamplesBatch, viewer.nextEnvelope(t).Type)

	resp := env.post(t, "/api/v1/sessions/"+s.ID+"/end")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, 2.0, decode(t, resp)["saved"])

	assert.Equal(t, stream.TypeSessionEnded, viewer.nextEnvelope(t).Type)
	assert.Equal(t, stream.TypeSessionEnded, device.nextEnvelope(t).Type)
}

func TestWebsocketLateJoinerGetsBacklog(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createSession(t)
	require.NoError(t, env.manager.Ingest(context.Background(), s.ID, "", []capture.RawSample{{T: 1, Az: 1}, {T: 2, Az: 2}}))

	viewer := dialPeer(t, env, s.ID)
	e := viewer.nextEnvelope(t)
	assert.Equal(t, stream.TypeSamplesBatch, e.Type)
	assert.JSONEq(t, `{"samples":[{"t":1,"az":1},{"t":2,"az":2}]}`, string(e.Payload))
}

func TestWebsocketEndedSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createSession(t)
	env.post(t, "/api/v1/sessions/"+s.ID+"/end")

	viewer := dialPeer(t, env, s.ID)
	assert.Equal(t, stream.TypeSessionEnded, viewer.nextEnvelope(t).Type)
	select {
	case <-viewer.done:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not close the channel")
	}
}

func TestWebsocketUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp := env.get(t, "/ws/6f1c2a57-3f0e-4d55-8a8e-0c0f7e3f2b11")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)
}

func TestFinalBatchBeforeCloseIsPersisted(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createSession(t)
	device := dialPeer(t, env, s.ID)

	// the device's last flush, then hang up and end over REST
	require.NoError(t, device.conn.SendBatch(testutil.RawSamples(100, 10)))
	require.NoError(t, device.conn.Close())

	resp := env.post(t, "/api/v1/sessions/"+s.ID+"/end")
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, 100.0, decode(t, resp)["saved"])

	samples, err := env.manager.History(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, samples, 100)
}
