// Package api exposes sessions over HTTP: the REST endpoints used by the
// capture and viewer clients, the websocket stream endpoint and the debug
// charts.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/httputil"
	"github.com/banshee-data/scg.report/internal/navigator"
	"github.com/banshee-data/scg.report/internal/session"
	"github.com/banshee-data/scg.report/internal/version"
)

// Pinger reports database health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	Manager *session.Manager
	DB      Pinger
	// IntervalMs is the reconstruction grid used for the charts.
	IntervalMs float64
	Navigator  navigator.Config
	// CreatePerMinute limits session creation per client; 0 disables it.
	CreatePerMinute int
	// RequestsPerMinute limits the other REST endpoints per client; 0
	// disables it.
	RequestsPerMinute int
}

type Server struct {
	manager  *session.Manager
	db       Pinger
	interval float64
	navCfg   navigator.Config

	createLimit *clientLimiter
	readLimit   *clientLimiter
}

func NewServer(cfg Config) *Server {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 10
	}
	return &Server{
		manager:     cfg.Manager,
		db:          cfg.DB,
		interval:    cfg.IntervalMs,
		navCfg:      cfg.Navigator,
		createLimit: newClientLimiter(cfg.CreatePerMinute),
		readLimit:   newClientLimiter(cfg.RequestsPerMinute),
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /api/v1/sessions", s.createLimit.limited(s.createSession))
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.readLimit.limited(s.getSession))
	mux.HandleFunc("POST /api/v1/sessions/{id}/end", s.readLimit.limited(s.endSession))
	mux.HandleFunc("GET /api/v1/sessions/{id}/data", s.readLimit.limited(s.sessionData))
	mux.HandleFunc("GET /ws/{id}", s.websocket)
	mux.HandleFunc("GET /view/{id}", s.chart)
	mux.HandleFunc("GET /debug/sessions/{id}/chart", s.chart)
	mux.HandleFunc("GET /debug/sessions/{id}/plot.png", s.plot)
	return mux
}

// sessionID extracts and validates the {id} path value. It writes a 400 and
// returns false when the id is not a UUID.
func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		httputil.BadRequest(w, "invalid session id")
		return "", false
	}
	return id, true
}

// writeSessionError maps session errors to status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		httputil.NotFound(w, "Session not found")
	case errors.Is(err, session.ErrAlreadyEnded):
		httputil.Conflict(w, "Session has already ended")
	default:
		log.Printf("session request failed: %v", err)
		httputil.InternalServerError(w, "internal error")
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Version  string `json:"version"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok", Version: version.Version}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			log.Printf("health: database ping failed: %v", err)
			resp.Status, resp.Database = "error", "error"
			httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Create(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	log.Printf("created session %s", sess.ID)
	httputil.WriteJSONCreated(w, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, sess)
}

type endResponse struct {
	Message string `json:"message"`
	Saved   int    `json:"saved"`
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	n, err := s.manager.End(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	log.Printf("ended session %s with %d samples", id, n)
	httputil.WriteJSONOK(w, endResponse{
		Message: fmt.Sprintf("Session ended successfully. %d samples saved.", n),
		Saved:   n,
	})
}

type dataResponse struct {
	Samples []capture.RawSample `json:"samples"`
}

func (s *Server) sessionData(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	samples, err := s.manager.History(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, dataResponse{Samples: samples})
}
