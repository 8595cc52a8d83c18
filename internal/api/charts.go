package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/httputil"
	"github.com/banshee-data/scg.report/internal/monitor"
	"github.com/banshee-data/scg.report/internal/navigator"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// reconstruction replays everything known about a session onto the grid.
func (s *Server) reconstruction(r *http.Request, id string) (*waveform.Store, string, error) {
	sess, err := s.manager.Get(r.Context(), id)
	if err != nil {
		return nil, "", err
	}
	samples, err := s.manager.Samples(r.Context(), id)
	if err != nil {
		return nil, "", err
	}
	store := waveform.NewStore()
	if err := store.Append(reconstruct.Replay(capture.Vertical(samples), s.interval)); err != nil {
		return nil, "", err
	}
	return store, sess.Status, nil
}

// chart renders the zoomed window and overview. The optional start and size
// query parameters position the window.
func (s *Server) chart(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	store, status, err := s.reconstruction(r, id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if store.Len() == 0 {
		httputil.NotFound(w, "no waveform for this session yet")
		return
	}

	nav := navigator.New(store, s.navCfg)
	win := nav.Window()
	if v, err := strconv.Atoi(r.URL.Query().Get("start")); err == nil {
		win.Start = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil {
		win.Size = v
	}
	nav.SetWindow(win)

	var buf bytes.Buffer
	err = monitor.WaveformChart(&buf, monitor.View{
		Title:    "Session " + id,
		Status:   status,
		Zoomed:   nav.Zoomed(),
		Overview: nav.Overview(),
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) plot(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	store, _, err := s.reconstruction(r, id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if store.Len() == 0 {
		httputil.NotFound(w, "no waveform for this session yet")
		return
	}

	var buf bytes.Buffer
	if err := monitor.PlotPNG(&buf, store.Snapshot(), "Session "+id, 0, 0); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
