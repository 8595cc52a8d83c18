package viewer

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/scg.report/internal/httputil"
	"github.com/banshee-data/scg.report/internal/monitor"
	"github.com/banshee-data/scg.report/internal/navigator"
)

// Handler serves a local view of the waveform: the chart for the current
// window and the gesture endpoints that move the window.
type Handler struct {
	title string
	nav   *navigator.Navigator
	r     *Reassembler
}

func NewHandler(title string, nav *navigator.Navigator, r *Reassembler) *Handler {
	return &Handler{title: title, nav: nav, r: r}
}

func (h *Handler) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.chart)
	mux.HandleFunc("GET /plot.png", h.plot)
	mux.HandleFunc("GET /window", h.window)
	mux.HandleFunc("POST /gesture", h.gesture)
	return mux
}

type viewState struct {
	Window navigator.Window `json:"window"`
	Cursor navigator.Cursor `json:"cursor"`
	Status ViewStatus       `json:"status"`
	Points int              `json:"points"`
}

func (h *Handler) state() viewState {
	return viewState{
		Window: h.nav.Window(),
		Cursor: h.nav.Cursor(),
		Status: h.r.Status(),
		Points: h.r.store.Len(),
	}
}

func (h *Handler) window(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, h.state())
}

type gestureRequest struct {
	Phase      string  `json:"phase"` // begin, move or end
	Kind       string  `json:"kind"`
	X          float64 `json:"x"`
	TrackWidth float64 `json:"trackWidth"`
}

func (h *Handler) gesture(w http.ResponseWriter, r *http.Request) {
	var req gestureRequest
	if err := httputil.DecodeJSON(r.Body, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	switch req.Phase {
	case "begin":
		kind, ok := navigator.ParseGestureKind(req.Kind)
		if !ok {
			httputil.BadRequest(w, fmt.Sprintf("unknown gesture kind %q", req.Kind))
			return
		}
		h.nav.Begin(kind, req.X)
	case "move":
		h.nav.Move(req.X, req.TrackWidth)
	case "end":
		h.nav.End()
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown gesture phase %q", req.Phase))
		return
	}
	httputil.WriteJSONOK(w, h.state())
}

func (h *Handler) chart(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := monitor.WaveformChart(&buf, monitor.View{
		Title:    h.title,
		Status:   string(h.r.Status()),
		Zoomed:   h.nav.Zoomed(),
		Overview: h.nav.Overview(),
	})
	if errors.Is(err, monitor.ErrEmpty) {
		httputil.WriteJSON(w, http.StatusAccepted, h.state())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) plot(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := monitor.PlotPNG(&buf, h.nav.Zoomed(), h.title, 0, 0)
	if errors.Is(err, monitor.ErrEmpty) {
		httputil.NotFound(w, "no waveform yet")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
