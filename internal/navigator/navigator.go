// Package navigator maintains the zoom/pan window over the waveform and the
// downsampled overview track it is drawn on.
package navigator

import (
	"math"
	"sync"

	"github.com/banshee-data/scg.report/internal/waveform"
)

// Window selects Size points starting at index Start.
type Window struct {
	Start int `json:"start"`
	Size  int `json:"size"`
}

// GestureKind is the part of the window being dragged.
type GestureKind int

const (
	Drag GestureKind = iota
	ResizeLeft
	ResizeRight
)

func (k GestureKind) String() string {
	switch k {
	case Drag:
		return "drag"
	case ResizeLeft:
		return "resize-left"
	case ResizeRight:
		return "resize-right"
	default:
		return "unknown"
	}
}

// ParseGestureKind maps the names used by the viewer UI.
func ParseGestureKind(s string) (GestureKind, bool) {
	switch s {
	case "drag":
		return Drag, true
	case "resize-left":
		return ResizeLeft, true
	case "resize-right":
		return ResizeRight, true
	}
	return 0, false
}

// Cursor is what the pointer should show.
type Cursor string

const (
	CursorIdle     Cursor = "idle"
	CursorGrabbing Cursor = "grabbing"
)

// Config holds the window limits.
type Config struct {
	MinWindow      int
	DefaultWindow  int
	OverviewPoints int
}

type gesture struct {
	kind   GestureKind
	x0     float64
	start0 int
	size0  int
}

// Navigator owns the window over a Store. Gestures are anchored at the
// state captured by Begin, so every Move is computed from the same origin
// and rounding errors do not accumulate.
type Navigator struct {
	store *waveform.Store
	cfg   Config

	mu       sync.Mutex
	win      Window
	active   *gesture
	overview waveform.Series
	ovLen    int
	ovValid  bool
}

func New(store *waveform.Store, cfg Config) *Navigator {
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = 200
	}
	if cfg.DefaultWindow < cfg.MinWindow {
		cfg.DefaultWindow = cfg.MinWindow
	}
	if cfg.OverviewPoints <= 0 {
		cfg.OverviewPoints = 1000
	}
	return &Navigator{store: store, cfg: cfg, win: Window{Size: cfg.DefaultWindow}}
}

// Window returns the current window clamped to the store length. While the
// series is shorter than MinWindow the window is the whole series.
func (n *Navigator) Window() Window {
	total := n.store.Len()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clampLocked(total)
}

func (n *Navigator) clampLocked(total int) Window {
	if total < n.cfg.MinWindow {
		return Window{Start: 0, Size: total}
	}
	w := n.win
	w.Size = clamp(w.Size, n.cfg.MinWindow, total)
	w.Start = clamp(w.Start, 0, total-w.Size)
	return w
}

// SetWindow positions the window directly (used when restoring a view).
func (n *Navigator) SetWindow(w Window) Window {
	total := n.store.Len()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.win = w
	n.win = n.clampLocked(total)
	return n.win
}

// Begin starts a gesture at pointer position x. It is a no-op while the
// series is shorter than MinWindow.
func (n *Navigator) Begin(kind GestureKind, x float64) bool {
	total := n.store.Len()
	n.mu.Lock()
	defer n.mu.Unlock()
	if total < n.cfg.MinWindow {
		return false
	}
	w := n.clampLocked(total)
	n.win = w
	n.active = &gesture{kind: kind, x0: x, start0: w.Start, size0: w.Size}
	return true
}

// Move applies the pointer position x on a track trackWidth pixels wide.
// The pointer may be anywhere, including outside the track.
func (n *Navigator) Move(x, trackWidth float64) Window {
	total := n.store.Len()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil || trackWidth <= 0 || total < n.cfg.MinWindow {
		return n.clampLocked(total)
	}
	g := n.active
	d := int(math.Round((x - g.x0) / trackWidth * float64(total)))
	minWin := n.cfg.MinWindow

	switch g.kind {
	case Drag:
		n.win.Size = g.size0
		n.win.Start = clamp(g.start0+d, 0, total-g.size0)
	case ResizeLeft:
		end := g.start0 + g.size0
		n.win.Start = clamp(g.start0+d, 0, end-minWin)
		n.win.Size = end - n.win.Start
	case ResizeRight:
		n.win.Start = g.start0
		n.win.Size = clamp(g.size0+d, minWin, total-g.start0)
	}
	return n.win
}

// End finishes the gesture.
func (n *Navigator) End() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = nil
}

// Cursor reports grabbing while a gesture is in progress.
func (n *Navigator) Cursor() Cursor {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != nil {
		return CursorGrabbing
	}
	return CursorIdle
}

// Zoomed returns the samples inside the window.
func (n *Navigator) Zoomed() waveform.Series {
	w := n.Window()
	return n.store.Slice(w.Start, w.Size)
}

// Overview returns the downsampled full series. It is recomputed only when
// the store has grown.
func (n *Navigator) Overview() waveform.Series {
	total := n.store.Len()
	n.mu.Lock()
	if n.ovValid && n.ovLen == total {
		ov := n.overview
		n.mu.Unlock()
		return ov
	}
	n.mu.Unlock()

	ov := waveform.Downsample(n.store.Slice(0, total), n.cfg.OverviewPoints)

	n.mu.Lock()
	n.overview, n.ovLen, n.ovValid = ov, total, true
	n.mu.Unlock()
	return ov
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
