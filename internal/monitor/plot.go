package monitor

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/scg.report/internal/waveform"
)

// Default PNG size.
const (
	PlotWidth  = 14 * vg.Inch
	PlotHeight = 6 * vg.Inch
)

// PlotPNG draws s as a line plot and writes it as PNG.
func PlotPNG(w io.Writer, s waveform.Series, title string, width, height vg.Length) error {
	if s.Len() == 0 {
		return ErrEmpty
	}
	if width <= 0 {
		width = PlotWidth
	}
	if height <= 0 {
		height = PlotHeight
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "t (ms)"
	p.Y.Label.Text = "az (m/s²)"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, s.Len())
	for i := range s.T {
		pts[i] = plotter.XY{X: s.T[i], Y: s.Az[i]}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("create line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	p.Add(line)

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("plot writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}
