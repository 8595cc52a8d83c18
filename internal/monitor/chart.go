// Package monitor renders a reconstructed waveform for humans: an echarts
// HTML page with the zoomed window above the full-length overview, and a
// static PNG for export.
package monitor

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/scg.report/internal/waveform"
)

// AssetsHost is where the rendered pages load echarts from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ErrEmpty is returned when there is nothing to draw.
var ErrEmpty = errors.New("monitor: empty waveform")

// View is one rendering of a session.
type View struct {
	Title    string
	Status   string
	Zoomed   waveform.Series
	Overview waveform.Series
}

func lineData(s waveform.Series) []opts.LineData {
	data := make([]opts.LineData, 0, s.Len())
	for i := range s.T {
		data = append(data, opts.LineData{Value: []interface{}{s.T[i], s.Az[i]}})
	}
	return data
}

func newLine(title, subtitle, height string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: height, AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "t (ms)", NameLocation: "middle", NameGap: 25, Min: "dataMin", Max: "dataMax"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "az (m/s²)", NameLocation: "middle", NameGap: 40}),
	)
	return line
}

// WaveformChart writes an HTML page with the zoomed window and the overview.
// The window is shaded on the overview.
func WaveformChart(w io.Writer, v View) error {
	if v.Overview.Len() == 0 {
		return ErrEmpty
	}
	title := v.Title
	if title == "" {
		title = "SCG waveform"
	}

	zoomed := newLine(title, fmt.Sprintf("%s points=%d", v.Status, v.Zoomed.Len()), "480px")
	zoomed.AddSeries("az", lineData(v.Zoomed),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	overview := newLine("Overview", fmt.Sprintf("points=%d", v.Overview.Len()), "200px")
	var seriesOpts []charts.SeriesOpts
	seriesOpts = append(seriesOpts, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	if n := v.Zoomed.Len(); n > 0 {
		lo, hi := floats.Min(v.Overview.Az), floats.Max(v.Overview.Az)
		seriesOpts = append(seriesOpts,
			charts.WithMarkAreaNameCoordItemOpts(opts.MarkAreaNameCoordItem{
				Name:        "window",
				Coordinate0: []interface{}{v.Zoomed.T[0], lo},
				Coordinate1: []interface{}{v.Zoomed.T[n-1], hi},
			}),
			charts.WithMarkAreaStyleOpts(opts.MarkAreaStyle{
				ItemStyle: &opts.ItemStyle{Color: "rgba(80, 140, 220, 0.25)"},
			}),
		)
	}
	overview.AddSeries("overview", lineData(v.Overview), seriesOpts...)

	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.SetPageTitle(title)
	page.AddCharts(zoomed, overview)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
