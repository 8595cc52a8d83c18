package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/scg.report/internal/client"
	"github.com/banshee-data/scg.report/internal/config"
	"github.com/banshee-data/scg.report/internal/httputil"
	"github.com/banshee-data/scg.report/internal/monitor"
	"github.com/banshee-data/scg.report/internal/navigator"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/security"
	"github.com/banshee-data/scg.report/internal/version"
	"github.com/banshee-data/scg.report/internal/waveform"
)

var (
	configPath  = flag.String("config", "", "Path to JSON configuration (built-in defaults when empty)")
	servers     = flag.String("server", "http://localhost:8000", "Comma-separated server base URLs, tried in order")
	sessionID   = flag.String("session", "", "Session to export (required)")
	format      = flag.String("format", "png", "Output format: png or html")
	out         = flag.String("out", "", "Output file (default scg_<session>.<format> in the working directory)")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

// export reconstructs samples and writes them to path as png or html.
func export(path, format, title string, samples []reconstruct.Sample, cfg *config.Config) (int, error) {
	series := reconstruct.Replay(samples, cfg.GetInterpolationIntervalMs())
	if series.Len() == 0 {
		return 0, fmt.Errorf("session has fewer than two distinct samples")
	}
	if err := security.ValidateExportPath(path); err != nil {
		return 0, err
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	switch format {
	case "png":
		err = monitor.PlotPNG(f, series, title, 0, 0)
	case "html":
		store := waveform.NewStore()
		if err := store.Append(series); err != nil {
			return 0, err
		}
		nav := navigator.New(store, navigator.Config{
			MinWindow:      cfg.GetMinWindow(),
			DefaultWindow:  cfg.GetDefaultWindow(),
			OverviewPoints: cfg.GetOverviewPoints(),
		})
		err = monitor.WaveformChart(f, monitor.View{
			Title:    title,
			Status:   "ended",
			Zoomed:   nav.Zoomed(),
			Overview: nav.Overview(),
		})
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return 0, err
	}
	return series.Len(), f.Close()
}

func main() {
	flag.Parse()
	if *versionFlag {
		fmt.Println("scg-export", version.String())
		return
	}
	if *sessionID == "" {
		log.Fatal("-session is required")
	}
	if *format != "png" && *format != "html" {
		log.Fatalf("unknown format %q", *format)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()
	hc := httputil.NewStandardClient(nil)
	rest := client.New(client.ResolveBaseURL(ctx, hc, strings.Split(*servers, ",")...), hc)

	samples, err := rest.FetchHistory(ctx, *sessionID)
	if err != nil {
		log.Fatalf("failed to fetch history: %v", err)
	}

	path := *out
	if path == "" {
		path = security.ExportFilename(*sessionID, *format)
	}
	n, err := export(path, *format, "Session "+*sessionID, samples, cfg)
	if err != nil {
		log.Fatalf("export failed: %v", err)
	}
	log.Printf("wrote %d points from %d samples to %s", n, len(samples), path)
}
