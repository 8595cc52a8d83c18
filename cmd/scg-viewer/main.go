package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/scg.report/internal/api"
	"github.com/banshee-data/scg.report/internal/client"
	"github.com/banshee-data/scg.report/internal/config"
	"github.com/banshee-data/scg.report/internal/httputil"
	"github.com/banshee-data/scg.report/internal/navigator"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/version"
	"github.com/banshee-data/scg.report/internal/viewer"
	"github.com/banshee-data/scg.report/internal/waveform"
)

var (
	configPath  = flag.String("config", "", "Path to JSON configuration (built-in defaults when empty)")
	servers     = flag.String("server", "http://localhost:8000", "Comma-separated server base URLs, tried in order")
	sessionID   = flag.String("session", "", "Session to view (required)")
	listen      = flag.String("listen", "localhost:8090", "Address of the local chart server")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *versionFlag {
		fmt.Println("scg-viewer", version.String())
		return
	}
	if *sessionID == "" {
		log.Fatal("-session is required")
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hc := httputil.NewStandardClient(nil)
	base := client.ResolveBaseURL(ctx, hc, strings.Split(*servers, ",")...)
	rest := client.New(base, hc)

	sess, err := rest.GetSession(ctx, *sessionID)
	if err != nil {
		log.Fatalf("failed to look up session: %v", err)
	}

	strategy, err := reconstruct.New(cfg)
	if err != nil {
		log.Fatalf("bad reconstruction config: %v", err)
	}
	store := waveform.NewStore()
	r := viewer.New(viewer.Config{
		Store:      store,
		Strategy:   strategy,
		IntervalMs: cfg.GetInterpolationIntervalMs(),
		OnStatus:   func(s viewer.ViewStatus) { log.Printf("status: %s", s) },
	})
	nav := navigator.New(store, navigator.Config{
		MinWindow:      cfg.GetMinWindow(),
		DefaultWindow:  cfg.GetDefaultWindow(),
		OverviewPoints: cfg.GetOverviewPoints(),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if sess.Status == "ended" {
			if err := r.Replay(ctx, rest, sess.ID); err != nil {
				log.Printf("replay failed: %v", err)
				return
			}
			log.Printf("replayed %d points", store.Len())
			return
		}
		wsURL, err := rest.WebsocketURL(sess)
		if err != nil {
			log.Printf("bad websocket url: %v", err)
			return
		}
		if err := r.Follow(ctx, wsURL, rest, sess.ID); err != nil {
			log.Printf("stream ended: %v", err)
		}
		st := r.Stats()
		log.Printf("received %d batches, %d interpolated, %d malformed; %d points",
			st.Batches, st.Interpolated, st.Malformed, store.Len())
	}()

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(viewer.NewHandler("Session "+sess.ID, nav, r).ServeMux()),
	}
	go func() {
		log.Printf("viewing session %s at http://%s/", sess.ID, *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	wg.Wait()
}
