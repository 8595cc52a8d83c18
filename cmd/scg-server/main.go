package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/scg.report/internal/api"
	"github.com/banshee-data/scg.report/internal/config"
	"github.com/banshee-data/scg.report/internal/db"
	"github.com/banshee-data/scg.report/internal/navigator"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/relay"
	"github.com/banshee-data/scg.report/internal/session"
	"github.com/banshee-data/scg.report/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to JSON configuration (built-in defaults when empty)")
	listen       = flag.String("listen", "", "Listen address (overrides config)")
	dbPathFlag   = flag.String("db-path", "", "SQLite database path (overrides config)")
	createRate   = flag.Int("create-rate", 10, "Session creations allowed per client per minute (0 disables)")
	requestRate  = flag.Int("request-rate", 60, "REST requests allowed per client per minute (0 disables)")
	disableDebug = flag.Bool("disable-debug", false, "Do not mount the /debug/ admin routes")
	versionFlag  = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [migrate <command>]\n\n", os.Args[0])
	flag.PrintDefaults()
}

// newStrategyFunc returns the per-session strategy factory, or nil when
// the server only relays raw samples.
func newStrategyFunc(cfg *config.Config) func() (reconstruct.Strategy, error) {
	if !cfg.GetServerInterpolation() {
		return nil
	}
	return func() (reconstruct.Strategy, error) { return reconstruct.New(cfg) }
}

func newPublisher(cfg *config.Config) relay.Publisher {
	broker := cfg.GetMQTTBroker()
	if broker == "" {
		return relay.NopPublisher{}
	}
	host, _ := os.Hostname()
	pub, err := relay.Dial(broker, "scg-server-"+host, cfg.GetMQTTTopicPrefix())
	if err != nil {
		log.Printf("MQTT relay disabled: %v", err)
		return relay.NopPublisher{}
	}
	log.Printf("relaying sessions to %s under %s/", broker, cfg.GetMQTTTopicPrefix())
	return relay.NewAsync(pub, 1024)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Println("scg-server", version.String())
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPathFlag != "" {
		cfg.DatabasePath = dbPathFlag
	}

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetDatabasePath(), os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	publisher := newPublisher(cfg)
	defer publisher.Close()

	manager := session.NewManager(session.Config{
		Store:       database,
		Publisher:   publisher,
		NewStrategy: newStrategyFunc(cfg),
		IntervalMs:  cfg.GetInterpolationIntervalMs(),
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Config{
			Manager:    manager,
			DB:         database,
			IntervalMs: cfg.GetInterpolationIntervalMs(),
			Navigator: navigator.Config{
				MinWindow:      cfg.GetMinWindow(),
				DefaultWindow:  cfg.GetDefaultWindow(),
				OverviewPoints: cfg.GetOverviewPoints(),
			},
			CreatePerMinute:   *createRate,
			RequestsPerMinute: *requestRate,
		}).ServeMux()

		if !*disableDebug {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(api.CORSMiddleware(cfg.GetCORSOrigins(), mux)),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("scg-server %s listening on %s", version.Version, cfg.GetListen())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	if n := manager.LiveSessions(); n > 0 {
		log.Printf("%d live sessions were not ended; their buffered samples are lost", n)
	}
	log.Printf("Graceful shutdown complete")
}
