package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/client"
	"github.com/banshee-data/scg.report/internal/config"
	"github.com/banshee-data/scg.report/internal/httputil"
	"github.com/banshee-data/scg.report/internal/preview"
	"github.com/banshee-data/scg.report/internal/stream"
	"github.com/banshee-data/scg.report/internal/timeutil"
	"github.com/banshee-data/scg.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to JSON configuration (built-in defaults when empty)")
	servers     = flag.String("server", "http://localhost:8000", "Comma-separated server base URLs, tried in order")
	port        = flag.String("port", "", "Serial port of the accelerometer (synthetic source when empty)")
	baud        = flag.Int("baud", 115200, "Serial baud rate")
	duration    = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	showPreview = flag.Bool("preview", true, "Draw a live sparkline of az on stderr")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

func newSource(cfg *config.Config) capture.Source {
	if *port == "" {
		log.Printf("no serial port given, using the synthetic source")
		return capture.NewSyntheticSource(capture.SyntheticConfig{
			RateHz:            1000 / cfg.GetAssumedSampleIntervalMs(),
			ClockResolutionMs: 2 * cfg.GetAssumedSampleIntervalMs(),
			Noise:             0.05,
		})
	}
	return capture.NewSerialSource(*port, capture.PortOptions{BaudRate: *baud})
}

// channel is what a measurement needs from the stream connection.
type channel interface {
	capture.Gate
	capture.Sender
	Done() <-chan struct{}
}

type measurement struct {
	cfg     *config.Config
	conn    channel
	source  capture.Source
	preview io.Writer
	clock   timeutil.Clock
}

// run records from the source until ctx ends, the source stops or the
// channel closes, then flushes what is left. It returns the transmit
// statistics.
func (m *measurement) run(ctx context.Context) (capture.TransmitStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.conn.Done():
			log.Printf("channel closed, stopping measurement")
			cancel()
		case <-ctx.Done():
		}
	}()

	queue := capture.NewQueue(m.cfg.GetSampleQueueCapacity())
	sampler := capture.NewSampler(m.conn, queue, m.cfg.GetAssumedSampleIntervalMs())
	tx := capture.NewTransmitter(capture.TransmitterConfig{
		Queue:    queue,
		Sender:   m.conn,
		Interval: m.cfg.GetFlushInterval(),
		Clock:    m.clock,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tx.Run(ctx)
	}()
	if m.preview != nil {
		r := preview.NewRenderer(preview.Config{
			Source:   sampler,
			Sink:     preview.TextSink{W: m.preview, Width: 80},
			Interval: m.cfg.GetRedrawInterval(),
			Points:   m.cfg.GetPreviewPoints(),
			Clock:    m.clock,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	err := m.source.Run(ctx, func(ev capture.MotionEvent) { sampler.Record(ev) })
	cancel()
	wg.Wait()
	if m.preview != nil {
		fmt.Fprintln(m.preview)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if d := queue.Dropped(); d > 0 {
		log.Printf("%d samples dropped on a full queue", d)
	}
	return tx.Stats(), err
}

// handleServerMessage logs what the server sends back to the device and
// reports whether the session has ended.
func handleServerMessage(data []byte) bool {
	env, err := stream.Decode(data)
	if err != nil {
		log.Printf("server: %s", strings.TrimSpace(string(data)))
		return false
	}
	return env.Type == stream.TypeSessionEnded
}

// retry runs op up to attempts times, waiting delay between tries. Errors
// that another try cannot fix are returned at once.
func retry(ctx context.Context, attempts int, delay time.Duration, what string, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, client.ErrAlreadyEnded) || errors.Is(err, client.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		log.Printf("%s failed (attempt %d of %d): %v", what, i+1, attempts, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}

// endSession ends the session over REST. It is called after the channel has
// closed so the server already holds the final batch.
func endSession(api *client.Client, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var res client.EndResult
	err := retry(ctx, retryAttempts, retryDelay, "ending session", func() error {
		var err error
		res, err = api.EndSession(ctx, id)
		return err
	})
	switch {
	case errors.Is(err, client.ErrAlreadyEnded):
		log.Printf("session %s had already ended", id)
		return nil
	case err != nil:
		return err
	}
	log.Print(res.Message)
	return nil
}

var (
	retryAttempts = 3
	retryDelay    = 2 * time.Second
)

func main() {
	flag.Parse()
	if *versionFlag {
		fmt.Println("scg-capture", version.String())
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

// run performs one measurement and returns the process exit code. Failures
// are logged and end the run; none of them abort the process midway.
func run(ctx context.Context, cfg *config.Config) int {
	hc := httputil.NewStandardClient(nil)
	base := client.ResolveBaseURL(ctx, hc, strings.Split(*servers, ",")...)
	api := client.New(base, hc)

	var sess client.Session
	err := retry(ctx, retryAttempts, retryDelay, "creating session", func() error {
		var err error
		sess, err = api.CreateSession(ctx)
		return err
	})
	if err != nil {
		log.Printf("could not create a session on %s: %v", base, err)
		return 1
	}
	log.Printf("session %s created, view at %s%s", sess.ID, base, sess.ViewerURL)

	wsURL, err := api.WebsocketURL(sess)
	if err != nil {
		log.Printf("bad websocket url: %v", err)
		return 1
	}
	var conn *stream.Conn
	err = retry(ctx, retryAttempts, retryDelay, "opening channel", func() error {
		var err error
		conn, err = stream.Dial(ctx, wsURL, func(s stream.State) { log.Printf("channel %s", s) })
		return err
	})
	if err != nil {
		log.Printf("could not open the channel: %v", err)
		if err := endSession(api, sess.ID); err != nil {
			log.Printf("failed to end session: %v", err)
		}
		return 1
	}

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// The read loop outlives mctx: Close ends it once the server has
	// answered the close frame, after the final batch.
	go conn.ReadLoop(context.Background(), func(data []byte) {
		if handleServerMessage(data) {
			log.Printf("session ended by the server")
			cancel()
		}
	})

	err = capture.Countdown(mctx, timeutil.RealClock{}, cfg.GetCountdownSeconds(), func(n int) {
		log.Printf("starting in %d...", n)
	})
	if err == nil {
		log.Printf("recording")
		var out io.Writer
		if *showPreview {
			out = os.Stderr
		}
		m := &measurement{cfg: cfg, conn: conn, source: newSource(cfg), preview: out, clock: timeutil.RealClock{}}
		stats, err := m.run(mctx)
		if errors.Is(err, capture.ErrPermissionDenied) {
			log.Printf("cannot read the motion sensor: %v", err)
		} else if err != nil {
			log.Printf("capture stopped: %v", err)
		}
		log.Printf("sent %d samples in %d batches (%d failed sends, %d samples lost)",
			stats.Samples, stats.Batches, stats.Failures, stats.LostToErrors)
	}

	// returns once the server has processed everything sent before it
	conn.Close()

	if err := endSession(api, sess.ID); err != nil {
		log.Printf("failed to end session: %v", err)
		return 1
	}
	return 0
}
