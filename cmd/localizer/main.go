// Command localizer corrects the vehicle pose from fiducial tag detections.
//
// It reads line-delimited JSON events (detections, reference poses, camera
// info, landmark maps and static transforms) from a serial port or a
// recorded file, writes corrected poses as JSON lines, journals every
// correction and rejection to sqlite and serves status, charts and metrics
// over HTTP.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tag.localizer/internal/api"
	"github.com/banshee-data/tag.localizer/internal/config"
	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/feed"
	"github.com/banshee-data/tag.localizer/internal/journal"
	"github.com/banshee-data/tag.localizer/internal/landmark"
	"github.com/banshee-data/tag.localizer/internal/metrics"
	"github.com/banshee-data/tag.localizer/internal/tfstatic"
	"github.com/banshee-data/tag.localizer/internal/timeutil"
	"github.com/banshee-data/tag.localizer/internal/version"
)

var (
	listen          = flag.String("listen", ":8080", "HTTP listen address")
	port            = flag.String("port", "/dev/ttyUSB0", "Serial port carrying the vision event stream")
	baudRate        = flag.Int("baud", feed.DefaultBaudRate, "Serial baud rate")
	replayPath      = flag.String("replay", "", "Read events from a recorded file instead of the serial port")
	exitAfterReplay = flag.Bool("exit-after-replay", true, "Shut down once the replay file is exhausted")
	configPath      = flag.String("config", "", "Path to the localizer JSON config (built-in defaults when empty)")
	staticPath      = flag.String("static-transforms", "", "File of static_transform events applied before the feed starts")
	mapPath         = flag.String("map", "", "Landmark map JSON installed before the feed starts")
	outputPath      = flag.String("output", "-", "Where corrected poses are written as JSON lines ('-' for stdout)")
	dbPath          = flag.String("db", "localizer.db", "Correction journal path (empty disables the journal)")
	retention       = flag.Duration("retention", 7*24*time.Hour, "How long journal rows are kept after they are recorded")
	pruneInterval   = flag.Duration("prune-interval", time.Hour, "How often the journal is pruned")
	verbose         = flag.Bool("verbose", false, "Log rejections, transform failures and skipped landmarks")
	traceLog        = flag.String("trace-log", "", "File receiving per-detection trace logs")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

// feedSource is the part of feed.Mux the command uses, independent of the
// port type behind it.
type feedSource interface {
	Subscribe() (string, chan string)
	SubscribeLossless() (string, chan string)
	Unsubscribe(id string)
	Monitor(ctx context.Context) error
	Close() error
	Lines() uint64
	Dropped() uint64
	AttachAdminRoutes(mux *http.ServeMux)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		if err := journal.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	closeLogs, err := setupLogging(*verbose, *traceLog)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closeLogs()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	logParameters(cfg)

	out, closeOut, err := openOutput(*outputPath)
	if err != nil {
		log.Fatalf("failed to open output: %v", err)
	}
	defer closeOut()
	sink := newJSONLinesOutput(out)

	transforms := tfstatic.NewBuffer()
	opts := correction.OptionsFromConfig(cfg)
	opts.Resolver = transforms
	opts.Sink = sink
	opts.Markers = sink
	opts.Diagnostics = sink
	pipeline, err := correction.New(opts)
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	var db *journal.DB
	if *dbPath != "" {
		if db, err = journal.Open(*dbPath); err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer db.Close()
	}

	dispatcher := &feed.Dispatcher{Pipeline: pipeline, Transforms: transforms}
	if db != nil {
		dispatcher.OnFrame = func(res correction.FrameResult) {
			if err := db.RecordFrame(res); err != nil {
				log.Printf("failed to journal frame: %v", err)
			}
		}
		dispatcher.OnMapUpdate = func([]landmark.Marker) {
			if err := db.RecordMapSnapshot(pipeline.Landmarks()); err != nil {
				log.Printf("failed to journal map snapshot: %v", err)
			}
		}
	}

	if *staticPath != "" {
		n, err := applyEventFile(dispatcher, *staticPath)
		if err != nil {
			log.Fatalf("failed to apply static transforms: %v", err)
		}
		log.Printf("applied %d events from %s (%d transforms known)", n, *staticPath, transforms.Len())
	}
	if *mapPath != "" {
		raw, err := os.ReadFile(*mapPath)
		if err != nil {
			log.Fatalf("failed to read landmark map: %v", err)
		}
		markers, err := pipeline.HandleMapUpdate(raw)
		if err != nil {
			log.Fatalf("failed to install landmark map: %v", err)
		}
		if dispatcher.OnMapUpdate != nil {
			dispatcher.OnMapUpdate(markers)
		}
		log.Printf("installed %d landmarks from %s", len(markers), *mapPath)
	}

	src, feedName, err := openFeed(*replayPath, *port, *baudRate)
	if err != nil {
		log.Fatalf("failed to open feed: %v", err)
	}
	defer src.Close()

	m := metrics.New(pipeline)
	m.RegisterFeed(feedName, src.Lines, src.Dropped, dispatcher.DecodeErrors)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe before Monitor starts so a replay cannot race past us.
	subID, lines := dispatchSubscription(src, *replayPath != "")
	dispatchDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := src.Monitor(ctx)
		switch {
		case err == nil:
			log.Printf("feed %s exhausted", feedName)
		case errors.Is(err, context.Canceled):
		default:
			log.Printf("failed to monitor feed: %v", err)
		}
		if *replayPath != "" {
			// Closing ends the dispatcher once it has drained the replay.
			src.Close()
			if *exitAfterReplay {
				go func() {
					<-dispatchDone
					stop()
				}()
			}
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(dispatchDone)
		defer src.Unsubscribe(subID)
		if err := dispatcher.Run(ctx, lines); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dispatcher stopped: %v", err)
		}
		log.Printf("dispatch routine terminated after %d events", dispatcher.Events())
	}()

	if db != nil && *pruneInterval > 0 && *retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db.RunPruner(ctx, timeutil.RealClock{}, *pruneInterval, *retention)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		opts := api.Options{Config: cfg, Metrics: m.Handler()}
		if db != nil {
			opts.Store = db
		}
		mux := api.NewServer(pipeline, opts).ServeMux()

		src.AttachAdminRoutes(mux)
		if db != nil {
			if err := db.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach journal admin routes: %v", err)
			}
		}
		debug := tsweb.Debugger(mux)
		debug.KVFunc("Readiness", func() any { return pipeline.Readiness().String() })
		debug.KVFunc("Landmarks", func() any { return pipeline.Landmarks().Len() })
		debug.KVFunc("Corrections published", func() any { return pipeline.Stats().Snapshot().Accepted })

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
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
	log.Printf("Graceful shutdown complete")
}

// setupLogging wires the ops stream to stderr, the diag stream to stderr
// when verbose, and the trace stream to tracePath when set.
func setupLogging(verbose bool, tracePath string) (func(), error) {
	var diag, trace io.Writer
	closer := func() {}
	if verbose {
		diag = os.Stderr
	}
	if tracePath != "" {
		f, err := os.OpenFile(tracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		trace = f
		closer = func() { f.Close() }
	}
	correction.SetLogWriters(os.Stderr, diag, trace)
	landmark.SetLogWriter(diag)
	return closer, nil
}

func logParameters(cfg *config.LocalizerConfig) {
	log.Printf("%s", version.String())
	log.Printf("marker_size: %.3f", cfg.GetMarkerSize())
	log.Printf("detection_mode: %s", cfg.GetDetectionMode())
	log.Printf("min_marker_size: %.3f", cfg.GetMinMarkerSize())
	log.Printf("tag_family: %s", cfg.GetTagFamily())
	log.Printf("target_tag_ids: %v", cfg.GetTargetTagIDs())
	log.Printf("distance_threshold: %.3f", cfg.GetDistanceThreshold())
	log.Printf("ekf_time_tolerance: %s", cfg.GetEKFTimeTolerance())
	log.Printf("ekf_position_tolerance: %.3f", cfg.GetEKFPositionTolerance())
	log.Printf("frames: map=%s body=%s", cfg.GetMapFrame(), cfg.GetBodyFrame())
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// dispatchSubscription subscribes the dispatcher. A replay waits for the
// dispatcher rather than dropping lines; a live port never does.
func dispatchSubscription(src feedSource, replay bool) (string, chan string) {
	if replay {
		return src.SubscribeLossless()
	}
	return src.Subscribe()
}

func openFeed(replay, port string, baud int) (feedSource, string, error) {
	if replay != "" {
		m, err := feed.OpenReplay(replay)
		return m, "replay", err
	}
	m, err := feed.OpenSerial(port, feed.PortOptions{BaudRate: baud})
	return m, "serial", err
}

// applyEventFile dispatches every line of path synchronously and returns
// the number of events applied. The first bad line is an error.
func applyEventFile(d *feed.Dispatcher, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scan := bufio.NewScanner(f)
	for line := 1; scan.Scan(); line++ {
		if len(scan.Bytes()) == 0 {
			continue
		}
		if err := d.HandleLine(scan.Text()); err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		n++
	}
	return n, scan.Err()
}
