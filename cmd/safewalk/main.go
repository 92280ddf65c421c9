// Command safewalk runs the pedestrian navigation service: the navigation
// state machine, its HTTP API and the live WebSocket stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/yegors/safewalk/internal/animation"
	"github.com/yegors/safewalk/internal/api"
	"github.com/yegors/safewalk/internal/config"
	"github.com/yegors/safewalk/internal/display"
	"github.com/yegors/safewalk/internal/lazy"
	"github.com/yegors/safewalk/internal/location"
	"github.com/yegors/safewalk/internal/navigation"
	"github.com/yegors/safewalk/internal/route"
	"github.com/yegors/safewalk/internal/storage/sqlite"
	"github.com/yegors/safewalk/internal/websocket"
	"github.com/yegors/safewalk/pkg/logger"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("SafeWalk exited with error", logger.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// The database is opened on the first track write or session query
	tracks := lazy.New(func(ctx context.Context) (*sqlite.TrackStorage, error) {
		db, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		storage, err := sqlite.NewTrackStorage(db, log)
		if err != nil {
			db.Close()
			return nil, err
		}
		return storage, nil
	})
	writer := sqlite.NewAsyncWriter(tracks, cfg.Storage.QueueSize, log)

	var (
		source location.Source
		feed   api.PositionFeed
	)
	switch cfg.PositionSource.Kind {
	case "replay":
		steps, err := location.LoadReplayFile(cfg.PositionSource.ReplayFile)
		if err != nil {
			return err
		}
		source = location.NewReplaySource(steps, cfg.PositionSource.ReplayInterval.Duration, clock, log)
		log.Info("Replaying recorded track",
			logger.String("file", cfg.PositionSource.ReplayFile),
			logger.Int("steps", len(steps)))
	default:
		push := location.NewPushSource(log)
		source, feed = push, push
	}

	ws := websocket.NewServer(cfg.Server.CORSAllowedOrigins, log)
	renderer := display.NewRenderer(ws, log)
	animator := animation.New(animation.Config{
		Duration:      cfg.Animation.Duration.Duration,
		FrameInterval: cfg.Animation.FrameInterval.Duration,
	}, clock, log, renderer)
	renderer.SetMarker(animator)

	machine := navigation.New(navigation.Config{
		OffRouteThresholdMeters: cfg.Navigation.OffRouteThresholdMeters,
		DeviationMode:           navigation.DeviationMode(cfg.Navigation.DeviationMode),
		ArrivalRadiusMeters:     cfg.Navigation.ArrivalRadiusMeters,
		AutoStopDelay:           cfg.Navigation.AutoStopDelay.Duration,
		WalkingSpeedKmh:         cfg.Navigation.WalkingSpeedKmh,
		StepThresholds:          cfg.Navigation.StepThresholds,
		PositionTimeout:         cfg.PositionSource.Timeout.Duration,
		InboxSize:               cfg.Navigation.InboxSize,
	}, source, log,
		navigation.WithClock(clock),
		navigation.WithTrackSink(writer),
		navigation.WithListener(renderer),
	)

	var routes api.RouteFinder
	if cfg.Directions.URL != "" {
		routes = route.NewClient(cfg.Directions.URL, cfg.Directions.APIKey,
			cfg.Directions.Timeout.Duration, cfg.Directions.MaxRetries, log)
	} else {
		log.Warn("No directions URL configured, route search disabled")
	}

	handler := api.NewHandler(api.Deps{
		Navigator: machine,
		Feed:      feed,
		Routes:    routes,
		Tracks:    tracks,
		WS:        ws,
	}, log)
	router := api.NewRouter(handler, cfg.Server.CORSAllowedOrigins, log)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The writer outlives the machine so the final SessionEnded is flushed
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopWriter()
		return machine.Run(gctx)
	})
	g.Go(func() error {
		return writer.Run(writerCtx)
	})
	g.Go(func() error {
		return animator.Run(gctx)
	})
	g.Go(func() error {
		log.Info("HTTP server listening", logger.String("addr", cfg.Server.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	closeStorage(tracks, log)
	if dropped := writer.Dropped(); dropped > 0 {
		log.Warn("Track writes dropped during run", logger.Uint64("dropped", dropped))
	}
	return err
}

// closeStorage closes the database if it was ever opened
func closeStorage(tracks *lazy.Future[*sqlite.TrackStorage], log *logger.Logger) {
	select {
	case <-tracks.Done():
	default:
		return
	}

	storage, err := tracks.Get(context.Background())
	if err != nil {
		return
	}
	if err := storage.Close(); err != nil {
		log.Error("Failed to close track storage", logger.Error(err))
	}
}
