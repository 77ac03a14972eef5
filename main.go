package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"liverelay/config"
	"liverelay/httpServer"
	"liverelay/internal/logger"
	"liverelay/internal/metrics"
	"liverelay/internal/rtmp"
	"liverelay/internal/storage"
	"liverelay/internal/streammanager"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := logger.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Log)
	log := logger.L()
	log.Info().Msg("Starting liverelay server...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// recordings outlive the signal context so uploads can finish during shutdown
	recordings, closeStorage, err := openStorage(context.Background(), cfg.Record, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer closeStorage()

	m := metrics.New()
	streamManager := streammanager.New(recordings, m, log)

	rtmpSrv := rtmp.New(cfg.RTMP, streamManager, m, log)
	httpSrv := httpServer.New(cfg.HTTP, streamManager, recordings, m, cfg.RTMP.OutboundQueueSize, log)

	log.Info().
		Str("rtmp", cfg.RTMP.Addr).
		Str("http", cfg.HTTP.Addr).
		Bool("http_flv", cfg.HTTP.EnableFLV).
		Bool("recording", recordings != nil).
		Msg("liverelay server started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rtmpSrv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return httpSrv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}

	streamManager.Shutdown()
	log.Info().Msg("liverelay server stopped")
}

// openStorage selects the recording backend. It returns a nil Storage when
// recording is disabled.
func openStorage(ctx context.Context, cfg config.RecordConfig, log zerolog.Logger) (storage.Storage, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		return nil, noop, nil
	}

	switch cfg.Type {
	case "gcs":
		gcs, err := storage.NewGCSStorage(ctx, cfg.GCS.ProjectID, cfg.GCS.Bucket, cfg.GCS.BaseDir)
		if err != nil {
			return nil, noop, err
		}
		log.Info().Str("bucket", cfg.GCS.Bucket).Str("base_dir", cfg.GCS.BaseDir).Msg("recording to GCS")
		return gcs, func() {
			if err := gcs.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close GCS client")
			}
		}, nil
	default:
		local, err := storage.NewLocalStorage(cfg.Dir)
		if err != nil {
			return nil, noop, err
		}
		log.Info().Str("dir", cfg.Dir).Msg("recording to local directory")
		return local, noop, nil
	}
}
