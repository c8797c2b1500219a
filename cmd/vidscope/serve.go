package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/primal-host/vidscope/internal/analysis"
	"github.com/primal-host/vidscope/internal/auth"
	"github.com/primal-host/vidscope/internal/config"
	"github.com/primal-host/vidscope/internal/database"
	"github.com/primal-host/vidscope/internal/detector"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/metrics"
	"github.com/primal-host/vidscope/internal/processing"
	"github.com/primal-host/vidscope/internal/report"
	"github.com/primal-host/vidscope/internal/server"
	"github.com/primal-host/vidscope/internal/storage"
	"github.com/primal-host/vidscope/internal/subscription"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/primal-host/vidscope/internal/upload"
	"github.com/primal-host/vidscope/internal/usage"
	"github.com/primal-host/vidscope/internal/video"
	"github.com/spf13/cobra"
)

func serveCommand(logger logs.Log, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the processing queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(logger, cfg)
		},
	}
}

func serve(logger logs.Log, cfg *config.Config) error {
	logger.Infof("vidscope %s starting (%s)", server.Version, cfg.Redacted())

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("Received %v, shutting down...", sig)
		cancel()
	}()

	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Infof("Database connected")

	store, closeStore, err := openStorage(ctx, logger, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	m, err := metrics.New()
	if err != nil {
		return err
	}

	var det detector.Detector = detector.Simulated{}
	if cfg.DetectorURL != "" {
		det = detector.NewHTTPClient(cfg.DetectorURL, cfg.DetectorTimeout)
		logger.Infof("Using detector at %s", cfg.DetectorURL)
	} else {
		logger.Warnf("No detectorUrl configured, detections are simulated")
	}

	subs := subscription.NewStore(db, logger)
	videos := video.NewStore(db)
	analyses := analysis.NewStore(db)
	reports := report.NewStore(db)
	keys := auth.NewKeyStore(db)
	ev := events.NewManager(events.NewPersister(db.Pool))
	defer ev.Shutdown()

	links := upload.Linker{Store: store, BaseURL: cfg.PublicURL, Secret: cfg.MediaSecret()}
	queue := processing.NewQueue(logger, analyses, det, ev, m, processing.Options{TickInterval: cfg.TickInterval})
	queue.Start(ctx)
	restorePending(ctx, logger, analyses, subs, queue, links)

	var tokens *auth.TokenVerifier
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenVerifier(cfg.JWTSecret)
	}
	if cfg.DemoMode {
		logger.Warnf("Demo mode is on: unauthenticated requests act as %s", auth.DemoUser.UserID)
	}

	srv := server.New(cfg, logger, server.Deps{
		Auth:          auth.NewAuthenticator(cfg.AdminKey, tokens, keys, cfg.DemoMode),
		Subscriptions: subs,
		Videos:        videos,
		Analyses:      analyses,
		Queue:         queue,
		Uploads:       upload.NewService(logger, links, subs, videos, analyses, queue, ev, m),
		Reports:       reports,
		Usage:         usage.NewService(db, subs, analyses, ev),
		Keys:          keys,
		Profiles:      auth.NewProfileStore(db),
		Links:         links,
		Events:        ev,
		Storage:       store,
		Metrics:       m,
		Setup:         db.Setup,
	})

	// Blocks until the context is cancelled.
	serveErr := srv.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := queue.Stop(stopCtx); err != nil {
		logger.Warnf("Processing queue did not stop cleanly: %v", err)
	}
	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	logger.Infof("vidscope stopped")
	return nil
}

// openStorage selects GCS when a bucket is configured, the local
// filesystem otherwise.
func openStorage(ctx context.Context, logger logs.Log, sc config.StorageConfig) (storage.Storage, func(), error) {
	if sc.GCSBucket != "" {
		gcs, err := storage.NewGCS(ctx, logger, sc.GCSBucket, sc.GCSPublic)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Storing videos in gs://%s", sc.GCSBucket)
		return gcs, func() {
			if err := gcs.Close(); err != nil {
				logger.Warnf("Closing GCS client: %v", err)
			}
		}, nil
	}
	fs, err := storage.NewFS(logger, sc.Dir)
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("Storing videos in %s", sc.Dir)
	return fs, func() {}, nil
}

// restorePending queues the analyses that were queued or processing when
// the previous run stopped. Progress restarts from zero.
func restorePending(ctx context.Context, logger logs.Log, analyses *analysis.Store, subs *subscription.Store, queue *processing.Queue, links upload.Linker) {
	pending, err := analyses.Pending(ctx)
	if err != nil {
		logger.Errorf("Listing unfinished analyses: %v", err)
		return
	}
	restored := 0
	for _, ref := range pending {
		priority := false
		if sub, err := subs.GetForUser(ctx, ref.UserID); err == nil {
			priority = tier.Can(sub.Tier, tier.FeaturePriority)
		}
		var duration float64
		if ref.DurationSeconds != nil {
			duration = *ref.DurationSeconds
		}
		url, err := links.FetchURL(ref.VideoPath, ref.VideoID)
		if err != nil {
			logger.Warnf("Linking video of analysis %s: %v", ref.ID, err)
			continue
		}
		_, err = queue.Enqueue(ctx, processing.Params{
			AnalysisID:      ref.ID,
			VideoID:         ref.VideoID,
			UserID:          ref.UserID,
			Title:           ref.Title,
			VideoURL:        url,
			DurationSeconds: duration,
			Priority:        priority,
		})
		if err != nil {
			logger.Warnf("Re-queueing analysis %s: %v", ref.ID, err)
			continue
		}
		restored++
	}
	if restored > 0 {
		logger.Infof("Re-queued %d unfinished analyses", restored)
	}
}
