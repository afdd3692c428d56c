package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/beatsync/internal/api"
	"github.com/bobarin/beatsync/internal/beat"
	"github.com/bobarin/beatsync/internal/config"
	"github.com/bobarin/beatsync/internal/db"
	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/presets"
	"github.com/bobarin/beatsync/internal/queue"
	"github.com/bobarin/beatsync/internal/retry"
	"github.com/bobarin/beatsync/internal/services"
	"github.com/bobarin/beatsync/internal/storage"
	"github.com/bobarin/beatsync/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		base := xlog.Base()
		base.Fatal().Err(err).Msg("failed to load config")
	}
	xlog.Configure(xlog.Config{Level: cfg.LogLevel})
	logger := xlog.WithComponent("main")
	logger.Info().Msg("starting beatsync")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("beatsync exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("server exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := xlog.WithComponent("main")

	registry, err := presets.Load(cfg.PresetsFile)
	if err != nil {
		return err
	}
	logger.Info().Int("presets", len(registry.List())).Msg("presets loaded")

	var store db.JobStore
	if cfg.DatabaseURL != "" {
		database, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		store = database
		logger.Info().Msg("connected to job database")
	} else {
		store = db.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, jobs are kept in memory")
	}
	defer store.Close()

	var q queue.Queue
	if cfg.RedisURL != "" {
		rq, err := queue.NewRedis(cfg.RedisURL)
		if err != nil {
			return err
		}
		q = rq
		logger.Info().Msg("connected to redis queue")
	} else {
		q = queue.NewMemory()
		logger.Warn().Msg("REDIS_URL not set, using the in-process queue")
	}
	defer q.Close()

	policy := retry.DefaultPolicy()

	var (
		backend storage.Backend
		files   api.FileServer
	)
	switch cfg.StorageBackend {
	case config.StorageSupabase:
		backend = storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, policy)
		logger.Info().Str("bucket", cfg.SupabaseStorageBucket).Msg("initialized supabase storage")
	default:
		local, err := storage.NewLocal(cfg.LocalStorageDir, cfg.SigningSecret, cfg.PublicBaseURL)
		if err != nil {
			return err
		}
		backend, files = local, local
		logger.Info().Str("dir", cfg.LocalStorageDir).Msg("initialized local storage")
	}
	for _, rule := range storage.DefaultLifecycle {
		logger.Debug().Str("prefix", rule.Prefix).Dur("delete_after", rule.DeleteAfter).Dur("cold_after", rule.ColdAfter).Msg("expected bucket lifecycle rule")
	}

	manager := storage.NewManager(backend, storage.ManagerConfig{
		TempDir:       cfg.TempDir,
		MaxInputBytes: cfg.MaxInputBytes,
		SignedURLTTL:  cfg.SignedURLTTL,
		Policy:        policy,
	})

	notifier := services.NewNotifier(services.NotifierConfig{
		Workers:    cfg.WebhookWorkers,
		RatePerSec: cfg.WebhookRatePerSec,
		Timeout:    cfg.WebhookTimeout,
		Policy:     policy,
	})

	orch := worker.New(worker.Config{
		Concurrency:     cfg.MaxConcurrentJobs,
		JobTimeout:      cfg.JobTimeout,
		MaxJobCost:      cfg.MaxJobCost,
		MaxAudioSeconds: cfg.MaxAudioSeconds,
		MaxVideoSources: cfg.MaxVideoSources,
	}, worker.Deps{
		Store:    store,
		Queue:    q,
		Storage:  manager,
		Detector: beat.NewCachedDetector(beat.NewEngine(), beat.NewMemoryCache(), manager),
		Media:    services.NewFFmpegService(cfg.FFmpegPath, cfg.FFprobePath),
		Notifier: notifier,
		Presets:  registry,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Jobs:           orch,
		Presets:        registry,
		Uploads:        manager,
		Files:          files,
		MaxUploadBytes: cfg.MaxInputBytes,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:       cfg.BackendAPIKey,
		CorsAllowedOrigins:  cfg.CorsAllowedOrigins,
		SubmitRatePerMinute: cfg.SubmitRatePerMin,
	})
	if cfg.BackendAPIKey == "" {
		logger.Warn().Msg("BACKEND_API_KEY not set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	if cfg.WorkerEnabled {
		g.Go(func() error {
			return orch.Start(gctx)
		})
	} else {
		logger.Info().Msg("worker disabled, this instance only accepts submissions")
	}

	// Webhook failures never change job state; they are only reported.
	failuresDone := make(chan struct{})
	go func() {
		defer close(failuresDone)
		wlog := xlog.WithComponent("webhook")
		for f := range notifier.Failures() {
			wlog.Warn().Err(f.Err).Str("job_id", f.JobID.String()).Str("url", f.URL).Msg("webhook not delivered")
		}
	}()

	err = g.Wait()
	notifier.Close()
	<-failuresDone
	return err
}
