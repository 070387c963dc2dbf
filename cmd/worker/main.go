package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/eylo/internal/agent"
	"github.com/yourorg/eylo/internal/config"
	"github.com/yourorg/eylo/internal/extract"
	"github.com/yourorg/eylo/internal/ffmpeg"
	"github.com/yourorg/eylo/internal/health"
	"github.com/yourorg/eylo/internal/jobstore"
	"github.com/yourorg/eylo/internal/media"
	"github.com/yourorg/eylo/internal/notify"
	"github.com/yourorg/eylo/internal/platform"
	"github.com/yourorg/eylo/internal/queue"
	"github.com/yourorg/eylo/internal/scrape"
	"github.com/yourorg/eylo/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Info("opening job store", "driver", cfg.StoreDriver)
	store, err := jobstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logger.Error("open job store failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	logger.Info("connecting to queue", "backend", cfg.QueueBackend, "name", cfg.QueueName)
	q, err := queue.New(ctx, cfg.QueueConfig(), store, logger)
	if err != nil {
		logger.Error("connect to queue failed", "err", err)
		os.Exit(1)
	}
	defer q.Close()

	notifier := newNotifier(ctx, cfg, logger)
	a := agent.New(
		store,
		newScraper(cfg, logger),
		media.NewFetcher(cfg.DownloadTimeout, logger),
		extract.NewOpenAI(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, ffmpeg.NewSampler(), logger),
		notifier,
		logger,
		agent.Options{
			ExtractTimeout:  cfg.ExtractTimeout,
			DownloadTimeout: cfg.DownloadTimeout,
		},
	)

	hs := health.New()
	go func() {
		addr := ":" + cfg.HealthPort
		logger.Info("health server listening", "addr", addr)
		if err := health.Serve(ctx, hs, addr); err != nil {
			logger.Error("health serve error", "err", err)
		}
	}()

	go worker.RunHeartbeat(ctx, q, hs, 15*time.Second, logger)
	go worker.RunReaper(ctx, store, q, cfg.ReaperInterval, cfg.StaleAfter, logger)

	opts := worker.Options{
		ClaimTimeout:     cfg.ClaimTimeout,
		IdleInterval:     cfg.IdleInterval,
		ErrorCooldown:    cfg.ErrorCooldown,
		MaxErrorCooldown: cfg.MaxErrorCooldown,
	}
	hostname, _ := os.Hostname()
	workers := make([]*worker.Worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		id := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
		w := worker.New(id, q, a, hs, logger, opts)
		workers = append(workers, w)
		go w.Start(ctx)
	}
	logger.Info("worker ready",
		"workers", cfg.WorkerCount,
		"queue_backend", cfg.QueueBackend,
		"store_driver", cfg.StoreDriver)

	<-ctx.Done()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer drainCancel()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.DrainAndWait(drainCtx); err != nil {
				logger.Warn("shutdown drain timeout; in-flight jobs will be reaped",
					"worker_id", w.ID, "err", err)
			}
		}(w)
	}
	wg.Wait()

	logger.Info("shutdown complete")
}

// newScraper registers one adapter per supported platform, each wrapped in
// the transient-error retry policy.
func newScraper(cfg *config.Config, logger *slog.Logger) *scrape.Registry {
	apify := scrape.NewApifyClient(cfg.ApifyToken, logger)
	retry := func(a scrape.Adapter) scrape.Adapter {
		return &scrape.Retrying{
			Next:      a,
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			Timeout:   cfg.ScrapeTimeout,
			Logger:    logger,
		}
	}

	reg := scrape.NewRegistry()
	reg.Register(platform.Instagram, retry(apify.Instagram()))
	reg.Register(platform.TikTok, retry(apify.TikTok()))
	reg.Register(platform.YouTube, retry(scrape.NewYtDlp("")))
	logger.Info("scrape adapters registered", "platforms", reg.Platforms())
	return reg
}

func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) notify.Notifier {
	if cfg.FCMCredentialsFile == "" {
		logger.Info("FCM_CREDENTIALS_FILE not set; push notifications disabled")
		return notify.Noop{Logger: logger}
	}
	fcm, err := notify.NewFCM(ctx, cfg.FCMCredentialsFile, logger)
	if err != nil {
		logger.Warn("FCM init failed; push notifications disabled", "err", err)
		return notify.Noop{Logger: logger}
	}
	return fcm
}
