// Package agent runs one import job from envelope to terminal status:
// classify, scrape, extract (video first, images as fallback), persist and
// notify.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/extract"
	"github.com/yourorg/eylo/internal/notify"
	"github.com/yourorg/eylo/internal/platform"
)

// Store is the subset of jobstore.Store the agent writes through.
type Store interface {
	MarkProcessing(ctx context.Context, env domain.Envelope) (execID string, err error)
	Complete(ctx context.Context, jobID, execID string, recipe *domain.Recipe) (bool, error)
	Fail(ctx context.Context, jobID, execID, msg string) (bool, error)
}

// Scraper dispatches a scrape to the adapter for a platform.
type Scraper interface {
	Scrape(ctx context.Context, url string, p platform.Platform) (*domain.ScrapedContent, error)
}

// Media downloads scraped media for the extractor.
type Media interface {
	DownloadVideo(ctx context.Context, url string) (path string, cleanup func(), err error)
	DownloadImages(ctx context.Context, urls []string) []string
}

type Options struct {
	// ExtractTimeout bounds each extraction call.
	ExtractTimeout time.Duration
	// DownloadTimeout bounds each media download step.
	DownloadTimeout time.Duration
}

type Agent struct {
	store     Store
	scraper   Scraper
	media     Media
	extractor extract.Extractor
	notifier  notify.Notifier
	logger    *slog.Logger
	opts      Options
}

func New(
	store Store,
	scraper Scraper,
	media Media,
	extractor extract.Extractor,
	notifier notify.Notifier,
	logger *slog.Logger,
	opts Options,
) *Agent {
	if notifier == nil {
		notifier = notify.Noop{Logger: logger}
	}
	return &Agent{
		store:     store,
		scraper:   scraper,
		media:     media,
		extractor: extractor,
		notifier:  notifier,
		logger:    logger,
		opts:      opts,
	}
}

// Process drives env's job to completed or failed. Pipeline failures are
// recorded on the job and are not returned; the returned error means the
// job store could not be written.
//
// The job is upserted into processing without checking its current status,
// so a resubmitted failed job runs exactly like a new one.
func (a *Agent) Process(ctx context.Context, env domain.Envelope) error {
	log := a.logger.With(
		"job_id", env.JobID,
		"user_id", env.UserID,
		"source_url", env.SourceURL,
	)
	start := time.Now()

	execID, err := a.store.MarkProcessing(ctx, env)
	if err != nil {
		log.Error("failed to mark job processing", "err", err)
		return domain.Permanent(domain.KindPersistence, err)
	}
	log = log.With("execution_id", execID)
	log.Info("job started")

	recipe, err := a.run(ctx, env, log)

	if ctx.Err() != nil {
		log.Info("job abandoned due to worker shutdown; leaving state unchanged")
		return nil
	}
	if err != nil {
		return a.fail(ctx, env, execID, err, log)
	}
	return a.complete(ctx, env, execID, recipe, log.With("duration", time.Since(start)))
}

func (a *Agent) run(ctx context.Context, env domain.Envelope, log *slog.Logger) (*domain.Recipe, error) {
	cls := platform.Classify(env.SourceURL)
	if !cls.Supported() {
		return nil, domain.Permanent(domain.KindUnsupportedPlatform,
			fmt.Errorf("unsupported platform for url %s", env.SourceURL))
	}
	log = log.With("platform", cls.Platform, "content_type", cls.ContentType)

	content, err := a.scraper.Scrape(ctx, env.SourceURL, cls.Platform)
	if err != nil {
		if domain.KindOf(err) == "" {
			err = domain.Permanent(domain.KindScrape, err)
		}
		return nil, err
	}
	log.Info("content scraped",
		"has_video", content.VideoURL != "",
		"images", len(content.ImageURLs),
		"author", content.Author)

	data, err := a.extract(ctx, content, log)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, domain.Permanent(domain.KindPersistence, fmt.Errorf("encode recipe: %w", err))
	}
	return &domain.Recipe{
		UserID:      env.UserID,
		Title:       data.Title,
		SourceURL:   env.SourceURL,
		Platform:    string(cls.Platform),
		SourceType:  cls.ContentType,
		Description: content.Caption,
		Data:        payload,
	}, nil
}

// extract prefers the video and falls back to images. A video failure is
// never fatal while images remain.
func (a *Agent) extract(ctx context.Context, content *domain.ScrapedContent, log *slog.Logger) (*domain.RecipeData, error) {
	var videoErr error
	if content.VideoURL != "" {
		data, err := a.extractVideo(ctx, content)
		if err == nil {
			log.Info("recipe extracted from video")
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		videoErr = err
		log.Warn("video extraction failed, falling back to images", "err", err)
	}

	if len(content.ImageURLs) > 0 {
		data, err := a.extractImages(ctx, content)
		if err != nil {
			return nil, err
		}
		log.Info("recipe extracted from images")
		return data, nil
	}

	if videoErr != nil {
		return nil, domain.Permanent(domain.KindNoMedia,
			fmt.Errorf("no media available for extraction (video failed: %v)", videoErr))
	}
	return nil, domain.Permanent(domain.KindNoMedia, errors.New("no media available for extraction"))
}

func (a *Agent) extractVideo(ctx context.Context, content *domain.ScrapedContent) (*domain.RecipeData, error) {
	dctx, cancel := withTimeout(ctx, a.opts.DownloadTimeout)
	path, cleanup, err := a.media.DownloadVideo(dctx, content.VideoURL)
	cancel()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ectx, cancel := withTimeout(ctx, a.opts.ExtractTimeout)
	defer cancel()
	return a.extractor.ExtractFromVideo(ectx, path, content.Caption, content.Author)
}

func (a *Agent) extractImages(ctx context.Context, content *domain.ScrapedContent) (*domain.RecipeData, error) {
	dctx, cancel := withTimeout(ctx, a.opts.DownloadTimeout)
	images := a.media.DownloadImages(dctx, content.ImageURLs)
	cancel()
	if len(images) == 0 {
		return nil, domain.Permanent(domain.KindExtraction,
			errors.New("failed to download any images for extraction"))
	}

	ectx, cancel := withTimeout(ctx, a.opts.ExtractTimeout)
	defer cancel()
	data, err := a.extractor.ExtractFromImages(ectx, images, content.Caption, content.Author)
	if err != nil {
		if domain.KindOf(err) == "" {
			err = domain.Permanent(domain.KindExtraction, err)
		}
		return nil, err
	}
	return data, nil
}

func (a *Agent) fail(ctx context.Context, env domain.Envelope, execID string, cause error, log *slog.Logger) error {
	updated, err := a.store.Fail(ctx, env.JobID, execID, domain.Summary(cause))
	if err != nil {
		log.Error("failed to mark job failed", "err", err, "cause", cause)
		return domain.Permanent(domain.KindPersistence, fmt.Errorf("mark job failed: %w", err))
	}
	if !updated {
		log.Warn("stale failure ignored; job no longer held by this run", "cause", cause)
		return nil
	}
	log.Warn("job failed", "kind", domain.KindOf(cause), "err", cause)
	return nil
}

// complete persists the recipe and finalises the job in one store call.
// When that write fails the job is failed instead so it does not sit in
// processing until the reaper finds it.
func (a *Agent) complete(ctx context.Context, env domain.Envelope, execID string, recipe *domain.Recipe, log *slog.Logger) error {
	updated, err := a.store.Complete(ctx, env.JobID, execID, recipe)
	if err != nil {
		log.Error("failed to persist recipe", "err", err)
		persistErr := domain.Permanent(domain.KindPersistence, fmt.Errorf("save recipe: %w", err))
		if _, failErr := a.store.Fail(ctx, env.JobID, execID, domain.Summary(persistErr)); failErr != nil {
			log.Error("compensating failure update failed; job left processing", "err", failErr)
			return domain.Permanent(domain.KindPersistence, errors.Join(err, failErr))
		}
		return persistErr
	}
	if !updated {
		log.Warn("stale completion ignored; job no longer held by this run")
		return nil
	}
	log.Info("job completed", "recipe_id", recipe.ID, "title", recipe.Title)

	if env.NotifyToken != "" {
		if err := a.notifier.NotifyRecipeReady(ctx, env.NotifyToken, recipe.ID, recipe.Title); err != nil {
			log.Warn("push notification failed", "recipe_id", recipe.ID, "err", err)
		}
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
