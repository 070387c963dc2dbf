// cmd/eylo/main.go: operator CLI root.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/eylo/internal/config"
	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/intake"
	"github.com/yourorg/eylo/internal/jobstore"
	"github.com/yourorg/eylo/internal/queue"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "eylo",
		Short:         "Operate the recipe import pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		submitCmd(),
		resubmitCmd(),
		statusCmd(),
		listCmd(),
		queueCmd(),
		healthCmd(),
		migrateCmd(),
	)
	return root
}

// session holds the store and queue a command works against.
type session struct {
	cfg     *config.Config
	store   jobstore.Store
	queue   queue.Queue
	service *intake.Service
}

func (s *session) Close() {
	if s.queue != nil {
		s.queue.Close()
	}
	s.store.Close()
}

// openSession connects the configured store, and the queue when withQueue
// is set. CLI logs go to stderr so command output stays clean.
func openSession(ctx context.Context, withQueue bool) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	store, err := jobstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	s := &session{cfg: cfg, store: store}
	if withQueue {
		q, err := queue.New(ctx, cfg.QueueConfig(), store, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect to queue: %w", err)
		}
		s.queue = q
	}
	s.service = intake.New(store, s.queue, logger)
	return s, nil
}

func printJob(w io.Writer, job *domain.Job) {
	fmt.Fprintf(w, "job_id:        %s\n", job.ID)
	fmt.Fprintf(w, "user_id:       %s\n", job.UserID)
	fmt.Fprintf(w, "source_url:    %s\n", job.SourceURL)
	fmt.Fprintf(w, "status:        %s\n", job.Status)
	fmt.Fprintf(w, "created_at:    %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.ResultID != "" {
		fmt.Fprintf(w, "result_id:     %s\n", job.ResultID)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(w, "error_message: %s\n", job.ErrorMessage)
	}
}
