package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/yourorg/eylo/internal/health"
	"github.com/yourorg/eylo/internal/httpapi"
	"github.com/yourorg/eylo/internal/intake"
	"github.com/yourorg/eylo/internal/jobstore"
	"github.com/yourorg/eylo/internal/queue"
)

func submitCmd() *cobra.Command {
	var url, user, token string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a recipe import for a URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			job, err := s.service.Submit(cmd.Context(), intake.SubmitRequest{
				UserID:      user,
				URL:         url,
				NotifyToken: token,
			})
			if job == nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			if err != nil {
				return fmt.Errorf("job saved but not delivered; resubmit it once the queue is back: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Instagram, TikTok or YouTube URL")
	cmd.Flags().StringVar(&user, "user", httpapi.DefaultUserID, "owning user id")
	cmd.Flags().StringVar(&token, "notify-token", "", "FCM device token to notify on completion")
	cmd.MarkFlagRequired("url")
	return cmd
}

func resubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <job-id>",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			job, err := s.service.Resubmit(cmd.Context(), args[0])
			if errors.Is(err, intake.ErrNotResubmittable) {
				return fmt.Errorf("job %s is missing or not failed", args[0])
			}
			if job == nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return err
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			job, err := s.service.Job(cmd.Context(), args[0])
			if errors.Is(err, jobstore.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var user string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's most recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			jobs, err := s.service.Jobs(cmd.Context(), user, limit)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No jobs found for user: %s\n", user)
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tURL")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Status, j.CreatedAt.Format("2006-01-02 15:04:05"), j.SourceURL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&user, "user", httpapi.DefaultUserID, "owning user id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to show")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "depth",
		Short: "Print the number of envelopes waiting",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			depth, err := s.queue.Depth(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", s.cfg.QueueBackend, depth)
			if tracker, ok := s.queue.(queue.InflightTracker); ok {
				n, err := tracker.Inflight(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "inflight\t%d\n", n)
			}
			return nil
		},
	})
	return cmd
}

func healthCmd() *cobra.Command {
	var addr, service string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a worker's gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := health.Check(cmd.Context(), addr, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("worker at %s is %s", addr, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "worker health address")
	cmd.Flags().StringVar(&service, "service", health.Service, "service name to check")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", s.cfg.StoreDriver)
			return nil
		},
	}
}
