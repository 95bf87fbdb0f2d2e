package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	infraconfig "github.com/jonesrussell/north-cloud/incidents/infrastructure/config"
	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
)

// StatsReader is the part of the queue client the stats command uses.
type StatsReader interface {
	Stats(ctx context.Context, q queue.Name) (queue.Stats, error)
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queues",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show length, pending and dead-letter counts per queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(q *queue.Client, _ infralogger.Logger) error {
				names := q.Config().Names()
				slices.Sort(names)
				return RenderStats(cmd.Context(), cmd.OutOrStdout(), q, names)
			})
		},
	})

	return cmd
}

// RenderStats writes one table row per queue.
func RenderStats(ctx context.Context, w io.Writer, r StatsReader, names []queue.Name) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Queue", "Stream", "Length", "Pending", "Dead Letter"})

	for _, name := range names {
		stats, err := r.Stats(ctx, name)
		if err != nil {
			return fmt.Errorf("stats for %s: %w", name, err)
		}
		t.AppendRow(table.Row{stats.Queue, stats.Stream, stats.Length, stats.Pending, stats.DeadLetter})
	}

	t.Render()
	return nil
}

// withQueue connects to Redis for a one-shot command.
func withQueue(cmd *cobra.Command, fn func(*queue.Client, infralogger.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if validationErr := infraconfig.ValidateRequired("redis.address", cfg.Redis.Address); validationErr != nil {
		return fmt.Errorf("validate config: %w", validationErr)
	}

	log, err := bootstrap.CreateLogger(cfg, Version)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rdb, q, err := bootstrap.SetupQueue(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			log.Error("Failed to close redis", infralogger.Error(closeErr))
		}
	}()

	return fn(q, log)
}
