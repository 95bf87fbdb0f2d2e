package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/job"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
)

// BatchEnqueuer is the part of the queue client the enqueue commands use.
type BatchEnqueuer interface {
	EnqueueBatch(ctx context.Context, q queue.Name, envs []*job.Envelope) (queue.BatchResult, error)
}

func newEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish extraction or clustering jobs",
	}

	var (
		force         bool
		hint          string
		correlationID string
	)

	extract := &cobra.Command{
		Use:   "extract <source-id>...",
		Short: "Queue extraction for one or more sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envs := ExtractEnvelopes(args, force, hint, correlationID)
			return withQueue(cmd, func(q *queue.Client, log infralogger.Logger) error {
				return Publish(cmd.Context(), cmd.OutOrStdout(), q, queue.Extraction, envs, log)
			})
		},
	}
	extract.Flags().BoolVar(&force, "force", false, "re-extract sources that already have an extraction")
	extract.Flags().StringVar(&hint, "hint", "", "capability provider to use for these jobs")
	extract.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id shared by every job (default: each job's id)")

	cluster := &cobra.Command{
		Use:   "cluster <event-id>...",
		Short: "Queue clustering for one or more events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envs := ClusterEnvelopes(args, correlationID)
			return withQueue(cmd, func(q *queue.Client, log infralogger.Logger) error {
				return Publish(cmd.Context(), cmd.OutOrStdout(), q, queue.Clustering, envs, log)
			})
		},
	}
	cluster.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id shared by every job (default: each job's id)")

	cmd.AddCommand(extract, cluster)
	return cmd
}

// ExtractEnvelopes builds one extraction job per source id.
func ExtractEnvelopes(sourceIDs []string, force bool, hint, correlationID string) []*job.Envelope {
	envs := make([]*job.Envelope, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		envs = append(envs, job.New(job.ExtractPayload{SourceID: id, Force: force, CapabilityHint: hint}, correlationID))
	}
	return envs
}

// ClusterEnvelopes builds one clustering job per event id.
func ClusterEnvelopes(eventIDs []string, correlationID string) []*job.Envelope {
	envs := make([]*job.Envelope, 0, len(eventIDs))
	for _, id := range eventIDs {
		envs = append(envs, job.New(job.ClusterPayload{EventID: id}, correlationID))
	}
	return envs
}

// Publish enqueues envs and reports how many were accepted. It fails when
// any envelope was not enqueued.
func Publish(
	ctx context.Context,
	w io.Writer,
	q BatchEnqueuer,
	name queue.Name,
	envs []*job.Envelope,
	log infralogger.Logger,
) error {
	result, err := q.EnqueueBatch(ctx, name, envs)

	log.Info("Jobs enqueued",
		infralogger.String("queue", string(name)),
		infralogger.Int("succeeded", len(result.Succeeded)),
		infralogger.Int("failed", len(result.Failed)),
	)
	fmt.Fprintf(w, "%s: %d enqueued, %d failed\n", name, len(result.Succeeded), len(result.Failed))
	for _, id := range result.Failed {
		fmt.Fprintf(w, "  failed: %s\n", id)
	}

	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("enqueue: %d of %d jobs failed", len(result.Failed), len(envs))
	}
	return nil
}
