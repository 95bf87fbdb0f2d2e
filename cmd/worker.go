package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/incidents/internal/bootstrap"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue consumer and the ops server",
		Long: `Polls the configured queues, runs extraction and clustering jobs, and
serves /health and /metrics. SIGINT or SIGTERM starts a graceful shutdown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if validationErr := cfg.Validate(); validationErr != nil {
				return fmt.Errorf("validate config: %w", validationErr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return bootstrap.RunWorker(ctx, cfg, Version)
		},
	}

	cmd.Flags().Int("concurrency", 0, "maximum jobs in flight (overrides worker.concurrency)")
	cmd.Flags().StringSlice("queues", nil, "queues to poll: extraction, clustering (overrides worker.queues)")
	mustBind(viper.BindPFlag("worker.concurrency", cmd.Flags().Lookup("concurrency")))
	mustBind(viper.BindPFlag("worker.queues", cmd.Flags().Lookup("queues")))

	return cmd
}
