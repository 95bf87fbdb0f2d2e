// Package cmd implements the incidents command-line interface.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	infraconfig "github.com/jonesrussell/north-cloud/incidents/infrastructure/config"
	"github.com/jonesrussell/north-cloud/incidents/internal/config"
)

// defaultConfigFile is used when neither --config nor CONFIG_PATH is set.
const defaultConfigFile = "config.yml"

var (
	// Version is set at build time with -ldflags.
	Version = "dev"

	// cfgFile holds the path to the configuration file.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "incidents",
		Short: "Incident extraction and clustering workers",
		Long: `incidents turns raw source documents into structured incident events
and clusters events that describe the same real-world incident.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $CONFIG_PATH or ./"+defaultConfigFile+")")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	mustBind(viper.BindPFlag("service.debug", rootCmd.PersistentFlags().Lookup("debug")))

	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "incidents version %s\n", Version)
		},
	})
}

// mustBind panics on a flag binding error, which only a nil flag can cause.
func mustBind(err error) {
	if err != nil {
		panic(fmt.Sprintf("bind flag: %v", err))
	}
}

// loadConfig loads the configuration file, then applies command-line
// overrides on top of file and environment values.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = infraconfig.GetConfigPath(defaultConfigFile)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)
	return cfg, nil
}

// applyFlagOverrides copies flags the user actually set onto cfg.
func applyFlagOverrides(cfg *config.Config) {
	if viper.IsSet("service.debug") {
		cfg.Service.Debug = viper.GetBool("service.debug")
	}
	if viper.IsSet("worker.concurrency") {
		cfg.Worker.Concurrency = viper.GetInt("worker.concurrency")
	}
	if viper.IsSet("worker.queues") {
		cfg.Worker.Queues = viper.GetStringSlice("worker.queues")
	}
}
