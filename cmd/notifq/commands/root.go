package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/motorhub/notifq/internal/config"
	"github.com/motorhub/notifq/internal/logging"
)

var (
	// Global configuration
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "notifq",
		Short: "Notification dispatch queue",
		Long: `notifq is a durable, priority-ordered, retrying notification queue.
It decouples business events from SMS, WhatsApp, email, and bulk delivery,
with per-recipient rate limiting, exponential retry backoff, and a dead
letter queue for exhausted messages.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return
			}

			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}

			if _, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
				fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
				os.Exit(1)
			}
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}
