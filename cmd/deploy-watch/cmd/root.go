package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/service/watcher"
	"github.com/oshokin/deploy-agent/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// retryInterval between reconnect attempts.
	retryInterval = watcher.DefaultRetryInterval

	// rootCmd represents the base command for following agent events.
	rootCmd = &cobra.Command{
		Use:   "deploy-watch [server-address] [action...]",
		Short: "Print deploy agent events as they happen",
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &watcher.Options{
				ConfigPath:    configPath,
				RetryInterval: retryInterval,
			}

			if len(args) > 0 {
				options.ServerAddress = args[0]
				options.Actions = args[1:]
			}

			return watcher.Run(ctx, options)
		},
	}
)

// Execute runs the deploy-watch CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().DurationVarP(&retryInterval, "retry", "r", watcher.DefaultRetryInterval, "delay before reconnecting")
}
