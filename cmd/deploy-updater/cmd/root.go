package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/service/updater"
	"github.com/oshokin/deploy-agent/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// rootCmd represents the base command for bringing packages up to date.
	rootCmd = &cobra.Command{
		Use:   "deploy-updater [apps-list-url]",
		Short: "Install every package of the apps list that is missing or outdated",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &updater.Options{
				ConfigPath: configPath,
			}

			if len(args) > 0 {
				options.AppsListURL = args[0]
			}

			return updater.Run(ctx, options)
		},
	}
)

// Execute runs the deploy-updater CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
}
