package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/service/server"
	"github.com/oshokin/deploy-agent/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// rootCmd represents the base command for running the deploy agent.
	rootCmd = &cobra.Command{
		Use:   "deploy-agent [listen-address]",
		Short: "Run the deploy agent gRPC server.",
		Long: `Starts the deploy agent that downloads, installs and uninstalls packages on this host.

The agent listens on the specified address or uses settings from configuration file.
Only the port from server_addr is used for listening (e.g., :50551).
Listen address can be provided as argument to override config (e.g., :9090, 0.0.0.0:8080).
Installed packages are recorded in the registry file and survive restarts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			options := &server.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
			}

			return server.Run(ctx, options)
		},
	}
)

// Execute runs the deploy-agent CLI and exits with non-zero status on error.
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
