package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/service/client"
	"github.com/oshokin/deploy-agent/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// serverAddress overrides the agent address from config.
	serverAddress string

	// rootCmd represents the base command for talking to a deploy agent.
	rootCmd = &cobra.Command{
		Use:   "deploy-ctl",
		Short: "Send requests to a deploy agent",
		Long: `Sends a single request to a deploy agent and prints the result.

While the agent is unreachable the request is retried every second.`,
	}
)

// operationCommand builds a subcommand that sends op with its positional arguments.
func operationCommand(op client.Operation, use, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &client.Options{
				ConfigPath:    configPath,
				ServerAddress: serverAddress,
				Operation:     op,
				Arguments:     args,
			}

			return client.Run(ctx, options)
		},
	}
}

// Execute runs the deploy-ctl CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().
		StringVarP(&serverAddress, "server", "s", "", "agent address, overrides server_addr from config")

	rootCmd.AddCommand(
		operationCommand(client.OperationStartDownload, "start-download <url>",
			"Start downloading an artifact and print its download id", cobra.ExactArgs(1)),
		operationCommand(client.OperationInstall, "install <download-id> <package> [version-code] [checksum]",
			"Install a finished download", cobra.RangeArgs(2, 4)),
		operationCommand(client.OperationUninstall, "uninstall <package>",
			"Uninstall a package", cobra.ExactArgs(1)),
		operationCommand(client.OperationList, "list",
			"List installed packages", cobra.NoArgs),
	)
}
