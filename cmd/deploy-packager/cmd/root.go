package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/deploy-agent/internal/service/packager"
	"github.com/oshokin/deploy-agent/internal/version"
)

var (
	// output is the apps list path.
	output string
	// baseURL is where artifacts will be published.
	baseURL string

	// rootCmd represents the base command for producing an apps list.
	rootCmd = &cobra.Command{
		Use:   "deploy-packager name=path@version...",
		Short: "Write an apps list with checksums for the given artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &packager.Options{
				Output:   output,
				BaseURL:  baseURL,
				Packages: args,
			}

			return packager.Run(ctx, options)
		},
	}
)

// Execute runs the deploy-packager CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", packager.DefaultOutput, "path of the apps list to write")
	rootCmd.Flags().StringVarP(&baseURL, "base-url", "u", "", "URL the artifacts will be published under")

	_ = rootCmd.MarkFlagRequired("base-url")
}
