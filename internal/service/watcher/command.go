package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	api "github.com/oshokin/deploy-agent/internal/api/grpc/deploy"
	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/service/common"
)

// Options controls the watcher stream and configuration.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// ServerAddress provides an optional gRPC server address override.
	ServerAddress string
	// RetryInterval is the delay before reconnecting a broken stream.
	RetryInterval time.Duration
	// Actions limits output to these event names; empty prints everything.
	Actions []string
	// Output receives one line per event, os.Stdout when nil.
	Output io.Writer
}

// DefaultRetryInterval is the reconnect delay when none is configured.
const DefaultRetryInterval = 5 * time.Second

// Run streams agent events to Output, reconnecting until ctx is canceled.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "deploy-watch")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	serverAddress := cfg.ServerAddress
	if opts.ServerAddress != "" {
		serverAddress = opts.ServerAddress
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	client, err := common.Dial(ctx, serverAddress, common.WithCallTimeout(cfg.Timeout))
	if err != nil {
		return fmt.Errorf("dial agent: %w", err)
	}

	defer func() {
		_ = client.Close()
	}()

	logger.InfoKV(ctx, "Watching agent events", "server_address", serverAddress, "retry_interval", retryInterval.String())

	for {
		err := watch(ctx, client, opts.Actions, out)

		if ctx.Err() != nil {
			logger.Info(ctx, "Context canceled, exiting")

			return nil
		}

		logger.WarnKV(ctx, "Event stream ended, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryInterval):
		}
	}
}

// watch prints events from one stream until it breaks.
func watch(ctx context.Context, client *common.Client, actions []string, out io.Writer) error {
	stream, err := client.WatchEvents(ctx)
	if err != nil {
		return err
	}

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}

		if err != nil {
			return fmt.Errorf("receive event: %w", err)
		}

		event := api.EventFromProto(msg)
		if len(actions) > 0 && !slices.Contains(actions, event.Action) {
			continue
		}

		if _, err := fmt.Fprintln(out, formatEvent(event)); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
}

// formatEvent renders an event as a single tab separated line.
func formatEvent(event deploy.Event) string {
	line := fmt.Sprintf("%s\t%d\t%s\t%s", event.Action, event.CorrelationID, event.PackageName, event.Status)
	if event.Message != "" {
		line += "\t" + event.Message
	}

	return line
}
