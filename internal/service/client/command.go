package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	api "github.com/oshokin/deploy-agent/internal/api/grpc/deploy"
	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/service/common"
)

// Operation names a request the client can send to the agent.
type Operation string

// Supported operations.
const (
	OperationStartDownload Operation = "start-download"
	OperationInstall       Operation = "install"
	OperationUninstall     Operation = "uninstall"
	OperationList          Operation = "list"
)

// Options configures the deploy-ctl request.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string

	// ServerAddress overrides server address from config when specified.
	ServerAddress string

	// Operation selects the request to send.
	Operation Operation

	// Arguments are the operation's positional arguments.
	Arguments []string

	// Output receives the result, os.Stdout when nil.
	Output io.Writer
}

// defaultRetryInterval defines retry delay while the agent is unavailable.
const defaultRetryInterval = 1 * time.Second

var (
	// ErrUnknownOperation is returned for an unsupported operation name.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrBadArguments is returned when the operation's arguments do not match its usage.
	ErrBadArguments = errors.New("bad arguments")
)

// request sends one operation and writes its result.
type request func(ctx context.Context, client *common.Client, out io.Writer) error

// Run sends the requested operation to the agent, retrying while it is unavailable.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "deploy-ctl")

	send, err := buildRequest(opts.Operation, opts.Arguments)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
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
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	logger.InfoKV(ctx, "Sending request",
		"server_address", serverAddress,
		"operation", opts.Operation)

	// attempt returns (completed, error); unavailable agents are retried.
	attempt := func() (bool, error) {
		err := send(ctx, client, out)

		switch {
		case err == nil:
			return true, nil
		case status.Code(err) == codes.Unavailable:
			logger.WarnKV(ctx, "Agent unavailable, retrying", "error", err)

			return false, nil
		default:
			return false, err
		}
	}

	if done, err := attempt(); err != nil || done {
		return err
	}

	ticker := time.NewTicker(defaultRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := attempt()
			if err != nil {
				return err
			}

			if done {
				return nil
			}
		}
	}
}

// buildRequest validates arguments for op and returns the request to send.
//
//nolint:cyclop // One branch per operation.
func buildRequest(op Operation, args []string) (request, error) {
	switch op {
	case OperationStartDownload:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s <url>", ErrBadArguments, op)
		}

		return func(ctx context.Context, client *common.Client, out io.Writer) error {
			id, err := client.StartDownload(ctx, args[0])
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(out, id)

			return err
		}, nil
	case OperationInstall:
		req, err := parseInstall(args)
		if err != nil {
			return nil, err
		}

		return func(ctx context.Context, client *common.Client, out io.Writer) error {
			ok, err := client.InstallDownload(ctx, req)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(out, ok)

			return err
		}, nil
	case OperationUninstall:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s <package>", ErrBadArguments, op)
		}

		return func(ctx context.Context, client *common.Client, _ io.Writer) error {
			return client.UninstallPackage(ctx, args[0])
		}, nil
	case OperationList:
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", ErrBadArguments, op)
		}

		return func(ctx context.Context, client *common.Client, out io.Writer) error {
			pkgs, err := client.ListPackages(ctx)
			if err != nil {
				return err
			}

			return writePackages(out, pkgs)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

// parseInstall parses "<download-id> <package> [version-code] [checksum-base64]".
func parseInstall(args []string) (api.InstallRequest, error) {
	const usage = "install <download-id> <package> [version-code] [checksum]"

	if len(args) < 2 || len(args) > 4 {
		return api.InstallRequest{}, fmt.Errorf("%w: %s", ErrBadArguments, usage)
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return api.InstallRequest{}, fmt.Errorf("%w: download id: %w", ErrBadArguments, err)
	}

	req := api.InstallRequest{
		DownloadID:  deploy.DownloadID(id),
		PackageName: args[1],
	}

	if len(args) > 2 {
		if req.VersionCode, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			return api.InstallRequest{}, fmt.Errorf("%w: version code: %w", ErrBadArguments, err)
		}
	}

	if len(args) > 3 {
		if _, err = base64.StdEncoding.DecodeString(args[3]); err != nil {
			return api.InstallRequest{}, fmt.Errorf("%w: checksum: %w", ErrBadArguments, err)
		}

		req.Checksum = args[3]
	}

	return req, nil
}

// writePackages prints one line per installed package.
func writePackages(out io.Writer, pkgs []*deploy.InstalledPackage) error {
	for _, p := range pkgs {
		_, err := fmt.Fprintf(out, "%s\t%d\t%s\t%s\n",
			p.Name, p.VersionCode, p.InstalledBy, p.InstalledAt.Format(time.RFC3339))
		if err != nil {
			return err
		}
	}

	return nil
}
