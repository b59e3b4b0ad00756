//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	api "github.com/oshokin/deploy-agent/internal/api/grpc/deploy"
	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	pb "github.com/oshokin/deploy-agent/internal/pb/v1"
)

// Client wraps the gRPC DeployService client with convenience helpers.
type Client struct {
	// conn is the underlying gRPC connection to the agent.
	conn *grpc.ClientConn
	// api is the DeployService client interface.
	api pb.DeployServiceClient

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

var (
	// errAddressRequired is returned when a required address value is missing.
	errAddressRequired = errors.New("address must be provided")
	// errPackageRequired is returned when a package name is missing.
	errPackageRequired = errors.New("package name must be provided")
)

// Dial establishes a gRPC connection to the agent.
// Note: this uses insecure transport credentials; deploy on a trusted network
// or terminate TLS in a proxy until native TLS is added.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	// Use the non-context NewClient API recommended by grpc-go
	// (DialContext is deprecated as of grpc-go v1.60+).
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial deploy agent: %w", err)
	}

	client := &Client{
		conn:        conn,
		api:         pb.NewDeployServiceClient(conn),
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// StartDownload asks the agent to fetch sourceURL and returns the download id.
func (c *Client) StartDownload(ctx context.Context, sourceURL string) (deploy.DownloadID, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.StartDownload(callCtx, wrapperspb.String(sourceURL))
	if err != nil {
		return 0, fmt.Errorf("start download: %w", err)
	}

	return deploy.DownloadID(resp.GetValue()), nil
}

// InstallDownload asks the agent to install a finished download.
func (c *Client) InstallDownload(ctx context.Context, req api.InstallRequest) (bool, error) {
	if req.PackageName == "" {
		return false, errPackageRequired
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.InstallDownload(callCtx, api.InstallRequestToProto(req))
	if err != nil {
		return false, fmt.Errorf("install download: %w", err)
	}

	return resp.GetValue(), nil
}

// UninstallPackage asks the agent to remove a package.
func (c *Client) UninstallPackage(ctx context.Context, packageName string) error {
	if packageName == "" {
		return errPackageRequired
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if _, err := c.api.UninstallPackage(callCtx, wrapperspb.String(packageName)); err != nil {
		return fmt.Errorf("uninstall package: %w", err)
	}

	return nil
}

// ListPackages returns the packages installed on the agent.
func (c *Client) ListPackages(ctx context.Context) ([]*deploy.InstalledPackage, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.ListPackages(callCtx, new(emptypb.Empty))
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}

	return api.PackagesFromProto(resp)
}

// WatchEvents opens the event stream. It is not bound by the call timeout.
//
//nolint:ireturn // Stream type comes from grpc.
func (c *Client) WatchEvents(ctx context.Context) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.api.WatchEvents(ctx, new(emptypb.Empty))
	if err != nil {
		return nil, fmt.Errorf("watch events: %w", err)
	}

	return stream, nil
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
