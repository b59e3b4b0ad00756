package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/oshokin/deploy-agent/internal/agent"
	api "github.com/oshokin/deploy-agent/internal/api/grpc/deploy"
	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/logger"
	pb "github.com/oshokin/deploy-agent/internal/pb/v1"
	"github.com/oshokin/deploy-agent/internal/service/common"
)

// Options controls the deploy-agent process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override for the gRPC server.
	ListenAddress string
}

const (
	// staleSessionAge is how long an uncommitted install session may stay open.
	staleSessionAge = time.Hour
	// staleSessionSweep is the interval between stale session sweeps.
	staleSessionSweep = 10 * time.Minute
	// stopGracePeriod is how long in-flight calls may finish on shutdown.
	stopGracePeriod = 5 * time.Second
	// shutdownTimeout bounds waiting for background installs on exit.
	shutdownTimeout = 30 * time.Second
)

// ErrNoServerAddress indicates missing server configuration.
var ErrNoServerAddress = errors.New("no server address configured")

// Run starts the gRPC server and blocks until context is canceled or server stops.
// Loads configuration first, then determines listen address from config or override.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "deploy-agent")

	// Load configuration first to get server settings.
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if err := logger.Configure(settings.LogLevel); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	// Determine listen address: CLI argument overrides config port extraction.
	listenAddress, err := resolveListenAddress(settings.ServerAddress, opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	actor, err := common.DetectActor()
	if err != nil {
		return err
	}

	deployAgent, err := agent.New(ctx, settings, actor.String())
	if err != nil {
		return fmt.Errorf("initialise agent: %w", err)
	}

	defer func() {
		// The serving context is already canceled here.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := deployAgent.Close(closeCtx); err != nil {
			logger.ErrorKV(ctx, "Failed to close agent", "error", err)
		}
	}()

	// Setup TCP listener for gRPC server.
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	}

	grpcServer := grpc.NewServer()
	pb.RegisterDeployServiceServer(grpcServer, api.NewServer(deployAgent))

	logger.InfoKV(ctx, "Deploy agent listening",
		"listen_address", listenAddress,
		"install_root", settings.InstallRoot)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "Shutting down gRPC server")
		stopServer(ctx, grpcServer)

		return nil
	})

	g.Go(func() error {
		deployAgent.PublishTimeouts(gctx)

		return nil
	})

	g.Go(func() error {
		sweepStaleSessions(gctx, deployAgent)

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info(ctx, "GRPC server stopped")

	return nil
}

// stopServer stops gracefully, cutting open event streams after stopGracePeriod.
func stopServer(ctx context.Context, grpcServer *grpc.Server) {
	stopped := make(chan struct{})

	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(stopGracePeriod)
	defer timer.Stop()

	select {
	case <-stopped:
	case <-timer.C:
		logger.Warn(ctx, "Graceful stop timed out, closing open streams")
		grpcServer.Stop()
		<-stopped
	}
}

// sweepStaleSessions abandons install sessions left uncommitted for too long.
func sweepStaleSessions(ctx context.Context, deployAgent *agent.Agent) {
	ticker := time.NewTicker(staleSessionSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := deployAgent.Installer.AbandonStale(ctx, staleSessionAge); n > 0 {
				logger.InfoKV(ctx, "Abandoned stale install sessions", "count", n)
			}
		}
	}
}

// resolveListenAddress determines the listen address for the gRPC server.
// If override is provided, uses it directly. Otherwise extracts port from configAddr.
// Returns appropriate listen address (e.g., ":8080" for port-only binding).
func resolveListenAddress(configAddr, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	if configAddr == "" {
		return "", ErrNoServerAddress
	}

	_, port, err := net.SplitHostPort(configAddr)
	if err != nil {
		return "", fmt.Errorf("invalid server address format %q: %w", configAddr, err)
	}

	// Bind on all interfaces.
	return ":" + port, nil
}
