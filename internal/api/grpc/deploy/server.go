package deploy

import (
	"context"
	"encoding/base64"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	domain "github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/host/download"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/notify"
	pb "github.com/oshokin/deploy-agent/internal/pb/v1"
	"github.com/oshokin/deploy-agent/internal/service/coordinator"
)

// watchBuffer is the number of events buffered per watcher before new ones are dropped.
const watchBuffer = 64

// Service abstracts the business operations the transport layer depends on.
type Service interface {
	StartDownload(ctx context.Context, sourceURL string) (*domain.DownloadTask, error)
	InstallDownload(
		ctx context.Context,
		id domain.DownloadID,
		packageName string,
		opts ...coordinator.InstallOption,
	) (bool, error)
	UninstallPackage(ctx context.Context, packageName string)
	ListPackages(ctx context.Context) ([]*domain.InstalledPackage, error)
	Subscribe(action string, h notify.Handler) (unsubscribe func())
}

// Server implements the DeployService gRPC API.
type Server struct {
	pb.UnimplementedDeployServiceServer

	// service provides the business logic for deploy operations.
	service Service
}

// NewServer wires the provided service implementation into a gRPC handler.
func NewServer(service Service) *Server {
	return &Server{
		service: service,
	}
}

// StartDownload enqueues a download and returns its id.
func (s *Server) StartDownload(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "url is required")
	}

	task, err := s.service.StartDownload(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(ctx, "start download", err)
	}

	return wrapperspb.Int64(int64(task.ID)), nil
}

// InstallDownload installs a finished download.
func (s *Server) InstallDownload(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	install, err := InstallRequestFromProto(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var opts []coordinator.InstallOption

	if install.VersionCode != 0 {
		opts = append(opts, coordinator.WithVersionCode(install.VersionCode))
	}

	if install.Checksum != "" {
		checksum, err := base64.StdEncoding.DecodeString(install.Checksum)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "checksum must be base64")
		}

		opts = append(opts, coordinator.WithChecksum(checksum))
	}

	ok, err := s.service.InstallDownload(ctx, install.DownloadID, install.PackageName, opts...)
	if err != nil {
		return nil, toStatus(ctx, "install download", err)
	}

	return wrapperspb.Bool(ok), nil
}

// UninstallPackage requests removal of a package. The outcome arrives as an event.
func (s *Server) UninstallPackage(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "package name is required")
	}

	s.service.UninstallPackage(ctx, req.GetValue())

	return new(emptypb.Empty), nil
}

// ListPackages returns the installed packages.
func (s *Server) ListPackages(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	pkgs, err := s.service.ListPackages(ctx)
	if err != nil {
		return nil, toStatus(ctx, "list packages", err)
	}

	return PackagesToProto(pkgs), nil
}

// WatchEvents streams every event until the client goes away.
// Events arriving faster than the client reads are dropped.
func (s *Server) WatchEvents(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	events := make(chan domain.Event, watchBuffer)

	unsubscribe := s.service.Subscribe(notify.AllActions, func(ctx context.Context, event domain.Event) {
		select {
		case events <- event:
		default:
			logger.WarnKV(ctx, "Watcher is lagging, event dropped", "action", event.Action)
		}
	})
	defer unsubscribe()

	logger.Debug(ctx, "Watcher connected")

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "Watcher disconnected")

			return nil
		case event := <-events:
			if err := stream.Send(EventToProto(event)); err != nil {
				return err
			}
		}
	}
}

// toStatus maps service errors to gRPC statuses.
func toStatus(ctx context.Context, operation string, err error) error {
	switch {
	case errors.Is(err, coordinator.ErrInvalidSourceURL),
		errors.Is(err, domain.ErrPackageNameRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, download.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, download.ErrNotDownloaded):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		logger.ErrorKV(ctx, "Request failed", "operation", operation, "error", err)

		return status.Error(codes.Internal, "unable to "+operation)
	}
}
