package deploy

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	domain "github.com/oshokin/deploy-agent/internal/domain/deploy"
)

// Field names used in the Struct messages.
const (
	fieldAction        = "action"
	fieldCorrelationID = "correlation_id"
	fieldPackageName   = "package_name"
	fieldStatus        = "status"
	fieldStatusCode    = "status_code"
	fieldMessage       = "message"
	fieldDownloadID    = "download_id"
	fieldVersionCode   = "version_code"
	fieldChecksum      = "checksum"
	fieldName          = "name"
	fieldPath          = "path"
	fieldInstalledAt   = "installed_at"
	fieldInstalledBy   = "installed_by"
)

var (
	// errDownloadIDRequired is returned for install requests without a positive download id.
	errDownloadIDRequired = errors.New("download_id must be a positive number")
	// errNotAPackage is returned when a list item is not a package struct.
	errNotAPackage = errors.New("list item is not a package")
)

// InstallRequest is the decoded InstallDownload request.
type InstallRequest struct {
	DownloadID  domain.DownloadID
	PackageName string
	VersionCode int64
	// Checksum is the base64 SHA-512 of the artifact; empty skips verification.
	Checksum string
}

// InstallRequestToProto encodes an install request.
func InstallRequestToProto(req InstallRequest) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldDownloadID:  structpb.NewNumberValue(float64(req.DownloadID)),
		fieldPackageName: structpb.NewStringValue(req.PackageName),
	}

	if req.VersionCode != 0 {
		fields[fieldVersionCode] = structpb.NewNumberValue(float64(req.VersionCode))
	}

	if req.Checksum != "" {
		fields[fieldChecksum] = structpb.NewStringValue(req.Checksum)
	}

	return &structpb.Struct{Fields: fields}
}

// InstallRequestFromProto decodes and validates an install request.
func InstallRequestFromProto(in *structpb.Struct) (InstallRequest, error) {
	fields := in.GetFields()

	req := InstallRequest{
		DownloadID:  domain.DownloadID(fields[fieldDownloadID].GetNumberValue()),
		PackageName: fields[fieldPackageName].GetStringValue(),
		VersionCode: int64(fields[fieldVersionCode].GetNumberValue()),
		Checksum:    fields[fieldChecksum].GetStringValue(),
	}

	if req.DownloadID <= 0 {
		return req, errDownloadIDRequired
	}

	if req.PackageName == "" {
		return req, domain.ErrPackageNameRequired
	}

	return req, nil
}

// EventToProto encodes an event.
func EventToProto(event domain.Event) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldAction:        structpb.NewStringValue(event.Action),
		fieldCorrelationID: structpb.NewNumberValue(float64(event.CorrelationID)),
		fieldPackageName:   structpb.NewStringValue(event.PackageName),
		fieldStatus:        structpb.NewStringValue(event.Status.String()),
		fieldStatusCode:    structpb.NewNumberValue(float64(event.Status)),
		fieldMessage:       structpb.NewStringValue(event.Message),
	}}
}

// EventFromProto decodes an event.
func EventFromProto(in *structpb.Struct) domain.Event {
	fields := in.GetFields()

	return domain.Event{
		Action:        fields[fieldAction].GetStringValue(),
		CorrelationID: int64(fields[fieldCorrelationID].GetNumberValue()),
		PackageName:   fields[fieldPackageName].GetStringValue(),
		Status:        domain.Status(fields[fieldStatusCode].GetNumberValue()),
		Message:       fields[fieldMessage].GetStringValue(),
	}
}

// PackagesToProto encodes installed packages.
func PackagesToProto(pkgs []*domain.InstalledPackage) *structpb.ListValue {
	values := make([]*structpb.Value, 0, len(pkgs))

	for _, pkg := range pkgs {
		fields := map[string]*structpb.Value{
			fieldName:        structpb.NewStringValue(pkg.Name),
			fieldVersionCode: structpb.NewNumberValue(float64(pkg.VersionCode)),
			fieldChecksum:    structpb.NewStringValue(pkg.Checksum),
			fieldPath:        structpb.NewStringValue(pkg.Path),
			fieldInstalledBy: structpb.NewStringValue(pkg.InstalledBy),
		}

		if !pkg.InstalledAt.IsZero() {
			fields[fieldInstalledAt] = structpb.NewStringValue(pkg.InstalledAt.UTC().Format(time.RFC3339))
		}

		values = append(values, structpb.NewStructValue(&structpb.Struct{Fields: fields}))
	}

	return &structpb.ListValue{Values: values}
}

// PackagesFromProto decodes installed packages.
func PackagesFromProto(in *structpb.ListValue) ([]*domain.InstalledPackage, error) {
	result := make([]*domain.InstalledPackage, 0, len(in.GetValues()))

	for index, value := range in.GetValues() {
		item := value.GetStructValue()
		if item == nil {
			return nil, fmt.Errorf("item %d: %w", index, errNotAPackage)
		}

		fields := item.GetFields()
		pkg := &domain.InstalledPackage{
			Name:        fields[fieldName].GetStringValue(),
			VersionCode: int64(fields[fieldVersionCode].GetNumberValue()),
			Checksum:    fields[fieldChecksum].GetStringValue(),
			Path:        fields[fieldPath].GetStringValue(),
			InstalledBy: fields[fieldInstalledBy].GetStringValue(),
		}

		if raw := fields[fieldInstalledAt].GetStringValue(); raw != "" {
			installedAt, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, fmt.Errorf("item %d installed_at: %w", index, err)
			}

			pkg.InstalledAt = installedAt
		}

		result = append(result, pkg)
	}

	return result, nil
}
