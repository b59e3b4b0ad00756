package deploy

import (
	"errors"
	"time"
)

// DownloadID is the opaque handle the download service assigns to an enqueued fetch.
type DownloadID int64

// DownloadTask is one enqueued artifact fetch.
type DownloadTask struct {
	// ID is the handle later download notifications are correlated with.
	ID DownloadID
	// SourceURL is the artifact location.
	SourceURL string
	// Deadline is when the timeout watchdog fires.
	Deadline time.Time
}

// SessionID is the opaque identifier of an installer session.
type SessionID int64

// InstallMode selects how a session's contents relate to the installed package.
type InstallMode int

const (
	// ModeFullInstall replaces any prior version of the package as a whole.
	ModeFullInstall InstallMode = iota + 1
	// ModeInheritExisting keeps installed entries the session does not overwrite.
	ModeInheritExisting
)

// String returns the mode name for logs.
func (m InstallMode) String() string {
	switch m {
	case ModeFullInstall:
		return "full"
	case ModeInheritExisting:
		return "inherit"
	default:
		return "unknown"
	}
}

// SessionParams describes an install session to create.
type SessionParams struct {
	// Mode is the install mode.
	Mode InstallMode
	// PackageName is the package the session installs.
	PackageName string
	// VersionCode is the version recorded once the install succeeds. Zero means unknown.
	VersionCode int64
	// Checksum is an optional SHA-512 digest every staged entry must match.
	Checksum []byte
}

var (
	// ErrPackageNameRequired is returned when an operation needs a package name.
	ErrPackageNameRequired = errors.New("package name is required")
	// ErrUnknownInstallMode is returned for unsupported install modes.
	ErrUnknownInstallMode = errors.New("unknown install mode")
)

// Validate checks the parameters before a session is created.
func (p SessionParams) Validate() error {
	if p.PackageName == "" {
		return ErrPackageNameRequired
	}

	if p.Mode != ModeFullInstall && p.Mode != ModeInheritExisting {
		return ErrUnknownInstallMode
	}

	return nil
}
