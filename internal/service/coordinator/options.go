package coordinator

import (
	"time"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
)

const (
	// DefaultNamespace prefixes the completion action names.
	DefaultNamespace = "com.oshokin.deploy"

	// DefaultDownloadTimeout is how long after enqueue the download watchdog fires.
	DefaultDownloadTimeout = 120_000 * time.Millisecond

	// DefaultHostAPILevel is the host API level assumed when none is configured.
	DefaultHostAPILevel = 34

	// ArtifactEntryName is the single entry an install session is written to.
	ArtifactEntryName = "COSU.apk"

	// copyBufferSize is the intermediate buffer used to stream artifacts into sessions.
	copyBufferSize = 64 * 1024
)

// settings holds the resolved coordinator configuration.
type settings struct {
	// namespace prefixes action names.
	namespace string
	// downloadTimeout is the watchdog delay.
	downloadTimeout time.Duration
	// hostAPILevel selects the callback registration flags.
	hostAPILevel int
}

// Option configures a Coordinator.
type Option func(*settings)

// WithNamespace sets the prefix of the completion action names.
func WithNamespace(namespace string) Option {
	return func(s *settings) {
		if namespace != "" {
			s.namespace = namespace
		}
	}
}

// WithDownloadTimeout overrides the download watchdog delay.
func WithDownloadTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.downloadTimeout = timeout
		}
	}
}

// WithHostAPILevel declares the host API level used to negotiate callback flags.
func WithHostAPILevel(level int) Option {
	return func(s *settings) {
		if level > 0 {
			s.hostAPILevel = level
		}
	}
}

// InstallOption adds optional metadata to an install session.
type InstallOption func(*deploy.SessionParams)

// WithVersionCode records the version being installed.
func WithVersionCode(versionCode int64) InstallOption {
	return func(p *deploy.SessionParams) {
		p.VersionCode = versionCode
	}
}

// WithChecksum makes the host verify the artifact against a SHA-512 digest before applying it.
func WithChecksum(checksum []byte) InstallOption {
	return func(p *deploy.SessionParams) {
		p.Checksum = append([]byte(nil), checksum...)
	}
}
