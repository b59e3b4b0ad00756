package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the deploy binaries.
type Config struct {
	// Namespace prefixes the completion event names.
	Namespace string `yaml:"namespace"`
	// ServerAddress is the gRPC address of the agent.
	ServerAddress string `yaml:"server_addr"`
	// Timeout is the duration for network operations and RPC calls.
	Timeout time.Duration `yaml:"timeout"`
	// LogLevel is one of debug, info, warn, error, fatal.
	LogLevel string `yaml:"log_level,omitempty"`
	// DownloadTimeout is how long after enqueue a download is reported as timed out.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	// DownloadDir is where fetched artifacts are stored.
	DownloadDir string `yaml:"download_dir"`
	// DownloadDB is the SQLite file tracking downloads.
	DownloadDB string `yaml:"download_db"`
	// DownloadWorkers is the number of concurrent fetches.
	DownloadWorkers int `yaml:"download_workers"`
	// InstallRoot is the directory packages are installed into, one subdirectory per package.
	InstallRoot string `yaml:"install_root"`
	// StagingDir holds uncommitted install sessions.
	StagingDir string `yaml:"staging_dir"`
	// RegistryFile is the YAML registry of installed packages.
	RegistryFile string `yaml:"registry_file"`
	// HostAPILevel selects the completion registration flags.
	HostAPILevel int `yaml:"host_api_level"`
	// InstallWait bounds how long the updater waits for an install to complete.
	InstallWait time.Duration `yaml:"install_wait"`
	// AppsListURL is where the updater fetches the list of packages to install.
	AppsListURL string `yaml:"apps_list_url,omitempty"`
	// StopRunning makes the installer terminate processes named after a package before replacing it.
	StopRunning bool `yaml:"stop_running"`
}

const (
	// DefaultConfigFilename is the default filename for agent settings.
	DefaultConfigFilename = "deploy-agent-settings.yaml"

	// DefaultNamespace prefixes completion event names.
	DefaultNamespace = "com.oshokin.deploy"

	// DefaultServerAddress is where the agent listens when nothing else is configured.
	DefaultServerAddress = "127.0.0.1:50551"

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 5 * time.Second

	// DefaultDownloadTimeout is the download watchdog delay.
	DefaultDownloadTimeout = 120 * time.Second

	// DefaultDownloadDir is the default artifact directory.
	DefaultDownloadDir = "downloads"

	// DefaultDownloadDB is the default download table file.
	DefaultDownloadDB = "deploy-agent-downloads.db"

	// DefaultDownloadWorkers is the default fetch concurrency.
	DefaultDownloadWorkers = 2

	// DefaultInstallRoot is the default package directory.
	DefaultInstallRoot = "packages"

	// DefaultStagingDir is the default session staging directory.
	DefaultStagingDir = "staging"

	// DefaultRegistryFile is the default installed package registry.
	DefaultRegistryFile = "deploy-agent-packages.yaml"

	// DefaultHostAPILevel is the API level assumed when none is configured.
	DefaultHostAPILevel = 34

	// DefaultInstallWait is how long the updater waits for an install result.
	DefaultInstallWait = 10 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// DefaultDirectoryPermissions is used for directories the agent creates.
	DefaultDirectoryPermissions = 0o750
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errServerSocketRequired is returned when server address is missing.
	errServerSocketRequired = errors.New("server address must be provided")
	// errInvalidWorkers is returned for a negative worker count.
	errInvalidWorkers = errors.New("download workers must not be negative")
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		ServerAddress: DefaultServerAddress,
	}

	applyDefaults(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes Settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and formatting
// and fills in defaults for everything left empty.
func Validate(settings *Config) error {
	if settings.ServerAddress == "" {
		return errServerSocketRequired
	}

	if _, err := net.ResolveTCPAddr("tcp", settings.ServerAddress); err != nil {
		return fmt.Errorf("invalid server socket: %w", err)
	}

	if settings.DownloadWorkers < 0 {
		return errInvalidWorkers
	}

	applyDefaults(settings)

	if settings.AppsListURL == "" {
		return nil
	}

	if _, err := url.ParseRequestURI(settings.AppsListURL); err != nil {
		return fmt.Errorf("invalid apps list URI: %w", err)
	}

	return nil
}

// applyDefaults fills zero values.
func applyDefaults(settings *Config) {
	if settings.Namespace == "" {
		settings.Namespace = DefaultNamespace
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.DownloadTimeout <= 0 {
		settings.DownloadTimeout = DefaultDownloadTimeout
	}

	if settings.DownloadDir == "" {
		settings.DownloadDir = DefaultDownloadDir
	}

	if settings.DownloadDB == "" {
		settings.DownloadDB = DefaultDownloadDB
	}

	if settings.DownloadWorkers == 0 {
		settings.DownloadWorkers = DefaultDownloadWorkers
	}

	if settings.InstallRoot == "" {
		settings.InstallRoot = DefaultInstallRoot
	}

	if settings.StagingDir == "" {
		settings.StagingDir = DefaultStagingDir
	}

	if settings.RegistryFile == "" {
		settings.RegistryFile = DefaultRegistryFile
	}

	if settings.HostAPILevel <= 0 {
		settings.HostAPILevel = DefaultHostAPILevel
	}

	if settings.InstallWait <= 0 {
		settings.InstallWait = DefaultInstallWait
	}
}
