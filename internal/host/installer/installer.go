package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/notify"
	"github.com/oshokin/deploy-agent/internal/repository/packages"
)

var (
	// ErrSessionNotFound is returned for unknown or abandoned sessions.
	ErrSessionNotFound = errors.New("install session not found")
	// ErrSessionSealed is returned when writing to or committing a committed session.
	ErrSessionSealed = errors.New("install session is sealed")
	// ErrInvalidName is returned for package or entry names that are not plain file names.
	ErrInvalidName = errors.New("name must be a plain file name")
	// errMissingRegistry is returned by New without a registry.
	errMissingRegistry = errors.New("package registry is not set")
)

// Options configure the installer.
type Options struct {
	// Root holds one directory per installed package.
	Root string
	// Staging holds one directory per open session.
	Staging string
	// Registry records installed packages.
	Registry packages.Repository
	// StopRunning terminates processes named after a package or its entries before replacing them.
	StopRunning bool
	// Actor is recorded as InstalledBy, e.g. "user@host".
	Actor string
}

// SessionState is the lifecycle state of a session.
type SessionState int

const (
	// SessionOpen accepts writes.
	SessionOpen SessionState = iota
	// SessionCommitted is sealed and being or already applied.
	SessionCommitted
	// SessionAbandoned was discarded.
	SessionAbandoned
)

// String returns the state name for logs.
func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionCommitted:
		return "committed"
	case SessionAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// SessionInfo describes a session for inspection.
type SessionInfo struct {
	ID          deploy.SessionID
	PackageName string
	State       SessionState
	CreatedAt   time.Time
}

// Installer owns install sessions and applies them.
type Installer struct {
	// root is the package directory.
	root string
	// staging is the session directory.
	staging string
	// registry records installed packages.
	registry packages.Repository
	// stopRunning enables process termination before apply.
	stopRunning bool
	// actor is recorded in the registry.
	actor string
	// processes lists running processes.
	processes func() ([]ps.Process, error)
	// kill terminates a process by pid.
	kill func(pid int) error
	// sessions holds open and committed sessions.
	sessions map[deploy.SessionID]*Session
	// nextID is the last allocated session id.
	nextID deploy.SessionID
	// mu protects sessions and nextID.
	mu sync.Mutex
	// applyMu serializes changes to the install root.
	applyMu sync.Mutex
	// background tracks running commits and uninstalls.
	background sync.WaitGroup
}

// New prepares the directories and returns an installer.
func New(opts Options) (*Installer, error) {
	if opts.Registry == nil {
		return nil, errMissingRegistry
	}

	if opts.Root == "" {
		opts.Root = config.DefaultInstallRoot
	}

	if opts.Staging == "" {
		opts.Staging = config.DefaultStagingDir
	}

	for _, dir := range []string{opts.Root, opts.Staging} {
		if err := os.MkdirAll(dir, config.DefaultDirectoryPermissions); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return &Installer{
		root:        filepath.Clean(opts.Root),
		staging:     filepath.Clean(opts.Staging),
		registry:    opts.Registry,
		stopRunning: opts.StopRunning,
		actor:       opts.Actor,
		processes:   ps.Processes,
		kill:        killProcess,
		sessions:    make(map[deploy.SessionID]*Session),
	}, nil
}

// CreateSession validates params and allocates a staging directory.
func (i *Installer) CreateSession(ctx context.Context, params deploy.SessionParams) (deploy.SessionID, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}

	if !plainName(params.PackageName) {
		return 0, fmt.Errorf("package %q: %w", params.PackageName, ErrInvalidName)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.nextID++
	id := i.nextID

	dir := filepath.Join(i.staging, "session-"+strconv.FormatInt(int64(id), 10))

	// A directory left by a previous process is stale.
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("clear session directory: %w", err)
	}

	if err := os.MkdirAll(dir, config.DefaultDirectoryPermissions); err != nil {
		return 0, fmt.Errorf("create session directory: %w", err)
	}

	i.sessions[id] = &Session{
		installer: i,
		id:        id,
		params:    params,
		dir:       dir,
		createdAt: time.Now(),
	}

	logger.DebugKV(ctx, "Install session created",
		"session_id", id,
		"package", params.PackageName,
		"mode", params.Mode.String())

	return id, nil
}

// OpenSession returns an open session.
//
//nolint:ireturn // Sessions are consumed through the domain interface.
func (i *Installer) OpenSession(_ context.Context, id deploy.SessionID) (deploy.InstallSession, error) {
	s, err := i.Session(id)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Session returns the concrete session for id.
func (i *Installer) Session(id deploy.SessionID) (*Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	s, ok := i.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}

	if state := s.currentState(); state != SessionOpen {
		return nil, fmt.Errorf("session %d is %s: %w", id, state, ErrSessionSealed)
	}

	return s, nil
}

// Sessions lists the sessions the installer still tracks, oldest first.
func (i *Installer) Sessions() []SessionInfo {
	i.mu.Lock()
	defer i.mu.Unlock()

	result := make([]SessionInfo, 0, len(i.sessions))
	for _, s := range i.sessions {
		result = append(result, s.info())
	}

	slices.SortFunc(result, func(a, b SessionInfo) int {
		return int(a.ID - b.ID)
	})

	return result
}

// AbandonStale discards open sessions created before now-olderThan and returns how many.
func (i *Installer) AbandonStale(ctx context.Context, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	var stale []*Session

	i.mu.Lock()

	for _, s := range i.sessions {
		if s.currentState() == SessionOpen && s.createdAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}

	i.mu.Unlock()

	abandoned := 0

	for _, s := range stale {
		if err := s.Abandon(); err != nil {
			logger.WarnKV(ctx, "Failed to abandon stale session", "session_id", s.id, "error", err)

			continue
		}

		abandoned++
	}

	if abandoned > 0 {
		logger.InfoKV(ctx, "Abandoned stale install sessions", "count", abandoned)
	}

	return abandoned
}

// Uninstall removes a package in the background and reports through cb.
// Unknown packages are reported with a failure status.
func (i *Installer) Uninstall(ctx context.Context, packageName string, cb deploy.Callback) {
	ctx = logger.WithKV(context.WithoutCancel(ctx), "package", packageName)

	i.background.Go(func() {
		result := i.uninstall(ctx, packageName)
		report(ctx, cb, result)
	})
}

// Wait blocks until every running commit and uninstall finished or ctx ends.
func (i *Installer) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		i.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Installed returns the registry record of a package.
func (i *Installer) Installed(ctx context.Context, packageName string) (*deploy.InstalledPackage, error) {
	return i.registry.Get(ctx, packageName)
}

// List returns every installed package.
func (i *Installer) List(ctx context.Context) ([]*deploy.InstalledPackage, error) {
	return i.registry.List(ctx)
}

// forgetSession drops a finished session.
func (i *Installer) forgetSession(id deploy.SessionID) {
	i.mu.Lock()
	defer i.mu.Unlock()

	delete(i.sessions, id)
}

// packageDir returns the directory of an installed package.
func (i *Installer) packageDir(packageName string) string {
	return filepath.Join(i.root, packageName)
}

// report fires cb with result, logging failures to deliver.
func report(ctx context.Context, cb deploy.Callback, result deploy.Result) {
	if result.Status.OK() {
		logger.InfoKV(ctx, "Package operation finished", "status", result.Status.String())
	} else {
		logger.WarnKV(ctx, "Package operation failed", "status", result.Status.String(), "message", result.Message)
	}

	if cb == nil {
		return
	}

	err := cb.Send(ctx, result)

	switch {
	case err == nil:
	case errors.Is(err, notify.ErrAlreadyDelivered), errors.Is(err, notify.ErrCanceled):
		// Requests sharing a registration key share one delivery.
		logger.WarnKV(ctx, "Completion already consumed, result dropped",
			"package", result.PackageName,
			"status", result.Status.String(),
			"error", err)
	default:
		logger.ErrorKV(ctx, "Failed to deliver completion", "error", err)
	}
}

// plainName reports whether name can be used as a single path element.
func plainName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name && !filepath.IsAbs(name)
}

// killProcess kills the process with the given pid.
func killProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return process.Kill()
}
