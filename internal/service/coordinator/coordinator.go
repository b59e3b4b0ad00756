package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
)

var (
	// ErrInvalidSourceURL is returned when a download location is not an absolute http(s) or file URL.
	ErrInvalidSourceURL = errors.New("invalid source url")
	// errMissingDependency is returned by New when a host service is not provided.
	errMissingDependency = errors.New("coordinator dependency is not set")
)

// completionKind selects which completion action a token is registered under.
type completionKind int

const (
	completionInstall completionKind = iota
	completionUninstall
)

// Dependencies are the host services the coordinator drives.
type Dependencies struct {
	// Downloads enqueues artifact fetches.
	Downloads deploy.DownloadService
	// Installer owns install sessions and uninstalls.
	Installer deploy.PackageInstaller
	// Registrar turns completion tokens into callbacks.
	Registrar deploy.Registrar
	// Scheduler receives the delayed download timeout messages.
	Scheduler deploy.Scheduler
}

// Coordinator initiates downloads, installs and uninstalls on the host.
type Coordinator struct {
	// deps are the host services.
	deps Dependencies
	// installAction is "<namespace>.INSTALL_COMPLETE".
	installAction string
	// uninstallAction is "<namespace>.UNINSTALL_COMPLETE".
	uninstallAction string
	// downloadTimeout is the watchdog delay.
	downloadTimeout time.Duration
	// callbackFlags is resolved once from the host API level.
	callbackFlags deploy.CallbackFlags
}

// New creates a coordinator. Callback flags are negotiated here, once.
func New(deps Dependencies, opts ...Option) (*Coordinator, error) {
	if deps.Downloads == nil || deps.Installer == nil || deps.Registrar == nil || deps.Scheduler == nil {
		return nil, errMissingDependency
	}

	s := &settings{
		namespace:       DefaultNamespace,
		downloadTimeout: DefaultDownloadTimeout,
		hostAPILevel:    DefaultHostAPILevel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return &Coordinator{
		deps:            deps,
		installAction:   deploy.ActionName(s.namespace, deploy.InstallCompleteSuffix),
		uninstallAction: deploy.ActionName(s.namespace, deploy.UninstallCompleteSuffix),
		downloadTimeout: s.downloadTimeout,
		callbackFlags:   deploy.CallbackFlagsFor(s.hostAPILevel),
	}, nil
}

// InstallAction returns the event name install results are published under.
func (c *Coordinator) InstallAction() string {
	return c.installAction
}

// UninstallAction returns the event name uninstall results are published under.
func (c *Coordinator) UninstallAction() string {
	return c.uninstallAction
}

// CallbackFlags returns the negotiated registration flags.
func (c *Coordinator) CallbackFlags() deploy.CallbackFlags {
	return c.callbackFlags
}

// StartDownload enqueues a fetch of sourceURL and arms the timeout watchdog.
// It returns as soon as the host accepted the request; the outcome arrives later
// as a download-complete notification or a MessageDownloadTimeout carrying the same handle.
// The watchdog only notifies; it never cancels the download.
func (c *Coordinator) StartDownload(ctx context.Context, sourceURL string) (*deploy.DownloadTask, error) {
	if err := validateSourceURL(sourceURL); err != nil {
		return nil, err
	}

	id, err := c.deps.Downloads.Enqueue(ctx, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("enqueue download: %w", err)
	}

	c.deps.Scheduler.SendDelayed(deploy.Message{
		Kind:       deploy.MessageDownloadTimeout,
		DownloadID: id,
	}, c.downloadTimeout)

	task := &deploy.DownloadTask{
		ID:        id,
		SourceURL: sourceURL,
		Deadline:  time.Now().Add(c.downloadTimeout),
	}

	logger.DebugKV(ctx, "Starting download", "download_id", id, "url", sourceURL, "timeout", c.downloadTimeout.String())

	return task, nil
}

// InstallPackage streams src into a new full-install session for packageName and commits it.
// Both src and the session writer are closed on every path. The result is true once the
// commit was requested; the install outcome is published later under InstallAction.
// On failure the uncommitted session is left for the host to collect.
func (c *Coordinator) InstallPackage(
	ctx context.Context,
	src io.ReadCloser,
	packageName string,
	opts ...InstallOption,
) (bool, error) {
	srcClosed := false

	defer func() {
		if !srcClosed {
			_ = src.Close()
		}
	}()

	if packageName == "" {
		return false, deploy.ErrPackageNameRequired
	}

	params := deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: packageName,
	}

	for _, opt := range opts {
		opt(&params)
	}

	sessionID, err := c.deps.Installer.CreateSession(ctx, params)
	if err != nil {
		return false, fmt.Errorf("create install session: %w", err)
	}

	session, err := c.deps.Installer.OpenSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("open install session %d: %w", sessionID, err)
	}

	written, err := writeArtifact(session, src)
	if err != nil {
		return false, fmt.Errorf("write install session %d: %w", sessionID, err)
	}

	srcClosed = true

	if err = src.Close(); err != nil {
		return false, fmt.Errorf("close artifact source: %w", err)
	}

	cb := c.completionToken(completionInstall, int64(sessionID), "")
	if err = session.Commit(cb); err != nil {
		// The host never took the token, so nothing will fire it.
		if registration, ok := cb.(canceler); ok {
			registration.Cancel()
		}

		return false, fmt.Errorf("commit install session %d: %w", sessionID, err)
	}

	logger.InfoKV(ctx, "Install session committed",
		"package", packageName,
		"session_id", sessionID,
		"bytes", written)

	return true, nil
}

// canceler is implemented by callbacks that can be withdrawn before delivery.
type canceler interface {
	Cancel() bool
}

// UninstallPackage asks the host to remove packageName. The outcome, including
// refusals such as an unknown package, is published later under UninstallAction.
func (c *Coordinator) UninstallPackage(ctx context.Context, packageName string) {
	cb := c.completionToken(completionUninstall, 0, packageName)

	logger.InfoKV(ctx, "Uninstall requested", "package", packageName)

	c.deps.Installer.Uninstall(ctx, packageName, cb)
}

// completionToken registers the callback a host fires when an operation ends.
// Installs are correlated by session id; uninstalls share request code 0 and carry
// the package name instead.
//
//nolint:ireturn // Callbacks are produced by the injected registrar.
func (c *Coordinator) completionToken(kind completionKind, requestCode int64, packageName string) deploy.Callback {
	token := deploy.CompletionToken{
		RequestCode: requestCode,
		Flags:       c.callbackFlags,
	}

	switch kind {
	case completionInstall:
		token.Action = c.installAction
	case completionUninstall:
		token.Action = c.uninstallAction
		token.RequestCode = 0
		token.PackageName = packageName
	}

	return c.deps.Registrar.Register(token)
}

// writeArtifact copies src into the session's artifact entry through a fixed buffer,
// syncs it and closes the writer. The writer is closed even when copying fails.
func writeArtifact(session deploy.InstallSession, src io.Reader) (written int64, err error) {
	out, err := session.OpenWrite(ArtifactEntryName, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", ArtifactEntryName, err)
	}

	closed := false

	defer func() {
		if !closed {
			_ = out.Close()
		}
	}()

	buffer := make([]byte, copyBufferSize)

	for {
		n, readErr := src.Read(buffer)
		if n > 0 {
			if _, err = out.Write(buffer[:n]); err != nil {
				return written, fmt.Errorf("write entry: %w", err)
			}

			written += int64(n)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return written, fmt.Errorf("read artifact: %w", readErr)
		}
	}

	if err = session.Fsync(out); err != nil {
		return written, fmt.Errorf("sync entry: %w", err)
	}

	closed = true

	if err = out.Close(); err != nil {
		return written, fmt.Errorf("close entry: %w", err)
	}

	return written, nil
}

// validateSourceURL accepts absolute http, https and file URLs.
func validateSourceURL(sourceURL string) error {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSourceURL, err)
	}

	switch parsed.Scheme {
	case "http", "https":
		if parsed.Host == "" {
			return fmt.Errorf("%w: %q has no host", ErrInvalidSourceURL, sourceURL)
		}
	case "file":
		if parsed.Path == "" {
			return fmt.Errorf("%w: %q has no path", ErrInvalidSourceURL, sourceURL)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidSourceURL, sourceURL)
	}

	return nil
}
