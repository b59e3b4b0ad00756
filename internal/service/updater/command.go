package updater

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/deploy-agent/internal/agent"
	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/repository/packages"
	"github.com/oshokin/deploy-agent/internal/service/common"
	"github.com/oshokin/deploy-agent/internal/service/coordinator"
	"github.com/oshokin/deploy-agent/internal/version"
)

var (
	errUpdaterAlreadyRunning = errors.New("the updater is already running")
	errNoAppsListURL         = errors.New("apps list URL is not configured")
	errBadHTTPStatus         = errors.New("unexpected http status")
	errDownloadFailed        = errors.New("download failed")
	errDownloadTimedOut      = errors.New("download timed out")
	errInstallRejected       = errors.New("install was not started")
	errInstallFailed         = errors.New("install failed")
	errInstallTimedOut       = errors.New("install did not complete in time")
)

// closeTimeout bounds waiting for background work when the updater exits.
const closeTimeout = 30 * time.Second

// Options are inputs accepted by the updater entry point.
type Options struct {
	// ConfigPath is the optional path to settings YAML file.
	ConfigPath string
	// AppsListURL overrides the apps list location from the settings.
	AppsListURL string
	// MarkerPath overrides the marker file location.
	MarkerPath string
	// HTTPClient fetches the apps list; http.DefaultClient when nil.
	HTTPClient *http.Client
}

// runner holds the state of a single update execution.
type runner struct {
	// cfg is the loaded configuration.
	cfg *config.Config
	// agent is the in-process deployment agent.
	agent *agent.Agent
	// httpClient fetches the apps list.
	httpClient *http.Client
	// actor is "user@host" of this process.
	actor common.Actor
}

// Run executes the updater lifecycle and is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options) (err error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "deploy-updater")

	markerPath := opts.MarkerPath
	if markerPath == "" {
		markerPath = MarkerFilename
	}

	if IsUpdaterRunningNow(ctx, markerPath) {
		return errUpdaterAlreadyRunning
	}

	updateMarker, err := os.Create(markerPath)
	if err != nil {
		return err
	}

	if err = updateMarker.Close(); err != nil {
		return err
	}

	defer cleanup(ctx, markerPath)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	if opts.AppsListURL != "" {
		cfg.AppsListURL = opts.AppsListURL
	}

	if cfg.AppsListURL == "" {
		return errNoAppsListURL
	}

	if err = logger.Configure(cfg.LogLevel); err != nil {
		return err
	}

	actor, err := common.DetectActor()
	if err != nil {
		return err
	}

	deployAgent, err := agent.New(ctx, cfg, actor.String())
	if err != nil {
		return fmt.Errorf("initialise agent: %w", err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()

		err = errors.Join(err, deployAgent.Close(closeCtx))
	}()

	u := &runner{
		cfg:        cfg,
		agent:      deployAgent,
		httpClient: opts.HTTPClient,
		actor:      actor,
	}

	if u.httpClient == nil {
		u.httpClient = http.DefaultClient
	}

	if err = u.Run(ctx); err != nil {
		logger.ErrorKV(ctx, "Updater run failed", "error", err)
		return err
	}

	logger.Info(ctx, "Updater completed")

	return nil
}

// Run updates every pending app of the apps list. Per-app failures are joined.
func (u *runner) Run(ctx context.Context) error {
	logger.InfoKV(ctx, "Downloading the apps list", "url", u.cfg.AppsListURL)

	list, err := u.fetchAppsList(ctx)
	if err != nil {
		return fmt.Errorf("download apps list: %w", err)
	}

	pending := list.Pending(func(name string) *deploy.InstalledPackage {
		return u.installed(ctx, name)
	})

	if len(pending) == 0 {
		logger.Info(ctx, "No update required, every app is current")
		return nil
	}

	logger.InfoKV(ctx, "Apps to update", "count", len(pending), "listed", len(list.Apps))

	var errs []error

	for _, app := range pending {
		appCtx := logger.WithFields(ctx, "package", app.PackageName, "version_code", app.VersionCode)

		if err := u.updateApp(appCtx, app); err != nil {
			logger.ErrorKV(appCtx, "App update failed", "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", app.PackageName, err))

			continue
		}

		logger.Info(appCtx, "App updated")
	}

	return errors.Join(errs...)
}

// installed returns the registry record of name, nil when it is not installed.
func (u *runner) installed(ctx context.Context, name string) *deploy.InstalledPackage {
	pkg, err := u.agent.Installer.Installed(ctx, name)
	if err == nil {
		return pkg
	}

	if !errors.Is(err, packages.ErrNotFound) {
		logger.WarnKV(ctx, "Unable to read installed package", "package", name, "error", err)
	}

	return nil
}

// fetchAppsList downloads and parses the apps list.
// The list is YAML or JSON; yaml.v3 reads both.
func (u *runner) fetchAppsList(ctx context.Context) (*deploy.AppsList, error) {
	listURL, err := url.Parse(u.cfg.AppsListURL)
	if err != nil {
		return nil, err
	}

	query := listURL.Query()
	query.Set("host", u.actor.Hostname)
	query.Set("agent_version", version.Short())
	listURL.RawQuery = query.Encode()

	finalURL := listURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, http.NoBody)
	if err != nil {
		return nil, err
	}

	response, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s, %s: %w", finalURL, response.Status, errBadHTTPStatus)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	var list deploy.AppsList
	if err = yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}

	return &list, nil
}

// updateApp downloads, installs and cleans up one app.
func (u *runner) updateApp(ctx context.Context, app deploy.AppPackage) error {
	opts := []coordinator.InstallOption{coordinator.WithVersionCode(app.VersionCode)}

	if app.Checksum != "" {
		checksum, err := base64.StdEncoding.DecodeString(app.Checksum)
		if err != nil {
			return fmt.Errorf("decode checksum: %w", err)
		}

		opts = append(opts, coordinator.WithChecksum(checksum))
	}

	task, err := u.agent.StartDownload(ctx, app.DownloadLink)
	if err != nil {
		return err
	}

	defer func() {
		if err := u.agent.Downloads.Remove(ctx, task.ID); err != nil {
			logger.WarnKV(ctx, "Failed to remove download", "download_id", task.ID, "error", err)
		}
	}()

	logger.InfoKV(ctx, "Waiting for download", "download_id", task.ID, "deadline", task.Deadline)

	if err = u.waitDownload(ctx, task.ID); err != nil {
		return err
	}

	started, err := u.agent.InstallDownload(ctx, task.ID, app.PackageName, opts...)
	if err != nil {
		return err
	}

	if !started {
		return errInstallRejected
	}

	return u.waitInstall(ctx, app.PackageName)
}

// waitDownload blocks until the download finishes or its timeout message arrives.
func (u *runner) waitDownload(ctx context.Context, id deploy.DownloadID) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-u.agent.Mailbox.C():
			if msg.DownloadID != id {
				logger.DebugKV(ctx, "Ignoring message", "kind", msg.Kind.String(), "download_id", msg.DownloadID)
				continue
			}

			switch msg.Kind {
			case deploy.MessageDownloadTimeout:
				return errDownloadTimedOut
			case deploy.MessageDownloadComplete:
				u.agent.Mailbox.RemoveMessages(deploy.MessageDownloadTimeout, id)

				if msg.Event != nil && !msg.Event.Status.OK() {
					return fmt.Errorf("%w: %s %s", errDownloadFailed, msg.Event.Status, msg.Event.Message)
				}

				return nil
			default:
			}
		}
	}
}

// waitInstall blocks until the install of packageName completes or InstallWait elapses.
func (u *runner) waitInstall(ctx context.Context, packageName string) error {
	timer := time.NewTimer(u.cfg.InstallWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errInstallTimedOut
		case msg := <-u.agent.Mailbox.C():
			if msg.Kind != deploy.MessageInstallComplete || msg.Event == nil ||
				msg.Event.PackageName != packageName {
				logger.DebugKV(ctx, "Ignoring message", "kind", msg.Kind.String())
				continue
			}

			if !msg.Event.Status.OK() {
				return fmt.Errorf("%w: %s %s", errInstallFailed, msg.Event.Status, msg.Event.Message)
			}

			return nil
		}
	}
}

// cleanup removes the running marker.
func cleanup(ctx context.Context, markerPath string) {
	if _, err := os.Stat(markerPath); err == nil {
		_ = os.Remove(markerPath)
	}

	logger.Info(ctx, "The updater has been stopped")
}
