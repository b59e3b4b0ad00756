package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/host/download"
	"github.com/oshokin/deploy-agent/internal/host/installer"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/mailbox"
	"github.com/oshokin/deploy-agent/internal/notify"
	"github.com/oshokin/deploy-agent/internal/repository/packages"
	"github.com/oshokin/deploy-agent/internal/service/coordinator"
)

// mailboxCapacity is the number of undelivered messages the agent buffers.
const mailboxCapacity = 64

// Agent is a fully wired deployment coordinator with its host services.
type Agent struct {
	// Broker delivers completion events.
	Broker *notify.Broker
	// Mailbox receives download timeouts and forwarded completions.
	Mailbox *mailbox.Mailbox
	// Downloads is the download service.
	Downloads *download.Service
	// Installer is the package installer.
	Installer *installer.Installer
	// Coordinator initiates downloads, installs and uninstalls.
	Coordinator *coordinator.Coordinator

	// timeoutAction names the events published for download timeouts.
	timeoutAction string
	// unsubscribe removes the mailbox forwarders.
	unsubscribe []func()
}

// New builds an agent from cfg. actor is recorded as the installer of packages.
func New(ctx context.Context, cfg *config.Config, actor string) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	broker := notify.NewBroker()
	box := mailbox.New(mailboxCapacity)

	a := &Agent{
		Broker:        broker,
		Mailbox:       box,
		timeoutAction: deploy.ActionName(cfg.Namespace, deploy.DownloadTimeoutSuffix),
	}

	downloadAction := deploy.ActionName(cfg.Namespace, deploy.DownloadCompleteSuffix)

	downloads, err := download.Open(ctx, download.Options{
		Directory:      cfg.DownloadDir,
		Database:       cfg.DownloadDB,
		Workers:        cfg.DownloadWorkers,
		Sink:           broker,
		CompleteAction: downloadAction,
	})
	if err != nil {
		box.Close()

		return nil, fmt.Errorf("open download service: %w", err)
	}

	a.Downloads = downloads

	inst, err := installer.New(installer.Options{
		Root:        cfg.InstallRoot,
		Staging:     cfg.StagingDir,
		Registry:    packages.NewFileRepository(cfg.RegistryFile),
		StopRunning: cfg.StopRunning,
		Actor:       actor,
	})
	if err != nil {
		_ = a.Close(ctx)

		return nil, fmt.Errorf("create installer: %w", err)
	}

	a.Installer = inst

	coord, err := coordinator.New(coordinator.Dependencies{
		Downloads: downloads,
		Installer: inst,
		Registrar: broker,
		Scheduler: box,
	},
		coordinator.WithNamespace(cfg.Namespace),
		coordinator.WithDownloadTimeout(cfg.DownloadTimeout),
		coordinator.WithHostAPILevel(cfg.HostAPILevel),
	)
	if err != nil {
		_ = a.Close(ctx)

		return nil, fmt.Errorf("create coordinator: %w", err)
	}

	a.Coordinator = coord

	a.forward(downloadAction, deploy.MessageDownloadComplete)
	a.forward(coord.InstallAction(), deploy.MessageInstallComplete)

	logger.InfoKV(ctx, "Agent ready",
		"namespace", cfg.Namespace,
		"callback_flags", coord.CallbackFlags().String(),
		"install_root", cfg.InstallRoot)

	return a, nil
}

// forward posts events named action to the mailbox as messages of kind.
func (a *Agent) forward(action string, kind deploy.MessageKind) {
	unsubscribe := a.Broker.Subscribe(action, func(ctx context.Context, event deploy.Event) {
		msg := deploy.Message{
			Kind:  kind,
			Event: &event,
		}

		if kind == deploy.MessageDownloadComplete {
			msg.DownloadID = deploy.DownloadID(event.CorrelationID)
		}

		if err := a.Mailbox.Send(ctx, msg); err != nil && !errors.Is(err, mailbox.ErrClosed) {
			logger.WarnKV(ctx, "Failed to post message", "kind", kind.String(), "error", err)
		}
	})

	a.unsubscribe = append(a.unsubscribe, unsubscribe)
}

// TimeoutAction returns the event name download timeouts are published under by PublishTimeouts.
func (a *Agent) TimeoutAction() string {
	return a.timeoutAction
}

// PublishTimeouts drains the mailbox until ctx ends. A finished download cancels
// its watchdog; a watchdog that fires first is published as an in-progress event,
// the download keeps running. Use it when no caller reads the mailbox directly.
func (a *Agent) PublishTimeouts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.Mailbox.C():
			switch msg.Kind {
			case deploy.MessageDownloadComplete:
				a.Mailbox.RemoveMessages(deploy.MessageDownloadTimeout, msg.DownloadID)
			case deploy.MessageDownloadTimeout:
				a.publishTimeout(ctx, msg.DownloadID)
			default:
			}
		}
	}
}

// publishTimeout delivers the timeout event of a download.
func (a *Agent) publishTimeout(ctx context.Context, id deploy.DownloadID) {
	logger.InfoKV(ctx, "Download still running past its timeout", "download_id", id)

	event := deploy.Event{
		Action:        a.timeoutAction,
		CorrelationID: int64(id),
		Status:        deploy.StatusInProgress,
		Message:       "download timed out",
	}

	if err := a.Broker.Deliver(ctx, event); err != nil {
		logger.WarnKV(ctx, "Failed to publish download timeout", "error", err)
	}
}

// StartDownload enqueues a download and arms its timeout.
func (a *Agent) StartDownload(ctx context.Context, sourceURL string) (*deploy.DownloadTask, error) {
	return a.Coordinator.StartDownload(ctx, sourceURL)
}

// InstallDownload installs the file of a finished download as packageName.
func (a *Agent) InstallDownload(
	ctx context.Context,
	id deploy.DownloadID,
	packageName string,
	opts ...coordinator.InstallOption,
) (bool, error) {
	src, err := a.Downloads.OpenDownloaded(ctx, id)
	if err != nil {
		return false, err
	}

	return a.Coordinator.InstallPackage(ctx, src, packageName, opts...)
}

// UninstallPackage requests removal of packageName.
func (a *Agent) UninstallPackage(ctx context.Context, packageName string) {
	a.Coordinator.UninstallPackage(ctx, packageName)
}

// ListPackages returns the installed packages.
func (a *Agent) ListPackages(ctx context.Context) ([]*deploy.InstalledPackage, error) {
	return a.Installer.List(ctx)
}

// Subscribe registers h for events named action.
func (a *Agent) Subscribe(action string, h notify.Handler) (unsubscribe func()) {
	return a.Broker.Subscribe(action, h)
}

// Close waits for background installs until ctx ends and releases the host services.
func (a *Agent) Close(ctx context.Context) error {
	var errs []error

	if a.Installer != nil {
		if err := a.Installer.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for installer: %w", err))
		}
	}

	if a.Downloads != nil {
		if err := a.Downloads.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close download service: %w", err))
		}
	}

	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}

	a.Mailbox.Close()

	return errors.Join(errs...)
}
