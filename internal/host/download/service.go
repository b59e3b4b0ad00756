package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/workerpool"
)

var (
	// ErrNotDownloaded is returned when opening a download that did not succeed.
	ErrNotDownloaded = errors.New("download is not complete")
	// errBadHTTPStatus is recorded when the source answers with a non-200 status.
	errBadHTTPStatus = errors.New("unexpected http status")
	// errMissingSink is returned by Open without a notification sink.
	errMissingSink = errors.New("notification sink is not set")
)

const (
	// filePrefix names downloaded files "download-<id>".
	filePrefix = "download-"
	// partSuffix marks files still being written.
	partSuffix = ".part"
	// defaultQueueSize bounds fetches waiting for a worker.
	defaultQueueSize = 64
	// interruptedReason is recorded for rows a previous process left pending.
	interruptedReason = "interrupted by agent restart"
)

// Options configure the download service.
type Options struct {
	// Directory receives the downloaded files.
	Directory string
	// Database is the SQLite file holding the download table.
	Database string
	// Workers is the number of concurrent fetches.
	Workers int
	// QueueSize bounds fetches waiting for a worker.
	QueueSize int
	// Client performs the fetches. When nil a client that also understands file:// URLs is used.
	Client *http.Client
	// Sink receives a completion event for every finished fetch.
	Sink deploy.NotificationSink
	// CompleteAction is the event name completions are delivered under.
	CompleteAction string
}

// Service fetches artifacts in the background.
type Service struct {
	// store is the download table.
	store *store
	// pool runs fetches.
	pool *workerpool.Pool
	// client performs HTTP and file fetches.
	client *http.Client
	// directory receives files.
	directory string
	// sink receives completion events.
	sink deploy.NotificationSink
	// action is the completion event name.
	action string
	// inflight tracks queued and running fetches by id.
	inflight map[deploy.DownloadID]*fetchHandle
	// mu protects inflight.
	mu sync.Mutex
}

// Open prepares the directory and the table and starts the workers.
func Open(ctx context.Context, opts Options) (*Service, error) {
	if opts.Sink == nil {
		return nil, errMissingSink
	}

	if opts.Directory == "" {
		opts.Directory = config.DefaultDownloadDir
	}

	if opts.Database == "" {
		opts.Database = filepath.Join(opts.Directory, config.DefaultDownloadDB)
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	if opts.CompleteAction == "" {
		opts.CompleteAction = deploy.ActionName(config.DefaultNamespace, deploy.DownloadCompleteSuffix)
	}

	if err := os.MkdirAll(opts.Directory, config.DefaultDirectoryPermissions); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	st, err := openStore(ctx, opts.Database)
	if err != nil {
		return nil, err
	}

	interrupted, err := st.failPending(ctx, interruptedReason, time.Now())
	if err != nil {
		_ = st.close()

		return nil, err
	}

	if interrupted > 0 {
		logger.WarnKV(ctx, "Marked interrupted downloads as failed", "count", interrupted)
	}

	client := opts.Client
	if client == nil {
		client = newClient()
	}

	ctx = logger.WithName(ctx, "download")

	return &Service{
		store:     st,
		pool:      workerpool.New(ctx, opts.Workers, opts.QueueSize),
		client:    client,
		directory: opts.Directory,
		sink:      opts.Sink,
		action:    opts.CompleteAction,
		inflight:  make(map[deploy.DownloadID]*fetchHandle),
	}, nil
}

// newClient returns an HTTP client that also serves file:// URLs from the local filesystem.
func newClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // Always *http.Transport.
	transport.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))

	return &http.Client{Transport: transport}
}

// Enqueue records a pending download and hands it to a worker.
func (s *Service) Enqueue(ctx context.Context, sourceURL string) (deploy.DownloadID, error) {
	id, err := s.store.insert(ctx, sourceURL, time.Now())
	if err != nil {
		return 0, err
	}

	fetchCtx, cancel := context.WithCancel(logger.WithKV(context.WithoutCancel(ctx), "download_id", id))
	handle := &fetchHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.inflight[id] = handle
	s.mu.Unlock()

	err = s.pool.Submit(func(poolCtx context.Context) {
		defer close(handle.done)
		defer cancel()

		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()

		s.fetch(fetchCtx, id, sourceURL)
	})
	if err != nil {
		s.forget(id)
		cancel()

		if _, finishErr := s.store.finish(ctx, id, StatusFailed, 0, err.Error(), time.Now()); finishErr != nil {
			err = errors.Join(err, finishErr)
		}

		return 0, fmt.Errorf("submit download: %w", err)
	}

	logger.DebugKV(ctx, "Download enqueued", "download_id", id, "url", sourceURL)

	return id, nil
}

// Query returns the row of a download.
func (s *Service) Query(ctx context.Context, id deploy.DownloadID) (*Record, error) {
	return s.store.get(ctx, id)
}

// OpenDownloaded opens the file of a successful download.
func (s *Service) OpenDownloaded(ctx context.Context, id deploy.DownloadID) (io.ReadCloser, error) {
	record, err := s.store.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Status != StatusSuccessful {
		return nil, fmt.Errorf("download %d is %s: %w", id, record.Status, ErrNotDownloaded)
	}

	f, err := os.Open(filepath.Clean(record.Path))
	if err != nil {
		return nil, fmt.Errorf("open download %d: %w", id, err)
	}

	return f, nil
}

// Remove cancels a running fetch and deletes the file and the row.
// A removed download produces no completion event.
func (s *Service) Remove(ctx context.Context, id deploy.DownloadID) error {
	found, err := s.store.delete(ctx, id)
	if err != nil {
		return err
	}

	if handle := s.forget(id); handle != nil {
		handle.cancel()

		select {
		case <-handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	path := s.filePath(id)
	for _, name := range []string{path, path + partSuffix} {
		if err = os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove download file: %w", err)
		}
	}

	if !found {
		return fmt.Errorf("download %d: %w", id, ErrNotFound)
	}

	return nil
}

// Close waits for running fetches until ctx ends and closes the table.
func (s *Service) Close(ctx context.Context) error {
	poolErr := s.pool.Shutdown(ctx)

	return errors.Join(poolErr, s.store.close())
}

// fetch downloads one artifact, records the outcome and announces it.
func (s *Service) fetch(ctx context.Context, id deploy.DownloadID, sourceURL string) {
	defer s.forget(id)

	path := s.filePath(id)

	written, err := s.fetchTo(ctx, id, sourceURL, path)

	status, errMsg, eventStatus := StatusSuccessful, "", deploy.StatusSuccess
	if err != nil {
		status, errMsg, eventStatus = StatusFailed, err.Error(), failureStatus(err)

		_ = os.Remove(path + partSuffix)
	}

	// Record the outcome even when the fetch was canceled.
	finished, finishErr := s.store.finish(context.WithoutCancel(ctx), id, status, written, errMsg, time.Now())
	if finishErr != nil {
		logger.ErrorKV(ctx, "Failed to record download result", "error", finishErr)

		return
	}

	if !finished {
		logger.Debug(ctx, "Download removed before completion")

		return
	}

	if err != nil {
		logger.WarnKV(ctx, "Download failed", "url", sourceURL, "error", err)
	} else {
		logger.InfoKV(ctx, "Download finished", "url", sourceURL, "bytes", written)
	}

	event := deploy.Event{
		Action:        s.action,
		CorrelationID: int64(id),
		Status:        eventStatus,
		Message:       errMsg,
	}

	if err = s.sink.Deliver(context.WithoutCancel(ctx), event); err != nil {
		logger.ErrorKV(ctx, "Failed to deliver download result", "error", err)
	}
}

// fetchTo streams sourceURL into path through a temporary file.
func (s *Service) fetchTo(ctx context.Context, id deploy.DownloadID, sourceURL, path string) (int64, error) {
	if err := s.store.setPath(ctx, id, path, time.Now()); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	response, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", sourceURL, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s, %s: %w", sourceURL, response.Status, errBadHTTPStatus)
	}

	part := path + partSuffix

	out, err := os.OpenFile(filepath.Clean(part), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, config.DefaultFilePermissions)
	if err != nil {
		return 0, &storageError{err: fmt.Errorf("create download file: %w", err)}
	}

	written, err := io.Copy(out, response.Body)
	if err != nil {
		_ = out.Close()

		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return written, &storageError{err: fmt.Errorf("write download file: %w", err)}
		}

		return written, fmt.Errorf("read %s: %w", sourceURL, err)
	}

	if err = out.Sync(); err != nil {
		_ = out.Close()

		return written, &storageError{err: fmt.Errorf("sync download file: %w", err)}
	}

	if err = out.Close(); err != nil {
		return written, &storageError{err: fmt.Errorf("close download file: %w", err)}
	}

	if err = os.Rename(part, path); err != nil {
		return written, &storageError{err: fmt.Errorf("rename download file: %w", err)}
	}

	return written, nil
}

// fetchHandle controls one queued or running fetch.
type fetchHandle struct {
	// cancel aborts the fetch.
	cancel context.CancelFunc
	// done is closed when the fetch task returned.
	done chan struct{}
}

// forget drops the in-flight entry and returns it.
func (s *Service) forget(id deploy.DownloadID) *fetchHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.inflight[id]
	if !ok {
		return nil
	}

	delete(s.inflight, id)

	return handle
}

// filePath returns "<dir>/download-<id>".
func (s *Service) filePath(id deploy.DownloadID) string {
	return filepath.Join(s.directory, filePrefix+strconv.FormatInt(int64(id), 10))
}

// storageError marks failures of the local filesystem.
type storageError struct {
	err error
}

// Error implements error.
func (e *storageError) Error() string {
	return e.err.Error()
}

// Unwrap returns the wrapped error.
func (e *storageError) Unwrap() error {
	return e.err
}

// failureStatus maps a fetch error to the event status.
func failureStatus(err error) deploy.Status {
	var se *storageError

	switch {
	case errors.As(err, &se):
		return deploy.StatusFailureStorage
	case errors.Is(err, context.Canceled):
		return deploy.StatusFailureAborted
	default:
		return deploy.StatusFailure
	}
}
