package deploy

import (
	"context"
	"io"
	"time"
)

// DownloadService is the host facility that fetches remote artifacts in the background.
type DownloadService interface {
	// Enqueue schedules a fetch and returns its handle without waiting for it.
	Enqueue(ctx context.Context, sourceURL string) (DownloadID, error)
}

// PackageInstaller is the host facility that installs and removes packages.
type PackageInstaller interface {
	// CreateSession prepares a new transactional install session.
	CreateSession(ctx context.Context, params SessionParams) (SessionID, error)
	// OpenSession returns a handle for writing into an existing session.
	OpenSession(ctx context.Context, id SessionID) (InstallSession, error)
	// Uninstall removes a package in the background and reports through cb.
	Uninstall(ctx context.Context, packageName string, cb Callback)
}

// InstallSession is an open, uncommitted install transaction.
type InstallSession interface {
	// ID returns the session identifier.
	ID() SessionID
	// OpenWrite opens a named entry for writing at offset. A negative length means unbounded.
	OpenWrite(name string, offset, length int64) (io.WriteCloser, error)
	// Fsync forces the bytes written through w to stable storage.
	Fsync(w io.Writer) error
	// Commit seals the session and installs it in the background, reporting through cb.
	Commit(cb Callback) error
}

// Callback is a one-shot completion registration the host fires when an operation ends.
type Callback interface {
	// Token returns the registration the callback was built from.
	Token() CompletionToken
	// Send delivers the result. Only the first call has an effect.
	Send(ctx context.Context, result Result) error
}

// Registrar turns completion tokens into live callbacks.
type Registrar interface {
	Register(token CompletionToken) Callback
}

// Scheduler queues messages for later delivery to the caller.
type Scheduler interface {
	// SendDelayed delivers msg after delay and returns a function that cancels it.
	SendDelayed(msg Message, delay time.Duration) (cancel func() bool)
}

// NotificationSink receives events produced by host services.
type NotificationSink interface {
	Deliver(ctx context.Context, event Event) error
}
