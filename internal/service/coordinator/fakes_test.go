package coordinator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
)

var (
	errDiskFull    = errors.New("disk full")
	errNoSessions  = errors.New("no sessions left")
	errEnqueueFull = errors.New("download queue full")
	errSealed      = errors.New("session sealed")
)

// fakeDownloads hands out sequential download ids.
type fakeDownloads struct {
	err  error
	urls []string
	mu   sync.Mutex
}

// Enqueue records the url and returns the next id.
func (f *fakeDownloads) Enqueue(_ context.Context, sourceURL string) (deploy.DownloadID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return 0, f.err
	}

	f.urls = append(f.urls, sourceURL)

	return deploy.DownloadID(len(f.urls)), nil
}

// trackingWriter records writes, flushes and closes and can fail after a byte budget.
type trackingWriter struct {
	buf       bytes.Buffer
	failAfter int
	writes    int
	syncs     int
	closes    int
}

// Write appends p unless the failure budget is exhausted.
func (w *trackingWriter) Write(p []byte) (int, error) {
	if w.failAfter > 0 && w.buf.Len()+len(p) > w.failAfter {
		return 0, errDiskFull
	}

	w.writes++

	return w.buf.Write(p)
}

// Close counts the call.
func (w *trackingWriter) Close() error {
	w.closes++

	return nil
}

// fakeSession records what the coordinator does with a session.
type fakeSession struct {
	id        deploy.SessionID
	writer    *trackingWriter
	entry     string
	offset    int64
	length    int64
	syncErr   error
	commits   []deploy.Callback
	commitErr error
}

// ID returns the session id.
func (s *fakeSession) ID() deploy.SessionID { return s.id }

// OpenWrite returns the tracking writer and remembers the entry parameters.
func (s *fakeSession) OpenWrite(name string, offset, length int64) (io.WriteCloser, error) {
	s.entry, s.offset, s.length = name, offset, length

	return s.writer, nil
}

// Fsync counts flushes on the session writer.
func (s *fakeSession) Fsync(w io.Writer) error {
	if s.syncErr != nil {
		return s.syncErr
	}

	if tw, ok := w.(*trackingWriter); ok {
		tw.syncs++
	}

	return nil
}

// Commit records the callback.
func (s *fakeSession) Commit(cb deploy.Callback) error {
	if s.commitErr != nil {
		return s.commitErr
	}

	s.commits = append(s.commits, cb)

	return nil
}

// fakeInstaller creates fakeSessions and records uninstall requests.
type fakeInstaller struct {
	createErr  error
	commitErr  error
	params     []deploy.SessionParams
	sessions   map[deploy.SessionID]*fakeSession
	uninstalls []string
	callbacks  []deploy.Callback
	failAfter  int
	nextID     deploy.SessionID
}

// newFakeInstaller starts session ids at 100 to keep them apart from request code 0.
func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{
		sessions: make(map[deploy.SessionID]*fakeSession),
		nextID:   100,
	}
}

// CreateSession allocates a session with a tracking writer.
func (f *fakeInstaller) CreateSession(_ context.Context, params deploy.SessionParams) (deploy.SessionID, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}

	f.nextID++
	f.params = append(f.params, params)
	f.sessions[f.nextID] = &fakeSession{
		id:        f.nextID,
		writer:    &trackingWriter{failAfter: f.failAfter},
		commitErr: f.commitErr,
	}

	return f.nextID, nil
}

// OpenSession returns a previously created session.
//
//nolint:ireturn // Mirrors the host interface.
func (f *fakeInstaller) OpenSession(_ context.Context, id deploy.SessionID) (deploy.InstallSession, error) {
	return f.sessions[id], nil
}

// Uninstall records the request.
func (f *fakeInstaller) Uninstall(_ context.Context, packageName string, cb deploy.Callback) {
	f.uninstalls = append(f.uninstalls, packageName)
	f.callbacks = append(f.callbacks, cb)
}

// last returns the most recently created session.
func (f *fakeInstaller) last() *fakeSession {
	return f.sessions[f.nextID]
}

// fakeCallback is the callback produced by fakeRegistrar.
type fakeCallback struct {
	token deploy.CompletionToken
}

// Token returns the registered token.
func (c *fakeCallback) Token() deploy.CompletionToken { return c.token }

// Send does nothing; the tests inspect tokens only.
func (c *fakeCallback) Send(context.Context, deploy.Result) error { return nil }

// fakeRegistrar intercepts tokens before they reach a host.
type fakeRegistrar struct {
	tokens []deploy.CompletionToken
}

// Register records the token.
//
//nolint:ireturn // Mirrors the registrar interface.
func (r *fakeRegistrar) Register(token deploy.CompletionToken) deploy.Callback {
	r.tokens = append(r.tokens, token)

	return &fakeCallback{token: token}
}

// trackingReader wraps a reader and counts Close calls.
type trackingReader struct {
	io.Reader

	closes int
}

// Close counts the call.
func (r *trackingReader) Close() error {
	r.closes++

	return nil
}
