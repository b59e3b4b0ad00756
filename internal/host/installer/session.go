package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
)

var (
	// ErrEntryTooLarge is returned when a write exceeds the length declared by OpenWrite.
	ErrEntryTooLarge = errors.New("entry exceeds declared length")
	// ErrForeignWriter is returned by Fsync for writers not opened by the session.
	ErrForeignWriter = errors.New("writer does not belong to this session")
	// ErrWritersOpen is returned when committing while entry writers are still open.
	ErrWritersOpen = errors.New("entry writers are still open")
)

// Session is an install transaction staged on disk.
type Session struct {
	// installer owns the session.
	installer *Installer
	// id is the session id.
	id deploy.SessionID
	// params describe what is installed.
	params deploy.SessionParams
	// dir is the staging directory.
	dir string
	// createdAt is when the session was created.
	createdAt time.Time
	// state is the lifecycle state.
	state SessionState
	// writers counts open entry writers.
	writers int
	// mu protects state and writers.
	mu sync.Mutex
}

// ID returns the session id.
func (s *Session) ID() deploy.SessionID {
	return s.id
}

// OpenWrite opens the entry name for writing at offset. With a non-negative length
// the entry may not grow past offset+length.
//
//nolint:ireturn // Entry writers are consumed through io.WriteCloser.
func (s *Session) OpenWrite(name string, offset, length int64) (io.WriteCloser, error) {
	if !plainName(name) {
		return nil, fmt.Errorf("entry %q: %w", name, ErrInvalidName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionOpen {
		return nil, fmt.Errorf("session %d is %s: %w", s.id, s.state, ErrSessionSealed)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", name, err)
	}

	if offset > 0 {
		if _, err = f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("seek entry %s: %w", name, err)
		}
	}

	s.writers++

	return &entryWriter{
		session:   s,
		file:      f,
		remaining: length,
	}, nil
}

// Fsync flushes an entry writer opened by this session to stable storage.
func (s *Session) Fsync(w io.Writer) error {
	ew, ok := w.(*entryWriter)
	if !ok || ew.session != s {
		return ErrForeignWriter
	}

	if err := ew.file.Sync(); err != nil {
		return fmt.Errorf("sync entry: %w", err)
	}

	return nil
}

// Commit seals the session and applies it in the background. cb receives the outcome.
func (s *Session) Commit(cb deploy.Callback) error {
	s.mu.Lock()

	switch {
	case s.state != SessionOpen:
		s.mu.Unlock()

		return fmt.Errorf("session %d is %s: %w", s.id, s.state, ErrSessionSealed)
	case s.writers > 0:
		s.mu.Unlock()

		return fmt.Errorf("session %d: %w", s.id, ErrWritersOpen)
	}

	s.state = SessionCommitted
	s.mu.Unlock()

	ctx := logger.WithFields(context.Background(),
		"session_id", s.id,
		"package", s.params.PackageName)

	s.installer.background.Go(func() {
		defer s.installer.forgetSession(s.id)

		result := s.installer.apply(ctx, s)

		if err := os.RemoveAll(s.dir); err != nil {
			logger.WarnKV(ctx, "Failed to remove session directory", "error", err)
		}

		report(ctx, cb, result)
	})

	return nil
}

// Abandon discards an open session and its staged entries.
func (s *Session) Abandon() error {
	s.mu.Lock()

	if s.state != SessionOpen {
		s.mu.Unlock()

		return fmt.Errorf("session %d is %s: %w", s.id, s.state, ErrSessionSealed)
	}

	s.state = SessionAbandoned
	s.mu.Unlock()

	s.installer.forgetSession(s.id)

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}

	return nil
}

// currentState returns the lifecycle state.
func (s *Session) currentState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// info snapshots the session.
func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		PackageName: s.params.PackageName,
		State:       s.currentState(),
		CreatedAt:   s.createdAt,
	}
}

// writerClosed is called once per closed entry writer.
func (s *Session) writerClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writers--
}

// entryWriter writes one staged entry.
type entryWriter struct {
	// session owns the entry.
	session *Session
	// file is the staged file.
	file *os.File
	// remaining is the number of bytes still allowed; negative means unbounded.
	remaining int64
	// closed is set by the first Close.
	closed bool
}

// Write appends p to the entry.
func (w *entryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}

	if w.remaining >= 0 && int64(len(p)) > w.remaining {
		return 0, ErrEntryTooLarge
	}

	n, err := w.file.Write(p)

	if w.remaining >= 0 {
		w.remaining -= int64(n)
	}

	return n, err
}

// Close closes the entry. Only the first call has an effect.
func (w *entryWriter) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true
	w.session.writerClosed()

	return w.file.Close()
}
