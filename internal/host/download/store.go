package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
)

// Status is the lifecycle state of a download row.
type Status string

const (
	// StatusPending is a download waiting for or being fetched.
	StatusPending Status = "pending"
	// StatusSuccessful is a fetched download whose file is ready.
	StatusSuccessful Status = "successful"
	// StatusFailed is a download that could not be fetched.
	StatusFailed Status = "failed"
)

// ErrNotFound is returned for unknown download ids.
var ErrNotFound = errors.New("download not found")

// Record is one row of the download table.
type Record struct {
	// ID is the download handle.
	ID deploy.DownloadID
	// SourceURL is where the artifact is fetched from.
	SourceURL string
	// Status is the lifecycle state.
	Status Status
	// Path is the local file once the fetch started.
	Path string
	// Bytes is the number of bytes written.
	Bytes int64
	// Error describes why a fetch failed.
	Error string
	// CreatedAt is when the download was enqueued.
	CreatedAt time.Time
	// UpdatedAt is the last status change.
	UpdatedAt time.Time
}

// store wraps the SQLite download table.
type store struct {
	db *sql.DB
}

// openStore opens or creates the database at path and ensures the schema.
func openStore(ctx context.Context, path string) (*store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open download database: %w", err)
	}

	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	const ddl = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL,
    status TEXT NOT NULL,
    path TEXT NOT NULL DEFAULT '',
    bytes INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
`

	if _, err = db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create download schema: %w", err)
	}

	return &store{db: db}, nil
}

// close closes the database.
func (s *store) close() error {
	return s.db.Close()
}

// insert adds a pending row and returns its id.
func (s *store) insert(ctx context.Context, sourceURL string, now time.Time) (deploy.DownloadID, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (url, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sourceURL, string(StatusPending), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get insert id: %w", err)
	}

	return deploy.DownloadID(id), nil
}

// setPath records where the file is being written.
func (s *store) setPath(ctx context.Context, id deploy.DownloadID, path string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET path = ?, updated_at = ? WHERE id = ?`,
		path, now.UnixMilli(), int64(id))
	if err != nil {
		return fmt.Errorf("update download path: %w", err)
	}

	return nil
}

// finish moves a pending row to a terminal status. It reports false when the row
// is gone or was already finished.
func (s *store) finish(
	ctx context.Context,
	id deploy.DownloadID,
	status Status,
	written int64,
	errMsg string,
	now time.Time,
) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads SET status = ?, bytes = ?, error_message = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(status), written, errMsg, now.UnixMilli(), int64(id), string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("update download status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get affected rows: %w", err)
	}

	return affected == 1, nil
}

// failPending marks every pending row as failed and returns how many there were.
// Rows left pending by a previous process can no longer complete.
func (s *store) failPending(ctx context.Context, reason string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, error_message = ?, updated_at = ? WHERE status = ?`,
		string(StatusFailed), reason, now.UnixMilli(), string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("fail pending downloads: %w", err)
	}

	return res.RowsAffected()
}

// get returns a row.
func (s *store) get(ctx context.Context, id deploy.DownloadID) (*Record, error) {
	var (
		record             Record
		status             string
		created, updatedAt int64
	)

	err := s.db.QueryRowContext(ctx, `
SELECT id, url, status, path, bytes, error_message, created_at, updated_at
FROM downloads WHERE id = ?`, int64(id)).
		Scan(&record.ID, &record.SourceURL, &status, &record.Path, &record.Bytes, &record.Error, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %d: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query download %d: %w", id, err)
	}

	record.Status = Status(status)
	record.CreatedAt = time.UnixMilli(created)
	record.UpdatedAt = time.UnixMilli(updatedAt)

	return &record, nil
}

// delete removes a row and reports whether it existed.
func (s *store) delete(ctx context.Context, id deploy.DownloadID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, int64(id))
	if err != nil {
		return false, fmt.Errorf("delete download %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get affected rows: %w", err)
	}

	return affected == 1, nil
}
