// Package history keeps a local SQLite ledger of submitted tasks so an
// artifact is never submitted twice and past results can be listed offline.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tiroq/fluentcap/internal/analysis"
	"github.com/tiroq/fluentcap/internal/diaglog"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Submission is one ledger row.
type Submission struct {
	TaskID     string
	UserID     string
	ProviderID string
	Digest     string
	MIMEType   string
	Size       int
	Status     analysis.Status
	Accepted   bool // the service acknowledged the upload
	Result     *analysis.Result
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store wraps the SQLite ledger.
type Store struct {
	diaglog.Holder

	db    *sql.DB
	clock func() time.Time
}

// Open creates or opens the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, clock: time.Now}
	s.SetComponent(diaglog.ComponentHistory)
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS submissions (
    task_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider_id TEXT,
    digest TEXT NOT NULL,
    mime_type TEXT,
    size INTEGER NOT NULL,
    status TEXT NOT NULL,
    status_rank INTEGER NOT NULL,
    accepted INTEGER NOT NULL DEFAULT 0,
    result BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_digest ON submissions(digest, accepted);
CREATE INDEX IF NOT EXISTS idx_submissions_created ON submissions(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSubmission inserts a pending row. Recording the same task id again
// is a no-op so a retried upload keeps its original row.
func (s *Store) RecordSubmission(ctx context.Context, sub Submission) error {
	now := s.clock().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.Status == "" {
		sub.Status = analysis.StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions(task_id, user_id, provider_id, digest, mime_type, size, status, status_rank, accepted, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(task_id) DO NOTHING`,
		sub.TaskID, sub.UserID, sub.ProviderID, sub.Digest, sub.MIMEType, sub.Size,
		string(sub.Status), sub.Status.Rank(), sub.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("record submission %s: %w", sub.TaskID, err)
	}
	return nil
}

// MarkAccepted flags the upload of taskID as acknowledged by the service.
func (s *Store) MarkAccepted(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET accepted = 1, updated_at = ? WHERE task_id = ?`,
		s.clock().UTC().UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("mark accepted %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// AcceptedTask returns the task id of an accepted upload of the artifact
// with digest, if there is one.
func (s *Store) AcceptedTask(ctx context.Context, digest string) (string, bool, error) {
	var taskID string
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id FROM submissions WHERE digest = ? AND accepted = 1 ORDER BY created_at DESC LIMIT 1`,
		digest).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup digest: %w", err)
	}
	return taskID, true, nil
}

// UpdateStatus moves a task forward. Backward or same-rank observations are
// ignored and reported as false.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status analysis.Status) (bool, error) {
	if status.Rank() < 0 {
		return false, fmt.Errorf("update status %s: unknown status %q", taskID, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, status_rank = ?, updated_at = ?
		 WHERE task_id = ? AND status_rank < ?`,
		string(status), status.Rank(), s.clock().UTC().UnixMilli(), taskID, status.Rank())
	if err != nil {
		return false, fmt.Errorf("update status %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveResult stores the normalized result and marks the task completed.
func (s *Store) SaveResult(ctx context.Context, taskID string, r *analysis.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET result = ?, status = ?, status_rank = ?, updated_at = ? WHERE task_id = ?`,
		data, string(analysis.StatusCompleted), analysis.StatusCompleted.Rank(), s.clock().UTC().UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("save result %s: %w", taskID, err)
	}
	if err := requireRow(res, taskID); err != nil {
		return err
	}
	s.Log(diaglog.LogEntry{Event: diaglog.EventResultFetched, TaskID: taskID, Reason: "stored"})
	return nil
}

// Get loads one submission.
func (s *Store) Get(ctx context.Context, taskID string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?`, taskID)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return sub, err
}

// List returns up to limit submissions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

const selectColumns = `SELECT task_id, user_id, provider_id, digest, mime_type, size, status, accepted, result, created_at, updated_at FROM submissions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(sc scanner) (*Submission, error) {
	var (
		sub                Submission
		provider, mimeType sql.NullString
		status             string
		accepted           int
		result             []byte
		created, updated   int64
	)
	if err := sc.Scan(&sub.TaskID, &sub.UserID, &provider, &sub.Digest, &mimeType, &sub.Size,
		&status, &accepted, &result, &created, &updated); err != nil {
		return nil, err
	}
	sub.ProviderID = provider.String
	sub.MIMEType = mimeType.String
	sub.Status = analysis.Status(status)
	sub.Accepted = accepted == 1
	sub.CreatedAt = time.UnixMilli(created).UTC()
	sub.UpdatedAt = time.UnixMilli(updated).UTC()
	if len(result) > 0 {
		var r analysis.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode stored result %s: %w", sub.TaskID, err)
		}
		sub.Result = &r
	}
	return &sub, nil
}

func requireRow(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}
