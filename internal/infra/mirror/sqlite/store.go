// Package sqlite mirrors committed rows into an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"surveycore/internal/mirror/core"
	"surveycore/internal/mirror/sqlbundle"
)

var _ core.Store = (*Store)(nil)

// Store appends submissions to a single SQLite table.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex
	closed bool
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "mirror.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; sqlite locks the whole file anyway.
	db.SetMaxOpenConns(1)
	for _, stmt := range sqlbundle.SplitStatements(sqlbundle.SQLite()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Driver() string { return core.DriverSQLite }

// Path returns the database file.
func (s *Store) Path() string { return s.path }

func (s *Store) Record(ctx context.Context, sub core.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, form_id, user_id, table_name, submitted_at, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID.String(), sub.FormID, sub.UserID, sub.Table,
		sub.SubmittedAt.UTC().Format(time.RFC3339Nano), string(sub.Payload))
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// Submissions returns the rows recorded for userID in insertion order.
func (s *Store) Submissions(ctx context.Context, userID string) ([]core.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, form_id, user_id, table_name, submitted_at, payload FROM submissions WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("select submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Submission
	for rows.Next() {
		var (
			sub     core.Submission
			at      string
			payload string
		)
		if err := rows.Scan(&sub.ID, &sub.FormID, &sub.UserID, &sub.Table, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if sub.SubmittedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse submitted_at: %w", err)
		}
		sub.Payload = []byte(payload)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
