// Package postgres mirrors committed rows into a Postgres table through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"surveycore/internal/mirror/core"
	"surveycore/internal/mirror/sqlbundle"
)

var _ core.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/surveycore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store appends submissions to the submissions table.
type Store struct {
	db *sql.DB
}

// Open connects, pings and applies the DDL. An empty dsn uses defaultDSN.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range sqlbundle.SplitStatements(sqlbundle.Postgres()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Driver() string { return core.DriverPostgres }

func (s *Store) Record(ctx context.Context, sub core.Submission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, form_id, user_id, table_name, submitted_at, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID.String(), sub.FormID, sub.UserID, sub.Table, sub.SubmittedAt.UTC(), string(sub.Payload))
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// Submissions returns the rows recorded for userID, oldest first.
func (s *Store) Submissions(ctx context.Context, userID string) ([]core.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, form_id, user_id, table_name, submitted_at, payload FROM submissions WHERE user_id = $1 ORDER BY submitted_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Submission
	for rows.Next() {
		var (
			sub     core.Submission
			payload []byte
		)
		if err := rows.Scan(&sub.ID, &sub.FormID, &sub.UserID, &sub.Table, &sub.SubmittedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		sub.Payload = payload
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
