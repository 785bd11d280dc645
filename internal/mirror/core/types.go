// Package core defines the relational mirror contract implemented by the
// infra/mirror backends.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Driver names accepted by the mirror factory.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrClosed is returned by a store used after Close.
var ErrClosed = errors.New("mirror: store closed")

// Submission is one committed row as stored in the mirror.
type Submission struct {
	ID          uuid.UUID
	FormID      string
	UserID      string
	Table       string
	SubmittedAt time.Time
	Payload     json.RawMessage
}

// Store appends submissions. Implementations are safe for concurrent use.
type Store interface {
	Record(ctx context.Context, s Submission) error
	Submissions(ctx context.Context, userID string) ([]Submission, error)
	Driver() string
	Close() error
}
