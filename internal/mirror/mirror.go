// Package mirror records every committed row in a relational store. It is
// the only package that wires the infra/mirror backends.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"surveycore/internal/config"
	pgstore "surveycore/internal/infra/mirror/postgres"
	sqlitestore "surveycore/internal/infra/mirror/sqlite"
	"surveycore/internal/mirror/core"
	"surveycore/internal/record"
)

type (
	Store      = core.Store
	Submission = core.Submission
)

var ErrClosed = core.ErrClosed

// Open selects a Store from configuration. Driver none (or empty) yields a
// nil Store and no error.
func Open(ctx context.Context, cfg config.MirrorConfig) (Store, error) {
	switch cfg.Driver {
	case "", core.DriverNone:
		return nil, nil
	case core.DriverSQLite:
		return sqlitestore.Open(ctx, cfg.Path)
	case core.DriverPostgres:
		return pgstore.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown mirror driver %s", cfg.Driver)
	}
}

// NewSubmission builds a mirror entry for row with a fresh id. The payload
// is the row's cells as a JSON object.
func NewSubmission(formID, userID, table string, at time.Time, row record.Row) (Submission, error) {
	payload, err := json.Marshal(row.Strings())
	if err != nil {
		return Submission{}, fmt.Errorf("encode payload: %w", err)
	}
	return Submission{
		ID:          uuid.New(),
		FormID:      formID,
		UserID:      userID,
		Table:       table,
		SubmittedAt: at,
		Payload:     payload,
	}, nil
}
