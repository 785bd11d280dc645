package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"surveycore/internal/archive"
	"surveycore/internal/config"
	"surveycore/internal/metrics"
	"surveycore/internal/mirror"
	"surveycore/internal/schema"
	"surveycore/internal/table"
)

// Service is a pipeline wired from configuration together with the
// resources it owns.
type Service struct {
	*Pipeline
	Snapshots *archive.Snapshotter
	mirror    mirror.Store
}

// Open builds the tables, mirror and archive named by cfg.
func Open(ctx context.Context, cfg *config.Config, reg *schema.Registry, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	records := table.Open(cfg.Tables.Records, reg, table.WithName(string(Records)), table.WithLogger(logger))
	var demo *table.Table
	if cfg.Tables.Demo != "" {
		demo = table.Open(cfg.Tables.Demo, reg, table.WithName(string(Demo)), table.WithLogger(logger))
	}

	store, err := archive.Open(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	snaps := archive.NewSnapshotter(store)

	mir, err := mirror.Open(ctx, cfg.Mirror)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	opts := []Option{
		WithLogger(logger),
		WithMetrics(m),
		WithUTCOffset(cfg.Ingest.UTCOffsetHours),
	}
	if mir != nil {
		opts = append(opts, WithMirror(mir))
	}
	if cfg.Archive.OnCommit {
		opts = append(opts, WithSnapshots(snaps))
	}
	logger.Debug("ingest: pipeline ready",
		zap.String("records", records.Path()),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("mirror", cfg.Mirror.Driver))
	return &Service{
		Pipeline:  New(reg, records, demo, opts...),
		Snapshots: snaps,
		mirror:    mir,
	}, nil
}

// Close releases the mirror connection.
func (s *Service) Close() error {
	if s.mirror == nil {
		return nil
	}
	return s.mirror.Close()
}
