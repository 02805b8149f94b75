package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Archiver copies ledger entries older than the retention window to cold
// storage.
type Archiver struct {
	blob      domain.Archiver
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver creates an Archiver keeping retention of history hot.
func NewArchiver(blob domain.Archiver, retention time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:      blob,
		retention: retention,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Name implements Job.
func (a *Archiver) Name() string { return "archive" }

// Run archives every entry created before now minus retention.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.Info("archive run starting",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", a.retention),
	)
	n, err := a.blob.ArchiveLedger(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive ledger before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.Info("archive run complete", slog.Int64("entries", n))
	return nil
}
