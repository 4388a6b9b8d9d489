package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hedgesystem/closebot/internal/domain"
)

// FailureSource drains the recovery engine's bounded failure history for
// archival.
type FailureSource interface {
	List() []domain.FailureRecord
	Clear()
}

// Archiver moves close records older than the retention window, and the
// accumulated failure history, from the engine to blob cold storage on a
// fixed schedule.
type Archiver struct {
	blobArchiver  domain.Archiver
	failures      FailureSource
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, interval time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// SetFailureSource enables failure-history archival on each pass.
func (a *Archiver) SetFailureSource(s FailureSource) { a.failures = s }

// RunOnce executes a single archive pass using the retention cutoff. The
// failure history is cleared only after a successful upload.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)

	archived, err := a.blobArchiver.ArchiveCloseRecords(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive close records before %v: %w", cutoff, err)
	}

	var failures int
	if a.failures != nil {
		records := a.failures.List()
		if len(records) > 0 {
			if err := a.blobArchiver.ArchiveFailures(ctx, records); err != nil {
				return fmt.Errorf("pipeline: archive failure history: %w", err)
			}
			a.failures.Clear()
			failures = len(records)
		}
	}

	a.logger.InfoContext(ctx, "archive pass complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("records_archived", archived),
		slog.Int("failures_archived", failures),
	)
	return nil
}

// Run executes archive passes on the configured interval until the context is
// cancelled. Pass failures are logged and the schedule continues.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "archive schedule started",
		slog.Duration("interval", a.interval),
		slog.Int("retention_days", a.retentionDays),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
