// Package pipeline contains the long-running background jobs: the periodic
// proposal scan and the archive schedule.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hedgesystem/closebot/internal/domain"
	"github.com/hedgesystem/closebot/internal/scoring"
)

// OpenPositionLister is the slice of the position store the proposer needs.
type OpenPositionLister interface {
	ListOpen(ctx context.Context) ([]domain.Position, error)
}

// Notifier delivers the proposal report. Optional.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Proposer periodically scores every open position and reports the resulting
// close proposals. Each scan produces a fresh proposal set; nothing from the
// previous scan survives.
type Proposer struct {
	positions OpenPositionLister
	engine    *scoring.Engine
	notifier  Notifier
	audit     domain.AuditStore
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewProposer creates a Proposer. The notifier and audit store may be nil.
func NewProposer(
	positions OpenPositionLister,
	engine *scoring.Engine,
	notifier Notifier,
	audit domain.AuditStore,
	interval time.Duration,
	logger *slog.Logger,
) *Proposer {
	return &Proposer{
		positions: positions,
		engine:    engine,
		notifier:  notifier,
		audit:     audit,
		interval:  interval,
		logger:    logger.With(slog.String("component", "proposer")),
		now:       time.Now,
	}
}

// SetClock overrides the proposer's clock. Intended for tests.
func (p *Proposer) SetClock(now func() time.Time) { p.now = now }

// RunOnce executes a single proposal scan and returns the proposals sorted by
// score, highest first.
func (p *Proposer) RunOnce(ctx context.Context) ([]domain.CloseProposal, error) {
	positions, err := p.positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("proposer: list open positions: %w", err)
	}

	proposals := p.engine.ScoreAll(positions, p.now())
	p.logger.InfoContext(ctx, "proposal scan complete",
		slog.Int("open_positions", len(positions)),
		slog.Int("proposals", len(proposals)),
	)

	if p.audit != nil {
		if err := p.audit.Log(ctx, "proposal_scan", map[string]any{
			"open_positions": len(positions),
			"proposals":      len(proposals),
		}); err != nil {
			p.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if p.notifier != nil && len(proposals) > 0 {
		if err := p.notifier.Send(ctx, "close proposals", formatReport(proposals)); err != nil {
			p.logger.WarnContext(ctx, "proposal notification failed", slog.String("error", err.Error()))
		}
	}

	return proposals, nil
}

// Run executes a scan immediately and then on every interval tick until the
// context is cancelled. Scan failures are logged and the schedule continues.
func (p *Proposer) Run(ctx context.Context) error {
	if _, err := p.RunOnce(ctx); err != nil {
		p.logger.ErrorContext(ctx, "proposal scan failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.ErrorContext(ctx, "proposal scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// formatReport renders proposals as a plain-text report for notifications.
func formatReport(proposals []domain.CloseProposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d close proposal(s)\n", len(proposals))
	for _, pr := range proposals {
		fmt.Fprintf(&b, "- %s: score %.0f, %s/%s, reason %s, est. savings %.2f",
			pr.PositionID, pr.Score, pr.Priority, pr.Urgency, pr.Reason, pr.EstimatedSavings)
		if pr.RebuildRecommended {
			b.WriteString(", rebuild recommended")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
