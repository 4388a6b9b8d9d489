package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hedgesystem/closebot/internal/cost"
	"github.com/hedgesystem/closebot/internal/domain"
	"github.com/hedgesystem/closebot/internal/executor"
	"github.com/hedgesystem/closebot/internal/feed"
	"github.com/hedgesystem/closebot/internal/orchestrator"
	"github.com/hedgesystem/closebot/internal/pipeline"
	"github.com/hedgesystem/closebot/internal/precheck"
	"github.com/hedgesystem/closebot/internal/recovery"
	"github.com/hedgesystem/closebot/internal/scoring"
	"github.com/hedgesystem/closebot/internal/validate"
)

// simLatency is the artificial fill delay used in dry-run mode so simulated
// closes behave like a terminal round trip.
const simLatency = 100 * time.Millisecond

// ProposeMode runs a single proposal scan, reports the results, and exits.
func (a *App) ProposeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting propose mode")

	proposals, err := a.buildProposer(deps).RunOnce(ctx)
	if err != nil {
		return err
	}
	for _, pr := range proposals {
		a.logger.InfoContext(ctx, "close proposal",
			slog.String("position_id", pr.PositionID),
			slog.Float64("score", pr.Score),
			slog.String("priority", string(pr.Priority)),
			slog.String("urgency", string(pr.Urgency)),
			slog.String("reason", string(pr.Reason)),
			slog.Float64("estimated_savings", pr.EstimatedSavings),
			slog.Bool("rebuild_recommended", pr.RebuildRecommended),
		)
	}
	return nil
}

// CloseMode closes the configured position (and optionally its hedge pair),
// reports the outcome, and exits.
func (a *App) CloseMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting close mode",
		slog.String("position_id", a.cfg.Close.PositionID),
		slog.String("pair_id", a.cfg.Close.PairID),
	)

	return a.runOneShot(ctx, deps, func(ctx context.Context, orch *orchestrator.Orchestrator, _ *pipeline.Proposer) error {
		mode := domain.CloseMode(strings.ToLower(a.cfg.Close.Mode))

		if a.cfg.Close.PairID != "" {
			outcomes, err := orch.ClosePair(ctx, a.cfg.Close.PositionID, a.cfg.Close.PairID, mode)
			if err != nil {
				return fmt.Errorf("close mode: %w", err)
			}
			for _, o := range outcomes {
				a.publishOutcome(ctx, deps, o)
				a.logOutcome(ctx, o)
			}
			return nil
		}

		outcome, err := orch.ClosePosition(ctx, domain.CloseRequest{
			PositionID: a.cfg.Close.PositionID,
			Mode:       mode,
			LimitPrice: a.cfg.Close.LimitPrice,
		})
		if err != nil {
			return fmt.Errorf("close mode: %w", err)
		}
		a.publishOutcome(ctx, deps, outcome)
		a.logOutcome(ctx, outcome)
		return nil
	})
}

// BatchMode closes the configured position set, or the actionable proposals
// from a fresh scan when no set is configured, as a single batch and exits.
func (a *App) BatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting batch mode")

	return a.runOneShot(ctx, deps, func(ctx context.Context, orch *orchestrator.Orchestrator, proposer *pipeline.Proposer) error {
		ids := a.cfg.Close.PositionIDs
		if len(ids) == 0 {
			proposals, err := proposer.RunOnce(ctx)
			if err != nil {
				return err
			}
			for _, pr := range proposals {
				if pr.Urgency == domain.UrgencyImmediate || pr.Urgency == domain.UrgencyToday {
					ids = append(ids, pr.PositionID)
				}
			}
		}
		if len(ids) == 0 {
			a.logger.InfoContext(ctx, "no actionable proposals, nothing to close")
			return nil
		}

		outcome, err := orch.CloseBatch(ctx, domain.BatchCloseRequest{
			PositionIDs: ids,
			Mode:        domain.CloseMode(strings.ToLower(a.cfg.Close.Mode)),
			Priority:    domain.BatchPriorityNormal,
			StopOnError: a.cfg.Close.StopOnError,
		})
		if err != nil {
			return fmt.Errorf("batch mode: %w", err)
		}
		for _, o := range outcome.Outcomes {
			a.publishOutcome(ctx, deps, o)
		}
		a.logger.InfoContext(ctx, "batch close finished",
			slog.String("batch_id", outcome.BatchID),
			slog.Int("requested", outcome.TotalRequested),
			slog.Int("successful", outcome.Successful),
			slog.Int("failed", outcome.Failed),
		)
		return nil
	})
}

// runOneShot starts the terminal runners, executes work once telemetry is
// available, and shuts the runners down when the work returns.
func (a *App) runOneShot(ctx context.Context, deps *Dependencies, work func(context.Context, *orchestrator.Orchestrator, *pipeline.Proposer) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	exec := a.startTerminal(g, gctx, deps)
	orch, _ := a.buildOrchestrator(deps, exec)
	proposer := a.buildProposer(deps)

	var workErr error
	g.Go(func() error {
		defer cancel()
		if err := a.waitForTelemetry(gctx, deps, 30*time.Second); err != nil {
			workErr = err
			return nil
		}
		workErr = work(gctx, orch, proposer)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return workErr
}

// MonitorMode runs the telemetry feed and logs every close outcome published
// on the outcome bus by other engine instances.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, gctx := errgroup.WithContext(ctx)
	a.startFeed(g, gctx, deps)

	ch, err := deps.OutcomeBus.Subscribe(gctx)
	if err != nil {
		return fmt.Errorf("monitor mode: subscribe: %w", err)
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case o, ok := <-ch:
				if !ok {
					return gctx.Err()
				}
				a.logOutcome(gctx, o)
			}
		}
	})

	return g.Wait()
}

// FullMode runs everything: the feed, the executor session, the periodic
// proposal scan with optional auto-close, and the archive schedule.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("auto_close", a.cfg.Orchestrator.AutoClose),
		slog.Bool("archiving", deps.Archiver != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	exec := a.startTerminal(g, gctx, deps)
	orch, rec := a.buildOrchestrator(deps, exec)
	proposer := a.buildProposer(deps)

	g.Go(func() error {
		return a.scanLoop(gctx, deps, orch, proposer)
	})

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(
			deps.Archiver,
			a.cfg.Archive.RetentionDays,
			a.cfg.Archive.Interval.Duration,
			a.logger,
		)
		archiver.SetFailureSource(rec.History())
		g.Go(func() error {
			return archiver.Run(gctx)
		})
	}

	return g.Wait()
}

// scanLoop runs a proposal scan immediately and then on every interval tick.
// With auto-close enabled, immediate-urgency proposals are closed after each
// scan.
func (a *App) scanLoop(ctx context.Context, deps *Dependencies, orch *orchestrator.Orchestrator, proposer *pipeline.Proposer) error {
	scan := func() error {
		proposals, err := proposer.RunOnce(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "proposal scan failed", slog.String("error", err.Error()))
			return nil
		}
		if a.cfg.Orchestrator.AutoClose {
			return a.closeImmediate(ctx, deps, orch, proposals)
		}
		return nil
	}

	if err := scan(); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.Scoring.ScanInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := scan(); err != nil {
				return err
			}
		}
	}
}

// closeImmediate closes every immediate-urgency proposal. Per-position
// failures are reported in the outcome and logged; only context cancellation
// stops the pass.
func (a *App) closeImmediate(ctx context.Context, deps *Dependencies, orch *orchestrator.Orchestrator, proposals []domain.CloseProposal) error {
	for _, pr := range proposals {
		if pr.Urgency != domain.UrgencyImmediate {
			continue
		}
		outcome, err := orch.ClosePosition(ctx, domain.CloseRequest{
			PositionID: pr.PositionID,
			Mode:       domain.CloseModeMarket,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.ErrorContext(ctx, "auto close failed",
				slog.String("position_id", pr.PositionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.publishOutcome(ctx, deps, outcome)
	}
	return nil
}

// startFeed starts the telemetry feed when a feed endpoint is configured.
func (a *App) startFeed(g *errgroup.Group, ctx context.Context, deps *Dependencies) {
	if a.cfg.Terminal.FeedURL == "" {
		return
	}
	terminalFeed := feed.NewTerminalFeed(feed.Config{
		URL:               a.cfg.Terminal.FeedURL,
		Token:             a.cfg.Terminal.Token,
		HeartbeatInterval: a.cfg.Terminal.HeartbeatInterval.Duration,
		ReconnectDelay:    a.cfg.Terminal.ReconnectDelay.Duration,
		ReadTimeout:       a.cfg.Terminal.ReadTimeout.Duration,
	}, deps.Telemetry, deps.PositionStore, a.logger)
	g.Go(func() error {
		defer terminalFeed.Close()
		return terminalFeed.Run(ctx)
	})
}

// startTerminal starts the telemetry feed and, unless dry-run is configured,
// the terminal command session. It returns the executor the orchestrator
// should close through.
func (a *App) startTerminal(g *errgroup.Group, ctx context.Context, deps *Dependencies) orchestrator.CloseExecutor {
	a.startFeed(g, ctx, deps)

	if a.cfg.Terminal.DryRun {
		return executor.NewSimExecutor(simLatency, a.cfg.Terminal.SimSlippage, a.logger)
	}

	term := executor.NewTerminalExecutor(executor.Config{
		URL:               a.cfg.Terminal.CommandURL,
		Token:             a.cfg.Terminal.Token,
		ReconnectDelay:    a.cfg.Terminal.ReconnectDelay.Duration,
		DedupTTL:          a.cfg.Terminal.DedupTTL.Duration,
		CommandsPerSecond: a.cfg.Terminal.CommandsPerSecond,
	}, deps.RateLimiter, a.logger)
	g.Go(func() error {
		return term.Run(ctx)
	})
	return term
}

// buildOrchestrator assembles the close pipeline around the given executor.
// The recovery engine is returned alongside so callers can drain its failure
// history.
func (a *App) buildOrchestrator(deps *Dependencies, exec orchestrator.CloseExecutor) (*orchestrator.Orchestrator, *recovery.Engine) {
	validator := validate.NewValidator(deps.PositionStore, validate.Config{
		MaxPriceDeviationPct: a.cfg.Validator.MaxPriceDeviationPct,
		LotEpsilon:           a.cfg.Validator.LotEpsilon,
	}, a.logger)

	checker := precheck.NewChecker(precheck.Config{
		StalenessMinutes:        a.cfg.Precheck.StalenessMinutes,
		LossWarnPct:             a.cfg.Precheck.LossWarnPct,
		SpreadWarnPips:          a.cfg.Precheck.SpreadWarnPips,
		SpreadWaitPips:          a.cfg.Precheck.SpreadWaitPips,
		MarginCriticalPct:       a.cfg.Precheck.MarginCriticalPct,
		MarginWarnPct:           a.cfg.Precheck.MarginWarnPct,
		PriceDeviationWarnPct:   a.cfg.Precheck.PriceDeviationWarnPct,
		PriceDeviationAdjustPct: a.cfg.Precheck.PriceDeviationAdjustPct,
		BatchMaxPositions:       a.cfg.Precheck.BatchMaxPositions,
		BatchMaxInstruments:     a.cfg.Precheck.BatchMaxInstruments,
		BatchMaxLots:            a.cfg.Precheck.BatchMaxLots,
		LotEpsilon:              a.cfg.Precheck.LotEpsilon,
	}, a.logger)

	rec := recovery.NewEngine(recovery.Config{
		Retry: recovery.RetryPolicy{
			MaxAttempts: a.cfg.Recovery.MaxAttempts,
			BaseDelay:   a.cfg.Recovery.BaseDelay.Duration,
			Multiplier:  a.cfg.Recovery.Multiplier,
			MaxDelay:    a.cfg.Recovery.MaxDelay.Duration,
		},
		EnableFallback: a.cfg.Recovery.EnableFallback,
		HistoryCap:     a.cfg.Recovery.HistoryCap,
	}, a.logger)

	orch := orchestrator.NewOrchestrator(
		deps.PositionStore,
		validator,
		checker,
		deps.Telemetry,
		exec,
		rec,
		orchestrator.Config{
			ExecutionTimeout: a.cfg.Orchestrator.ExecutionTimeout.Duration,
			BatchItemDelay:   a.cfg.Orchestrator.BatchItemDelay.Duration,
			PairDelay:        a.cfg.Orchestrator.PairDelay.Duration,
			ConcurrentPair:   a.cfg.Orchestrator.ConcurrentPair,
		},
		a.logger,
	)
	orch.SetRecordStore(deps.CloseRecords)
	orch.SetAuditStore(deps.AuditStore)
	orch.SetNotifier(deps.Notifier)
	orch.SetLocker(deps.CloseLock)
	return orch, rec
}

// buildProposer assembles the scoring engine and its schedule.
func (a *App) buildProposer(deps *Dependencies) *pipeline.Proposer {
	rates := make(cost.TableRates, len(a.cfg.Cost.Rates))
	for symbol, r := range a.cfg.Cost.Rates {
		rates[symbol] = cost.SymbolRates{Long: r.Long, Short: r.Short}
	}
	model := cost.NewModel(rates, cost.Config{
		DefaultRate:   a.cfg.Cost.DefaultRate,
		TripleSwapDay: parseWeekday(a.cfg.Cost.TripleSwapDay),
	})

	engine := scoring.NewEngine(model, scoring.Config{
		MinHoldingDays:        a.cfg.Scoring.MinHoldingDays,
		MaxHoldingDays:        a.cfg.Scoring.MaxHoldingDays,
		ReferenceDailyCost:    a.cfg.Scoring.ReferenceDailyCost,
		ReferenceHoldingDays:  a.cfg.Scoring.ReferenceHoldingDays,
		HighCostThreshold:     a.cfg.Scoring.HighCostThreshold,
		ModerateCostThreshold: a.cfg.Scoring.ModerateCostThreshold,
		LargeLoss:             a.cfg.Scoring.LargeLoss,
		ModerateProfit:        a.cfg.Scoring.ModerateProfit,
		SavingsHorizonDays:    a.cfg.Scoring.SavingsHorizonDays,
	}, a.logger)

	return pipeline.NewProposer(
		deps.PositionStore,
		engine,
		deps.Notifier,
		deps.AuditStore,
		a.cfg.Scoring.ScanInterval.Duration,
		a.logger,
	)
}

// waitForTelemetry blocks until the feed has published an account snapshot or
// the timeout elapses. One-shot modes call this so prechecks do not fail on an
// empty cache right after startup.
func (a *App) waitForTelemetry(ctx context.Context, deps *Dependencies, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := deps.Telemetry.AccountStatus(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("app: telemetry not available before deadline")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// logOutcome logs a close outcome at the level matching its status.
func (a *App) logOutcome(ctx context.Context, o domain.CloseOutcome) {
	attrs := []any{
		slog.String("request_id", o.RequestID),
		slog.String("position_id", o.PositionID),
		slog.String("status", string(o.Status)),
		slog.Float64("executed_price", o.ExecutedPrice),
		slog.Float64("realized_profit", o.RealizedProfit),
	}
	if o.Status == domain.CloseStatusExecuted {
		a.logger.InfoContext(ctx, "close outcome", attrs...)
		return
	}
	attrs = append(attrs, slog.String("failure", o.FailureMessage))
	a.logger.WarnContext(ctx, "close outcome", attrs...)
}

// publishOutcome puts a close outcome on the outcome bus for monitors.
func (a *App) publishOutcome(ctx context.Context, deps *Dependencies, o domain.CloseOutcome) {
	if deps.OutcomeBus == nil {
		return
	}
	if err := deps.OutcomeBus.Publish(ctx, o); err != nil {
		a.logger.WarnContext(ctx, "outcome publish failed",
			slog.String("position_id", o.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

// parseWeekday maps a weekday name from configuration to time.Weekday,
// defaulting to Wednesday.
func parseWeekday(name string) time.Weekday {
	switch strings.ToLower(name) {
	case "sunday":
		return time.Sunday
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Wednesday
	}
}
