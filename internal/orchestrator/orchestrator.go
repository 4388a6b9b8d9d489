// Package orchestrator drives close requests through validation, pre-close
// gating, and execution, and persists and reports the outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hedgesystem/closebot/internal/domain"
	"github.com/hedgesystem/closebot/internal/precheck"
	"github.com/hedgesystem/closebot/internal/recovery"
	"github.com/hedgesystem/closebot/internal/validate"
)

// CloseExecutor submits a single close to the trading terminal and returns
// the executed price. Implementations must honor the context deadline.
type CloseExecutor interface {
	ExecuteClose(ctx context.Context, req domain.CloseRequest, pos domain.Position) (float64, error)
}

// Notifier delivers human-facing close notifications. Delivery failures are
// logged, never propagated.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Locker serializes close attempts per position across engine instances.
// Acquire returns domain.ErrPositionLocked when another close holds the
// lock.
type Locker interface {
	Acquire(ctx context.Context, positionID string, ttl time.Duration) (func(), error)
}

// State is a close request's position in the orchestration lifecycle.
type State string

const (
	StateRequested  State = "requested"
	StateValidated  State = "validated"
	StatePreChecked State = "prechecked"
	StateExecuting  State = "executing"
	StateExecuted   State = "executed"
	StateFailed     State = "failed"
)

// Config holds the orchestrator tunables.
type Config struct {
	// ExecutionTimeout bounds a single terminal round trip.
	ExecutionTimeout time.Duration
	// BatchItemDelay spaces out consecutive batch items.
	BatchItemDelay time.Duration
	// PairDelay spaces out sequential hedge-pair legs.
	PairDelay time.Duration
	// ConcurrentPair closes both hedge legs concurrently instead of
	// sequentially.
	ConcurrentPair bool
}

// DefaultConfig returns the standard orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout: 10 * time.Second,
		BatchItemDelay:   250 * time.Millisecond,
		PairDelay:        100 * time.Millisecond,
		ConcurrentPair:   false,
	}
}

// Orchestrator coordinates the close pipeline. The record, audit, and notify
// collaborators are optional; a nil value disables that side effect.
type Orchestrator struct {
	positions domain.PositionStore
	validator *validate.Validator
	checker   *precheck.Checker
	telemetry domain.TelemetryCache
	executor  CloseExecutor
	recovery  *recovery.Engine

	records  domain.CloseRecordStore
	audit    domain.AuditStore
	notifier Notifier
	locker   Locker

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator creates an Orchestrator from its required collaborators.
func NewOrchestrator(
	positions domain.PositionStore,
	validator *validate.Validator,
	checker *precheck.Checker,
	telemetry domain.TelemetryCache,
	executor CloseExecutor,
	rec *recovery.Engine,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		positions: positions,
		validator: validator,
		checker:   checker,
		telemetry: telemetry,
		executor:  executor,
		recovery:  rec,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       time.Now,
	}
}

// SetRecordStore enables close-outcome persistence.
func (o *Orchestrator) SetRecordStore(s domain.CloseRecordStore) { o.records = s }

// SetAuditStore enables audit logging of state transitions.
func (o *Orchestrator) SetAuditStore(s domain.AuditStore) { o.audit = s }

// SetNotifier enables outbound close notifications.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// SetLocker enables distributed per-position close locking.
func (o *Orchestrator) SetLocker(l Locker) { o.locker = l }

// SetClock overrides the orchestrator's clock. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// ClosePosition runs one close request through the full pipeline. Business
// failures are reported in the outcome; the returned error is reserved for
// context cancellation and infrastructure faults.
func (o *Orchestrator) ClosePosition(ctx context.Context, req domain.CloseRequest) (domain.CloseOutcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	o.transition(ctx, req.ID, req.PositionID, StateRequested)

	res, err := o.validator.ValidateRequest(ctx, req)
	if err != nil {
		return domain.CloseOutcome{}, fmt.Errorf("orchestrator: validate %s: %w", req.PositionID, err)
	}
	if !res.Valid() {
		verr := res.Err()
		o.recovery.HandleError(ctx, verr, req.PositionID)
		return o.fail(ctx, req, verr.Error()), nil
	}
	o.transition(ctx, req.ID, req.PositionID, StateValidated)

	pos, err := o.positions.GetByID(ctx, req.PositionID)
	if err != nil {
		return domain.CloseOutcome{}, fmt.Errorf("orchestrator: load position %s: %w", req.PositionID, err)
	}

	verdict := o.checker.Check(req, o.snapshotFor(ctx, pos), o.now())
	if !verdict.CanProceed() {
		msg := fmt.Sprintf("%v: %s", domain.ErrBlocked, blockerSummary(verdict.Blockers))
		o.recovery.HandleMessage(ctx, verdict.Blockers[0].Message, req.PositionID)
		return o.fail(ctx, req, msg), nil
	}
	o.warn(ctx, req, verdict.Warnings)
	o.transition(ctx, req.ID, req.PositionID, StatePreChecked)

	unlock, err := o.acquireLock(ctx, req.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrPositionLocked) {
			return o.fail(ctx, req, err.Error()), nil
		}
		return domain.CloseOutcome{}, fmt.Errorf("orchestrator: lock %s: %w", req.PositionID, err)
	}
	defer unlock()

	o.transition(ctx, req.ID, req.PositionID, StateExecuting)
	price, err := o.executeWithRecovery(ctx, req, pos)
	if err != nil {
		if ctx.Err() != nil {
			return domain.CloseOutcome{}, ctx.Err()
		}
		return o.fail(ctx, req, err.Error()), nil
	}

	outcome := domain.CloseOutcome{
		RequestID:      req.ID,
		PositionID:     req.PositionID,
		Status:         domain.CloseStatusExecuted,
		ExecutedPrice:  price,
		RealizedProfit: realizedProfit(pos, price),
		ExecutedAt:     o.now(),
	}
	if err := o.positions.MarkClosed(ctx, pos.ID, outcome.ExecutedPrice, outcome.RealizedProfit); err != nil {
		return domain.CloseOutcome{}, fmt.Errorf("orchestrator: mark closed %s: %w", pos.ID, err)
	}
	o.recovery.Reset(req.PositionID)
	o.transition(ctx, req.ID, req.PositionID, StateExecuted)
	o.finish(ctx, outcome)

	if req.Linked != nil {
		o.runLinked(ctx, req, *req.Linked)
	}
	return outcome, nil
}

// ClosePair closes both legs of a hedge pair and returns the outcomes in leg
// order. Sequential by default; concurrent when configured.
func (o *Orchestrator) ClosePair(ctx context.Context, firstID, secondID string, mode domain.CloseMode) ([]domain.CloseOutcome, error) {
	ids := []string{firstID, secondID}
	outcomes := make([]domain.CloseOutcome, len(ids))

	if o.cfg.ConcurrentPair {
		g, gctx := errgroup.WithContext(ctx)
		for i := range ids {
			i := i
			g.Go(func() error {
				out, err := o.ClosePosition(gctx, domain.CloseRequest{
					ID: uuid.NewString(), PositionID: ids[i], Mode: mode,
				})
				outcomes[i] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return outcomes, err
		}
		return outcomes, nil
	}

	for i := range ids {
		if i > 0 {
			if err := recovery.Wait(ctx, o.cfg.PairDelay); err != nil {
				return outcomes, err
			}
		}
		out, err := o.ClosePosition(ctx, domain.CloseRequest{
			ID: uuid.NewString(), PositionID: ids[i], Mode: mode,
		})
		if err != nil {
			return outcomes, err
		}
		outcomes[i] = out
	}
	return outcomes, nil
}

// CloseBatch validates, gates, and executes a batch close. Per-item failures
// never abort the batch unless StopOnError is set; batch-level validation
// errors and blockers fail the whole batch before any close executes.
func (o *Orchestrator) CloseBatch(ctx context.Context, req domain.BatchCloseRequest) (domain.BatchOutcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	outcome := domain.BatchOutcome{BatchID: req.ID, TotalRequested: len(req.PositionIDs)}

	bres, err := o.validator.ValidateBatch(ctx, req)
	if err != nil {
		return outcome, fmt.Errorf("orchestrator: validate batch %s: %w", req.ID, err)
	}
	if !bres.Result.Valid() {
		return outcome, fmt.Errorf("orchestrator: batch %s: %w", req.ID, bres.Result.Err())
	}
	invalid := make(map[string]string, len(bres.Items))
	for _, it := range bres.Items {
		if !it.Valid() {
			invalid[it.PositionID] = it.Err().Error()
		}
	}

	ids := append([]string(nil), req.PositionIDs...)
	if req.Priority != domain.BatchPriorityHigh {
		sort.Strings(ids)
	}

	positions := make(map[string]domain.Position, len(ids))
	snaps := make([]precheck.Snapshot, 0, len(ids))
	for _, id := range ids {
		if _, bad := invalid[id]; bad {
			continue
		}
		pos, err := o.positions.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				invalid[id] = fmt.Sprintf("position %s not found", id)
				continue
			}
			return outcome, fmt.Errorf("orchestrator: load position %s: %w", id, err)
		}
		positions[id] = pos
		snaps = append(snaps, o.snapshotFor(ctx, pos))
	}

	verdict := o.checker.CheckBatch(req, snaps, o.now())
	if !verdict.CanProceed() {
		o.recovery.HandleMessage(ctx, verdict.Blockers[0].Message, req.ID)
		return outcome, fmt.Errorf("orchestrator: batch %s: %w: %s", req.ID, domain.ErrBlocked, blockerSummary(verdict.Blockers))
	}

	stopped := false
	for i, id := range ids {
		if stopped {
			outcome.Outcomes = append(outcome.Outcomes, domain.CloseOutcome{
				PositionID:     id,
				Status:         domain.CloseStatusFailed,
				FailureMessage: "not attempted: batch stopped after earlier failure",
				ExecutedAt:     o.now(),
			})
			outcome.Failed++
			continue
		}
		if msg, bad := invalid[id]; bad {
			out := o.fail(ctx, domain.CloseRequest{ID: uuid.NewString(), PositionID: id}, msg)
			outcome.Outcomes = append(outcome.Outcomes, out)
			outcome.Failed++
			if req.StopOnError {
				stopped = true
			}
			continue
		}
		if i > 0 {
			if err := recovery.Wait(ctx, o.cfg.BatchItemDelay); err != nil {
				return outcome, err
			}
		}

		out, err := o.closeBatchItem(ctx, req, positions[id])
		if err != nil {
			return outcome, err
		}
		outcome.Outcomes = append(outcome.Outcomes, out)
		if out.Status == domain.CloseStatusExecuted {
			outcome.Successful++
		} else {
			outcome.Failed++
			if req.StopOnError {
				stopped = true
			}
		}
	}

	if outcome.Failed > 0 && outcome.Successful > 0 {
		o.recovery.HandleMessage(ctx, fmt.Sprintf("batch %s partial failure: %d of %d items failed", req.ID, outcome.Failed, outcome.TotalRequested), req.ID)
	}
	o.auditEvent(ctx, "batch_close_completed", map[string]any{
		"batch_id":   req.ID,
		"requested":  outcome.TotalRequested,
		"successful": outcome.Successful,
		"failed":     outcome.Failed,
	})
	o.notify(ctx, "batch close completed",
		fmt.Sprintf("batch %s: %d requested, %d closed, %d failed", req.ID, outcome.TotalRequested, outcome.Successful, outcome.Failed))
	return outcome, nil
}

// closeBatchItem executes one already-validated, already-gated batch item.
// It skips per-item validation and precheck; the batch pass covered both.
func (o *Orchestrator) closeBatchItem(ctx context.Context, batch domain.BatchCloseRequest, pos domain.Position) (domain.CloseOutcome, error) {
	req := domain.CloseRequest{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Mode:       batch.Mode,
		Trail:      batch.Trail,
	}

	unlock, err := o.acquireLock(ctx, req.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrPositionLocked) {
			return o.fail(ctx, req, err.Error()), nil
		}
		return domain.CloseOutcome{}, fmt.Errorf("orchestrator: lock %s: %w", req.PositionID, err)
	}
	defer unlock()

	o.transition(ctx, req.ID, req.PositionID, StateExecuting)

	price, err := o.executeWithRecovery(ctx, req, pos)
	if err != nil {
		if ctx.Err() != nil {
			return domain.CloseOutcome{}, ctx.Err()
		}
		return o.fail(ctx, req, err.Error()), nil
	}

	outcome := domain.CloseOutcome{
		RequestID:      req.ID,
		PositionID:     pos.ID,
		Status:         domain.CloseStatusExecuted,
		ExecutedPrice:  price,
		RealizedProfit: realizedProfit(pos, price),
		ExecutedAt:     o.now(),
	}
	if err := o.positions.MarkClosed(ctx, pos.ID, outcome.ExecutedPrice, outcome.RealizedProfit); err != nil {
		return domain.CloseOutcome{}, fmt.Errorf("orchestrator: mark closed %s: %w", pos.ID, err)
	}
	o.recovery.Reset(pos.ID)
	o.transition(ctx, req.ID, req.PositionID, StateExecuted)
	o.finish(ctx, outcome)
	return outcome, nil
}

// executeWithRecovery submits the close, feeding failures through the
// recovery engine: retries with its backoff, and applies the switch-to-limit
// substitution by re-attempting as a limit order pegged to the current price.
// The substitution is applied at most once per request.
func (o *Orchestrator) executeWithRecovery(ctx context.Context, req domain.CloseRequest, pos domain.Position) (float64, error) {
	switchedToLimit := false
	for {
		price, err := o.attemptClose(ctx, req, pos)
		if err == nil {
			return price, nil
		}
		res := o.recovery.HandleError(ctx, err, req.PositionID)
		switch {
		case res.Action == domain.ActionRetry && res.Proceed:
			if werr := recovery.Wait(ctx, res.Delay); werr != nil {
				return 0, werr
			}
		case res.Action == domain.ActionFallback && res.Fallback == recovery.FallbackSwitchToLimit &&
			req.Mode != domain.CloseModeLimit && !switchedToLimit:
			switchedToLimit = true
			req.Mode = domain.CloseModeLimit
			req.LimitPrice = pos.CurrentPrice
			o.logger.InfoContext(ctx, "close switched to limit mode",
				slog.String("position_id", req.PositionID),
				slog.Float64("limit_price", req.LimitPrice),
			)
		default:
			if res.Fallback != "" {
				return 0, fmt.Errorf("%w (fallback: %s)", err, res.Fallback)
			}
			return 0, err
		}
	}
}

func (o *Orchestrator) attemptClose(ctx context.Context, req domain.CloseRequest, pos domain.Position) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
	defer cancel()

	price, err := o.executor.ExecuteClose(cctx, req, pos)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("orchestrator: close %s: %w", req.PositionID, domain.ErrTimeout)
		}
		return 0, fmt.Errorf("orchestrator: close %s: %w", req.PositionID, err)
	}
	return price, nil
}

// runLinked performs the follow-up action tied to a completed close. Linked
// failures are reported through the recovery engine, never propagated to the
// primary outcome.
func (o *Orchestrator) runLinked(ctx context.Context, primary domain.CloseRequest, linked domain.LinkedAction) {
	switch linked.Action {
	case domain.LinkedActionClose:
		out, err := o.ClosePosition(ctx, domain.CloseRequest{
			ID:         uuid.NewString(),
			PositionID: linked.TargetID,
			Mode:       domain.CloseModeMarket,
		})
		if err != nil {
			o.logger.ErrorContext(ctx, "linked close failed",
				slog.String("primary", primary.PositionID),
				slog.String("target", linked.TargetID),
				slog.String("error", err.Error()),
			)
			return
		}
		if out.Status != domain.CloseStatusExecuted {
			o.recovery.HandleMessage(ctx, "linked close failed: "+out.FailureMessage, linked.TargetID)
		}
	case domain.LinkedActionStartTrail:
		o.auditEvent(ctx, "trail_start_requested", map[string]any{
			"primary":   primary.PositionID,
			"target_id": linked.TargetID,
		})
		o.logger.InfoContext(ctx, "trail start requested",
			slog.String("target", linked.TargetID),
		)
	}
}

// acquireLock takes the per-position close lock when a locker is configured.
// The lock TTL covers the worst-case retry schedule.
func (o *Orchestrator) acquireLock(ctx context.Context, positionID string) (func(), error) {
	if o.locker == nil {
		return func() {}, nil
	}
	return o.locker.Acquire(ctx, positionID, 2*o.cfg.ExecutionTimeout+time.Minute)
}

// snapshotFor resolves the telemetry a precheck needs. Cache misses leave the
// zero value, which the checker treats as disconnected or stale.
func (o *Orchestrator) snapshotFor(ctx context.Context, pos domain.Position) precheck.Snapshot {
	snap := precheck.Snapshot{Position: pos}

	mc, err := o.telemetry.MarketCondition(ctx, pos.Symbol)
	if err != nil {
		o.logger.WarnContext(ctx, "market condition unavailable",
			slog.String("symbol", pos.Symbol), slog.String("error", err.Error()))
	} else {
		snap.Market = mc
	}
	as, err := o.telemetry.AccountStatus(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "account status unavailable", slog.String("error", err.Error()))
	} else {
		snap.Account = as
	}
	ss, err := o.telemetry.SystemStatus(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "system status unavailable", slog.String("error", err.Error()))
	} else {
		snap.System = ss
	}
	return snap
}

func (o *Orchestrator) fail(ctx context.Context, req domain.CloseRequest, message string) domain.CloseOutcome {
	o.transition(ctx, req.ID, req.PositionID, StateFailed)
	outcome := domain.CloseOutcome{
		RequestID:      req.ID,
		PositionID:     req.PositionID,
		Status:         domain.CloseStatusFailed,
		FailureMessage: message,
		ExecutedAt:     o.now(),
	}
	o.finish(ctx, outcome)
	return outcome
}

// finish persists and reports a terminal outcome.
func (o *Orchestrator) finish(ctx context.Context, outcome domain.CloseOutcome) {
	if o.records != nil {
		if err := o.records.Create(ctx, outcome); err != nil {
			o.logger.ErrorContext(ctx, "close record write failed",
				slog.String("position_id", outcome.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	switch outcome.Status {
	case domain.CloseStatusExecuted:
		o.logger.InfoContext(ctx, "position closed",
			slog.String("position_id", outcome.PositionID),
			slog.Float64("executed_price", outcome.ExecutedPrice),
			slog.Float64("realized_profit", outcome.RealizedProfit),
		)
		o.notify(ctx, "position closed",
			fmt.Sprintf("%s closed at %.5f (profit %.2f)", outcome.PositionID, outcome.ExecutedPrice, outcome.RealizedProfit))
	default:
		o.logger.WarnContext(ctx, "close failed",
			slog.String("position_id", outcome.PositionID),
			slog.String("reason", outcome.FailureMessage),
		)
		o.notify(ctx, "close failed",
			fmt.Sprintf("%s: %s", outcome.PositionID, outcome.FailureMessage))
	}
}

func (o *Orchestrator) warn(ctx context.Context, req domain.CloseRequest, warnings []domain.Warning) {
	for _, w := range warnings {
		o.logger.WarnContext(ctx, "pre-close warning",
			slog.String("position_id", req.PositionID),
			slog.String("code", w.Code),
			slog.String("impact", w.Impact),
		)
	}
}

func (o *Orchestrator) transition(ctx context.Context, requestID, positionID string, to State) {
	o.logger.DebugContext(ctx, "state transition",
		slog.String("request_id", requestID),
		slog.String("position_id", positionID),
		slog.String("state", string(to)),
	)
	o.auditEvent(ctx, "close_state", map[string]any{
		"request_id":  requestID,
		"position_id": positionID,
		"state":       string(to),
	})
}

func (o *Orchestrator) auditEvent(ctx context.Context, event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) notify(ctx context.Context, subject, body string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Send(ctx, subject, body); err != nil {
		o.logger.WarnContext(ctx, "notification failed",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// blockerSummary renders every blocker in a verdict, not just the first;
// whoever acts on a blocked close needs the full list.
func blockerSummary(blockers []domain.Blocker) string {
	parts := make([]string, len(blockers))
	for i, b := range blockers {
		parts[i] = b.Code + ": " + b.Message
	}
	return strings.Join(parts, "; ")
}

// realizedProfit computes the side-aware realized profit for an executed
// close.
func realizedProfit(pos domain.Position, executedPrice float64) float64 {
	if pos.Side == domain.SideShort {
		return (pos.OpenPrice - executedPrice) * pos.Lots
	}
	return (executedPrice - pos.OpenPrice) * pos.Lots
}
