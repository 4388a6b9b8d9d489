package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hedgesystem/closebot/internal/domain"
	"github.com/hedgesystem/closebot/internal/precheck"
	"github.com/hedgesystem/closebot/internal/recovery"
	"github.com/hedgesystem/closebot/internal/validate"
)

// memPositions is an in-memory PositionStore.
type memPositions struct {
	mu     sync.Mutex
	m      map[string]domain.Position
	closed map[string]domain.CloseOutcome
}

func newMemPositions(positions ...domain.Position) *memPositions {
	s := &memPositions{
		m:      make(map[string]domain.Position),
		closed: make(map[string]domain.CloseOutcome),
	}
	for _, p := range positions {
		s.m[p.ID] = p
	}
	return s
}

func (s *memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositions) ListOpen(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.m {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositions) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[p.ID] = p
	return nil
}

func (s *memPositions) MarkClosed(_ context.Context, id string, executedPrice, realizedProfit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = domain.PositionStatusClosed
	s.m[id] = p
	s.closed[id] = domain.CloseOutcome{PositionID: id, ExecutedPrice: executedPrice, RealizedProfit: realizedProfit}
	return nil
}

// memTelemetry serves fixed healthy telemetry.
type memTelemetry struct {
	market  domain.MarketCondition
	account domain.AccountStatus
	system  domain.SystemStatus
}

func healthyTelemetry() *memTelemetry {
	now := time.Now()
	return &memTelemetry{
		market:  domain.MarketCondition{MarketOpen: true, SpreadPips: 1.0, UpdatedAt: now},
		account: domain.AccountStatus{Connected: true, Balance: 10000, Equity: 10000, UpdatedAt: now},
		system:  domain.SystemStatus{MarketDataConnected: true, ExecutionConnected: true, UpdatedAt: now},
	}
}

func (t *memTelemetry) SetMarketCondition(_ context.Context, mc domain.MarketCondition) error {
	t.market = mc
	return nil
}

func (t *memTelemetry) MarketCondition(_ context.Context, symbol string) (domain.MarketCondition, error) {
	mc := t.market
	mc.Symbol = symbol
	return mc, nil
}

func (t *memTelemetry) SetAccountStatus(_ context.Context, as domain.AccountStatus) error {
	t.account = as
	return nil
}

func (t *memTelemetry) AccountStatus(_ context.Context) (domain.AccountStatus, error) {
	return t.account, nil
}

func (t *memTelemetry) SetSystemStatus(_ context.Context, ss domain.SystemStatus) error {
	t.system = ss
	return nil
}

func (t *memTelemetry) SystemStatus(_ context.Context) (domain.SystemStatus, error) {
	return t.system, nil
}

// scriptExecutor fails with the queued errors first, then fills at the
// position's current price.
type scriptExecutor struct {
	mu    sync.Mutex
	errs  []error
	calls []string
	modes []domain.CloseMode
}

func (e *scriptExecutor) ExecuteClose(_ context.Context, req domain.CloseRequest, pos domain.Position) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req.PositionID)
	e.modes = append(e.modes, req.Mode)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return 0, err
	}
	if req.Mode == domain.CloseModeLimit {
		return req.LimitPrice, nil
	}
	return pos.CurrentPrice, nil
}

func (e *scriptExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type capturedNote struct{ subject, body string }

type memNotifier struct {
	mu    sync.Mutex
	notes []capturedNote
}

func (n *memNotifier) Send(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, capturedNote{subject, body})
	return nil
}

type memRecords struct {
	mu       sync.Mutex
	outcomes []domain.CloseOutcome
}

func (r *memRecords) Create(_ context.Context, o domain.CloseOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *memRecords) ListByPosition(_ context.Context, positionID string) ([]domain.CloseOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CloseOutcome
	for _, o := range r.outcomes {
		if o.PositionID == positionID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memRecords) ListBefore(_ context.Context, before time.Time) ([]domain.CloseOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CloseOutcome
	for _, o := range r.outcomes {
		if o.ExecutedAt.Before(before) {
			out = append(out, o)
		}
	}
	return out, nil
}

type fixture struct {
	store     *memPositions
	telemetry *memTelemetry
	executor  *scriptExecutor
	records   *memRecords
	notifier  *memNotifier
	orch      *Orchestrator
}

func newFixture(t *testing.T, retry recovery.RetryPolicy, positions ...domain.Position) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemPositions(positions...)

	recCfg := recovery.DefaultConfig()
	recCfg.Retry = retry

	cfg := DefaultConfig()
	cfg.ExecutionTimeout = time.Second
	cfg.BatchItemDelay = 0
	cfg.PairDelay = 0

	f := &fixture{
		store:     store,
		telemetry: healthyTelemetry(),
		executor:  &scriptExecutor{},
		records:   &memRecords{},
		notifier:  &memNotifier{},
	}
	f.orch = NewOrchestrator(
		store,
		validate.NewValidator(store, validate.DefaultConfig(), logger),
		precheck.NewChecker(precheck.DefaultConfig(), logger),
		f.telemetry,
		f.executor,
		recovery.NewEngine(recCfg, logger),
		cfg,
		logger,
	)
	f.orch.SetRecordStore(f.records)
	f.orch.SetNotifier(f.notifier)
	return f
}

func fastRetry() recovery.RetryPolicy {
	return recovery.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func openPosition(id, symbol string, side domain.Side, lots, open, current float64) domain.Position {
	now := time.Now()
	return domain.Position{
		ID: id, Symbol: symbol, Side: side, Lots: lots,
		OpenPrice: open, CurrentPrice: current,
		Status: domain.PositionStatusOpen,
		OpenedAt: now.Add(-5 * 24 * time.Hour), UpdatedAt: now,
	}
}

// TestMarketCloseExecutesAndPersists: the happy path fills at the current
// price, computes side-aware profit, marks the position closed, and records
// and reports the outcome.
func TestMarketCloseExecutesAndPersists(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusExecuted, out.Status)
	require.InDelta(t, 1.12, out.ExecutedPrice, 1e-9)
	require.InDelta(t, 0.02, out.RealizedProfit, 1e-9)
	require.NotEmpty(t, out.RequestID)

	closed, ok := f.store.closed["pos-1"]
	require.True(t, ok)
	require.InDelta(t, 0.02, closed.RealizedProfit, 1e-9)

	require.Len(t, f.records.outcomes, 1)
	require.Equal(t, domain.CloseStatusExecuted, f.records.outcomes[0].Status)
	require.NotEmpty(t, f.notifier.notes)
	require.Equal(t, "position closed", f.notifier.notes[0].subject)
}

// TestShortSideProfit: a short gains when price falls.
func TestShortSideProfit(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "USDJPY", domain.SideShort, 2.0, 150.0, 149.0))

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.InDelta(t, 2.0, out.RealizedProfit, 1e-9)
}

// TestValidationFailureShortCircuits: invalid requests never reach the
// executor and still produce a recorded failed outcome.
func TestValidationFailureShortCircuits(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeLimit,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusFailed, out.Status)
	require.Zero(t, f.executor.callCount())
	require.Len(t, f.records.outcomes, 1)
	require.Equal(t, domain.CloseStatusFailed, f.records.outcomes[0].Status)
}

// TestBlockerStopsExecution: a disconnected account blocks the close before
// the executor is reached.
func TestBlockerStopsExecution(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))
	f.telemetry.account.Connected = false

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusFailed, out.Status)
	require.Contains(t, out.FailureMessage, "account_disconnected")
	require.Zero(t, f.executor.callCount())
}

// TestBlockedCloseReportsAllBlockers: the failure message carries every
// blocker, not just the first one found.
func TestBlockedCloseReportsAllBlockers(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))
	f.telemetry.account.Connected = false
	f.telemetry.system.MarketDataConnected = false

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusFailed, out.Status)
	require.Contains(t, out.FailureMessage, "account_disconnected")
	require.Contains(t, out.FailureMessage, "market_data_disconnected")
}

// TestTimeoutRetriesThenSucceeds: transient timeouts retry with backoff and
// eventually fill.
func TestTimeoutRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))
	f.executor.errs = []error{domain.ErrTimeout, domain.ErrTimeout}

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusExecuted, out.Status)
	require.Equal(t, 3, f.executor.callCount())
}

// TestRetriesExhaustedFails: a persistent connectivity fault runs out of
// retry budget and reports a failed outcome.
func TestRetriesExhaustedFails(t *testing.T) {
	retry := fastRetry()
	retry.MaxAttempts = 1
	f := newFixture(t, retry, openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))
	f.executor.errs = []error{domain.ErrTimeout, domain.ErrTimeout, domain.ErrTimeout, domain.ErrTimeout}

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusFailed, out.Status)
	require.Equal(t, 3, f.executor.callCount(), "attempts 0 and 1 retry, the third escalates")
}

// TestHighSpreadSwitchesToLimit: a spread rejection applies the fallback by
// re-attempting the close as a limit order at the current price.
func TestHighSpreadSwitchesToLimit(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))
	f.executor.errs = []error{errors.New("executor: close rejected: spread too high")}

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusExecuted, out.Status)
	require.Equal(t, 2, f.executor.callCount())
	require.Equal(t, []domain.CloseMode{domain.CloseModeMarket, domain.CloseModeLimit}, f.executor.modes)
	require.InDelta(t, 1.12, out.ExecutedPrice, 1e-9, "limit order pegged to the current price")
}

// TestLimitSwitchAppliedOnce: if the limit re-attempt also fails on spread,
// the close fails instead of looping on the substitution.
func TestLimitSwitchAppliedOnce(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))
	f.executor.errs = []error{
		errors.New("executor: close rejected: spread too high"),
		errors.New("executor: close rejected: spread too high"),
	}

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusFailed, out.Status)
	require.Equal(t, 2, f.executor.callCount())
	require.Contains(t, out.FailureMessage, "switch_to_limit")
}

// TestNonRetryableErrorFailsImmediately: a skip-classified fault makes
// exactly one attempt.
func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))
	f.executor.errs = []error{domain.ErrAlreadyClosed}

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusFailed, out.Status)
	require.Equal(t, 1, f.executor.callCount())
}

// TestBatchNormalPriorityOrdersByID: normal priority processes items in id
// order, high priority preserves caller order.
func TestBatchNormalPriorityOrdersByID(t *testing.T) {
	f := newFixture(t, fastRetry(),
		openPosition("pos-b", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12),
		openPosition("pos-a", "USDJPY", domain.SideShort, 1.0, 150.0, 149.0),
	)

	out, err := f.orch.CloseBatch(context.Background(), domain.BatchCloseRequest{
		PositionIDs: []string{"pos-b", "pos-a"},
		Mode:        domain.CloseModeMarket,
		Priority:    domain.BatchPriorityNormal,
	})
	require.NoError(t, err)
	require.True(t, out.Success())
	require.Equal(t, []string{"pos-a", "pos-b"}, f.executor.calls)

	f2 := newFixture(t, fastRetry(),
		openPosition("pos-b", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12),
		openPosition("pos-a", "USDJPY", domain.SideShort, 1.0, 150.0, 149.0),
	)
	_, err = f2.orch.CloseBatch(context.Background(), domain.BatchCloseRequest{
		PositionIDs: []string{"pos-b", "pos-a"},
		Mode:        domain.CloseModeMarket,
		Priority:    domain.BatchPriorityHigh,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"pos-b", "pos-a"}, f2.executor.calls)
}

// TestBatchUnknownPositionContinues: an unresolved id fails its item without
// stopping the rest.
func TestBatchUnknownPositionContinues(t *testing.T) {
	f := newFixture(t, fastRetry(),
		openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12),
		openPosition("pos-2", "USDJPY", domain.SideShort, 1.0, 150.0, 149.0),
	)

	out, err := f.orch.CloseBatch(context.Background(), domain.BatchCloseRequest{
		PositionIDs: []string{"pos-1", "ghost", "pos-2"},
		Mode:        domain.CloseModeMarket,
		Priority:    domain.BatchPriorityNormal,
	})
	require.NoError(t, err)
	require.False(t, out.Success())
	require.Equal(t, 3, out.TotalRequested)
	require.Equal(t, 2, out.Successful)
	require.Equal(t, 1, out.Failed)
	require.Len(t, out.Outcomes, 3)
}

// TestBatchStopOnError: after the first failure the remaining items are not
// attempted and count as failed.
func TestBatchStopOnError(t *testing.T) {
	f := newFixture(t, fastRetry(),
		openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12),
		openPosition("pos-2", "USDJPY", domain.SideShort, 1.0, 150.0, 149.0),
	)

	out, err := f.orch.CloseBatch(context.Background(), domain.BatchCloseRequest{
		PositionIDs: []string{"pos-1", "ghost", "pos-2"},
		Mode:        domain.CloseModeMarket,
		Priority:    domain.BatchPriorityHigh,
		StopOnError: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Successful)
	require.Equal(t, 2, out.Failed)
	require.Equal(t, []string{"pos-1"}, f.executor.calls)
	require.Contains(t, out.Outcomes[2].FailureMessage, "not attempted")
}

// TestBatchEmptyRejected: structural batch errors fail the whole call.
func TestBatchEmptyRejected(t *testing.T) {
	f := newFixture(t, fastRetry())

	_, err := f.orch.CloseBatch(context.Background(), domain.BatchCloseRequest{
		Mode: domain.CloseModeMarket,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

// TestClosePairSequential: both legs close in leg order.
func TestClosePairSequential(t *testing.T) {
	f := newFixture(t, fastRetry(),
		openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12),
		openPosition("pos-2", "EURUSD", domain.SideShort, 1.0, 1.11, 1.12),
	)

	outs, err := f.orch.ClosePair(context.Background(), "pos-1", "pos-2", domain.CloseModeMarket)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	require.Equal(t, "pos-1", outs[0].PositionID)
	require.Equal(t, "pos-2", outs[1].PositionID)
	require.Equal(t, domain.CloseStatusExecuted, outs[0].Status)
	require.Equal(t, domain.CloseStatusExecuted, outs[1].Status)
	require.Equal(t, []string{"pos-1", "pos-2"}, f.executor.calls)
}

// TestLinkedCloseClosesHedgeLeg: a linked close action closes the target
// position after the primary.
func TestLinkedCloseClosesHedgeLeg(t *testing.T) {
	f := newFixture(t, fastRetry(),
		openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12),
		openPosition("pos-2", "EURUSD", domain.SideShort, 1.0, 1.11, 1.12),
	)

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
		Linked: &domain.LinkedAction{TargetID: "pos-2", Action: domain.LinkedActionClose},
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusExecuted, out.Status)

	_, primaryClosed := f.store.closed["pos-1"]
	_, linkedClosed := f.store.closed["pos-2"]
	require.True(t, primaryClosed)
	require.True(t, linkedClosed)
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrPositionLocked
}

// TestLockedPositionFailsWithoutExecuting: a held close lock fails the
// request before the executor is reached.
func TestLockedPositionFailsWithoutExecuting(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))
	f.orch.SetLocker(heldLocker{})

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusFailed, out.Status)
	require.Zero(t, f.executor.callCount())
}

// TestLimitCloseFillsAtLimit: limit closes fill at the requested price.
func TestLimitCloseFillsAtLimit(t *testing.T) {
	f := newFixture(t, fastRetry(), openPosition("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10, 1.12))

	out, err := f.orch.ClosePosition(context.Background(), domain.CloseRequest{
		PositionID: "pos-1", Mode: domain.CloseModeLimit, LimitPrice: 1.125,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseStatusExecuted, out.Status)
	require.InDelta(t, 1.125, out.ExecutedPrice, 1e-9)
	require.InDelta(t, 0.025, out.RealizedProfit, 1e-9)
}
