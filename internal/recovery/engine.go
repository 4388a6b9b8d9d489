package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hedgesystem/closebot/internal/domain"
)

// RetryPolicy controls bounded exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the highest permitted retry attempt index. An attempt
	// past this index escalates to abort.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 retries, 1s base,
// doubling, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
	}
}

// Delay computes min(baseDelay * multiplier^attempt, maxDelay) for the given
// zero-based attempt index.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// Config holds the recovery engine tunables.
type Config struct {
	Retry RetryPolicy
	// EnableFallback allows kind-specific substitutions. When disabled,
	// fallback-classified failures abort instead.
	EnableFallback bool
	// HistoryCap bounds the in-memory failure history.
	HistoryCap int
}

// DefaultConfig returns the standard recovery configuration.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryPolicy(),
		EnableFallback: true,
		HistoryCap:     200,
	}
}

// retryKey scopes retry state so concurrent unrelated failures never share a
// backoff counter.
type retryKey struct {
	kind  domain.ErrorKind
	refID string
}

// Engine decides and reports recovery actions for classified failures.
// Multiple engines may coexist; each owns its configuration, retry state,
// and history.
type Engine struct {
	cfg     Config
	history *History
	logger  *slog.Logger

	mu       sync.Mutex
	attempts map[retryKey]int

	now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		history:  NewHistory(cfg.HistoryCap),
		logger:   logger.With(slog.String("component", "recovery_engine")),
		attempts: make(map[retryKey]int),
		now:      time.Now,
	}
}

// SetClock overrides the engine's clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// History returns the engine's bounded failure history.
func (e *Engine) History() *History {
	return e.history
}

// HandleError classifies err and decides the recovery action.
func (e *Engine) HandleError(ctx context.Context, err error, refID string) domain.RecoveryResult {
	return e.Handle(ctx, ClassifyError(err, refID, e.now()))
}

// HandleMessage classifies a failure message and decides the recovery action.
func (e *Engine) HandleMessage(ctx context.Context, message, refID string) domain.RecoveryResult {
	return e.Handle(ctx, Classify(message, refID, e.now()))
}

// Handle records the failure and returns the uniform recovery result for it.
// Proceed is true when the caller should keep going (retry after the
// returned delay, continue after a fallback or skip); it is false for abort
// and manual intervention.
func (e *Engine) Handle(ctx context.Context, failure domain.FailureRecord) domain.RecoveryResult {
	switch failure.Action {
	case domain.ActionRetry:
		return e.handleRetry(ctx, failure)
	case domain.ActionFallback:
		return e.handleFallback(ctx, failure)
	case domain.ActionSkip:
		e.record(ctx, failure)
		return domain.RecoveryResult{
			Action:  domain.ActionSkip,
			Proceed: true,
			Message: "item skipped: " + failure.Message,
			Record:  failure,
		}
	case domain.ActionManual:
		failure.Severity = domain.SeverityCritical
		e.record(ctx, failure)
		return domain.RecoveryResult{
			Action:  domain.ActionManual,
			Message: "manual intervention required: " + failure.Message,
			Record:  failure,
		}
	default:
		e.record(ctx, failure)
		return domain.RecoveryResult{
			Action:  domain.ActionAbort,
			Message: "operation aborted: " + failure.Message,
			Record:  failure,
		}
	}
}

func (e *Engine) handleRetry(ctx context.Context, failure domain.FailureRecord) domain.RecoveryResult {
	key := retryKey{kind: failure.Kind, refID: failure.RefID}

	e.mu.Lock()
	attempt := e.attempts[key]
	exceeded := attempt > e.cfg.Retry.MaxAttempts
	if !exceeded {
		e.attempts[key] = attempt + 1
	} else {
		delete(e.attempts, key)
	}
	e.mu.Unlock()

	if exceeded {
		failure.Action = domain.ActionAbort
		failure.Severity = domain.SeverityCritical
		failure.Retryable = false
		e.record(ctx, failure)
		return domain.RecoveryResult{
			Action:  domain.ActionAbort,
			Attempt: attempt,
			Message: fmt.Sprintf("%v after %d attempts: %s", domain.ErrRetriesExceeded, attempt, failure.Message),
			Record:  failure,
		}
	}

	e.record(ctx, failure)
	delay := e.cfg.Retry.Delay(attempt)
	e.logger.InfoContext(ctx, "retry scheduled",
		slog.String("ref_id", failure.RefID),
		slog.String("kind", string(failure.Kind)),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
	return domain.RecoveryResult{
		Action:  domain.ActionRetry,
		Proceed: true,
		Attempt: attempt,
		Delay:   delay,
		Message: fmt.Sprintf("retry attempt %d in %s", attempt, delay),
		Record:  failure,
	}
}

func (e *Engine) handleFallback(ctx context.Context, failure domain.FailureRecord) domain.RecoveryResult {
	if !e.cfg.EnableFallback {
		failure.Action = domain.ActionAbort
		e.record(ctx, failure)
		return domain.RecoveryResult{
			Action:  domain.ActionAbort,
			Message: "fallback disabled, aborting: " + failure.Message,
			Record:  failure,
		}
	}

	fallback := fallbackFor(failure)
	if fallback == "" {
		failure.Action = domain.ActionAbort
		e.record(ctx, failure)
		return domain.RecoveryResult{
			Action:  domain.ActionAbort,
			Message: "no fallback available: " + failure.Message,
			Record:  failure,
		}
	}

	e.record(ctx, failure)
	e.logger.InfoContext(ctx, "fallback applied",
		slog.String("ref_id", failure.RefID),
		slog.String("kind", string(failure.Kind)),
		slog.String("fallback", fallback),
	)
	return domain.RecoveryResult{
		Action:   domain.ActionFallback,
		Proceed:  true,
		Fallback: fallback,
		Message:  "fallback applied: " + fallback,
		Record:   failure,
	}
}

// Fallback substitutions by name. Callers match on these to apply the
// substitution; unrecognized or inapplicable ones are terminal for the item.
const (
	FallbackContinueSubset  = "continue_with_successful_subset"
	FallbackSwitchTransport = "switch_transport"
	FallbackSwitchToLimit   = "switch_to_limit"
	FallbackReschedule      = "reschedule"
	FallbackWaitForMarket   = "wait_for_market"
)

// fallbackFor names the kind-specific substitution for a fallback-classified
// failure.
func fallbackFor(failure domain.FailureRecord) string {
	msg := strings.ToLower(failure.Message)
	switch failure.Kind {
	case domain.ErrorKindBatch:
		return FallbackContinueSubset
	case domain.ErrorKindConnectivity:
		return FallbackSwitchTransport
	case domain.ErrorKindMarketCondition:
		if strings.Contains(msg, "spread") {
			return FallbackSwitchToLimit
		}
		if strings.Contains(msg, "market closed") || strings.Contains(msg, "market is closed") {
			return FallbackReschedule
		}
		return FallbackWaitForMarket
	default:
		return ""
	}
}

// MarkSuccess clears the retry counter for one (kind, id) key.
func (e *Engine) MarkSuccess(kind domain.ErrorKind, refID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.attempts, retryKey{kind: kind, refID: refID})
}

// Reset clears all retry state for a position or batch id, across kinds.
func (e *Engine) Reset(refID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.attempts {
		if key.refID == refID {
			delete(e.attempts, key)
		}
	}
}

// Attempts returns the current attempt count for a key. Intended for
// inspection and tests.
func (e *Engine) Attempts(kind domain.ErrorKind, refID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[retryKey{kind: kind, refID: refID}]
}

// Wait sleeps for the given delay, returning early with the context error if
// the enclosing operation is cancelled.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) record(ctx context.Context, failure domain.FailureRecord) {
	e.history.Add(failure)
	e.logger.WarnContext(ctx, "failure recorded",
		slog.String("ref_id", failure.RefID),
		slog.String("kind", string(failure.Kind)),
		slog.String("severity", string(failure.Severity)),
		slog.String("action", string(failure.Action)),
		slog.String("message", failure.Message),
	)
}
