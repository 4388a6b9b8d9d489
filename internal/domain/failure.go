package domain

import (
	"time"
)

// ErrorKind is the closed set of failure classifications.
type ErrorKind string

const (
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindPositionState   ErrorKind = "position_state"
	ErrorKindMarketCondition ErrorKind = "market_condition"
	ErrorKindAccount         ErrorKind = "account"
	ErrorKindConnectivity    ErrorKind = "connectivity"
	ErrorKindServer          ErrorKind = "server"
	ErrorKindClose           ErrorKind = "close"
	ErrorKindBatch           ErrorKind = "batch"
)

// Severity grades a failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryAction is the engine's decision for a classified failure.
type RecoveryAction string

const (
	ActionRetry    RecoveryAction = "retry"
	ActionFallback RecoveryAction = "fallback"
	ActionSkip     RecoveryAction = "skip"
	ActionAbort    RecoveryAction = "abort"
	ActionManual   RecoveryAction = "manual_intervention"
)

// FailureRecord is one classified failure, appended to the bounded
// in-memory history.
type FailureRecord struct {
	Kind      ErrorKind
	Severity  Severity
	Retryable bool
	Action    RecoveryAction
	// RefID is the position or batch id the failure belongs to.
	RefID      string
	Message    string
	Context    map[string]string
	OccurredAt time.Time
}

// RecoveryResult is the uniform contract the recovery engine reports back to
// the orchestrator, regardless of which action was chosen.
type RecoveryResult struct {
	Action RecoveryAction
	// Proceed is true when the caller should continue: retry the item after
	// Delay, carry on after a fallback or skip. It is false for abort and
	// manual intervention.
	Proceed bool
	// Attempt is the retry attempt index that produced this result.
	Attempt int
	// Delay is the backoff to wait before the next retry attempt.
	Delay time.Duration
	// Fallback names the applied substitution (e.g. "switch_to_limit"),
	// empty unless Action is ActionFallback.
	Fallback string
	Message  string
	Record   FailureRecord
}
