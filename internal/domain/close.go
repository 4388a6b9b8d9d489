package domain

import "time"

// CloseMode selects how the close order is priced.
type CloseMode string

const (
	CloseModeMarket CloseMode = "market"
	CloseModeLimit  CloseMode = "limit"
)

// TrailSettings configures a trailing stop attached to a close request.
// Both offsets are in price units; the configuration is all-or-nothing.
type TrailSettings struct {
	StartOffset float64
	TrailOffset float64
}

// LinkedActionKind is what to do with the linked position when closing.
type LinkedActionKind string

const (
	LinkedActionClose      LinkedActionKind = "close"
	LinkedActionStartTrail LinkedActionKind = "start_trail"
	LinkedActionNone       LinkedActionKind = "none"
)

// LinkedAction couples a close request to an action on another position,
// typically the other leg of a hedge.
type LinkedAction struct {
	TargetID string
	Action   LinkedActionKind
}

// CloseRequest asks the orchestrator to close a single position.
type CloseRequest struct {
	ID         string
	PositionID string
	Mode       CloseMode
	// LimitPrice is required iff Mode is CloseModeLimit.
	LimitPrice float64
	Trail      *TrailSettings
	Linked     *LinkedAction
}

// BatchPriority controls ordering of a batch close.
type BatchPriority string

const (
	// BatchPriorityNormal processes positions in a stable deterministic
	// order (position id ascending).
	BatchPriorityNormal BatchPriority = "normal"
	// BatchPriorityHigh preserves the caller's ordering.
	BatchPriorityHigh BatchPriority = "high"
)

// BatchCloseRequest asks the orchestrator to close several positions
// sequentially. PositionIDs must be non-empty and deduplicated.
type BatchCloseRequest struct {
	ID          string
	PositionIDs []string
	Mode        CloseMode
	Trail       *TrailSettings
	Priority    BatchPriority
	// StopOnError aborts remaining items after the first failed item.
	StopOnError bool
}

// CloseStatus is the terminal state of one close attempt.
type CloseStatus string

const (
	CloseStatusPending  CloseStatus = "pending"
	CloseStatusExecuted CloseStatus = "executed"
	CloseStatusFailed   CloseStatus = "failed"
)

// CloseOutcome is the per-position result of a close operation.
type CloseOutcome struct {
	RequestID      string
	PositionID     string
	Status         CloseStatus
	ExecutedPrice  float64
	RealizedProfit float64
	FailureMessage string
	ExecutedAt     time.Time
}

// BatchOutcome aggregates the per-item outcomes of a batch close. Callers
// must inspect Outcomes for per-item failures; the counts alone do not say
// which positions failed.
type BatchOutcome struct {
	BatchID        string
	TotalRequested int
	Successful     int
	Failed         int
	Outcomes       []CloseOutcome
}

// Success reports whether every item in the batch executed.
func (b BatchOutcome) Success() bool {
	return b.Failed == 0 && b.TotalRequested > 0
}
