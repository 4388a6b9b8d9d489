package domain

import "time"

// CloseReason classifies why a position is proposed for closing.
type CloseReason string

const (
	ReasonCostDriven     CloseReason = "cost_driven"
	ReasonLongHolding    CloseReason = "long_holding"
	ReasonProfitTarget   CloseReason = "profit_target"
	ReasonRiskManagement CloseReason = "risk_management"
)

// Priority buckets a proposal by its composite score.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Urgency is the recommended time frame for acting on a proposal.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyToday     Urgency = "today"
	UrgencyThisWeek  Urgency = "this_week"
	UrgencyOptional  Urgency = "optional"
)

// CloseProposal is an immutable scoring result for one position. Each
// evaluation pass produces a fresh set of proposals that supersedes the
// previous one.
type CloseProposal struct {
	PositionID       string
	Reason           CloseReason
	Priority         Priority
	Urgency          Urgency
	Score            float64 // 0-100 composite
	EstimatedSavings float64
	// RebuildRecommended suggests reopening an equivalent position after the
	// close (cheaper carry, fresh swap clock). Never set for risk closes.
	RebuildRecommended bool
	GeneratedAt        time.Time
}
