package domain

import "time"

// MarketCondition is the latest market telemetry for one symbol.
type MarketCondition struct {
	Symbol         string
	MarketOpen     bool
	SpreadPips     float64
	HighVolatility bool
	// HighImpactNews is true when high-severity scheduled news events are
	// pending for the symbol's currencies.
	HighImpactNews bool
	LowLiquidity   bool
	UpdatedAt      time.Time
}

// AccountStatus is the latest account telemetry.
type AccountStatus struct {
	Connected bool
	Balance   float64
	Equity    float64
	// MarginLevel is equity over used margin, in percent. Zero when no
	// margin is in use.
	MarginLevel float64
	UpdatedAt   time.Time
}

// SystemStatus reports the two transport channels the engine depends on.
type SystemStatus struct {
	MarketDataConnected bool
	ExecutionConnected  bool
	UpdatedAt           time.Time
}

// BlockerSeverity grades a blocker.
type BlockerSeverity string

const (
	BlockerSeverityCritical BlockerSeverity = "critical"
	BlockerSeverityHigh     BlockerSeverity = "high"
)

// Blocker is a hard stop: the close must not proceed until resolved.
type Blocker struct {
	Category    string
	Code        string
	Severity    BlockerSeverity
	Message     string
	PositionIDs []string
}

// Warning is informational and never prevents proceeding.
type Warning struct {
	Category string
	Code     string
	Impact   string
}

// Recommendation suggests an operator action with its expected benefit.
type Recommendation struct {
	Category string
	Action   string
	Benefit  string
}

// PreCloseVerdict is the aggregated result of all pre-close checks.
type PreCloseVerdict struct {
	Blockers        []Blocker
	Warnings        []Warning
	Recommendations []Recommendation
}

// CanProceed is true iff no blockers are present. Warnings never block.
func (v PreCloseVerdict) CanProceed() bool {
	return len(v.Blockers) == 0
}
