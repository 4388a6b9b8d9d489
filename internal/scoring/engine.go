// Package scoring ranks open positions into close proposals from carrying
// cost, holding duration, and unrealized profit signals.
package scoring

import (
	"log/slog"
	"sort"
	"time"

	"github.com/hedgesystem/closebot/internal/cost"
	"github.com/hedgesystem/closebot/internal/domain"
)

// Config holds the scoring thresholds. All monetary values are in account
// currency.
type Config struct {
	// MinHoldingDays and MaxHoldingDays bound eligibility. Positions held
	// fewer than MinHoldingDays are not scored; positions held longer than
	// MaxHoldingDays are always eligible.
	MinHoldingDays int
	MaxHoldingDays int

	// ReferenceDailyCost is the daily cost that earns the full cost
	// component (40 points).
	ReferenceDailyCost float64
	// ReferenceHoldingDays is the duration that earns the full duration
	// component (30 points).
	ReferenceHoldingDays int

	// HighCostThreshold marks a position cost-driven with immediate urgency.
	// ModerateCostThreshold enables the rebuild recommendation for
	// cost-driven proposals.
	HighCostThreshold     float64
	ModerateCostThreshold float64

	// LargeLoss and ModerateProfit split the profit component. Both are
	// absolute amounts; LargeLoss compares against -LargeLoss.
	LargeLoss      float64
	ModerateProfit float64

	// SavingsHorizonDays is the flat horizon used for estimated savings.
	SavingsHorizonDays int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinHoldingDays:        3,
		MaxHoldingDays:        30,
		ReferenceDailyCost:    20.0,
		ReferenceHoldingDays:  30,
		HighCostThreshold:     15.0,
		ModerateCostThreshold: 8.0,
		LargeLoss:             500.0,
		ModerateProfit:        200.0,
		SavingsHorizonDays:    30,
	}
}

// Component caps for the composite score.
const (
	maxCostComponent     = 40.0
	maxDurationComponent = 30.0
	maxProfitComponent   = 30.0

	partialProfitPoints = 15.0
	minorLossPoints     = 5.0
)

// Engine scores positions into close proposals.
type Engine struct {
	model  *cost.Model
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine using the given cost model and thresholds.
func NewEngine(model *cost.Model, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		model:  model,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scoring_engine")),
	}
}

// Eligible reports whether a position qualifies for scoring at the given
// time: held at least MinHoldingDays, with no upper bound once past
// MaxHoldingDays.
func (e *Engine) Eligible(p domain.Position, now time.Time) bool {
	if p.Status != domain.PositionStatusOpen {
		return false
	}
	return p.HoldingDays(now) >= e.cfg.MinHoldingDays
}

// Evaluate scores a single position. ok is false when the position is not
// eligible.
func (e *Engine) Evaluate(p domain.Position, now time.Time) (domain.CloseProposal, bool) {
	if !e.Eligible(p, now) {
		return domain.CloseProposal{}, false
	}

	daily := e.model.DailyCost(p)
	days := p.HoldingDays(now)

	costScore := scale(daily, e.cfg.ReferenceDailyCost, maxCostComponent)
	durationScore := scale(float64(days), float64(e.cfg.ReferenceHoldingDays), maxDurationComponent)
	profitScore := e.profitComponent(p.UnrealizedProfit)

	score := costScore + durationScore + profitScore
	reason, urgency := e.classify(p, daily, days, costScore, durationScore)

	prop := domain.CloseProposal{
		PositionID:         p.ID,
		Reason:             reason,
		Priority:           priorityFor(score),
		Urgency:            urgency,
		Score:              score,
		EstimatedSavings:   e.model.ProjectedSavings(p, e.cfg.SavingsHorizonDays),
		RebuildRecommended: e.rebuildRecommended(reason, daily),
		GeneratedAt:        now,
	}

	e.logger.Debug("position scored",
		slog.String("position_id", p.ID),
		slog.Float64("score", score),
		slog.String("reason", string(reason)),
	)
	return prop, true
}

// ScoreAll evaluates every eligible position and returns proposals sorted by
// composite score descending. Equal scores are ordered by position id
// ascending; callers must not rely on any other tie-break.
func (e *Engine) ScoreAll(positions []domain.Position, now time.Time) []domain.CloseProposal {
	proposals := make([]domain.CloseProposal, 0, len(positions))
	for _, p := range positions {
		if prop, ok := e.Evaluate(p, now); ok {
			proposals = append(proposals, prop)
		}
	}

	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].Score != proposals[j].Score {
			return proposals[i].Score > proposals[j].Score
		}
		return proposals[i].PositionID < proposals[j].PositionID
	})
	return proposals
}

// profitComponent maps unrealized profit to its capped score contribution:
// large loss earns the maximum, moderate profit a partial score, any other
// loss a small score, breakeven nothing.
func (e *Engine) profitComponent(pnl float64) float64 {
	switch {
	case pnl <= -e.cfg.LargeLoss:
		return maxProfitComponent
	case pnl >= e.cfg.ModerateProfit:
		return partialProfitPoints
	case pnl < 0:
		return minorLossPoints
	default:
		return 0
	}
}

// classify picks the proposal reason from the dominant signal, in fixed
// precedence: large loss, moderate profit, high daily cost, long holding.
func (e *Engine) classify(p domain.Position, daily float64, days int, costScore, durationScore float64) (domain.CloseReason, domain.Urgency) {
	switch {
	case p.UnrealizedProfit <= -e.cfg.LargeLoss:
		return domain.ReasonRiskManagement, domain.UrgencyImmediate
	case p.UnrealizedProfit >= e.cfg.ModerateProfit:
		return domain.ReasonProfitTarget, domain.UrgencyToday
	case daily > e.cfg.HighCostThreshold:
		return domain.ReasonCostDriven, domain.UrgencyImmediate
	case days > e.cfg.MaxHoldingDays:
		// Far past the bound means act today; just past it can wait.
		if float64(days) > float64(e.cfg.MaxHoldingDays)*1.5 {
			return domain.ReasonLongHolding, domain.UrgencyToday
		}
		return domain.ReasonLongHolding, domain.UrgencyThisWeek
	case costScore >= durationScore:
		return domain.ReasonCostDriven, domain.UrgencyOptional
	default:
		return domain.ReasonLongHolding, domain.UrgencyOptional
	}
}

func (e *Engine) rebuildRecommended(reason domain.CloseReason, daily float64) bool {
	switch reason {
	case domain.ReasonRiskManagement:
		return false
	case domain.ReasonProfitTarget:
		return true
	case domain.ReasonCostDriven:
		return daily > e.cfg.ModerateCostThreshold
	default:
		return false
	}
}

// scale maps value linearly against a reference, capped at max.
func scale(value, reference, max float64) float64 {
	if reference <= 0 || value <= 0 {
		return 0
	}
	s := value / reference * max
	if s > max {
		return max
	}
	return s
}

func priorityFor(score float64) domain.Priority {
	switch {
	case score > 80:
		return domain.PriorityHigh
	case score > 50:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}
