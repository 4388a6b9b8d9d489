// Package cost computes carrying (swap) costs for open positions. All
// functions are pure with respect to their inputs; the evaluation time is
// passed in explicitly so callers and tests control the clock.
package cost

import (
	"math"
	"time"

	"github.com/hedgesystem/closebot/internal/domain"
)

// RateSource resolves the signed per-lot daily swap rate for a symbol and
// side. ok is false when no rate is known for the instrument.
type RateSource interface {
	SwapRate(symbol string, side domain.Side) (rate float64, ok bool)
}

// Config holds the model's tunables.
type Config struct {
	// DefaultRate is the conservative per-lot daily rate assumed for
	// instruments with no published swap rate. A position must never be
	// un-scoreable because market data is missing.
	DefaultRate float64
	// TripleSwapDay is the mid-week rollover day on which the daily cost is
	// charged three times to cover the weekend.
	TripleSwapDay time.Weekday
}

// DefaultConfig returns the standard FX convention: Wednesday triple swap
// and a conservative 2.0 per-lot default rate.
func DefaultConfig() Config {
	return Config{
		DefaultRate:   2.0,
		TripleSwapDay: time.Wednesday,
	}
}

// Model computes carrying costs from a rate source.
type Model struct {
	rates RateSource
	cfg   Config
}

// NewModel creates a Model. A nil rates source means every instrument falls
// back to the default rate.
func NewModel(rates RateSource, cfg Config) *Model {
	return &Model{rates: rates, cfg: cfg}
}

// EffectiveRate returns the signed per-lot daily rate used for the position,
// falling back to the default rate when the instrument has none.
func (m *Model) EffectiveRate(p domain.Position) float64 {
	if m.rates != nil {
		if rate, ok := m.rates.SwapRate(p.Symbol, p.Side); ok {
			return rate
		}
	}
	// Fallback is always treated as a cost.
	return -math.Abs(m.cfg.DefaultRate)
}

// DailyCost returns the absolute daily carrying cost of the position.
func (m *Model) DailyCost(p domain.Position) float64 {
	return math.Abs(m.EffectiveRate(p)) * p.Lots
}

// DailyCostOn returns the carrying cost charged on the given day, tripled on
// the configured rollover day.
func (m *Model) DailyCostOn(p domain.Position, day time.Time) float64 {
	daily := m.DailyCost(p)
	if day.Weekday() == m.cfg.TripleSwapDay {
		return daily * 3
	}
	return daily
}

// CumulativeCost returns dailyCost times the swap-charged holding days at
// the given evaluation time.
func (m *Model) CumulativeCost(p domain.Position, now time.Time) float64 {
	return m.DailyCost(p) * float64(p.HoldingDays(now))
}

// ProjectedSavings returns the carrying cost avoided by closing now and
// staying flat for the given number of days.
func (m *Model) ProjectedSavings(p domain.Position, days int) float64 {
	if days < 0 {
		days = 0
	}
	return m.DailyCost(p) * float64(days)
}

// Evaluate computes the full cost breakdown for a position.
func (m *Model) Evaluate(p domain.Position, now time.Time) domain.CarryingCostInfo {
	daily := m.DailyCost(p)
	return domain.CarryingCostInfo{
		PositionID:     p.ID,
		DailyCost:      daily,
		WeeklyCost:     daily * 7,
		MonthlyCost:    daily * 30,
		YearlyCost:     daily * 365,
		CumulativeCost: daily * float64(p.HoldingDays(now)),
		EffectiveRate:  m.EffectiveRate(p),
	}
}

// TableRates is a RateSource backed by a static table, typically loaded from
// configuration. Keys are instrument symbols.
type TableRates map[string]SymbolRates

// SymbolRates holds the signed per-lot daily swap rates for both sides of an
// instrument.
type SymbolRates struct {
	Long  float64
	Short float64
}

// SwapRate implements RateSource.
func (t TableRates) SwapRate(symbol string, side domain.Side) (float64, bool) {
	r, ok := t[symbol]
	if !ok {
		return 0, false
	}
	if side == domain.SideLong {
		return r.Long, true
	}
	return r.Short, true
}
