package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hedgesystem/closebot/internal/domain"
)

var testRates = TableRates{
	"EURUSD": {Long: -8.5, Short: 2.1},
	"USDJPY": {Long: 4.2, Short: -12.0},
}

func testPosition(symbol string, side domain.Side, lots float64, openedAt time.Time) domain.Position {
	return domain.Position{
		ID:       "pos-1",
		Symbol:   symbol,
		Side:     side,
		Lots:     lots,
		Status:   domain.PositionStatusOpen,
		OpenedAt: openedAt,
	}
}

// TestDailyCost checks dailyCost = |rate| * lots for both signed rates.
func TestDailyCost(t *testing.T) {
	m := NewModel(testRates, DefaultConfig())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	long := testPosition("EURUSD", domain.SideLong, 2.0, now)
	require.InDelta(t, 17.0, m.DailyCost(long), 1e-9)

	short := testPosition("EURUSD", domain.SideShort, 2.0, now)
	require.InDelta(t, 4.2, m.DailyCost(short), 1e-9)
}

// TestCumulativeAndProjections checks cumulative == daily * holdingDays and
// weekly == 7 * daily.
func TestCumulativeAndProjections(t *testing.T) {
	m := NewModel(testRates, DefaultConfig())
	opened := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	now := opened.Add(10*24*time.Hour + time.Hour) // 10 days + 1h -> 11 swap days

	p := testPosition("EURUSD", domain.SideLong, 1.0, opened)
	info := m.Evaluate(p, now)

	require.Equal(t, 11, p.HoldingDays(now))
	require.InDelta(t, info.DailyCost*11, info.CumulativeCost, 1e-9)
	require.InDelta(t, info.DailyCost*7, info.WeeklyCost, 1e-9)
	require.InDelta(t, info.DailyCost*30, info.MonthlyCost, 1e-9)
	require.InDelta(t, info.DailyCost*365, info.YearlyCost, 1e-9)
	require.InDelta(t, -8.5, info.EffectiveRate, 1e-9)
}

// TestMissingRateFallsBack checks that an unknown instrument uses the
// conservative default rate instead of erroring.
func TestMissingRateFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRate = 2.0
	m := NewModel(testRates, cfg)

	p := testPosition("XAUUSD", domain.SideLong, 3.0, time.Now())
	require.InDelta(t, 6.0, m.DailyCost(p), 1e-9)
	require.InDelta(t, -2.0, m.EffectiveRate(p), 1e-9)
}

// TestTripleSwapDay checks the weekend adjustment on the rollover day.
func TestTripleSwapDay(t *testing.T) {
	m := NewModel(testRates, DefaultConfig())
	p := testPosition("EURUSD", domain.SideLong, 1.0, time.Now())

	wednesday := time.Date(2025, 3, 5, 23, 0, 0, 0, time.UTC)
	require.Equal(t, time.Wednesday, wednesday.Weekday())
	require.InDelta(t, m.DailyCost(p)*3, m.DailyCostOn(p, wednesday), 1e-9)

	thursday := wednesday.Add(24 * time.Hour)
	require.InDelta(t, m.DailyCost(p), m.DailyCostOn(p, thursday), 1e-9)
}

// TestProjectedSavings checks the flat-horizon savings helper.
func TestProjectedSavings(t *testing.T) {
	m := NewModel(testRates, DefaultConfig())
	p := testPosition("EURUSD", domain.SideLong, 1.0, time.Now())

	require.InDelta(t, m.DailyCost(p)*30, m.ProjectedSavings(p, 30), 1e-9)
	require.Zero(t, m.ProjectedSavings(p, -5))
}
