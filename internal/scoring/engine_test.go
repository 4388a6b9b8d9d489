package scoring

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hedgesystem/closebot/internal/cost"
	"github.com/hedgesystem/closebot/internal/domain"
)

var testNow = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

func testEngine(rates cost.TableRates) *Engine {
	model := cost.NewModel(rates, cost.DefaultConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(model, DefaultConfig(), logger)
}

func openPosition(id string, daysHeld int, pnl float64) domain.Position {
	return domain.Position{
		ID:               id,
		Symbol:           "EURUSD",
		Side:             domain.SideLong,
		Lots:             1.0,
		UnrealizedProfit: pnl,
		Status:           domain.PositionStatusOpen,
		OpenedAt:         testNow.Add(-time.Duration(daysHeld) * 24 * time.Hour),
	}
}

// TestLargeLossScoresRiskManagement: cost 20/day, 20 days held, large loss
// must score >= 90 with priority high, urgency immediate, reason risk.
func TestLargeLossScoresRiskManagement(t *testing.T) {
	e := testEngine(cost.TableRates{"EURUSD": {Long: -20.0, Short: 0}})

	p := openPosition("pos-1", 20, -600.0)
	prop, ok := e.Evaluate(p, testNow)
	require.True(t, ok)

	require.GreaterOrEqual(t, prop.Score, 90.0)
	require.Equal(t, domain.PriorityHigh, prop.Priority)
	require.Equal(t, domain.UrgencyImmediate, prop.Urgency)
	require.Equal(t, domain.ReasonRiskManagement, prop.Reason)
	require.False(t, prop.RebuildRecommended, "risk closes must never recommend rebuild")
}

// TestEligibilityBounds: positions under the minimum holding days are not
// scored; positions past the maximum always are.
func TestEligibilityBounds(t *testing.T) {
	e := testEngine(cost.TableRates{"EURUSD": {Long: -5.0, Short: 0}})

	_, ok := e.Evaluate(openPosition("young", 1, 0), testNow)
	require.False(t, ok)

	_, ok = e.Evaluate(openPosition("old", 90, 0), testNow)
	require.True(t, ok)

	_, ok = e.Evaluate(openPosition("closed", 20, 0), testNow)
	require.True(t, ok)
	closed := openPosition("closed", 20, 0)
	closed.Status = domain.PositionStatusClosed
	_, ok = e.Evaluate(closed, testNow)
	require.False(t, ok)
}

// TestReasonSelection walks the dominant-signal precedence.
func TestReasonSelection(t *testing.T) {
	e := testEngine(cost.TableRates{
		"EURUSD": {Long: -18.0, Short: 0}, // above high-cost threshold 15
	})

	cases := []struct {
		name    string
		pos     domain.Position
		reason  domain.CloseReason
		urgency domain.Urgency
		rebuild bool
	}{
		{
			name:    "moderate profit wins over cost",
			pos:     openPosition("p1", 10, 300.0),
			reason:  domain.ReasonProfitTarget,
			urgency: domain.UrgencyToday,
			rebuild: true,
		},
		{
			name:    "high daily cost",
			pos:     openPosition("p2", 10, 0),
			reason:  domain.ReasonCostDriven,
			urgency: domain.UrgencyImmediate,
			rebuild: true, // 18/day is above the moderate-cost threshold
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prop, ok := e.Evaluate(tc.pos, testNow)
			require.True(t, ok)
			require.Equal(t, tc.reason, prop.Reason)
			require.Equal(t, tc.urgency, prop.Urgency)
			require.Equal(t, tc.rebuild, prop.RebuildRecommended)
		})
	}
}

// TestLongHoldingUrgency: urgency depends on how far past the bound.
func TestLongHoldingUrgency(t *testing.T) {
	e := testEngine(cost.TableRates{"EURUSD": {Long: -2.0, Short: 0}})

	justPast, ok := e.Evaluate(openPosition("p1", 35, 0), testNow)
	require.True(t, ok)
	require.Equal(t, domain.ReasonLongHolding, justPast.Reason)
	require.Equal(t, domain.UrgencyThisWeek, justPast.Urgency)

	farPast, ok := e.Evaluate(openPosition("p2", 60, 0), testNow)
	require.True(t, ok)
	require.Equal(t, domain.ReasonLongHolding, farPast.Reason)
	require.Equal(t, domain.UrgencyToday, farPast.Urgency)
}

// TestScoreAllOrdering: descending by score, ties broken by id ascending.
func TestScoreAllOrdering(t *testing.T) {
	e := testEngine(cost.TableRates{"EURUSD": {Long: -10.0, Short: -10.0}})

	positions := []domain.Position{
		openPosition("b", 10, 0),
		openPosition("c", 25, -600.0),
		openPosition("a", 10, 0), // identical inputs to "b": tie
	}
	proposals := e.ScoreAll(positions, testNow)
	require.Len(t, proposals, 3)

	require.Equal(t, "c", proposals[0].PositionID)
	require.Equal(t, "a", proposals[1].PositionID)
	require.Equal(t, "b", proposals[2].PositionID)
	require.GreaterOrEqual(t, proposals[0].Score, proposals[1].Score)
	require.Equal(t, proposals[1].Score, proposals[2].Score)
}

// TestComponentCaps: the composite never exceeds 100 and each component is
// capped.
func TestComponentCaps(t *testing.T) {
	e := testEngine(cost.TableRates{"EURUSD": {Long: -500.0, Short: 0}})

	prop, ok := e.Evaluate(openPosition("p1", 400, -10000.0), testNow)
	require.True(t, ok)
	require.LessOrEqual(t, prop.Score, 100.0)
	require.Equal(t, 100.0, prop.Score)
}
