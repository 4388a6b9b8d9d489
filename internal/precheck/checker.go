// Package precheck gates close requests against position, market, account,
// and system preconditions. Checks are independent; evaluation order only
// determines report ordering, never the outcome.
package precheck

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hedgesystem/closebot/internal/domain"
)

// Config holds the precheck thresholds.
type Config struct {
	// StalenessMinutes is the age past which position/account telemetry is
	// flagged stale.
	StalenessMinutes int
	// LossWarnPct flags an unrealized loss exceeding this percentage of the
	// position's notional.
	LossWarnPct float64
	// SpreadWarnPips warns about close cost; SpreadWaitPips additionally
	// recommends waiting.
	SpreadWarnPips float64
	SpreadWaitPips float64
	// MarginCriticalPct blocks the close; MarginWarnPct only warns.
	MarginCriticalPct float64
	MarginWarnPct     float64
	// PriceDeviationWarnPct warns when a limit price deviates from the
	// current price; PriceDeviationAdjustPct additionally recommends
	// adjusting the price.
	PriceDeviationWarnPct   float64
	PriceDeviationAdjustPct float64
	// Batch thresholds.
	BatchMaxPositions   int
	BatchMaxInstruments int
	BatchMaxLots        float64
	// LotEpsilon is the lot-size tolerance for hedge-pair detection.
	LotEpsilon float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		StalenessMinutes:        5,
		LossWarnPct:             10.0,
		SpreadWarnPips:          3.0,
		SpreadWaitPips:          5.0,
		MarginCriticalPct:       50.0,
		MarginWarnPct:           100.0,
		PriceDeviationWarnPct:   1.0,
		PriceDeviationAdjustPct: 3.0,
		BatchMaxPositions:       10,
		BatchMaxInstruments:     5,
		BatchMaxLots:            20.0,
		LotEpsilon:              0.01,
	}
}

// Snapshot bundles the already-resolved telemetry a check runs against. The
// checker never fetches data itself; callers resolve snapshots first.
type Snapshot struct {
	Position domain.Position
	Market   domain.MarketCondition
	Account  domain.AccountStatus
	System   domain.SystemStatus
}

// Checker evaluates pre-close rules.
type Checker struct {
	cfg    Config
	logger *slog.Logger
}

// NewChecker creates a Checker.
func NewChecker(cfg Config, logger *slog.Logger) *Checker {
	return &Checker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "precheck")),
	}
}

// Check evaluates all single-position rules for a close request and returns
// the aggregated verdict.
func (c *Checker) Check(req domain.CloseRequest, snap Snapshot, now time.Time) domain.PreCloseVerdict {
	var v domain.PreCloseVerdict

	c.checkPosition(&v, snap.Position, now)
	c.checkMarket(&v, snap.Market)
	c.checkAccount(&v, snap.Account, now)
	c.checkSystem(&v, snap.System)
	c.checkRequest(&v, req, snap.Position)

	c.logger.Debug("pre-close check completed",
		slog.String("position_id", req.PositionID),
		slog.Bool("can_proceed", v.CanProceed()),
		slog.Int("blockers", len(v.Blockers)),
		slog.Int("warnings", len(v.Warnings)),
	)
	return v
}

// CheckBatch evaluates the batch-level rules plus the per-position state,
// market, account, and system rules across all snapshots. Account and system
// rules are evaluated once against the first snapshot since they are
// account-global.
func (c *Checker) CheckBatch(req domain.BatchCloseRequest, snaps []Snapshot, now time.Time) domain.PreCloseVerdict {
	var v domain.PreCloseVerdict

	symbols := make(map[string]bool)
	totalLots := 0.0
	for i := range snaps {
		c.checkPosition(&v, snaps[i].Position, now)
		if !symbols[snaps[i].Position.Symbol] {
			symbols[snaps[i].Position.Symbol] = true
			c.checkMarket(&v, snaps[i].Market)
		}
		totalLots += snaps[i].Position.Lots
	}
	if len(snaps) > 0 {
		c.checkAccount(&v, snaps[0].Account, now)
		c.checkSystem(&v, snaps[0].System)
	}

	if len(req.PositionIDs) > c.cfg.BatchMaxPositions {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "batch", Code: "batch_too_large",
			Impact: fmt.Sprintf("%d positions exceeds the recommended maximum of %d", len(req.PositionIDs), c.cfg.BatchMaxPositions),
		})
		v.Recommendations = append(v.Recommendations, domain.Recommendation{
			Category: "batch", Action: "split the batch into smaller groups",
			Benefit: "reduces execution-channel load and failure blast radius",
		})
	}
	if len(symbols) > c.cfg.BatchMaxInstruments {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "batch", Code: "too_many_instruments",
			Impact: fmt.Sprintf("%d distinct instruments in one batch", len(symbols)),
		})
	}
	if totalLots > c.cfg.BatchMaxLots {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "batch", Code: "total_lots_high",
			Impact: fmt.Sprintf("total volume %.2f lots exceeds %.2f", totalLots, c.cfg.BatchMaxLots),
		})
	}
	if pairs := c.hedgePairs(snaps); len(pairs) > 0 {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "batch", Code: "hedge_pairs_in_batch",
			Impact: fmt.Sprintf("%d hedge pair(s) inside the batch; closing both legs removes the hedge", len(pairs)),
		})
		v.Recommendations = append(v.Recommendations, domain.Recommendation{
			Category: "batch", Action: "review hedge strategy before closing both legs",
			Benefit: "avoids unintentionally removing market-neutral protection",
		})
	}

	return v
}

// HedgePairs returns the hedge pairs detected among the given positions:
// same symbol, opposite sides, lot difference below the configured epsilon.
func (c *Checker) HedgePairs(positions []domain.Position) [][2]string {
	var pairs [][2]string
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			if domain.IsHedgePair(positions[i], positions[j], c.cfg.LotEpsilon) {
				pairs = append(pairs, [2]string{positions[i].ID, positions[j].ID})
			}
		}
	}
	return pairs
}

func (c *Checker) hedgePairs(snaps []Snapshot) [][2]string {
	positions := make([]domain.Position, len(snaps))
	for i := range snaps {
		positions[i] = snaps[i].Position
	}
	return c.HedgePairs(positions)
}

func (c *Checker) checkPosition(v *domain.PreCloseVerdict, p domain.Position, now time.Time) {
	if p.Status != domain.PositionStatusOpen {
		v.Blockers = append(v.Blockers, domain.Blocker{
			Category: "position", Code: "position_not_open",
			Severity:    domain.BlockerSeverityCritical,
			Message:     fmt.Sprintf("position %s is %s", p.ID, p.Status),
			PositionIDs: []string{p.ID},
		})
	}

	staleness := time.Duration(c.cfg.StalenessMinutes) * time.Minute
	if !p.UpdatedAt.IsZero() && now.Sub(p.UpdatedAt) > staleness {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "data", Code: "position_data_stale",
			Impact: fmt.Sprintf("position %s last updated %s ago", p.ID, now.Sub(p.UpdatedAt).Round(time.Second)),
		})
	}

	if notional := p.Notional(); notional > 0 && p.UnrealizedProfit < 0 {
		lossPct := -p.UnrealizedProfit / notional * 100
		if lossPct > c.cfg.LossWarnPct {
			v.Warnings = append(v.Warnings, domain.Warning{
				Category: "position", Code: "large_unrealized_loss",
				Impact: fmt.Sprintf("position %s loss is %.1f%% of notional", p.ID, lossPct),
			})
		}
	}
}

func (c *Checker) checkMarket(v *domain.PreCloseVerdict, m domain.MarketCondition) {
	if !m.MarketOpen {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "market", Code: "market_closed",
			Impact: "close orders will not execute until the market reopens",
		})
		v.Recommendations = append(v.Recommendations, domain.Recommendation{
			Category: "market", Action: "wait for the market to open",
			Benefit: "avoids queuing orders against a closed session",
		})
	}

	if m.SpreadPips > c.cfg.SpreadWarnPips {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "market", Code: "spread_high",
			Impact: fmt.Sprintf("spread %.1f pips increases close cost", m.SpreadPips),
		})
	}
	if m.SpreadPips > c.cfg.SpreadWaitPips {
		v.Recommendations = append(v.Recommendations, domain.Recommendation{
			Category: "market", Action: "wait for the spread to normalize",
			Benefit: fmt.Sprintf("spread above %.1f pips; waiting reduces slippage", c.cfg.SpreadWaitPips),
		})
	}

	if m.HighVolatility {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "market", Code: "high_volatility",
			Impact: "market orders may fill far from the quoted price",
		})
		v.Recommendations = append(v.Recommendations, domain.Recommendation{
			Category: "market", Action: "use limit orders",
			Benefit: "caps the worst-case fill price during volatile moves",
		})
	}

	if m.HighImpactNews {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "market", Code: "news_pending",
			Impact: "high-severity scheduled news events are pending",
		})
	}

	if m.LowLiquidity {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "market", Code: "low_liquidity",
			Impact: "thin book; large closes may move the price",
		})
	}
}

func (c *Checker) checkAccount(v *domain.PreCloseVerdict, a domain.AccountStatus, now time.Time) {
	if !a.Connected {
		v.Blockers = append(v.Blockers, domain.Blocker{
			Category: "account", Code: "account_disconnected",
			Severity: domain.BlockerSeverityCritical,
			Message:  "trading account is disconnected",
		})
	}

	// MarginLevel zero means no margin in use; skip the margin gates then.
	if a.MarginLevel > 0 {
		if a.MarginLevel < c.cfg.MarginCriticalPct {
			v.Blockers = append(v.Blockers, domain.Blocker{
				Category: "account", Code: "margin_critical",
				Severity: domain.BlockerSeverityHigh,
				Message:  fmt.Sprintf("margin level %.1f%% below critical threshold %.1f%%", a.MarginLevel, c.cfg.MarginCriticalPct),
			})
		} else if a.MarginLevel < c.cfg.MarginWarnPct {
			v.Warnings = append(v.Warnings, domain.Warning{
				Category: "account", Code: "margin_low",
				Impact: fmt.Sprintf("margin level %.1f%% below %.1f%%", a.MarginLevel, c.cfg.MarginWarnPct),
			})
		}
	}

	if a.Balance <= 0 {
		v.Blockers = append(v.Blockers, domain.Blocker{
			Category: "account", Code: "balance_non_positive",
			Severity: domain.BlockerSeverityCritical,
			Message:  fmt.Sprintf("account balance %.2f", a.Balance),
		})
	}

	staleness := time.Duration(c.cfg.StalenessMinutes) * time.Minute
	if !a.UpdatedAt.IsZero() && now.Sub(a.UpdatedAt) > staleness {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "data", Code: "account_data_stale",
			Impact: fmt.Sprintf("account status last updated %s ago", now.Sub(a.UpdatedAt).Round(time.Second)),
		})
	}
}

func (c *Checker) checkSystem(v *domain.PreCloseVerdict, s domain.SystemStatus) {
	if !s.MarketDataConnected {
		v.Blockers = append(v.Blockers, domain.Blocker{
			Category: "system", Code: "market_data_disconnected",
			Severity: domain.BlockerSeverityCritical,
			Message:  "market data channel is down",
		})
	}
	if !s.ExecutionConnected {
		v.Blockers = append(v.Blockers, domain.Blocker{
			Category: "system", Code: "execution_disconnected",
			Severity: domain.BlockerSeverityCritical,
			Message:  "execution channel is down",
		})
	}
}

func (c *Checker) checkRequest(v *domain.PreCloseVerdict, req domain.CloseRequest, p domain.Position) {
	if req.Mode == domain.CloseModeLimit && req.LimitPrice > 0 && p.CurrentPrice > 0 {
		deviationPct := math.Abs(req.LimitPrice-p.CurrentPrice) / p.CurrentPrice * 100
		if deviationPct > c.cfg.PriceDeviationWarnPct {
			v.Warnings = append(v.Warnings, domain.Warning{
				Category: "request", Code: "limit_price_deviation",
				Impact: fmt.Sprintf("limit price deviates %.2f%% from current price", deviationPct),
			})
		}
		if deviationPct > c.cfg.PriceDeviationAdjustPct {
			v.Recommendations = append(v.Recommendations, domain.Recommendation{
				Category: "request", Action: "adjust the limit price closer to market",
				Benefit: "an order far from market may never fill",
			})
		}
	}

	if req.Trail != nil && p.UnrealizedProfit < 0 {
		v.Warnings = append(v.Warnings, domain.Warning{
			Category: "request", Code: "trail_on_losing_position",
			Impact: "a trailing stop on a losing position may trigger immediately",
		})
	}
}
