package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/hedgesystem/closebot/internal/domain"
)

// SimExecutor fills closes from the position's cached prices without talking
// to a terminal. Used in dry-run mode.
type SimExecutor struct {
	// Latency is an artificial fill delay, honoring the context.
	Latency time.Duration
	// SlippagePips shifts market fills against the position, in price units.
	SlippagePips float64

	logger *slog.Logger
}

// NewSimExecutor creates a SimExecutor.
func NewSimExecutor(latency time.Duration, slippagePips float64, logger *slog.Logger) *SimExecutor {
	return &SimExecutor{
		Latency:      latency,
		SlippagePips: slippagePips,
		logger:       logger.With(slog.String("component", "sim_executor")),
	}
}

// ExecuteClose fills a market close at the current price adjusted for
// slippage, and a limit close at the requested price.
func (s *SimExecutor) ExecuteClose(ctx context.Context, req domain.CloseRequest, pos domain.Position) (float64, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	price := pos.CurrentPrice
	if req.Mode == domain.CloseModeLimit {
		price = req.LimitPrice
	} else if s.SlippagePips != 0 {
		// Slippage always hurts: a long sells lower, a short buys higher.
		if pos.Side == domain.SideShort {
			price += s.SlippagePips
		} else {
			price -= s.SlippagePips
		}
	}

	s.logger.Debug("simulated fill",
		slog.String("position_id", pos.ID),
		slog.String("mode", string(req.Mode)),
		slog.Float64("price", price),
	)
	return price, nil
}
