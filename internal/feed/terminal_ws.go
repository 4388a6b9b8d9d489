// Package feed streams market, account, system, and position telemetry from
// the trading terminal's websocket bridge into the telemetry cache and the
// position store.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hedgesystem/closebot/internal/domain"
)

// Config holds terminal feed connection parameters.
type Config struct {
	// URL is the terminal bridge websocket endpoint.
	URL string
	// Token authenticates the session; sent in the first frame.
	Token string
	// HeartbeatInterval spaces the outbound heartbeat frames.
	HeartbeatInterval time.Duration
	// ReconnectDelay spaces reconnect attempts after a drop.
	ReconnectDelay time.Duration
	// ReadTimeout bounds the wait for any inbound frame. The bridge sends
	// heartbeat replies, so a silent connection is a dead one.
	ReadTimeout time.Duration
}

// DefaultConfig returns the standard feed configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		ReconnectDelay:    2 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
}

// TerminalFeed maintains the websocket session with the terminal bridge,
// writing each telemetry frame to the cache and each position frame to the
// store. It reconnects with a fixed delay on disconnect.
type TerminalFeed struct {
	cfg       Config
	telemetry domain.TelemetryCache
	positions domain.PositionStore
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewTerminalFeed creates a TerminalFeed. The position store may be nil when
// only telemetry is wanted.
func NewTerminalFeed(cfg Config, telemetry domain.TelemetryCache, positions domain.PositionStore, logger *slog.Logger) *TerminalFeed {
	return &TerminalFeed{
		cfg:       cfg,
		telemetry: telemetry,
		positions: positions,
		logger:    logger.With(slog.String("component", "terminal_feed")),
		done:      make(chan struct{}),
	}
}

// envelope is the outer frame of every bridge message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type heartbeatFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type marketPayload struct {
	Symbol         string  `json:"symbol"`
	MarketOpen     bool    `json:"market_open"`
	SpreadPips     float64 `json:"spread_pips"`
	HighVolatility bool    `json:"high_volatility"`
	HighImpactNews bool    `json:"high_impact_news"`
	LowLiquidity   bool    `json:"low_liquidity"`
}

type accountPayload struct {
	Connected   bool    `json:"connected"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	MarginLevel float64 `json:"margin_level"`
}

type systemPayload struct {
	MarketDataConnected bool `json:"market_data_connected"`
	ExecutionConnected  bool `json:"execution_connected"`
}

type positionPayload struct {
	ID               string  `json:"id"`
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Lots             float64 `json:"lots"`
	OpenPrice        float64 `json:"open_price"`
	CurrentPrice     float64 `json:"current_price"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	LinkedID         string  `json:"linked_id"`
	Status           string  `json:"status"`
	OpenedAt         int64   `json:"opened_at"`
}

// Run connects and consumes frames until ctx is cancelled or Close is
// called. Reconnects with the configured delay on disconnect.
func (f *TerminalFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.markDisconnected(ctx)
		f.logger.Warn("terminal feed disconnected, reconnecting",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

func (f *TerminalFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := writeJSON(authFrame{Type: "auth", Token: f.cfg.Token}); err != nil {
		return fmt.Errorf("feed: auth: %w", err)
	}
	f.logger.Info("terminal feed connected", slog.String("url", f.cfg.URL))

	// Heartbeat writer. Stops with the connection.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go func() {
		ticker := time.NewTicker(f.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := writeJSON(heartbeatFrame{Type: "heartbeat", TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("feed: set read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleFrame(ctx, data)
	}
}

func (f *TerminalFeed) handleFrame(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Warn("unparseable frame", slog.String("error", err.Error()))
		return
	}

	switch env.Type {
	case "heartbeat", "auth_ok":
		// Liveness only.
	case "market":
		var p marketPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Warn("bad market frame", slog.String("error", err.Error()))
			return
		}
		mc := domain.MarketCondition{
			Symbol:         p.Symbol,
			MarketOpen:     p.MarketOpen,
			SpreadPips:     p.SpreadPips,
			HighVolatility: p.HighVolatility,
			HighImpactNews: p.HighImpactNews,
			LowLiquidity:   p.LowLiquidity,
			UpdatedAt:      time.Now(),
		}
		if err := f.telemetry.SetMarketCondition(ctx, mc); err != nil {
			f.logger.Warn("market snapshot write failed", slog.String("error", err.Error()))
		}
	case "account":
		var p accountPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Warn("bad account frame", slog.String("error", err.Error()))
			return
		}
		as := domain.AccountStatus{
			Connected:   p.Connected,
			Balance:     p.Balance,
			Equity:      p.Equity,
			MarginLevel: p.MarginLevel,
			UpdatedAt:   time.Now(),
		}
		if err := f.telemetry.SetAccountStatus(ctx, as); err != nil {
			f.logger.Warn("account snapshot write failed", slog.String("error", err.Error()))
		}
	case "system":
		var p systemPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Warn("bad system frame", slog.String("error", err.Error()))
			return
		}
		ss := domain.SystemStatus{
			MarketDataConnected: p.MarketDataConnected,
			ExecutionConnected:  p.ExecutionConnected,
			UpdatedAt:           time.Now(),
		}
		if err := f.telemetry.SetSystemStatus(ctx, ss); err != nil {
			f.logger.Warn("system snapshot write failed", slog.String("error", err.Error()))
		}
	case "position":
		if f.positions == nil {
			return
		}
		var p positionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Warn("bad position frame", slog.String("error", err.Error()))
			return
		}
		pos := domain.Position{
			ID:               p.ID,
			Symbol:           p.Symbol,
			Side:             domain.Side(p.Side),
			Lots:             p.Lots,
			OpenPrice:        p.OpenPrice,
			CurrentPrice:     p.CurrentPrice,
			UnrealizedProfit: p.UnrealizedProfit,
			LinkedID:         p.LinkedID,
			Status:           domain.PositionStatus(p.Status),
			OpenedAt:         time.Unix(p.OpenedAt, 0),
			UpdatedAt:        time.Now(),
		}
		if err := f.positions.Upsert(ctx, pos); err != nil {
			f.logger.Warn("position upsert failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	default:
		f.logger.Debug("unknown frame type", slog.String("type", env.Type))
	}
}

// markDisconnected records the transport loss so prechecks block until the
// session is back.
func (f *TerminalFeed) markDisconnected(ctx context.Context) {
	ss := domain.SystemStatus{
		MarketDataConnected: false,
		ExecutionConnected:  false,
		UpdatedAt:           time.Now(),
	}
	if err := f.telemetry.SetSystemStatus(ctx, ss); err != nil {
		f.logger.Warn("system snapshot write failed", slog.String("error", err.Error()))
	}
}

// Close stops the feed.
func (f *TerminalFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
