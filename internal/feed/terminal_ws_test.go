package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hedgesystem/closebot/internal/domain"
)

type memTelemetry struct {
	markets map[string]domain.MarketCondition
	account domain.AccountStatus
	system  domain.SystemStatus
}

func newMemTelemetry() *memTelemetry {
	return &memTelemetry{markets: make(map[string]domain.MarketCondition)}
}

func (t *memTelemetry) SetMarketCondition(_ context.Context, mc domain.MarketCondition) error {
	t.markets[mc.Symbol] = mc
	return nil
}

func (t *memTelemetry) MarketCondition(_ context.Context, symbol string) (domain.MarketCondition, error) {
	mc, ok := t.markets[symbol]
	if !ok {
		return domain.MarketCondition{}, domain.ErrNotFound
	}
	return mc, nil
}

func (t *memTelemetry) SetAccountStatus(_ context.Context, as domain.AccountStatus) error {
	t.account = as
	return nil
}

func (t *memTelemetry) AccountStatus(_ context.Context) (domain.AccountStatus, error) {
	return t.account, nil
}

func (t *memTelemetry) SetSystemStatus(_ context.Context, ss domain.SystemStatus) error {
	t.system = ss
	return nil
}

func (t *memTelemetry) SystemStatus(_ context.Context) (domain.SystemStatus, error) {
	return t.system, nil
}

type memPositions struct {
	upserts []domain.Position
}

func (s *memPositions) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (s *memPositions) ListOpen(context.Context) ([]domain.Position, error) { return nil, nil }

func (s *memPositions) Upsert(_ context.Context, p domain.Position) error {
	s.upserts = append(s.upserts, p)
	return nil
}

func (s *memPositions) MarkClosed(context.Context, string, float64, float64) error { return nil }

func testFeed(telemetry domain.TelemetryCache, positions domain.PositionStore) *TerminalFeed {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTerminalFeed(DefaultConfig(), telemetry, positions, logger)
}

func TestMarketFrameUpdatesCache(t *testing.T) {
	telemetry := newMemTelemetry()
	f := testFeed(telemetry, nil)

	f.handleFrame(context.Background(), []byte(`{
		"type": "market",
		"data": {"symbol": "EURUSD", "market_open": true, "spread_pips": 1.8, "high_volatility": true}
	}`))

	mc, err := telemetry.MarketCondition(context.Background(), "EURUSD")
	require.NoError(t, err)
	require.True(t, mc.MarketOpen)
	require.True(t, mc.HighVolatility)
	require.InDelta(t, 1.8, mc.SpreadPips, 1e-9)
	require.WithinDuration(t, time.Now(), mc.UpdatedAt, time.Second)
}

func TestAccountAndSystemFrames(t *testing.T) {
	telemetry := newMemTelemetry()
	f := testFeed(telemetry, nil)
	ctx := context.Background()

	f.handleFrame(ctx, []byte(`{
		"type": "account",
		"data": {"connected": true, "balance": 25000, "equity": 24500, "margin_level": 320}
	}`))
	f.handleFrame(ctx, []byte(`{
		"type": "system",
		"data": {"market_data_connected": true, "execution_connected": false}
	}`))

	as, err := telemetry.AccountStatus(ctx)
	require.NoError(t, err)
	require.True(t, as.Connected)
	require.InDelta(t, 320.0, as.MarginLevel, 1e-9)

	ss, err := telemetry.SystemStatus(ctx)
	require.NoError(t, err)
	require.True(t, ss.MarketDataConnected)
	require.False(t, ss.ExecutionConnected)
}

func TestPositionFrameUpserts(t *testing.T) {
	telemetry := newMemTelemetry()
	positions := &memPositions{}
	f := testFeed(telemetry, positions)

	openedAt := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	f.handleFrame(context.Background(), []byte(`{
		"type": "position",
		"data": {
			"id": "pos-7", "symbol": "GBPUSD", "side": "short", "lots": 0.5,
			"open_price": 1.27, "current_price": 1.265, "unrealized_profit": 25.0,
			"status": "open", "opened_at": `+"1743498000"+`
		}
	}`))

	require.Len(t, positions.upserts, 1)
	p := positions.upserts[0]
	require.Equal(t, "pos-7", p.ID)
	require.Equal(t, domain.SideShort, p.Side)
	require.Equal(t, domain.PositionStatusOpen, p.Status)
	require.True(t, p.OpenedAt.Equal(openedAt), "opened_at parsed from unix seconds")
}

func TestMalformedFramesIgnored(t *testing.T) {
	telemetry := newMemTelemetry()
	f := testFeed(telemetry, nil)
	ctx := context.Background()

	f.handleFrame(ctx, []byte(`not json`))
	f.handleFrame(ctx, []byte(`{"type": "market", "data": "oops"}`))
	f.handleFrame(ctx, []byte(`{"type": "mystery"}`))

	_, err := telemetry.MarketCondition(ctx, "EURUSD")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
