package validate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hedgesystem/closebot/internal/domain"
)

// fakeResolver serves positions from a map, returning domain.ErrNotFound for
// unknown ids.
type fakeResolver struct {
	positions map[string]domain.Position
}

func (f *fakeResolver) GetByID(_ context.Context, id string) (domain.Position, error) {
	p, ok := f.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func testValidator(positions ...domain.Position) *Validator {
	m := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		m[p.ID] = p
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewValidator(&fakeResolver{positions: m}, DefaultConfig(), logger)
}

func openPos(id, symbol string, side domain.Side, lots, current float64) domain.Position {
	return domain.Position{
		ID: id, Symbol: symbol, Side: side, Lots: lots,
		OpenPrice: current, CurrentPrice: current,
		Status: domain.PositionStatusOpen, OpenedAt: time.Now().Add(-24 * time.Hour),
	}
}

// TestLimitWithoutPriceIsInvalid: mode=limit with no limit price must be
// rejected before reaching the orchestrator.
func TestLimitWithoutPriceIsInvalid(t *testing.T) {
	v := testValidator(openPos("pos-1", "EURUSD", domain.SideLong, 1, 1.10))

	res, err := v.ValidateRequest(context.Background(), domain.CloseRequest{
		ID: "req-1", PositionID: "pos-1", Mode: domain.CloseModeLimit,
	})
	require.NoError(t, err)
	require.False(t, res.Valid())
	require.Error(t, res.Err())
	require.ErrorIs(t, res.Err(), domain.ErrInvalidRequest)
}

// TestMarketRequestValid: a plain market close of an open position passes.
func TestMarketRequestValid(t *testing.T) {
	v := testValidator(openPos("pos-1", "EURUSD", domain.SideLong, 1, 1.10))

	res, err := v.ValidateRequest(context.Background(), domain.CloseRequest{
		ID: "req-1", PositionID: "pos-1", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.True(t, res.Valid())
	require.NoError(t, res.Err())
}

// TestUnknownPosition is a validation error, not an infrastructure error.
func TestUnknownPosition(t *testing.T) {
	v := testValidator()

	res, err := v.ValidateRequest(context.Background(), domain.CloseRequest{
		ID: "req-1", PositionID: "ghost", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.False(t, res.Valid())
	require.Equal(t, "unknown_position", res.Errors[0].Code)
}

// TestTrailRules: incomplete trail errors; start below trail offset warns of
// immediate trigger but stays valid.
func TestTrailRules(t *testing.T) {
	v := testValidator(openPos("pos-1", "EURUSD", domain.SideLong, 1, 1.10))
	ctx := context.Background()

	res, err := v.ValidateRequest(ctx, domain.CloseRequest{
		ID: "r1", PositionID: "pos-1", Mode: domain.CloseModeMarket,
		Trail: &domain.TrailSettings{StartOffset: 10},
	})
	require.NoError(t, err)
	require.False(t, res.Valid())
	require.Equal(t, "incomplete_trail", res.Errors[0].Code)

	res, err = v.ValidateRequest(ctx, domain.CloseRequest{
		ID: "r2", PositionID: "pos-1", Mode: domain.CloseModeMarket,
		Trail: &domain.TrailSettings{StartOffset: 3, TrailOffset: 8},
	})
	require.NoError(t, err)
	require.True(t, res.Valid(), "immediate-trigger risk is a warning, not an error")
	require.Equal(t, "immediate_trigger_risk", res.Warnings[0].Code)
}

// TestProfitReducingLimitWarns: a long closed below market warns but stays
// valid.
func TestProfitReducingLimitWarns(t *testing.T) {
	v := testValidator(openPos("pos-1", "EURUSD", domain.SideLong, 1, 1.10))

	res, err := v.ValidateRequest(context.Background(), domain.CloseRequest{
		ID: "req-1", PositionID: "pos-1",
		Mode: domain.CloseModeLimit, LimitPrice: 1.09,
	})
	require.NoError(t, err)
	require.True(t, res.Valid())

	codes := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		codes = append(codes, w.Code)
	}
	require.Contains(t, codes, "profit_reducing_price")
}

// TestLinkedActionRules covers self-reference, unknown target, closed
// target, and hedge-removal warning.
func TestLinkedActionRules(t *testing.T) {
	long := openPos("pos-1", "EURUSD", domain.SideLong, 1.0, 1.10)
	short := openPos("pos-2", "EURUSD", domain.SideShort, 1.0, 1.10)
	closed := openPos("pos-3", "EURUSD", domain.SideShort, 1.0, 1.10)
	closed.Status = domain.PositionStatusClosed
	v := testValidator(long, short, closed)
	ctx := context.Background()

	res, err := v.ValidateRequest(ctx, domain.CloseRequest{
		ID: "r1", PositionID: "pos-1", Mode: domain.CloseModeMarket,
		Linked: &domain.LinkedAction{TargetID: "pos-1", Action: domain.LinkedActionClose},
	})
	require.NoError(t, err)
	require.Equal(t, "self_reference", res.Errors[0].Code)

	res, err = v.ValidateRequest(ctx, domain.CloseRequest{
		ID: "r2", PositionID: "pos-1", Mode: domain.CloseModeMarket,
		Linked: &domain.LinkedAction{TargetID: "ghost", Action: domain.LinkedActionClose},
	})
	require.NoError(t, err)
	require.Equal(t, "unknown_position", res.Errors[0].Code)

	res, err = v.ValidateRequest(ctx, domain.CloseRequest{
		ID: "r3", PositionID: "pos-1", Mode: domain.CloseModeMarket,
		Linked: &domain.LinkedAction{TargetID: "pos-3", Action: domain.LinkedActionClose},
	})
	require.NoError(t, err)
	require.Equal(t, "position_not_open", res.Errors[0].Code)

	res, err = v.ValidateRequest(ctx, domain.CloseRequest{
		ID: "r4", PositionID: "pos-1", Mode: domain.CloseModeMarket,
		Linked: &domain.LinkedAction{TargetID: "pos-2", Action: domain.LinkedActionClose},
	})
	require.NoError(t, err)
	require.True(t, res.Valid())
	require.Equal(t, "hedge_removal", res.Warnings[0].Code)
}

// TestBatchValidation: unresolved ids are per-item errors; valid items stay
// valid; duplicates and limit mode are batch-level errors.
func TestBatchValidation(t *testing.T) {
	v := testValidator(
		openPos("pos-1", "EURUSD", domain.SideLong, 1, 1.10),
		openPos("pos-2", "USDJPY", domain.SideShort, 1, 150.0),
	)
	ctx := context.Background()

	res, err := v.ValidateBatch(ctx, domain.BatchCloseRequest{
		ID: "b1", PositionIDs: []string{"pos-1", "ghost", "pos-2"},
		Mode: domain.CloseModeMarket, Priority: domain.BatchPriorityNormal,
	})
	require.NoError(t, err)
	require.True(t, res.Result.Valid(), "batch structure is fine")
	require.False(t, res.Valid(), "one item failed to resolve")
	require.Len(t, res.Items, 3)
	require.True(t, res.Items[0].Valid())
	require.False(t, res.Items[1].Valid())
	require.True(t, res.Items[2].Valid())

	res, err = v.ValidateBatch(ctx, domain.BatchCloseRequest{
		ID: "b2", PositionIDs: []string{"pos-1", "pos-1"}, Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.False(t, res.Result.Valid())
	require.Equal(t, "duplicate_position", res.Result.Errors[0].Code)

	res, err = v.ValidateBatch(ctx, domain.BatchCloseRequest{
		ID: "b3", PositionIDs: []string{"pos-1"}, Mode: domain.CloseModeLimit,
	})
	require.NoError(t, err)
	require.Equal(t, "unsupported_mode", res.Result.Errors[0].Code)

	res, err = v.ValidateBatch(ctx, domain.BatchCloseRequest{
		ID: "b4", Mode: domain.CloseModeMarket,
	})
	require.NoError(t, err)
	require.False(t, res.Valid())
	require.Equal(t, "required", res.Result.Errors[0].Code)
}
