// Package validate checks close requests for structural and business-rule
// correctness before they reach the orchestrator. Warnings never invalidate
// a request; a single error does.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/hedgesystem/closebot/internal/domain"
)

// PositionResolver resolves position ids for cross-field rules.
type PositionResolver interface {
	GetByID(ctx context.Context, id string) (domain.Position, error)
}

// Issue is one validation finding.
type Issue struct {
	Field   string
	Code    string
	Message string
}

// Result holds the findings for a single request.
type Result struct {
	Errors   []Issue
	Warnings []Issue
}

// Valid is true when the request carries no errors. Warnings alone leave the
// request valid.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns the result's errors as a single wrapped error, or nil when the
// request is valid.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, msgs)
}

// ItemResult is a per-position result inside a batch validation.
type ItemResult struct {
	PositionID string
	Result
}

// BatchResult combines batch-level findings with per-item findings.
// Unresolved ids appear as item errors; they never abort the whole batch.
type BatchResult struct {
	Result
	Items []ItemResult
}

// Valid is true when the batch structure and every item are error-free.
func (b BatchResult) Valid() bool {
	if !b.Result.Valid() {
		return false
	}
	for _, it := range b.Items {
		if !it.Valid() {
			return false
		}
	}
	return true
}

// Config holds the validator thresholds.
type Config struct {
	// MaxPriceDeviationPct flags limit prices far from the current price.
	MaxPriceDeviationPct float64
	// LotEpsilon is the lot tolerance for hedge-pair detection.
	LotEpsilon float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxPriceDeviationPct: 5.0,
		LotEpsilon:           0.01,
	}
}

// Validator validates close requests.
type Validator struct {
	positions PositionResolver
	cfg       Config
	logger    *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(positions PositionResolver, cfg Config, logger *slog.Logger) *Validator {
	return &Validator{
		positions: positions,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "validator")),
	}
}

// ValidateRequest checks a single close request. The returned error reports
// infrastructure failures only; validation findings land in the Result.
func (v *Validator) ValidateRequest(ctx context.Context, req domain.CloseRequest) (Result, error) {
	var res Result

	if req.PositionID == "" {
		res.Errors = append(res.Errors, Issue{
			Field: "position_id", Code: "required", Message: "position id is required",
		})
		return res, nil
	}

	v.checkMode(&res, req.Mode, req.LimitPrice)
	v.checkTrail(&res, req.Trail)

	pos, err := v.positions.GetByID(ctx, req.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			res.Errors = append(res.Errors, Issue{
				Field: "position_id", Code: "unknown_position",
				Message: fmt.Sprintf("position %s does not exist", req.PositionID),
			})
			return res, nil
		}
		return Result{}, fmt.Errorf("validate: resolve position %s: %w", req.PositionID, err)
	}

	if pos.Status != domain.PositionStatusOpen {
		res.Errors = append(res.Errors, Issue{
			Field: "position_id", Code: "position_not_open",
			Message: fmt.Sprintf("position %s is %s", pos.ID, pos.Status),
		})
	}

	if req.Mode == domain.CloseModeLimit && req.LimitPrice > 0 {
		v.checkLimitPrice(&res, req.LimitPrice, pos)
	}

	if req.Linked != nil {
		if err := v.checkLinked(ctx, &res, req, pos); err != nil {
			return Result{}, err
		}
	}

	v.logger.Debug("request validated",
		slog.String("position_id", req.PositionID),
		slog.Bool("valid", res.Valid()),
		slog.Int("errors", len(res.Errors)),
		slog.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

// ValidateBatch checks batch structure and resolves every listed id.
// Unresolved or non-open positions are per-item errors.
func (v *Validator) ValidateBatch(ctx context.Context, req domain.BatchCloseRequest) (BatchResult, error) {
	var res BatchResult

	if len(req.PositionIDs) == 0 {
		res.Errors = append(res.Errors, Issue{
			Field: "position_ids", Code: "required", Message: "batch must list at least one position",
		})
		return res, nil
	}

	seen := make(map[string]bool, len(req.PositionIDs))
	for _, id := range req.PositionIDs {
		if seen[id] {
			res.Errors = append(res.Errors, Issue{
				Field: "position_ids", Code: "duplicate_position",
				Message: fmt.Sprintf("position %s listed more than once", id),
			})
		}
		seen[id] = true
	}

	// Batch requests carry no per-item limit price, so limit mode cannot be
	// expressed for a batch.
	if req.Mode == domain.CloseModeLimit {
		res.Errors = append(res.Errors, Issue{
			Field: "mode", Code: "unsupported_mode",
			Message: "limit mode is not supported for batch closes",
		})
	} else if req.Mode != domain.CloseModeMarket {
		res.Errors = append(res.Errors, Issue{
			Field: "mode", Code: "unknown_mode", Message: fmt.Sprintf("unknown close mode %q", req.Mode),
		})
	}

	v.checkTrail(&res.Result, req.Trail)

	for _, id := range req.PositionIDs {
		item := ItemResult{PositionID: id}
		pos, err := v.positions.GetByID(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			item.Errors = append(item.Errors, Issue{
				Field: "position_id", Code: "unknown_position",
				Message: fmt.Sprintf("position %s does not exist", id),
			})
		case err != nil:
			return BatchResult{}, fmt.Errorf("validate: resolve position %s: %w", id, err)
		case pos.Status != domain.PositionStatusOpen:
			item.Errors = append(item.Errors, Issue{
				Field: "position_id", Code: "position_not_open",
				Message: fmt.Sprintf("position %s is %s", id, pos.Status),
			})
		}
		res.Items = append(res.Items, item)
	}

	return res, nil
}

func (v *Validator) checkMode(res *Result, mode domain.CloseMode, limitPrice float64) {
	switch mode {
	case domain.CloseModeMarket:
	case domain.CloseModeLimit:
		if limitPrice <= 0 {
			res.Errors = append(res.Errors, Issue{
				Field: "limit_price", Code: "required",
				Message: "limit mode requires a positive limit price",
			})
		}
	default:
		res.Errors = append(res.Errors, Issue{
			Field: "mode", Code: "unknown_mode", Message: fmt.Sprintf("unknown close mode %q", mode),
		})
	}
}

func (v *Validator) checkTrail(res *Result, trail *domain.TrailSettings) {
	if trail == nil {
		return
	}
	// Trailing configuration is all-or-nothing: both offsets must be set
	// and positive.
	if trail.StartOffset <= 0 || trail.TrailOffset <= 0 {
		res.Errors = append(res.Errors, Issue{
			Field: "trail", Code: "incomplete_trail",
			Message: "trailing stop requires both a positive start offset and trail offset",
		})
		return
	}
	if trail.StartOffset < trail.TrailOffset {
		res.Warnings = append(res.Warnings, Issue{
			Field: "trail", Code: "immediate_trigger_risk",
			Message: "start offset below trail offset; the trail may trigger immediately",
		})
	}
}

func (v *Validator) checkLimitPrice(res *Result, limitPrice float64, pos domain.Position) {
	if pos.CurrentPrice <= 0 {
		return
	}

	deviationPct := math.Abs(limitPrice-pos.CurrentPrice) / pos.CurrentPrice * 100
	if deviationPct > v.cfg.MaxPriceDeviationPct {
		res.Warnings = append(res.Warnings, Issue{
			Field: "limit_price", Code: "large_price_deviation",
			Message: fmt.Sprintf("limit price deviates %.2f%% from current price", deviationPct),
		})
	}

	// A limit worse than the current price reduces the realized profit.
	profitReducing := (pos.Side == domain.SideLong && limitPrice < pos.CurrentPrice) ||
		(pos.Side == domain.SideShort && limitPrice > pos.CurrentPrice)
	if profitReducing {
		res.Warnings = append(res.Warnings, Issue{
			Field: "limit_price", Code: "profit_reducing_price",
			Message: "limit price is worse than the current market price",
		})
	}
}

func (v *Validator) checkLinked(ctx context.Context, res *Result, req domain.CloseRequest, pos domain.Position) error {
	linked := req.Linked
	switch linked.Action {
	case domain.LinkedActionClose, domain.LinkedActionStartTrail, domain.LinkedActionNone:
	default:
		res.Errors = append(res.Errors, Issue{
			Field: "linked.action", Code: "unknown_action",
			Message: fmt.Sprintf("unknown linked action %q", linked.Action),
		})
		return nil
	}
	if linked.Action == domain.LinkedActionNone {
		return nil
	}

	if linked.TargetID == "" {
		res.Errors = append(res.Errors, Issue{
			Field: "linked.target_id", Code: "required", Message: "linked action requires a target position",
		})
		return nil
	}
	if linked.TargetID == req.PositionID {
		res.Errors = append(res.Errors, Issue{
			Field: "linked.target_id", Code: "self_reference",
			Message: "linked action cannot target the position being closed",
		})
		return nil
	}

	target, err := v.positions.GetByID(ctx, linked.TargetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			res.Errors = append(res.Errors, Issue{
				Field: "linked.target_id", Code: "unknown_position",
				Message: fmt.Sprintf("linked position %s does not exist", linked.TargetID),
			})
			return nil
		}
		return fmt.Errorf("validate: resolve linked position %s: %w", linked.TargetID, err)
	}
	if target.Status != domain.PositionStatusOpen {
		res.Errors = append(res.Errors, Issue{
			Field: "linked.target_id", Code: "position_not_open",
			Message: fmt.Sprintf("linked position %s is %s", target.ID, target.Status),
		})
		return nil
	}

	if linked.Action == domain.LinkedActionClose && domain.IsHedgePair(pos, target, v.cfg.LotEpsilon) {
		res.Warnings = append(res.Warnings, Issue{
			Field: "linked", Code: "hedge_removal",
			Message: "closing both legs removes the hedge for " + pos.Symbol,
		})
	}
	return nil
}
