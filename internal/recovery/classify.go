// Package recovery classifies failures into a closed taxonomy and drives
// retry, fallback, skip, abort, and manual-intervention decisions.
package recovery

import (
	"errors"
	"strings"
	"time"

	"github.com/hedgesystem/closebot/internal/domain"
)

// kindRule maps message substrings to a classification. First match wins;
// rules are ordered most-specific first.
type kindRule struct {
	substrings []string
	kind       domain.ErrorKind
	severity   domain.Severity
	retryable  bool
	action     domain.RecoveryAction
}

var kindRules = []kindRule{
	{
		substrings: []string{"margin call", "account disabled", "insufficient margin", "insufficient funds"},
		kind:       domain.ErrorKindAccount,
		severity:   domain.SeverityCritical,
		action:     domain.ActionManual,
	},
	{
		substrings: []string{"not found", "already closed", "position locked"},
		kind:       domain.ErrorKindPositionState,
		severity:   domain.SeverityLow,
		action:     domain.ActionSkip,
	},
	{
		substrings: []string{"spread", "market closed", "market is closed", "volatility", "liquidity"},
		kind:       domain.ErrorKindMarketCondition,
		severity:   domain.SeverityMedium,
		action:     domain.ActionFallback,
	},
	{
		substrings: []string{"connection", "connectivity", "disconnect", "timeout", "timed out", "transport", "network", "websocket", "automation link"},
		kind:       domain.ErrorKindConnectivity,
		severity:   domain.SeverityMedium,
		retryable:  true,
		action:     domain.ActionRetry,
	},
	{
		substrings: []string{"partial failure", "batch"},
		kind:       domain.ErrorKindBatch,
		severity:   domain.SeverityMedium,
		action:     domain.ActionFallback,
	},
	{
		substrings: []string{"validation", "invalid"},
		kind:       domain.ErrorKindValidation,
		severity:   domain.SeverityMedium,
		action:     domain.ActionAbort,
	},
	{
		substrings: []string{"server", "internal error"},
		kind:       domain.ErrorKindServer,
		severity:   domain.SeverityHigh,
		action:     domain.ActionAbort,
	},
	{
		substrings: []string{"close failed", "close rejected"},
		kind:       domain.ErrorKindClose,
		severity:   domain.SeverityHigh,
		action:     domain.ActionAbort,
	},
}

// Classify maps a free-form failure message to a FailureRecord with the
// kind's default severity, retryability, and recovery action. Unrecognized
// messages default to a non-retryable server abort. Pure function of its
// inputs; the timestamp is injected.
func Classify(message, refID string, now time.Time) domain.FailureRecord {
	lower := strings.ToLower(message)
	for _, rule := range kindRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return domain.FailureRecord{
					Kind:       rule.kind,
					Severity:   rule.severity,
					Retryable:  rule.retryable,
					Action:     rule.action,
					RefID:      refID,
					Message:    message,
					OccurredAt: now,
				}
			}
		}
	}
	return domain.FailureRecord{
		Kind:       domain.ErrorKindServer,
		Severity:   domain.SeverityHigh,
		Action:     domain.ActionAbort,
		RefID:      refID,
		Message:    message,
		OccurredAt: now,
	}
}

// ClassifyError classifies a Go error, recognizing the domain sentinel
// errors before falling back to message classification.
func ClassifyError(err error, refID string, now time.Time) domain.FailureRecord {
	switch {
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrDisconnected):
		return domain.FailureRecord{
			Kind:       domain.ErrorKindConnectivity,
			Severity:   domain.SeverityMedium,
			Retryable:  true,
			Action:     domain.ActionRetry,
			RefID:      refID,
			Message:    err.Error(),
			OccurredAt: now,
		}
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAlreadyClosed), errors.Is(err, domain.ErrPositionLocked):
		return domain.FailureRecord{
			Kind:       domain.ErrorKindPositionState,
			Severity:   domain.SeverityLow,
			Action:     domain.ActionSkip,
			RefID:      refID,
			Message:    err.Error(),
			OccurredAt: now,
		}
	case errors.Is(err, domain.ErrInvalidRequest):
		return domain.FailureRecord{
			Kind:       domain.ErrorKindValidation,
			Severity:   domain.SeverityMedium,
			Action:     domain.ActionAbort,
			RefID:      refID,
			Message:    err.Error(),
			OccurredAt: now,
		}
	default:
		return Classify(err.Error(), refID, now)
	}
}
