package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyClosed   = errors.New("position already closed")
	ErrPositionLocked  = errors.New("position locked")
	ErrInvalidRequest  = errors.New("invalid close request")
	ErrBlocked         = errors.New("blocked by pre-close check")
	ErrTimeout         = errors.New("execution timeout")
	ErrDisconnected    = errors.New("terminal disconnected")
	ErrRetriesExceeded = errors.New("max retries exceeded")
	ErrStaleData       = errors.New("telemetry data stale")
)
