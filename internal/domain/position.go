package domain

import (
	"math"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
	PositionStatusLocked PositionStatus = "locked"
)

// Position is a snapshot of a trading position as reported by the terminal.
// The engine treats positions as read-only input; lifecycle changes happen
// on the terminal side and come back through the next snapshot.
type Position struct {
	ID               string
	Symbol           string
	Side             Side
	Lots             float64
	OpenPrice        float64
	CurrentPrice     float64
	UnrealizedProfit float64
	// LinkedID references the paired position of a hedge, empty when unpaired.
	LinkedID  string
	Status    PositionStatus
	OpenedAt  time.Time
	UpdatedAt time.Time
}

// HoldingDays returns the number of swap-charged days the position has been
// held, i.e. the ceiling of the elapsed time since open. A position opened
// moments ago counts as one day.
func (p Position) HoldingDays(now time.Time) int {
	elapsed := now.Sub(p.OpenedAt)
	if elapsed <= 0 {
		return 0
	}
	return int(math.Ceil(elapsed.Hours() / 24))
}

// Notional returns the simplified notional value of the position
// (open price times lot size).
func (p Position) Notional() float64 {
	return p.OpenPrice * p.Lots
}

// IsHedgePair reports whether a and b form a hedge pair: same symbol,
// opposite sides, and lot sizes matching within lotEpsilon.
func IsHedgePair(a, b Position, lotEpsilon float64) bool {
	if a.ID == b.ID {
		return false
	}
	if a.Symbol != b.Symbol || a.Side == b.Side {
		return false
	}
	return math.Abs(a.Lots-b.Lots) < lotEpsilon
}
