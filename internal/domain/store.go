package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore provides access to position snapshots. The engine reads
// positions; closes are written back by MarkClosed after the terminal
// confirms execution.
type PositionStore interface {
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	Upsert(ctx context.Context, p Position) error
	MarkClosed(ctx context.Context, id string, executedPrice, realizedProfit float64) error
}

// CloseRecordStore persists per-position close outcomes.
type CloseRecordStore interface {
	Create(ctx context.Context, o CloseOutcome) error
	ListByPosition(ctx context.Context, positionID string) ([]CloseOutcome, error)
	ListBefore(ctx context.Context, before time.Time) ([]CloseOutcome, error)
}

// AuditStore persists an append-only audit log of engine events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// AuditEntry is one persisted audit event.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// TelemetryCache holds the latest market, account, and system snapshots
// written by the feed and read by the pre-close checker.
type TelemetryCache interface {
	SetMarketCondition(ctx context.Context, mc MarketCondition) error
	MarketCondition(ctx context.Context, symbol string) (MarketCondition, error)
	SetAccountStatus(ctx context.Context, as AccountStatus) error
	AccountStatus(ctx context.Context) (AccountStatus, error)
	SetSystemStatus(ctx context.Context, ss SystemStatus) error
	SystemStatus(ctx context.Context) (SystemStatus, error)
}

// BlobWriter uploads an object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver exports aged records to blob storage.
type Archiver interface {
	ArchiveCloseRecords(ctx context.Context, before time.Time) (int64, error)
	ArchiveFailures(ctx context.Context, records []FailureRecord) error
}
