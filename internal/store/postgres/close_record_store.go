package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hedgesystem/closebot/internal/domain"
)

// CloseRecordStore implements domain.CloseRecordStore using PostgreSQL.
type CloseRecordStore struct {
	pool *pgxpool.Pool
}

// NewCloseRecordStore creates a CloseRecordStore backed by the given pool.
func NewCloseRecordStore(pool *pgxpool.Pool) *CloseRecordStore {
	return &CloseRecordStore{pool: pool}
}

const closeRecordSelectCols = `request_id, position_id, status, executed_price,
	realized_profit, failure_message, executed_at`

func scanCloseRecords(rows pgx.Rows) ([]domain.CloseOutcome, error) {
	var outcomes []domain.CloseOutcome
	for rows.Next() {
		var o domain.CloseOutcome
		var status string
		if err := rows.Scan(
			&o.RequestID, &o.PositionID, &status,
			&o.ExecutedPrice, &o.RealizedProfit,
			&o.FailureMessage, &o.ExecutedAt,
		); err != nil {
			return nil, err
		}
		o.Status = domain.CloseStatus(status)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// Create appends one close outcome.
func (s *CloseRecordStore) Create(ctx context.Context, o domain.CloseOutcome) error {
	const query = `
		INSERT INTO close_records (
			request_id, position_id, status, executed_price,
			realized_profit, failure_message, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		o.RequestID, o.PositionID, string(o.Status),
		o.ExecutedPrice, o.RealizedProfit,
		o.FailureMessage, o.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create close record %s: %w", o.RequestID, err)
	}
	return nil
}

// ListByPosition returns all close records for one position, newest first.
func (s *CloseRecordStore) ListByPosition(ctx context.Context, positionID string) ([]domain.CloseOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+closeRecordSelectCols+` FROM close_records
		 WHERE position_id = $1
		 ORDER BY executed_at DESC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list close records for %s: %w", positionID, err)
	}
	defer rows.Close()

	outcomes, err := scanCloseRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan close records for %s: %w", positionID, err)
	}
	return outcomes, nil
}

// ListBefore returns all close records executed before the given time,
// oldest first. The archiver uses this to export aged records.
func (s *CloseRecordStore) ListBefore(ctx context.Context, before time.Time) ([]domain.CloseOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+closeRecordSelectCols+` FROM close_records
		 WHERE executed_at < $1
		 ORDER BY executed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list close records before %s: %w", before, err)
	}
	defer rows.Close()

	outcomes, err := scanCloseRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan close records before %s: %w", before, err)
	}
	return outcomes, nil
}

var _ domain.CloseRecordStore = (*CloseRecordStore)(nil)
