package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/costs"
)

// InsertUsage persists one usage record.
func (s *Store) InsertUsage(ctx context.Context, rec costs.UsageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (id, provider, operation, units, cost,
			collection_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Provider, rec.Operation, rec.Units, rec.Cost,
		rec.CollectionID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

// SpendSince sums usage cost recorded at or after the given time.
func (s *Store) SpendSince(ctx context.Context, since time.Time) (float64, error) {
	var spend float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(cost), 0) FROM usage_records
		WHERE created_at >= $1`, since).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("summing usage: %w", err)
	}
	return spend, nil
}

// AlertExistsSince reports whether an alert of the given level exists at or
// after the given time.
func (s *Store) AlertExistsSince(ctx context.Context, level string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM budget_alerts
			WHERE level = $1 AND created_at >= $2
		)`, level, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking alerts: %w", err)
	}
	return exists, nil
}

// InsertAlert persists one budget alert.
func (s *Store) InsertAlert(ctx context.Context, alert costs.BudgetAlert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_alerts (id, level, spend, budget, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		alert.ID, alert.Level, alert.Spend, alert.Budget, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting budget alert: %w", err)
	}
	return nil
}

var _ costs.UsageStore = (*Store)(nil)
