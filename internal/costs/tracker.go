// Package costs records paid-API usage, computes spend against a monthly
// budget, and trips process-wide fallback flags when thresholds are crossed.
package costs

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMonthlyBudget applies when the configured budget is malformed,
// non-finite, or non-positive.
const DefaultMonthlyBudget = 10.0

// Budget alert levels.
const (
	AlertWarning      = "warning"
	AlertLimitReached = "limit_reached"
)

const (
	warnThreshold  = 0.8
	limitThreshold = 1.0

	// alertWindow suppresses duplicate alerts of the same level.
	alertWindow = 24 * time.Hour
)

// Usage describes one paid API call to record.
type Usage struct {
	Provider     string
	Operation    string
	Units        int
	CollectionID *uuid.UUID
}

// UsageRecord is an immutable usage log row.
type UsageRecord struct {
	ID           uuid.UUID
	Provider     string
	Operation    string
	Units        int
	Cost         float64
	CollectionID *uuid.UUID
	CreatedAt    time.Time
}

// BudgetAlert records a crossed spend threshold.
type BudgetAlert struct {
	ID        uuid.UUID
	Level     string
	Spend     float64
	Budget    float64
	CreatedAt time.Time
}

// UsageStore persists usage records and budget alerts. Implemented by the
// Postgres store.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec UsageRecord) error
	// SpendSince returns the summed cost of usage records created at or
	// after the given time.
	SpendSince(ctx context.Context, since time.Time) (float64, error)
	// AlertExistsSince reports whether an alert of the given level was
	// created at or after the given time.
	AlertExistsSince(ctx context.Context, level string, since time.Time) (bool, error)
	InsertAlert(ctx context.Context, alert BudgetAlert) error
}

// Config holds tracker configuration.
type Config struct {
	// MonthlyBudget is the configured budget. Malformed values fall back to
	// DefaultMonthlyBudget rather than erroring.
	MonthlyBudget string

	// Pricing overrides the default pricing table when non-nil.
	Pricing PricingTable
}

// Tracker records usage and enforces the budget.
type Tracker struct {
	store   UsageStore
	flags   *FallbackState
	pricing PricingTable
	budget  float64
	logger  *zap.Logger
	now     func() time.Time
}

// NewTracker creates a cost tracker.
func NewTracker(store UsageStore, flags *FallbackState, cfg Config, logger *zap.Logger) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("usage store is required")
	}
	if flags == nil {
		return nil, fmt.Errorf("fallback state is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pricing := cfg.Pricing
	if pricing == nil {
		pricing = DefaultPricingTable()
	}

	return &Tracker{
		store:   store,
		flags:   flags,
		pricing: pricing,
		budget:  ParseBudget(cfg.MonthlyBudget),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// ParseBudget parses a configured monthly budget, falling back to the
// default for malformed, non-finite, or non-positive values.
func ParseBudget(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return DefaultMonthlyBudget
	}
	return v
}

// Budget returns the effective monthly budget.
func (t *Tracker) Budget() float64 { return t.budget }

// Track computes the cost of a usage event, appends a usage record, and
// kicks off an asynchronous budget check.
func (t *Tracker) Track(ctx context.Context, usage Usage) error {
	cost, known := t.pricing.Cost(usage.Provider, usage.Operation, usage.Units)
	if !known {
		t.logger.Warn("no pricing for provider/operation, recording zero cost",
			zap.String("provider", usage.Provider),
			zap.String("operation", usage.Operation))
	}

	rec := UsageRecord{
		ID:           uuid.New(),
		Provider:     usage.Provider,
		Operation:    usage.Operation,
		Units:        usage.Units,
		Cost:         cost,
		CollectionID: usage.CollectionID,
		CreatedAt:    t.now().UTC(),
	}
	if err := t.store.InsertUsage(ctx, rec); err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}

	go func() {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.CheckBudget(checkCtx); err != nil {
			t.logger.Warn("budget check failed", zap.Error(err))
		}
	}()

	return nil
}

// CheckBudget computes current-period spend and reacts to thresholds: at
// 80% of budget it emits one warning alert per rolling 24 hours; at 100% it
// emits one limit_reached alert per 24 hours and trips the process-wide
// fallback flags.
func (t *Tracker) CheckBudget(ctx context.Context) error {
	now := t.now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	spend, err := t.store.SpendSince(ctx, periodStart)
	if err != nil {
		return fmt.Errorf("computing period spend: %w", err)
	}

	ratio := spend / t.budget
	switch {
	case ratio >= limitThreshold:
		// The flags stay tripped for the process lifetime even when the
		// alert itself is suppressed.
		t.flags.TripBudgetLimit()
		return t.emitAlert(ctx, AlertLimitReached, spend)
	case ratio >= warnThreshold:
		return t.emitAlert(ctx, AlertWarning, spend)
	default:
		return nil
	}
}

// emitAlert inserts an alert unless one of the same level already exists in
// the rolling suppression window.
func (t *Tracker) emitAlert(ctx context.Context, level string, spend float64) error {
	windowStart := t.now().UTC().Add(-alertWindow)
	exists, err := t.store.AlertExistsSince(ctx, level, windowStart)
	if err != nil {
		return fmt.Errorf("checking recent alerts: %w", err)
	}
	if exists {
		return nil
	}

	alert := BudgetAlert{
		ID:        uuid.New(),
		Level:     level,
		Spend:     spend,
		Budget:    t.budget,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("inserting budget alert: %w", err)
	}

	t.logger.Warn("budget threshold crossed",
		zap.String("level", level),
		zap.Float64("spend", spend),
		zap.Float64("budget", t.budget))
	return nil
}
