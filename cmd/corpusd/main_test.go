package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/costs"
)

type memUsageStore struct {
	mu      sync.Mutex
	records []costs.UsageRecord
}

func (m *memUsageStore) InsertUsage(_ context.Context, rec costs.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memUsageStore) SpendSince(context.Context, time.Time) (float64, error) {
	return 0, nil
}

func (m *memUsageStore) AlertExistsSince(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func (m *memUsageStore) InsertAlert(context.Context, costs.BudgetAlert) error { return nil }

func (m *memUsageStore) providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.Provider
	}
	return out
}

// Free local embeddings must not show up in the usage log; only paid
// providers are recorded.
func TestTrackedEmbedderSkipsLocal(t *testing.T) {
	store := &memUsageStore{}
	tracker, err := costs.NewTracker(store, costs.NewFallbackState(), costs.Config{}, nil)
	require.NoError(t, err)

	te := &trackedEmbedder{tracker: tracker, logger: zap.NewNop()}
	ctx := context.Background()

	te.record(ctx, "local", 120)
	assert.Empty(t, store.providers())

	te.record(ctx, "openai", 120)
	assert.Equal(t, []string{"openai"}, store.providers())
}
