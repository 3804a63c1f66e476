package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-engine/internal/domain"
)

func newTestStore(t *testing.T) *AlertStore {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	store, err := NewAlertStore(ctx, uri, "tournament_engine_test")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Collection.Database().Drop(context.Background())
		store.Close(context.Background())
	})
	return store
}

func TestAlertStoreListsNewestOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, store.RecordAlert(ctx, domain.Alert{
			ID:      id,
			Kind:    domain.AlertOrphanedMapping,
			EventID: "ev",
			PollID:  "poll-" + id,
			Detail:  "mapping write failed",
			At:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.RecordAlert(ctx, domain.Alert{ID: "b1", Kind: domain.AlertUnreconcilable, At: base}))

	got, err := store.ListAlerts(ctx, domain.AlertOrphanedMapping, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, "a3", got[1].ID)
	assert.Equal(t, "poll-a3", got[1].PollID)

	all, err := store.ListAlerts(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
