package focus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkove/focusdeck/go/internal/models"
)

func TestMemChannelFetchEmpty(t *testing.T) {
	mem := NewMemChannel()
	rec, err := mem.FetchCurrent(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemChannelSaveFetchRoundTrip(t *testing.T) {
	mem := NewMemChannel()
	orig := activeRecord("task-1", 1500, 900, "dev-a", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, mem.Save(context.Background(), orig))

	got, err := mem.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *orig, *got)

	// Mutating the fetched copy must not leak into the store.
	got.RemainingSec = 1
	again, err := mem.FetchCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 900, again.RemainingSec)
}

func TestMemChannelSubscribe(t *testing.T) {
	mem := NewMemChannel()

	var mu sync.Mutex
	var seen []*models.FocusSession
	cancel, err := mem.Subscribe(func(rec *models.FocusSession) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, rec)
	})
	require.NoError(t, err)

	rec := activeRecord("task-1", 1500, 900, "dev-a", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, mem.Save(context.Background(), rec))
	require.NoError(t, mem.Clear(context.Background()))

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Equal(t, rec.ID, seen[0].ID)
	assert.Nil(t, seen[1])
	mu.Unlock()

	// Mutating a delivered record must not corrupt the store.
	require.NoError(t, mem.Save(context.Background(), rec))
	mu.Lock()
	seen[2].RemainingSec = 1
	mu.Unlock()
	stored, err := mem.FetchCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 900, stored.RemainingSec)

	cancel()
	require.NoError(t, mem.Save(context.Background(), rec))
	mu.Lock()
	assert.Len(t, seen, 3, "no delivery after cancel")
	mu.Unlock()
}

func TestMemChannelHonorsContext(t *testing.T) {
	mem := NewMemChannel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mem.FetchCurrent(ctx)
	assert.Error(t, err)
	assert.Error(t, mem.Save(ctx, activeRecord("task-1", 60, 60, "dev-a", time.Now())))
}
