package pgchannel

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkove/focusdeck/go/internal/models"
	"github.com/stretchr/testify/require"
)

// testChannel connects to the database named by FOCUSDECK_TEST_DATABASE_URL
// and resets the session slot. Tests skip when the variable is unset.
func testChannel(t *testing.T) *Channel {
	t.Helper()
	dsn := os.Getenv("FOCUSDECK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FOCUSDECK_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	cfg := DefaultConfig(dsn)
	cfg.FallbackInterval = time.Second
	ch := New(pool, cfg)
	require.NoError(t, ch.EnsureSchema(ctx))

	_, err = pool.Exec(ctx, `TRUNCATE focus_current_session`)
	require.NoError(t, err)
	return ch
}

func storedSession(subject string, remaining int) *models.FocusSession {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.FocusSession{
		ID:             uuid.New(),
		SubjectID:      subject,
		StartTime:      now.Add(-time.Minute),
		DurationSec:    1500,
		RemainingSec:   remaining,
		IsActive:       true,
		LeaderID:       "dev-test",
		LeaderLastSeen: now,
	}
}

func TestPGChannelFetchEmptySlot(t *testing.T) {
	ch := testChannel(t)

	got, err := ch.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPGChannelSaveFetchRoundTrip(t *testing.T) {
	ch := testChannel(t)
	ctx := context.Background()

	want := storedSession("task-1", 900)
	require.NoError(t, ch.Save(ctx, want))

	got, err := ch.FetchCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, "task-1", got.SubjectID)
	require.Equal(t, 900, got.RemainingSec)
	require.True(t, got.IsActive)
	require.Equal(t, "dev-test", got.LeaderID)
	require.WithinDuration(t, want.LeaderLastSeen, got.LeaderLastSeen, time.Millisecond)
	require.Nil(t, got.CompletedAt)

	next := storedSession("task-2", 800)
	require.NoError(t, ch.Save(ctx, next))

	got, err = ch.FetchCurrent(ctx)
	require.NoError(t, err)
	require.Equal(t, next.ID, got.ID)
	require.Equal(t, "task-2", got.SubjectID)
}

func TestPGChannelSubscribeDeliversSaves(t *testing.T) {
	ch := testChannel(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []*models.FocusSession
	)
	cancel, err := ch.Subscribe(func(s *models.FocusSession) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})
	require.NoError(t, err)
	defer cancel()

	want := storedSession("task-sub", 500)
	require.NoError(t, ch.Save(ctx, want))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s != nil && s.ID == want.ID {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "subscriber never saw the saved session")
}

func TestPGChannelRejectsNilSave(t *testing.T) {
	ch := testChannel(t)
	require.Error(t, ch.Save(context.Background(), nil))
}
