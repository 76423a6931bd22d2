package progress

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkove/focusdeck/go/internal/models"
	"github.com/stretchr/testify/require"
)

// testStore connects to the database named by FOCUSDECK_TEST_DATABASE_URL
// and resets the progress tables. Tests skip when the variable is unset.
func testStore(t *testing.T) *PGStore {
	t.Helper()
	dsn := os.Getenv("FOCUSDECK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FOCUSDECK_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPGStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))

	_, err = pool.Exec(ctx, `TRUNCATE focus_session_log, focus_task_progress`)
	require.NoError(t, err)
	return store
}

func completedRec(subject string, secondsDone int, completedAt time.Time) models.CompletedSession {
	return models.CompletedSession{
		SessionID:   uuid.New(),
		SubjectID:   subject,
		SecondsDone: secondsDone,
		StartedAt:   completedAt.Add(-time.Duration(secondsDone) * time.Second),
		CompletedAt: completedAt,
	}
}

func TestAppendDeduplicatesBySessionID(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := completedRec("task-1", 1500, time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, store.Append(ctx, rec))
	require.NoError(t, store.Append(ctx, rec))

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, rec.SessionID, recent[0].SessionID)
	require.Equal(t, 1500, recent[0].SecondsDone)
}

func TestIncrementCompletionCounts(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrementCompletion(ctx, "task-a"))
	require.NoError(t, store.IncrementCompletion(ctx, "task-a"))
	require.NoError(t, store.IncrementCompletion(ctx, "task-b"))

	n, err := store.Completions(ctx, "task-a")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.Completions(ctx, "task-b")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.Completions(ctx, "never-seen")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	oldest := completedRec("task-1", 300, base.Add(-2*time.Hour))
	middle := completedRec("task-2", 600, base.Add(-time.Hour))
	newest := completedRec("task-3", 900, base)
	for _, rec := range []models.CompletedSession{oldest, middle, newest} {
		require.NoError(t, store.Append(ctx, rec))
	}

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, newest.SessionID, recent[0].SessionID)
	require.Equal(t, middle.SessionID, recent[1].SessionID)
}
