package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkove/focusdeck/go/internal/models"
)

// PGStore persists the completed-sessions log and per-task completion
// counters in Postgres. It backs both focus.TaskProgress and
// focus.CompletionLog.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing pool. The caller owns the pool lifecycle.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const createSessionLog = `
CREATE TABLE IF NOT EXISTS focus_session_log (
	session_id   UUID PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	seconds_done INTEGER NOT NULL,
	is_break     BOOLEAN NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL
)`

const createTaskProgress = `
CREATE TABLE IF NOT EXISTS focus_task_progress (
	subject_id        TEXT PRIMARY KEY,
	completions       INTEGER NOT NULL DEFAULT 0,
	last_completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureSchema creates the progress tables. Safe to run on every startup.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createSessionLog, createTaskProgress} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure progress schema: %w", err)
		}
	}
	return nil
}

const insertSessionLog = `
INSERT INTO focus_session_log (
	session_id, subject_id, seconds_done, is_break, started_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO NOTHING`

// Append records a finished session. The session ID is the primary key, so
// when several devices log the same terminal transition only the first row
// lands.
func (s *PGStore) Append(ctx context.Context, rec models.CompletedSession) error {
	_, err := s.pool.Exec(ctx, insertSessionLog,
		rec.SessionID, rec.SubjectID, rec.SecondsDone,
		rec.IsBreak, rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	return nil
}

const upsertTaskProgress = `
INSERT INTO focus_task_progress (subject_id, completions, last_completed_at)
VALUES ($1, 1, now())
ON CONFLICT (subject_id) DO UPDATE SET
	completions       = focus_task_progress.completions + 1,
	last_completed_at = now()`

// IncrementCompletion bumps the completion counter for a task subject.
func (s *PGStore) IncrementCompletion(ctx context.Context, subjectID string) error {
	if _, err := s.pool.Exec(ctx, upsertTaskProgress, subjectID); err != nil {
		return fmt.Errorf("increment task completions: %w", err)
	}
	return nil
}

const selectCompletions = `
SELECT completions FROM focus_task_progress WHERE subject_id = $1`

// Completions returns the completion counter for a subject, zero when the
// subject has never completed a session.
func (s *PGStore) Completions(ctx context.Context, subjectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, selectCompletions, subjectID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get task completions: %w", err)
	}
	return n, nil
}

const selectRecent = `
SELECT session_id, subject_id, seconds_done, is_break, started_at, completed_at
FROM focus_session_log
ORDER BY completed_at DESC
LIMIT $1`

// Recent returns the newest completed sessions, most recent first.
func (s *PGStore) Recent(ctx context.Context, limit int) ([]models.CompletedSession, error) {
	rows, err := s.pool.Query(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	defer rows.Close()

	var out []models.CompletedSession
	for rows.Next() {
		var rec models.CompletedSession
		if err := rows.Scan(
			&rec.SessionID, &rec.SubjectID, &rec.SecondsDone,
			&rec.IsBreak, &rec.StartedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session log row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session log: %w", err)
	}
	return out, nil
}
