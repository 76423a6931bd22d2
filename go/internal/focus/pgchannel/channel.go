package pgchannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/mkove/focusdeck/go/internal/models"
	"github.com/rs/zerolog/log"
)

const refreshTimeout = 10 * time.Second

// Config holds the Postgres replication settings.
type Config struct {
	DatabaseURL      string        // Postgres DSN for the LISTEN connection
	NotifyChannel    string        // channel name the slot trigger notifies on
	FallbackInterval time.Duration // how often to poll for missed notifications
	PingInterval     time.Duration // LISTEN connection health check cadence
	MinReconnect     time.Duration
	MaxReconnect     time.Duration
}

// DefaultConfig returns the standard replication settings for the given DSN.
func DefaultConfig(databaseURL string) Config {
	return Config{
		DatabaseURL:      databaseURL,
		NotifyChannel:    "focus_session_changed",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		MinReconnect:     10 * time.Second,
		MaxReconnect:     time.Minute,
	}
}

// Channel replicates the session slot through Postgres. Saves upsert a
// single-row table and a trigger fans the change out over LISTEN/NOTIFY.
// A fallback poll covers notifications lost to connection churn, so
// subscribers converge even after the LISTEN connection drops.
type Channel struct {
	pool *pgxpool.Pool
	cfg  Config

	mu        sync.Mutex
	subs      map[int]func(*models.FocusSession)
	nextID    int
	done      chan struct{}
	listening bool
	lastStamp time.Time
}

// New wraps an existing pool. The caller owns the pool lifecycle.
func New(pool *pgxpool.Pool, cfg Config) *Channel {
	return &Channel{
		pool: pool,
		cfg:  cfg,
		subs: make(map[int]func(*models.FocusSession)),
	}
}

const createSlotTable = `
CREATE TABLE IF NOT EXISTS focus_current_session (
	slot             SMALLINT PRIMARY KEY DEFAULT 1 CHECK (slot = 1),
	id               UUID NOT NULL,
	subject_id       TEXT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	duration_sec     INTEGER NOT NULL,
	remaining_sec    INTEGER NOT NULL,
	is_active        BOOLEAN NOT NULL,
	is_paused        BOOLEAN NOT NULL,
	is_break         BOOLEAN NOT NULL,
	completed_at     TIMESTAMPTZ,
	leader_id        TEXT NOT NULL DEFAULT '',
	leader_last_seen TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const createNotifyFunc = `
CREATE OR REPLACE FUNCTION focus_session_notify() RETURNS trigger AS $fn$
BEGIN
	PERFORM pg_notify(%s, NEW.id::text);
	RETURN NEW;
END;
$fn$ LANGUAGE plpgsql`

const dropNotifyTrigger = `DROP TRIGGER IF EXISTS focus_session_notify ON focus_current_session`

const createNotifyTrigger = `
CREATE TRIGGER focus_session_notify
	AFTER INSERT OR UPDATE ON focus_current_session
	FOR EACH ROW EXECUTE FUNCTION focus_session_notify()`

// EnsureSchema creates the session slot table and its notify trigger.
// Safe to run on every startup.
func (c *Channel) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		createSlotTable,
		fmt.Sprintf(createNotifyFunc, pq.QuoteLiteral(c.cfg.NotifyChannel)),
		dropNotifyTrigger,
		createNotifyTrigger,
	}
	for _, stmt := range stmts {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure session schema: %w", err)
		}
	}
	return nil
}

const upsertSlot = `
INSERT INTO focus_current_session (
	slot, id, subject_id, start_time, duration_sec, remaining_sec,
	is_active, is_paused, is_break, completed_at, leader_id, leader_last_seen, updated_at
) VALUES (
	1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now()
)
ON CONFLICT (slot) DO UPDATE SET
	id               = EXCLUDED.id,
	subject_id       = EXCLUDED.subject_id,
	start_time       = EXCLUDED.start_time,
	duration_sec     = EXCLUDED.duration_sec,
	remaining_sec    = EXCLUDED.remaining_sec,
	is_active        = EXCLUDED.is_active,
	is_paused        = EXCLUDED.is_paused,
	is_break         = EXCLUDED.is_break,
	completed_at     = EXCLUDED.completed_at,
	leader_id        = EXCLUDED.leader_id,
	leader_last_seen = EXCLUDED.leader_last_seen,
	updated_at       = now()`

// Save upserts the session into the slot row. The trigger notifies every
// listening device, including the writer itself.
func (c *Channel) Save(ctx context.Context, session *models.FocusSession) error {
	if session == nil {
		return fmt.Errorf("cannot save nil session")
	}
	_, err := c.pool.Exec(ctx, upsertSlot,
		session.ID, session.SubjectID, session.StartTime,
		session.DurationSec, session.RemainingSec,
		session.IsActive, session.IsPaused, session.IsBreak,
		session.CompletedAt, session.LeaderID, session.LeaderLastSeen,
	)
	if err != nil {
		return fmt.Errorf("save session slot: %w", err)
	}
	return nil
}

const selectSlot = `
SELECT id, subject_id, start_time, duration_sec, remaining_sec,
	is_active, is_paused, is_break, completed_at, leader_id, leader_last_seen, updated_at
FROM focus_current_session
WHERE slot = 1`

// FetchCurrent reads the slot row. An empty slot returns (nil, nil).
func (c *Channel) FetchCurrent(ctx context.Context) (*models.FocusSession, error) {
	session, _, err := c.fetch(ctx)
	return session, err
}

func (c *Channel) fetch(ctx context.Context) (*models.FocusSession, time.Time, error) {
	var (
		s       models.FocusSession
		updated time.Time
	)
	err := c.pool.QueryRow(ctx, selectSlot).Scan(
		&s.ID, &s.SubjectID, &s.StartTime, &s.DurationSec, &s.RemainingSec,
		&s.IsActive, &s.IsPaused, &s.IsBreak, &s.CompletedAt,
		&s.LeaderID, &s.LeaderLastSeen, &updated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetch session slot: %w", err)
	}
	return &s, updated, nil
}

// Subscribe registers a callback for slot changes. The first subscriber
// opens the LISTEN connection; the last cancel closes it.
func (c *Channel) Subscribe(cb func(*models.FocusSession)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.listening {
		if err := c.startListener(); err != nil {
			return nil, err
		}
	}

	c.nextID++
	id := c.nextID
	c.subs[id] = cb

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			if len(c.subs) == 0 && c.listening {
				close(c.done)
				c.listening = false
			}
		})
	}
	return cancel, nil
}

// startListener opens the LISTEN connection and spawns the pump loop.
// Caller holds c.mu.
func (c *Channel) startListener() error {
	l := pq.NewListener(
		c.cfg.DatabaseURL,
		c.cfg.MinReconnect,
		c.cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("session listener event")
			}
		},
	)
	if err := l.Listen(c.cfg.NotifyChannel); err != nil {
		l.Close()
		return fmt.Errorf("listen on %s: %w", c.cfg.NotifyChannel, err)
	}

	done := make(chan struct{})
	c.done = done
	c.listening = true

	go c.run(l, done)

	log.Info().
		Str("channel", c.cfg.NotifyChannel).
		Msg("listening for session changes")
	return nil
}

func (c *Channel) run(l *pq.Listener, done chan struct{}) {
	defer l.Close()

	fallback := time.NewTicker(c.cfg.FallbackInterval)
	ping := time.NewTicker(c.cfg.PingInterval)
	defer fallback.Stop()
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case note := <-l.Notify:
			if note == nil {
				// nil notification means the connection was lost; the
				// fallback poll covers anything missed while reconnecting
				continue
			}
			c.refresh(true)
		case <-fallback.C:
			c.refresh(false)
		case <-ping.C:
			if err := l.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping session listener")
			}
		}
	}
}

// refresh re-reads the slot and fans it out. Pushed notifications always
// deliver; poll sweeps skip rows already seen so followers are not spammed
// with stale snapshots every interval.
func (c *Channel) refresh(pushed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	session, stamp, err := c.fetch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to refresh session slot")
		return
	}

	c.mu.Lock()
	if !pushed && !stamp.After(c.lastStamp) {
		c.mu.Unlock()
		return
	}
	if stamp.After(c.lastStamp) {
		c.lastStamp = stamp
	}
	cbs := make([]func(*models.FocusSession), 0, len(c.subs))
	for _, cb := range c.subs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(session.Clone())
	}
}
