package focus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mkove/focusdeck/go/internal/models"
)

// sideEffectTimeout bounds the detached writes fired on session completion.
const sideEffectTimeout = 10 * time.Second

// StartRequest describes a session to start. A blank SubjectID becomes the
// appropriate sentinel subject; a blank SubjectName falls back to the ID.
type StartRequest struct {
	SubjectID   string
	SubjectName string
	DurationSec int
	IsBreak     bool
}

func (r *StartRequest) normalize() error {
	if r.DurationSec <= 0 {
		return ErrInvalidDuration
	}
	if r.SubjectID == "" {
		if r.IsBreak {
			r.SubjectID = models.SubjectBreak
		} else {
			r.SubjectID = models.SubjectNone
		}
	}
	if r.SubjectName == "" {
		r.SubjectName = r.SubjectID
	}
	return nil
}

// Engine is the per-client timer state machine. It is passive: the
// coordinator drives every transition and tick, so the engine needs no
// goroutine and no locking of its own. Leaders tick it; followers only
// mirror records into it via Adopt.
//
// Terminal transitions fire side effects (completion log, task counter,
// notification, wake lock release) on the client that performs the local
// transition. Observing someone else's terminal record never fires them.
type Engine struct {
	state       models.TimerState
	rec         *models.FocusSession
	subjectName string
	lastTick    time.Time

	notifier   Notifier
	progress   TaskProgress
	sessionLog CompletionLog
	wakeLock   WakeLock
}

func NewEngine(notifier Notifier, progress TaskProgress, sessionLog CompletionLog, wakeLock WakeLock) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if progress == nil {
		progress = nopProgress{}
	}
	if sessionLog == nil {
		sessionLog = nopCompletionLog{}
	}
	if wakeLock == nil {
		wakeLock = NopWakeLock{}
	}
	return &Engine{
		state:      models.TimerStateIdle,
		notifier:   notifier,
		progress:   progress,
		sessionLog: sessionLog,
		wakeLock:   wakeLock,
	}
}

func (e *Engine) State() models.TimerState { return e.state }

// Current returns a copy of the session record, or nil when idle.
func (e *Engine) Current() *models.FocusSession { return e.rec.Clone() }

func (e *Engine) SubjectName() string { return e.subjectName }

// Remaining reports drift-corrected remaining seconds as of now. Running
// sessions burn down continuously between ticks; paused and terminal ones
// hold their stored value.
func (e *Engine) Remaining(now time.Time) int {
	if e.rec == nil {
		return 0
	}
	if e.state == models.TimerStateRunning {
		return CorrectRemaining(e.rec.RemainingSec, e.lastTick, false, now)
	}
	return e.rec.RemainingSec
}

// StartSession replaces whatever the engine holds with a fresh running
// session. Any prior session is discarded silently; the explicit start is
// the user's statement that it no longer matters.
func (e *Engine) StartSession(req StartRequest, now time.Time) (*models.FocusSession, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	e.wakeLock.Release()
	e.rec = &models.FocusSession{
		ID:           uuid.New(),
		SubjectID:    req.SubjectID,
		StartTime:    now,
		DurationSec:  req.DurationSec,
		RemainingSec: req.DurationSec,
		IsActive:     true,
		IsBreak:      req.IsBreak,
	}
	e.subjectName = req.SubjectName
	e.state = models.TimerStateRunning
	e.lastTick = now
	if err := e.wakeLock.Acquire(); err != nil {
		log.Warn().Err(err).Msg("wake lock unavailable, timer may suspend with the device")
	}
	e.notifyDetached(NotifyStart, req.SubjectName, req.IsBreak)
	log.Info().
		Str("sessionId", e.rec.ID.String()).
		Str("subjectId", req.SubjectID).
		Int("durationSec", req.DurationSec).
		Bool("isBreak", req.IsBreak).
		Msg("focus session started")
	return e.rec.Clone(), nil
}

// Tick burns down a running session by the wall-clock time elapsed since the
// previous tick, so a suspended process catches up in one step instead of
// losing the gap. Reports whether the session just completed.
func (e *Engine) Tick(now time.Time) (completed bool) {
	if e.state != models.TimerStateRunning || e.rec == nil {
		return false
	}
	e.rec.RemainingSec = CorrectRemaining(e.rec.RemainingSec, e.lastTick, false, now)
	e.lastTick = now
	if e.rec.RemainingSec > 0 {
		return false
	}
	e.complete(now, false)
	return true
}

// Pause freezes a running session. Pausing an already paused session is a
// no-op; pausing anything else reports ErrNoSession.
func (e *Engine) Pause(now time.Time) error {
	switch e.state {
	case models.TimerStatePaused:
		return nil
	case models.TimerStateRunning:
	default:
		return ErrNoSession
	}
	e.rec.RemainingSec = CorrectRemaining(e.rec.RemainingSec, e.lastTick, false, now)
	e.rec.IsPaused = true
	e.state = models.TimerStatePaused
	e.lastTick = now
	e.wakeLock.Release()
	log.Info().
		Str("sessionId", e.rec.ID.String()).
		Int("remainingSec", e.rec.RemainingSec).
		Msg("focus session paused")
	return nil
}

// Resume continues a paused session with exactly the remaining time it was
// paused at; time spent paused never burns down.
func (e *Engine) Resume(now time.Time) error {
	switch e.state {
	case models.TimerStateRunning:
		return nil
	case models.TimerStatePaused:
	default:
		return ErrNoSession
	}
	e.rec.IsPaused = false
	e.state = models.TimerStateRunning
	e.lastTick = now
	if err := e.wakeLock.Acquire(); err != nil {
		log.Warn().Err(err).Msg("wake lock unavailable, timer may suspend with the device")
	}
	log.Info().
		Str("sessionId", e.rec.ID.String()).
		Int("remainingSec", e.rec.RemainingSec).
		Msg("focus session resumed")
	return nil
}

// Stop ends the session early with full terminal side effects. The record
// keeps its unspent remaining time. Stopping with nothing to stop reports
// ErrNoSession so a second stop stays a no-op.
func (e *Engine) Stop(now time.Time) (*models.FocusSession, error) {
	if e.rec == nil || e.state == models.TimerStateIdle || e.state == models.TimerStateCompleted {
		return nil, ErrNoSession
	}
	if e.state == models.TimerStateRunning {
		e.rec.RemainingSec = CorrectRemaining(e.rec.RemainingSec, e.lastTick, false, now)
		e.lastTick = now
	}
	e.complete(now, false)
	return e.rec.Clone(), nil
}

// CompleteSilent finalizes a session that was found already expired, such as
// a record restored or taken over with no time left. The completion log and
// task counter still record the work; only the notification is suppressed,
// since the moment it celebrates is long past.
func (e *Engine) CompleteSilent(now time.Time) *models.FocusSession {
	if e.rec == nil || e.state == models.TimerStateIdle || e.state == models.TimerStateCompleted {
		return nil
	}
	e.complete(now, true)
	return e.rec.Clone()
}

// Adopt replaces the engine's view with an observed record. Nil and terminal
// records clear to idle without side effects. When leading, the tick clock
// restarts at now; followers anchor to the leader's last write so Remaining
// stays drift-corrected between updates.
func (e *Engine) Adopt(rec *models.FocusSession, now time.Time, leading bool) {
	if rec == nil || rec.Terminal() {
		e.Clear()
		return
	}
	if e.rec == nil || e.rec.ID != rec.ID {
		e.subjectName = rec.SubjectID
	}
	e.rec = rec.Clone()
	if rec.IsPaused {
		e.state = models.TimerStatePaused
	} else {
		e.state = models.TimerStateRunning
	}
	if leading {
		e.lastTick = now
	} else {
		e.lastTick = rec.LeaderLastSeen
	}
	if leading && e.state == models.TimerStateRunning {
		if err := e.wakeLock.Acquire(); err != nil {
			log.Warn().Err(err).Msg("wake lock unavailable, timer may suspend with the device")
		}
	} else {
		e.wakeLock.Release()
	}
}

// TouchLeader refreshes the leader stamp on the engine's record so saved
// clones and the local mirror agree on the snapshot instant.
func (e *Engine) TouchLeader(deviceID string, now time.Time) {
	if e.rec == nil {
		return
	}
	e.rec.LeaderID = deviceID
	e.rec.LeaderLastSeen = now
}

// Clear resets the engine to idle without any terminal side effects.
func (e *Engine) Clear() {
	e.wakeLock.Release()
	e.rec = nil
	e.subjectName = ""
	e.state = models.TimerStateIdle
}

func (e *Engine) complete(now time.Time, silent bool) {
	e.rec.IsActive = false
	e.rec.IsPaused = false
	completedAt := now
	e.rec.CompletedAt = &completedAt
	e.state = models.TimerStateCompleted
	e.wakeLock.Release()

	entry := models.CompletedSession{
		SessionID:   e.rec.ID,
		SubjectID:   e.rec.SubjectID,
		SecondsDone: e.rec.DurationSec - e.rec.RemainingSec,
		IsBreak:     e.rec.IsBreak,
		StartedAt:   e.rec.StartTime,
		CompletedAt: completedAt,
	}
	countsToward := e.rec.HasTaskSubject()
	subjectName := e.subjectName
	isBreak := e.rec.IsBreak

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := e.sessionLog.Append(ctx, entry); err != nil {
			log.Warn().Err(err).Str("sessionId", entry.SessionID.String()).Msg("failed to append completed session")
		}
		if countsToward {
			if err := e.progress.IncrementCompletion(ctx, entry.SubjectID); err != nil {
				log.Warn().Err(err).Str("subjectId", entry.SubjectID).Msg("failed to increment task completions")
			}
		}
		if !silent {
			if err := e.notifier.Notify(ctx, NotifyComplete, subjectName, isBreak); err != nil {
				log.Warn().Err(err).Msg("failed to deliver completion notification")
			}
		}
	}()

	log.Info().
		Str("sessionId", e.rec.ID.String()).
		Str("subjectId", e.rec.SubjectID).
		Int("secondsDone", entry.SecondsDone).
		Bool("silent", silent).
		Msg("focus session ended")
}

func (e *Engine) notifyDetached(kind NotifyKind, subjectName string, isBreak bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := e.notifier.Notify(ctx, kind, subjectName, isBreak); err != nil {
			log.Warn().Err(err).Msg("failed to deliver session notification")
		}
	}()
}
