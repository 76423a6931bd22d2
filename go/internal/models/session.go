package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimerState defines the lifecycle state of the local timer engine.
type TimerState string

const (
	TimerStateIdle      TimerState = "IDLE"
	TimerStateRunning   TimerState = "RUNNING"
	TimerStatePaused    TimerState = "PAUSED"
	TimerStateCompleted TimerState = "COMPLETED"
)

// Sentinel subject IDs for sessions not attached to a task.
const (
	// SubjectNone marks an unattached focus session.
	SubjectNone = "focus"
	// SubjectBreak marks a break interval.
	SubjectBreak = "break"
)

// FocusSession is the single replicated record describing the current timer
// session. Exactly one device holds leadership over it at a time; every other
// client mirrors it read-only. RemainingSec and LeaderLastSeen are written
// together on every leader save, so followers can reconstruct true remaining
// time from the pair.
type FocusSession struct {
	ID             uuid.UUID  `json:"id"`
	SubjectID      string     `json:"subject_id"`
	StartTime      time.Time  `json:"start_time"`
	DurationSec    int        `json:"duration_sec"`
	RemainingSec   int        `json:"remaining_sec"`
	IsActive       bool       `json:"is_active"`
	IsPaused       bool       `json:"is_paused"`
	IsBreak        bool       `json:"is_break"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LeaderID       string     `json:"leader_id"`
	LeaderLastSeen time.Time  `json:"leader_last_seen"`
}

// Validate reports whether the record is well-formed enough to act on.
// Malformed persisted records are discarded and treated as "no active
// session" rather than surfaced as errors.
func (s *FocusSession) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("session has no id")
	}
	if s.SubjectID == "" {
		return fmt.Errorf("session %s has no subject", s.ID)
	}
	if s.DurationSec <= 0 {
		return fmt.Errorf("session %s has non-positive duration %d", s.ID, s.DurationSec)
	}
	if s.RemainingSec < 0 || s.RemainingSec > s.DurationSec {
		return fmt.Errorf("session %s remaining %d outside [0,%d]", s.ID, s.RemainingSec, s.DurationSec)
	}
	if s.StartTime.IsZero() {
		return fmt.Errorf("session %s has no start time", s.ID)
	}
	return nil
}

// Terminal reports whether the session has ended (stopped or completed).
// Terminal records are never resurrected; a new start always mints a new ID.
func (s *FocusSession) Terminal() bool {
	return !s.IsActive
}

// HasTaskSubject reports whether the session counts toward a real task's
// completion counter. Breaks and sentinel subjects do not.
func (s *FocusSession) HasTaskSubject() bool {
	return !s.IsBreak && s.SubjectID != SubjectNone && s.SubjectID != SubjectBreak
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing the CompletedAt pointer.
func (s *FocusSession) Clone() *FocusSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// CompletedSession is one row of the completed-sessions log, appended when a
// session reaches a terminal state through completion or an explicit stop.
type CompletedSession struct {
	SessionID   uuid.UUID `json:"session_id"`
	SubjectID   string    `json:"subject_id"`
	SecondsDone int       `json:"seconds_done"`
	IsBreak     bool      `json:"is_break"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
