package focus

import (
	"time"

	"github.com/mkove/focusdeck/go/internal/models"
)

// DeviceElector decides which device owns the shared session record.
// Leadership is embedded in the record itself: LeaderID names the holder and
// LeaderLastSeen is its freshness proof, refreshed by heartbeat writes. There
// is no separate lock; convergence is last-write-wins on the record.
//
// The elector holds no I/O and no mutex. All methods are called from the
// coordinator's event loop, which owns it exclusively.
type DeviceElector struct {
	deviceID       string
	staleThreshold time.Duration
	abandonAfter   time.Duration
	leader         bool
}

func NewDeviceElector(deviceID string, staleThreshold, abandonAfter time.Duration) *DeviceElector {
	return &DeviceElector{
		deviceID:       deviceID,
		staleThreshold: staleThreshold,
		abandonAfter:   abandonAfter,
	}
}

func (e *DeviceElector) ID() string     { return e.deviceID }
func (e *DeviceElector) IsLeader() bool { return e.leader }

// Claim attempts to take device leadership given the freshest known record.
// A forced claim always wins: explicit user action outranks any live leader.
// Otherwise the claim succeeds only when the record is vacant, already ours,
// or its leader has gone stale.
func (e *DeviceElector) Claim(rec *models.FocusSession, force bool, now time.Time) bool {
	if force {
		e.leader = true
		return true
	}
	if rec == nil || !rec.IsActive || rec.LeaderID == e.deviceID {
		e.leader = true
		return true
	}
	if now.Sub(rec.LeaderLastSeen) >= e.staleThreshold {
		e.leader = true
		return true
	}
	return false
}

// Adopt takes leadership without contest, used when a record already naming
// this device is rediscovered after a restart or a local tab handoff.
func (e *DeviceElector) Adopt() { e.leader = true }

// Yield drops leadership locally. The record is left for the new leader to
// overwrite.
func (e *DeviceElector) Yield() { e.leader = false }

// Stamp marks the record as held by this device as of now. Callers persist
// the stamped record; the stamp and the save together form one heartbeat.
func (e *DeviceElector) Stamp(rec *models.FocusSession, now time.Time) {
	rec.LeaderID = e.deviceID
	rec.LeaderLastSeen = now
}

// OwnRecord reports whether the record names this device as leader.
func (e *DeviceElector) OwnRecord(rec *models.FocusSession) bool {
	return rec != nil && rec.LeaderID == e.deviceID
}

// ShouldYield reports whether an observed record should displace our own
// leadership, given ours as the record we are driving. The later writer keeps
// the session. Records stamped at the exact same instant break the tie on
// device ID, so two same-instant starts converge on one leader instead of
// dethroning each other.
func (e *DeviceElector) ShouldYield(rec, ours *models.FocusSession, now time.Time) bool {
	if !e.leader || rec == nil || !rec.IsActive {
		return false
	}
	if rec.LeaderID == e.deviceID {
		return false
	}
	if now.Sub(rec.LeaderLastSeen) >= e.staleThreshold {
		// A stale foreign record loses to our next write.
		return false
	}
	if ours == nil || rec.LeaderLastSeen.After(ours.LeaderLastSeen) {
		return true
	}
	return rec.LeaderLastSeen.Equal(ours.LeaderLastSeen) && rec.LeaderID < e.deviceID
}

// IsStale reports whether the record's foreign leader has missed enough
// heartbeats to be presumed dead.
func (e *DeviceElector) IsStale(rec *models.FocusSession, now time.Time) bool {
	if rec == nil || !rec.IsActive || rec.LeaderID == e.deviceID {
		return false
	}
	return now.Sub(rec.LeaderLastSeen) >= e.staleThreshold
}

// IsAbandoned reports whether the record has been silent for so long that
// resuming it would surprise the user. Abandoned sessions are cleared
// without side effects instead of taken over.
func (e *DeviceElector) IsAbandoned(rec *models.FocusSession, now time.Time) bool {
	if rec == nil || !rec.IsActive {
		return false
	}
	return now.Sub(rec.LeaderLastSeen) >= e.abandonAfter
}

// TakeoverIfStale adopts a stale foreign session: it corrects the remaining
// time for the dead leader's silence, stamps the record as ours, and flips
// this elector to leader. The caller persists the returned record. Paused
// sessions come through with their remaining time untouched.
func (e *DeviceElector) TakeoverIfStale(rec *models.FocusSession, now time.Time) (*models.FocusSession, bool) {
	if !e.IsStale(rec, now) {
		return nil, false
	}
	adopted := rec.Clone()
	adopted.RemainingSec = CorrectRemaining(rec.RemainingSec, rec.LeaderLastSeen, rec.IsPaused, now)
	e.Stamp(adopted, now)
	e.leader = true
	return adopted, true
}
