package focus

import (
	"time"

	"github.com/mkove/focusdeck/go/internal/models"
)

// CorrectRemaining computes the true remaining seconds for a session given
// the remaining value captured at snapshotAt and the current time. Paused
// sessions do not burn time, so their remaining value passes through
// untouched. The result never goes below zero and never exceeds the
// snapshot value, even if clocks run backwards between writes.
func CorrectRemaining(remainingSec int, snapshotAt time.Time, paused bool, now time.Time) int {
	if paused {
		return remainingSec
	}
	elapsed := int(now.Sub(snapshotAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	corrected := remainingSec - elapsed
	if corrected < 0 {
		corrected = 0
	}
	return corrected
}

// SnapshotRemaining applies CorrectRemaining to a session record, using the
// leader's last write as the snapshot instant. Inactive or missing records
// report zero.
func SnapshotRemaining(s *models.FocusSession, now time.Time) int {
	if s == nil || !s.IsActive {
		return 0
	}
	return CorrectRemaining(s.RemainingSec, s.LeaderLastSeen, s.IsPaused, now)
}
