package focus

import (
	"time"

	"github.com/mkove/focusdeck/go/internal/focus/events"
)

// TabElector elects one coordinator per device to do the actual timer work.
// The winner announces itself on the local bus every heartbeat; the rest
// render mirrored state and promote themselves only after the announcements
// stop. An explicit user action claims leadership instantly via a forced
// announcement that every other tab yields to.
//
// Like DeviceElector, this is a pure state machine owned by the coordinator
// loop; the only side effect is broadcasting on the bus, which never blocks.
type TabElector struct {
	tabID     string
	bus       LocalBroadcastChannel
	heartbeat time.Duration
	stale     time.Duration

	leader       bool
	leaderTab    string
	leaderSeen   time.Time
	lastAnnounce time.Time
}

// NewTabElector starts as a follower granting any incumbent a full stale
// window to announce itself. With eager set it assumes leadership at once,
// which suits headless deployments that run a single coordinator per device.
func NewTabElector(tabID string, bus LocalBroadcastChannel, heartbeat, stale time.Duration, eager bool, now time.Time) *TabElector {
	if bus == nil {
		bus = nopBus{}
	}
	e := &TabElector{
		tabID:      tabID,
		bus:        bus,
		heartbeat:  heartbeat,
		stale:      stale,
		leaderSeen: now,
	}
	if eager {
		e.leader = true
	}
	return e
}

func (e *TabElector) ID() string        { return e.tabID }
func (e *TabElector) IsLeader() bool    { return e.leader }
func (e *TabElector) LeaderTab() string { return e.leaderTab }

// Tick advances the election clock. Leaders re-announce on the heartbeat
// cadence; followers promote themselves once the last announcement is older
// than the stale window. Reports whether this tab just became leader.
func (e *TabElector) Tick(now time.Time) (became bool) {
	if e.leader {
		if now.Sub(e.lastAnnounce) >= e.heartbeat {
			e.announce(now)
		}
		return false
	}
	if now.Sub(e.leaderSeen) >= e.stale {
		e.leader = true
		e.leaderTab = e.tabID
		e.announce(now)
		return true
	}
	return false
}

// ForceClaim takes local leadership immediately on explicit user action.
func (e *TabElector) ForceClaim(now time.Time) (became bool) {
	became = !e.leader
	e.leader = true
	e.leaderTab = e.tabID
	e.bus.Broadcast(events.Message{
		Kind:   events.KindBecameLeader,
		TabID:  e.tabID,
		Force:  true,
		SentAt: now,
	})
	e.lastAnnounce = now
	return became
}

// Observe processes an election message from another tab and reports whether
// this tab just lost leadership. Concurrent claims resolve deterministically:
// the lexicographically lower tab ID keeps the seat, and the survivor's next
// announcement walks the loser back down.
func (e *TabElector) Observe(msg events.Message, now time.Time) (lost bool) {
	if msg.TabID == e.tabID {
		return false
	}
	switch msg.Kind {
	case events.KindBecameLeader:
		if !e.leader {
			e.leaderTab = msg.TabID
			e.leaderSeen = now
			return false
		}
		if msg.Force || msg.TabID < e.tabID {
			e.leader = false
			e.leaderTab = msg.TabID
			e.leaderSeen = now
			return true
		}
		return false
	case events.KindLostLeadership:
		if !e.leader && e.leaderTab == msg.TabID {
			// Clean departure: make every follower instantly eligible.
			e.leaderTab = ""
			e.leaderSeen = now.Add(-e.stale)
		}
		return false
	default:
		return false
	}
}

// Release gives up leadership cleanly on shutdown, inviting an immediate
// re-election instead of a full stale wait.
func (e *TabElector) Release(now time.Time) {
	if !e.leader {
		return
	}
	e.leader = false
	e.leaderTab = ""
	e.bus.Broadcast(events.Message{
		Kind:   events.KindLostLeadership,
		TabID:  e.tabID,
		SentAt: now,
	})
}

func (e *TabElector) announce(now time.Time) {
	e.bus.Broadcast(events.Message{
		Kind:   events.KindBecameLeader,
		TabID:  e.tabID,
		SentAt: now,
	})
	e.lastAnnounce = now
}
