package events

import (
	"time"

	"github.com/mkove/focusdeck/go/internal/models"
)

// Message kinds exchanged on the device-local broadcast bus. The same
// envelope is forwarded verbatim to UI tabs by the gateway, so every field
// carries a JSON tag.
type Kind string

const (
	// KindSessionUpdate carries the latest session snapshot (nil Session
	// means the timer was cleared to idle).
	KindSessionUpdate Kind = "session_update"
	// KindBecameLeader is the local-leader tab's liveness announcement.
	// With Force set it is an explicit user-action claim that every other
	// tab must yield to immediately.
	KindBecameLeader Kind = "became_leader"
	// KindLostLeadership is broadcast by a tab relinquishing local
	// leadership cleanly, inviting an immediate re-election.
	KindLostLeadership Kind = "lost_leadership"
)

// Message is the typed envelope for local broadcast traffic.
type Message struct {
	Kind    Kind                 `json:"kind"`
	TabID   string               `json:"tab_id"`
	Force   bool                 `json:"force,omitempty"`
	Session *models.FocusSession `json:"session,omitempty"`
	SentAt  time.Time            `json:"sent_at"`
}
