package focus

import (
	"context"

	"github.com/mkove/focusdeck/go/internal/focus/events"
	"github.com/mkove/focusdeck/go/internal/models"
)

// RemoteSessionChannel is the shared store for the current focus session plus
// its change feed. Implementations pair a push mechanism with a polling
// fallback behind Subscribe so the coordinator stays transport-agnostic.
// Writes are last-write-wins; there is no compare-and-set.
type RemoteSessionChannel interface {
	// FetchCurrent returns the latest persisted session, or nil when no
	// record exists. Implementations discard malformed records and report
	// them as nil rather than returning an error.
	FetchCurrent(ctx context.Context) (*models.FocusSession, error)

	// Save persists the record, overwriting whatever is stored.
	Save(ctx context.Context, session *models.FocusSession) error

	// Subscribe registers cb for change notifications until the returned
	// cancel func is called. cb receives the freshest record on every
	// observed change (nil when the record disappears) and may be invoked
	// from any goroutine. Duplicate deliveries are allowed.
	Subscribe(cb func(*models.FocusSession)) (cancel func(), err error)
}

// LocalBroadcastChannel fans messages out to the other coordinators on the
// same device. Senders never receive their own messages back.
type LocalBroadcastChannel interface {
	Broadcast(msg events.Message)
	SubscribeLocal(cb func(events.Message)) (cancel func())
}

// NotifyKind selects the notification template.
type NotifyKind string

const (
	NotifyStart    NotifyKind = "start"
	NotifyComplete NotifyKind = "complete"
)

// Notifier delivers user-facing notifications for session transitions.
// Delivery is best effort; the timer never blocks on it.
type Notifier interface {
	Notify(ctx context.Context, kind NotifyKind, subjectName string, isBreak bool) error
}

// TaskProgress increments per-task completion counters when a non-break
// session with a real task subject reaches a terminal state.
type TaskProgress interface {
	IncrementCompletion(ctx context.Context, subjectID string) error
}

// CompletionLog appends finished sessions to the completed-session history.
type CompletionLog interface {
	Append(ctx context.Context, rec models.CompletedSession) error
}

// WakeLock keeps the host awake while this client is the ticking leader.
// Implementations that cannot hold a lock should no-op rather than error.
type WakeLock interface {
	Acquire() error
	Release()
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, NotifyKind, string, bool) error { return nil }

type nopProgress struct{}

func (nopProgress) IncrementCompletion(context.Context, string) error { return nil }

type nopCompletionLog struct{}

func (nopCompletionLog) Append(context.Context, models.CompletedSession) error { return nil }

// NopWakeLock is the default WakeLock; it holds nothing.
type NopWakeLock struct{}

func (NopWakeLock) Acquire() error { return nil }
func (NopWakeLock) Release()       {}

type nopBus struct{}

func (nopBus) Broadcast(events.Message) {}

func (nopBus) SubscribeLocal(func(events.Message)) (cancel func()) { return func() {} }
