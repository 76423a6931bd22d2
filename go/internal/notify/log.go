package notify

import (
	"context"

	"github.com/mkove/focusdeck/go/internal/focus"
	"github.com/rs/zerolog/log"
)

// LogNotifier writes session notifications to the structured log. It is the
// default sink for headless agents with no desktop notification surface.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, kind focus.NotifyKind, subjectName string, isBreak bool) error {
	title, _ := message(kind, subjectName, isBreak)
	log.Info().
		Str("kind", string(kind)).
		Str("subject", subjectName).
		Bool("is_break", isBreak).
		Msg(title)
	return nil
}

// message renders the user-facing title and body for a transition.
func message(kind focus.NotifyKind, subjectName string, isBreak bool) (title, body string) {
	switch {
	case kind == focus.NotifyStart && isBreak:
		return "Break started", "Step away for a bit."
	case kind == focus.NotifyStart:
		return "Focus session started", subjectName
	case kind == focus.NotifyComplete && isBreak:
		return "Break finished", "Ready for the next session."
	default:
		return "Focus session complete", subjectName
	}
}
