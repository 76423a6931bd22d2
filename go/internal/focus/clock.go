package focus

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source injected into every timing-sensitive component.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
	NewTimer(d time.Duration) clockwork.Timer
}
