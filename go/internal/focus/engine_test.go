package focus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkove/focusdeck/go/internal/models"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []NotifyKind
}

func (f *fakeNotifier) Notify(_ context.Context, kind NotifyKind, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	return nil
}

func (f *fakeNotifier) count(kind NotifyKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.calls {
		if k == kind {
			n++
		}
	}
	return n
}

type fakeProgress struct {
	mu        sync.Mutex
	bySubject map[string]int
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{bySubject: make(map[string]int)}
}

func (f *fakeProgress) IncrementCompletion(_ context.Context, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bySubject[subjectID]++
	return nil
}

func (f *fakeProgress) completions(subjectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bySubject[subjectID]
}

type fakeCompletionLog struct {
	mu      sync.Mutex
	entries []models.CompletedSession
}

func (f *fakeCompletionLog) Append(_ context.Context, rec models.CompletedSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, rec)
	return nil
}

func (f *fakeCompletionLog) all() []models.CompletedSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.CompletedSession, len(f.entries))
	copy(out, f.entries)
	return out
}

type fakeWakeLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
}

func (f *fakeWakeLock) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = true
	f.acquires++
	return nil
}

func (f *fakeWakeLock) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
}

func (f *fakeWakeLock) isHeld() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

type engineFixture struct {
	engine   *Engine
	notifier *fakeNotifier
	progress *fakeProgress
	log      *fakeCompletionLog
	wake     *fakeWakeLock
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		notifier: &fakeNotifier{},
		progress: newFakeProgress(),
		log:      &fakeCompletionLog{},
		wake:     &fakeWakeLock{},
	}
	f.engine = NewEngine(f.notifier, f.progress, f.log, f.wake)
	return f
}

var engineT0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestEngineStartSession(t *testing.T) {
	f := newEngineFixture()

	rec, err := f.engine.StartSession(StartRequest{
		SubjectID:   "task-1",
		SubjectName: "Write tests",
		DurationSec: 1500,
	}, engineT0)
	require.NoError(t, err)

	assert.Equal(t, models.TimerStateRunning, f.engine.State())
	assert.Equal(t, "task-1", rec.SubjectID)
	assert.Equal(t, 1500, rec.DurationSec)
	assert.Equal(t, 1500, rec.RemainingSec)
	assert.True(t, rec.IsActive)
	assert.False(t, rec.IsBreak)
	assert.Equal(t, engineT0, rec.StartTime)
	assert.Equal(t, "Write tests", f.engine.SubjectName())
	assert.True(t, f.wake.isHeld())

	require.Eventually(t, func() bool {
		return f.notifier.count(NotifyStart) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineStartDefaultsSubject(t *testing.T) {
	f := newEngineFixture()

	rec, err := f.engine.StartSession(StartRequest{DurationSec: 300}, engineT0)
	require.NoError(t, err)
	assert.Equal(t, models.SubjectNone, rec.SubjectID)

	rec, err = f.engine.StartSession(StartRequest{DurationSec: 300, IsBreak: true}, engineT0)
	require.NoError(t, err)
	assert.Equal(t, models.SubjectBreak, rec.SubjectID)
	assert.True(t, rec.IsBreak)
}

func TestEngineStartRejectsBadDuration(t *testing.T) {
	f := newEngineFixture()
	_, err := f.engine.StartSession(StartRequest{DurationSec: 0}, engineT0)
	assert.ErrorIs(t, err, ErrInvalidDuration)
	_, err = f.engine.StartSession(StartRequest{DurationSec: -60}, engineT0)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestEngineTickBurnsElapsedTime(t *testing.T) {
	f := newEngineFixture()
	_, err := f.engine.StartSession(StartRequest{SubjectID: "task-1", DurationSec: 60}, engineT0)
	require.NoError(t, err)

	assert.False(t, f.engine.Tick(engineT0.Add(time.Second)))
	assert.Equal(t, 59, f.engine.Remaining(engineT0.Add(time.Second)))

	// A suspended process catches up in one tick instead of losing the gap.
	assert.False(t, f.engine.Tick(engineT0.Add(25*time.Second)))
	assert.Equal(t, 35, f.engine.Remaining(engineT0.Add(25*time.Second)))
}

func TestEngineCompletesAtZero(t *testing.T) {
	f := newEngineFixture()
	_, err := f.engine.StartSession(StartRequest{SubjectID: "task-1", DurationSec: 5}, engineT0)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		assert.False(t, f.engine.Tick(engineT0.Add(time.Duration(i)*time.Second)))
	}
	assert.True(t, f.engine.Tick(engineT0.Add(5*time.Second)))
	assert.Equal(t, models.TimerStateCompleted, f.engine.State())
	assert.False(t, f.wake.isHeld())

	rec := f.engine.Current()
	require.NotNil(t, rec)
	assert.False(t, rec.IsActive)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, engineT0.Add(5*time.Second), *rec.CompletedAt)

	// Ticking a completed session does nothing further.
	assert.False(t, f.engine.Tick(engineT0.Add(6*time.Second)))

	require.Eventually(t, func() bool {
		return len(f.log.all()) == 1 && f.progress.completions("task-1") == 1 && f.notifier.count(NotifyComplete) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entry := f.log.all()[0]
	assert.Equal(t, 5, entry.SecondsDone)
	assert.Equal(t, "task-1", entry.SubjectID)
	assert.Equal(t, engineT0, entry.StartedAt)
}

func TestEnginePauseResumePreservesRemaining(t *testing.T) {
	f := newEngineFixture()
	_, err := f.engine.StartSession(StartRequest{SubjectID: "task-1", DurationSec: 60}, engineT0)
	require.NoError(t, err)

	f.engine.Tick(engineT0.Add(20 * time.Second))
	require.NoError(t, f.engine.Pause(engineT0.Add(20*time.Second)))
	assert.Equal(t, models.TimerStatePaused, f.engine.State())
	assert.False(t, f.wake.isHeld())

	// Ten minutes pass; a paused session burns none of it.
	later := engineT0.Add(10*time.Minute + 20*time.Second)
	assert.False(t, f.engine.Tick(later))
	assert.Equal(t, 40, f.engine.Remaining(later))

	require.NoError(t, f.engine.Resume(later))
	assert.True(t, f.wake.isHeld())
	f.engine.Tick(later.Add(time.Second))
	assert.Equal(t, 39, f.engine.Remaining(later.Add(time.Second)))
}

func TestEnginePauseStateErrors(t *testing.T) {
	f := newEngineFixture()
	assert.ErrorIs(t, f.engine.Pause(engineT0), ErrNoSession)
	assert.ErrorIs(t, f.engine.Resume(engineT0), ErrNoSession)

	_, err := f.engine.StartSession(StartRequest{SubjectID: "task-1", DurationSec: 60}, engineT0)
	require.NoError(t, err)
	require.NoError(t, f.engine.Pause(engineT0.Add(time.Second)))
	assert.NoError(t, f.engine.Pause(engineT0.Add(2*time.Second)), "pause is idempotent")
	require.NoError(t, f.engine.Resume(engineT0.Add(3*time.Second)))
	assert.NoError(t, f.engine.Resume(engineT0.Add(4*time.Second)), "resume is idempotent")
}

func TestEngineStopKeepsUnspentRemaining(t *testing.T) {
	f := newEngineFixture()
	_, err := f.engine.StartSession(StartRequest{SubjectID: "task-1", DurationSec: 60}, engineT0)
	require.NoError(t, err)
	f.engine.Tick(engineT0.Add(20 * time.Second))

	rec, err := f.engine.Stop(engineT0.Add(20 * time.Second))
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.Equal(t, 40, rec.RemainingSec)

	require.Eventually(t, func() bool {
		return len(f.log.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 20, f.log.all()[0].SecondsDone)

	// The terminal state refuses a second stop.
	_, err = f.engine.Stop(engineT0.Add(21 * time.Second))
	assert.ErrorIs(t, err, ErrNoSession)

	f.engine.Clear()
	_, err = f.engine.Stop(engineT0.Add(22 * time.Second))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEngineBreakSkipsTaskCounter(t *testing.T) {
	f := newEngineFixture()
	_, err := f.engine.StartSession(StartRequest{DurationSec: 2, IsBreak: true}, engineT0)
	require.NoError(t, err)
	f.engine.Tick(engineT0.Add(2 * time.Second))

	require.Eventually(t, func() bool {
		return len(f.log.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.log.all()[0].IsBreak)
	assert.Empty(t, f.progress.bySubject)
}

func TestEngineCompleteSilentNeedsLiveSession(t *testing.T) {
	f := newEngineFixture()
	assert.Nil(t, f.engine.CompleteSilent(engineT0))

	_, err := f.engine.StartSession(StartRequest{SubjectID: "task-1", DurationSec: 60}, engineT0)
	require.NoError(t, err)
	f.engine.Tick(engineT0.Add(60 * time.Second))

	// Already completed by the tick; nothing left to finalize.
	assert.Nil(t, f.engine.CompleteSilent(engineT0.Add(61*time.Second)))
}

func TestEngineCompleteSilentOnAdoptedRecord(t *testing.T) {
	f := newEngineFixture()
	now := engineT0.Add(30 * time.Minute)
	rec := validEngineRecord(now.Add(-25 * time.Minute))
	rec.RemainingSec = 0

	f.engine.Adopt(rec, now, true)
	term := f.engine.CompleteSilent(now)
	require.NotNil(t, term)
	assert.False(t, term.IsActive)

	require.Eventually(t, func() bool {
		return len(f.log.all()) == 1 && f.progress.completions(rec.SubjectID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.notifier.count(NotifyComplete))
}

func TestEngineAdopt(t *testing.T) {
	f := newEngineFixture()
	now := engineT0

	rec := validEngineRecord(now.Add(-time.Minute))
	f.engine.Adopt(rec, now, false)
	assert.Equal(t, models.TimerStateRunning, f.engine.State())
	assert.False(t, f.wake.isHeld(), "followers hold no wake lock")
	// Follower remaining anchors to the leader's stamp.
	assert.Equal(t, rec.RemainingSec-60, f.engine.Remaining(now))

	f.engine.Adopt(rec, now, true)
	assert.True(t, f.wake.isHeld())
	assert.Equal(t, rec.RemainingSec, f.engine.Remaining(now), "leaders anchor at adoption time")

	paused := validEngineRecord(now)
	paused.IsPaused = true
	f.engine.Adopt(paused, now, true)
	assert.Equal(t, models.TimerStatePaused, f.engine.State())
	assert.False(t, f.wake.isHeld())

	terminal := validEngineRecord(now)
	terminal.IsActive = false
	f.engine.Adopt(terminal, now, false)
	assert.Equal(t, models.TimerStateIdle, f.engine.State())
	assert.Nil(t, f.engine.Current())

	f.engine.Adopt(nil, now, false)
	assert.Equal(t, models.TimerStateIdle, f.engine.State())

	assert.Empty(t, f.log.all(), "observing records never fires side effects")
}

func validEngineRecord(lastSeen time.Time) *models.FocusSession {
	rec := electorRecord("dev-remote", lastSeen)
	rec.RemainingSec = 600
	return rec
}
