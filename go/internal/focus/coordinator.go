package focus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mkove/focusdeck/go/internal/focus/events"
	"github.com/mkove/focusdeck/go/internal/models"
)

const (
	maxSaveAttempts = 3
	saveRetryDelay  = 200 * time.Millisecond
	saveTimeout     = 10 * time.Second
	fetchTimeout    = 10 * time.Second
)

// Options configures a Coordinator. Zero values fall back to defaults; blank
// IDs are generated.
type Options struct {
	// DeviceID identifies this device in the shared record. Coordinators
	// on the same device must share it so leadership survives tab
	// handoffs without a takeover.
	DeviceID string
	// TabID identifies this coordinator instance on the local bus.
	TabID string

	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	// StaleThreshold is how long a foreign leader may go silent before
	// its session is up for takeover. Must comfortably exceed the
	// heartbeat interval; the default is three heartbeats.
	StaleThreshold time.Duration
	// AbandonAfter is how long a silent session stays worth resuming.
	// Past it the record is cleared instead of taken over.
	AbandonAfter time.Duration

	LocalHeartbeat time.Duration
	LocalStale     time.Duration
	// EagerLocalClaim skips the local election grace period and assumes
	// tab leadership immediately. Suitable when exactly one coordinator
	// runs per device, as in the headless agent.
	EagerLocalClaim bool

	Clock      Clock
	Notifier   Notifier
	Progress   TaskProgress
	SessionLog CompletionLog
	WakeLock   WakeLock
}

func DefaultOptions() Options {
	return Options{
		TickInterval:      time.Second,
		HeartbeatInterval: 5 * time.Second,
		StaleThreshold:    15 * time.Second,
		AbandonAfter:      time.Hour,
		LocalHeartbeat:    time.Second,
		LocalStale:        3 * time.Second,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.DeviceID == "" {
		o.DeviceID = uuid.New().String()[:8]
	}
	if o.TabID == "" {
		o.TabID = uuid.New().String()[:8]
	}
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 3 * o.HeartbeatInterval
	}
	if o.AbandonAfter <= 0 {
		o.AbandonAfter = def.AbandonAfter
	}
	if o.LocalHeartbeat <= 0 {
		o.LocalHeartbeat = def.LocalHeartbeat
	}
	if o.LocalStale <= 0 {
		o.LocalStale = 3 * o.LocalHeartbeat
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Snapshot is the read model handed to UIs. RemainingSec is drift-corrected
// at capture time; State() corrects it again at read time so consumers see a
// smooth countdown between loop events.
type Snapshot struct {
	SessionID      uuid.UUID         `json:"session_id"`
	SubjectID      string            `json:"subject_id"`
	SubjectName    string            `json:"subject_name"`
	State          models.TimerState `json:"state"`
	DurationSec    int               `json:"duration_sec"`
	RemainingSec   int               `json:"remaining_sec"`
	IsActive       bool              `json:"is_active"`
	IsPaused       bool              `json:"is_paused"`
	IsBreak        bool              `json:"is_break"`
	IsDeviceLeader bool              `json:"is_device_leader"`
	IsTabLeader    bool              `json:"is_tab_leader"`
	CapturedAt     time.Time         `json:"captured_at"`
}

type command struct {
	fn    func(now time.Time) error
	reply chan error
}

// Coordinator glues the timer engine, both electors, the shared channel and
// the local bus into one client. All session logic runs on a single event
// loop inside Run; public methods hand commands to that loop and wait, so
// there is exactly one writer for every piece of timer state.
type Coordinator struct {
	opts    Options
	clock   Clock
	channel RemoteSessionChannel
	bus     LocalBroadcastChannel
	engine  *Engine
	device  *DeviceElector
	tabs    *TabElector

	cmdCh    chan command
	remoteCh chan *models.FocusSession
	busCh    chan events.Message
	saveCh   chan *models.FocusSession
	stopped  chan struct{}

	remoteCancel  func()
	lastHeartbeat time.Time

	mu       sync.RWMutex
	snapshot Snapshot
	onState  []func(Snapshot)

	running atomic.Bool
}

// New builds a Coordinator over the given channel and bus. A nil bus is
// valid for deployments with no tab peers.
func New(channel RemoteSessionChannel, bus LocalBroadcastChannel, opts Options) *Coordinator {
	opts.normalize()
	if bus == nil {
		bus = nopBus{}
	}
	c := &Coordinator{
		opts:     opts,
		clock:    opts.Clock,
		channel:  channel,
		bus:      bus,
		engine:   NewEngine(opts.Notifier, opts.Progress, opts.SessionLog, opts.WakeLock),
		device:   NewDeviceElector(opts.DeviceID, opts.StaleThreshold, opts.AbandonAfter),
		cmdCh:    make(chan command),
		remoteCh: make(chan *models.FocusSession, 16),
		busCh:    make(chan events.Message, 64),
		saveCh:   make(chan *models.FocusSession, 1),
		stopped:  make(chan struct{}),
	}
	c.tabs = NewTabElector(opts.TabID, bus, opts.LocalHeartbeat, opts.LocalStale, opts.EagerLocalClaim, c.clock.Now())
	c.snapshot = Snapshot{State: models.TimerStateIdle, CapturedAt: c.clock.Now()}
	return c
}

func (c *Coordinator) DeviceID() string { return c.opts.DeviceID }
func (c *Coordinator) TabID() string    { return c.opts.TabID }

// OnState registers a callback invoked from the event loop after every state
// change. Callbacks must not block and must not call back into mutating
// coordinator methods. Register before Run.
func (c *Coordinator) OnState(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// State returns the latest snapshot with remaining time corrected to now.
func (c *Coordinator) State() Snapshot {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()
	if snap.State == models.TimerStateRunning {
		snap.RemainingSec = CorrectRemaining(snap.RemainingSec, snap.CapturedAt, false, c.clock.Now())
	}
	return snap
}

// Start begins a new session, forcefully replacing any session anywhere.
// The explicit user action claims both tab and device leadership outright.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) error {
	return c.do(ctx, func(now time.Time) error { return c.start(req, now) })
}

// Pause freezes the running session. Only the leader may pause.
func (c *Coordinator) Pause(ctx context.Context) error {
	return c.do(ctx, func(now time.Time) error { return c.pause(now) })
}

// Resume continues a paused session. Only the leader may resume.
func (c *Coordinator) Resume(ctx context.Context) error {
	return c.do(ctx, func(now time.Time) error { return c.resume(now) })
}

// Stop ends the current session from any client, leader or follower.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.do(ctx, func(now time.Time) error { return c.stop(now) })
}

// Run drives the coordinator until ctx is cancelled. It owns all timer
// state; call it exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already running")
	}
	defer func() {
		c.running.Store(false)
		close(c.stopped)
	}()

	busCancel := c.bus.SubscribeLocal(func(msg events.Message) {
		if msg.TabID == c.opts.TabID {
			return
		}
		select {
		case c.busCh <- msg:
		default:
			log.Warn().Str("kind", string(msg.Kind)).Msg("bus queue full, dropping message")
		}
	})
	defer busCancel()

	if c.tabs.IsLeader() {
		c.ensureRemote()
		c.refetchAsync(ctx)
	}

	go c.runWriter(ctx)

	ticker := c.clock.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	log.Info().
		Str("deviceId", c.opts.DeviceID).
		Str("tabId", c.opts.TabID).
		Bool("tabLeader", c.tabs.IsLeader()).
		Msg("focus coordinator started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.Chan():
			c.onTick(ctx, c.clock.Now())
		case rec := <-c.remoteCh:
			c.onRemote(rec, c.clock.Now())
		case msg := <-c.busCh:
			c.onBus(msg, c.clock.Now())
		case cmd := <-c.cmdCh:
			cmd.reply <- cmd.fn(c.clock.Now())
		}
	}
}

func (c *Coordinator) shutdown() {
	c.tabs.Release(c.clock.Now())
	c.dropRemote()
	c.engine.Clear()
	log.Info().
		Str("deviceId", c.opts.DeviceID).
		Str("tabId", c.opts.TabID).
		Msg("focus coordinator stopped")
}

func (c *Coordinator) do(ctx context.Context, fn func(now time.Time) error) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmdCh <- cmd:
	case <-c.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start implements the forced takeover semantics of an explicit user start:
// claim the tab seat, claim the device seat, mint the session and persist it
// before anyone else's heartbeat can argue.
func (c *Coordinator) start(req StartRequest, now time.Time) error {
	if err := (&req).normalize(); err != nil {
		return err
	}
	c.tabs.ForceClaim(now)
	c.ensureRemote()

	if prev := c.engine.Current(); prev != nil && prev.IsActive {
		log.Info().
			Str("sessionId", prev.ID.String()).
			Str("leaderId", prev.LeaderID).
			Msg("explicit start replaces existing session")
	}
	c.device.Claim(c.engine.Current(), true, now)

	rec, err := c.engine.StartSession(req, now)
	if err != nil {
		return err
	}
	c.engine.TouchLeader(c.device.ID(), now)
	c.device.Stamp(rec, now)
	c.persistAndBroadcast(rec, now)
	c.publishState(now)
	return nil
}

func (c *Coordinator) pause(now time.Time) error {
	if !c.tabs.IsLeader() || !c.device.IsLeader() {
		return ErrNotLeader
	}
	if err := c.engine.Pause(now); err != nil {
		return err
	}
	c.engine.TouchLeader(c.device.ID(), now)
	c.persistAndBroadcast(c.engine.Current(), now)
	c.publishState(now)
	return nil
}

func (c *Coordinator) resume(now time.Time) error {
	if !c.tabs.IsLeader() || !c.device.IsLeader() {
		return ErrNotLeader
	}
	if err := c.engine.Resume(now); err != nil {
		return err
	}
	c.engine.TouchLeader(c.device.ID(), now)
	c.persistAndBroadcast(c.engine.Current(), now)
	c.publishState(now)
	return nil
}

// stop ends the session from any role. The terminal record keeps its last
// leader stamp; a follower's stop ends the session without stealing it.
func (c *Coordinator) stop(now time.Time) error {
	rec, err := c.engine.Stop(now)
	if err != nil {
		return err
	}
	c.persistAndBroadcast(rec, now)
	c.device.Yield()
	c.engine.Clear()
	c.publishState(now)
	return nil
}

func (c *Coordinator) onTick(ctx context.Context, now time.Time) {
	if c.tabs.Tick(now) {
		c.becameTabLeader(ctx, now)
	}
	if !c.tabs.IsLeader() {
		c.publishState(now)
		return
	}
	c.ensureRemote()

	rec := c.engine.Current()
	switch {
	case rec == nil || !rec.IsActive:
		// Leadership over a dead session lapses on its own.
		c.device.Yield()

	case c.device.IsLeader():
		if c.engine.State() == models.TimerStateRunning && c.engine.Tick(now) {
			c.finalizeLocal(now)
			break
		}
		if cur := c.engine.Current(); cur != nil && cur.IsActive && now.Sub(c.lastHeartbeat) >= c.opts.HeartbeatInterval {
			c.engine.TouchLeader(c.device.ID(), now)
			c.persistAndBroadcast(c.engine.Current(), now)
		}

	default:
		// Mirroring a foreign session: watch for its leader dying.
		if c.device.IsAbandoned(rec, now) {
			c.clearAbandoned(rec, now)
			break
		}
		if adopted, ok := c.device.TakeoverIfStale(rec, now); ok {
			log.Info().
				Str("sessionId", adopted.ID.String()).
				Str("previousLeader", rec.LeaderID).
				Int("remainingSec", adopted.RemainingSec).
				Msg("taking over stale session")
			c.adoptAsLeader(adopted, now)
		}
	}
	c.publishState(now)
}

// finalizeLocal persists and announces a session the engine just ended here,
// then lets go of it.
func (c *Coordinator) finalizeLocal(now time.Time) {
	rec := c.engine.Current()
	c.persistAndBroadcast(rec, now)
	c.device.Yield()
	c.engine.Clear()
}

// adoptAsLeader installs an already-stamped record as our live session. A
// record that arrives with no time left is finished on the spot, quietly:
// the completion belongs to whenever its leader died, not to now.
func (c *Coordinator) adoptAsLeader(rec *models.FocusSession, now time.Time) {
	c.engine.Adopt(rec, now, true)
	if rec.RemainingSec == 0 && !rec.IsPaused {
		if term := c.engine.CompleteSilent(now); term != nil {
			c.persistAndBroadcast(term, now)
		}
		c.device.Yield()
		c.engine.Clear()
		return
	}
	c.persistAndBroadcast(rec, now)
}

// clearAbandoned retires a record whose leader has been silent for so long
// that resuming would surprise the user. No completion side effects fire.
func (c *Coordinator) clearAbandoned(rec *models.FocusSession, now time.Time) {
	log.Info().
		Str("sessionId", rec.ID.String()).
		Str("leaderId", rec.LeaderID).
		Time("leaderLastSeen", rec.LeaderLastSeen).
		Msg("clearing abandoned session")
	terminal := rec.Clone()
	terminal.IsActive = false
	terminal.IsPaused = false
	completedAt := now
	terminal.CompletedAt = &completedAt
	c.saveAsync(terminal)
	c.engine.Clear()
	c.broadcastSession(terminal, now)
}

// becameTabLeader runs when the tab election promotes us after the previous
// local leader went silent. If the mirrored session already belongs to this
// device, custody transfers without a device-level takeover; otherwise we
// refetch and let the usual remote-update handling sort out our role.
func (c *Coordinator) becameTabLeader(ctx context.Context, now time.Time) {
	log.Info().
		Str("tabId", c.opts.TabID).
		Msg("assumed local tab leadership")
	c.ensureRemote()

	mirror := c.engine.Current()
	if mirror != nil && mirror.IsActive && c.device.OwnRecord(mirror) {
		c.assumeCustody(mirror, now)
		return
	}
	c.refetchAsync(ctx)
}

// assumeCustody continues a session this device already owns, correcting for
// however long nobody was driving it.
func (c *Coordinator) assumeCustody(rec *models.FocusSession, now time.Time) {
	adopted := rec.Clone()
	adopted.RemainingSec = SnapshotRemaining(rec, now)
	c.device.Adopt()
	c.device.Stamp(adopted, now)
	log.Info().
		Str("sessionId", adopted.ID.String()).
		Int("remainingSec", adopted.RemainingSec).
		Msg("resuming session custody")
	c.adoptAsLeader(adopted, now)
}

func (c *Coordinator) onRemote(rec *models.FocusSession, now time.Time) {
	if rec != nil {
		if err := rec.Validate(); err != nil {
			log.Warn().Err(err).Msg("discarding malformed session record")
			rec = nil
		}
	}
	mirror := c.engine.Current()

	switch {
	case rec == nil:
		// Record vanished. Followers clear; a live leader keeps its
		// session and re-persists it on the next heartbeat.
		if mirror != nil && !c.device.IsLeader() {
			c.engine.Clear()
			c.broadcastSession(nil, now)
		}

	case rec.Terminal():
		c.onRemoteTerminal(rec, mirror, now)

	case c.device.IsLeader():
		if rec.LeaderID == c.device.ID() {
			// Echo of our own write.
			break
		}
		if c.device.ShouldYield(rec, mirror, now) {
			log.Info().
				Str("sessionId", rec.ID.String()).
				Str("newLeader", rec.LeaderID).
				Msg("yielding session to later writer")
			c.device.Yield()
			c.engine.Adopt(rec, now, false)
			c.broadcastSession(rec, now)
		}
		// A stale foreign record while we lead loses to our next write.

	default:
		if c.device.OwnRecord(rec) && c.tabs.IsLeader() && (mirror == nil || mirror.ID == rec.ID) {
			// Our device's record resurfaced, e.g. after a restart. A late
			// echo of a session we already moved past does not requalify.
			c.assumeCustody(rec, now)
			break
		}
		if mirror != nil && rec.LeaderLastSeen.Before(mirror.LeaderLastSeen) {
			// Out-of-order delivery; we already hold something newer.
			break
		}
		c.engine.Adopt(rec, now, false)
		c.broadcastSession(rec, now)
	}
	c.publishState(now)
}

// onRemoteTerminal handles an observed stop or completion. Side effects
// already fired on whichever client performed the transition, so this path
// only clears. Terminal records for a different, newer session are ignored:
// an old stop must never kill a session started after it.
func (c *Coordinator) onRemoteTerminal(rec, mirror *models.FocusSession, now time.Time) {
	if mirror == nil || mirror.ID != rec.ID {
		return
	}
	log.Info().
		Str("sessionId", rec.ID.String()).
		Msg("session ended remotely")
	if c.device.IsLeader() {
		// One of our heartbeats may have raced the terminal write;
		// re-persisting it keeps the store terminal in every ordering.
		c.saveAsync(rec.Clone())
		c.device.Yield()
	}
	c.engine.Clear()
	c.broadcastSession(rec, now)
}

func (c *Coordinator) onBus(msg events.Message, now time.Time) {
	switch msg.Kind {
	case events.KindBecameLeader:
		if c.tabs.Observe(msg, now) {
			log.Info().
				Str("tabId", c.opts.TabID).
				Str("newLeader", msg.TabID).
				Bool("forced", msg.Force).
				Msg("yielding local tab leadership")
			c.device.Yield()
			c.dropRemote()
			// Keep rendering what we were driving until the new leader
			// broadcasts; the stamp is honest, we were live until now.
			if cur := c.engine.Current(); cur != nil && cur.IsActive {
				cur.LeaderLastSeen = now
				c.engine.Adopt(cur, now, false)
			}
		}
	case events.KindLostLeadership:
		c.tabs.Observe(msg, now)
	case events.KindSessionUpdate:
		if !c.tabs.IsLeader() {
			c.engine.Adopt(msg.Session, now, false)
		}
	}
	c.publishState(now)
}

func (c *Coordinator) persistAndBroadcast(rec *models.FocusSession, now time.Time) {
	c.saveAsync(rec)
	c.broadcastSession(rec, now)
	c.lastHeartbeat = now
}

func (c *Coordinator) broadcastSession(rec *models.FocusSession, now time.Time) {
	c.bus.Broadcast(events.Message{
		Kind:    events.KindSessionUpdate,
		TabID:   c.opts.TabID,
		Session: rec,
		SentAt:  now,
	})
}

// saveAsync hands a record to the writer goroutine without blocking the
// loop. The one-slot queue keeps only the freshest record when saves back
// up; every shed record is superseded by the one that sheds it.
func (c *Coordinator) saveAsync(rec *models.FocusSession) {
	select {
	case c.saveCh <- rec:
		return
	default:
	}
	select {
	case <-c.saveCh:
	default:
	}
	select {
	case c.saveCh <- rec:
	default:
		log.Warn().Msg("save queue contended, dropping stale record")
	}
}

func (c *Coordinator) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-c.saveCh:
			c.saveWithRetry(ctx, rec)
		}
	}
}

func (c *Coordinator) saveWithRetry(ctx context.Context, rec *models.FocusSession) {
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
		err := c.channel.Save(saveCtx, rec)
		cancel()
		if err == nil {
			return
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("sessionId", rec.ID.String()).
			Msg("failed to save session record")
		if attempt == maxSaveAttempts {
			break
		}
		timer := c.clock.NewTimer(time.Duration(attempt) * saveRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
	log.Error().
		Str("sessionId", rec.ID.String()).
		Msg("giving up on session save, next heartbeat will retry")
}

func (c *Coordinator) ensureRemote() {
	if c.remoteCancel != nil {
		return
	}
	cancel, err := c.channel.Subscribe(func(rec *models.FocusSession) {
		c.enqueueRemote(rec)
	})
	if err != nil {
		log.Warn().Err(err).Msg("session channel subscribe failed, will retry")
		return
	}
	c.remoteCancel = cancel
}

func (c *Coordinator) dropRemote() {
	if c.remoteCancel != nil {
		c.remoteCancel()
		c.remoteCancel = nil
	}
}

// enqueueRemote never blocks the channel's delivery goroutine. When the
// queue is full the oldest update is shed first; only the freshest view of
// the record matters.
func (c *Coordinator) enqueueRemote(rec *models.FocusSession) {
	select {
	case c.remoteCh <- rec:
		return
	default:
	}
	select {
	case <-c.remoteCh:
	default:
	}
	select {
	case c.remoteCh <- rec:
	default:
		log.Warn().Msg("remote queue contended, dropping update")
	}
}

func (c *Coordinator) refetchAsync(ctx context.Context) {
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		rec, err := c.channel.FetchCurrent(fetchCtx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to fetch current session")
			return
		}
		c.enqueueRemote(rec)
	}()
}

func (c *Coordinator) publishState(now time.Time) {
	snap := Snapshot{
		State:          c.engine.State(),
		IsDeviceLeader: c.device.IsLeader(),
		IsTabLeader:    c.tabs.IsLeader(),
		CapturedAt:     now,
	}
	if rec := c.engine.Current(); rec != nil {
		snap.SessionID = rec.ID
		snap.SubjectID = rec.SubjectID
		snap.SubjectName = c.engine.SubjectName()
		snap.DurationSec = rec.DurationSec
		snap.RemainingSec = c.engine.Remaining(now)
		snap.IsActive = rec.IsActive
		snap.IsPaused = rec.IsPaused
		snap.IsBreak = rec.IsBreak
	}

	c.mu.Lock()
	c.snapshot = snap
	handlers := make([]func(Snapshot), len(c.onState))
	copy(handlers, c.onState)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(snap)
	}
}
