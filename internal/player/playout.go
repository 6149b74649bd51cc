package player

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee-dev/marquee/internal/protocol"
)

// Mode is the playout engine's top-level state.
type Mode int

const (
	Stopped Mode = iota
	Running
	Paused
	Broadcasting
)

var modeNames = map[Mode]string{
	Stopped:      "stopped",
	Running:      "running",
	Paused:       "paused",
	Broadcasting: "broadcasting",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Hooks are the engine's side-effect outlets. Navigate and Capture may be
// slow; the engine invokes them off its own lock so timers keep firing.
type Hooks struct {
	// Navigate points the render surface at an address. Errors are
	// reported, never fatal to rotation.
	Navigate func(url string) error
	// Capture triggers one still capture/upload.
	Capture func()
	// EmitState publishes playback telemetry.
	EmitState func(state protocol.PlaybackState)
	// ReportError forwards a device-local fault upstream, best-effort.
	ReportError func(context string, err error)
}

// EngineConfig carries the rotation timing policy.
type EngineConfig struct {
	// FallbackRotation replaces a zero duration when the playlist has more
	// than one item, so a "permanent" item cannot freeze a rotation.
	FallbackRotation time.Duration
	// NoEligibleRetry is how long to wait before re-running an eligibility
	// search that found no candidate.
	NoEligibleRetry time.Duration
	// StillCadence is the periodic capture interval while a single or
	// permanent item is on screen.
	StillCadence time.Duration
}

// snapshot is the immutable save state for a broadcast override. It owns a
// copy of the items slice so later playlist loads cannot alias into it.
type snapshot struct {
	playlistID string
	items      []protocol.PlaylistItem
	cursor     int
	mode       Mode
}

// Engine is the device playout state machine: a cached playlist snapshot,
// a cursor, and timers that turn them into on-screen rotation. All methods
// are safe for concurrent use; exactly one Engine runs per device process.
type Engine struct {
	cfg   EngineConfig
	hooks Hooks
	log   zerolog.Logger
	now   func() time.Time

	mu         sync.Mutex
	playlistID string
	items      []protocol.PlaylistItem
	cursor     int
	mode       Mode

	// rotation scheduling
	rotation     *time.Timer
	currentDelay time.Duration // effective delay of the active item; 0 = permanent
	startedAt    time.Time     // when the active item went up
	remaining    time.Duration // captured on pause
	waiting      bool          // an eligibility retry is pending

	captureTick *time.Ticker
	captureDone chan struct{}

	saved         *snapshot
	broadcastStop *time.Timer
}

func NewEngine(cfg EngineConfig, hooks Hooks, log zerolog.Logger) *Engine {
	if cfg.FallbackRotation <= 0 {
		cfg.FallbackRotation = 15 * time.Second
	}
	if cfg.NoEligibleRetry <= 0 {
		cfg.NoEligibleRetry = 60 * time.Second
	}
	if cfg.StillCadence <= 0 {
		cfg.StillCadence = 60 * time.Second
	}
	return &Engine{
		cfg:   cfg,
		hooks: hooks,
		log:   log,
		now:   time.Now,
	}
}

// Status is a point-in-time view of the engine for tests and diagnostics.
type Status struct {
	Mode               Mode
	PlaylistID         string
	Cursor             int
	CurrentItemID      string
	Items              int
	WaitingForEligible bool
	TimerPending       bool
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Mode:               e.mode,
		PlaylistID:         e.playlistID,
		Cursor:             e.cursor,
		Items:              len(e.items),
		WaitingForEligible: e.waiting,
		TimerPending:       e.rotation != nil,
	}
	if e.cursor >= 0 && e.cursor < len(e.items) {
		st.CurrentItemID = e.items[e.cursor].ID
	}
	return st
}

// Load replaces the cached playlist. A running rotation restarts from the
// first eligible item; any other mode keeps its state. The broadcast
// snapshot, if one exists, is left untouched so ending the broadcast still
// restores exactly what was playing when it started.
func (e *Engine) Load(playlistID string, items []protocol.PlaylistItem) {
	e.mu.Lock()
	e.playlistID = playlistID
	e.items = append([]protocol.PlaylistItem(nil), items...)
	e.cursor = 0
	wasRunning := e.mode == Running
	if wasRunning {
		e.stopRotationLocked()
		e.mode = Stopped
	}
	e.mu.Unlock()

	e.log.Info().Str("playlist", playlistID).Int("items", len(items)).Msg("playlist loaded")
	if wasRunning {
		e.Start()
	}
}

// Start begins rotation at the first eligible item.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.mode == Broadcasting || len(e.items) == 0 {
		e.mu.Unlock()
		return
	}
	e.stopRotationLocked()
	e.mode = Running
	e.mu.Unlock()

	e.activateFrom(0, 1)
}

// Stop halts rotation and cancels the pending timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopRotationLocked()
	e.stopBroadcastTimerLocked()
	e.saved = nil
	e.mode = Stopped
	e.remaining = 0
	state := e.stateLocked()
	e.mu.Unlock()

	e.emit(state)
}

// Pause freezes rotation, remembering how much of the current item's time
// is left so Resume can honor it.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.mode != Running {
		e.mu.Unlock()
		return
	}
	if e.currentDelay > 0 {
		elapsed := e.now().Sub(e.startedAt)
		e.remaining = e.currentDelay - elapsed
		if e.remaining < 0 {
			e.remaining = 0
		}
	} else {
		e.remaining = 0
	}
	e.stopRotationLocked()
	e.mode = Paused
	state := e.stateLocked()
	e.mu.Unlock()

	e.emit(state)
}

// Resume continues a paused rotation. Leftover time on the current item is
// honored; an exhausted item advances immediately.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.mode != Paused {
		e.mu.Unlock()
		return
	}
	e.mode = Running
	remaining := e.remaining
	permanent := e.currentDelay == 0
	e.remaining = 0
	if remaining > 0 {
		e.startedAt = e.now().Add(remaining - e.currentDelay)
		e.scheduleLocked(remaining)
		state := e.stateLocked()
		e.mu.Unlock()
		e.emit(state)
		return
	}
	e.mu.Unlock()

	if permanent {
		// Nothing was scheduled before the pause; the item stays up and
		// the periodic still cadence Pause killed comes back with it.
		e.mu.Lock()
		e.startStillCadenceLocked()
		state := e.stateLocked()
		e.mu.Unlock()
		e.emit(state)
		return
	}
	e.advance()
}

// Next skips forward to the next item, optionally honoring eligibility
// constraints. Valid while running or paused.
func (e *Engine) Next(respectConstraints bool) {
	e.skip(1, respectConstraints)
}

// Previous skips backward.
func (e *Engine) Previous(respectConstraints bool) {
	e.skip(-1, respectConstraints)
}

func (e *Engine) skip(step int, respect bool) {
	e.mu.Lock()
	if (e.mode != Running && e.mode != Paused) || len(e.items) == 0 {
		e.mu.Unlock()
		return
	}
	start := e.cursor + step
	e.mu.Unlock()

	e.activateSearch(start, step, respect)
}

// StartBroadcast overrides rotation with a single address until ended. The
// current items+cursor are snapshotted for restore; durationMs > 0 arms an
// automatic end.
func (e *Engine) StartBroadcast(url string, durationMs int64) {
	e.mu.Lock()
	if e.mode != Running && e.mode != Paused {
		e.mu.Unlock()
		return
	}
	e.saved = &snapshot{
		playlistID: e.playlistID,
		items:      append([]protocol.PlaylistItem(nil), e.items...),
		cursor:     e.cursor,
		mode:       e.mode,
	}
	e.stopRotationLocked()
	e.stopBroadcastTimerLocked()
	e.mode = Broadcasting
	e.remaining = 0
	if durationMs > 0 {
		e.broadcastStop = time.AfterFunc(time.Duration(durationMs)*time.Millisecond, e.EndBroadcast)
	}
	state := e.stateLocked()
	state.CurrentURL = url
	e.mu.Unlock()

	e.log.Info().Str("url", url).Int64("duration_ms", durationMs).Msg("broadcast started")
	e.emit(state)
	go func() {
		if err := e.hooks.Navigate(url); err != nil {
			e.reportError("broadcast navigate", err)
		}
	}()
}

// EndBroadcast restores the exact items and cursor captured when the
// broadcast began and resumes the prior mode.
func (e *Engine) EndBroadcast() {
	e.mu.Lock()
	if e.mode != Broadcasting || e.saved == nil {
		e.mu.Unlock()
		return
	}
	saved := e.saved
	e.saved = nil
	e.stopBroadcastTimerLocked()
	e.playlistID = saved.playlistID
	e.items = saved.items
	e.cursor = saved.cursor
	e.mode = saved.mode
	e.mu.Unlock()

	e.log.Info().Msg("broadcast ended, restoring rotation")
	switch saved.mode {
	case Running:
		e.activateSearch(saved.cursor, 1, false)
	case Paused:
		// Put the saved item back on screen but stay paused with its full
		// duration ahead of it.
		e.mu.Lock()
		if saved.cursor < len(e.items) {
			item := e.items[saved.cursor]
			e.currentDelay = e.effectiveDelayLocked(item)
			e.remaining = e.currentDelay
			url := item.ContentURL
			state := e.stateLocked()
			e.mu.Unlock()
			e.emit(state)
			go func() {
				if err := e.hooks.Navigate(url); err != nil {
					e.reportError("restore navigate", err)
				}
			}()
		} else {
			e.mu.Unlock()
		}
	}
}

// Shutdown cancels every pending timer. The engine is not reusable after.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopRotationLocked()
	e.stopBroadcastTimerLocked()
	e.mode = Stopped
}

// advance is the rotation timer callback: move to the next eligible item.
func (e *Engine) advance() {
	e.mu.Lock()
	if e.mode != Running {
		e.mu.Unlock()
		return
	}
	start := e.cursor + 1
	e.mu.Unlock()

	e.activateSearch(start, 1, true)
}

// activateFrom starts an eligibility search at an absolute index.
func (e *Engine) activateFrom(start, step int) {
	e.activateSearch(start, step, true)
}

// activateSearch finds the next eligible item in the given direction (one
// full cycle with wraparound) and activates it. When nothing qualifies the
// engine keeps the current content up and retries after a fixed delay
// rather than spinning or stopping.
func (e *Engine) activateSearch(start, step int, respect bool) {
	e.mu.Lock()
	// The eligibility retry timer re-enters here; by then a Stop or
	// broadcast may have taken over, so only Running/Paused may activate.
	if (e.mode != Running && e.mode != Paused) || len(e.items) == 0 {
		e.mu.Unlock()
		return
	}
	idx, ok := e.findEligibleLocked(start, step, respect)
	if !ok {
		e.stopRotationLocked()
		e.waiting = true
		e.rotation = time.AfterFunc(e.cfg.NoEligibleRetry, func() {
			e.activateSearch(start, step, respect)
		})
		state := e.stateLocked()
		e.mu.Unlock()
		e.log.Warn().Msg("no eligible playlist item, retry scheduled")
		e.emit(state)
		return
	}

	e.waiting = false
	e.cursor = idx
	item := e.items[idx]
	paused := e.mode == Paused
	e.stopRotationLocked()
	e.currentDelay = e.effectiveDelayLocked(item)
	e.startedAt = e.now()
	e.remaining = 0

	if paused {
		// Manual skip while paused shows the item without scheduling.
		e.remaining = e.currentDelay
	} else {
		if e.currentDelay > 0 {
			e.scheduleLocked(e.currentDelay)
			e.stopStillCadenceLocked()
		} else {
			// Permanent content: no rotation timer, periodic stills instead.
			e.startStillCadenceLocked()
		}
	}
	multiItem := len(e.items) > 1
	state := e.stateLocked()
	e.mu.Unlock()

	e.emit(state)
	go func() {
		if err := e.hooks.Navigate(item.ContentURL); err != nil {
			// A render fault never halts rotation; the timer is already armed.
			e.reportError("navigate "+item.ContentURL, err)
		}
		if multiItem && e.hooks.Capture != nil {
			e.hooks.Capture()
		}
	}()
}

// findEligibleLocked scans one full cycle from start in the given direction.
func (e *Engine) findEligibleLocked(start, step int, respect bool) (int, bool) {
	n := len(e.items)
	norm := func(i int) int { return ((i % n) + n) % n }
	if !respect {
		return norm(start), true
	}
	now := e.now()
	for i := 0; i < n; i++ {
		cand := norm(start + i*step)
		if e.items[cand].EligibleAt(now) {
			return cand, true
		}
	}
	return 0, false
}

// effectiveDelayLocked applies the anti-deadlock policy: duration 0 means
// permanent only for a single-item playlist; with more items the fallback
// interval keeps the rotation moving.
func (e *Engine) effectiveDelayLocked(item protocol.PlaylistItem) time.Duration {
	if item.DurationMs > 0 {
		return time.Duration(item.DurationMs) * time.Millisecond
	}
	if len(e.items) > 1 {
		return e.cfg.FallbackRotation
	}
	return 0
}

func (e *Engine) scheduleLocked(d time.Duration) {
	e.rotation = time.AfterFunc(d, e.advance)
}

func (e *Engine) stopRotationLocked() {
	if e.rotation != nil {
		e.rotation.Stop()
		e.rotation = nil
	}
	e.waiting = false
	e.stopStillCadenceLocked()
}

func (e *Engine) stopBroadcastTimerLocked() {
	if e.broadcastStop != nil {
		e.broadcastStop.Stop()
		e.broadcastStop = nil
	}
}

// startStillCadenceLocked captures stills periodically while static content
// is on screen.
func (e *Engine) startStillCadenceLocked() {
	e.stopStillCadenceLocked()
	if e.hooks.Capture == nil {
		return
	}
	e.captureTick = time.NewTicker(e.cfg.StillCadence)
	e.captureDone = make(chan struct{})
	go func(tick *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				e.hooks.Capture()
			}
		}
	}(e.captureTick, e.captureDone)
}

func (e *Engine) stopStillCadenceLocked() {
	if e.captureTick != nil {
		e.captureTick.Stop()
		close(e.captureDone)
		e.captureTick = nil
		e.captureDone = nil
	}
}

// stateLocked builds the telemetry snapshot. Caller holds e.mu.
func (e *Engine) stateLocked() protocol.PlaybackState {
	state := protocol.PlaybackState{
		IsPlaying:        e.mode == Running,
		IsPaused:         e.mode == Paused,
		IsBroadcasting:   e.mode == Broadcasting,
		CurrentItemIndex: e.cursor,
		PlaylistID:       e.playlistID,
		TotalItems:       len(e.items),
	}
	if e.cursor >= 0 && e.cursor < len(e.items) {
		state.CurrentItemID = e.items[e.cursor].ID
		state.CurrentURL = e.items[e.cursor].ContentURL
	}
	switch e.mode {
	case Running:
		if e.currentDelay > 0 {
			rem := e.currentDelay - e.now().Sub(e.startedAt)
			if rem < 0 {
				rem = 0
			}
			state.TimeRemaining = rem.Milliseconds()
		}
	case Paused:
		state.TimeRemaining = e.remaining.Milliseconds()
	}
	return state
}

func (e *Engine) emit(state protocol.PlaybackState) {
	if e.hooks.EmitState != nil {
		e.hooks.EmitState(state)
	}
}

func (e *Engine) reportError(context string, err error) {
	e.log.Error().Str("context", context).Err(err).Msg("render fault")
	if e.hooks.ReportError != nil {
		e.hooks.ReportError(context, err)
	}
}
