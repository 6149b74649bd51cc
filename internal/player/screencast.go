package player

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SupervisorConfig carries the watchdog thresholds.
type SupervisorConfig struct {
	// Tick is the watchdog interval.
	Tick time.Duration
	// FirstFrameGrace is how long a fresh session may stay silent before
	// it is declared dead.
	FirstFrameGrace time.Duration
	// StallThreshold restarts a session that stops emitting after having
	// flowed.
	StallThreshold time.Duration
	Params         CaptureParams
}

// Supervisor owns at most one live capture session and self-heals it.
// Capture sessions are bound to the surface's page context and can silently
// stop emitting after navigations; the watchdog trades a brief monitoring
// blackout for never needing manual intervention.
type Supervisor struct {
	surface RenderSurface
	forward func(Frame)
	cfg     SupervisorConfig
	log     zerolog.Logger
	now     func() time.Time

	mu          sync.Mutex
	wanted      bool
	active      bool
	detached    bool
	generation  int
	session     CaptureSession
	startedAt   time.Time
	lastFrameAt time.Time
	frameSeen   bool
}

func NewSupervisor(surface RenderSurface, forward func(Frame), cfg SupervisorConfig, log zerolog.Logger) *Supervisor {
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	if cfg.FirstFrameGrace <= 0 {
		cfg.FirstFrameGrace = 10 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 10 * time.Second
	}
	return &Supervisor{
		surface: surface,
		forward: forward,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Run drives the watchdog until ctx is cancelled. Call it once, in its own
// goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// Start opens a capture session, tearing down any existing one first.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = true
	s.restartLocked(ctx, "operator start")
}

// Stop tears the session down best-effort. Errors from an already-gone
// session are swallowed.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = false
	s.teardownLocked()
}

// OnNavigated proactively restarts the stream: the old session was bound to
// the page context that just went away.
func (s *Supervisor) OnNavigated(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wanted {
		return
	}
	s.restartLocked(ctx, "navigation")
}

// Active reports whether a session is currently believed healthy.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Generation counts session restarts since process start.
func (s *Supervisor) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// check is the watchdog tick. All verdicts and the resulting restart happen
// under one lock acquisition, so concurrent restarts are impossible.
func (s *Supervisor) check(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wanted {
		return
	}
	now := s.now()
	switch {
	case !s.active || s.detached:
		s.restartLocked(ctx, "session inactive")
	case !s.frameSeen && now.Sub(s.startedAt) > s.cfg.FirstFrameGrace:
		s.restartLocked(ctx, "no first frame")
	case s.frameSeen && now.Sub(s.lastFrameAt) > s.cfg.StallThreshold:
		s.restartLocked(ctx, "stream stalled")
	}
}

// restartLocked replaces the session. Caller holds s.mu.
func (s *Supervisor) restartLocked(ctx context.Context, reason string) {
	s.teardownLocked()
	s.generation++
	gen := s.generation
	s.log.Info().Int("generation", gen).Str("reason", reason).Msg("starting capture session")

	onFrame := func(f Frame) {
		s.mu.Lock()
		if gen != s.generation {
			// Frame from a superseded session; drop it.
			s.mu.Unlock()
			return
		}
		s.lastFrameAt = s.now()
		s.frameSeen = true
		sess := s.session
		s.mu.Unlock()

		s.forward(f)
		// Acknowledge only after forwarding: the surface holds the next
		// frame until then, keeping buffering bounded.
		if sess != nil {
			if err := sess.AckFrame(); err != nil {
				s.log.Debug().Err(err).Msg("frame ack failed")
			}
		}
	}
	onDetach := func() {
		s.mu.Lock()
		if gen == s.generation {
			s.detached = true
		}
		s.mu.Unlock()
	}

	session, err := s.surface.StartCapture(ctx, s.cfg.Params, onFrame, onDetach)
	if err != nil {
		// Leave inactive; the next watchdog tick tries again.
		s.log.Warn().Err(err).Msg("capture session start failed")
		s.active = false
		return
	}
	s.session = session
	s.active = true
	s.detached = false
	s.frameSeen = false
	s.startedAt = s.now()
}

// teardownLocked closes the current session, swallowing errors from one
// that is already gone. Caller holds s.mu.
func (s *Supervisor) teardownLocked() {
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.log.Debug().Err(err).Msg("capture session close failed")
		}
		s.session = nil
	}
	s.active = false
	s.detached = false
	s.frameSeen = false
}
