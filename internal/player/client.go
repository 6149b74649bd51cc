package player

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marquee-dev/marquee/internal/config"
	"github.com/marquee-dev/marquee/internal/protocol"
	"github.com/marquee-dev/marquee/internal/retry"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	captureTimeout = 10 * time.Second
)

// ErrNotConnected is returned by sends attempted between sessions. Telemetry
// callers treat it as best-effort loss, not a fault.
var ErrNotConnected = errors.New("player: not connected")

// Client is the device daemon: it holds the duplex channel to the hub,
// dispatches inbound commands to the playout engine, supervisor, and render
// surface, and sends telemetry upstream. It reconnects with backoff when the
// connection drops.
type Client struct {
	cfg     config.PlayerConfig
	surface RenderSurface
	log     zerolog.Logger

	engine     *Engine
	supervisor *Supervisor
	sampler    *HealthSampler

	// Restart handles device:restart. The default exits the process and
	// relies on the service manager to bring it back up.
	Restart func()

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (telemetry, pings)
	conn    *websocket.Conn
	runCtx  context.Context // set by Run; bounds engine-driven surface work
}

func NewClient(cfg config.PlayerConfig, surface RenderSurface, log zerolog.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		surface: surface,
		log:     log,
		sampler: &HealthSampler{},
	}
	c.Restart = func() {
		c.log.Info().Msg("restart requested, exiting")
		os.Exit(0)
	}
	c.engine = NewEngine(EngineConfig{
		FallbackRotation: cfg.FallbackRotation,
		NoEligibleRetry:  cfg.NoEligibleRetry,
		StillCadence:     cfg.ScreenshotInterval,
	}, Hooks{
		Navigate: c.navigate,
		Capture:  func() { c.captureStill(context.Background()) },
		EmitState: func(state protocol.PlaybackState) {
			c.sendTelemetry(protocol.EventPlaybackState, state)
		},
		ReportError: c.reportError,
	}, log)
	c.supervisor = NewSupervisor(surface, c.forwardFrame, SupervisorConfig{
		Tick:            cfg.WatchdogTick,
		FirstFrameGrace: cfg.FirstFrameGrace,
		StallThreshold:  cfg.StallThreshold,
	}, log)
	return c
}

// Engine exposes the playout engine for local control and diagnostics.
func (c *Client) Engine() *Engine { return c.engine }

// Run connects and serves until ctx is cancelled or the reconnect budget is
// exhausted. Each successful connection resets the budget.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	defer c.engine.Shutdown()
	go c.supervisor.Run(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.session(ctx, conn)
		if err := ctx.Err(); err != nil {
			return err
		}
		c.log.Warn().Msg("connection lost, reconnecting")
	}
}

// dial attempts the websocket handshake under the reconnect policy.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.deviceURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	policy := retry.Policy{
		MaxAttempts: c.cfg.ReconnectMaxRetries,
		BaseDelay:   c.cfg.ReconnectBaseDelay,
		MaxDelay:    c.cfg.ReconnectMaxDelay,
		Multiplier:  2,
	}
	var conn *websocket.Conn
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				c.log.Error().Msg("credential rejected by hub")
			} else {
				c.log.Warn().Err(err).Msg("dial failed")
			}
			return err
		}
		conn = wsConn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) deviceURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	if c.cfg.DeviceID != "" {
		q := u.Query()
		q.Set("deviceId", c.cfg.DeviceID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// session serves one connection until it dies.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.sendTelemetry(protocol.EventDeviceRegister, nil)
	c.sendTelemetry(protocol.EventDeviceStatus, protocol.DeviceStatus{Status: "online"})

	go c.pingLoop(sctx, conn)
	go c.healthLoop(sctx)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("read failed")
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			// Protocol fault: drop the frame, keep the connection.
			c.log.Warn().Err(err).Msg("malformed envelope dropped")
			continue
		}
		c.dispatch(sctx, env)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) healthLoop(ctx context.Context) {
	interval := c.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendTelemetry(protocol.EventHealthReport, c.sampler.Sample(ctx))
		}
	}
}

// dispatch applies one inbound command. Slow surface work runs in its own
// goroutine so the read loop keeps draining.
func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventContentUpdate:
		var cu protocol.ContentUpdate
		if !c.decode(env, &cu) {
			return
		}
		c.engine.Load(cu.PlaylistID, cu.Items)
		if c.engine.Status().Mode == Stopped {
			c.engine.Start()
		}

	case protocol.EventDisplayNavigate:
		var dn protocol.DisplayNavigate
		if !c.decode(env, &dn) {
			return
		}
		go func() {
			if err := c.navigate(dn.URL); err != nil {
				c.reportError("display navigate", err)
			}
		}()

	case protocol.EventScreenshotReq:
		go c.captureStill(ctx)

	case protocol.EventConfigUpdate:
		var cu protocol.ConfigUpdate
		if !c.decode(env, &cu) {
			return
		}
		go func() {
			actx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := c.surface.ApplyDisplayConfig(actx, cu); err != nil {
				c.reportError("apply display config", err)
				return
			}
			// The display restarted; any capture session is gone.
			c.supervisor.OnNavigated(ctx)
		}()

	case protocol.EventDeviceRestart:
		c.sendTelemetry(protocol.EventDeviceStatus, protocol.DeviceStatus{Status: "restarting"})
		c.Restart()

	case protocol.EventDisplayRefresh:
		var dr protocol.DisplayRefresh
		if !c.decode(env, &dr) {
			return
		}
		go func() {
			actx, cancel := context.WithTimeout(ctx, c.navigateTimeout())
			defer cancel()
			if err := c.surface.Refresh(actx, dr.Force); err != nil {
				c.reportError("display refresh", err)
			}
		}()

	case protocol.EventRemoteClick:
		var rc protocol.RemoteClick
		if !c.decode(env, &rc) {
			return
		}
		go c.remoteInput(ctx, "remote click", func(actx context.Context) error {
			return c.surface.Click(actx, rc.X, rc.Y)
		})

	case protocol.EventRemoteType:
		var rt protocol.RemoteType
		if !c.decode(env, &rt) {
			return
		}
		go c.remoteInput(ctx, "remote type", func(actx context.Context) error {
			return c.surface.Type(actx, rt.Text)
		})

	case protocol.EventRemoteKey:
		var rk protocol.RemoteKey
		if !c.decode(env, &rk) {
			return
		}
		go c.remoteInput(ctx, "remote key", func(actx context.Context) error {
			return c.surface.Key(actx, rk.Key)
		})

	case protocol.EventRemoteScroll:
		var rs protocol.RemoteScroll
		if !c.decode(env, &rs) {
			return
		}
		go c.remoteInput(ctx, "remote scroll", func(actx context.Context) error {
			return c.surface.Scroll(actx, rs.DeltaX, rs.DeltaY)
		})

	case protocol.EventScreencastStart:
		c.supervisor.Start(ctx)

	case protocol.EventScreencastStop:
		c.supervisor.Stop()

	case protocol.EventPlaylistPause:
		c.engine.Pause()

	case protocol.EventPlaylistResume:
		c.engine.Resume()

	case protocol.EventPlaylistNext:
		c.engine.Next(c.respectConstraints(env))

	case protocol.EventPlaylistPrev:
		c.engine.Previous(c.respectConstraints(env))

	case protocol.EventBroadcastStart:
		var bs protocol.BroadcastStart
		if !c.decode(env, &bs) {
			return
		}
		c.engine.StartBroadcast(bs.URL, bs.DurationMs)

	case protocol.EventBroadcastEnd:
		c.engine.EndBroadcast()

	default:
		c.log.Warn().Str("event", env.Event).Msg("unknown event dropped")
	}
}

func (c *Client) respectConstraints(env protocol.Envelope) bool {
	var sk protocol.PlaylistSkip
	if !c.decode(env, &sk) {
		return true
	}
	if sk.RespectConstraints == nil {
		return true
	}
	return *sk.RespectConstraints
}

// decode unmarshals the payload, dropping the command on a protocol fault.
// An absent payload leaves v at its zero value.
func (c *Client) decode(env protocol.Envelope, v any) bool {
	if len(env.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		c.log.Warn().Str("event", env.Event).Err(err).Msg("bad payload dropped")
		return false
	}
	return true
}

func (c *Client) navigateTimeout() time.Duration {
	if c.cfg.NavigateTimeout > 0 {
		return c.cfg.NavigateTimeout
	}
	return 15 * time.Second
}

// rootCtx is the Run lifetime; navigation retries launched by engine timers
// are bound to it so shutdown does not wait out a slow surface.
func (c *Client) rootCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// navigate points the surface at an address: one bounded attempt, then a
// single retry with a looser wait. Success restarts any live capture session
// since it was bound to the prior page context.
func (c *Client) navigate(target string) error {
	ctx := c.rootCtx()
	timeouts := []time.Duration{c.navigateTimeout(), c.cfg.NavigateRetry}
	if timeouts[1] <= 0 {
		timeouts[1] = 3 * timeouts[0]
	}
	attempt := 0
	err := retry.Do(ctx, retry.Policy{MaxAttempts: len(timeouts)}, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, timeouts[attempt])
		attempt++
		defer cancel()
		return c.surface.Navigate(actx, target)
	})
	if err != nil {
		return err
	}
	c.supervisor.OnNavigated(ctx)
	return nil
}

func (c *Client) remoteInput(ctx context.Context, what string, fn func(context.Context) error) {
	actx, cancel := context.WithTimeout(ctx, c.navigateTimeout())
	defer cancel()
	if err := fn(actx); err != nil {
		c.reportError(what, err)
	}
}

// captureStill takes one screenshot and uploads it.
func (c *Client) captureStill(ctx context.Context) {
	actx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()
	img, err := c.surface.CaptureStill(actx)
	if err != nil {
		c.reportError("capture still", err)
		return
	}
	c.sendTelemetry(protocol.EventScreenshot, protocol.ScreenshotUpload{
		Image:      img,
		CurrentURL: c.surface.CurrentURL(),
	})
}

func (c *Client) forwardFrame(f Frame) {
	c.sendTelemetry(protocol.EventScreencastFrame, protocol.ScreencastFrame{
		Data:     f.Data,
		Metadata: f.Metadata,
	})
}

// reportError forwards a device-local fault upstream, best-effort. It never
// feeds back into the playout loop.
func (c *Client) reportError(context string, err error) {
	c.sendTelemetry(protocol.EventErrorReport, protocol.ErrorReport{
		Error:   err.Error(),
		Context: context,
	})
}

// sendTelemetry is a best-effort send: losses between sessions are expected
// and only logged.
func (c *Client) sendTelemetry(event string, payload any) {
	if err := c.send(event, payload); err != nil {
		c.log.Debug().Str("event", event).Err(err).Msg("telemetry dropped")
	}
}

func (c *Client) send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
