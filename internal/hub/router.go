package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee-dev/marquee/internal/protocol"
	"github.com/marquee-dev/marquee/internal/store"
)

// commandEvents is the set of operator-issued events the router will
// forward to devices. Anything else inbound from an operator is a protocol
// fault: logged and ignored, connection stays open.
var commandEvents = map[string]bool{
	protocol.EventContentUpdate:   true,
	protocol.EventDisplayNavigate: true,
	protocol.EventScreenshotReq:   true,
	protocol.EventConfigUpdate:    true,
	protocol.EventDeviceRestart:   true,
	protocol.EventDisplayRefresh:  true,
	protocol.EventRemoteClick:     true,
	protocol.EventRemoteType:      true,
	protocol.EventRemoteKey:       true,
	protocol.EventRemoteScroll:    true,
	protocol.EventScreencastStart: true,
	protocol.EventScreencastStop:  true,
	protocol.EventPlaylistPause:   true,
	protocol.EventPlaylistResume:  true,
	protocol.EventPlaylistNext:    true,
	protocol.EventPlaylistPrev:    true,
	protocol.EventBroadcastStart:  true,
	protocol.EventBroadcastEnd:    true,
}

// Router validates inbound envelopes, persists durable telemetry, relays
// device events to operators as admin:* and forwards operator commands
// through the registry.
type Router struct {
	registry *Registry
	store    store.Store
	metrics  *Metrics
	log      zerolog.Logger

	// configSettle is the pause between pushing config:update to a freshly
	// connected device and pushing the playlist resync; applying display
	// config restarts the device's display.
	configSettle time.Duration

	now func() time.Time
}

func NewRouter(registry *Registry, st store.Store, metrics *Metrics, configSettle time.Duration, log zerolog.Logger) *Router {
	return &Router{
		registry:     registry,
		store:        st,
		metrics:      metrics,
		log:          log,
		configSettle: configSettle,
		now:          time.Now,
	}
}

// DeviceConnected runs the connect-time convergence sequence: announce the
// device to operators, then (asynchronously, so the read loop starts
// consuming immediately) push any pending display config, wait for it to
// settle, and push the assigned playlist so a reconnecting device ends up
// in the same state as one that never dropped.
func (rt *Router) DeviceConnected(ctx context.Context, deviceID string) {
	if err := rt.store.SetDeviceStatus(ctx, deviceID, "online", ""); err != nil {
		rt.persistFailed(deviceID, err)
	}
	rt.registry.BroadcastToOperators(protocol.EventAdminConnected, protocol.AdminDeviceEvent{
		DeviceID: deviceID, Status: "online", Timestamp: rt.now(),
	})

	go rt.resync(ctx, deviceID)
}

func (rt *Router) resync(ctx context.Context, deviceID string) {
	cfg, err := rt.store.PendingDisplayConfig(ctx, deviceID)
	if err != nil {
		rt.log.Error().Str("device", deviceID).Err(err).Msg("pending config lookup failed")
	} else if cfg != nil {
		if rt.registry.SendTo(deviceID, protocol.EventConfigUpdate, cfg) {
			if err := rt.store.ClearPendingDisplayConfig(ctx, deviceID); err != nil {
				rt.persistFailed(deviceID, err)
			}
			// The device restarts its display to apply the config; give it
			// time before the content push.
			select {
			case <-ctx.Done():
				return
			case <-time.After(rt.configSettle):
			}
		}
	}

	playlistID, items, err := rt.store.AssignedPlaylist(ctx, deviceID)
	if err == store.ErrNotFound {
		return
	}
	if err != nil {
		rt.log.Error().Str("device", deviceID).Err(err).Msg("playlist lookup failed")
		return
	}
	rt.registry.SendTo(deviceID, protocol.EventContentUpdate, protocol.ContentUpdate{
		PlaylistID: playlistID, Items: items,
	})
}

// DeviceDisconnected records the drop and tells operators.
func (rt *Router) DeviceDisconnected(ctx context.Context, deviceID string) {
	if err := rt.store.SetDeviceStatus(ctx, deviceID, "offline", ""); err != nil {
		rt.persistFailed(deviceID, err)
	}
	rt.registry.BroadcastToOperators(protocol.EventAdminDisconnected, protocol.AdminDeviceEvent{
		DeviceID: deviceID, Status: "offline", Timestamp: rt.now(),
	})
}

// OperatorConnected pushes the one-time device roster sync.
func (rt *Router) OperatorConnected(conn *Conn) {
	ids := rt.registry.DeviceIDs()
	if ids == nil {
		ids = []string{}
	}
	if err := conn.Send(protocol.EventAdminDevicesSync, protocol.AdminDevicesSync{DeviceIDs: ids}); err != nil {
		rt.log.Debug().Err(err).Msg("devices sync send failed")
	}
}

// HandleDeviceEvent processes one inbound envelope from a device's receive
// loop. Envelopes are handled in arrival order; malformed payloads are
// logged and dropped without closing the connection.
func (rt *Router) HandleDeviceEvent(ctx context.Context, deviceID string, env protocol.Envelope) {
	rt.metrics.EventsRouted.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case protocol.EventDeviceRegister:
		// Registration is implicit in the handshake; nothing more to do.

	case protocol.EventHealthReport:
		var report protocol.HealthReport
		if !rt.decode(deviceID, env, &report) {
			return
		}
		if err := rt.store.SaveHealth(ctx, deviceID, report); err != nil {
			rt.persistFailed(deviceID, err)
		}
		rt.registry.BroadcastToOperators(protocol.EventAdminHealth, protocol.AdminDeviceEvent{
			DeviceID: deviceID, Health: &report, Timestamp: rt.now(),
		})

	case protocol.EventDeviceStatus:
		var status protocol.DeviceStatus
		if !rt.decode(deviceID, env, &status) {
			return
		}
		if err := rt.store.SetDeviceStatus(ctx, deviceID, status.Status, status.Message); err != nil {
			rt.persistFailed(deviceID, err)
		}
		rt.registry.BroadcastToOperators(protocol.EventAdminStatus, protocol.AdminDeviceEvent{
			DeviceID: deviceID, Status: status.Status, Timestamp: rt.now(),
		})

	case protocol.EventErrorReport:
		var report protocol.ErrorReport
		if !rt.decode(deviceID, env, &report) {
			return
		}
		if _, err := rt.store.SaveError(ctx, deviceID, report); err != nil {
			rt.persistFailed(deviceID, err)
		}
		rt.registry.BroadcastToOperators(protocol.EventAdminError, protocol.AdminDeviceEvent{
			DeviceID: deviceID, Error: report.Error, Timestamp: rt.now(),
		})

	case protocol.EventScreenshot:
		var shot protocol.ScreenshotUpload
		if !rt.decode(deviceID, env, &shot) {
			return
		}
		id, err := rt.store.SaveScreenshot(ctx, deviceID, shot)
		if err != nil {
			rt.persistFailed(deviceID, err)
			return
		}
		rt.registry.BroadcastToOperators(protocol.EventAdminScreenshot, protocol.AdminScreenshot{
			DeviceID: deviceID, ScreenshotID: id, Timestamp: rt.now(),
		})

	case protocol.EventPlaybackState:
		var state protocol.PlaybackState
		if !rt.decode(deviceID, env, &state) {
			return
		}
		rt.registry.BroadcastToOperators(protocol.EventAdminPlayback, protocol.AdminDeviceEvent{
			DeviceID: deviceID, State: &state, Timestamp: rt.now(),
		})

	case protocol.EventScreencastFrame:
		var frame protocol.ScreencastFrame
		if !rt.decode(deviceID, env, &frame) {
			return
		}
		rt.registry.BroadcastToOperators(protocol.EventAdminFrame, protocol.AdminFrame{
			DeviceID: deviceID, Data: frame.Data, Metadata: frame.Metadata,
		})

	default:
		rt.log.Warn().Str("device", deviceID).Str("event", env.Event).Msg("unknown device event dropped")
	}
}

// commandTarget is the addressing fragment every operator command payload
// must carry. DeviceID "*" fans the command out to every connected device.
type commandTarget struct {
	DeviceID string `json:"deviceId"`
}

// HandleOperatorCommand validates and forwards one operator-issued command.
// Delivery is at-most-once: commands to offline devices are dropped.
func (rt *Router) HandleOperatorCommand(env protocol.Envelope) {
	rt.metrics.EventsRouted.WithLabelValues(env.Event).Inc()

	if !commandEvents[env.Event] {
		rt.log.Warn().Str("event", env.Event).Msg("unknown operator event dropped")
		return
	}

	var target commandTarget
	if err := json.Unmarshal(env.Payload, &target); err != nil || target.DeviceID == "" {
		rt.log.Warn().Str("event", env.Event).Msg("operator command missing deviceId")
		return
	}

	if target.DeviceID == "*" {
		// Fleet command: N independent best-effort sends, no rollback.
		for _, id := range rt.registry.DeviceIDs() {
			rt.registry.SendTo(id, env.Event, env.Payload)
		}
		return
	}

	if !rt.registry.SendTo(target.DeviceID, env.Event, env.Payload) {
		rt.log.Debug().Str("device", target.DeviceID).Str("event", env.Event).Msg("command dropped, device offline")
	}
}

func (rt *Router) decode(deviceID string, env protocol.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		rt.log.Warn().Str("device", deviceID).Str("event", env.Event).Err(err).Msg("malformed payload dropped")
		return false
	}
	return true
}

// persistFailed logs a store failure and surfaces it to operators without
// affecting routing for other devices.
func (rt *Router) persistFailed(deviceID string, err error) {
	rt.metrics.PersistFailures.Inc()
	rt.log.Error().Str("device", deviceID).Err(err).Msg("telemetry persistence failed")
	rt.registry.BroadcastToOperators(protocol.EventAdminError, protocol.AdminDeviceEvent{
		DeviceID: deviceID, Error: err.Error(), Timestamp: rt.now(),
	})
}
