// Package protocol defines the wire envelope and payload types exchanged
// between devices, the hub, and operator consoles. Every message on the
// duplex channel is a JSON envelope of {event, payload}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device -> server events.
const (
	EventDeviceRegister  = "device:register"
	EventHealthReport    = "health:report"
	EventDeviceStatus    = "device:status"
	EventErrorReport     = "error:report"
	EventScreenshot      = "screenshot:upload"
	EventPlaybackState   = "playback:state:update"
	EventScreencastFrame = "screencast:frame"
)

// Server -> device events.
const (
	EventContentUpdate   = "content:update"
	EventDisplayNavigate = "display:navigate"
	EventScreenshotReq   = "screenshot:request"
	EventConfigUpdate    = "config:update"
	EventDeviceRestart   = "device:restart"
	EventDisplayRefresh  = "display:refresh"
	EventRemoteClick     = "remote:click"
	EventRemoteType      = "remote:type"
	EventRemoteKey       = "remote:key"
	EventRemoteScroll    = "remote:scroll"
	EventScreencastStart = "screencast:start"
	EventScreencastStop  = "screencast:stop"
	EventPlaylistPause   = "playlist:pause"
	EventPlaylistResume  = "playlist:resume"
	EventPlaylistNext    = "playlist:next"
	EventPlaylistPrev    = "playlist:previous"
	EventBroadcastStart  = "playlist:broadcast:start"
	EventBroadcastEnd    = "playlist:broadcast:end"
)

// Server -> operator events.
const (
	EventAdminConnected    = "admin:device:connected"
	EventAdminDisconnected = "admin:device:disconnected"
	EventAdminStatus       = "admin:device:status"
	EventAdminHealth       = "admin:device:health"
	EventAdminError        = "admin:error"
	EventAdminScreenshot   = "admin:screenshot:received"
	EventAdminPlayback     = "admin:playback:state"
	EventAdminFrame        = "admin:screencast:frame"
	EventAdminDevicesSync  = "admin:devices:sync"
)

// Envelope is the bidirectional wire frame. Payload stays raw until the
// receiver knows which struct to decode it into.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals an envelope carrying the given payload.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// Decode unmarshals an envelope from raw bytes.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// TimeWindow restricts an item to part of the day. Start is inclusive,
// End is exclusive, both "HH:MM" local time.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// PlaylistItem is one scheduled content entry. The device holds a read-only
// snapshot pushed by the hub; the relational store is the source of truth.
type PlaylistItem struct {
	ID         string         `json:"id"`
	ContentURL string         `json:"contentUrl"`
	DurationMs int64          `json:"durationMs"` // 0 means permanent
	OrderIndex int            `json:"orderIndex"`
	Days       []time.Weekday `json:"days,omitempty"` // empty means every day
	Window     *TimeWindow    `json:"window,omitempty"`
}

// minutesOfDay parses "HH:MM" into minutes since midnight.
func minutesOfDay(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("parse time %q: out of range", s)
	}
	return h*60 + m, nil
}

// EligibleAt reports whether the item may be shown at the given local time.
// Day constraint: today must be in Days when Days is non-empty. Time window:
// start <= now < end, compared as minutes of the day. A window that fails to
// parse makes the item ineligible rather than silently always-on.
func (it PlaylistItem) EligibleAt(t time.Time) bool {
	if len(it.Days) > 0 {
		ok := false
		for _, d := range it.Days {
			if d == t.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if it.Window != nil {
		start, err := minutesOfDay(it.Window.Start)
		if err != nil {
			return false
		}
		end, err := minutesOfDay(it.Window.End)
		if err != nil {
			return false
		}
		now := t.Hour()*60 + t.Minute()
		if now < start || now >= end {
			return false
		}
	}
	return true
}

// HealthReport carries device resource usage percentages.
type HealthReport struct {
	CPU  float64   `json:"cpu"`
	Mem  float64   `json:"mem"`
	Disk float64   `json:"disk"`
	TS   time.Time `json:"ts"`
}

// DeviceStatus is a coarse device-reported status transition.
type DeviceStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorReport is a device-local fault forwarded upstream best-effort.
type ErrorReport struct {
	Error   string `json:"error"`
	Stack   string `json:"stack,omitempty"`
	Context string `json:"context,omitempty"`
}

// ScreenshotUpload carries one still capture as base64 JPEG.
type ScreenshotUpload struct {
	Image      string `json:"image"`
	CurrentURL string `json:"currentUrl,omitempty"`
}

// PlaybackState is the playout engine's telemetry snapshot.
type PlaybackState struct {
	IsPlaying        bool   `json:"isPlaying"`
	IsPaused         bool   `json:"isPaused"`
	IsBroadcasting   bool   `json:"isBroadcasting"`
	CurrentItemID    string `json:"currentItemId,omitempty"`
	CurrentItemIndex int    `json:"currentItemIndex"`
	PlaylistID       string `json:"playlistId,omitempty"`
	TotalItems       int    `json:"totalItems"`
	CurrentURL       string `json:"currentUrl,omitempty"`
	TimeRemaining    int64  `json:"timeRemaining"`
}

// ScreencastFrame is one live-view frame plus capture metadata.
type ScreencastFrame struct {
	Data     string          `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ContentUpdate replaces the device's cached playlist snapshot.
type ContentUpdate struct {
	PlaylistID string         `json:"playlistId"`
	Items      []PlaylistItem `json:"items"`
}

// DisplayNavigate points the render surface at an arbitrary address.
type DisplayNavigate struct {
	URL        string `json:"url"`
	DurationMs int64  `json:"duration,omitempty"`
}

// ConfigUpdate pushes display configuration. Nil fields are left unchanged
// on the device. Applying it forces a local display restart.
type ConfigUpdate struct {
	DisplayWidth  *int  `json:"displayWidth,omitempty"`
	DisplayHeight *int  `json:"displayHeight,omitempty"`
	KioskMode     *bool `json:"kioskMode,omitempty"`
}

// DisplayRefresh reloads the current page.
type DisplayRefresh struct {
	Force bool `json:"force,omitempty"`
}

// RemoteClick injects a pointer click at viewport coordinates.
type RemoteClick struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RemoteType injects text input.
type RemoteType struct {
	Text string `json:"text"`
}

// RemoteKey injects a single key press.
type RemoteKey struct {
	Key string `json:"key"`
}

// RemoteScroll injects a scroll delta.
type RemoteScroll struct {
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

// PlaylistSkip drives manual next/previous. RespectConstraints defaults to
// true when omitted.
type PlaylistSkip struct {
	RespectConstraints *bool `json:"respectConstraints,omitempty"`
}

// BroadcastStart temporarily overrides rotation with a single address.
// Duration 0 means until an explicit broadcast end.
type BroadcastStart struct {
	URL        string `json:"url"`
	DurationMs int64  `json:"duration"`
}

// AdminDeviceEvent is the common shape of per-device operator relays.
type AdminDeviceEvent struct {
	DeviceID  string         `json:"deviceId"`
	Status    string         `json:"status,omitempty"`
	Health    *HealthReport  `json:"health,omitempty"`
	Error     string         `json:"error,omitempty"`
	State     *PlaybackState `json:"state,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AdminScreenshot notifies operators that a capture was persisted.
type AdminScreenshot struct {
	DeviceID     string    `json:"deviceId"`
	ScreenshotID string    `json:"screenshotId"`
	Timestamp    time.Time `json:"timestamp"`
}

// AdminFrame relays a live-view frame to operators.
type AdminFrame struct {
	DeviceID string          `json:"deviceId"`
	Data     string          `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// AdminDevicesSync lists currently connected device ids. Sent once when an
// operator connects.
type AdminDevicesSync struct {
	DeviceIDs []string `json:"deviceIds"`
}
