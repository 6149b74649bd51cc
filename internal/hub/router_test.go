package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee-dev/marquee/internal/protocol"
	"github.com/marquee-dev/marquee/internal/store"
)

// fakeStore records telemetry writes and serves canned playlist/config data.
type fakeStore struct {
	mu            sync.Mutex
	health        []protocol.HealthReport
	errs          []protocol.ErrorReport
	shots         []protocol.ScreenshotUpload
	statuses      []string
	playlistID    string
	items         []protocol.PlaylistItem
	pendingConfig *protocol.ConfigUpdate
	cleared       bool
	failHealth    bool
}

func (f *fakeStore) AssignedPlaylist(_ context.Context, _ string) (string, []protocol.PlaylistItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playlistID == "" {
		return "", nil, store.ErrNotFound
	}
	return f.playlistID, f.items, nil
}

func (f *fakeStore) PendingDisplayConfig(_ context.Context, _ string) (*protocol.ConfigUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingConfig, nil
}

func (f *fakeStore) ClearPendingDisplayConfig(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeStore) SetDeviceStatus(_ context.Context, _, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) SaveHealth(_ context.Context, _ string, report protocol.HealthReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHealth {
		return errors.New("disk full")
	}
	f.health = append(f.health, report)
	return nil
}

func (f *fakeStore) SaveError(_ context.Context, _ string, report protocol.ErrorReport) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, report)
	return "err-1", nil
}

func (f *fakeStore) SaveScreenshot(_ context.Context, _ string, shot protocol.ScreenshotUpload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots = append(f.shots, shot)
	return "shot-1", nil
}

func newTestRouter(fs *fakeStore, settle time.Duration) (*Router, *Registry) {
	reg := newTestRegistry()
	rt := NewRouter(reg, fs, newTestMetrics(), settle, zerolog.Nop())
	return rt, reg
}

func mustPayload(t *testing.T, payload any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHealthReportPersistedAndRelayed(t *testing.T) {
	fs := &fakeStore{}
	rt, reg := newTestRouter(fs, 0)

	opConn, opClient := newTestConn(t)
	reg.AddOperator(opConn)

	report := protocol.HealthReport{CPU: 51.2, Mem: 73.4, Disk: 20.1, TS: time.Now().UTC()}
	rt.HandleDeviceEvent(context.Background(), "dev-1", protocol.Envelope{
		Event:   protocol.EventHealthReport,
		Payload: mustPayload(t, report),
	})

	env := readEnvelope(t, opClient)
	if env.Event != protocol.EventAdminHealth {
		t.Fatalf("event = %s, want %s", env.Event, protocol.EventAdminHealth)
	}
	var relayed protocol.AdminDeviceEvent
	if err := json.Unmarshal(env.Payload, &relayed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if relayed.DeviceID != "dev-1" {
		t.Errorf("deviceId = %s, want dev-1", relayed.DeviceID)
	}
	if relayed.Health == nil || relayed.Health.CPU != 51.2 {
		t.Errorf("health not relayed: %+v", relayed.Health)
	}
	if relayed.Timestamp.IsZero() {
		t.Error("timestamp should be appended by the router")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.health) != 1 {
		t.Errorf("persisted %d health reports, want 1", len(fs.health))
	}
}

func TestPersistFailureSurfacedAsAdminError(t *testing.T) {
	fs := &fakeStore{failHealth: true}
	rt, reg := newTestRouter(fs, 0)

	opConn, opClient := newTestConn(t)
	reg.AddOperator(opConn)

	rt.HandleDeviceEvent(context.Background(), "dev-1", protocol.Envelope{
		Event:   protocol.EventHealthReport,
		Payload: mustPayload(t, protocol.HealthReport{CPU: 1}),
	})

	// First the admin:error from the failed persist, then the relay itself:
	// routing continues despite the store fault.
	env := readEnvelope(t, opClient)
	if env.Event != protocol.EventAdminError {
		t.Fatalf("event = %s, want %s", env.Event, protocol.EventAdminError)
	}
	env = readEnvelope(t, opClient)
	if env.Event != protocol.EventAdminHealth {
		t.Fatalf("event = %s, want %s", env.Event, protocol.EventAdminHealth)
	}
}

func TestMalformedAndUnknownEventsDropped(t *testing.T) {
	fs := &fakeStore{}
	rt, reg := newTestRouter(fs, 0)

	opConn, opClient := newTestConn(t)
	reg.AddOperator(opConn)

	rt.HandleDeviceEvent(context.Background(), "dev-1", protocol.Envelope{
		Event:   protocol.EventHealthReport,
		Payload: json.RawMessage(`"not an object"`),
	})
	rt.HandleDeviceEvent(context.Background(), "dev-1", protocol.Envelope{
		Event:   "totally:unknown",
		Payload: json.RawMessage(`{}`),
	})

	// Neither should reach operators.
	_ = opClient.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := opClient.ReadMessage(); err == nil {
		t.Error("malformed/unknown events must not be relayed")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.health) != 0 {
		t.Error("malformed payload must not be persisted")
	}
}

func TestOperatorCommandForwarded(t *testing.T) {
	fs := &fakeStore{}
	rt, reg := newTestRouter(fs, 0)

	devConn, devClient := newTestConn(t)
	reg.Register("dev-1", devConn)

	payload := mustPayload(t, map[string]any{"deviceId": "dev-1", "url": "https://example.com", "duration": 0})
	rt.HandleOperatorCommand(protocol.Envelope{Event: protocol.EventDisplayNavigate, Payload: payload})

	env := readEnvelope(t, devClient)
	if env.Event != protocol.EventDisplayNavigate {
		t.Fatalf("event = %s, want %s", env.Event, protocol.EventDisplayNavigate)
	}
	var nav protocol.DisplayNavigate
	if err := json.Unmarshal(env.Payload, &nav); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if nav.URL != "https://example.com" {
		t.Errorf("url = %s", nav.URL)
	}
}

func TestOperatorCommandValidation(t *testing.T) {
	fs := &fakeStore{}
	rt, reg := newTestRouter(fs, 0)

	devConn, devClient := newTestConn(t)
	reg.Register("dev-1", devConn)

	tests := []struct {
		name string
		env  protocol.Envelope
	}{
		{"UnknownEvent", protocol.Envelope{Event: "admin:device:connected", Payload: json.RawMessage(`{"deviceId":"dev-1"}`)}},
		{"MissingDeviceID", protocol.Envelope{Event: protocol.EventDeviceRestart, Payload: json.RawMessage(`{}`)}},
		{"NoPayload", protocol.Envelope{Event: protocol.EventDeviceRestart}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt.HandleOperatorCommand(tt.env)
			_ = devClient.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
			if _, _, err := devClient.ReadMessage(); err == nil {
				t.Error("invalid command should not reach the device")
			}
		})
	}
}

func TestFleetCommandFansOut(t *testing.T) {
	fs := &fakeStore{}
	rt, reg := newTestRouter(fs, 0)

	connA, clientA := newTestConn(t)
	connB, clientB := newTestConn(t)
	reg.Register("dev-a", connA)
	reg.Register("dev-b", connB)

	payload := mustPayload(t, map[string]any{"deviceId": "*"})
	rt.HandleOperatorCommand(protocol.Envelope{Event: protocol.EventDisplayRefresh, Payload: payload})

	envA := readEnvelope(t, clientA)
	envB := readEnvelope(t, clientB)
	if envA.Event != protocol.EventDisplayRefresh || envB.Event != protocol.EventDisplayRefresh {
		t.Errorf("fleet command not delivered to all devices: %s / %s", envA.Event, envB.Event)
	}
}

func TestDeviceConnectedResyncOrder(t *testing.T) {
	width := 1920
	fs := &fakeStore{
		playlistID:    "pl-1",
		items:         []protocol.PlaylistItem{{ID: "item-1", ContentURL: "https://example.com/a", DurationMs: 5000}},
		pendingConfig: &protocol.ConfigUpdate{DisplayWidth: &width},
	}
	rt, reg := newTestRouter(fs, 20*time.Millisecond)

	devConn, devClient := newTestConn(t)
	reg.Register("dev-1", devConn)

	rt.DeviceConnected(context.Background(), "dev-1")

	// config:update must arrive before the playlist resync.
	env := readEnvelope(t, devClient)
	if env.Event != protocol.EventConfigUpdate {
		t.Fatalf("first push = %s, want %s", env.Event, protocol.EventConfigUpdate)
	}
	env = readEnvelope(t, devClient)
	if env.Event != protocol.EventContentUpdate {
		t.Fatalf("second push = %s, want %s", env.Event, protocol.EventContentUpdate)
	}

	var update protocol.ContentUpdate
	if err := json.Unmarshal(env.Payload, &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.PlaylistID != "pl-1" || len(update.Items) != 1 {
		t.Errorf("unexpected content update: %+v", update)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		cleared := fs.cleared
		fs.mu.Unlock()
		if cleared {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("pending config should be cleared after delivery")
}

func TestDeviceConnectedWithoutAssignments(t *testing.T) {
	fs := &fakeStore{}
	rt, reg := newTestRouter(fs, 0)

	devConn, devClient := newTestConn(t)
	reg.Register("dev-1", devConn)

	rt.DeviceConnected(context.Background(), "dev-1")

	_ = devClient.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := devClient.ReadMessage(); err == nil {
		t.Error("no pushes expected for a device with no config or playlist")
	}
}
