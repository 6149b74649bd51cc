package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marquee-dev/marquee/internal/config"
	"github.com/marquee-dev/marquee/internal/protocol"
	"github.com/marquee-dev/marquee/internal/store"
)

func newTestHub(t *testing.T) (*httptest.Server, *store.SQLite) {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default().Server
	cfg.OperatorToken = "op-secret"

	metrics := newTestMetrics()
	registry := NewRegistry(metrics, zerolog.Nop())
	router := NewRouter(registry, st, metrics, 10*time.Millisecond, zerolog.Nop())
	server := NewServer(cfg, registry, router, st, nil, zerolog.Nop())

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return srv, st
}

func dialWS(t *testing.T, srv *httptest.Server, path, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func TestDeviceHandshakeRejectsBadToken(t *testing.T) {
	srv, _ := newTestHub(t)

	_, resp, err := dialWS(t, srv, "/ws/device", "bogus")
	if err == nil {
		t.Fatal("dial should fail with an unresolvable credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}

func TestOperatorHandshakeRejectsBadToken(t *testing.T) {
	srv, _ := newTestHub(t)

	_, resp, err := dialWS(t, srv, "/ws/operator", "wrong")
	if err == nil {
		t.Fatal("dial should fail with the wrong operator token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}

func TestDeviceTelemetryReachesOperator(t *testing.T) {
	srv, st := newTestHub(t)
	ctx := context.Background()

	if err := st.UpsertDevice(ctx, "dev-1", "Lobby", "dev-token", ""); err != nil {
		t.Fatal(err)
	}

	device, _, err := dialWS(t, srv, "/ws/device", "dev-token")
	if err != nil {
		t.Fatalf("device dial: %v", err)
	}
	defer device.Close()

	operator, _, err := dialWS(t, srv, "/ws/operator", "op-secret")
	if err != nil {
		t.Fatalf("operator dial: %v", err)
	}
	defer operator.Close()

	// The roster sync arrives first and lists the connected device.
	env := readEnvelope(t, operator)
	if env.Event != protocol.EventAdminDevicesSync {
		t.Fatalf("first operator event = %s, want %s", env.Event, protocol.EventAdminDevicesSync)
	}
	var sync protocol.AdminDevicesSync
	if err := json.Unmarshal(env.Payload, &sync); err != nil {
		t.Fatal(err)
	}
	if len(sync.DeviceIDs) != 1 || sync.DeviceIDs[0] != "dev-1" {
		t.Fatalf("deviceIds = %v, want [dev-1]", sync.DeviceIDs)
	}

	// Device status flows through as admin:device:status.
	data, err := protocol.Encode(protocol.EventDeviceStatus, protocol.DeviceStatus{Status: "playing"})
	if err != nil {
		t.Fatal(err)
	}
	if err := device.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	env = readEnvelope(t, operator)
	if env.Event != protocol.EventAdminStatus {
		t.Fatalf("event = %s, want %s", env.Event, protocol.EventAdminStatus)
	}
	var relayed protocol.AdminDeviceEvent
	if err := json.Unmarshal(env.Payload, &relayed); err != nil {
		t.Fatal(err)
	}
	if relayed.DeviceID != "dev-1" || relayed.Status != "playing" {
		t.Errorf("relayed = %+v", relayed)
	}
}

func TestReconnectReplacesRegistryEntry(t *testing.T) {
	srv, st := newTestHub(t)
	ctx := context.Background()

	if err := st.UpsertDevice(ctx, "dev-1", "Lobby", "dev-token", ""); err != nil {
		t.Fatal(err)
	}

	first, _, err := dialWS(t, srv, "/ws/device", "dev-token")
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	second, _, err := dialWS(t, srv, "/ws/device", "dev-token")
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	// The superseded connection is force-closed by the hub.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("first connection should be closed after replacement")
	}

	// Commands now reach only the second connection: use an operator to
	// trigger a screenshot request.
	operator, _, err := dialWS(t, srv, "/ws/operator", "op-secret")
	if err != nil {
		t.Fatalf("operator dial: %v", err)
	}
	defer operator.Close()
	readEnvelope(t, operator) // roster sync

	cmd, err := protocol.Encode(protocol.EventScreenshotReq, map[string]string{"deviceId": "dev-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := operator.WriteMessage(websocket.TextMessage, cmd); err != nil {
		t.Fatal(err)
	}

	env := readEnvelope(t, second)
	if env.Event != protocol.EventScreenshotReq {
		t.Errorf("event = %s, want %s", env.Event, protocol.EventScreenshotReq)
	}
}

func TestDeviceIDMismatchRejected(t *testing.T) {
	srv, st := newTestHub(t)
	if err := st.UpsertDevice(context.Background(), "dev-1", "Lobby", "dev-token", ""); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/device?deviceId=other&token=dev-token"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial should fail when claimed id disagrees with the credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}

func TestContentResyncOnConnect(t *testing.T) {
	srv, st := newTestHub(t)
	ctx := context.Background()

	if err := st.UpsertDevice(ctx, "dev-1", "Lobby", "dev-token", "pl-1"); err != nil {
		t.Fatal(err)
	}
	if err := st.AddPlaylistItem(ctx, "pl-1", protocol.PlaylistItem{
		ID: "item-1", ContentURL: "https://example.com/a", DurationMs: 5000, OrderIndex: 0,
	}); err != nil {
		t.Fatal(err)
	}

	device, _, err := dialWS(t, srv, "/ws/device", "dev-token")
	if err != nil {
		t.Fatalf("device dial: %v", err)
	}
	defer device.Close()

	env := readEnvelope(t, device)
	if env.Event != protocol.EventContentUpdate {
		t.Fatalf("event = %s, want %s", env.Event, protocol.EventContentUpdate)
	}
	var update protocol.ContentUpdate
	if err := json.Unmarshal(env.Payload, &update); err != nil {
		t.Fatal(err)
	}
	if update.PlaylistID != "pl-1" || len(update.Items) != 1 || update.Items[0].ID != "item-1" {
		t.Errorf("unexpected resync payload: %+v", update)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestHub(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
