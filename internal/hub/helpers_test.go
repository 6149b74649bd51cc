package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/marquee-dev/marquee/internal/protocol"
)

// wsPair creates a live server/client websocket pair through an httptest
// server. Both ends stay open; cleanup is registered on t.
func wsPair(t *testing.T) (serverSide, clientSide *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server := <-connCh:
		t.Cleanup(func() { _ = server.Close() })
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
		return nil, nil
	}
}

// newTestConn wraps a fresh server-side websocket in a hub Conn and returns
// the client side for reading what the hub sends.
func newTestConn(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()
	server, client := wsPair(t)
	conn := newConn(server, time.Second, time.Hour)
	t.Cleanup(conn.Close)
	return conn, client
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func newTestRegistry() *Registry {
	return NewRegistry(newTestMetrics(), zerolog.Nop())
}

// readEnvelope reads the next envelope from a client-side connection with a
// bounded wait.
func readEnvelope(t *testing.T, client *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}
