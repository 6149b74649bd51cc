package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/marquee-dev/marquee/internal/config"
	"github.com/marquee-dev/marquee/internal/protocol"
	"github.com/marquee-dev/marquee/internal/store"
)

// Server upgrades device and operator connections and runs their receive
// loops. It owns no routing logic itself; that lives in Router.
type Server struct {
	cfg      config.ServerConfig
	registry *Registry
	router   *Router
	resolver store.CredentialResolver
	log      zerolog.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	gatherer prometheus.Gatherer
}

func NewServer(cfg config.ServerConfig, registry *Registry, router *Router, resolver store.CredentialResolver, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		registry:       registry,
		router:         router,
		resolver:       resolver,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		gatherer:       gatherer,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Routes builds the hub's HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/device", s.handleDeviceWS)
	r.Get("/ws/operator", s.handleOperatorWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// bearerToken pulls the credential from the Authorization header or, for
// clients that cannot set headers during the upgrade, the token query
// parameter.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	deviceID, err := s.resolver.Resolve(r.Context(), token)
	if err != nil {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("device credential rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// An explicit id must agree with what the credential resolves to.
	if claimed := r.URL.Query().Get("deviceId"); claimed != "" && claimed != deviceID {
		s.log.Warn().Str("claimed", claimed).Str("resolved", deviceID).Msg("device id mismatch")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("device upgrade failed")
		return
	}

	conn := newConn(ws, s.cfg.WriteTimeout, s.cfg.PingInterval)
	s.registry.Register(deviceID, conn)
	s.log.Info().Str("device", deviceID).Str("remote", r.RemoteAddr).Msg("device connected")
	s.router.DeviceConnected(r.Context(), deviceID)

	s.readLoop(ws, conn, func(env protocol.Envelope) {
		s.router.HandleDeviceEvent(r.Context(), deviceID, env)
	})

	conn.Close()
	if s.registry.Unregister(deviceID, conn) {
		// Only the connection that still owns the entry reports the drop;
		// a superseded connection's exit must not mark the replacement offline.
		s.router.DeviceDisconnected(context.WithoutCancel(r.Context()), deviceID)
	}
	s.log.Info().Str("device", deviceID).Msg("device disconnected")
}

func (s *Server) handleOperatorWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OperatorToken != "" && bearerToken(r) != s.cfg.OperatorToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("operator upgrade failed")
		return
	}

	conn := newConn(ws, s.cfg.WriteTimeout, s.cfg.PingInterval)
	s.registry.AddOperator(conn)
	s.log.Info().Str("remote", r.RemoteAddr).Msg("operator connected")
	s.router.OperatorConnected(conn)

	s.readLoop(ws, conn, s.router.HandleOperatorCommand)

	s.registry.RemoveOperator(conn)
	s.log.Info().Str("remote", r.RemoteAddr).Msg("operator disconnected")
}

// readLoop consumes envelopes until the connection drops. Events on one
// connection are handled in FIFO order; malformed frames are skipped.
func (s *Server) readLoop(ws *websocket.Conn, conn *Conn, handle func(protocol.Envelope)) {
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		env, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed envelope dropped")
			continue
		}
		handle(env)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Device clients are not browsers and send no Origin.
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]", "::1"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}

// ListenAndServe blocks serving the hub until ctx is cancelled, then shuts
// the listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.Routes()}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("hub listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
