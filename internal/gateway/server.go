package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// Server is the control-plane listener: one WebSocket endpoint every
// client role shares, plus a plain HTTP health probe.
type Server struct {
	cfg     *config.Config
	version string

	core        *Core
	registry    *Registry
	router      *MethodRouter
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, version string, core *Core, registry *Registry, router *MethodRouter) *Server {
	s := &Server{
		cfg:      cfg,
		version:  version,
		core:     core,
		registry: registry,
		router:   router,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	return s
}

func (s *Server) Registry() *Registry       { return s.registry }
func (s *Server) Router() *MethodRouter     { return s.router }
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// checkOrigin admits browser connections only from the configured origin
// whitelist. Non-browser clients send no Origin header and always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.cfg.Gateway.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux. Call before Start when the
// mux is needed for additional listeners (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.ListenHost(), s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr, "protocol", protocol.ProtocolVersion)

	go func() {
		<-ctx.Done()
		s.registry.BroadcastScoped("", protocol.NewEvent(protocol.EventShutdown, map[string]any{"reason": "shutdown"}))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	meta := metaFromRequest(r, &s.cfg.Gateway)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := NewClient(conn, s, meta)
	defer func() {
		s.registry.Remove(client)
		s.rateLimiter.Forget(client.ID())
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}
