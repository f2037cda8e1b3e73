package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"llmshell/internal/domain"
	"llmshell/internal/infra/middleware"
	"llmshell/internal/usecase/worker"
)

// ServerConfig configures a worker server.
type ServerConfig struct {
	Addr            string
	Name            string
	Token           string // empty disables auth
	ConnectPerMin   int    // 0 disables rate limiting
	ConnectBurst    int
	MaxMessageBytes int64
}

// EngineFactory creates the engine serving one connection.
type EngineFactory func() domain.ChatEngine

// Server accepts controller connections and serves each with its own engine
// and task handler.
type Server struct {
	cfg       ServerConfig
	newEngine EngineFactory
	bus       domain.EventBus
	logger    *slog.Logger

	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}

	nextID  atomic.Uint64
	active  atomic.Int64
	mu      sync.Mutex
	conns   map[uint64]*Conn
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewServer creates a worker server. bus may be nil.
func NewServer(cfg ServerConfig, newEngine EngineFactory, bus domain.EventBus, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		newEngine: newEngine,
		bus:       bus,
		logger:    logger,
		ready:     make(chan struct{}),
		conns:     make(map[uint64]*Conn),
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var upgrade http.Handler = http.HandlerFunc(s.handleUpgrade)
	upgrade = middleware.RequireToken(s.cfg.Token)(upgrade)
	if s.cfg.ConnectPerMin > 0 {
		limiter := middleware.NewConnectLimiter(ctx, s.cfg.ConnectPerMin, max(s.cfg.ConnectBurst, 1))
		upgrade = limiter.Middleware(upgrade)
	}

	mux := http.NewServeMux()
	mux.Handle(Path, upgrade)
	mux.HandleFunc("/healthz", s.handleHealth)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("worker listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	close(s.ready)

	s.logger.Info("worker server started", "addr", s.boundAddr, "transport", "ws")

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("worker serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the listening address. Only valid after Ready.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Active returns the number of connected controllers.
func (s *Server) Active() int { return int(s.active.Load()) }

// Stop closes every connection and shuts the HTTP server down. Connections
// get a close handshake until ctx is done, after which the rest are dropped.
func (s *Server) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var closing sync.WaitGroup
	for _, c := range conns {
		closing.Add(1)
		go func() {
			defer closing.Done()
			c.ws.Close(websocket.StatusGoingAway, "worker shutting down")
		}()
	}
	closed := make(chan struct{})
	go func() {
		closing.Wait()
		close(closed)
	}()
	select {
	case <-closed:
	case <-ctx.Done():
		for _, c := range conns {
			c.ws.CloseNow()
		}
	}

	var err error
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(shutdownCtx)
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"name":        s.cfg.Name,
		"connections": s.Active(),
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.stopped.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	raw, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	connID := s.nextID.Add(1)
	conn := newConn(raw, s.cfg.MaxMessageBytes)
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		raw.Close(websocket.StatusGoingAway, "worker shutting down")
		return
	}
	s.conns[connID] = conn
	s.mu.Unlock()
	s.active.Add(1)

	s.logger.Info("controller connected", "conn_id", connID, "remote", r.RemoteAddr)
	s.publish(domain.EventWorkerConnected, r.RemoteAddr)

	eng := s.newEngine()
	h := worker.NewHandler(eng, conn, s.logger.With("conn_id", connID))
	if err := h.Serve(r.Context()); err != nil && !errors.Is(err, domain.ErrChannelClosed) {
		s.logger.Warn("worker handler stopped", "conn_id", connID, "error", err)
	}

	// Release whatever the controller left loaded.
	unloadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := eng.Unload(unloadCtx); err != nil {
		s.logger.Debug("unload after disconnect failed", "conn_id", connID, "error", err)
	}
	cancel()

	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
	s.active.Add(-1)
	conn.Close()

	s.logger.Info("controller disconnected", "conn_id", connID)
	s.publish(domain.EventWorkerDisconnected, r.RemoteAddr)
}

func (s *Server) publish(typ domain.EventType, remote string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), domain.NewEvent(typ, "", domain.WorkerEventPayload{
		Name:      s.cfg.Name,
		Address:   remote,
		Transport: "ws",
	}))
}
