package grpctransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

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

// EngineFactory creates the engine serving one stream.
type EngineFactory func() domain.ChatEngine

// Server serves WorkerService. Every Channel stream gets its own engine and
// task handler.
type Server struct {
	cfg       ServerConfig
	newEngine EngineFactory
	bus       domain.EventBus
	logger    *slog.Logger

	grpcSrv   *grpc.Server
	boundAddr string
	ready     chan struct{}
	limiter   *middleware.ConnectLimiter

	active   atomic.Int64
	stopOnce sync.Once
}

var _ WorkerServiceServer = (*Server)(nil)

// NewServer creates a worker server. bus may be nil.
func NewServer(cfg ServerConfig, newEngine EngineFactory, bus domain.EventBus, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		newEngine: newEngine,
		bus:       bus,
		logger:    logger,
		ready:     make(chan struct{}),
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.ConnectPerMin > 0 {
		s.limiter = middleware.NewConnectLimiter(ctx, s.cfg.ConnectPerMin, max(s.cfg.ConnectBurst, 1))
	}

	opts := []grpc.ServerOption{grpc.ChainStreamInterceptor(s.admit)}
	if s.cfg.MaxMessageBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(int(s.cfg.MaxMessageBytes)))
	}
	s.grpcSrv = grpc.NewServer(opts...)
	RegisterWorkerServiceServer(s.grpcSrv, s)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("worker listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	close(s.ready)

	s.logger.Info("worker server started", "addr", s.boundAddr, "transport", "grpc")

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.grpcSrv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("worker serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the listening address. Only valid after Ready.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Active returns the number of open Channel streams.
func (s *Server) Active() int { return int(s.active.Load()) }

// Stop drains open streams, giving up after ctx or five seconds.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.grpcSrv == nil {
			return
		}
		done := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(done)
		}()
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpcSrv.Stop()
			<-done
		}
	})
	return nil
}

// admit checks the bearer token and the per-peer connect budget.
func (s *Server) admit(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx := ss.Context()
	if s.limiter != nil {
		if p, ok := peer.FromContext(ctx); ok && !s.limiter.Allow(p.Addr.String()) {
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
	}
	var presented string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(authorizationMeta); len(v) > 0 {
			presented = middleware.BearerToken(v[0])
		}
	}
	if !middleware.TokenMatches(s.cfg.Token, presented) {
		return status.Error(codes.Unauthenticated, "unauthorized")
	}
	return handler(srv, ss)
}

// Channel serves one controller for the lifetime of the stream.
func (s *Server) Channel(stream WorkerService_ChannelServer) error {
	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok {
		remote = p.Addr.String()
	}
	if err := stream.SendHeader(metadata.Pairs(workerNameHeader, s.cfg.Name)); err != nil {
		return err
	}

	s.active.Add(1)
	defer s.active.Add(-1)
	s.logger.Info("controller connected", "remote", remote)
	s.publish(domain.EventWorkerConnected, remote)

	conn := newConn(stream, nil)
	eng := s.newEngine()
	h := worker.NewHandler(eng, conn, s.logger.With("remote", remote))
	err := h.Serve(stream.Context())
	conn.Close()

	unloadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if uerr := eng.Unload(unloadCtx); uerr != nil {
		s.logger.Debug("unload after disconnect failed", "remote", remote, "error", uerr)
	}
	cancel()

	s.logger.Info("controller disconnected", "remote", remote)
	s.publish(domain.EventWorkerDisconnected, remote)

	if err != nil && !errors.Is(err, domain.ErrChannelClosed) {
		s.logger.Warn("worker handler stopped", "remote", remote, "error", err)
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

func (s *Server) publish(typ domain.EventType, remote string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), domain.NewEvent(typ, "", domain.WorkerEventPayload{
		Name:      s.cfg.Name,
		Address:   remote,
		Transport: "grpc",
	}))
}
