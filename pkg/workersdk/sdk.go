// Package workersdk lets other programs host an llmshell worker around their
// own inference engine.
//
// The SDK speaks the worker side of the task protocol: it accepts controller
// connections over WebSocket or gRPC (or a single stdio pipe), decodes reload,
// generate, stats, reset, interrupt and unload calls, and drives an Engine.
//
// Example:
//
//	w := workersdk.New("gpu-box", func() workersdk.Engine { return newLlamaEngine() },
//	    workersdk.WithTransport("grpc"),
//	    workersdk.WithListen(":8791"),
//	    workersdk.WithModels(workersdk.Model{ID: "llama-7b", URL: "https://example.com/llama-7b/"}),
//	)
//	err := w.Serve(ctx)
package workersdk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"llmshell/internal/adapter/transport/grpctransport"
	"llmshell/internal/adapter/transport/stdio"
	"llmshell/internal/adapter/transport/ws"
	"llmshell/internal/domain"
	"llmshell/internal/usecase/worker"
)

// Model is one entry of the worker's default catalogue.
type Model struct {
	ID               string
	URL              string
	RequiredFeatures []string
}

// Worker serves controller connections, each with its own Engine.
type Worker struct {
	name      string
	newEngine func() Engine

	listen          string
	transport       string
	token           string
	models          []Model
	features        []string
	connectPerMin   int
	connectBurst    int
	maxMessageBytes int64
	logger          *slog.Logger

	mu    sync.Mutex
	addr  string
	ready chan struct{}
}

// New creates a worker. newEngine is called once per controller connection.
func New(name string, newEngine func() Engine, opts ...Option) *Worker {
	w := &Worker{
		name:            name,
		newEngine:       newEngine,
		listen:          ":8791",
		transport:       "ws",
		maxMessageBytes: stdio.DefaultMaxMessageBytes,
		logger:          slog.Default(),
		ready:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// Ready is closed once Serve is listening.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Addr returns the bound listen address. Only valid after Ready.
func (w *Worker) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr
}

func (w *Worker) catalogue() *domain.AppConfig {
	app := &domain.AppConfig{}
	for _, m := range w.models {
		app.ModelList = append(app.ModelList, domain.ModelRecord{
			LocalID:          m.ID,
			ModelURL:         m.URL,
			RequiredFeatures: m.RequiredFeatures,
		})
	}
	return app
}

func (w *Worker) chatEngine() domain.ChatEngine {
	return newEngineAdapter(w.newEngine(), w.catalogue(), w.features, w.logger)
}

// server is what both network transports provide.
type server interface {
	Start(ctx context.Context) error
	Ready() <-chan struct{}
	BoundAddr() string
}

// Serve listens on the configured transport until ctx is cancelled.
func (w *Worker) Serve(ctx context.Context) error {
	var srv server
	switch w.transport {
	case "ws", "":
		srv = ws.NewServer(ws.ServerConfig{
			Addr:            w.listen,
			Name:            w.name,
			Token:           w.token,
			ConnectPerMin:   w.connectPerMin,
			ConnectBurst:    w.connectBurst,
			MaxMessageBytes: w.maxMessageBytes,
		}, w.chatEngine, nil, w.logger)
	case "grpc":
		srv = grpctransport.NewServer(grpctransport.ServerConfig{
			Addr:            w.listen,
			Name:            w.name,
			Token:           w.token,
			ConnectPerMin:   w.connectPerMin,
			ConnectBurst:    w.connectBurst,
			MaxMessageBytes: w.maxMessageBytes,
		}, w.chatEngine, nil, w.logger)
	default:
		return fmt.Errorf("workersdk: unknown transport %q", w.transport)
	}

	go func() {
		select {
		case <-srv.Ready():
			w.mu.Lock()
			w.addr = srv.BoundAddr()
			w.mu.Unlock()
			close(w.ready)
		case <-ctx.Done():
		}
	}()
	return srv.Start(ctx)
}

// ServeConn serves one controller over a newline-delimited JSON pipe, such as
// the stdin and stdout of a spawned process. It returns when the controller
// closes r or ctx is cancelled.
func (w *Worker) ServeConn(ctx context.Context, r io.Reader, wr io.Writer) error {
	conn := stdio.NewConn(r, wr, w.maxMessageBytes)
	defer conn.Close()

	engine := w.chatEngine()
	defer engine.Unload(context.WithoutCancel(ctx))

	return worker.NewHandler(engine, conn, w.logger).Serve(ctx)
}
