package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"llmshell/internal/adapter/engine"
	"llmshell/internal/adapter/transport/grpctransport"
	"llmshell/internal/adapter/transport/mem"
	"llmshell/internal/adapter/transport/stdio"
	"llmshell/internal/adapter/transport/ws"
	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
	"llmshell/internal/infra/logger"
	"llmshell/internal/infra/tracer"
	"llmshell/internal/usecase/chat"
	"llmshell/internal/usecase/eventbus"
	"llmshell/internal/usecase/worker"
)

// app is the controller side: config, logging, event bus, the worker
// connection and the chat controller on top of it.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *eventbus.Bus
	client     *worker.Client
	ctrl       *chat.Controller
	stats      *chat.StatsReporter
	workerName string

	cleanups []func()
}

type appOptions struct {
	// interactive moves console logs and stdout traces out of the way of a
	// full-screen UI.
	interactive bool
}

// newApp builds the controller stack. Close must be called on success.
func newApp(ctx context.Context, flags cliFlags, opts appOptions) (a *app, err error) {
	cfgPath := configPath(flags)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Logger & Tracer
	if opts.interactive {
		cfg.Logger.Output = interactiveLogOutput(cfg.Logger.Output)
	}
	log, logCloser, err := logger.New(cfg.Logger, logger.WithAttrs("instance", uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.onClose(func() { logCloser() })

	var traceOut io.Writer
	if opts.interactive && cfg.Tracer.Exporter == "stdout" {
		log.Warn("stdout trace exporter disabled while the chat screen is open")
		traceOut = io.Discard
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, traceOut)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracerShutdown(shutdownCtx)
	})

	// 2. Event bus
	a.bus = eventbus.New(log)
	a.onClose(a.bus.Close)

	// 3. Worker connection
	port, info, err := connectWorker(ctx, cfg, cfgPath, log)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	a.workerName = info.Name
	a.client = worker.NewClient(port, log.With("component", "worker-client"),
		worker.WithProtocolErrorHandler(func(err error) {
			log.Warn("worker protocol error", "error", err)
		}),
	)
	a.onClose(func() { a.client.Close() })
	a.bus.Publish(ctx, domain.NewEvent(domain.EventWorkerConnected, "", info))
	go a.watchWorker(info)

	// 4. Local Server backend
	var local domain.ChatEngine
	if cfg.REST.BaseURL != "" {
		local = engine.NewRESTEngine(cfg.REST, log.With("component", "rest"))
	}

	// 5. Controller
	a.ctrl = chat.NewController(a.client, local, a.bus, chat.Options{
		Policy:         chat.Policy(cfg.Controller.Policy),
		DefaultModel:   cfg.Controller.DefaultModel,
		StreamInterval: cfg.Controller.StreamInterval,
		ChatOptions:    &cfg.Controller.ChatOptions,
		AppConfig:      &cfg.Models,
	}, log.With("component", "controller"))
	a.onClose(a.ctrl.Close)

	// 6. Stats reporter
	if cfg.Controller.StatsSchedule != "" {
		a.stats, err = chat.NewStatsReporter(a.ctrl, a.bus, cfg.Controller.StatsSchedule, log)
		if err != nil {
			return nil, err
		}
		a.stats.Start(ctx)
		a.onClose(a.stats.Stop)
	}

	log.Info("controller ready",
		"worker", info.Name,
		"transport", info.Transport,
		"models", len(cfg.Models.ModelList),
		"local_server", local != nil,
	)
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// shutdown unloads the model before Close so a remote worker frees it.
func (a *app) shutdown() {
	if a.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Controller.ShutdownTimeout)
		if err := a.client.Unload(ctx); err != nil {
			a.log.Debug("unload on shutdown failed", "error", err)
		}
		cancel()
	}
	a.Close()
}

func (a *app) watchWorker(info domain.WorkerEventPayload) {
	<-a.client.Done()
	a.log.Info("worker disconnected", "worker", info.Name)
	a.bus.Publish(context.Background(), domain.NewEvent(domain.EventWorkerDisconnected, "", info))
}

// connectWorker opens the task port for the configured worker mode.
func connectWorker(ctx context.Context, cfg *config.Config, cfgPath string, log *slog.Logger) (domain.TaskPort, domain.WorkerEventPayload, error) {
	wc := cfg.Worker
	info := domain.WorkerEventPayload{Name: wc.Name, Address: wc.Address, Transport: wc.Mode}

	switch wc.Mode {
	case "inproc":
		controllerSide, workerSide := mem.Pipe()
		eng := engine.NewEchoEngine(cfg.Engine, &cfg.Models, log.With("component", "engine"))
		h := worker.NewHandler(eng, workerSide, log.With("component", "worker"))
		go func() {
			if err := h.Serve(context.WithoutCancel(ctx)); err != nil {
				log.Debug("in-process worker stopped", "error", err)
			}
			eng.Unload(context.Background())
		}()
		info.Address = "in-process"
		return controllerSide, info, nil

	case "spawn":
		command := wc.Command
		if len(command) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return nil, info, fmt.Errorf("locate executable: %w", err)
			}
			command = []string{exe, "worker", "--stdio", "--config", cfgPath}
		}
		proc, err := stdio.Spawn(ctx, stdio.SpawnConfig{
			Command:         command,
			MaxMessageBytes: wc.MaxMessageBytes,
		}, log.With("component", "spawn"))
		if err != nil {
			return nil, info, err
		}
		info.Address = fmt.Sprintf("pid %d", proc.Pid())
		info.Transport = "stdio"
		go func() {
			<-proc.Exited()
			if err := proc.ExitErr(); err != nil {
				log.Warn("worker process exited", "error", err, "stderr", proc.StderrTail(10))
			}
		}()
		return proc, info, nil

	case "ws":
		dialCtx, cancel := context.WithTimeout(ctx, wc.DialTimeout)
		defer cancel()
		conn, err := ws.Dial(dialCtx, wc.Address, ws.DialOptions{
			Token:           wc.AuthToken,
			MaxMessageBytes: wc.MaxMessageBytes,
		})
		if err != nil {
			return nil, info, err
		}
		return conn, info, nil

	case "grpc":
		dialCtx, cancel := context.WithTimeout(ctx, wc.DialTimeout)
		defer cancel()
		conn, err := grpctransport.Dial(dialCtx, wc.Address, grpctransport.DialOptions{
			Token:           wc.AuthToken,
			MaxMessageBytes: wc.MaxMessageBytes,
		})
		if err != nil {
			return nil, info, err
		}
		if name := conn.WorkerName(); name != "" {
			info.Name = name
		}
		return conn, info, nil
	}
	return nil, info, fmt.Errorf("unsupported worker mode %q", wc.Mode)
}

// interactiveLogOutput sends console logs to a file so they do not draw over
// the chat screen.
func interactiveLogOutput(output string) string {
	switch strings.ToLower(output) {
	case "", "stdout", "stderr":
		return filepath.Join(os.TempDir(), "llmshell.log")
	}
	return output
}
