package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"llmshell/internal/adapter/discovery"
	"llmshell/internal/adapter/engine"
	"llmshell/internal/adapter/transport/grpctransport"
	"llmshell/internal/adapter/transport/stdio"
	"llmshell/internal/adapter/transport/ws"
	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
	"llmshell/internal/infra/logger"
	"llmshell/internal/usecase/eventbus"
	"llmshell/internal/usecase/worker"
)

// workerServer is what both network transports provide.
type workerServer interface {
	Start(ctx context.Context) error
	Ready() <-chan struct{}
	BoundAddr() string
	Stop(ctx context.Context) error
}

// runWorker hosts the built-in engine, either on stdin/stdout for a parent
// controller or on a network listener.
func runWorker(flags cliFlags) error {
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Worker.Listen = flags.Listen
	}
	if flags.Transport != "" {
		cfg.Worker.Transport = flags.Transport
	}
	if flags.Advertise {
		cfg.Worker.Advertise = true
	}

	var logOpts []logger.Option
	if flags.Stdio {
		logOpts = append(logOpts, logger.WithStdoutReserved())
	}
	workerID := uuid.NewString()
	logOpts = append(logOpts, logger.WithAttrs("worker", cfg.Worker.Name, "instance", workerID))
	log, logCloser, err := logger.New(cfg.Logger, logOpts...)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if flags.Stdio {
		return serveStdio(ctx, cfg, log)
	}
	return serveNetwork(ctx, cfg, workerID, log)
}

// serveStdio answers one controller on stdin/stdout until stdin closes.
func serveStdio(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	conn := stdio.NewConn(os.Stdin, os.Stdout, cfg.Worker.MaxMessageBytes)
	defer conn.Close()

	eng := engine.NewEchoEngine(cfg.Engine, &cfg.Models, log.With("component", "engine"))
	defer eng.Unload(context.Background())

	log.Info("worker serving on stdio", "device", cfg.Engine.Device)
	err := worker.NewHandler(eng, conn, log).Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveNetwork runs a ws or grpc worker server, optionally announced over
// mDNS, until ctx ends.
func serveNetwork(ctx context.Context, cfg *config.Config, workerID string, log *slog.Logger) error {
	bus := eventbus.New(log)
	defer bus.Close()
	bus.SubscribeAll(func(_ context.Context, evt domain.Event) {
		log.Debug("worker event", "type", evt.Type)
	})

	newEngine := func() domain.ChatEngine {
		return engine.NewEchoEngine(cfg.Engine, &cfg.Models, log.With("component", "engine"))
	}

	wc := cfg.Worker
	var srv workerServer
	switch wc.Transport {
	case "ws", "":
		srv = ws.NewServer(ws.ServerConfig{
			Addr:            wc.Listen,
			Name:            wc.Name,
			Token:           wc.AuthToken,
			ConnectPerMin:   wc.ConnectPerMin,
			ConnectBurst:    wc.ConnectBurst,
			MaxMessageBytes: wc.MaxMessageBytes,
		}, newEngine, bus, log)
	case "grpc":
		srv = grpctransport.NewServer(grpctransport.ServerConfig{
			Addr:            wc.Listen,
			Name:            wc.Name,
			Token:           wc.AuthToken,
			ConnectPerMin:   wc.ConnectPerMin,
			ConnectBurst:    wc.ConnectBurst,
			MaxMessageBytes: wc.MaxMessageBytes,
		}, newEngine, bus, log)
	default:
		return fmt.Errorf("unsupported worker transport %q", wc.Transport)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		return err
	}

	if wc.Advertise {
		port, err := listenPort(srv.BoundAddr())
		if err != nil {
			log.Warn("mDNS advertise skipped", "error", err)
		} else {
			info := domain.WorkerInfo{
				ID:        workerID,
				Name:      wc.Name,
				Transport: wc.Transport,
				Device:    cfg.Engine.Device,
			}
			go func() {
				md := discovery.NewMDNS(cfg.Discovery, nil, log)
				if err := md.Advertise(ctx, info, port); err != nil {
					log.Warn("mDNS advertise failed", "error", err)
				}
			}()
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Warn("worker stop", "error", err)
	}
	return <-errCh
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
