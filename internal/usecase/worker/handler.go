// Package worker implements both ends of the task-dispatch protocol: the
// Handler that runs next to an engine in the worker context, and the Client
// that drives it from the controller context over a domain.TaskPort.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"llmshell/internal/domain"
	"llmshell/internal/infra/tracer"
)

const sendQueueSize = 256

// Handler serves calls arriving on a port by invoking the engine and replying
// with exactly one terminal message per call.
type Handler struct {
	engine domain.ChatEngine
	port   domain.TaskPort
	logger *slog.Logger

	sendCh     chan domain.TaskMessage // single FIFO for every outbound message
	drain      chan struct{}
	writerDone chan struct{}
	serving    atomic.Bool

	mu   sync.Mutex
	gens map[string]*generation // generate calls received and not yet replied
}

// generation tracks one generate call so an interrupt can reach it whether
// or not the engine has started on it yet.
type generation struct {
	interrupted bool
}

// NewHandler wires engine to port. The engine's init-progress reports are
// forwarded as initProgress messages from now on.
func NewHandler(engine domain.ChatEngine, port domain.TaskPort, logger *slog.Logger) *Handler {
	h := &Handler{
		engine:     engine,
		port:       port,
		logger:     logger,
		sendCh:     make(chan domain.TaskMessage, sendQueueSize),
		drain:      make(chan struct{}),
		writerDone: make(chan struct{}),
		gens:       make(map[string]*generation),
	}
	engine.SetInitProgressCallback(func(report domain.InitProgressReport) {
		h.send(domain.NewInitProgressMessage(report))
	})
	return h
}

// Serve reads calls until the port reaches EOF, fails, or ctx is cancelled.
// Calls reach the engine one at a time in arrival order. interruptGenerate is
// the exception: it is handled as soon as it is read so it can stop a
// generate that is running or still queued. Serve returns after every
// dispatched call has replied and the replies have been written. It may be
// called once.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.serving.CompareAndSwap(false, true) {
		return errors.New("worker: handler already serving")
	}

	go h.writeLoop()

	dispatchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	err := h.readLoop(ctx, dispatchCtx, &wg)

	cancel()
	wg.Wait()
	close(h.drain)
	<-h.writerDone
	return err
}

func (h *Handler) readLoop(ctx, dispatchCtx context.Context, wg *sync.WaitGroup) error {
	// prev closes when the previously read call has replied.
	var prev chan struct{}
	for {
		msg, err := h.port.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				return nil
			case errors.Is(err, domain.ErrProtocol):
				h.logger.Error("worker: dropped undecodable message", "error", err)
				continue
			}
			return fmt.Errorf("worker: recv: %w", err)
		}

		switch {
		case msg.Kind.IsCall():
			if msg.ID == "" {
				h.logger.Error("worker: dropped call without id", "kind", string(msg.Kind))
				continue
			}
			if msg.Kind == domain.KindInterruptGenerate {
				h.dispatch(dispatchCtx, msg)
				continue
			}
			if msg.Kind == domain.KindGenerate {
				h.track(msg.ID)
			}
			wait, done := prev, make(chan struct{})
			prev = done
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer close(done)
				if wait != nil {
					<-wait
				}
				h.dispatch(dispatchCtx, msg)
			}()
		case msg.Kind.Valid():
			h.logger.Warn("worker: dropped reply-kind message", "kind", string(msg.Kind), "id", msg.ID)
		default:
			h.logger.Error("worker: unknown task kind", "kind", string(msg.Kind), "id", msg.ID)
			if msg.ID != "" {
				h.send(domain.NewThrowMessage(msg.ID,
					domain.NewDomainError("Handler.dispatch", domain.ErrUnknownKind, string(msg.Kind))))
			}
		}
	}
}

func (h *Handler) writeLoop() {
	defer close(h.writerDone)
	for {
		select {
		case msg := <-h.sendCh:
			if !h.write(msg) {
				return
			}
		case <-h.drain:
			for {
				select {
				case msg := <-h.sendCh:
					if !h.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) write(msg domain.TaskMessage) bool {
	if err := h.port.Send(context.Background(), msg); err != nil {
		h.logger.Warn("worker: send failed, stopping writer", "kind", string(msg.Kind), "id", msg.ID, "error", err)
		return false
	}
	return true
}

// send queues msg behind everything sent before it. Once the writer has
// stopped the message is dropped.
func (h *Handler) send(msg domain.TaskMessage) {
	select {
	case h.sendCh <- msg:
	case <-h.writerDone:
		h.logger.Debug("worker: writer stopped, message dropped", "kind", string(msg.Kind), "id", msg.ID)
	}
}

func (h *Handler) dispatch(ctx context.Context, msg domain.TaskMessage) {
	ctx, span := tracer.StartSpan(ctx, "worker.dispatch",
		trace.WithAttributes(
			tracer.StringAttr("task.kind", string(msg.Kind)),
			tracer.StringAttr("task.id", msg.ID),
		),
	)
	defer span.End()

	if msg.Kind == domain.KindGenerate {
		defer h.untrack(msg.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			err := domain.NewDomainError("Handler."+string(msg.Kind), domain.ErrInternal, fmt.Sprintf("panic: %v", r))
			h.logger.Error("worker: task panicked", "kind", string(msg.Kind), "id", msg.ID, "panic", r)
			tracer.RecordError(span, err)
			h.send(domain.NewThrowMessage(msg.ID, err))
		}
	}()

	result, err := h.invoke(ctx, msg)
	if err != nil {
		h.logger.Warn("worker: task failed", "kind", string(msg.Kind), "id", msg.ID, "error", err)
		tracer.RecordError(span, err)
		h.send(domain.NewThrowMessage(msg.ID, err))
		return
	}

	reply, err := domain.NewReturnMessage(msg.ID, result)
	if err != nil {
		err = domain.NewDomainError("Handler."+string(msg.Kind), domain.ErrInternal, err.Error())
		tracer.RecordError(span, err)
		h.send(domain.NewThrowMessage(msg.ID, err))
		return
	}
	tracer.SetOK(span)
	h.send(reply)
}

func (h *Handler) invoke(ctx context.Context, msg domain.TaskMessage) (any, error) {
	if err := validatePayload(msg); err != nil {
		return nil, err
	}

	switch msg.Kind {
	case domain.KindReload:
		var p domain.ReloadParams
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		return nil, h.engine.Reload(ctx, p.ModelID, p.ChatOptions, p.AppConfig)

	case domain.KindGenerate:
		var p domain.GenerateParams
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		return h.generate(ctx, msg.ID, p)

	case domain.KindRuntimeStatsText:
		text, err := h.engine.RuntimeStatsText(ctx)
		if err != nil {
			return nil, err
		}
		return text, nil

	case domain.KindInterruptGenerate:
		h.mu.Lock()
		for _, g := range h.gens {
			g.interrupted = true
		}
		h.mu.Unlock()
		return nil, h.engine.InterruptGenerate(ctx)

	case domain.KindUnload:
		return nil, h.engine.Unload(ctx)

	case domain.KindResetChat:
		return nil, h.engine.ResetChat(ctx)
	}
	return nil, domain.NewDomainError("Handler.invoke", domain.ErrUnknownKind, string(msg.Kind))
}

func (h *Handler) track(id string) {
	h.mu.Lock()
	h.gens[id] = &generation{}
	h.mu.Unlock()
}

func (h *Handler) untrack(id string) {
	h.mu.Lock()
	delete(h.gens, id)
	h.mu.Unlock()
}

// generate runs one generate call. A call interrupted while queued returns
// an empty reply without touching the engine. The engine always gets a
// per-step callback: it re-delivers an interrupt that arrived before the
// engine had marked itself busy, and forwards progress to the caller only
// when a stream interval was requested.
func (h *Handler) generate(ctx context.Context, id string, p domain.GenerateParams) (string, error) {
	h.mu.Lock()
	g := h.gens[id]
	if g == nil {
		g = &generation{}
		h.gens[id] = g
	}
	if g.interrupted {
		h.mu.Unlock()
		h.logger.Debug("worker: generate interrupted before start", "id", id)
		return "", nil
	}
	h.mu.Unlock()

	onProgress := func(step int, currentMessage string) {
		h.mu.Lock()
		interrupted := g.interrupted
		h.mu.Unlock()
		if interrupted {
			_ = h.engine.InterruptGenerate(ctx)
		}
		if p.StreamInterval > 0 && step%p.StreamInterval == 0 {
			h.send(domain.NewGenerateProgressMessage(id, step, currentMessage))
		}
	}
	return h.engine.Generate(ctx, p.Input, onProgress, 1)
}
