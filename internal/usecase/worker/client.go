package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"llmshell/internal/domain"
	"llmshell/internal/infra/tracer"
)

// interruptTimeout bounds the best-effort interrupt sent when a generate
// caller gives up.
const interruptTimeout = 5 * time.Second

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	kind  domain.TaskKind
	reply chan callResult // capacity 1, written once
	// detached calls have no waiter; their reply is consumed and dropped.
	detached bool
}

// Option configures a Client.
type Option func(*Client)

// WithIDFunc overrides the correlation id source.
func WithIDFunc(next func() string) Option {
	return func(c *Client) { c.nextID = next }
}

// WithProtocolErrorHandler registers fn to be called for every protocol
// error (unknown reply id, duplicate id, undecodable message). fn runs on the
// client's read loop.
func WithProtocolErrorHandler(fn func(error)) Option {
	return func(c *Client) { c.onProtocolError = fn }
}

// Client is the controller-side proxy of a remote engine. It implements
// domain.ChatEngine by sending calls over a port and correlating the replies.
type Client struct {
	port            domain.TaskPort
	logger          *slog.Logger
	nextID          func() string
	onProtocolError func(error)

	mu       sync.Mutex
	pending  map[string]*pendingCall
	progress map[string]domain.GenerateProgressFunc
	initCb   domain.InitProgressFunc
	closed   bool

	cancel    context.CancelFunc
	readDone  chan struct{}
	closeOnce sync.Once
}

var _ domain.ChatEngine = (*Client)(nil)

// NewClient starts reading replies from port.
func NewClient(port domain.TaskPort, logger *slog.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		port:     port,
		logger:   logger,
		nextID:   NewIDGenerator().Next,
		pending:  make(map[string]*pendingCall),
		progress: make(map[string]domain.GenerateProgressFunc),
		cancel:   cancel,
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(ctx)
	return c
}

// Done is closed once the client can no longer receive replies.
func (c *Client) Done() <-chan struct{} { return c.readDone }

// Pending returns the number of calls still waiting for a terminal reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the port and settles every pending call with
// domain.ErrChannelClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.port.Close()
		c.cancel()
		<-c.readDone
	})
	return err
}

// SetInitProgressCallback registers cb for initProgress messages.
func (c *Client) SetInitProgressCallback(cb domain.InitProgressFunc) {
	c.mu.Lock()
	c.initCb = cb
	c.mu.Unlock()
}

// Reload asks the worker to load modelID.
func (c *Client) Reload(ctx context.Context, modelID string, opts *domain.ChatOptions, app *domain.AppConfig) error {
	_, err := c.call(ctx, domain.KindReload, domain.ReloadParams{
		ModelID:     modelID,
		ChatOptions: opts,
		AppConfig:   app,
	}, nil)
	return err
}

// Generate runs a generation on the worker. When onProgress is nil no
// progress is requested; otherwise a streamInterval <= 0 means every step.
func (c *Client) Generate(ctx context.Context, input string, onProgress domain.GenerateProgressFunc, streamInterval int) (string, error) {
	params := domain.GenerateParams{Input: input}
	if onProgress != nil {
		if streamInterval <= 0 {
			streamInterval = 1
		}
		params.StreamInterval = streamInterval
	}
	raw, err := c.call(ctx, domain.KindGenerate, params, onProgress)
	if err != nil {
		return "", err
	}
	return decodeString("Client.generate", raw)
}

// RuntimeStatsText returns the worker's stats line.
func (c *Client) RuntimeStatsText(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, domain.KindRuntimeStatsText, nil, nil)
	if err != nil {
		return "", err
	}
	return decodeString("Client.runtimeStatsText", raw)
}

// Unload releases the worker's model.
func (c *Client) Unload(ctx context.Context) error {
	_, err := c.call(ctx, domain.KindUnload, nil, nil)
	return err
}

// ResetChat clears the worker's conversation.
func (c *Client) ResetChat(ctx context.Context) error {
	_, err := c.call(ctx, domain.KindResetChat, nil, nil)
	return err
}

// InterruptGenerate asks the worker to stop the running generation. It
// returns once the call is sent; the reply is consumed without a waiter.
func (c *Client) InterruptGenerate(ctx context.Context) error {
	id := c.nextID()
	msg, err := domain.NewCallMessage(domain.KindInterruptGenerate, id, nil)
	if err != nil {
		return err
	}
	if _, err := c.register(id, domain.KindInterruptGenerate, nil, true); err != nil {
		return err
	}
	if err := c.port.Send(ctx, msg); err != nil {
		c.unregister(id)
		return fmt.Errorf("Client.interruptGenerate: send: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, kind domain.TaskKind, payload any, onProgress domain.GenerateProgressFunc) (json.RawMessage, error) {
	id := c.nextID()
	ctx, span := tracer.StartSpan(ctx, "worker.call",
		trace.WithAttributes(
			tracer.StringAttr("task.kind", string(kind)),
			tracer.StringAttr("task.id", id),
		),
	)
	defer span.End()

	msg, err := domain.NewCallMessage(kind, id, payload)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	// Register before sending: the reply may arrive before Send returns.
	p, err := c.register(id, kind, onProgress, false)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if err := c.port.Send(ctx, msg); err != nil {
		c.unregister(id)
		err = fmt.Errorf("Client.%s: send: %w", kind, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	select {
	case res := <-p.reply:
		if res.err != nil {
			tracer.RecordError(span, res.err)
			return nil, res.err
		}
		tracer.SetOK(span)
		return res.result, nil
	case <-ctx.Done():
		c.detach(id)
		if kind == domain.KindGenerate {
			c.interruptAbandoned(id)
		}
		tracer.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// interruptAbandoned stops a generation whose caller went away. Partial
// output already streamed stands.
func (c *Client) interruptAbandoned(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	if err := c.InterruptGenerate(ctx); err != nil {
		c.logger.Debug("worker client: interrupt after cancel failed", "id", id, "error", err)
	}
}

func (c *Client) register(id string, kind domain.TaskKind, onProgress domain.GenerateProgressFunc, detached bool) (*pendingCall, error) {
	op := "Client." + string(kind)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrChannelClosed, "")
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		err := domain.NewDomainError(op, domain.ErrDuplicateID, id)
		c.protocolError(err)
		return nil, err
	}
	p := &pendingCall{kind: kind, reply: make(chan callResult, 1), detached: detached}
	c.pending[id] = p
	if onProgress != nil {
		c.progress[id] = onProgress
	}
	c.mu.Unlock()
	return p, nil
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.progress, id)
	c.mu.Unlock()
}

// detach drops the waiter and the progress callback but keeps the pending
// entry, so the late terminal reply is still matched.
func (c *Client) detach(id string) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		p.detached = true
	}
	delete(c.progress, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		msg, err := c.port.Recv(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrProtocol) {
				c.protocolError(err)
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Warn("worker client: recv failed", "error", err)
			}
			c.failPending(err)
			return
		}
		c.route(msg)
	}
}

func (c *Client) route(msg domain.TaskMessage) {
	if err := msg.Validate(); err != nil {
		c.protocolError(err)
		return
	}

	switch msg.Kind {
	case domain.KindInitProgress:
		var report domain.InitProgressReport
		if err := json.Unmarshal(msg.Content, &report); err != nil {
			c.protocolError(domain.NewDomainError("Client.route", domain.ErrProtocol, "initProgress: "+err.Error()))
			return
		}
		c.mu.Lock()
		cb := c.initCb
		c.mu.Unlock()
		if cb != nil {
			cb(report)
		}

	case domain.KindGenerateProgress:
		c.mu.Lock()
		cb := c.progress[msg.ID]
		c.mu.Unlock()
		if cb == nil {
			c.logger.Debug("worker client: progress without callback dropped", "id", msg.ID)
			return
		}
		var p domain.GenerateProgress
		if err := json.Unmarshal(msg.Content, &p); err != nil {
			c.protocolError(domain.NewDomainError("Client.route", domain.ErrProtocol, "generateProgress: "+err.Error()))
			return
		}
		cb(p.Step, p.CurrentMessage)

	case domain.KindReturn, domain.KindThrow:
		c.mu.Lock()
		p, ok := c.pending[msg.ID]
		var detached bool
		if ok {
			detached = p.detached
			delete(c.pending, msg.ID)
			delete(c.progress, msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.protocolError(domain.NewDomainError("Client.route", domain.ErrUnknownCorrelation, string(msg.Kind)+" "+msg.ID))
			return
		}

		res := callResult{result: msg.Result}
		if msg.Kind == domain.KindThrow {
			res = callResult{err: domain.NewRemoteError(p.kind, msg.Error)}
		}
		if detached {
			if res.err != nil {
				c.logger.Debug("worker client: detached call failed", "kind", string(p.kind), "id", msg.ID, "error", res.err)
			}
			return
		}
		p.reply <- res

	default:
		c.protocolError(domain.NewDomainError("Client.route", domain.ErrProtocol, "unexpected "+string(msg.Kind)+" from worker"))
	}
}

// failPending settles every pending call after the port stopped delivering.
func (c *Client) failPending(cause error) {
	detail := "peer closed"
	if !errors.Is(cause, io.EOF) {
		detail = cause.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, p := range c.pending {
		delete(c.pending, id)
		if !p.detached {
			p.reply <- callResult{err: domain.NewDomainError("Client."+string(p.kind), domain.ErrChannelClosed, detail)}
		}
	}
	clear(c.progress)
}

func (c *Client) protocolError(err error) {
	c.logger.Error("worker client: protocol error", "error", err)
	if c.onProtocolError != nil {
		c.onProtocolError(err)
	}
}

func decodeString(op string, raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", domain.NewDomainError(op, domain.ErrProtocol, "result is not a string")
	}
	return s, nil
}
