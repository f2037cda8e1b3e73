package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"llmshell/internal/domain"
)

// State is what the controller is doing right now.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateGenerating State = "generating"
)

// Options configures a Controller.
type Options struct {
	Policy         Policy
	DefaultModel   string
	StreamInterval int
	ChatOptions    *domain.ChatOptions
	AppConfig      *domain.AppConfig
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State      State
	Selected   string
	Loaded     string
	LastOutput string
	Queued     int
}

// Controller drives a chat engine on behalf of a user interface. Every
// operation that touches an engine runs through the task chain, except
// Interrupt which must reach a running generation.
type Controller struct {
	engine domain.ChatEngine // worker-hosted engine
	local  domain.ChatEngine // "Local Server" backend, optional
	chain  *TaskChain
	bus    domain.EventBus
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	state      State
	selected   string
	loaded     string
	lastOutput string
}

// NewController creates a controller. local may be nil when no REST backend
// is configured; bus may be nil.
func NewController(engine, local domain.ChatEngine, bus domain.EventBus, opts Options, logger *slog.Logger) *Controller {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 1
	}
	selected := opts.DefaultModel
	if selected == "" {
		if ids := opts.AppConfig.ModelIDs(); len(ids) > 0 {
			selected = ids[0]
		}
	}

	c := &Controller{
		engine:   engine,
		local:    local,
		chain:    NewTaskChain(opts.Policy, logger),
		bus:      bus,
		logger:   logger,
		opts:     opts,
		state:    StateIdle,
		selected: selected,
	}
	engine.SetInitProgressCallback(func(report domain.InitProgressReport) {
		c.publish(domain.EventInitProgress, c.Selected(), report)
	})
	return c
}

// Models lists the selectable model ids.
func (c *Controller) Models() []string {
	ids := c.opts.AppConfig.ModelIDs()
	if c.local != nil {
		ids = append(ids, domain.LocalServerModel)
	}
	return ids
}

// Selected returns the currently selected model id.
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// State returns a snapshot of the controller.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:      c.state,
		Selected:   c.selected,
		Loaded:     c.loaded,
		LastOutput: c.lastOutput,
		Queued:     c.chain.Len(),
	}
}

// SendPrompt loads the selected model if needed and generates a reply.
// onProgress, when set, receives every streamed step in addition to the
// generate.progress events. An empty prompt is refused without touching the
// engine. If ctx ends first the queued task still runs to completion.
func (c *Controller) SendPrompt(ctx context.Context, prompt string, onProgress domain.GenerateProgressFunc) (string, error) {
	if prompt == "" {
		return "", domain.NewDomainError("Controller.SendPrompt", domain.ErrEmptyPrompt, "")
	}

	var out string
	ticket := c.chain.Enqueue("generate", func(ctx context.Context) error {
		var err error
		out, err = c.generate(ctx, prompt, onProgress)
		return err
	})
	if err := ticket.Wait(ctx); err != nil {
		return "", err
	}
	return out, nil
}

func (c *Controller) generate(ctx context.Context, prompt string, onProgress domain.GenerateProgressFunc) (string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return "", err
	}

	model := c.Selected()
	eng, err := c.active(model)
	if err != nil {
		return "", err
	}

	c.setState(StateGenerating)
	defer c.setState(StateIdle)
	c.publish(domain.EventGenerateStarted, model, domain.GenerateEventPayload{Prompt: prompt})

	out, err := eng.Generate(ctx, prompt, func(step int, msg string) {
		c.publish(domain.EventGenerateProgress, model, domain.GenerateEventPayload{Step: step, Message: msg})
		if onProgress != nil {
			onProgress(step, msg)
		}
	}, c.opts.StreamInterval)
	if err != nil {
		c.publish(domain.EventGenerateFailed, model, domain.GenerateEventPayload{Prompt: prompt, Error: err.Error()})
		c.unload(ctx)
		return "", domain.WrapOp("Controller.SendPrompt", err)
	}

	c.mu.Lock()
	c.lastOutput = out
	c.mu.Unlock()
	c.publish(domain.EventGenerateCompleted, model, domain.GenerateEventPayload{Prompt: prompt, Message: out})
	return out, nil
}

// ensureLoaded reloads the worker engine when the selected model is not the
// loaded one. The Local Server backend needs no load. On failure the engine
// is unloaded and the controller stays idle.
func (c *Controller) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	model, loaded := c.selected, c.loaded
	c.mu.Unlock()

	if model == domain.LocalServerModel || model == loaded {
		return nil
	}

	c.setState(StateLoading)
	defer c.setState(StateIdle)

	start := time.Now()
	if err := c.engine.Reload(ctx, model, c.opts.ChatOptions, c.opts.AppConfig); err != nil {
		c.logger.Warn("model load failed", "model", model, "error", err)
		c.unload(ctx)
		return domain.WrapOp("Controller.reload", err)
	}

	c.mu.Lock()
	c.loaded = model
	c.mu.Unlock()
	c.publish(domain.EventModelLoaded, model, domain.ModelEventPayload{ModelID: model, Elapsed: time.Since(start).Milliseconds()})
	return nil
}

// unload releases the worker engine. Errors are logged; there is nothing
// left to roll back.
func (c *Controller) unload(ctx context.Context) {
	if err := c.engine.Unload(ctx); err != nil {
		c.logger.Warn("unload failed", "error", err)
	}
	c.mu.Lock()
	prev := c.loaded
	c.loaded = ""
	c.mu.Unlock()
	if prev != "" {
		c.publish(domain.EventModelUnload, prev, domain.ModelEventPayload{ModelID: prev})
	}
}

func (c *Controller) active(model string) (domain.ChatEngine, error) {
	if model != domain.LocalServerModel {
		return c.engine, nil
	}
	if c.local == nil {
		return nil, domain.NewDomainError("Controller", domain.ErrBackendUnavailable, "no local server configured")
	}
	return c.local, nil
}

// Reset clears the conversation of the active backend.
func (c *Controller) Reset(ctx context.Context) error {
	return c.chain.Enqueue("reset", func(ctx context.Context) error {
		return c.reset(ctx)
	}).Wait(ctx)
}

func (c *Controller) reset(ctx context.Context) error {
	model := c.Selected()
	eng, err := c.active(model)
	if err != nil {
		return err
	}
	if err := eng.ResetChat(ctx); err != nil {
		return domain.WrapOp("Controller.Reset", err)
	}
	c.mu.Lock()
	c.lastOutput = ""
	c.mu.Unlock()
	c.publish(domain.EventChatReset, model, nil)
	return nil
}

// SelectModel resets and unloads the current model, then loads id.
func (c *Controller) SelectModel(ctx context.Context, id string) error {
	if id != domain.LocalServerModel {
		if _, ok := c.opts.AppConfig.FindModel(id); !ok {
			return domain.NewDomainError("Controller.SelectModel", domain.ErrModelNotFound, id)
		}
	}

	return c.chain.Enqueue("select", func(ctx context.Context) error {
		if err := c.reset(ctx); err != nil {
			c.logger.Debug("reset before model switch failed", "error", err)
		}
		c.unload(ctx)
		c.mu.Lock()
		c.selected = id
		c.mu.Unlock()
		return c.ensureLoaded(ctx)
	}).Wait(ctx)
}

// Stats returns the active backend's runtime statistics.
func (c *Controller) Stats(ctx context.Context) (string, error) {
	return c.stats(ctx, c.chain.Enqueue)
}

// backgroundStats is Stats for the periodic reporter: it never makes a
// reject-policy chain turn away the user's next command.
func (c *Controller) backgroundStats(ctx context.Context) (string, error) {
	return c.stats(ctx, c.chain.EnqueueBackground)
}

func (c *Controller) stats(ctx context.Context, enqueue func(string, Task) *Ticket) (string, error) {
	var text string
	err := enqueue("stats", func(ctx context.Context) error {
		eng, err := c.active(c.Selected())
		if err != nil {
			return err
		}
		text, err = eng.RuntimeStatsText(ctx)
		return err
	}).Wait(ctx)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Interrupt stops the running generation. It bypasses the task chain.
func (c *Controller) Interrupt(ctx context.Context) error {
	eng, err := c.active(c.Selected())
	if err != nil {
		return err
	}
	return eng.InterruptGenerate(ctx)
}

// Close stops the chain. Queued work is abandoned.
func (c *Controller) Close() {
	c.chain.Close()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) publish(typ domain.EventType, modelID string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(context.Background(), domain.NewEvent(typ, modelID, payload))
}
