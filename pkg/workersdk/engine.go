package workersdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"llmshell/internal/domain"
)

// LoadRequest describes the model a controller asked for.
type LoadRequest struct {
	ModelID  string
	ModelURL string
	Options  GenerationOptions
}

// GenerationOptions are the sampling settings chosen at load time.
type GenerationOptions struct {
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	MaxGenLen         int
	ConvTemplate      string
}

// Engine is the inference backend a worker hosts. Calls are never
// concurrent except Generate's context being cancelled by an interrupt.
type Engine interface {
	// Load prepares the model, calling report with progress in [0,1].
	Load(ctx context.Context, req LoadRequest, report func(progress float64, text string)) error
	// Generate continues the conversation with prompt, calling emit for
	// every produced token. Cancelling ctx stops early; the tokens emitted
	// so far become the reply.
	Generate(ctx context.Context, prompt string, emit func(token string)) error
	// Stats returns a human-readable runtime statistics line.
	Stats(ctx context.Context) (string, error)
	// Reset starts a new conversation.
	Reset(ctx context.Context) error
	// Unload releases the model.
	Unload(ctx context.Context) error
}

// engineAdapter exposes an Engine as a domain.ChatEngine.
type engineAdapter struct {
	engine    Engine
	catalogue *domain.AppConfig
	features  []string
	logger    *slog.Logger

	mu     sync.Mutex
	initCb domain.InitProgressFunc
	loaded string
	cancel context.CancelFunc // running generation
}

var _ domain.ChatEngine = (*engineAdapter)(nil)

func newEngineAdapter(engine Engine, catalogue *domain.AppConfig, features []string, logger *slog.Logger) *engineAdapter {
	return &engineAdapter{engine: engine, catalogue: catalogue, features: features, logger: logger}
}

func (a *engineAdapter) SetInitProgressCallback(cb domain.InitProgressFunc) {
	a.mu.Lock()
	a.initCb = cb
	a.mu.Unlock()
}

func (a *engineAdapter) Reload(ctx context.Context, modelID string, opts *domain.ChatOptions, app *domain.AppConfig) error {
	if app == nil || len(app.ModelList) == 0 {
		app = a.catalogue
	}
	record, ok := app.FindModel(modelID)
	if !ok {
		return domain.NewDomainError("workersdk.Reload", domain.ErrModelNotFound, "cannot find model_url for "+modelID)
	}
	for _, feature := range record.RequiredFeatures {
		if !slices.Contains(a.features, feature) {
			return domain.NewDomainError("workersdk.Reload", domain.ErrFeatureUnsupported,
				fmt.Sprintf("model %s requires feature %s", modelID, feature))
		}
	}

	a.mu.Lock()
	cb := a.initCb
	prev := a.loaded
	a.loaded = ""
	a.mu.Unlock()
	if prev != "" {
		if err := a.engine.Unload(ctx); err != nil {
			a.logger.Warn("unload before reload failed", "model", prev, "error", err)
		}
	}

	req := LoadRequest{ModelID: modelID, ModelURL: record.ModelURL}
	if opts != nil {
		req.Options = GenerationOptions{
			Temperature:       opts.Temperature,
			TopP:              opts.TopP,
			RepetitionPenalty: opts.RepetitionPenalty,
			MaxGenLen:         opts.MaxGenLen,
			ConvTemplate:      opts.ConvTemplate,
		}
	}

	start := time.Now()
	err := a.engine.Load(ctx, req, func(progress float64, text string) {
		if cb != nil {
			cb(domain.InitProgressReport{Progress: progress, TimeElapsed: time.Since(start).Seconds(), Text: text})
		}
	})
	if err != nil {
		return domain.WrapOp("workersdk.Reload", err)
	}

	a.mu.Lock()
	a.loaded = modelID
	a.mu.Unlock()
	return nil
}

func (a *engineAdapter) Generate(ctx context.Context, input string, onProgress domain.GenerateProgressFunc, streamInterval int) (string, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	switch {
	case a.loaded == "":
		a.mu.Unlock()
		return "", domain.NewDomainError("workersdk.Generate", domain.ErrEngineNotLoaded, "did you call reload?")
	case a.cancel != nil:
		a.mu.Unlock()
		return "", domain.NewDomainError("workersdk.Generate", domain.ErrBusy, "generation in progress")
	}
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
	}()

	var out strings.Builder
	step := 0
	err := a.engine.Generate(genCtx, input, func(token string) {
		out.WriteString(token)
		step++
		if onProgress != nil && streamInterval > 0 && step%streamInterval == 0 {
			onProgress(step, out.String())
		}
	})
	if err != nil {
		// An interrupt cancels genCtx only; the partial reply stands.
		interrupted := genCtx.Err() != nil && ctx.Err() == nil
		if !interrupted || !errors.Is(err, context.Canceled) {
			return "", domain.WrapOp("workersdk.Generate", err)
		}
	}
	return out.String(), nil
}

func (a *engineAdapter) InterruptGenerate(context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *engineAdapter) RuntimeStatsText(ctx context.Context) (string, error) {
	if !a.isLoaded() {
		return "", domain.NewDomainError("workersdk.RuntimeStatsText", domain.ErrEngineNotLoaded, "did you call reload?")
	}
	return a.engine.Stats(ctx)
}

func (a *engineAdapter) ResetChat(ctx context.Context) error {
	if !a.isLoaded() {
		return nil
	}
	return a.engine.Reset(ctx)
}

func (a *engineAdapter) Unload(ctx context.Context) error {
	a.InterruptGenerate(ctx)
	a.mu.Lock()
	prev := a.loaded
	a.loaded = ""
	a.mu.Unlock()
	if prev == "" {
		return nil
	}
	return a.engine.Unload(ctx)
}

func (a *engineAdapter) isLoaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded != ""
}
