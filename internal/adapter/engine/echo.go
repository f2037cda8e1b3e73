// Package engine provides domain.ChatEngine implementations: a deterministic
// echo engine that stands in for the inference runtime, and a REST engine for
// an OpenAI-compatible local server.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
)

// EchoEngine answers every prompt with "Echo #<turn>: <prompt>", emitting it
// one whitespace-separated token per decode step.
type EchoEngine struct {
	cfg       config.EngineConfig
	catalogue *domain.AppConfig
	logger    *slog.Logger

	mu         sync.Mutex
	initCb     domain.InitProgressFunc
	model      *domain.ModelRecord
	chatOpts   domain.ChatOptions
	turn       int
	generating bool
	stats      echoStats

	interrupt atomic.Bool
}

type echoStats struct {
	prefillTokens int
	prefillTime   time.Duration
	decodeTokens  int
	decodeTime    time.Duration
}

var _ domain.ChatEngine = (*EchoEngine)(nil)

// NewEchoEngine creates an echo engine. catalogue is used when Reload is
// called without an app config.
func NewEchoEngine(cfg config.EngineConfig, catalogue *domain.AppConfig, logger *slog.Logger) *EchoEngine {
	return &EchoEngine{cfg: cfg, catalogue: catalogue, logger: logger}
}

// SetInitProgressCallback implements domain.ChatEngine.
func (e *EchoEngine) SetInitProgressCallback(cb domain.InitProgressFunc) {
	e.mu.Lock()
	e.initCb = cb
	e.mu.Unlock()
}

// Reload unloads the current model and loads modelID from app (or the
// default catalogue), reporting staged init progress.
func (e *EchoEngine) Reload(ctx context.Context, modelID string, opts *domain.ChatOptions, app *domain.AppConfig) error {
	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return domain.NewDomainError("EchoEngine.Reload", domain.ErrBusy, "generation in progress")
	}
	e.model = nil
	e.turn = 0
	e.stats = echoStats{}
	cb := e.initCb
	e.mu.Unlock()

	start := time.Now()
	if app == nil {
		app = e.catalogue
	}
	record, ok := app.FindModel(modelID)
	if !ok {
		return domain.NewDomainError("EchoEngine.Reload", domain.ErrModelNotFound, "cannot find model_url for "+modelID)
	}
	for _, feature := range record.RequiredFeatures {
		if !slices.Contains(e.cfg.Features, feature) {
			return domain.NewDomainError("EchoEngine.Reload", domain.ErrFeatureUnsupported,
				fmt.Sprintf("model %s requires feature %s, which is not enabled on %s", modelID, feature, e.cfg.Device))
		}
	}

	steps := max(e.cfg.LoadSteps, 1)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.LoadStepDelay):
		}
		if cb != nil {
			cb(domain.InitProgressReport{
				Progress:    float64(i) / float64(steps+1),
				TimeElapsed: time.Since(start).Seconds(),
				Text:        fmt.Sprintf("Loading model from cache[%d/%d]: %s", i, steps, record.ModelURL),
			})
		}
	}

	var chatOpts domain.ChatOptions
	if opts != nil {
		chatOpts = *opts
	}
	e.mu.Lock()
	e.model = &record
	e.chatOpts = chatOpts
	e.mu.Unlock()

	if cb != nil {
		cb(domain.InitProgressReport{
			Progress:    1,
			TimeElapsed: time.Since(start).Seconds(),
			Text:        "Finish loading on " + e.deviceLabel(),
		})
	}
	e.logger.Debug("echo engine loaded model", "model", modelID, "elapsed", time.Since(start))
	return nil
}

func (e *EchoEngine) deviceLabel() string {
	return "echo - " + e.cfg.Device
}

// Generate echoes input. Progress is reported every streamInterval steps
// when onProgress is set; steps count from 1.
func (e *EchoEngine) Generate(ctx context.Context, input string, onProgress domain.GenerateProgressFunc, streamInterval int) (string, error) {
	e.mu.Lock()
	if e.model == nil {
		e.mu.Unlock()
		return "", domain.NewDomainError("EchoEngine.Generate", domain.ErrEngineNotLoaded, "did you call reload?")
	}
	if e.generating {
		e.mu.Unlock()
		return "", domain.NewDomainError("EchoEngine.Generate", domain.ErrBusy, "generation in progress")
	}
	e.generating = true
	e.interrupt.Store(false)
	e.turn++
	turn := e.turn
	maxLen := e.chatOpts.MaxGenLen
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.generating = false
		e.mu.Unlock()
	}()

	prefillStart := time.Now()
	prompt := strings.Fields(input)
	tokens := strings.Fields(fmt.Sprintf("Echo #%d: %s", turn, input))
	if maxLen > 0 && len(tokens) > maxLen {
		tokens = tokens[:maxLen]
	}
	prefillTime := time.Since(prefillStart)

	var limiter *rate.Limiter
	if e.cfg.DecodeRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.DecodeRate), 1)
	}

	decodeStart := time.Now()
	var out strings.Builder
	decoded := 0
	for i, tok := range tokens {
		if e.interrupt.Load() {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return "", domain.WrapOp("EchoEngine.Generate", err)
			}
		} else if err := ctx.Err(); err != nil {
			return "", domain.WrapOp("EchoEngine.Generate", err)
		}
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(tok)
		decoded++

		step := i + 1
		if onProgress != nil && streamInterval > 0 && step%streamInterval == 0 {
			onProgress(step, out.String())
		}
	}

	e.mu.Lock()
	e.stats.prefillTokens += len(prompt)
	e.stats.prefillTime += prefillTime
	e.stats.decodeTokens += decoded
	e.stats.decodeTime += time.Since(decodeStart)
	e.mu.Unlock()

	return out.String(), nil
}

// InterruptGenerate stops the running generation after its current step.
// The partial output is returned by Generate.
func (e *EchoEngine) InterruptGenerate(_ context.Context) error {
	e.mu.Lock()
	if e.generating {
		e.interrupt.Store(true)
	}
	e.mu.Unlock()
	return nil
}

// RuntimeStatsText reports average prefill and decode throughput.
func (e *EchoEngine) RuntimeStatsText(_ context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return "", domain.NewDomainError("EchoEngine.RuntimeStatsText", domain.ErrEngineNotLoaded, "did you call reload?")
	}
	return fmt.Sprintf("prefill: %.4f tokens/sec, decoding: %.4f tokens/sec",
		throughput(e.stats.prefillTokens, e.stats.prefillTime),
		throughput(e.stats.decodeTokens, e.stats.decodeTime),
	), nil
}

func throughput(tokens int, d time.Duration) float64 {
	if tokens == 0 || d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}

// ResetChat starts a new conversation. It is a no-op when nothing is loaded.
func (e *EchoEngine) ResetChat(_ context.Context) error {
	e.mu.Lock()
	e.turn = 0
	e.stats = echoStats{}
	e.mu.Unlock()
	return nil
}

// Unload releases the model. It is a no-op when nothing is loaded.
func (e *EchoEngine) Unload(ctx context.Context) error {
	_ = e.InterruptGenerate(ctx)
	e.mu.Lock()
	e.model = nil
	e.turn = 0
	e.mu.Unlock()
	return nil
}

// Loaded returns the loaded model id, or "" when unloaded.
func (e *EchoEngine) Loaded() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return ""
	}
	return e.model.LocalID
}
