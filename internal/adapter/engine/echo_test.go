package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
	"llmshell/internal/infra/logger"
)

func testCatalogue() *domain.AppConfig {
	return &domain.AppConfig{ModelList: []domain.ModelRecord{
		{ModelURL: "https://example.test/small", LocalID: "small"},
		{ModelURL: "https://example.test/f16", LocalID: "f16", RequiredFeatures: []string{"shader-f16"}},
	}}
}

func newTestEcho(cfg config.EngineConfig) *EchoEngine {
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	if cfg.LoadSteps == 0 {
		cfg.LoadSteps = 2
	}
	return NewEchoEngine(cfg, testCatalogue(), logger.Discard())
}

func TestEcho_ReloadReportsProgress(t *testing.T) {
	e := newTestEcho(config.EngineConfig{LoadSteps: 3})
	var reports []domain.InitProgressReport
	e.SetInitProgressCallback(func(r domain.InitProgressReport) { reports = append(reports, r) })

	require.NoError(t, e.Reload(context.Background(), "small", nil, nil))
	require.Len(t, reports, 4)
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i].Progress, reports[i-1].Progress)
	}
	last := reports[len(reports)-1]
	assert.Equal(t, 1.0, last.Progress)
	assert.Equal(t, "Finish loading on echo - cpu", last.Text)
	assert.Equal(t, "small", e.Loaded())
}

func TestEcho_ReloadErrors(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})

	err := e.Reload(context.Background(), "missing", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrModelNotFound))
	assert.Contains(t, err.Error(), "missing")

	err = e.Reload(context.Background(), "f16", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrFeatureUnsupported))
	assert.Empty(t, e.Loaded())

	withF16 := newTestEcho(config.EngineConfig{Features: []string{"shader-f16"}})
	assert.NoError(t, withF16.Reload(context.Background(), "f16", nil, nil))
}

func TestEcho_ReloadUsesSuppliedAppConfig(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})
	app := &domain.AppConfig{ModelList: []domain.ModelRecord{{ModelURL: "u", LocalID: "custom"}}}

	require.NoError(t, e.Reload(context.Background(), "custom", nil, app))
	assert.Equal(t, "custom", e.Loaded())
}

func TestEcho_GenerateNotLoaded(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})
	_, err := e.Generate(context.Background(), "hi", nil, 1)
	assert.True(t, errors.Is(err, domain.ErrEngineNotLoaded))

	_, err = e.RuntimeStatsText(context.Background())
	assert.True(t, errors.Is(err, domain.ErrEngineNotLoaded))
}

func TestEcho_GenerateStreamsSteps(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})
	require.NoError(t, e.Reload(context.Background(), "small", nil, nil))

	var steps []int
	var last string
	out, err := e.Generate(context.Background(), "hello there world", func(step int, msg string) {
		steps = append(steps, step)
		last = msg
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "Echo #1: hello there world", out)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, steps)
	assert.Equal(t, out, last)

	out, err = e.Generate(context.Background(), "again", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Echo #2: again", out)
}

func TestEcho_StreamInterval(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})
	require.NoError(t, e.Reload(context.Background(), "small", nil, nil))

	var steps []int
	_, err := e.Generate(context.Background(), "a b c d e", func(step int, _ string) {
		steps = append(steps, step)
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6}, steps)
}

func TestEcho_MaxGenLen(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})
	require.NoError(t, e.Reload(context.Background(), "small", &domain.ChatOptions{MaxGenLen: 3}, nil))

	out, err := e.Generate(context.Background(), "one two three four", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Echo #1: one", out)
}

func TestEcho_ResetChatRestartsTurns(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})
	require.NoError(t, e.Reload(context.Background(), "small", nil, nil))

	_, err := e.Generate(context.Background(), "x", nil, 0)
	require.NoError(t, err)
	require.NoError(t, e.ResetChat(context.Background()))

	out, err := e.Generate(context.Background(), "y", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Echo #1: y", out)
}

func TestEcho_InterruptKeepsPartialOutput(t *testing.T) {
	e := newTestEcho(config.EngineConfig{DecodeRate: 200})
	require.NoError(t, e.Reload(context.Background(), "small", nil, nil))

	input := strings.Repeat("tok ", 100)
	var once sync.Once
	out, err := e.Generate(context.Background(), input, func(step int, _ string) {
		if step == 3 {
			once.Do(func() { _ = e.InterruptGenerate(context.Background()) })
		}
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "Echo #1: tok", out)
}

func TestEcho_IdleInterruptDoesNotCarryOver(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})
	require.NoError(t, e.Reload(context.Background(), "small", nil, nil))

	require.NoError(t, e.InterruptGenerate(context.Background()))
	out, err := e.Generate(context.Background(), "a b c", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Echo #1: a b c", out)
}

func TestEcho_GenerateHonorsContext(t *testing.T) {
	e := newTestEcho(config.EngineConfig{DecodeRate: 20})
	require.NoError(t, e.Reload(context.Background(), "small", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Generate(ctx, strings.Repeat("tok ", 100), nil, 0)
	assert.Error(t, err)
}

func TestEcho_StatsAndUnload(t *testing.T) {
	e := newTestEcho(config.EngineConfig{})
	require.NoError(t, e.Reload(context.Background(), "small", nil, nil))
	_, err := e.Generate(context.Background(), "a b", nil, 0)
	require.NoError(t, err)

	text, err := e.RuntimeStatsText(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "prefill: ")
	assert.Contains(t, text, "tokens/sec, decoding: ")

	require.NoError(t, e.Unload(context.Background()))
	assert.Empty(t, e.Loaded())
	require.NoError(t, e.Unload(context.Background()))
	require.NoError(t, e.ResetChat(context.Background()))
}
