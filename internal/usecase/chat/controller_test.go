package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmshell/internal/domain"
	"llmshell/internal/infra/logger"
	"llmshell/internal/usecase/eventbus"
)

// fakeEngine records calls and lets tests override behaviour.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	initCb    domain.InitProgressFunc
	reload    func(modelID string) error
	generate  func(ctx context.Context, input string, onProgress domain.GenerateProgressFunc) (string, error)
	stats     string
	statsHook func()
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) SetInitProgressCallback(cb domain.InitProgressFunc) {
	f.mu.Lock()
	f.initCb = cb
	f.mu.Unlock()
}

func (f *fakeEngine) Reload(_ context.Context, modelID string, _ *domain.ChatOptions, _ *domain.AppConfig) error {
	f.record("reload:" + modelID)
	f.mu.Lock()
	cb := f.initCb
	f.mu.Unlock()
	if cb != nil {
		cb(domain.InitProgressReport{Progress: 1, Text: "loaded"})
	}
	if f.reload != nil {
		return f.reload(modelID)
	}
	return nil
}

func (f *fakeEngine) Generate(ctx context.Context, input string, onProgress domain.GenerateProgressFunc, _ int) (string, error) {
	f.record("generate:" + input)
	if f.generate != nil {
		return f.generate(ctx, input, onProgress)
	}
	onProgress(1, "re:")
	onProgress(2, "re: "+input)
	return "re: " + input, nil
}

func (f *fakeEngine) RuntimeStatsText(context.Context) (string, error) {
	f.record("stats")
	if f.statsHook != nil {
		f.statsHook()
	}
	if f.stats == "" {
		return "", domain.NewDomainError("fake", domain.ErrEngineNotLoaded, "")
	}
	return f.stats, nil
}

func (f *fakeEngine) InterruptGenerate(context.Context) error {
	f.record("interrupt")
	return nil
}

func (f *fakeEngine) Unload(context.Context) error {
	f.record("unload")
	return nil
}

func (f *fakeEngine) ResetChat(context.Context) error {
	f.record("reset")
	return nil
}

func testCatalogue() *domain.AppConfig {
	return &domain.AppConfig{ModelList: []domain.ModelRecord{
		{ModelURL: "https://example.com/a/", LocalID: "model-a"},
		{ModelURL: "https://example.com/b/", LocalID: "model-b"},
	}}
}

// eventLog collects bus events in publish order.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) handle(_ context.Context, e domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) types() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) has(typ domain.EventType) bool {
	for _, t := range l.types() {
		if t == typ {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, eng, local domain.ChatEngine) (*Controller, *eventLog) {
	t.Helper()
	bus := eventbus.New(logger.Discard())
	log := &eventLog{}
	bus.SubscribeAll(log.handle)
	c := NewController(eng, local, bus, Options{AppConfig: testCatalogue()}, logger.Discard())
	t.Cleanup(func() {
		c.Close()
		bus.Close()
	})
	return c, log
}

func TestController_DefaultSelection(t *testing.T) {
	c, _ := newTestController(t, &fakeEngine{}, nil)
	assert.Equal(t, "model-a", c.Selected())
	assert.Equal(t, []string{"model-a", "model-b"}, c.Models())

	withLocal, _ := newTestController(t, &fakeEngine{}, &fakeEngine{})
	assert.Equal(t, []string{"model-a", "model-b", domain.LocalServerModel}, withLocal.Models())
}

func TestController_EmptyPromptRefused(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newTestController(t, eng, nil)

	_, err := c.SendPrompt(context.Background(), "", nil)
	assert.True(t, errors.Is(err, domain.ErrEmptyPrompt))
	assert.Empty(t, eng.Calls())
}

func TestController_SendPromptLoadsOnDemand(t *testing.T) {
	eng := &fakeEngine{}
	c, log := newTestController(t, eng, nil)

	var steps []int
	out, err := c.SendPrompt(context.Background(), "hi", func(step int, _ string) {
		steps = append(steps, step)
	})
	require.NoError(t, err)
	assert.Equal(t, "re: hi", out)
	assert.Equal(t, []int{1, 2}, steps)

	out, err = c.SendPrompt(context.Background(), "again", nil)
	require.NoError(t, err)
	assert.Equal(t, "re: again", out)

	// The second prompt reuses the loaded model.
	assert.Equal(t, []string{"reload:model-a", "generate:hi", "generate:again"}, eng.Calls())

	snap := c.State()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "model-a", snap.Loaded)
	assert.Equal(t, "re: again", snap.LastOutput)

	assert.Eventually(t, func() bool {
		return log.has(domain.EventInitProgress) &&
			log.has(domain.EventModelLoaded) &&
			log.has(domain.EventGenerateStarted) &&
			log.has(domain.EventGenerateProgress) &&
			log.has(domain.EventGenerateCompleted)
	}, time.Second, 5*time.Millisecond)
}

func TestController_BackgroundStatsDoNotBlockPromptUnderReject(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	eng := &fakeEngine{stats: "ok"}
	eng.statsHook = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	bus := eventbus.New(logger.Discard())
	c := NewController(eng, nil, bus, Options{Policy: PolicyReject, AppConfig: testCatalogue()}, logger.Discard())
	t.Cleanup(func() {
		c.Close()
		bus.Close()
	})

	statsDone := make(chan error, 1)
	go func() {
		_, err := c.backgroundStats(context.Background())
		statsDone <- err
	}()
	<-entered

	promptDone := make(chan error, 1)
	go func() {
		_, err := c.SendPrompt(context.Background(), "hi", nil)
		promptDone <- err
	}()
	assert.Eventually(t, func() bool { return c.chain.Len() == 1 }, time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-statsDone)
	require.NoError(t, <-promptDone)
}

func TestController_ReloadFailureUnloads(t *testing.T) {
	eng := &fakeEngine{reload: func(string) error {
		return domain.NewDomainError("fake", domain.ErrModelNotFound, "gone")
	}}
	c, _ := newTestController(t, eng, nil)

	_, err := c.SendPrompt(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModelNotFound))
	assert.Equal(t, []string{"reload:model-a", "unload"}, eng.Calls())
	assert.Equal(t, StateIdle, c.State().State)
	assert.Empty(t, c.State().Loaded)
}

func TestController_GenerateFailureUnloads(t *testing.T) {
	eng := &fakeEngine{generate: func(context.Context, string, domain.GenerateProgressFunc) (string, error) {
		return "", errors.New("engine crashed")
	}}
	c, log := newTestController(t, eng, nil)

	_, err := c.SendPrompt(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine crashed")
	assert.Equal(t, []string{"reload:model-a", "generate:hi", "unload"}, eng.Calls())
	assert.Empty(t, c.State().Loaded)

	assert.Eventually(t, func() bool {
		return log.has(domain.EventGenerateFailed) && log.has(domain.EventModelUnload)
	}, time.Second, 5*time.Millisecond)

	// The next prompt reloads.
	eng.generate = nil
	_, err = c.SendPrompt(context.Background(), "retry", nil)
	require.NoError(t, err)
	assert.Equal(t, "reload:model-a", eng.Calls()[3])
}

func TestController_SelectModel(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newTestController(t, eng, nil)

	_, err := c.SendPrompt(context.Background(), "hi", nil)
	require.NoError(t, err)

	require.NoError(t, c.SelectModel(context.Background(), "model-b"))
	assert.Equal(t, "model-b", c.Selected())
	assert.Equal(t, "model-b", c.State().Loaded)
	assert.Equal(t, []string{"reload:model-a", "generate:hi", "reset", "unload", "reload:model-b"}, eng.Calls())

	err = c.SelectModel(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrModelNotFound))
	assert.Equal(t, "model-b", c.Selected())
}

func TestController_LocalServerRouting(t *testing.T) {
	eng := &fakeEngine{}
	local := &fakeEngine{stats: "local stats"}
	c, _ := newTestController(t, eng, local)

	require.NoError(t, c.SelectModel(context.Background(), domain.LocalServerModel))
	out, err := c.SendPrompt(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "re: hi", out)

	text, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local stats", text)

	require.NoError(t, c.Reset(context.Background()))
	require.NoError(t, c.Interrupt(context.Background()))

	assert.Equal(t, []string{"generate:hi", "stats", "reset", "interrupt"}, local.Calls())
	// The worker engine is only reset and unloaded on the switch.
	assert.Equal(t, []string{"reset", "unload"}, eng.Calls())
}

func TestController_LocalServerMissing(t *testing.T) {
	c, _ := newTestController(t, &fakeEngine{}, nil)

	require.NoError(t, c.SelectModel(context.Background(), domain.LocalServerModel))
	_, err := c.SendPrompt(context.Background(), "hi", nil)
	assert.True(t, errors.Is(err, domain.ErrBackendUnavailable))
}

func TestController_InterruptBypassesChain(t *testing.T) {
	started := make(chan struct{})
	eng := &fakeEngine{}
	eng.generate = func(ctx context.Context, input string, onProgress domain.GenerateProgressFunc) (string, error) {
		close(started)
		for {
			for _, c := range eng.Calls() {
				if c == "interrupt" {
					return "partial", nil
				}
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
	c, _ := newTestController(t, eng, nil)

	done := make(chan string, 1)
	go func() {
		out, _ := c.SendPrompt(context.Background(), "long", nil)
		done <- out
	}()
	<-started
	assert.Equal(t, StateGenerating, c.State().State)
	require.NoError(t, c.Interrupt(context.Background()))

	select {
	case out := <-done:
		assert.Equal(t, "partial", out)
	case <-time.After(2 * time.Second):
		t.Fatal("generation was not interrupted")
	}
}

func TestController_ResetPublishesEvent(t *testing.T) {
	eng := &fakeEngine{}
	c, log := newTestController(t, eng, nil)

	_, err := c.SendPrompt(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.NoError(t, c.Reset(context.Background()))
	assert.Empty(t, c.State().LastOutput)
	assert.Eventually(t, func() bool { return log.has(domain.EventChatReset) }, time.Second, 5*time.Millisecond)
}

func TestController_StatsNotLoaded(t *testing.T) {
	c, _ := newTestController(t, &fakeEngine{}, nil)
	_, err := c.Stats(context.Background())
	assert.True(t, errors.Is(err, domain.ErrEngineNotLoaded))
}
