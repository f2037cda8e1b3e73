package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
	"llmshell/internal/infra/logger"
)

func newTestREST(t *testing.T, h http.Handler) *RESTEngine {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewRESTEngine(config.RESTConfig{
		BaseURL: srv.URL,
		Model:   "local",
		Timeout: 5 * time.Second,
		Breaker: config.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute},
	}, logger.Discard())
}

func TestREST_GenerateNonStreaming(t *testing.T) {
	var got completionRequest
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/chat/completions", req.URL.Path)
		_ = json.NewDecoder(req.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi back"}}]}`)
	}))

	var calls int
	out, err := r.Generate(context.Background(), "hi", func(step int, msg string) {
		calls++
		assert.Equal(t, "hi back", msg)
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "hi back", out)
	assert.Equal(t, 1, calls)
	assert.False(t, got.Stream)
	assert.Equal(t, "local", got.Model)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestREST_GenerateStreaming(t *testing.T) {
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	var steps []int
	var msgs []string
	out, err := r.Generate(context.Background(), "hi", func(step int, msg string) {
		steps = append(steps, step)
		msgs = append(msgs, msg)
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out)
	assert.Equal(t, []int{1, 2, 3}, steps)
	assert.Equal(t, []string{"Hel", "Hello", "Hello!"}, msgs)
}

func TestREST_StatsAndReset(t *testing.T) {
	var resets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `"prefill: 10.0 tokens/sec, decoding: 5.0 tokens/sec"`)
	})
	mux.HandleFunc("/chat/reset", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		resets.Add(1)
	})
	r := newTestREST(t, mux)

	text, err := r.RuntimeStatsText(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prefill: 10.0 tokens/sec, decoding: 5.0 tokens/sec", text)

	require.NoError(t, r.ResetChat(context.Background()))
	assert.Equal(t, int32(1), resets.Load())
}

func TestREST_ReloadUnsupported(t *testing.T) {
	r := newTestREST(t, http.NotFoundHandler())
	assert.True(t, errors.Is(r.Reload(context.Background(), "x", nil, nil), domain.ErrNotSupported))
	assert.True(t, errors.Is(r.Unload(context.Background()), domain.ErrNotSupported))
	assert.NoError(t, r.InterruptGenerate(context.Background()))
}

func TestREST_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))

	for range 2 {
		_, err := r.Generate(context.Background(), "hi", nil, 0)
		assert.True(t, errors.Is(err, domain.ErrBackendUnavailable), "got %v", err)
	}
	assert.Equal(t, gobreaker.StateOpen, r.BreakerState())

	_, err := r.Generate(context.Background(), "hi", nil, 0)
	assert.True(t, errors.Is(err, domain.ErrBackendUnavailable))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), hits.Load())
}

func TestREST_ClientErrorDoesNotTrip(t *testing.T) {
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	for range 3 {
		_, err := r.Generate(context.Background(), "hi", nil, 0)
		assert.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, r.BreakerState())
}

func TestREST_InterruptReturnsPartial(t *testing.T) {
	release := make(chan struct{})
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-req.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	out, err := r.Generate(context.Background(), "hi", func(step int, _ string) {
		if step == 1 {
			_ = r.InterruptGenerate(context.Background())
		}
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "partial", out)
}
