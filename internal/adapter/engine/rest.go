package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
)

const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// RESTEngine talks to an OpenAI-compatible local server. The server owns the
// model, so Reload and Unload are not supported.
type RESTEngine struct {
	cfg     config.RESTConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc // in-flight generation
}

var _ domain.ChatEngine = (*RESTEngine)(nil)

// NewRESTEngine creates a REST engine. Requests that fail to reach the server
// or get a 5xx count towards the circuit breaker.
func NewRESTEngine(cfg config.RESTConfig, logger *slog.Logger) *RESTEngine {
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := cfg.Breaker.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "rest:" + cfg.BaseURL,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &RESTEngine{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
		logger:  logger,
	}
}

// BreakerState returns the circuit breaker state for diagnostics.
func (r *RESTEngine) BreakerState() gobreaker.State { return r.breaker.State() }

// SetInitProgressCallback is a no-op: the server reports no load progress.
func (r *RESTEngine) SetInitProgressCallback(domain.InitProgressFunc) {}

// Reload is not supported by the REST backend.
func (r *RESTEngine) Reload(context.Context, string, *domain.ChatOptions, *domain.AppConfig) error {
	return domain.NewDomainError("RESTEngine.Reload", domain.ErrNotSupported, "the local server manages its own model")
}

// Unload is not supported by the REST backend.
func (r *RESTEngine) Unload(context.Context) error {
	return domain.NewDomainError("RESTEngine.Unload", domain.ErrNotSupported, "the local server manages its own model")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		Delta        chatMessage `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	} `json:"choices"`
}

// Generate posts input to /v1/chat/completions. With streamInterval 0 the
// reply is fetched in one response; otherwise it is streamed over SSE and
// onProgress receives the accumulated message every streamInterval chunks.
// InterruptGenerate cancels the request and the partial message is returned.
func (r *RESTEngine) Generate(ctx context.Context, input string, onProgress domain.GenerateProgressFunc, streamInterval int) (string, error) {
	genCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return "", domain.NewDomainError("RESTEngine.Generate", domain.ErrBusy, "generation in progress")
	}
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	stream := streamInterval > 0
	body, err := json.Marshal(completionRequest{
		Model:    r.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: input}},
		Stream:   stream,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := r.do(genCtx, http.MethodPost, "/v1/chat/completions", body, stream)
	if err != nil {
		return "", domain.WrapOp("RESTEngine.Generate", err)
	}
	defer resp.Body.Close()

	if !stream {
		var out completionResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
			return "", domain.NewDomainError("RESTEngine.Generate", domain.ErrBackendUnavailable, "decode response: "+err.Error())
		}
		if len(out.Choices) == 0 {
			return "", domain.NewDomainError("RESTEngine.Generate", domain.ErrBackendUnavailable, "response has no choices")
		}
		msg := out.Choices[0].Message.Content
		if onProgress != nil {
			onProgress(1, msg)
		}
		return msg, nil
	}

	var msg strings.Builder
	step := 0
	err = readSSE(resp.Body, func(data []byte) bool {
		var chunk completionResponse
		if err := json.Unmarshal(data, &chunk); err != nil || len(chunk.Choices) == 0 {
			return true
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			msg.WriteString(choice.Delta.Content)
			step++
			if onProgress != nil && step%streamInterval == 0 {
				onProgress(step, msg.String())
			}
		}
		return choice.FinishReason == nil
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", domain.WrapOp("RESTEngine.Generate", ctx.Err())
	case genCtx.Err() != nil:
		r.logger.Debug("rest generation interrupted", "steps", step)
	default:
		return "", domain.NewDomainError("RESTEngine.Generate", domain.ErrBackendUnavailable, "read stream: "+err.Error())
	}
	return msg.String(), nil
}

// readSSE calls fn with every "data:" payload until fn returns false, the
// stream sends [DONE], or the body ends.
func readSSE(body io.Reader, fn func(data []byte) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBody)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}
		if !fn(data) {
			return nil
		}
	}
	return scanner.Err()
}

// InterruptGenerate cancels the in-flight generation, if any.
func (r *RESTEngine) InterruptGenerate(context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// RuntimeStatsText fetches GET /stats. A JSON string is returned unquoted,
// anything else verbatim.
func (r *RESTEngine) RuntimeStatsText(ctx context.Context) (string, error) {
	resp, err := r.do(ctx, http.MethodGet, "/stats", nil, false)
	if err != nil {
		return "", domain.WrapOp("RESTEngine.RuntimeStatsText", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", domain.NewDomainError("RESTEngine.RuntimeStatsText", domain.ErrBackendUnavailable, err.Error())
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	return strings.TrimSpace(string(raw)), nil
}

// ResetChat posts /chat/reset.
func (r *RESTEngine) ResetChat(ctx context.Context) error {
	resp, err := r.do(ctx, http.MethodPost, "/chat/reset", nil, false)
	if err != nil {
		return domain.WrapOp("RESTEngine.ResetChat", err)
	}
	resp.Body.Close()
	return nil
}

// do sends a request through the circuit breaker. Non-2xx responses are
// returned as errors; 5xx and transport failures also count as breaker
// failures.
func (r *RESTEngine) do(ctx context.Context, method, path string, body []byte, stream bool) (*http.Response, error) {
	resp, err := r.breaker.Execute(func() (*http.Response, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(r.cfg.BaseURL, "/")+path, rd)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if stream {
			req.Header.Set("Accept", "text/event-stream")
		}
		if r.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		}

		client := r.client
		if stream {
			// The overall timeout would cut long streams; ctx still applies.
			client = &http.Client{Transport: r.client.Transport}
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, domain.NewDomainError("RESTEngine.do", domain.ErrBackendUnavailable, err.Error())
		}
		if resp.StatusCode >= 500 {
			defer resp.Body.Close()
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, domain.NewDomainError("RESTEngine.do", domain.ErrBackendUnavailable,
				fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail))))
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("RESTEngine.do", domain.ErrBackendUnavailable, "circuit open: "+err.Error())
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}
