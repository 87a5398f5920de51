package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quillreader/agentrun/run"
)

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	Name    string        `yaml:"name" json:"name"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"-" json:"-"`
	Timeout TimeoutBudget `yaml:"timeout" json:"timeout"`

	// RequestsPerSecond throttles outgoing calls client-side. Zero disables
	// throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
}

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions API (the de-facto wire format for self-hosted and commercial
// providers alike).
type OpenAIClient struct {
	cfg     OpenAIConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAIClient creates a client for one endpoint.
func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == (TimeoutBudget{}) {
		cfg.Timeout = DefaultTimeoutBudget()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.Timeout.Connect,
		}).DialContext,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAIClient{
		cfg:     cfg,
		client:  &http.Client{Transport: transport},
		limiter: limiter,
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", cfg.Name)),
	}
}

func (c *OpenAIClient) Name() string {
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	return "openai"
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	TopP        float32         `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type openaiResponse struct {
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

func (c *OpenAIClient) buildRequest(req *Request, stream bool) ([]byte, error) {
	msgs := make([]openaiMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openaiMessage{Role: "user", Content: req.Prompt})

	return json.Marshal(openaiRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	})
}

func (c *OpenAIClient) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/v1/chat/completions", strings.TrimRight(c.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, run.NewError(run.ErrInvalidConfig, "invalid provider endpoint").WithCause(err).WithProvider(c.Name())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return httpReq, nil
}

// Complete performs a blocking generation bounded by the request budget.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	if c.cfg.Timeout.Request > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.cfg.Timeout.Request,
			&run.TimeoutError{Kind: run.TimeoutRequest, Budget: c.cfg.Timeout.Request})
		defer cancel()
	}

	body, err := c.buildRequest(req, false)
	if err != nil {
		return nil, run.NewError(run.ErrInvalidRequest, "failed to encode request").WithCause(err).WithProvider(c.Name())
	}
	httpReq, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.mapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, readErrMsg(resp.Body), c.Name())
	}

	var or openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, c.mapTransportError(ctx, err)
	}
	if len(or.Choices) == 0 {
		return nil, run.NewError(run.ErrUpstream, "empty choices in response").WithProvider(c.Name())
	}

	c.logger.Debug("completion finished",
		zap.String("model", req.Model),
		zap.Duration("latency", time.Since(start)),
	)

	out := &Response{
		Text:     or.Choices[0].Message.Content,
		Model:    or.Model,
		Provider: c.Name(),
	}
	if or.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     or.Usage.PromptTokens,
			CompletionTokens: or.Usage.CompletionTokens,
			TotalTokens:      or.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Stream performs a streaming generation. The first-token and stream-idle
// budgets run as a watchdog that cancels the request with a TimeoutError
// cause, so the consumer sees the budget that actually expired.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)

	body, err := c.buildRequest(req, true)
	if err != nil {
		cancel(nil)
		return nil, run.NewError(run.ErrInvalidRequest, "failed to encode request").WithCause(err).WithProvider(c.Name())
	}
	httpReq, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		cancel(nil)
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		mapped := c.mapTransportError(ctx, err)
		cancel(nil)
		return nil, mapped
	}
	if resp.StatusCode != http.StatusOK {
		mapped := mapHTTPError(resp.StatusCode, readErrMsg(resp.Body), c.Name())
		resp.Body.Close()
		cancel(nil)
		return nil, mapped
	}

	out := make(chan Chunk, 16)
	go c.readStream(ctx, cancel, resp.Body, out)
	return out, nil
}

func (c *OpenAIClient) readStream(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()
	defer cancel(nil)

	var watchdog *time.Timer
	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}()
	if c.cfg.Timeout.FirstToken > 0 {
		watchdog = time.AfterFunc(c.cfg.Timeout.FirstToken, func() {
			cancel(&run.TimeoutError{Kind: run.TimeoutFirstToken, Budget: c.cfg.Timeout.FirstToken})
		})
	}

	rearm := func() {
		if c.cfg.Timeout.StreamIdle <= 0 {
			if watchdog != nil {
				watchdog.Stop()
			}
			return
		}
		if watchdog != nil {
			watchdog.Stop()
		}
		watchdog = time.AfterFunc(c.cfg.Timeout.StreamIdle, func() {
			cancel(&run.TimeoutError{Kind: run.TimeoutStreamIdle, Budget: c.cfg.Timeout.StreamIdle})
		})
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			out <- Chunk{Done: true}
			return
		}

		var or openaiResponse
		if err := json.Unmarshal([]byte(data), &or); err != nil {
			c.logger.Warn("skipping malformed stream chunk", zap.Error(err))
			continue
		}

		rearm()

		chunk := Chunk{}
		if len(or.Choices) > 0 {
			chunk.Delta = or.Choices[0].Delta.Content
		}
		if or.Usage != nil {
			chunk.Usage = &Usage{
				PromptTokens:     or.Usage.PromptTokens,
				CompletionTokens: or.Usage.CompletionTokens,
				TotalTokens:      or.Usage.TotalTokens,
			}
		}
		if chunk.Delta == "" && chunk.Usage == nil {
			continue
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			out <- Chunk{Err: c.streamCause(ctx, ctx.Err())}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: c.streamCause(ctx, err)}
		return
	}
	// Stream ended without an explicit [DONE]; treat as complete.
	out <- Chunk{Done: true}
}

// streamCause prefers the watchdog's TimeoutError cause over the raw read
// error triggered by the cancellation.
func (c *OpenAIClient) streamCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return run.NewError(run.ErrNetwork, "stream read failed").WithCause(err).WithProvider(c.Name())
}

func (c *OpenAIClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// mapTransportError distinguishes timeout-cause cancellation from plain
// cancellation and network failure.
func (c *OpenAIClient) mapTransportError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return run.NewError(run.ErrNetwork, "request failed").WithCause(err).WithProvider(c.Name())
}

type openaiErrBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func readErrMsg(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 8*1024))
	if err != nil {
		return ""
	}
	var eb openaiErrBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		return eb.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// mapHTTPError maps provider HTTP status codes to structured errors.
func mapHTTPError(status int, msg string, provider string) *run.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return run.NewError(run.ErrUnauthorized, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return run.NewError(run.ErrRateLimited, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case http.StatusBadRequest, http.StatusNotFound:
		return run.NewError(run.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusGatewayTimeout:
		return run.NewError(run.ErrTimeout, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		return run.NewError(run.ErrUpstream, msg).WithHTTPStatus(status).WithRetryable(status >= 500).WithProvider(provider)
	}
}
