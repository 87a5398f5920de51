package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillreader/agentrun/run"
)

func testClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(OpenAIConfig{
		Name:    "test",
		BaseURL: srv.URL,
		APIKey:  "test-key",
	}, nil)
}

func completionBody(text string, usage bool) string {
	u := ""
	if usage {
		u = `,"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}`
	}
	return fmt.Sprintf(`{"model":"m","choices":[{"message":{"content":%q}}]%s}`, text, u)
}

func TestComplete_Success(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		fmt.Fprint(w, completionBody("bonjour", true))
	})

	resp, err := c.Complete(context.Background(), &Request{Model: "m", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", resp.Text)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.False(t, resp.Usage.Estimated)
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		code   run.ErrorCode
		reason run.FailureReason
	}{
		{http.StatusUnauthorized, run.ErrUnauthorized, run.ReasonUnauthorized},
		{http.StatusTooManyRequests, run.ErrRateLimited, run.ReasonRateLimited},
		{http.StatusBadRequest, run.ErrInvalidRequest, run.ReasonInvalidConfig},
		{http.StatusGatewayTimeout, run.ErrTimeout, run.ReasonTimedOut},
		{http.StatusBadGateway, run.ErrUpstream, run.ReasonNetwork},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			})

			_, err := c.Complete(context.Background(), &Request{Model: "m", Prompt: "x"})
			require.Error(t, err)

			var se *run.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, "nope", se.Message)
			assert.Equal(t, tt.reason, run.Classify(err, run.TaskTranslate))
		})
	}
}

func TestComplete_RequestBudgetProducesTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, completionBody("late", false))
	}))
	t.Cleanup(srv.Close)

	c := NewOpenAIClient(OpenAIConfig{
		Name:    "test",
		BaseURL: srv.URL,
		Timeout: TimeoutBudget{Request: 50 * time.Millisecond},
	}, nil)

	_, err := c.Complete(context.Background(), &Request{Model: "m", Prompt: "x"})
	require.Error(t, err)

	var te *run.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, run.TimeoutRequest, te.Kind)
	assert.Equal(t, run.ReasonTimedOut, run.Classify(err, run.TaskSummarize))
}

func TestComplete_UserCancellation(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Complete(ctx, &Request{Model: "m", Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, run.ReasonCancelled, run.Classify(err, run.TaskSummarize))
}

func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
			fl.Flush()
		}
	}
}

func TestStream_DeltasAndDone(t *testing.T) {
	c := testClient(t, sseHandler(
		`{"choices":[{"delta":{"content":"Bon"}}]}`,
		`{"choices":[{"delta":{"content":"jour"}}]}`,
		`{"choices":[{"delta":{}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		`[DONE]`,
	))

	ch, err := c.Stream(context.Background(), &Request{Model: "m", Prompt: "hello"})
	require.NoError(t, err)

	var text string
	var usage *Usage
	done := false
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Delta
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Done {
			done = true
		}
	}
	assert.Equal(t, "Bonjour", text)
	assert.True(t, done)
	require.NotNil(t, usage)
	assert.Equal(t, 5, usage.TotalTokens)
}

func TestStream_HTTPErrorBeforeStreaming(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit exceeded (429)"}}`)
	})

	_, err := c.Stream(context.Background(), &Request{Model: "m", Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, run.ReasonRateLimited, run.Classify(err, run.TaskTranslate))
}

func TestStream_FirstTokenBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := NewOpenAIClient(OpenAIConfig{
		Name:    "test",
		BaseURL: srv.URL,
		Timeout: TimeoutBudget{FirstToken: 50 * time.Millisecond, StreamIdle: time.Second},
	}, nil)

	ch, err := c.Stream(context.Background(), &Request{Model: "m", Prompt: "x"})
	require.NoError(t, err)

	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	require.Error(t, streamErr)

	var te *run.TimeoutError
	require.ErrorAs(t, streamErr, &te)
	assert.Equal(t, run.TimeoutFirstToken, te.Kind)
}

func TestStream_IdleBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := NewOpenAIClient(OpenAIConfig{
		Name:    "test",
		BaseURL: srv.URL,
		Timeout: TimeoutBudget{FirstToken: time.Second, StreamIdle: 50 * time.Millisecond},
	}, nil)

	ch, err := c.Stream(context.Background(), &Request{Model: "m", Prompt: "x"})
	require.NoError(t, err)

	var text string
	var streamErr error
	for chunk := range ch {
		text += chunk.Delta
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	assert.Equal(t, "hi", text)
	require.Error(t, streamErr)

	var te *run.TimeoutError
	require.ErrorAs(t, streamErr, &te)
	assert.Equal(t, run.TimeoutStreamIdle, te.Kind)
	assert.Contains(t, te.Error(), "50ms")
}

func TestStream_EOFWithoutDoneIsComplete(t *testing.T) {
	c := testClient(t, sseHandler(`{"choices":[{"delta":{"content":"partial"}}]}`))

	ch, err := c.Stream(context.Background(), &Request{Model: "m", Prompt: "x"})
	require.NoError(t, err)

	var text string
	done := false
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Delta
		if chunk.Done {
			done = true
		}
	}
	assert.Equal(t, "partial", text)
	assert.True(t, done)
}

func TestEstimator_Count(t *testing.T) {
	e := NewEstimator("gpt-4o")
	assert.Equal(t, 0, e.Count(""))
	assert.Greater(t, e.Count("hello world, this is a test"), 0)

	u := e.EstimateUsage("prompt text", "completion text")
	assert.True(t, u.Estimated)
	assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)
}

func TestMapHTTPError_Retryable(t *testing.T) {
	assert.True(t, mapHTTPError(429, "x", "p").Retryable)
	assert.True(t, mapHTTPError(500, "x", "p").Retryable)
	assert.False(t, mapHTTPError(401, "x", "p").Retryable)
}

func TestStreamCause_PrefersWatchdogCause(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{Name: "test"}, nil)

	ctx, cancel := context.WithCancelCause(context.Background())
	te := &run.TimeoutError{Kind: run.TimeoutStreamIdle, Budget: time.Second}
	cancel(te)

	got := c.streamCause(ctx, errors.New("read: connection reset"))
	assert.ErrorIs(t, got, error(te))
}
