// Package mocks provides scripted test doubles for the provider client and
// the persistence layer. Builders configure behavior; every call is recorded
// so tests can assert exactly what the engine did.
package mocks

import (
	"context"
	"sync"

	"github.com/quillreader/agentrun/provider"
)

// ProviderCall records one request against the mock client.
type ProviderCall struct {
	Prompt string
	Model  string
	Stream bool
	Err    error
}

// MockClient is a scripted provider.Client. By default every prompt succeeds
// with a fixed response; scripts override behavior per prompt or after the
// Nth call.
type MockClient struct {
	mu sync.Mutex

	name         string
	response     string
	streamChunks []string
	usage        *provider.Usage
	err          error
	errByPrompt  map[string]error
	respByPrompt map[string]string
	failAfter    int
	delayUntil   map[string]chan struct{}

	calls     []ProviderCall
	callCount int
}

// NewMockClient creates a mock that echoes a fixed response.
func NewMockClient() *MockClient {
	return &MockClient{
		name:         "mock",
		response:     "mock response",
		errByPrompt:  make(map[string]error),
		respByPrompt: make(map[string]string),
		delayUntil:   make(map[string]chan struct{}),
	}
}

// WithName sets the provider name.
func (m *MockClient) WithName(name string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse sets the default completion text.
func (m *MockClient) WithResponse(text string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = text
	return m
}

// WithResponseFor scripts the completion text for one exact prompt.
func (m *MockClient) WithResponseFor(prompt, text string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respByPrompt[prompt] = text
	return m
}

// WithStreamChunks sets the deltas a Stream call emits before Done.
func (m *MockClient) WithStreamChunks(chunks ...string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithUsage attaches provider-reported usage to successful calls.
func (m *MockClient) WithUsage(prompt, completion int) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = &provider.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	return m
}

// WithError makes every call fail with err.
func (m *MockClient) WithError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithErrorFor scripts a failure for one exact prompt.
func (m *MockClient) WithErrorFor(prompt string, err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errByPrompt[prompt] = err
	return m
}

// WithFailAfter makes calls beyond the Nth fail with the configured error.
func (m *MockClient) WithFailAfter(n int, err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.err = err
	return m
}

// WithBlockFor makes a call for the given prompt block until the returned
// channel is closed or the context ends. Used to hold segments in flight.
func (m *MockClient) WithBlockFor(prompt string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.delayUntil[prompt] = ch
	return ch
}

func (m *MockClient) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *MockClient) script(prompt string) (string, *provider.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	if err, ok := m.errByPrompt[prompt]; ok {
		return "", nil, err
	}
	if m.err != nil && (m.failAfter == 0 || m.callCount > m.failAfter) {
		return "", nil, m.err
	}
	text := m.response
	if scripted, ok := m.respByPrompt[prompt]; ok {
		text = scripted
	}
	return text, m.usage, nil
}

func (m *MockClient) record(call ProviderCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *MockClient) block(ctx context.Context, prompt string) error {
	m.mu.Lock()
	gate := m.delayUntil[prompt]
	m.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Complete implements provider.Client.
func (m *MockClient) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := m.block(ctx, req.Prompt); err != nil {
		m.record(ProviderCall{Prompt: req.Prompt, Model: req.Model, Err: err})
		return nil, err
	}
	text, usage, err := m.script(req.Prompt)
	m.record(ProviderCall{Prompt: req.Prompt, Model: req.Model, Err: err})
	if err != nil {
		return nil, err
	}
	resp := &provider.Response{Text: text, Model: req.Model, Provider: m.Name()}
	if usage != nil {
		resp.Usage = *usage
	}
	return resp, nil
}

// Stream implements provider.Client.
func (m *MockClient) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	if err := m.block(ctx, req.Prompt); err != nil {
		m.record(ProviderCall{Prompt: req.Prompt, Model: req.Model, Stream: true, Err: err})
		return nil, err
	}
	text, usage, err := m.script(req.Prompt)
	m.record(ProviderCall{Prompt: req.Prompt, Model: req.Model, Stream: true, Err: err})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	chunks := m.streamChunks
	m.mu.Unlock()
	if len(chunks) == 0 {
		chunks = []string{text}
	}

	out := make(chan provider.Chunk, len(chunks)+2)
	go func() {
		defer close(out)
		for _, delta := range chunks {
			select {
			case <-ctx.Done():
				out <- provider.Chunk{Err: context.Cause(ctx)}
				return
			case out <- provider.Chunk{Delta: delta}:
			}
		}
		out <- provider.Chunk{Done: true, Usage: usage}
	}()
	return out, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockClient) Calls() []ProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProviderCall{}, m.calls...)
}

// CallCount returns how many requests the mock has served.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// CallsFor returns how many requests carried the exact prompt.
func (m *MockClient) CallsFor(prompt string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Prompt == prompt {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and counters.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
}
