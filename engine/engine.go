// Package engine orchestrates agent runs end to end: admission, route
// resolution, provider execution, segment checkpointing, and terminal
// recording. Callers submit a request for an owner, start the admitted run
// through Summarize or Translate, and consume the event stream; the engine
// guarantees the owner's admission slot is released on every exit path.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quillreader/agentrun/admission"
	"github.com/quillreader/agentrun/config"
	"github.com/quillreader/agentrun/internal/metrics"
	"github.com/quillreader/agentrun/provider"
	"github.com/quillreader/agentrun/route"
	"github.com/quillreader/agentrun/run"
	"github.com/quillreader/agentrun/store"
)

// Segment is one translatable unit of a document, at paragraph or list-item
// granularity. The caller supplies segments in document order; completion
// order is not guaranteed to match.
type Segment struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ClientFactory builds a provider client for a resolved route candidate.
type ClientFactory func(c route.Candidate) provider.Client

// DefaultClientFactory builds OpenAI-compatible clients from the candidate's
// provider profile.
func DefaultClientFactory(budget provider.TimeoutBudget, rps float64, logger *zap.Logger) ClientFactory {
	return func(c route.Candidate) provider.Client {
		return provider.NewOpenAIClient(provider.OpenAIConfig{
			Name:              c.Provider.Name,
			BaseURL:           c.Provider.BaseURL,
			APIKey:            c.APIKey,
			Timeout:           budget,
			RequestsPerSecond: rps,
		}, logger)
	}
}

// Engine wires the run components together. One engine serves one process;
// its process epoch tags every run record it creates so restarts can tell
// their own rows from orphans.
type Engine struct {
	cfg       *config.Config
	admission *admission.Store
	resolver  *route.Resolver
	store     store.Store
	clients   ClientFactory
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	mirror    *store.RedisMirror
	epoch     string

	mu         sync.Mutex
	owners     map[run.Owner]*ownerState
	ownerOrder []run.Owner
	estimators map[string]*provider.Estimator

	traces *traceRing
}

type ownerState struct {
	taskID  string
	phase   run.Phase
	outcome *run.Outcome
}

// maxTrackedOwners bounds the projection state map; the oldest-seen owner is
// evicted once the cap is reached, the same way the trace ring rotates tasks.
const maxTrackedOwners = 1024

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithMirror attaches a redis mirror for cross-process checkpoint visibility
// and heartbeat-based liveness.
func WithMirror(m *store.RedisMirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// WithClientFactory overrides how provider clients are built. Tests inject
// scripted clients here.
func WithClientFactory(f ClientFactory) Option {
	return func(e *Engine) { e.clients = f }
}

// WithProcessEpoch pins the process epoch instead of generating one.
func WithProcessEpoch(epoch string) Option {
	return func(e *Engine) { e.epoch = epoch }
}

// New creates an engine over the given stores. A nil config uses defaults.
func New(cfg *config.Config, adm *admission.Store, resolver *route.Resolver, st store.Store, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		cfg:        cfg,
		admission:  adm,
		resolver:   resolver,
		store:      st,
		epoch:      uuid.NewString(),
		owners:     make(map[run.Owner]*ownerState),
		estimators: make(map[string]*provider.Estimator),
		tracer:     otel.Tracer("github.com/quillreader/agentrun/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	if e.metrics == nil {
		e.metrics = metrics.Nop()
	}
	if e.clients == nil {
		e.clients = DefaultClientFactory(cfg.Timeout, cfg.RequestsPerSecond, e.logger)
	}
	e.traces = newTraceRing(cfg.TraceDepth)
	return e
}

// ProcessEpoch returns the epoch tagging this process's run records.
func (e *Engine) ProcessEpoch() string { return e.epoch }

// Submit asks the admission store what to do with a run request.
func (e *Engine) Submit(owner run.Owner, req run.Request) run.Decision {
	d := e.admission.Submit(owner, req)
	e.metrics.AdmissionDecision(string(d))
	return d
}

// Release clears the owner's active slot. The driver calls this on its exit
// path; callers use it for explicit cancellation cleanup.
func (e *Engine) Release(owner run.Owner) {
	e.admission.Release(owner)
}

// ClearWaiting drops the owner's waiting request, never the active one.
func (e *Engine) ClearWaiting(owner run.Owner) {
	e.admission.ClearWaiting(owner)
}

// Promote pops the owner's waiting request into the active slot once the
// caller decides to start it.
func (e *Engine) Promote(owner run.Owner) (run.Request, bool) {
	return e.admission.Promote(owner)
}

func (e *Engine) estimator(model string) *provider.Estimator {
	e.mu.Lock()
	defer e.mu.Unlock()
	est, ok := e.estimators[model]
	if !ok {
		est = provider.NewEstimator(model)
		e.estimators[model] = est
	}
	return est
}

func (e *Engine) setOwnerState(owner run.Owner, taskID string, phase run.Phase, outcome *run.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.owners[owner]
	if st == nil {
		if len(e.ownerOrder) >= maxTrackedOwners {
			oldest := e.ownerOrder[0]
			e.ownerOrder = e.ownerOrder[1:]
			delete(e.owners, oldest)
		}
		e.ownerOrder = append(e.ownerOrder, owner)
		st = &ownerState{}
		e.owners[owner] = st
	}
	st.taskID = taskID
	st.phase = phase
	if outcome != nil {
		st.outcome = outcome
	}
}

// heartbeatLoop refreshes the process liveness key while a run is active.
func (e *Engine) heartbeatLoop(ctx context.Context) func() {
	if e.mirror == nil {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			if err := e.mirror.Heartbeat(hbCtx, e.epoch); err != nil {
				e.logger.Warn("heartbeat failed", zap.Error(err))
			}
			select {
			case <-ticker.C:
			case <-hbCtx.Done():
				return
			}
		}
	}()
	return cancel
}
