package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quillreader/agentrun/provider"
	"github.com/quillreader/agentrun/route"
	"github.com/quillreader/agentrun/run"
	"github.com/quillreader/agentrun/store"
)

// driver holds the per-run state threaded through one execution attempt. It
// owns the event channel and the phase cursor; everything durable lives in
// the store.
type driver struct {
	e     *Engine
	req   run.Request
	owner run.Owner
	runID string

	events chan run.Event
	// phase is the lifecycle cursor; guarded by phaseMu because segment
	// workers fire markGenerating and emit concurrently.
	phaseMu sync.Mutex
	phase   run.Phase
	// eager is true when the run record was created up front as running
	// (checkpointed translation); the recorder then finalizes in place
	// instead of inserting a terminal record.
	eager   bool
	started time.Time
	span    trace.Span

	genOnce  sync.Once
	finished bool

	// providerID/modelID identify the last attempted candidate so the
	// terminal record carries the provider and model that actually served
	// (or last failed) the run. The eager translate path persists them at
	// creation; the summarize path fills them here per attempt.
	providerID string
	modelID    string
}

func (e *Engine) newDriver(req run.Request, runID string, eager bool, started time.Time) *driver {
	return &driver{
		e:       e,
		req:     req,
		owner:   req.Owner,
		runID:   runID,
		events:  make(chan run.Event, 256),
		phase:   run.PhaseIdle,
		eager:   eager,
		started: started,
	}
}

// transition moves the phase cursor, validating against the state machine.
// An invalid transition is a programming error: it is logged and ignored so
// a release build degrades to a no-op instead of corrupting the lifecycle.
func (d *driver) transition(to run.Phase) bool {
	d.phaseMu.Lock()
	defer d.phaseMu.Unlock()
	if !run.CanTransition(d.phase, to) {
		d.e.logger.Error("invalid phase transition",
			zap.String("run_id", d.runID),
			zap.String("from", string(d.phase)),
			zap.String("to", string(to)),
		)
		return false
	}
	d.phase = to
	return true
}

func (d *driver) currentPhase() run.Phase {
	d.phaseMu.Lock()
	defer d.phaseMu.Unlock()
	return d.phase
}

// markGenerating fires the requesting→generating transition exactly once, on
// the first provider response.
func (d *driver) markGenerating() {
	d.genOnce.Do(func() {
		d.transition(run.PhaseGenerating)
	})
}

func (d *driver) emit(ev run.Event) {
	ev.Owner = d.owner
	ev.TaskID = d.runID
	if ev.Phase == "" {
		ev.Phase = d.currentPhase()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.e.traces.add(d.runID, ev)
	d.e.setOwnerState(d.owner, d.runID, ev.Phase, ev.Outcome)
	d.events <- ev
}

// begin runs the common idle→waiting→requesting prologue and announces the
// run on the event stream.
func (d *driver) begin(name string) {
	ctx := context.Background()
	_, d.span = d.e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("run.id", d.runID),
		attribute.String("task.type", string(d.owner.Kind)),
		attribute.Int64("entry.id", d.owner.EntryID),
	))
	d.transition(run.PhaseWaiting)
	d.transition(run.PhaseRequesting)
	d.emit(run.Event{Type: run.EventStarted})
}

// finish is the single exit point of a run. It persists the terminal record,
// links usage telemetry, emits the terminal event, releases the admission
// slot, and closes the event stream. Safe to call exactly once per driver.
func (d *driver) finish(ctx context.Context, status run.Status, reason run.FailureReason, message string, failedIDs []string) {
	if d.finished {
		d.e.logger.Error("finish called twice", zap.String("run_id", d.runID))
		return
	}
	d.finished = true

	if phase := d.currentPhase(); run.CanTransition(phase, run.PhasePersisting) && !run.IsTerminal(phase) {
		d.transition(run.PhasePersisting)
		d.emit(run.Event{Type: run.EventPersisting})
	}

	sort.Strings(failedIDs)
	outcome := d.e.recordTerminal(ctx, d, store.TerminalUpdate{
		Status:        status,
		FailureReason: reason,
		Message:       message,
	}, failedIDs)

	if phase, ok := terminalPhase(status); ok {
		d.transition(phase)
	}
	d.emit(run.Event{Type: run.EventTerminal, Outcome: &outcome})

	if d.span != nil {
		if status == run.StatusSucceeded {
			d.span.SetStatus(codes.Ok, "")
		} else {
			d.span.SetStatus(codes.Error, string(reason))
		}
		d.span.SetAttributes(attribute.String("run.status", string(status)))
		d.span.End()
	}

	d.e.admission.Release(d.owner)
	close(d.events)
}

func terminalPhase(status run.Status) (run.Phase, bool) {
	switch status {
	case run.StatusSucceeded:
		return run.PhaseCompleted, true
	case run.StatusFailed:
		return run.PhaseFailed, true
	case run.StatusCancelled:
		return run.PhaseCancelled, true
	case run.StatusTimedOut:
		return run.PhaseTimedOut, true
	}
	return "", false
}

// failureStatus maps a classified reason to the persisted terminal status.
// Only timeouts and cancellations get their own status; everything else is a
// plain failure carrying the reason.
func failureStatus(reason run.FailureReason) run.Status {
	switch reason {
	case run.ReasonTimedOut:
		return run.StatusTimedOut
	case run.ReasonCancelled:
		return run.StatusCancelled
	}
	return run.StatusFailed
}

// runError resolves the error a failed provider call should be classified
// from, preferring the context's cancellation cause (which carries the
// timeout budget) over the raw error.
func runError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

// Summarize starts a summarization run for an admitted request and returns
// its event stream. The whole document body is generated in one streaming
// call; tokens are surfaced as events and the caller assembles the summary.
// Route resolution failures abort before any run record exists; the owner's
// slot is released and the error is returned directly.
func (e *Engine) Summarize(ctx context.Context, req run.Request, body string) (<-chan run.Event, error) {
	candidates, err := e.resolver.ResolveCandidates(ctx, req.Owner.Kind, req.PrimaryModelID, req.FallbackModelID)
	if err != nil {
		e.admission.Release(req.Owner)
		return nil, err
	}

	d := e.newDriver(req, uuid.NewString(), false, time.Now())
	go d.summarize(ctx, candidates, body)
	return d.events, nil
}

func (d *driver) summarize(ctx context.Context, candidates []route.Candidate, body string) {
	d.begin("run.summarize")

	var lastErr error
	for i, cand := range candidates {
		if ctx.Err() != nil {
			lastErr = runError(ctx, ctx.Err())
			break
		}
		if i > 0 {
			d.emit(run.Event{
				Type: run.EventNotice,
				Text: fmt.Sprintf("retrying with fallback model %s", cand.Model.Name),
			})
		}
		d.providerID, d.modelID = cand.Provider.ID, cand.Model.ID
		err := d.streamOne(ctx, cand, body)
		if err == nil {
			d.finish(ctx, run.StatusSucceeded, "", "", nil)
			return
		}
		lastErr = err
		if run.Classify(err, d.owner.Kind) == run.ReasonCancelled {
			break
		}
		d.e.logger.Warn("summarization attempt failed",
			zap.String("run_id", d.runID),
			zap.String("model", cand.Model.Name),
			zap.Error(err),
		)
	}

	reason := run.Classify(lastErr, d.owner.Kind)
	d.finish(ctx, failureStatus(reason), reason, errMessage(lastErr), nil)
}

// streamOne runs a single streaming generation against one candidate,
// emitting token events and recording a usage event either way.
func (d *driver) streamOne(ctx context.Context, cand route.Candidate, body string) error {
	client := d.e.clients(cand)
	preq := &provider.Request{
		Model:       cand.Model.Name,
		Prompt:      body,
		Temperature: cand.Model.Temperature,
		TopP:        cand.Model.TopP,
		MaxTokens:   cand.Model.MaxTokens,
	}

	start := time.Now()
	ch, err := client.Stream(ctx, preq)
	if err != nil {
		err = runError(ctx, err)
		d.recordUsage(ctx, cand, start, nil, body, "", "failed")
		return err
	}

	var text strings.Builder
	var usage *provider.Usage
	for chunk := range ch {
		if chunk.Err != nil {
			d.recordUsage(ctx, cand, start, nil, body, text.String(), "failed")
			return chunk.Err
		}
		if chunk.Delta != "" {
			d.markGenerating()
			text.WriteString(chunk.Delta)
			d.emit(run.Event{Type: run.EventToken, Text: chunk.Delta})
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Done {
			break
		}
	}

	d.recordUsage(ctx, cand, start, usage, body, text.String(), "succeeded")
	return nil
}

// recordUsage writes an unlinked usage event for one provider request, taking
// provider-reported counts when present and a tiktoken estimate otherwise.
func (d *driver) recordUsage(ctx context.Context, cand route.Candidate, start time.Time, usage *provider.Usage, prompt, completion, requestStatus string) {
	var u provider.Usage
	if usage != nil && usage.TotalTokens > 0 {
		u = *usage
	} else {
		u = d.e.estimator(cand.Model.Name).EstimateUsage(prompt, completion)
	}

	ev := &store.UsageEvent{
		ID:                uuid.NewString(),
		EntryID:           d.owner.EntryID,
		TaskType:          string(d.owner.Kind),
		ProviderProfileID: cand.Provider.ID,
		ModelProfileID:    cand.Model.ID,
		PromptTokens:      u.PromptTokens,
		CompletionTokens:  u.CompletionTokens,
		TotalTokens:       u.TotalTokens,
		Estimated:         u.Estimated,
		RequestStatus:     requestStatus,
		StartedAt:         start,
		FinishedAt:        time.Now(),
	}
	// Usage is telemetry: a write failure is logged, never fails the run.
	if err := d.e.store.RecordUsage(context.WithoutCancel(ctx), ev); err != nil {
		d.e.logger.Warn("usage event write failed", zap.String("run_id", d.runID), zap.Error(err))
	}
	d.e.metrics.TokensUsed(cand.Provider.Name, u.PromptTokens, u.CompletionTokens)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
