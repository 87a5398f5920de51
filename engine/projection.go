package engine

import (
	"fmt"
	"sync"

	"github.com/quillreader/agentrun/run"
)

// Projection is a point-in-time view of an owner's slot for UI consumption.
// It is derived from admission state and the most recent driver events, never
// from event arrival order.
type Projection struct {
	Owner       run.Owner    `json:"owner"`
	Active      *run.Request `json:"active,omitempty"`
	Waiting     *run.Request `json:"waiting,omitempty"`
	TaskID      string       `json:"task_id,omitempty"`
	Phase       run.Phase    `json:"phase,omitempty"`
	LastOutcome *run.Outcome `json:"last_outcome,omitempty"`
}

// StatusProjection reports the owner's current admission occupancy, run
// phase, and last terminal outcome.
func (e *Engine) StatusProjection(owner run.Owner) Projection {
	p := Projection{Owner: owner}
	if req, ok := e.admission.Active(owner); ok {
		p.Active = &req
	}
	if req, ok := e.admission.Waiting(owner); ok {
		p.Waiting = &req
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.owners[owner]; st != nil {
		p.TaskID = st.taskID
		p.Phase = st.phase
		p.LastOutcome = st.outcome
	}
	return p
}

// RecentEventTraceLines returns up to limit formatted trace lines for a task,
// newest last. Diagnostic only; lines rotate out once the per-task ring is
// full.
func (e *Engine) RecentEventTraceLines(taskID string, limit int) []string {
	return e.traces.recent(taskID, limit)
}

// maxTracedTasks bounds how many task rings are retained at once.
const maxTracedTasks = 64

// traceRing keeps a bounded ring of formatted event lines per task id.
type traceRing struct {
	mu    sync.Mutex
	depth int
	rings map[string][]string
	order []string
}

func newTraceRing(depth int) *traceRing {
	if depth <= 0 {
		depth = 128
	}
	return &traceRing{
		depth: depth,
		rings: make(map[string][]string),
	}
}

func (r *traceRing) add(taskID string, ev run.Event) {
	line := formatTraceLine(ev)

	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.rings[taskID]
	if !ok {
		if len(r.order) >= maxTracedTasks {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.rings, oldest)
		}
		r.order = append(r.order, taskID)
	}
	ring = append(ring, line)
	if len(ring) > r.depth {
		ring = ring[len(ring)-r.depth:]
	}
	r.rings[taskID] = ring
}

func (r *traceRing) recent(taskID string, limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring := r.rings[taskID]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]string, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

func formatTraceLine(ev run.Event) string {
	ts := ev.At.Format("15:04:05.000")
	switch ev.Type {
	case run.EventToken:
		return fmt.Sprintf("%s token phase=%s len=%d", ts, ev.Phase, len(ev.Text))
	case run.EventSegmentCompleted:
		return fmt.Sprintf("%s segment_completed phase=%s segment=%s", ts, ev.Phase, ev.SegmentID)
	case run.EventTerminal:
		if ev.Outcome != nil {
			return fmt.Sprintf("%s terminal phase=%s status=%s reason=%s", ts, ev.Phase, ev.Outcome.Status, ev.Outcome.Reason)
		}
		return fmt.Sprintf("%s terminal phase=%s", ts, ev.Phase)
	case run.EventNotice:
		return fmt.Sprintf("%s notice phase=%s %s", ts, ev.Phase, ev.Text)
	default:
		return fmt.Sprintf("%s %s phase=%s", ts, ev.Type, ev.Phase)
	}
}
