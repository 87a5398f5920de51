// Package admission implements the per-owner run admission and queue store.
//
// Each owner holds at most one active run and at most one waiting request.
// The store only tracks occupancy: it never starts, cancels, or promotes a
// run by itself; callers decide when a waiting request actually runs.
package admission

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quillreader/agentrun/run"
)

// Policy configures admission behavior. The engine's product defaults are
// latest-only waiting replacement and never auto-cancelling an active run,
// but both are parameters rather than constants.
type Policy struct {
	// ReplaceWaiting replaces a previously waiting request when a newer
	// distinct request arrives for an occupied owner. When false, the newer
	// request is rejected with DecisionAlreadyWaiting while the waiting slot
	// is occupied.
	ReplaceWaiting bool `yaml:"replace_waiting" json:"replace_waiting"`

	// AutoCancelActive lets a new submission evict the active run. The
	// product policy keeps this off: an in-flight run is released only by
	// explicit cancellation.
	AutoCancelActive bool `yaml:"auto_cancel_active" json:"auto_cancel_active"`
}

// DefaultPolicy returns the product defaults.
func DefaultPolicy() Policy {
	return Policy{ReplaceWaiting: true, AutoCancelActive: false}
}

type slot struct {
	active  *run.Request
	waiting *run.Request
}

func (s *slot) empty() bool {
	return s.active == nil && s.waiting == nil
}

// Store maps owners to admission slots. All slot mutation is serialized by a
// single mutex so concurrent submissions for the same owner observe a
// consistent decision.
type Store struct {
	mu     sync.Mutex
	slots  map[run.Owner]*slot
	policy Policy
	logger *zap.Logger
}

// NewStore creates an admission store with the given policy.
func NewStore(policy Policy, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		slots:  make(map[run.Owner]*slot),
		policy: policy,
		logger: logger.With(zap.String("component", "admission")),
	}
}

// Submit decides what happens to a run request for an owner. The returned
// decision is one of start_now, queued_waiting, already_waiting, or
// already_active.
func (s *Store) Submit(owner run.Owner, req run.Request) run.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[owner]
	if sl == nil {
		sl = &slot{}
		s.slots[owner] = sl
	}

	if sl.active == nil {
		r := req
		sl.active = &r
		s.logger.Debug("request admitted",
			zap.String("owner", owner.String()),
			zap.String("token", req.Token),
		)
		return run.DecisionStartNow
	}

	if sl.active.Token == req.Token {
		return run.DecisionAlreadyActive
	}

	if s.policy.AutoCancelActive {
		// Evicting the active run is the caller's job; the store only swaps
		// occupancy. Off under the default policy.
		r := req
		sl.active = &r
		sl.waiting = nil
		return run.DecisionStartNow
	}

	if sl.waiting != nil && sl.waiting.Token == req.Token {
		return run.DecisionAlreadyWaiting
	}

	if sl.waiting != nil && !s.policy.ReplaceWaiting {
		return run.DecisionAlreadyWaiting
	}

	r := req
	if sl.waiting != nil {
		s.logger.Debug("waiting request replaced",
			zap.String("owner", owner.String()),
			zap.String("dropped", sl.waiting.Token),
			zap.String("token", req.Token),
		)
	}
	sl.waiting = &r
	return run.DecisionQueuedWaiting
}

// Release clears the owner's active slot. The waiting request, if any, stays
// parked until the caller promotes it.
func (s *Store) Release(owner run.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[owner]
	if sl == nil {
		return
	}
	sl.active = nil
	if sl.empty() {
		delete(s.slots, owner)
	}
}

// Promote pops the waiting request and makes it the active run. Returns
// false when no request is waiting or the active slot is still occupied.
func (s *Store) Promote(owner run.Owner) (run.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[owner]
	if sl == nil || sl.waiting == nil || sl.active != nil {
		return run.Request{}, false
	}
	req := *sl.waiting
	sl.active = sl.waiting
	sl.waiting = nil
	return req, true
}

// ClearWaiting drops only the waiting slot, never the active one. Used when
// the consuming context changes, e.g. the user navigates away from the entry.
func (s *Store) ClearWaiting(owner run.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[owner]
	if sl == nil {
		return
	}
	sl.waiting = nil
	if sl.empty() {
		delete(s.slots, owner)
	}
}

// Active returns the request occupying the owner's active slot.
func (s *Store) Active(owner run.Owner) (run.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[owner]
	if sl == nil || sl.active == nil {
		return run.Request{}, false
	}
	return *sl.active, true
}

// Waiting returns the request parked in the owner's waiting slot.
func (s *Store) Waiting(owner run.Owner) (run.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[owner]
	if sl == nil || sl.waiting == nil {
		return run.Request{}, false
	}
	return *sl.waiting, true
}

// Owners returns every owner with a non-empty slot.
func (s *Store) Owners() []run.Owner {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners := make([]run.Owner, 0, len(s.slots))
	for o := range s.slots {
		owners = append(owners, o)
	}
	return owners
}
