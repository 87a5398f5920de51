package admission

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/quillreader/agentrun/run"
)

func owner(entry int64) run.Owner {
	return run.Owner{Kind: run.TaskTranslate, EntryID: entry, SlotKey: "fr"}
}

func request(token string) run.Request {
	return run.Request{Token: token, TargetLanguage: "fr"}
}

func TestSubmit_FirstRequestStartsNow(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	d := s.Submit(owner(1), request("a"))
	assert.Equal(t, run.DecisionStartNow, d)

	active, ok := s.Active(owner(1))
	require.True(t, ok)
	assert.Equal(t, "a", active.Token)
}

func TestSubmit_DuplicateActiveIsNoOp(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	s.Submit(owner(1), request("a"))
	d := s.Submit(owner(1), request("a"))
	assert.Equal(t, run.DecisionAlreadyActive, d)

	_, waiting := s.Waiting(owner(1))
	assert.False(t, waiting, "duplicate submission must not occupy the waiting slot")
}

func TestSubmit_LatestOnlyReplacement(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	assert.Equal(t, run.DecisionStartNow, s.Submit(owner(1), request("a")))
	assert.Equal(t, run.DecisionQueuedWaiting, s.Submit(owner(1), request("b")))
	assert.Equal(t, run.DecisionQueuedWaiting, s.Submit(owner(1), request("c")))

	// The second request was discarded, not queued behind the third.
	w, ok := s.Waiting(owner(1))
	require.True(t, ok)
	assert.Equal(t, "c", w.Token)

	// The active run is untouched.
	a, ok := s.Active(owner(1))
	require.True(t, ok)
	assert.Equal(t, "a", a.Token)
}

func TestSubmit_AlreadyWaiting(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	s.Submit(owner(1), request("a"))
	s.Submit(owner(1), request("b"))
	assert.Equal(t, run.DecisionAlreadyWaiting, s.Submit(owner(1), request("b")))
}

func TestSubmit_NoReplacementWhenPolicyDisabled(t *testing.T) {
	s := NewStore(Policy{ReplaceWaiting: false}, nil)

	s.Submit(owner(1), request("a"))
	s.Submit(owner(1), request("b"))
	assert.Equal(t, run.DecisionAlreadyWaiting, s.Submit(owner(1), request("c")))

	w, ok := s.Waiting(owner(1))
	require.True(t, ok)
	assert.Equal(t, "b", w.Token)
}

func TestRelease_KeepsWaitingForPromotion(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	s.Submit(owner(1), request("a"))
	s.Submit(owner(1), request("b"))
	s.Release(owner(1))

	_, active := s.Active(owner(1))
	assert.False(t, active)

	req, ok := s.Promote(owner(1))
	require.True(t, ok)
	assert.Equal(t, "b", req.Token)

	// Promotion occupies the active slot again.
	a, ok := s.Active(owner(1))
	require.True(t, ok)
	assert.Equal(t, "b", a.Token)
	_, waiting := s.Waiting(owner(1))
	assert.False(t, waiting)
}

func TestPromote_RefusesWhileActive(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	s.Submit(owner(1), request("a"))
	s.Submit(owner(1), request("b"))

	_, ok := s.Promote(owner(1))
	assert.False(t, ok, "promote must not evict an active run")
}

func TestClearWaiting_NeverTouchesActive(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	s.Submit(owner(1), request("a"))
	s.Submit(owner(1), request("b"))
	s.ClearWaiting(owner(1))

	_, waiting := s.Waiting(owner(1))
	assert.False(t, waiting)
	a, ok := s.Active(owner(1))
	require.True(t, ok)
	assert.Equal(t, "a", a.Token)
}

func TestSlotDestroyedWhenEmpty(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	s.Submit(owner(1), request("a"))
	s.Release(owner(1))
	assert.Empty(t, s.Owners())
}

func TestSubmit_ConcurrentSameOwnerSingleStart(t *testing.T) {
	s := NewStore(DefaultPolicy(), nil)

	const n = 32
	decisions := make([]run.Decision, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i] = s.Submit(owner(7), request(fmt.Sprintf("tok-%d", i)))
		}(i)
	}
	wg.Wait()

	starts := 0
	for _, d := range decisions {
		if d == run.DecisionStartNow {
			starts++
		}
	}
	assert.Equal(t, 1, starts, "exactly one submission may win the active slot")
}

// TestProperty_SlotInvariant drives random submit/release/clear-waiting
// sequences against a model and checks that every owner holds at most one
// active and at most one waiting request, with latest-only replacement.
func TestProperty_SlotInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore(DefaultPolicy(), nil)

		type model struct {
			active  string
			waiting string
		}
		owners := []run.Owner{owner(1), owner(2), owner(3)}
		m := make(map[run.Owner]*model)
		for _, o := range owners {
			m[o] = &model{}
		}

		t.Repeat(map[string]func(*rapid.T){
			"submit": func(t *rapid.T) {
				o := owners[rapid.IntRange(0, len(owners)-1).Draw(t, "owner")]
				token := fmt.Sprintf("tok-%d", rapid.IntRange(0, 5).Draw(t, "token"))
				d := s.Submit(o, request(token))

				mo := m[o]
				switch {
				case mo.active == "":
					assert.Equal(t, run.DecisionStartNow, d)
					mo.active = token
				case mo.active == token:
					assert.Equal(t, run.DecisionAlreadyActive, d)
				case mo.waiting == token:
					assert.Equal(t, run.DecisionAlreadyWaiting, d)
				default:
					assert.Equal(t, run.DecisionQueuedWaiting, d)
					mo.waiting = token
				}
			},
			"release": func(t *rapid.T) {
				o := owners[rapid.IntRange(0, len(owners)-1).Draw(t, "owner")]
				s.Release(o)
				m[o].active = ""
			},
			"promote": func(t *rapid.T) {
				o := owners[rapid.IntRange(0, len(owners)-1).Draw(t, "owner")]
				req, ok := s.Promote(o)
				mo := m[o]
				if mo.active == "" && mo.waiting != "" {
					assert.True(t, ok)
					assert.Equal(t, mo.waiting, req.Token)
					mo.active, mo.waiting = mo.waiting, ""
				} else {
					assert.False(t, ok)
				}
			},
			"clearWaiting": func(t *rapid.T) {
				o := owners[rapid.IntRange(0, len(owners)-1).Draw(t, "owner")]
				s.ClearWaiting(o)
				m[o].waiting = ""
			},
			"": func(t *rapid.T) {
				// Invariant check between operations.
				for _, o := range owners {
					mo := m[o]
					a, aok := s.Active(o)
					w, wok := s.Waiting(o)
					assert.Equal(t, mo.active != "", aok)
					assert.Equal(t, mo.waiting != "", wok)
					if aok {
						assert.Equal(t, mo.active, a.Token)
					}
					if wok {
						assert.Equal(t, mo.waiting, w.Token)
					}
				}
			},
		})
	})
}
