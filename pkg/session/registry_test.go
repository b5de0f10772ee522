package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	enginerr "github.com/lucid-vigil/decoygate/pkg/errors"
	"github.com/lucid-vigil/decoygate/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry(10, zerolog.Nop())
	s := New("s1", "203.0.113.5:40112", 40112, 8443)

	require.NoError(t, reg.Register(s))
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, s, got)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegisterRejectsAtCapacity(t *testing.T) {
	reg := NewRegistry(2, zerolog.Nop())
	require.NoError(t, reg.Register(New("s1", "a:1", 1, 2)))
	require.NoError(t, reg.Register(New("s2", "b:1", 1, 2)))

	err := reg.Register(New("s3", "c:1", 1, 2))
	assert.ErrorIs(t, err, enginerr.ErrRegistryFull)
	assert.Equal(t, 2, reg.Len())

	// Evicting one makes room again.
	reg.Remove("s1")
	assert.NoError(t, reg.Register(New("s3", "c:1", 1, 2)))
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	reg := NewRegistry(10, zerolog.Nop())
	require.NoError(t, reg.Register(New("s1", "a:1", 1, 2)))
	assert.Error(t, reg.Register(New("s1", "a:1", 1, 2)))
}

func TestLifecycleTransitions(t *testing.T) {
	s := New("s1", "a:1", 1, 2)
	assert.Equal(t, StateCreated, s.State())

	assert.True(t, s.BeginClassification())
	assert.Equal(t, StateClassifying, s.State())

	pstate := policy.StateFromScore(0.9, false)
	assert.True(t, s.CompleteClassification(0.9, pstate, policy.DeepEngagement, RouteHoneypot))
	assert.Equal(t, StateRouted, s.State())

	score, gotState, action, route, ok := s.Decision()
	require.True(t, ok)
	assert.Equal(t, 0.9, score)
	assert.Equal(t, pstate, gotState)
	assert.Equal(t, policy.DeepEngagement, action)
	assert.Equal(t, RouteHoneypot, route)

	prior, closed := s.Close()
	assert.True(t, closed)
	assert.Equal(t, StateRouted, prior)
	assert.Equal(t, StateClosed, s.State())

	s.SetOutcome(policy.OutcomeEngaged)
	assert.Equal(t, policy.OutcomeEngaged, s.Outcome())
}

func TestAtMostOnceClassification(t *testing.T) {
	s := New("s1", "a:1", 1, 2)

	const triggers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.BeginClassification() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one trigger may win")
	assert.Equal(t, StateClassifying, s.State())
}

func TestCloseDuringClassificationSkipsRouting(t *testing.T) {
	s := New("s1", "a:1", 1, 2)
	require.True(t, s.BeginClassification())

	// Connection torn down while classification is in flight.
	prior, closed := s.Close()
	assert.True(t, closed)
	assert.Equal(t, StateClassifying, prior)
	s.SetOutcome(policy.OutcomeAborted)

	// The in-flight classification completes but the transition fails,
	// so the caller skips routing.
	assert.False(t, s.CompleteClassification(0.5, policy.State{}, policy.Block, RouteHoneypot))
	assert.Equal(t, StateClosed, s.State())

	_, _, _, _, ok := s.Decision()
	assert.False(t, ok)
}

func TestDoubleCloseIsNoOp(t *testing.T) {
	s := New("s1", "a:1", 1, 2)
	_, closed := s.Close()
	assert.True(t, closed)
	s.SetOutcome(policy.OutcomeBenign)

	_, closed = s.Close()
	assert.False(t, closed)
	s.SetOutcome(policy.OutcomeBlocked)
	assert.Equal(t, policy.OutcomeBenign, s.Outcome(), "first outcome wins")
}

func TestConcurrentRegistryAccess(t *testing.T) {
	reg := NewRegistry(1000, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			s := New(id, "a:1", 1, 2)
			if err := reg.Register(s); err != nil {
				return
			}
			s.BeginClassification()
			reg.Remove(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
}

func TestForEachSnapshot(t *testing.T) {
	reg := NewRegistry(10, zerolog.Nop())
	require.NoError(t, reg.Register(New("s1", "a:1", 1, 2)))
	require.NoError(t, reg.Register(New("s2", "b:1", 1, 2)))

	seen := map[string]bool{}
	reg.ForEach(func(s *Session) {
		seen[s.ID] = true
		// Mutating the registry from inside fn must not deadlock.
		reg.Remove(s.ID)
	})

	assert.Len(t, seen, 2)
	assert.Equal(t, 0, reg.Len())
}
