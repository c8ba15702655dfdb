package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(threshold int, cooloff time.Duration) (*Arena, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	arena := NewArena(threshold, cooloff, WithNowFunc(func() time.Time { return now }))
	return arena, &now
}

func TestArena_OpensAtThreshold(t *testing.T) {
	arena, _ := newTestArena(3, 30*time.Second)
	key := "p1|https://u.example.com|sk-k"

	assert.True(t, arena.Allow(key))
	assert.False(t, arena.RecordFailure(key))
	assert.True(t, arena.Allow(key))
	assert.False(t, arena.RecordFailure(key))
	assert.True(t, arena.Allow(key))

	// Third consecutive failure trips the breaker.
	assert.True(t, arena.RecordFailure(key))
	assert.False(t, arena.Allow(key))
	assert.Equal(t, StateOpen, arena.State(key))
}

func TestArena_SuccessResetsFailureCount(t *testing.T) {
	arena, _ := newTestArena(3, 30*time.Second)
	key := "p1|u|k"

	arena.RecordFailure(key)
	arena.RecordFailure(key)
	arena.RecordSuccess(key)

	// The count starts over, so two more failures do not trip it.
	assert.False(t, arena.RecordFailure(key))
	assert.False(t, arena.RecordFailure(key))
	assert.True(t, arena.Allow(key))
	assert.True(t, arena.RecordFailure(key))
}

func TestArena_HalfOpenAfterCooloff(t *testing.T) {
	arena, now := newTestArena(1, 30*time.Second)
	key := "p1|u|k"

	require.True(t, arena.RecordFailure(key))
	assert.False(t, arena.Allow(key))

	// Just before the cool-off boundary the breaker still rejects.
	*now = now.Add(29 * time.Second)
	assert.False(t, arena.Allow(key))

	// At the boundary it lets a trial request through.
	*now = now.Add(time.Second)
	assert.True(t, arena.Allow(key))
	assert.Equal(t, StateHalfOpen, arena.State(key))
}

func TestArena_HalfOpenSuccessCloses(t *testing.T) {
	arena, now := newTestArena(1, 10*time.Second)
	key := "p1|u|k"

	arena.RecordFailure(key)
	*now = now.Add(11 * time.Second)
	require.True(t, arena.Allow(key))

	arena.RecordSuccess(key)
	assert.Equal(t, StateClosed, arena.State(key))
	assert.True(t, arena.Allow(key))
}

func TestArena_HalfOpenFailureReopens(t *testing.T) {
	arena, now := newTestArena(3, 10*time.Second)
	key := "p1|u|k"

	arena.RecordFailure(key)
	arena.RecordFailure(key)
	require.True(t, arena.RecordFailure(key))

	*now = now.Add(11 * time.Second)
	require.True(t, arena.Allow(key))
	require.Equal(t, StateHalfOpen, arena.State(key))

	// One failure in half-open reopens without needing the threshold.
	assert.True(t, arena.RecordFailure(key))
	assert.Equal(t, StateOpen, arena.State(key))
	assert.False(t, arena.Allow(key))
}

func TestArena_KeysAreIndependent(t *testing.T) {
	arena, _ := newTestArena(1, 30*time.Second)

	require.True(t, arena.RecordFailure("p1|u1|k1"))
	assert.False(t, arena.Allow("p1|u1|k1"))
	assert.True(t, arena.Allow("p1|u2|k1"))
	assert.True(t, arena.Allow("p1|u1|k2"))
	assert.True(t, arena.Allow("p2|u1|k1"))
}

func TestArena_Reset(t *testing.T) {
	arena, _ := newTestArena(1, 30*time.Second)

	arena.RecordFailure("a")
	arena.RecordFailure("b")
	require.Equal(t, 2, arena.OpenCount())

	arena.Reset("a")
	assert.True(t, arena.Allow("a"))
	assert.False(t, arena.Allow("b"))

	arena.ResetAll()
	assert.True(t, arena.Allow("b"))
	assert.Equal(t, 0, arena.OpenCount())
}

func TestArena_SnapshotOrdered(t *testing.T) {
	arena, _ := newTestArena(2, 30*time.Second)

	arena.RecordFailure("b|u|k")
	arena.RecordFailure("a|u|k")
	arena.RecordFailure("a|u|k")

	snap := arena.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a|u|k", snap[0].Key)
	assert.Equal(t, "open", snap[0].State)
	assert.Equal(t, 2, snap[0].Failures)
	assert.Equal(t, "b|u|k", snap[1].Key)
	assert.Equal(t, "closed", snap[1].State)
}

func TestArena_DefaultsApplied(t *testing.T) {
	arena := NewArena(0, 0)
	assert.Equal(t, DefaultThreshold, arena.threshold)
	assert.Equal(t, DefaultCooloff, arena.cooloff)
}
