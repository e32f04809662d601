package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- backoffBase ---

func TestBackoffBase_DoublesPerAttempt(t *testing.T) {
	base := time.Second
	limit := 30 * time.Second

	assert.Equal(t, 1*time.Second, backoffBase(0, base, limit))
	assert.Equal(t, 2*time.Second, backoffBase(1, base, limit))
	assert.Equal(t, 4*time.Second, backoffBase(2, base, limit))
	assert.Equal(t, 8*time.Second, backoffBase(3, base, limit))
}

func TestBackoffBase_CapsAtLimit(t *testing.T) {
	base := time.Second
	limit := 30 * time.Second

	assert.Equal(t, limit, backoffBase(5, base, limit))
	assert.Equal(t, limit, backoffBase(20, base, limit))
	assert.Equal(t, limit, backoffBase(100, base, limit))
}

func TestBackoffBase_MonotoneUpToCap(t *testing.T) {
	base := 100 * time.Millisecond
	limit := 10 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := backoffBase(attempt, base, limit)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, limit, "attempt %d", attempt)
		prev = d
	}
}

func TestBackoffBase_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffBase(3, 0, 30*time.Second))
}

func TestBackoffDelay_JitterBounded(t *testing.T) {
	base := time.Second
	limit := 30 * time.Second

	for i := 0; i < 100; i++ {
		d := backoffDelay(2, base, limit)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 4*time.Second+maxJitter)
	}
}

// --- retryQueue ---

func TestRetryQueue_UpsertReplaces(t *testing.T) {
	q := newRetryQueue()

	q.upsert(&syncItem{id: "m1", retryCount: 1})
	q.upsert(&syncItem{id: "m1", retryCount: 3})

	require.Equal(t, 1, q.len())
	item, ok := q.get("m1")
	require.True(t, ok)
	assert.Equal(t, 3, item.retryCount)
}

func TestRetryQueue_RemoveAndClear(t *testing.T) {
	q := newRetryQueue()
	q.upsert(&syncItem{id: "a"})
	q.upsert(&syncItem{id: "b"})

	q.remove("a")
	assert.False(t, q.has("a"))
	assert.True(t, q.has("b"))

	q.clear()
	assert.Equal(t, 0, q.len())
}

func TestRetryQueue_EligibleRespectsBackoffWindow(t *testing.T) {
	q := newRetryQueue()
	now := time.Now()
	base := time.Second
	limit := 30 * time.Second

	// First attempt failed 3s ago: window for retryCount=1 is 2s, eligible.
	q.upsert(&syncItem{id: "old", retryCount: 1, lastAttempt: now.Add(-3 * time.Second)})
	// Failed just now: not eligible.
	q.upsert(&syncItem{id: "fresh", retryCount: 1, lastAttempt: now})

	eligible := q.eligible(now, base, limit)
	require.Len(t, eligible, 1)
	assert.Equal(t, "old", eligible[0].id)
}

func TestRetryQueue_EligibleOldestFirst(t *testing.T) {
	q := newRetryQueue()
	now := time.Now()

	q.upsert(&syncItem{id: "second", lastAttempt: now.Add(-1 * time.Minute)})
	q.upsert(&syncItem{id: "first", lastAttempt: now.Add(-2 * time.Minute)})
	q.upsert(&syncItem{id: "third", lastAttempt: now.Add(-30 * time.Second)})

	eligible := q.eligible(now, time.Second, 30*time.Second)
	require.Len(t, eligible, 3)
	assert.Equal(t, "first", eligible[0].id)
	assert.Equal(t, "second", eligible[1].id)
	assert.Equal(t, "third", eligible[2].id)
}

func TestRetryQueue_EligibleTiesBrokenByID(t *testing.T) {
	q := newRetryQueue()
	ts := time.Now().Add(-time.Minute)

	q.upsert(&syncItem{id: "b", lastAttempt: ts})
	q.upsert(&syncItem{id: "a", lastAttempt: ts})

	eligible := q.eligible(time.Now(), time.Second, 30*time.Second)
	require.Len(t, eligible, 2)
	assert.Equal(t, "a", eligible[0].id)
	assert.Equal(t, "b", eligible[1].id)
}

func TestRetryQueue_ZeroValueItemImmediatelyEligible(t *testing.T) {
	q := newRetryQueue()
	q.upsert(&syncItem{id: "new"})

	// retryCount 0 with a zero lastAttempt has no backoff to wait out.
	eligible := q.eligible(time.Now(), time.Second, 30*time.Second)
	assert.Len(t, eligible, 1)
}
