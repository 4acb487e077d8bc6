package ops

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RegisterLifecycle(t *testing.T) {
	tr := NewTracker(time.Minute, time.Minute)
	defer tr.Close()

	reg, cached, err := tr.Register("op-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, RegisterNew, reg)
	assert.Nil(t, cached)

	// duplicate while pending
	reg, _, err = tr.Register("op-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, RegisterPending, reg)

	require.NoError(t, tr.Complete("op-1", "terminal-envelope"))

	// duplicate after completion replays the cached result
	reg, cached, err = tr.Register("op-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, RegisterReplay, reg)
	assert.Equal(t, "terminal-envelope", cached)
}

func TestTracker_EmptyOpID(t *testing.T) {
	tr := NewTracker(time.Minute, time.Minute)
	defer tr.Close()

	_, _, err := tr.Register("", "sess-1")
	assert.ErrorIs(t, err, ErrEmptyOpID)
}

func TestTracker_FailCachesResult(t *testing.T) {
	tr := NewTracker(time.Minute, time.Minute)
	defer tr.Close()

	_, _, err := tr.Register("op-1", "sess-1")
	require.NoError(t, err)
	require.NoError(t, tr.Fail("op-1", "err-envelope"))

	rec, ok := tr.Lookup("op-1")
	require.True(t, ok)
	assert.Equal(t, StatusErrored, rec.Status)
	assert.Equal(t, "err-envelope", rec.Result)

	// terminal operations cannot be finished twice
	assert.ErrorIs(t, tr.Complete("op-1", "x"), ErrNotPending)
}

func TestTracker_UnknownOp(t *testing.T) {
	tr := NewTracker(time.Minute, time.Minute)
	defer tr.Close()
	assert.ErrorIs(t, tr.Complete("nope", nil), ErrUnknownOp)
}

func TestTracker_PendingTimeout(t *testing.T) {
	tr := NewTracker(time.Minute, 20*time.Millisecond)
	defer tr.Close()

	var mu sync.Mutex
	var timedOut []string
	tr.SetTimeoutHandler(func(opID, sessionID string) {
		mu.Lock()
		defer mu.Unlock()
		timedOut = append(timedOut, opID+"/"+sessionID)
	})

	_, _, err := tr.Register("op-slow", "sess-9")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(timedOut) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"op-slow/sess-9"}, timedOut)
	mu.Unlock()

	// record is discarded so a retry executes fresh
	reg, _, err := tr.Register("op-slow", "sess-9")
	require.NoError(t, err)
	assert.Equal(t, RegisterNew, reg)
}

func TestTracker_TTLEviction(t *testing.T) {
	tr := NewTracker(20*time.Millisecond, time.Minute)
	defer tr.Close()

	_, _, err := tr.Register("op-1", "s")
	require.NoError(t, err)
	require.NoError(t, tr.Complete("op-1", "env"))

	assert.Eventually(t, func() bool {
		return tr.Len() == 0
	}, time.Second, 10*time.Millisecond, "terminal records are evicted after the TTL")
}
