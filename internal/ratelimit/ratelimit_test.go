package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/xerrors"
)

func TestSlidingWindowRejectsFourth(t *testing.T) {
	l := New(Config{MaxRequests: 3, Window: 100 * time.Millisecond, Algorithm: Sliding})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check("c1", 1))
	}

	err := l.Check("c1", 1)
	require.Error(t, err)

	var xe *xerrors.Error
	require.True(t, errors.As(err, &xe))
	require.Equal(t, xerrors.CodeRateLimited, xe.Code)
	require.NotNil(t, xe.RetryAfter)
	// floor of 1s even for a 100ms window
	require.GreaterOrEqual(t, *xe.RetryAfter, time.Second)

	time.Sleep(110 * time.Millisecond)
	require.NoError(t, l.Check("c1", 1))
}

func TestSlidingWindowInvariant(t *testing.T) {
	l := New(Config{MaxRequests: 5, Window: 50 * time.Millisecond, Algorithm: Sliding})

	admitted := 0
	for i := 0; i < 20; i++ {
		if l.Check("k", 1) == nil {
			admitted++
		}
	}
	require.LessOrEqual(t, admitted, 5)
}

func TestFixedWindowResets(t *testing.T) {
	l := New(Config{MaxRequests: 2, Window: 40 * time.Millisecond, Algorithm: Fixed})

	require.NoError(t, l.Check("k", 1))
	require.NoError(t, l.Check("k", 1))
	require.Error(t, l.Check("k", 1))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Check("k", 1))
}

func TestKeysAreIsolated(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Minute, Algorithm: Sliding})

	require.NoError(t, l.Check("a", 1))
	require.Error(t, l.Check("a", 1))
	require.NoError(t, l.Check("b", 1))
}

func TestBatchCount(t *testing.T) {
	l := New(Config{MaxRequests: 10, Window: time.Minute, Algorithm: Sliding})

	require.NoError(t, l.Check("k", 7))
	require.Error(t, l.Check("k", 4))
	require.NoError(t, l.Check("k", 3))
}

func TestStatus(t *testing.T) {
	l := New(Config{MaxRequests: 5, Window: time.Minute, Algorithm: Sliding})

	require.NoError(t, l.Check("k", 2))

	st := l.Status("k")
	require.Equal(t, 2, st.CurrentRequests)
	require.Equal(t, 3, st.Remaining)
	require.True(t, st.ResetTime.After(time.Now()))

	st = l.Status("unseen")
	require.Equal(t, 0, st.CurrentRequests)
	require.Equal(t, 5, st.Remaining)
}

func TestSweepRemovesIdleKeys(t *testing.T) {
	l := New(Config{MaxRequests: 5, Window: 10 * time.Millisecond, Algorithm: Sliding})

	require.NoError(t, l.Check("k", 1))
	time.Sleep(20 * time.Millisecond)

	removed := l.Sweep(0)
	require.Equal(t, 1, removed)
}

func TestDispatcherUnknownOperationUnlimited(t *testing.T) {
	d := NewDispatcher()
	d.Register("jobs.submit", New(Config{MaxRequests: 1, Window: time.Minute}))

	require.NoError(t, d.Check("jobs.submit", "k", 1))
	require.Error(t, d.Check("jobs.submit", "k", 1))

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Check("tasks.list", "k", 1))
	}

	_, ok := d.Status("tasks.list", "k")
	require.False(t, ok)
	st, ok := d.Status("jobs.submit", "k")
	require.True(t, ok)
	require.Equal(t, 1, st.CurrentRequests)
}
