package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlBlock_Defaults(t *testing.T) {
	cb := NewControlBlock("/src/a", Options{Force: true})

	assert.Equal(t, DefaultMaxErrorsBeforeCanceling, cb.MaxErrorsBeforeCanceling())
	assert.Equal(t, "/src/a", cb.RestartPath())
	assert.True(t, cb.Options().Force)
	assert.False(t, cb.IsCancelled())
	assert.False(t, cb.IsPaused())
	assert.True(t, cb.Filter("/anything"))
}

func TestControlBlock_ThresholdLaw(t *testing.T) {
	for _, n := range []int{0, 1, 3, 5} {
		cb := NewControlBlock("", Options{})
		require.NoError(t, cb.SetMaxErrorsBeforeCanceling(n))

		abandonedAt := 0
		for i := 1; i <= 10 && abandonedAt == 0; i++ {
			cb.ReportErrorInTransfer()
			if cb.ShouldTransferBeAbandonedDueToNumberOfErrors() {
				abandonedAt = i
			}
		}
		want := n
		if n == 0 {
			want = 1
		}
		assert.Equal(t, want, abandonedAt, "max errors %d", n)
	}

	cb := NewControlBlock("", Options{})
	require.NoError(t, cb.SetMaxErrorsBeforeCanceling(Unlimited))
	for i := 0; i < 1000; i++ {
		cb.ReportErrorInTransfer()
		require.False(t, cb.ShouldTransferBeAbandonedDueToNumberOfErrors())
	}
}

func TestControlBlock_RejectsBadBudget(t *testing.T) {
	cb := NewControlBlock("", Options{})
	assert.Error(t, cb.SetMaxErrorsBeforeCanceling(-2))
	assert.Equal(t, DefaultMaxErrorsBeforeCanceling, cb.MaxErrorsBeforeCanceling())
}

func TestControlBlock_Filter(t *testing.T) {
	cb := NewControlBlock("", Options{})
	cb.SetFilter(func(path string) bool { return path != "/skip" })

	assert.True(t, cb.Filter("/keep"))
	assert.False(t, cb.Filter("/skip"))
}

func TestControlBlock_ConcurrentCounters(t *testing.T) {
	cb := NewControlBlock("", Options{})
	require.NoError(t, cb.SetMaxErrorsBeforeCanceling(Unlimited))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for j := 0; j < 100; j++ {
				n := cb.ReportErrorInTransfer()
				assert.Greater(t, n, last)
				last = n
				cb.IncrementFilesTransferredSoFar()
				cb.AddBytes(2)
				_ = cb.Snapshot()
			}
		}()
	}
	wg.Wait()

	p := cb.Snapshot()
	assert.Equal(t, 800, p.ErrorCount)
	assert.Equal(t, 800, p.TransferredFiles)
	assert.Equal(t, int64(1600), p.Bytes)
}

func TestControlBlock_WaitWhilePaused(t *testing.T) {
	t.Run("not paused returns at once", func(t *testing.T) {
		cb := NewControlBlock("", Options{})
		assert.NoError(t, cb.WaitWhilePaused(context.Background()))
	})

	t.Run("unpause wakes", func(t *testing.T) {
		cb := NewControlBlock("", Options{})
		cb.SetPaused(true)

		done := make(chan error, 1)
		go func() { done <- cb.WaitWhilePaused(context.Background()) }()

		select {
		case <-done:
			t.Fatal("returned while paused")
		case <-time.After(20 * time.Millisecond):
		}
		cb.SetPaused(false)
		assert.NoError(t, <-done)
	})

	t.Run("cancel wakes", func(t *testing.T) {
		cb := NewControlBlock("", Options{})
		cb.SetPaused(true)

		done := make(chan error, 1)
		go func() { done <- cb.WaitWhilePaused(context.Background()) }()
		cb.SetCancelled(true)
		assert.NoError(t, <-done)
		assert.True(t, cb.IsCancelled())
	})

	t.Run("context ends wait", func(t *testing.T) {
		cb := NewControlBlock("", Options{})
		cb.SetPaused(true)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, cb.WaitWhilePaused(ctx), context.DeadlineExceeded)
	})
}
