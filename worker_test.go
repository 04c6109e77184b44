package sentry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundWorkerOverflow(t *testing.T) {
	const capacity = 5

	w := NewBackgroundWorker(2, capacity, nil)
	release := make(chan struct{})
	var ran atomic.Int32

	accepted, overflow := 0, 0
	for i := 0; i < capacity+1; i++ {
		if w.Perform(func() {
			<-release
			ran.Add(1)
		}) {
			accepted++
		} else {
			overflow++
		}
	}

	assert.Equal(t, capacity, accepted)
	assert.Equal(t, 1, overflow)
	assert.Equal(t, capacity, w.Len())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, w.Flush(ctx))
	assert.Equal(t, int32(capacity), ran.Load())
	assert.Equal(t, 0, w.Len())

	assert.True(t, w.Perform(func() {}), "capacity is released once tasks finish")
	require.NoError(t, w.Shutdown(ctx, true))
}

func TestBackgroundWorkerPanicIsolation(t *testing.T) {
	w := NewBackgroundWorker(1, 10, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	require.True(t, w.Perform(func() { panic("boom") }))
	require.True(t, w.Perform(func() { wg.Done() }))
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx, true))
}

func TestBackgroundWorkerInline(t *testing.T) {
	w := NewBackgroundWorker(0, 10, nil)
	assert.True(t, w.IsInline())

	ran := false
	assert.True(t, w.Perform(func() { ran = true }))
	assert.True(t, ran, "inline tasks run before Perform returns")

	assert.True(t, w.Perform(func() { panic("boom") }))

	require.NoError(t, w.Shutdown(context.Background(), true))
	assert.False(t, w.Perform(func() {}))
}

func TestBackgroundWorkerShutdown(t *testing.T) {
	t.Run("drain", func(t *testing.T) {
		w := NewBackgroundWorker(1, 10, nil)
		var ran atomic.Int32
		for i := 0; i < 5; i++ {
			require.True(t, w.Perform(func() { ran.Add(1) }))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, w.Shutdown(ctx, true))
		assert.Equal(t, int32(5), ran.Load())
		assert.False(t, w.Perform(func() {}))
	})

	t.Run("discard", func(t *testing.T) {
		w := NewBackgroundWorker(1, 10, nil)
		started := make(chan struct{})
		release := make(chan struct{})
		var ran atomic.Int32

		require.True(t, w.Perform(func() {
			close(started)
			<-release
		}))
		<-started
		for i := 0; i < 3; i++ {
			require.True(t, w.Perform(func() { ran.Add(1) }))
		}

		go func() {
			time.Sleep(20 * time.Millisecond)
			close(release)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, w.Shutdown(ctx, false))
		assert.Equal(t, int32(0), ran.Load())
		assert.Equal(t, 0, w.Len())
	})

	t.Run("timeout", func(t *testing.T) {
		w := NewBackgroundWorker(1, 10, nil)
		release := make(chan struct{})
		defer close(release)
		require.True(t, w.Perform(func() { <-release }))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.Error(t, w.Shutdown(ctx, true))
	})
}
