package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoroutinePool_SubmitWait(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 4})
	defer p.Close()

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
	assert.Equal(t, int64(1), p.Stats().Completed)
}

func TestGoroutinePool_TaskError(t *testing.T) {
	p := NewGoroutinePool(DefaultGoroutinePoolConfig())
	defer p.Close()

	boom := errors.New("boom")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestGoroutinePool_PanicRecovered(t *testing.T) {
	var handled atomic.Value
	p := NewGoroutinePool(GoroutinePoolConfig{
		MaxWorkers:   1,
		QueueSize:    1,
		PanicHandler: func(r any) { handled.Store(r) },
	})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { panic("kaboom") })
	require.ErrorIs(t, err, ErrTaskPanicked)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, "kaboom", handled.Load())
	assert.Equal(t, int64(1), p.Stats().Panicked)

	// the worker survives the panic
	require.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestGoroutinePool_BoundedWorkers(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 16})
	defer p.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.SubmitWait(context.Background(), func(ctx context.Context) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(8), p.Stats().Completed)
}

func TestGoroutinePool_SubmitFull(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 0})
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.SubmitWait(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
	close(release)
}

func TestGoroutinePool_CancelledBeforeStart(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.SubmitWait(ctx, func(ctx context.Context) error {
		t.Error("task should not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGoroutinePool_Close(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 4})

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	p.Close()
	p.Close()

	// queued work drains before Close returns
	assert.Equal(t, int32(3), ran.Load())
	assert.ErrorIs(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
	assert.Equal(t, 0, p.Stats().Workers)
}

func TestBufferPool_ResetsOnReturn(t *testing.T) {
	p := NewBufferPool(16, 0)
	buf := p.Get()
	buf.WriteString("hello")
	p.Put(buf)

	again := p.Get()
	assert.Zero(t, again.Len())
	p.Put(again)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Gets)
	assert.GreaterOrEqual(t, stats.Allocs, int64(1))
	assert.GreaterOrEqual(t, stats.ReuseRate(), 0.0)
}

func TestBufferPool_DropsOversized(t *testing.T) {
	p := NewBufferPool(16, 64)
	buf := p.Get()
	buf.Write(make([]byte, 128))
	p.Put(buf)
	p.Put(nil)

	assert.Equal(t, int64(1), p.Stats().Dropped)
	assert.LessOrEqual(t, p.Get().Cap(), 64)
}

func TestBufferPoolStats_ReuseRateEmpty(t *testing.T) {
	assert.Zero(t, BufferPoolStats{}.ReuseRate())
}

func TestGoroutinePool_Enqueue(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 0})
	defer p.Close()

	done := make(chan int, 1)
	require.NoError(t, p.Enqueue(context.Background(), func(ctx context.Context) error {
		done <- 42
		return nil
	}))
	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}
