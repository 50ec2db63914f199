package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type reloadRecorder struct {
	mu     sync.Mutex
	levels [][2]string
}

func (r *reloadRecorder) record(old, updated *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, [2]string{old.Log.Level, updated.Log.Level})
}

func (r *reloadRecorder) snapshot() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.levels...)
}

func newTestWatcher(t *testing.T, content string) (*Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sceneforge.yaml")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	loader := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil))
	cfg, err := loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, cfg,
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond),
		WithWatcherLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	return w, path
}

func TestNewWatcher_RequiresConfigPath(t *testing.T) {
	_, err := NewWatcher(NewLoader(), DefaultConfig())
	assert.Error(t, err)

	_, err = NewWatcher(NewLoader().WithConfigPath("x.yaml"), nil)
	assert.Error(t, err)
}

func TestWatcher_StartStop(t *testing.T) {
	w, _ := newTestWatcher(t, "log:\n  level: info\n")

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.ErrorIs(t, w.Start(context.Background()), ErrWatcherRunning)

	w.Stop()
	assert.False(t, w.IsRunning())
	// 重复 Stop 无副作用
	w.Stop()
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	w, path := newTestWatcher(t, "log:\n  level: info\n")
	rec := &reloadRecorder{}
	w.OnReload(rec.record)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	require.Eventually(t, func() bool { return w.Current().Log.Level == "debug" }, 2*time.Second, 10*time.Millisecond)
	levels := rec.snapshot()
	require.NotEmpty(t, levels)
	assert.Equal(t, "debug", levels[len(levels)-1][1])
}

func TestWatcher_DetectsCreation(t *testing.T) {
	w, path := newTestWatcher(t, "")
	rec := &reloadRecorder{}
	w.OnReload(rec.record)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	require.Eventually(t, func() bool { return w.Current().Log.Level == "warn" }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_InvalidConfigKeepsPrevious(t *testing.T) {
	w, path := newTestWatcher(t, "log:\n  level: info\n")
	rec := &reloadRecorder{}
	w.OnReload(rec.record)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: verbose\n"), 0o644))
	assert.Error(t, w.Reload())
	assert.Equal(t, "info", w.Current().Log.Level)
	assert.Empty(t, rec.snapshot())

	require.NoError(t, os.WriteFile(path, []byte("log: ["), 0o644))
	assert.Error(t, w.Reload())
	assert.Equal(t, "info", w.Current().Log.Level)
}

func TestWatcher_CallbackPanicIsContained(t *testing.T) {
	w, path := newTestWatcher(t, "log:\n  level: info\n")
	rec := &reloadRecorder{}
	w.OnReload(func(*Config, *Config) { panic("boom") })
	w.OnReload(rec.record)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0o644))
	require.NoError(t, w.Reload())
	assert.Equal(t, [][2]string{{"info", "error"}}, rec.snapshot())
}

func TestWatcher_StopsWithContext(t *testing.T) {
	w, _ := newTestWatcher(t, "log:\n  level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()
	// 上下文取消后 Stop 仍能正常返回
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
