// 配置文件变更监听。
//
// 轮询配置文件内容摘要，变化后经过防抖重新加载完整配置，
// 并把新旧配置交给回调。加载失败时保留旧配置。
package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrWatcherRunning 重复启动
var ErrWatcherRunning = errors.New("config watcher already running")

// ReloadFunc 在配置成功重新加载后调用
type ReloadFunc func(old, updated *Config)

// Watcher 监听配置文件并在变化时重新加载
type Watcher struct {
	mu sync.RWMutex

	loader        *Loader
	pollInterval  time.Duration
	debounceDelay time.Duration
	logger        *zap.Logger

	current   *Config
	digest    []byte
	callbacks []ReloadFunc

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// WatcherOption 配置 Watcher
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay 设置防抖时间，写入过程中的中间状态不会触发加载
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounceDelay = d
		}
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher 创建监听器。current 是当前生效的配置，loader 必须带配置文件路径。
func NewWatcher(loader *Loader, current *Config, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil || loader.ConfigPath() == "" {
		return nil, fmt.Errorf("config watcher requires a loader with a config path")
	}
	if current == nil {
		return nil, fmt.Errorf("config watcher requires the current config")
	}
	w := &Watcher{
		loader:        loader,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
		current:       current,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	digest, err := fileDigest(loader.ConfigPath())
	if err != nil {
		return nil, err
	}
	if digest == nil {
		w.logger.Warn("config file does not exist, will watch for creation",
			zap.String("path", loader.ConfigPath()))
	}
	w.digest = digest
	return w, nil
}

// OnReload 注册回调，回调在监听 goroutine 中按注册顺序执行
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current 返回当前生效的配置
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start 启动轮询，ctx 取消或调用 Stop 后退出
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWatcherRunning
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stop, w.done)

	w.logger.Info("config watcher started",
		zap.String("path", w.loader.ConfigPath()),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop 停止轮询并等待监听 goroutine 退出
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("config watcher stopped")
}

// IsRunning 是否在运行
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var (
		debounce <-chan time.Time
		timer    *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !w.changed() {
				continue
			}
			// 重置防抖
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounceDelay)
			debounce = timer.C
		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

// changed 比较文件摘要，变化时记录新摘要
func (w *Watcher) changed() bool {
	digest, err := fileDigest(w.loader.ConfigPath())
	if err != nil {
		w.logger.Warn("failed to read config file", zap.Error(err))
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if bytes.Equal(digest, w.digest) {
		return false
	}
	w.digest = digest
	return true
}

// Reload 立即重新加载配置，失败时保留旧配置
func (w *Watcher) Reload() error {
	return w.reload()
}

func (w *Watcher) reload() error {
	updated, err := w.loader.Load()
	if err == nil {
		err = updated.Validate()
	}
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous config", zap.Error(err))
		return err
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.loader.ConfigPath()))
	for _, cb := range callbacks {
		w.invoke(cb, old, updated)
	}
	return nil
}

func (w *Watcher) invoke(cb ReloadFunc, old, updated *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config reload callback panicked", zap.Any("panic", r))
		}
	}()
	cb(old, updated)
}

// fileDigest 返回文件内容摘要，文件不存在时返回 nil
func fileDigest(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}
