package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/sceneforge/api/handlers"
	"github.com/BaSui01/sceneforge/config"
	"github.com/BaSui01/sceneforge/generation"
	"github.com/BaSui01/sceneforge/internal/cache"
	"github.com/BaSui01/sceneforge/internal/metrics"
	"github.com/BaSui01/sceneforge/internal/pool"
	"github.com/BaSui01/sceneforge/internal/server"
	"github.com/BaSui01/sceneforge/internal/telemetry"
	"github.com/BaSui01/sceneforge/llm"
	"github.com/BaSui01/sceneforge/llm/providers/openaicompat"
	"github.com/BaSui01/sceneforge/llm/retry"
	"github.com/BaSui01/sceneforge/sandbox"
	"github.com/BaSui01/sceneforge/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// dbStatsInterval 连接池指标采样间隔
const dbStatsInterval = 15 * time.Second

// Server 是 SceneForge 的主服务器，持有全部组件的生命周期
type Server struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger
	level  zap.AtomicLevel

	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers

	store        *store.Store
	workers      *pool.GoroutinePool
	executor     *sandbox.SandboxExecutor
	generator    llm.CodeGenerator
	cacheManager *cache.Manager
	designer     *generation.Designer

	healthHandler *handlers.HealthHandler
	watcher       *config.Watcher
	handler       http.Handler

	httpManager    *server.Manager
	metricsManager *server.Manager

	// bgCtx 约束中间件后台 goroutine，Close 时取消
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// serverOption 调整组件装配，测试用
type serverOption func(*Server)

// withGenerator 替换模型代码生成器
func withGenerator(gen llm.CodeGenerator) serverOption {
	return func(s *Server) { s.generator = gen }
}

// NewServer 创建服务器实例，组件在 Init 中装配
func NewServer(cfg *config.Config, loader *config.Loader, logger *zap.Logger, level zap.AtomicLevel, opts ...serverOption) *Server {
	s := &Server{
		cfg:      cfg,
		loader:   loader,
		logger:   logger,
		level:    level,
		registry: prometheus.NewRegistry(),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// 🔧 组件装配
// =============================================================================

// Init 按依赖顺序装配组件。失败时已创建的组件由 Close 释放。
func (s *Server) Init(ctx context.Context) error {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollectorWithRegisterer("sceneforge", s.registry, s.logger)

	otelProviders, err := telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = otelProviders

	if err := s.initStore(ctx); err != nil {
		return err
	}

	s.workers, s.executor = newSandbox(s.cfg.Sandbox, s.logger, s.collector)

	if s.generator == nil {
		s.generator = s.newGenerator()
	}

	s.initCache(ctx)

	if err := s.initDesigner(); err != nil {
		return err
	}

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("store", s.store.Ping))
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}

	if err := s.initWatcher(); err != nil {
		return err
	}

	s.handler = s.buildHandler()
	s.initServers()
	return nil
}

func (s *Server) initStore(ctx context.Context) error {
	storeCfg := store.DefaultConfig(s.cfg.Store.Dir)
	storeCfg.MaxRetries = s.cfg.Store.MaxRetries
	storeCfg.Pool.MaxOpenConns = s.cfg.Store.MaxOpenConns
	storeCfg.Pool.MaxIdleConns = s.cfg.Store.MaxIdleConns
	storeCfg.Pool.HealthCheckInterval = s.cfg.Store.HealthCheckInterval
	storeCfg.SQLite.BusyTimeout = s.cfg.Store.BusyTimeout
	storeCfg.SQLite.WAL = s.cfg.Store.WAL

	st, err := store.Open(ctx, storeCfg, s.logger, store.WithObserver(s.collector))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st
	s.logger.Info("store opened", zap.String("dir", st.Dir()))
	return nil
}

// newSandbox 创建执行池与沙箱执行器，serve 与 exec 共用
func newSandbox(cfg config.SandboxConfig, logger *zap.Logger, observer sandbox.Observer) (*pool.GoroutinePool, *sandbox.SandboxExecutor) {
	workers := pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: cfg.MaxWorkers,
		QueueSize:  cfg.QueueSize,
		PanicHandler: func(r any) {
			logger.Error("sandbox worker panic", zap.Any("panic", r))
		},
	})

	sbCfg := sandbox.SandboxConfig{
		Timeout:           cfg.Timeout,
		MaxTimeout:        cfg.MaxTimeout,
		HostGrace:         cfg.HostGrace,
		MaxConsoleEntries: cfg.MaxConsoleEntries,
		MaxLogLineBytes:   cfg.MaxLogLineBytes,
		MaxCodeBytes:      cfg.MaxCodeBytes,
		MaxAssetBytes:     cfg.MaxAssetBytes,
		MaxCallStackSize:  cfg.MaxCallStackSize,
		RandSeed:          cfg.RandSeed,
	}
	var opts []sandbox.ExecutorOption
	if observer != nil {
		opts = append(opts, sandbox.WithObserver(observer))
	}
	executor := sandbox.NewSandboxExecutor(sbCfg, sandbox.NewGojaBackend(workers, logger), logger, opts...)
	return workers, executor
}

// newGenerator 根据 llm 配置注册 OpenAI 兼容 Provider
func (s *Server) newGenerator() llm.CodeGenerator {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = s.cfg.LLM.MaxRetries
	if s.cfg.LLM.RetryInitialDelay > 0 {
		policy.InitialDelay = s.cfg.LLM.RetryInitialDelay
	}
	if s.cfg.LLM.RetryMaxDelay > 0 {
		policy.MaxDelay = s.cfg.LLM.RetryMaxDelay
	}

	gen := llm.NewProviderGenerator(policy, s.logger)
	gen.SetObserver(s.collector)
	for _, pc := range s.cfg.LLM.ProviderConfigs() {
		gen.Register(openaicompat.New(openaicompat.Config{
			ProviderName: pc.Name,
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Timeout:      pc.Timeout,
			Headers:      pc.Headers,
		}, s.logger))
	}

	names := gen.Providers()
	if len(names) == 0 {
		s.logger.Warn("no LLM provider configured, generation tasks will fail")
		return gen
	}
	if def := s.cfg.LLM.DefaultProvider; def != "" {
		if err := gen.SetDefault(def); err != nil {
			s.logger.Warn("default LLM provider not registered", zap.String("provider", def), zap.Error(err))
		}
	}
	s.logger.Info("LLM providers registered", zap.Strings("providers", names))
	return gen
}

// initCache 连接 Redis 资产缓存，失败时降级为无缓存运行
func (s *Server) initCache(ctx context.Context) {
	if !s.cfg.Redis.Enabled {
		return
	}
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = s.cfg.Redis.Addr
	cacheCfg.Password = s.cfg.Redis.Password
	cacheCfg.DB = s.cfg.Redis.DB
	cacheCfg.PoolSize = s.cfg.Redis.PoolSize
	cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
	cacheCfg.TLSEnabled = s.cfg.Redis.TLSEnabled
	cacheCfg.KeyPrefix = s.cfg.Redis.KeyPrefix
	cacheCfg.DefaultTTL = s.cfg.Redis.CacheTTL
	cacheCfg.MaxEntryBytes = s.cfg.Redis.MaxEntryBytes

	manager, err := cache.NewManager(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn("redis cache unavailable, serving content from store only", zap.Error(err))
		return
	}
	s.cacheManager = manager
}

func (s *Server) initDesigner() error {
	dcfg := generation.DesignerConfig{
		Store:              s.store,
		Executor:           s.executor,
		Generator:          s.generator,
		Observer:           s.collector,
		Tracer:             s.telemetry.Tracer(),
		Logger:             s.logger,
		MaxConcurrentTasks: s.cfg.Generation.MaxConcurrentTasks,
		DefaultModel:       s.cfg.Generation.DefaultModel,
		GenerateOptions: llm.GenerateOptions{
			SystemPrompt: s.cfg.Generation.SystemPrompt,
			Temperature:  float32(s.cfg.Generation.Temperature),
			MaxTokens:    s.cfg.Generation.MaxTokens,
		},
		PersistTimeout: s.cfg.Generation.PersistTimeout,
	}
	if s.cacheManager != nil {
		dcfg.Cache = cache.NewContentCache(s.cacheManager, s.collector)
	}

	designer, err := generation.NewDesigner(dcfg)
	if err != nil {
		return fmt.Errorf("create designer: %w", err)
	}
	s.designer = designer
	return nil
}

// initWatcher 配置文件存在时监听变更。日志级别即时生效，其余配置需重启。
func (s *Server) initWatcher() error {
	if s.loader == nil || s.loader.ConfigPath() == "" {
		return nil
	}
	watcher, err := config.NewWatcher(s.loader, s.cfg, config.WithWatcherLogger(s.logger))
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	watcher.OnReload(s.onConfigReload)
	s.watcher = watcher
	return nil
}

func (s *Server) onConfigReload(old, updated *config.Config) {
	if old.Log.Level != updated.Log.Level {
		level, err := zapcore.ParseLevel(updated.Log.Level)
		if err != nil {
			s.logger.Warn("ignoring invalid log level", zap.String("level", updated.Log.Level))
		} else {
			s.level.SetLevel(level)
			s.logger.Info("log level changed", zap.String("level", level.String()))
		}
	}
	s.logger.Info("configuration reloaded; settings other than log level apply after restart")
}

// =============================================================================
// 🌐 HTTP
// =============================================================================

// Handler 返回 Init 装配好的 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.handler
}

// buildHandler 注册路由并套上中间件链
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewObjectHandler(s.designer, handlers.ObjectHandlerConfig{
		MaxBodyBytes:      s.cfg.Server.MaxBodyBytes,
		MaxWaitTimeout:    s.cfg.Generation.MaxWaitTimeout,
		MaxSandboxTimeout: s.cfg.Sandbox.MaxTimeout,
		AllowedOrigins:    s.cfg.Server.AllowedOrigins,
	}, s.logger).Register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		Tracing(s.telemetry.Tracer()),
		Metrics(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.AllowedOrigins),
		JWTAuth(s.cfg.Auth, s.logger),
		RateLimiter(s.bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

func (s *Server) initServers() {
	s.httpManager = server.NewManager("http", s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if s.cfg.Server.MetricsPort == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	s.metricsManager = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动全部服务并阻塞到 ctx 结束或任一服务失败，返回前完成优雅关闭
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}
	if s.watcher != nil {
		if err := s.watcher.Start(gctx); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
	}
	g.Go(func() error {
		s.recordPoolStats(gctx)
		return nil
	})
	// 先结束在途任务，阻塞中的 wait 请求随之返回，HTTP 才能按时排空
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdownDesigner()
	})

	s.logger.Info("SceneForge started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("config_watch", s.watcher != nil),
		zap.Bool("redis_cache", s.cacheManager != nil),
	)

	err := g.Wait()
	return errors.Join(err, s.Close())
}

func (s *Server) recordPoolStats(ctx context.Context) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		stats := s.store.PoolStats()
		s.collector.RecordDBConnections("sqlite", stats.OpenConnections, stats.Idle)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) shutdownDesigner() error {
	if s.designer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.designer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown designer: %w", err)
	}
	return nil
}

// Close 按依赖倒序释放组件，可重复调用
func (s *Server) Close() error {
	var errs []error

	s.bgCancel()
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if err := s.shutdownDesigner(); err != nil {
		errs = append(errs, err)
	}
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil && !errors.Is(err, cache.ErrManagerClosed) {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if s.workers != nil {
		s.workers.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("graceful shutdown completed")
	return errors.Join(errs...)
}
