// =============================================================================
// 📦 SceneForge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Store:      DefaultStoreConfig(),
		Sandbox:    DefaultSandboxConfig(),
		Generation: DefaultGenerationConfig(),
		LLM:        DefaultLLMConfig(),
		Redis:      DefaultRedisConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Auth:       DefaultAuthConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		MaxBodyBytes:    1 << 20,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Dir:                 "./data",
		MaxRetries:          3,
		MaxOpenConns:        1,
		MaxIdleConns:        1,
		BusyTimeout:         5 * time.Second,
		WAL:                 true,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultSandboxConfig 返回默认沙箱配置
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:           10 * time.Second,
		MaxTimeout:        60 * time.Second,
		HostGrace:         2 * time.Second,
		MaxWorkers:        4,
		QueueSize:         64,
		MaxConsoleEntries: 200,
		MaxLogLineBytes:   2048,
		MaxCodeBytes:      512 * 1024,
		MaxAssetBytes:     64 << 20,
		MaxCallStackSize:  4096,
		RandSeed:          1,
	}
}

// DefaultGenerationConfig 返回默认生成配置
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxConcurrentTasks: 16,
		DefaultModel:       "",
		Temperature:        0.2,
		MaxTokens:          4096,
		PersistTimeout:     30 * time.Second,
		MaxWaitTimeout:     2 * time.Minute,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider:   "openai",
		APIKey:            "",
		BaseURL:           "",
		Timeout:           2 * time.Minute,
		MaxRetries:        2,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:       false,
		Addr:          "localhost:6379",
		Password:      "",
		DB:            0,
		PoolSize:      10,
		MinIdleConns:  2,
		KeyPrefix:     "sceneforge:",
		CacheTTL:      10 * time.Minute,
		MaxEntryBytes: 8 << 20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "sceneforge",
		SampleRate:   0.1,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:   false,
		ClockSkew: 30 * time.Second,
	}
}
