// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sceneforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "./data", cfg.Store.Dir)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
  allowed_origins: ["http://localhost:3000"]
store:
  dir: /var/lib/sceneforge
sandbox:
  timeout: 3s
  max_workers: 8
generation:
  default_model: deepseek/deepseek-chat
  temperature: 0.5
llm:
  default_provider: deepseek
  providers:
    - name: deepseek
      api_key: sk-test
      base_url: https://api.deepseek.com/v1
      default_model: deepseek-chat
      headers:
        X-Trace: "1"
log:
  level: debug
`)

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/var/lib/sceneforge", cfg.Store.Dir)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 8, cfg.Sandbox.MaxWorkers)
	assert.Equal(t, "deepseek/deepseek-chat", cfg.Generation.DefaultModel)
	assert.InDelta(t, 0.5, cfg.Generation.Temperature, 1e-9)
	require.Len(t, cfg.LLM.Providers, 1)
	assert.Equal(t, "1", cfg.LLM.Providers[0].Headers["X-Trace"])
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未出现在文件中的字段保留默认值
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 60*time.Second, cfg.Sandbox.MaxTimeout)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).
		WithLookupEnv(envMap(nil)).
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8888\nsandbox:\n  timeout: 3s\n")

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(map[string]string{
		"SCENEFORGE_SERVER_HTTP_PORT":       "9999",
		"SCENEFORGE_SERVER_RATE_LIMIT_RPS":  "2.5",
		"SCENEFORGE_SERVER_ALLOWED_ORIGINS": "https://a.example, https://b.example,",
		"SCENEFORGE_SANDBOX_TIMEOUT":        "15s",
		"SCENEFORGE_SANDBOX_RAND_SEED":      "42",
		"SCENEFORGE_REDIS_ENABLED":          "true",
		"SCENEFORGE_LLM_API_KEY":            "sk-env",
		"SCENEFORGE_STORE_DIR":              "",
	})).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.InDelta(t, 2.5, cfg.Server.RateLimitRPS, 1e-9)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, int64(42), cfg.Sandbox.RandSeed)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	// 空值不覆盖
	assert.Equal(t, "./data", cfg.Store.Dir)
}

func TestLoader_ProcessEnvironment(t *testing.T) {
	t.Setenv("SFTEST_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithEnvPrefix("SFTEST").Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	_, err := NewLoader().WithLookupEnv(envMap(map[string]string{
		"SCENEFORGE_SANDBOX_TIMEOUT": "soon",
	})).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCENEFORGE_SANDBOX_TIMEOUT")
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().
		WithLookupEnv(envMap(nil)).
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.NoError(t, err)

	_, err = NewLoader().
		WithLookupEnv(envMap(map[string]string{"SCENEFORGE_SERVER_HTTP_PORT": "0"})).
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

func TestMustLoad_Panics(t *testing.T) {
	path := writeConfig(t, "log: [")
	assert.Panics(t, func() { MustLoad(path) })
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"metrics port clash", func(c *Config) { c.Server.MetricsPort = c.Server.HTTPPort }, "metrics port must differ"},
		{"metrics disabled", func(c *Config) { c.Server.MetricsPort = 0 }, ""},
		{"empty store dir", func(c *Config) { c.Store.Dir = "  " }, "store.dir is required"},
		{"idle above open", func(c *Config) { c.Store.MaxIdleConns = 2 }, "store connection limits"},
		{"zero sandbox timeout", func(c *Config) { c.Sandbox.Timeout = 0 }, "sandbox.timeout must be positive"},
		{"max timeout below timeout", func(c *Config) { c.Sandbox.MaxTimeout = time.Second }, "sandbox.max_timeout"},
		{"no workers", func(c *Config) { c.Sandbox.MaxWorkers = 0 }, "sandbox.max_workers"},
		{"temperature", func(c *Config) { c.Generation.Temperature = 3 }, "temperature must be between 0 and 2"},
		{"duplicate provider", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "a"}, {Name: "a"}}
		}, `duplicate llm provider "a"`},
		{"unnamed provider", func(c *Config) { c.LLM.Providers = []ProviderConfig{{}} }, "name is required"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "sample_rate"},
		{"short jwt secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }, `unknown log level "trace"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateAggregatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = -1
	cfg.Sandbox.MaxWorkers = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "sandbox.max_workers")
}

// --- ProviderConfigs 测试 ---

func TestLLMConfig_ProviderConfigs(t *testing.T) {
	cfg := DefaultLLMConfig()
	assert.Empty(t, cfg.ProviderConfigs())

	cfg.APIKey = "sk-top"
	cfg.BaseURL = "https://llm.internal/v1"
	got := cfg.ProviderConfigs()
	require.Len(t, got, 1)
	assert.Equal(t, "openai", got[0].Name)
	assert.Equal(t, "sk-top", got[0].APIKey)
	assert.Equal(t, cfg.Timeout, got[0].Timeout)

	cfg.Providers = []ProviderConfig{
		{Name: "a", APIKey: "k1"},
		{Name: "b", APIKey: "k2", Timeout: time.Second},
	}
	got = cfg.ProviderConfigs()
	require.Len(t, got, 2)
	assert.Equal(t, cfg.Timeout, got[0].Timeout)
	assert.Equal(t, time.Second, got[1].Timeout)
	// 不修改原切片
	assert.Zero(t, cfg.Providers[0].Timeout)
}
