package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🧱 沙箱执行器
// =============================================================================

// FailureClass 失败分类
type FailureClass string

const (
	FailureNone              FailureClass = ""
	FailureCapabilityDenied  FailureClass = "capability_denied"
	FailureUncaughtException FailureClass = "uncaught_exception"
	FailureExplicitError     FailureClass = "explicit_error_callback"
	FailureTimeout           FailureClass = "timeout"
	FailureHostError         FailureClass = "host_error"
	FailureNoResult          FailureClass = "no_result"
	FailureExportFailed      FailureClass = "export_failed"
	FailureCancelled         FailureClass = "cancelled"
)

var (
	ErrEmptyCode    = errors.New("code is required")
	ErrCodeTooLarge = errors.New("code exceeds size limit")
)

// SandboxConfig 沙箱配置
type SandboxConfig struct {
	Timeout           time.Duration `json:"timeout"`
	MaxTimeout        time.Duration `json:"max_timeout"`
	HostGrace         time.Duration `json:"host_grace"`
	MaxConsoleEntries int           `json:"max_console_entries"`
	MaxLogLineBytes   int           `json:"max_log_line_bytes"`
	MaxCodeBytes      int           `json:"max_code_bytes"`
	MaxAssetBytes     int           `json:"max_asset_bytes"`
	MaxCallStackSize  int           `json:"max_call_stack_size"`
	RandSeed          int64         `json:"rand_seed"`
}

// DefaultSandboxConfig 返回默认配置
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:           10 * time.Second,
		MaxTimeout:        60 * time.Second,
		HostGrace:         2 * time.Second,
		MaxConsoleEntries: DefaultConsoleCapacity,
		MaxLogLineBytes:   2048,
		MaxCodeBytes:      512 * 1024,
		MaxAssetBytes:     64 << 20,
		MaxCallStackSize:  4096,
		RandSeed:          1,
	}
}

// ExecutionRequest 执行请求
type ExecutionRequest struct {
	ID      string        `json:"id"`
	Code    string        `json:"code"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Diagnostics 执行期间捕获的控制台输出
type Diagnostics struct {
	Lines        []ConsoleLine `json:"lines"`
	DroppedCount int           `json:"dropped_count"`
}

// SandboxResult 执行结果。Success 为 true 时 Asset 有效,否则 Error 有效。
type SandboxResult struct {
	ID          string        `json:"id"`
	Success     bool          `json:"success"`
	Asset       []byte        `json:"-"`
	MimeType    string        `json:"mime_type,omitempty"`
	Error       string        `json:"error,omitempty"`
	Failure     FailureClass  `json:"failure,omitempty"`
	Diagnostics Diagnostics   `json:"diagnostics"`
	Duration    time.Duration `json:"duration"`
}

// Outcome 返回用于指标和日志的结果标签
func (r *SandboxResult) Outcome() string {
	if r.Success {
		return "success"
	}
	return string(r.Failure)
}

// ExecutionBackend 执行后端接口
type ExecutionBackend interface {
	Execute(ctx context.Context, req *ExecutionRequest, config SandboxConfig) (*SandboxResult, error)
	Cleanup() error
	Name() string
}

// Observer 接收每次执行的结果,通常由指标收集器实现
type Observer interface {
	ObserveSandboxExecution(outcome string, duration time.Duration)
}

// ExecutorStats 执行统计
type ExecutorStats struct {
	TotalExecutions   int64         `json:"total_executions"`
	SuccessExecutions int64         `json:"success_executions"`
	FailedExecutions  int64         `json:"failed_executions"`
	TimeoutExecutions int64         `json:"timeout_executions"`
	DeniedExecutions  int64         `json:"denied_executions"`
	TotalDuration     time.Duration `json:"total_duration"`
}

// SandboxExecutor 在隔离的运行时中执行不可信的场景代码
type SandboxExecutor struct {
	config    SandboxConfig
	backend   ExecutionBackend
	validator *CodeValidator
	observer  Observer
	logger    *zap.Logger
	mu        sync.RWMutex
	stats     ExecutorStats
}

// ExecutorOption 执行器选项
type ExecutorOption func(*SandboxExecutor)

// WithObserver 设置结果观察者
func WithObserver(o Observer) ExecutorOption {
	return func(s *SandboxExecutor) { s.observer = o }
}

// NewSandboxExecutor 创建沙箱执行器
func NewSandboxExecutor(config SandboxConfig, backend ExecutionBackend, logger *zap.Logger, opts ...ExecutorOption) *SandboxExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultSandboxConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HostGrace <= 0 {
		config.HostGrace = defaults.HostGrace
	}
	if config.MaxConsoleEntries <= 0 {
		config.MaxConsoleEntries = defaults.MaxConsoleEntries
	}
	s := &SandboxExecutor{
		config:    config,
		backend:   backend,
		validator: NewCodeValidator(),
		logger:    logger.With(zap.String("component", "sandbox")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute 执行代码。只有非法请求返回 error,执行失败体现在结果中。
func (s *SandboxExecutor) Execute(ctx context.Context, req *ExecutionRequest) (*SandboxResult, error) {
	start := time.Now()

	if err := s.validate(req); err != nil {
		return nil, err
	}

	if warnings := s.validator.Validate(req.Code); len(warnings) > 0 {
		s.logger.Warn("code validation warnings",
			zap.String("id", req.ID),
			zap.Strings("warnings", warnings))
	}

	cfg := s.config
	if req.Timeout > 0 {
		cfg.Timeout = req.Timeout
	}
	if cfg.MaxTimeout > 0 && cfg.Timeout > cfg.MaxTimeout {
		cfg.Timeout = cfg.MaxTimeout
	}

	// host-side wall clock bound on the whole call, independent of the
	// in-runtime interrupt
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout+cfg.HostGrace)
	defer cancel()

	s.logger.Debug("executing code",
		zap.String("id", req.ID),
		zap.String("backend", s.backend.Name()),
		zap.Int("code_length", len(req.Code)),
		zap.Duration("timeout", cfg.Timeout))

	result, err := s.backend.Execute(ctx, req, cfg)
	if err != nil {
		result = &SandboxResult{
			Failure: FailureHostError,
			Error:   fmt.Sprintf("sandbox host error: %v", err),
		}
	}
	result.ID = req.ID
	result.Duration = time.Since(start)

	s.mu.Lock()
	s.stats.TotalExecutions++
	s.stats.TotalDuration += result.Duration
	if result.Success {
		s.stats.SuccessExecutions++
	} else {
		s.stats.FailedExecutions++
		switch result.Failure {
		case FailureTimeout:
			s.stats.TimeoutExecutions++
		case FailureCapabilityDenied:
			s.stats.DeniedExecutions++
		}
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ObserveSandboxExecution(result.Outcome(), result.Duration)
	}

	if result.Success {
		s.logger.Info("execution succeeded",
			zap.String("id", req.ID),
			zap.Int("asset_bytes", len(result.Asset)),
			zap.Duration("duration", result.Duration))
	} else {
		s.logger.Info("execution failed",
			zap.String("id", req.ID),
			zap.String("failure", string(result.Failure)),
			zap.String("error", result.Error),
			zap.Duration("duration", result.Duration))
	}
	return result, nil
}

func (s *SandboxExecutor) validate(req *ExecutionRequest) error {
	if req == nil || req.Code == "" {
		return ErrEmptyCode
	}
	if s.config.MaxCodeBytes > 0 && len(req.Code) > s.config.MaxCodeBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrCodeTooLarge, len(req.Code), s.config.MaxCodeBytes)
	}
	return nil
}

// Config 返回执行器配置
func (s *SandboxExecutor) Config() SandboxConfig {
	return s.config
}

// Stats 返回执行统计
func (s *SandboxExecutor) Stats() ExecutorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Cleanup 释放资源
func (s *SandboxExecutor) Cleanup() error {
	return s.backend.Cleanup()
}
