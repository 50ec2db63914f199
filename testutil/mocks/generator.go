// MockGenerator 的代码生成器测试模拟实现。
//
// 支持固定代码、错误注入与调用闸门，闸门用于在模型调用期间触发取消。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/sceneforge/llm"
)

// --- MockGenerator 结构 ---

// MockGenerator 是 llm.CodeGenerator 的模拟实现
type MockGenerator struct {
	mu sync.RWMutex

	// 响应配置
	code  string
	err   error
	delay time.Duration
	gate  <-chan struct{}
	fn    func(ctx context.Context, prompt, modelRef string) (string, error)

	// 调用记录
	calls  []MockGeneratorCall
	called chan struct{}
}

// MockGeneratorCall 记录一次调用
type MockGeneratorCall struct {
	Prompt   string
	ModelRef string
	Options  llm.GenerateOptions
	Code     string
	Error    error
}

// NewMockGenerator 创建新的 MockGenerator
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{called: make(chan struct{}, 64)}
}

// --- Builder 方法 ---

// WithCode 设置返回的代码
func (m *MockGenerator) WithCode(code string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = code
	return m
}

// WithError 设置返回的错误
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置响应延迟，期间响应 ctx 取消
func (m *MockGenerator) WithDelay(d time.Duration) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithGate 调用阻塞直到 gate 关闭或 ctx 结束
func (m *MockGenerator) WithGate(gate <-chan struct{}) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
	return m
}

// WithFunc 设置自定义生成函数，优先于固定代码与错误
func (m *MockGenerator) WithFunc(fn func(ctx context.Context, prompt, modelRef string) (string, error)) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// --- CodeGenerator 接口实现 ---

// GenerateCode 返回预设代码
func (m *MockGenerator) GenerateCode(ctx context.Context, prompt, modelRef string, opts *llm.GenerateOptions) (string, error) {
	m.mu.RLock()
	code, err, delay, gate, fn := m.code, m.err, m.delay, m.gate, m.fn
	m.mu.RUnlock()

	select {
	case m.called <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil && delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			err = ctx.Err()
		}
		timer.Stop()
	}
	if ctx.Err() == nil && fn != nil {
		code, err = fn(ctx, prompt, modelRef)
	}
	if err != nil {
		code = ""
	}

	call := MockGeneratorCall{Prompt: prompt, ModelRef: modelRef, Code: code, Error: err}
	if opts != nil {
		call.Options = *opts
	}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	return code, err
}

// --- 查询方法 ---

// Called 每次进入 GenerateCode 时收到一个信号
func (m *MockGenerator) Called() <-chan struct{} {
	return m.called
}

// Calls 返回已完成的调用记录
func (m *MockGenerator) Calls() []MockGeneratorCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockGeneratorCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回已完成的调用次数
func (m *MockGenerator) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// LastCall 返回最后一次调用
func (m *MockGenerator) LastCall() (MockGeneratorCall, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return MockGeneratorCall{}, false
	}
	return m.calls[len(m.calls)-1], true
}

// Reset 清空调用记录
func (m *MockGenerator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
