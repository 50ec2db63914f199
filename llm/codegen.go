package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/sceneforge/llm/retry"
	"go.uber.org/zap"
)

// ErrNoCode 模型回复中没有可提取的代码
var ErrNoCode = errors.New("model response contains no code")

// GenerateOptions 单次生成的模型参数
type GenerateOptions struct {
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Temperature  float32           `json:"temperature,omitempty"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
	TraceID      string            `json:"trace_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CodeGenerator 把提示词转换为可执行的场景代码
type CodeGenerator interface {
	GenerateCode(ctx context.Context, prompt, modelRef string, opts *GenerateOptions) (string, error)
}

// CodeGeneratorFunc 函数适配器
type CodeGeneratorFunc func(ctx context.Context, prompt, modelRef string, opts *GenerateOptions) (string, error)

func (f CodeGeneratorFunc) GenerateCode(ctx context.Context, prompt, modelRef string, opts *GenerateOptions) (string, error) {
	return f(ctx, prompt, modelRef, opts)
}

// ProviderGenerator 基于 Provider 注册表的 CodeGenerator。
//
// modelRef 形如 "<provider>/<model>"；前缀不是已注册的 Provider 时，
// 整个 modelRef 视为默认 Provider 的模型名，空 modelRef 使用默认模型。
type ProviderGenerator struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
	retryer         *retry.Retryer
	observer        CompletionObserver
	logger          *zap.Logger
}

// CompletionObserver 接收每次模型调用（含重试）的结果，通常由指标收集器实现
type CompletionObserver interface {
	ObserveCompletion(provider, model, status string, duration time.Duration, promptTokens, completionTokens int)
}

// NewProviderGenerator 创建生成器，第一个注册的 Provider 成为默认 Provider
func NewProviderGenerator(policy retry.Policy, logger *zap.Logger) *ProviderGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "codegen"))
	policy.ShouldRetry = IsRetryable
	return &ProviderGenerator{
		providers: make(map[string]Provider),
		retryer:   retry.New(policy, logger),
		logger:    logger,
	}
}

// Register 注册 Provider
func (g *ProviderGenerator) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[p.Name()] = p
	if g.defaultProvider == "" {
		g.defaultProvider = p.Name()
	}
}

// SetDefault 设置默认 Provider
func (g *ProviderGenerator) SetDefault(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.providers[name]; !ok {
		return fmt.Errorf("provider %q is not registered", name)
	}
	g.defaultProvider = name
	return nil
}

// Providers 返回已注册的 Provider 名称
func (g *ProviderGenerator) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 把 modelRef 解析为 Provider 与模型名
func (g *ProviderGenerator) Resolve(modelRef string) (Provider, string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	modelRef = strings.TrimSpace(modelRef)
	if name, model, ok := strings.Cut(modelRef, "/"); ok {
		if p, found := g.providers[name]; found {
			return p, model, nil
		}
	}
	if p, found := g.providers[modelRef]; found {
		return p, "", nil
	}
	p, found := g.providers[g.defaultProvider]
	if !found {
		return nil, "", &Error{
			Code:       ErrProviderUnavailable,
			Message:    "no model provider is configured",
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}
	return p, modelRef, nil
}

// GenerateCode 调用模型并提取代码，可重试错误按退避策略重试
func (g *ProviderGenerator) GenerateCode(ctx context.Context, prompt, modelRef string, opts *GenerateOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &Error{Code: ErrInvalidRequest, Message: "prompt is empty", HTTPStatus: http.StatusBadRequest}
	}
	p, model, err := g.Resolve(modelRef)
	if err != nil {
		return "", err
	}
	if opts == nil {
		opts = &GenerateOptions{}
	}

	req := &ChatRequest{
		TraceID:     opts.TraceID,
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Metadata:    opts.Metadata,
	}
	if opts.SystemPrompt != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: opts.SystemPrompt})
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: prompt})

	resp, err := retry.Do(ctx, g.retryer, func(ctx context.Context) (*ChatResponse, error) {
		start := time.Now()
		resp, err := p.Completion(ctx, req)
		g.observe(p.Name(), model, start, resp, err)
		return resp, err
	})
	if err != nil {
		g.logger.Warn("code generation failed",
			zap.String("provider", p.Name()),
			zap.String("model", model),
			zap.Error(err),
		)
		return "", err
	}

	code, err := ExtractCode(resp.FirstContent())
	if err != nil {
		return "", &Error{
			Code:       ErrEmptyResponse,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Provider:   p.Name(),
		}
	}
	g.logger.Debug("code generated",
		zap.String("provider", p.Name()),
		zap.String("model", resp.Model),
		zap.Int("code_bytes", len(code)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return code, nil
}

// SetObserver 设置模型调用观察者
func (g *ProviderGenerator) SetObserver(o CompletionObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observer = o
}

func (g *ProviderGenerator) observe(provider, model string, start time.Time, resp *ChatResponse, err error) {
	g.mu.RLock()
	o := g.observer
	g.mu.RUnlock()
	if o == nil {
		return
	}
	status := "success"
	var usage ChatUsage
	if err != nil {
		status = "error"
		var llmErr *Error
		if errors.As(err, &llmErr) {
			status = string(llmErr.Code)
		}
	} else if resp != nil {
		usage = resp.Usage
	}
	o.ObserveCompletion(provider, model, status, time.Since(start), usage.PromptTokens, usage.CompletionTokens)
}

// =============================================================================
// 代码提取
// =============================================================================

var fencedBlock = regexp.MustCompile("(?s)```[ \\t]*([\\w+-]*)[^\\n]*\\n(.*?)```")

var scriptLanguages = map[string]bool{
	"js": true, "javascript": true, "mjs": true, "jsx": true,
	"ts": true, "typescript": true,
}

// ExtractCode 从模型回复中提取代码。
// 优先第一个 JavaScript 代码块，其次第一个任意代码块；
// 没有代码块时整段回复视为代码。
func ExtractCode(response string) (string, error) {
	blocks := fencedBlock.FindAllStringSubmatch(response, -1)
	var fallback string
	for _, b := range blocks {
		body := strings.TrimSpace(b[2])
		if body == "" {
			continue
		}
		if scriptLanguages[strings.ToLower(b[1])] {
			return body, nil
		}
		if fallback == "" {
			fallback = body
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	if len(blocks) > 0 {
		return "", ErrNoCode
	}
	code := strings.TrimSpace(response)
	// 回复被截断时只有开头的围栏
	if strings.HasPrefix(code, "```") {
		_, code, _ = strings.Cut(code, "\n")
		code = strings.TrimSpace(code)
	}
	if code == "" {
		return "", ErrNoCode
	}
	return code, nil
}
