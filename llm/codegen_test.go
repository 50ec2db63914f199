package llm

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/sceneforge/llm/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubProvider struct {
	name  string
	calls atomic.Int32
	fn    func(call int, req *ChatRequest) (*ChatResponse, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) HealthCheck(context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}

func (s *stubProvider) Completion(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	n := int(s.calls.Add(1))
	return s.fn(n, req)
}

func reply(content string) *ChatResponse {
	return &ChatResponse{Choices: []ChatChoice{{Message: Message{Role: RoleAssistant, Content: content}}}}
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{"plain code", "  const a = 1;\n", "const a = 1;", false},
		{"javascript block", "Here you go:\n```javascript\nonSuccess(s);\n```\nEnjoy", "onSuccess(s);", false},
		{"js block preferred over earlier text block", "```text\nnotes\n```\n```js\ncode();\n```", "code();", false},
		{"untagged block", "```\nfoo();\n```", "foo();", false},
		{"first script block wins", "```js\nfirst();\n```\n```js\nsecond();\n```", "first();", false},
		{"truncated fence", "```js\npartial();", "partial();", false},
		{"fence with attributes", "```js title=scene.js\nx();\n```", "x();", false},
		{"empty", "   ", "", true},
		{"only empty blocks", "```js\n\n```", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractCode(tt.response)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProviderGenerator_Resolve(t *testing.T) {
	g := NewProviderGenerator(fastRetry(), zaptest.NewLogger(t))

	_, _, err := g.Resolve("gpt-4o")
	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, ErrProviderUnavailable, llmErr.Code)

	openai := &stubProvider{name: "openai"}
	deepseek := &stubProvider{name: "deepseek"}
	g.Register(openai)
	g.Register(deepseek)
	assert.Equal(t, []string{"deepseek", "openai"}, g.Providers())

	tests := []struct {
		ref      string
		provider string
		model    string
	}{
		{"", "openai", ""},
		{"gpt-4o", "openai", "gpt-4o"},
		{"deepseek/deepseek-chat", "deepseek", "deepseek-chat"},
		{"deepseek", "deepseek", ""},
		{"meta/llama-3", "openai", "meta/llama-3"},
	}
	for _, tt := range tests {
		p, model, err := g.Resolve(tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.provider, p.Name(), tt.ref)
		assert.Equal(t, tt.model, model, tt.ref)
	}

	require.NoError(t, g.SetDefault("deepseek"))
	p, _, _ := g.Resolve("")
	assert.Equal(t, "deepseek", p.Name())
	assert.Error(t, g.SetDefault("missing"))
}

func TestProviderGenerator_GenerateCode(t *testing.T) {
	p := &stubProvider{name: "openai", fn: func(_ int, req *ChatRequest) (*ChatResponse, error) {
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		assert.Equal(t, "rules", req.Messages[0].Content)
		assert.Equal(t, "make a cube", req.Messages[1].Content)
		assert.Equal(t, "gpt-4o", req.Model)
		assert.Equal(t, float32(0.2), req.Temperature)
		return reply("```js\nonSuccess(scene);\n```"), nil
	}}
	g := NewProviderGenerator(fastRetry(), zaptest.NewLogger(t))
	g.Register(p)

	code, err := g.GenerateCode(context.Background(), "make a cube", "openai/gpt-4o", &GenerateOptions{
		SystemPrompt: "rules",
		Temperature:  0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "onSuccess(scene);", code)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestProviderGenerator_RetriesRetryableErrors(t *testing.T) {
	p := &stubProvider{name: "openai", fn: func(call int, _ *ChatRequest) (*ChatResponse, error) {
		if call < 3 {
			return nil, &Error{Code: ErrRateLimited, Message: "slow down", HTTPStatus: http.StatusTooManyRequests, Retryable: true}
		}
		return reply("done();"), nil
	}}
	g := NewProviderGenerator(fastRetry(), zaptest.NewLogger(t))
	g.Register(p)

	code, err := g.GenerateCode(context.Background(), "x", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "done();", code)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestProviderGenerator_DoesNotRetryPermanentErrors(t *testing.T) {
	p := &stubProvider{name: "openai", fn: func(int, *ChatRequest) (*ChatResponse, error) {
		return nil, &Error{Code: ErrUnauthorized, Message: "bad key", HTTPStatus: http.StatusUnauthorized}
	}}
	g := NewProviderGenerator(fastRetry(), zaptest.NewLogger(t))
	g.Register(p)

	_, err := g.GenerateCode(context.Background(), "x", "", nil)
	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, ErrUnauthorized, llmErr.Code)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestProviderGenerator_EmptyResponse(t *testing.T) {
	p := &stubProvider{name: "openai", fn: func(int, *ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{}, nil
	}}
	g := NewProviderGenerator(fastRetry(), zaptest.NewLogger(t))
	g.Register(p)

	_, err := g.GenerateCode(context.Background(), "x", "", nil)
	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, ErrEmptyResponse, llmErr.Code)
	assert.Equal(t, "openai: "+ErrNoCode.Error(), err.Error())
}

func TestProviderGenerator_EmptyPrompt(t *testing.T) {
	g := NewProviderGenerator(fastRetry(), nil)
	_, err := g.GenerateCode(context.Background(), "  ", "", nil)
	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, ErrInvalidRequest, llmErr.Code)
}

func TestCodeGeneratorFunc(t *testing.T) {
	var gen CodeGenerator = CodeGeneratorFunc(func(_ context.Context, prompt, modelRef string, _ *GenerateOptions) (string, error) {
		return prompt + "@" + modelRef, nil
	})
	code, err := gen.GenerateCode(context.Background(), "p", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "p@m", code)
}

type completionRecord struct {
	provider, model, status string
	promptTokens            int
}

type recordingCompletionObserver struct {
	records []completionRecord
}

func (r *recordingCompletionObserver) ObserveCompletion(provider, model, status string, _ time.Duration, promptTokens, _ int) {
	r.records = append(r.records, completionRecord{provider, model, status, promptTokens})
}

func TestProviderGenerator_ObservesEveryAttempt(t *testing.T) {
	p := &stubProvider{name: "openai", fn: func(call int, _ *ChatRequest) (*ChatResponse, error) {
		if call == 1 {
			return nil, &Error{Code: ErrModelOverloaded, Message: "busy", Retryable: true}
		}
		resp := reply("ok();")
		resp.Usage = ChatUsage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}
		return resp, nil
	}}
	g := NewProviderGenerator(fastRetry(), zaptest.NewLogger(t))
	g.Register(p)
	obs := &recordingCompletionObserver{}
	g.SetObserver(obs)

	_, err := g.GenerateCode(context.Background(), "x", "openai/gpt-4o", nil)
	require.NoError(t, err)
	assert.Equal(t, []completionRecord{
		{"openai", "gpt-4o", string(ErrModelOverloaded), 0},
		{"openai", "gpt-4o", "success", 12},
	}, obs.records)
}
